package workflow

import (
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/mkallio/fanout/internal/logging"
)

// Watcher observes a workflow file during a run and reports when its
// content hash changes. A mid-run edit does not stop the job, but it
// will make the workflow-hash check fail on a later resume, so the
// coordinator logs a warning as soon as the edit happens.
type Watcher struct {
	path     string
	lastHash string
	watcher  *fsnotify.Watcher
	onChange func(newHash string)
	log      *logging.Logger

	mu     sync.Mutex
	stopCh chan struct{}
	done   chan struct{}
}

// NewWatcher creates a Watcher for the workflow file at path. The
// current content hash is captured as the baseline; onChange fires
// whenever the hash differs from it after a filesystem event.
func NewWatcher(path string, log *logging.Logger, onChange func(newHash string)) (*Watcher, error) {
	hash, err := Hash(path)
	if err != nil {
		return nil, err
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	// Watch the directory, not the file: editors that replace the
	// file on save would otherwise detach the watch.
	if err := fsw.Add(filepath.Dir(path)); err != nil {
		_ = fsw.Close()
		return nil, err
	}

	if log == nil {
		log = logging.NopLogger()
	}

	return &Watcher{
		path:     path,
		lastHash: hash,
		watcher:  fsw,
		onChange: onChange,
		log:      log,
		stopCh:   make(chan struct{}),
		done:     make(chan struct{}),
	}, nil
}

// Start begins watching in a background goroutine.
func (w *Watcher) Start() {
	go w.watchLoop()
}

// Stop stops the watcher and waits for its goroutine to exit.
func (w *Watcher) Stop() {
	close(w.stopCh)
	_ = w.watcher.Close()
	<-w.done
}

func (w *Watcher) watchLoop() {
	defer close(w.done)

	// Editors emit several events per save; debounce before rehashing.
	debounce := time.NewTimer(0)
	if !debounce.Stop() {
		<-debounce.C
	}
	pending := false

	for {
		select {
		case <-w.stopCh:
			return

		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != filepath.Clean(w.path) {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			pending = true
			debounce.Reset(50 * time.Millisecond)

		case <-debounce.C:
			if !pending {
				continue
			}
			pending = false
			w.checkHash()

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.log.Warn("workflow watcher error", "error", err)
		}
	}
}

func (w *Watcher) checkHash() {
	hash, err := Hash(w.path)
	if err != nil {
		w.log.Warn("workflow file unreadable after change", "path", w.path, "error", err)
		return
	}

	w.mu.Lock()
	changed := hash != w.lastHash
	if changed {
		w.lastHash = hash
	}
	w.mu.Unlock()

	if changed {
		w.log.Warn("workflow file modified during run; resume will require --force",
			"path", w.path)
		if w.onChange != nil {
			w.onChange(hash)
		}
	}
}
