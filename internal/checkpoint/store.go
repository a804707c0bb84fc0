package checkpoint

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/mkallio/fanout/internal/errors"
	"github.com/mkallio/fanout/internal/logging"
)

const (
	// LatestFileName is the name of the latest checkpoint file within a
	// job's checkpoint directory.
	LatestFileName = "checkpoint.json"

	// HistoryDirName is the name of the per-job directory holding
	// archived checkpoint snapshots.
	HistoryDirName = "history"

	// DefaultRetention is the number of archived checkpoints kept per job.
	DefaultRetention = 10

	// historyStampFormat produces names whose lexical order equals their
	// chronological order, so the fallback scan needs no parsing.
	historyStampFormat = "20060102T150405.000000000"

	historySuffix = ".checkpoint.json"
)

// RetryPolicy describes the bounded exponential backoff applied to
// checkpoint writes. The policy is plain data interpreted by the store,
// so tests can substitute an aggressive schedule.
type RetryPolicy struct {
	// MaxAttempts is the total number of tries, including the first.
	MaxAttempts uint64

	// InitialInterval is the delay before the first retry.
	InitialInterval time.Duration

	// MaxInterval caps the growth of the backoff delay.
	MaxInterval time.Duration
}

// DefaultRetryPolicy is used when a Store is created without an explicit
// policy.
var DefaultRetryPolicy = RetryPolicy{
	MaxAttempts:     4,
	InitialInterval: 100 * time.Millisecond,
	MaxInterval:     2 * time.Second,
}

func (p RetryPolicy) newBackOff() backoff.BackOff {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = p.InitialInterval
	bo.MaxInterval = p.MaxInterval
	bo.MaxElapsedTime = 0
	attempts := p.MaxAttempts
	if attempts == 0 {
		attempts = 1
	}
	return backoff.WithMaxRetries(bo, attempts-1)
}

// LoadResult reports how a checkpoint load resolved: which file finally
// validated and how many corrupted checkpoints were skipped on the way.
type LoadResult struct {
	// Path is the file the returned checkpoint was read from.
	Path string

	// FailedAttempts is the number of checkpoints that failed structural
	// parsing or integrity verification before one succeeded.
	FailedAttempts int

	// FromHistory reports whether the checkpoint came from the history
	// directory rather than the latest file.
	FromHistory bool
}

// Info summarizes one job's latest checkpoint for listing.
type Info struct {
	JobID     string
	Phase     Phase
	Reason    Reason
	Total     int
	Completed int
	Failed    int
	Pending   int
	CreatedAt time.Time
	Path      string
}

// Store provides durable, atomic, versioned checkpoint persistence with
// bounded history and corruption fallback. Checkpoints live under
// baseDir/<job_id>/checkpoint.json with archived snapshots in
// baseDir/<job_id>/history/. A per-job flock makes saves mutually
// exclusive across processes; an in-process mutex serializes them within
// one.
type Store struct {
	baseDir   string
	retention int
	maxAge    time.Duration
	retry     RetryPolicy
	log       *logging.Logger
	mu        sync.Mutex
}

// StoreOption configures a Store.
type StoreOption func(*Store)

// WithRetention overrides the number of archived checkpoints kept per job.
func WithRetention(n int) StoreOption {
	return func(s *Store) { s.retention = n }
}

// WithMaxAge prunes archived checkpoints older than d regardless of count.
// Zero disables age-based pruning.
func WithMaxAge(d time.Duration) StoreOption {
	return func(s *Store) { s.maxAge = d }
}

// WithRetryPolicy overrides the write retry schedule.
func WithRetryPolicy(p RetryPolicy) StoreOption {
	return func(s *Store) { s.retry = p }
}

// WithLogger sets the store's logger.
func WithLogger(log *logging.Logger) StoreOption {
	return func(s *Store) { s.log = log }
}

// NewStore creates a Store rooted at baseDir. The directory is created if
// it does not exist.
func NewStore(baseDir string, opts ...StoreOption) (*Store, error) {
	s := &Store{
		baseDir:   baseDir,
		retention: DefaultRetention,
		retry:     DefaultRetryPolicy,
		log:       logging.NopLogger(),
	}
	for _, opt := range opts {
		opt(s)
	}
	if err := os.MkdirAll(baseDir, 0755); err != nil {
		return nil, fmt.Errorf("create checkpoint base directory: %w", err)
	}
	return s, nil
}

// JobDir returns the checkpoint directory for a job.
func (s *Store) JobDir(jobID string) string {
	return filepath.Join(s.baseDir, jobID)
}

// LatestPath returns the path of a job's latest checkpoint file.
func (s *Store) LatestPath(jobID string) string {
	return filepath.Join(s.JobDir(jobID), LatestFileName)
}

// HistoryDir returns a job's history directory.
func (s *Store) HistoryDir(jobID string) string {
	return filepath.Join(s.JobDir(jobID), HistoryDirName)
}

// Save persists a checkpoint as the job's new latest snapshot. The
// integrity hash is computed over the content with the hash field cleared,
// the previous latest checkpoint is archived into history under a
// timestamped name, and the new file is moved into place with an atomic
// rename so a reader never observes a partial write. Transient I/O
// failures are retried with bounded exponential backoff; if retries are
// exhausted the failure is returned as fatal, never swallowed.
func (s *Store) Save(cp *Checkpoint) error {
	if err := checkSaveInvariants(cp); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	jobDir := s.JobDir(cp.JobID)
	if err := os.MkdirAll(filepath.Join(jobDir, HistoryDirName), 0755); err != nil {
		return errors.NewCheckpointError("create job directory", err).WithJobID(cp.JobID)
	}

	// Single writer per job, across processes.
	fl := NewFileLock(jobDir)
	if err := fl.Lock(); err != nil {
		return errors.NewCheckpointError("acquire checkpoint lock", err).WithJobID(cp.JobID)
	}
	defer func() { _ = fl.Unlock() }()

	hash, err := ComputeIntegrityHash(cp)
	if err != nil {
		return errors.NewCheckpointError("compute integrity hash", err).
			WithJobID(cp.JobID).WithRetryable(false)
	}
	cp.IntegrityHash = hash

	data, err := json.MarshalIndent(cp, "", "  ")
	if err != nil {
		return errors.NewCheckpointError("marshal checkpoint", err).
			WithJobID(cp.JobID).WithRetryable(false)
	}

	attempts := 0
	write := func() error {
		attempts++
		return s.writeLatest(cp.JobID, data)
	}
	if err := backoff.Retry(write, s.retry.newBackOff()); err != nil {
		s.log.Error("checkpoint write failed after retries",
			"job_id", cp.JobID, "attempts", attempts, "error", err)
		return errors.NewCheckpointError("write checkpoint", err).
			WithJobID(cp.JobID).
			WithPath(s.LatestPath(cp.JobID)).
			WithAttempts(attempts).
			WithRetryable(false).
			WithSeverity(errors.SeverityCritical)
	}

	if err := s.pruneHistory(cp.JobID); err != nil {
		// Pruning failures do not endanger the new checkpoint.
		s.log.Warn("history pruning failed", "job_id", cp.JobID, "error", err)
	}

	s.log.Debug("checkpoint saved",
		"job_id", cp.JobID,
		"phase", string(cp.Phase),
		"reason", string(cp.Reason),
		"completed", len(cp.CompletedItems),
		"failed", len(cp.FailedItems),
		"pending", len(cp.PendingItems))
	return nil
}

// writeLatest performs one attempt of the archive-and-rename sequence.
func (s *Store) writeLatest(jobID string, data []byte) error {
	jobDir := s.JobDir(jobID)
	latest := s.LatestPath(jobID)

	tmp, err := os.CreateTemp(jobDir, ".tmp-checkpoint-*")
	if err != nil {
		return fmt.Errorf("%w: create temp file: %v", errors.ErrCheckpointIO, err)
	}
	tmpPath := tmp.Name()

	success := false
	defer func() {
		if !success {
			os.Remove(tmpPath)
		}
	}()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("%w: write temp file: %v", errors.ErrCheckpointIO, err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("%w: sync temp file: %v", errors.ErrCheckpointIO, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("%w: close temp file: %v", errors.ErrCheckpointIO, err)
	}
	if err := os.Chmod(tmpPath, 0644); err != nil {
		return fmt.Errorf("%w: chmod temp file: %v", errors.ErrCheckpointIO, err)
	}

	// Archive the existing latest checkpoint before replacing it.
	if err := s.archiveLatest(jobID); err != nil {
		return err
	}

	if err := os.Rename(tmpPath, latest); err != nil {
		return fmt.Errorf("%w: rename into place: %v", errors.ErrCheckpointIO, err)
	}
	success = true
	return nil
}

// archiveLatest moves the current latest checkpoint, if any, into the
// history directory under a timestamped name.
func (s *Store) archiveLatest(jobID string) error {
	latest := s.LatestPath(jobID)
	if _, err := os.Stat(latest); err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("%w: stat latest checkpoint: %v", errors.ErrCheckpointIO, err)
	}

	stamp := s.archiveStamp(latest)
	target := filepath.Join(s.HistoryDir(jobID), stamp+historySuffix)

	// A second save within the same nanosecond would collide; disambiguate
	// rather than overwrite.
	for i := 1; ; i++ {
		if _, err := os.Stat(target); os.IsNotExist(err) {
			break
		}
		target = filepath.Join(s.HistoryDir(jobID), fmt.Sprintf("%s-%d%s", stamp, i, historySuffix))
	}

	if err := os.Rename(latest, target); err != nil {
		return fmt.Errorf("%w: archive latest checkpoint: %v", errors.ErrCheckpointIO, err)
	}
	return nil
}

// archiveStamp derives the history file stamp from the checkpoint being
// archived, preferring its recorded creation time over the file's mtime.
func (s *Store) archiveStamp(path string) string {
	var header struct {
		CreatedAt time.Time `json:"created_at"`
	}
	if data, err := os.ReadFile(path); err == nil {
		if json.Unmarshal(data, &header) == nil && !header.CreatedAt.IsZero() {
			return header.CreatedAt.UTC().Format(historyStampFormat)
		}
	}
	if info, err := os.Stat(path); err == nil {
		return info.ModTime().UTC().Format(historyStampFormat)
	}
	return time.Now().UTC().Format(historyStampFormat)
}

// pruneHistory removes archived checkpoints beyond the retention limit,
// oldest first, and any older than the configured max age.
func (s *Store) pruneHistory(jobID string) error {
	names, err := s.historyNames(jobID)
	if err != nil {
		return err
	}

	histDir := s.HistoryDir(jobID)
	var remove []string

	if s.retention > 0 && len(names) > s.retention {
		remove = append(remove, names[:len(names)-s.retention]...)
	}

	if s.maxAge > 0 {
		cutoff := time.Now().Add(-s.maxAge)
		for _, name := range names {
			info, err := os.Stat(filepath.Join(histDir, name))
			if err != nil {
				continue
			}
			if info.ModTime().Before(cutoff) {
				remove = append(remove, name)
			}
		}
	}

	for _, name := range remove {
		if err := os.Remove(filepath.Join(histDir, name)); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("prune %s: %w", name, err)
		}
	}
	return nil
}

// historyNames returns the job's archived checkpoint file names sorted
// oldest first.
func (s *Store) historyNames(jobID string) ([]string, error) {
	entries, err := os.ReadDir(s.HistoryDir(jobID))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read history directory: %w", err)
	}

	var names []string
	for _, e := range entries {
		if !e.IsDir() && filepath.Ext(e.Name()) == ".json" {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)
	return names, nil
}

// Load reads the most recent valid checkpoint for a job. If the latest
// checkpoint fails structural parsing or integrity verification, history
// is walked newest-to-oldest until a checkpoint validates. The returned
// LoadResult records which file was used and how many corrupted
// checkpoints were skipped. If the latest file and every history entry
// fail, the error states how many checkpoints were tried; there is no
// silent empty-start fallback.
func (s *Store) Load(jobID string) (*Checkpoint, LoadResult, error) {
	var result LoadResult

	latest := s.LatestPath(jobID)
	latestMissing := false
	if _, err := os.Stat(latest); err != nil {
		if !os.IsNotExist(err) {
			return nil, result, errors.NewCheckpointError("stat latest checkpoint", err).WithJobID(jobID)
		}
		// A crash between archiving the old latest and renaming the
		// new one leaves only history. If the job directory exists,
		// recover from there; only a job with no trace at all is
		// not-found.
		if _, dirErr := os.Stat(s.JobDir(jobID)); dirErr != nil {
			return nil, result, errors.NewNotFoundError("checkpoint", jobID).
				WithCause(errors.ErrCheckpointNotFound)
		}
		latestMissing = true
		s.log.Warn("latest checkpoint missing, falling back through history", "job_id", jobID)
	}

	if !latestMissing {
		cp, err := readAndVerify(latest)
		if err == nil {
			result.Path = latest
			s.log.Debug("checkpoint loaded", "job_id", jobID, "path", latest)
			return cp, result, nil
		}

		result.FailedAttempts++
		s.log.Warn("latest checkpoint invalid, falling back through history",
			"job_id", jobID, "error", err)
	}

	names, histErr := s.historyNames(jobID)
	if histErr != nil {
		return nil, result, errors.NewCheckpointError("read checkpoint history", histErr).WithJobID(jobID)
	}

	// Newest first.
	for i := len(names) - 1; i >= 0; i-- {
		path := filepath.Join(s.HistoryDir(jobID), names[i])
		cp, err := readAndVerify(path)
		if err != nil {
			result.FailedAttempts++
			s.log.Warn("history checkpoint invalid", "job_id", jobID, "path", path, "error", err)
			continue
		}
		result.Path = path
		result.FromHistory = true
		s.log.Info("recovered checkpoint from history",
			"job_id", jobID, "path", path, "failed_attempts", result.FailedAttempts)
		return cp, result, nil
	}

	return nil, result, errors.NewCheckpointError(
		fmt.Sprintf("no valid checkpoint found after trying %d", result.FailedAttempts),
		errors.ErrHistoryExhausted).
		WithJobID(jobID).
		WithRetryable(false)
}

// readAndVerify reads one checkpoint file, parses it, and verifies its
// integrity hash.
func readAndVerify(path string) (*Checkpoint, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("%w: read: %v", errors.ErrCheckpointIO, err)
	}

	var cp Checkpoint
	if err := json.Unmarshal(data, &cp); err != nil {
		return nil, fmt.Errorf("%w: parse: %v", errors.ErrCheckpointCorrupted, err)
	}

	ok, err := VerifyIntegrity(&cp)
	if err != nil {
		return nil, fmt.Errorf("%w: recompute hash: %v", errors.ErrCheckpointCorrupted, err)
	}
	if !ok {
		return nil, fmt.Errorf("%w: integrity hash mismatch", errors.ErrCheckpointCorrupted)
	}
	return &cp, nil
}

// List returns a summary of the latest checkpoint for every job under the
// store, newest first.
func (s *Store) List() ([]Info, error) {
	entries, err := os.ReadDir(s.baseDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read checkpoint base directory: %w", err)
	}

	var infos []Info
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		jobID := e.Name()
		cp, err := readAndVerify(s.LatestPath(jobID))
		if err != nil {
			continue
		}
		infos = append(infos, Info{
			JobID:     jobID,
			Phase:     cp.Phase,
			Reason:    cp.Reason,
			Total:     cp.TotalItems,
			Completed: len(cp.CompletedItems),
			Failed:    len(cp.FailedItems),
			Pending:   len(cp.PendingItems),
			CreatedAt: cp.CreatedAt,
			Path:      s.LatestPath(jobID),
		})
	}

	sort.Slice(infos, func(i, j int) bool {
		return infos[i].CreatedAt.After(infos[j].CreatedAt)
	})
	return infos, nil
}

// Delete removes a job's checkpoint directory, including history. It
// refuses to delete while another process holds the job's write lock,
// since that means the job is still running.
func (s *Store) Delete(jobID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	dir := s.JobDir(jobID)
	if _, err := os.Stat(dir); err != nil {
		if os.IsNotExist(err) {
			return errors.NewNotFoundError("checkpoint", jobID)
		}
		return fmt.Errorf("stat job directory: %w", err)
	}

	fl := NewFileLock(dir)
	locked, err := fl.TryLock()
	if err != nil {
		return fmt.Errorf("probe job lock: %w", err)
	}
	if !locked {
		return fmt.Errorf("job %s appears to be running: checkpoint lock is held by another process", jobID)
	}
	defer func() { _ = fl.Unlock() }()

	if err := os.RemoveAll(dir); err != nil {
		return fmt.Errorf("delete job directory: %w", err)
	}
	return nil
}

// checkSaveInvariants rejects checkpoints that violate the persistence
// invariants. These indicate a coordinator bug, so they are not retryable.
func checkSaveInvariants(cp *Checkpoint) error {
	if cp.JobID == "" {
		return errors.NewValidationError("checkpoint job_id is empty").WithField("job_id")
	}
	if len(cp.InProgressItems) != 0 {
		return errors.NewValidationError("in-flight items must be normalized to pending before save").
			WithField("in_progress_items").
			WithValue(len(cp.InProgressItems))
	}
	if got := cp.AccountedItems(); got != cp.TotalItems {
		return errors.NewValidationError("item buckets do not account for every work item").
			WithField("total_items").
			WithValue(fmt.Sprintf("accounted %d, total %d", got, cp.TotalItems))
	}
	return nil
}
