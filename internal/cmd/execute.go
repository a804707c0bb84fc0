package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/mkallio/fanout/internal/checkpoint"
	"github.com/mkallio/fanout/internal/config"
	"github.com/mkallio/fanout/internal/coordinator"
	"github.com/mkallio/fanout/internal/dlq"
	"github.com/mkallio/fanout/internal/errors"
	"github.com/mkallio/fanout/internal/logging"
	"github.com/mkallio/fanout/internal/session"
	"github.com/mkallio/fanout/internal/tui"
	"github.com/mkallio/fanout/internal/worktree"
)

// jobEnv bundles the stores and logger every job-facing command needs.
type jobEnv struct {
	cfg      *config.Config
	repoRoot string
	dataDir  string
	log      *logging.Logger
	store    *checkpoint.Store
	letters  *dlq.Store
	sessions *session.Store
	trees    *worktree.Manager
}

// openEnv resolves the repository root, loads configuration, and opens
// the checkpoint store, dead-letter and session databases, and log
// file under the data directory.
func openEnv() (*jobEnv, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}

	cwd, err := os.Getwd()
	if err != nil {
		return nil, fmt.Errorf("failed to get current directory: %w", err)
	}
	repoRoot, err := worktree.FindGitRoot(cwd)
	if err != nil {
		return nil, err
	}

	dataDir := cfg.Paths.ResolveDataDir(repoRoot)
	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	log, err := logging.NewLogger(filepath.Join(dataDir, "logs"), cfg.Logging.Level, logging.RotationConfig{
		MaxSizeMB:  cfg.Logging.MaxSizeMB,
		MaxBackups: cfg.Logging.MaxBackups,
	})
	if err != nil {
		return nil, err
	}

	store, err := checkpoint.NewStore(filepath.Join(dataDir, "checkpoints"),
		checkpoint.WithRetention(cfg.Checkpoint.Retention),
		checkpoint.WithMaxAge(cfg.Checkpoint.MaxAge()),
		checkpoint.WithLogger(log),
	)
	if err != nil {
		_ = log.Close()
		return nil, err
	}

	letters, err := dlq.Open(filepath.Join(dataDir, "deadletters.db"))
	if err != nil {
		_ = log.Close()
		return nil, err
	}

	sessions, err := session.Open(filepath.Join(dataDir, "sessions.db"))
	if err != nil {
		_ = letters.Close()
		_ = log.Close()
		return nil, err
	}

	trees, err := worktree.New(repoRoot)
	if err != nil {
		_ = sessions.Close()
		_ = letters.Close()
		_ = log.Close()
		return nil, err
	}

	return &jobEnv{
		cfg:      cfg,
		repoRoot: repoRoot,
		dataDir:  dataDir,
		log:      log,
		store:    store,
		letters:  letters,
		sessions: sessions,
		trees:    trees,
	}, nil
}

func (e *jobEnv) Close() {
	_ = e.sessions.Close()
	_ = e.letters.Close()
	_ = e.log.Close()
}

// coordinatorConfig maps loaded configuration onto the coordinator,
// letting the workflow's map block override pool size and retries.
func (e *jobEnv) coordinatorConfig(mapParallel, mapRetries int) coordinator.Config {
	cfg := coordinator.Config{
		MaxParallel: e.cfg.Agents.MaxParallel,
		MaxRetries:  e.cfg.Agents.MaxRetries,
		Trigger: checkpoint.TriggerPolicy{
			ItemInterval: e.cfg.Checkpoint.ItemInterval,
			TimeInterval: e.cfg.Checkpoint.TimeInterval(),
		},
		ShutdownGrace: e.cfg.Agents.ShutdownGrace(),
	}
	if mapParallel > 0 {
		cfg.MaxParallel = mapParallel
	}
	if mapRetries > 0 {
		cfg.MaxRetries = mapRetries
	}
	return cfg
}

// executeJob runs a built coordinator to completion with signal
// handling, the session record, and the progress view (when stdout is
// a terminal). build receives the options executeJob wires up and must
// return the coordinator to run.
func executeJob(env *jobEnv, jobID, workflowName, workflowPath string, resumed bool,
	build func(opts ...coordinator.Option) *coordinator.Coordinator) error {

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	sess, err := env.sessions.Start(ctx, jobID, workflowName, workflowPath, resumed)
	if err != nil {
		env.log.Warn("failed to record session", "error", err)
	}

	opts := []coordinator.Option{
		coordinator.WithLogger(env.log),
		coordinator.WithDeadLetterer(env.letters),
	}

	useTUI := env.cfg.TUI.Enabled && tui.Available()
	var app *tui.App
	var coord *coordinator.Coordinator
	if useTUI {
		app = tui.New(jobID, workflowName, func() {
			if coord != nil {
				coord.Shutdown()
			}
		})
		opts = append(opts, coordinator.WithProgressFunc(app.SendProgress))
	}
	coord = build(opts...)

	var runErr error
	if useTUI {
		done := make(chan error, 1)
		go func() {
			err := coord.Run(ctx)
			done <- err
			app.Done(err)
		}()
		if viewErr := app.Run(); viewErr != nil {
			env.log.Warn("progress view failed", "error", viewErr)
		}
		runErr = <-done
	} else {
		runErr = coord.Run(ctx)
	}

	if sess != nil {
		status := session.StatusCompleted
		switch {
		case errors.Is(runErr, errors.ErrCanceled):
			status = session.StatusInterrupted
		case runErr != nil:
			status = session.StatusFailed
		}
		if err := env.sessions.Finish(context.Background(), sess.ID, status); err != nil {
			env.log.Warn("failed to close session record", "error", err)
		}
	}

	printSummary(coord.Progress(), jobID, runErr)
	return runErr
}

func printSummary(p coordinator.Progress, jobID string, runErr error) {
	switch {
	case runErr == nil:
		fmt.Printf("job %s complete: %d done, %d failed", jobID, p.Completed, p.Failed)
		if p.DeadLettered > 0 {
			fmt.Printf(", %d dead-lettered", p.DeadLettered)
		}
		fmt.Println()
	case errors.Is(runErr, errors.ErrCanceled):
		fmt.Printf("job %s interrupted: %d done, %d pending — resume with: fanout resume %s\n",
			jobID, p.Completed, p.Pending+p.InProgress, jobID)
	default:
		fmt.Fprintf(os.Stderr, "job %s failed: %v\n", jobID, runErr)
	}
}
