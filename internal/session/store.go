// Package session correlates CLI invocations with the jobs they ran.
// Each `run` or resume gets a session row in a SQLite database, so
// `sessions` can show what executed when, which process owned it, and
// whether an apparently running session is actually stale.
package session

import (
	"context"
	"database/sql"
	"os"
	"syscall"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/mkallio/fanout/internal/errors"
)

// Status describes a session's lifecycle.
type Status string

const (
	StatusRunning     Status = "running"
	StatusCompleted   Status = "completed"
	StatusInterrupted Status = "interrupted"
	StatusFailed      Status = "failed"
)

// Session is one CLI invocation bound to a job.
type Session struct {
	ID           string
	JobID        string
	WorkflowName string
	WorkflowPath string
	PID          int
	Hostname     string
	Status       Status
	StartedAt    time.Time
	EndedAt      *time.Time
	Resumed      bool
}

// Stale reports whether a session claims to be running but its owning
// process is gone. Only meaningful for sessions recorded on this host.
func (s *Session) Stale() bool {
	if s.Status != StatusRunning {
		return false
	}
	host, err := os.Hostname()
	if err != nil || host != s.Hostname {
		return false
	}
	return !processAlive(s.PID)
}

func processAlive(pid int) bool {
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	return proc.Signal(syscall.Signal(0)) == nil
}

// Store is a session log backed by SQLite.
type Store struct {
	db *sql.DB
}

// Open opens (or creates) the session database at path and initializes
// its schema. Use ":memory:" for an ephemeral store.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	s := &Store{db: db}
	if err := s.initSchema(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) initSchema() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS sessions (
			id TEXT PRIMARY KEY,
			job_id TEXT NOT NULL,
			workflow_name TEXT NOT NULL,
			workflow_path TEXT NOT NULL,
			pid INTEGER NOT NULL,
			hostname TEXT NOT NULL,
			status TEXT NOT NULL,
			started_at INTEGER NOT NULL,
			ended_at INTEGER,
			resumed INTEGER NOT NULL DEFAULT 0
		);
		CREATE INDEX IF NOT EXISTS idx_sessions_job
			ON sessions (job_id, started_at);`,
	)
	return err
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Start records a new running session for the given job and returns
// it. The session ID is freshly generated; resumed marks sessions that
// continue an interrupted job rather than starting a new one.
func (s *Store) Start(ctx context.Context, jobID, workflowName, workflowPath string, resumed bool) (*Session, error) {
	host, err := os.Hostname()
	if err != nil {
		host = "unknown"
	}
	sess := &Session{
		ID:           uuid.NewString(),
		JobID:        jobID,
		WorkflowName: workflowName,
		WorkflowPath: workflowPath,
		PID:          os.Getpid(),
		Hostname:     host,
		Status:       StatusRunning,
		StartedAt:    time.Now(),
		Resumed:      resumed,
	}

	resumedInt := 0
	if resumed {
		resumedInt = 1
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO sessions (id, job_id, workflow_name, workflow_path, pid, hostname, status, started_at, resumed)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		sess.ID,
		sess.JobID,
		sess.WorkflowName,
		sess.WorkflowPath,
		sess.PID,
		sess.Hostname,
		string(sess.Status),
		sess.StartedAt.UnixNano(),
		resumedInt,
	)
	if err != nil {
		return nil, err
	}
	return sess, nil
}

// Finish marks a session's terminal status and end time.
func (s *Store) Finish(ctx context.Context, sessionID string, status Status) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE sessions SET status = ?, ended_at = ? WHERE id = ?`,
		string(status),
		time.Now().UnixNano(),
		sessionID,
	)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return errors.NewNotFoundError("session", sessionID)
	}
	return nil
}

// LoadBySessionID returns one session by its ID.
func (s *Store) LoadBySessionID(ctx context.Context, sessionID string) (*Session, error) {
	row := s.db.QueryRowContext(ctx, selectCols+` WHERE id = ?`, sessionID)
	sess, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errors.NewNotFoundError("session", sessionID)
	}
	return sess, err
}

// LoadByJobID returns the most recent session for a job.
func (s *Store) LoadByJobID(ctx context.Context, jobID string) (*Session, error) {
	row := s.db.QueryRowContext(ctx,
		selectCols+` WHERE job_id = ? ORDER BY started_at DESC LIMIT 1`, jobID)
	sess, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errors.NewNotFoundError("session for job", jobID)
	}
	return sess, err
}

// List returns all sessions, newest first.
func (s *Store) List(ctx context.Context) ([]*Session, error) {
	rows, err := s.db.QueryContext(ctx, selectCols+` ORDER BY started_at DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var sessions []*Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, sess)
	}
	return sessions, rows.Err()
}

const selectCols = `
	SELECT id, job_id, workflow_name, workflow_path, pid, hostname, status, started_at, ended_at, resumed
	FROM sessions`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(row rowScanner) (*Session, error) {
	var (
		sess      Session
		statusStr string
		startedAt int64
		endedAt   sql.NullInt64
		resumed   int
	)
	err := row.Scan(&sess.ID, &sess.JobID, &sess.WorkflowName, &sess.WorkflowPath,
		&sess.PID, &sess.Hostname, &statusStr, &startedAt, &endedAt, &resumed)
	if err != nil {
		return nil, err
	}
	sess.Status = Status(statusStr)
	sess.StartedAt = time.Unix(0, startedAt)
	if endedAt.Valid {
		t := time.Unix(0, endedAt.Int64)
		sess.EndedAt = &t
	}
	sess.Resumed = resumed != 0
	return &sess, nil
}
