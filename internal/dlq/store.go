// Package dlq persists work items whose retries were exhausted so
// terminal failures survive the run that produced them and can be
// inspected or re-queued later.
package dlq

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/mkallio/fanout/internal/errors"
	"github.com/mkallio/fanout/internal/workitem"
)

// Entry is one dead-lettered work item.
type Entry struct {
	ID         string
	JobID      string
	ItemID     string
	Payload    []byte
	Failure    string
	RetryCount int
	AddedAt    time.Time
}

// Store is a dead-letter queue backed by SQLite.
type Store struct {
	db *sql.DB
}

// Open opens (or creates) a dead-letter database at path and
// initializes its schema. Use ":memory:" for an ephemeral store.
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
		CREATE TABLE IF NOT EXISTS dead_letters (
			id TEXT PRIMARY KEY,
			job_id TEXT NOT NULL,
			item_id TEXT NOT NULL,
			payload BLOB,
			failure TEXT NOT NULL,
			retry_count INTEGER NOT NULL,
			added_at INTEGER NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_dead_letters_job
			ON dead_letters (job_id, added_at);`,
	)
	return err
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Add records a terminally failed item. The retry count stored here is
// the item's final count, so the dead-letter record and the checkpoint
// that dropped the item agree on how many attempts were made.
func (s *Store) Add(ctx context.Context, jobID string, item workitem.Item, finalErr string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO dead_letters (id, job_id, item_id, payload, failure, retry_count, added_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		uuid.NewString(),
		jobID,
		item.ID,
		[]byte(item.Payload),
		finalErr,
		item.RetryCount,
		time.Now().UnixNano(),
	)
	return err
}

// List returns a job's dead-lettered items, oldest first.
func (s *Store) List(ctx context.Context, jobID string) ([]Entry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, job_id, item_id, payload, failure, retry_count, added_at
		FROM dead_letters
		WHERE job_id = ?
		ORDER BY added_at`,
		jobID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// Get returns a single dead-letter entry by its ID.
func (s *Store) Get(ctx context.Context, id string) (Entry, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, job_id, item_id, payload, failure, retry_count, added_at
		FROM dead_letters
		WHERE id = ?`,
		id,
	)
	e, err := scanEntry(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Entry{}, errors.NewNotFoundError("dead letter", id)
	}
	return e, err
}

// Requeue removes an entry and returns it as a fresh pending work item
// carrying its retry history, ready to be injected into a resumed job.
func (s *Store) Requeue(ctx context.Context, id string) (workitem.Item, error) {
	e, err := s.Get(ctx, id)
	if err != nil {
		return workitem.Item{}, err
	}

	res, err := s.db.ExecContext(ctx, `DELETE FROM dead_letters WHERE id = ?`, id)
	if err != nil {
		return workitem.Item{}, err
	}
	if n, err := res.RowsAffected(); err != nil {
		return workitem.Item{}, err
	} else if n == 0 {
		return workitem.Item{}, errors.NewNotFoundError("dead letter", id)
	}

	item := workitem.New(e.ItemID, e.Payload)
	item.RetryCount = e.RetryCount
	item.Retryable = true
	return item, nil
}

// Purge deletes all of a job's dead letters and reports how many were
// removed.
func (s *Store) Purge(ctx context.Context, jobID string) (int, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM dead_letters WHERE job_id = ?`, jobID)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}

// Count returns the number of dead letters recorded for a job.
func (s *Store) Count(ctx context.Context, jobID string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM dead_letters WHERE job_id = ?`, jobID).Scan(&n)
	return n, err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEntry(row rowScanner) (Entry, error) {
	var (
		e       Entry
		payload []byte
		addedAt int64
	)
	if err := row.Scan(&e.ID, &e.JobID, &e.ItemID, &payload, &e.Failure, &e.RetryCount, &addedAt); err != nil {
		return Entry{}, err
	}
	e.Payload = payload
	e.AddedAt = time.Unix(0, addedAt)
	return e, nil
}
