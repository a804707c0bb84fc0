package session

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mkallio/fanout/internal/errors"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestStore_StartAndLoad(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	sess, err := store.Start(ctx, "job-1", "refactor", "workflow.yaml", false)
	require.NoError(t, err)
	assert.NotEmpty(t, sess.ID)
	assert.Equal(t, StatusRunning, sess.Status)
	assert.Equal(t, os.Getpid(), sess.PID)
	assert.False(t, sess.Resumed)

	byID, err := store.LoadBySessionID(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, "job-1", byID.JobID)
	assert.Equal(t, "refactor", byID.WorkflowName)
	assert.Equal(t, "workflow.yaml", byID.WorkflowPath)
	assert.Nil(t, byID.EndedAt)

	byJob, err := store.LoadByJobID(ctx, "job-1")
	require.NoError(t, err)
	assert.Equal(t, sess.ID, byJob.ID)
}

func TestStore_LoadByJobID_ReturnsNewest(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	first, err := store.Start(ctx, "job-1", "refactor", "workflow.yaml", false)
	require.NoError(t, err)
	require.NoError(t, store.Finish(ctx, first.ID, StatusInterrupted))

	time.Sleep(2 * time.Millisecond) // distinct start timestamps
	second, err := store.Start(ctx, "job-1", "refactor", "workflow.yaml", true)
	require.NoError(t, err)

	got, err := store.LoadByJobID(ctx, "job-1")
	require.NoError(t, err)
	assert.Equal(t, second.ID, got.ID)
	assert.True(t, got.Resumed)
}

func TestStore_Finish(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	sess, err := store.Start(ctx, "job-1", "refactor", "workflow.yaml", false)
	require.NoError(t, err)
	require.NoError(t, store.Finish(ctx, sess.ID, StatusCompleted))

	got, err := store.LoadBySessionID(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, got.Status)
	require.NotNil(t, got.EndedAt)
	assert.False(t, got.EndedAt.IsZero())

	var nf *errors.NotFoundError
	assert.ErrorAs(t, store.Finish(ctx, "missing", StatusCompleted), &nf)
}

func TestStore_List_NewestFirst(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	for _, jobID := range []string{"job-a", "job-b", "job-c"} {
		_, err := store.Start(ctx, jobID, "wf", "workflow.yaml", false)
		require.NoError(t, err)
		time.Sleep(2 * time.Millisecond)
	}

	sessions, err := store.List(ctx)
	require.NoError(t, err)
	require.Len(t, sessions, 3)
	assert.Equal(t, "job-c", sessions[0].JobID)
	assert.Equal(t, "job-a", sessions[2].JobID)
}

func TestStore_LoadMissing(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	var nf *errors.NotFoundError
	_, err := store.LoadBySessionID(ctx, "missing")
	assert.ErrorAs(t, err, &nf)

	_, err = store.LoadByJobID(ctx, "missing")
	assert.ErrorAs(t, err, &nf)
}

func TestSession_Stale(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	sess, err := store.Start(ctx, "job-1", "wf", "workflow.yaml", false)
	require.NoError(t, err)

	// Owned by this live process: not stale.
	assert.False(t, sess.Stale())

	// A finished session is never stale regardless of its PID.
	require.NoError(t, store.Finish(ctx, sess.ID, StatusCompleted))
	done, err := store.LoadBySessionID(ctx, sess.ID)
	require.NoError(t, err)
	done.PID = 1 << 30
	assert.False(t, done.Stale())

	// Running session whose process is gone on this host: stale.
	gone := *sess
	gone.PID = 1 << 30
	assert.True(t, gone.Stale())

	// Sessions from another host are never judged here.
	remote := *sess
	remote.PID = 1 << 30
	remote.Hostname = "some-other-host"
	assert.False(t, remote.Stale())
}
