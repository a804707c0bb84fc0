package dlq

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mkallio/fanout/internal/errors"
	"github.com/mkallio/fanout/internal/workitem"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func deadItem(id string) workitem.Item {
	item := workitem.New(id, []byte(`{"input":"`+id+`"}`))
	item.RetryCount = 3
	return item
}

func TestStore_AddAndList(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.Add(ctx, "job-1", deadItem("item-a"), "boom"))
	require.NoError(t, store.Add(ctx, "job-1", deadItem("item-b"), "bang"))
	require.NoError(t, store.Add(ctx, "job-2", deadItem("item-c"), "other job"))

	entries, err := store.List(ctx, "job-1")
	require.NoError(t, err)
	require.Len(t, entries, 2)

	assert.Equal(t, "item-a", entries[0].ItemID)
	assert.Equal(t, "boom", entries[0].Failure)
	assert.Equal(t, 3, entries[0].RetryCount)
	assert.JSONEq(t, `{"input":"item-a"}`, string(entries[0].Payload))
	assert.NotEmpty(t, entries[0].ID)
	assert.False(t, entries[0].AddedAt.IsZero())

	assert.Equal(t, "item-b", entries[1].ItemID)
}

func TestStore_ListEmptyJob(t *testing.T) {
	store := newTestStore(t)

	entries, err := store.List(context.Background(), "no-such-job")
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestStore_Get(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.Add(ctx, "job-1", deadItem("item-a"), "boom"))
	entries, err := store.List(ctx, "job-1")
	require.NoError(t, err)
	require.Len(t, entries, 1)

	got, err := store.Get(ctx, entries[0].ID)
	require.NoError(t, err)
	assert.Equal(t, "item-a", got.ItemID)

	_, err = store.Get(ctx, "missing")
	var nf *errors.NotFoundError
	assert.ErrorAs(t, err, &nf)
}

func TestStore_Requeue(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.Add(ctx, "job-1", deadItem("item-a"), "boom"))
	entries, err := store.List(ctx, "job-1")
	require.NoError(t, err)
	require.Len(t, entries, 1)

	item, err := store.Requeue(ctx, entries[0].ID)
	require.NoError(t, err)
	assert.Equal(t, "item-a", item.ID)
	assert.Equal(t, workitem.StatusPending, item.Status)
	assert.True(t, item.Retryable)
	assert.Equal(t, 3, item.RetryCount, "retry history survives the requeue")
	assert.JSONEq(t, `{"input":"item-a"}`, string(item.Payload))

	// The entry is gone once requeued.
	remaining, err := store.List(ctx, "job-1")
	require.NoError(t, err)
	assert.Empty(t, remaining)

	_, err = store.Requeue(ctx, entries[0].ID)
	var nf *errors.NotFoundError
	assert.ErrorAs(t, err, &nf)
}

func TestStore_PurgeAndCount(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.Add(ctx, "job-1", deadItem("item-a"), "boom"))
	require.NoError(t, store.Add(ctx, "job-1", deadItem("item-b"), "bang"))
	require.NoError(t, store.Add(ctx, "job-2", deadItem("item-c"), "keep"))

	n, err := store.Count(ctx, "job-1")
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	removed, err := store.Purge(ctx, "job-1")
	require.NoError(t, err)
	assert.Equal(t, 2, removed)

	n, err = store.Count(ctx, "job-1")
	require.NoError(t, err)
	assert.Zero(t, n)

	// Other jobs are untouched.
	n, err = store.Count(ctx, "job-2")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}
