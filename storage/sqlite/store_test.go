package sqlite

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/prestopos/offsync"
	syncErrors "github.com/prestopos/offsync/errors"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "offsync-test.db")
	store, err := New(DefaultConfig("file:" + path))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func record(id, updatedAt string, fields map[string]interface{}) offsync.Record {
	ts, err := time.Parse(time.RFC3339, updatedAt)
	if err != nil {
		panic(err)
	}
	return offsync.Record{ID: id, UpdatedAt: ts, SyncStatus: offsync.StatusSynced, Fields: fields}
}

func TestAddAndGet(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	rec := record("a1", "2024-01-01T10:00:00Z", map[string]interface{}{
		"denomination": "Livreur Nord",
		"actif":        true,
	})
	require.NoError(t, store.Add(ctx, "delivery_agents", rec))

	got, err := store.Get(ctx, "delivery_agents", "a1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "Livreur Nord", got.Fields["denomination"])
	assert.Equal(t, true, got.Fields["actif"])
	assert.True(t, got.UpdatedAt.Equal(rec.UpdatedAt))
	assert.Equal(t, offsync.StatusSynced, got.SyncStatus)
}

func TestAddDuplicateKey(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	rec := record("a1", "2024-01-01T10:00:00Z", nil)
	require.NoError(t, store.Add(ctx, "delivery_agents", rec))

	err := store.Add(ctx, "delivery_agents", rec)
	assert.ErrorIs(t, err, syncErrors.ErrDuplicateKey)

	// Same id under a different entity type is fine.
	assert.NoError(t, store.Add(ctx, "addresses", rec))
}

func TestGetAbsentReturnsNil(t *testing.T) {
	store := newTestStore(t)

	got, err := store.Get(context.Background(), "delivery_agents", "nope")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestPutUpserts(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.Put(ctx, "delivery_agents",
		record("a1", "2024-01-01T10:00:00Z", map[string]interface{}{"denomination": "V1"})))
	require.NoError(t, store.Put(ctx, "delivery_agents",
		record("a1", "2024-01-02T10:00:00Z", map[string]interface{}{"denomination": "V2"})))

	got, err := store.Get(ctx, "delivery_agents", "a1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "V2", got.Fields["denomination"])

	all, err := store.GetAll(ctx, "delivery_agents")
	require.NoError(t, err)
	assert.Len(t, all, 1)
}

func TestGetAllScopedByEntityType(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.Put(ctx, "delivery_agents", record("b", "2024-01-01T00:00:00Z", nil)))
	require.NoError(t, store.Put(ctx, "delivery_agents", record("a", "2024-01-01T00:00:00Z", nil)))
	require.NoError(t, store.Put(ctx, "addresses", record("c", "2024-01-01T00:00:00Z", nil)))

	agents, err := store.GetAll(ctx, "delivery_agents")
	require.NoError(t, err)
	require.Len(t, agents, 2)
	assert.Equal(t, "a", agents[0].ID)
	assert.Equal(t, "b", agents[1].ID)

	empty, err := store.GetAll(ctx, "products")
	require.NoError(t, err)
	assert.Empty(t, empty)
}

func TestDeleteAbsentIsNoOp(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	assert.NoError(t, store.Delete(ctx, "delivery_agents", "nope"))

	require.NoError(t, store.Put(ctx, "delivery_agents", record("a", "2024-01-01T00:00:00Z", nil)))
	require.NoError(t, store.Delete(ctx, "delivery_agents", "a"))

	got, err := store.Get(ctx, "delivery_agents", "a")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestApplyBatch(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.Put(ctx, "delivery_agents", record("x", "2024-01-01T00:00:00Z", map[string]interface{}{"denomination": "X"})))
	require.NoError(t, store.Put(ctx, "delivery_agents", record("y", "2024-01-01T00:00:00Z", map[string]interface{}{"denomination": "Y"})))

	err := store.ApplyBatch(ctx, "delivery_agents",
		[]offsync.Record{
			record("x", "2024-01-05T00:00:00Z", map[string]interface{}{"denomination": "X2"}),
			record("z", "2024-01-06T00:00:00Z", map[string]interface{}{"denomination": "Z"}),
		},
		[]string{"y"},
	)
	require.NoError(t, err)

	all, err := store.GetAll(ctx, "delivery_agents")
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, "x", all[0].ID)
	assert.Equal(t, "X2", all[0].Fields["denomination"])
	assert.Equal(t, "z", all[1].ID)
}

func TestApplyBatchEmptyIsNoOp(t *testing.T) {
	store := newTestStore(t)
	assert.NoError(t, store.ApplyBatch(context.Background(), "delivery_agents", nil, nil))
}

func TestQueueEntryLifecycle(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	entry := offsync.QueueEntry{
		ID:         "q1",
		Op:         offsync.OpInsert,
		EntityType: "delivery_agents",
		EntityID:   "a1",
		Data:       map[string]interface{}{"denomination": "Nouveau"},
		CreatedAt:  time.Now().UTC(),
		Status:     offsync.EntryPending,
	}
	require.NoError(t, store.AppendEntry(ctx, entry))

	pending, err := store.EntriesByStatus(ctx, "delivery_agents", offsync.EntryPending)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, "q1", pending[0].ID)
	assert.Equal(t, offsync.OpInsert, pending[0].Op)
	assert.Equal(t, "Nouveau", pending[0].Data["denomination"])

	now := time.Now().UTC()
	entry.Status = offsync.EntryProcessed
	entry.ProcessedAt = &now
	entry.Attempts = 1
	require.NoError(t, store.UpdateEntry(ctx, entry))

	pending, err = store.EntriesByStatus(ctx, "delivery_agents", offsync.EntryPending)
	require.NoError(t, err)
	assert.Empty(t, pending)

	processed, err := store.EntriesByStatus(ctx, "delivery_agents", offsync.EntryProcessed)
	require.NoError(t, err)
	require.Len(t, processed, 1)
	assert.Equal(t, 1, processed[0].Attempts)
	require.NotNil(t, processed[0].ProcessedAt)
	assert.WithinDuration(t, now, *processed[0].ProcessedAt, time.Millisecond)
}

func TestUpdateEntryUnknownID(t *testing.T) {
	store := newTestStore(t)
	err := store.UpdateEntry(context.Background(), offsync.QueueEntry{ID: "ghost", Status: offsync.EntryFailed})
	assert.Error(t, err)
}

func TestEntriesByStatusPreservesInsertionOrder(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	for _, id := range []string{"q3", "q1", "q2"} {
		require.NoError(t, store.AppendEntry(ctx, offsync.QueueEntry{
			ID:         id,
			Op:         offsync.OpDelete,
			EntityType: "delivery_agents",
			EntityID:   id,
			CreatedAt:  time.Now().UTC(),
			Status:     offsync.EntryPending,
		}))
	}

	entries, err := store.EntriesByStatus(ctx, "delivery_agents", offsync.EntryPending)
	require.NoError(t, err)
	require.Len(t, entries, 3)
	// Insertion order, not lexical order.
	assert.Equal(t, "q3", entries[0].ID)
	assert.Equal(t, "q1", entries[1].ID)
	assert.Equal(t, "q2", entries[2].ID)
}

func TestQueueStatsAndPrune(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	old := time.Now().UTC().Add(-48 * time.Hour)
	add := func(id string, status offsync.EntryStatus, createdAt time.Time) {
		require.NoError(t, store.AppendEntry(ctx, offsync.QueueEntry{
			ID: id, Op: offsync.OpDelete, EntityType: "delivery_agents",
			EntityID: id, CreatedAt: createdAt, Status: status,
		}))
	}
	add("p1", offsync.EntryProcessed, old)
	add("f1", offsync.EntryFailed, old)
	add("w1", offsync.EntryPending, old)
	add("p2", offsync.EntryProcessed, time.Now().UTC())

	stats, err := store.QueueStats(ctx, "delivery_agents")
	require.NoError(t, err)
	assert.Equal(t, offsync.QueueStats{Total: 4, Pending: 1, Processed: 2, Failed: 1}, stats)

	pruned, err := store.PruneEntries(ctx, "delivery_agents", time.Now().UTC().Add(-24*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 2, pruned)

	stats, err = store.QueueStats(ctx, "delivery_agents")
	require.NoError(t, err)
	assert.Equal(t, offsync.QueueStats{Total: 2, Pending: 1, Processed: 1, Failed: 0}, stats)
}

func TestMetadataRoundTrip(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	value, err := store.GetMeta(ctx, "last_pull_sync")
	require.NoError(t, err)
	assert.Empty(t, value)

	require.NoError(t, store.SetMeta(ctx, "last_pull_sync", "2024-01-01T10:00:00Z"))
	require.NoError(t, store.SetMeta(ctx, "last_pull_sync", "2024-01-02T10:00:00Z"))

	value, err = store.GetMeta(ctx, "last_pull_sync")
	require.NoError(t, err)
	assert.Equal(t, "2024-01-02T10:00:00Z", value)
}

func TestPersistenceAcrossReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "offsync-reopen.db")
	ctx := context.Background()

	store, err := New(DefaultConfig("file:" + path))
	require.NoError(t, err)
	require.NoError(t, store.Put(ctx, "delivery_agents",
		record("a", "2024-01-01T00:00:00Z", map[string]interface{}{"denomination": "A"})))
	require.NoError(t, store.AppendEntry(ctx, offsync.QueueEntry{
		ID: "q1", Op: offsync.OpInsert, EntityType: "delivery_agents",
		EntityID: "a", CreatedAt: time.Now().UTC(), Status: offsync.EntryPending,
	}))
	require.NoError(t, store.Close())

	reopened, err := New(DefaultConfig("file:" + path))
	require.NoError(t, err)
	defer reopened.Close()

	got, err := reopened.Get(ctx, "delivery_agents", "a")
	require.NoError(t, err)
	require.NotNil(t, got)

	pending, err := reopened.EntriesByStatus(ctx, "delivery_agents", offsync.EntryPending)
	require.NoError(t, err)
	assert.Len(t, pending, 1)
}

func TestClosedStoreRefusesOperations(t *testing.T) {
	store := newTestStore(t)
	require.NoError(t, store.Close())
	require.NoError(t, store.Close(), "closing twice is harmless")

	_, err := store.GetAll(context.Background(), "delivery_agents")
	assert.True(t, errors.Is(err, ErrStoreClosed))
}

func TestConfigValidation(t *testing.T) {
	_, err := New(nil)
	assert.Error(t, err)

	_, err = New(&Config{})
	assert.Error(t, err)
}
