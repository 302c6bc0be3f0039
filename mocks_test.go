package offsync

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

// memStore is an in-memory LocalStore used across the package tests.
type memStore struct {
	mu      sync.RWMutex
	records map[string]map[string]Record
	queue   []QueueEntry
	meta    map[string]string
}

func newMemStore() *memStore {
	return &memStore{
		records: make(map[string]map[string]Record),
		meta:    make(map[string]string),
	}
}

func (m *memStore) collection(entityType string) map[string]Record {
	if m.records[entityType] == nil {
		m.records[entityType] = make(map[string]Record)
	}
	return m.records[entityType]
}

func (m *memStore) GetAll(ctx context.Context, entityType string) ([]Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []Record
	for _, rec := range m.records[entityType] {
		out = append(out, rec.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *memStore) Get(ctx context.Context, entityType, id string) (*Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	rec, ok := m.records[entityType][id]
	if !ok {
		return nil, nil
	}
	clone := rec.Clone()
	return &clone, nil
}

func (m *memStore) Add(ctx context.Context, entityType string, rec Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	coll := m.collection(entityType)
	if _, exists := coll[rec.ID]; exists {
		return fmt.Errorf("duplicate key %q", rec.ID)
	}
	coll[rec.ID] = rec.Clone()
	return nil
}

func (m *memStore) Put(ctx context.Context, entityType string, rec Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.collection(entityType)[rec.ID] = rec.Clone()
	return nil
}

func (m *memStore) Delete(ctx context.Context, entityType, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.records[entityType], id)
	return nil
}

func (m *memStore) ApplyBatch(ctx context.Context, entityType string, upserts []Record, deleteIDs []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	coll := m.collection(entityType)
	for _, rec := range upserts {
		coll[rec.ID] = rec.Clone()
	}
	for _, id := range deleteIDs {
		delete(coll, id)
	}
	return nil
}

func (m *memStore) AppendEntry(ctx context.Context, entry QueueEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.queue = append(m.queue, entry)
	return nil
}

func (m *memStore) UpdateEntry(ctx context.Context, entry QueueEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for i := range m.queue {
		if m.queue[i].ID == entry.ID {
			m.queue[i] = entry
			return nil
		}
	}
	return fmt.Errorf("entry %q not found", entry.ID)
}

func (m *memStore) EntriesByStatus(ctx context.Context, entityType string, status EntryStatus) ([]QueueEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []QueueEntry
	for _, entry := range m.queue {
		if entry.EntityType == entityType && entry.Status == status {
			out = append(out, entry)
		}
	}
	return out, nil
}

func (m *memStore) QueueStats(ctx context.Context, entityType string) (QueueStats, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var stats QueueStats
	for _, entry := range m.queue {
		if entry.EntityType != entityType {
			continue
		}
		stats.Total++
		switch entry.Status {
		case EntryPending:
			stats.Pending++
		case EntryProcessed:
			stats.Processed++
		case EntryFailed:
			stats.Failed++
		}
	}
	return stats, nil
}

func (m *memStore) PruneEntries(ctx context.Context, entityType string, cutoff time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	kept := m.queue[:0]
	pruned := 0
	for _, entry := range m.queue {
		if entry.EntityType == entityType && entry.Status != EntryPending && entry.CreatedAt.Before(cutoff) {
			pruned++
			continue
		}
		kept = append(kept, entry)
	}
	m.queue = kept
	return pruned, nil
}

func (m *memStore) GetMeta(ctx context.Context, key string) (string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.meta[key], nil
}

func (m *memStore) SetMeta(ctx context.Context, key, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.meta[key] = value
	return nil
}

func (m *memStore) Close() error { return nil }

func (m *memStore) entry(id string) *QueueEntry {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for i := range m.queue {
		if m.queue[i].ID == id {
			e := m.queue[i]
			return &e
		}
	}
	return nil
}

// mockRemote is an in-memory RemoteService that records every call.
type mockRemote struct {
	mu      sync.Mutex
	records map[string]map[string]Record
	callLog []string
	failOn  map[string]error // keyed by "<op>:<entity_id>"

	// listGate, when set, blocks List until released (single-flight tests).
	listGate chan struct{}
}

func newMockRemote() *mockRemote {
	return &mockRemote{
		records: make(map[string]map[string]Record),
		failOn:  make(map[string]error),
	}
}

func (m *mockRemote) seed(entityType string, recs ...Record) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.records[entityType] == nil {
		m.records[entityType] = make(map[string]Record)
	}
	for _, rec := range recs {
		m.records[entityType][rec.ID] = rec.Clone()
	}
}

func (m *mockRemote) calls() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, len(m.callLog))
	copy(out, m.callLog)
	return out
}

func (m *mockRemote) record(call string) error {
	m.callLog = append(m.callLog, call)
	if err, ok := m.failOn[call]; ok {
		return err
	}
	return nil
}

func (m *mockRemote) List(ctx context.Context, entityType string) ([]Record, error) {
	m.mu.Lock()
	gate := m.listGate
	err := m.record("list:" + entityType)
	m.mu.Unlock()

	if gate != nil {
		<-gate
	}
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Record
	for _, rec := range m.records[entityType] {
		out = append(out, rec.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *mockRemote) Create(ctx context.Context, entityType string, rec Record) (*Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.record("create:" + rec.ID); err != nil {
		return nil, err
	}
	if m.records[entityType] == nil {
		m.records[entityType] = make(map[string]Record)
	}
	m.records[entityType][rec.ID] = rec.Clone()
	clone := rec.Clone()
	return &clone, nil
}

func (m *mockRemote) Update(ctx context.Context, entityType, id string, patch map[string]interface{}) (*Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.record("update:" + id); err != nil {
		return nil, err
	}
	rec, ok := m.records[entityType][id]
	if !ok {
		rec = Record{ID: id, Fields: make(map[string]interface{})}
	}
	for k, v := range patch {
		switch k {
		case "id":
		case "updated_at":
			if s, ok := v.(string); ok {
				if ts, err := time.Parse(time.RFC3339Nano, s); err == nil {
					rec.UpdatedAt = ts
				}
			}
		default:
			if rec.Fields == nil {
				rec.Fields = make(map[string]interface{})
			}
			rec.Fields[k] = v
		}
	}
	m.records[entityType][id] = rec
	clone := rec.Clone()
	return &clone, nil
}

func (m *mockRemote) Delete(ctx context.Context, entityType, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.record("delete:" + id); err != nil {
		return err
	}
	delete(m.records[entityType], id)
	return nil
}

func (m *mockRemote) Close() error { return nil }

// mockNotifier delivers manually emitted events to the subscribed handler.
type mockNotifier struct {
	mu      sync.Mutex
	events  chan ChangeEvent
	stopped chan struct{}
	active  bool
}

func newMockNotifier() *mockNotifier {
	return &mockNotifier{
		events:  make(chan ChangeEvent, 16),
		stopped: make(chan struct{}),
	}
}

func (m *mockNotifier) emit(event ChangeEvent) {
	m.events <- event
}

func (m *mockNotifier) Subscribe(ctx context.Context, handler ChangeHandler) error {
	m.mu.Lock()
	m.active = true
	m.mu.Unlock()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-m.stopped:
			return nil
		case event := <-m.events:
			if err := handler(event); err != nil {
				return err
			}
		}
	}
}

func (m *mockNotifier) Unsubscribe() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.active {
		m.active = false
		close(m.stopped)
	}
	return nil
}

func (m *mockNotifier) IsConnected() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.active
}

func (m *mockNotifier) Close() error { return m.Unsubscribe() }

// helpers

func mustTime(t string) time.Time {
	ts, err := time.Parse(time.RFC3339, t)
	if err != nil {
		panic(err)
	}
	return ts
}

func testRecord(id, updatedAt string, fields map[string]interface{}) Record {
	return Record{
		ID:        id,
		UpdatedAt: mustTime(updatedAt),
		Fields:    fields,
	}
}
