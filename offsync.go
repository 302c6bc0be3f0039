// Package offsync provides an offline-first local/remote synchronization core
// for point-of-sale back-office applications. It keeps a durable local cache of
// domain entities, buffers local mutations in a persistent sync queue while
// disconnected, and reconciles bidirectionally with an authoritative remote
// backend using last-write-wins conflict resolution.
package offsync

import (
	"context"
	"fmt"
	"reflect"
	"strings"
	"time"
)

// SyncStatus marks how a locally cached record relates to the remote copy.
type SyncStatus string

const (
	StatusSynced  SyncStatus = "synced"
	StatusPending SyncStatus = "pending"
	StatusError   SyncStatus = "error"
)

// Record is a generic domain entity (a delivery agent, an address, ...).
// UpdatedAt is authoritative for conflict resolution.
type Record struct {
	ID         string
	UpdatedAt  time.Time
	SyncStatus SyncStatus
	Fields     map[string]interface{}
}

// Clone returns a deep-enough copy for the flat field maps this module handles.
func (r Record) Clone() Record {
	out := r
	if r.Fields != nil {
		out.Fields = make(map[string]interface{}, len(r.Fields))
		for k, v := range r.Fields {
			out.Fields[k] = v
		}
	}
	return out
}

// Equal reports whether two records carry the same synchronized content.
// SyncStatus is local bookkeeping and does not participate.
func (r Record) Equal(other Record) bool {
	return r.ID == other.ID &&
		r.UpdatedAt.Equal(other.UpdatedAt) &&
		reflect.DeepEqual(r.Fields, other.Fields)
}

// Payload flattens the record into the wire shape used by the remote backend:
// a JSON object with "id", "updated_at" and the domain attributes at top level.
func (r Record) Payload() map[string]interface{} {
	out := make(map[string]interface{}, len(r.Fields)+2)
	for k, v := range r.Fields {
		out[k] = v
	}
	out["id"] = r.ID
	out["updated_at"] = r.UpdatedAt.UTC().Format(time.RFC3339Nano)
	return out
}

// RecordFromPayload rebuilds a Record from a flat wire object.
func RecordFromPayload(payload map[string]interface{}) (Record, error) {
	rec := Record{Fields: make(map[string]interface{}, len(payload))}
	for k, v := range payload {
		switch k {
		case "id":
			id, ok := v.(string)
			if !ok {
				return Record{}, fmt.Errorf("payload field 'id' is not a string: %v", v)
			}
			rec.ID = id
		case "updated_at":
			s, ok := v.(string)
			if !ok {
				return Record{}, fmt.Errorf("payload field 'updated_at' is not a string: %v", v)
			}
			ts, err := time.Parse(time.RFC3339Nano, s)
			if err != nil {
				return Record{}, fmt.Errorf("invalid updated_at %q: %w", s, err)
			}
			rec.UpdatedAt = ts
		case "sync_status":
			// Local bookkeeping, never round-tripped through the remote.
		default:
			rec.Fields[k] = v
		}
	}
	if rec.ID == "" {
		return Record{}, fmt.Errorf("payload has no id")
	}
	return rec, nil
}

// OpType identifies the kind of pending mutation.
type OpType string

const (
	OpInsert OpType = "INSERT"
	OpUpdate OpType = "UPDATE"
	OpDelete OpType = "DELETE"
)

// ParseOp normalizes caller-supplied operation names ("create", "update",
// "delete" and their uppercase forms) into an OpType.
func ParseOp(s string) (OpType, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "INSERT", "CREATE":
		return OpInsert, nil
	case "UPDATE":
		return OpUpdate, nil
	case "DELETE":
		return OpDelete, nil
	case "":
		return "", fmt.Errorf("operation type is empty")
	default:
		return "", fmt.Errorf("unknown operation type %q", s)
	}
}

// EntryStatus is the lifecycle state of a sync queue entry.
type EntryStatus string

const (
	EntryPending   EntryStatus = "PENDING"
	EntryProcessed EntryStatus = "PROCESSED"
	EntryFailed    EntryStatus = "FAILED"
)

// QueueEntry is one pending mutation intent awaiting remote propagation.
// Entries are immutable except for status transitions and their bookkeeping
// fields (Error, ProcessedAt, FailedAt, Attempts).
type QueueEntry struct {
	ID          string
	Op          OpType
	EntityType  string
	EntityID    string
	Data        map[string]interface{} // nil for DELETE
	CreatedAt   time.Time
	Status      EntryStatus
	Error       string
	ProcessedAt *time.Time
	FailedAt    *time.Time
	Attempts    int
}

// Mutation is the caller-facing input to QueueManager.Enqueue.
type Mutation struct {
	Type     string // "create"/"insert", "update", "delete"
	EntityID string
	Data     map[string]interface{}
}

// QueueStats summarizes the sync queue for one entity type.
type QueueStats struct {
	Total     int
	Pending   int
	Processed int
	Failed    int
}

// ChangeType identifies a remote mutation kind in a realtime notification.
type ChangeType = OpType

// ChangeEvent is a realtime change notification delivered by the backend.
// Delivery is at-least-once; ordering is only guaranteed per entity id.
type ChangeEvent struct {
	Type       ChangeType
	EntityType string
	New        *Record
	Old        *Record
}

// ChangeHandler processes incoming realtime change notifications.
type ChangeHandler func(event ChangeEvent) error

// Metadata keys tracked in the local store.
const (
	MetaLastPullSync = "last_pull_sync"
	MetaLastPushSync = "last_push_sync"
)

// LocalStore is the on-device durable store shared by all sync components.
// It persists cached entity records, the sync queue and sync metadata.
type LocalStore interface {
	// GetAll returns every record of the collection; empty slice when none.
	GetAll(ctx context.Context, entityType string) ([]Record, error)

	// Get returns the record or nil when the id is absent.
	Get(ctx context.Context, entityType, id string) (*Record, error)

	// Add inserts a new record, failing with errors.ErrDuplicateKey when the
	// id already exists.
	Add(ctx context.Context, entityType string, rec Record) error

	// Put upserts a record, overwriting any existing copy.
	Put(ctx context.Context, entityType string, rec Record) error

	// Delete removes a record; absent ids are a no-op, not an error.
	Delete(ctx context.Context, entityType, id string) error

	// ApplyBatch applies upserts and deletions in one atomic transaction so a
	// concurrent reader never observes the collection half-updated.
	ApplyBatch(ctx context.Context, entityType string, upserts []Record, deleteIDs []string) error

	// AppendEntry appends a queue entry to the sync queue.
	AppendEntry(ctx context.Context, entry QueueEntry) error

	// UpdateEntry persists a status transition of an existing entry.
	UpdateEntry(ctx context.Context, entry QueueEntry) error

	// EntriesByStatus returns entries for the entity type with the given
	// status, in insertion order (oldest first).
	EntriesByStatus(ctx context.Context, entityType string, status EntryStatus) ([]QueueEntry, error)

	// QueueStats counts entries per status for the entity type.
	QueueStats(ctx context.Context, entityType string) (QueueStats, error)

	// PruneEntries deletes terminal (non-PENDING) entries created before the
	// cutoff, returning how many were removed.
	PruneEntries(ctx context.Context, entityType string, cutoff time.Time) (int, error)

	// GetMeta returns the metadata value, or "" when the key is absent.
	GetMeta(ctx context.Context, key string) (string, error)

	// SetMeta upserts a metadata key.
	SetMeta(ctx context.Context, key, value string) error

	// Close releases the underlying resources.
	Close() error
}

// RemoteService is a thin accessor over the authoritative hosted backend.
type RemoteService interface {
	// List fetches the complete remote set for the entity type.
	List(ctx context.Context, entityType string) ([]Record, error)

	// Create inserts a record remotely and returns the stored copy.
	Create(ctx context.Context, entityType string, rec Record) (*Record, error)

	// Update applies a partial patch and returns the stored copy.
	Update(ctx context.Context, entityType, id string, patch map[string]interface{}) (*Record, error)

	// Delete removes a record remotely. Deleting an absent id is success.
	Delete(ctx context.Context, entityType, id string) error

	// Close releases the underlying resources.
	Close() error
}

// Notifier provides realtime push notifications when remote data changes.
// This is separate from RemoteService so different notification mechanisms
// (WebSockets, LISTEN/NOTIFY, SSE) can back the same sync logic.
type Notifier interface {
	// Subscribe starts listening and blocks, invoking the handler for every
	// remote mutation, until the context is done or Unsubscribe is called.
	Subscribe(ctx context.Context, handler ChangeHandler) error

	// Unsubscribe stops listening for notifications.
	Unsubscribe() error

	// IsConnected returns true if the realtime connection is active.
	IsConnected() bool

	// Close closes the notifier connection.
	Close() error
}

// Resolver deterministically merges a local and a remote version of the same
// entity. Implementations must be pure: no I/O, no hidden state.
type Resolver interface {
	Merge(local, remote Record) Record
}

// PullResult reports a pull (remote -> local) reconciliation.
type PullResult struct {
	Success   bool
	Added     int
	Updated   int
	Deleted   int
	Err       string
	StartTime time.Time
	Duration  time.Duration
}

// PushResult reports a push (queue drain, local -> remote).
type PushResult struct {
	Success   bool
	Processed int
	Failed    int
	Err       string
	StartTime time.Time
	Duration  time.Duration
}

// SyncResult combines the two directions of a full sync cycle.
type SyncResult struct {
	Success   bool
	Push      *PushResult
	Pull      *PullResult
	Err       string
	StartTime time.Time
	Duration  time.Duration
}
