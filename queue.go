package offsync

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	syncErrors "github.com/prestopos/offsync/errors"
	"github.com/prestopos/offsync/logging"
)

// QueueConfig configures a QueueManager.
type QueueConfig struct {
	// EntityType scopes the manager to one collection.
	EntityType string

	// MaxAttempts caps how many drain attempts a failing entry gets before it
	// is left FAILED for good. Defaults to 5.
	MaxAttempts int

	// RetryBackoff spaces out re-arming of FAILED entries. Defaults to
	// DefaultBackoff().
	RetryBackoff BackoffStrategy

	// Retention is how long terminal entries are kept before Compact prunes
	// them. Defaults to 7 days.
	Retention time.Duration

	// Online gates Drain. Defaults to always-online.
	Online func() bool

	// Logger defaults to the package logger.
	Logger *logging.Logger
}

func (c *QueueConfig) setDefaults() {
	if c.MaxAttempts == 0 {
		c.MaxAttempts = 5
	}
	if c.RetryBackoff == nil {
		c.RetryBackoff = DefaultBackoff()
	}
	if c.Retention == 0 {
		c.Retention = 7 * 24 * time.Hour
	}
	if c.Online == nil {
		c.Online = func() bool { return true }
	}
	if c.Logger == nil {
		c.Logger = logging.Default().WithComponent(logging.Component("queue"))
	}
}

// QueueManager buffers local mutations for later remote propagation and
// drains them, oldest first, when the network is available.
type QueueManager struct {
	cfg    QueueConfig
	store  LocalStore
	remote RemoteService

	// now is swapped in tests to control retry timing.
	now func() time.Time
}

// NewQueueManager creates a queue manager over the given store and remote.
func NewQueueManager(store LocalStore, remote RemoteService, cfg QueueConfig) (*QueueManager, error) {
	if cfg.EntityType == "" {
		return nil, fmt.Errorf("EntityType is required")
	}
	cfg.setDefaults()
	return &QueueManager{
		cfg:    cfg,
		store:  store,
		remote: remote,
		now:    time.Now,
	}, nil
}

// EntityType returns the collection this manager is scoped to.
func (q *QueueManager) EntityType() string { return q.cfg.EntityType }

// Enqueue persists a new PENDING entry for the mutation. Enqueueing does not
// require connectivity; the entry waits for the next drain.
func (q *QueueManager) Enqueue(ctx context.Context, m Mutation) (*QueueEntry, error) {
	op, err := ParseOp(m.Type)
	if err != nil {
		return nil, syncErrors.NewValidationError(syncErrors.OpEnqueue, err)
	}
	if m.EntityID == "" {
		return nil, syncErrors.NewValidationError(syncErrors.OpEnqueue, fmt.Errorf("entity_id manquant"))
	}

	entry := QueueEntry{
		ID:         uuid.NewString(),
		Op:         op,
		EntityType: q.cfg.EntityType,
		EntityID:   m.EntityID,
		Data:       m.Data,
		CreatedAt:  q.now(),
		Status:     EntryPending,
	}

	if err := q.store.AppendEntry(ctx, entry); err != nil {
		return nil, syncErrors.NewStorageError(syncErrors.OpEnqueue, err)
	}

	q.cfg.Logger.InfoContext(ctx, "mutation enqueued",
		slog.String("entry_id", entry.ID),
		slog.String("op", string(entry.Op)),
		slog.String("entity_id", entry.EntityID),
	)
	return &entry, nil
}

// Drain replays every PENDING entry against the remote service, strictly in
// insertion order. Failure of one entry never aborts the rest: the entry is
// marked FAILED with its error and the drain moves on.
func (q *QueueManager) Drain(ctx context.Context) *PushResult {
	result := &PushResult{StartTime: q.now()}
	defer func() { result.Duration = time.Since(result.StartTime) }()

	if !q.cfg.Online() {
		result.Err = "offline"
		return result
	}

	entries, err := q.store.EntriesByStatus(ctx, q.cfg.EntityType, EntryPending)
	if err != nil {
		result.Err = syncErrors.NewStorageError(syncErrors.OpDrain, err).Error()
		return result
	}

	for i := range entries {
		select {
		case <-ctx.Done():
			result.Err = ctx.Err().Error()
			return result
		default:
		}

		entry := entries[i]
		if err := q.replay(ctx, entry); err != nil {
			q.markFailed(ctx, entry, err)
			result.Failed++
			continue
		}
		q.markProcessed(ctx, entry)
		result.Processed++
	}

	result.Success = true
	return result
}

// replay dispatches one entry to the remote service by operation type.
func (q *QueueManager) replay(ctx context.Context, entry QueueEntry) error {
	if entry.EntityID == "" {
		return syncErrors.NewValidationError(syncErrors.OpDrain, fmt.Errorf("entity_id manquant"))
	}

	switch entry.Op {
	case OpInsert:
		if entry.Data == nil {
			return syncErrors.NewValidationError(syncErrors.OpDrain, fmt.Errorf("data manquant"))
		}
		rec, err := q.recordFromEntry(entry)
		if err != nil {
			return syncErrors.NewValidationError(syncErrors.OpDrain, err)
		}
		if _, err := q.remote.Create(ctx, entry.EntityType, rec); err != nil {
			return err
		}
	case OpUpdate:
		if entry.Data == nil {
			return syncErrors.NewValidationError(syncErrors.OpDrain, fmt.Errorf("data manquant"))
		}
		if _, err := q.remote.Update(ctx, entry.EntityType, entry.EntityID, entry.Data); err != nil {
			return err
		}
	case OpDelete:
		if err := q.remote.Delete(ctx, entry.EntityType, entry.EntityID); err != nil {
			return err
		}
	default:
		return syncErrors.NewValidationError(syncErrors.OpDrain, fmt.Errorf("unknown operation type %q", entry.Op))
	}
	return nil
}

func (q *QueueManager) recordFromEntry(entry QueueEntry) (Record, error) {
	payload := make(map[string]interface{}, len(entry.Data)+1)
	for k, v := range entry.Data {
		payload[k] = v
	}
	if _, ok := payload["id"]; !ok {
		payload["id"] = entry.EntityID
	}
	if _, ok := payload["updated_at"]; !ok {
		payload["updated_at"] = entry.CreatedAt.UTC().Format(time.RFC3339Nano)
	}
	return RecordFromPayload(payload)
}

func (q *QueueManager) markProcessed(ctx context.Context, entry QueueEntry) {
	now := q.now()
	entry.Status = EntryProcessed
	entry.Error = ""
	entry.ProcessedAt = &now
	if err := q.store.UpdateEntry(ctx, entry); err != nil {
		q.cfg.Logger.LogError(ctx, err, "failed to mark entry processed",
			slog.String("entry_id", entry.ID))
	}
}

func (q *QueueManager) markFailed(ctx context.Context, entry QueueEntry, cause error) {
	now := q.now()
	entry.Status = EntryFailed
	entry.Error = cause.Error()
	entry.FailedAt = &now
	entry.Attempts++
	if err := q.store.UpdateEntry(ctx, entry); err != nil {
		q.cfg.Logger.LogError(ctx, err, "failed to mark entry failed",
			slog.String("entry_id", entry.ID))
		return
	}
	q.cfg.Logger.WarnContext(ctx, "queue entry failed",
		slog.String("entry_id", entry.ID),
		slog.String("op", string(entry.Op)),
		slog.String("entity_id", entry.EntityID),
		slog.Int("attempts", entry.Attempts),
		slog.String("error", entry.Error),
	)
}

// RetryFailed re-arms FAILED entries whose attempt count is below the cap and
// whose backoff delay has elapsed, flipping them back to PENDING so the next
// drain picks them up. Validation failures are never retried. Returns how
// many entries were re-armed.
func (q *QueueManager) RetryFailed(ctx context.Context) (int, error) {
	entries, err := q.store.EntriesByStatus(ctx, q.cfg.EntityType, EntryFailed)
	if err != nil {
		return 0, syncErrors.NewStorageError(syncErrors.OpDrain, err)
	}

	rearmed := 0
	now := q.now()
	for _, entry := range entries {
		if entry.Attempts >= q.cfg.MaxAttempts {
			continue
		}
		if strings.Contains(entry.Error, string(syncErrors.ErrCodeValidationFailure)) {
			continue
		}
		if entry.FailedAt != nil {
			delay := q.cfg.RetryBackoff.NextDelay(entry.Attempts - 1)
			if now.Sub(*entry.FailedAt) < delay {
				continue
			}
		}
		entry.Status = EntryPending
		if err := q.store.UpdateEntry(ctx, entry); err != nil {
			return rearmed, syncErrors.NewStorageError(syncErrors.OpDrain, err)
		}
		rearmed++
	}

	if rearmed > 0 {
		q.cfg.Logger.InfoContext(ctx, "failed entries re-armed for retry",
			slog.Int("count", rearmed))
	}
	return rearmed, nil
}

// Compact prunes terminal entries older than the retention window. The queue
// is an append-only log from the producer side, so this is the only place
// entries are ever removed.
func (q *QueueManager) Compact(ctx context.Context) (int, error) {
	cutoff := q.now().Add(-q.cfg.Retention)
	pruned, err := q.store.PruneEntries(ctx, q.cfg.EntityType, cutoff)
	if err != nil {
		return 0, syncErrors.NewStorageError(syncErrors.OpDrain, err)
	}
	if pruned > 0 {
		q.cfg.Logger.InfoContext(ctx, "sync queue compacted",
			slog.Int("pruned", pruned),
			slog.Time("cutoff", cutoff),
		)
	}
	return pruned, nil
}

// Stats counts queue entries per status.
func (q *QueueManager) Stats(ctx context.Context) (QueueStats, error) {
	stats, err := q.store.QueueStats(ctx, q.cfg.EntityType)
	if err != nil {
		return QueueStats{}, syncErrors.NewStorageError(syncErrors.OpLoad, err)
	}
	return stats, nil
}
