package offsync

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	syncErrors "github.com/prestopos/offsync/errors"
	"github.com/prestopos/offsync/logging"
)

// SyncerConfig configures a Syncer session for one entity type.
type SyncerConfig struct {
	// EntityType scopes the session to one collection.
	EntityType string

	// Resolver merges conflicting copies. Defaults to LastWriteWinsResolver.
	Resolver Resolver

	// Online gates sync attempts. Defaults to always-online.
	Online func() bool

	// Timeout bounds store and remote operations per sync step. Defaults to 30s.
	Timeout time.Duration

	// DebounceWindow coalesces bursts of realtime notifications into a single
	// pull. Defaults to 250ms.
	DebounceWindow time.Duration

	// Notifier enables realtime-triggered pulls (optional).
	Notifier Notifier

	// ReconnectBackoff spaces out notifier reconnection attempts.
	ReconnectBackoff BackoffStrategy

	// Logger defaults to the package logger.
	Logger *logging.Logger
}

func (c *SyncerConfig) setDefaults() {
	if c.Resolver == nil {
		c.Resolver = &LastWriteWinsResolver{}
	}
	if c.Online == nil {
		c.Online = func() bool { return true }
	}
	if c.Timeout <= 0 {
		c.Timeout = 30 * time.Second
	}
	if c.DebounceWindow <= 0 {
		c.DebounceWindow = 250 * time.Millisecond
	}
	if c.ReconnectBackoff == nil {
		c.ReconnectBackoff = &ExponentialBackoff{
			InitialDelay: 1 * time.Second,
			MaxDelay:     30 * time.Second,
			Multiplier:   2.0,
		}
	}
	if c.Logger == nil {
		c.Logger = logging.Default().WithComponent(logging.Component("syncer")).WithEntityType(c.EntityType)
	}
}

// Syncer orchestrates pull, push and full bidirectional synchronization for
// one entity type. All sync state is owned by the session object; nothing is
// ambient, so independent entity types never interfere.
type Syncer struct {
	cfg    SyncerConfig
	store  LocalStore
	remote RemoteService
	queue  *QueueManager

	// gate is the single-flight lock for full sync cycles. A second trigger
	// while one cycle is in flight is refused, not raced.
	gate chan struct{}

	mu          sync.RWMutex
	closed      bool
	subscribers []func(*SyncResult)
	watchStop   chan struct{}

	// kick wakes the pull scheduler; capacity 1 so notification bursts
	// collapse into one pending pull.
	kick chan struct{}
}

// NewSyncer creates a sync session. The caller retains ownership of the store
// and remote service; Close only tears down the session's own goroutines.
func NewSyncer(store LocalStore, remote RemoteService, queue *QueueManager, cfg SyncerConfig) (*Syncer, error) {
	if cfg.EntityType == "" {
		return nil, fmt.Errorf("EntityType is required")
	}
	if queue != nil && queue.EntityType() != cfg.EntityType {
		return nil, fmt.Errorf("queue manager is scoped to %q, syncer to %q", queue.EntityType(), cfg.EntityType)
	}
	cfg.setDefaults()
	return &Syncer{
		cfg:    cfg,
		store:  store,
		remote: remote,
		queue:  queue,
		gate:   make(chan struct{}, 1),
		kick:   make(chan struct{}, 1),
	}, nil
}

// EntityType returns the collection this session synchronizes.
func (s *Syncer) EntityType() string { return s.cfg.EntityType }

// IsSyncing reports whether a full sync cycle is currently in flight.
func (s *Syncer) IsSyncing() bool { return len(s.gate) > 0 }

// Pull performs a full snapshot reconciliation: every remote id missing
// locally is inserted, common ids are merged last-write-wins, local ids
// absent remotely are deleted (unless they are unsynced local creations).
func (s *Syncer) Pull(ctx context.Context) (*PullResult, error) {
	s.mu.RLock()
	if s.closed {
		s.mu.RUnlock()
		return nil, syncErrors.ErrSyncerClosed
	}
	s.mu.RUnlock()

	return s.pull(ctx), nil
}

// Push drains the local sync queue to the remote service.
func (s *Syncer) Push(ctx context.Context) (*PushResult, error) {
	s.mu.RLock()
	if s.closed {
		s.mu.RUnlock()
		return nil, syncErrors.ErrSyncerClosed
	}
	s.mu.RUnlock()

	return s.push(ctx), nil
}

// Full executes push then pull as one cycle: local intents reach the server
// before the authoritative snapshot is re-read. A concurrent Full for the
// same session is refused via the single-flight gate. Partial work is
// reported, never rolled back.
func (s *Syncer) Full(ctx context.Context) (*SyncResult, error) {
	s.mu.RLock()
	if s.closed {
		s.mu.RUnlock()
		return nil, syncErrors.ErrSyncerClosed
	}
	s.mu.RUnlock()

	result := &SyncResult{StartTime: time.Now()}

	select {
	case s.gate <- struct{}{}:
	default:
		result.Err = syncErrors.ErrSyncInFlight.Error()
		result.Duration = time.Since(result.StartTime)
		return result, nil
	}
	defer func() { <-s.gate }()

	defer func() {
		result.Duration = time.Since(result.StartTime)
		s.notifySubscribers(result)
	}()

	if !s.cfg.Online() {
		result.Err = "offline"
		return result, nil
	}

	result.Push = s.push(ctx)
	result.Pull = s.pull(ctx)

	result.Success = result.Push.Success && result.Pull.Success
	var errs []string
	if result.Push.Err != "" {
		errs = append(errs, result.Push.Err)
	}
	if result.Pull.Err != "" {
		errs = append(errs, result.Pull.Err)
	}
	result.Err = strings.Join(errs, "; ")

	return result, nil
}

func (s *Syncer) push(ctx context.Context) *PushResult {
	if s.queue == nil {
		result := &PushResult{Success: true, StartTime: time.Now()}
		return result
	}

	result := s.queue.Drain(ctx)
	if result.Success {
		if err := s.store.SetMeta(ctx, MetaLastPushSync, time.Now().UTC().Format(time.RFC3339Nano)); err != nil {
			s.cfg.Logger.LogError(ctx, err, "failed to record last push time")
		}
	}
	return result
}

func (s *Syncer) pull(ctx context.Context) *PullResult {
	result := &PullResult{StartTime: time.Now()}
	defer func() { result.Duration = time.Since(result.StartTime) }()

	if !s.cfg.Online() {
		result.Err = "offline"
		return result
	}

	opCtx, cancel := s.withTimeout(ctx)
	defer cancel()

	remoteRecs, err := s.remote.List(opCtx, s.cfg.EntityType)
	if err != nil {
		result.Err = syncErrors.NewRemoteError(syncErrors.OpPull, err).Error()
		return result
	}

	localRecs, err := s.store.GetAll(opCtx, s.cfg.EntityType)
	if err != nil {
		result.Err = syncErrors.NewStorageError(syncErrors.OpPull, err).Error()
		return result
	}

	localByID := make(map[string]Record, len(localRecs))
	for _, rec := range localRecs {
		localByID[rec.ID] = rec
	}
	remoteIDs := make(map[string]struct{}, len(remoteRecs))

	var upserts []Record
	var deleteIDs []string

	for _, remote := range remoteRecs {
		remoteIDs[remote.ID] = struct{}{}

		local, exists := localByID[remote.ID]
		if !exists {
			remote.SyncStatus = StatusSynced
			upserts = append(upserts, remote)
			result.Added++
			continue
		}

		merged := s.cfg.Resolver.Merge(local, remote)
		merged.SyncStatus = StatusSynced
		switch {
		case !merged.Equal(local):
			upserts = append(upserts, merged)
			result.Updated++
		case local.SyncStatus != StatusSynced:
			// Content already matches, only the bookkeeping flag moves.
			upserts = append(upserts, merged)
		}
	}

	for _, local := range localRecs {
		if _, exists := remoteIDs[local.ID]; exists {
			continue
		}
		if local.SyncStatus == StatusPending {
			// Unsynced local creation: not yet pushed, keep it.
			continue
		}
		deleteIDs = append(deleteIDs, local.ID)
		result.Deleted++
	}

	if len(upserts) > 0 || len(deleteIDs) > 0 {
		if err := s.store.ApplyBatch(opCtx, s.cfg.EntityType, upserts, deleteIDs); err != nil {
			// The batch is atomic: on failure local data stays consistent.
			result.Added, result.Updated, result.Deleted = 0, 0, 0
			result.Err = syncErrors.NewStorageError(syncErrors.OpPull, err).Error()
			return result
		}
	}

	if err := s.store.SetMeta(ctx, MetaLastPullSync, time.Now().UTC().Format(time.RFC3339Nano)); err != nil {
		s.cfg.Logger.LogError(ctx, err, "failed to record last pull time")
	}

	result.Success = true
	s.cfg.Logger.InfoContext(ctx, "pull reconciliation completed",
		slog.Int("added", result.Added),
		slog.Int("updated", result.Updated),
		slog.Int("deleted", result.Deleted),
	)
	return result
}

func (s *Syncer) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, s.cfg.Timeout)
}

// Subscribe registers a callback invoked after every full sync cycle.
func (s *Syncer) Subscribe(handler func(*SyncResult)) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return syncErrors.ErrSyncerClosed
	}

	s.subscribers = append(s.subscribers, handler)
	return nil
}

func (s *Syncer) notifySubscribers(result *SyncResult) {
	s.mu.RLock()
	subscribers := make([]func(*SyncResult), len(s.subscribers))
	copy(subscribers, s.subscribers)
	s.mu.RUnlock()

	for _, handler := range subscribers {
		go func(h func(*SyncResult)) {
			defer func() {
				if r := recover(); r != nil {
					s.cfg.Logger.Error("sync subscriber panicked",
						slog.Any("panic", r))
				}
			}()
			h(result)
		}(handler)
	}
}

// Watch subscribes to the realtime notifier and schedules pulls for incoming
// change notifications. Bursts within the debounce window coalesce into a
// single pull.
func (s *Syncer) Watch(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return syncErrors.ErrSyncerClosed
	}
	if s.cfg.Notifier == nil {
		return syncErrors.New(syncErrors.OpSubscribe, fmt.Errorf("no notifier configured"))
	}
	if s.watchStop != nil {
		return syncErrors.New(syncErrors.OpSubscribe, fmt.Errorf("watch is already active"))
	}

	stop := make(chan struct{})
	s.watchStop = stop

	go s.watchNotifications(ctx, stop)
	go s.schedulePulls(ctx, stop)

	return nil
}

// Unwatch stops realtime-triggered pulls.
func (s *Syncer) Unwatch() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.watchStop == nil {
		return syncErrors.New(syncErrors.OpSubscribe, fmt.Errorf("watch is not active"))
	}

	close(s.watchStop)
	s.watchStop = nil

	if s.cfg.Notifier != nil {
		s.cfg.Notifier.Unsubscribe()
	}
	return nil
}

func (s *Syncer) watchNotifications(ctx context.Context, stop <-chan struct{}) {
	backoff := s.cfg.ReconnectBackoff
	attempt := 0

	for {
		select {
		case <-ctx.Done():
			return
		case <-stop:
			return
		default:
		}

		err := s.cfg.Notifier.Subscribe(ctx, func(event ChangeEvent) error {
			backoff.Reset()
			attempt = 0

			if event.EntityType != "" && event.EntityType != s.cfg.EntityType {
				return nil
			}

			select {
			case s.kick <- struct{}{}:
			default:
				// A pull is already pending; the burst coalesces.
			}
			return nil
		})

		if err != nil {
			s.cfg.Logger.LogError(ctx, err, "realtime subscription lost",
				slog.Int("attempt", attempt))
		}

		delay := backoff.NextDelay(attempt)
		attempt++

		select {
		case <-ctx.Done():
			return
		case <-stop:
			return
		case <-time.After(delay):
		}
	}
}

func (s *Syncer) schedulePulls(ctx context.Context, stop <-chan struct{}) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-stop:
			return
		case <-s.kick:
		}

		// Debounce: let the burst settle before pulling a fresh snapshot.
		timer := time.NewTimer(s.cfg.DebounceWindow)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-stop:
			timer.Stop()
			return
		case <-timer.C:
		}

		// Absorb kicks that arrived during the window.
		select {
		case <-s.kick:
		default:
		}

		if _, err := s.Pull(ctx); err != nil {
			s.cfg.Logger.LogError(ctx, err, "realtime-triggered pull failed")
		}
	}
}

// Close shuts down the session's goroutines. The store, remote service and
// notifier stay open; they belong to the caller and may be shared by other
// sessions.
func (s *Syncer) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	watchStop := s.watchStop
	s.watchStop = nil
	s.mu.Unlock()

	if watchStop != nil {
		close(watchStop)
		if s.cfg.Notifier != nil {
			s.cfg.Notifier.Unsubscribe()
		}
	}
	return nil
}
