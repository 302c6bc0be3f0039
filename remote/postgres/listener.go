package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	stdSync "sync"
	"sync/atomic"
	"time"

	"github.com/lib/pq"

	"github.com/prestopos/offsync"
	"github.com/prestopos/offsync/logging"
)

// changeChannel is the LISTEN/NOTIFY channel the EnsureSchema trigger
// publishes on.
const changeChannel = "entity_changes"

// notificationPayload is the wire shape emitted by the notify trigger.
type notificationPayload struct {
	Op         string      `json:"op"`
	EntityType string      `json:"entity_type"`
	ID         string      `json:"id"`
	New        *triggerRow `json:"new,omitempty"`
	Old        *triggerRow `json:"old,omitempty"`
}

type triggerRow struct {
	ID        string                 `json:"id"`
	UpdatedAt time.Time              `json:"updated_at"`
	Fields    map[string]interface{} `json:"fields"`
}

func (r *triggerRow) record() *offsync.Record {
	if r == nil {
		return nil
	}
	return &offsync.Record{
		ID:         r.ID,
		UpdatedAt:  r.UpdatedAt.UTC(),
		SyncStatus: offsync.StatusSynced,
		Fields:     r.Fields,
	}
}

// Notifier delivers realtime change notifications over PostgreSQL
// LISTEN/NOTIFY. Reconnection is handled internally by pq.Listener.
type Notifier struct {
	listener *pq.Listener
	logger   *logging.Logger
	closed   int32 // atomic
	done     chan struct{}
	stopOnce stdSync.Once
}

// Compile-time check to ensure Notifier satisfies the Notifier interface
var _ offsync.Notifier = (*Notifier)(nil)

// NewNotifier creates a notifier listening on the entity change channel.
func NewNotifier(connectionString string) (*Notifier, error) {
	if connectionString == "" {
		return nil, fmt.Errorf("connection string cannot be empty")
	}

	n := &Notifier{
		logger: logging.WithComponent(logging.Component("remote/postgres")),
		done:   make(chan struct{}),
	}

	n.listener = pq.NewListener(connectionString, 5*time.Second, time.Minute,
		func(event pq.ListenerEventType, err error) {
			switch event {
			case pq.ListenerEventConnected:
				n.logger.Info("Connected to PostgreSQL for LISTEN/NOTIFY")
			case pq.ListenerEventDisconnected:
				n.logger.Warn("Disconnected from PostgreSQL", slog.Any("error", err))
			case pq.ListenerEventReconnected:
				n.logger.Info("Reconnected to PostgreSQL")
			case pq.ListenerEventConnectionAttemptFailed:
				n.logger.Warn("Connection attempt failed", slog.Any("error", err))
			}
		})

	if err := n.listener.Listen(changeChannel); err != nil {
		n.listener.Close()
		return nil, fmt.Errorf("failed to listen on %s: %w", changeChannel, err)
	}
	return n, nil
}

// Subscribe blocks, decoding notifications into change events and invoking
// the handler, until the context is done or the notifier is closed.
func (n *Notifier) Subscribe(ctx context.Context, handler offsync.ChangeHandler) error {
	if atomic.LoadInt32(&n.closed) == 1 {
		return fmt.Errorf("notifier is closed")
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-n.done:
			return nil
		case notification := <-n.listener.Notify:
			if notification == nil {
				// nil is delivered on reconnect; the trigger refires for
				// changes made afterwards, and a full pull covers the gap.
				continue
			}
			event, err := parseNotification(notification.Extra)
			if err != nil {
				n.logger.Warn("Dropping malformed notification", slog.Any("error", err))
				continue
			}
			if err := handler(event); err != nil {
				n.logger.Warn("Change handler failed", slog.Any("error", err))
			}
		case <-time.After(90 * time.Second):
			go func() {
				if err := n.listener.Ping(); err != nil {
					n.logger.Warn("Keepalive ping failed", slog.Any("error", err))
				}
			}()
		}
	}
}

func parseNotification(raw string) (offsync.ChangeEvent, error) {
	var payload notificationPayload
	if err := json.Unmarshal([]byte(raw), &payload); err != nil {
		return offsync.ChangeEvent{}, fmt.Errorf("failed to parse notification payload: %w", err)
	}

	var changeType offsync.ChangeType
	switch payload.Op {
	case "INSERT":
		changeType = offsync.OpInsert
	case "UPDATE":
		changeType = offsync.OpUpdate
	case "DELETE":
		changeType = offsync.OpDelete
	default:
		return offsync.ChangeEvent{}, fmt.Errorf("unknown operation %q", payload.Op)
	}

	return offsync.ChangeEvent{
		Type:       changeType,
		EntityType: payload.EntityType,
		New:        payload.New.record(),
		Old:        payload.Old.record(),
	}, nil
}

// Unsubscribe stops the blocking Subscribe loop.
func (n *Notifier) Unsubscribe() error {
	n.stopOnce.Do(func() { close(n.done) })
	return nil
}

// IsConnected returns true if the listener connection is alive.
func (n *Notifier) IsConnected() bool {
	if atomic.LoadInt32(&n.closed) == 1 {
		return false
	}
	return n.listener.Ping() == nil
}

// Close shuts down the notifier.
func (n *Notifier) Close() error {
	if !atomic.CompareAndSwapInt32(&n.closed, 0, 1) {
		return nil
	}
	n.Unsubscribe()
	return n.listener.Close()
}
