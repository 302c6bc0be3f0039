// Package ws implements the offsync.Notifier interface over a WebSocket
// connection to the hosted backend's realtime endpoint.
package ws

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	stdSync "sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/prestopos/offsync"
	"github.com/prestopos/offsync/logging"
)

// frame is the wire shape of one realtime notification. The new and old
// objects carry the flat record payload the REST API uses.
type frame struct {
	EventType  string                 `json:"event_type"`
	EntityType string                 `json:"entity_type"`
	New        map[string]interface{} `json:"new,omitempty"`
	Old        map[string]interface{} `json:"old,omitempty"`
}

// Config holds configuration options for the Client.
type Config struct {
	// URL is the WebSocket endpoint, e.g. "wss://api.example.com/v1/realtime".
	URL string

	// APIKey, when set, is sent as a bearer token on the handshake.
	APIKey string

	// Dialer defaults to websocket.DefaultDialer.
	Dialer *websocket.Dialer

	// ReconnectBackoff paces redial attempts after a dropped connection.
	ReconnectBackoff offsync.BackoffStrategy

	// PingInterval is how often keepalive pings are sent. Default: 30s.
	PingInterval time.Duration
}

func (c *Config) setDefaults() {
	if c.Dialer == nil {
		c.Dialer = websocket.DefaultDialer
	}
	if c.ReconnectBackoff == nil {
		c.ReconnectBackoff = offsync.DefaultBackoff()
	}
	if c.PingInterval == 0 {
		c.PingInterval = 30 * time.Second
	}
}

// Client is a reconnecting WebSocket notifier.
type Client struct {
	cfg       Config
	logger    *logging.Logger
	connected int32 // atomic
	closed    int32 // atomic
	done      chan struct{}
	stopOnce  stdSync.Once

	mu   stdSync.Mutex
	conn *websocket.Conn
}

// Compile-time check to ensure Client satisfies the Notifier interface
var _ offsync.Notifier = (*Client)(nil)

// New creates a new WebSocket notifier.
func New(cfg Config) (*Client, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("URL is required")
	}
	cfg.setDefaults()

	return &Client{
		cfg:    cfg,
		logger: logging.WithComponent(logging.Component("realtime/ws")),
		done:   make(chan struct{}),
	}, nil
}

// Subscribe connects and blocks, invoking the handler for every notification
// frame, until the context is done or Unsubscribe is called. Dropped
// connections are redialed with backoff; the caller is expected to run a full
// pull after reconnecting to cover any missed notifications.
func (c *Client) Subscribe(ctx context.Context, handler offsync.ChangeHandler) error {
	if atomic.LoadInt32(&c.closed) == 1 {
		return fmt.Errorf("notifier is closed")
	}

	attempt := 0
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-c.done:
			return nil
		default:
		}

		dialed, err := c.runConnection(ctx, handler)
		if err != nil {
			c.logger.Warn("Realtime connection lost", slog.Any("error", err))
		}
		if dialed {
			c.cfg.ReconnectBackoff.Reset()
			attempt = 0
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-c.done:
			return nil
		case <-time.After(c.cfg.ReconnectBackoff.NextDelay(attempt)):
			attempt++
		}
	}
}

func (c *Client) runConnection(ctx context.Context, handler offsync.ChangeHandler) (bool, error) {
	header := http.Header{}
	if c.cfg.APIKey != "" {
		header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	}

	conn, _, err := c.cfg.Dialer.DialContext(ctx, c.cfg.URL, header)
	if err != nil {
		return false, fmt.Errorf("dialing %s: %w", c.cfg.URL, err)
	}

	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()
	atomic.StoreInt32(&c.connected, 1)
	c.logger.Info("Realtime connection established", slog.String("url", c.cfg.URL))

	defer func() {
		atomic.StoreInt32(&c.connected, 0)
		c.mu.Lock()
		c.conn = nil
		c.mu.Unlock()
		conn.Close()
	}()

	// Close the connection when the caller gives up so ReadMessage unblocks.
	watchdog := make(chan struct{})
	defer close(watchdog)
	go func() {
		select {
		case <-ctx.Done():
		case <-c.done:
		case <-watchdog:
			return
		}
		conn.Close()
	}()

	go c.pingLoop(conn, watchdog)

	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			return true, err
		}

		var f frame
		if err := json.Unmarshal(message, &f); err != nil {
			c.logger.Warn("Dropping malformed frame", slog.Any("error", err))
			continue
		}
		event, err := f.toEvent()
		if err != nil {
			c.logger.Warn("Dropping malformed frame", slog.Any("error", err))
			continue
		}
		if err := handler(event); err != nil {
			c.logger.Warn("Change handler failed", slog.Any("error", err))
		}
	}
}

func (c *Client) pingLoop(conn *websocket.Conn, stop <-chan struct{}) {
	ticker := time.NewTicker(c.cfg.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			deadline := time.Now().Add(10 * time.Second)
			if err := conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				return
			}
		}
	}
}

func (f frame) toEvent() (offsync.ChangeEvent, error) {
	op, err := offsync.ParseOp(f.EventType)
	if err != nil {
		return offsync.ChangeEvent{}, err
	}

	event := offsync.ChangeEvent{Type: op, EntityType: f.EntityType}
	if f.New != nil {
		rec, err := offsync.RecordFromPayload(f.New)
		if err != nil {
			return offsync.ChangeEvent{}, fmt.Errorf("decoding new record: %w", err)
		}
		rec.SyncStatus = offsync.StatusSynced
		event.New = &rec
	}
	if f.Old != nil {
		rec, err := offsync.RecordFromPayload(f.Old)
		if err != nil {
			return offsync.ChangeEvent{}, fmt.Errorf("decoding old record: %w", err)
		}
		rec.SyncStatus = offsync.StatusSynced
		event.Old = &rec
	}
	return event, nil
}

// Unsubscribe stops the blocking Subscribe loop.
func (c *Client) Unsubscribe() error {
	c.stopOnce.Do(func() { close(c.done) })
	return nil
}

// IsConnected returns true if the realtime connection is active.
func (c *Client) IsConnected() bool {
	return atomic.LoadInt32(&c.connected) == 1
}

// Close shuts down the notifier.
func (c *Client) Close() error {
	if !atomic.CompareAndSwapInt32(&c.closed, 0, 1) {
		return nil
	}
	c.Unsubscribe()

	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn != nil {
		return conn.Close()
	}
	return nil
}
