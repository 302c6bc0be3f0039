package offsync

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	syncErrors "github.com/prestopos/offsync/errors"
	"github.com/prestopos/offsync/logging"
)

// OnlineState tracks connectivity as explicit shared state. Components that
// must gate on connectivity hold its Online method; nothing is ambient.
type OnlineState struct {
	online atomic.Bool

	mu          sync.Mutex
	transitions []func(online bool)
}

// NewOnlineState starts in the given state.
func NewOnlineState(online bool) *OnlineState {
	s := &OnlineState{}
	s.online.Store(online)
	return s
}

// Online reports the current connectivity state.
func (s *OnlineState) Online() bool { return s.online.Load() }

// Set updates the state and, on a transition, invokes registered callbacks.
func (s *OnlineState) Set(online bool) {
	if s.online.Swap(online) == online {
		return
	}
	s.mu.Lock()
	callbacks := make([]func(bool), len(s.transitions))
	copy(callbacks, s.transitions)
	s.mu.Unlock()

	for _, fn := range callbacks {
		fn(online)
	}
}

// OnTransition registers a callback invoked on every online/offline flip.
func (s *OnlineState) OnTransition(fn func(online bool)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.transitions = append(s.transitions, fn)
}

// Status is the read surface exposed to the UI layer.
type Status struct {
	Online    bool
	IsSyncing bool
	LastSync  time.Time
	SyncError string
	Queue     QueueStats
}

// MonitorConfig configures a Monitor.
type MonitorConfig struct {
	// SyncInterval drives periodic full syncs. Defaults to 30s.
	SyncInterval time.Duration

	// EnableAutoSync triggers an immediate full sync on the transition to
	// online, and enables the periodic timer.
	EnableAutoSync bool

	// Probe, when set, is polled to detect connectivity (an HTTP health
	// check, typically). When nil the caller drives the state via Set.
	Probe func(ctx context.Context) bool

	// ProbeInterval defaults to 10s.
	ProbeInterval time.Duration

	// Logger defaults to the package logger.
	Logger *logging.Logger
}

func (c *MonitorConfig) setDefaults() {
	if c.SyncInterval <= 0 {
		c.SyncInterval = 30 * time.Second
	}
	if c.ProbeInterval <= 0 {
		c.ProbeInterval = 10 * time.Second
	}
	if c.Logger == nil {
		c.Logger = logging.Default().WithComponent(logging.Component("monitor"))
	}
}

// Monitor observes connectivity and drives scheduled synchronization for one
// sync session. Periodic cycles are skipped while a sync is in flight.
type Monitor struct {
	cfg    MonitorConfig
	state  *OnlineState
	syncer *Syncer
	queue  *QueueManager

	mu        sync.RWMutex
	lastSync  time.Time
	syncError string
	stop      chan struct{}
}

// NewMonitor wires a monitor to a sync session and its shared online state.
func NewMonitor(state *OnlineState, syncer *Syncer, queue *QueueManager, cfg MonitorConfig) *Monitor {
	cfg.setDefaults()
	m := &Monitor{
		cfg:    cfg,
		state:  state,
		syncer: syncer,
		queue:  queue,
	}

	state.OnTransition(func(online bool) {
		m.cfg.Logger.Info("connectivity changed", slog.Bool("online", online))
		if online && m.cfg.EnableAutoSync {
			go m.runFull(context.Background())
		}
	})

	return m
}

// Start launches the periodic sync loop and the optional connectivity probe.
func (m *Monitor) Start(ctx context.Context) error {
	m.mu.Lock()
	if m.stop != nil {
		m.mu.Unlock()
		return syncErrors.New(syncErrors.OpFull, fmt.Errorf("monitor is already running"))
	}
	stop := make(chan struct{})
	m.stop = stop
	m.mu.Unlock()

	if m.cfg.Probe != nil {
		go m.probeLoop(ctx, stop)
	}
	if m.cfg.EnableAutoSync {
		go m.syncLoop(ctx, stop)
	}
	return nil
}

// Stop halts the periodic loops. In-flight sync work is not aborted; only the
// timers are torn down.
func (m *Monitor) Stop() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.stop == nil {
		return syncErrors.New(syncErrors.OpClose, fmt.Errorf("monitor is not running"))
	}
	close(m.stop)
	m.stop = nil
	return nil
}

// SetOnline feeds an external connectivity signal into the shared state.
func (m *Monitor) SetOnline(online bool) { m.state.Set(online) }

// Status snapshots the monitor state for the UI layer.
func (m *Monitor) Status(ctx context.Context) Status {
	m.mu.RLock()
	status := Status{
		Online:    m.state.Online(),
		IsSyncing: m.syncer.IsSyncing(),
		LastSync:  m.lastSync,
		SyncError: m.syncError,
	}
	m.mu.RUnlock()

	if m.queue != nil {
		if stats, err := m.queue.Stats(ctx); err == nil {
			status.Queue = stats
		}
	}
	return status
}

func (m *Monitor) syncLoop(ctx context.Context, stop <-chan struct{}) {
	ticker := time.NewTicker(m.cfg.SyncInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-stop:
			return
		case <-ticker.C:
			if !m.state.Online() || m.syncer.IsSyncing() {
				continue
			}
			m.runFull(ctx)
		}
	}
}

func (m *Monitor) probeLoop(ctx context.Context, stop <-chan struct{}) {
	ticker := time.NewTicker(m.cfg.ProbeInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-stop:
			return
		case <-ticker.C:
			m.state.Set(m.cfg.Probe(ctx))
		}
	}
}

// runFull executes one full cycle: re-arm retryable failures, sync, then
// compact the queue after a successful cycle.
func (m *Monitor) runFull(ctx context.Context) {
	m.mu.Lock()
	m.syncError = ""
	m.mu.Unlock()

	if m.queue != nil {
		if _, err := m.queue.RetryFailed(ctx); err != nil {
			m.cfg.Logger.LogError(ctx, err, "failed to re-arm failed queue entries")
		}
	}

	result, err := m.syncer.Full(ctx)
	if err != nil {
		m.setError(err.Error())
		return
	}
	if !result.Success {
		m.setError(result.Err)
		return
	}

	m.mu.Lock()
	m.lastSync = time.Now()
	m.mu.Unlock()

	if m.queue != nil {
		if _, err := m.queue.Compact(ctx); err != nil {
			m.cfg.Logger.LogError(ctx, err, "queue compaction failed")
		}
	}
}

func (m *Monitor) setError(msg string) {
	if msg == "" {
		return
	}
	m.mu.Lock()
	m.syncError = msg
	m.mu.Unlock()
	m.cfg.Logger.Warn("sync cycle failed", slog.String("error", msg))
}

// HTTPProbe returns a connectivity probe that reports online when a HEAD of
// the given URL gets any HTTP response back. Status codes do not matter; a
// 401 from the backend still proves the network path works.
func HTTPProbe(client *http.Client, url string) func(ctx context.Context) bool {
	if client == nil {
		client = &http.Client{Timeout: 5 * time.Second}
	}
	return func(ctx context.Context) bool {
		req, err := http.NewRequestWithContext(ctx, http.MethodHead, url, nil)
		if err != nil {
			return false
		}
		resp, err := client.Do(req)
		if err != nil {
			return false
		}
		resp.Body.Close()
		return true
	}
}
