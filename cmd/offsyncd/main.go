// Command offsyncd runs the offline-first synchronization engine as a
// long-lived process: it keeps the local SQLite cache reconciled with the
// remote backend for a configured set of entity types, drains pending local
// mutations when connectivity allows, and reacts to realtime notifications.
//
// Configuration is environment-driven (a .env file is honored when present):
//
//	OFFSYNC_DB_PATH        local SQLite database path (default: offsync.db)
//	OFFSYNC_REMOTE_URL     base URL of the backend REST API (required)
//	OFFSYNC_API_KEY        bearer token for the backend (optional)
//	OFFSYNC_WS_URL         realtime WebSocket endpoint (optional)
//	OFFSYNC_ENTITIES       comma-separated entity types (default: delivery_agents,addresses)
//	OFFSYNC_SYNC_INTERVAL  periodic full sync interval (default: 30s)
//	OFFSYNC_AUTO_SYNC      enable automatic syncing (default: true)
package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/prestopos/offsync"
	"github.com/prestopos/offsync/logging"
	"github.com/prestopos/offsync/realtime/ws"
	"github.com/prestopos/offsync/remote/resthttp"
	"github.com/prestopos/offsync/storage/sqlite"
)

func main() {
	// A missing .env file is fine; the environment may be set directly.
	godotenv.Load()

	logging.Init(logging.GetConfigFromEnv())
	logger := logging.WithComponent(logging.Component("offsyncd"))

	if err := run(logger); err != nil {
		logger.Error("fatal", slog.String("error", err.Error()))
		os.Exit(1)
	}
}

func run(logger *logging.Logger) error {
	remoteURL := os.Getenv("OFFSYNC_REMOTE_URL")
	if remoteURL == "" {
		return errMissingEnv("OFFSYNC_REMOTE_URL")
	}

	dbPath := envOr("OFFSYNC_DB_PATH", "offsync.db")
	entities := splitEntities(envOr("OFFSYNC_ENTITIES", "delivery_agents,addresses"))
	syncInterval := envDuration("OFFSYNC_SYNC_INTERVAL", 30*time.Second)
	autoSync := envOr("OFFSYNC_AUTO_SYNC", "true") != "false"
	apiKey := os.Getenv("OFFSYNC_API_KEY")
	wsURL := os.Getenv("OFFSYNC_WS_URL")

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	store, err := sqlite.New(sqlite.DefaultConfig("file:" + dbPath))
	if err != nil {
		return err
	}
	defer store.Close()

	var remoteOpts []resthttp.Option
	if apiKey != "" {
		remoteOpts = append(remoteOpts, resthttp.WithAPIKey(apiKey))
	}
	remote, err := resthttp.New(remoteURL, remoteOpts...)
	if err != nil {
		return err
	}
	defer remote.Close()

	state := offsync.NewOnlineState(false)

	var monitors []*offsync.Monitor
	var syncers []*offsync.Syncer
	for _, entityType := range entities {
		queue, err := offsync.NewQueueManager(store, remote, offsync.QueueConfig{
			EntityType: entityType,
			Online:     state.Online,
		})
		if err != nil {
			return err
		}

		cfg := offsync.SyncerConfig{
			EntityType: entityType,
			Online:     state.Online,
		}
		if wsURL != "" {
			notifier, err := ws.New(ws.Config{URL: wsURL, APIKey: apiKey})
			if err != nil {
				return err
			}
			defer notifier.Close()
			cfg.Notifier = notifier
		}

		syncer, err := offsync.NewSyncer(store, remote, queue, cfg)
		if err != nil {
			return err
		}
		syncers = append(syncers, syncer)

		monitor := offsync.NewMonitor(state, syncer, queue, offsync.MonitorConfig{
			SyncInterval:   syncInterval,
			EnableAutoSync: autoSync,
			Probe:          offsync.HTTPProbe(&http.Client{Timeout: 5 * time.Second}, remoteURL),
		})
		if err := monitor.Start(ctx); err != nil {
			return err
		}
		monitors = append(monitors, monitor)

		if cfg.Notifier != nil {
			if err := syncer.Watch(ctx); err != nil {
				return err
			}
		}

		logger.Info("sync session started",
			slog.String("entity_type", entityType),
			slog.Bool("realtime", cfg.Notifier != nil),
		)
	}

	logger.Info("offsyncd running",
		slog.String("db", dbPath),
		slog.String("remote", remoteURL),
		slog.Int("entities", len(entities)),
		slog.Duration("sync_interval", syncInterval),
	)

	<-ctx.Done()
	logger.Info("shutting down")

	for _, monitor := range monitors {
		monitor.Stop()
	}
	for _, syncer := range syncers {
		syncer.Close()
	}
	return nil
}

type errMissingEnv string

func (e errMissingEnv) Error() string {
	return "environment variable " + string(e) + " is required"
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envDuration(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fallback
	}
	return d
}

func splitEntities(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
