package logging

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"testing"

	"github.com/prestopos/offsync/errors"
)

func TestNewLoggerLevels(t *testing.T) {
	tests := []struct {
		level string
		want  slog.Level
	}{
		{"debug", slog.LevelDebug},
		{"info", slog.LevelInfo},
		{"warn", slog.LevelWarn},
		{"error", slog.LevelError},
		{"bogus", slog.LevelInfo},
	}

	for _, tt := range tests {
		t.Run(tt.level, func(t *testing.T) {
			logger := NewLogger(Config{Level: tt.level, Format: "text"})
			if logger == nil {
				t.Fatal("NewLogger returned nil")
			}
			if !logger.Enabled(context.Background(), tt.want) {
				t.Errorf("level %s should enable %v", tt.level, tt.want)
			}
			if tt.want > slog.LevelDebug && logger.Enabled(context.Background(), tt.want-4) {
				t.Errorf("level %s should not enable %v", tt.level, tt.want-4)
			}
		})
	}
}

func TestGetConfigFromEnv(t *testing.T) {
	os.Setenv("LOG_LEVEL", "DEBUG")
	os.Setenv("LOG_FORMAT", "TEXT")
	os.Setenv("ENVIRONMENT", "test")
	defer func() {
		os.Unsetenv("LOG_LEVEL")
		os.Unsetenv("LOG_FORMAT")
		os.Unsetenv("ENVIRONMENT")
	}()

	config := GetConfigFromEnv()
	if config.Level != "debug" {
		t.Errorf("Level = %s, want debug", config.Level)
	}
	if config.Format != "text" {
		t.Errorf("Format = %s, want text", config.Format)
	}
	if config.Environment != EnvTest {
		t.Errorf("Environment = %s, want %s", config.Environment, EnvTest)
	}
}

func TestSyncErrorValuer(t *testing.T) {
	syncErr := errors.NewRemoteError(errors.OpPush, fmt.Errorf("connection reset"))
	syncErr.Metadata = map[string]interface{}{"entity_id": "abc"}

	v := SyncErrorValuer{SyncError: syncErr}.LogValue()
	if v.Kind() != slog.KindGroup {
		t.Fatalf("LogValue kind = %v, want group", v.Kind())
	}

	found := map[string]bool{}
	for _, attr := range v.Group() {
		found[attr.Key] = true
	}
	for _, key := range []string{"operation", "component", "code", "retryable", "error", "metadata"} {
		if !found[key] {
			t.Errorf("missing attr %q in log value", key)
		}
	}
}

func TestLogOperationPropagatesError(t *testing.T) {
	logger := NewLogger(Config{Level: "error", Format: "text"})
	wantErr := fmt.Errorf("nope")

	err := logger.LogOperation(context.Background(), Operation("pull"), Component("syncer"), func() error {
		return wantErr
	})
	if err != wantErr {
		t.Errorf("LogOperation error = %v, want %v", err, wantErr)
	}

	err = logger.LogOperation(context.Background(), Operation("pull"), Component("syncer"), func() error {
		return nil
	})
	if err != nil {
		t.Errorf("LogOperation error = %v, want nil", err)
	}
}
