package logging

import (
	"context"
	"log/slog"
	"testing"
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in   string
		want slog.Level
		ok   bool
	}{
		{"debug", slog.LevelDebug, true},
		{"info", slog.LevelInfo, true},
		{"warn", slog.LevelWarn, true},
		{"warning", slog.LevelWarn, true},
		{"error", slog.LevelError, true},
		{"ERROR", slog.LevelError, true},
		{"verbose", 0, false},
		{"", 0, false},
	}
	for _, tt := range tests {
		got, ok := ParseLevel(tt.in)
		if ok != tt.ok || (ok && got != tt.want) {
			t.Errorf("ParseLevel(%q) = %v, %v; want %v, %v", tt.in, got, ok, tt.want, tt.ok)
		}
	}
}

func TestModuleLevelOverride(t *testing.T) {
	Initialize(Config{
		Level:   "info",
		Modules: map[string]string{"codec": "debug", "api": "error"},
	})

	ctx := context.Background()
	if !GetLogger("codec").Enabled(ctx, slog.LevelDebug) {
		t.Error("codec should log at debug")
	}
	if GetLogger("api").Enabled(ctx, slog.LevelWarn) {
		t.Error("api should be limited to error")
	}
	if GetLogger("ingest").Enabled(ctx, slog.LevelDebug) {
		t.Error("unlisted module should fall back to the global level")
	}
	if !GetLogger("ingest").Enabled(ctx, slog.LevelInfo) {
		t.Error("unlisted module should log at the global level")
	}
}

func TestInitializeUpdatesExistingLoggers(t *testing.T) {
	Initialize(Config{Level: "info"})
	logger := GetLogger("health")

	ctx := context.Background()
	if logger.Enabled(ctx, slog.LevelDebug) {
		t.Fatal("health should start at info")
	}

	// Re-initializing with a module override must reach the logger handed
	// out earlier, via the shared LevelVar.
	Initialize(Config{Level: "info", Modules: map[string]string{"health": "debug"}})
	if !logger.Enabled(ctx, slog.LevelDebug) {
		t.Error("existing logger did not pick up the new module level")
	}
}

func TestSetModuleLevel(t *testing.T) {
	Initialize(Config{Level: "info"})
	logger := GetLogger("ingest")

	ctx := context.Background()
	if logger.Enabled(ctx, slog.LevelDebug) {
		t.Fatal("ingest should start at info")
	}

	if !SetModuleLevel("ingest", "debug") {
		t.Fatal("SetModuleLevel rejected a valid level")
	}
	if !logger.Enabled(ctx, slog.LevelDebug) {
		t.Error("runtime level change did not take effect")
	}

	if SetModuleLevel("ingest", "loud") {
		t.Error("SetModuleLevel accepted an unknown level")
	}
}

func TestGetLoggerUnknownModuleDefaults(t *testing.T) {
	Initialize(Config{})
	logger := GetLogger("unheard-of")
	ctx := context.Background()
	if !logger.Enabled(ctx, slog.LevelInfo) {
		t.Error("unknown module should default to info")
	}
	if logger.Enabled(ctx, slog.LevelDebug) {
		t.Error("unknown module should not log debug by default")
	}
}
