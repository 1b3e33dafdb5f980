// Package logging configures slog for the gateway: one logger per module
// (ingest, codec, health, api, ...), each with an independently adjustable
// level, writing to stdout and, when journald is present, to the systemd
// journal. Module levels come from the [logging] config section and can be
// changed at runtime.
package logging

import (
	"log/slog"
	"strings"
	"sync"
)

// Config is the [logging] configuration section.
type Config struct {
	Level   string            `toml:"level"`
	Format  string            `toml:"format"`
	Modules map[string]string `toml:"modules"`
}

var (
	mu      sync.Mutex
	current Config
	levels  = map[string]*slog.LevelVar{}
	loggers = map[string]*slog.Logger{}
)

// Initialize applies the logging configuration. Loggers handed out earlier
// keep their handler but share the module LevelVar, so level changes reach
// them; a format change only affects loggers created afterwards.
func Initialize(cfg Config) {
	mu.Lock()
	defer mu.Unlock()
	current = cfg

	for module, lv := range levels {
		lv.Set(moduleLevel(cfg, module))
		loggers[module] = newModuleLogger(cfg.Format, lv, module)
	}

	root := &slog.LevelVar{}
	root.Set(moduleLevel(cfg, ""))
	slog.SetDefault(slog.New(newHandler(cfg.Format, root)))
}

// GetLogger returns the logger for a module, creating it on first use.
func GetLogger(module string) *slog.Logger {
	mu.Lock()
	defer mu.Unlock()

	if l, ok := loggers[module]; ok {
		return l
	}
	lv := &slog.LevelVar{}
	lv.Set(moduleLevel(current, module))
	l := newModuleLogger(current.Format, lv, module)
	levels[module] = lv
	loggers[module] = l
	return l
}

// SetModuleLevel adjusts one module's level at runtime. Returns false when
// the level string is unknown.
func SetModuleLevel(module, level string) bool {
	l, ok := ParseLevel(level)
	if !ok {
		return false
	}
	mu.Lock()
	defer mu.Unlock()
	lv, exists := levels[module]
	if !exists {
		lv = &slog.LevelVar{}
		levels[module] = lv
		loggers[module] = newModuleLogger(current.Format, lv, module)
	}
	lv.Set(l)
	return true
}

func newModuleLogger(format string, lv slog.Leveler, module string) *slog.Logger {
	return slog.New(newHandler(format, lv)).With("module", module)
}

// moduleLevel resolves a module's level: module override, then global,
// then info.
func moduleLevel(cfg Config, module string) slog.Level {
	if s, ok := cfg.Modules[module]; ok {
		if l, ok := ParseLevel(s); ok {
			return l
		}
	}
	if l, ok := ParseLevel(cfg.Level); ok {
		return l
	}
	return slog.LevelInfo
}

// ParseLevel maps a level name onto a slog.Level.
func ParseLevel(s string) (slog.Level, bool) {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug, true
	case "info":
		return slog.LevelInfo, true
	case "warn", "warning":
		return slog.LevelWarn, true
	case "error":
		return slog.LevelError, true
	default:
		return 0, false
	}
}
