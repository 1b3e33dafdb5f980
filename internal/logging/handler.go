package logging

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/coreos/go-systemd/v22/journal"
)

const syslogIdentifier = "camgate"

// dualHandler writes every record to a stdout handler and, when running
// under systemd, mirrors it to the journal as a flat "msg key=value ..."
// line with MODULE as a journal field. One handler, two sinks; journald
// availability is probed once at construction.
type dualHandler struct {
	stdout  slog.Handler
	journal bool
	attrs   []slog.Attr
	group   string
}

func newHandler(format string, level slog.Leveler) slog.Handler {
	opts := &slog.HandlerOptions{Level: level}
	var stdout slog.Handler
	if format == "json" {
		stdout = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		stdout = slog.NewTextHandler(os.Stdout, opts)
	}
	return &dualHandler{stdout: stdout, journal: journal.Enabled()}
}

func (h *dualHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.stdout.Enabled(ctx, level)
}

func (h *dualHandler) Handle(ctx context.Context, r slog.Record) error {
	err := h.stdout.Handle(ctx, r)
	if h.journal {
		h.sendJournal(r)
	}
	return err
}

func (h *dualHandler) sendJournal(r slog.Record) {
	vars := map[string]string{"SYSLOG_IDENTIFIER": syslogIdentifier}

	var line strings.Builder
	line.WriteString(r.Message)

	var emit func(prefix string, a slog.Attr)
	emit = func(prefix string, a slog.Attr) {
		key := a.Key
		if prefix != "" {
			key = prefix + "." + key
		}
		if a.Value.Kind() == slog.KindGroup {
			for _, ga := range a.Value.Group() {
				emit(key, ga)
			}
			return
		}
		if key == "module" {
			vars["MODULE"] = a.Value.String()
			return
		}
		fmt.Fprintf(&line, " %s=%s", key, a.Value.String())
	}

	// Handler attrs already carry their group prefix from WithAttrs;
	// record attrs take the handler's current group.
	for _, a := range h.attrs {
		emit("", a)
	}
	r.Attrs(func(a slog.Attr) bool {
		emit(h.group, a)
		return true
	})

	_ = journal.Send(line.String(), journalPriority(r.Level), vars)
}

func (h *dualHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	merged := make([]slog.Attr, 0, len(h.attrs)+len(attrs))
	merged = append(merged, h.attrs...)
	for _, a := range attrs {
		if h.group != "" {
			a.Key = h.group + "." + a.Key
		}
		merged = append(merged, a)
	}
	return &dualHandler{
		stdout:  h.stdout.WithAttrs(attrs),
		journal: h.journal,
		attrs:   merged,
		group:   h.group,
	}
}

func (h *dualHandler) WithGroup(name string) slog.Handler {
	if name == "" {
		return h
	}
	group := name
	if h.group != "" {
		group = h.group + "." + name
	}
	return &dualHandler{
		stdout:  h.stdout.WithGroup(name),
		journal: h.journal,
		attrs:   h.attrs,
		group:   group,
	}
}

func journalPriority(level slog.Level) journal.Priority {
	switch {
	case level >= slog.LevelError:
		return journal.PriErr
	case level >= slog.LevelWarn:
		return journal.PriWarning
	case level >= slog.LevelInfo:
		return journal.PriInfo
	default:
		return journal.PriDebug
	}
}
