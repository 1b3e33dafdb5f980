package metrics

import (
	"encoding/csv"
	"fmt"
	"log/slog"
	"os"
	"time"
)

// csvHeader is frozen; downstream tooling parses rows positionally.
var csvHeader = []string{
	"Timestamp", "ActiveStreams", "WorkerThreads", "ActiveThreads", "QueueSize",
	"UsedMemoryMB", "MaxMemoryMB", "MemoryUsagePercent",
	"SystemCPULoad", "ProcessCPULoad", "TotalReadFrames", "TotalEncodedFrames",
	"TotalErrors", "DeadStreams",
}

// CSVStats is one row of system-wide counters.
type CSVStats struct {
	ActiveStreams      int
	WorkerThreads      int
	ActiveThreads      int
	QueueSize          int
	UsedMemoryMB       float64
	MaxMemoryMB        float64
	MemoryUsagePercent float64
	SystemCPULoad      float64
	ProcessCPULoad     float64
	TotalReadFrames    int64
	TotalEncodedFrames int64
	TotalErrors        int64
	DeadStreams        int64
}

// Row renders the stats in header order, timestamp first.
func (s CSVStats) Row(at time.Time) []string {
	return []string{
		at.UTC().Format(time.RFC3339),
		fmt.Sprintf("%d", s.ActiveStreams),
		fmt.Sprintf("%d", s.WorkerThreads),
		fmt.Sprintf("%d", s.ActiveThreads),
		fmt.Sprintf("%d", s.QueueSize),
		fmt.Sprintf("%.1f", s.UsedMemoryMB),
		fmt.Sprintf("%.1f", s.MaxMemoryMB),
		fmt.Sprintf("%.1f", s.MemoryUsagePercent),
		fmt.Sprintf("%.3f", s.SystemCPULoad),
		fmt.Sprintf("%.3f", s.ProcessCPULoad),
		fmt.Sprintf("%d", s.TotalReadFrames),
		fmt.Sprintf("%d", s.TotalEncodedFrames),
		fmt.Sprintf("%d", s.TotalErrors),
		fmt.Sprintf("%d", s.DeadStreams),
	}
}

// CSVLogger periodically appends system-wide stats to a CSV file.
type CSVLogger struct {
	path    string
	collect func() CSVStats
	logger  *slog.Logger
}

// NewCSVLogger creates a logger appending to path; collect produces each row.
func NewCSVLogger(path string, collect func() CSVStats, logger *slog.Logger) *CSVLogger {
	return &CSVLogger{path: path, collect: collect, logger: logger}
}

// Append collects one row and writes it, creating the file with the frozen
// header on first use.
func (l *CSVLogger) Append() error {
	stats := l.collect()

	writeHeader := false
	if fi, err := os.Stat(l.path); err != nil || fi.Size() == 0 {
		writeHeader = true
	}

	f, err := os.OpenFile(l.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("open csv %s: %w", l.path, err)
	}
	defer f.Close()

	w := csv.NewWriter(f)
	if writeHeader {
		if err := w.Write(csvHeader); err != nil {
			return fmt.Errorf("write csv header: %w", err)
		}
	}
	if err := w.Write(stats.Row(time.Now())); err != nil {
		return fmt.Errorf("write csv row: %w", err)
	}
	w.Flush()
	return w.Error()
}

// Run appends a row on every tick until the done channel closes.
func (l *CSVLogger) Run(interval time.Duration, done <-chan struct{}) {
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-done:
			return
		case <-t.C:
			if err := l.Append(); err != nil {
				l.logger.Warn("CSV append failed", "error", err)
			}
		}
	}
}
