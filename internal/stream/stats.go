package stream

import (
	"math"
	"sync"
	"sync/atomic"
	"time"
)

func floatBits(f float64) uint64     { return math.Float64bits(f) }
func floatFromBits(b uint64) float64 { return math.Float64frombits(b) }

// Stats are cumulative per-stream counters. Counters survive reconnects and
// recycles; they are reporting-only and never drive control decisions.
type Stats struct {
	ReadFrames    atomic.Int64
	EncodedFrames atomic.Int64
	SkippedFrames atomic.Int64
	Errors        atomic.Int64
	IgnoredErrors atomic.Int64
	StartAttempts atomic.Int64

	currentFPS atomic.Uint64 // math.Float64bits

	mu          sync.Mutex
	sourceFPS   float64
	resolution  string
	sourceCodec string
	startTime   time.Time
}

// NewStats creates zeroed stats stamped with the current time.
func NewStats() *Stats {
	return &Stats{startTime: time.Now()}
}

// SetSource records the source properties discovered at connect.
func (s *Stats) SetSource(fps float64, resolution, codecName string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sourceFPS = fps
	s.resolution = resolution
	s.sourceCodec = codecName
}

// SetCurrentFPS publishes the measured output rate.
func (s *Stats) SetCurrentFPS(fps float64) {
	s.currentFPS.Store(floatBits(fps))
}

// CurrentFPS returns the most recently measured output rate.
func (s *Stats) CurrentFPS() float64 {
	return floatFromBits(s.currentFPS.Load())
}

// Snapshot is a point-in-time copy of the counters for reporting.
type Snapshot struct {
	ReadFrames    int64     `json:"read_frames"`
	EncodedFrames int64     `json:"encoded_frames"`
	SkippedFrames int64     `json:"skipped_frames"`
	Errors        int64     `json:"errors"`
	IgnoredErrors int64     `json:"ignored_errors"`
	StartAttempts int64     `json:"start_attempts"`
	SourceFPS     float64   `json:"source_fps"`
	CurrentFPS    float64   `json:"current_fps"`
	Resolution    string    `json:"resolution"`
	SourceCodec   string    `json:"source_codec"`
	StartTime     time.Time `json:"start_time"`
}

// Snapshot copies the counters.
func (s *Stats) Snapshot() Snapshot {
	s.mu.Lock()
	sourceFPS := s.sourceFPS
	resolution := s.resolution
	sourceCodec := s.sourceCodec
	startTime := s.startTime
	s.mu.Unlock()

	return Snapshot{
		ReadFrames:    s.ReadFrames.Load(),
		EncodedFrames: s.EncodedFrames.Load(),
		SkippedFrames: s.SkippedFrames.Load(),
		Errors:        s.Errors.Load(),
		IgnoredErrors: s.IgnoredErrors.Load(),
		StartAttempts: s.StartAttempts.Load(),
		SourceFPS:     sourceFPS,
		CurrentFPS:    s.CurrentFPS(),
		Resolution:    resolution,
		SourceCodec:   sourceCodec,
		StartTime:     startTime,
	}
}
