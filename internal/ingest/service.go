// Package ingest is the stream supervisor core: admission control, the
// per-stream registry, the fixed worker pool, the serialized startup gate,
// and the health and memory governors.
//
// The package is a library; it never listens on the network. The HTTP layer
// calls Start/Stop/Status/Stats and serves the written playlist files.
package ingest

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/camgate/camgate/internal/codec"
	"github.com/camgate/camgate/internal/events"
	"github.com/camgate/camgate/internal/hls"
	"github.com/camgate/camgate/internal/metrics"
	"github.com/camgate/camgate/internal/stream"
)

// Config carries the service-level tuning.
type Config struct {
	HLSRoot       string
	MaxStreams    int
	WorkerThreads int
	StartupDelay  time.Duration
	TargetFPS     int
	StopWait      time.Duration
	ShutdownGrace time.Duration

	ReconnectDelay time.Duration
	ReconnectMax   time.Duration

	StreamTimeout     time.Duration
	HealthInterval    time.Duration
	MaxHealthRecycles int

	MemoryInterval time.Duration
	MaxMemoryMB    int

	CSVPath     string
	CSVInterval time.Duration
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		HLSRoot:           "./hls",
		MaxStreams:        100,
		WorkerThreads:     60,
		StartupDelay:      800 * time.Millisecond,
		TargetFPS:         10,
		StopWait:          3 * time.Second,
		ShutdownGrace:     30 * time.Second,
		ReconnectDelay:    5 * time.Second,
		ReconnectMax:      60 * time.Second,
		StreamTimeout:     10 * time.Minute,
		HealthInterval:    2 * time.Minute,
		MaxHealthRecycles: 10,
		MemoryInterval:    time.Minute,
		MaxMemoryMB:       3072,
		CSVPath:           "./camgate-stats.csv",
		CSVInterval:       3 * time.Minute,
	}
}

// ServiceOptions contains optional wiring for NewService.
type ServiceOptions struct {
	Config Config
	Logger *slog.Logger
	// EventBus receives lifecycle events (optional).
	EventBus *events.Bus
	// OpenGrabber and CreateRecorder default to the FFmpeg adapters;
	// tests substitute mocks.
	OpenGrabber    codec.GrabberFactory
	CreateRecorder codec.RecorderFactory
	// Supervisor and Pipeline override the derived tuning (tests).
	Supervisor *stream.SupervisorConfig
	Pipeline   *stream.PipelineConfig
}

// Service owns the stream registry and everything that acts on it.
type Service struct {
	cfg     Config
	tree    *hls.Tree
	logger  *slog.Logger
	bus     *events.Bus
	pool    *WorkerPool
	gate    *semaphore.Weighted
	sampler *metrics.SystemSampler

	openGrabber    codec.GrabberFactory
	createRecorder codec.RecorderFactory
	supCfg         stream.SupervisorConfig
	pipeCfg        stream.PipelineConfig

	queuePos     atomic.Int64
	dead         atomic.Int64
	shuttingDown atomic.Bool

	mu      sync.RWMutex
	streams map[string]*stream.Stream

	periodicDone chan struct{}
	periodicWG   sync.WaitGroup

	// scanReads tracks per-stream read counters between health scans.
	// Touched only by the scanner goroutine.
	scanReads map[string]int64
}

// NewService creates the supervisor service. Call StartBackground to launch
// the periodic tasks and Shutdown to tear everything down.
func NewService(opts *ServiceOptions) *Service {
	cfg := opts.Config
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	supCfg := stream.DefaultSupervisorConfig()
	if opts.Supervisor != nil {
		supCfg = *opts.Supervisor
	}
	supCfg.StartupSpacing = cfg.StartupDelay
	if cfg.ReconnectDelay > 0 {
		supCfg.ReconnectDelay = cfg.ReconnectDelay
	}
	if cfg.ReconnectMax > 0 {
		supCfg.ReconnectMax = cfg.ReconnectMax
	}

	pipeCfg := stream.DefaultPipelineConfig(cfg.TargetFPS)
	if opts.Pipeline != nil {
		pipeCfg = *opts.Pipeline
	}

	openGrabber := opts.OpenGrabber
	if openGrabber == nil {
		openGrabber = codec.OpenRTSP
	}
	createRecorder := opts.CreateRecorder
	if createRecorder == nil {
		createRecorder = codec.CreateHLS
	}

	s := &Service{
		cfg:            cfg,
		tree:           hls.NewTree(cfg.HLSRoot, logger),
		logger:         logger,
		bus:            opts.EventBus,
		pool:           NewWorkerPool(cfg.WorkerThreads, cfg.MaxStreams, logger),
		gate:           semaphore.NewWeighted(1),
		sampler:        metrics.NewSystemSampler(cfg.MaxMemoryMB),
		openGrabber:    openGrabber,
		createRecorder: createRecorder,
		supCfg:         supCfg,
		pipeCfg:        pipeCfg,
		streams:        make(map[string]*stream.Stream),
		periodicDone:   make(chan struct{}),
		scanReads:      make(map[string]int64),
	}
	return s
}

// Tree exposes the HLS output tree (static file serving, startup sweep).
func (s *Service) Tree() *hls.Tree { return s.tree }

// Start admits a stream and returns its playlist path synchronously.
//
// Starting an already-registered name returns the existing path unchanged.
// Registration, directory creation and the returned path all happen before
// any I/O toward the camera.
func (s *Service) Start(rtspURL, streamName string) (string, error) {
	if strings.TrimSpace(rtspURL) == "" {
		return "", NewStreamError(ErrCodeInvalidArgument, "rtsp url must not be empty", nil)
	}
	name := hls.SanitizeName(streamName)
	if name == "" {
		return "", NewStreamError(ErrCodeInvalidArgument, "stream name must not be empty", nil)
	}
	if s.shuttingDown.Load() {
		return "", NewStreamError(ErrCodeShuttingDown, "service is shutting down", nil)
	}

	s.mu.Lock()
	if existing, ok := s.streams[name]; ok {
		s.mu.Unlock()
		return existing.PlaylistPath, nil
	}
	if len(s.streams) >= s.cfg.MaxStreams {
		s.mu.Unlock()
		return "", NewStreamError(ErrCodeCapacityExceeded, "maximum stream count reached", nil)
	}
	st := stream.New(name, rtspURL, s.tree.PlaylistPath(name), s.queuePos.Add(1))
	s.streams[name] = st
	active := len(s.streams)
	s.mu.Unlock()

	if err := s.tree.EnsureStreamDir(name); err != nil {
		s.mu.Lock()
		delete(s.streams, name)
		s.mu.Unlock()
		return "", NewStreamError(ErrCodeIO, "create output directory", err)
	}

	metrics.SetActiveStreams(active)
	s.publish(events.StreamStartedEvent{
		Stream: name, RTSPURL: rtspURL, Playlist: st.PlaylistPath, Timestamp: now(),
	})
	s.logger.Info("Stream admitted", "stream", name, "queue_pos", st.QueuePos, "playlist", st.PlaylistPath)

	s.launchWorker(st, true)
	return st.PlaylistPath, nil
}

// Stop signals a stream to stop, waits briefly for voluntary exit, then
// releases its resources and deletes its segments. Idempotent.
func (s *Service) Stop(streamName string) {
	name := hls.SanitizeName(streamName)

	s.mu.Lock()
	st, ok := s.streams[name]
	if ok {
		delete(s.streams, name)
	}
	active := len(s.streams)
	s.mu.Unlock()
	if !ok {
		return
	}

	metrics.SetActiveStreams(active)
	s.teardown(st, "stop requested", false)
}

// teardown stops the worker and removes every trace of the stream. The
// registry entry must already be gone so a concurrent Start can re-admit.
func (s *Service) teardown(st *stream.Stream, reason string, dead bool) {
	st.RequestStop()
	done := st.WorkerDone()
	st.CancelWorker()
	if done != nil {
		select {
		case <-done:
		case <-time.After(s.cfg.StopWait):
			s.logger.Warn("Worker did not exit in time, cleaning up anyway",
				"stream", st.Name, "wait", s.cfg.StopWait)
		}
	}

	final := stream.StateStopped
	if dead {
		final = stream.StateFailed
		s.dead.Add(1)
		metrics.AddDeadStream()
	}
	old := st.SetState(final)
	if old != final {
		s.publish(events.StreamStateChangedEvent{
			Stream: st.Name, OldState: string(old), NewState: string(final), Timestamp: now(),
		})
	}

	s.tree.RemoveStreamDir(st.Name)
	metrics.RemoveStream(st.Name)

	snap := st.Stats.Snapshot()
	s.logger.Info("Stream stopped",
		"stream", st.Name, "reason", reason, "dead", dead,
		"read", snap.ReadFrames, "encoded", snap.EncodedFrames,
		"skipped", snap.SkippedFrames, "errors", snap.Errors,
		"uptime", time.Since(snap.StartTime).Round(time.Second))

	s.publish(events.StreamStoppedEvent{
		Stream: st.Name, Reason: reason, Dead: dead, Timestamp: now(),
	})
}

// launchWorker binds a fresh worker run to the stream and schedules it.
func (s *Service) launchWorker(st *stream.Stream, gated bool) {
	ctx, cancel := context.WithCancel(context.Background())
	done := st.BindWorker(cancel)

	sv := &stream.Supervisor{
		OpenGrabber:    s.openGrabber,
		CreateRecorder: s.createRecorder,
		GrabberOpts:    codec.DefaultGrabberOptions(),
		RecorderOpts:   codec.DefaultRecorderOptions(s.cfg.TargetFPS),
		Pipeline:       s.pipeCfg,
		Config:         s.supCfg,
		Logger:         s.logger,
		AcquireStart:   s.acquireStart,
		OnStateChange:  s.onStateChange,
	}
	target := stream.RecorderTarget{
		PlaylistPath:    s.tree.PlaylistFile(st.Name),
		SegmentTemplate: s.tree.SegmentTemplate(st.Name),
	}

	s.pool.Submit(func() {
		defer close(done)
		sv.Run(ctx, st, target, gated)
	})
}

// acquireStart is the single-permit startup gate handed to supervisors.
func (s *Service) acquireStart(ctx context.Context) (func(), error) {
	if err := s.gate.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	var once sync.Once
	return func() {
		once.Do(func() { s.gate.Release(1) })
	}, nil
}

func (s *Service) onStateChange(name string, oldState, newState stream.State) {
	if newState == stream.StateReconnecting {
		metrics.AddReconnect(name)
	}
	s.publish(events.StreamStateChangedEvent{
		Stream: name, OldState: string(oldState), NewState: string(newState), Timestamp: now(),
	})
}

// Status values surfaced to callers.
const (
	StatusNotFound = "not_found"
	StatusStarting = "starting"
	StatusRunning  = "running"
	StatusStopped  = "stopped"
)

// Status reports the coarse lifecycle phase of a stream.
func (s *Service) Status(streamName string) string {
	name := hls.SanitizeName(streamName)
	s.mu.RLock()
	st, ok := s.streams[name]
	s.mu.RUnlock()
	if !ok {
		return StatusNotFound
	}
	switch st.State() {
	case stream.StateQueued, stream.StateStarting:
		return StatusStarting
	case stream.StateRunning, stream.StateReconnecting:
		return StatusRunning
	default:
		return StatusStopped
	}
}

// Stats returns a snapshot of a stream's counters, or nil when unknown.
func (s *Service) Stats(streamName string) *stream.Snapshot {
	name := hls.SanitizeName(streamName)
	s.mu.RLock()
	st, ok := s.streams[name]
	s.mu.RUnlock()
	if !ok {
		return nil
	}
	snap := st.Stats.Snapshot()
	return &snap
}

// PoolStats describes the worker pool.
type PoolStats struct {
	Active    int64 `json:"active"`
	Total     int   `json:"total"`
	QueueSize int   `json:"queue_size"`
}

// MemoryStats describes process memory against the configured budget.
type MemoryStats struct {
	UsedMB      float64 `json:"used_mb"`
	MaxMB       float64 `json:"max_mb"`
	UsedPercent float64 `json:"used_percent"`
}

// CPUStats describes host and process CPU load.
type CPUStats struct {
	SystemLoad  float64 `json:"system_load"`
	ProcessLoad float64 `json:"process_load"`
}

// SystemStats is the system-wide report.
type SystemStats struct {
	ActiveStreams int         `json:"active_streams"`
	QueueSize     int         `json:"queue_size"`
	Pool          PoolStats   `json:"pool"`
	Memory        MemoryStats `json:"memory"`
	CPU           *CPUStats   `json:"cpu,omitempty"`
	DeadStreams   int64       `json:"dead_streams"`
}

// SystemStats reports system-wide state.
func (s *Service) SystemStats() SystemStats {
	s.mu.RLock()
	active := len(s.streams)
	queued := 0
	for _, st := range s.streams {
		if st.State() == stream.StateQueued {
			queued++
		}
	}
	s.mu.RUnlock()

	sample := s.sampler.Sample()
	return SystemStats{
		ActiveStreams: active,
		QueueSize:     queued,
		Pool: PoolStats{
			Active:    s.pool.Active(),
			Total:     s.pool.Size(),
			QueueSize: s.pool.QueueSize(),
		},
		Memory: MemoryStats{
			UsedMB:      sample.UsedMemoryMB,
			MaxMB:       sample.MaxMemoryMB,
			UsedPercent: sample.MemoryUsagePercent,
		},
		CPU: &CPUStats{
			SystemLoad:  sample.SystemCPULoad,
			ProcessLoad: sample.ProcessCPULoad,
		},
		DeadStreams: s.dead.Load(),
	}
}

// ListStreams returns the names of all registered streams.
func (s *Service) ListStreams() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	names := make([]string, 0, len(s.streams))
	for name := range s.streams {
		names = append(names, name)
	}
	return names
}

// snapshotStreams copies the registry values for iteration without the lock.
func (s *Service) snapshotStreams() []*stream.Stream {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*stream.Stream, 0, len(s.streams))
	for _, st := range s.streams {
		out = append(out, st)
	}
	return out
}

// removeIfPresent removes a stream from the registry, reporting whether this
// caller won the removal.
func (s *Service) removeIfPresent(name string) (*stream.Stream, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.streams[name]
	if ok {
		delete(s.streams, name)
		metrics.SetActiveStreams(len(s.streams))
	}
	return st, ok
}

// Shutdown stops periodic tasks, then all streams, then drains the pool.
func (s *Service) Shutdown() {
	if !s.shuttingDown.CompareAndSwap(false, true) {
		return
	}
	s.logger.Info("Ingest service shutting down")
	close(s.periodicDone)
	s.periodicWG.Wait()

	for _, name := range s.ListStreams() {
		s.Stop(name)
	}
	s.pool.Shutdown(s.cfg.ShutdownGrace)
	s.logger.Info("Ingest service stopped")
}

func (s *Service) publish(ev events.Event) {
	if s.bus != nil {
		s.bus.Publish(ev)
	}
}

func now() string {
	return time.Now().UTC().Format(time.RFC3339)
}
