package ingest

import (
	"io"
	"log/slog"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/camgate/camgate/internal/codec"
	"github.com/camgate/camgate/internal/codec/codectest"
	"github.com/camgate/camgate/internal/stream"
)

func svcTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func fastSupervisorConfig() *stream.SupervisorConfig {
	return &stream.SupervisorConfig{
		ReconnectDelay:     10 * time.Millisecond,
		ReconnectMax:       30 * time.Millisecond,
		ConnectCycles:      1,
		ConnectRetryDelay:  time.Millisecond,
		FirstFrameAttempts: 3,
		FirstFrameInterval: time.Millisecond,
	}
}

func fastPipelineConfig() *stream.PipelineConfig {
	return &stream.PipelineConfig{
		TargetFPS:       10,
		MaxNullFrames:   20,
		MaxEncodeErrors: 3,
		EncodeTimeout:   time.Minute,
		LogInterval:     time.Second,
	}
}

func testConfig(t *testing.T) Config {
	cfg := DefaultConfig()
	cfg.HLSRoot = t.TempDir()
	cfg.WorkerThreads = 8
	cfg.StartupDelay = 5 * time.Millisecond
	cfg.StopWait = 2 * time.Second
	cfg.ShutdownGrace = 2 * time.Second
	// Background cadences are irrelevant here; tests drive scans directly.
	cfg.HealthInterval = time.Hour
	cfg.MemoryInterval = time.Hour
	cfg.CSVInterval = time.Hour
	return cfg
}

func newTestService(t *testing.T, f *codectest.Factories, mutate func(*Config)) *Service {
	t.Helper()
	cfg := testConfig(t)
	if mutate != nil {
		mutate(&cfg)
	}
	s := NewService(&ServiceOptions{
		Config:         cfg,
		Logger:         svcTestLogger(),
		OpenGrabber:    f.OpenGrabber,
		CreateRecorder: f.CreateRecorder,
		Supervisor:     fastSupervisorConfig(),
		Pipeline:       fastPipelineConfig(),
	})
	t.Cleanup(s.Shutdown)
	return s
}

func okFactories() *codectest.Factories {
	return &codectest.Factories{
		Counters: &codectest.Counters{},
		Grabber:  codectest.GrabberOptions{FPS: 60},
	}
}

func waitStatus(t *testing.T, s *Service, name, want string) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if s.Status(name) == want {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("stream %s never reached status %s (got %s)", name, want, s.Status(name))
}

func TestStartIdempotent(t *testing.T) {
	f := okFactories()
	s := newTestService(t, f, nil)

	path1, err := s.Start("rtsp://mock/ok", "cam_1")
	if err != nil {
		t.Fatalf("first start: %v", err)
	}
	if path1 != "/hls/cam_1/stream.m3u8" {
		t.Errorf("playlist path = %q", path1)
	}

	path2, err := s.Start("rtsp://mock/ok", "cam_1")
	if err != nil {
		t.Fatalf("second start: %v", err)
	}
	if path2 != path1 {
		t.Errorf("idempotent start returned %q, want %q", path2, path1)
	}
	if got := len(s.ListStreams()); got != 1 {
		t.Errorf("registered streams = %d, want 1", got)
	}
}

func TestStartSanitizesName(t *testing.T) {
	f := okFactories()
	s := newTestService(t, f, nil)

	path, err := s.Start("rtsp://mock/ok", "cam/../bad name")
	if err != nil {
		t.Fatal(err)
	}
	if path != "/hls/cam___bad_name/stream.m3u8" {
		t.Errorf("playlist path = %q", path)
	}
	if _, err := os.Stat(s.Tree().StreamDir("cam___bad_name")); err != nil {
		t.Errorf("sanitized stream dir missing: %v", err)
	}
}

func TestStartValidation(t *testing.T) {
	f := okFactories()
	s := newTestService(t, f, nil)

	if _, err := s.Start("", "cam_1"); !IsCode(err, ErrCodeInvalidArgument) {
		t.Errorf("empty url: got %v", err)
	}
	if _, err := s.Start("rtsp://mock/ok", ""); !IsCode(err, ErrCodeInvalidArgument) {
		t.Errorf("empty name: got %v", err)
	}
	if got := len(s.ListStreams()); got != 0 {
		t.Errorf("invalid starts registered %d streams", got)
	}
}

func TestCapacityGate(t *testing.T) {
	f := okFactories()
	s := newTestService(t, f, func(cfg *Config) {
		cfg.MaxStreams = 3
		cfg.StartupDelay = 0
	})

	for i, name := range []string{"cam_1", "cam_2", "cam_3"} {
		if _, err := s.Start("rtsp://mock/ok", name); err != nil {
			t.Fatalf("start %d: %v", i, err)
		}
	}

	if _, err := s.Start("rtsp://mock/ok", "cam_4"); !IsCode(err, ErrCodeCapacityExceeded) {
		t.Fatalf("expected CAPACITY_EXCEEDED, got %v", err)
	}

	s.Stop("cam_2")
	if _, err := s.Start("rtsp://mock/ok", "cam_4"); err != nil {
		t.Errorf("start after stop should succeed, got %v", err)
	}
}

func TestStopCleansDiskAndResources(t *testing.T) {
	f := okFactories()
	s := newTestService(t, f, nil)

	if _, err := s.Start("rtsp://mock/ok", "cam_1"); err != nil {
		t.Fatal(err)
	}
	waitStatus(t, s, "cam_1", StatusRunning)

	s.Stop("cam_1")

	if _, err := os.Stat(s.Tree().StreamDir("cam_1")); !os.IsNotExist(err) {
		t.Error("stream dir survives Stop")
	}
	if got := s.Status("cam_1"); got != StatusNotFound {
		t.Errorf("status after stop = %s", got)
	}
	if !f.Counters.NetZero() {
		t.Errorf("resources leaked after Stop: frames=%d grabbers=%d recorders=%d",
			f.Counters.LeakedFrames(), f.Counters.GrabbersOpen.Load(), f.Counters.RecordersOpen.Load())
	}
}

func TestStopUnknownIsNoop(t *testing.T) {
	s := newTestService(t, okFactories(), nil)
	s.Stop("never_started")
	s.Stop("never_started")
}

func TestFastStartStop(t *testing.T) {
	f := okFactories()
	s := newTestService(t, f, nil)

	if _, err := s.Start("rtsp://mock/ok", "cam_X"); err != nil {
		t.Fatal(err)
	}
	time.Sleep(50 * time.Millisecond)

	begin := time.Now()
	s.Stop("cam_X")
	if elapsed := time.Since(begin); elapsed > 3500*time.Millisecond {
		t.Errorf("Stop took %v, want < 3.5s", elapsed)
	}

	if _, err := os.Stat(s.Tree().StreamDir("cam_X")); !os.IsNotExist(err) {
		t.Error("stream dir survives fast stop")
	}
	if !f.Counters.NetZero() {
		t.Errorf("resources leaked: frames=%d grabbers=%d recorders=%d",
			f.Counters.LeakedFrames(), f.Counters.GrabbersOpen.Load(), f.Counters.RecordersOpen.Load())
	}
}

func TestShutdownRejectsStart(t *testing.T) {
	s := newTestService(t, okFactories(), nil)
	s.Shutdown()
	if _, err := s.Start("rtsp://mock/ok", "cam_1"); !IsCode(err, ErrCodeShuttingDown) {
		t.Errorf("expected SHUTTING_DOWN, got %v", err)
	}
}

func TestSerializedFirstGrab(t *testing.T) {
	counters := &codectest.Counters{}
	var mu sync.Mutex
	var openTimes []time.Time

	openGrabber := func(url string, opts codec.GrabberOptions) (codec.Grabber, error) {
		mu.Lock()
		openTimes = append(openTimes, time.Now())
		mu.Unlock()
		return codectest.NewGrabber(counters, codectest.GrabberOptions{FPS: 60}), nil
	}
	recorders := &codectest.Factories{Counters: counters}

	cfg := testConfig(t)
	cfg.StartupDelay = 150 * time.Millisecond
	s := NewService(&ServiceOptions{
		Config:         cfg,
		Logger:         svcTestLogger(),
		OpenGrabber:    openGrabber,
		CreateRecorder: recorders.CreateRecorder,
		Supervisor:     fastSupervisorConfig(),
		Pipeline:       fastPipelineConfig(),
	})
	t.Cleanup(s.Shutdown)

	if _, err := s.Start("rtsp://mock/ok", "cam_1"); err != nil {
		t.Fatal(err)
	}
	if _, err := s.Start("rtsp://mock/ok", "cam_2"); err != nil {
		t.Fatal(err)
	}
	waitStatus(t, s, "cam_1", StatusRunning)
	waitStatus(t, s, "cam_2", StatusRunning)

	mu.Lock()
	defer mu.Unlock()
	if len(openTimes) < 2 {
		t.Fatalf("expected two grabber opens, got %d", len(openTimes))
	}
	gap := openTimes[1].Sub(openTimes[0])
	if gap < 100*time.Millisecond {
		t.Errorf("second first-grab began %v after the first, want >= ~150ms spacing", gap)
	}
}

func TestSystemStats(t *testing.T) {
	f := okFactories()
	s := newTestService(t, f, nil)

	if _, err := s.Start("rtsp://mock/ok", "cam_1"); err != nil {
		t.Fatal(err)
	}
	waitStatus(t, s, "cam_1", StatusRunning)

	stats := s.SystemStats()
	if stats.ActiveStreams != 1 {
		t.Errorf("ActiveStreams = %d, want 1", stats.ActiveStreams)
	}
	if stats.Pool.Total != 8 {
		t.Errorf("Pool.Total = %d, want 8", stats.Pool.Total)
	}
	if stats.Memory.MaxMB != float64(DefaultConfig().MaxMemoryMB) {
		t.Errorf("Memory.MaxMB = %v", stats.Memory.MaxMB)
	}
}

func TestStreamStats(t *testing.T) {
	f := okFactories()
	s := newTestService(t, f, nil)

	if s.Stats("cam_1") != nil {
		t.Error("stats for unknown stream should be nil")
	}

	if _, err := s.Start("rtsp://mock/ok", "cam_1"); err != nil {
		t.Fatal(err)
	}
	waitStatus(t, s, "cam_1", StatusRunning)

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if snap := s.Stats("cam_1"); snap != nil && snap.ReadFrames > 0 {
			if snap.SourceFPS != 60 {
				t.Errorf("SourceFPS = %v, want 60", snap.SourceFPS)
			}
			if snap.Resolution != "1280x720" {
				t.Errorf("Resolution = %q", snap.Resolution)
			}
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("no frames counted")
}
