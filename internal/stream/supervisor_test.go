package stream

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/camgate/camgate/internal/codec/codectest"
)

func testSupervisorConfig() SupervisorConfig {
	return SupervisorConfig{
		ReconnectDelay:     10 * time.Millisecond,
		ReconnectMax:       50 * time.Millisecond,
		ConnectCycles:      1,
		ConnectRetryDelay:  time.Millisecond,
		FirstFrameAttempts: 5,
		FirstFrameInterval: time.Millisecond,
		StartupSpacing:     10 * time.Millisecond,
	}
}

func newTestSupervisor(f *codectest.Factories) *Supervisor {
	return &Supervisor{
		OpenGrabber:    f.OpenGrabber,
		CreateRecorder: f.CreateRecorder,
		Pipeline:       testPipelineConfig(10),
		Config:         testSupervisorConfig(),
		Logger:         testLogger(),
	}
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", msg)
}

func TestSupervisorRunsAndStops(t *testing.T) {
	f := &codectest.Factories{
		Counters: &codectest.Counters{},
		Grabber:  codectest.GrabberOptions{FPS: 60},
	}
	sv := newTestSupervisor(f)
	st := New("cam_1", "rtsp://mock/ok", "/hls/cam_1/stream.m3u8", 1)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		sv.Run(ctx, st, RecorderTarget{PlaylistPath: "p", SegmentTemplate: "s"}, false)
		close(done)
	}()

	waitFor(t, 5*time.Second, func() bool { return st.State() == StateRunning }, "running state")

	st.RequestStop()
	cancel()
	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatal("supervisor did not return after stop")
	}

	if !f.Counters.NetZero() {
		t.Errorf("resources leaked: frames=%d grabbers=%d recorders=%d",
			f.Counters.LeakedFrames(), f.Counters.GrabbersOpen.Load(), f.Counters.RecordersOpen.Load())
	}
}

func TestSupervisorReconnectsOnStall(t *testing.T) {
	f := &codectest.Factories{
		Counters: &codectest.Counters{},
		// Liveness probe eats the first frame; the pipeline then stalls.
		Grabber: codectest.GrabberOptions{FPS: 60, Script: codectest.FramesThenNulls(2)},
	}
	sv := newTestSupervisor(f)
	st := New("cam_1", "rtsp://mock/stall", "/hls/cam_1/stream.m3u8", 1)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		sv.Run(ctx, st, RecorderTarget{}, false)
		close(done)
	}()

	waitFor(t, 10*time.Second, func() bool { return f.Opens() >= 3 }, "repeated grabber opens")

	if st.Reconnects() < 1 {
		t.Errorf("reconnects = %d, want >= 1", st.Reconnects())
	}

	st.RequestStop()
	cancel()
	<-done

	if !f.Counters.NetZero() {
		t.Errorf("resources leaked across reconnect cycles: frames=%d grabbers=%d recorders=%d",
			f.Counters.LeakedFrames(), f.Counters.GrabbersOpen.Load(), f.Counters.RecordersOpen.Load())
	}
}

func TestSupervisorStateTransitions(t *testing.T) {
	f := &codectest.Factories{
		Counters: &codectest.Counters{},
		Grabber:  codectest.GrabberOptions{FPS: 60, Script: codectest.FramesThenNulls(2)},
	}
	sv := newTestSupervisor(f)

	var mu sync.Mutex
	var seen []State
	sv.OnStateChange = func(name string, oldState, newState State) {
		mu.Lock()
		seen = append(seen, newState)
		mu.Unlock()
	}

	st := New("cam_1", "rtsp://mock/stall", "/hls/cam_1/stream.m3u8", 1)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		sv.Run(ctx, st, RecorderTarget{}, false)
		close(done)
	}()

	waitFor(t, 10*time.Second, func() bool {
		mu.Lock()
		defer mu.Unlock()
		for _, s := range seen {
			if s == StateReconnecting {
				return true
			}
		}
		return false
	}, "reconnecting transition")

	mu.Lock()
	var gotStarting, gotRunning bool
	for _, s := range seen {
		if s == StateStarting {
			gotStarting = true
		}
		if s == StateRunning {
			gotRunning = true
		}
	}
	mu.Unlock()
	if !gotStarting || !gotRunning {
		t.Errorf("missing transitions, saw %v", seen)
	}

	st.RequestStop()
	cancel()
	<-done
}

func TestSupervisorGateHeldAcrossFirstGrab(t *testing.T) {
	f := &codectest.Factories{
		Counters: &codectest.Counters{},
		Grabber:  codectest.GrabberOptions{FPS: 60},
	}
	sv := newTestSupervisor(f)
	sv.Config.StartupSpacing = 200 * time.Millisecond

	var mu sync.Mutex
	var acquires, releases int
	sv.AcquireStart = func(ctx context.Context) (func(), error) {
		mu.Lock()
		acquires++
		mu.Unlock()
		return func() {
			mu.Lock()
			releases++
			mu.Unlock()
		}, nil
	}

	st := New("cam_1", "rtsp://mock/ok", "/hls/cam_1/stream.m3u8", 1)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		sv.Run(ctx, st, RecorderTarget{}, true)
		close(done)
	}()

	waitFor(t, 5*time.Second, func() bool { return st.State() == StateRunning }, "running state")

	mu.Lock()
	a, r := acquires, releases
	mu.Unlock()
	if a != 1 {
		t.Errorf("gate acquired %d times, want 1", a)
	}
	if r != 0 {
		t.Errorf("gate released before the startup spacing elapsed")
	}

	waitFor(t, time.Second, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return releases == 1
	}, "gate release after spacing")

	st.RequestStop()
	cancel()
	<-done
}
