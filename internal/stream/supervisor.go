package stream

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/camgate/camgate/internal/codec"
)

// StateChangeCallback is invoked on every lifecycle transition.
// Used for domain-specific reactions (events, metrics).
type StateChangeCallback func(name string, oldState, newState State)

// SupervisorConfig tunes connection and reconnection behavior.
type SupervisorConfig struct {
	// ReconnectDelay is the base of the linear backoff between pipeline runs.
	ReconnectDelay time.Duration
	// ReconnectMax caps the backoff.
	ReconnectMax time.Duration
	// ConnectCycles is how many passes over the candidate URL list one
	// connection attempt makes.
	ConnectCycles int
	// ConnectRetryDelay is the linear backoff base between candidate cycles.
	ConnectRetryDelay time.Duration
	// FirstFrameAttempts bounds the liveness probe after a grabber opens.
	FirstFrameAttempts int
	// FirstFrameInterval is the wait between liveness probe grabs.
	FirstFrameInterval time.Duration
	// StartupSpacing is the inter-start spacing enforced behind the gate.
	StartupSpacing time.Duration
}

// DefaultSupervisorConfig returns the production reconnect tuning.
func DefaultSupervisorConfig() SupervisorConfig {
	return SupervisorConfig{
		ReconnectDelay:     5 * time.Second,
		ReconnectMax:       60 * time.Second,
		ConnectCycles:      3,
		ConnectRetryDelay:  time.Second,
		FirstFrameAttempts: 70,
		FirstFrameInterval: 100 * time.Millisecond,
		StartupSpacing:     800 * time.Millisecond,
	}
}

// RecorderTarget names where a stream's recorder writes.
type RecorderTarget struct {
	PlaylistPath    string
	SegmentTemplate string
}

// Supervisor runs one stream's pipeline inside an auto-reconnect wrapper.
// Reconnects are unbounded here; only the health scanner retires a stream
// that stays up without producing frames.
type Supervisor struct {
	OpenGrabber    codec.GrabberFactory
	CreateRecorder codec.RecorderFactory
	GrabberOpts    codec.GrabberOptions
	RecorderOpts   codec.RecorderOptions
	Pipeline       PipelineConfig
	Config         SupervisorConfig
	Logger         *slog.Logger

	// AcquireStart serializes first-grabs across streams. Returns a release
	// function. Nil disables gating (tests); health-scanner recycles skip
	// the gate through Run's gated argument instead.
	AcquireStart func(ctx context.Context) (func(), error)

	// OnStateChange is invoked on every transition (optional).
	OnStateChange StateChangeCallback
}

// Run drives the stream until stop is requested or the context is cancelled.
// gated selects whether the first connection passes the startup gate; the
// initial start is gated, health-scanner recycles are not.
func (sv *Supervisor) Run(ctx context.Context, st *Stream, target RecorderTarget, gated bool) {
	first := true
	for {
		if st.StopRequested() || ctx.Err() != nil {
			return
		}

		err := sv.runOnce(ctx, st, target, gated && first)
		first = false

		if st.StopRequested() || ctx.Err() != nil {
			return
		}

		attempt := st.addReconnect()
		sv.transition(st, StateReconnecting)
		delay := sv.Config.ReconnectDelay * time.Duration(attempt)
		if delay > sv.Config.ReconnectMax {
			delay = sv.Config.ReconnectMax
		}
		sv.Logger.Warn("Pipeline exited, reconnecting",
			"stream", st.Name, "attempt", attempt, "delay", delay, "error", err)
		sleepCtx(ctx, delay)
	}
}

// runOnce performs one connect → pipeline → teardown cycle.
func (sv *Supervisor) runOnce(ctx context.Context, st *Stream, target RecorderTarget, gated bool) error {
	st.Stats.StartAttempts.Add(1)
	sv.transition(st, StateStarting)

	var g codec.Grabber
	var err error
	if gated && sv.AcquireStart != nil {
		release, aerr := sv.AcquireStart(ctx)
		if aerr != nil {
			return aerr
		}
		// The permit covers the first grab only; hand it to the next stream
		// after the configured spacing, not when the pipeline ends.
		g, err = sv.connect(ctx, st)
		time.AfterFunc(sv.Config.StartupSpacing, release)
	} else {
		g, err = sv.connect(ctx, st)
	}
	if err != nil {
		return err
	}

	width, height := g.Dimensions()
	if width <= 0 || height <= 0 {
		width, height = 1280, 720
	}
	fps := ClampSourceFPS(g.SourceFPS())
	st.Stats.SetSource(fps, fmt.Sprintf("%dx%d", width, height), g.VideoCodec())

	rec, err := sv.CreateRecorder(target.PlaylistPath, width, height, sv.recorderOpts(target))
	if err != nil {
		_ = g.Close()
		st.Stats.Errors.Add(1)
		return fmt.Errorf("create recorder: %w", err)
	}

	sv.transition(st, StateRunning)
	sv.Logger.Info("Stream running",
		"stream", st.Name, "resolution", fmt.Sprintf("%dx%d", width, height),
		"source_fps", fps, "codec", g.VideoCodec())

	pipeErr := RunPipeline(ctx, st, g, rec, sv.Pipeline, sv.Logger)

	// Teardown order matters: stop the sink before the source so the last
	// segment is finalized, and release both on every path.
	if cerr := rec.Close(); cerr != nil {
		sv.Logger.Warn("Recorder close failed", "stream", st.Name, "error", cerr)
	}
	if cerr := g.Close(); cerr != nil {
		sv.Logger.Warn("Grabber close failed", "stream", st.Name, "error", cerr)
	}
	return pipeErr
}

// connect opens the grabber, cycling through candidate URLs with linear
// backoff, and confirms liveness by grabbing and releasing one frame.
func (sv *Supervisor) connect(ctx context.Context, st *Stream) (codec.Grabber, error) {
	candidates := codec.CandidateURLs(st.RTSPURL)
	var lastErr error

	for cycle := 0; cycle < sv.Config.ConnectCycles; cycle++ {
		if st.StopRequested() || ctx.Err() != nil {
			return nil, context.Canceled
		}
		for _, url := range candidates {
			g, err := sv.OpenGrabber(url, sv.GrabberOpts)
			if err != nil {
				lastErr = err
				st.Stats.Errors.Add(1)
				continue
			}
			if sv.probeLiveness(ctx, st, g) {
				return g, nil
			}
			_ = g.Close()
			lastErr = fmt.Errorf("no live frame from %s", url)
		}
		sleepCtx(ctx, sv.Config.ConnectRetryDelay*time.Duration(cycle+1))
	}
	if lastErr == nil {
		lastErr = codec.ErrConnectionLost
	}
	return nil, fmt.Errorf("connect %s: %w", st.Name, lastErr)
}

// probeLiveness grabs until one frame with an image payload arrives, then
// releases it. The grabber is connected only once this succeeds.
func (sv *Supervisor) probeLiveness(ctx context.Context, st *Stream, g codec.Grabber) bool {
	for i := 0; i < sv.Config.FirstFrameAttempts; i++ {
		if st.StopRequested() || ctx.Err() != nil {
			return false
		}
		frame, err := g.Grab()
		if err != nil {
			if codec.IsTransient(err) {
				st.Stats.IgnoredErrors.Add(1)
				sleepCtx(ctx, sv.Config.FirstFrameInterval)
				continue
			}
			return false
		}
		if frame != nil {
			ok := frame.HasImage()
			frame.Release()
			if ok {
				return true
			}
		}
		sleepCtx(ctx, sv.Config.FirstFrameInterval)
	}
	return false
}

func (sv *Supervisor) recorderOpts(target RecorderTarget) codec.RecorderOptions {
	opts := sv.RecorderOpts
	opts.TargetFPS = sv.Pipeline.TargetFPS
	opts.SegmentTemplate = target.SegmentTemplate
	return opts
}

func (sv *Supervisor) transition(st *Stream, next State) {
	prev := st.SetState(next)
	if prev != next && sv.OnStateChange != nil {
		sv.OnStateChange(st.Name, prev, next)
	}
}
