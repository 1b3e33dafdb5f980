package stream

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/camgate/camgate/internal/codec"
)

// PipelineConfig tunes the frame loop.
type PipelineConfig struct {
	// TargetFPS is the output frame rate.
	TargetFPS int
	// MaxNullFrames is how many consecutive empty grabs count as a stall.
	MaxNullFrames int
	// MaxEncodeErrors is how many consecutive encode failures are fatal.
	MaxEncodeErrors int
	// EncodeTimeout is the longest tolerated gap between successful encodes.
	EncodeTimeout time.Duration
	// LogInterval is how often the loop refreshes currentFps and logs.
	LogInterval time.Duration
}

// DefaultPipelineConfig returns the production frame-loop tuning.
func DefaultPipelineConfig(targetFPS int) PipelineConfig {
	return PipelineConfig{
		TargetFPS:       targetFPS,
		MaxNullFrames:   500,
		MaxEncodeErrors: 20,
		EncodeTimeout:   3 * time.Minute,
		LogInterval:     10 * time.Second,
	}
}

// ClampSourceFPS maps the camera's advertised rate into [1, 60], defaulting
// to 25 when unknown. IP cameras routinely advertise 0 or garbage.
func ClampSourceFPS(fps float64) float64 {
	if fps <= 0 || math.IsNaN(fps) {
		return 25
	}
	if fps < 1 {
		return 1
	}
	if fps > 60 {
		return 60
	}
	return fps
}

// SkipRatio returns how many read frames map onto one encoded frame.
func SkipRatio(sourceFPS float64, targetFPS int) int {
	if targetFPS <= 0 {
		return 1
	}
	r := int(math.Round(sourceFPS / float64(targetFPS)))
	if r < 1 {
		r = 1
	}
	return r
}

// nullFrameSleep grows the idle wait as consecutive empty grabs accumulate.
func nullFrameSleep(consecutive int) time.Duration {
	switch {
	case consecutive < 10:
		return 5 * time.Millisecond
	case consecutive < 100:
		return 10 * time.Millisecond
	case consecutive < 300:
		return 20 * time.Millisecond
	default:
		return 50 * time.Millisecond
	}
}

// RunPipeline moves frames from the grabber to the recorder until the stream
// is stopped, the context is cancelled, or a fatal condition arises. Reads are
// paced to the source cadence; every skipRatio-th valid frame is encoded.
//
// The caller owns the grabber and recorder. RunPipeline guarantees every
// grabbed frame is released before the next grab, on every path.
func RunPipeline(ctx context.Context, st *Stream, g codec.Grabber, rec codec.Recorder, cfg PipelineConfig, logger *slog.Logger) error {
	sourceFPS := ClampSourceFPS(g.SourceFPS())
	skip := SkipRatio(sourceFPS, cfg.TargetFPS)
	frameInterval := time.Duration(float64(time.Second) / sourceFPS)

	logger.Info("Pipeline started",
		"stream", st.Name, "source_fps", sourceFPS, "target_fps", cfg.TargetFPS, "skip_ratio", skip)

	var (
		frameCounter      int64
		nullFrames        int
		encodeErrors      int
		lastRead          time.Time
		lastEncodeOK      = time.Now()
		lastReport        = time.Now()
		encodedAtReport   int64
		lastReportedFPS   float64
	)

	for {
		if st.StopRequested() || ctx.Err() != nil {
			return nil
		}

		// Pace reads to the source cadence so the reader never gallops
		// ahead when the network momentarily buffers.
		if !lastRead.IsZero() {
			if since := time.Since(lastRead); since < frameInterval {
				sleepCtx(ctx, frameInterval-since)
			}
		}
		lastRead = time.Now()

		frame, err := g.Grab()
		if err != nil {
			if codec.IsTransient(err) {
				st.Stats.IgnoredErrors.Add(1)
				sleepCtx(ctx, 5*time.Millisecond)
				continue
			}
			st.Stats.Errors.Add(1)
			return err
		}

		if frame == nil {
			nullFrames++
			if nullFrames >= cfg.MaxNullFrames {
				st.Stats.Errors.Add(1)
				return fmt.Errorf("%w: %d consecutive null frames", codec.ErrStalled, nullFrames)
			}
			sleepCtx(ctx, nullFrameSleep(nullFrames))
			continue
		}
		nullFrames = 0

		if !frame.HasImage() {
			frame.Release()
			sleepCtx(ctx, 5*time.Millisecond)
			continue
		}

		st.MarkFrame()
		st.Stats.ReadFrames.Add(1)
		frameCounter++

		err = func() error {
			defer frame.Release()

			if frameCounter%int64(skip) != 0 {
				st.Stats.SkippedFrames.Add(1)
				return nil
			}
			if recErr := rec.Record(frame); recErr != nil {
				st.Stats.Errors.Add(1)
				encodeErrors++
				if encodeErrors >= cfg.MaxEncodeErrors {
					return fmt.Errorf("%w: %d consecutive encode errors: %v",
						codec.ErrEncoderFailure, encodeErrors, recErr)
				}
				return nil
			}
			encodeErrors = 0
			lastEncodeOK = time.Now()
			st.Stats.EncodedFrames.Add(1)
			return nil
		}()
		if err != nil {
			return err
		}

		if time.Since(lastEncodeOK) > cfg.EncodeTimeout {
			st.Stats.Errors.Add(1)
			return fmt.Errorf("%w: no successful encode in %s", codec.ErrEncodeTimeout, cfg.EncodeTimeout)
		}

		if time.Since(lastReport) >= cfg.LogInterval {
			encoded := st.Stats.EncodedFrames.Load()
			elapsed := time.Since(lastReport).Seconds()
			fps := float64(encoded-encodedAtReport) / elapsed
			st.Stats.SetCurrentFPS(fps)
			if fps != lastReportedFPS {
				logger.Debug("Pipeline progress",
					"stream", st.Name,
					"read", st.Stats.ReadFrames.Load(),
					"encoded", encoded,
					"skipped", st.Stats.SkippedFrames.Load(),
					"ignored_errors", st.Stats.IgnoredErrors.Load(),
					"fps", fmt.Sprintf("%.1f", fps))
			}
			lastReport = time.Now()
			encodedAtReport = encoded
			lastReportedFPS = fps
		}
	}
}

// sleepCtx sleeps for d or until the context is cancelled.
func sleepCtx(ctx context.Context, d time.Duration) {
	if d <= 0 {
		return
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
