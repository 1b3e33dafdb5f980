package ingest

import (
	"runtime"
	"sort"
	"time"

	"github.com/camgate/camgate/internal/events"
	"github.com/camgate/camgate/internal/metrics"
	"github.com/camgate/camgate/internal/stream"
)

// Memory watermarks. Above gcWatermark the governor hints a GC; above
// evictWatermark it stops the oldest streams. Eviction is a last resort:
// correctness of the remaining streams beats completeness of capacity.
const (
	gcWatermarkPct    = 85.0
	evictWatermarkPct = 95.0
	evictCount        = 5
)

// StartBackground launches the health scanner, the memory governor and the
// CSV logger. They run until Shutdown.
func (s *Service) StartBackground() {
	s.runPeriodic("health scanner", s.cfg.HealthInterval, s.scanOnce)
	s.runPeriodic("memory governor", s.cfg.MemoryInterval, s.memoryCheck)

	csvLogger := metrics.NewCSVLogger(s.cfg.CSVPath, s.CollectCSV, s.logger)
	s.periodicWG.Add(1)
	go func() {
		defer s.periodicWG.Done()
		csvLogger.Run(s.cfg.CSVInterval, s.periodicDone)
	}()
}

func (s *Service) runPeriodic(name string, interval time.Duration, fn func()) {
	s.periodicWG.Add(1)
	go func() {
		defer s.periodicWG.Done()
		t := time.NewTicker(interval)
		defer t.Stop()
		for {
			select {
			case <-s.periodicDone:
				return
			case <-t.C:
				fn()
			}
		}
	}()
	s.logger.Debug("Periodic task started", "task", name, "interval", interval)
}

// scanOnce is one health pass: streams whose pipeline has been up without
// producing a frame for StreamTimeout get recycled; streams that exhaust the
// recycle budget are finalized as dead. Any frame observed since the prior
// scan clears the recycle counter. Liveness is judged on the read-frame
// counter, not lastFrameAt, because recycling resets the latter.
func (s *Service) scanOnce() {
	nowT := time.Now()
	seen := make(map[string]bool, len(s.scanReads))

	for _, st := range s.snapshotStreams() {
		state := st.State()
		if state == stream.StateStopped || state == stream.StateFailed {
			continue
		}
		seen[st.Name] = true

		reads := st.Stats.ReadFrames.Load()
		prevReads, tracked := s.scanReads[st.Name]
		s.scanReads[st.Name] = reads
		if tracked && reads > prevReads && st.Recycles() > 0 {
			st.ResetRecycles()
		}

		last := st.LastFrameAt()
		if last.IsZero() {
			last = st.StartTime
		}

		if nowT.Sub(last) <= s.cfg.StreamTimeout {
			s.publishStreamMetrics(st)
			continue
		}

		if st.Recycles() >= int64(s.cfg.MaxHealthRecycles) {
			s.logger.Warn("Recycle budget exhausted, finalizing stream",
				"stream", st.Name, "recycles", st.Recycles())
			if got, ok := s.removeIfPresent(st.Name); ok {
				s.teardown(got, "no frames within recycle budget", true)
			}
			continue
		}

		s.recycle(st)
	}

	// Drop tracking for streams that are gone.
	for name := range s.scanReads {
		if !seen[name] {
			delete(s.scanReads, name)
		}
	}
}

// recycle cancels the current worker and resubmits the stream, bypassing the
// startup gate. Stats stay cumulative across recycles.
func (s *Service) recycle(st *stream.Stream) {
	n := st.AddRecycle()
	metrics.AddRecycle(st.Name)
	s.logger.Warn("Recycling stalled stream",
		"stream", st.Name, "recycle", n, "last_frame", st.LastFrameAt())

	done := st.WorkerDone()
	st.CancelWorker()
	if done != nil {
		select {
		case <-done:
		case <-time.After(s.cfg.StopWait):
			s.logger.Warn("Worker did not exit before recycle, resubmitting anyway", "stream", st.Name)
		}
	}
	if st.StopRequested() {
		return
	}

	st.ResetLastFrameAt()
	s.publish(events.StreamRecycledEvent{Stream: st.Name, Recycles: n, Timestamp: now()})
	s.launchWorker(st, false)
}

// memoryCheck is one governor pass over process memory.
func (s *Service) memoryCheck() {
	sample := s.sampler.Sample()
	switch {
	case sample.MemoryUsagePercent > evictWatermarkPct:
		s.logger.Error("Memory critical, evicting oldest streams",
			"used_mb", sample.UsedMemoryMB, "max_mb", sample.MaxMemoryMB,
			"used_percent", sample.MemoryUsagePercent)
		s.evictOldest(evictCount)
	case sample.MemoryUsagePercent > gcWatermarkPct:
		s.logger.Warn("Memory high, requesting GC",
			"used_mb", sample.UsedMemoryMB, "used_percent", sample.MemoryUsagePercent)
		runtime.GC()
	}
}

// evictOldest stops the n streams with the oldest start time.
func (s *Service) evictOldest(n int) {
	streams := s.snapshotStreams()
	sort.Slice(streams, func(i, j int) bool {
		return streams[i].StartTime.Before(streams[j].StartTime)
	})
	if len(streams) > n {
		streams = streams[:n]
	}
	for _, st := range streams {
		s.logger.Warn("Emergency eviction", "stream", st.Name, "started", st.StartTime)
		if got, ok := s.removeIfPresent(st.Name); ok {
			s.teardown(got, "emergency memory eviction", false)
		}
	}
}

// publishStreamMetrics refreshes the per-stream Prometheus series.
func (s *Service) publishStreamMetrics(st *stream.Stream) {
	snap := st.Stats.Snapshot()
	metrics.SetStreamFPS(st.Name, snap.CurrentFPS)
	metrics.SetFramesRead(st.Name, float64(snap.ReadFrames))
	metrics.SetFramesEncoded(st.Name, float64(snap.EncodedFrames))
}

// CollectCSV produces one system-wide CSV row.
func (s *Service) CollectCSV() metrics.CSVStats {
	var read, encoded, errs int64
	streams := s.snapshotStreams()
	queued := 0
	for _, st := range streams {
		snap := st.Stats.Snapshot()
		read += snap.ReadFrames
		encoded += snap.EncodedFrames
		errs += snap.Errors
		if st.State() == stream.StateQueued {
			queued++
		}
	}

	sample := s.sampler.Sample()
	metrics.SetQueuedStreams(queued)
	return metrics.CSVStats{
		ActiveStreams:      len(streams),
		WorkerThreads:      s.pool.Size(),
		ActiveThreads:      int(s.pool.Active()),
		QueueSize:          queued,
		UsedMemoryMB:       sample.UsedMemoryMB,
		MaxMemoryMB:        sample.MaxMemoryMB,
		MemoryUsagePercent: sample.MemoryUsagePercent,
		SystemCPULoad:      sample.SystemCPULoad,
		ProcessCPULoad:     sample.ProcessCPULoad,
		TotalReadFrames:    read,
		TotalEncodedFrames: encoded,
		TotalErrors:        errs,
		DeadStreams:        s.dead.Load(),
	}
}
