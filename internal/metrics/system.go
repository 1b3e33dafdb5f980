package metrics

import (
	"runtime"
	"sync"
	"time"

	"github.com/prometheus/procfs"
)

// SystemSample is one observation of process and host resource usage.
type SystemSample struct {
	UsedMemoryMB       float64
	MaxMemoryMB        float64
	MemoryUsagePercent float64
	SystemCPULoad      float64
	ProcessCPULoad     float64
}

// SystemSampler reads process RSS and CPU usage from procfs, falling back to
// runtime memory stats when procfs is unavailable. CPU loads are deltas
// between consecutive samples, so the first sample reports zero load.
type SystemSampler struct {
	maxMemoryMB float64

	mu           sync.Mutex
	fs           procfs.FS
	fsOK         bool
	proc         procfs.Proc
	procOK       bool
	prevWall     time.Time
	prevProcCPU  float64
	prevBusy     float64
	prevTotal    float64
	prevSampleOK bool
}

// NewSystemSampler creates a sampler judging memory pressure against
// maxMemoryMB.
func NewSystemSampler(maxMemoryMB int) *SystemSampler {
	s := &SystemSampler{maxMemoryMB: float64(maxMemoryMB)}
	if fs, err := procfs.NewDefaultFS(); err == nil {
		s.fs = fs
		s.fsOK = true
	}
	if proc, err := procfs.Self(); err == nil {
		s.proc = proc
		s.procOK = true
	}
	return s
}

// MaxMemoryMB returns the configured memory budget.
func (s *SystemSampler) MaxMemoryMB() float64 { return s.maxMemoryMB }

// Sample takes one observation.
func (s *SystemSampler) Sample() SystemSample {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := SystemSample{MaxMemoryMB: s.maxMemoryMB}
	out.UsedMemoryMB = s.usedMemoryMB()
	if s.maxMemoryMB > 0 {
		out.MemoryUsagePercent = out.UsedMemoryMB / s.maxMemoryMB * 100
	}

	now := time.Now()
	procCPU, procCPUOK := s.processCPUSeconds()
	busy, total, hostOK := s.hostCPUSeconds()

	if s.prevSampleOK {
		wall := now.Sub(s.prevWall).Seconds()
		if procCPUOK && wall > 0 {
			out.ProcessCPULoad = (procCPU - s.prevProcCPU) / wall / float64(runtime.NumCPU())
		}
		if hostOK && total > s.prevTotal {
			out.SystemCPULoad = (busy - s.prevBusy) / (total - s.prevTotal)
		}
	}

	s.prevWall = now
	s.prevProcCPU = procCPU
	s.prevBusy = busy
	s.prevTotal = total
	s.prevSampleOK = true
	return out
}

func (s *SystemSampler) usedMemoryMB() float64 {
	if s.procOK {
		if st, err := s.proc.Stat(); err == nil {
			return float64(st.ResidentMemory()) / (1 << 20)
		}
	}
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	return float64(ms.HeapAlloc) / (1 << 20)
}

func (s *SystemSampler) processCPUSeconds() (float64, bool) {
	if !s.procOK {
		return 0, false
	}
	st, err := s.proc.Stat()
	if err != nil {
		return 0, false
	}
	return st.CPUTime(), true
}

func (s *SystemSampler) hostCPUSeconds() (busy, total float64, ok bool) {
	if !s.fsOK {
		return 0, 0, false
	}
	st, err := s.fs.Stat()
	if err != nil {
		return 0, 0, false
	}
	c := st.CPUTotal
	busy = c.User + c.Nice + c.System + c.IRQ + c.SoftIRQ + c.Steal
	total = busy + c.Idle + c.Iowait
	return busy, total, true
}
