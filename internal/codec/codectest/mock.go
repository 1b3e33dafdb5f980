// Package codectest provides mock codec implementations with allocation
// counters so pipeline and service tests can assert that every frame, grabber
// and recorder handle is released on every control-flow path.
package codectest

import (
	"sync"
	"sync/atomic"

	"github.com/camgate/camgate/internal/codec"
)

// Counters tracks mock resource allocation across a test.
type Counters struct {
	FramesAllocated atomic.Int64
	FramesReleased  atomic.Int64
	DoubleReleases  atomic.Int64
	GrabbersOpen    atomic.Int64
	RecordersOpen   atomic.Int64
}

// LeakedFrames returns allocated minus released frames.
func (c *Counters) LeakedFrames() int64 {
	return c.FramesAllocated.Load() - c.FramesReleased.Load()
}

// NetZero reports whether every allocated resource has been released.
func (c *Counters) NetZero() bool {
	return c.LeakedFrames() == 0 && c.GrabbersOpen.Load() == 0 && c.RecordersOpen.Load() == 0
}

// Frame is a mock decoded frame.
type Frame struct {
	W, H     int
	Empty    bool
	counters *Counters
	released atomic.Bool
}

func (f *Frame) Width() int  { return f.W }
func (f *Frame) Height() int { return f.H }

func (f *Frame) HasImage() bool {
	return !f.Empty && f.W > 0 && f.H > 0
}

func (f *Frame) Release() {
	if !f.released.CompareAndSwap(false, true) {
		f.counters.DoubleReleases.Add(1)
		return
	}
	f.counters.FramesReleased.Add(1)
}

// Step is one scripted Grab outcome.
type Step struct {
	Frame bool  // produce a frame
	Empty bool  // the produced frame has no image payload
	Err   error // returned instead of a frame
}

// Script decides the outcome of the n-th Grab call (0-based).
type Script func(call int) Step

// AlwaysFrames yields a frame on every call.
func AlwaysFrames() Script {
	return func(int) Step { return Step{Frame: true} }
}

// FramesThenNulls yields n frames, then nulls forever.
func FramesThenNulls(n int) Script {
	return func(call int) Step { return Step{Frame: call < n} }
}

// Nulls never yields a frame.
func Nulls() Script {
	return func(int) Step { return Step{} }
}

// GrabberOptions configure a mock grabber.
type GrabberOptions struct {
	FPS       float64
	W, H      int
	CodecName string
	Script    Script
}

// Grabber is a scripted mock grabber.
type Grabber struct {
	opts     GrabberOptions
	counters *Counters

	mu     sync.Mutex
	calls  int
	closed bool
}

// NewGrabber creates an open mock grabber and counts it.
func NewGrabber(c *Counters, opts GrabberOptions) *Grabber {
	if opts.W == 0 {
		opts.W = 1280
	}
	if opts.H == 0 {
		opts.H = 720
	}
	if opts.CodecName == "" {
		opts.CodecName = "h264"
	}
	if opts.Script == nil {
		opts.Script = AlwaysFrames()
	}
	c.GrabbersOpen.Add(1)
	return &Grabber{opts: opts, counters: c}
}

func (g *Grabber) Grab() (codec.Frame, error) {
	g.mu.Lock()
	call := g.calls
	g.calls++
	g.mu.Unlock()

	step := g.opts.Script(call)
	if step.Err != nil {
		return nil, step.Err
	}
	if !step.Frame {
		return nil, nil
	}
	g.counters.FramesAllocated.Add(1)
	return &Frame{W: g.opts.W, H: g.opts.H, Empty: step.Empty, counters: g.counters}, nil
}

func (g *Grabber) SourceFPS() float64 { return g.opts.FPS }

func (g *Grabber) Dimensions() (int, int) { return g.opts.W, g.opts.H }

func (g *Grabber) VideoCodec() string { return g.opts.CodecName }

func (g *Grabber) Close() error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if !g.closed {
		g.closed = true
		g.counters.GrabbersOpen.Add(-1)
	}
	return nil
}

// Calls returns how many times Grab has been invoked.
func (g *Grabber) Calls() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.calls
}

// Recorder is a mock recorder with optional error injection.
type Recorder struct {
	counters *Counters

	// FailFrom makes Record fail from the n-th call on (0-based, -1 = never).
	FailFrom int
	// RecordErr is the error returned when failing.
	RecordErr error

	mu       sync.Mutex
	recorded int
	closed   bool
}

// NewRecorder creates an open mock recorder and counts it.
func NewRecorder(c *Counters) *Recorder {
	c.RecordersOpen.Add(1)
	return &Recorder{counters: c, FailFrom: -1}
}

func (r *Recorder) Record(codec.Frame) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.FailFrom >= 0 && r.recorded >= r.FailFrom {
		return r.RecordErr
	}
	r.recorded++
	return nil
}

func (r *Recorder) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.closed {
		r.closed = true
		r.counters.RecordersOpen.Add(-1)
	}
	return nil
}

// Recorded returns how many frames were accepted.
func (r *Recorder) Recorded() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.recorded
}

// Factories returns codec factories producing fresh mocks per open,
// remembering the most recent instances for inspection.
type Factories struct {
	Counters *Counters
	Grabber  GrabberOptions

	mu           sync.Mutex
	lastGrabber  *Grabber
	lastRecorder *Recorder
	opens        int
}

// OpenGrabber is a codec.GrabberFactory.
func (f *Factories) OpenGrabber(string, codec.GrabberOptions) (codec.Grabber, error) {
	g := NewGrabber(f.Counters, f.Grabber)
	f.mu.Lock()
	f.lastGrabber = g
	f.opens++
	f.mu.Unlock()
	return g, nil
}

// CreateRecorder is a codec.RecorderFactory.
func (f *Factories) CreateRecorder(string, int, int, codec.RecorderOptions) (codec.Recorder, error) {
	r := NewRecorder(f.Counters)
	f.mu.Lock()
	f.lastRecorder = r
	f.mu.Unlock()
	return r, nil
}

// Opens returns how many grabbers have been opened.
func (f *Factories) Opens() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.opens
}

// LastRecorder returns the most recently created recorder.
func (f *Factories) LastRecorder() *Recorder {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.lastRecorder
}
