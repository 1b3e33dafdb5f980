// Package codec wraps the FFmpeg decode/encode layer behind small Grabber and
// Recorder abstractions so the stream pipeline never touches libav directly.
//
// All FFmpeg option strings live here. Error classification (transient decoder
// noise vs. fatal connection loss) also lives here; callers only see the typed
// taxonomy from errors.go.
package codec

import "time"

// Frame is a single decoded image handle. Frames own native memory and must be
// released exactly once; Release is safe to call on every control-flow path.
type Frame interface {
	Width() int
	Height() int
	// HasImage reports whether the frame carries a non-empty image payload
	// with valid dimensions.
	HasImage() bool
	Release()
}

// Grabber pulls RTSP packets and emits decoded frames.
//
// Grab returns (nil, nil) when no frame is available on this attempt, a frame
// on success, or an error from the taxonomy in errors.go. A grabber is
// considered live only once a first frame with an image payload has been
// obtained.
type Grabber interface {
	Grab() (Frame, error)
	SourceFPS() float64
	Dimensions() (width, height int)
	VideoCodec() string
	Close() error
}

// Recorder muxes frames into a sliding-window HLS playlist on disk.
type Recorder interface {
	Record(Frame) error
	Close() error
}

// GrabberOptions tune the RTSP input for live, lossy links.
type GrabberOptions struct {
	// SocketTimeout is the RTSP socket read timeout.
	SocketTimeout time.Duration
	// AnalyzeDuration bounds stream analysis at open.
	AnalyzeDuration time.Duration
	// ProbeSize bounds probing at open, in bytes.
	ProbeSize int
	// ReorderQueueSize is the RTP reorder buffer length in packets.
	ReorderQueueSize int
}

// DefaultGrabberOptions returns the production RTSP tuning.
func DefaultGrabberOptions() GrabberOptions {
	return GrabberOptions{
		SocketTimeout:    60 * time.Second,
		AnalyzeDuration:  5 * time.Second,
		ProbeSize:        5_000_000,
		ReorderQueueSize: 500,
	}
}

// RecorderOptions tune the HLS encoder and muxer.
type RecorderOptions struct {
	TargetFPS       int
	SegmentSeconds  int
	PlaylistSize    int
	CRF             int
	SegmentTemplate string
}

// DefaultRecorderOptions returns the production HLS tuning for a target FPS.
func DefaultRecorderOptions(targetFPS int) RecorderOptions {
	return RecorderOptions{
		TargetFPS:      targetFPS,
		SegmentSeconds: 4,
		PlaylistSize:   3,
		CRF:            23,
	}
}

// GrabberFactory opens a grabber for an RTSP URL. The production factory is
// OpenRTSP; tests substitute mocks.
type GrabberFactory func(url string, opts GrabberOptions) (Grabber, error)

// RecorderFactory creates a recorder writing to playlistPath. The production
// factory is CreateHLS; tests substitute mocks.
type RecorderFactory func(playlistPath string, width, height int, opts RecorderOptions) (Recorder, error)
