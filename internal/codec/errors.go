package codec

import (
	"errors"
	"fmt"
	"strings"
)

// Sentinel errors propagated to the supervisor. Decoder errors matching a
// known noise pattern are wrapped as a TransientError; any other decoder
// error is returned as fatal, wrapped with the failing operation's name.
var (
	// ErrConnectionLost signals the RTSP transport dropped or refused.
	ErrConnectionLost = errors.New("connection lost")
	// ErrStalled signals the source produced no usable frame for too long.
	ErrStalled = errors.New("stream stalled")
	// ErrEncoderFailure signals the encoder can no longer accept frames.
	ErrEncoderFailure = errors.New("encoder failure")
	// ErrEncodeTimeout signals no successful encode within the allowed window.
	ErrEncodeTimeout = errors.New("encoding timeout")
)

// TransientError is concealable decoder noise: counted by the pipeline,
// never a reconnect trigger on its own.
type TransientError struct {
	Op  string
	Err error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("transient %s: %v", e.Op, e.Err)
}

func (e *TransientError) Unwrap() error { return e.Err }

// IsTransient reports whether err is concealable decoder noise.
func IsTransient(err error) bool {
	var te *TransientError
	return errors.As(err, &te)
}

// IsFatal reports whether err must end the current pipeline run.
func IsFatal(err error) bool {
	return err != nil && !IsTransient(err)
}

// transientMarkers are the libav log fragments that accompany concealable
// decode errors on lossy RTSP links. Substring matching is confined to this
// adapter; callers only ever see the typed taxonomy.
var transientMarkers = []string{
	"no frame",
	"missing picture",
	"Could not find reference",
	"error while decoding MB",
	"corrupted frame",
	"bytestream",
	"concealing",
	"non-existing PPS",
}

// classifyDecode maps a raw decoder error onto the taxonomy.
func classifyDecode(op string, err error) error {
	if err == nil {
		return nil
	}
	msg := err.Error()
	for _, marker := range transientMarkers {
		if strings.Contains(msg, marker) {
			return &TransientError{Op: op, Err: err}
		}
	}
	if strings.Contains(msg, "Connection refused") ||
		strings.Contains(msg, "Connection reset") ||
		strings.Contains(msg, "End of file") ||
		strings.Contains(msg, "timed out") {
		return fmt.Errorf("%s: %w: %v", op, ErrConnectionLost, err)
	}
	return fmt.Errorf("%s: %w", op, err)
}
