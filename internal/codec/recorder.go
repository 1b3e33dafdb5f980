package codec

import (
	"errors"
	"fmt"
	"strconv"

	"github.com/asticode/go-astiav"
)

// maxOutputHeight caps the encoded resolution; larger sources are downscaled
// preserving aspect ratio with even dimensions.
const maxOutputHeight = 720

// ffmpegRecorder encodes frames with libx264 and muxes them through the hls
// muxer, which owns segment rotation and playlist rewriting.
type ffmpegRecorder struct {
	fc     *astiav.FormatContext
	enc    *astiav.CodecContext
	st     *astiav.Stream
	pkt    *astiav.Packet
	ssc    *astiav.SoftwareScaleContext
	scaled *astiav.Frame
	pb     *astiav.IOContext

	srcW, srcH   int
	srcPix       astiav.PixelFormat
	dstW, dstH   int
	pts          int64
	headerOpened bool
}

// OutputDimensions returns the encoded dimensions for a source resolution:
// at most 720p, aspect preserved, both dimensions even.
func OutputDimensions(width, height int) (int, int) {
	if height <= maxOutputHeight {
		return width &^ 1, height &^ 1
	}
	w := width * maxOutputHeight / height
	return w &^ 1, maxOutputHeight
}

// CreateHLS creates a recorder writing a sliding-window HLS playlist at
// playlistPath. Constant frame rate at opts.TargetFPS, GOP of two seconds,
// single encoder thread, segments named by opts.SegmentTemplate. append_list
// and discont_start continue an existing playlist across reconnects with an
// EXT-X-DISCONTINUITY marker.
func CreateHLS(playlistPath string, width, height int, opts RecorderOptions) (Recorder, error) {
	if opts.TargetFPS <= 0 {
		return nil, fmt.Errorf("invalid target fps %d", opts.TargetFPS)
	}
	dstW, dstH := OutputDimensions(width, height)

	fc, err := astiav.AllocOutputFormatContext(nil, "hls", playlistPath)
	if err != nil {
		return nil, fmt.Errorf("alloc output context: %w", err)
	}

	enc := astiav.FindEncoderByName("libx264")
	if enc == nil {
		enc = astiav.FindEncoder(astiav.CodecIDH264)
	}
	if enc == nil {
		fc.Free()
		return nil, errors.New("no h264 encoder")
	}

	ectx := astiav.AllocCodecContext(enc)
	if ectx == nil {
		fc.Free()
		return nil, errors.New("alloc encoder context")
	}
	ectx.SetWidth(dstW)
	ectx.SetHeight(dstH)
	ectx.SetPixelFormat(astiav.PixelFormatYuv420P)
	ectx.SetTimeBase(astiav.NewRational(1, opts.TargetFPS))
	ectx.SetFramerate(astiav.NewRational(opts.TargetFPS, 1))
	ectx.SetGopSize(2 * opts.TargetFPS)
	ectx.SetThreadCount(1)
	if fc.OutputFormat().Flags().Has(astiav.IOFormatFlagGlobalheader) {
		ectx.SetFlags(ectx.Flags().Add(astiav.CodecContextFlagGlobalHeader))
	}

	eopts := astiav.NewDictionary()
	defer eopts.Free()
	_ = eopts.Set("preset", "ultrafast", 0)
	_ = eopts.Set("tune", "zerolatency", 0)
	_ = eopts.Set("crf", strconv.Itoa(opts.CRF), 0)
	_ = eopts.Set("sc_threshold", "0", 0)

	if err := ectx.Open(enc, eopts); err != nil {
		ectx.Free()
		fc.Free()
		return nil, fmt.Errorf("open encoder: %w", err)
	}

	st := fc.NewStream(nil)
	if st == nil {
		ectx.Free()
		fc.Free()
		return nil, errors.New("new stream")
	}
	st.SetTimeBase(ectx.TimeBase())
	if err := ectx.ToCodecParameters(st.CodecParameters()); err != nil {
		ectx.Free()
		fc.Free()
		return nil, fmt.Errorf("stream parameters: %w", err)
	}

	r := &ffmpegRecorder{
		fc:   fc,
		enc:  ectx,
		st:   st,
		pkt:  astiav.AllocPacket(),
		dstW: dstW,
		dstH: dstH,
	}

	if !fc.OutputFormat().Flags().Has(astiav.IOFormatFlagNofile) {
		pb, err := astiav.OpenIOContext(playlistPath, astiav.NewIOContextFlags(astiav.IOContextFlagWrite), nil, nil)
		if err != nil {
			r.free()
			return nil, fmt.Errorf("open io context: %w", err)
		}
		r.pb = pb
		fc.SetPb(pb)
	}

	mopts := astiav.NewDictionary()
	defer mopts.Free()
	_ = mopts.Set("hls_time", strconv.Itoa(opts.SegmentSeconds), 0)
	_ = mopts.Set("hls_list_size", strconv.Itoa(opts.PlaylistSize), 0)
	_ = mopts.Set("hls_flags", "delete_segments+program_date_time+append_list+discont_start", 0)
	_ = mopts.Set("hls_segment_type", "mpegts", 0)
	_ = mopts.Set("hls_allow_cache", "0", 0)
	if opts.SegmentTemplate != "" {
		_ = mopts.Set("hls_segment_filename", opts.SegmentTemplate, 0)
	}

	if err := fc.WriteHeader(mopts); err != nil {
		r.free()
		return nil, fmt.Errorf("write header: %w", err)
	}
	r.headerOpened = true
	return r, nil
}

// Record scales a decoded frame to the output geometry and encodes it at the
// next CFR timestamp.
func (r *ffmpegRecorder) Record(frame Frame) error {
	ff, ok := frame.(*ffmpegFrame)
	if !ok {
		return fmt.Errorf("%w: unsupported frame type %T", ErrEncoderFailure, frame)
	}
	src := ff.f

	if err := r.ensureScaler(src); err != nil {
		return fmt.Errorf("%w: %v", ErrEncoderFailure, err)
	}
	if err := r.ssc.ScaleFrame(src, r.scaled); err != nil {
		return fmt.Errorf("%w: scale: %v", ErrEncoderFailure, err)
	}
	r.scaled.SetPts(r.pts)
	r.pts++

	if err := r.enc.SendFrame(r.scaled); err != nil {
		return fmt.Errorf("%w: send frame: %v", ErrEncoderFailure, err)
	}
	return r.drain()
}

// ensureScaler (re)builds the swscale context when source geometry changes.
func (r *ffmpegRecorder) ensureScaler(src *astiav.Frame) error {
	if r.ssc != nil && src.Width() == r.srcW && src.Height() == r.srcH && src.PixelFormat() == r.srcPix {
		return nil
	}
	r.freeScaler()

	ssc, err := astiav.CreateSoftwareScaleContext(
		src.Width(), src.Height(), src.PixelFormat(),
		r.dstW, r.dstH, astiav.PixelFormatYuv420P,
		astiav.NewSoftwareScaleContextFlags(),
	)
	if err != nil {
		return err
	}

	dst := astiav.AllocFrame()
	dst.SetWidth(r.dstW)
	dst.SetHeight(r.dstH)
	dst.SetPixelFormat(astiav.PixelFormatYuv420P)
	if err := dst.AllocBuffer(1); err != nil {
		dst.Free()
		ssc.Free()
		return err
	}

	r.ssc = ssc
	r.scaled = dst
	r.srcW, r.srcH, r.srcPix = src.Width(), src.Height(), src.PixelFormat()
	return nil
}

func (r *ffmpegRecorder) drain() error {
	for {
		if err := r.enc.ReceivePacket(r.pkt); err != nil {
			if errors.Is(err, astiav.ErrEagain) || errors.Is(err, astiav.ErrEof) {
				return nil
			}
			return fmt.Errorf("%w: receive packet: %v", ErrEncoderFailure, err)
		}
		r.pkt.SetStreamIndex(r.st.Index())
		r.pkt.RescaleTs(r.enc.TimeBase(), r.st.TimeBase())
		err := r.fc.WriteInterleavedFrame(r.pkt)
		r.pkt.Unref()
		if err != nil {
			return fmt.Errorf("%w: write frame: %v", ErrEncoderFailure, err)
		}
	}
}

// Close flushes the encoder, finalizes the playlist, and releases everything.
func (r *ffmpegRecorder) Close() error {
	var firstErr error
	if r.enc != nil && r.headerOpened {
		if err := r.enc.SendFrame(nil); err == nil {
			if err := r.drain(); err != nil && firstErr == nil {
				firstErr = err
			}
		}
		if err := r.fc.WriteTrailer(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("write trailer: %w", err)
		}
	}
	r.free()
	return firstErr
}

func (r *ffmpegRecorder) freeScaler() {
	if r.scaled != nil {
		r.scaled.Free()
		r.scaled = nil
	}
	if r.ssc != nil {
		r.ssc.Free()
		r.ssc = nil
	}
}

func (r *ffmpegRecorder) free() {
	r.freeScaler()
	if r.pkt != nil {
		r.pkt.Free()
		r.pkt = nil
	}
	if r.enc != nil {
		r.enc.Free()
		r.enc = nil
	}
	if r.pb != nil {
		r.pb.Close()
		r.pb = nil
	}
	if r.fc != nil {
		r.fc.Free()
		r.fc = nil
	}
}
