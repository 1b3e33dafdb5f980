package codec

import (
	"errors"
	"fmt"
	"strconv"

	"github.com/asticode/go-astiav"
)

func init() {
	// libav is chatty about concealed errors on lossy links; the pipeline
	// counts them through the typed taxonomy instead.
	astiav.SetLogLevel(astiav.LogLevelFatal)
}

// ffmpegFrame owns one decoded astiav frame.
type ffmpegFrame struct {
	f        *astiav.Frame
	released bool
}

func (fr *ffmpegFrame) Width() int  { return fr.f.Width() }
func (fr *ffmpegFrame) Height() int { return fr.f.Height() }

func (fr *ffmpegFrame) HasImage() bool {
	return fr.f.Width() > 0 && fr.f.Height() > 0 && fr.f.PixelFormat() != astiav.PixelFormatNone
}

func (fr *ffmpegFrame) Release() {
	if fr.released {
		return
	}
	fr.released = true
	fr.f.Free()
}

// ffmpegGrabber demuxes and decodes one RTSP video stream.
type ffmpegGrabber struct {
	fc        *astiav.FormatContext
	dec       *astiav.CodecContext
	pkt       *astiav.Packet
	videoIdx  int
	fps       float64
	width     int
	height    int
	codecName string
}

// maxPacketsPerGrab bounds how many demuxed packets one Grab call consumes
// before reporting "no frame yet". Keeps a single call from spinning when the
// decoder needs many packets to conceal losses.
const maxPacketsPerGrab = 60

// OpenRTSP opens an RTSP source with options tuned for live streaming over
// lossy links: TCP transport, large reorder queue, generous probing, long
// socket timeout, corrupt-packet discard and error concealment.
func OpenRTSP(url string, opts GrabberOptions) (Grabber, error) {
	fc := astiav.AllocFormatContext()
	if fc == nil {
		return nil, errors.New("alloc format context")
	}

	d := astiav.NewDictionary()
	defer d.Free()
	_ = d.Set("rtsp_transport", "tcp", 0)
	_ = d.Set("rtsp_flags", "prefer_tcp", 0)
	_ = d.Set("reorder_queue_size", strconv.Itoa(opts.ReorderQueueSize), 0)
	_ = d.Set("analyzeduration", strconv.FormatInt(opts.AnalyzeDuration.Microseconds(), 10), 0)
	_ = d.Set("probesize", strconv.Itoa(opts.ProbeSize), 0)
	_ = d.Set("stimeout", strconv.FormatInt(opts.SocketTimeout.Microseconds(), 10), 0)
	_ = d.Set("fflags", "+discardcorrupt+genpts", 0)
	_ = d.Set("allowed_media_types", "video", 0)
	_ = d.Set("use_wallclock_as_timestamps", "1", 0)

	if err := fc.OpenInput(url, nil, d); err != nil {
		fc.Free()
		return nil, classifyDecode("open input", err)
	}
	if err := fc.FindStreamInfo(nil); err != nil {
		fc.CloseInput()
		fc.Free()
		return nil, classifyDecode("find stream info", err)
	}

	videoIdx := -1
	var vst *astiav.Stream
	for i, s := range fc.Streams() {
		if s.CodecParameters().MediaType() == astiav.MediaTypeVideo {
			videoIdx = i
			vst = s
			break
		}
	}
	if videoIdx < 0 {
		fc.CloseInput()
		fc.Free()
		return nil, fmt.Errorf("open input: %w: no video stream", ErrConnectionLost)
	}

	par := vst.CodecParameters()
	dec := astiav.FindDecoder(par.CodecID())
	if dec == nil {
		fc.CloseInput()
		fc.Free()
		return nil, fmt.Errorf("no decoder for %s", par.CodecID().Name())
	}

	dctx := astiav.AllocCodecContext(dec)
	if dctx == nil {
		fc.CloseInput()
		fc.Free()
		return nil, errors.New("alloc codec context")
	}
	if err := par.ToCodecContext(dctx); err != nil {
		dctx.Free()
		fc.CloseInput()
		fc.Free()
		return nil, classifyDecode("codec parameters", err)
	}
	dctx.SetThreadCount(1)

	dopts := astiav.NewDictionary()
	defer dopts.Free()
	_ = dopts.Set("err_detect", "careful", 0)
	if err := dctx.Open(dec, dopts); err != nil {
		dctx.Free()
		fc.CloseInput()
		fc.Free()
		return nil, classifyDecode("open decoder", err)
	}

	fps := 0.0
	if r := vst.AvgFrameRate(); r.Num() > 0 && r.Den() > 0 {
		fps = float64(r.Num()) / float64(r.Den())
	} else if r := dctx.Framerate(); r.Num() > 0 && r.Den() > 0 {
		fps = float64(r.Num()) / float64(r.Den())
	}

	return &ffmpegGrabber{
		fc:        fc,
		dec:       dctx,
		pkt:       astiav.AllocPacket(),
		videoIdx:  videoIdx,
		fps:       fps,
		width:     par.Width(),
		height:    par.Height(),
		codecName: par.CodecID().Name(),
	}, nil
}

func (g *ffmpegGrabber) SourceFPS() float64 { return g.fps }

func (g *ffmpegGrabber) Dimensions() (int, int) { return g.width, g.height }

func (g *ffmpegGrabber) VideoCodec() string { return g.codecName }

// Grab demuxes packets until the decoder yields one frame. Returns (nil, nil)
// when the packet budget is exhausted without a decodable frame.
func (g *ffmpegGrabber) Grab() (Frame, error) {
	for i := 0; i < maxPacketsPerGrab; i++ {
		if err := g.fc.ReadFrame(g.pkt); err != nil {
			if errors.Is(err, astiav.ErrEof) {
				return nil, fmt.Errorf("read frame: %w", ErrConnectionLost)
			}
			if errors.Is(err, astiav.ErrEagain) {
				return nil, nil
			}
			return nil, classifyDecode("read frame", err)
		}

		if g.pkt.StreamIndex() != g.videoIdx {
			g.pkt.Unref()
			continue
		}

		err := g.dec.SendPacket(g.pkt)
		g.pkt.Unref()
		if err != nil && !errors.Is(err, astiav.ErrEagain) {
			if cerr := classifyDecode("send packet", err); IsFatal(cerr) {
				return nil, cerr
			}
			// Concealable noise: keep feeding packets.
			continue
		}

		f := astiav.AllocFrame()
		if err := g.dec.ReceiveFrame(f); err != nil {
			f.Free()
			if errors.Is(err, astiav.ErrEagain) || errors.Is(err, astiav.ErrEof) {
				continue
			}
			if cerr := classifyDecode("receive frame", err); IsFatal(cerr) {
				return nil, cerr
			}
			continue
		}
		return &ffmpegFrame{f: f}, nil
	}
	return nil, nil
}

func (g *ffmpegGrabber) Close() error {
	if g.pkt != nil {
		g.pkt.Free()
		g.pkt = nil
	}
	if g.dec != nil {
		g.dec.Free()
		g.dec = nil
	}
	if g.fc != nil {
		g.fc.CloseInput()
		g.fc.Free()
		g.fc = nil
	}
	return nil
}
