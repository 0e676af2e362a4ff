package codec

import (
	"image"
	"runtime"
	"sync"
	"time"
	"unsafe"

	"github.com/Azunyan1111/go-camera-recorder/internal"
	"github.com/Azunyan1111/go-camera-recorder/internal/recorder"
	"github.com/Azunyan1111/libvpx-go/vpx"
	"github.com/pkg/errors"
)

// VP8Encoder は libvpx で RGBA フレームを VP8 にエンコードする
type VP8Encoder struct {
	mu     sync.Mutex
	ctx    *vpx.CodecCtx
	img    *vpx.Image
	width  int
	height int
	frames int64
	last   int64
	out    *recorder.CodecOutput
}

func NewVP8Encoder(format recorder.TrackFormat) (*VP8Encoder, error) {
	width, height := format.Width, format.Height
	if width <= 0 || height <= 0 || width%2 != 0 || height%2 != 0 {
		return nil, errors.Wrapf(recorder.ErrInvalidDimensions, "vp8 %dx%d", width, height)
	}
	fps := format.FrameRate
	if fps <= 0 {
		fps = recorder.UncompressedFrameRate
	}

	ctx := vpx.NewCodecCtx()
	if ctx == nil {
		return nil, errors.New("failed to create codec context")
	}

	iface := vpx.EncoderIfaceVP8()
	if iface == nil {
		vpx.CodecDestroy(ctx)
		return nil, errors.New("failed to get VP8 encoder interface")
	}

	cfg := &vpx.CodecEncCfg{}
	if err := vpx.Error(vpx.CodecEncConfigDefault(iface, cfg, 0)); err != nil {
		vpx.CodecDestroy(ctx)
		return nil, errors.Wrap(err, "failed to get default encoder config")
	}
	cfg.Deref()

	cfg.GW = uint32(width)
	cfg.GH = uint32(height)
	cfg.GTimebase = vpx.Rational{Num: 1, Den: int32(fps)}
	cfg.RcTargetBitrate = uint32(format.Bitrate / 1000)
	cfg.GPass = vpx.RcOnePass
	cfg.RcEndUsage = vpx.Cbr
	cfg.KfMode = vpx.KfAuto
	cfg.KfMaxDist = uint32(fps * recorder.KeyframeInterval)
	// スレッド数は上限を設けてCPU過負荷を抑える
	numThreads := runtime.NumCPU()
	if numThreads > 4 {
		numThreads = 4
	}
	cfg.GThreads = uint32(numThreads)
	cfg.GLagInFrames = 0
	cfg.RcMinQuantizer = 4
	cfg.RcMaxQuantizer = 48
	cfg.GProfile = 0

	if err := vpx.Error(vpx.CodecEncInitVer(ctx, iface, cfg, 0, vpx.EncoderABIVersion)); err != nil {
		vpx.CodecDestroy(ctx)
		return nil, errors.Wrap(err, "failed to initialize encoder")
	}

	img := vpx.ImageAlloc(nil, vpx.ImageFormatI420, uint32(width), uint32(height), 1)
	if img == nil {
		vpx.CodecDestroy(ctx)
		return nil, errors.New("failed to allocate image")
	}
	img.Deref()

	internal.DebugLog("VP8Encoder: %dx%d @%dfps %dkbps, threads=%d\n",
		width, height, fps, cfg.RcTargetBitrate, numThreads)

	format.FrameRate = fps
	out := recorder.NewCodecOutput(64)
	out.SetFormat(format)
	return &VP8Encoder{
		ctx:    ctx,
		img:    img,
		width:  width,
		height: height,
		out:    out,
	}, nil
}

// SubmitFrame encodes one rendered frame. Output is available from DequeueOutput immediately.
func (e *VP8Encoder) SubmitFrame(frame *image.RGBA, ptsMicros int64) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.ctx == nil {
		return errors.New("encoder released")
	}
	b := frame.Bounds()
	if b.Dx() != e.width || b.Dy() != e.height {
		return errors.Wrapf(recorder.ErrCorruptFrame, "frame %dx%d, encoder %dx%d", b.Dx(), b.Dy(), e.width, e.height)
	}

	e.copyFrame(frame)

	// Encode frame (DlRealtime for low-latency encoding)
	if err := vpx.Error(vpx.CodecEncode(e.ctx, e.img, vpx.CodecPts(e.frames), 1, 0, vpx.DlRealtime)); err != nil {
		detail := vpx.CodecErrorDetail(e.ctx)
		return errors.Wrapf(err, "failed to encode frame (detail: %s)", detail)
	}
	e.frames++
	e.last = ptsMicros

	var iter vpx.CodecIter
	for {
		pkt := vpx.CodecGetCxData(e.ctx, &iter)
		if pkt == nil {
			break
		}
		pkt.Deref()
		if pkt.Kind != vpx.CodecCxFramePkt {
			continue
		}
		data := pkt.GetFrameData()
		payload := make([]byte, len(data))
		copy(payload, data)
		e.out.Emit(recorder.EncodedPacket{
			Kind:      recorder.KindVideo,
			Payload:   payload,
			PTSMicros: ptsMicros,
			Flags:     recorder.PacketFlags{Keyframe: pkt.IsKeyframe()},
		})
	}
	return nil
}

func (e *VP8Encoder) DequeueOutput(timeout time.Duration) (recorder.CodecEvent, error) {
	return e.out.Dequeue(timeout)
}

// SignalEndOfInputStream queues the end-of-stream buffer. The encoder runs
// without lag frames so nothing else is pending.
func (e *VP8Encoder) SignalEndOfInputStream() error {
	e.mu.Lock()
	last := e.last
	e.mu.Unlock()
	e.out.EmitEndOfStream(recorder.KindVideo, last)
	return nil
}

func (e *VP8Encoder) Release() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.out.Close()
	if e.img != nil {
		vpx.ImageFree(e.img)
		e.img = nil
	}
	if e.ctx != nil {
		vpx.CodecDestroy(e.ctx)
		e.ctx = nil
	}
	return nil
}

func (e *VP8Encoder) copyFrame(frame *image.RGBA) {
	h := int(e.img.DH)
	yStride := int(e.img.Stride[vpx.PlaneY])
	uStride := int(e.img.Stride[vpx.PlaneU])
	vStride := int(e.img.Stride[vpx.PlaneV])

	// Access planes directly via unsafe.Pointer (same as libvpx-go test code)
	planes := I420Planes{
		Y:       (*(*[1 << 30]byte)(unsafe.Pointer(e.img.Planes[vpx.PlaneY])))[: yStride*h : yStride*h],
		U:       (*(*[1 << 30]byte)(unsafe.Pointer(e.img.Planes[vpx.PlaneU])))[: uStride*h/2 : uStride*h/2],
		V:       (*(*[1 << 30]byte)(unsafe.Pointer(e.img.Planes[vpx.PlaneV])))[: vStride*h/2 : vStride*h/2],
		YStride: yStride,
		UStride: uStride,
		VStride: vStride,
	}
	RGBAToI420(frame, planes)
}
