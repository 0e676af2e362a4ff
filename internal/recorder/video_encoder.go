package recorder

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/Azunyan1111/go-camera-recorder/internal"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// VideoConfig describes one video recording.
type VideoConfig struct {
	OutputPath    string
	Width         int
	Height        int
	Bitrate       int
	Compress      bool
	SharedContext SharedContext
}

const frameLogInterval = time.Second

type videoMsgKind int

const (
	msgSetTexture videoMsgKind = iota
	msgFrame
	msgUpdateContext
)

type videoMsg struct {
	kind           videoMsgKind
	textureID      int
	generation     uint64
	transform      [16]float32
	timestampNanos int64
	shared         SharedContext
}

// VideoEncoder renders camera textures into a video codec on a single
// goroutine. Every render context and codec call happens on that goroutine;
// callers only post messages.
type VideoEncoder struct {
	muxer *Muxer
	opts  EncoderOptions
	log   *logrus.Entry

	state    atomic.Int32
	msgs     chan videoMsg
	stopCh   chan struct{}
	stopOnce sync.Once
	loopDone chan struct{}
	ready    *Future
	released *Future

	// targetGen is the generation frames posted from now on belong to.
	targetGen atomic.Uint64
	// currentGen is the generation of the live render context.
	currentGen atomic.Uint64

	profile EncodeProfile

	// owned by the encoder goroutine
	codec     VideoCodec
	render    *RenderContext
	drainer   *outputDrainer
	textureID int
	firstTS   int64
	hasFirst  bool
	lastPTS   int64
	hasLast   bool

	submitted atomic.Uint64
	dropped   atomic.Uint64
	stale     atomic.Uint64
	corrupt   atomic.Uint64
}

func NewVideoEncoder(muxer *Muxer, opts EncoderOptions) *VideoEncoder {
	opts = opts.withDefaults()
	log := internal.ComponentLogger("video_encoder")
	return &VideoEncoder{
		muxer:    muxer,
		opts:     opts,
		log:      log,
		msgs:     make(chan videoMsg, opts.QueueDepth),
		stopCh:   make(chan struct{}),
		loopDone: make(chan struct{}),
		ready:    NewFuture(),
		released: NewFuture(),
		drainer: &outputDrainer{
			kind:   KindVideo,
			muxer:  muxer,
			opts:   opts,
			log:    log,
			strict: true,
		},
	}
}

// PrepareRecording validates cfg, registers with the muxer and starts the
// encoder goroutine. The returned future resolves once the codec and render
// context exist, or with the error that prevented it.
func (e *VideoEncoder) PrepareRecording(cfg VideoConfig) (*Future, error) {
	if !e.state.CompareAndSwap(int32(stateIdle), int32(statePreparing)) {
		return nil, errors.Wrapf(ErrEncoderState, "prepare in state %s", encoderState(e.state.Load()))
	}
	fail := func(err error) (*Future, error) {
		e.state.Store(int32(stateReleased))
		e.ready.Resolve(err)
		e.released.Resolve(nil)
		close(e.loopDone)
		return nil, err
	}

	profile, err := ComputeEncodeProfile(cfg.Width, cfg.Height, cfg.Bitrate, cfg.Compress)
	if err != nil {
		return fail(err)
	}
	if cfg.SharedContext == nil {
		return fail(errors.Wrap(ErrCodecUnavailable, "no shared render context"))
	}
	if err := e.muxer.AddEncoder(KindVideo); err != nil {
		return fail(err)
	}
	e.profile = profile
	e.log = e.log.WithFields(logrus.Fields{"width": profile.Width, "height": profile.Height})
	e.log.WithFields(logrus.Fields{
		"bitrate":    profile.Bitrate,
		"fps":        profile.FrameRate,
		"compressed": profile.Compressed,
		"output":     cfg.OutputPath,
	}).Info("preparing video encoder")

	go e.run(cfg.SharedContext)
	return e.ready, nil
}

// Profile returns the resolved encode profile.
func (e *VideoEncoder) Profile() EncodeProfile { return e.profile }

// SetTextureID selects the camera texture sampled by following frames.
func (e *VideoEncoder) SetTextureID(id int) error {
	return e.send(videoMsg{kind: msgSetTexture, textureID: id})
}

// OnFrameAvailable queues a render of the current texture. It never blocks:
// when the queue is full the frame is dropped and ErrFrameDropped returned.
func (e *VideoEncoder) OnFrameAvailable(transform [16]float32, timestampNanos int64) error {
	if s := encoderState(e.state.Load()); s != statePreparing && s != stateCapturing {
		return errors.Wrapf(ErrFrameDropped, "encoder %s", s)
	}
	msg := videoMsg{
		kind:           msgFrame,
		generation:     e.targetGen.Load(),
		transform:      transform,
		timestampNanos: timestampNanos,
	}
	select {
	case e.msgs <- msg:
		return nil
	default:
		e.dropped.Add(1)
		internal.DebugLogPeriodic("video.queue.full", 0, "video queue full, dropping frame at %dns\n", timestampNanos)
		return errors.Wrap(ErrFrameDropped, "queue full")
	}
}

// UpdateSharedContext replaces the render context. Frames queued before this
// call are still rendered with the old context; a frame whose generation does
// not match the live context is skipped as stale.
func (e *VideoEncoder) UpdateSharedContext(shared SharedContext) error {
	if shared == nil {
		return errors.New("nil shared context")
	}
	gen := e.targetGen.Add(1)
	return e.send(videoMsg{kind: msgUpdateContext, generation: gen, shared: shared})
}

func (e *VideoEncoder) send(msg videoMsg) error {
	if s := encoderState(e.state.Load()); s != statePreparing && s != stateCapturing {
		return errors.Wrapf(ErrEncoderState, "encoder %s", s)
	}
	select {
	case e.msgs <- msg:
		return nil
	case <-e.stopCh:
		return errors.Wrap(ErrEncoderState, "encoder stopping")
	case <-e.loopDone:
		return errors.Wrap(ErrEncoderState, "encoder released")
	}
}

// StopRecording asks the encoder goroutine to finish. It returns immediately
// and is a no-op unless the encoder is preparing or capturing.
func (e *VideoEncoder) StopRecording() {
	for {
		s := e.state.Load()
		if s != int32(statePreparing) && s != int32(stateCapturing) {
			return
		}
		if e.state.CompareAndSwap(s, int32(stateStopping)) {
			e.stopOnce.Do(func() { close(e.stopCh) })
			e.log.Info("video stop requested")
			return
		}
	}
}

// Released resolves once the codec and render context have been released.
func (e *VideoEncoder) Released() *Future { return e.released }

// Generation is the generation of the live render context.
func (e *VideoEncoder) Generation() uint64 { return e.currentGen.Load() }

func (e *VideoEncoder) Stats() EncoderStats {
	return EncoderStats{
		Submitted:          e.submitted.Load(),
		Pushed:             e.drainer.pushed.Load(),
		Dropped:            e.dropped.Load() + e.drainer.dropped.Load(),
		Stale:              e.stale.Load(),
		Corrupt:            e.corrupt.Load(),
		ProtocolViolations: e.drainer.violations.Load(),
	}
}

func (e *VideoEncoder) run(shared SharedContext) {
	defer close(e.loopDone)

	if err := e.prepare(shared); err != nil {
		e.log.WithError(err).Error("video encoder prepare failed")
		e.state.Store(int32(stateReleased))
		e.muxer.Fail(err)
		e.ready.Resolve(err)
		e.teardown()
		return
	}
	e.state.CompareAndSwap(int32(statePreparing), int32(stateCapturing))
	e.ready.Resolve(nil)
	e.log.Debug("video encoder ready")

loop:
	for {
		select {
		case msg := <-e.msgs:
			e.handle(msg)
		case <-e.stopCh:
			break loop
		}
	}
	// 停止前に投入済みのメッセージは処理する
	for done := false; !done; {
		select {
		case msg := <-e.msgs:
			e.handle(msg)
		default:
			done = true
		}
	}

	if err := e.codec.SignalEndOfInputStream(); err != nil {
		e.log.WithError(err).Warn("signal end of stream failed")
	}
	e.drainer.drain(true)
	e.teardown()
}

func (e *VideoEncoder) prepare(shared SharedContext) error {
	if e.opts.Registry == nil {
		return errors.Wrap(ErrCodecUnavailable, "no codec registry")
	}
	c, err := e.opts.Registry.Create(VideoFormat(e.profile))
	if err != nil {
		return err
	}
	vc, ok := c.(VideoCodec)
	if !ok {
		if err := c.Release(); err != nil {
			e.log.WithError(err).Warn("codec release failed")
		}
		return errors.Wrap(ErrCodecUnavailable, "codec does not accept video frames")
	}
	e.codec = vc
	e.drainer.codec = vc
	e.drainer.log = e.log

	rc, err := NewRenderContext(shared, e.profile.Width, e.profile.Height, 0)
	if err != nil {
		return errors.Wrap(err, "create render context")
	}
	e.render = rc
	return nil
}

// teardown releases everything the goroutine owns. Errors are logged only.
func (e *VideoEncoder) teardown() {
	if e.codec != nil {
		if err := e.codec.Release(); err != nil {
			e.log.WithError(err).Warn("codec release failed")
		}
	}
	if e.render != nil {
		if err := e.render.Release(); err != nil {
			e.log.WithError(err).Warn("render context release failed")
		}
		e.render = nil
	}
	e.drainer.leave()
	e.state.Store(int32(stateReleased))
	e.released.Resolve(nil)
	e.log.WithFields(logrus.Fields{
		"submitted": e.submitted.Load(),
		"dropped":   e.dropped.Load(),
		"stale":     e.stale.Load(),
	}).Info("video encoder released")
}

func (e *VideoEncoder) handle(msg videoMsg) {
	switch msg.kind {
	case msgSetTexture:
		e.textureID = msg.textureID
	case msgUpdateContext:
		e.updateContext(msg.generation, msg.shared)
	case msgFrame:
		e.encodeFrame(msg)
	}
}

func (e *VideoEncoder) updateContext(gen uint64, shared SharedContext) {
	if e.render != nil {
		if err := e.render.Release(); err != nil {
			e.log.WithError(err).Warn("render context release failed")
		}
		e.render = nil
	}
	rc, err := NewRenderContext(shared, e.profile.Width, e.profile.Height, gen)
	if err != nil {
		e.log.WithError(err).Error("failed to recreate render context")
		return
	}
	e.render = rc
	e.currentGen.Store(gen)
	e.log.WithField("generation", gen).Info("render context recreated")
}

func (e *VideoEncoder) encodeFrame(msg videoMsg) {
	// FIFO 順なので更新前に積まれたフレームは旧コンテキストで描ける
	if msg.generation != e.currentGen.Load() {
		e.stale.Add(1)
		e.log.WithError(errors.Wrapf(ErrStaleGeneration, "frame generation %d, current %d", msg.generation, e.currentGen.Load())).Debug("skipping frame")
		return
	}
	if e.render == nil {
		e.corrupt.Add(1)
		e.log.WithError(errors.Wrap(ErrCorruptFrame, "no render context")).Debug("skipping frame")
		return
	}

	first := e.firstTS
	if !e.hasFirst {
		first = msg.timestampNanos
	}
	pts := (msg.timestampNanos - first) / 1000
	if e.hasLast && pts <= e.lastPTS {
		e.dropped.Add(1)
		e.log.WithFields(logrus.Fields{"pts": pts, "last": e.lastPTS}).Warn("dropping frame with non-increasing timestamp")
		return
	}

	frame, err := e.render.Draw(e.textureID, msg.transform)
	if err != nil {
		e.corrupt.Add(1)
		e.log.WithError(err).Debug("skipping frame")
		return
	}
	if err := e.codec.SubmitFrame(frame, pts); err != nil {
		e.dropped.Add(1)
		e.log.WithError(err).Warn("submit frame failed")
		return
	}
	e.firstTS = first
	e.hasFirst = true
	e.lastPTS = pts
	e.hasLast = true
	e.submitted.Add(1)
	internal.DebugLogPeriodic("video.submit", frameLogInterval, "video frame submitted: pts=%dus total=%d\n", pts, e.submitted.Load())

	e.drainer.drain(false)
}
