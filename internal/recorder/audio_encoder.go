package recorder

import (
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Azunyan1111/go-camera-recorder/internal"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

const (
	DefaultSamplesPerFrame = 1024
	DefaultAudioBitrate    = 64000
)

// AudioConfig describes the microphone stream. PCM is S16LE interleaved.
type AudioConfig struct {
	SampleRate      int
	Channels        int
	Bitrate         int
	SamplesPerFrame int
}

// FrameBytes is the size of one capture read.
func (c AudioConfig) FrameBytes() int {
	return c.SamplesPerFrame * c.Channels * 2
}

// AudioEncoder pulls PCM from a microphone on a capture goroutine and drains
// the codec on a second goroutine.
type AudioEncoder struct {
	muxer *Muxer
	mic   io.ReadCloser
	cfg   AudioConfig
	opts  EncoderOptions
	log   *logrus.Entry

	state       atomic.Int32
	requestStop atomic.Bool
	codec       AudioCodec
	drainer     *outputDrainer

	eosOnce  sync.Once
	eosCh    chan struct{}
	micOnce  sync.Once
	ready    *Future
	done     *Future
	captured atomic.Uint64
}

func NewAudioEncoder(muxer *Muxer, mic io.ReadCloser, cfg AudioConfig, opts EncoderOptions) *AudioEncoder {
	opts = opts.withDefaults()
	if cfg.SamplesPerFrame <= 0 {
		cfg.SamplesPerFrame = DefaultSamplesPerFrame
	}
	if cfg.Bitrate <= 0 {
		cfg.Bitrate = DefaultAudioBitrate
	}
	log := internal.ComponentLogger("audio_encoder")
	return &AudioEncoder{
		muxer: muxer,
		mic:   mic,
		cfg:   cfg,
		opts:  opts,
		log:   log,
		drainer: &outputDrainer{
			kind:  KindAudio,
			muxer: muxer,
			opts:  opts,
			log:   log,
		},
		eosCh: make(chan struct{}),
		ready: NewFuture(),
		done:  NewFuture(),
	}
}

// Prepare registers with the muxer, creates the codec and starts the drain
// goroutine. A codec that cannot be created is returned as ErrCodecUnavailable.
func (e *AudioEncoder) Prepare() (*Future, error) {
	if !e.state.CompareAndSwap(int32(stateIdle), int32(statePreparing)) {
		return nil, errors.Wrapf(ErrEncoderState, "prepare in state %s", encoderState(e.state.Load()))
	}
	fail := func(err error) (*Future, error) {
		e.state.Store(int32(stateReleased))
		e.closeMic()
		e.ready.Resolve(err)
		e.done.Resolve(nil)
		return nil, err
	}

	if e.mic == nil {
		return fail(errors.Wrap(ErrMicrophone, "no microphone"))
	}
	if e.cfg.SampleRate <= 0 || e.cfg.Channels <= 0 {
		return fail(errors.Wrapf(ErrCodecUnavailable, "audio %dHz %dch", e.cfg.SampleRate, e.cfg.Channels))
	}
	if e.opts.Registry == nil {
		return fail(errors.Wrap(ErrCodecUnavailable, "no codec registry"))
	}
	if err := e.muxer.AddEncoder(KindAudio); err != nil {
		return fail(err)
	}

	c, err := e.opts.Registry.Create(AudioFormat(e.cfg.SampleRate, e.cfg.Channels, e.cfg.Bitrate))
	if err != nil {
		return fail(err)
	}
	ac, ok := c.(AudioCodec)
	if !ok {
		if err := c.Release(); err != nil {
			e.log.WithError(err).Warn("codec release failed")
		}
		return fail(errors.Wrap(ErrCodecUnavailable, "codec does not accept pcm"))
	}
	e.codec = ac
	e.drainer.codec = ac

	e.log.WithFields(logrus.Fields{
		"sample_rate": e.cfg.SampleRate,
		"channels":    e.cfg.Channels,
		"bitrate":     e.cfg.Bitrate,
	}).Info("preparing audio encoder")

	go e.drainLoop()
	return e.ready, nil
}

// StartRecording starts reading the microphone.
func (e *AudioEncoder) StartRecording() error {
	if !e.state.CompareAndSwap(int32(statePreparing), int32(stateCapturing)) {
		return errors.Wrapf(ErrEncoderState, "start in state %s", encoderState(e.state.Load()))
	}
	go e.capture()
	return nil
}

// StopRecording requests the capture goroutine to end. It returns immediately
// and does nothing unless the encoder is preparing or capturing.
func (e *AudioEncoder) StopRecording() {
	for {
		s := e.state.Load()
		switch s {
		case int32(stateCapturing):
			if !e.state.CompareAndSwap(s, int32(stateStopping)) {
				continue
			}
			e.requestStop.Store(true)
			// 読み込み中の Read を抜けさせる
			e.closeMic()
			e.log.Info("audio stop requested")
			return
		case int32(statePreparing):
			if !e.state.CompareAndSwap(s, int32(stateStopping)) {
				continue
			}
			e.requestStop.Store(true)
			e.closeMic()
			go e.signalEndOfStream()
			return
		default:
			return
		}
	}
}

// Done resolves once the codec has been released.
func (e *AudioEncoder) Done() *Future { return e.done }

func (e *AudioEncoder) Stats() EncoderStats {
	return EncoderStats{
		Submitted:          e.captured.Load(),
		Pushed:             e.drainer.pushed.Load(),
		Dropped:            e.drainer.dropped.Load(),
		ProtocolViolations: e.drainer.violations.Load(),
	}
}

func (e *AudioEncoder) capture() {
	defer e.signalEndOfStream()
	defer e.closeMic()

	buf := make([]byte, e.cfg.FrameBytes())
	var start time.Time
	started := false
	var last int64

	for !e.requestStop.Load() {
		if _, err := io.ReadFull(e.mic, buf); err != nil {
			if e.requestStop.Load() || errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
				e.log.WithField("frames", e.captured.Load()).Info("microphone closed")
				return
			}
			err = errors.Wrapf(ErrMicrophone, "%v", err)
			e.log.WithError(err).Error("microphone failed")
			e.muxer.Fail(err)
			return
		}

		now := e.opts.Clock.Now()
		if !started {
			start = now
			started = true
		}
		pts := now.Sub(start).Microseconds()
		if pts < last {
			pts = last
		}
		last = pts

		if err := e.codec.QueueInput(buf, pts); err != nil {
			e.log.WithError(err).Warn("queue input failed")
			continue
		}
		n := e.captured.Add(1)
		internal.DebugLogPeriodic("audio.capture", frameLogInterval, "audio frame queued: pts=%dus total=%d\n", pts, n)
	}
}

func (e *AudioEncoder) signalEndOfStream() {
	e.eosOnce.Do(func() {
		if err := e.codec.SignalEndOfInputStream(); err != nil {
			e.log.WithError(err).Warn("signal end of stream failed")
		}
		close(e.eosCh)
	})
}

func (e *AudioEncoder) closeMic() {
	e.micOnce.Do(func() {
		if e.mic == nil {
			return
		}
		if err := e.mic.Close(); err != nil {
			e.log.WithError(err).Debug("microphone close failed")
		}
	})
}

func (e *AudioEncoder) drainLoop() {
	e.ready.Resolve(nil)

	eos := false
loop:
	for {
		select {
		case <-e.eosCh:
			break loop
		default:
		}
		_, seen, err := e.drainer.step(e.opts.DrainPoll)
		if err != nil {
			e.log.WithError(err).Warn("dequeue output failed")
			break
		}
		if seen {
			eos = true
			break
		}
	}
	if !eos {
		<-e.eosCh
		e.drainer.drain(true)
	}

	if err := e.codec.Release(); err != nil {
		e.log.WithError(err).Warn("codec release failed")
	}
	e.drainer.leave()
	e.state.Store(int32(stateReleased))
	e.done.Resolve(nil)
	e.log.WithFields(logrus.Fields{
		"captured": e.captured.Load(),
		"pushed":   e.drainer.pushed.Load(),
	}).Info("audio encoder released")
}
