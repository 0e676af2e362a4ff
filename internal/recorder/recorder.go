package recorder

import (
	"context"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Azunyan1111/go-camera-recorder/internal"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"k8s.io/utils/clock"
)

const DefaultPrepareTimeout = 3 * time.Second

// MaxRecordDuration is the longest a session records before it stops itself.
const MaxRecordDuration = 10 * time.Minute

// Listener receives session events. OnError is raised at most once per session.
type Listener interface {
	OnStarted()
	OnStopped(path string)
	OnError(err error)
}

// MicrophoneFactory opens the microphone for a new session.
type MicrophoneFactory func() (io.ReadCloser, error)

// Options configure a Recorder. Zero values fall back to package defaults.
type Options struct {
	Registry  *CodecRegistry
	Container ContainerFactory
	Listener  Listener
	Clock     clock.Clock

	// MaxDuration stops the session this long after the container starts.
	// Values outside (0, MaxRecordDuration] use MaxRecordDuration.
	MaxDuration time.Duration

	// Camera size and the share group camera textures live in.
	Width         int
	Height        int
	Bitrate       int
	SharedContext SharedContext

	// Microphone nil records video only.
	Microphone      MicrophoneFactory
	SampleRate      int
	Channels        int
	AudioBitrate    int
	SamplesPerFrame int

	VideoPoolCapacity int
	AudioPoolCapacity int
	VideoQueueDepth   int
	PrepareTimeout    time.Duration
	StartTimeout      time.Duration
	// FlushTimeout zero uses DefaultFlushTimeout; negative discards queued
	// packets as soon as the session stops.
	FlushTimeout time.Duration
	DrainRetries int
	DrainPoll    time.Duration
}

// Session is one recording: a muxer, its encoders and a done future.
type Session struct {
	ID    string
	Path  string
	muxer *Muxer
	video *VideoEncoder
	audio *AudioEncoder
	done  *Future
	log   *logrus.Entry

	listener Listener
	errOnce  sync.Once

	mu       sync.Mutex
	firstErr error

	texMu     sync.Mutex
	lastTexID int
	texSet    bool

	timedOut atomic.Bool
}

// Done resolves after the container is closed and every encoder released.
func (s *Session) Done() *Future { return s.done }

// Video returns the session's video encoder.
func (s *Session) Video() *VideoEncoder {
	video, _ := s.encoders()
	return video
}

// Audio returns the session's audio encoder, nil for video-only sessions.
func (s *Session) Audio() *AudioEncoder {
	_, audio := s.encoders()
	return audio
}

// Muxer returns the session's muxer.
func (s *Session) Muxer() *Muxer { return s.muxer }

// TimedOut reports whether the session was stopped by its max duration.
func (s *Session) TimedOut() bool { return s.timedOut.Load() }

// Err returns the first fatal error of the session.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.firstErr
}

// fail records err, notifies the listener once and asks the encoders to stop.
func (s *Session) fail(err error) {
	s.errOnce.Do(func() {
		s.mu.Lock()
		s.firstErr = err
		s.mu.Unlock()
		s.log.WithError(err).Error("recording failed")
		if s.listener != nil {
			s.listener.OnError(err)
		}
	})
	s.stop()
}

func (s *Session) stop() {
	video, audio := s.encoders()
	if video != nil {
		video.StopRecording()
	}
	if audio != nil {
		audio.StopRecording()
	}
}

// stopAfter stops the session once d has passed on c, unless it ends first.
func (s *Session) stopAfter(c clock.Clock, d time.Duration) {
	timer := c.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C():
		s.timedOut.Store(true)
		s.log.WithField("max_duration", d).Info("max duration reached, stopping")
		s.stop()
	case <-s.done.Done():
	}
}

func (s *Session) encoders() (*VideoEncoder, *AudioEncoder) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.video, s.audio
}

func (s *Session) setEncoders(video *VideoEncoder, audio *AudioEncoder) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.video, s.audio = video, audio
}

// Recorder is the control surface. It runs at most one session at a time.
type Recorder struct {
	opts Options
	log  *logrus.Entry

	mu      sync.Mutex
	session *Session
}

func NewRecorder(opts Options) *Recorder {
	if opts.Clock == nil {
		opts.Clock = clock.RealClock{}
	}
	if opts.PrepareTimeout <= 0 {
		opts.PrepareTimeout = DefaultPrepareTimeout
	}
	if opts.FlushTimeout == 0 {
		opts.FlushTimeout = DefaultFlushTimeout
	}
	if opts.MaxDuration <= 0 || opts.MaxDuration > MaxRecordDuration {
		opts.MaxDuration = MaxRecordDuration
	}
	return &Recorder{
		opts: opts,
		log:  internal.ComponentLogger("recorder"),
	}
}

// StartRecording creates a session writing to path and waits for the
// encoders to become ready. Failures are returned and raised through the
// listener once.
func (r *Recorder) StartRecording(path string, compressed bool) error {
	r.mu.Lock()
	if r.session != nil {
		r.mu.Unlock()
		return ErrSessionActive
	}
	s := &Session{
		ID:       uuid.NewString(),
		Path:     path,
		done:     NewFuture(),
		listener: r.opts.Listener,
	}
	s.log = r.log.WithField("session", s.ID)
	r.session = s
	opts := r.opts
	r.mu.Unlock()

	if err := prepareSession(s, opts, compressed); err != nil {
		s.fail(err)
		r.teardown(s)
		return err
	}
	s.log.WithFields(logrus.Fields{"path": path, "compressed": compressed, "audio": s.Audio() != nil}).Info("recording started")
	go r.watch(s)
	return nil
}

func prepareSession(s *Session, opts Options, compressed bool) error {
	muxer, err := NewMuxer(s.Path, opts.Container, MuxerOptions{
		VideoPoolCapacity: opts.VideoPoolCapacity,
		AudioPoolCapacity: opts.AudioPoolCapacity,
		FlushTimeout:      opts.FlushTimeout,
		Hooks: MuxerHooks{
			OnStarted: func() {
				// 録画時間の上限はコンテナが開始した時点から数える
				go s.stopAfter(opts.Clock, opts.MaxDuration)
				if s.listener != nil {
					s.listener.OnStarted()
				}
			},
			OnStopped: func(path string, stats PoolStats) {
				s.log.WithFields(logrus.Fields{
					"video_pushed":  stats.VideoPushed,
					"audio_pushed":  stats.AudioPushed,
					"video_dropped": stats.VideoDropped,
					"audio_dropped": stats.AudioDropped,
				}).Info("recording stopped")
				if s.listener != nil {
					s.listener.OnStopped(path)
				}
			},
			OnError: s.fail,
		},
	})
	if err != nil {
		return err
	}
	s.muxer = muxer

	encOpts := EncoderOptions{
		Registry:     opts.Registry,
		DrainPoll:    opts.DrainPoll,
		DrainRetries: opts.DrainRetries,
		StartTimeout: opts.StartTimeout,
		QueueDepth:   opts.VideoQueueDepth,
		Clock:        opts.Clock,
	}

	var futures []*Future
	video := NewVideoEncoder(muxer, encOpts)
	s.setEncoders(video, nil)
	ready, err := video.PrepareRecording(VideoConfig{
		OutputPath:    s.Path,
		Width:         opts.Width,
		Height:        opts.Height,
		Bitrate:       opts.Bitrate,
		Compress:      compressed,
		SharedContext: opts.SharedContext,
	})
	if err != nil {
		return err
	}
	futures = append(futures, ready)

	if opts.Microphone != nil {
		mic, err := opts.Microphone()
		if err != nil {
			return errors.Wrapf(ErrMicrophone, "%v", err)
		}
		audio := NewAudioEncoder(muxer, mic, AudioConfig{
			SampleRate:      opts.SampleRate,
			Channels:        opts.Channels,
			Bitrate:         opts.AudioBitrate,
			SamplesPerFrame: opts.SamplesPerFrame,
		}, encOpts)
		s.setEncoders(video, audio)
		ready, err := audio.Prepare()
		if err != nil {
			return err
		}
		futures = append(futures, ready)
	}

	ctx, cancel := context.WithTimeout(context.Background(), opts.PrepareTimeout)
	defer cancel()
	for _, f := range futures {
		if err := f.Wait(ctx); err != nil {
			return errors.Wrap(err, "encoder prepare")
		}
	}

	if audio := s.Audio(); audio != nil {
		if err := audio.StartRecording(); err != nil {
			return err
		}
	}
	return nil
}

// teardown stops whatever prepare managed to build and waits for it.
func (r *Recorder) teardown(s *Session) {
	s.stop()
	video, audio := s.encoders()
	if video != nil {
		<-video.Released().Done()
	}
	if audio != nil {
		<-audio.Done().Done()
	}
	if s.muxer != nil {
		if err := s.muxer.Close(); err != nil {
			s.log.WithError(err).Warn("failed to close muxer")
		}
	}
	r.finish(s)
}

// watch closes the muxer once every encoder is released and ends the session.
func (r *Recorder) watch(s *Session) {
	video, audio := s.encoders()
	<-video.Released().Done()
	if audio != nil {
		<-audio.Done().Done()
	}
	if err := s.muxer.Close(); err != nil {
		s.log.WithError(err).Warn("failed to close muxer")
	}
	r.finish(s)
}

func (r *Recorder) finish(s *Session) {
	r.mu.Lock()
	if r.session == s {
		r.session = nil
	}
	r.mu.Unlock()
	s.done.Resolve(s.Err())
	s.log.Debug("session finished")
}

// StopRecording asks the active session to stop. It does not wait; use Wait.
func (r *Recorder) StopRecording() error {
	s := r.Session()
	if s == nil {
		return ErrNoSession
	}
	s.log.Info("stop requested")
	s.stop()
	return nil
}

// OnCameraFrame forwards a camera frame to the video encoder.
func (r *Recorder) OnCameraFrame(textureID int, transform [16]float32, timestampNanos int64) error {
	s := r.Session()
	if s == nil {
		return ErrNoSession
	}
	s.texMu.Lock()
	if !s.texSet || s.lastTexID != textureID {
		if err := s.Video().SetTextureID(textureID); err != nil {
			s.texMu.Unlock()
			return err
		}
		s.lastTexID = textureID
		s.texSet = true
	}
	s.texMu.Unlock()
	return s.Video().OnFrameAvailable(transform, timestampNanos)
}

// OnOrientationOrSurfaceChanged hands the video encoder a new share group.
func (r *Recorder) OnOrientationOrSurfaceChanged(shared SharedContext) error {
	r.mu.Lock()
	r.opts.SharedContext = shared
	s := r.session
	r.mu.Unlock()
	if s == nil {
		return nil
	}
	return s.Video().UpdateSharedContext(shared)
}

// Session returns the active session or nil.
func (r *Recorder) Session() *Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.session
}

// Active reports whether a session is running.
func (r *Recorder) Active() bool {
	return r.Session() != nil
}

// Wait blocks until the active session has finished and returns its fatal error.
func (r *Recorder) Wait(ctx context.Context) error {
	s := r.Session()
	if s == nil {
		return nil
	}
	return s.done.Wait(ctx)
}
