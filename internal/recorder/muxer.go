package recorder

import (
	"context"
	"sync"
	"time"

	"github.com/Azunyan1111/go-camera-recorder/internal"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

const DefaultFlushTimeout = 500 * time.Millisecond

// MuxerHooks are invoked outside the muxer lock.
type MuxerHooks struct {
	OnStarted func()
	OnStopped func(path string, stats PoolStats)
	OnError   func(err error)
}

type MuxerOptions struct {
	VideoPoolCapacity int
	AudioPoolCapacity int
	// FlushTimeout bounds how long a stopping muxer keeps writing queued packets.
	// Zero or negative discards them immediately.
	FlushTimeout time.Duration
	Hooks        MuxerHooks
}

// Muxer owns the container lifecycle. Encoders register first, then each one
// calls Start after adding its track; the container starts when every
// registered encoder has done so. Stop is counted the same way.
type Muxer struct {
	path      string
	container Container
	pool      *PacketPool
	consumer  *PacketConsumer
	opts      MuxerOptions
	log       *logrus.Entry

	mu                sync.Mutex
	registered        map[Kind]bool
	expected          int
	tracks            []TrackFormat
	trackIndex        map[Kind]int
	lastPTS           map[int]int64
	startCount        int
	physicallyStarted bool
	startFailed       bool
	finished          bool
	failed            error
	started           *Future
	stopped           *Future
	shutdownOnce      sync.Once
}

// NewMuxer opens the container at path. Failure is reported as ErrContainerCreate.
func NewMuxer(path string, factory ContainerFactory, opts MuxerOptions) (*Muxer, error) {
	if factory == nil {
		factory = OpenWebMContainer
	}
	container, err := factory(path)
	if err != nil {
		return nil, errors.Wrapf(ErrContainerCreate, "%s: %v", path, err)
	}
	m := &Muxer{
		path:       path,
		container:  container,
		pool:       NewPacketPool(opts.VideoPoolCapacity, opts.AudioPoolCapacity),
		opts:       opts,
		log:        internal.ComponentLogger("muxer").WithField("path", path),
		registered: make(map[Kind]bool),
		trackIndex: make(map[Kind]int),
		lastPTS:    make(map[int]int64),
		started:    NewFuture(),
		stopped:    NewFuture(),
	}
	m.consumer = NewPacketConsumer(m.pool, m.writePacket)
	return m, nil
}

func (m *Muxer) Path() string { return m.path }

// Pool is where encoders push their output.
func (m *Muxer) Pool() *PacketPool { return m.pool }

// AddEncoder registers an encoder of kind. At most one of each kind is allowed.
func (m *Muxer) AddEncoder(kind Kind) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.physicallyStarted || m.finished {
		return errors.Wrapf(ErrMuxerStarted, "cannot add %s encoder", kind)
	}
	if m.registered[kind] {
		return errors.Wrapf(ErrTooManyEncoders, "%s", kind)
	}
	m.registered[kind] = true
	m.expected++
	m.log.WithFields(logrus.Fields{"kind": kind, "expected": m.expected}).Debug("encoder registered")
	return nil
}

// ExpectedEncoders returns the number of registered encoders.
func (m *Muxer) ExpectedEncoders() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.expected
}

// AddTrack registers the output format of an encoder and returns its track index.
// Before start a repeated kind replaces the format and keeps its index.
func (m *Muxer) AddTrack(format TrackFormat) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if idx, ok := m.trackIndex[format.Kind]; ok {
		if m.physicallyStarted || m.finished {
			return -1, errors.Wrapf(ErrDoubleFormatChange, "%s track", format.Kind)
		}
		m.log.WithField("kind", format.Kind).Warn("format changed twice before start, replacing track format")
		m.tracks[idx] = format
		return idx, nil
	}
	if m.physicallyStarted || m.finished {
		return -1, errors.Wrapf(ErrMuxerStarted, "cannot add %s track", format.Kind)
	}
	if !m.registered[format.Kind] {
		m.log.WithField("kind", format.Kind).Warn("adding track for unregistered encoder")
	}
	idx := len(m.tracks)
	m.tracks = append(m.tracks, format)
	m.trackIndex[format.Kind] = idx
	m.log.WithFields(logrus.Fields{"kind": format.Kind, "index": idx, "codec": format.Codec.MimeType}).Info("track added")
	return idx, nil
}

// TrackIndex returns the index assigned to kind.
func (m *Muxer) TrackIndex(kind Kind) (int, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	idx, ok := m.trackIndex[kind]
	return idx, ok
}

// Start joins the start barrier. The container is started by the call that
// brings the count up to the number of registered encoders. It reports whether
// the container is running after the call.
func (m *Muxer) Start() bool {
	_, started := m.join()
	return started
}

// join is Start that also reports whether the caller was counted and so owes a Stop.
func (m *Muxer) join() (joined, started bool) {
	m.mu.Lock()
	if m.startFailed || m.finished {
		m.mu.Unlock()
		return false, false
	}
	m.startCount++
	if m.physicallyStarted {
		m.mu.Unlock()
		return true, true
	}
	if m.startCount < m.expected {
		m.log.WithFields(logrus.Fields{"started": m.startCount, "expected": m.expected}).Debug("waiting for other encoders")
		m.mu.Unlock()
		return true, false
	}

	tracks := make([]TrackFormat, len(m.tracks))
	copy(tracks, m.tracks)
	if err := m.container.Start(tracks); err != nil {
		m.startFailed = true
		m.mu.Unlock()
		m.Fail(errors.Wrapf(ErrContainerStart, "%v", err))
		return true, false
	}
	m.physicallyStarted = true
	m.consumer.Start()
	m.mu.Unlock()

	m.log.WithField("tracks", len(tracks)).Info("muxer started")
	m.started.Resolve(nil)
	if m.opts.Hooks.OnStarted != nil {
		m.opts.Hooks.OnStarted()
	}
	return true, true
}

// IsStarted reports whether the container is running.
func (m *Muxer) IsStarted() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.physicallyStarted && !m.finished
}

// WaitStarted blocks until the container starts, the muxer fails, or ctx ends.
func (m *Muxer) WaitStarted(ctx context.Context) error {
	err := m.started.Wait(ctx)
	if errors.Is(err, context.DeadlineExceeded) {
		return errors.Wrap(ErrStartTimeout, err.Error())
	}
	return err
}

// Stopped resolves once the container has been closed.
func (m *Muxer) Stopped() *Future { return m.stopped }

// WriteSample writes pkt to track. Timestamps must not decrease within a track.
func (m *Muxer) WriteSample(track int, pkt EncodedPacket) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.physicallyStarted || m.finished {
		return ErrMuxerNotStarted
	}
	if track < 0 || track >= len(m.tracks) {
		return errors.Errorf("unknown track index %d", track)
	}
	if last, ok := m.lastPTS[track]; ok && pkt.PTSMicros < last {
		m.log.WithFields(logrus.Fields{"track": track, "pts": pkt.PTSMicros, "last": last}).Warn("dropping out-of-order sample")
		return errors.Wrapf(ErrOutOfOrder, "track %d pts %d < %d", track, pkt.PTSMicros, last)
	}
	if err := m.container.WriteSample(track, pkt); err != nil {
		return errors.Wrapf(err, "track %d", track)
	}
	m.lastPTS[track] = pkt.PTSMicros
	return nil
}

func (m *Muxer) writePacket(pkt EncodedPacket) error {
	idx, ok := m.TrackIndex(pkt.Kind)
	if !ok {
		return errors.Errorf("no track for %s", pkt.Kind)
	}
	return m.WriteSample(idx, pkt)
}

// Stop leaves the start barrier. The call that brings the count to zero stops
// the container and reports true.
func (m *Muxer) Stop() bool {
	m.mu.Lock()
	if m.startCount <= 0 || m.finished {
		m.mu.Unlock()
		return false
	}
	m.startCount--
	if m.startCount > 0 {
		m.log.WithField("remaining", m.startCount).Debug("waiting for other encoders to stop")
		m.mu.Unlock()
		return false
	}
	m.mu.Unlock()
	m.shutdown()
	return true
}

// Fail marks the muxer failed, releases start waiters and raises one error event.
func (m *Muxer) Fail(err error) {
	m.mu.Lock()
	if m.failed != nil {
		m.mu.Unlock()
		return
	}
	m.failed = err
	m.mu.Unlock()

	m.log.WithError(err).Error("muxer failed")
	m.started.Resolve(err)
	if m.opts.Hooks.OnError != nil {
		m.opts.Hooks.OnError(err)
	}
}

// Err returns the failure recorded by Fail.
func (m *Muxer) Err() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.failed
}

// Close tears the muxer down regardless of the start count. Safe to call repeatedly.
func (m *Muxer) Close() error {
	m.shutdown()
	return m.stopped.Err()
}

func (m *Muxer) shutdown() {
	m.shutdownOnce.Do(func() {
		m.mu.Lock()
		wasStarted := m.physicallyStarted
		m.mu.Unlock()

		if wasStarted {
			if !m.consumer.Flush(m.opts.FlushTimeout) {
				m.log.WithField("queued", m.pool.Len(KindVideo)+m.pool.Len(KindAudio)).Warn("discarding unflushed packets")
			}
			m.consumer.Stop()
		}
		stats := m.pool.Stats()
		m.pool.Abort()

		m.mu.Lock()
		m.finished = true
		m.startCount = 0
		m.mu.Unlock()

		err := m.container.Close()
		if err != nil {
			m.log.WithError(err).Warn("failed to close container")
		}
		m.started.Resolve(ErrMuxerNotStarted)
		m.stopped.Resolve(err)
		m.log.WithFields(logrus.Fields{
			"written":       m.consumer.Written(),
			"video_dropped": stats.VideoDropped,
			"audio_dropped": stats.AudioDropped,
		}).Info("muxer stopped")

		if wasStarted && m.opts.Hooks.OnStopped != nil {
			m.opts.Hooks.OnStopped(m.path, stats)
		}
	})
}
