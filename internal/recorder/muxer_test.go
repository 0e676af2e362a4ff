package recorder

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type hookRecorder struct {
	mu      sync.Mutex
	started int
	stopped int
	errs    []error
}

func (h *hookRecorder) hooks() MuxerHooks {
	return MuxerHooks{
		OnStarted: func() {
			h.mu.Lock()
			defer h.mu.Unlock()
			h.started++
		},
		OnStopped: func(string, PoolStats) {
			h.mu.Lock()
			defer h.mu.Unlock()
			h.stopped++
		},
		OnError: func(err error) {
			h.mu.Lock()
			defer h.mu.Unlock()
			h.errs = append(h.errs, err)
		},
	}
}

func (h *hookRecorder) snapshot() (int, int, int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.started, h.stopped, len(h.errs)
}

func newTestMuxer(t *testing.T, c *fakeContainer, h *hookRecorder) *Muxer {
	t.Helper()
	opts := MuxerOptions{FlushTimeout: time.Second}
	if h != nil {
		opts.Hooks = h.hooks()
	}
	m, err := NewMuxer("test.webm", c.factory(), opts)
	require.NoError(t, err)
	t.Cleanup(func() { m.Close() })
	return m
}

func TestMuxerStartsOnceWhenAllEncodersStarted(t *testing.T) {
	c := newFakeContainer()
	h := &hookRecorder{}
	m := newTestMuxer(t, c, h)

	require.NoError(t, m.AddEncoder(KindVideo))
	require.NoError(t, m.AddEncoder(KindAudio))
	assert.Equal(t, 2, m.ExpectedEncoders())

	vIdx, err := m.AddTrack(VideoFormat(EncodeProfile{Width: 320, Height: 240, FrameRate: 25}))
	require.NoError(t, err)
	aIdx, err := m.AddTrack(AudioFormat(48000, 2, 64000))
	require.NoError(t, err)
	assert.Equal(t, 0, vIdx)
	assert.Equal(t, 1, aIdx)

	assert.False(t, m.Start())
	assert.False(t, m.IsStarted())
	assert.True(t, m.Start())
	assert.True(t, m.IsStarted())

	starts, _ := c.counts()
	assert.Equal(t, 1, starts)
	assert.Equal(t, []Kind{KindVideo, KindAudio}, c.trackKinds())

	assert.False(t, m.Stop())
	_, closes := c.counts()
	assert.Equal(t, 0, closes)
	assert.True(t, m.Stop())
	_, closes = c.counts()
	assert.Equal(t, 1, closes)

	started, stopped, errs := h.snapshot()
	assert.Equal(t, 1, started)
	assert.Equal(t, 1, stopped)
	assert.Equal(t, 0, errs)

	// extra stops are ignored
	assert.False(t, m.Stop())
	require.NoError(t, m.Close())
	_, closes = c.counts()
	assert.Equal(t, 1, closes)
}

func TestMuxerSingleEncoder(t *testing.T) {
	c := newFakeContainer()
	m := newTestMuxer(t, c, nil)

	require.NoError(t, m.AddEncoder(KindVideo))
	_, err := m.AddTrack(VideoFormat(EncodeProfile{Width: 320, Height: 240}))
	require.NoError(t, err)
	assert.True(t, m.Start())
	assert.True(t, m.Stop())
	starts, closes := c.counts()
	assert.Equal(t, 1, starts)
	assert.Equal(t, 1, closes)
}

func TestMuxerRejectsDuplicateEncoder(t *testing.T) {
	m := newTestMuxer(t, newFakeContainer(), nil)
	require.NoError(t, m.AddEncoder(KindAudio))
	err := m.AddEncoder(KindAudio)
	assert.True(t, errors.Is(err, ErrTooManyEncoders))
}

func TestMuxerAddTrackRules(t *testing.T) {
	m := newTestMuxer(t, newFakeContainer(), nil)
	require.NoError(t, m.AddEncoder(KindVideo))

	first, err := m.AddTrack(VideoFormat(EncodeProfile{Width: 320, Height: 240}))
	require.NoError(t, err)
	// before start a repeated format keeps its index
	again, err := m.AddTrack(VideoFormat(EncodeProfile{Width: 640, Height: 480}))
	require.NoError(t, err)
	assert.Equal(t, first, again)

	require.True(t, m.Start())

	_, err = m.AddTrack(VideoFormat(EncodeProfile{Width: 640, Height: 480}))
	assert.True(t, errors.Is(err, ErrDoubleFormatChange))
	_, err = m.AddTrack(AudioFormat(48000, 2, 0))
	assert.True(t, errors.Is(err, ErrMuxerStarted))
	assert.True(t, errors.Is(m.AddEncoder(KindAudio), ErrMuxerStarted))
}

func TestMuxerWriteSampleRequiresStart(t *testing.T) {
	c := newFakeContainer()
	m := newTestMuxer(t, c, nil)
	require.NoError(t, m.AddEncoder(KindAudio))
	idx, err := m.AddTrack(AudioFormat(48000, 2, 0))
	require.NoError(t, err)

	err = m.WriteSample(idx, audioPacket(0))
	assert.True(t, errors.Is(err, ErrMuxerNotStarted))

	require.True(t, m.Start())
	require.NoError(t, m.WriteSample(idx, audioPacket(10)))
	require.NoError(t, m.WriteSample(idx, audioPacket(10)))
	err = m.WriteSample(idx, audioPacket(5))
	assert.True(t, errors.Is(err, ErrOutOfOrder))
	assert.Equal(t, []int64{10, 10}, c.ptsOf(idx))
	assert.Error(t, m.WriteSample(7, audioPacket(20)))
}

func TestMuxerWaitStarted(t *testing.T) {
	m := newTestMuxer(t, newFakeContainer(), nil)
	require.NoError(t, m.AddEncoder(KindVideo))
	require.NoError(t, m.AddEncoder(KindAudio))
	_, err := m.AddTrack(VideoFormat(EncodeProfile{Width: 320, Height: 240}))
	require.NoError(t, err)
	require.False(t, m.Start())

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err = m.WaitStarted(ctx)
	assert.True(t, errors.Is(err, ErrStartTimeout))

	waited := make(chan error, 1)
	go func() { waited <- m.WaitStarted(context.Background()) }()
	_, err = m.AddTrack(AudioFormat(48000, 2, 0))
	require.NoError(t, err)
	require.True(t, m.Start())
	select {
	case err := <-waited:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("start waiter not released")
	}
}

func TestMuxerContainerStartFailure(t *testing.T) {
	c := newFakeContainer()
	c.startErr = errFake
	h := &hookRecorder{}
	m := newTestMuxer(t, c, h)

	require.NoError(t, m.AddEncoder(KindVideo))
	_, err := m.AddTrack(VideoFormat(EncodeProfile{Width: 320, Height: 240}))
	require.NoError(t, err)
	assert.False(t, m.Start())

	err = m.WaitStarted(context.Background())
	assert.True(t, errors.Is(err, ErrContainerStart))
	assert.True(t, IsFatal(err))
	assert.True(t, errors.Is(m.Err(), ErrContainerStart))

	// a second failure is not reported again
	m.Fail(errFake)
	_, _, errs := h.snapshot()
	assert.Equal(t, 1, errs)

	require.NoError(t, m.Close())
	_, closes := c.counts()
	assert.Equal(t, 1, closes)
}

func TestMuxerContainerCreateFailure(t *testing.T) {
	_, err := NewMuxer("x.webm", func(string) (Container, error) { return nil, errFake }, MuxerOptions{})
	assert.True(t, errors.Is(err, ErrContainerCreate))
	assert.True(t, IsFatal(err))
}

func TestMuxerFlushesQueuedPacketsOnStop(t *testing.T) {
	c := newFakeContainer()
	m := newTestMuxer(t, c, nil)
	require.NoError(t, m.AddEncoder(KindAudio))
	idx, err := m.AddTrack(AudioFormat(48000, 2, 0))
	require.NoError(t, err)
	require.True(t, m.Start())

	for i := 0; i < 20; i++ {
		m.Pool().Push(audioPacket(int64(i * 1000)))
	}
	require.True(t, m.Stop())
	assert.Len(t, c.ptsOf(idx), 20)
	assert.True(t, m.Pool().Aborted())
	assert.False(t, m.Pool().Push(audioPacket(99999)))
	assert.True(t, m.Stopped().Resolved())
}

func TestMuxerZeroFlushTimeoutDiscardsQueuedPackets(t *testing.T) {
	c := newFakeContainer()
	c.writeDelay = 10 * time.Millisecond
	m, err := NewMuxer("test.webm", c.factory(), MuxerOptions{})
	require.NoError(t, err)
	require.NoError(t, m.AddEncoder(KindAudio))
	idx, err := m.AddTrack(AudioFormat(48000, 2, 0))
	require.NoError(t, err)
	require.True(t, m.Start())

	for i := 0; i < 30; i++ {
		m.Pool().Push(audioPacket(int64(i * 1000)))
	}
	start := time.Now()
	require.True(t, m.Stop())
	assert.Less(t, time.Since(start), 150*time.Millisecond)

	written := len(c.ptsOf(idx))
	assert.Less(t, written, 30)
	time.Sleep(50 * time.Millisecond)
	assert.Len(t, c.ptsOf(idx), written, "nothing is written after stop returns")
}

func TestMuxerWebMOutput(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out.webm")
	m, err := NewMuxer(path, nil, MuxerOptions{FlushTimeout: time.Second})
	require.NoError(t, err)

	require.NoError(t, m.AddEncoder(KindVideo))
	require.NoError(t, m.AddEncoder(KindAudio))
	_, err = m.AddTrack(VideoFormat(EncodeProfile{Width: 320, Height: 240, FrameRate: 25}))
	require.NoError(t, err)
	_, err = m.AddTrack(AudioFormat(48000, 2, 64000))
	require.NoError(t, err)
	m.Start()
	require.True(t, m.Start())

	for i := 0; i < 5; i++ {
		m.Pool().Push(videoPacket(int64(i*40000), i == 0))
		m.Pool().Push(audioPacket(int64(i * 20000)))
	}
	m.Stop()
	require.True(t, m.Stop())
	require.NoError(t, m.Stopped().Err())

	summary := parseWebM(t, path)
	assert.Equal(t, []string{"V_VP8", "A_OPUS"}, summary.codecs)
	assert.Equal(t, 5, summary.blocks[1])
	assert.Equal(t, 5, summary.blocks[2])
}

func TestMuxerRemovesNeverStartedContainer(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out.webm")
	m, err := NewMuxer(path, nil, MuxerOptions{})
	require.NoError(t, err)
	assert.FileExists(t, path)
	require.NoError(t, m.Close())
	assert.NoFileExists(t, path)
}
