package recorder

import (
	"image"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/remko/go-mkvparse"
	"github.com/stretchr/testify/require"
)

// fakeContainer records everything written to it.
type fakeContainer struct {
	mu       sync.Mutex
	tracks   []TrackFormat
	samples  map[int][]EncodedPacket
	starts   int
	closes   int
	startErr error
	// writeDelay makes every WriteSample this slow.
	writeDelay time.Duration
}

func newFakeContainer() *fakeContainer {
	return &fakeContainer{samples: make(map[int][]EncodedPacket)}
}

func (c *fakeContainer) factory() ContainerFactory {
	return func(path string) (Container, error) { return c, nil }
}

func (c *fakeContainer) Start(tracks []TrackFormat) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.starts++
	if c.startErr != nil {
		return c.startErr
	}
	c.tracks = tracks
	return nil
}

func (c *fakeContainer) WriteSample(track int, pkt EncodedPacket) error {
	if c.writeDelay > 0 {
		time.Sleep(c.writeDelay)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.samples[track] = append(c.samples[track], pkt)
	return nil
}

func (c *fakeContainer) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closes++
	return nil
}

func (c *fakeContainer) ptsOf(track int) []int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []int64
	for _, p := range c.samples[track] {
		out = append(out, p.PTSMicros)
	}
	return out
}

func (c *fakeContainer) counts() (starts, closes int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.starts, c.closes
}

func (c *fakeContainer) trackKinds() []Kind {
	c.mu.Lock()
	defer c.mu.Unlock()
	var kinds []Kind
	for _, t := range c.tracks {
		kinds = append(kinds, t.Kind)
	}
	return kinds
}

// fakeCodec is a codec whose output is scripted by the test.
type fakeCodec struct {
	out    *CodecOutput
	format TrackFormat

	mu        sync.Mutex
	frames    []int64
	pcm       int
	eos       bool
	released  int
	submitErr error
	// noEOS keeps the codec from ever emitting its end-of-stream buffer.
	noEOS bool
	// extraFormatAt announces the format again before the n-th buffer.
	extraFormatAt int
	emitted       int
	releaseErr    error
}

func newFakeCodec(format TrackFormat) *fakeCodec {
	c := &fakeCodec{out: NewCodecOutput(256), format: format}
	c.out.SetFormat(format)
	return c
}

func (c *fakeCodec) DequeueOutput(timeout time.Duration) (CodecEvent, error) {
	return c.out.Dequeue(timeout)
}

func (c *fakeCodec) SignalEndOfInputStream() error {
	c.mu.Lock()
	c.eos = true
	noEOS := c.noEOS
	last := int64(0)
	if n := len(c.frames); n > 0 {
		last = c.frames[n-1]
	}
	c.mu.Unlock()
	if !noEOS {
		c.out.EmitEndOfStream(c.format.Kind, last)
	}
	return nil
}

func (c *fakeCodec) Release() error {
	c.mu.Lock()
	c.released++
	err := c.releaseErr
	c.mu.Unlock()
	c.out.Close()
	return err
}

func (c *fakeCodec) emit(pts int64, key bool) {
	c.mu.Lock()
	c.emitted++
	extra := c.extraFormatAt > 0 && c.emitted == c.extraFormatAt
	c.mu.Unlock()
	if extra {
		c.out.AnnounceFormat(c.format)
	}
	c.out.Emit(EncodedPacket{Kind: c.format.Kind, Payload: []byte{1, 2, 3}, PTSMicros: pts, Flags: PacketFlags{Keyframe: key}})
}

func (c *fakeCodec) SubmitFrame(frame *image.RGBA, ptsMicros int64) error {
	c.mu.Lock()
	if c.submitErr != nil {
		err := c.submitErr
		c.mu.Unlock()
		return err
	}
	c.frames = append(c.frames, ptsMicros)
	key := len(c.frames) == 1
	c.mu.Unlock()
	c.emit(ptsMicros, key)
	return nil
}

func (c *fakeCodec) QueueInput(pcm []byte, ptsMicros int64) error {
	c.mu.Lock()
	c.pcm += len(pcm)
	c.frames = append(c.frames, ptsMicros)
	c.mu.Unlock()
	c.emit(ptsMicros, true)
	return nil
}

func (c *fakeCodec) submitted() []int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]int64(nil), c.frames...)
}

func (c *fakeCodec) releaseCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.released
}

// fakeRegistry hands out fakeCodecs and remembers them.
type fakeRegistry struct {
	*CodecRegistry
	mu     sync.Mutex
	codecs map[Kind]*fakeCodec
	tweak  func(*fakeCodec)
}

func newFakeRegistry(tweak func(*fakeCodec)) *fakeRegistry {
	r := &fakeRegistry{CodecRegistry: NewCodecRegistry(), codecs: make(map[Kind]*fakeCodec), tweak: tweak}
	factory := func(format TrackFormat) (Codec, error) {
		c := newFakeCodec(format)
		if r.tweak != nil {
			r.tweak(c)
		}
		r.mu.Lock()
		r.codecs[format.Kind] = c
		r.mu.Unlock()
		return c, nil
	}
	r.Register("video/VP8", factory)
	r.Register("audio/opus", factory)
	return r
}

func (r *fakeRegistry) codec(kind Kind) *fakeCodec {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.codecs[kind]
}

var errFake = errors.New("fake failure")

type webmSummary struct {
	codecs []string
	blocks map[uint64]int
}

type webmSummaryHandler struct {
	summary *webmSummary
}

func (h webmSummaryHandler) HandleMasterBegin(id mkvparse.ElementID, info mkvparse.ElementInfo) (bool, error) {
	return true, nil
}

func (h webmSummaryHandler) HandleMasterEnd(id mkvparse.ElementID, info mkvparse.ElementInfo) error {
	return nil
}

func (h webmSummaryHandler) HandleString(id mkvparse.ElementID, value string, info mkvparse.ElementInfo) error {
	if id == 0x86 {
		h.summary.codecs = append(h.summary.codecs, value)
	}
	return nil
}

func (h webmSummaryHandler) HandleInteger(id mkvparse.ElementID, value int64, info mkvparse.ElementInfo) error {
	return nil
}

func (h webmSummaryHandler) HandleFloat(id mkvparse.ElementID, value float64, info mkvparse.ElementInfo) error {
	return nil
}

func (h webmSummaryHandler) HandleDate(id mkvparse.ElementID, value time.Time, info mkvparse.ElementInfo) error {
	return nil
}

func (h webmSummaryHandler) HandleBinary(id mkvparse.ElementID, value []byte, info mkvparse.ElementInfo) error {
	if id == 0xA3 && len(value) > 0 {
		h.summary.blocks[uint64(value[0]&0x7F)]++
	}
	return nil
}

// parseWebM reads back a written file with go-mkvparse.
func parseWebM(t *testing.T, path string) *webmSummary {
	t.Helper()
	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()
	s := &webmSummary{blocks: make(map[uint64]int)}
	require.NoError(t, mkvparse.Parse(f, webmSummaryHandler{summary: s}))
	return s
}

// waitFuture waits for f and fails the test if it does not resolve in time.
func waitFuture(t *testing.T, f *Future) error {
	t.Helper()
	select {
	case <-f.Done():
		return f.Err()
	case <-time.After(5 * time.Second):
		t.Fatal("future did not resolve")
		return nil
	}
}
