package recorder

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Azunyan1111/go-camera-recorder/internal"
	"github.com/sirupsen/logrus"
)

// SampleSink receives packets from the consumer in pool order.
type SampleSink func(pkt EncodedPacket) error

// PacketConsumer drains the pool on its own goroutine and forwards packets to
// the sink, dropping any packet whose timestamp regresses within its stream.
type PacketConsumer struct {
	pool *PacketPool
	sink SampleSink
	log  *logrus.Entry

	mu      sync.Mutex
	cancel  context.CancelFunc
	done    chan struct{}
	running bool

	lastPTS   map[Kind]int64
	processed atomic.Uint64
	written   atomic.Uint64
	dropped   atomic.Uint64
}

func NewPacketConsumer(pool *PacketPool, sink SampleSink) *PacketConsumer {
	return &PacketConsumer{
		pool:    pool,
		sink:    sink,
		log:     internal.ComponentLogger("packet_consumer"),
		lastPTS: make(map[Kind]int64),
	}
}

// Start launches the consumer goroutine. It reports false if already running.
func (c *PacketConsumer) Start() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.running {
		return false
	}
	ctx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel
	c.done = make(chan struct{})
	c.running = true
	go c.run(ctx, c.done)
	return true
}

func (c *PacketConsumer) run(ctx context.Context, done chan struct{}) {
	defer close(done)
	for {
		pkt, err := c.pool.Pop(ctx)
		if err != nil {
			c.log.WithError(err).Debug("consumer loop exiting")
			return
		}
		c.handle(pkt)
		c.processed.Add(1)
	}
}

func (c *PacketConsumer) handle(pkt EncodedPacket) {
	if pkt.Flags.EndOfStream || pkt.Flags.Config || len(pkt.Payload) == 0 {
		return
	}
	if last, ok := c.lastPTS[pkt.Kind]; ok && pkt.PTSMicros < last {
		c.dropped.Add(1)
		c.log.WithFields(logrus.Fields{
			"kind": pkt.Kind,
			"pts":  pkt.PTSMicros,
			"last": last,
		}).Warn("dropping out-of-order packet")
		return
	}
	if err := c.sink(pkt); err != nil {
		c.dropped.Add(1)
		c.log.WithError(err).WithField("kind", pkt.Kind).Warn("failed to write sample")
		return
	}
	c.lastPTS[pkt.Kind] = pkt.PTSMicros
	c.written.Add(1)
}

// Flush waits up to timeout for the pool to empty. It reports whether it did.
func (c *PacketConsumer) Flush(timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for {
		if c.drained() {
			return true
		}
		if !c.isRunning() || !time.Now().Before(deadline) {
			return false
		}
		time.Sleep(2 * time.Millisecond)
	}
}

// Stop cancels the loop and waits for it to exit. Packets still queued stay in the pool.
func (c *PacketConsumer) Stop() {
	c.mu.Lock()
	if !c.running {
		c.mu.Unlock()
		return
	}
	c.running = false
	cancel, done := c.cancel, c.done
	c.mu.Unlock()

	cancel()
	<-done
}

// drained reports whether every packet accepted by the pool has been handled.
func (c *PacketConsumer) drained() bool {
	s := c.pool.Stats()
	if s.VideoQueued > 0 || s.AudioQueued > 0 {
		return false
	}
	accepted := s.VideoPushed + s.AudioPushed - s.VideoDropped - s.AudioDropped
	return c.processed.Load() >= accepted
}

func (c *PacketConsumer) isRunning() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.running
}

// Written returns how many packets reached the sink.
func (c *PacketConsumer) Written() uint64 { return c.written.Load() }

// Dropped returns how many packets were discarded for ordering or write errors.
func (c *PacketConsumer) Dropped() uint64 { return c.dropped.Load() }
