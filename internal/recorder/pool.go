package recorder

import (
	"context"
	"sync"

	"github.com/Azunyan1111/go-camera-recorder/internal"
	"github.com/sirupsen/logrus"
)

const (
	DefaultVideoPoolCapacity = 120
	DefaultAudioPoolCapacity = 256
)

// PoolStats is a snapshot of pool counters.
type PoolStats struct {
	VideoQueued  int
	AudioQueued  int
	VideoPushed  uint64
	AudioPushed  uint64
	VideoDropped uint64
	AudioDropped uint64
}

// PacketPool holds encoded packets between the encoders and the consumer.
// Push never blocks: when a queue is full, video drops its oldest GOP and audio its oldest packet.
// Pop is intended for a single consumer goroutine.
type PacketPool struct {
	mu       sync.Mutex
	video    []EncodedPacket
	audio    []EncodedPacket
	videoCap int
	audioCap int
	aborted  bool
	abortCh  chan struct{}
	notify   chan struct{}
	stats    PoolStats
	log      *logrus.Entry
}

func NewPacketPool(videoCap, audioCap int) *PacketPool {
	if videoCap <= 0 {
		videoCap = DefaultVideoPoolCapacity
	}
	if audioCap <= 0 {
		audioCap = DefaultAudioPoolCapacity
	}
	return &PacketPool{
		videoCap: videoCap,
		audioCap: audioCap,
		abortCh:  make(chan struct{}),
		notify:   make(chan struct{}, 1),
		log:      internal.ComponentLogger("packet_pool"),
	}
}

// Push enqueues pkt and reports whether it was accepted. It is a no-op after Abort.
func (p *PacketPool) Push(pkt EncodedPacket) bool {
	p.mu.Lock()
	if p.aborted {
		p.mu.Unlock()
		return false
	}
	switch pkt.Kind {
	case KindVideo:
		if len(p.video) >= p.videoCap {
			n := dropOldestGOP(p.video)
			p.video = p.video[n:]
			p.stats.VideoDropped += uint64(n)
			internal.DebugLogPeriodic("pool.video.drop", 0, "video queue full, dropped %d packets up to next keyframe\n", n)
		}
		p.video = append(p.video, pkt)
		p.stats.VideoPushed++
	case KindAudio:
		if len(p.audio) >= p.audioCap {
			p.audio[0] = EncodedPacket{}
			p.audio = p.audio[1:]
			p.stats.AudioDropped++
			internal.DebugLog("audio queue full, dropped oldest packet\n")
		}
		p.audio = append(p.audio, pkt)
		p.stats.AudioPushed++
	default:
		p.mu.Unlock()
		p.log.WithField("kind", pkt.Kind).Warn("ignoring packet of unknown kind")
		return false
	}
	p.mu.Unlock()

	select {
	case p.notify <- struct{}{}:
	default:
	}
	return true
}

// dropOldestGOP returns how many head packets to discard: the head itself
// and every following packet up to, but excluding, the next keyframe.
func dropOldestGOP(q []EncodedPacket) int {
	n := 1
	for n < len(q) && !q[n].Flags.Keyframe {
		n++
	}
	for i := 0; i < n; i++ {
		q[i] = EncodedPacket{}
	}
	return n
}

// Pop returns the queued packet with the earliest timestamp, blocking until one
// is available, the pool is aborted or ctx ends. Once ctx is done it returns
// ctx.Err() even if packets are still queued.
func (p *PacketPool) Pop(ctx context.Context) (EncodedPacket, error) {
	for {
		p.mu.Lock()
		if p.aborted {
			p.mu.Unlock()
			return EncodedPacket{}, ErrPoolAborted
		}
		if err := ctx.Err(); err != nil {
			p.mu.Unlock()
			return EncodedPacket{}, err
		}
		if pkt, ok := p.popLocked(); ok {
			p.mu.Unlock()
			return pkt, nil
		}
		abortCh := p.abortCh
		p.mu.Unlock()

		select {
		case <-p.notify:
		case <-abortCh:
		case <-ctx.Done():
			return EncodedPacket{}, ctx.Err()
		}
	}
}

// TryPop is the non-blocking variant of Pop.
func (p *PacketPool) TryPop() (EncodedPacket, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.aborted {
		return EncodedPacket{}, false
	}
	return p.popLocked()
}

func (p *PacketPool) popLocked() (EncodedPacket, bool) {
	var q *[]EncodedPacket
	switch {
	case len(p.video) > 0 && len(p.audio) > 0:
		if p.audio[0].PTSMicros < p.video[0].PTSMicros {
			q = &p.audio
		} else {
			q = &p.video
		}
	case len(p.video) > 0:
		q = &p.video
	case len(p.audio) > 0:
		q = &p.audio
	default:
		return EncodedPacket{}, false
	}
	pkt := (*q)[0]
	(*q)[0] = EncodedPacket{}
	*q = (*q)[1:]
	return pkt, true
}

// Abort discards everything queued and turns later pushes into no-ops.
func (p *PacketPool) Abort() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.aborted {
		return
	}
	p.aborted = true
	discarded := len(p.video) + len(p.audio)
	p.video = nil
	p.audio = nil
	close(p.abortCh)
	if discarded > 0 {
		p.log.WithField("discarded", discarded).Debug("pool aborted")
	}
}

// Reset re-arms an aborted pool for a new recording. Counters are cleared.
func (p *PacketPool) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.video = nil
	p.audio = nil
	p.stats = PoolStats{}
	if p.aborted {
		p.aborted = false
		p.abortCh = make(chan struct{})
	}
}

// Aborted reports whether Abort has been called since the last Reset.
func (p *PacketPool) Aborted() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.aborted
}

// Len returns the number of queued packets of kind.
func (p *PacketPool) Len(kind Kind) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	if kind == KindVideo {
		return len(p.video)
	}
	return len(p.audio)
}

func (p *PacketPool) Stats() PoolStats {
	p.mu.Lock()
	defer p.mu.Unlock()
	s := p.stats
	s.VideoQueued = len(p.video)
	s.AudioQueued = len(p.audio)
	return s
}
