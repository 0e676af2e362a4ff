package recorder

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"k8s.io/utils/clock"
)

const (
	DefaultDrainPoll    = 10 * time.Millisecond
	DefaultDrainRetries = 50
	DefaultStartTimeout = 2 * time.Second
	DefaultQueueDepth   = 8
)

// EncoderOptions are shared by the audio and video encoders.
type EncoderOptions struct {
	Registry *CodecRegistry
	// DrainPoll is the dequeue timeout while waiting for end-of-stream.
	DrainPoll time.Duration
	// DrainRetries bounds the end-of-stream drain.
	DrainRetries int
	// StartTimeout bounds the wait for the other encoders to reach the muxer start barrier.
	StartTimeout time.Duration
	// QueueDepth is the video message queue length.
	QueueDepth int
	Clock      clock.Clock
}

func (o EncoderOptions) withDefaults() EncoderOptions {
	if o.DrainPoll <= 0 {
		o.DrainPoll = DefaultDrainPoll
	}
	if o.DrainRetries <= 0 {
		o.DrainRetries = DefaultDrainRetries
	}
	if o.StartTimeout <= 0 {
		o.StartTimeout = DefaultStartTimeout
	}
	if o.QueueDepth <= 0 {
		o.QueueDepth = DefaultQueueDepth
	}
	if o.Clock == nil {
		o.Clock = clock.RealClock{}
	}
	return o
}

// EncoderStats are counters kept by an encoder.
type EncoderStats struct {
	Submitted          uint64
	Pushed             uint64
	Dropped            uint64
	Stale              uint64
	Corrupt            uint64
	ProtocolViolations uint64
}

type encoderState int32

const (
	stateIdle encoderState = iota
	statePreparing
	stateCapturing
	stateStopping
	stateReleased
)

func (s encoderState) String() string {
	switch s {
	case stateIdle:
		return "idle"
	case statePreparing:
		return "preparing"
	case stateCapturing:
		return "capturing"
	case stateStopping:
		return "stopping"
	case stateReleased:
		return "released"
	default:
		return "unknown"
	}
}

// outputDrainer moves codec output into the muxer. It is used from one goroutine.
type outputDrainer struct {
	kind  Kind
	codec Codec
	muxer *Muxer
	opts  EncoderOptions
	log   *logrus.Entry
	// strict rejects equal timestamps as well as regressions.
	strict bool

	formatSeen bool
	joined     bool
	lastPTS    int64
	hasLast    bool

	pushed     atomic.Uint64
	dropped    atomic.Uint64
	violations atomic.Uint64
}

// drain dequeues until the codec has nothing ready. With endOfStream set it
// keeps polling until the end-of-stream buffer arrives or DrainRetries runs out.
// It reports whether end-of-stream was seen.
func (d *outputDrainer) drain(endOfStream bool) bool {
	retries := 0
	for {
		timeout := time.Duration(0)
		if endOfStream {
			timeout = d.opts.DrainPoll
		}
		kind, eos, err := d.step(timeout)
		if err != nil {
			d.log.WithError(err).Warn("dequeue output failed")
			return false
		}
		if eos {
			return true
		}
		if kind != EventTryAgain {
			continue
		}
		if !endOfStream {
			return false
		}
		retries++
		if retries >= d.opts.DrainRetries {
			d.log.WithError(errors.Wrapf(ErrDrainTimeout, "after %d polls", retries)).Warn("giving up on drain")
			return false
		}
	}
}

// step handles at most one codec event, waiting up to timeout for it.
func (d *outputDrainer) step(timeout time.Duration) (EventKind, bool, error) {
	ev, err := d.codec.DequeueOutput(timeout)
	if err != nil {
		return EventTryAgain, false, err
	}
	switch ev.Kind {
	case EventFormatChanged:
		d.onFormatChanged(ev.Format)
	case EventBuffer:
		if ev.Packet.Flags.EndOfStream {
			if len(ev.Packet.Payload) > 0 {
				d.onBuffer(ev.Packet)
			}
			d.log.Debug("end of stream")
			return ev.Kind, true, nil
		}
		d.onBuffer(ev.Packet)
	}
	return ev.Kind, false, nil
}

func (d *outputDrainer) onFormatChanged(format TrackFormat) {
	if d.formatSeen {
		d.violations.Add(1)
		d.log.WithError(errors.Wrapf(ErrProtocolViolation, "%s format changed twice", d.kind)).Warn("ignoring format change")
		return
	}
	d.formatSeen = true
	format.Kind = d.kind

	if _, err := d.muxer.AddTrack(format); err != nil {
		// トラックが無いままだとこの系統のパケットは書けない
		d.muxer.Fail(errors.Wrapf(err, "failed to add %s track", d.kind))
		return
	}
	joined, started := d.muxer.join()
	d.joined = joined
	if !joined || started {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), d.opts.StartTimeout)
	defer cancel()
	if err := d.muxer.WaitStarted(ctx); err != nil {
		d.log.WithError(err).Warn("muxer not started, packets stay queued")
	}
}

func (d *outputDrainer) onBuffer(pkt EncodedPacket) {
	if pkt.Flags.Config || len(pkt.Payload) == 0 {
		return
	}
	pkt.Kind = d.kind
	if d.hasLast && (pkt.PTSMicros < d.lastPTS || (d.strict && pkt.PTSMicros == d.lastPTS)) {
		d.dropped.Add(1)
		d.log.WithFields(logrus.Fields{"pts": pkt.PTSMicros, "last": d.lastPTS}).Warn("dropping non-increasing output")
		return
	}
	d.lastPTS = pkt.PTSMicros
	d.hasLast = true
	if !d.muxer.Pool().Push(pkt) {
		d.dropped.Add(1)
		return
	}
	d.pushed.Add(1)
}

// leave joins the muxer stop barrier if this encoder joined the start barrier.
func (d *outputDrainer) leave() {
	if !d.joined {
		return
	}
	d.joined = false
	d.muxer.Stop()
}
