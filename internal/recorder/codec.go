package recorder

import (
	"image"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
)

// EventKind classifies what DequeueOutput produced.
type EventKind int

const (
	EventTryAgain EventKind = iota
	EventFormatChanged
	EventBuffer
)

func (k EventKind) String() string {
	switch k {
	case EventTryAgain:
		return "try_again"
	case EventFormatChanged:
		return "format_changed"
	case EventBuffer:
		return "buffer"
	default:
		return "unknown"
	}
}

// CodecEvent is one result of polling a codec's output side.
type CodecEvent struct {
	Kind   EventKind
	Format TrackFormat
	Packet EncodedPacket
}

// Codec is the output side shared by audio and video encoders.
// The first output is a format-changed event, then buffers follow; a buffer
// flagged EndOfStream is the last one after SignalEndOfInputStream.
type Codec interface {
	DequeueOutput(timeout time.Duration) (CodecEvent, error)
	SignalEndOfInputStream() error
	Release() error
}

// AudioCodec accepts interleaved S16LE PCM.
type AudioCodec interface {
	Codec
	QueueInput(pcm []byte, ptsMicros int64) error
}

// VideoCodec accepts rendered frames from its input surface.
type VideoCodec interface {
	Codec
	SubmitFrame(frame *image.RGBA, ptsMicros int64) error
}

// CodecFactory creates a codec configured for the requested format.
type CodecFactory func(format TrackFormat) (Codec, error)

// CodecRegistry maps codec mime types to factories.
type CodecRegistry struct {
	mu        sync.RWMutex
	factories map[string]CodecFactory
}

func NewCodecRegistry() *CodecRegistry {
	return &CodecRegistry{factories: make(map[string]CodecFactory)}
}

// Register installs f for mimeType, replacing any previous factory.
func (r *CodecRegistry) Register(mimeType string, f CodecFactory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[strings.ToLower(mimeType)] = f
}

// Supports reports whether a factory exists for mimeType.
func (r *CodecRegistry) Supports(mimeType string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.factories[strings.ToLower(mimeType)]
	return ok
}

// Create instantiates a codec for format. A missing factory or a factory
// failure is reported as ErrCodecUnavailable.
func (r *CodecRegistry) Create(format TrackFormat) (Codec, error) {
	if r == nil {
		return nil, errors.Wrap(ErrCodecUnavailable, "no codec registry")
	}
	r.mu.RLock()
	f, ok := r.factories[format.MimeType()]
	r.mu.RUnlock()
	if !ok {
		return nil, errors.Wrapf(ErrCodecUnavailable, "mime type %s", format.Codec.MimeType)
	}
	c, err := f(format)
	if err != nil {
		return nil, errors.Wrapf(ErrCodecUnavailable, "%s: %v", format.Codec.MimeType, err)
	}
	return c, nil
}

// CodecOutput is the output queue codec implementations use to hand events to
// DequeueOutput. It emits the format-changed event before the first buffer.
type CodecOutput struct {
	events chan CodecEvent

	mu          sync.Mutex
	format      TrackFormat
	formatSent  bool
	eosQueued   bool
	releaseOnce sync.Once
	released    chan struct{}
}

// NewCodecOutput creates an output queue holding up to depth events.
func NewCodecOutput(depth int) *CodecOutput {
	if depth <= 0 {
		depth = 64
	}
	return &CodecOutput{
		events:   make(chan CodecEvent, depth),
		released: make(chan struct{}),
	}
}

// SetFormat records the negotiated output format. It is announced with the next buffer.
func (o *CodecOutput) SetFormat(f TrackFormat) {
	o.mu.Lock()
	o.format = f
	o.mu.Unlock()
}

// AnnounceFormat queues a format-changed event unconditionally.
func (o *CodecOutput) AnnounceFormat(f TrackFormat) {
	o.mu.Lock()
	o.format = f
	o.formatSent = true
	o.mu.Unlock()
	o.put(CodecEvent{Kind: EventFormatChanged, Format: f})
}

// Emit queues an encoded buffer, preceded by the format event if it has not been sent.
func (o *CodecOutput) Emit(pkt EncodedPacket) {
	o.mu.Lock()
	sendFormat := !o.formatSent
	o.formatSent = true
	f := o.format
	if pkt.Flags.EndOfStream {
		o.eosQueued = true
	}
	o.mu.Unlock()

	if sendFormat {
		o.put(CodecEvent{Kind: EventFormatChanged, Format: f})
	}
	o.put(CodecEvent{Kind: EventBuffer, Packet: pkt})
}

// EmitEndOfStream queues an empty buffer flagged EndOfStream once.
func (o *CodecOutput) EmitEndOfStream(kind Kind, ptsMicros int64) {
	o.mu.Lock()
	if o.eosQueued {
		o.mu.Unlock()
		return
	}
	o.mu.Unlock()
	o.Emit(EncodedPacket{Kind: kind, PTSMicros: ptsMicros, Flags: PacketFlags{EndOfStream: true}})
}

func (o *CodecOutput) put(ev CodecEvent) {
	select {
	case o.events <- ev:
	case <-o.released:
	}
}

// Dequeue waits up to timeout for the next event. A timeout yields EventTryAgain.
func (o *CodecOutput) Dequeue(timeout time.Duration) (CodecEvent, error) {
	select {
	case ev := <-o.events:
		return ev, nil
	default:
	}
	if timeout <= 0 {
		return CodecEvent{Kind: EventTryAgain}, nil
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case ev := <-o.events:
		return ev, nil
	case <-o.released:
		return CodecEvent{}, errors.New("codec released")
	case <-timer.C:
		return CodecEvent{Kind: EventTryAgain}, nil
	}
}

// Close unblocks producers and consumers. Further events are discarded.
func (o *CodecOutput) Close() {
	o.releaseOnce.Do(func() { close(o.released) })
}
