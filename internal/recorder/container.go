package recorder

import (
	"io"
	"os"
	"sync"
	"time"

	"github.com/Azunyan1111/go-camera-recorder/internal"
	"github.com/Azunyan1111/go-camera-recorder/internal/mkvwriter"
	"github.com/pkg/errors"
)

// Container is the output file. It is opened when the session is created,
// receives its track layout once in Start and is closed exactly once.
type Container interface {
	Start(tracks []TrackFormat) error
	WriteSample(track int, pkt EncodedPacket) error
	Close() error
}

// ContainerFactory opens the container for path.
type ContainerFactory func(path string) (Container, error)

func init() {
	mkvwriter.DebugLog = internal.DebugLog
}

// OpenWebMContainer is the default ContainerFactory, writing VP8/Opus WebM.
func OpenWebMContainer(path string) (Container, error) {
	out, err := mkvwriter.OpenFile(path)
	if err != nil {
		return nil, err
	}
	return &webmContainer{path: path, out: out}, nil
}

type webmContainer struct {
	path string

	mu      sync.Mutex
	out     io.WriteCloser
	writer  *mkvwriter.WebMWriter
	closed  bool
	started bool
}

func (c *webmContainer) Start(tracks []TrackFormat) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.started {
		return errors.New("container already started")
	}
	if c.closed {
		return errors.New("container closed")
	}

	entries := make([]mkvwriter.Track, 0, len(tracks))
	for i, f := range tracks {
		codecID, err := f.MatroskaCodecID()
		if err != nil {
			return errors.Wrapf(err, "track %d", i)
		}
		t := mkvwriter.Track{
			Name:         f.Kind.String(),
			CodecID:      codecID,
			CodecPrivate: f.CodecPrivate,
		}
		switch f.Kind {
		case KindVideo:
			t.Video = &mkvwriter.VideoParams{Width: f.Width, Height: f.Height}
			if f.FrameRate > 0 {
				t.DefaultDuration = time.Second / time.Duration(f.FrameRate)
			}
		case KindAudio:
			t.Audio = &mkvwriter.AudioParams{SampleRate: f.SampleRate, Channels: f.Channels}
		}
		entries = append(entries, t)
	}

	w, err := mkvwriter.New(c.out, entries)
	if err != nil {
		return err
	}
	c.writer = w
	c.started = true
	return nil
}

func (c *webmContainer) WriteSample(track int, pkt EncodedPacket) error {
	c.mu.Lock()
	w := c.writer
	c.mu.Unlock()
	if w == nil {
		return ErrMuxerNotStarted
	}
	// Opus フレームは全てキーフレーム扱い
	keyframe := pkt.Flags.Keyframe || pkt.Kind == KindAudio
	return w.WriteBlock(track, keyframe, pkt.PTS(), pkt.Payload)
}

func (c *webmContainer) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	if c.writer != nil {
		return c.writer.Close()
	}
	// never started: nothing useful was written
	err := c.out.Close()
	if rmErr := os.Remove(c.path); rmErr != nil && !os.IsNotExist(rmErr) {
		internal.DebugLog("failed to remove empty container %s: %v\n", c.path, rmErr)
	}
	return err
}
