// Package mkvwriter provides WebM output for encoded video/audio samples
package mkvwriter

import (
	"bufio"
	"io"
	"os"
	"sync"
	"time"

	"github.com/at-wat/ebml-go/mkvcore"
	"github.com/at-wat/ebml-go/webm"
	"github.com/pkg/errors"
)

// Matroska track types
const (
	trackTypeVideo = 0x01
	trackTypeAudio = 0x02
)

const (
	fileBufferSize = 64 * 1024
	closeTimeout   = 5 * time.Second
)

// ErrClosed is returned by WriteBlock after Close.
var ErrClosed = errors.New("webm writer closed")

// DebugLog is replaced by the caller to route writer diagnostics
var DebugLog = func(format string, args ...interface{}) {}

// Track describes one output track. Exactly one of Video or Audio is set.
type Track struct {
	Name            string
	CodecID         string
	CodecPrivate    []byte
	DefaultDuration time.Duration
	Video           *VideoParams
	Audio           *AudioParams
}

type VideoParams struct {
	Width  int
	Height int
}

type AudioParams struct {
	SampleRate int
	Channels   int
}

// WebMWriter は ebml-go の SimpleBlock writer を束ね、トラック番号ごとの書き込みを直列化する
type WebMWriter struct {
	mu      sync.Mutex
	blocks  []webm.BlockWriteCloser
	out     *notifyCloser
	lastTs  []int64
	counts  []uint64
	closed  bool
	written uint64

	// fatal は ebml-go の書き込み goroutine から設定されるので mu とは別に守る
	fatalMu sync.Mutex
	fatal   error
}

// OpenFile creates path and returns a buffered writer for New.
func OpenFile(path string) (io.WriteCloser, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to create %s", path)
	}
	return newBufferedFile(f), nil
}

// New writes the WebM header to out. out is closed when the writer is closed.
func New(out io.WriteCloser, tracks []Track) (*WebMWriter, error) {
	if len(tracks) == 0 {
		return nil, errors.New("at least one track is required")
	}

	entries := make([]webm.TrackEntry, 0, len(tracks))
	for i, t := range tracks {
		entry := webm.TrackEntry{
			Name:         t.Name,
			TrackNumber:  uint64(i + 1),
			TrackUID:     uint64(i + 1),
			CodecID:      t.CodecID,
			CodecPrivate: t.CodecPrivate,
		}
		if t.DefaultDuration > 0 {
			entry.DefaultDuration = uint64(t.DefaultDuration.Nanoseconds())
		}
		switch {
		case t.Video != nil:
			if t.Video.Width <= 0 || t.Video.Height <= 0 {
				return nil, errors.Errorf("track %d: invalid video size %dx%d", i, t.Video.Width, t.Video.Height)
			}
			entry.TrackType = trackTypeVideo
			entry.Video = &webm.Video{
				PixelWidth:  uint64(t.Video.Width),
				PixelHeight: uint64(t.Video.Height),
			}
		case t.Audio != nil:
			entry.TrackType = trackTypeAudio
			entry.Audio = &webm.Audio{
				SamplingFrequency: float64(t.Audio.SampleRate),
				Channels:          uint64(t.Audio.Channels),
			}
		default:
			return nil, errors.Errorf("track %d: neither video nor audio", i)
		}
		entries = append(entries, entry)
	}

	w := &WebMWriter{
		out:    &notifyCloser{WriteCloser: out, done: make(chan struct{})},
		lastTs: make([]int64, len(tracks)),
		counts: make([]uint64, len(tracks)),
	}
	blocks, err := webm.NewSimpleBlockWriter(w.out, entries, mkvcore.WithOnFatalHandler(func(err error) {
		DebugLog("[WEBM] fatal error: %v\n", err)
		w.fatalMu.Lock()
		if w.fatal == nil {
			w.fatal = err
		}
		w.fatalMu.Unlock()
	}))
	if err != nil {
		return nil, errors.Wrap(err, "failed to create webm writer")
	}
	w.blocks = blocks
	for i := range w.lastTs {
		w.lastTs[i] = -1
	}
	DebugLog("[WEBM] header written: %d tracks\n", len(entries))
	return w, nil
}

// WriteBlock appends one frame to track (0-based). Timestamps are rounded down to milliseconds.
func (w *WebMWriter) WriteBlock(track int, keyframe bool, ts time.Duration, data []byte) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return ErrClosed
	}
	if err := w.fatalErr(); err != nil {
		return errors.Wrap(err, "webm writer failed")
	}
	if track < 0 || track >= len(w.blocks) {
		return errors.Errorf("unknown track index %d", track)
	}

	timecodeMs := ts.Milliseconds()
	if timecodeMs < w.lastTs[track] {
		DebugLog("[WEBM] track %d timecode %dms < last %dms; clamping\n", track, timecodeMs, w.lastTs[track])
		timecodeMs = w.lastTs[track]
	}
	if _, err := w.blocks[track].Write(keyframe, timecodeMs, data); err != nil {
		return errors.Wrapf(err, "failed to write block to track %d", track)
	}
	w.lastTs[track] = timecodeMs
	w.counts[track]++
	w.written += uint64(len(data))
	return nil
}

func (w *WebMWriter) fatalErr() error {
	w.fatalMu.Lock()
	defer w.fatalMu.Unlock()
	return w.fatal
}

// Counts returns the number of blocks written per track.
func (w *WebMWriter) Counts() []uint64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := make([]uint64, len(w.counts))
	copy(out, w.counts)
	return out
}

// Close finalizes every track and closes the underlying file. Safe to call twice.
func (w *WebMWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return nil
	}
	w.closed = true

	var firstErr error
	for i, b := range w.blocks {
		if err := b.Close(); err != nil && firstErr == nil {
			firstErr = errors.Wrapf(err, "failed to close track %d", i)
		}
	}

	// ebml-go は最後のトラックが閉じられた後に別 goroutine から出力を閉じる
	select {
	case <-w.out.done:
		if firstErr == nil && w.out.err != nil {
			firstErr = errors.Wrap(w.out.err, "failed to close webm output")
		}
	case <-time.After(closeTimeout):
		if firstErr == nil {
			firstErr = errors.New("timed out waiting for webm output to close")
		}
	}
	DebugLog("[WEBM] closed: counts=%v bytes=%d\n", w.counts, w.written)
	return firstErr
}

type notifyCloser struct {
	io.WriteCloser
	once sync.Once
	done chan struct{}
	err  error
}

func (n *notifyCloser) Close() error {
	n.once.Do(func() {
		n.err = n.WriteCloser.Close()
		close(n.done)
	})
	return n.err
}

type bufferedFile struct {
	*bufio.Writer
	f *os.File
}

func newBufferedFile(f *os.File) *bufferedFile {
	return &bufferedFile{Writer: bufio.NewWriterSize(f, fileBufferSize), f: f}
}

func (b *bufferedFile) Close() error {
	flushErr := b.Flush()
	closeErr := b.f.Close()
	if flushErr != nil {
		return flushErr
	}
	return closeErr
}
