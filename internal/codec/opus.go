package codec

import (
	"encoding/binary"
	"sync"
	"time"

	"github.com/Azunyan1111/go-camera-recorder/internal"
	"github.com/Azunyan1111/go-camera-recorder/internal/recorder"
	"github.com/pkg/errors"
	opus "github.com/qrtc/opus-go"
)

const (
	opusSampleRate   = 48000
	opusPreSkip      = 312
	opusFrameMs      = 10
	opusMaxFrameSize = 1500
)

// OpusEncoder は S16LE PCM を 10ms 単位の Opus フレームにエンコードする
type OpusEncoder struct {
	mu         sync.Mutex
	enc        *opus.OpusEncoder
	sampleRate int
	channels   int
	frameSize  int // samples per channel per frame
	pcmBuffer  []byte

	// pcmBuffer 先頭サンプルの時刻
	bufferStartUs int64
	lastUs        int64
	encoded       int64

	out *recorder.CodecOutput
}

func NewOpusEncoder(format recorder.TrackFormat) (*OpusEncoder, error) {
	if format.SampleRate != opusSampleRate {
		return nil, errors.Wrapf(recorder.ErrCodecUnavailable, "opus: only %dHz sample rate is supported, got %d", opusSampleRate, format.SampleRate)
	}
	if format.Channels != 1 && format.Channels != 2 {
		return nil, errors.Wrapf(recorder.ErrCodecUnavailable, "opus: only 1 or 2 channels are supported, got %d", format.Channels)
	}

	enc, err := opus.CreateOpusEncoder(&opus.OpusEncoderConfig{
		SampleRate:  format.SampleRate,
		MaxChannels: format.Channels,
		Application: opus.AppAudio,
	})
	if err != nil {
		return nil, errors.Wrap(err, "failed to create Opus encoder")
	}

	frameSize := format.SampleRate * opusFrameMs / 1000

	internal.DebugLog("Opus encoder initialized: %dHz, %d channels, frame size %d samples\n",
		format.SampleRate, format.Channels, frameSize)

	format.CodecPrivate = OpusHead(format.Channels, format.SampleRate)
	out := recorder.NewCodecOutput(256)
	out.SetFormat(format)
	return &OpusEncoder{
		enc:        enc,
		sampleRate: format.SampleRate,
		channels:   format.Channels,
		frameSize:  frameSize,
		out:        out,
	}, nil
}

// anchorPTS は空バッファの先頭時刻を決める。
// 入力PTSが前フレーム末尾より前なら末尾を使い、出力PTSを単調に保つ。
func anchorPTS(inputUs, frameEndUs int64) int64 {
	return max(inputUs, frameEndUs)
}

// QueueInput buffers pcm captured at ptsMicros and encodes every complete frame.
func (e *OpusEncoder) QueueInput(pcm []byte, ptsMicros int64) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.enc == nil {
		return errors.New("encoder released")
	}

	if len(e.pcmBuffer) == 0 {
		e.bufferStartUs = anchorPTS(ptsMicros, e.bufferStartUs)
	}
	e.pcmBuffer = append(e.pcmBuffer, pcm...)

	// PCM S16LE: 2 bytes per sample per channel
	bytesPerFrame := e.frameSize * e.channels * 2
	frameUs := int64(e.frameSize) * 1000000 / int64(e.sampleRate)

	for len(e.pcmBuffer) >= bytesPerFrame {
		frameData := e.pcmBuffer[:bytesPerFrame]
		e.pcmBuffer = e.pcmBuffer[bytesPerFrame:]

		outBuf := make([]byte, opusMaxFrameSize)
		n, err := e.enc.Encode(frameData, outBuf)
		ts := e.bufferStartUs
		// エンコード失敗時もサンプル消費分だけ時刻を進める。
		e.bufferStartUs += frameUs
		e.encoded++
		if err != nil {
			internal.DebugLog("Opus encode error: %v\n", err)
			continue
		}
		if n <= 0 {
			continue
		}
		e.lastUs = ts
		e.out.Emit(recorder.EncodedPacket{
			Kind:      recorder.KindAudio,
			Payload:   outBuf[:n],
			PTSMicros: ts,
			Flags:     recorder.PacketFlags{Keyframe: true},
		})
		// Log once per second (100 frames * 10ms = 1000ms)
		if e.encoded%100 == 0 {
			internal.DebugLog("Opus frame encoded: pts=%dus, size=%d bytes, total frames=%d\n", ts, n, e.encoded)
		}
	}
	// 残りが溜まりすぎないよう compact
	if cap(e.pcmBuffer) > 4*bytesPerFrame && len(e.pcmBuffer) < bytesPerFrame {
		e.pcmBuffer = append([]byte(nil), e.pcmBuffer...)
	}
	return nil
}

func (e *OpusEncoder) DequeueOutput(timeout time.Duration) (recorder.CodecEvent, error) {
	return e.out.Dequeue(timeout)
}

// SignalEndOfInputStream drops a trailing partial frame and queues end-of-stream.
func (e *OpusEncoder) SignalEndOfInputStream() error {
	e.mu.Lock()
	e.pcmBuffer = nil
	last := e.lastUs
	e.mu.Unlock()
	e.out.EmitEndOfStream(recorder.KindAudio, last)
	return nil
}

func (e *OpusEncoder) Release() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.out.Close()
	if e.enc != nil {
		e.enc.Close()
		e.enc = nil
	}
	return nil
}

// OpusHead builds the identification header stored as the track's CodecPrivate.
func OpusHead(channels, sampleRate int) []byte {
	head := make([]byte, 19)
	copy(head, "OpusHead")
	head[8] = 1 // version
	head[9] = byte(channels)
	binary.LittleEndian.PutUint16(head[10:12], opusPreSkip)
	binary.LittleEndian.PutUint32(head[12:16], uint32(sampleRate))
	binary.LittleEndian.PutUint16(head[16:18], 0) // output gain
	head[18] = 0                                  // channel mapping family
	return head
}
