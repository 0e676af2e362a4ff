package internal

import (
	"bufio"
	"context"
	"encoding/binary"
	"io"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/remko/go-mkvparse"
)

type FrameType int

const (
	FrameTypeVideo FrameType = iota
	FrameTypeAudio
)

func (t FrameType) String() string {
	if t == FrameTypeVideo {
		return "video"
	}
	return "audio"
}

// Frame は入力 Matroska ストリームから取り出した 1 ブロック分のデータ
type Frame struct {
	Type        FrameType
	Data        []byte
	TimestampMs int64
	IsKeyframe  bool
}

// TrackInfo describes the tracks found in the stream header.
type TrackInfo struct {
	VideoWidth      int
	VideoHeight     int
	VideoCodec      string
	PixelFormat     string
	AudioCodec      string
	AudioSampleRate int
	AudioChannels   int
}

// HasVideo reports whether a video track was declared.
func (t TrackInfo) HasVideo() bool { return t.VideoCodec != "" }

// HasAudio reports whether an audio track was declared.
func (t TrackInfo) HasAudio() bool { return t.AudioCodec != "" }

// MKVReader は rawvideo (RGBA) + PCM の Matroska ストリームを読み、フレーム単位で返す。
// パースは別 goroutine で行い、フレームはチャネル経由で受け渡す。
type MKVReader struct {
	reader  io.Reader
	frames  chan *Frame
	tracks  chan struct{}
	once    sync.Once
	started bool

	mu   sync.Mutex
	info TrackInfo
	err  error
}

// EBML/Matroska element IDs used in this stream path.
const (
	ebmlIDTracks       mkvparse.ElementID = 0x1654AE6B
	ebmlIDCluster      mkvparse.ElementID = 0x1F43B675
	ebmlIDTrackEntry   mkvparse.ElementID = 0xAE
	ebmlIDVideo        mkvparse.ElementID = 0xE0
	ebmlIDAudio        mkvparse.ElementID = 0xE1
	ebmlIDTrackNumber  mkvparse.ElementID = 0xD7
	ebmlIDCodecID      mkvparse.ElementID = 0x86
	ebmlIDPixelWidth   mkvparse.ElementID = 0xB0
	ebmlIDPixelHeight  mkvparse.ElementID = 0xBA
	ebmlIDTimecode     mkvparse.ElementID = 0xE7
	ebmlIDTimecodeScl  mkvparse.ElementID = 0x2AD7B1
	ebmlIDChannels     mkvparse.ElementID = 0x9F
	ebmlIDSamplingFreq mkvparse.ElementID = 0xB5
	ebmlIDColourSpace  mkvparse.ElementID = 0x2EB524
	ebmlIDSimpleBlock  mkvparse.ElementID = 0xA3
	ebmlIDBlock        mkvparse.ElementID = 0xA1

	defaultParserBufSize = 256 * 1024
	frameSendTimeout     = 5 * time.Second
)

func NewMKVReader(reader io.Reader) *MKVReader {
	return &MKVReader{
		reader: reader,
		frames: make(chan *Frame, 100),
		tracks: make(chan struct{}),
		info:   TrackInfo{PixelFormat: "RGBA"},
	}
}

// Start begins parsing in the background. Calling it more than once is a no-op.
func (r *MKVReader) Start() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.started {
		return
	}
	r.started = true
	go r.parse()
}

// WaitTracks blocks until the track header has been parsed. It fails when
// the stream carries neither a rawvideo nor a PCM track.
func (r *MKVReader) WaitTracks(ctx context.Context) (TrackInfo, error) {
	r.Start()
	select {
	case <-r.tracks:
	case <-ctx.Done():
		return TrackInfo{}, ctx.Err()
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.info.HasVideo() || r.info.HasAudio() {
		return r.info, nil
	}
	if r.err != nil {
		return r.info, r.err
	}
	return r.info, errors.New("no rawvideo or pcm track in input")
}

// Info returns the tracks parsed so far.
func (r *MKVReader) Info() TrackInfo {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.info
}

// ReadFrame returns the next frame or io.EOF once the stream ends.
func (r *MKVReader) ReadFrame() (*Frame, error) {
	r.Start()
	frame, ok := <-r.frames
	if !ok {
		r.mu.Lock()
		defer r.mu.Unlock()
		if r.err != nil {
			return nil, r.err
		}
		return nil, io.EOF
	}
	return frame, nil
}

func (r *MKVReader) parse() {
	defer close(r.frames)
	defer r.tracksParsed()

	h := &mkvHandler{
		reader:    r,
		timescale: 1000000, // Default to 1ms
		videoNum:  -1,
		audioNum:  -1,
	}
	err := mkvparse.Parse(bufio.NewReaderSize(r.reader, defaultParserBufSize), h)
	if err != nil && !errors.Is(err, io.EOF) && !errors.Is(err, io.ErrUnexpectedEOF) {
		r.mu.Lock()
		r.err = errors.Wrap(err, "failed to parse matroska stream")
		r.mu.Unlock()
	}
}

func (r *MKVReader) tracksParsed() {
	r.once.Do(func() { close(r.tracks) })
}

// mkvHandler は mkvparse のコールバックを受けてトラック情報とブロックを組み立てる
type mkvHandler struct {
	reader *MKVReader

	timescale   uint64
	clusterTime int64

	videoNum int64
	audioNum int64

	inTrackEntry bool
	inVideo      bool
	inAudio      bool
	trackNumber  int64
	trackCodec   string
}

func (h *mkvHandler) HandleMasterBegin(id mkvparse.ElementID, info mkvparse.ElementInfo) (bool, error) {
	switch id {
	case ebmlIDTrackEntry:
		h.inTrackEntry = true
		h.trackNumber = 0
		h.trackCodec = ""
	case ebmlIDVideo:
		h.inVideo = true
	case ebmlIDAudio:
		h.inAudio = true
	case ebmlIDCluster:
		// Tracks の後にクラスターが来た時点でヘッダーは確定
		h.reader.tracksParsed()
	}
	return true, nil
}

func (h *mkvHandler) HandleMasterEnd(id mkvparse.ElementID, info mkvparse.ElementInfo) error {
	switch id {
	case ebmlIDTrackEntry:
		h.endTrackEntry()
	case ebmlIDVideo:
		h.inVideo = false
	case ebmlIDAudio:
		h.inAudio = false
	case ebmlIDTracks:
		h.reader.tracksParsed()
	}
	return nil
}

func (h *mkvHandler) endTrackEntry() {
	r := h.reader
	r.mu.Lock()
	defer r.mu.Unlock()
	switch h.trackCodec {
	case "V_UNCOMPRESSED":
		h.videoNum = h.trackNumber
		r.info.VideoCodec = h.trackCodec
		DebugLog("Video track number: %d, codec: %s\n", h.trackNumber, h.trackCodec)
	case "A_PCM/INT/LIT":
		h.audioNum = h.trackNumber
		r.info.AudioCodec = h.trackCodec
		DebugLog("Audio track number: %d, codec: %s\n", h.trackNumber, h.trackCodec)
	default:
		DebugLog("Ignoring track %d with codec %s\n", h.trackNumber, h.trackCodec)
	}
	h.inTrackEntry = false
}

func (h *mkvHandler) HandleString(id mkvparse.ElementID, value string, info mkvparse.ElementInfo) error {
	switch id {
	case ebmlIDCodecID:
		if h.inTrackEntry {
			h.trackCodec = value
		}
	case ebmlIDColourSpace:
		h.setPixelFormat(value)
	}
	return nil
}

func (h *mkvHandler) HandleInteger(id mkvparse.ElementID, value int64, info mkvparse.ElementInfo) error {
	r := h.reader
	switch id {
	case ebmlIDTrackNumber:
		if h.inTrackEntry {
			h.trackNumber = value
		}
	case ebmlIDPixelWidth:
		if h.inVideo {
			r.mu.Lock()
			r.info.VideoWidth = int(value)
			r.mu.Unlock()
		}
	case ebmlIDPixelHeight:
		if h.inVideo {
			r.mu.Lock()
			r.info.VideoHeight = int(value)
			r.mu.Unlock()
		}
	case ebmlIDChannels:
		if h.inAudio {
			r.mu.Lock()
			r.info.AudioChannels = int(value)
			r.mu.Unlock()
			DebugLog("Audio channels: %d\n", value)
		}
	case ebmlIDTimecode:
		h.clusterTime = int64(uint64(value) * h.timescale / 1000000)
	case ebmlIDTimecodeScl:
		if value > 0 {
			h.timescale = uint64(value)
		}
	}
	return nil
}

func (h *mkvHandler) HandleFloat(id mkvparse.ElementID, value float64, info mkvparse.ElementInfo) error {
	if id == ebmlIDSamplingFreq && h.inAudio {
		h.reader.mu.Lock()
		h.reader.info.AudioSampleRate = int(value)
		h.reader.mu.Unlock()
		DebugLog("Audio sample rate: %d\n", int(value))
	}
	return nil
}

func (h *mkvHandler) HandleDate(id mkvparse.ElementID, value time.Time, info mkvparse.ElementInfo) error {
	return nil
}

func (h *mkvHandler) HandleBinary(id mkvparse.ElementID, value []byte, info mkvparse.ElementInfo) error {
	switch id {
	case ebmlIDSimpleBlock, ebmlIDBlock:
		return h.handleBlock(value)
	case ebmlIDColourSpace:
		h.setPixelFormat(string(value))
	}
	return nil
}

func (h *mkvHandler) setPixelFormat(value string) {
	if !h.inVideo || value == "" {
		return
	}
	h.reader.mu.Lock()
	h.reader.info.PixelFormat = value
	h.reader.mu.Unlock()
	DebugLog("Video pixel format: %s\n", value)
}

func (h *mkvHandler) handleBlock(data []byte) error {
	if len(data) < 4 {
		return errors.New("simple block too short")
	}

	trackNum, trackNumSize := parseVint(data)
	if trackNumSize == 0 {
		return errors.New("invalid track number in simple block")
	}
	if len(data) < trackNumSize+3 {
		return errors.New("simple block too short after track number")
	}

	relativeTs := int16(binary.BigEndian.Uint16(data[trackNumSize : trackNumSize+2]))
	flags := data[trackNumSize+2]

	var frameType FrameType
	switch int64(trackNum) {
	case h.videoNum:
		frameType = FrameTypeVideo
	case h.audioNum:
		frameType = FrameTypeAudio
	default:
		return nil
	}

	// mkvparse はバッファを再利用しないが、下流で保持するのでコピーしておく
	payload := make([]byte, len(data)-trackNumSize-3)
	copy(payload, data[trackNumSize+3:])

	relMs := int64(relativeTs) * int64(h.timescale) / 1000000
	return h.sendFrame(&Frame{
		Type:        frameType,
		Data:        payload,
		TimestampMs: h.clusterTime + relMs,
		IsKeyframe:  flags&0x80 != 0,
	})
}

func (h *mkvHandler) sendFrame(frame *Frame) error {
	select {
	case h.reader.frames <- frame:
		return nil
	default:
	}

	timer := time.NewTimer(frameSendTimeout)
	defer timer.Stop()

	select {
	case h.reader.frames <- frame:
		return nil
	case <-timer.C:
		return errors.New("timeout sending frame")
	}
}

// parseVint decodes an EBML variable-length integer (marker bit stripped).
func parseVint(data []byte) (uint64, int) {
	if len(data) == 0 {
		return 0, 0
	}
	first := data[0]
	length := 0
	for i := 0; i < 8; i++ {
		if first&(0x80>>uint(i)) != 0 {
			length = i + 1
			break
		}
	}
	if length == 0 || len(data) < length {
		return 0, 0
	}
	value := uint64(first & (0xFF >> uint(length)))
	for i := 1; i < length; i++ {
		value = value<<8 | uint64(data[i])
	}
	return value, length
}
