package recorder

import (
	"strings"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/pkg/errors"
)

// Kind identifies the elementary stream a packet or track belongs to.
type Kind int

const (
	KindVideo Kind = iota
	KindAudio
)

func (k Kind) String() string {
	switch k {
	case KindVideo:
		return "video"
	case KindAudio:
		return "audio"
	default:
		return "unknown"
	}
}

// PacketFlags mirrors the codec buffer flags.
type PacketFlags struct {
	Keyframe    bool
	Config      bool
	EndOfStream bool
}

// EncodedPacket is one compressed access unit. It is not modified after it leaves the codec.
type EncodedPacket struct {
	Kind      Kind
	Payload   []byte
	PTSMicros int64
	Flags     PacketFlags
}

// PTS returns the presentation timestamp as a Duration.
func (p EncodedPacket) PTS() time.Duration {
	return time.Duration(p.PTSMicros) * time.Microsecond
}

// TrackFormat is the output format a codec reports once it knows its parameters.
type TrackFormat struct {
	Kind  Kind
	Codec webrtc.RTPCodecCapability

	Width     int
	Height    int
	FrameRate int

	SampleRate int
	Channels   int

	Bitrate      int
	CodecPrivate []byte
}

// MimeType returns the lower-cased codec mime type.
func (f TrackFormat) MimeType() string {
	return strings.ToLower(f.Codec.MimeType)
}

// MatroskaCodecID maps the codec mime type to a Matroska CodecID.
func (f TrackFormat) MatroskaCodecID() (string, error) {
	switch f.MimeType() {
	case strings.ToLower(webrtc.MimeTypeVP8):
		return "V_VP8", nil
	case strings.ToLower(webrtc.MimeTypeVP9):
		return "V_VP9", nil
	case strings.ToLower(webrtc.MimeTypeOpus):
		return "A_OPUS", nil
	default:
		return "", errors.Errorf("no matroska codec id for %q", f.Codec.MimeType)
	}
}

// VideoFormat builds the requested VP8 format for an encode profile.
func VideoFormat(p EncodeProfile) TrackFormat {
	return TrackFormat{
		Kind:      KindVideo,
		Codec:     webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8, ClockRate: 90000},
		Width:     p.Width,
		Height:    p.Height,
		FrameRate: p.FrameRate,
		Bitrate:   p.Bitrate,
	}
}

// AudioFormat builds the requested Opus format.
func AudioFormat(sampleRate, channels, bitrate int) TrackFormat {
	return TrackFormat{
		Kind:       KindAudio,
		Codec:      webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus, ClockRate: uint32(sampleRate), Channels: uint16(channels)},
		SampleRate: sampleRate,
		Channels:   channels,
		Bitrate:    bitrate,
	}
}
