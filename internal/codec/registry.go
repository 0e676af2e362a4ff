// Package codec plugs the libvpx and libopus encoders into the recorder.
package codec

import (
	"github.com/Azunyan1111/go-camera-recorder/internal/recorder"
	"github.com/pion/webrtc/v4"
)

// Register adds the VP8 and Opus encoders to reg.
func Register(reg *recorder.CodecRegistry) {
	reg.Register(webrtc.MimeTypeVP8, func(format recorder.TrackFormat) (recorder.Codec, error) {
		return NewVP8Encoder(format)
	})
	reg.Register(webrtc.MimeTypeOpus, func(format recorder.TrackFormat) (recorder.Codec, error) {
		return NewOpusEncoder(format)
	})
}

// NewRegistry returns a registry with every encoder this package provides.
func NewRegistry() *recorder.CodecRegistry {
	reg := recorder.NewCodecRegistry()
	Register(reg)
	return reg
}
