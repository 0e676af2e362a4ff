package recorder

import "github.com/pkg/errors"

const (
	// UncompressedFrameRate is used when the ladder is not applied.
	UncompressedFrameRate = 25
	// CompressedFrameRate is used for every ladder tier.
	CompressedFrameRate = 20
	// KeyframeInterval is the keyframe distance in seconds.
	KeyframeInterval = 1

	bitsPerPixel = 0.25
)

// EncodeProfile is the resolved encoder configuration for a recording.
type EncodeProfile struct {
	Width      int
	Height     int
	Bitrate    int
	FrameRate  int
	Compressed bool
}

type ladderTier struct {
	width   int
	bitrate int
}

// resolutionLadder is ordered from the largest tier down.
var resolutionLadder = []ladderTier{
	{width: 720, bitrate: 1856000},
	{width: 480, bitrate: 896000},
	{width: 360, bitrate: 704000},
	{width: 240, bitrate: 576000},
}

// ComputeEncodeProfile resolves the encode size, bitrate and frame rate.
// With compress set the width is clamped to the first ladder tier it reaches
// and the height follows proportionally; below the last tier the size is kept.
// Without compress the input size is kept and the bitrate defaults to
// bitsPerPixel * fps * w * h. Dimensions are rounded down to even numbers.
func ComputeEncodeProfile(width, height, bitrate int, compress bool) (EncodeProfile, error) {
	if width <= 0 || height <= 0 {
		return EncodeProfile{}, errors.Wrapf(ErrInvalidDimensions, "input %dx%d", width, height)
	}

	p := EncodeProfile{Width: width, Height: height, Compressed: compress}
	if compress {
		p.FrameRate = CompressedFrameRate
		matched := false
		for _, tier := range resolutionLadder {
			if width >= tier.width {
				p.Width = tier.width
				p.Height = int(int64(height) * int64(tier.width) / int64(width))
				p.Bitrate = tier.bitrate
				matched = true
				break
			}
		}
		if !matched {
			p.Bitrate = bitsPerPixelBitrate(p.FrameRate, width, height)
		}
	} else {
		p.FrameRate = UncompressedFrameRate
		p.Bitrate = bitrate
	}

	p.Width &^= 1
	p.Height &^= 1
	if p.Width <= 0 || p.Height <= 0 {
		return EncodeProfile{}, errors.Wrapf(ErrInvalidDimensions, "input %dx%d resolves to %dx%d", width, height, p.Width, p.Height)
	}
	if p.Bitrate <= 0 {
		p.Bitrate = bitsPerPixelBitrate(p.FrameRate, p.Width, p.Height)
	}
	return p, nil
}

func bitsPerPixelBitrate(fps, width, height int) int {
	return int(bitsPerPixel * float64(fps) * float64(width) * float64(height))
}
