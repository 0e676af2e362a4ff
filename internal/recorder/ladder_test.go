package recorder

import (
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestComputeEncodeProfileLadder(t *testing.T) {
	tests := []struct {
		name          string
		width, height int
		wantW, wantH  int
		wantBitrate   int
	}{
		{"clamps to 720", 1000, 750, 720, 540, 1856000},
		{"proportional height rounded even", 1000, 563, 720, 404, 1856000},
		{"exact 720 tier", 720, 1280, 720, 1280, 1856000},
		{"480 tier", 640, 480, 480, 360, 896000},
		{"360 tier", 400, 300, 360, 270, 704000},
		{"240 tier", 300, 200, 240, 160, 576000},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, err := ComputeEncodeProfile(tt.width, tt.height, 0, true)
			require.NoError(t, err)
			assert.Equal(t, tt.wantW, p.Width)
			assert.Equal(t, tt.wantH, p.Height)
			assert.Equal(t, tt.wantBitrate, p.Bitrate)
			assert.Equal(t, CompressedFrameRate, p.FrameRate)
			assert.True(t, p.Compressed)
		})
	}
}

func TestComputeEncodeProfileBelowLadderUnchanged(t *testing.T) {
	p, err := ComputeEncodeProfile(200, 150, 0, true)
	require.NoError(t, err)
	assert.Equal(t, 200, p.Width)
	assert.Equal(t, 150&^1, p.Height)
	assert.Equal(t, int(0.25*20*200*150), p.Bitrate)
}

func TestComputeEncodeProfileUncompressedKeepsSize(t *testing.T) {
	p, err := ComputeEncodeProfile(300, 200, 0, false)
	require.NoError(t, err)
	assert.Equal(t, 300, p.Width)
	assert.Equal(t, 200, p.Height)
	assert.Equal(t, UncompressedFrameRate, p.FrameRate)
	assert.Equal(t, int(0.25*25*300*200), p.Bitrate)

	p, err = ComputeEncodeProfile(1001, 721, 2000000, false)
	require.NoError(t, err)
	assert.Equal(t, 1000, p.Width)
	assert.Equal(t, 720, p.Height)
	assert.Equal(t, 2000000, p.Bitrate)
}

func TestComputeEncodeProfileInvalid(t *testing.T) {
	for _, dims := range [][2]int{{0, 100}, {100, 0}, {-4, 100}, {1, 1}} {
		_, err := ComputeEncodeProfile(dims[0], dims[1], 0, false)
		assert.True(t, errors.Is(err, ErrInvalidDimensions), "dims %v", dims)
	}
	// 1000x1 clamps to 720x0 on the ladder
	_, err := ComputeEncodeProfile(1000, 1, 0, true)
	assert.True(t, errors.Is(err, ErrInvalidDimensions))
}
