package recorder

import (
	"testing"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDrainerFailsMuxerWhenTrackRejected(t *testing.T) {
	h := &hookRecorder{}
	m := newTestMuxer(t, newFakeContainer(), h)
	require.NoError(t, m.AddEncoder(KindVideo))
	_, err := m.AddTrack(VideoFormat(EncodeProfile{Width: 64, Height: 48}))
	require.NoError(t, err)
	require.True(t, m.Start())

	// audio の format が開始後に届いた
	d := &outputDrainer{
		kind:  KindAudio,
		muxer: m,
		opts:  EncoderOptions{}.withDefaults(),
		log:   logrus.WithField("component", "drain"),
	}
	d.onFormatChanged(AudioFormat(48000, 2, 0))

	assert.False(t, d.joined)
	assert.True(t, errors.Is(m.Err(), ErrMuxerStarted))
	_, _, errs := h.snapshot()
	assert.Equal(t, 1, errs)
	_, ok := m.TrackIndex(KindAudio)
	assert.False(t, ok)
}

func TestDrainerIgnoresSecondFormatChange(t *testing.T) {
	h := &hookRecorder{}
	m := newTestMuxer(t, newFakeContainer(), h)
	require.NoError(t, m.AddEncoder(KindVideo))

	d := &outputDrainer{
		kind:  KindVideo,
		muxer: m,
		opts:  EncoderOptions{}.withDefaults(),
		log:   logrus.WithField("component", "drain"),
	}
	d.onFormatChanged(VideoFormat(EncodeProfile{Width: 64, Height: 48}))
	require.True(t, d.joined)
	d.onFormatChanged(VideoFormat(EncodeProfile{Width: 64, Height: 48}))

	assert.Equal(t, uint64(1), d.violations.Load())
	assert.NoError(t, m.Err())
	_, _, errs := h.snapshot()
	assert.Equal(t, 0, errs)
}
