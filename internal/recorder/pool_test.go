package recorder

import (
	"context"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func videoPacket(pts int64, key bool) EncodedPacket {
	return EncodedPacket{Kind: KindVideo, Payload: []byte{byte(pts)}, PTSMicros: pts, Flags: PacketFlags{Keyframe: key}}
}

func audioPacket(pts int64) EncodedPacket {
	return EncodedPacket{Kind: KindAudio, Payload: []byte{byte(pts)}, PTSMicros: pts}
}

func TestPoolPopsEarliestAcrossStreams(t *testing.T) {
	p := NewPacketPool(10, 10)
	require.True(t, p.Push(videoPacket(100, true)))
	require.True(t, p.Push(videoPacket(300, false)))
	require.True(t, p.Push(audioPacket(50)))
	require.True(t, p.Push(audioPacket(200)))

	var got []int64
	for i := 0; i < 4; i++ {
		pkt, err := p.Pop(context.Background())
		require.NoError(t, err)
		got = append(got, pkt.PTSMicros)
	}
	assert.Equal(t, []int64{50, 100, 200, 300}, got)
}

func TestPoolPushNeverBlocksWhenFull(t *testing.T) {
	p := NewPacketPool(4, 3)

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 1000; i++ {
			p.Push(audioPacket(int64(i)))
			p.Push(videoPacket(int64(i), i%2 == 0))
		}
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("push blocked with no consumer")
	}
	assert.LessOrEqual(t, p.Len(KindAudio), 3)
	assert.LessOrEqual(t, p.Len(KindVideo), 4)

	stats := p.Stats()
	assert.EqualValues(t, 1000, stats.AudioPushed)
	assert.EqualValues(t, 997, stats.AudioDropped)
	assert.Greater(t, stats.VideoDropped, uint64(0))
}

func TestPoolAudioDropsOldest(t *testing.T) {
	p := NewPacketPool(4, 2)
	p.Push(audioPacket(1))
	p.Push(audioPacket(2))
	p.Push(audioPacket(3))

	first, ok := p.TryPop()
	require.True(t, ok)
	assert.EqualValues(t, 2, first.PTSMicros)
}

func TestPoolVideoDropsOldestGOP(t *testing.T) {
	p := NewPacketPool(4, 4)
	p.Push(videoPacket(0, true))
	p.Push(videoPacket(1, false))
	p.Push(videoPacket(2, false))
	p.Push(videoPacket(3, true))
	// queue full: the GOP starting at 0 is discarded up to the keyframe at 3
	p.Push(videoPacket(4, false))

	var got []int64
	for {
		pkt, ok := p.TryPop()
		if !ok {
			break
		}
		got = append(got, pkt.PTSMicros)
	}
	assert.Equal(t, []int64{3, 4}, got)
	assert.EqualValues(t, 3, p.Stats().VideoDropped)
}

func TestPoolAbort(t *testing.T) {
	p := NewPacketPool(4, 4)
	p.Push(videoPacket(0, true))

	popErr := make(chan error, 1)
	empty := NewPacketPool(4, 4)
	go func() {
		_, err := empty.Pop(context.Background())
		popErr <- err
	}()
	empty.Abort()
	select {
	case err := <-popErr:
		assert.True(t, errors.Is(err, ErrPoolAborted))
	case <-time.After(time.Second):
		t.Fatal("pop not released by abort")
	}

	p.Abort()
	p.Abort()
	assert.True(t, p.Aborted())
	assert.Equal(t, 0, p.Len(KindVideo))
	assert.False(t, p.Push(audioPacket(1)))
	_, err := p.Pop(context.Background())
	assert.True(t, errors.Is(err, ErrPoolAborted))

	p.Reset()
	assert.True(t, p.Push(audioPacket(2)))
	pkt, err := p.Pop(context.Background())
	require.NoError(t, err)
	assert.EqualValues(t, 2, pkt.PTSMicros)
}

func TestPoolPopHonoursContext(t *testing.T) {
	p := NewPacketPool(4, 4)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := p.Pop(ctx)
	assert.True(t, errors.Is(err, context.DeadlineExceeded))
}

func TestPoolPopCancelledKeepsQueuedPackets(t *testing.T) {
	p := NewPacketPool(4, 4)
	p.Push(audioPacket(1))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := p.Pop(ctx)
	assert.True(t, errors.Is(err, context.Canceled))
	assert.Equal(t, 1, p.Len(KindAudio))
}

func TestPoolPopWakesOnPush(t *testing.T) {
	p := NewPacketPool(4, 4)
	got := make(chan EncodedPacket, 1)
	go func() {
		pkt, err := p.Pop(context.Background())
		if err == nil {
			got <- pkt
		}
	}()
	time.Sleep(10 * time.Millisecond)
	p.Push(audioPacket(7))
	select {
	case pkt := <-got:
		assert.EqualValues(t, 7, pkt.PTSMicros)
	case <-time.After(time.Second):
		t.Fatal("pop not woken by push")
	}
}
