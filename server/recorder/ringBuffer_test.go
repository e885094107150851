package recorder

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/kestrelcam/kestrel/pkg/videox"
)

func makeTestPacket(seq int, keyframe bool, recv time.Time) *videox.Packet {
	return &videox.Packet{
		Kind:      videox.TrackVideo,
		AU:        [][]byte{{0x65, byte(seq)}},
		PTS:       int64(seq) * 3000,
		DTS:       int64(seq) * 3000,
		TimeScale: videox.VideoTimeScale,
		Keyframe:  keyframe,
		Recv:      recv,
	}
}

func TestRingBufferCapacityBound(t *testing.T) {
	base := time.Now()
	buf := NewPacketRingBuffer(4, time.Hour)
	for i := 0; i < 10; i++ {
		buf.Push(makeTestPacket(i, false, base))
		require.LessOrEqual(t, buf.Len(), 4)
	}
	require.Equal(t, 4, buf.Len())

	// The survivors are exactly the last 4, in original order
	got := buf.Snapshot()
	require.Len(t, got, 4)
	for i, p := range got {
		require.Equal(t, int64(6+i)*3000, p.DTS)
	}
}

func TestRingBufferDurationBudget(t *testing.T) {
	base := time.Now()
	buf := NewPacketRingBuffer(100, time.Second)
	for i := 0; i < 5; i++ {
		buf.Push(makeTestPacket(i, false, base.Add(time.Duration(i)*400*time.Millisecond)))
	}
	// Packets 0 and 1 are more than a second older than packet 4
	require.Equal(t, 3, buf.Len())
	got := buf.Snapshot()
	require.Equal(t, int64(2)*3000, got[0].DTS)
}

func TestRingBufferFlushKeyframeAlignment(t *testing.T) {
	base := time.Now()
	buf := NewPacketRingBuffer(10, time.Hour)
	buf.Push(makeTestPacket(0, false, base))
	buf.Push(makeTestPacket(1, false, base))
	buf.Push(makeTestPacket(2, true, base))
	buf.Push(makeTestPacket(3, false, base))
	buf.Push(makeTestPacket(4, false, base))

	var flushed []*videox.Packet
	n, err := buf.Flush(func(p *videox.Packet) error {
		flushed = append(flushed, p)
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, 3, n)
	require.True(t, flushed[0].IsVideoKeyframe())
	require.Equal(t, int64(2)*3000, flushed[0].DTS)
	require.Equal(t, int64(4)*3000, flushed[2].DTS)

	// Flush drains the buffer
	require.Equal(t, 0, buf.Len())
}

func TestRingBufferFlushNoKeyframe(t *testing.T) {
	base := time.Now()
	buf := NewPacketRingBuffer(10, time.Hour)
	buf.Push(makeTestPacket(0, false, base))
	buf.Push(makeTestPacket(1, false, base))

	n, err := buf.Flush(func(p *videox.Packet) error {
		t.Fatal("nothing should be forwarded without a keyframe")
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, 0, n)
}

func TestRingBufferFlushEmpty(t *testing.T) {
	buf := NewPacketRingBuffer(10, time.Hour)
	n, err := buf.Flush(func(p *videox.Packet) error {
		t.Fatal("empty buffer must forward nothing")
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, 0, n)
}

func TestRingBufferClear(t *testing.T) {
	base := time.Now()
	buf := NewPacketRingBuffer(10, time.Hour)
	for i := 0; i < 5; i++ {
		buf.Push(makeTestPacket(i, i == 0, base))
	}
	require.Equal(t, 5, buf.Len())
	buf.Clear()
	require.Equal(t, 0, buf.Len())

	// Still usable after Clear
	buf.Push(makeTestPacket(9, true, base))
	require.Equal(t, 1, buf.Len())
}
