package recorder

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/bluenviron/mediacommon/pkg/codecs/mpeg4audio"
	"github.com/cyclopcam/logs"
	"github.com/stretchr/testify/require"

	"github.com/kestrelcam/kestrel/pkg/videox"
)

// Valid 1280x720 H264 parameter sets
var testSPS = []byte{
	0x67, 0x64, 0x00, 0x1f, 0xac, 0xd9, 0x40, 0x50,
	0x05, 0xbb, 0x01, 0x6c, 0x80, 0x00, 0x00, 0x03,
	0x00, 0x80, 0x00, 0x00, 0x1e, 0x07, 0x8c, 0x18,
	0xcb,
}
var testPPS = []byte{0x68, 0xeb, 0xec, 0xb2, 0x2c}

func testSetup() TrackSetup {
	return TrackSetup{
		SPS:       testSPS,
		PPS:       testPPS,
		FrameRate: 30,
	}
}

func testSetupWithAudio() TrackSetup {
	setup := testSetup()
	setup.AudioConfig = &mpeg4audio.Config{
		Type:         mpeg4audio.ObjectTypeAACLC,
		SampleRate:   44100,
		ChannelCount: 2,
	}
	return setup
}

func audioPacket(dts int64, recv time.Time) *videox.Packet {
	return &videox.Packet{
		Kind:      videox.TrackAudio,
		Payload:   []byte{0x21, 0x10, 0x04, 0x60, 0x8c, 0x1c},
		PTS:       dts,
		DTS:       dts,
		TimeScale: 44100,
		Recv:      recv,
	}
}

func keyframePacket(dts int64, recv time.Time) *videox.Packet {
	return &videox.Packet{
		Kind:      videox.TrackVideo,
		AU:        [][]byte{testSPS, testPPS, {0x65, 0x88, 0x84, 0x00}},
		PTS:       dts,
		DTS:       dts,
		TimeScale: videox.VideoTimeScale,
		Keyframe:  true,
		Recv:      recv,
	}
}

func deltaPacket(dts int64, recv time.Time) *videox.Packet {
	return &videox.Packet{
		Kind:      videox.TrackVideo,
		AU:        [][]byte{{0x41, 0x9a, 0x24, 0x6c}},
		PTS:       dts,
		DTS:       dts,
		TimeScale: videox.VideoTimeScale,
		Keyframe:  false,
		Recv:      recv,
	}
}

func TestSegmentLazyInit(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "a.mp4")
	seg := NewSegment(logs.NewTestingLog(t), path, testSetup())
	base := time.Now()

	// Non-keyframes before init are dropped, and no file appears
	for i := 0; i < 3; i++ {
		result, err := seg.Write(deltaPacket(int64(i)*3000, base))
		require.NoError(t, err)
		require.Equal(t, WriteSkipped, result)
	}
	require.False(t, seg.Initialized())
	_, err := os.Stat(path)
	require.True(t, os.IsNotExist(err))

	// The first keyframe creates the file
	result, err := seg.Write(keyframePacket(9000, base))
	require.NoError(t, err)
	require.Equal(t, WriteOK, result)
	require.True(t, seg.Initialized())
	require.Equal(t, base, seg.StartTime())
	_, err = os.Stat(path)
	require.NoError(t, err)

	info, err := seg.Close()
	require.NoError(t, err)
	require.True(t, info.Complete)
	require.Equal(t, int64(1), info.VideoPackets)
}

func TestSegmentWriteAndClose(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "b.mp4")
	seg := NewSegment(logs.NewTestingLog(t), path, testSetup())
	base := time.Now()

	_, err := seg.Write(keyframePacket(0, base))
	require.NoError(t, err)
	for i := 1; i <= 90; i++ {
		result, err := seg.Write(deltaPacket(int64(i)*3000, base.Add(time.Duration(i)*33*time.Millisecond)))
		require.NoError(t, err)
		require.NotEqual(t, WriteSkipped, result)
	}

	info, err := seg.Close()
	require.NoError(t, err)
	require.True(t, info.Complete)
	require.Equal(t, int64(91), info.VideoPackets)
	require.Equal(t, 3*time.Second, info.Duration)

	st, err := os.Stat(path)
	require.NoError(t, err)
	require.Greater(t, st.Size(), int64(0))
	require.Equal(t, st.Size(), info.Bytes)
}

func TestSegmentCloseIdempotent(t *testing.T) {
	dir := t.TempDir()
	seg := NewSegment(logs.NewTestingLog(t), filepath.Join(dir, "c.mp4"), testSetup())
	base := time.Now()

	_, err := seg.Write(keyframePacket(0, base))
	require.NoError(t, err)

	info1, err := seg.Close()
	require.NoError(t, err)
	require.True(t, info1.Complete)

	// Second close is a safe no-op and reports the same summary
	info2, err := seg.Close()
	require.NoError(t, err)
	require.True(t, info2.Complete)
	require.Equal(t, info1.Path, info2.Path)
	require.False(t, info2.EndTime.IsZero())
	require.Equal(t, info1.EndTime, info2.EndTime)

	// Writing after close fails cleanly
	_, err = seg.Write(deltaPacket(3000, base))
	require.Error(t, err)
}

func TestSegmentCloseUninitialized(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "d.mp4")
	seg := NewSegment(logs.NewTestingLog(t), path, testSetup())

	info, err := seg.Close()
	require.NoError(t, err)
	require.False(t, info.Complete)
	_, err = os.Stat(path)
	require.True(t, os.IsNotExist(err))
}

func TestSegmentRotate(t *testing.T) {
	dir := t.TempDir()
	path1 := filepath.Join(dir, "e1.mp4")
	path2 := filepath.Join(dir, "e2.mp4")
	seg := NewSegment(logs.NewTestingLog(t), path1, testSetup())
	base := time.Now()

	_, err := seg.Write(keyframePacket(0, base))
	require.NoError(t, err)
	_, err = seg.Write(deltaPacket(3000, base))
	require.NoError(t, err)

	info, next, err := seg.Rotate(path2)
	require.NoError(t, err)
	require.True(t, info.Complete)
	require.Equal(t, path1, info.Path)
	_, err = os.Stat(path1)
	require.NoError(t, err)

	// The successor waits for its own keyframe
	result, err := next.Write(deltaPacket(6000, base))
	require.NoError(t, err)
	require.Equal(t, WriteSkipped, result)
	require.False(t, next.Initialized())

	result, err = next.Write(keyframePacket(9000, base))
	require.NoError(t, err)
	require.Equal(t, WriteOK, result)
	_, err = os.Stat(path2)
	require.NoError(t, err)

	info2, err := next.Close()
	require.NoError(t, err)
	require.True(t, info2.Complete)
}

func TestSegmentAudioWithoutTrackSkipped(t *testing.T) {
	dir := t.TempDir()
	seg := NewSegment(logs.NewTestingLog(t), filepath.Join(dir, "f.mp4"), testSetup())
	base := time.Now()

	_, err := seg.Write(keyframePacket(0, base))
	require.NoError(t, err)

	audio := &videox.Packet{
		Kind:      videox.TrackAudio,
		Payload:   []byte{1, 2, 3, 4},
		PTS:       0,
		DTS:       0,
		TimeScale: 44100,
		Recv:      base,
	}
	result, err := seg.Write(audio)
	require.NoError(t, err)
	require.Equal(t, WriteSkipped, result)

	info, err := seg.Close()
	require.NoError(t, err)
	require.Equal(t, int64(0), info.AudioPackets)
}

func TestSegmentPreInitAudioHeld(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "h.mp4")
	seg := NewSegment(logs.NewTestingLog(t), path, testSetupWithAudio())
	base := time.Now()

	// Audio ahead of the first keyframe is held, not dropped, and does not
	// create the file by itself
	for i := 0; i < 3; i++ {
		result, err := seg.Write(audioPacket(int64(i)*1024, base))
		require.NoError(t, err)
		require.Equal(t, WriteOK, result)
	}
	require.False(t, seg.Initialized())
	_, err := os.Stat(path)
	require.True(t, os.IsNotExist(err))

	// The keyframe initializes the file and the held audio lands in it
	_, err = seg.Write(keyframePacket(0, base))
	require.NoError(t, err)
	require.True(t, seg.Initialized())

	info, err := seg.Close()
	require.NoError(t, err)
	require.True(t, info.Complete)
	require.Equal(t, int64(3), info.AudioPackets)
	require.Equal(t, int64(1), info.VideoPackets)
}

func TestSegmentRotateKeepsAudio(t *testing.T) {
	dir := t.TempDir()
	path1 := filepath.Join(dir, "i1.mp4")
	path2 := filepath.Join(dir, "i2.mp4")
	seg := NewSegment(logs.NewTestingLog(t), path1, testSetupWithAudio())
	base := time.Now()

	_, err := seg.Write(keyframePacket(0, base))
	require.NoError(t, err)
	_, err = seg.Write(audioPacket(0, base))
	require.NoError(t, err)

	info, next, err := seg.Rotate(path2)
	require.NoError(t, err)
	require.Equal(t, int64(1), info.AudioPackets)

	// Audio between the rotation and the successor's first keyframe still
	// ends up in the successor
	result, err := next.Write(audioPacket(1024, base))
	require.NoError(t, err)
	require.Equal(t, WriteOK, result)
	require.False(t, next.Initialized())

	_, err = next.Write(keyframePacket(3000, base))
	require.NoError(t, err)

	info2, err := next.Close()
	require.NoError(t, err)
	require.True(t, info2.Complete)
	require.Equal(t, int64(1), info2.AudioPackets)
}

func TestSegmentRepairsBadTimestamps(t *testing.T) {
	dir := t.TempDir()
	seg := NewSegment(logs.NewTestingLog(t), filepath.Join(dir, "g.mp4"), testSetup())
	base := time.Now()

	_, err := seg.Write(keyframePacket(6000, base))
	require.NoError(t, err)

	// A duplicate DTS is repaired, not fatal
	result, err := seg.Write(deltaPacket(6000, base))
	require.NoError(t, err)
	require.Equal(t, WriteTimestampRepaired, result)

	_, err = seg.Close()
	require.NoError(t, err)
}
