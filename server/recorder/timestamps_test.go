package recorder

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/kestrelcam/kestrel/pkg/videox"
)

func newVideoTimestamps() *trackTimestamps {
	return &trackTimestamps{
		timeScale: videox.VideoTimeScale,
		frameRate: 30,
	}
}

func TestTimestampsFirstSegmentStartsAtZero(t *testing.T) {
	ts := newVideoTimestamps()
	dts, pts, event := ts.repair(900000, 903000)
	require.Equal(t, int64(0), dts)
	require.Equal(t, int64(3000), pts)
	require.Equal(t, tsOK, event)
}

func TestTimestampsMonotonic(t *testing.T) {
	ts := newVideoTimestamps()
	inputs := []int64{1000, 4000, 4000, 3000, 2000, 7000, 7000, 100000, 99999}
	last := int64(-1)
	for _, in := range inputs {
		dts, pts, _ := ts.repair(in, in)
		require.Greater(t, dts, last, "input %v", in)
		require.GreaterOrEqual(t, pts, dts)
		last = dts
	}
}

func TestTimestampsPTSNeverBelowDTS(t *testing.T) {
	ts := newVideoTimestamps()
	// PTS behind DTS on the second packet
	ts.repair(0, 0)
	dts, pts, _ := ts.repair(6000, 3000)
	require.GreaterOrEqual(t, pts, dts)
}

func TestTimestampsOverflowGuard(t *testing.T) {
	ts := newVideoTimestamps()
	ts.repair(0, 0)

	in := int64(0x7fffffff + 1000)
	dts, pts, event := ts.repair(in, in+3000)
	require.Less(t, dts, int64(dtsOverflowLimit))
	require.Equal(t, int64(dtsResetValue), dts)
	require.Equal(t, int64(3000), pts-dts)
	require.Equal(t, tsRepaired, event)

	// The stream continues from the reset point
	dts2, _, _ := ts.repair(in+3000, in+6000)
	require.Greater(t, dts2, dts)
	require.Less(t, dts2, int64(dtsOverflowLimit))
}

func TestTimestampsResetAfterConsecutiveFailures(t *testing.T) {
	ts := newVideoTimestamps()
	ts.repair(0, 0)
	ts.repair(500000, 500000)

	// Large regressions, over and over. The first four are repaired in
	// place; the fifth escalates.
	for i := 0; i < maxTimestampFailures; i++ {
		_, _, event := ts.repair(1000, 1000)
		if i < maxTimestampFailures-1 {
			require.Equal(t, tsRepaired, event, "failure %v", i)
		} else {
			require.Equal(t, tsResetRequired, event)
		}
	}

	// After rebuilding the reference, the stream is healthy again
	ts.resetReference()
	dts, _, event := ts.repair(12345, 12345)
	require.Equal(t, tsOK, event)
	require.Equal(t, int64(0), dts)
}

func TestTimestampsSmallRegressionsDontEscalate(t *testing.T) {
	ts := newVideoTimestamps()
	ts.repair(0, 0)
	// Duplicate frames forever should never demand a reset
	for i := 0; i < 100; i++ {
		_, _, event := ts.repair(3000, 3000)
		require.NotEqual(t, tsResetRequired, event)
	}
}

func TestTimestampsNextSegmentSmallOffset(t *testing.T) {
	ts := newVideoTimestamps()
	ts.repair(900000, 900000)
	ts.nextSegment()

	// Later segments restart near zero rather than carrying the absolute
	// timestamp forward
	dts, pts, _ := ts.repair(5000000, 5000000)
	require.Equal(t, int64(1), dts)
	require.Equal(t, int64(1), pts)
}

func TestTimestampsDuration(t *testing.T) {
	ts := newVideoTimestamps()
	require.Equal(t, int64(4500), ts.duration(4500))
	// Unknown duration falls back to the frame rate
	require.Equal(t, int64(3000), ts.duration(0))
	// Pathological durations are capped at one second
	require.Equal(t, int64(videox.VideoTimeScale), ts.duration(20000000))

	audio := &trackTimestamps{timeScale: 44100, samplesPerAU: 1024}
	require.Equal(t, int64(1024), audio.duration(0))
}
