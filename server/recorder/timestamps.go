package recorder

// Timestamp repair for one elementary stream of a segment.
//
// RTSP cameras routinely deliver timestamps that MP4 will not accept:
// duplicates, regressions after a camera-side clock hiccup, and raw values
// large enough to blow past the 32-bit fields older players read. Every
// packet's DTS/PTS passes through trackTimestamps before it reaches the
// container, and what comes out is guaranteed to start near zero, increase
// strictly, satisfy PTS >= DTS, and stay far away from the 32-bit ceiling.

const (
	// Reset DTS once it crosses ~75% of the 32-bit ceiling, well before a
	// writer would fail with "dts > 0x7fffffff".
	dtsOverflowLimit = 0x70000000

	// Value timestamps restart from after an overflow reset.
	dtsResetValue = 1000

	// Consecutive large discontinuities tolerated before we tell the caller
	// to rebuild the zero reference.
	maxTimestampFailures = 5

	// Durations longer than this (in time base units) are considered
	// corrupt and capped.
	maxPacketDuration = 10000000
)

// tsEvent describes what repair had to do to a packet.
type tsEvent int

const (
	tsOK            tsEvent = iota
	tsRepaired              // timestamps were adjusted, packet is fine to write
	tsResetRequired         // too many consecutive discontinuities, reference must be rebuilt
)

// trackTimestamps holds the per-track continuity state of a segment.
// Each track of each segment owns its state; nothing here is shared
// between streams or between the video and audio tracks.
type trackTimestamps struct {
	timeScale    uint32
	frameRate    float64 // video only, for duration fallback
	samplesPerAU int     // audio only, eg 1024 for AAC

	segmentIndex int // 0 for the first segment of a continuous recording

	haveFirst bool
	firstDTS  int64
	firstPTS  int64

	havePacket bool
	lastDTS    int64
	lastPTS    int64

	failures int // consecutive large discontinuities
}

// repair maps a raw (dts, pts) pair to the values actually written.
func (t *trackTimestamps) repair(dts, pts int64) (int64, int64, tsEvent) {
	// First packet of the segment establishes the zero reference
	if !t.haveFirst {
		t.haveFirst = true
		t.firstDTS = dts
		t.firstPTS = pts
	}

	if t.segmentIndex == 0 {
		// First segment of a recording starts at time 0
		dts -= t.firstDTS
		if dts < 0 {
			dts = 0
		}
		pts -= t.firstPTS
		if pts < 0 {
			pts = 0
		}
	} else {
		// Later segments start at a small fixed offset. Carrying the
		// absolute prior timestamp forward instead would grow without bound
		// across many rotations.
		dts = dts - t.firstDTS + 1
		pts = pts - t.firstPTS + 1
	}

	if pts < dts {
		pts = dts
	}

	event := tsOK

	// Overflow guard. Restart the clock low, keep the PTS-DTS offset, and
	// shift the zero reference by the same amount so that subsequent
	// packets continue increasing from the reset point instead of
	// re-tripping the guard on every packet.
	overflowed := false
	if dts > dtsOverflowLimit {
		shift := dts - dtsResetValue
		t.firstDTS += shift
		t.firstPTS += shift
		offset := pts - dts
		if offset < 0 {
			offset = 0
		}
		dts = dtsResetValue
		pts = dts + offset
		overflowed = true
		event = tsRepaired
	}

	// Strictly increasing DTS
	if t.havePacket && !overflowed {
		if dts <= t.lastDTS {
			delta := t.lastDTS + 1 - dts
			dts += delta
			pts += delta
			event = tsRepaired
			// A regression of more than a second is a discontinuity, not
			// the usual duplicate frame. Enough of them in a row means our
			// zero reference no longer matches what the source is sending.
			if delta > int64(t.timeScale) {
				t.failures++
				if t.failures >= maxTimestampFailures {
					event = tsResetRequired
				}
			} else {
				t.failures = 0
			}
		} else {
			t.failures = 0
		}
	}

	t.havePacket = true
	t.lastDTS = dts
	t.lastPTS = pts
	return dts, pts, event
}

// duration returns a sane duration for a packet, deriving one when the source
// did not provide it and capping corrupt values.
func (t *trackTimestamps) duration(explicit int64) int64 {
	d := explicit
	if d <= 0 {
		if t.frameRate > 0 {
			d = int64(float64(t.timeScale) / t.frameRate)
		} else if t.samplesPerAU > 0 {
			// Audio time scale is the sample rate, so an AU's duration is
			// simply its sample count.
			d = int64(t.samplesPerAU)
		}
		if d <= 0 {
			d = 1
		}
	}
	if d > maxPacketDuration {
		d = int64(t.timeScale)
	}
	return d
}

// resetReference discards the zero reference so the next packet rebuilds it.
// Called by the segment owner when repair reports tsResetRequired.
func (t *trackTimestamps) resetReference() {
	t.haveFirst = false
	t.havePacket = false
	t.failures = 0
}

// nextSegment advances the continuity state across a rotation.
func (t *trackTimestamps) nextSegment() {
	t.segmentIndex++
	t.haveFirst = false
	t.havePacket = false
	t.failures = 0
}
