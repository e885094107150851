package videox

import (
	"time"

	"github.com/bluenviron/mediacommon/pkg/codecs/h264"
)

// TrackKind identifies which elementary stream a packet belongs to.
type TrackKind int

const (
	TrackVideo TrackKind = iota
	TrackAudio
)

func (k TrackKind) String() string {
	switch k {
	case TrackVideo:
		return "video"
	case TrackAudio:
		return "audio"
	}
	return "unknown"
}

// VideoTimeScale is the time base we use for video packets (RTP clock rate for H264).
const VideoTimeScale = 90000

// Packet is one compressed access unit received from a stream source.
// For video, AU holds the NALUs of the access unit (no start codes).
// For audio, Payload holds a single compressed frame (eg one AAC AU).
// PTS and DTS are expressed in TimeScale units.
//
// A packet is owned by whoever holds it. The ring buffer owns its slots
// until a packet is evicted or flushed; a flush hands the same packet to
// the muxer, which never mutates it (timestamp repair operates on copies
// of the timestamp fields, not on the packet).
type Packet struct {
	Kind      TrackKind
	AU        [][]byte // Video access unit, one NALU per entry
	Payload   []byte   // Audio frame
	PTS       int64
	DTS       int64
	TimeScale uint32
	Keyframe  bool
	Recv      time.Time // Wall clock time when we received the packet
}

// PayloadBytes returns the compressed size of the packet.
func (p *Packet) PayloadBytes() int {
	if p.Kind == TrackAudio {
		return len(p.Payload)
	}
	size := 0
	for _, n := range p.AU {
		size += len(n)
	}
	return size
}

// IsVideoKeyframe returns true for a video packet whose access unit can start
// independent decoding.
func (p *Packet) IsVideoKeyframe() bool {
	return p.Kind == TrackVideo && p.Keyframe
}

// Clone makes a deep copy of the packet contents.
func (p *Packet) Clone() *Packet {
	c := *p
	if p.AU != nil {
		c.AU = make([][]byte, len(p.AU))
		for i, n := range p.AU {
			c.AU[i] = append([]byte(nil), n...)
		}
	}
	if p.Payload != nil {
		c.Payload = append([]byte(nil), p.Payload...)
	}
	return &c
}

// AUContainsIDR returns true if the H264 access unit contains an IDR NALU.
// Cameras typically send SPS + PPS + IDR together in one access unit.
func AUContainsIDR(au [][]byte) bool {
	for _, n := range au {
		if len(n) > 0 && h264.NALUType(n[0]&0x1F) == h264.NALUTypeIDR {
			return true
		}
	}
	return false
}

// AUFirstNALUOfType returns the first NALU of the given type, or nil.
func AUFirstNALUOfType(au [][]byte, t h264.NALUType) []byte {
	for _, n := range au {
		if len(n) > 0 && h264.NALUType(n[0]&0x1F) == t {
			return n
		}
	}
	return nil
}
