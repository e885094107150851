package recorder

import (
	"fmt"
	"io"
	"os"
	"time"

	"github.com/bluenviron/mediacommon/pkg/codecs/h264"
	"github.com/bluenviron/mediacommon/pkg/codecs/mpeg4audio"
	"github.com/bluenviron/mediacommon/pkg/formats/fmp4"
	"github.com/cyclopcam/logs"
	"github.com/kestrelcam/kestrel/pkg/videox"
)

// WriteResult tells the caller what happened to a packet handed to a Segment.
// Fatal conditions (filesystem errors, marshalling errors) come back as a
// regular error instead.
type WriteResult int

const (
	WriteOK WriteResult = iota

	// Packet arrived before the first video keyframe and was dropped.
	// Starting a file on a non-keyframe would produce garbage until the
	// next IDR, so we wait.
	WriteSkipped

	// Timestamps were adjusted before writing. Normal for duplicates and
	// small regressions; worth a log line, not worth aborting.
	WriteTimestampRepaired

	// Too many consecutive timestamp discontinuities. The zero reference
	// was rebuilt from this packet, and the caller should consider a full
	// connection reset if this keeps happening.
	WriteTimestampResetRequired
)

const (
	videoTrackID = 1
	audioTrackID = 2

	// How much video we accumulate before writing a moof/mdat pair.
	partDuration = time.Second

	// Audio frames held while waiting for the keyframe that initializes the
	// file. AAC runs under 50 frames per second, so this covers a keyframe
	// interval of several seconds.
	maxPreInitAudio = 512
)

// TrackSetup carries the source parameters a Segment needs before it can
// write an init segment. SPS/PPS here are the ones from the SDP; if the
// stream carries in-band parameter sets with its keyframes, those win.
type TrackSetup struct {
	SPS       []byte
	PPS       []byte
	FrameRate float64 // 0 when the SPS doesn't say

	AudioConfig *mpeg4audio.Config // nil when the segment is video-only
}

// SegmentInfo summarizes a finished segment file.
type SegmentInfo struct {
	Path         string
	StartTime    time.Time // wall clock of the first written keyframe
	EndTime      time.Time
	Duration     time.Duration // media duration, from video timestamps
	Bytes        int64
	VideoPackets int64
	AudioPackets int64
	Complete     bool // false when the segment was abandoned mid-write
}

// pendingSample is a sample whose duration we don't know yet. Sample
// durations in MP4 are deltas to the next sample, so every track is
// written one sample behind.
type pendingSample struct {
	sample *fmp4.PartSample
	dts    int64
}

// segmentTrack is the per-track muxing state of a Segment.
type segmentTrack struct {
	id      int
	ts      trackTimestamps
	pending *pendingSample
	samples []*fmp4.PartSample
	// DTS of the first sample in the in-progress part
	partBaseDTS int64
	firstDTS    int64
	lastDTS     int64
	wrote       bool
	packets     int64
}

func (t *segmentTrack) queue(s *fmp4.PartSample, dts int64) {
	if t.pending != nil {
		t.pending.sample.Duration = uint32(t.ts.duration(dts - t.pending.dts))
		if len(t.samples) == 0 {
			t.partBaseDTS = t.pending.dts
		}
		t.samples = append(t.samples, t.pending.sample)
	}
	t.pending = &pendingSample{sample: s, dts: dts}
	if !t.wrote {
		t.wrote = true
		t.firstDTS = dts
	}
	t.lastDTS = dts
	t.packets++
}

// flushPending moves the last held-back sample into the part, deriving its
// duration from the track's frame rate. Only used when the segment closes.
func (t *segmentTrack) flushPending() {
	if t.pending == nil {
		return
	}
	t.pending.sample.Duration = uint32(t.ts.duration(0))
	if len(t.samples) == 0 {
		t.partBaseDTS = t.pending.dts
	}
	t.samples = append(t.samples, t.pending.sample)
	t.pending = nil
}

// Segment writes one fragmented MP4 file. The file is not created until the
// first video keyframe arrives; until then video is dropped with
// WriteSkipped and audio is held back, then written ahead of that keyframe.
// Fragmented output means the file on disk is valid up to the last flushed
// part, so a crash or power loss costs at most the final second, never the
// whole file. There is no second pass over the file.
//
// A Segment is owned by a single goroutine. Close is idempotent.
type Segment struct {
	log   logs.Log
	path  string
	setup TrackSetup

	file        *os.File
	initialized bool
	closed      bool
	seq         uint32
	startTime   time.Time
	bytes       int64

	video segmentTrack
	audio segmentTrack

	// Audio received before initialization, waiting for the first keyframe
	preInitAudio []*videox.Packet
}

// NewSegment prepares a segment writer. No filesystem activity happens here.
func NewSegment(logger logs.Log, path string, setup TrackSetup) *Segment {
	s := &Segment{
		log:   logger,
		path:  path,
		setup: setup,
	}
	s.video = segmentTrack{
		id: videoTrackID,
		ts: trackTimestamps{
			timeScale: videox.VideoTimeScale,
			frameRate: setup.FrameRate,
		},
	}
	if setup.AudioConfig != nil {
		s.audio = segmentTrack{
			id: audioTrackID,
			ts: trackTimestamps{
				timeScale:    uint32(setup.AudioConfig.SampleRate),
				samplesPerAU: mpeg4audio.SamplesPerAccessUnit,
			},
		}
	}
	return s
}

// Initialized returns true once the init segment has been written, ie the
// file exists on disk and has seen at least one keyframe.
func (s *Segment) Initialized() bool {
	return s.initialized
}

func (s *Segment) Path() string {
	return s.path
}

// StartTime is the wall clock time of the first written keyframe.
// Zero before initialization.
func (s *Segment) StartTime() time.Time {
	return s.startTime
}

// Duration is the video media duration written so far.
func (s *Segment) Duration() time.Duration {
	if !s.video.wrote {
		return 0
	}
	return time.Duration(s.video.lastDTS-s.video.firstDTS) * time.Second / videox.VideoTimeScale
}

// Write muxes one packet into the segment. Returns an error only for fatal
// conditions; everything recoverable is expressed in the WriteResult.
func (s *Segment) Write(p *videox.Packet) (WriteResult, error) {
	if s.closed {
		return WriteSkipped, fmt.Errorf("write to closed segment %v", s.path)
	}

	if !s.initialized {
		if !p.IsVideoKeyframe() {
			if p.Kind == videox.TrackAudio && s.setup.AudioConfig != nil {
				// Audio can't start the file, but dropping it would punch a
				// hole in the soundtrack at the head of every segment. Hold
				// it until the keyframe arrives.
				s.preInitAudio = append(s.preInitAudio, p)
				if len(s.preInitAudio) > maxPreInitAudio {
					s.preInitAudio = s.preInitAudio[1:]
				}
				return WriteOK, nil
			}
			return WriteSkipped, nil
		}
		if err := s.initialize(p); err != nil {
			return WriteSkipped, fmt.Errorf("failed to initialize segment %v: %w", s.path, err)
		}
		for _, a := range s.preInitAudio {
			if _, err := s.mux(a); err != nil {
				return WriteSkipped, err
			}
		}
		s.preInitAudio = nil
	}

	return s.mux(p)
}

// mux runs timestamp repair and queues the packet's sample. The segment must
// be initialized.
func (s *Segment) mux(p *videox.Packet) (WriteResult, error) {
	track := &s.video
	if p.Kind == videox.TrackAudio {
		if s.setup.AudioConfig == nil {
			return WriteSkipped, nil
		}
		track = &s.audio
	}

	dts, pts, event := track.ts.repair(p.DTS, p.PTS)
	result := WriteOK
	switch event {
	case tsRepaired:
		result = WriteTimestampRepaired
	case tsResetRequired:
		// Rebuild the zero reference from this packet and keep going.
		// The stream's clock has jumped too far for incremental repair.
		track.ts.resetReference()
		dts, pts, _ = track.ts.repair(p.DTS, p.PTS)
		result = WriteTimestampResetRequired
		s.log.Warnf("Segment %v: timestamp reference reset (track %v)", s.path, p.Kind)
	}

	var sample *fmp4.PartSample
	if p.Kind == videox.TrackVideo {
		var err error
		sample, err = fmp4.NewPartSampleH26x(int32(pts-dts), p.Keyframe, p.AU)
		if err != nil {
			return result, fmt.Errorf("failed to mux access unit: %w", err)
		}
	} else {
		sample = &fmp4.PartSample{Payload: p.Payload}
	}
	track.queue(sample, dts)

	// Flush a part once we've buffered enough video
	if s.video.wrote && len(s.video.samples) > 0 {
		elapsed := time.Duration(s.video.lastDTS-s.video.partBaseDTS) * time.Second / videox.VideoTimeScale
		if elapsed >= partDuration {
			if err := s.flushPart(); err != nil {
				return result, err
			}
		}
	}

	return result, nil
}

// initialize creates the file and writes the init segment. Called on the
// first video keyframe. In-band SPS/PPS from the keyframe's access unit
// override whatever the SDP advertised.
func (s *Segment) initialize(p *videox.Packet) error {
	sps := s.setup.SPS
	pps := s.setup.PPS
	if n := videox.AUFirstNALUOfType(p.AU, h264.NALUTypeSPS); n != nil {
		sps = n
	}
	if n := videox.AUFirstNALUOfType(p.AU, h264.NALUTypePPS); n != nil {
		pps = n
	}
	if len(sps) == 0 || len(pps) == 0 {
		return fmt.Errorf("no SPS/PPS available")
	}

	width, height := 0, 0
	var parsed h264.SPS
	if err := parsed.Unmarshal(sps); err == nil {
		width = parsed.Width()
		height = parsed.Height()
		if s.video.ts.frameRate == 0 {
			s.video.ts.frameRate = parsed.FPS()
		}
	}
	if width == 0 || height == 0 {
		// The SPS is still written verbatim; these are only for the log.
		width, height = 640, 480
	}

	init := fmp4.Init{
		Tracks: []*fmp4.InitTrack{
			{
				ID:        videoTrackID,
				TimeScale: videox.VideoTimeScale,
				Codec: &fmp4.CodecH264{
					SPS: sps,
					PPS: pps,
				},
			},
		},
	}
	if s.setup.AudioConfig != nil {
		init.Tracks = append(init.Tracks, &fmp4.InitTrack{
			ID:        audioTrackID,
			TimeScale: uint32(s.setup.AudioConfig.SampleRate),
			Codec: &fmp4.CodecMPEG4Audio{
				Config: *s.setup.AudioConfig,
			},
		})
	}

	file, err := os.Create(s.path)
	if err != nil {
		return err
	}
	if err := init.Marshal(file); err != nil {
		file.Close()
		os.Remove(s.path)
		return err
	}
	s.file = file
	s.initialized = true
	s.startTime = p.Recv
	s.log.Infof("Segment %v started (%vx%v, audio:%v)", s.path, width, height, s.setup.AudioConfig != nil)
	return nil
}

// flushPart writes the accumulated samples as one moof/mdat pair.
func (s *Segment) flushPart() error {
	part := fmp4.Part{
		SequenceNumber: s.seq,
	}
	for _, track := range []*segmentTrack{&s.video, &s.audio} {
		if len(track.samples) == 0 {
			continue
		}
		part.Tracks = append(part.Tracks, &fmp4.PartTrack{
			ID:       track.id,
			BaseTime: uint64(track.partBaseDTS),
			Samples:  track.samples,
		})
		track.samples = nil
	}
	if part.Tracks == nil {
		return nil
	}
	s.seq++
	if err := part.Marshal(s.file); err != nil {
		return fmt.Errorf("failed to write segment part: %w", err)
	}
	if pos, err := s.file.Seek(0, io.SeekCurrent); err == nil {
		s.bytes = pos
	}
	return nil
}

// Rotate closes this segment and returns its successor, which writes to
// newPath and inherits the timestamp continuity state. Successor segments
// start their timeline at a small fixed offset instead of carrying absolute
// camera timestamps forward, so a recording that rotates for days never
// approaches the overflow limit. The successor still waits for a keyframe
// before creating its file.
func (s *Segment) Rotate(newPath string) (SegmentInfo, *Segment, error) {
	info, err := s.Close()
	next := NewSegment(s.log, newPath, s.setup)
	next.video.ts = s.video.ts
	next.video.ts.nextSegment()
	if s.setup.AudioConfig != nil {
		next.audio.ts = s.audio.ts
		next.audio.ts.nextSegment()
	}
	return info, next, err
}

// Close flushes pending samples and closes the file. Safe to call more than
// once, and safe to call on a segment that never initialized (in which case
// there is no file to close and Complete is false).
func (s *Segment) Close() (SegmentInfo, error) {
	info := SegmentInfo{
		Path:         s.path,
		StartTime:    s.startTime,
		Duration:     s.Duration(),
		Bytes:        s.bytes,
		VideoPackets: s.video.packets,
		AudioPackets: s.audio.packets,
	}
	if s.closed {
		info.Complete = s.initialized
		if s.initialized {
			info.EndTime = s.startTime.Add(info.Duration)
		}
		return info, nil
	}
	s.closed = true
	if !s.initialized {
		return info, nil
	}

	s.video.flushPending()
	s.audio.flushPending()
	err := s.flushPart()
	if err2 := s.file.Close(); err == nil {
		err = err2
	}
	s.file = nil

	info.Duration = s.Duration()
	info.Bytes = s.bytes
	info.EndTime = s.startTime.Add(info.Duration)
	info.Complete = err == nil
	if err != nil {
		return info, fmt.Errorf("failed to close segment %v: %w", s.path, err)
	}
	return info, nil
}
