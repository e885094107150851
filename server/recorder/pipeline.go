package recorder

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cyclopcam/logs"
	"github.com/kestrelcam/kestrel/pkg/videox"
	"github.com/kestrelcam/kestrel/server/detect"
)

// StreamConfig is the per-stream configuration snapshot the pipeline runs
// with. It is polled periodically from the ConfigSource so that operators
// can tune a live stream without restarting its pipeline.
type StreamConfig struct {
	Name               string
	SourceURL          string
	Enabled            bool
	SegmentDuration    time.Duration
	RecordAudio        bool
	DetectionInterval  int     // run detection on every Nth video keyframe
	DetectionThreshold float32 // minimum confidence to trigger recording
	PreBuffer          time.Duration
	PostBuffer         time.Duration

	// Endpoints used by the snapshot-based detector
	SnapshotURL string
	DetectorURL string
}

// ConfigSource supplies per-stream configuration.
type ConfigSource interface {
	GetStreamConfig(stream string) (*StreamConfig, error)
}

// RecordingStore receives recording metadata as segments are created and
// finished. Called from the pipeline goroutine; implementations must not
// block for long.
type RecordingStore interface {
	CreateRecording(stream, path string, startTime time.Time) (int64, error)
	UpdateRecording(id int64, endTime time.Time, sizeBytes int64, complete bool) error
	AddDetections(recordingID int64, at time.Time, dets []detect.Detection) error
}

// Stats is a snapshot of a pipeline's counters.
type Stats struct {
	State             State
	Packets           int64
	Detections        int64
	RecordingsStarted int64
	Reconnects        int64
}

const (
	// Recording keeps going this long after the last qualifying detection
	// before it enters the post-buffer countdown.
	detectionGrace = 2 * time.Second

	// How often the pipeline re-reads its stream configuration.
	configPollInterval = 5 * time.Second

	// Full connection reset after this many segment rotations. Long-lived
	// RTSP sessions accumulate drift and decoder state that a fresh
	// connection discards.
	segmentsPerConnectionReset = 10

	// Rough packet rate used to size the ring buffer from a duration.
	// 30 fps video plus an AAC track is under 80 packets/second.
	estimatedPacketRate = 80
)

// Pipeline runs the ingest loop and recording state machine for one stream.
// Everything except the atomics is owned by the pipeline goroutine; external
// callers interact only through Stop, ForceReconnect, State and Stats.
type Pipeline struct {
	log      logs.Log
	cfg      StreamConfig
	configs  ConfigSource
	store    RecordingStore
	detector detect.Detector

	// newSource is called for every connection attempt
	newSource sourceFactory

	// recordingsRoot/<stream>/<timestamp>.mp4
	recordingsRoot string

	// Closed by the registry (per-stream stop) or the owner (global shutdown)
	stop     chan bool
	stopOnce sync.Once
	shutdown chan bool
	done     chan struct{}

	state          atomic.Int32
	forceReconnect atomic.Bool

	nPackets    atomic.Int64
	nDetections atomic.Int64
	nRecordings atomic.Int64
	nReconnects atomic.Int64

	// Shrunk by tests
	grace      time.Duration
	readLimit  time.Duration
	configPoll time.Duration
}

// NewPipeline prepares a pipeline. Nothing runs until Start.
func NewPipeline(logger logs.Log, cfg StreamConfig, recordingsRoot string, configs ConfigSource, store RecordingStore, detector detect.Detector, shutdown chan bool) *Pipeline {
	p := &Pipeline{
		log:            logs.NewPrefixLogger(logger, "Stream "+cfg.Name+":"),
		cfg:            cfg,
		configs:        configs,
		store:          store,
		detector:       detector,
		recordingsRoot: recordingsRoot,
		newSource:      newRTSPSource,
		stop:           make(chan bool),
		shutdown:       shutdown,
		done:           make(chan struct{}),
		grace:          detectionGrace,
		readLimit:      stalenessTimeout,
		configPoll:     configPollInterval,
	}
	p.state.Store(int32(StateConnecting))
	return p
}

// Start launches the pipeline goroutine.
func (p *Pipeline) Start() {
	go p.run()
}

// Stop asks the pipeline to shut down. Does not wait; use Done.
// Safe to call from multiple goroutines.
func (p *Pipeline) Stop() {
	p.stopOnce.Do(func() { close(p.stop) })
}

// Done is closed when the pipeline has reached StateStopped.
func (p *Pipeline) Done() <-chan struct{} {
	return p.done
}

// ForceReconnect makes the pipeline tear down and rebuild its connection at
// the next loop iteration. Used when an upstream relay restarts.
func (p *Pipeline) ForceReconnect() {
	p.forceReconnect.Store(true)
}

// State returns the current pipeline state. Safe from any goroutine.
func (p *Pipeline) State() State {
	return State(p.state.Load())
}

// Stats returns a snapshot of the counters without pausing the pipeline.
func (p *Pipeline) Stats() Stats {
	return Stats{
		State:             p.State(),
		Packets:           p.nPackets.Load(),
		Detections:        p.nDetections.Load(),
		RecordingsStarted: p.nRecordings.Load(),
		Reconnects:        p.nReconnects.Load(),
	}
}

func (p *Pipeline) setState(s State) {
	p.state.Store(int32(s))
}

func (p *Pipeline) stopRequested() bool {
	select {
	case <-p.stop:
		return true
	case <-p.shutdown:
		return true
	default:
		return false
	}
}

// pause sleeps for d, returning early (true) on a stop request.
func (p *Pipeline) pause(d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-p.stop:
		return true
	case <-p.shutdown:
		return true
	case <-timer.C:
		return false
	}
}

// run is the pipeline goroutine: connect, stream, reconnect, forever, until
// asked to stop.
func (p *Pipeline) run() {
	defer close(p.done)
	defer p.setState(StateStopped)

	attempt := 0
	for {
		if p.stopRequested() {
			p.setState(StateStopping)
			return
		}
		p.setState(StateConnecting)
		src := p.newSource(p.cfg.SourceURL)
		info, err := src.Connect()
		if err != nil {
			src.Close()
			delay := reconnectDelay(attempt)
			p.log.Warnf("Connect attempt %v failed (retry in %v): %v", attempt+1, delay, err)
			attempt++
			p.nReconnects.Add(1)
			p.setState(StateReconnecting)
			if p.pause(delay) {
				p.setState(StateStopping)
				return
			}
			continue
		}
		p.log.Infof("Connected (audio:%v)", info.HasAudio)

		stopped := false
		attempt, stopped = p.streamLoop(src, info, attempt)
		src.Close()
		if stopped {
			p.setState(StateStopping)
			return
		}
		p.nReconnects.Add(1)
		p.setState(StateReconnecting)
		if attempt > 0 {
			delay := reconnectDelay(attempt - 1)
			if p.pause(delay) {
				p.setState(StateStopping)
				return
			}
		}
	}
}

// session is the loop-owned state of one connection.
type session struct {
	src  packetSource
	info *sourceInfo

	buffer  *PacketRingBuffer
	segment *Segment

	// id of the metadata row for the current segment file, 0 when the
	// segment hasn't initialized yet
	recordingID int64

	keyframes      int
	lastDetection  time.Time
	postDeadline   time.Time
	recordingStart time.Time
	lastRotation   time.Time
	rotations      int
}

// streamLoop consumes packets from a live connection until it fails, a
// reconnect is forced, or the pipeline is stopped. Returns the retry attempt
// counter to carry forward, and whether a stop was requested.
func (p *Pipeline) streamLoop(src packetSource, info *sourceInfo, attempt int) (int, bool) {
	capacity := int(p.cfg.PreBuffer.Seconds() * estimatedPacketRate)
	if capacity < 64 {
		capacity = 64
	}
	s := &session{
		src:    src,
		info:   info,
		buffer: NewPacketRingBuffer(capacity, p.cfg.PreBuffer),
	}
	p.setState(StateBuffering)
	lastConfigPoll := time.Now()
	readAny := false

	for {
		if p.stopRequested() {
			p.closeSegment(s, true)
			return attempt, true
		}
		if p.forceReconnect.Swap(false) {
			p.log.Infof("Reconnect forced")
			p.closeSegment(s, true)
			s.buffer.Clear()
			return attempt, false
		}

		if time.Since(lastConfigPoll) >= p.configPoll {
			lastConfigPoll = time.Now()
			p.pollConfig(s)
		}

		pkt, err := s.src.ReadPacket(p.readLimit)
		if err != nil {
			if err == ErrReadTimeout {
				p.log.Warnf("No packets for %v, reconnecting", p.readLimit)
			} else {
				p.log.Warnf("Stream read failed: %v", err)
			}
			// The file on disk is valid up to the last flushed part, so
			// the segment still closes as complete.
			p.closeSegment(s, true)
			s.buffer.Clear()
			if !readAny {
				// A connection that dies before delivering anything counts
				// as a failed attempt, otherwise we'd hammer the source.
				attempt++
			}
			return attempt, false
		}
		attempt = 0
		readAny = true
		p.nPackets.Add(1)

		s.buffer.Push(pkt)

		if p.State().IsWriting() {
			if !p.writePacket(s, pkt) {
				// Fatal write error. Re-enter Buffering; the connection
				// itself is still fine.
				p.closeSegment(s, false)
				p.setState(StateBuffering)
			}
		}

		if pkt.IsVideoKeyframe() {
			s.keyframes++
			interval := p.cfg.DetectionInterval
			if interval < 1 {
				interval = 1
			}
			if s.keyframes%interval == 0 {
				p.runDetection(s, pkt)
			}
		}

		p.tick(s, pkt.Recv)
	}
}

// runDetection submits the current frame to the detector and applies the
// result to the state machine.
func (p *Pipeline) runDetection(s *session, pkt *videox.Packet) {
	dets, err := p.detector.Detect(pkt, p.cfg.DetectionThreshold)
	if err != nil {
		// Not a pipeline failure. The detector being down simply means no
		// detection this cycle.
		p.log.Debugf("Detection unavailable: %v", err)
		return
	}
	if len(dets) == 0 {
		return
	}
	p.nDetections.Add(int64(len(dets)))

	now := pkt.Recv
	s.lastDetection = now

	switch p.State() {
	case StateBuffering:
		p.startRecording(s, now)
	case StatePostBuffer:
		// Countdown cancelled
		p.setState(StateRecording)
	}

	if s.recordingID != 0 {
		if err := p.store.AddDetections(s.recordingID, now, dets); err != nil {
			p.log.Warnf("Failed to save detections: %v", err)
		}
	}
}

// startRecording opens a fresh segment and flushes the pre-buffer into it.
func (p *Pipeline) startRecording(s *session, now time.Time) {
	path, err := p.segmentPath(now)
	if err != nil {
		p.log.Errorf("Cannot create recording directory: %v", err)
		return
	}
	s.segment = NewSegment(p.log, path, s.info.trackSetup(p.cfg.RecordAudio))
	s.recordingID = 0
	s.recordingStart = now
	s.lastRotation = now
	p.setState(StateRecording)
	p.nRecordings.Add(1)

	n, err := s.buffer.Flush(func(bp *videox.Packet) error {
		_, werr := s.segment.Write(bp)
		return werr
	})
	if err != nil {
		p.log.Errorf("Failed to flush pre-buffer into %v: %v", path, err)
		p.closeSegment(s, false)
		p.setState(StateBuffering)
		return
	}
	p.log.Infof("Recording started: %v (%v buffered packets)", path, n)
	p.noteSegmentInit(s)
}

// writePacket muxes one live packet into the active segment.
// Returns false on a fatal write error.
func (p *Pipeline) writePacket(s *session, pkt *videox.Packet) bool {
	result, err := s.segment.Write(pkt)
	if err != nil {
		p.log.Errorf("Segment write failed: %v", err)
		return false
	}
	if result == WriteTimestampResetRequired {
		p.log.Warnf("Timestamp reference was rebuilt; will reconnect if this persists")
	}
	p.noteSegmentInit(s)
	return true
}

// noteSegmentInit registers the recording metadata once the segment has
// actually created its file, so the stored start time matches a real
// keyframe rather than the trigger time.
func (p *Pipeline) noteSegmentInit(s *session) {
	if s.recordingID != 0 || s.segment == nil || !s.segment.Initialized() {
		return
	}
	id, err := p.store.CreateRecording(p.cfg.Name, s.segment.Path(), s.segment.StartTime())
	if err != nil {
		p.log.Warnf("Failed to create recording metadata: %v", err)
		return
	}
	s.recordingID = id
}

// tick applies the wall-clock driven transitions: the post-detection grace
// period, the post-buffer deadline, the total recording cap, and time-driven
// segment rotation.
func (p *Pipeline) tick(s *session, now time.Time) {
	state := p.State()
	if !state.IsWriting() {
		return
	}

	if state == StateRecording && now.Sub(s.lastDetection) > p.grace {
		s.postDeadline = now.Add(p.cfg.PostBuffer)
		p.setState(StatePostBuffer)
		state = StatePostBuffer
	}

	if state == StatePostBuffer && now.After(s.postDeadline) {
		p.log.Infof("Post-buffer deadline reached, recording finished")
		p.closeSegment(s, true)
		p.setState(StateBuffering)
		return
	}

	// Bounded file size and eventual metadata commit, even under
	// continuous detections.
	maxRecording := p.cfg.PreBuffer + p.cfg.PostBuffer
	if now.Sub(s.recordingStart) >= maxRecording {
		p.log.Infof("Recording reached its maximum duration, closing")
		p.closeSegment(s, true)
		p.setState(StateBuffering)
		return
	}

	if p.cfg.SegmentDuration > 0 && s.segment.Initialized() && now.Sub(s.lastRotation) >= p.cfg.SegmentDuration {
		p.rotateSegment(s, now)
	}
}

// rotateSegment switches the active segment to a new file without touching
// the connection. Every few rotations we instead do a full connection reset.
func (p *Pipeline) rotateSegment(s *session, now time.Time) {
	s.rotations++
	if s.rotations >= segmentsPerConnectionReset {
		p.log.Infof("Connection reset after %v segments", s.rotations)
		s.rotations = 0
		p.forceReconnect.Store(true)
		return
	}

	path, err := p.segmentPath(now)
	if err != nil {
		p.log.Errorf("Cannot create recording directory: %v", err)
		return
	}
	info, next, err := s.segment.Rotate(path)
	p.finishRecording(s, info)
	if err != nil {
		p.log.Errorf("Segment rotation close failed: %v", err)
	}
	s.segment = next
	s.recordingID = 0
	s.lastRotation = now
	p.log.Infof("Rotated to %v", path)
}

// closeSegment closes the active segment (if any) and commits its metadata.
func (p *Pipeline) closeSegment(s *session, complete bool) {
	if s.segment == nil {
		return
	}
	info, err := s.segment.Close()
	if err != nil {
		p.log.Errorf("Segment close failed: %v", err)
	}
	if !complete {
		info.Complete = false
	}
	p.finishRecording(s, info)
	s.segment = nil
}

func (p *Pipeline) finishRecording(s *session, info SegmentInfo) {
	if s.recordingID == 0 {
		return
	}
	endTime := info.EndTime
	if endTime.IsZero() {
		endTime = info.StartTime.Add(info.Duration)
	}
	if err := p.store.UpdateRecording(s.recordingID, endTime, info.Bytes, info.Complete); err != nil {
		p.log.Warnf("Failed to update recording metadata: %v", err)
	}
	s.recordingID = 0
}

// segmentPath builds the output filename for a segment starting now, and
// makes sure its directory exists.
func (p *Pipeline) segmentPath(now time.Time) (string, error) {
	dir := filepath.Join(p.recordingsRoot, p.cfg.Name)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", fmt.Errorf("failed to create %v: %w", dir, err)
	}
	return filepath.Join(dir, now.Format("2006-01-02_15-04-05.000")+".mp4"), nil
}

// pollConfig refreshes the tunable parts of the stream configuration.
// A changed source URL forces a reconnect; everything else takes effect on
// the next relevant operation.
func (p *Pipeline) pollConfig(s *session) {
	cfg, err := p.configs.GetStreamConfig(p.cfg.Name)
	if err != nil || cfg == nil {
		return
	}
	if cfg.SourceURL != p.cfg.SourceURL {
		p.log.Infof("Source URL changed, reconnecting")
		p.forceReconnect.Store(true)
	}
	p.cfg.SegmentDuration = cfg.SegmentDuration
	p.cfg.RecordAudio = cfg.RecordAudio
	p.cfg.DetectionInterval = cfg.DetectionInterval
	p.cfg.DetectionThreshold = cfg.DetectionThreshold
	p.cfg.PostBuffer = cfg.PostBuffer
	p.cfg.SourceURL = cfg.SourceURL
	if cfg.PreBuffer != p.cfg.PreBuffer {
		p.cfg.PreBuffer = cfg.PreBuffer
		capacity := int(cfg.PreBuffer.Seconds() * estimatedPacketRate)
		if capacity < 64 {
			capacity = 64
		}
		s.buffer = NewPacketRingBuffer(capacity, cfg.PreBuffer)
	}
}
