package recorder

import (
	"errors"
	"fmt"
	"time"

	"github.com/bluenviron/gortsplib/v4"
	"github.com/bluenviron/gortsplib/v4/pkg/base"
	"github.com/bluenviron/gortsplib/v4/pkg/format"
	"github.com/bluenviron/mediacommon/pkg/codecs/h264"
	"github.com/bluenviron/mediacommon/pkg/codecs/mpeg4audio"
	"github.com/pion/rtp"

	"github.com/kestrelcam/kestrel/pkg/videox"
)

// ErrReadTimeout is returned by ReadPacket when no packet arrives within the
// staleness window. The pipeline treats it as a dead connection.
var ErrReadTimeout = errors.New("timed out waiting for a packet")

// ErrSourceClosed is returned by ReadPacket after Close.
var ErrSourceClosed = errors.New("source closed")

const (
	// Reconnect backoff bounds
	reconnectDelayMin = 500 * time.Millisecond
	reconnectDelayMax = 30 * time.Second

	// A connection that delivers nothing for this long is considered dead,
	// even if TCP still thinks it's alive.
	stalenessTimeout = 10 * time.Second

	// Packets buffered between the RTP callback and the pipeline loop.
	// At 30 fps this is several seconds of headroom.
	sourceQueueSize = 256
)

// reconnectDelay returns the pause before reconnect attempt n (0-based).
// Doubles from 500ms, capped at 30s.
func reconnectDelay(attempt int) time.Duration {
	d := reconnectDelayMin
	for i := 0; i < attempt; i++ {
		d *= 2
		if d >= reconnectDelayMax {
			return reconnectDelayMax
		}
	}
	return d
}

// sourceInfo describes the tracks a source delivers, learned at connect time.
type sourceInfo struct {
	SPS       []byte
	PPS       []byte
	FrameRate float64

	HasAudio    bool
	AudioConfig *mpeg4audio.Config
}

// trackSetup builds the muxer setup for this source, honoring the
// per-stream record-audio switch.
func (si *sourceInfo) trackSetup(recordAudio bool) TrackSetup {
	ts := TrackSetup{
		SPS:       si.SPS,
		PPS:       si.PPS,
		FrameRate: si.FrameRate,
	}
	if recordAudio && si.HasAudio {
		ts.AudioConfig = si.AudioConfig
	}
	return ts
}

// packetSource is one live connection to a stream. The pipeline drives it
// with a pull loop: Connect once, then ReadPacket until an error, then
// Close and reconnect. Implementations deliver video as H264 access units
// and audio as raw AAC frames, with DTS already extracted.
type packetSource interface {
	Connect() (*sourceInfo, error)
	ReadPacket(timeout time.Duration) (*videox.Packet, error)
	Close()
}

// sourceFactory creates a fresh packetSource for every connection attempt.
// The URL is passed per attempt, so a reconfigured stream dials its new
// address on the next reconnect.
type sourceFactory func(url string) packetSource

// rtspSource is the production packetSource: one RTSP client over TCP.
//
// gortsplib delivers packets via callbacks on its own reader goroutine; we
// push them onto a bounded channel and let the pipeline pull. If the
// pipeline stalls long enough to fill the channel, packets are dropped here
// rather than blocking the RTSP reader, which would cause the server to
// disconnect us anyway.
type rtspSource struct {
	url string

	client  *gortsplib.Client
	packets chan *videox.Packet
	readErr chan error
	closed  chan struct{}

	dtsExt *h264.DTSExtractor2
}

func newRTSPSource(url string) packetSource {
	return &rtspSource{
		url: url,
	}
}

func (s *rtspSource) Connect() (*sourceInfo, error) {
	u, err := base.ParseURL(s.url)
	if err != nil {
		return nil, fmt.Errorf("invalid stream URL: %w", err)
	}

	transport := gortsplib.TransportTCP
	client := &gortsplib.Client{
		Transport:   &transport,
		ReadTimeout: stalenessTimeout,
	}
	if err := client.Start(u.Scheme, u.Host); err != nil {
		return nil, fmt.Errorf("failed to contact %v: %w", u.Host, err)
	}

	desc, _, err := client.Describe(u)
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("DESCRIBE failed: %w", err)
	}

	s.client = client
	s.packets = make(chan *videox.Packet, sourceQueueSize)
	s.readErr = make(chan error, 1)
	s.closed = make(chan struct{})
	s.dtsExt = h264.NewDTSExtractor2()

	info := &sourceInfo{}

	var videoFormat *format.H264
	videoMedia := desc.FindFormat(&videoFormat)
	if videoMedia == nil {
		client.Close()
		return nil, fmt.Errorf("no H264 track found")
	}
	if _, err := client.Setup(desc.BaseURL, videoMedia, 0, 0); err != nil {
		client.Close()
		return nil, fmt.Errorf("video SETUP failed: %w", err)
	}
	info.SPS = videoFormat.SPS
	info.PPS = videoFormat.PPS
	if len(info.SPS) != 0 {
		var sps h264.SPS
		if err := sps.Unmarshal(info.SPS); err == nil {
			info.FrameRate = sps.FPS()
		}
	}

	videoDec, err := videoFormat.CreateDecoder()
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to create H264 decoder: %w", err)
	}
	client.OnPacketRTP(videoMedia, videoFormat, func(pkt *rtp.Packet) {
		pts, ok := client.PacketPTS2(videoMedia, pkt)
		if !ok {
			return
		}
		au, err := videoDec.Decode(pkt)
		if err != nil {
			// Normal at the start of a connection, and after packet loss
			return
		}
		dts, err := s.dtsExt.Extract(au, pts)
		if err != nil {
			return
		}
		s.push(&videox.Packet{
			Kind:      videox.TrackVideo,
			AU:        au,
			PTS:       pts,
			DTS:       dts,
			TimeScale: videox.VideoTimeScale,
			Keyframe:  videox.AUContainsIDR(au),
			Recv:      time.Now(),
		})
	})

	var audioFormat *format.MPEG4Audio
	if audioMedia := desc.FindFormat(&audioFormat); audioMedia != nil {
		if _, err := client.Setup(desc.BaseURL, audioMedia, 0, 0); err == nil {
			if audioDec, err := audioFormat.CreateDecoder(); err == nil {
				info.HasAudio = true
				info.AudioConfig = audioFormat.Config
				client.OnPacketRTP(audioMedia, audioFormat, func(pkt *rtp.Packet) {
					pts, ok := client.PacketPTS2(audioMedia, pkt)
					if !ok {
						return
					}
					aus, err := audioDec.Decode(pkt)
					if err != nil {
						return
					}
					sampleDuration := int64(mpeg4audio.SamplesPerAccessUnit)
					for i, au := range aus {
						s.push(&videox.Packet{
							Kind:      videox.TrackAudio,
							Payload:   au,
							PTS:       pts + int64(i)*sampleDuration,
							DTS:       pts + int64(i)*sampleDuration,
							TimeScale: uint32(audioFormat.ClockRate()),
							Recv:      time.Now(),
						})
					}
				})
			}
		}
	}

	if _, err := client.Play(nil); err != nil {
		client.Close()
		return nil, fmt.Errorf("PLAY failed: %w", err)
	}

	go func() {
		err := client.Wait()
		select {
		case s.readErr <- err:
		case <-s.closed:
		}
	}()

	return info, nil
}

func (s *rtspSource) push(p *videox.Packet) {
	select {
	case s.packets <- p:
	default:
		// Pipeline is not keeping up; drop rather than block the reader
	}
}

func (s *rtspSource) ReadPacket(timeout time.Duration) (*videox.Packet, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case p := <-s.packets:
		return p, nil
	case err := <-s.readErr:
		if err == nil {
			err = ErrSourceClosed
		}
		return nil, err
	case <-s.closed:
		return nil, ErrSourceClosed
	case <-timer.C:
		return nil, ErrReadTimeout
	}
}

func (s *rtspSource) Close() {
	if s.client != nil {
		close(s.closed)
		s.client.Close()
		s.client = nil
	}
}
