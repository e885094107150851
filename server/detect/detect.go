// Package detect defines the object detection capability consumed by the
// recording pipeline. The pipeline doesn't care whether inference happens
// in-process or on the other side of an HTTP call; it submits a frame
// reference and gets back zero or more detections.
package detect

import (
	"github.com/kestrelcam/kestrel/pkg/videox"
)

// Detection is one detected object in a frame.
// Box coordinates are normalized to [0,1] relative to the frame size.
type Detection struct {
	Label      string  `json:"label"`
	Confidence float32 `json:"confidence"`
	X          float32 `json:"x"`
	Y          float32 `json:"y"`
	Width      float32 `json:"width"`
	Height     float32 `json:"height"`
}

// Detector runs object detection for a stream. Implementations must return
// promptly (bounded internal timeout); the caller runs on the stream's
// pipeline goroutine and must not stall ingest.
//
// An error from Detect means "no detection this cycle", never a pipeline
// failure. We still return it so the caller can log it.
type Detector interface {
	// Detect analyzes the frame the packet belongs to and returns detections
	// with confidence >= threshold. Implementations that fetch their own
	// snapshot (remote detectors) may ignore the packet entirely.
	Detect(pkt *videox.Packet, threshold float32) ([]Detection, error)
}
