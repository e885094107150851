package detect

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/cyclopcam/logs"
	"github.com/kestrelcam/kestrel/pkg/videox"
)

// SnapshotDetector is the remote detection path: fetch a JPEG snapshot of
// the stream from a relay (cameras and media proxies usually expose one),
// POST it to a detection API, and parse the detections out of the JSON
// response. It never decodes video itself, which keeps the pipeline free of
// any codec dependency beyond the muxer.
//
// All network activity is bounded by the client timeout. Any failure is
// reported to the caller, who treats it as "no detection this cycle".
type SnapshotDetector struct {
	log         logs.Log
	snapshotURL string
	detectorURL string
	client      *http.Client
}

// detectorResponse is the wire format of the detection API.
type detectorResponse struct {
	Detections []Detection `json:"detections"`
}

func NewSnapshotDetector(logger logs.Log, snapshotURL, detectorURL string) *SnapshotDetector {
	return &SnapshotDetector{
		log:         logger,
		snapshotURL: snapshotURL,
		detectorURL: detectorURL,
		client: &http.Client{
			// A detection cycle fires at most every few keyframes, so a
			// couple of seconds of budget is plenty without risking a
			// stalled pipeline.
			Timeout: 3 * time.Second,
		},
	}
}

// Detect implements Detector. The packet is ignored; the snapshot endpoint
// gives us a fresher frame than decoding the packet ourselves would.
func (d *SnapshotDetector) Detect(pkt *videox.Packet, threshold float32) ([]Detection, error) {
	snapshot, err := d.fetchSnapshot()
	if err != nil {
		return nil, fmt.Errorf("snapshot fetch failed: %w", err)
	}

	req, err := http.NewRequest("POST", d.detectorURL, bytes.NewReader(snapshot))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "image/jpeg")

	resp, err := d.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("detection API unreachable: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("detection API returned %v", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1024*1024))
	if err != nil {
		return nil, err
	}
	var parsed detectorResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, fmt.Errorf("failed to parse detection response: %w", err)
	}

	var out []Detection
	for _, det := range parsed.Detections {
		if det.Confidence >= threshold {
			out = append(out, det)
		}
	}
	if len(out) != 0 {
		d.log.Debugf("Detector returned %v of %v detections above threshold %.2f", len(out), len(parsed.Detections), threshold)
	}
	return out, nil
}

func (d *SnapshotDetector) fetchSnapshot() ([]byte, error) {
	resp, err := d.client.Get(d.snapshotURL)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("snapshot endpoint returned %v", resp.StatusCode)
	}
	return io.ReadAll(io.LimitReader(resp.Body, 16*1024*1024))
}
