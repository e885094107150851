package detect

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/cyclopcam/logs"
	"github.com/stretchr/testify/require"
)

func TestSnapshotDetector(t *testing.T) {
	snapshots := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "image/jpeg")
		w.Write([]byte{0xff, 0xd8, 0xff, 0xe0})
	}))
	defer snapshots.Close()

	var gotContentType string
	detector := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotContentType = r.Header.Get("Content-Type")
		w.Write([]byte(`{"detections":[
			{"label":"person","confidence":0.92,"x":0.1,"y":0.2,"width":0.3,"height":0.6},
			{"label":"cat","confidence":0.41,"x":0.5,"y":0.5,"width":0.1,"height":0.1}
		]}`))
	}))
	defer detector.Close()

	d := NewSnapshotDetector(logs.NewTestingLog(t), snapshots.URL, detector.URL)
	dets, err := d.Detect(nil, 0.5)
	require.NoError(t, err)
	require.Equal(t, "image/jpeg", gotContentType)

	// The 0.41 cat is below the threshold
	require.Len(t, dets, 1)
	require.Equal(t, "person", dets[0].Label)
	require.Equal(t, float32(0.92), dets[0].Confidence)
}

func TestSnapshotDetectorUnavailable(t *testing.T) {
	// Nothing is listening here. The error is returned, not swallowed, so
	// the pipeline can log it, but it must be an error, never a panic.
	d := NewSnapshotDetector(logs.NewTestingLog(t), "http://127.0.0.1:1/snap", "http://127.0.0.1:1/detect")
	dets, err := d.Detect(nil, 0.5)
	require.Error(t, err)
	require.Empty(t, dets)
}

func TestSnapshotDetectorBadResponse(t *testing.T) {
	snapshots := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte{0xff, 0xd8})
	}))
	defer snapshots.Close()

	detector := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("not json"))
	}))
	defer detector.Close()

	d := NewSnapshotDetector(logs.NewTestingLog(t), snapshots.URL, detector.URL)
	_, err := d.Detect(nil, 0.5)
	require.Error(t, err)
}
