package recdb

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/cyclopcam/logs"
	"github.com/stretchr/testify/require"

	"github.com/kestrelcam/kestrel/server/detect"
)

func setup(t *testing.T) *RecDB {
	t.Helper()
	db, err := Open(logs.NewTestingLog(t), filepath.Join(t.TempDir(), "recordings.sqlite"))
	require.NoError(t, err)
	return db
}

func TestRecordingLifecycle(t *testing.T) {
	db := setup(t)
	start := time.Date(2026, 8, 27, 14, 30, 0, 0, time.UTC)

	id, err := db.CreateRecording("front", "/recordings/front/2026-08-27_14-30-00.mp4", start)
	require.NoError(t, err)
	require.NotZero(t, id)

	// While the segment is still being written the row is incomplete
	rec, err := db.GetRecording(id)
	require.NoError(t, err)
	require.Equal(t, "front", rec.Stream)
	require.False(t, rec.Complete)
	require.Equal(t, start.Unix(), rec.StartTime.Get().Unix())

	end := start.Add(42 * time.Second)
	require.NoError(t, db.UpdateRecording(id, end, 1234567, true))

	rec, err = db.GetRecording(id)
	require.NoError(t, err)
	require.True(t, rec.Complete)
	require.Equal(t, int64(1234567), rec.SizeBytes)
	require.Equal(t, end.Unix(), rec.EndTime.Get().Unix())
}

func TestGetRecordingsNewestFirst(t *testing.T) {
	db := setup(t)
	base := time.Date(2026, 8, 27, 10, 0, 0, 0, time.UTC)

	for i := 0; i < 3; i++ {
		_, err := db.CreateRecording("yard", "/recordings/yard/seg.mp4", base.Add(time.Duration(i)*time.Hour))
		require.NoError(t, err)
	}
	_, err := db.CreateRecording("other", "/recordings/other/seg.mp4", base)
	require.NoError(t, err)

	recs, err := db.GetRecordings("yard")
	require.NoError(t, err)
	require.Len(t, recs, 3)
	require.True(t, recs[0].StartTime.Get().After(recs[1].StartTime.Get()))
	require.True(t, recs[1].StartTime.Get().After(recs[2].StartTime.Get()))
}

func TestDetections(t *testing.T) {
	db := setup(t)
	start := time.Date(2026, 8, 27, 9, 0, 0, 0, time.UTC)

	id, err := db.CreateRecording("gate", "/recordings/gate/seg.mp4", start)
	require.NoError(t, err)

	// Empty batch is a no-op
	require.NoError(t, db.AddDetections(id, start, nil))

	dets := []detect.Detection{
		{Label: "person", Confidence: 0.91, X: 0.1, Y: 0.2, Width: 0.3, Height: 0.6},
		{Label: "car", Confidence: 0.72, X: 0.5, Y: 0.4, Width: 0.4, Height: 0.3},
	}
	require.NoError(t, db.AddDetections(id, start.Add(5*time.Second), dets))

	rows, err := db.GetDetections(id)
	require.NoError(t, err)
	require.Len(t, rows, 2)
	require.Equal(t, "person", rows[0].Label)
	require.Equal(t, float32(0.91), rows[0].Confidence)

	rows, err = db.GetDetections(9999)
	require.NoError(t, err)
	require.Empty(t, rows)
}
