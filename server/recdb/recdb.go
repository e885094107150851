// Package recdb stores recording and detection metadata.
// One row per segment file, plus the detections that occurred during it.
package recdb

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/cyclopcam/dbh"
	"github.com/cyclopcam/logs"
	"gorm.io/gorm"

	"github.com/kestrelcam/kestrel/server/detect"
)

// RecDB manages recording metadata. The files themselves live on disk; the
// database only knows where they are and what happened in them.
type RecDB struct {
	Log logs.Log
	DB  *gorm.DB
}

func Open(logger logs.Log, dbFilename string) (*RecDB, error) {
	os.MkdirAll(filepath.Dir(dbFilename), 0777)
	db, err := dbh.OpenDB(logger, dbh.MakeSqliteConfig(dbFilename), Migrations(logger), 0)
	if err != nil {
		return nil, fmt.Errorf("Failed to open database %v: %w", dbFilename, err)
	}
	return &RecDB{
		Log: logger,
		DB:  db,
	}, nil
}

// CreateRecording implements recorder.RecordingStore. Called once the
// segment file actually exists, so StartTime is the time of a real keyframe.
func (r *RecDB) CreateRecording(stream, path string, startTime time.Time) (int64, error) {
	rec := Recording{
		Stream:    stream,
		Path:      path,
		StartTime: dbh.MakeIntTime(startTime),
	}
	if err := r.DB.Create(&rec).Error; err != nil {
		return 0, err
	}
	return rec.ID, nil
}

// UpdateRecording implements recorder.RecordingStore. Called at segment
// close or rotation.
func (r *RecDB) UpdateRecording(id int64, endTime time.Time, sizeBytes int64, complete bool) error {
	return r.DB.Model(&Recording{}).Where("id = ?", id).Updates(map[string]any{
		"end_time":   dbh.MakeIntTime(endTime),
		"size_bytes": sizeBytes,
		"complete":   complete,
	}).Error
}

// GetRecording returns the metadata of one recording.
func (r *RecDB) GetRecording(id int64) (*Recording, error) {
	rec := Recording{}
	if err := r.DB.First(&rec, id).Error; err != nil {
		return nil, err
	}
	return &rec, nil
}

// GetRecordings returns all recordings of a stream, newest first.
func (r *RecDB) GetRecordings(stream string) ([]Recording, error) {
	recs := []Recording{}
	if err := r.DB.Where("stream = ?", stream).Order("start_time DESC").Find(&recs).Error; err != nil {
		return nil, err
	}
	return recs, nil
}

// AddDetections implements recorder.RecordingStore.
func (r *RecDB) AddDetections(recordingID int64, at time.Time, dets []detect.Detection) error {
	if len(dets) == 0 {
		return nil
	}
	rows := make([]Detection, 0, len(dets))
	for _, d := range dets {
		rows = append(rows, Detection{
			RecordingID: recordingID,
			Time:        dbh.MakeIntTime(at),
			Label:       d.Label,
			Confidence:  d.Confidence,
			X:           d.X,
			Y:           d.Y,
			Width:       d.Width,
			Height:      d.Height,
		})
	}
	return r.DB.Create(&rows).Error
}

// GetDetections returns the detections recorded during a recording.
func (r *RecDB) GetDetections(recordingID int64) ([]Detection, error) {
	rows := []Detection{}
	if err := r.DB.Where("recording_id = ?", recordingID).Order("time").Find(&rows).Error; err != nil {
		return nil, err
	}
	return rows, nil
}
