package recdb

import (
	"github.com/cyclopcam/dbh"
)

// BaseModel is our base class for a GORM model.
// The default GORM Model uses int, but we prefer int64
type BaseModel struct {
	ID int64 `gorm:"primaryKey" json:"id"`
}

// Recording is one MP4 segment file on disk.
// EndTime, SizeBytes and Complete are filled in when the segment closes;
// a row with a zero EndTime belongs to a segment still being written, or
// one whose process died before committing.
type Recording struct {
	BaseModel
	Stream    string      `json:"stream"`
	Path      string      `json:"path"`
	StartTime dbh.IntTime `json:"startTime"`
	EndTime   dbh.IntTime `json:"endTime" gorm:"default:null"`
	SizeBytes int64       `json:"sizeBytes"`
	Complete  bool        `json:"complete"`
}

// Detection is one detected object, tied to the recording that was active
// when it fired. Box coordinates are normalized to [0,1].
type Detection struct {
	BaseModel
	RecordingID int64       `json:"recordingID" gorm:"index"`
	Time        dbh.IntTime `json:"time"`
	Label       string      `json:"label"`
	Confidence  float32     `json:"confidence"`
	X           float32     `json:"x"`
	Y           float32     `json:"y"`
	Width       float32     `json:"width"`
	Height      float32     `json:"height"`
}
