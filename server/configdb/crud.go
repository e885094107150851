package configdb

import (
	"time"

	"gorm.io/gorm"

	"github.com/kestrelcam/kestrel/server/recorder"
)

func (c *ConfigDB) GetStreamFromID(id int64) (*Stream, error) {
	stream := Stream{}
	if err := c.DB.Find(&stream, id).Error; err != nil {
		return nil, err
	}
	return &stream, nil
}

func (c *ConfigDB) GetStreamFromName(name string) (*Stream, error) {
	stream := Stream{}
	if err := c.DB.Where("name = ?", name).First(&stream).Error; err != nil {
		return nil, err
	}
	return &stream, nil
}

func (c *ConfigDB) GetAllStreams() ([]Stream, error) {
	streams := []Stream{}
	if err := c.DB.Find(&streams).Error; err != nil {
		return nil, err
	}
	return streams, nil
}

func (c *ConfigDB) AddStream(stream *Stream) error {
	return c.DB.Create(stream).Error
}

func (c *ConfigDB) UpdateStream(stream *Stream) error {
	return c.DB.Save(stream).Error
}

func (c *ConfigDB) DeleteStream(id int64) error {
	return c.DB.Delete(&Stream{}, id).Error
}

func (c *ConfigDB) GetVariable(key string) (string, error) {
	v := Variable{}
	err := c.DB.Where("key = ?", key).First(&v).Error
	if err == gorm.ErrRecordNotFound {
		return "", nil
	}
	return v.Value, err
}

func (c *ConfigDB) SetVariable(key, value string) error {
	return c.DB.Save(&Variable{Key: key, Value: value}).Error
}

// GetStreamConfig implements recorder.ConfigSource, so that pipelines can
// poll their configuration while running.
func (c *ConfigDB) GetStreamConfig(name string) (*recorder.StreamConfig, error) {
	stream, err := c.GetStreamFromName(name)
	if err != nil {
		return nil, err
	}
	cfg := stream.RecorderConfig()
	return &cfg, nil
}

// RecorderConfig converts the stored record into the pipeline's
// configuration snapshot.
func (s *Stream) RecorderConfig() recorder.StreamConfig {
	return recorder.StreamConfig{
		Name:               s.Name,
		SourceURL:          s.SourceURL,
		Enabled:            s.Enabled,
		SegmentDuration:    time.Duration(s.SegmentDurationSeconds) * time.Second,
		RecordAudio:        s.RecordAudio,
		DetectionInterval:  s.DetectionInterval,
		DetectionThreshold: s.DetectionThreshold,
		PreBuffer:          time.Duration(s.PreBufferSeconds) * time.Second,
		PostBuffer:         time.Duration(s.PostBufferSeconds) * time.Second,
		SnapshotURL:        s.SnapshotURL,
		DetectorURL:        s.DetectorURL,
	}
}
