package recorder

import (
	"fmt"
	"sync"
	"time"

	"github.com/cyclopcam/logs"
	"github.com/kestrelcam/kestrel/server/detect"
)

// How long Stop waits for a pipeline to wind down before abandoning it.
// An abandoned goroutine only holds references to its own state, so leaking
// it is safe, just undesirable.
const stopTimeout = 5 * time.Second

// DetectorFactory builds the detector for a stream from its configuration.
type DetectorFactory func(cfg StreamConfig) detect.Detector

// Registry owns the set of running pipelines, one per stream at most.
// All map mutations happen under one lock; the pipelines themselves are
// never touched under the lock beyond handing out the pointer.
type Registry struct {
	log            logs.Log
	recordingsRoot string
	configs        ConfigSource
	store          RecordingStore
	newDetector    DetectorFactory
	shutdown       chan bool

	lock      sync.Mutex
	pipelines map[string]*Pipeline
}

func NewRegistry(logger logs.Log, recordingsRoot string, configs ConfigSource, store RecordingStore, newDetector DetectorFactory, shutdown chan bool) *Registry {
	return &Registry{
		log:            logger,
		recordingsRoot: recordingsRoot,
		configs:        configs,
		store:          store,
		newDetector:    newDetector,
		shutdown:       shutdown,
		pipelines:      map[string]*Pipeline{},
	}
}

// StartStream launches a pipeline for the stream, or does nothing if one is
// already running. The existence check and the insert happen under the same
// lock, so two concurrent starts for the same stream yield exactly one
// pipeline.
func (r *Registry) StartStream(cfg StreamConfig) error {
	if cfg.Name == "" {
		return fmt.Errorf("stream name is empty")
	}
	if cfg.SourceURL == "" {
		return fmt.Errorf("stream %v has no source URL", cfg.Name)
	}

	r.lock.Lock()
	defer r.lock.Unlock()
	if existing := r.pipelines[cfg.Name]; existing != nil {
		if existing.State() != StateStopped {
			return nil
		}
		// Finished pipeline that was never removed
		delete(r.pipelines, cfg.Name)
	}
	p := NewPipeline(r.log, cfg, r.recordingsRoot, r.configs, r.store, r.newDetector(cfg), r.shutdown)
	r.pipelines[cfg.Name] = p
	p.Start()
	r.log.Infof("Started pipeline for stream %v", cfg.Name)
	return nil
}

// StopStream stops the stream's pipeline and waits (bounded) for it to wind
// down. Stopping a stream that isn't running is a no-op.
func (r *Registry) StopStream(stream string) {
	r.lock.Lock()
	p := r.pipelines[stream]
	delete(r.pipelines, stream)
	r.lock.Unlock()
	if p == nil {
		return
	}
	p.Stop()
	select {
	case <-p.Done():
	case <-time.After(stopTimeout):
		r.log.Warnf("Pipeline for stream %v did not stop within %v, abandoning it", stream, stopTimeout)
	}
}

// IsRunning returns true while the stream has a live pipeline.
func (r *Registry) IsRunning(stream string) bool {
	p := r.get(stream)
	return p != nil && p.State() != StateStopped
}

// StreamState returns the pipeline state, or StateStopped for unknown streams.
func (r *Registry) StreamState(stream string) State {
	p := r.get(stream)
	if p == nil {
		return StateStopped
	}
	return p.State()
}

// StreamStats returns a counter snapshot without pausing the pipeline.
func (r *Registry) StreamStats(stream string) (Stats, bool) {
	p := r.get(stream)
	if p == nil {
		return Stats{State: StateStopped}, false
	}
	return p.Stats(), true
}

// ForceReconnect tells a stream's pipeline to rebuild its connection.
// Used when an upstream relay restarts.
func (r *Registry) ForceReconnect(stream string) {
	if p := r.get(stream); p != nil {
		p.ForceReconnect()
	}
}

// Streams returns the names of all registered streams.
func (r *Registry) Streams() []string {
	r.lock.Lock()
	defer r.lock.Unlock()
	out := make([]string, 0, len(r.pipelines))
	for name := range r.pipelines {
		out = append(out, name)
	}
	return out
}

// ShutdownAll stops every pipeline and waits (bounded, in aggregate per
// pipeline) for them to finish. The caller has typically already closed the
// shared shutdown channel, so pipelines are winding down concurrently and
// the waits mostly overlap.
func (r *Registry) ShutdownAll() {
	r.lock.Lock()
	all := make([]*Pipeline, 0, len(r.pipelines))
	for _, p := range r.pipelines {
		all = append(all, p)
	}
	r.pipelines = map[string]*Pipeline{}
	r.lock.Unlock()

	for _, p := range all {
		p.Stop()
	}
	for _, p := range all {
		select {
		case <-p.Done():
		case <-time.After(stopTimeout):
			r.log.Warnf("Pipeline for stream %v did not stop during shutdown", p.cfg.Name)
		}
	}
	r.log.Infof("All pipelines stopped")
}

func (r *Registry) get(stream string) *Pipeline {
	r.lock.Lock()
	defer r.lock.Unlock()
	return r.pipelines[stream]
}
