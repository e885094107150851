package recorder

import (
	"sync"
	"time"

	"github.com/bmharper/ringbuffer"
	"github.com/kestrelcam/kestrel/pkg/videox"
)

// PacketRingBuffer stores the most recently received packets of a stream, so
// that when a detection fires we have some seconds of history to place at the
// front of the recording. Eviction is strictly FIFO: when the buffer is full,
// or when the oldest packet falls outside the duration budget, the oldest
// slot is discarded before the new packet is inserted.
//
// All mutation is serialized by one lock. In the running pipeline both the
// producer (ingest loop) and the consumer (flush on a detection event) are
// the same goroutine, so the lock's real job is to protect against concurrent
// destruction during shutdown.
type PacketRingBuffer struct {
	lock        sync.Mutex
	buffer      ringbuffer.WeightedRingT[videox.Packet]
	capacity    int
	maxDuration time.Duration
}

// PacketSink receives packets during a flush, oldest first.
type PacketSink func(p *videox.Packet) error

func NewPacketRingBuffer(capacity int, maxDuration time.Duration) *PacketRingBuffer {
	return &PacketRingBuffer{
		buffer:      ringbuffer.NewWeightedRingT[videox.Packet](capacity),
		capacity:    capacity,
		maxDuration: maxDuration,
	}
}

// Push adds a packet, evicting the oldest entries if the buffer is full or
// older than the duration budget. Push never fails.
func (r *PacketRingBuffer) Push(p *videox.Packet) {
	r.lock.Lock()
	defer r.lock.Unlock()

	// Every packet has weight 1, so MaxWeight is simply our packet capacity,
	// and the ring evicts the oldest entries itself when we exceed it.
	r.buffer.Add(1, p)

	// Enforce the duration budget against wall-clock receive times
	for r.buffer.Len() > 1 {
		_, oldest, _ := r.buffer.Peek(0)
		if p.Recv.Sub(oldest.Recv) <= r.maxDuration {
			break
		}
		r.buffer.Next()
	}
}

// Flush forwards the buffered packets to sink in order, oldest to newest,
// skipping everything before the first video keyframe so that the receiver
// always starts with a decodable frame. The buffer is drained: by the time a
// detection has fired, any history older than the flushed window is of no
// further interest. Returns the number of packets forwarded.
func (r *PacketRingBuffer) Flush(sink PacketSink) (int, error) {
	r.lock.Lock()
	defer r.lock.Unlock()

	forwarded := 0
	foundKeyframe := false
	for r.buffer.Len() > 0 {
		_, p, _ := r.buffer.Next()
		if !foundKeyframe {
			if !p.IsVideoKeyframe() {
				continue
			}
			foundKeyframe = true
		}
		if err := sink(p); err != nil {
			return forwarded, err
		}
		forwarded++
	}
	return forwarded, nil
}

// Clear discards all buffered packets. Used when a stale connection is torn
// down, so that pre-reconnect timestamps never mix with post-reconnect ones.
func (r *PacketRingBuffer) Clear() {
	r.lock.Lock()
	defer r.lock.Unlock()
	for r.buffer.Len() > 0 {
		r.buffer.Next()
	}
}

// Len returns the number of buffered packets.
func (r *PacketRingBuffer) Len() int {
	r.lock.Lock()
	defer r.lock.Unlock()
	return r.buffer.Len()
}

// Capacity returns the maximum number of buffered packets.
func (r *PacketRingBuffer) Capacity() int {
	return r.capacity
}

// Snapshot returns a shallow copy of the buffer contents, oldest first,
// without consuming them.
func (r *PacketRingBuffer) Snapshot() []*videox.Packet {
	r.lock.Lock()
	defer r.lock.Unlock()
	out := make([]*videox.Packet, 0, r.buffer.Len())
	for i := 0; i < r.buffer.Len(); i++ {
		_, p, _ := r.buffer.Peek(i)
		out = append(out, p)
	}
	return out
}
