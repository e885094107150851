package recorder

// State is the current position of a stream's pipeline in its lifecycle.
// It is stored atomically so that the owning goroutine can write it while
// status queries read it without any locking.
type State int32

const (
	StateConnecting State = iota
	StateBuffering
	StateRecording
	StatePostBuffer
	StateReconnecting
	StateStopping
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "Connecting"
	case StateBuffering:
		return "Buffering"
	case StateRecording:
		return "Recording"
	case StatePostBuffer:
		return "PostBuffer"
	case StateReconnecting:
		return "Reconnecting"
	case StateStopping:
		return "Stopping"
	case StateStopped:
		return "Stopped"
	}
	return "Unknown"
}

// IsWriting returns true when an open segment is receiving packets.
func (s State) IsWriting() bool {
	return s == StateRecording || s == StatePostBuffer
}
