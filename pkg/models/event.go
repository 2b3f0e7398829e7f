package models

// EventKind identifies a broadcast message type.
type EventKind uint8

const (
	EventLockStateChanged EventKind = iota + 1
	EventDetectionIndexChanged
)

func (k EventKind) String() string {
	switch k {
	case EventLockStateChanged:
		return "lockStateChanged"
	case EventDetectionIndexChanged:
		return "detectionIndexChanged"
	default:
		return "unknown"
	}
}

// Event is a fire-and-forget notification delivered to restricted contexts.
// Locked is only meaningful for EventLockStateChanged.
type Event struct {
	Kind   EventKind `json:"kind"`
	Locked bool      `json:"locked,omitempty"`
	AtMs   int64     `json:"at_ms"`
}
