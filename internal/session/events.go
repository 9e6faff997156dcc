package session

import (
	"time"

	"github.com/ReiletaI/callguard/internal/recording"
)

// EventKind tells subscribers which fields of an Event are set.
type EventKind int

const (
	// EventStateChanged carries State and RoomID.
	EventStateChanged EventKind = iota
	// EventTick carries the call Duration, once a second while connected.
	EventTick
	// EventTranscript carries a new transcript Entry.
	EventTranscript
	// EventNotice carries an informational Message.
	EventNotice
	// EventFailed carries the user-facing Message and the underlying Err.
	EventFailed
)

func (k EventKind) String() string {
	switch k {
	case EventStateChanged:
		return "state"
	case EventTick:
		return "tick"
	case EventTranscript:
		return "transcript"
	case EventNotice:
		return "notice"
	case EventFailed:
		return "failed"
	default:
		return "unknown"
	}
}

type Event struct {
	Kind     EventKind
	State    State
	RoomID   string
	Duration time.Duration
	Entry    recording.Entry
	Message  string
	Err      error
}

// Snapshot is a point-in-time copy of the coordinator's state.
type Snapshot struct {
	Role       string
	State      State
	RoomID     string
	Available  bool
	Muted      bool
	Duration   time.Duration
	Transcript []recording.Entry
}
