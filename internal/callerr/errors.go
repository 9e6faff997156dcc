package callerr

import (
	"errors"
	"fmt"
)

var (
	ErrMicrophoneDenied   = errors.New("microphone access denied")
	ErrRoomNotFound       = errors.New("room does not exist")
	ErrRoomNotAvailable   = errors.New("room not available")
	ErrRoomExpired        = errors.New("room expired")
	ErrChannelWrite       = errors.New("signaling channel write failed")
	ErrChannelClosed      = errors.New("signaling channel closed")
	ErrTransportFailed    = errors.New("transport failed")
	ErrNegotiationTimeout = errors.New("negotiation timed out")
)

// Kind classifies failures for user messaging and retry policy.
type Kind int

const (
	KindUnknown Kind = iota
	// KindDevice covers microphone acquisition; the session never starts.
	KindDevice
	// KindTransport covers peer connection setup and description exchange.
	KindTransport
	// KindSignaling covers an unreachable or failing signaling channel.
	KindSignaling
	// KindRoomValidity covers missing, taken, ended or expired rooms.
	KindRoomValidity
	// KindMidSession covers transport failure after the call was up.
	KindMidSession
	// KindCleanup covers best-effort teardown work. Never escalated.
	KindCleanup
)

func (k Kind) String() string {
	switch k {
	case KindDevice:
		return "device"
	case KindTransport:
		return "transport"
	case KindSignaling:
		return "signaling"
	case KindRoomValidity:
		return "room"
	case KindMidSession:
		return "mid-session"
	case KindCleanup:
		return "cleanup"
	default:
		return "unknown"
	}
}

type CallError struct {
	Op      string
	Kind    Kind
	Err     error
	Details string
}

func (e *CallError) Error() string {
	if e.Details != "" {
		return fmt.Sprintf("%s: %v (%s)", e.Op, e.Err, e.Details)
	}
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *CallError) Unwrap() error {
	return e.Err
}

func NewError(op string, kind Kind, err error) *CallError {
	return &CallError{Op: op, Kind: kind, Err: err}
}

func WrapError(op string, kind Kind, err error, details string) *CallError {
	return &CallError{Op: op, Kind: kind, Err: err, Details: details}
}

// KindOf returns the kind of the outermost CallError in err's chain.
func KindOf(err error) Kind {
	var ce *CallError
	if errors.As(err, &ce) {
		return ce.Kind
	}
	return KindUnknown
}

// UserMessage translates err into a short category message. Backend error
// text is never passed through.
func UserMessage(err error) string {
	if err == nil {
		return ""
	}

	switch {
	case errors.Is(err, ErrRoomNotFound):
		return "Room does not exist. Check the room ID and try again."
	case errors.Is(err, ErrRoomExpired):
		return "This room has expired. Ask the agent for a new room."
	case errors.Is(err, ErrRoomNotAvailable):
		return "Room is not available. The call may have ended or another caller joined."
	case errors.Is(err, ErrMicrophoneDenied):
		return "Could not access the microphone. Check device permissions."
	case errors.Is(err, ErrNegotiationTimeout):
		return "The connection could not be established in time."
	}

	switch KindOf(err) {
	case KindDevice:
		return "Could not access the microphone. Check device permissions."
	case KindTransport:
		return "Failed to set up the WebRTC connection."
	case KindSignaling:
		return "Could not reach the signaling service. Check your connection."
	case KindRoomValidity:
		return "Room is not available."
	case KindMidSession:
		return "The call connection failed."
	case KindCleanup:
		return "Call ended, but some cleanup steps did not complete."
	default:
		return "Something went wrong. Please try again."
	}
}
