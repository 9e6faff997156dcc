package signaling

import (
	"errors"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/ReiletaI/callguard/internal/callerr"
)

// Frame is the msgpack envelope exchanged with the relay server.
type Frame struct {
	Type    string             `msgpack:"type"`
	Seq     uint64             `msgpack:"seq,omitempty"`
	Sub     uint64             `msgpack:"sub,omitempty"`
	RoomID  string             `msgpack:"room,omitempty"`
	Side    Side               `msgpack:"side,omitempty"`
	Payload msgpack.RawMessage `msgpack:"payload,omitempty"`
	Error   string             `msgpack:"error,omitempty"`
	Code    string             `msgpack:"code,omitempty"`
}

// Frame types sent by clients.
const (
	FrameCreateRoom          = "create_room"
	FrameGetRoom             = "get_room"
	FramePublishAnswer       = "publish_answer"
	FrameSetStatus           = "set_status"
	FrameAppendCandidate     = "append_candidate"
	FramePurgeCandidates     = "purge_candidates"
	FrameFindWaiting         = "find_waiting"
	FrameSubscribeRoom       = "subscribe_room"
	FrameSubscribeCandidates = "subscribe_candidates"
	FrameSubscribeWaiting    = "subscribe_waiting"
	FrameUnsubscribe         = "unsubscribe"
)

// Frame types sent by the server.
const (
	FrameReply          = "reply"
	FrameRoomEvent      = "room_event"
	FrameCandidateEvent = "candidate_event"
	FrameSubError       = "sub_error"
)

// Error codes carried in Frame.Code.
const (
	CodeNotFound     = "not_found"
	CodeNotAvailable = "not_available"
	CodeTerminal     = "terminal"
	CodeExists       = "exists"
	CodeBadRequest   = "bad_request"
	CodeInternal     = "internal"
)

// CreateRoomPayload is the body of a create_room frame.
type CreateRoomPayload struct {
	Offer         SessionDescription `msgpack:"offer"`
	AgentUsername string             `msgpack:"agentUsername"`
}

// RoomEvent carries a room snapshot; Room is nil for a missing document.
type RoomEvent struct {
	Room *Room `msgpack:"room"`
}

// EncodeFrame serialises f for the wire.
func EncodeFrame(f *Frame) ([]byte, error) {
	return msgpack.Marshal(f)
}

// DecodeFrame parses one wire message.
func DecodeFrame(data []byte) (*Frame, error) {
	var f Frame
	if err := msgpack.Unmarshal(data, &f); err != nil {
		return nil, err
	}
	return &f, nil
}

// SetPayload encodes v into the frame body.
func (f *Frame) SetPayload(v any) error {
	b, err := msgpack.Marshal(v)
	if err != nil {
		return err
	}
	f.Payload = b
	return nil
}

// DecodePayload decodes the frame body into v.
func (f *Frame) DecodePayload(v any) error {
	if len(f.Payload) == 0 {
		return errors.New("empty payload")
	}
	return msgpack.Unmarshal(f.Payload, v)
}

// SetError fills the error fields from err.
func (f *Frame) SetError(err error) {
	f.Code = CodeOf(err)
	f.Error = err.Error()
}

// Err rebuilds the error a reply carries, or nil.
func (f *Frame) Err() error {
	if f.Code == "" && f.Error == "" {
		return nil
	}
	switch f.Code {
	case CodeNotFound:
		return ErrRoomNotFound
	case CodeNotAvailable:
		return ErrRoomNotAvailable
	case CodeTerminal:
		return ErrRoomTerminal
	case CodeExists:
		return ErrRoomExists
	default:
		return callerr.NewError("relay", callerr.KindSignaling, errors.New(f.Error))
	}
}

// CodeOf maps err onto a wire code.
func CodeOf(err error) string {
	switch {
	case errors.Is(err, ErrRoomNotFound):
		return CodeNotFound
	case errors.Is(err, ErrRoomNotAvailable):
		return CodeNotAvailable
	case errors.Is(err, ErrRoomTerminal):
		return CodeTerminal
	case errors.Is(err, ErrRoomExists):
		return CodeExists
	default:
		return CodeInternal
	}
}
