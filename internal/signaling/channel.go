package signaling

import (
	"context"
	"errors"
	"fmt"

	"github.com/ReiletaI/callguard/internal/callerr"
)

var (
	ErrRoomNotFound     = callerr.ErrRoomNotFound
	ErrRoomNotAvailable = callerr.ErrRoomNotAvailable
	ErrRoomTerminal     = errors.New("room is in a terminal state")
	ErrRoomExists       = errors.New("room already exists")
)

// RoomFunc receives room snapshots. A nil room means the document does not
// exist (or no longer exists).
type RoomFunc func(room *Room)

// CandidateFunc receives candidates appended by the other side.
type CandidateFunc func(c Candidate)

// ErrorFunc receives subscription failures. The subscription is dead after
// it fires.
type ErrorFunc func(err error)

// Channel is the signaling medium shared by the agent and the client.
//
// Subscriptions deliver in order per subscription only. Duplicate delivery
// is possible and callers must tolerate it. Every subscribe call returns an
// unsubscribe func that the owner must call before discarding the session;
// calling it more than once is safe.
type Channel interface {
	// CreateRoom writes a new room with status waiting.
	CreateRoom(ctx context.Context, id string, offer SessionDescription, agentUsername string) error

	// GetRoom returns ErrRoomNotFound for a missing document.
	GetRoom(ctx context.Context, id string) (*Room, error)

	SubscribeRoom(ctx context.Context, id string, onChange RoomFunc, onError ErrorFunc) func()

	// PublishAnswer atomically stores the answer and moves a waiting room to
	// connected. Any other status yields ErrRoomNotAvailable.
	PublishAnswer(ctx context.Context, id string, answer SessionDescription) error

	// SetStatus atomically applies change. Terminal rooms are left untouched
	// and ErrRoomTerminal is returned.
	SetStatus(ctx context.Context, id string, change StatusChange) error

	AppendCandidate(ctx context.Context, id string, side Side, c Candidate) error
	SubscribeCandidates(ctx context.Context, id string, side Side, onAdded CandidateFunc, onError ErrorFunc) func()

	// PurgeCandidates is best effort: individual delete failures are logged
	// and only a failure to list the collection is returned.
	PurgeCandidates(ctx context.Context, id string, side Side) error

	// FindWaitingRoom returns the oldest waiting room, or nil when there is none.
	FindWaitingRoom(ctx context.Context) (*Room, error)

	// SubscribeWaitingRooms calls onFirst once, with the oldest waiting room,
	// as soon as one exists, then unsubscribes itself.
	SubscribeWaitingRooms(ctx context.Context, onFirst RoomFunc, onError ErrorFunc) func()

	Close() error
}

// writeError classifies a failed write for the caller.
func writeError(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrRoomNotFound) || errors.Is(err, ErrRoomNotAvailable) ||
		errors.Is(err, ErrRoomTerminal) || errors.Is(err, ErrRoomExists) {
		return callerr.NewError(op, callerr.KindRoomValidity, err)
	}
	return callerr.NewError(op, callerr.KindSignaling, fmt.Errorf("%w: %w", callerr.ErrChannelWrite, err))
}
