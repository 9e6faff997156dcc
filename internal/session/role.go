package session

import "github.com/ReiletaI/callguard/internal/signaling"

// Role is the policy that separates the agent from the client. The
// coordinator's control flow is shared; only these switches differ.
type Role struct {
	Name string

	// CreatesRoom is true for the side that publishes the offer.
	CreatesRoom bool
	// AutoRearm creates a fresh room after each call while available.
	AutoRearm bool
	// Records runs the transcription pipeline and full recording.
	Records bool
	// Reports sends a call record at the end of each answered session.
	Reports bool
	// FinalStats adds callDuration and properlyTerminated to the final
	// room status.
	FinalStats bool

	// LocalSide is the candidate collection this role appends to.
	LocalSide signaling.Side
}

// RemoteSide is the candidate collection the other peer appends to.
func (r Role) RemoteSide() signaling.Side {
	if r.LocalSide == signaling.SideCaller {
		return signaling.SideCallee
	}
	return signaling.SideCaller
}

var (
	Agent = Role{
		Name:        "agent",
		CreatesRoom: true,
		AutoRearm:   true,
		Records:     true,
		Reports:     true,
		FinalStats:  true,
		LocalSide:   signaling.SideCaller,
	}

	Client = Role{
		Name:      "client",
		LocalSide: signaling.SideCallee,
	}
)
