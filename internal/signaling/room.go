package signaling

import "time"

// Status is the lifecycle label stored on a room document.
type Status string

const (
	StatusWaiting   Status = "waiting"
	StatusConnected Status = "connected"
	StatusEnded     Status = "ended"
	StatusExpired   Status = "expired"
)

// Terminal reports whether the room may no longer change state.
func (s Status) Terminal() bool {
	return s == StatusEnded || s == StatusExpired
}

// Side names the candidate collection one peer appends to.
type Side string

const (
	// SideCaller holds candidates gathered by the agent, who creates the room.
	SideCaller Side = "callerCandidates"
	// SideCallee holds candidates gathered by the client, who joins it.
	SideCallee Side = "calleeCandidates"
)

// Valid reports whether s names one of the two candidate collections.
func (s Side) Valid() bool {
	return s == SideCaller || s == SideCallee
}

// SessionDescription is an offer or answer as stored on the room document.
type SessionDescription struct {
	Type string `json:"type" msgpack:"type" firestore:"type"`
	SDP  string `json:"sdp" msgpack:"sdp" firestore:"sdp"`
}

// Candidate is one trickled ICE candidate, using the field names browsers
// serialise RTCIceCandidate with so web peers can share rooms.
type Candidate struct {
	Candidate        string  `json:"candidate" msgpack:"candidate"`
	SDPMid           *string `json:"sdpMid,omitempty" msgpack:"sdpMid,omitempty"`
	SDPMLineIndex    *uint16 `json:"sdpMLineIndex,omitempty" msgpack:"sdpMLineIndex,omitempty"`
	UsernameFragment *string `json:"usernameFragment,omitempty" msgpack:"usernameFragment,omitempty"`
}

// Room is a snapshot of one signaling document.
type Room struct {
	ID                 string              `json:"id" msgpack:"id"`
	Status             Status              `json:"status" msgpack:"status"`
	Offer              *SessionDescription `json:"offer,omitempty" msgpack:"offer,omitempty"`
	Answer             *SessionDescription `json:"answer,omitempty" msgpack:"answer,omitempty"`
	AgentUsername      string              `json:"agentUsername" msgpack:"agentUsername"`
	CreatedAt          time.Time           `json:"createdAt" msgpack:"createdAt"`
	EndedAt            time.Time           `json:"endedAt,omitzero" msgpack:"endedAt"`
	CallDuration       int                 `json:"callDuration,omitempty" msgpack:"callDuration,omitempty"`
	ProperlyTerminated bool                `json:"properlyTerminated,omitempty" msgpack:"properlyTerminated,omitempty"`
}

// Age is how long ago the room was created. A room whose server timestamp
// has not been resolved yet has age zero.
func (r *Room) Age(now time.Time) time.Duration {
	if r.CreatedAt.IsZero() {
		return 0
	}
	return now.Sub(r.CreatedAt)
}

// Stale reports whether the room is older than threshold.
func (r *Room) Stale(now time.Time, threshold time.Duration) bool {
	return threshold > 0 && r.Age(now) > threshold
}

// Joinable reports whether a client may answer this room right now.
func (r *Room) Joinable(now time.Time, threshold time.Duration) bool {
	return r.Status == StatusWaiting && r.Offer != nil && !r.Stale(now, threshold)
}

// StatusChange is a partial update of a room's lifecycle fields. Terminal
// statuses also stamp endedAt with the store's clock.
type StatusChange struct {
	Status             Status `msgpack:"status"`
	CallDuration       *int   `msgpack:"callDuration,omitempty"`
	ProperlyTerminated bool   `msgpack:"properlyTerminated,omitempty"`
}
