package recording

import (
	"sync"
	"time"

	"github.com/pion/rtp"

	"github.com/ReiletaI/callguard/internal/media"
)

// Recording is the full-session audio of one call.
type Recording struct {
	RoomID    string
	Audio     []byte
	StartedAt time.Time
	Duration  time.Duration
}

// Track numbers inside the full recording.
const (
	agentTrack  = 1
	clientTrack = 2
)

// fullRecorder writes both directions into one two-track WebM file for the
// whole call.
type fullRecorder struct {
	roomID  string
	started time.Time
	now     func() time.Time

	mu     sync.Mutex
	w      *webmWriter
	done   bool
	detach []func()
}

func newFullRecorder(roomID string, now func() time.Time) *fullRecorder {
	return &fullRecorder{
		roomID:  roomID,
		started: now(),
		now:     now,
		w:       newWebmWriter(string(DirectionAgent), string(DirectionClient)),
	}
}

func (f *fullRecorder) attach(local, remote *media.Stream) {
	f.detach = append(f.detach,
		local.Subscribe(func(pkt *rtp.Packet) { f.write(agentTrack, pkt) }),
		remote.Subscribe(func(pkt *rtp.Packet) { f.write(clientTrack, pkt) }),
	)
}

func (f *fullRecorder) write(track int, pkt *rtp.Packet) {
	if len(pkt.Payload) == 0 {
		return
	}
	at := f.now()
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.done {
		return
	}
	f.w.writeFrame(track, at.Sub(f.started).Milliseconds(), pkt.Payload)
}

// stop finalizes the file. It returns nil on every call after the first
// and when nothing was recorded.
func (f *fullRecorder) stop() *Recording {
	for _, detach := range f.detach {
		detach()
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.done {
		return nil
	}
	f.done = true
	if f.w.Frames() == 0 {
		return nil
	}
	return &Recording{
		RoomID:    f.roomID,
		Audio:     f.w.Bytes(),
		StartedAt: f.started,
		Duration:  time.Duration(f.w.DurationMs()) * time.Millisecond,
	}
}
