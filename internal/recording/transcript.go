package recording

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// Direction says whose voice a segment carries. The values double as the
// transcription sourceType.
type Direction string

const (
	DirectionAgent  Direction = "agent"
	DirectionClient Direction = "client"
)

// Entry is one transcribed segment.
type Entry struct {
	ID        string
	Direction Direction
	Text      string
	At        time.Time
	Segment   int
}

// Transcript is the running log of a call's transcriptions. Entries of one
// direction keep segment order; the two directions interleave as results
// arrive.
type Transcript struct {
	mu      sync.RWMutex
	entries []Entry
}

func (t *Transcript) append(e Entry) Entry {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.entries = append(t.entries, e)
	return e
}

// Entries returns a copy of the log.
func (t *Transcript) Entries() []Entry {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return append([]Entry(nil), t.entries...)
}

// Len returns the number of entries.
func (t *Transcript) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.entries)
}
