package recording

import (
	"sync"
	"time"

	"github.com/pion/rtp"
	"go.uber.org/zap"

	"github.com/ReiletaI/callguard/internal/media"
)

// segment is one bounded chunk of a single direction.
type segment struct {
	index int
	start time.Time
	w     *webmWriter
}

func newSegment(index int, dir Direction, start time.Time) *segment {
	return &segment{index: index, start: start, w: newWebmWriter(string(dir))}
}

func (s *segment) write(at time.Time, payload []byte) {
	s.w.writeFrame(1, at.Sub(s.start).Milliseconds(), payload)
}

// lane cuts one direction's stream into consecutive segments. Only one
// segment is open at a time; after sealing one, the lane waits the re-arm
// delay before opening the next, so segments never overlap.
type lane struct {
	dir    Direction
	stream *media.Stream
	p      *Pipeline
	log    *zap.Logger

	mu      sync.Mutex
	seg     *segment
	next    int
	stopped bool
	seal    *time.Timer
	rearm   *time.Timer
	detach  func()
}

func newLane(p *Pipeline, dir Direction, stream *media.Stream) *lane {
	return &lane{
		dir:    dir,
		stream: stream,
		p:      p,
		log:    p.log.With(zap.String("direction", string(dir))),
	}
}

func (l *lane) start() {
	l.detach = l.stream.Subscribe(l.onPacket)
	l.mu.Lock()
	defer l.mu.Unlock()
	l.armLocked()
}

// armLocked opens a new segment and schedules its seal.
func (l *lane) armLocked() {
	l.seg = newSegment(l.next, l.dir, l.p.now())
	l.next++
	l.seal = time.AfterFunc(l.p.cfg.SegmentLength, l.sealAndRearm)
}

func (l *lane) onPacket(pkt *rtp.Packet) {
	if len(pkt.Payload) == 0 {
		return
	}
	at := l.p.now()
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.seg != nil {
		l.seg.write(at, pkt.Payload)
	}
}

func (l *lane) sealAndRearm() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.stopped || l.seg == nil {
		return
	}
	seg := l.seg
	l.seg = nil
	l.p.dispatch(l.dir, seg)

	l.rearm = time.AfterFunc(l.p.cfg.RearmDelay, func() {
		l.mu.Lock()
		defer l.mu.Unlock()
		if l.stopped || !l.p.active() || !l.stream.Live() {
			l.log.Debug("segment lane idle")
			return
		}
		l.armLocked()
	})
}

// stop seals the open segment, if any, and detaches from the stream.
func (l *lane) stop() {
	l.mu.Lock()
	if l.stopped {
		l.mu.Unlock()
		return
	}
	l.stopped = true
	if l.seal != nil {
		l.seal.Stop()
	}
	if l.rearm != nil {
		l.rearm.Stop()
	}
	seg := l.seg
	l.seg = nil
	if seg != nil {
		l.p.dispatch(l.dir, seg)
	}
	l.mu.Unlock()

	if l.detach != nil {
		l.detach()
	}
}
