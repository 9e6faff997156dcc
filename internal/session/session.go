package session

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/ReiletaI/callguard/internal/callerr"
	"github.com/ReiletaI/callguard/internal/media"
	"github.com/ReiletaI/callguard/internal/recording"
	"github.com/ReiletaI/callguard/internal/signaling"
	"github.com/ReiletaI/callguard/internal/transport"
)

// session is one attempt at a call, from arming or joining until teardown.
// The loop owns it until end hands it to the teardown goroutine.
type session struct {
	gen    uint64
	ctx    context.Context
	cancel context.CancelFunc
	torn   chan struct{}

	roomID string
	room   *signaling.Room
	// published is set once this side wrote to the room: the agent created
	// it, or the client's answer was accepted. Only then does teardown
	// touch the room.
	published bool
	// answered is set once an offer/answer pair was exchanged.
	answered  bool
	expiring  bool
	armedAt   time.Time
	createdAt time.Time

	capture  *media.Capture
	peer     Peer
	pipeline *recording.Pipeline
	// early holds remote audio that showed up before Connecting.
	early *media.Stream

	pending []signaling.Candidate
	unsubs  []func()
	stale   *time.Timer
	nego    *time.Timer

	connectedAt time.Time
	endedAt     time.Time
	reason      endReason
	cause       error

	roomStatus atomic.Value
}

func newSession(gen uint64) *session {
	ctx, cancel := context.WithCancel(context.Background())
	s := &session{gen: gen, ctx: ctx, cancel: cancel, torn: make(chan struct{})}
	s.roomStatus.Store("")
	return s
}

// status is safe to call from any goroutine.
func (s *session) status() string {
	v, _ := s.roomStatus.Load().(string)
	return v
}

// detach releases everything the loop holds for s: timers, subscriptions
// and in-flight work.
func (s *session) detach() {
	if s.stale != nil {
		s.stale.Stop()
	}
	if s.nego != nil {
		s.nego.Stop()
	}
	for _, unsub := range s.unsubs {
		unsub()
	}
	s.unsubs = nil
	s.cancel()
}

// acquire gets the local audio and continues with next.
func (c *Coordinator) acquire(s *session, next func(*session)) {
	c.spawn(s, func(ctx context.Context) (func(), func()) {
		capture, err := c.deps.Media.Acquire(ctx)
		if err != nil {
			return func() { c.end(s, reasonError, classify("acquire audio", callerr.KindDevice, err)) }, nil
		}
		return func() {
			s.capture = capture
			c.log.Info("audio acquired", zap.String("stream", capture.Stream.Label()))
			c.openPeer(s, next)
		}, func() { _ = capture.Close() }
	})
}

// openPeer creates the transport, publishes local audio on it and
// continues with next.
func (c *Coordinator) openPeer(s *session, next func(*session)) {
	c.spawn(s, func(ctx context.Context) (func(), func()) {
		peer, err := c.deps.Open(ctx)
		if err != nil {
			return func() { c.end(s, reasonError, classify("open transport", callerr.KindTransport, err)) }, nil
		}
		return func() {
			s.peer = peer
			if err := c.wirePeer(s); err != nil {
				c.end(s, reasonError, classify("add local tracks", callerr.KindTransport, err))
				return
			}
			next(s)
		}, peer.Close
	})
}

func (c *Coordinator) wirePeer(s *session) error {
	gen := s.gen
	s.peer.OnLocalCandidate(func(cand signaling.Candidate) {
		c.post(gen, func() { c.onLocalCandidate(s, cand) }, nil)
	})
	s.peer.OnRemoteAudio(func(stream *media.Stream) {
		c.post(gen, func() { c.onRemoteAudio(s, stream) }, nil)
	})
	s.peer.OnStateChange(func(st transport.State) {
		c.post(gen, func() { c.onTransportState(s, st) }, nil)
	})
	return s.peer.AddLocalTracks(s.capture)
}

// onLocalCandidate trickles a local candidate once this side has a room to
// write to; earlier ones wait in pending.
func (c *Coordinator) onLocalCandidate(s *session, cand signaling.Candidate) {
	if !s.published {
		s.pending = append(s.pending, cand)
		return
	}
	c.appendCandidates(s, cand)
}

func (c *Coordinator) flushCandidates(s *session) {
	if len(s.pending) == 0 {
		return
	}
	pending := s.pending
	s.pending = nil
	c.appendCandidates(s, pending...)
}

func (c *Coordinator) appendCandidates(s *session, cands ...signaling.Candidate) {
	id, side := s.roomID, c.role.LocalSide
	go func() {
		for _, cand := range cands {
			if err := c.deps.Channel.AppendCandidate(s.ctx, id, side, cand); err != nil {
				if s.ctx.Err() != nil {
					return
				}
				c.metrics.SignalingErrors.WithLabelValues("append_candidate").Inc()
				c.log.Warn("failed to publish candidate", zap.String("room", id), zap.Error(err))
			}
		}
	}()
}

// watch subscribes to the room document and the other side's candidates.
func (c *Coordinator) watch(s *session) {
	gen, id := s.gen, s.roomID

	unsubRoom := c.deps.Channel.SubscribeRoom(s.ctx, id,
		func(room *signaling.Room) {
			c.post(gen, func() { c.onRoom(s, room) }, nil)
		},
		func(err error) {
			c.post(gen, func() {
				c.metrics.SignalingErrors.WithLabelValues("watch_room").Inc()
				c.end(s, reasonError, classify("watch room", callerr.KindSignaling, err))
			}, nil)
		})

	unsubCandidates := c.deps.Channel.SubscribeCandidates(s.ctx, id, c.role.RemoteSide(),
		func(cand signaling.Candidate) {
			c.post(gen, func() { c.onRemoteCandidate(s, cand) }, nil)
		},
		func(err error) {
			c.metrics.SignalingErrors.WithLabelValues("watch_candidates").Inc()
			c.log.Warn("candidate subscription failed", zap.String("room", id), zap.Error(err))
		})

	s.unsubs = append(s.unsubs, unsubRoom, unsubCandidates)
}

func (c *Coordinator) onRemoteCandidate(s *session, cand signaling.Candidate) {
	if s.peer == nil {
		return
	}
	if err := s.peer.AddRemoteCandidate(cand); err != nil {
		c.log.Warn("failed to add remote candidate", zap.String("room", s.roomID), zap.Error(err))
	}
}

// onRoom checks every room snapshot. The room is abandoned once it is
// gone, terminal or, before the call is up, too old.
func (c *Coordinator) onRoom(s *session, room *signaling.Room) {
	if room == nil {
		c.end(s, reasonInvalid, callerr.NewError("watch room", callerr.KindRoomValidity, callerr.ErrRoomNotFound))
		return
	}
	s.room = room
	s.roomStatus.Store(string(room.Status))

	switch room.Status {
	case signaling.StatusExpired:
		c.end(s, reasonExpired, callerr.NewError("watch room", callerr.KindRoomValidity, callerr.ErrRoomExpired))
		return
	case signaling.StatusEnded:
		c.notice("Call disconnected.")
		c.end(s, reasonRemote, nil)
		return
	}

	if c.state.negotiating() {
		if !room.CreatedAt.IsZero() && !room.CreatedAt.Equal(s.createdAt) {
			s.createdAt = room.CreatedAt
			c.armStale(s)
		}
		if room.Stale(c.now(), c.cfg.StaleAfter) {
			c.expire(s)
			return
		}
	}

	if c.role.CreatesRoom && !s.answered && room.Answer != nil {
		s.answered = true
		c.notice("Call found, connecting...")
		c.connecting(s)

		answer := *room.Answer
		c.spawn(s, func(ctx context.Context) (func(), func()) {
			if err := s.peer.SetRemoteAnswer(ctx, answer); err != nil {
				return func() { c.end(s, reasonError, classify("set remote answer", callerr.KindTransport, err)) }, nil
			}
			return nil, nil
		})
	}
}

// connecting is entered once both descriptions are exchanged. Remote audio
// that beat the answer through is promoted right away.
func (c *Coordinator) connecting(s *session) {
	c.setState(StateConnecting)
	c.armNegotiation(s)
	if early := s.early; early != nil {
		c.onRemoteAudio(s, early)
	}
}

// onRemoteAudio moves the session to Connected once the other side's
// audio arrives.
func (c *Coordinator) onRemoteAudio(s *session, remote *media.Stream) {
	if c.state != StateConnecting {
		if c.state != StateConnected {
			s.early = remote
		}
		return
	}
	s.early = nil
	s.connectedAt = c.now()
	if s.stale != nil {
		s.stale.Stop()
	}
	if s.nego != nil {
		s.nego.Stop()
	}
	c.setState(StateConnected)
	c.startTicker(s)

	if c.role.Records {
		id := s.roomID
		s.pipeline = recording.New(recording.Config{
			RoomID:        id,
			RoomStatus:    s.status,
			SegmentLength: c.cfg.SegmentLength,
			RearmDelay:    c.cfg.SegmentRearm,
			FlushWait:     c.cfg.FlushWait,
			Transcriber:   c.deps.Transcriber,
			OnEntry: func(e recording.Entry) {
				c.emit(Event{Kind: EventTranscript, RoomID: id, Entry: e})
			},
			Logger: c.log,
			Clock:  c.now,
		})
		s.pipeline.Start(s.capture.Stream, remote)
	}
}

func (c *Coordinator) onTransportState(s *session, st transport.State) {
	switch st {
	case transport.StateFailed:
		kind := callerr.KindTransport
		if c.state == StateConnected {
			kind = callerr.KindMidSession
		}
		c.end(s, reasonFailed, callerr.NewError("peer connection", kind, callerr.ErrTransportFailed))
	case transport.StateDisconnected:
		c.log.Warn("peer connection interrupted", zap.String("room", s.roomID))
		c.notice("Connection interrupted, trying to recover...")
	}
}

// startTicker emits the call duration once a second until the session is
// detached.
func (c *Coordinator) startTicker(s *session) {
	gen, start, id := s.gen, s.connectedAt, s.roomID
	go func() {
		ticker := time.NewTicker(time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-s.ctx.Done():
				return
			case <-ticker.C:
				c.post(gen, func() {
					c.emit(Event{Kind: EventTick, RoomID: id, Duration: c.now().Sub(start).Truncate(time.Second)})
				}, nil)
			}
		}
	}()
}

// armStale schedules a staleness check for when the room turns too old.
// Until the store reports createdAt, the local arming time stands in.
func (c *Coordinator) armStale(s *session) {
	if s.stale != nil {
		s.stale.Stop()
	}
	origin := s.createdAt
	if origin.IsZero() {
		origin = s.armedAt
	}
	wait := origin.Add(c.cfg.StaleAfter).Sub(c.now())
	if wait < 0 {
		wait = 0
	}
	gen := s.gen
	s.stale = time.AfterFunc(wait, func() {
		c.post(gen, func() { c.checkStale(s) }, nil)
	})
}

func (c *Coordinator) checkStale(s *session) {
	if !c.state.negotiating() {
		return
	}
	origin := s.createdAt
	if origin.IsZero() {
		origin = s.armedAt
	}
	if c.now().Sub(origin) > c.cfg.StaleAfter {
		c.expire(s)
		return
	}
	c.armStale(s)
}

// armNegotiation bounds how long Connecting may take.
func (c *Coordinator) armNegotiation(s *session) {
	if c.cfg.NegotiationTimeout <= 0 {
		return
	}
	gen := s.gen
	s.nego = time.AfterFunc(c.cfg.NegotiationTimeout, func() {
		c.post(gen, func() {
			if c.state != StateConnecting {
				return
			}
			c.end(s, reasonFailed, callerr.NewError("negotiate", callerr.KindTransport, callerr.ErrNegotiationTimeout))
		}, nil)
	})
}

// expire marks the session's room expired and then aborts the session.
func (c *Coordinator) expire(s *session) {
	if s.expiring {
		return
	}
	s.expiring = true
	c.metrics.RoomsExpired.Inc()
	c.log.Info("room is stale, expiring", zap.String("room", s.roomID))

	id := s.roomID
	c.spawn(s, func(ctx context.Context) (func(), func()) {
		c.markExpired(ctx, id)
		return func() {
			c.end(s, reasonExpired, callerr.NewError("check room", callerr.KindRoomValidity, callerr.ErrRoomExpired))
		}, nil
	})
}

// markExpired is best effort; a room that is already terminal is fine.
func (c *Coordinator) markExpired(ctx context.Context, id string) {
	err := c.deps.Channel.SetStatus(ctx, id, signaling.StatusChange{Status: signaling.StatusExpired})
	if err != nil && !errors.Is(err, signaling.ErrRoomTerminal) {
		c.metrics.SignalingErrors.WithLabelValues("expire_room").Inc()
		c.log.Warn("failed to expire room", zap.String("room", id), zap.Error(err))
	}
}
