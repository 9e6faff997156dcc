package session

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/ReiletaI/callguard/internal/callerr"
	"github.com/ReiletaI/callguard/internal/signaling"
)

// lookup reads the room a client asked for by id.
func (c *Coordinator) lookup(s *session, id string) {
	c.spawn(s, func(ctx context.Context) (func(), func()) {
		room, err := c.deps.Channel.GetRoom(ctx, id)
		if err != nil {
			return func() {
				if errors.Is(err, signaling.ErrRoomNotFound) {
					c.end(s, reasonInvalid, classify("join room", callerr.KindRoomValidity, err))
					return
				}
				c.end(s, reasonError, classify("join room", callerr.KindSignaling, err))
			}, nil
		}
		return func() { c.join(s, room) }, nil
	})
}

// search finds the oldest waiting room, expiring stale ones on the way. If
// none is left it waits for one to appear.
func (c *Coordinator) search(s *session) {
	c.spawn(s, func(ctx context.Context) (func(), func()) {
		for i := 0; i < maxStaleSkips; i++ {
			room, err := c.deps.Channel.FindWaitingRoom(ctx)
			if err != nil {
				return func() { c.end(s, reasonError, classify("find waiting room", callerr.KindSignaling, err)) }, nil
			}
			if room == nil {
				break
			}
			if !room.Stale(c.now(), c.cfg.StaleAfter) {
				return func() { c.join(s, room) }, nil
			}
			c.metrics.RoomsExpired.Inc()
			c.log.Info("skipping stale room", zap.String("room", room.ID))
			c.markExpired(ctx, room.ID)
		}
		return func() { c.awaitRoom(s) }, nil
	})
}

func (c *Coordinator) awaitRoom(s *session) {
	c.notice("No agents available. Waiting for one to become available...")

	gen := s.gen
	unsub := c.deps.Channel.SubscribeWaitingRooms(s.ctx,
		func(room *signaling.Room) {
			c.post(gen, func() { c.onWaitingRoom(s, room) }, nil)
		},
		func(err error) {
			c.post(gen, func() {
				c.end(s, reasonError, classify("watch waiting rooms", callerr.KindSignaling, err))
			}, nil)
		})
	s.unsubs = append(s.unsubs, unsub)
}

func (c *Coordinator) onWaitingRoom(s *session, room *signaling.Room) {
	if c.state != StateSearching || room == nil || s.roomID != "" {
		return
	}
	if !room.Stale(c.now(), c.cfg.StaleAfter) {
		c.notice("Support agent found, connecting...")
		c.join(s, room)
		return
	}

	c.metrics.RoomsExpired.Inc()
	id := room.ID
	c.spawn(s, func(ctx context.Context) (func(), func()) {
		c.markExpired(ctx, id)
		return func() { c.awaitRoom(s) }, nil
	})
}

// join validates room and, only if a client may answer it, requests the
// microphone and builds the transport.
func (c *Coordinator) join(s *session, room *signaling.Room) {
	now := c.now()
	switch {
	case room.Status == signaling.StatusExpired:
		c.end(s, reasonInvalid, callerr.NewError("join room", callerr.KindRoomValidity, callerr.ErrRoomExpired))
		return
	case room.Stale(now, c.cfg.StaleAfter) && !room.Status.Terminal():
		c.metrics.RoomsExpired.Inc()
		id := room.ID
		c.spawn(s, func(ctx context.Context) (func(), func()) {
			c.markExpired(ctx, id)
			return func() {
				c.end(s, reasonExpired, callerr.NewError("join room", callerr.KindRoomValidity, callerr.ErrRoomExpired))
			}, nil
		})
		return
	case !room.Joinable(now, c.cfg.StaleAfter):
		c.end(s, reasonInvalid, callerr.WrapError("join room", callerr.KindRoomValidity,
			callerr.ErrRoomNotAvailable, fmt.Sprintf("status %s", room.Status)))
		return
	}

	s.roomID = room.ID
	s.room = room
	s.createdAt = room.CreatedAt
	s.roomStatus.Store(string(room.Status))
	c.log.Info("joining room", zap.String("room", room.ID), zap.String("agent", room.AgentUsername))

	c.acquire(s, c.answer)
}

// answer accepts the room's offer and publishes the answer. The publish is
// atomic, so losing a race to another client fails here.
func (c *Coordinator) answer(s *session) {
	offer, id := *s.room.Offer, s.roomID
	c.spawn(s, func(ctx context.Context) (func(), func()) {
		answer, err := s.peer.AcceptOffer(ctx, offer)
		if err != nil {
			return func() { c.end(s, reasonError, classify("accept offer", callerr.KindTransport, err)) }, nil
		}
		if err := c.deps.Channel.PublishAnswer(ctx, id, answer); err != nil {
			return func() {
				if errors.Is(err, signaling.ErrRoomNotAvailable) || errors.Is(err, signaling.ErrRoomNotFound) {
					c.end(s, reasonInvalid, classify("publish answer", callerr.KindRoomValidity, err))
					return
				}
				c.metrics.SignalingErrors.WithLabelValues("publish_answer").Inc()
				c.end(s, reasonError, classify("publish answer", callerr.KindSignaling, err))
			}, nil
		}
		return func() { c.onAnswered(s) }, nil
	})
}

func (c *Coordinator) onAnswered(s *session) {
	s.published = true
	s.answered = true
	s.roomStatus.Store(string(signaling.StatusConnected))
	c.metrics.SessionsStarted.WithLabelValues(c.role.Name).Inc()

	c.flushCandidates(s)
	c.watch(s)
	c.armStale(s)
	c.connecting(s)
}
