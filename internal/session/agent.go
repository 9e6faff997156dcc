package session

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"github.com/ReiletaI/callguard/internal/callerr"
	"github.com/ReiletaI/callguard/internal/signaling"
)

// arm starts an agent session: local audio, a transport, an offer and a
// room carrying it.
func (c *Coordinator) arm() {
	s := c.begin(StateArming)
	c.acquire(s, c.publishOffer)
}

func (c *Coordinator) publishOffer(s *session) {
	c.spawn(s, func(ctx context.Context) (func(), func()) {
		id, err := signaling.MintRoomID(ctx, c.deps.Channel)
		if err != nil {
			return func() { c.end(s, reasonError, classify("mint room id", callerr.KindSignaling, err)) }, nil
		}

		offer, err := s.peer.CreateOffer(ctx)
		if err != nil {
			return func() { c.end(s, reasonError, classify("create offer", callerr.KindTransport, err)) }, nil
		}

		if err := c.deps.Channel.CreateRoom(ctx, id, offer, c.cfg.AgentUsername); err != nil {
			return func() {
				c.metrics.SignalingErrors.WithLabelValues("create_room").Inc()
				c.end(s, reasonError, classify("create room", callerr.KindSignaling, err))
			}, nil
		}

		return func() { c.onRoomCreated(s, id) }, func() { c.abandonRoom(id) }
	})
}

func (c *Coordinator) onRoomCreated(s *session, id string) {
	s.roomID = id
	s.published = true
	s.roomStatus.Store(string(signaling.StatusWaiting))
	c.metrics.SessionsStarted.WithLabelValues(c.role.Name).Inc()

	c.setState(StateWaiting)
	c.flushCandidates(s)
	c.watch(s)
	c.armStale(s)
	c.notice("Waiting for caller...")
}

// abandonRoom ends a room whose session went away while it was being
// created, so no client answers into nothing.
func (c *Coordinator) abandonRoom(id string) {
	ctx, cancel := context.WithTimeout(context.Background(), c.cfg.WriteTimeout)
	defer cancel()
	err := c.deps.Channel.SetStatus(ctx, id, signaling.StatusChange{Status: signaling.StatusEnded})
	if err != nil && !errors.Is(err, signaling.ErrRoomTerminal) {
		c.log.Warn("failed to end abandoned room", zap.String("room", id), zap.Error(err))
	}
}
