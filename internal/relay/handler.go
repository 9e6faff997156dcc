package relay

import (
	"errors"

	"go.uber.org/zap"

	"github.com/ReiletaI/callguard/internal/signaling"
)

var errBadRequest = errors.New("bad request")

// handle executes one client frame against the store and replies.
func (c *Conn) handle(f *signaling.Frame) {
	c.server.metrics.RelayFrames.WithLabelValues(f.Type).Inc()
	store := c.server.store
	ctx := c.ctx

	reply := &signaling.Frame{Type: signaling.FrameReply, Seq: f.Seq}
	var err error

	switch f.Type {
	case signaling.FrameCreateRoom:
		var p signaling.CreateRoomPayload
		if err = f.DecodePayload(&p); err == nil {
			err = store.CreateRoom(ctx, f.RoomID, p.Offer, p.AgentUsername)
		}

	case signaling.FrameGetRoom:
		var room *signaling.Room
		if room, err = store.GetRoom(ctx, f.RoomID); err == nil {
			err = reply.SetPayload(signaling.RoomEvent{Room: room})
		}

	case signaling.FramePublishAnswer:
		var answer signaling.SessionDescription
		if err = f.DecodePayload(&answer); err == nil {
			err = store.PublishAnswer(ctx, f.RoomID, answer)
		}

	case signaling.FrameSetStatus:
		var change signaling.StatusChange
		if err = f.DecodePayload(&change); err == nil {
			err = store.SetStatus(ctx, f.RoomID, change)
		}

	case signaling.FrameAppendCandidate:
		var cand signaling.Candidate
		if !f.Side.Valid() {
			err = errBadRequest
		} else if err = f.DecodePayload(&cand); err == nil {
			err = store.AppendCandidate(ctx, f.RoomID, f.Side, cand)
		}

	case signaling.FramePurgeCandidates:
		if !f.Side.Valid() {
			err = errBadRequest
		} else {
			err = store.PurgeCandidates(ctx, f.RoomID, f.Side)
		}

	case signaling.FrameFindWaiting:
		var room *signaling.Room
		if room, err = store.FindWaitingRoom(ctx); err == nil {
			err = reply.SetPayload(signaling.RoomEvent{Room: room})
		}

	case signaling.FrameSubscribeRoom:
		sub := f.Sub
		c.track(sub, store.SubscribeRoom(ctx, f.RoomID,
			func(room *signaling.Room) { c.roomEvent(sub, room) },
			func(err error) { c.subError(sub, err) }))

	case signaling.FrameSubscribeCandidates:
		if !f.Side.Valid() {
			err = errBadRequest
			break
		}
		sub := f.Sub
		c.track(sub, store.SubscribeCandidates(ctx, f.RoomID, f.Side,
			func(cand signaling.Candidate) { c.candidateEvent(sub, cand) },
			func(err error) { c.subError(sub, err) }))

	case signaling.FrameSubscribeWaiting:
		sub := f.Sub
		c.track(sub, store.SubscribeWaitingRooms(ctx,
			func(room *signaling.Room) { c.roomEvent(sub, room) },
			func(err error) { c.subError(sub, err) }))

	case signaling.FrameUnsubscribe:
		if unsubscribe, ok := c.subs[f.Sub]; ok {
			unsubscribe()
			delete(c.subs, f.Sub)
		}
		return

	default:
		c.log.Debug("unknown frame type", zap.String("type", f.Type))
		err = errBadRequest
	}

	if err != nil {
		reply.SetError(err)
		if errors.Is(err, errBadRequest) {
			reply.Code = signaling.CodeBadRequest
		}
	}
	c.enqueue(reply)
}

func (c *Conn) track(sub uint64, unsubscribe func()) {
	if old, ok := c.subs[sub]; ok {
		old()
	}
	c.subs[sub] = unsubscribe
}

func (c *Conn) roomEvent(sub uint64, room *signaling.Room) {
	f := &signaling.Frame{Type: signaling.FrameRoomEvent, Sub: sub}
	if err := f.SetPayload(signaling.RoomEvent{Room: room}); err != nil {
		c.log.Warn("encode room event", zap.Error(err))
		return
	}
	c.enqueue(f)
}

func (c *Conn) candidateEvent(sub uint64, cand signaling.Candidate) {
	f := &signaling.Frame{Type: signaling.FrameCandidateEvent, Sub: sub}
	if err := f.SetPayload(cand); err != nil {
		c.log.Warn("encode candidate event", zap.Error(err))
		return
	}
	c.enqueue(f)
}

func (c *Conn) subError(sub uint64, err error) {
	f := &signaling.Frame{Type: signaling.FrameSubError, Sub: sub}
	f.SetError(err)
	c.enqueue(f)
}
