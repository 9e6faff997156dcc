package session

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"github.com/ReiletaI/callguard/internal/backend"
	"github.com/ReiletaI/callguard/internal/callerr"
	"github.com/ReiletaI/callguard/internal/metrics"
	"github.com/ReiletaI/callguard/internal/recording"
	"github.com/ReiletaI/callguard/internal/report"
	"github.com/ReiletaI/callguard/internal/signaling"
)

// end starts tearing s down. Only the first call for a session does
// anything; the session stops being current right away, so every late
// result of it is discarded.
func (c *Coordinator) end(s *session, reason endReason, cause error) {
	if s == nil || s != c.sess {
		return
	}
	c.sess = nil
	c.gen++
	c.tearing = s

	s.reason, s.cause = reason, cause
	s.endedAt = c.now()
	s.detach()

	// A setup failure turns the agent unavailable instead of retrying in a
	// loop; the user has to toggle again.
	if cause != nil && c.role.AutoRearm && !s.published {
		c.available = false
	}

	if cause != nil {
		c.log.Warn("session aborted",
			zap.String("room", s.roomID),
			zap.String("reason", string(reason)),
			zap.Stringer("kind", callerr.KindOf(cause)),
			zap.Error(cause))
	} else {
		c.log.Info("session ending", zap.String("room", s.roomID), zap.String("reason", string(reason)))
	}
	c.setState(StateEnding)

	go func() {
		c.teardown(s)
		c.deliver(func() { c.finish(s) })
	}()
}

// teardown releases a session's resources in order: recorders, transport
// and capture, the recording upload, the call record, the final room
// status and the candidates.
func (c *Coordinator) teardown(s *session) {
	defer close(s.torn)
	log := c.log.With(zap.String("room", s.roomID))

	var rec *recording.Recording
	if s.pipeline != nil {
		rec = s.pipeline.Stop()
	}
	if s.peer != nil {
		s.peer.Close()
	}
	if s.capture != nil {
		if err := s.capture.Close(); err != nil {
			log.Debug("capture close", zap.Error(err))
		}
	}

	if rec != nil {
		c.persist(log, rec)
	}

	summary := report.Summary{
		AgentUsername: c.cfg.AgentUsername,
		RoomID:        s.roomID,
		Start:         s.connectedAt,
		End:           s.endedAt,
	}
	if c.role.Reports && s.answered && c.deps.Reporter != nil {
		ctx, cancel := c.writeContext()
		if _, err := c.deps.Reporter.Report(ctx, summary); err != nil {
			c.notice(callerr.UserMessage(err))
		}
		cancel()
	}

	if !s.published {
		return
	}
	c.writeFinalStatus(log, s, summary.Duration())
	c.purgeCandidates(log, s.roomID)
	log.Info("session torn down", zap.String("reason", string(s.reason)))
}

func (c *Coordinator) persist(log *zap.Logger, rec *recording.Recording) {
	if c.deps.Recordings == nil {
		return
	}
	ctx, cancel := c.writeContext()
	defer cancel()

	res := c.deps.Recordings.SaveRecording(ctx, backend.RecordingRequest{Audio: rec.Audio, RoomID: rec.RoomID})
	c.metrics.RecordingsPersisted.WithLabelValues(metrics.Result(res.OK())).Inc()
	if !res.OK() {
		log.Warn("failed to persist recording", zap.Int("bytes", len(rec.Audio)), zap.Error(res.Err()))
		c.notice("The call recording could not be saved.")
		return
	}
	log.Info("recording persisted", zap.Int("bytes", len(rec.Audio)), zap.String("file", res.Value.FileID))
}

func (c *Coordinator) writeFinalStatus(log *zap.Logger, s *session, duration int) {
	if s.reason == reasonExpired {
		return
	}
	change := signaling.StatusChange{Status: signaling.StatusEnded}
	if c.role.FinalStats {
		change.CallDuration = &duration
		change.ProperlyTerminated = true
	}

	ctx, cancel := c.writeContext()
	defer cancel()
	err := c.deps.Channel.SetStatus(ctx, s.roomID, change)
	switch {
	case err == nil:
	case errors.Is(err, signaling.ErrRoomTerminal):
		log.Debug("room already terminal")
	default:
		c.metrics.SignalingErrors.WithLabelValues("set_status").Inc()
		log.Warn("failed to update room status", zap.Error(err))
	}
}

func (c *Coordinator) purgeCandidates(log *zap.Logger, id string) {
	ctx, cancel := c.writeContext()
	defer cancel()
	for _, side := range []signaling.Side{signaling.SideCaller, signaling.SideCallee} {
		if err := c.deps.Channel.PurgeCandidates(ctx, id, side); err != nil {
			c.metrics.SignalingErrors.WithLabelValues("purge_candidates").Inc()
			log.Warn("failed to purge candidates", zap.String("side", string(side)), zap.Error(err))
		}
	}
}

func (c *Coordinator) writeContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), c.cfg.WriteTimeout)
}

// finish runs on the loop once teardown is complete.
func (c *Coordinator) finish(s *session) {
	if c.tearing != s {
		return
	}
	c.tearing = nil

	c.metrics.SessionsEnded.WithLabelValues(c.role.Name, string(s.reason)).Inc()
	if !s.connectedAt.IsZero() {
		c.metrics.CallDuration.Observe(s.endedAt.Sub(s.connectedAt).Seconds())
	}

	c.setState(StateIdle)
	if s.cause != nil {
		c.emit(Event{Kind: EventFailed, RoomID: s.roomID, Message: callerr.UserMessage(s.cause), Err: s.cause})
	}
	if s.reason != reasonShutdown {
		c.scheduleRearm(s.reason)
	}
}
