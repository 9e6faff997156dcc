// Package session runs the lifecycle of agent and client calls: arming a
// room or joining one, negotiating the peer connection over the signaling
// channel, and tearing everything down again in a fixed order.
package session

import (
	"context"
	"errors"
	"strings"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/ReiletaI/callguard/internal/backend"
	"github.com/ReiletaI/callguard/internal/callerr"
	"github.com/ReiletaI/callguard/internal/media"
	"github.com/ReiletaI/callguard/internal/metrics"
	"github.com/ReiletaI/callguard/internal/report"
	"github.com/ReiletaI/callguard/internal/signaling"
	"github.com/ReiletaI/callguard/internal/transport"
)

var (
	ErrBusy           = errors.New("a session is already in progress")
	ErrWrongRole      = errors.New("operation not available for this role")
	ErrStopped        = errors.New("coordinator stopped")
	ErrNoSession      = errors.New("no active session")
	ErrRoomIDRequired = errors.New("room id is required")
)

const (
	defaultStaleAfter   = 15 * time.Minute
	defaultRearmDelay   = 1500 * time.Millisecond
	defaultRetryDelay   = 2 * time.Second
	defaultWriteTimeout = 10 * time.Second

	// maxStaleSkips bounds how many stale rooms one search expires before
	// falling back to waiting for a fresh one.
	maxStaleSkips = 5

	inboxSize  = 128
	eventsSize = 256
)

// Peer is one session's transport. *transport.Peer implements it.
type Peer interface {
	RemoteStream() *media.Stream
	AddLocalTracks(c *media.Capture) error
	CreateOffer(ctx context.Context) (signaling.SessionDescription, error)
	AcceptOffer(ctx context.Context, offer signaling.SessionDescription) (signaling.SessionDescription, error)
	SetRemoteAnswer(ctx context.Context, answer signaling.SessionDescription) error
	AddRemoteCandidate(c signaling.Candidate) error
	OnLocalCandidate(fn func(signaling.Candidate))
	OnRemoteAudio(fn func(*media.Stream))
	OnStateChange(fn func(transport.State))
	Close()
}

// Opener creates the transport for a new session.
type Opener func(ctx context.Context) (Peer, error)

// Deps are the collaborators a coordinator drives.
type Deps struct {
	Channel     signaling.Channel
	Open        Opener
	Media       media.Source
	Transcriber backend.Transcriber
	Recordings  backend.RecordingSink
	Reporter    *report.Reporter
	Logger      *zap.Logger
}

// Config holds the coordinator's timing policy.
type Config struct {
	Role          Role
	AgentUsername string

	StaleAfter time.Duration
	RearmDelay time.Duration
	// RetryDelay replaces RearmDelay after a transport failure.
	RetryDelay time.Duration
	// NegotiationTimeout bounds Connecting. Zero disables it.
	NegotiationTimeout time.Duration
	// WriteTimeout bounds each signaling and backend call made during
	// teardown.
	WriteTimeout time.Duration

	SegmentLength time.Duration
	SegmentRearm  time.Duration
	FlushWait     time.Duration

	Clock func() time.Time
}

type endReason string

const (
	reasonLocal       endReason = "local"
	reasonRemote      endReason = "remote"
	reasonFailed      endReason = "failed"
	reasonExpired     endReason = "expired"
	reasonInvalid     endReason = "invalid"
	reasonUnavailable endReason = "unavailable"
	reasonError       endReason = "error"
	reasonShutdown    endReason = "shutdown"
)

// message is one unit of work for the event loop. Results of async steps
// carry the generation they were started under and are dropped, with
// release called, once that generation is gone.
type message struct {
	gen     uint64
	always  bool
	apply   func()
	release func()
}

// Coordinator owns every session of one role. All session state is
// touched only by the Run goroutine; everything else talks to it through
// the inbox.
type Coordinator struct {
	role    Role
	cfg     Config
	deps    Deps
	log     *zap.Logger
	metrics *metrics.Metrics
	now     func() time.Time

	inbox   chan message
	events  chan Event
	done    chan struct{}
	running atomic.Bool

	// Owned by Run.
	state     State
	gen       uint64
	sess      *session
	tearing   *session
	available bool
	rearm     *time.Timer
}

// New creates a coordinator. Run must be called before any command
// completes.
func New(cfg Config, deps Deps) *Coordinator {
	if cfg.StaleAfter <= 0 {
		cfg.StaleAfter = defaultStaleAfter
	}
	if cfg.RearmDelay <= 0 {
		cfg.RearmDelay = defaultRearmDelay
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = defaultRetryDelay
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = defaultWriteTimeout
	}
	if cfg.AgentUsername == "" {
		cfg.AgentUsername = "agent"
	}
	now := cfg.Clock
	if now == nil {
		now = time.Now
	}
	log := deps.Logger
	if log == nil {
		log = zap.NewNop()
	}

	return &Coordinator{
		role:    cfg.Role,
		cfg:     cfg,
		deps:    deps,
		log:     log.With(zap.String("role", cfg.Role.Name)),
		metrics: metrics.DefaultMetrics,
		now:     now,
		inbox:   make(chan message, inboxSize),
		events:  make(chan Event, eventsSize),
		done:    make(chan struct{}),
	}
}

// Events delivers state changes, ticks, transcript entries and notices.
// Events are dropped rather than blocking the loop when nobody reads.
func (c *Coordinator) Events() <-chan Event { return c.events }

// Done is closed once Run has returned.
func (c *Coordinator) Done() <-chan struct{} { return c.done }

// Run processes commands and async results until ctx is cancelled. On the
// way out the current session is torn down.
func (c *Coordinator) Run(ctx context.Context) error {
	if !c.running.CompareAndSwap(false, true) {
		return errors.New("session: coordinator already running")
	}
	defer c.drain()

	c.log.Info("coordinator started")
	for {
		select {
		case <-ctx.Done():
			c.shutdown()
			return nil
		case m := <-c.inbox:
			if !m.always && m.gen != c.gen {
				if m.release != nil {
					m.release()
				}
				continue
			}
			m.apply()
		}
	}
}

func (c *Coordinator) shutdown() {
	c.available = false
	c.stopRearm()
	if c.sess != nil {
		c.end(c.sess, reasonShutdown, nil)
	}
	if s := c.tearing; s != nil {
		<-s.torn
		c.finish(s)
	}
	c.log.Info("coordinator stopped")
}

func (c *Coordinator) drain() {
	close(c.done)
	for {
		select {
		case m := <-c.inbox:
			if m.release != nil {
				m.release()
			}
		default:
			return
		}
	}
}

// exec runs fn on the loop and waits for its result.
func (c *Coordinator) exec(fn func() error) error {
	errc := make(chan error, 1)
	m := message{always: true, apply: func() { errc <- fn() }}
	select {
	case c.inbox <- m:
	case <-c.done:
		return ErrStopped
	}
	select {
	case err := <-errc:
		return err
	case <-c.done:
		return ErrStopped
	}
}

// post hands an async result back to the loop.
func (c *Coordinator) post(gen uint64, apply, release func()) {
	if apply == nil {
		return
	}
	select {
	case <-c.done:
		if release != nil {
			release()
		}
		return
	default:
	}
	select {
	case c.inbox <- message{gen: gen, apply: apply, release: release}:
	case <-c.done:
		if release != nil {
			release()
		}
	}
}

// deliver queues fn regardless of generation.
func (c *Coordinator) deliver(fn func()) {
	select {
	case c.inbox <- message{always: true, apply: fn}:
	case <-c.done:
	}
}

// spawn runs work off the loop. The returned apply runs on the loop if s
// is still current, otherwise release runs instead.
func (c *Coordinator) spawn(s *session, work func(ctx context.Context) (apply, release func())) {
	go func() {
		apply, release := work(s.ctx)
		c.post(s.gen, apply, release)
	}()
}

func (c *Coordinator) emit(ev Event) {
	select {
	case c.events <- ev:
	default:
		c.log.Debug("event dropped", zap.Stringer("kind", ev.Kind))
	}
}

func (c *Coordinator) notice(msg string) {
	c.emit(Event{Kind: EventNotice, Message: msg})
}

func (c *Coordinator) setState(st State) {
	if c.state == st {
		return
	}
	c.state = st
	c.metrics.StateTransitions.WithLabelValues(c.role.Name, st.String()).Inc()

	var roomID string
	if s := c.current(); s != nil {
		roomID = s.roomID
	}
	c.log.Info("state changed", zap.Stringer("state", st), zap.String("room", roomID))
	c.emit(Event{Kind: EventStateChanged, State: st, RoomID: roomID})
}

// current is the live session, or the one being torn down.
func (c *Coordinator) current() *session {
	if c.sess != nil {
		return c.sess
	}
	return c.tearing
}

// begin starts a new session attempt.
func (c *Coordinator) begin(st State) *session {
	c.stopRearm()
	c.gen++
	s := newSession(c.gen)
	s.armedAt = c.now()
	c.sess = s
	c.setState(st)
	return s
}

// SetAvailable toggles whether the agent takes calls. Going available arms
// a room; going unavailable ends whatever session is running and stops
// re-arming.
func (c *Coordinator) SetAvailable(on bool) error {
	if !c.role.AutoRearm {
		return ErrWrongRole
	}
	return c.exec(func() error {
		if on {
			if c.available {
				if c.state == StateArming {
					return ErrBusy
				}
				return nil
			}
			c.available = true
			if c.state == StateIdle {
				c.arm()
			}
			return nil
		}

		if !c.available {
			return nil
		}
		c.available = false
		c.stopRearm()
		if c.sess != nil {
			c.end(c.sess, reasonUnavailable, nil)
		}
		return nil
	})
}

// Join answers the room with the given id.
func (c *Coordinator) Join(roomID string) error {
	if c.role.CreatesRoom {
		return ErrWrongRole
	}
	roomID = strings.TrimSpace(roomID)
	if roomID == "" {
		return ErrRoomIDRequired
	}
	return c.exec(func() error {
		if c.state.Busy() {
			return ErrBusy
		}
		s := c.begin(StateJoiningSpecific)
		c.lookup(s, roomID)
		return nil
	})
}

// JoinAny joins the oldest waiting room, waiting for one if none exists.
func (c *Coordinator) JoinAny() error {
	if c.role.CreatesRoom {
		return ErrWrongRole
	}
	return c.exec(func() error {
		if c.state.Busy() {
			return ErrBusy
		}
		s := c.begin(StateSearching)
		c.search(s)
		return nil
	})
}

// End hangs up the current session. Ending twice is harmless.
func (c *Coordinator) End() error {
	return c.exec(func() error {
		if c.sess != nil {
			c.end(c.sess, reasonLocal, nil)
		}
		return nil
	})
}

// ToggleMute flips the local microphone and returns the new state.
func (c *Coordinator) ToggleMute() (bool, error) {
	var muted bool
	err := c.exec(func() error {
		s := c.sess
		if s == nil || s.capture == nil {
			return ErrNoSession
		}
		muted = !s.capture.Muted()
		s.capture.SetMuted(muted)
		c.log.Info("microphone toggled", zap.Bool("muted", muted))
		return nil
	})
	return muted, err
}

// Snapshot returns the coordinator's current state.
func (c *Coordinator) Snapshot() (Snapshot, error) {
	var snap Snapshot
	err := c.exec(func() error {
		snap = Snapshot{
			Role:      c.role.Name,
			State:     c.state,
			Available: c.available,
		}
		if s := c.current(); s != nil {
			snap.RoomID = s.roomID
			if s.capture != nil {
				snap.Muted = s.capture.Muted()
			}
			if !s.connectedAt.IsZero() {
				end := c.now()
				if !s.endedAt.IsZero() {
					end = s.endedAt
				}
				snap.Duration = end.Sub(s.connectedAt).Truncate(time.Second)
			}
			if s.pipeline != nil {
				snap.Transcript = s.pipeline.Transcript().Entries()
			}
		}
		return nil
	})
	return snap, err
}

func (c *Coordinator) stopRearm() {
	if c.rearm != nil {
		c.rearm.Stop()
		c.rearm = nil
	}
}

// scheduleRearm arms a fresh room after a finished session while the agent
// is still available.
func (c *Coordinator) scheduleRearm(reason endReason) {
	if !c.role.AutoRearm || !c.available {
		return
	}
	delay := c.cfg.RearmDelay
	if reason == reasonFailed {
		delay = c.cfg.RetryDelay
	}

	var t *time.Timer
	t = time.AfterFunc(delay, func() {
		c.deliver(func() {
			if c.rearm != t {
				return
			}
			c.rearm = nil
			if c.available && c.state == StateIdle {
				c.metrics.Rearms.Inc()
				c.arm()
			}
		})
	})
	c.rearm = t
	c.log.Debug("re-arm scheduled", zap.Duration("delay", delay))
}

// classify tags err with kind unless something below already did.
func classify(op string, kind callerr.Kind, err error) error {
	if callerr.KindOf(err) != callerr.KindUnknown {
		return err
	}
	return callerr.NewError(op, kind, err)
}
