package signaling

import (
	"context"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/ReiletaI/callguard/internal/callerr"
)

type watchKind int

const (
	watchRoom watchKind = iota
	watchCandidates
	watchWaiting
)

// watcher is one live subscription on the hub.
type watcher struct {
	kind   watchKind
	roomID string
	side   Side

	onRoom      RoomFunc
	onCandidate CandidateFunc

	q *queue
}

// Hub is an in-process document store implementing Channel. It backs the
// relay server and the tests.
//
// All state is owned by the goroutine running Run; public methods hand it
// closures over the exec channel and wait for the result.
type Hub struct {
	rooms      map[string]*Room
	candidates map[string]map[Side][]Candidate
	watchers   map[*watcher]struct{}

	register   chan *watcher
	unregister chan *watcher
	exec       chan func()
	done       chan struct{}
	closeOnce  sync.Once

	now func() time.Time
	log *zap.Logger
}

// HubOption configures a Hub.
type HubOption func(*Hub)

// WithClock replaces the clock used for createdAt and endedAt.
func WithClock(now func() time.Time) HubOption {
	return func(h *Hub) { h.now = now }
}

// WithHubLogger sets the hub's logger.
func WithHubLogger(log *zap.Logger) HubOption {
	return func(h *Hub) { h.log = log }
}

// NewHub creates a new Hub instance. Start it with go hub.Run().
func NewHub(opts ...HubOption) *Hub {
	h := &Hub{
		rooms:      make(map[string]*Room),
		candidates: make(map[string]map[Side][]Candidate),
		watchers:   make(map[*watcher]struct{}),
		register:   make(chan *watcher),
		unregister: make(chan *watcher),
		exec:       make(chan func()),
		done:       make(chan struct{}),
		now:        time.Now,
		log:        zap.NewNop(),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Run starts the hub's main processing loop.
// This is the single goroutine that safely manages all state.
func (h *Hub) Run() {
	for {
		select {
		case w := <-h.register:
			h.watchers[w] = struct{}{}
			h.deliverInitial(w)

		case w := <-h.unregister:
			if _, ok := h.watchers[w]; ok {
				delete(h.watchers, w)
				w.q.close(false)
			}

		case fn := <-h.exec:
			fn()

		case <-h.done:
			for w := range h.watchers {
				w.q.close(false)
			}
			h.watchers = nil
			return
		}
	}
}

// Close stops the hub. Pending subscriptions are dropped.
func (h *Hub) Close() error {
	h.closeOnce.Do(func() { close(h.done) })
	return nil
}

// do runs fn on the hub goroutine and waits for its result.
func (h *Hub) do(ctx context.Context, fn func() error) error {
	reply := make(chan error, 1)
	select {
	case h.exec <- func() { reply <- fn() }:
	case <-ctx.Done():
		return ctx.Err()
	case <-h.done:
		return callerr.ErrChannelClosed
	}

	select {
	case err := <-reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (h *Hub) CreateRoom(ctx context.Context, id string, offer SessionDescription, agentUsername string) error {
	err := h.do(ctx, func() error {
		if _, ok := h.rooms[id]; ok {
			return ErrRoomExists
		}
		o := offer
		h.rooms[id] = &Room{
			ID:            id,
			Status:        StatusWaiting,
			Offer:         &o,
			AgentUsername: agentUsername,
			CreatedAt:     h.now(),
		}
		h.log.Debug("room created", zap.String("room", id))
		h.notifyRoom(id)
		h.notifyWaiting()
		return nil
	})
	return writeError("create room", err)
}

func (h *Hub) GetRoom(ctx context.Context, id string) (*Room, error) {
	var room *Room
	err := h.do(ctx, func() error {
		r, ok := h.rooms[id]
		if !ok {
			return ErrRoomNotFound
		}
		room = cloneRoom(r)
		return nil
	})
	return room, err
}

func (h *Hub) PublishAnswer(ctx context.Context, id string, answer SessionDescription) error {
	err := h.do(ctx, func() error {
		r, ok := h.rooms[id]
		if !ok {
			return ErrRoomNotFound
		}
		if r.Status != StatusWaiting {
			return ErrRoomNotAvailable
		}
		a := answer
		r.Answer = &a
		r.Status = StatusConnected
		h.notifyRoom(id)
		return nil
	})
	return writeError("publish answer", err)
}

func (h *Hub) SetStatus(ctx context.Context, id string, change StatusChange) error {
	err := h.do(ctx, func() error {
		r, ok := h.rooms[id]
		if !ok {
			return ErrRoomNotFound
		}
		if r.Status.Terminal() {
			return ErrRoomTerminal
		}
		r.Status = change.Status
		if change.Status.Terminal() {
			r.EndedAt = h.now()
		}
		if change.CallDuration != nil {
			r.CallDuration = *change.CallDuration
		}
		if change.ProperlyTerminated {
			r.ProperlyTerminated = true
		}
		h.notifyRoom(id)
		return nil
	})
	return writeError("set status", err)
}

func (h *Hub) AppendCandidate(ctx context.Context, id string, side Side, c Candidate) error {
	err := h.do(ctx, func() error {
		sides, ok := h.candidates[id]
		if !ok {
			sides = make(map[Side][]Candidate)
			h.candidates[id] = sides
		}
		sides[side] = append(sides[side], c)

		for w := range h.watchers {
			w := w
			if w.kind == watchCandidates && w.roomID == id && w.side == side {
				cand := c
				w.q.push(func() { w.onCandidate(cand) })
			}
		}
		return nil
	})
	return writeError("append candidate", err)
}

func (h *Hub) PurgeCandidates(ctx context.Context, id string, side Side) error {
	return h.do(ctx, func() error {
		if sides, ok := h.candidates[id]; ok {
			delete(sides, side)
			if len(sides) == 0 {
				delete(h.candidates, id)
			}
		}
		return nil
	})
}

func (h *Hub) FindWaitingRoom(ctx context.Context) (*Room, error) {
	var room *Room
	err := h.do(ctx, func() error {
		if r := h.oldestWaiting(); r != nil {
			room = cloneRoom(r)
		}
		return nil
	})
	return room, err
}

func (h *Hub) SubscribeRoom(ctx context.Context, id string, onChange RoomFunc, onError ErrorFunc) func() {
	return h.subscribe(ctx, &watcher{kind: watchRoom, roomID: id, onRoom: onChange}, onError)
}

func (h *Hub) SubscribeCandidates(ctx context.Context, id string, side Side, onAdded CandidateFunc, onError ErrorFunc) func() {
	return h.subscribe(ctx, &watcher{kind: watchCandidates, roomID: id, side: side, onCandidate: onAdded}, onError)
}

func (h *Hub) SubscribeWaitingRooms(ctx context.Context, onFirst RoomFunc, onError ErrorFunc) func() {
	return h.subscribe(ctx, &watcher{kind: watchWaiting, onRoom: onFirst}, onError)
}

func (h *Hub) subscribe(ctx context.Context, w *watcher, onError ErrorFunc) func() {
	w.q = newQueue()

	select {
	case h.register <- w:
	case <-ctx.Done():
		w.q.close(false)
		if onError != nil {
			onError(ctx.Err())
		}
		return func() {}
	case <-h.done:
		w.q.close(false)
		if onError != nil {
			onError(callerr.ErrChannelClosed)
		}
		return func() {}
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			select {
			case h.unregister <- w:
			case <-h.done:
			}
		})
	}
}

// deliverInitial sends the current state to a fresh watcher, the way a
// document store fires a listener once on attach.
func (h *Hub) deliverInitial(w *watcher) {
	switch w.kind {
	case watchRoom:
		room := cloneRoom(h.rooms[w.roomID])
		w.q.push(func() { w.onRoom(room) })

	case watchCandidates:
		for _, c := range h.candidates[w.roomID][w.side] {
			cand := c
			w.q.push(func() { w.onCandidate(cand) })
		}

	case watchWaiting:
		h.notifyWaiting()
	}
}

func (h *Hub) notifyRoom(id string) {
	for w := range h.watchers {
		w := w
		if w.kind == watchRoom && w.roomID == id {
			room := cloneRoom(h.rooms[id])
			w.q.push(func() { w.onRoom(room) })
		}
	}
}

// notifyWaiting hands the oldest waiting room to every waiting-room watcher
// and retires them, so a searcher can never be told twice.
func (h *Hub) notifyWaiting() {
	r := h.oldestWaiting()
	if r == nil {
		return
	}
	for w := range h.watchers {
		w := w
		if w.kind != watchWaiting {
			continue
		}
		room := cloneRoom(r)
		w.q.push(func() { w.onRoom(room) })
		w.q.close(true)
		delete(h.watchers, w)
	}
}

func (h *Hub) oldestWaiting() *Room {
	var waiting []*Room
	for _, r := range h.rooms {
		if r.Status == StatusWaiting {
			waiting = append(waiting, r)
		}
	}
	if len(waiting) == 0 {
		return nil
	}
	sort.Slice(waiting, func(i, j int) bool {
		if waiting[i].CreatedAt.Equal(waiting[j].CreatedAt) {
			return waiting[i].ID < waiting[j].ID
		}
		return waiting[i].CreatedAt.Before(waiting[j].CreatedAt)
	})
	return waiting[0]
}

func cloneRoom(r *Room) *Room {
	if r == nil {
		return nil
	}
	c := *r
	if r.Offer != nil {
		o := *r.Offer
		c.Offer = &o
	}
	if r.Answer != nil {
		a := *r.Answer
		c.Answer = &a
	}
	return &c
}

// queue delivers callbacks for one subscription in order, off the hub
// goroutine, so a slow subscriber never stalls the hub.
type queue struct {
	mu     sync.Mutex
	items  []func()
	wake   chan struct{}
	closed bool
}

func newQueue() *queue {
	q := &queue{wake: make(chan struct{}, 1)}
	go q.run()
	return q
}

func (q *queue) push(fn func()) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.items = append(q.items, fn)
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

// close stops the queue. Pending callbacks are dropped unless drain is set.
func (q *queue) close(drain bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.closed = true
	if !drain {
		q.items = nil
	}
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

func (q *queue) run() {
	for range q.wake {
		for {
			q.mu.Lock()
			if len(q.items) == 0 {
				closed := q.closed
				q.mu.Unlock()
				if closed {
					return
				}
				break
			}
			fn := q.items[0]
			q.items[0] = nil
			q.items = q.items[1:]
			q.mu.Unlock()
			fn()
		}
	}
}
