package signaling

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/ReiletaI/callguard/internal/callerr"
	"github.com/ReiletaI/callguard/internal/dns"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 64 * 1024
	handshakeWait  = 10 * time.Second
)

// relaySub is a subscription opened on the relay server.
type relaySub struct {
	onRoom      RoomFunc
	onCandidate CandidateFunc
	onError     ErrorFunc
	oneShot     bool
	q           *queue
}

// Relay is a Channel served by `callguard relay` over a websocket.
type Relay struct {
	conn     *websocket.Conn
	outgoing chan []byte
	done     chan struct{}
	closed   sync.Once

	seq     atomic.Uint64
	mu      sync.Mutex
	pending map[uint64]chan *Frame
	subs    map[uint64]*relaySub

	log *zap.Logger
}

// DialRelay connects to the relay server at url.
func DialRelay(ctx context.Context, url string, log *zap.Logger) (*Relay, error) {
	dialer := websocket.Dialer{
		NetDialContext:   dns.DialContext,
		HandshakeTimeout: handshakeWait,
	}

	conn, _, err := dialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, callerr.NewError("connect to relay", callerr.KindSignaling, err)
	}

	r := &Relay{
		conn:     conn,
		outgoing: make(chan []byte, 16),
		done:     make(chan struct{}),
		pending:  make(map[uint64]chan *Frame),
		subs:     make(map[uint64]*relaySub),
		log:      log,
	}

	conn.SetReadLimit(maxMessageSize)
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	go r.readPump()
	go r.writePump()

	log.Info("relay signaling connected", zap.String("url", url))
	return r, nil
}

// readPump reads frames from the websocket and routes them to waiting
// requests and subscriptions.
func (r *Relay) readPump() {
	defer r.shutdown()

	_ = r.conn.SetReadDeadline(time.Now().Add(pongWait))
	for {
		_, data, err := r.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				r.log.Warn("relay connection lost", zap.Error(err))
			}
			return
		}

		f, err := DecodeFrame(data)
		if err != nil {
			r.log.Warn("dropping undecodable frame", zap.Error(err))
			continue
		}
		r.route(f)
	}
}

// writePump writes queued frames and sends periodic pings.
func (r *Relay) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		r.conn.Close()
	}()

	for {
		select {
		case msg := <-r.outgoing:
			_ = r.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := r.conn.WriteMessage(websocket.BinaryMessage, msg); err != nil {
				return
			}

		case <-ticker.C:
			_ = r.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := r.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}

		case <-r.done:
			_ = r.conn.SetWriteDeadline(time.Now().Add(writeWait))
			_ = r.conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		}
	}
}

func (r *Relay) route(f *Frame) {
	switch f.Type {
	case FrameReply:
		r.mu.Lock()
		ch, ok := r.pending[f.Seq]
		delete(r.pending, f.Seq)
		r.mu.Unlock()
		if ok {
			ch <- f
		}

	case FrameRoomEvent:
		sub := r.lookup(f.Sub)
		if sub == nil || sub.onRoom == nil {
			return
		}
		var ev RoomEvent
		if err := f.DecodePayload(&ev); err != nil {
			r.log.Warn("bad room event", zap.Error(err))
			return
		}
		if sub.oneShot {
			r.drop(f.Sub, true)
			sub.q.push(func() { sub.onRoom(ev.Room) })
			sub.q.close(true)
			return
		}
		sub.q.push(func() { sub.onRoom(ev.Room) })

	case FrameCandidateEvent:
		sub := r.lookup(f.Sub)
		if sub == nil || sub.onCandidate == nil {
			return
		}
		var c Candidate
		if err := f.DecodePayload(&c); err != nil {
			r.log.Warn("bad candidate event", zap.Error(err))
			return
		}
		sub.q.push(func() { sub.onCandidate(c) })

	case FrameSubError:
		sub := r.lookup(f.Sub)
		if sub == nil {
			return
		}
		r.drop(f.Sub, false)
		err := f.Err()
		sub.q.push(func() {
			if sub.onError != nil {
				sub.onError(err)
			}
		})
		sub.q.close(true)

	default:
		r.log.Debug("ignoring frame", zap.String("type", f.Type))
	}
}

func (r *Relay) lookup(id uint64) *relaySub {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.subs[id]
}

// drop forgets a subscription and optionally tells the server.
func (r *Relay) drop(id uint64, notify bool) {
	r.mu.Lock()
	_, ok := r.subs[id]
	delete(r.subs, id)
	r.mu.Unlock()

	if ok && notify {
		r.send(&Frame{Type: FrameUnsubscribe, Sub: id})
	}
}

// shutdown fails everything still waiting on the connection.
func (r *Relay) shutdown() {
	r.closed.Do(func() { close(r.done) })

	r.mu.Lock()
	pending := r.pending
	subs := r.subs
	r.pending = make(map[uint64]chan *Frame)
	r.subs = make(map[uint64]*relaySub)
	r.mu.Unlock()

	for _, ch := range pending {
		close(ch)
	}
	for _, sub := range subs {
		sub := sub
		sub.q.push(func() {
			if sub.onError != nil {
				sub.onError(callerr.NewError("relay", callerr.KindSignaling, callerr.ErrChannelClosed))
			}
		})
		sub.q.close(true)
	}
}

// send queues a frame without waiting for a reply. Frames sent after the
// connection closed are dropped.
func (r *Relay) send(f *Frame) {
	data, err := EncodeFrame(f)
	if err != nil {
		r.log.Warn("encode frame", zap.String("type", f.Type), zap.Error(err))
		return
	}
	select {
	case r.outgoing <- data:
	case <-r.done:
	}
}

// request sends f and waits for the matching reply.
func (r *Relay) request(ctx context.Context, f *Frame) (*Frame, error) {
	f.Seq = r.seq.Add(1)
	data, err := EncodeFrame(f)
	if err != nil {
		return nil, err
	}

	select {
	case <-r.done:
		return nil, callerr.NewError(f.Type, callerr.KindSignaling, callerr.ErrChannelClosed)
	default:
	}

	reply := make(chan *Frame, 1)
	r.mu.Lock()
	r.pending[f.Seq] = reply
	r.mu.Unlock()

	forget := func() {
		r.mu.Lock()
		delete(r.pending, f.Seq)
		r.mu.Unlock()
	}

	select {
	case r.outgoing <- data:
	case <-ctx.Done():
		forget()
		return nil, ctx.Err()
	case <-r.done:
		forget()
		return nil, callerr.NewError(f.Type, callerr.KindSignaling, callerr.ErrChannelClosed)
	}

	select {
	case resp, ok := <-reply:
		if !ok {
			return nil, callerr.NewError(f.Type, callerr.KindSignaling, callerr.ErrChannelClosed)
		}
		return resp, resp.Err()
	case <-ctx.Done():
		forget()
		return nil, ctx.Err()
	case <-r.done:
		forget()
		return nil, callerr.NewError(f.Type, callerr.KindSignaling, callerr.ErrChannelClosed)
	}
}

func (r *Relay) CreateRoom(ctx context.Context, id string, offer SessionDescription, agentUsername string) error {
	f := &Frame{Type: FrameCreateRoom, RoomID: id}
	if err := f.SetPayload(CreateRoomPayload{Offer: offer, AgentUsername: agentUsername}); err != nil {
		return err
	}
	_, err := r.request(ctx, f)
	return writeError("create room", err)
}

func (r *Relay) GetRoom(ctx context.Context, id string) (*Room, error) {
	resp, err := r.request(ctx, &Frame{Type: FrameGetRoom, RoomID: id})
	if err != nil {
		return nil, err
	}
	var ev RoomEvent
	if err := resp.DecodePayload(&ev); err != nil {
		return nil, fmt.Errorf("decode room: %w", err)
	}
	if ev.Room == nil {
		return nil, ErrRoomNotFound
	}
	return ev.Room, nil
}

func (r *Relay) PublishAnswer(ctx context.Context, id string, answer SessionDescription) error {
	f := &Frame{Type: FramePublishAnswer, RoomID: id}
	if err := f.SetPayload(answer); err != nil {
		return err
	}
	_, err := r.request(ctx, f)
	return writeError("publish answer", err)
}

func (r *Relay) SetStatus(ctx context.Context, id string, change StatusChange) error {
	f := &Frame{Type: FrameSetStatus, RoomID: id}
	if err := f.SetPayload(change); err != nil {
		return err
	}
	_, err := r.request(ctx, f)
	return writeError("set status", err)
}

func (r *Relay) AppendCandidate(ctx context.Context, id string, side Side, c Candidate) error {
	f := &Frame{Type: FrameAppendCandidate, RoomID: id, Side: side}
	if err := f.SetPayload(c); err != nil {
		return err
	}
	_, err := r.request(ctx, f)
	return writeError("append candidate", err)
}

func (r *Relay) PurgeCandidates(ctx context.Context, id string, side Side) error {
	_, err := r.request(ctx, &Frame{Type: FramePurgeCandidates, RoomID: id, Side: side})
	return err
}

func (r *Relay) FindWaitingRoom(ctx context.Context) (*Room, error) {
	resp, err := r.request(ctx, &Frame{Type: FrameFindWaiting})
	if err != nil {
		return nil, err
	}
	var ev RoomEvent
	if err := resp.DecodePayload(&ev); err != nil {
		return nil, fmt.Errorf("decode room: %w", err)
	}
	return ev.Room, nil
}

func (r *Relay) SubscribeRoom(ctx context.Context, id string, onChange RoomFunc, onError ErrorFunc) func() {
	return r.subscribe(ctx, &Frame{Type: FrameSubscribeRoom, RoomID: id},
		&relaySub{onRoom: onChange, onError: onError})
}

func (r *Relay) SubscribeCandidates(ctx context.Context, id string, side Side, onAdded CandidateFunc, onError ErrorFunc) func() {
	return r.subscribe(ctx, &Frame{Type: FrameSubscribeCandidates, RoomID: id, Side: side},
		&relaySub{onCandidate: onAdded, onError: onError})
}

func (r *Relay) SubscribeWaitingRooms(ctx context.Context, onFirst RoomFunc, onError ErrorFunc) func() {
	return r.subscribe(ctx, &Frame{Type: FrameSubscribeWaiting},
		&relaySub{onRoom: onFirst, onError: onError, oneShot: true})
}

// subscribe registers sub before the server can emit for it, then confirms
// the subscription in the background. Failures arrive through onError.
func (r *Relay) subscribe(ctx context.Context, f *Frame, sub *relaySub) func() {
	id := r.seq.Add(1)
	f.Sub = id
	sub.q = newQueue()

	r.mu.Lock()
	r.subs[id] = sub
	r.mu.Unlock()

	go func() {
		if _, err := r.request(ctx, f); err != nil {
			if r.lookup(id) == nil {
				return
			}
			r.drop(id, false)
			sub.q.push(func() {
				if sub.onError != nil {
					sub.onError(err)
				}
			})
			sub.q.close(true)
		}
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			r.drop(id, true)
			sub.q.close(false)
		})
	}
}

// Close closes the websocket connection and cleans up resources.
func (r *Relay) Close() error {
	r.closed.Do(func() { close(r.done) })
	return nil
}
