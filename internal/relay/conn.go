package relay

import (
	"context"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/ReiletaI/callguard/internal/signaling"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// Maximum message size allowed from peer. Enough for SDP.
	maxMessageSize = 64 * 1024

	// Outbound frames buffered per connection before it counts as stalled.
	sendBuffer = 256
)

// Conn is one relay client connection.
type Conn struct {
	server *Server
	ws     *websocket.Conn
	send   chan []byte

	ctx    context.Context
	cancel context.CancelFunc

	// subs is only touched by ReadPump.
	subs map[uint64]func()

	closeOnce sync.Once
	log       *zap.Logger
}

func newConn(s *Server, ws *websocket.Conn) *Conn {
	ctx, cancel := context.WithCancel(context.Background())
	return &Conn{
		server: s,
		ws:     ws,
		send:   make(chan []byte, sendBuffer),
		ctx:    ctx,
		cancel: cancel,
		subs:   make(map[uint64]func()),
		log:    s.log.With(zap.String("remote", ws.RemoteAddr().String())),
	}
}

// ReadPump pumps frames from the websocket connection to the store.
//
// There is at most one reader on a connection, and requests from one
// connection are executed in the order they arrive.
func (c *Conn) ReadPump() {
	defer func() {
		for _, unsubscribe := range c.subs {
			unsubscribe()
		}
		c.subs = nil
		c.close()
		c.ws.Close()
		c.server.unregister(c)
	}()

	c.ws.SetReadLimit(maxMessageSize)
	_ = c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure, websocket.CloseNormalClosure) {
				c.log.Warn("relay read failed", zap.Error(err))
			}
			return
		}

		f, err := signaling.DecodeFrame(data)
		if err != nil {
			c.log.Warn("dropping undecodable frame", zap.Error(err))
			continue
		}
		c.handle(f)
	}
}

// WritePump pumps frames to the websocket connection. There is at most
// one writer on a connection.
func (c *Conn) WritePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.ws.Close()
	}()

	for {
		select {
		case msg := <-c.send:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.BinaryMessage, msg); err != nil {
				c.log.Debug("relay write failed", zap.Error(err))
				c.close()
				return
			}

		case <-ticker.C:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.close()
				return
			}

		case <-c.ctx.Done():
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			_ = c.ws.WriteMessage(websocket.CloseMessage, []byte{})
			return
		}
	}
}

func (c *Conn) close() {
	c.closeOnce.Do(c.cancel)
}

// enqueue hands a frame to WritePump. A connection whose buffer is full is
// stalled and gets dropped rather than blocking the store's listeners.
func (c *Conn) enqueue(f *signaling.Frame) {
	data, err := signaling.EncodeFrame(f)
	if err != nil {
		c.log.Warn("encode frame", zap.String("type", f.Type), zap.Error(err))
		return
	}

	select {
	case <-c.ctx.Done():
		return
	default:
	}

	select {
	case c.send <- data:
	default:
		c.log.Warn("relay client stalled, dropping connection")
		c.close()
	}
}
