// Package transport manages the WebRTC peer connection that carries a
// call's audio.
package transport

import (
	"context"
	"sync"
	"time"

	"github.com/pion/interceptor"
	pion "github.com/pion/webrtc/v4"
	"go.uber.org/zap"

	"github.com/ReiletaI/callguard/internal/callerr"
)

// Config configures peer connections. Only STUN servers are supported.
type Config struct {
	ICEServers []string
}

// Manager builds peer connections and owns the active one.
type Manager struct {
	cfg Config
	api *pion.API
	log *zap.Logger

	mu     sync.Mutex
	active *Peer
}

// NewManager creates a manager with default codecs and interceptors.
func NewManager(cfg Config, log *zap.Logger) (*Manager, error) {
	mediaEngine := &pion.MediaEngine{}
	if err := mediaEngine.RegisterDefaultCodecs(); err != nil {
		return nil, callerr.NewError("register codecs", callerr.KindTransport, err)
	}

	registry := &interceptor.Registry{}
	if err := pion.RegisterDefaultInterceptors(mediaEngine, registry); err != nil {
		return nil, callerr.NewError("register interceptors", callerr.KindTransport, err)
	}

	// Keep short network blips from failing the call outright.
	se := pion.SettingEngine{}
	se.SetICETimeouts(10*time.Second, 30*time.Second, 2*time.Second)

	if log == nil {
		log = zap.NewNop()
	}
	return &Manager{
		cfg: cfg,
		api: pion.NewAPI(
			pion.WithMediaEngine(mediaEngine),
			pion.WithInterceptorRegistry(registry),
			pion.WithSettingEngine(se),
		),
		log: log,
	}, nil
}

// Open creates a new peer connection. A previously opened peer is closed
// first.
func (m *Manager) Open(ctx context.Context) (*Peer, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var iceServers []pion.ICEServer
	if len(m.cfg.ICEServers) > 0 {
		iceServers = []pion.ICEServer{{URLs: m.cfg.ICEServers}}
	}

	pc, err := m.api.NewPeerConnection(pion.Configuration{ICEServers: iceServers})
	if err != nil {
		return nil, callerr.NewError("create peer connection", callerr.KindTransport, err)
	}

	p := newPeer(pc, m.log)

	m.mu.Lock()
	prev := m.active
	m.active = p
	m.mu.Unlock()

	if prev != nil {
		prev.Close()
	}
	return p, nil
}

// Close closes the active peer, if any.
func (m *Manager) Close() {
	m.mu.Lock()
	p := m.active
	m.active = nil
	m.mu.Unlock()

	if p != nil {
		p.Close()
	}
}

// remoteStreamLabel names the stream built from remote tracks.
const remoteStreamLabel = "remote"
