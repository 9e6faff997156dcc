package transport

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/pion/rtp"
	pion "github.com/pion/webrtc/v4"
	"go.uber.org/zap"

	"github.com/ReiletaI/callguard/internal/callerr"
	"github.com/ReiletaI/callguard/internal/media"
	"github.com/ReiletaI/callguard/internal/signaling"
)

// State is the coarse connection state reported to the coordinator.
type State int

const (
	StateConnected State = iota + 1
	StateFailed
	StateDisconnected
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnected:
		return "connected"
	case StateFailed:
		return "failed"
	case StateDisconnected:
		return "disconnected"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

var errPeerClosed = errors.New("peer connection closed")

// Peer is one call's peer connection.
type Peer struct {
	pc     *pion.PeerConnection
	remote *media.Stream
	log    *zap.Logger

	mu              sync.Mutex
	closed          bool
	remoteSet       bool
	pending         []pion.ICECandidateInit
	captures        []*media.Capture
	onLocal         func(signaling.Candidate)
	onRemoteAudio   func(*media.Stream)
	remoteAnnounced bool
	onState         func(State)

	closeOnce sync.Once
}

func newPeer(pc *pion.PeerConnection, log *zap.Logger) *Peer {
	p := &Peer{
		pc:     pc,
		remote: media.NewStream(remoteStreamLabel),
		log:    log,
	}

	pc.OnICECandidate(p.handleLocalCandidate)
	pc.OnTrack(p.handleTrack)
	pc.OnConnectionStateChange(p.handleStateChange)
	return p
}

// RemoteStream is the stream assembled from the other side's audio.
func (p *Peer) RemoteStream() *media.Stream { return p.remote }

// AddLocalTracks attaches a capture's track. The capture is closed with the
// peer.
func (p *Peer) AddLocalTracks(c *media.Capture) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return callerr.NewError("add track", callerr.KindTransport, errPeerClosed)
	}
	p.captures = append(p.captures, c)
	p.mu.Unlock()

	sender, err := p.pc.AddTrack(c.Track)
	if err != nil {
		return callerr.NewError("add track", callerr.KindTransport, err)
	}

	// Read incoming RTCP so interceptors keep working.
	go func() {
		buf := make([]byte, 1500)
		for {
			if _, _, err := sender.Read(buf); err != nil {
				return
			}
		}
	}()
	return nil
}

// CreateOffer creates the agent's offer and sets it as the local
// description.
func (p *Peer) CreateOffer(ctx context.Context) (signaling.SessionDescription, error) {
	if err := ctx.Err(); err != nil {
		return signaling.SessionDescription{}, err
	}

	offer, err := p.pc.CreateOffer(nil)
	if err != nil {
		return signaling.SessionDescription{}, callerr.NewError("create offer", callerr.KindTransport, err)
	}
	if err := p.pc.SetLocalDescription(offer); err != nil {
		return signaling.SessionDescription{}, callerr.NewError("set local description", callerr.KindTransport, err)
	}
	return toSignaling(p.pc.LocalDescription()), nil
}

// AcceptOffer applies the remote offer and returns the local answer.
func (p *Peer) AcceptOffer(ctx context.Context, offer signaling.SessionDescription) (signaling.SessionDescription, error) {
	if err := ctx.Err(); err != nil {
		return signaling.SessionDescription{}, err
	}

	if err := p.setRemote(offer, pion.SDPTypeOffer); err != nil {
		return signaling.SessionDescription{}, err
	}

	answer, err := p.pc.CreateAnswer(nil)
	if err != nil {
		return signaling.SessionDescription{}, callerr.NewError("create answer", callerr.KindTransport, err)
	}
	if err := p.pc.SetLocalDescription(answer); err != nil {
		return signaling.SessionDescription{}, callerr.NewError("set local description", callerr.KindTransport, err)
	}
	return toSignaling(p.pc.LocalDescription()), nil
}

// SetRemoteAnswer applies the client's answer on the agent side.
func (p *Peer) SetRemoteAnswer(ctx context.Context, answer signaling.SessionDescription) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return p.setRemote(answer, pion.SDPTypeAnswer)
}

func (p *Peer) setRemote(desc signaling.SessionDescription, want pion.SDPType) error {
	typ := pion.NewSDPType(desc.Type)
	if typ != want {
		return callerr.WrapError("set remote description", callerr.KindTransport,
			fmt.Errorf("unexpected description type %q", desc.Type), want.String())
	}

	if err := p.pc.SetRemoteDescription(pion.SessionDescription{Type: typ, SDP: desc.SDP}); err != nil {
		return callerr.NewError("set remote description", callerr.KindTransport, err)
	}

	p.mu.Lock()
	p.remoteSet = true
	pending := p.pending
	p.pending = nil
	p.mu.Unlock()

	for _, c := range pending {
		if err := p.pc.AddICECandidate(c); err != nil {
			p.log.Debug("dropping queued ICE candidate", zap.Error(err))
		}
	}
	return nil
}

// AddRemoteCandidate applies a candidate from the other side, queueing it
// until a remote description exists.
func (p *Peer) AddRemoteCandidate(c signaling.Candidate) error {
	init := pion.ICECandidateInit{
		Candidate:        c.Candidate,
		SDPMid:           c.SDPMid,
		SDPMLineIndex:    c.SDPMLineIndex,
		UsernameFragment: c.UsernameFragment,
	}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	if !p.remoteSet {
		p.pending = append(p.pending, init)
		p.mu.Unlock()
		return nil
	}
	p.mu.Unlock()

	if err := p.pc.AddICECandidate(init); err != nil {
		return callerr.NewError("add ICE candidate", callerr.KindTransport, err)
	}
	return nil
}

// OnLocalCandidate registers the callback for gathered candidates.
func (p *Peer) OnLocalCandidate(fn func(signaling.Candidate)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.onLocal = fn
}

// OnRemoteAudio registers fn to run once, when the remote stream first
// carries audio.
func (p *Peer) OnRemoteAudio(fn func(*media.Stream)) {
	p.mu.Lock()
	announce := p.remote.AudioTracks() > 0 && !p.remoteAnnounced && !p.closed
	if announce {
		p.remoteAnnounced = true
	} else {
		p.onRemoteAudio = fn
	}
	p.mu.Unlock()

	if announce {
		fn(p.remote)
	}
}

// OnStateChange registers the connection state callback.
func (p *Peer) OnStateChange(fn func(State)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.onState = fn
}

func (p *Peer) handleLocalCandidate(c *pion.ICECandidate) {
	if c == nil {
		return
	}
	p.mu.Lock()
	fn := p.onLocal
	closed := p.closed
	p.mu.Unlock()
	if fn == nil || closed {
		return
	}

	init := c.ToJSON()
	fn(signaling.Candidate{
		Candidate:        init.Candidate,
		SDPMid:           init.SDPMid,
		SDPMLineIndex:    init.SDPMLineIndex,
		UsernameFragment: init.UsernameFragment,
	})
}

func (p *Peer) handleTrack(track *pion.TrackRemote, _ *pion.RTPReceiver) {
	if track.Kind() != pion.RTPCodecTypeAudio {
		return
	}

	p.remote.AddTrack()
	p.log.Debug("remote audio track", zap.String("codec", track.Codec().MimeType))

	p.mu.Lock()
	fn := p.onRemoteAudio
	if fn != nil && !p.remoteAnnounced && !p.closed {
		p.remoteAnnounced = true
	} else {
		fn = nil
	}
	p.mu.Unlock()
	if fn != nil {
		fn(p.remote)
	}

	defer p.remote.RemoveTrack()
	for {
		pkt, _, err := track.ReadRTP()
		if err != nil {
			return
		}
		p.remote.Publish(clonePacket(pkt))
	}
}

func (p *Peer) handleStateChange(s pion.PeerConnectionState) {
	var state State
	switch s {
	case pion.PeerConnectionStateConnected:
		state = StateConnected
	case pion.PeerConnectionStateFailed:
		state = StateFailed
	case pion.PeerConnectionStateDisconnected:
		state = StateDisconnected
	case pion.PeerConnectionStateClosed:
		state = StateClosed
	default:
		return
	}

	p.mu.Lock()
	fn := p.onState
	closed := p.closed
	p.mu.Unlock()

	p.log.Debug("peer connection state", zap.String("state", s.String()))
	if fn != nil && !closed {
		fn(state)
	}
}

// Close stops local captures, closes the connection and ends the remote
// stream. It is safe to call more than once.
func (p *Peer) Close() {
	p.closeOnce.Do(func() {
		p.mu.Lock()
		p.closed = true
		captures := p.captures
		p.captures = nil
		p.pending = nil
		p.mu.Unlock()

		for _, c := range captures {
			_ = c.Close()
		}
		if err := p.pc.Close(); err != nil {
			p.log.Debug("close peer connection", zap.Error(err))
		}
		p.remote.End()
	})
}

func toSignaling(desc *pion.SessionDescription) signaling.SessionDescription {
	if desc == nil {
		return signaling.SessionDescription{}
	}
	return signaling.SessionDescription{Type: desc.Type.String(), SDP: desc.SDP}
}

// clonePacket copies pkt so taps may keep it after the next read.
func clonePacket(pkt *rtp.Packet) *rtp.Packet {
	c := *pkt
	c.Payload = append([]byte(nil), pkt.Payload...)
	return &c
}
