package transport

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/ReiletaI/callguard/internal/callerr"
	"github.com/ReiletaI/callguard/internal/media"
	"github.com/ReiletaI/callguard/internal/signaling"
)

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	m, err := NewManager(Config{}, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(m.Close)
	return m
}

func TestOpenReplacesActivePeer(t *testing.T) {
	ctx := context.Background()
	m := newTestManager(t)

	first, err := m.Open(ctx)
	require.NoError(t, err)
	second, err := m.Open(ctx)
	require.NoError(t, err)

	// Opening again closed the first peer.
	select {
	case <-first.RemoteStream().Done():
	default:
		t.Fatal("previous peer still open")
	}
	assert.NotSame(t, first, second)

	cancelled, cancel := context.WithCancel(ctx)
	cancel()
	_, err = m.Open(cancelled)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestPeerQueuesEarlyCandidates(t *testing.T) {
	ctx := context.Background()
	m := newTestManager(t)

	p, err := m.Open(ctx)
	require.NoError(t, err)

	mid := "0"
	idx := uint16(0)
	require.NoError(t, p.AddRemoteCandidate(signaling.Candidate{
		Candidate:     "candidate:1 1 udp 2130706431 127.0.0.1 50000 typ host",
		SDPMid:        &mid,
		SDPMLineIndex: &idx,
	}))

	p.mu.Lock()
	assert.Len(t, p.pending, 1)
	p.mu.Unlock()
}

func TestPeerRejectsWrongDescriptionType(t *testing.T) {
	ctx := context.Background()
	m := newTestManager(t)

	p, err := m.Open(ctx)
	require.NoError(t, err)

	err = p.SetRemoteAnswer(ctx, signaling.SessionDescription{Type: "offer", SDP: "v=0"})
	require.Error(t, err)
	assert.Equal(t, callerr.KindTransport, callerr.KindOf(err))
}

func TestPeerCloseIsIdempotent(t *testing.T) {
	ctx := context.Background()
	m := newTestManager(t)

	p, err := m.Open(ctx)
	require.NoError(t, err)

	c, err := media.SilenceSource{}.Acquire(ctx)
	require.NoError(t, err)
	require.NoError(t, p.AddLocalTracks(c))

	p.Close()
	p.Close()

	// The capture is closed with the peer.
	select {
	case <-c.Done():
	default:
		t.Fatal("capture still open")
	}
	assert.Error(t, p.AddLocalTracks(c))
	assert.NoError(t, p.AddRemoteCandidate(signaling.Candidate{Candidate: "x"}))
}

// TestPeersConnect negotiates two local peers the way an agent and a client
// do through a room, and checks that audio arrives on both sides.
func TestPeersConnect(t *testing.T) {
	if testing.Short() {
		t.Skip("opens real UDP sockets")
	}
	ctx := context.Background()

	agentMgr := newTestManager(t)
	clientMgr := newTestManager(t)

	agent, err := agentMgr.Open(ctx)
	require.NoError(t, err)
	client, err := clientMgr.Open(ctx)
	require.NoError(t, err)

	agent.OnLocalCandidate(func(c signaling.Candidate) { _ = client.AddRemoteCandidate(c) })
	client.OnLocalCandidate(func(c signaling.Candidate) { _ = agent.AddRemoteCandidate(c) })

	connected := make(chan State, 4)
	agent.OnStateChange(func(s State) { connected <- s })

	agentAudio := make(chan *media.Stream, 1)
	clientAudio := make(chan *media.Stream, 1)
	agent.OnRemoteAudio(func(s *media.Stream) { agentAudio <- s })
	client.OnRemoteAudio(func(s *media.Stream) { clientAudio <- s })

	agentMic, err := media.SilenceSource{}.Acquire(ctx)
	require.NoError(t, err)
	require.NoError(t, agent.AddLocalTracks(agentMic))
	clientMic, err := media.SilenceSource{}.Acquire(ctx)
	require.NoError(t, err)
	require.NoError(t, client.AddLocalTracks(clientMic))

	offer, err := agent.CreateOffer(ctx)
	require.NoError(t, err)
	assert.Equal(t, "offer", offer.Type)

	answer, err := client.AcceptOffer(ctx, offer)
	require.NoError(t, err)
	assert.Equal(t, "answer", answer.Type)
	require.NoError(t, agent.SetRemoteAnswer(ctx, answer))

	select {
	case s := <-connected:
		assert.Equal(t, StateConnected, s)
	case <-time.After(15 * time.Second):
		t.Fatal("peers never connected")
	}

	for _, ch := range []chan *media.Stream{agentAudio, clientAudio} {
		select {
		case s := <-ch:
			assert.True(t, s.Live())
		case <-time.After(15 * time.Second):
			t.Fatal("remote audio never arrived")
		}
	}

	agent.Close()
	client.Close()
}
