package session

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ReiletaI/callguard/internal/callerr"
	"github.com/ReiletaI/callguard/internal/media"
	"github.com/ReiletaI/callguard/internal/signaling"
)

var testOffer = signaling.SessionDescription{Type: "offer", SDP: "v=0 offer"}

// connectPair arms an agent, joins it with a client and waits for both to
// be connected.
func connectPair(t *testing.T, hub *signaling.Hub, net *fakeNet, opts ...option) (agent, client *harness, roomID string) {
	t.Helper()
	agent = startCoordinator(t, Agent, hub, net, opts...)
	client = startCoordinator(t, Client, hub, net)

	require.NoError(t, agent.coord.SetAvailable(true))
	roomID = agent.waitState(t, StateWaiting).RoomID
	require.Len(t, roomID, 8)

	require.NoError(t, client.coord.Join(roomID))
	agent.waitState(t, StateConnected)
	client.waitState(t, StateConnected)
	return agent, client, roomID
}

func TestStateBusy(t *testing.T) {
	assert.False(t, StateIdle.Busy())
	for _, s := range []State{StateArming, StateWaiting, StateSearching, StateJoiningSpecific, StateConnecting, StateConnected, StateEnding} {
		assert.True(t, s.Busy(), s.String())
	}
	assert.Equal(t, "joining", StateJoiningSpecific.String())
	assert.Equal(t, "unknown", State(99).String())
}

func TestRoleSides(t *testing.T) {
	assert.Equal(t, signaling.SideCallee, Agent.RemoteSide())
	assert.Equal(t, signaling.SideCaller, Client.RemoteSide())
	assert.True(t, Agent.AutoRearm)
	assert.False(t, Client.AutoRearm)
}

func TestAgentAndClientConnect(t *testing.T) {
	hub := newTestHub(t)
	net := newFakeNet()

	agent, client, roomID := connectPair(t, hub, net)

	room, err := hub.GetRoom(context.Background(), roomID)
	require.NoError(t, err)
	assert.Equal(t, signaling.StatusConnected, room.Status)
	assert.Equal(t, "agent1", room.AgentUsername)
	require.NotNil(t, room.Answer)
	assert.Equal(t, "answer", room.Answer.Type)

	assert.Equal(t, roomID, client.snapshot(t).RoomID)
	assert.True(t, agent.snapshot(t).Available)

	// Each side trickled a candidate the other received.
	require.Eventually(t, func() bool {
		net.mu.Lock()
		defer net.mu.Unlock()
		for _, p := range net.peers {
			if p.remoteCandidates() == 0 {
				return false
			}
		}
		return true
	}, 2*time.Second, 10*time.Millisecond)
}

func TestClientJoinRejectsEndedRoom(t *testing.T) {
	hub := newTestHub(t)
	net := newFakeNet()
	ctx := context.Background()

	require.NoError(t, hub.CreateRoom(ctx, "r2", testOffer, "agent1"))
	require.NoError(t, hub.SetStatus(ctx, "r2", signaling.StatusChange{Status: signaling.StatusEnded}))

	client := startCoordinator(t, Client, hub, net)
	require.NoError(t, client.coord.Join("r2"))

	ev := client.waitEvent(t, EventFailed)
	assert.ErrorIs(t, ev.Err, callerr.ErrRoomNotAvailable)
	assert.Equal(t, callerr.KindRoomValidity, callerr.KindOf(ev.Err))
	assert.Equal(t, callerr.UserMessage(callerr.ErrRoomNotAvailable), ev.Message)

	client.waitState(t, StateIdle)
	assert.Zero(t, client.source.calls.Load(), "microphone requested")
	assert.Zero(t, net.opens.Load(), "transport created")
}

func TestClientJoinMissingRoom(t *testing.T) {
	hub := newTestHub(t)
	client := startCoordinator(t, Client, hub, newFakeNet())

	require.NoError(t, client.coord.Join("  nosuch  "))
	ev := client.waitEvent(t, EventFailed)
	assert.ErrorIs(t, ev.Err, callerr.ErrRoomNotFound)
	assert.Contains(t, ev.Message, "does not exist")
	client.waitState(t, StateIdle)
}

func TestClientJoinExpiresStaleRoom(t *testing.T) {
	hub := newTestHub(t)
	net := newFakeNet()
	ctx := context.Background()
	require.NoError(t, hub.CreateRoom(ctx, "old", testOffer, "agent1"))

	clk := &clock{}
	clk.advance(16 * time.Minute)
	client := startCoordinator(t, Client, hub, net, withConfig(func(cfg *Config) { cfg.Clock = clk.now }))

	require.NoError(t, client.coord.Join("old"))
	ev := client.waitEvent(t, EventFailed)
	assert.ErrorIs(t, ev.Err, callerr.ErrRoomExpired)

	room, err := hub.GetRoom(ctx, "old")
	require.NoError(t, err)
	assert.Equal(t, signaling.StatusExpired, room.Status)
	assert.Zero(t, client.source.calls.Load())
}

func TestCommandsRespectRole(t *testing.T) {
	hub := newTestHub(t)
	net := newFakeNet()
	agent := startCoordinator(t, Agent, hub, net)
	client := startCoordinator(t, Client, hub, net)

	assert.ErrorIs(t, agent.coord.Join("abc"), ErrWrongRole)
	assert.ErrorIs(t, agent.coord.JoinAny(), ErrWrongRole)
	assert.ErrorIs(t, client.coord.SetAvailable(true), ErrWrongRole)
	assert.ErrorIs(t, client.coord.Join(" "), ErrRoomIDRequired)

	_, err := client.coord.ToggleMute()
	assert.ErrorIs(t, err, ErrNoSession)
}

func TestClientJoinIsSingleFlight(t *testing.T) {
	hub := newTestHub(t)
	client := startCoordinator(t, Client, hub, newFakeNet())

	require.NoError(t, client.coord.JoinAny())
	assert.ErrorIs(t, client.coord.Join("abc"), ErrBusy)
	assert.ErrorIs(t, client.coord.JoinAny(), ErrBusy)
	assert.Equal(t, StateSearching, client.snapshot(t).State)
}

func TestEndIsIdempotent(t *testing.T) {
	hub := newTestHub(t)
	net := newFakeNet()
	agent, _, roomID := connectPair(t, hub, net)
	agentPeer := net.peer(0)

	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, agent.coord.End())
		}()
	}
	wg.Wait()

	require.Eventually(t, func() bool {
		room, err := hub.GetRoom(context.Background(), roomID)
		return err == nil && room.Status == signaling.StatusEnded
	}, 5*time.Second, 10*time.Millisecond)

	require.Eventually(t, func() bool { return len(agent.journal.calls()) == 1 }, 5*time.Second, 10*time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	assert.Len(t, agent.journal.calls(), 1)
	assert.Equal(t, int32(1), agentPeer.closes.Load())

	room, err := hub.GetRoom(context.Background(), roomID)
	require.NoError(t, err)
	assert.True(t, room.ProperlyTerminated)
	assert.False(t, room.EndedAt.IsZero())
}

func TestTransportFailureTearsDownAndRearms(t *testing.T) {
	hub := newTestHub(t)
	net := newFakeNet()
	agent, client, roomID := connectPair(t, hub, net)
	agentPeer := net.peer(0)

	time.Sleep(1100 * time.Millisecond)
	agentPeer.fail()

	ev := agent.waitEvent(t, EventFailed)
	assert.Equal(t, callerr.KindMidSession, callerr.KindOf(ev.Err))

	// The client sees the room end and goes idle for good.
	client.waitState(t, StateIdle)

	require.Eventually(t, func() bool { return len(agent.journal.calls()) == 1 }, 5*time.Second, 10*time.Millisecond)
	rec := agent.journal.calls()[0]
	require.NotNil(t, rec.RoomID)
	assert.Equal(t, roomID, *rec.RoomID)
	assert.GreaterOrEqual(t, rec.CallDuration, 1)

	// The agent arms a fresh room on its own.
	snap := agent.waitState(t, StateWaiting)
	assert.NotEqual(t, roomID, snap.RoomID)

	time.Sleep(300 * time.Millisecond)
	assert.Equal(t, StateIdle, client.snapshot(t).State)
	assert.Empty(t, client.snapshot(t).RoomID)

	old, err := hub.GetRoom(context.Background(), roomID)
	require.NoError(t, err)
	assert.Equal(t, signaling.StatusEnded, old.Status)
	require.Eventually(t, func() bool {
		room, err := hub.GetRoom(context.Background(), roomID)
		return err == nil && room.CallDuration >= 1
	}, 2*time.Second, 10*time.Millisecond)
}

func TestManualDisconnectPersistsBeforeReport(t *testing.T) {
	hub := newTestHub(t)
	net := newFakeNet()
	agent, client, roomID := connectPair(t, hub, net)

	// Let some local audio reach the recorder.
	time.Sleep(200 * time.Millisecond)
	require.NoError(t, agent.coord.End())

	require.Eventually(t, func() bool { return len(agent.journal.list()) >= 2 }, 5*time.Second, 10*time.Millisecond)
	assert.Equal(t, []string{"recording:" + roomID, "report"}, agent.journal.list()[:2])

	snap := agent.waitState(t, StateWaiting)
	assert.NotEqual(t, roomID, snap.RoomID)
	client.waitState(t, StateIdle)
}

func TestClientEndDoesNotReport(t *testing.T) {
	hub := newTestHub(t)
	net := newFakeNet()
	agent, client, roomID := connectPair(t, hub, net)

	require.NoError(t, client.coord.End())
	client.waitState(t, StateIdle)

	// The agent sees the hang-up, reports once and re-arms.
	require.Eventually(t, func() bool { return len(agent.journal.calls()) == 1 }, 5*time.Second, 10*time.Millisecond)
	snap := agent.waitState(t, StateWaiting)
	assert.NotEqual(t, roomID, snap.RoomID)
	assert.Empty(t, client.journal.calls())
}

func TestTranscriptEntries(t *testing.T) {
	hub := newTestHub(t)
	net := newFakeNet()
	agent, _, _ := connectPair(t, hub, net, withConfig(func(cfg *Config) {
		cfg.SegmentLength = 100 * time.Millisecond
	}))

	ev := agent.waitEvent(t, EventTranscript)
	assert.True(t, strings.HasPrefix(ev.Entry.Text, "hello from "))

	require.Eventually(t, func() bool {
		return len(agent.snapshot(t).Transcript) > 0
	}, 2*time.Second, 10*time.Millisecond)
}

func TestToggleMute(t *testing.T) {
	hub := newTestHub(t)
	agent, _, _ := connectPair(t, hub, newFakeNet())

	muted, err := agent.coord.ToggleMute()
	require.NoError(t, err)
	assert.True(t, muted)
	assert.True(t, agent.snapshot(t).Muted)

	muted, err = agent.coord.ToggleMute()
	require.NoError(t, err)
	assert.False(t, muted)
}

func TestGoingUnavailableEndsWaitingRoom(t *testing.T) {
	hub := newTestHub(t)
	agent := startCoordinator(t, Agent, hub, newFakeNet())

	require.NoError(t, agent.coord.SetAvailable(true))
	roomID := agent.waitState(t, StateWaiting).RoomID

	require.NoError(t, agent.coord.SetAvailable(false))
	agent.waitState(t, StateIdle)

	room, err := hub.GetRoom(context.Background(), roomID)
	require.NoError(t, err)
	assert.Equal(t, signaling.StatusEnded, room.Status)

	time.Sleep(300 * time.Millisecond)
	snap := agent.snapshot(t)
	assert.Equal(t, StateIdle, snap.State)
	assert.False(t, snap.Available)
	assert.Empty(t, agent.journal.calls(), "no call, no record")
}

func TestMicrophoneFailureLeavesAgentIdle(t *testing.T) {
	hub := newTestHub(t)
	denied := callerr.WrapError("acquire microphone", callerr.KindDevice, callerr.ErrMicrophoneDenied, "permission denied")
	agent := startCoordinator(t, Agent, hub, newFakeNet(), withSource(failingSource{err: denied}))

	require.NoError(t, agent.coord.SetAvailable(true))
	ev := agent.waitEvent(t, EventFailed)
	assert.Equal(t, callerr.UserMessage(callerr.ErrMicrophoneDenied), ev.Message)

	snap := agent.waitState(t, StateIdle)
	assert.False(t, snap.Available)

	room, err := hub.FindWaitingRoom(context.Background())
	require.NoError(t, err)
	assert.Nil(t, room)
}

func TestUnclassifiedSourceErrorIsDevice(t *testing.T) {
	hub := newTestHub(t)
	client := startCoordinator(t, Client, hub, newFakeNet(), withSource(failingSource{err: errors.New("no such file")}))
	ctx := context.Background()
	require.NoError(t, hub.CreateRoom(ctx, "r1", testOffer, "agent1"))

	require.NoError(t, client.coord.Join("r1"))
	ev := client.waitEvent(t, EventFailed)
	assert.Equal(t, callerr.KindDevice, callerr.KindOf(ev.Err))

	// The client never answered, so the room is left alone.
	room, err := hub.GetRoom(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, signaling.StatusWaiting, room.Status)
}

func TestJoinAnyWaitsForAgent(t *testing.T) {
	hub := newTestHub(t)
	net := newFakeNet()
	client := startCoordinator(t, Client, hub, net)
	agent := startCoordinator(t, Agent, hub, net)

	require.NoError(t, client.coord.JoinAny())
	client.waitEvent(t, EventNotice)
	assert.Equal(t, StateSearching, client.snapshot(t).State)

	require.NoError(t, agent.coord.SetAvailable(true))
	agent.waitState(t, StateConnected)
	snap := client.waitState(t, StateConnected)
	assert.Equal(t, agent.snapshot(t).RoomID, snap.RoomID)
}

func TestJoinAnyExpiresStaleRooms(t *testing.T) {
	clk := &clock{}
	hub := newTestHub(t, signaling.WithClock(clk.now))
	ctx := context.Background()

	require.NoError(t, hub.CreateRoom(ctx, "old1", testOffer, "agent1"))
	require.NoError(t, hub.CreateRoom(ctx, "old2", testOffer, "agent1"))
	clk.advance(20 * time.Minute)

	client := startCoordinator(t, Client, hub, newFakeNet(), withConfig(func(cfg *Config) { cfg.Clock = clk.now }))
	require.NoError(t, client.coord.JoinAny())

	for _, id := range []string{"old1", "old2"} {
		id := id
		require.Eventually(t, func() bool {
			room, err := hub.GetRoom(ctx, id)
			return err == nil && room.Status == signaling.StatusExpired
		}, 5*time.Second, 10*time.Millisecond, id)
	}
	assert.Equal(t, StateSearching, client.snapshot(t).State)
	assert.Zero(t, client.source.calls.Load())
}

func TestAgentExpiresStaleWaitingRoom(t *testing.T) {
	hub := newTestHub(t)
	agent := startCoordinator(t, Agent, hub, newFakeNet(), withConfig(func(cfg *Config) {
		cfg.StaleAfter = 200 * time.Millisecond
	}))

	require.NoError(t, agent.coord.SetAvailable(true))
	roomID := agent.waitState(t, StateWaiting).RoomID

	require.Eventually(t, func() bool {
		room, err := hub.GetRoom(context.Background(), roomID)
		return err == nil && room.Status == signaling.StatusExpired
	}, 5*time.Second, 10*time.Millisecond)

	// A fresh room replaces the expired one.
	require.Eventually(t, func() bool {
		snap := agent.snapshot(t)
		return snap.State == StateWaiting && snap.RoomID != roomID
	}, 5*time.Second, 10*time.Millisecond)
}

func TestNegotiationDeadline(t *testing.T) {
	hub := newTestHub(t)
	net := newFakeNet()
	net.stall.Store(true)

	agent := startCoordinator(t, Agent, hub, net, withConfig(func(cfg *Config) {
		cfg.NegotiationTimeout = 200 * time.Millisecond
	}))
	client := startCoordinator(t, Client, hub, net)

	require.NoError(t, agent.coord.SetAvailable(true))
	roomID := agent.waitState(t, StateWaiting).RoomID
	require.NoError(t, client.coord.Join(roomID))

	ev := agent.waitEvent(t, EventFailed)
	assert.ErrorIs(t, ev.Err, callerr.ErrNegotiationTimeout)
	assert.Equal(t, callerr.KindTransport, callerr.KindOf(ev.Err))

	client.waitState(t, StateIdle)
}

func TestEarlyRemoteAudioIsPromoted(t *testing.T) {
	hub := newTestHub(t)
	client := startCoordinator(t, Client, hub, newFakeNet())
	remote := media.NewStream("remote")

	require.NoError(t, client.coord.exec(func() error {
		c := client.coord
		s := c.begin(StateJoiningSpecific)
		s.roomID = "EARLY001"

		c.onRemoteAudio(s, remote)
		if c.state != StateJoiningSpecific || s.early != remote {
			return errors.New("audio before the answer must be parked")
		}
		c.connecting(s)
		return nil
	}))

	snap := client.waitState(t, StateConnected)
	assert.Equal(t, "EARLY001", snap.RoomID)
}

func TestConnectingPrecedesConnected(t *testing.T) {
	hub := newTestHub(t)
	net := newFakeNet()
	agent := startCoordinator(t, Agent, hub, net)
	client := startCoordinator(t, Client, hub, net)

	require.NoError(t, agent.coord.SetAvailable(true))
	roomID := agent.waitState(t, StateWaiting).RoomID
	require.NoError(t, client.coord.Join(roomID))

	var seen []State
	timeout := time.After(5 * time.Second)
	for len(seen) == 0 || seen[len(seen)-1] != StateConnected {
		select {
		case ev := <-agent.coord.Events():
			if ev.Kind == EventStateChanged {
				seen = append(seen, ev.State)
			}
		case <-timeout:
			t.Fatalf("agent never connected, saw %v", seen)
		}
	}
	require.GreaterOrEqual(t, len(seen), 2)
	assert.Equal(t, StateConnecting, seen[len(seen)-2])
}

func TestRemoteRoomRemovalAbortsSession(t *testing.T) {
	hub := newTestHub(t)
	agent := startCoordinator(t, Agent, hub, newFakeNet())

	require.NoError(t, agent.coord.SetAvailable(true))
	roomID := agent.waitState(t, StateWaiting).RoomID
	require.NoError(t, hub.SetStatus(context.Background(), roomID, signaling.StatusChange{Status: signaling.StatusExpired}))

	ev := agent.waitEvent(t, EventFailed)
	assert.ErrorIs(t, ev.Err, callerr.ErrRoomExpired)
	require.Eventually(t, func() bool {
		snap := agent.snapshot(t)
		return snap.State == StateWaiting && snap.RoomID != roomID
	}, 5*time.Second, 10*time.Millisecond)
}

func TestShutdownTearsDown(t *testing.T) {
	hub := newTestHub(t)
	net := newFakeNet()
	agent := New(Config{Role: Agent, FlushWait: 10 * time.Millisecond}, Deps{
		Channel: hub,
		Open:    net.open,
		Media:   media.SilenceSource{},
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- agent.Run(ctx) }()

	require.NoError(t, agent.SetAvailable(true))
	var roomID string
	require.Eventually(t, func() bool {
		snap, err := agent.Snapshot()
		roomID = snap.RoomID
		return err == nil && snap.State == StateWaiting
	}, 5*time.Second, 10*time.Millisecond)

	cancel()
	require.NoError(t, <-done)

	room, err := hub.GetRoom(context.Background(), roomID)
	require.NoError(t, err)
	assert.Equal(t, signaling.StatusEnded, room.Status)
	assert.ErrorIs(t, agent.End(), ErrStopped)
	assert.Error(t, agent.Run(context.Background()))
}
