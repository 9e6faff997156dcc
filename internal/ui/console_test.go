package ui

import (
	"bytes"
	"context"
	"testing"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/ReiletaI/callguard/internal/callerr"
	"github.com/ReiletaI/callguard/internal/recording"
	"github.com/ReiletaI/callguard/internal/session"
)

type fakeController struct {
	mock.Mock
	events chan session.Event
	done   chan struct{}
}

func newFakeController() *fakeController {
	return &fakeController{events: make(chan session.Event, 16), done: make(chan struct{})}
}

func (f *fakeController) Events() <-chan session.Event { return f.events }
func (f *fakeController) Done() <-chan struct{}        { return f.done }

func (f *fakeController) Snapshot() (session.Snapshot, error) {
	args := f.Called()
	return args.Get(0).(session.Snapshot), args.Error(1)
}

func (f *fakeController) SetAvailable(on bool) error {
	return f.Called(on).Error(0)
}

func (f *fakeController) End() error {
	return f.Called().Error(0)
}

func (f *fakeController) ToggleMute() (bool, error) {
	args := f.Called()
	return args.Bool(0), args.Error(1)
}

func feed(m *Console, evs ...session.Event) {
	for _, ev := range evs {
		m.handleEvent(ev)
	}
}

func stateEvent(st session.State, room string) session.Event {
	return session.Event{Kind: session.EventStateChanged, State: st, RoomID: room}
}

func TestAgentAvailabilityKey(t *testing.T) {
	ctl := newFakeController()
	ctl.On("SetAvailable", true).Return(nil).Once()
	ctl.On("Snapshot").Return(session.Snapshot{Available: true}, nil).Once()

	m := NewConsole(ctl, session.Agent, "agent1")
	cmd := m.handleKey("a")
	require.NotNil(t, cmd)
	m.Update(cmd())

	assert.True(t, m.available)
	assert.Contains(t, m.View(), "available")
	ctl.AssertExpectations(t)
}

func TestAgentDisconnectKey(t *testing.T) {
	ctl := newFakeController()
	ctl.On("End").Return(nil).Once()
	ctl.On("Snapshot").Return(session.Snapshot{}, nil).Once()

	m := NewConsole(ctl, session.Agent, "agent1")
	m.Update(m.handleKey("d")())
	ctl.AssertExpectations(t)
}

func TestClientKeys(t *testing.T) {
	ctl := newFakeController()
	ctl.On("End").Return(nil).Once()
	ctl.On("Snapshot").Return(session.Snapshot{}, nil).Once()
	ctl.On("ToggleMute").Return(true, nil).Once()

	m := NewConsole(ctl, session.Client, "client")
	assert.Nil(t, m.handleKey("a"), "availability is agent only")
	assert.Nil(t, m.handleKey("d"))

	m.Update(m.handleKey("h")())
	m.Update(m.handleKey("m")())
	assert.True(t, m.muted)
	assert.Contains(t, m.View(), "h hang up")
	ctl.AssertExpectations(t)
}

func TestCommandErrorsBecomeNotices(t *testing.T) {
	ctl := newFakeController()
	ctl.On("ToggleMute").Return(false, session.ErrNoSession).Once()

	m := NewConsole(ctl, session.Agent, "agent1")
	m.Update(m.handleKey("m")())
	require.Len(t, m.notices, 1)
	assert.Equal(t, "There is no active call.", m.notices[0])

	m.Update(commandErr{session.ErrStopped})
	assert.Len(t, m.notices, 1)
}

func TestQuitKey(t *testing.T) {
	m := NewConsole(newFakeController(), session.Agent, "agent1")
	_, cmd := m.Update(tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune("q")})
	require.NotNil(t, cmd)
	assert.IsType(t, tea.QuitMsg{}, cmd())
	assert.Empty(t, m.View())
}

func TestCallHistoryCollected(t *testing.T) {
	m := NewConsole(newFakeController(), session.Agent, "agent1")
	entry := recording.Entry{Direction: recording.DirectionClient, Text: "please read me the code", At: time.Now()}

	feed(m,
		stateEvent(session.StateWaiting, "ABC123"),
		stateEvent(session.StateConnecting, "ABC123"),
		stateEvent(session.StateConnected, "ABC123"),
		session.Event{Kind: session.EventTick, Duration: 65 * time.Second},
		session.Event{Kind: session.EventTranscript, Entry: entry},
	)
	assert.Contains(t, m.View(), "01:05")
	assert.Contains(t, m.View(), "please read me the code")

	feed(m,
		stateEvent(session.StateEnding, "ABC123"),
		stateEvent(session.StateIdle, ""),
		session.Event{Kind: session.EventFailed, RoomID: "ABC123", Message: "Connection lost."},
	)

	calls := m.Calls()
	require.Len(t, calls, 1)
	assert.Equal(t, "ABC123", calls[0].RoomID)
	assert.Equal(t, 65*time.Second, calls[0].Duration)
	assert.Len(t, calls[0].Entries, 1)
	assert.Equal(t, "Failed: Connection lost.", calls[0].Outcome)
	assert.Equal(t, "Connection lost.", m.LastError())
}

func TestUnansweredRoomIsNotACall(t *testing.T) {
	m := NewConsole(newFakeController(), session.Agent, "agent1")
	feed(m,
		stateEvent(session.StateArming, ""),
		stateEvent(session.StateWaiting, "ABC123"),
		stateEvent(session.StateIdle, ""),
	)
	assert.Empty(t, m.Calls())
}

func TestClientLeavesAfterCall(t *testing.T) {
	m := NewConsole(newFakeController(), session.Client, "client")

	assert.Nil(t, m.handleEvent(stateEvent(session.StateJoiningSpecific, "ABC123")))
	cmd := m.handleEvent(stateEvent(session.StateIdle, ""))
	require.NotNil(t, cmd)
	assert.IsType(t, lingerMsg{}, cmd())
}

func TestStoppedCoordinatorQuits(t *testing.T) {
	ctl := newFakeController()
	m := NewConsole(ctl, session.Agent, "agent1")
	close(ctl.done)

	msg := m.listen()()
	_, cmd := m.Update(msg)
	require.NotNil(t, cmd)
	assert.IsType(t, tea.QuitMsg{}, cmd())
}

func TestRunPlainClient(t *testing.T) {
	ctl := newFakeController()
	for _, ev := range []session.Event{
		stateEvent(session.StateSearching, ""),
		{Kind: session.EventNotice, Message: "Waiting for an agent..."},
		stateEvent(session.StateIdle, ""),
		{Kind: session.EventFailed, Message: callerr.UserMessage(callerr.ErrRoomNotFound)},
	} {
		ctl.events <- ev
	}

	var out bytes.Buffer
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	m := RunPlain(ctx, ctl, session.Client, "client", &out)

	require.NoError(t, ctx.Err(), "client should return on its own")
	assert.Contains(t, out.String(), "Looking for an agent")
	assert.Contains(t, out.String(), "Waiting for an agent...")
	assert.Contains(t, out.String(), "error: ")
	assert.NotEmpty(t, m.LastError())
}
