package ui

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"

	"github.com/ReiletaI/callguard/internal/callerr"
	"github.com/ReiletaI/callguard/internal/recording"
	"github.com/ReiletaI/callguard/internal/session"
)

const (
	maxNotices    = 4
	maxLiveLines  = 8
	clientLinger  = 400 * time.Millisecond
	outcomeEnded  = "Ended"
	outcomeFailed = "Failed"
)

// Controller is the part of the coordinator the console drives.
type Controller interface {
	Events() <-chan session.Event
	Done() <-chan struct{}
	Snapshot() (session.Snapshot, error)
	SetAvailable(on bool) error
	End() error
	ToggleMute() (bool, error)
}

type (
	eventMsg    session.Event
	snapshotMsg session.Snapshot
	stoppedMsg  struct{}
	mutedMsg    bool
	commandErr  struct{ err error }
	lingerMsg   struct{}
)

// Console is the bubbletea model for a live agent or client session.
type Console struct {
	ctl     Controller
	agent   bool
	name    string
	spinner spinner.Model

	state     session.State
	roomID    string
	available bool
	muted     bool
	duration  time.Duration
	live      []recording.Entry
	notices   []string
	lastErr   string

	call     *CallSummary
	calls    []CallSummary
	busySeen bool

	quitting bool
}

// NewConsole creates the console for role, either session.Agent or
// session.Client. name is shown in the header.
func NewConsole(ctl Controller, role session.Role, name string) *Console {
	s := spinner.New()
	s.Spinner = spinner.Dot
	s.Style = SpinnerStyle

	return &Console{
		ctl:     ctl,
		agent:   role.AutoRearm,
		name:    name,
		spinner: s,
	}
}

// Calls returns the calls finished while the console ran.
func (m *Console) Calls() []CallSummary {
	return m.calls
}

// LastError is the most recent failure shown to the user, if any.
func (m *Console) LastError() string {
	return m.lastErr
}

func (m *Console) Init() tea.Cmd {
	return tea.Batch(m.spinner.Tick, m.listen(), m.refresh())
}

func (m *Console) listen() tea.Cmd {
	return func() tea.Msg {
		select {
		case ev := <-m.ctl.Events():
			return eventMsg(ev)
		case <-m.ctl.Done():
			return stoppedMsg{}
		}
	}
}

func (m *Console) refresh() tea.Cmd {
	return func() tea.Msg {
		snap, err := m.ctl.Snapshot()
		if err != nil {
			return commandErr{err}
		}
		return snapshotMsg(snap)
	}
}

// command runs fn off the update loop; the coordinator call waits on its
// own loop.
func (m *Console) command(fn func() error) tea.Cmd {
	return func() tea.Msg {
		if err := fn(); err != nil {
			return commandErr{err}
		}
		snap, err := m.ctl.Snapshot()
		if err != nil {
			return commandErr{err}
		}
		return snapshotMsg(snap)
	}
}

func (m *Console) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		return m, m.handleKey(msg.String())

	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd

	case eventMsg:
		cmd := m.handleEvent(session.Event(msg))
		return m, tea.Batch(cmd, m.listen())

	case snapshotMsg:
		m.available = msg.Available
		m.muted = msg.Muted

	case mutedMsg:
		m.muted = bool(msg)

	case commandErr:
		if errors.Is(msg.err, session.ErrStopped) {
			return m, nil
		}
		m.note(commandMessage(msg.err))

	case stoppedMsg:
		m.closeCall(outcomeEnded)
		m.quitting = true
		return m, tea.Quit

	case lingerMsg:
		m.quitting = true
		return m, tea.Quit
	}
	return m, nil
}

func (m *Console) handleKey(key string) tea.Cmd {
	switch key {
	case "q", "ctrl+c":
		m.quitting = true
		m.closeCall(outcomeEnded)
		return tea.Quit
	case "m":
		return func() tea.Msg {
			muted, err := m.ctl.ToggleMute()
			if err != nil {
				return commandErr{err}
			}
			return mutedMsg(muted)
		}
	}

	if m.agent {
		switch key {
		case "a":
			on := !m.available
			return m.command(func() error { return m.ctl.SetAvailable(on) })
		case "d":
			return m.command(m.ctl.End)
		}
		return nil
	}
	if key == "h" {
		return m.command(m.ctl.End)
	}
	return nil
}

func (m *Console) handleEvent(ev session.Event) tea.Cmd {
	switch ev.Kind {
	case session.EventStateChanged:
		return m.changeState(ev)
	case session.EventTick:
		m.duration = ev.Duration
		if m.call != nil {
			m.call.Duration = ev.Duration
		}
	case session.EventTranscript:
		m.live = append(m.live, ev.Entry)
		if m.call != nil {
			m.call.Entries = append(m.call.Entries, ev.Entry)
		}
	case session.EventNotice:
		m.note(ev.Message)
	case session.EventFailed:
		m.lastErr = ev.Message
		m.note(ev.Message)
		if n := len(m.calls); n > 0 && m.calls[n-1].RoomID == ev.RoomID {
			m.calls[n-1].Outcome = outcomeFailed + ": " + ev.Message
		}
		// An agent setup failure can leave it unavailable.
		return m.refresh()
	}
	return nil
}

func (m *Console) changeState(ev session.Event) tea.Cmd {
	prev := m.state
	m.state = ev.State
	if ev.RoomID != "" {
		m.roomID = ev.RoomID
	}

	switch ev.State {
	case session.StateConnected:
		m.duration = 0
		m.live = nil
		m.call = &CallSummary{RoomID: m.roomID, Started: time.Now()}
	case session.StateIdle:
		m.closeCall(outcomeEnded)
		m.roomID = ""
		m.muted = false
		if !m.agent && m.busySeen {
			return tea.Tick(clientLinger, func(time.Time) tea.Msg { return lingerMsg{} })
		}
		return m.refresh()
	}
	if ev.State.Busy() {
		m.busySeen = true
	}
	if prev == session.StateIdle && ev.State == session.StateArming {
		m.lastErr = ""
	}
	return nil
}

func (m *Console) closeCall(outcome string) {
	if m.call == nil {
		return
	}
	m.call.Outcome = outcome
	m.calls = append(m.calls, *m.call)
	m.call = nil
}

func (m *Console) note(msg string) {
	if msg == "" {
		return
	}
	m.notices = append(m.notices, msg)
	if len(m.notices) > maxNotices {
		m.notices = m.notices[len(m.notices)-maxNotices:]
	}
}

func commandMessage(err error) string {
	switch {
	case errors.Is(err, session.ErrBusy):
		return "A call is already being set up."
	case errors.Is(err, session.ErrNoSession):
		return "There is no active call."
	default:
		return callerr.UserMessage(err)
	}
}

func (m *Console) View() string {
	if m.quitting {
		return ""
	}

	var b strings.Builder

	icon, who := IconClient, "Client"
	if m.agent {
		icon, who = IconAgent, "Agent"
	}
	b.WriteString(fmt.Sprintf("\n%s %s %s\n\n", icon, TitleStyle.Render("CallGuard "+who), MutedStyle.Render(m.name)))

	status := stateBadge(m.state)
	if m.state.Busy() && m.state != session.StateConnected {
		status = m.spinner.View() + " " + status
	}
	b.WriteString(status)
	if m.roomID != "" {
		b.WriteString(fmt.Sprintf("  %s %s", IconRoom, BoldStyle.Render(m.roomID)))
	}
	b.WriteString("\n")

	if m.agent && m.state == session.StateWaiting && m.roomID != "" {
		b.WriteString(RoomInfoView(m.roomID, m.name) + "\n")
	}

	if m.agent {
		avail := WarningStyle.Render("unavailable")
		if m.available {
			avail = SuccessStyle.Render("available")
		}
		b.WriteString(fmt.Sprintf("Availability: %s\n", avail))
	}

	if m.state == session.StateConnected {
		line := fmt.Sprintf("%s %s  %s", IconLive, IconTime, FormatDuration(int(m.duration.Seconds())))
		if m.muted {
			line += "  " + WarningStyle.Render(IconMuted+" muted")
		}
		b.WriteString(line + "\n")
	}

	if len(m.live) > 0 {
		b.WriteString("\n" + PanelStyle.Render(m.transcriptLines()) + "\n")
	}

	if len(m.notices) > 0 {
		b.WriteString("\n")
		for _, n := range m.notices {
			b.WriteString(MutedStyle.Render("• "+n) + "\n")
		}
	}

	if n := len(m.calls); n > 0 {
		b.WriteString(MutedStyle.Render(fmt.Sprintf("\nCalls this session: %d", n)) + "\n")
	}

	b.WriteString(FooterStyle.Render(m.help()))
	return b.String()
}

func (m *Console) transcriptLines() string {
	entries := m.live
	if len(entries) > maxLiveLines {
		entries = entries[len(entries)-maxLiveLines:]
	}
	lines := make([]string, 0, len(entries))
	for _, e := range entries {
		style := ClientLineStyle
		if e.Direction == recording.DirectionAgent {
			style = AgentLineStyle
		}
		lines = append(lines, style.Render(speaker(e.Direction)+":")+" "+strings.TrimSpace(e.Text))
	}
	return strings.Join(lines, "\n")
}

func (m *Console) help() string {
	if m.agent {
		return "a availability • m mute • d disconnect • q quit"
	}
	return "m mute • h hang up • q quit"
}
