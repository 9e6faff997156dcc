package ui

import (
	"context"
	"fmt"
	"io"
	"time"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/ReiletaI/callguard/internal/session"
)

// RunConsole takes over the terminal until the user quits or the
// coordinator stops. The returned console holds the finished calls.
func RunConsole(ctx context.Context, ctl Controller, role session.Role, name string) (*Console, error) {
	m := NewConsole(ctl, role, name)
	// Inline mode keeps the setup output above the console visible.
	p := tea.NewProgram(m, tea.WithContext(ctx))
	final, err := p.Run()
	if err != nil && ctx.Err() == nil {
		return m, fmt.Errorf("console: %w", err)
	}
	if c, ok := final.(*Console); ok {
		return c, nil
	}
	return m, nil
}

// RunPlain prints one line per event, for terminals without a TTY. An
// agent runs until ctx is done; a client returns once its call is over.
func RunPlain(ctx context.Context, ctl Controller, role session.Role, name string, out io.Writer) *Console {
	m := NewConsole(ctl, role, name)
	var linger <-chan time.Time

	for {
		select {
		case <-ctx.Done():
			m.closeCall(outcomeEnded)
			return m
		case <-ctl.Done():
			m.closeCall(outcomeEnded)
			return m
		case <-linger:
			return m
		case ev := <-ctl.Events():
			m.handleEvent(ev)
			if line := plainLine(ev); line != "" {
				fmt.Fprintln(out, line)
			}
			if !m.agent && m.busySeen && m.state == session.StateIdle && linger == nil {
				linger = time.After(clientLinger)
			}
		}
	}
}

func plainLine(ev session.Event) string {
	stamp := time.Now().Format("15:04:05")
	switch ev.Kind {
	case session.EventStateChanged:
		if ev.RoomID != "" {
			return fmt.Sprintf("%s %s (%s)", stamp, stateLabel(ev.State), ev.RoomID)
		}
		return fmt.Sprintf("%s %s", stamp, stateLabel(ev.State))
	case session.EventTranscript:
		return fmt.Sprintf("%s %s: %s", stamp, speaker(ev.Entry.Direction), ev.Entry.Text)
	case session.EventNotice:
		return fmt.Sprintf("%s %s", stamp, ev.Message)
	case session.EventFailed:
		return fmt.Sprintf("%s error: %s", stamp, ev.Message)
	}
	return ""
}
