package ui

import (
	"fmt"

	"github.com/charmbracelet/lipgloss"

	"github.com/ReiletaI/callguard/internal/session"
)

// Color palette
var (
	Primary    = lipgloss.Color("#38bdf8") // Sky
	Secondary  = lipgloss.Color("#a78bfa") // Lavender
	Success    = lipgloss.Color("#22c55e") // Green
	Warning    = lipgloss.Color("#f59e0b") // Amber
	Error      = lipgloss.Color("#ef4444") // Red
	Muted      = lipgloss.Color("#6b7280") // Gray
	Foreground = lipgloss.Color("#f9fafb")
)

var (
	TitleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(Primary)

	SuccessStyle = lipgloss.NewStyle().
			Foreground(Success).
			Bold(true)

	ErrorStyle = lipgloss.NewStyle().
			Foreground(Error).
			Bold(true)

	WarningStyle = lipgloss.NewStyle().
			Foreground(Warning)

	MutedStyle = lipgloss.NewStyle().
			Foreground(Muted)

	BoldStyle = lipgloss.NewStyle().
			Bold(true)

	// BadgeStyle renders the current state as a pill; Background is set per
	// state by stateBadge.
	BadgeStyle = lipgloss.NewStyle().
			Foreground(Foreground).
			Padding(0, 1).
			Bold(true)

	AgentLineStyle = lipgloss.NewStyle().
			Foreground(Primary)

	ClientLineStyle = lipgloss.NewStyle().
			Foreground(Secondary)
)

var (
	RoomBoxStyle = lipgloss.NewStyle().
			Border(lipgloss.DoubleBorder()).
			BorderForeground(Success).
			Padding(1, 2)

	PanelStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(Primary).
			Padding(0, 1)

	FooterStyle = lipgloss.NewStyle().
			Foreground(Muted).
			MarginTop(1)
)

var SpinnerStyle = lipgloss.NewStyle().Foreground(Primary)

const (
	IconPhone    = "📞"
	IconAgent    = "🎧"
	IconClient   = "👤"
	IconRoom     = "🚪"
	IconSuccess  = "✅"
	IconError    = "❌"
	IconWarning  = "⚠️"
	IconInfo     = "ℹ️"
	IconMuted    = "🔇"
	IconLive     = "🔴"
	IconTime     = "⏱️"
	IconWaiting  = "⏳"
	IconCopy     = "📋"
	IconHangUp   = "📴"
	IconSummary  = "📊"
	IconScript   = "📝"
	IconSearch   = "🔎"
	IconShutdown = "🛑"
)

// stateBadge is the colored label shown for a coordinator state.
func stateBadge(st session.State) string {
	bg := Muted
	switch st {
	case session.StateArming, session.StateWaiting, session.StateSearching, session.StateJoiningSpecific:
		bg = Warning
	case session.StateConnecting:
		bg = Secondary
	case session.StateConnected:
		bg = Success
	case session.StateEnding:
		bg = Error
	}
	return BadgeStyle.Background(bg).Render(stateLabel(st))
}

func stateLabel(st session.State) string {
	switch st {
	case session.StateIdle:
		return "Idle"
	case session.StateArming:
		return "Preparing"
	case session.StateWaiting:
		return "Waiting for caller"
	case session.StateSearching:
		return "Looking for an agent"
	case session.StateJoiningSpecific:
		return "Joining room"
	case session.StateConnecting:
		return "Connecting"
	case session.StateConnected:
		return "In call"
	case session.StateEnding:
		return "Hanging up"
	default:
		return st.String()
	}
}

// FormatDuration renders a call duration as mm:ss, or h:mm:ss past an hour.
func FormatDuration(seconds int) string {
	if seconds < 0 {
		seconds = 0
	}
	h, m, s := seconds/3600, seconds/60%60, seconds%60
	if h > 0 {
		return fmt.Sprintf("%d:%02d:%02d", h, m, s)
	}
	return fmt.Sprintf("%02d:%02d", m, s)
}

func PrintError(msg string) {
	fmt.Printf("%s %s\n", ErrorStyle.Render(IconError), ErrorStyle.Render(msg))
}

func PrintWarning(msg string) {
	fmt.Printf("%s %s\n", WarningStyle.Render(IconWarning), WarningStyle.Render(msg))
}

func PrintSuccess(msg string) {
	fmt.Printf("%s %s\n", SuccessStyle.Render(IconSuccess), msg)
}

func PrintInfo(msg string) {
	fmt.Printf("%s %s\n", IconInfo, msg)
}

func PrintInfof(format string, args ...any) {
	PrintInfo(fmt.Sprintf(format, args...))
}
