package ui

import (
	"fmt"
	"strings"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"

	"github.com/ReiletaI/callguard/internal/recording"
)

// CallSummary is what the console remembers about one finished call.
type CallSummary struct {
	RoomID   string
	Started  time.Time
	Duration time.Duration
	Outcome  string
	Entries  []recording.Entry
}

func newTable(title string) table.Writer {
	t := table.NewWriter()
	t.SetTitle(title)
	t.SetStyle(table.StyleRounded)
	t.Style().Title.Align = text.AlignCenter
	t.Style().Format.Header = text.FormatDefault
	return t
}

// CallHistoryView renders one row per finished call.
func CallHistoryView(calls []CallSummary) string {
	if len(calls) == 0 {
		return MutedStyle.Render("No calls")
	}

	t := newTable(IconSummary + " Call Summary")
	t.AppendHeader(table.Row{"#", "Room", "Started", "Duration", "Segments", "Outcome"})
	var total time.Duration
	for i, c := range calls {
		started := "-"
		if !c.Started.IsZero() {
			started = c.Started.Format("15:04:05")
		}
		t.AppendRow(table.Row{i + 1, c.RoomID, started, FormatDuration(int(c.Duration.Seconds())), len(c.Entries), c.Outcome})
		total += c.Duration
	}
	t.AppendFooter(table.Row{"", "", "Total", FormatDuration(int(total.Seconds())), "", ""})
	t.SetColumnConfigs([]table.ColumnConfig{
		{Number: 1, Align: text.AlignRight},
		{Number: 4, Align: text.AlignRight},
		{Number: 5, Align: text.AlignRight},
		{Number: 6, WidthMax: 40},
	})
	return t.Render()
}

// TranscriptView renders a call's transcript in arrival order.
func TranscriptView(roomID string, entries []recording.Entry) string {
	if len(entries) == 0 {
		return MutedStyle.Render("No transcript")
	}

	t := newTable(fmt.Sprintf("%s Transcript %s", IconScript, roomID))
	t.AppendHeader(table.Row{"Time", "Speaker", "Text"})
	for _, e := range entries {
		t.AppendRow(table.Row{e.At.Format("15:04:05"), speaker(e.Direction), strings.TrimSpace(e.Text)})
	}
	t.SetColumnConfigs([]table.ColumnConfig{
		{Number: 2, Colors: text.Colors{text.Bold}},
		{Number: 3, WidthMax: 70},
	})
	return t.Render()
}

func RenderCallHistory(calls []CallSummary) {
	fmt.Println(CallHistoryView(calls))
}

func RenderTranscript(roomID string, entries []recording.Entry) {
	fmt.Println(TranscriptView(roomID, entries))
}

func speaker(d recording.Direction) string {
	if d == recording.DirectionAgent {
		return "Agent"
	}
	return "Caller"
}

// RoomInfoView is the box shown when the agent's room is ready.
func RoomInfoView(roomID, agent string) string {
	content := fmt.Sprintf("%s Room ready\n\n%s Room ID:  %s\n%s Agent:    %s\n\n%s",
		IconSuccess,
		IconCopy, BoldStyle.Foreground(Primary).Render(roomID),
		IconAgent, agent,
		MutedStyle.Render("Share the room id with the caller, or let them join any waiting room."),
	)
	return RoomBoxStyle.Render(content)
}
