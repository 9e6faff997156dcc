package ui

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/ReiletaI/callguard/internal/recording"
)

func TestFormatDuration(t *testing.T) {
	cases := map[int]string{
		-3:   "00:00",
		0:    "00:00",
		59:   "00:59",
		65:   "01:05",
		3600: "1:00:00",
		3725: "1:02:05",
	}
	for in, want := range cases {
		assert.Equal(t, want, FormatDuration(in), "seconds=%d", in)
	}
}

func TestCallHistoryView(t *testing.T) {
	assert.Contains(t, CallHistoryView(nil), "No calls")

	view := CallHistoryView([]CallSummary{
		{RoomID: "ROOM01", Started: time.Date(2026, 1, 2, 9, 30, 0, 0, time.Local), Duration: 65 * time.Second, Outcome: "Ended"},
		{RoomID: "ROOM02", Duration: 10 * time.Second, Outcome: "Failed: Connection lost."},
	})
	assert.Contains(t, view, "ROOM01")
	assert.Contains(t, view, "09:30:00")
	assert.Contains(t, view, "01:05")
	assert.Contains(t, view, "ROOM02")
	assert.Contains(t, view, "01:15", "footer totals both calls")
}

func TestTranscriptView(t *testing.T) {
	assert.Contains(t, TranscriptView("ROOM01", nil), "No transcript")

	at := time.Date(2026, 1, 2, 9, 30, 5, 0, time.Local)
	view := TranscriptView("ROOM01", []recording.Entry{
		{Direction: recording.DirectionAgent, Text: " hello ", At: at},
		{Direction: recording.DirectionClient, Text: "what is your card number", At: at.Add(time.Second)},
	})
	assert.Contains(t, view, "ROOM01")
	assert.Contains(t, view, "Agent")
	assert.Contains(t, view, "Caller")
	assert.Contains(t, view, "what is your card number")
	assert.Contains(t, view, "09:30:06")
}

func TestRoomInfoView(t *testing.T) {
	view := RoomInfoView("ROOM01", "agent1")
	assert.Contains(t, view, "ROOM01")
	assert.Contains(t, view, "agent1")
}
