package backend

import (
	"context"
	"encoding/base64"
	"errors"
	"strings"
)

// AudioMimeType is the container used for every upload.
const AudioMimeType = "audio/webm"

// TranscriptionFailedText is the text reported for a segment whose
// transcription did not succeed.
const TranscriptionFailedText = "Transcription failed"

// TranscriptionRequest is one audio segment sent for transcription.
type TranscriptionRequest struct {
	Audio      []byte
	RoomStatus string
	RoomID     string
	SourceType string
}

// Transcription is the backend's answer for one segment.
type Transcription struct {
	Text    string `json:"text"`
	Success bool   `json:"success"`
}

// RecordingRequest uploads the full-session recording.
type RecordingRequest struct {
	Audio  []byte
	RoomID string
}

// SavedRecording is the backend's answer to a recording upload.
type SavedRecording struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
	FileID  string `json:"fileId,omitempty"`
}

// CallRecord is the data logged for every finished call.
type CallRecord struct {
	AgentUsername string  `json:"agentUsername"`
	CallDuration  int     `json:"callDuration"`
	CallStart     *string `json:"callStart"`
	RoomID        *string `json:"roomId"`
}

// Transcriber turns audio segments into text.
type Transcriber interface {
	Transcribe(ctx context.Context, req TranscriptionRequest) Result[Transcription]
}

// RecordingSink stores full-session recordings.
type RecordingSink interface {
	SaveRecording(ctx context.Context, req RecordingRequest) Result[SavedRecording]
}

// CallLogger records finished calls.
type CallLogger interface {
	LogCall(ctx context.Context, rec CallRecord) Result[struct{}]
}

// DataURL encodes audio the way a browser FileReader would.
func DataURL(audio []byte) string {
	return "data:" + AudioMimeType + ";base64," + base64.StdEncoding.EncodeToString(audio)
}

// ParseDataURL is the inverse of DataURL.
func ParseDataURL(s string) ([]byte, error) {
	rest, ok := strings.CutPrefix(s, "data:")
	if !ok {
		return nil, errors.New("not a data URL")
	}
	meta, payload, ok := strings.Cut(rest, ",")
	if !ok || !strings.HasSuffix(meta, ";base64") {
		return nil, errors.New("data URL is not base64")
	}
	return base64.StdEncoding.DecodeString(payload)
}
