package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/ReiletaI/callguard/internal/dns"
)

const maxErrorBody = 512

// Client is the HTTP client for the analysis backend.
type Client struct {
	baseURL string
	http    *http.Client
	log     *zap.Logger
}

// NewClient creates a client for baseURL. A zero timeout means 30s.
func NewClient(baseURL string, timeout time.Duration, log *zap.Logger) *Client {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	if log == nil {
		log = zap.NewNop()
	}
	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.DialContext = dns.DialContext

	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: timeout, Transport: transport},
		log:     log,
	}
}

type transcribeBody struct {
	Audio      string `json:"audio"`
	RoomStatus string `json:"roomStatus"`
	RoomID     string `json:"roomId,omitempty"`
	SourceType string `json:"sourceType,omitempty"`
}

// Transcribe sends one segment to POST /groq/transcribe. It never returns
// an error; a failed call yields a Result whose value is the standard
// failed transcription.
func (c *Client) Transcribe(ctx context.Context, req TranscriptionRequest) Result[Transcription] {
	var out Transcription
	res := c.post(ctx, "/groq/transcribe", transcribeBody{
		Audio:      DataURL(req.Audio),
		RoomStatus: req.RoomStatus,
		RoomID:     req.RoomID,
		SourceType: req.SourceType,
	}, &out)
	if res != nil {
		return Result[Transcription]{
			Value:   Transcription{Text: TranscriptionFailedText, Success: false},
			Failure: res,
		}
	}
	if !out.Success {
		return Result[Transcription]{
			Value:   out,
			Failure: &Failure{Kind: Rejected, Message: "transcription unsuccessful"},
		}
	}
	return ok(out)
}

type recordingBody struct {
	Audio  string `json:"audio"`
	RoomID string `json:"roomId"`
}

// SaveRecording uploads the full recording to POST /save_conversation.
func (c *Client) SaveRecording(ctx context.Context, req RecordingRequest) Result[SavedRecording] {
	var out SavedRecording
	if f := c.post(ctx, "/save_conversation", recordingBody{Audio: DataURL(req.Audio), RoomID: req.RoomID}, &out); f != nil {
		return Result[SavedRecording]{Value: SavedRecording{Message: "Failed to save conversation recording"}, Failure: f}
	}
	if !out.Success {
		return Result[SavedRecording]{Value: out, Failure: &Failure{Kind: Rejected, Message: out.Message}}
	}
	return ok(out)
}

// LogCall sends the call record to POST /log_call.
func (c *Client) LogCall(ctx context.Context, rec CallRecord) Result[struct{}] {
	var out struct {
		Success *bool `json:"success"`
	}
	if f := c.post(ctx, "/log_call", rec, &out); f != nil {
		return Result[struct{}]{Failure: f}
	}
	if out.Success != nil && !*out.Success {
		return fail[struct{}](Rejected, 0, "call log rejected")
	}
	return ok(struct{}{})
}

// post sends body as JSON and decodes the response into out.
func (c *Client) post(ctx context.Context, path string, body, out any) *Failure {
	payload, err := json.Marshal(body)
	if err != nil {
		return &Failure{Kind: Decode, Message: fmt.Sprintf("encode request: %v", err)}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return &Failure{Kind: Unreachable, Message: err.Error()}
	}
	req.Header.Set("Content-Type", "application/json")

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		c.log.Warn("backend request failed", zap.String("path", path), zap.Error(err))
		return &Failure{Kind: Unreachable, Message: err.Error()}
	}
	defer resp.Body.Close()

	c.log.Debug("backend response",
		zap.String("path", path),
		zap.Int("status", resp.StatusCode),
		zap.Duration("took", time.Since(start)))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		text, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		c.log.Warn("backend error status",
			zap.String("path", path),
			zap.Int("status", resp.StatusCode),
			zap.String("body", string(text)))
		return &Failure{Kind: Status, StatusCode: resp.StatusCode, Message: string(text)}
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return &Failure{Kind: Unreachable, Message: err.Error()}
	}
	if len(bytes.TrimSpace(data)) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return &Failure{Kind: Decode, Message: err.Error()}
	}
	return nil
}
