// Package recording cuts a call's audio into transcription segments and
// keeps a full-session recording.
package recording

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/ReiletaI/callguard/internal/backend"
	"github.com/ReiletaI/callguard/internal/media"
	"github.com/ReiletaI/callguard/internal/metrics"
)

// Config configures one call's pipeline.
type Config struct {
	// RoomID is captured when the call starts and used for every upload.
	RoomID string
	// RoomStatus returns the room's current status label.
	RoomStatus func() string

	SegmentLength time.Duration
	RearmDelay    time.Duration
	// FlushWait bounds how long Stop waits for the final segments'
	// transcriptions.
	FlushWait time.Duration

	Transcriber backend.Transcriber
	// OnEntry, if set, is called for every new transcript entry.
	OnEntry func(Entry)

	Logger *zap.Logger
	Clock  func() time.Time
}

// Pipeline runs the per-direction segment lanes and the full recorder for
// one call.
type Pipeline struct {
	cfg        Config
	transcript Transcript
	metrics    *metrics.Metrics
	log        *zap.Logger
	now        func() time.Time

	running atomic.Bool

	mu      sync.Mutex
	started bool
	stopped bool
	lanes   []*lane
	full    *fullRecorder

	inflight sync.WaitGroup
}

// New creates an idle pipeline.
func New(cfg Config) *Pipeline {
	if cfg.SegmentLength <= 0 {
		cfg.SegmentLength = 25 * time.Second
	}
	if cfg.RearmDelay <= 0 {
		cfg.RearmDelay = 100 * time.Millisecond
	}
	if cfg.RoomStatus == nil {
		cfg.RoomStatus = func() string { return "" }
	}
	log := cfg.Logger
	if log == nil {
		log = zap.NewNop()
	}
	now := cfg.Clock
	if now == nil {
		now = time.Now
	}
	return &Pipeline{
		cfg:     cfg,
		metrics: metrics.DefaultMetrics,
		log:     log.With(zap.String("room", cfg.RoomID)),
		now:     now,
	}
}

// Start begins recording local (the agent) and remote (the client). Calls
// after the first are ignored.
func (p *Pipeline) Start(local, remote *media.Stream) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.started || p.stopped {
		return
	}
	p.started = true
	p.running.Store(true)

	p.full = newFullRecorder(p.cfg.RoomID, p.now)
	p.full.attach(local, remote)

	p.lanes = []*lane{
		newLane(p, DirectionAgent, local),
		newLane(p, DirectionClient, remote),
	}
	for _, l := range p.lanes {
		l.start()
	}
	p.log.Info("recording started")
}

// Stop seals the open segments, which are still transcribed, and finishes
// the full recording. Only the first call returns the recording.
func (p *Pipeline) Stop() *Recording {
	p.mu.Lock()
	if !p.started || p.stopped {
		p.stopped = true
		p.mu.Unlock()
		return nil
	}
	p.stopped = true
	p.running.Store(false)
	lanes, full := p.lanes, p.full
	p.mu.Unlock()

	for _, l := range lanes {
		l.stop()
	}
	rec := full.stop()

	if p.cfg.FlushWait > 0 {
		ctx, cancel := context.WithTimeout(context.Background(), p.cfg.FlushWait)
		_ = p.Wait(ctx)
		cancel()
	}

	if rec != nil {
		p.metrics.RecordingBytes.Observe(float64(len(rec.Audio)))
		p.log.Info("recording stopped", zap.Int("bytes", len(rec.Audio)), zap.Duration("duration", rec.Duration))
	}
	return rec
}

// Wait blocks until every dispatched transcription finished or ctx ends.
func (p *Pipeline) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		p.inflight.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Transcript is the call's transcript so far.
func (p *Pipeline) Transcript() *Transcript { return &p.transcript }

func (p *Pipeline) active() bool { return p.running.Load() }

// dispatch hands a sealed segment to the transcriber in the background.
func (p *Pipeline) dispatch(dir Direction, seg *segment) {
	p.metrics.SegmentsSealed.WithLabelValues(string(dir)).Inc()
	if seg.w.Frames() == 0 {
		return
	}
	if p.cfg.RoomID == "" {
		p.log.Warn("no room id for segment, skipping transcription", zap.String("direction", string(dir)))
		return
	}
	if p.cfg.Transcriber == nil {
		return
	}

	req := backend.TranscriptionRequest{
		Audio:      seg.w.Bytes(),
		RoomStatus: p.cfg.RoomStatus(),
		RoomID:     p.cfg.RoomID,
		SourceType: string(dir),
	}
	index := seg.index

	p.inflight.Add(1)
	go func() {
		defer p.inflight.Done()

		start := time.Now()
		res := p.cfg.Transcriber.Transcribe(context.Background(), req)
		p.metrics.TranscriptionLatency.Observe(time.Since(start).Seconds())
		p.metrics.TranscriptionResults.WithLabelValues(string(dir), metrics.Result(res.OK())).Inc()

		if !res.OK() || res.Value.Text == "" {
			p.log.Warn("transcription failed",
				zap.String("direction", string(dir)),
				zap.Int("segment", index),
				zap.Error(res.Err()))
			return
		}

		e := p.transcript.append(Entry{
			Direction: dir,
			Text:      res.Value.Text,
			At:        p.now(),
			Segment:   index,
		})
		if p.cfg.OnEntry != nil {
			p.cfg.OnEntry(e)
		}
	}()
}
