package session

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/ReiletaI/callguard/internal/backend"
	"github.com/ReiletaI/callguard/internal/media"
	"github.com/ReiletaI/callguard/internal/report"
	"github.com/ReiletaI/callguard/internal/signaling"
	"github.com/ReiletaI/callguard/internal/transport"
)

// fakeNet pairs fake peers by offer SDP, standing in for ICE and DTLS.
type fakeNet struct {
	mu        sync.Mutex
	offers    map[string]*fakePeer
	answerers map[string]*fakePeer
	peers     []*fakePeer

	// stall keeps SetRemoteAnswer from connecting the pair.
	stall atomic.Bool
	opens atomic.Int32
}

func newFakeNet() *fakeNet {
	return &fakeNet{offers: map[string]*fakePeer{}, answerers: map[string]*fakePeer{}}
}

func (n *fakeNet) open(ctx context.Context) (Peer, error) {
	n.opens.Add(1)
	p := &fakePeer{net: n, remote: media.NewStream("remote")}
	n.mu.Lock()
	n.peers = append(n.peers, p)
	n.mu.Unlock()
	return p, nil
}

func (n *fakeNet) peer(i int) *fakePeer {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.peers[i]
}

type fakePeer struct {
	net    *fakeNet
	remote *media.Stream

	mu          sync.Mutex
	onLocal     func(signaling.Candidate)
	onAudio     func(*media.Stream)
	onState     func(transport.State)
	connected   bool
	remoteCands []signaling.Candidate

	closes atomic.Int32
}

func (p *fakePeer) RemoteStream() *media.Stream { return p.remote }

func (p *fakePeer) AddLocalTracks(c *media.Capture) error { return nil }

func (p *fakePeer) CreateOffer(ctx context.Context) (signaling.SessionDescription, error) {
	sdp := "offer-" + uuid.NewString()
	p.net.mu.Lock()
	p.net.offers[sdp] = p
	p.net.mu.Unlock()
	p.gather()
	return signaling.SessionDescription{Type: "offer", SDP: sdp}, nil
}

func (p *fakePeer) AcceptOffer(ctx context.Context, offer signaling.SessionDescription) (signaling.SessionDescription, error) {
	if offer.Type != "offer" {
		return signaling.SessionDescription{}, errors.New("not an offer")
	}
	p.net.mu.Lock()
	_, ok := p.net.offers[offer.SDP]
	if ok {
		p.net.answerers[offer.SDP] = p
	}
	p.net.mu.Unlock()
	if !ok {
		return signaling.SessionDescription{}, fmt.Errorf("unknown offer %q", offer.SDP)
	}
	p.gather()
	return signaling.SessionDescription{Type: "answer", SDP: "answer:" + offer.SDP}, nil
}

func (p *fakePeer) SetRemoteAnswer(ctx context.Context, answer signaling.SessionDescription) error {
	offer, ok := strings.CutPrefix(answer.SDP, "answer:")
	if answer.Type != "answer" || !ok {
		return errors.New("not an answer")
	}
	p.net.mu.Lock()
	client := p.net.answerers[offer]
	p.net.mu.Unlock()
	if client == nil {
		return fmt.Errorf("nobody answered %q", offer)
	}
	if p.net.stall.Load() {
		return nil
	}
	p.connect()
	client.connect()
	return nil
}

func (p *fakePeer) AddRemoteCandidate(c signaling.Candidate) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.remoteCands = append(p.remoteCands, c)
	return nil
}

func (p *fakePeer) OnLocalCandidate(fn func(signaling.Candidate)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.onLocal = fn
}

func (p *fakePeer) OnRemoteAudio(fn func(*media.Stream)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.onAudio = fn
}

func (p *fakePeer) OnStateChange(fn func(transport.State)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.onState = fn
}

func (p *fakePeer) Close() {
	if p.closes.Add(1) == 1 {
		p.remote.End()
	}
}

// gather trickles one host candidate shortly after a local description.
func (p *fakePeer) gather() {
	go func() {
		time.Sleep(5 * time.Millisecond)
		p.mu.Lock()
		fn := p.onLocal
		p.mu.Unlock()
		if fn != nil {
			fn(signaling.Candidate{Candidate: "candidate:1 1 udp 2122260223 10.0.0.1 50000 typ host"})
		}
	}()
}

func (p *fakePeer) connect() {
	p.mu.Lock()
	if p.connected {
		p.mu.Unlock()
		return
	}
	p.connected = true
	audio, state := p.onAudio, p.onState
	p.mu.Unlock()

	p.remote.AddTrack()
	if state != nil {
		state(transport.StateConnected)
	}
	if audio != nil {
		audio(p.remote)
	}
}

func (p *fakePeer) fail() {
	p.mu.Lock()
	state := p.onState
	p.mu.Unlock()
	if state != nil {
		state(transport.StateFailed)
	}
}

func (p *fakePeer) remoteCandidates() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.remoteCands)
}

// countingSource wraps a source and counts acquisitions.
type countingSource struct {
	media.Source
	calls atomic.Int32
}

func (s *countingSource) Acquire(ctx context.Context) (*media.Capture, error) {
	s.calls.Add(1)
	return s.Source.Acquire(ctx)
}

type failingSource struct{ err error }

func (s failingSource) Acquire(ctx context.Context) (*media.Capture, error) {
	return nil, s.err
}

// journal records the order teardown work happens in across fakes.
type journal struct {
	mu      sync.Mutex
	entries []string
	records []backend.CallRecord
}

func (j *journal) add(entry string) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.entries = append(j.entries, entry)
}

func (j *journal) list() []string {
	j.mu.Lock()
	defer j.mu.Unlock()
	return append([]string(nil), j.entries...)
}

func (j *journal) calls() []backend.CallRecord {
	j.mu.Lock()
	defer j.mu.Unlock()
	return append([]backend.CallRecord(nil), j.records...)
}

func (j *journal) LogCall(ctx context.Context, rec backend.CallRecord) backend.Result[struct{}] {
	j.mu.Lock()
	j.records = append(j.records, rec)
	j.mu.Unlock()
	j.add("report")
	return backend.Result[struct{}]{}
}

func (j *journal) SaveRecording(ctx context.Context, req backend.RecordingRequest) backend.Result[backend.SavedRecording] {
	j.add("recording:" + req.RoomID)
	return backend.Result[backend.SavedRecording]{Value: backend.SavedRecording{Success: true, FileID: "f1"}}
}

func (j *journal) Transcribe(ctx context.Context, req backend.TranscriptionRequest) backend.Result[backend.Transcription] {
	return backend.Result[backend.Transcription]{Value: backend.Transcription{Text: "hello from " + req.SourceType, Success: true}}
}

// harness wires one coordinator to a shared hub and fake network.
type harness struct {
	coord   *Coordinator
	net     *fakeNet
	journal *journal
	source  *countingSource
}

type option func(*Config, *Deps)

func withConfig(fn func(*Config)) option {
	return func(cfg *Config, _ *Deps) { fn(cfg) }
}

func withSource(src media.Source) option {
	return func(_ *Config, deps *Deps) { deps.Media = src }
}

func newTestHub(t *testing.T, opts ...signaling.HubOption) *signaling.Hub {
	t.Helper()
	h := signaling.NewHub(opts...)
	go h.Run()
	t.Cleanup(func() { _ = h.Close() })
	return h
}

func startCoordinator(t *testing.T, role Role, hub *signaling.Hub, net *fakeNet, opts ...option) *harness {
	t.Helper()
	j := &journal{}
	src := &countingSource{Source: media.SilenceSource{}}

	cfg := Config{
		Role:          role,
		AgentUsername: "agent1",
		RearmDelay:    100 * time.Millisecond,
		RetryDelay:    200 * time.Millisecond,
		SegmentLength: time.Hour,
		FlushWait:     100 * time.Millisecond,
		WriteTimeout:  2 * time.Second,
	}
	deps := Deps{
		Channel:     hub,
		Open:        net.open,
		Media:       src,
		Transcriber: j,
		Recordings:  j,
		Reporter:    report.New(j, nil),
	}
	for _, opt := range opts {
		opt(&cfg, &deps)
	}

	c := New(cfg, deps)
	ctx, cancel := context.WithCancel(context.Background())
	go func() { _ = c.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		<-c.Done()
	})
	return &harness{coord: c, net: net, journal: j, source: src}
}

func (h *harness) snapshot(t *testing.T) Snapshot {
	t.Helper()
	snap, err := h.coord.Snapshot()
	require.NoError(t, err)
	return snap
}

func (h *harness) waitState(t *testing.T, want State) Snapshot {
	t.Helper()
	var snap Snapshot
	require.Eventually(t, func() bool {
		snap = h.snapshot(t)
		return snap.State == want
	}, 5*time.Second, 10*time.Millisecond, "state never became %s", want)
	return snap
}

// waitEvent returns the first event of kind, skipping others.
func (h *harness) waitEvent(t *testing.T, kind EventKind) Event {
	t.Helper()
	timeout := time.After(5 * time.Second)
	for {
		select {
		case ev := <-h.coord.Events():
			if ev.Kind == kind {
				return ev
			}
		case <-timeout:
			t.Fatalf("no %s event", kind)
			return Event{}
		}
	}
}

// clock is an adjustable time source.
type clock struct {
	mu     sync.Mutex
	offset time.Duration
}

func (c *clock) now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return time.Now().Add(c.offset)
}

func (c *clock) advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.offset += d
}
