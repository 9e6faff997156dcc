// Package media holds the audio plumbing shared by the transport and the
// recorders: live packet streams and local capture sources.
package media

import (
	"sync"

	"github.com/pion/rtp"
)

// PacketFunc receives every packet published on a Stream. It runs on the
// publisher's goroutine and must not block.
type PacketFunc func(pkt *rtp.Packet)

// Stream is a live Opus stream that any number of taps can subscribe to.
// A stream counts the audio tracks feeding it and is Live while it has at
// least one and has not ended.
type Stream struct {
	label string

	mu     sync.RWMutex
	tracks int
	ended  bool
	next   uint64
	subs   map[uint64]PacketFunc
	done   chan struct{}
}

// NewStream creates an empty stream.
func NewStream(label string) *Stream {
	return &Stream{
		label: label,
		subs:  make(map[uint64]PacketFunc),
		done:  make(chan struct{}),
	}
}

// Label names the stream in logs.
func (s *Stream) Label() string { return s.label }

// AddTrack records one more audio track feeding the stream.
func (s *Stream) AddTrack() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.ended {
		s.tracks++
	}
}

// RemoveTrack records that an audio track stopped.
func (s *Stream) RemoveTrack() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.tracks > 0 {
		s.tracks--
	}
}

// AudioTracks returns the number of audio tracks currently feeding the stream.
func (s *Stream) AudioTracks() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.tracks
}

// Live reports whether the stream still carries audio.
func (s *Stream) Live() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return !s.ended && s.tracks > 0
}

// Done is closed when the stream ends.
func (s *Stream) Done() <-chan struct{} { return s.done }

// Subscribe adds a tap. The returned func removes it and may be called more
// than once.
func (s *Stream) Subscribe(fn PacketFunc) func() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ended {
		return func() {}
	}
	id := s.next
	s.next++
	s.subs[id] = fn
	return func() {
		s.mu.Lock()
		delete(s.subs, id)
		s.mu.Unlock()
	}
}

// Publish hands pkt to every tap.
func (s *Stream) Publish(pkt *rtp.Packet) {
	s.mu.RLock()
	if s.ended {
		s.mu.RUnlock()
		return
	}
	taps := make([]PacketFunc, 0, len(s.subs))
	for _, fn := range s.subs {
		taps = append(taps, fn)
	}
	s.mu.RUnlock()

	for _, fn := range taps {
		fn(pkt)
	}
}

// End stops the stream. Taps receive nothing afterwards.
func (s *Stream) End() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ended {
		return
	}
	s.ended = true
	s.tracks = 0
	s.subs = nil
	close(s.done)
}
