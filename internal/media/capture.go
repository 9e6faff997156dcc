package media

import (
	"context"
	"errors"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
	pionmedia "github.com/pion/webrtc/v4/pkg/media"

	"github.com/ReiletaI/callguard/internal/callerr"
)

const (
	// ClockRate is the Opus RTP clock.
	ClockRate = 48000

	// FrameDuration is the packetization interval used by every source.
	FrameDuration = 20 * time.Millisecond

	opusPayloadType = 111
)

// SilenceFrame is a single 20 ms Opus packet that decodes to silence.
var SilenceFrame = []byte{0xf8, 0xff, 0xfe}

// Source acquires local audio.
type Source interface {
	Acquire(ctx context.Context) (*Capture, error)
}

// Capture is one acquired local audio source. Its packets go to Track for
// sending and to Stream for local recording.
type Capture struct {
	Track  *webrtc.TrackLocalStaticRTP
	Stream *Stream

	muted     atomic.Bool
	stop      func()
	closeOnce sync.Once
	done      chan struct{}
}

func newCapture(label string) (*Capture, error) {
	track, err := webrtc.NewTrackLocalStaticRTP(webrtc.RTPCodecCapability{
		MimeType:  webrtc.MimeTypeOpus,
		ClockRate: ClockRate,
		Channels:  2,
	}, "audio", "callguard-"+uuid.NewString())
	if err != nil {
		return nil, callerr.NewError("create local track", callerr.KindDevice, err)
	}

	c := &Capture{
		Track:  track,
		Stream: NewStream(label),
		done:   make(chan struct{}),
	}
	c.Stream.AddTrack()
	return c, nil
}

// SetMuted switches silence substitution on or off.
func (c *Capture) SetMuted(muted bool) { c.muted.Store(muted) }

// Muted reports whether the capture is muted.
func (c *Capture) Muted() bool { return c.muted.Load() }

// Done is closed once the capture has been closed.
func (c *Capture) Done() <-chan struct{} { return c.done }

// Close stops the source and ends the local stream. It is safe to call
// more than once.
func (c *Capture) Close() error {
	c.closeOnce.Do(func() {
		close(c.done)
		if c.stop != nil {
			c.stop()
		}
		c.Stream.End()
	})
	return nil
}

// write forwards one packet, swapping in silence while muted.
func (c *Capture) write(pkt *rtp.Packet) error {
	select {
	case <-c.done:
		return errCaptureClosed
	default:
	}

	if c.muted.Load() {
		silent := *pkt
		silent.Payload = SilenceFrame
		pkt = &silent
	}

	c.Stream.Publish(pkt)
	if err := c.Track.WriteRTP(pkt); err != nil && !errors.Is(err, io.ErrClosedPipe) {
		return err
	}
	return nil
}

var errCaptureClosed = errors.New("capture closed")

// packetizer turns Opus samples into RTP packets with continuous sequence
// numbers and timestamps.
type packetizer struct {
	ssrc      uint32
	seq       uint16
	timestamp uint32
}

func newPacketizer() *packetizer {
	id := uuid.New()
	return &packetizer{
		ssrc: uint32(id[0])<<24 | uint32(id[1])<<16 | uint32(id[2])<<8 | uint32(id[3]),
		seq:  uint16(id[4])<<8 | uint16(id[5]),
	}
}

func (p *packetizer) packet(sample pionmedia.Sample) *rtp.Packet {
	pkt := &rtp.Packet{
		Header: rtp.Header{
			Version:        2,
			PayloadType:    opusPayloadType,
			SequenceNumber: p.seq,
			Timestamp:      p.timestamp,
			SSRC:           p.ssrc,
		},
		Payload: sample.Data,
	}
	p.seq++
	p.timestamp += uint32(sample.Duration.Seconds() * ClockRate)
	return pkt
}
