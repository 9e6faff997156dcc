package media

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/pion/rtp"
	pionmedia "github.com/pion/webrtc/v4/pkg/media"
	"github.com/pion/webrtc/v4/pkg/media/oggwriter"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ReiletaI/callguard/internal/callerr"
)

type packetLog struct {
	mu   sync.Mutex
	pkts []*rtp.Packet
}

func (l *packetLog) add(p *rtp.Packet) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.pkts = append(l.pkts, p)
}

func (l *packetLog) len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.pkts)
}

func (l *packetLog) all() []*rtp.Packet {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]*rtp.Packet(nil), l.pkts...)
}

func TestPacketizer(t *testing.T) {
	p := newPacketizer()
	first := p.packet(pionmedia.Sample{Data: []byte{1}, Duration: FrameDuration})
	second := p.packet(pionmedia.Sample{Data: []byte{2}, Duration: FrameDuration})

	assert.Equal(t, first.SequenceNumber+1, second.SequenceNumber)
	assert.Equal(t, first.Timestamp+960, second.Timestamp)
	assert.Equal(t, first.SSRC, second.SSRC)
	assert.Equal(t, uint8(opusPayloadType), first.PayloadType)
}

func TestCaptureMute(t *testing.T) {
	c, err := newCapture("test")
	require.NoError(t, err)
	defer c.Close()

	var log packetLog
	c.Stream.Subscribe(log.add)

	p := newPacketizer()
	voice := []byte{0x78, 0x01, 0x02, 0x03}
	require.NoError(t, c.write(p.packet(pionmedia.Sample{Data: voice, Duration: FrameDuration})))

	c.SetMuted(true)
	assert.True(t, c.Muted())
	require.NoError(t, c.write(p.packet(pionmedia.Sample{Data: voice, Duration: FrameDuration})))

	c.SetMuted(false)
	require.NoError(t, c.write(p.packet(pionmedia.Sample{Data: voice, Duration: FrameDuration})))

	pkts := log.all()
	require.Len(t, pkts, 3)
	assert.Equal(t, voice, pkts[0].Payload)
	assert.Equal(t, SilenceFrame, pkts[1].Payload)
	assert.Equal(t, voice, pkts[2].Payload)
	// Muting keeps the timeline intact.
	assert.Equal(t, pkts[0].Timestamp+960, pkts[1].Timestamp)
}

func TestCaptureCloseIsIdempotent(t *testing.T) {
	c, err := newCapture("test")
	require.NoError(t, err)

	require.NoError(t, c.Close())
	require.NoError(t, c.Close())
	assert.False(t, c.Stream.Live())
	assert.ErrorIs(t, c.write(&rtp.Packet{}), errCaptureClosed)
}

func TestSilenceSource(t *testing.T) {
	c, err := SilenceSource{}.Acquire(context.Background())
	require.NoError(t, err)

	var log packetLog
	c.Stream.Subscribe(log.add)
	require.Eventually(t, func() bool { return log.len() >= 3 }, time.Second, 10*time.Millisecond)
	require.NoError(t, c.Close())

	for _, pkt := range log.all() {
		assert.Equal(t, SilenceFrame, pkt.Payload)
	}
}

func writeTestOgg(t *testing.T, frames int) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "voice.ogg")
	w, err := oggwriter.New(path, ClockRate, 2)
	require.NoError(t, err)

	p := newPacketizer()
	for i := 0; i < frames; i++ {
		require.NoError(t, w.WriteRTP(p.packet(pionmedia.Sample{Data: []byte{0x78, byte(i)}, Duration: FrameDuration})))
	}
	require.NoError(t, w.Close())
	return path
}

func TestFileSourceLoops(t *testing.T) {
	path := writeTestOgg(t, 3)

	c, err := FileSource{Path: path}.Acquire(context.Background())
	require.NoError(t, err)

	var log packetLog
	c.Stream.Subscribe(log.add)
	require.Eventually(t, func() bool { return log.len() >= 5 }, 2*time.Second, 10*time.Millisecond)
	require.NoError(t, c.Close())

	for _, pkt := range log.all() {
		assert.Equal(t, byte(0x78), pkt.Payload[0])
	}
}

func TestFileSourceErrors(t *testing.T) {
	_, err := FileSource{Path: filepath.Join(t.TempDir(), "missing.ogg")}.Acquire(context.Background())
	require.Error(t, err)
	assert.Equal(t, callerr.KindDevice, callerr.KindOf(err))

	junk := filepath.Join(t.TempDir(), "junk.ogg")
	require.NoError(t, os.WriteFile(junk, []byte("not ogg at all"), 0o600))
	_, err = FileSource{Path: junk}.Acquire(context.Background())
	require.Error(t, err)
	assert.Equal(t, callerr.KindDevice, callerr.KindOf(err))
}
