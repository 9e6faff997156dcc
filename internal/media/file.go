package media

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	pionmedia "github.com/pion/webrtc/v4/pkg/media"
	"github.com/pion/webrtc/v4/pkg/media/oggreader"
	"go.uber.org/zap"

	"github.com/ReiletaI/callguard/internal/callerr"
)

// FileSource plays an Ogg/Opus file in a loop, standing in for a
// microphone.
type FileSource struct {
	Path string
	Log  *zap.Logger
}

func (f FileSource) Acquire(ctx context.Context) (*Capture, error) {
	data, err := os.ReadFile(f.Path)
	if err != nil {
		return nil, callerr.WrapError("open audio file", callerr.KindDevice, err, f.Path)
	}
	if _, _, err := oggreader.NewWith(bytes.NewReader(data)); err != nil {
		return nil, callerr.WrapError("open audio file", callerr.KindDevice, err, "not an Ogg/Opus file")
	}

	c, err := newCapture("file")
	if err != nil {
		return nil, err
	}

	stop := make(chan struct{})
	c.stop = func() { close(stop) }

	log := f.Log
	if log == nil {
		log = zap.NewNop()
	}

	go func() {
		p := newPacketizer()
		for {
			err := playOgg(data, p, c, stop)
			if err == nil || errors.Is(err, errCaptureClosed) {
				return
			}
			if !errors.Is(err, io.EOF) {
				log.Warn("audio file playback stopped", zap.String("path", f.Path), zap.Error(err))
				return
			}
			// Loop.
		}
	}()
	return c, nil
}

// playOgg paces one pass over the file by page granule positions. It
// returns nil when stopped and io.EOF at the end of the file.
func playOgg(data []byte, p *packetizer, c *Capture, stop <-chan struct{}) error {
	ogg, _, err := oggreader.NewWith(bytes.NewReader(data))
	if err != nil {
		return err
	}

	var lastGranule uint64
	next := time.Now()
	for {
		page, header, err := ogg.ParseNextPage()
		if err != nil {
			return err
		}
		if bytes.HasPrefix(page, []byte("OpusTags")) {
			continue
		}
		if header.GranulePosition < lastGranule {
			return fmt.Errorf("granule position went backwards")
		}

		samples := header.GranulePosition - lastGranule
		lastGranule = header.GranulePosition
		duration := time.Duration(samples) * time.Second / ClockRate
		if duration <= 0 {
			duration = FrameDuration
		}

		if err := c.write(p.packet(pionmedia.Sample{Data: page, Duration: duration})); err != nil {
			return err
		}

		next = next.Add(duration)
		select {
		case <-time.After(time.Until(next)):
		case <-stop:
			return nil
		}
	}
}
