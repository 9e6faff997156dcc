package media

import (
	"context"
	"time"

	pionmedia "github.com/pion/webrtc/v4/pkg/media"
)

// SilenceSource produces a steady stream of Opus silence. Agents without
// a sound card and the tests use it.
type SilenceSource struct{}

func (SilenceSource) Acquire(ctx context.Context) (*Capture, error) {
	c, err := newCapture("silence")
	if err != nil {
		return nil, err
	}

	stop := make(chan struct{})
	c.stop = func() { close(stop) }

	go func() {
		p := newPacketizer()
		ticker := time.NewTicker(FrameDuration)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				pkt := p.packet(pionmedia.Sample{Data: SilenceFrame, Duration: FrameDuration})
				if err := c.write(pkt); err != nil {
					return
				}
			case <-stop:
				return
			}
		}
	}()
	return c, nil
}
