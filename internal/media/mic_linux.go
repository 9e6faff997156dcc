//go:build linux && cgo

package media

import (
	"context"

	"github.com/pion/mediadevices"
	"github.com/pion/mediadevices/pkg/codec/opus"
	_ "github.com/pion/mediadevices/pkg/driver/microphone"
	"github.com/pion/webrtc/v4"
	"go.uber.org/zap"

	"github.com/ReiletaI/callguard/internal/callerr"
)

const rtpMTU = 1200

// Microphone captures the default input device through pion/mediadevices.
type Microphone struct {
	Log *zap.Logger
}

func (m Microphone) Acquire(ctx context.Context) (*Capture, error) {
	log := m.Log
	if log == nil {
		log = zap.NewNop()
	}

	opusParams, err := opus.NewParams()
	if err != nil {
		return nil, callerr.NewError("configure opus encoder", callerr.KindDevice, err)
	}
	codecSelector := mediadevices.NewCodecSelector(
		mediadevices.WithAudioEncoders(&opusParams),
	)

	stream, err := mediadevices.GetUserMedia(mediadevices.MediaStreamConstraints{
		Audio: func(_ *mediadevices.MediaTrackConstraints) {},
		Codec: codecSelector,
	})
	if err != nil {
		return nil, callerr.WrapError("open microphone", callerr.KindDevice, callerr.ErrMicrophoneDenied, err.Error())
	}

	tracks := stream.GetAudioTracks()
	if len(tracks) == 0 {
		return nil, callerr.WrapError("open microphone", callerr.KindDevice, callerr.ErrMicrophoneDenied, "no audio track")
	}
	track := tracks[0]
	closeTracks := func() {
		for _, t := range stream.GetTracks() {
			t.Close()
		}
	}

	c, err := newCapture("microphone")
	if err != nil {
		closeTracks()
		return nil, err
	}

	p := newPacketizer()
	reader, err := track.NewRTPReader(webrtc.MimeTypeOpus, p.ssrc, rtpMTU)
	if err != nil {
		closeTracks()
		return nil, callerr.NewError("read microphone", callerr.KindDevice, err)
	}

	track.OnEnded(func(err error) {
		if err != nil {
			log.Warn("microphone track ended", zap.Error(err))
		}
		c.Stream.RemoveTrack()
	})

	c.stop = func() {
		_ = reader.Close()
		closeTracks()
	}

	go func() {
		for {
			pkts, release, err := reader.Read()
			if err != nil {
				return
			}
			for _, pkt := range pkts {
				if err := c.write(pkt); err != nil {
					release()
					return
				}
			}
			release()
		}
	}()

	log.Debug("microphone captured", zap.String("label", track.ID()))
	return c, nil
}
