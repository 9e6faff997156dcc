//go:build !linux || !cgo

package media

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"github.com/ReiletaI/callguard/internal/callerr"
)

// ErrMicrophoneUnavailable is returned where no capture driver is built in.
var ErrMicrophoneUnavailable = errors.New("microphone capture is only supported on linux")

// Microphone is unavailable on this platform; use a file or silence source.
type Microphone struct {
	Log *zap.Logger
}

func (Microphone) Acquire(ctx context.Context) (*Capture, error) {
	return nil, callerr.NewError("open microphone", callerr.KindDevice, ErrMicrophoneUnavailable)
}
