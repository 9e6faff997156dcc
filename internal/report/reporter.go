// Package report sends the per-call record to the backend.
package report

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/ReiletaI/callguard/internal/backend"
	"github.com/ReiletaI/callguard/internal/callerr"
	"github.com/ReiletaI/callguard/internal/metrics"
)

// Summary is what the coordinator knows about a finished call.
type Summary struct {
	AgentUsername string
	RoomID        string
	Start         time.Time
	End           time.Time
}

// Duration is the call length in whole seconds, or 0 when the call never
// connected.
func (s Summary) Duration() int {
	if s.Start.IsZero() || s.End.Before(s.Start) {
		return 0
	}
	return int(s.End.Sub(s.Start) / time.Second)
}

// Record builds the record sent to the backend.
func (s Summary) Record() backend.CallRecord {
	rec := backend.CallRecord{
		AgentUsername: s.AgentUsername,
		CallDuration:  s.Duration(),
	}
	if !s.Start.IsZero() {
		start := s.Start.UTC().Format(time.RFC3339Nano)
		rec.CallStart = &start
	}
	if s.RoomID != "" {
		id := s.RoomID
		rec.RoomID = &id
	}
	return rec
}

// Reporter delivers call records.
type Reporter struct {
	logger  backend.CallLogger
	metrics *metrics.Metrics
	log     *zap.Logger
}

// New creates a reporter that delivers through logger.
func New(logger backend.CallLogger, log *zap.Logger) *Reporter {
	if log == nil {
		log = zap.NewNop()
	}
	return &Reporter{logger: logger, metrics: metrics.DefaultMetrics, log: log}
}

// Report sends one record for the call. A delivery failure comes back as a
// cleanup error for the caller to surface as a notice; it is never fatal.
func (r *Reporter) Report(ctx context.Context, s Summary) (backend.CallRecord, error) {
	rec := s.Record()
	res := r.logger.LogCall(ctx, rec)
	r.metrics.CallReports.WithLabelValues(metrics.Result(res.OK())).Inc()

	if !res.OK() {
		r.log.Warn("call report not delivered",
			zap.String("room", s.RoomID),
			zap.Int("duration", rec.CallDuration),
			zap.Error(res.Err()))
		return rec, callerr.NewError("report call", callerr.KindCleanup, res.Err())
	}

	r.log.Info("call reported", zap.String("room", s.RoomID), zap.Int("duration", rec.CallDuration))
	return rec, nil
}
