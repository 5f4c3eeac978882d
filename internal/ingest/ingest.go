package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"nsready/internal/metrics"
	"nsready/internal/model"
	"nsready/internal/normalize"
)

// Publisher hands a queued envelope to the broker.
type Publisher interface {
	Publish(ctx context.Context, msg model.QueuedMessage) error
}

// PublishError reports an accepted event the broker did not take.
type PublishError struct {
	TraceID string
	Err     error
}

func (e *PublishError) Error() string {
	return fmt.Sprintf("queue event %s: %v", e.TraceID, e.Err)
}

func (e *PublishError) Unwrap() error { return e.Err }

// Service is the one path every protocol bridge uses to accept an event:
// validate, assign a trace id and publish. It never touches storage.
type Service struct {
	pub     Publisher
	metrics *metrics.Metrics
	logger  *slog.Logger
}

func NewService(pub Publisher, m *metrics.Metrics, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{pub: pub, metrics: m, logger: logger}
}

// Ingest returns the trace id of the queued event. A validation failure is
// a *normalize.ValidationError and nothing is published; a broker failure
// is a *PublishError.
func (s *Service) Ingest(ctx context.Context, ev model.NormalizedEvent) (string, error) {
	if err := normalize.Validate(ev); err != nil {
		return "", err
	}
	traceID := uuid.NewString()
	if err := s.pub.Publish(ctx, model.NewQueuedMessage(traceID, ev)); err != nil {
		s.metrics.Error(metrics.ErrIngest)
		s.logger.Error("failed to queue event",
			"trace_id", traceID,
			"device_id", ev.DeviceID,
			"err", err,
		)
		return "", &PublishError{TraceID: traceID, Err: err}
	}
	s.metrics.Event(metrics.StatusQueued)
	s.logger.Info("event queued",
		"trace_id", traceID,
		"device_id", ev.DeviceID,
		"protocol", ev.Protocol,
		"metrics", len(ev.Metrics),
	)
	return traceID, nil
}

// IsValidation reports whether err came from event validation.
func IsValidation(err error) (*normalize.ValidationError, bool) {
	var verr *normalize.ValidationError
	if errors.As(err, &verr) {
		return verr, true
	}
	return nil, false
}
