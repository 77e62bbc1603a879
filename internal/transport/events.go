package transport

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/bzinkan/ClassPilot-sub001/internal/domain"
)

// EventReporter implements domain.EventSink over POST /event.
// Genuinely fire-and-forget: sends run on their own goroutine with a
// short timeout, failures are logged once, and nothing is retried, so
// telemetry can never block or amplify primary control flow.
type EventReporter struct {
	client   *Client
	identity func() domain.AgentIdentity
	state    func() domain.TrackingState
	logger   *zap.Logger
}

// NewEventReporter creates the fire-and-forget event sink.
func NewEventReporter(
	client *Client,
	identity func() domain.AgentIdentity,
	state func() domain.TrackingState,
	logger *zap.Logger,
) *EventReporter {
	return &EventReporter{
		client:   client,
		identity: identity,
		state:    state,
		logger:   logger,
	}
}

// ReportEvent posts the event asynchronously. No-op while OFF.
func (r *EventReporter) ReportEvent(eventType string, metadata map[string]any) {
	if r.state() == domain.TrackingOff {
		return
	}
	id := r.identity()
	if id.AuthToken == "" {
		return
	}

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := r.client.ReportEvent(ctx, id.AuthToken, id.DeviceID, eventType, metadata); err != nil {
			r.logger.Debug("event report failed",
				zap.String("type", eventType),
				zap.Error(err))
		}
	}()
}

// Ensure EventReporter implements domain.EventSink.
var _ domain.EventSink = (*EventReporter)(nil)
