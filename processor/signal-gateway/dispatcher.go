package signalgateway

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/c360studio/signalflow/signal"
	"github.com/c360studio/semstreams/message"
	"github.com/nats-io/nats.go/jetstream"
)

// jetstreamDispatcher publishes execution requests to the workflow
// runner's work queue. JetStream publish waits for the stream ack, so
// Dispatch returning nil means the request is durably accepted.
type jetstreamDispatcher struct {
	js     jetstream.JetStream
	source string
	logger *slog.Logger
}

func newJetstreamDispatcher(js jetstream.JetStream, source string, logger *slog.Logger) *jetstreamDispatcher {
	return &jetstreamDispatcher{js: js, source: source, logger: logger}
}

// Dispatch implements signal.Dispatcher.
func (d *jetstreamDispatcher) Dispatch(ctx context.Context, req signal.DispatchRequest) error {
	event := &signal.ExecutionRequestedEvent{
		AgencyID:   req.AgencyID,
		WorkflowID: req.WorkflowID,
		RouteID:    req.RouteID,
		SignalID:   req.SignalID,
		Source:     req.Source,
		Payload:    req.Payload,
	}

	baseMsg := message.NewBaseMessage(event.Schema(), event, d.source)
	data, err := json.Marshal(baseMsg)
	if err != nil {
		return fmt.Errorf("marshal execution request: %w", err)
	}

	subject := signal.ExecutionRequestSubject(req.WorkflowID)
	if _, err := d.js.Publish(ctx, subject, data); err != nil {
		dispatchesFailedTotal.Inc()
		return fmt.Errorf("publish execution request: %w", err)
	}

	d.logger.Debug("Execution request dispatched",
		"workflow_id", req.WorkflowID,
		"signal_id", req.SignalID,
		"route_id", req.RouteID,
		"subject", subject)
	return nil
}

// publishIngested emits the ingestion notification for observers. Fire
// and forget: a lost notification never blocks or fails an ingest.
func (c *Component) publishIngested(ctx context.Context, result *signal.IngestResult) {
	if c.natsClient == nil {
		return
	}
	sig := result.Signal
	event := &signal.IngestedEvent{
		SignalID:           sig.ID,
		AgencyID:           sig.AgencyID,
		Source:             sig.Source,
		Status:             sig.Status,
		IsDuplicate:        result.IsDuplicate,
		WorkflowsTriggered: result.WorkflowsTriggered,
		IngestedAt:         sig.IngestedAt,
	}

	baseMsg := message.NewBaseMessage(event.Schema(), event, c.name)
	data, err := json.Marshal(baseMsg)
	if err != nil {
		c.logger.Warn("Failed to marshal ingested event", "error", err)
		return
	}

	subject := signal.IngestedSubject(sig.AgencyID)
	if err := c.natsClient.Publish(ctx, subject, data); err != nil {
		c.logger.Warn("Failed to publish ingested event",
			"signal_id", sig.ID,
			"subject", subject,
			"error", err)
	}
}
