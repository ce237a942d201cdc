package outbox

import (
	"context"

	"github.com/enverbisevac/pipeline/stream"
)

var _ Publisher = (*StreamAdapter)(nil)

// StreamAdapter publishes outbox messages into an ordered stream, so that
// consumer-group subscriptions can read them. The message becomes the
// envelope; the stream assigns its position.
type StreamAdapter struct {
	appender stream.Appender
}

// NewStreamAdapter creates a new StreamAdapter.
func NewStreamAdapter(appender stream.Appender) *StreamAdapter {
	return &StreamAdapter{appender: appender}
}

// Publish appends each message to the stream.
func (a *StreamAdapter) Publish(ctx context.Context, msgs ...Message) error {
	for _, msg := range msgs {
		env := stream.Envelope{
			ID:      msg.ID,
			Type:    msg.Type,
			Stream:  msg.Stream,
			Payload: msg.Payload,
			Metadata: stream.Metadata{
				CorrelationID: msg.Headers["correlation_id"],
				CausationID:   msg.Headers["causation_id"],
			},
		}
		if err := a.appender.Append(ctx, env); err != nil {
			return err
		}
	}
	return nil
}
