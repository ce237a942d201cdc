package trace

import (
	"context"
	"encoding/json"

	"github.com/enverbisevac/pipeline/pubsub"
)

var _ Emitter = (*PubSubEmitter)(nil)

// PubSubEmitter publishes pipeline-stage events to a pubsub topic.
// Publish errors are dropped; tracing must never slow down or break
// message processing.
type PubSubEmitter struct {
	pub   pubsub.Publisher
	topic string
}

// NewPubSubEmitter creates an emitter publishing JSON-encoded events to topic.
func NewPubSubEmitter(pub pubsub.Publisher, topic string) *PubSubEmitter {
	if topic == "" {
		topic = "pipeline.trace"
	}
	return &PubSubEmitter{pub: pub, topic: topic}
}

// Emit publishes the event, ignoring marshal and publish failures.
func (e *PubSubEmitter) Emit(ctx context.Context, event Event) {
	payload, err := json.Marshal(event)
	if err != nil {
		return
	}
	_ = e.pub.Publish(ctx, e.topic, payload)
}
