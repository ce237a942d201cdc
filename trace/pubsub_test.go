package trace

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/enverbisevac/pipeline/pubsub"
)

type fakePublisher struct {
	topic   string
	payload []byte
	err     error
}

func (f *fakePublisher) Publish(_ context.Context, topic string, payload []byte,
	_ ...pubsub.PublishOption,
) error {
	f.topic = topic
	f.payload = payload
	return f.err
}

func TestPubSubEmitter(t *testing.T) {
	pub := &fakePublisher{}
	emitter := NewPubSubEmitter(pub, "")

	emitter.Emit(context.Background(), Event{
		Stage:     StagePublished,
		MessageID: "msg-1",
		Stream:    "order-42",
	})

	if pub.topic != "pipeline.trace" {
		t.Fatalf("topic = %q, want pipeline.trace", pub.topic)
	}
	var got Event
	if err := json.Unmarshal(pub.payload, &got); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if got.Stage != StagePublished || got.MessageID != "msg-1" {
		t.Fatalf("event = %+v", got)
	}
}

func TestPubSubEmitterDropsPublishErrors(t *testing.T) {
	pub := &fakePublisher{err: errors.New("broker down")}
	emitter := NewPubSubEmitter(pub, "audit")

	// Must not panic or surface the error.
	emitter.Emit(context.Background(), Event{Stage: StageFailed})
	if pub.topic != "audit" {
		t.Fatalf("topic = %q, want audit", pub.topic)
	}
}
