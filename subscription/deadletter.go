package subscription

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/enverbisevac/pipeline/pubsub"
	"github.com/enverbisevac/pipeline/stream"
)

// DeadLetterSuffix is appended to a stream name to form its default
// dead-letter destination.
const DeadLetterSuffix = ".dlq"

// DeadLetterTopic returns the default dead-letter destination for a
// stream.
func DeadLetterTopic(streamName string) string {
	return streamName + DeadLetterSuffix
}

// DeadLetterer receives envelopes whose handler retries are
// exhausted.
type DeadLetterer interface {
	DeadLetter(ctx context.Context, env stream.Envelope, cause error) error
}

// Letter is the serialized form of a dead-lettered envelope.
type Letter struct {
	Envelope stream.Envelope `json:"envelope"`
	Error    string          `json:"error"`
	FailedAt time.Time       `json:"failed_at"`
}

var (
	_ DeadLetterer = (*PubSubDeadLetter)(nil)
	_ DeadLetterer = (*StreamDeadLetter)(nil)
)

// PubSubDeadLetter publishes exhausted envelopes to a broker topic
// derived from the envelope's stream.
type PubSubDeadLetter struct {
	publisher pubsub.Publisher
}

// NewPubSubDeadLetter creates a broker-backed dead-letterer.
func NewPubSubDeadLetter(publisher pubsub.Publisher) *PubSubDeadLetter {
	return &PubSubDeadLetter{
		publisher: publisher,
	}
}

// DeadLetter publishes the letter to <stream>.dlq.
func (d *PubSubDeadLetter) DeadLetter(ctx context.Context, env stream.Envelope, cause error) error {
	payload, err := json.Marshal(Letter{
		Envelope: env,
		Error:    cause.Error(),
		FailedAt: time.Now().UTC(),
	})
	if err != nil {
		return fmt.Errorf("marshal dead letter: %w", err)
	}
	return d.publisher.Publish(ctx, DeadLetterTopic(env.Stream), payload)
}

// StreamDeadLetter appends exhausted envelopes to a dead-letter
// stream derived from the envelope's stream. The letter is carried as
// the appended envelope's payload.
type StreamDeadLetter struct {
	appender stream.Appender
}

// NewStreamDeadLetter creates a stream-backed dead-letterer.
func NewStreamDeadLetter(appender stream.Appender) *StreamDeadLetter {
	return &StreamDeadLetter{
		appender: appender,
	}
}

// DeadLetter appends the letter to <stream>.dlq.
func (d *StreamDeadLetter) DeadLetter(ctx context.Context, env stream.Envelope, cause error) error {
	payload, err := json.Marshal(Letter{
		Envelope: env,
		Error:    cause.Error(),
		FailedAt: time.Now().UTC(),
	})
	if err != nil {
		return fmt.Errorf("marshal dead letter: %w", err)
	}
	return d.appender.Append(ctx, stream.Envelope{
		ID:       env.ID,
		Type:     env.Type,
		Stream:   DeadLetterTopic(env.Stream),
		Payload:  payload,
		Metadata: env.Metadata,
	})
}
