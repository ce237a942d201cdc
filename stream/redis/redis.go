// Package redis provides a stream backend on top of Redis Streams.
// Consumer groups, delivery bookkeeping and redelivery of abandoned
// entries are all delegated to Redis (XGROUP, XREADGROUP, XAUTOCLAIM,
// XACK).
package redis

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/enverbisevac/pipeline/stream"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// Stream implements stream.Appender and stream.GroupSource over a single
// Redis stream key.
type Stream struct {
	config Config
	client redis.UniversalClient
	key    string
}

var (
	_ stream.Appender    = (*Stream)(nil)
	_ stream.GroupSource = (*Stream)(nil)
)

// New creates a Redis stream handle for the given stream name.
func New(client redis.UniversalClient, name string, options ...Option) *Stream {
	config := Config{
		KeyPrefix:    "stream:",
		MaxLen:       0,
		ReadBlock:    100 * time.Millisecond,
		ReclaimAfter: 5 * time.Minute,
	}
	for _, opt := range options {
		opt.Apply(&config)
	}
	return &Stream{
		config: config,
		client: client,
		key:    config.KeyPrefix + name,
	}
}

// EnsureGroup creates the consumer group at the start of the stream,
// creating the stream itself when missing. Safe to call repeatedly.
func (s *Stream) EnsureGroup(ctx context.Context, group string) error {
	err := s.client.XGroupCreateMkStream(ctx, s.key, group, "0").Err()
	if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
		return fmt.Errorf("stream: create group %q on %q: %w", group, s.key, err)
	}
	return nil
}

// Append adds envelopes to the stream. The Redis entry ID becomes the
// acknowledgement token on the consumer side.
func (s *Stream) Append(ctx context.Context, envs ...stream.Envelope) error {
	for _, env := range envs {
		if env.ID == "" {
			env.ID = uuid.NewString()
		}
		args := &redis.XAddArgs{
			Stream: s.key,
			Values: encodeValues(env),
		}
		if s.config.MaxLen > 0 {
			args.MaxLen = s.config.MaxLen
			args.Approx = true
		}
		if err := s.client.XAdd(ctx, args).Err(); err != nil {
			return fmt.Errorf("stream: append to %q: %w", s.key, err)
		}
	}
	return nil
}

// Fetch returns up to limit deliveries for consumer in group. Entries
// claimed by a consumer that stopped acknowledging are reclaimed first.
func (s *Stream) Fetch(ctx context.Context, group, consumer string, limit int) ([]stream.Delivery, error) {
	result := make([]stream.Delivery, 0, limit)

	reclaimed, _, err := s.client.XAutoClaim(ctx, &redis.XAutoClaimArgs{
		Stream:   s.key,
		Group:    group,
		Consumer: consumer,
		MinIdle:  s.config.ReclaimAfter,
		Start:    "0",
		Count:    int64(limit),
	}).Result()
	if err != nil && err != redis.Nil {
		return nil, fmt.Errorf("stream: autoclaim from %q: %w", s.key, err)
	}
	for _, msg := range reclaimed {
		result = append(result, decodeDelivery(msg))
	}

	remaining := limit - len(result)
	if remaining <= 0 {
		return result, nil
	}

	streams, err := s.client.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    group,
		Consumer: consumer,
		Streams:  []string{s.key, ">"},
		Count:    int64(remaining),
		Block:    s.config.ReadBlock,
	}).Result()
	if err != nil {
		if err == redis.Nil {
			return result, nil
		}
		return nil, fmt.Errorf("stream: read group %q from %q: %w", group, s.key, err)
	}

	for _, st := range streams {
		for _, msg := range st.Messages {
			result = append(result, decodeDelivery(msg))
		}
	}
	return result, nil
}

// Ack acknowledges deliveries for the group.
func (s *Stream) Ack(ctx context.Context, group string, ackIDs ...string) error {
	if len(ackIDs) == 0 {
		return nil
	}
	if err := s.client.XAck(ctx, s.key, group, ackIDs...).Err(); err != nil {
		return fmt.Errorf("stream: ack on %q: %w", s.key, err)
	}
	return nil
}

func encodeValues(env stream.Envelope) map[string]any {
	values := map[string]any{
		"id":      env.ID,
		"type":    env.Type,
		"stream":  env.Stream,
		"payload": string(env.Payload),
	}
	if env.Metadata.CorrelationID != "" {
		values["correlation_id"] = env.Metadata.CorrelationID
	}
	if env.Metadata.CausationID != "" {
		values["causation_id"] = env.Metadata.CausationID
	}
	return values
}

func decodeDelivery(msg redis.XMessage) stream.Delivery {
	env := stream.Envelope{
		ID:      stringValue(msg.Values, "id"),
		Type:    stringValue(msg.Values, "type"),
		Stream:  stringValue(msg.Values, "stream"),
		Payload: []byte(stringValue(msg.Values, "payload")),
		Metadata: stream.Metadata{
			CorrelationID: stringValue(msg.Values, "correlation_id"),
			CausationID:   stringValue(msg.Values, "causation_id"),
		},
	}
	// Redis entry IDs are "<ms>-<seq>"; the millisecond part is a usable
	// monotonic version within the stream.
	if idx := strings.IndexByte(msg.ID, '-'); idx > 0 {
		if ms, err := strconv.ParseInt(msg.ID[:idx], 10, 64); err == nil {
			env.Version = ms
		}
	}
	return stream.Delivery{Envelope: env, AckID: msg.ID}
}

func stringValue(values map[string]any, key string) string {
	if v, ok := values[key]; ok {
		if s, ok := v.(string); ok {
			return s
		}
	}
	return ""
}
