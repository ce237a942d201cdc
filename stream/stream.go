// Package stream defines the message envelope and the source ports that
// subscriptions read from: positional sources (event logs) and
// consumer-group sources (broker streams). Backends live in the inmem,
// redis and pgx subpackages.
package stream

import (
	"context"
	"errors"
	"strings"
)

// ErrUnknownStream is returned by sources asked for a stream they do not hold.
var ErrUnknownStream = errors.New("stream: unknown stream")

// Metadata carries causal identifiers across message hops.
type Metadata struct {
	CorrelationID string `json:"correlation_id,omitempty"`
	CausationID   string `json:"causation_id,omitempty"`
}

// Envelope is the unit handled by a subscription. It is immutable once
// emitted by its source.
type Envelope struct {
	ID       string   `json:"id"`
	Type     string   `json:"type"`
	Stream   string   `json:"stream"`
	Version  int64    `json:"version"`
	Payload  []byte   `json:"payload"`
	Metadata Metadata `json:"metadata"`
}

// Category returns the stream category: the part of the stream name before
// the first "-" separator, or the whole name when there is none.
// "order-42" belongs to category "order".
func (e Envelope) Category() string {
	return Category(e.Stream)
}

// Category extracts the category from a stream name.
func Category(stream string) string {
	if idx := strings.IndexByte(stream, '-'); idx >= 0 {
		return stream[:idx]
	}
	return stream
}

// Source reads envelopes from an ordered log by position. Read returns
// envelopes with Version strictly greater than from, in ascending Version
// order, at most limit of them.
type Source interface {
	Read(ctx context.Context, from int64, limit int) ([]Envelope, error)
}

// Appender appends envelopes to an ordered log, assigning positions.
type Appender interface {
	Append(ctx context.Context, envs ...Envelope) error
}

// Delivery is an envelope handed out by a consumer-group source together
// with the token needed to acknowledge it.
type Delivery struct {
	Envelope
	AckID string
}

// GroupSource reads envelopes through a broker-native consumer group:
// each delivery reaches exactly one consumer in the group, and position
// tracking is the broker's own bookkeeping.
type GroupSource interface {
	// Fetch returns up to limit deliveries for consumer in group,
	// re-delivering entries whose previous consumer never acknowledged.
	Fetch(ctx context.Context, group, consumer string, limit int) ([]Delivery, error)

	// Ack acknowledges deliveries for the group, advancing its bookkeeping.
	Ack(ctx context.Context, group string, ackIDs ...string) error
}

// PositionStore persists a subscription's resume position. Save must keep
// positions monotonic: an older position never overwrites a newer one.
type PositionStore interface {
	// Load returns the last saved position for the subscription, or 0
	// when the subscription has never saved one.
	Load(ctx context.Context, subscription string) (int64, error)

	// Save records position for the subscription.
	Save(ctx context.Context, subscription string, position int64) error
}
