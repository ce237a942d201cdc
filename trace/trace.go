// Package trace provides an optional hook for observing pipeline stages.
//
// Emitters are advisory: the pipeline wraps every emitter with Safe, so a
// failing or panicking emitter can never affect message processing.
package trace

import (
	"context"
	"time"
)

// Stage identifies a point in the message-delivery pipeline.
type Stage string

const (
	StageStaged       Stage = "staged"
	StageClaimed      Stage = "claimed"
	StageClaimLost    Stage = "claim_lost"
	StagePublished    Stage = "published"
	StageFailed       Stage = "failed"
	StageAbandoned    Stage = "abandoned"
	StageHandled      Stage = "handled"
	StageAcked        Stage = "acked"
	StageDeadLettered Stage = "dead_lettered"
	StageCleanup      Stage = "cleanup"
)

// Event describes one pipeline-stage occurrence for a single message.
type Event struct {
	Stage     Stage     `json:"stage"`
	MessageID string    `json:"message_id,omitempty"`
	Stream    string    `json:"stream,omitempty"`
	Type      string    `json:"type,omitempty"`
	Error     string    `json:"error,omitempty"`
	At        time.Time `json:"at"`
}

// Emitter receives pipeline-stage events.
type Emitter interface {
	Emit(ctx context.Context, event Event)
}

// EmitterFunc adapts a function to the Emitter interface.
type EmitterFunc func(ctx context.Context, event Event)

// Emit calls f(ctx, event).
func (f EmitterFunc) Emit(ctx context.Context, event Event) {
	f(ctx, event)
}

type nopEmitter struct{}

func (nopEmitter) Emit(context.Context, Event) {}

// Nop returns an emitter that discards all events.
func Nop() Emitter {
	return nopEmitter{}
}

type safeEmitter struct {
	next Emitter
}

// Safe wraps an emitter so that panics are swallowed. The pipeline only
// talks to emitters through this wrapper. A nil emitter becomes a nop.
func Safe(next Emitter) Emitter {
	if next == nil {
		return Nop()
	}
	if _, ok := next.(safeEmitter); ok {
		return next
	}
	return safeEmitter{next: next}
}

func (s safeEmitter) Emit(ctx context.Context, event Event) {
	defer func() {
		_ = recover()
	}()
	if event.At.IsZero() {
		event.At = time.Now().UTC()
	}
	s.next.Emit(ctx, event)
}
