// Package inmem provides an in-memory ordered log implementing every
// stream port, used in tests and single-process deployments.
package inmem

import (
	"context"
	"sync"

	"github.com/enverbisevac/pipeline/stream"
	"github.com/google/uuid"
)

// Log is an append-only in-memory envelope log. It implements
// stream.Source, stream.Appender and stream.GroupSource.
type Log struct {
	mu      sync.Mutex
	entries []stream.Envelope
	groups  map[string]*group
}

type group struct {
	cursor   int64               // highest position handed out
	inflight map[string]struct{} // ack IDs delivered but not acknowledged
}

var (
	_ stream.Source      = (*Log)(nil)
	_ stream.Appender    = (*Log)(nil)
	_ stream.GroupSource = (*Log)(nil)
)

// NewLog creates an empty log.
func NewLog() *Log {
	return &Log{groups: make(map[string]*group)}
}

// Append assigns each envelope the next global position and stores it.
// Missing IDs are filled in.
func (l *Log) Append(_ context.Context, envs ...stream.Envelope) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	for _, env := range envs {
		if env.ID == "" {
			env.ID = uuid.NewString()
		}
		env.Version = int64(len(l.entries)) + 1
		l.entries = append(l.entries, env)
	}
	return nil
}

// Read returns up to limit envelopes with Version greater than from.
func (l *Log) Read(_ context.Context, from int64, limit int) ([]stream.Envelope, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if from < 0 {
		from = 0
	}
	if from >= int64(len(l.entries)) {
		return nil, nil
	}

	end := from + int64(limit)
	if end > int64(len(l.entries)) {
		end = int64(len(l.entries))
	}

	result := make([]stream.Envelope, end-from)
	copy(result, l.entries[from:end])
	return result, nil
}

// Len returns the number of appended envelopes.
func (l *Log) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries)
}

// Fetch hands out unacknowledged deliveries first, then new entries past
// the group cursor. Consumer identity is accepted for interface parity but
// the in-memory group has a single delivery stream.
func (l *Log) Fetch(_ context.Context, groupName, _ string, limit int) ([]stream.Delivery, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	g := l.group(groupName)
	result := make([]stream.Delivery, 0, limit)

	for _, env := range l.entries {
		if len(result) >= limit {
			break
		}
		if _, pending := g.inflight[env.ID]; pending {
			result = append(result, stream.Delivery{Envelope: env, AckID: env.ID})
		}
	}

	for _, env := range l.entries {
		if len(result) >= limit {
			break
		}
		if env.Version <= g.cursor {
			continue
		}
		g.cursor = env.Version
		g.inflight[env.ID] = struct{}{}
		result = append(result, stream.Delivery{Envelope: env, AckID: env.ID})
	}

	return result, nil
}

// Ack removes deliveries from the group's in-flight set.
func (l *Log) Ack(_ context.Context, groupName string, ackIDs ...string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	g := l.group(groupName)
	for _, id := range ackIDs {
		delete(g.inflight, id)
	}
	return nil
}

// Pending returns the number of unacknowledged deliveries for a group.
func (l *Log) Pending(groupName string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.group(groupName).inflight)
}

func (l *Log) group(name string) *group {
	g, ok := l.groups[name]
	if !ok {
		g = &group{inflight: make(map[string]struct{})}
		l.groups[name] = g
	}
	return g
}

// Positions is an in-memory stream.PositionStore.
type Positions struct {
	mu        sync.Mutex
	positions map[string]int64
}

var _ stream.PositionStore = (*Positions)(nil)

// NewPositions creates an empty position store.
func NewPositions() *Positions {
	return &Positions{positions: make(map[string]int64)}
}

// Load returns the saved position, or 0 when none was saved.
func (p *Positions) Load(_ context.Context, subscription string) (int64, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.positions[subscription], nil
}

// Save records position unless an equal or newer one is already stored.
func (p *Positions) Save(_ context.Context, subscription string, position int64) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if position > p.positions[subscription] {
		p.positions[subscription] = position
	}
	return nil
}
