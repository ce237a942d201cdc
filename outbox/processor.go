package outbox

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/enverbisevac/pipeline/trace"
	"github.com/go-logr/logr"
	"github.com/google/uuid"
)

// Processor drains the store for one (store, broker) pair: it fetches due
// messages, claims them, publishes to the broker port and converts every
// outcome into a state transition. Publish failures never stop the loop.
type Processor struct {
	store   Store
	pub     Publisher
	config  Config
	emitter trace.Emitter

	once   sync.Once
	cancel context.CancelFunc
	done   chan struct{}

	ticks int
}

// Result captures one drain cycle outcome.
type Result struct {
	Fetched   int
	Claimed   int
	Published int
	Failed    int
	Abandoned int
	Swept     int64
}

// NewProcessor creates a Processor over a store and a broker publisher.
func NewProcessor(store Store, pub Publisher, options ...Option) *Processor {
	config := Config{
		WorkerID:           uuid.NewString(),
		PollInterval:       time.Second,
		BatchSize:          100,
		MaxAttempts:        5,
		Lease:              5 * time.Minute,
		Retry:              DefaultBackoff(),
		CleanupEveryTicks:  60,
		PublishedRetention: 24 * time.Hour,
		AbandonedRetention: 7 * 24 * time.Hour,
	}
	for _, opt := range options {
		opt.Apply(&config)
	}
	return &Processor{
		store:   store,
		pub:     pub,
		config:  config,
		emitter: trace.Safe(config.Emitter),
	}
}

// WorkerID returns the identity this processor uses in message locks.
func (p *Processor) WorkerID() string {
	return p.config.WorkerID
}

// Start begins draining the store. Safe to call multiple times.
func (p *Processor) Start(ctx context.Context) error {
	p.once.Do(func() {
		ctx, p.cancel = context.WithCancel(ctx)
		p.done = make(chan struct{})
		go p.run(ctx)
	})
	return nil
}

// Stop cancels the processor, waits for the in-flight cycle to finish and
// releases this worker's claims so other workers need not wait for lease
// expiry. Release is best-effort.
func (p *Processor) Stop() {
	if p.cancel == nil {
		return
	}
	p.cancel()
	<-p.done

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = p.store.Release(ctx, p.config.WorkerID)
}

func (p *Processor) run(ctx context.Context) {
	defer close(p.done)

	log := logr.FromContextOrDiscard(ctx).WithValues("worker", p.config.WorkerID)
	ticker := time.NewTicker(p.config.PollInterval)
	defer ticker.Stop()

	// Drain immediately so a fresh process publishes its own staged
	// messages before consumers see an empty stream.
	p.ProcessOnce(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			result := p.ProcessOnce(ctx)
			if result.Fetched > 0 {
				log.V(1).Info("outbox: drain cycle",
					"fetched", result.Fetched,
					"published", result.Published,
					"failed", result.Failed,
					"abandoned", result.Abandoned)
			}
		}
	}
}

// ProcessOnce runs a single drain cycle and returns its counters.
func (p *Processor) ProcessOnce(ctx context.Context) Result {
	log := logr.FromContextOrDiscard(ctx)

	var result Result

	msgs, err := p.store.FetchDue(ctx, p.config.BatchSize)
	if err != nil {
		log.Error(err, "outbox: fetch due")
		p.maybeSweep(ctx, log, &result)
		return result
	}
	result.Fetched = len(msgs)

	for _, msg := range msgs {
		if ctx.Err() != nil {
			break
		}

		claimed, err := p.store.Claim(ctx, msg.ID, p.config.WorkerID, p.config.Lease)
		if err != nil {
			log.Error(err, "outbox: claim", "id", msg.ID)
			continue
		}
		if !claimed {
			// Lost the race to another worker.
			p.emit(ctx, trace.StageClaimLost, msg, nil)
			continue
		}
		result.Claimed++
		p.emit(ctx, trace.StageClaimed, msg, nil)

		attempt := msg.Attempts + 1

		if err := p.pub.Publish(ctx, msg); err != nil {
			p.handlePublishError(ctx, log, msg, attempt, err, &result)
			continue
		}

		if err := p.store.MarkPublished(ctx, p.config.WorkerID, msg.ID); err != nil {
			if errors.Is(err, ErrLockLost) {
				// The lease expired mid-publish and another worker owns
				// the row now; it rules on the outcome. The message may
				// be republished. At-least-once, by contract.
				p.emit(ctx, trace.StageClaimLost, msg, err)
				log.V(1).Info("outbox: lock lost before publish was recorded", "id", msg.ID)
				continue
			}
			// Published but not recorded: the message stays claimable and
			// will be republished. At-least-once, by contract.
			log.Error(err, "outbox: mark published; message may be republished", "id", msg.ID)
			continue
		}
		result.Published++
		p.emit(ctx, trace.StagePublished, msg, nil)
	}

	p.maybeSweep(ctx, log, &result)
	return result
}

func (p *Processor) handlePublishError(
	ctx context.Context,
	log logr.Logger,
	msg Message,
	attempt int,
	cause error,
	result *Result,
) {
	if attempt >= p.config.MaxAttempts {
		if err := p.store.MarkAbandoned(ctx, msg.ID, p.config.WorkerID, cause); err != nil {
			if errors.Is(err, ErrLockLost) {
				p.emit(ctx, trace.StageClaimLost, msg, err)
				log.V(1).Info("outbox: lock lost before abandon was recorded", "id", msg.ID)
				return
			}
			log.Error(err, "outbox: mark abandoned", "id", msg.ID)
			return
		}
		result.Abandoned++
		p.emit(ctx, trace.StageAbandoned, msg, cause)

		log.Error(cause, "outbox: message abandoned",
			"id", msg.ID, "stream", msg.Stream, "attempts", attempt)
		return
	}

	retryAt := time.Now().UTC().Add(p.config.Retry.Delay(attempt))
	if err := p.store.MarkFailed(ctx, msg.ID, p.config.WorkerID, cause, retryAt); err != nil {
		if errors.Is(err, ErrLockLost) {
			p.emit(ctx, trace.StageClaimLost, msg, err)
			log.V(1).Info("outbox: lock lost before failure was recorded", "id", msg.ID)
			return
		}
		log.Error(err, "outbox: mark failed", "id", msg.ID)
		return
	}
	result.Failed++
	p.emit(ctx, trace.StageFailed, msg, cause)

	log.V(1).Info("outbox: publish failed, retry scheduled",
		"id", msg.ID, "attempt", attempt, "retry_at", retryAt, "error", cause.Error())
}

// maybeSweep runs the retention cleanup when the tick counter is due.
// Sweep failures are logged and retried on the next due tick.
func (p *Processor) maybeSweep(ctx context.Context, log logr.Logger, result *Result) {
	if p.config.CleanupEveryTicks <= 0 {
		return
	}

	p.ticks++
	if p.ticks%p.config.CleanupEveryTicks != 0 {
		return
	}

	if p.config.SweepLock != nil {
		acquired, err := p.config.SweepLock.TryLock(ctx)
		if err != nil {
			log.Error(err, "outbox: sweep lock")
			return
		}
		if !acquired {
			return
		}
		defer func() {
			if err := p.config.SweepLock.Unlock(ctx); err != nil {
				log.Error(err, "outbox: sweep unlock")
			}
		}()
	}

	now := time.Now().UTC()
	swept, err := p.store.Cleanup(ctx,
		now.Add(-p.config.PublishedRetention),
		now.Add(-p.config.AbandonedRetention),
	)
	if err != nil {
		log.Error(err, "outbox: cleanup sweep")
		return
	}
	result.Swept = swept

	if swept > 0 {
		p.emitter.Emit(ctx, trace.Event{Stage: trace.StageCleanup, At: now})
		log.V(1).Info("outbox: cleanup sweep", "deleted", swept)
	}
}

func (p *Processor) emit(ctx context.Context, stage trace.Stage, msg Message, cause error) {
	event := trace.Event{
		Stage:     stage,
		MessageID: msg.ID,
		Stream:    msg.Stream,
		Type:      msg.Type,
		At:        time.Now().UTC(),
	}
	if cause != nil {
		event.Error = cause.Error()
	}
	p.emitter.Emit(ctx, event)
}
