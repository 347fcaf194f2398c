// Package publisher drains staged lifecycle events from the outbox and
// delivers them to the message bus, preserving per-form ordering and
// at-least-once semantics.
package publisher

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/Health-Education-England/tis-trainee-forms/internal/bus"
	"github.com/Health-Education-England/tis-trainee-forms/internal/metrics"
	"github.com/Health-Education-England/tis-trainee-forms/internal/models"
	"github.com/Health-Education-England/tis-trainee-forms/internal/repository"
	"github.com/Health-Education-England/tis-trainee-forms/internal/services"
)

// lockName identifies the drain job across all instances; only the holder
// of this lock may lease and publish, so a single drainer runs at a time.
const lockName = "outbox-publisher"

const (
	publishAttempts  = 3
	publishBackoff   = 200 * time.Millisecond
	lockGracePeriod  = 5 * time.Second
	deadLetterReason = "event failed validation"
)

// Config tunes the drain loop.
type Config struct {
	// Interval between drain cycles.
	Interval time.Duration
	// BatchSize caps the events leased per cycle.
	BatchSize int
	// LeaseFor is how long leased events stay invisible to other drainers.
	// It must comfortably exceed the worst-case publish time for a batch.
	LeaseFor time.Duration
}

// Publisher runs the periodic outbox drain.
type Publisher struct {
	outbox  repository.OutboxRepository
	locks   repository.JobLockRepository
	bus     bus.Bus
	metrics *metrics.Metrics
	cfg     Config
	holder  string
	log     zerolog.Logger
}

// New creates a Publisher. The holder identity is derived from the hostname
// so lock contention is attributable in the job_locks table.
func New(
	outbox repository.OutboxRepository,
	locks repository.JobLockRepository,
	b bus.Bus,
	m *metrics.Metrics,
	cfg Config,
	log zerolog.Logger,
) *Publisher {
	hostname, err := os.Hostname()
	if err != nil {
		hostname = "unknown"
	}
	return &Publisher{
		outbox:  outbox,
		locks:   locks,
		bus:     b,
		metrics: m,
		cfg:     cfg,
		holder:  fmt.Sprintf("%s-%s", hostname, uuid.NewString()[:8]),
		log:     log.With().Str("component", "publisher").Logger(),
	}
}

// Run drains the outbox every cfg.Interval until ctx is cancelled. It is
// meant to be started in its own goroutine next to the HTTP server.
func (p *Publisher) Run(ctx context.Context) {
	p.log.Info().
		Dur("interval", p.cfg.Interval).
		Int("batch_size", p.cfg.BatchSize).
		Str("holder", p.holder).
		Msg("outbox publisher started")

	ticker := time.NewTicker(p.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			p.log.Info().Msg("outbox publisher stopped")
			return
		case <-ticker.C:
			if err := p.DrainOnce(ctx); err != nil && ctx.Err() == nil {
				p.log.Error().Err(err).Msg("drain cycle failed")
			}
		}
	}
}

// DrainOnce performs a single drain cycle: take the job lock, lease a batch,
// publish each event in lease order, acknowledge successes. Events that fail
// validation are dead-lettered instead of published; events whose publish
// fails after retries stay leased and reappear once the lease expires, which
// also holds back every later event for the same form.
func (p *Publisher) DrainOnce(ctx context.Context) error {
	lockFor := p.cfg.LeaseFor + lockGracePeriod
	acquired, err := p.locks.Acquire(ctx, lockName, p.holder, lockFor)
	if err != nil {
		return fmt.Errorf("acquiring job lock: %w", err)
	}
	if !acquired {
		p.log.Debug().Msg("drain lock held elsewhere, skipping cycle")
		return nil
	}
	defer func() {
		if rerr := p.locks.Release(context.WithoutCancel(ctx), lockName, p.holder); rerr != nil {
			p.log.Warn().Err(rerr).Msg("releasing drain lock failed")
		}
	}()

	events, err := p.outbox.LeaseNextBatch(ctx, p.cfg.BatchSize, p.cfg.LeaseFor)
	if err != nil {
		return fmt.Errorf("leasing outbox batch: %w", err)
	}
	if len(events) == 0 {
		return nil
	}
	p.metrics.OutboxLeaseBatches.Inc()

	for i := range events {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		p.publishOne(ctx, &events[i])
	}
	return nil
}

func (p *Publisher) publishOne(ctx context.Context, event *models.LifecycleEvent) {
	log := p.log.With().
		Str("event_id", event.EventID).
		Str("form_key", event.FormKey()).
		Int64("version_id", event.VersionID).
		Logger()

	if err := event.Validate(); err != nil {
		// A malformed event can never succeed; park it where an operator
		// can inspect it instead of wedging the queue.
		log.Error().Err(err).Msg("dead-lettering invalid event")
		if dlErr := p.outbox.MarkDeadLettered(ctx, event.EventID, deadLetterReason+": "+err.Error()); dlErr != nil {
			log.Error().Err(dlErr).Msg("dead-lettering failed, event stays leased")
			return
		}
		p.metrics.EventsDeadLettered.Inc()
		return
	}

	var err error
	for attempt := 1; attempt <= publishAttempts; attempt++ {
		if err = p.bus.Publish(ctx, event); err == nil {
			break
		}
		if attempt < publishAttempts {
			select {
			case <-ctx.Done():
				return
			case <-time.After(publishBackoff * time.Duration(1<<(attempt-1))):
			}
		}
	}
	if err != nil {
		p.metrics.PublishFailures.Inc()
		log.Warn().Err(err).Int("attempts", event.Attempts).Msg("publish failed, lease will expire and retry")
		return
	}

	if err = p.outbox.Acknowledge(ctx, event.EventID); err != nil {
		// The event was delivered; a failed acknowledgement means it will be
		// delivered again after the lease expires. Consumers must tolerate
		// duplicates by event_id.
		log.Warn().Err(err).Msg("acknowledge failed after successful publish")
		return
	}
	p.metrics.EventsPublished.Inc()
	log.Debug().Msg("event published")
}

// Refresh re-announces the current state of every version of the given form
// type by staging one synthetic event per version. The staged events flow
// through the ordinary drain path.
func (p *Publisher) Refresh(ctx context.Context, formType string) (int64, error) {
	if !services.KnownFormType(formType) {
		return 0, services.ErrUnknownFormType
	}
	staged, err := p.outbox.EnqueueRefreshForType(ctx, formType)
	if err != nil {
		return 0, fmt.Errorf("staging refresh events: %w", err)
	}
	p.log.Info().Str("form_type", formType).Int64("staged", staged).Msg("refresh events staged")
	return staged, nil
}
