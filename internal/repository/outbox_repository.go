package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/rs/zerolog"

	"github.com/Health-Education-England/tis-trainee-forms/internal/lifecycle"
	"github.com/Health-Education-England/tis-trainee-forms/internal/models"
)

// OutboxRepository is the durable staging queue between a committed state
// change and its confirmed publication. Events enter only through EnqueueTx
// (inside the version store's transaction) or EnqueueRefreshForType (a single
// atomic re-staging statement) and leave only through Acknowledge or
// MarkDeadLettered.
type OutboxRepository interface {
	EnqueueTx(ctx context.Context, tx sqlx.ExtContext, event *models.LifecycleEvent) error
	LeaseNextBatch(ctx context.Context, maxN int, leaseFor time.Duration) ([]models.LifecycleEvent, error)
	Acknowledge(ctx context.Context, eventID string) error
	MarkDeadLettered(ctx context.Context, eventID, reason string) error
	EnqueueRefreshForType(ctx context.Context, formType string) (int64, error)
}

// postgresOutboxRepository implements OutboxRepository for PostgreSQL.
type postgresOutboxRepository struct {
	db  *sqlx.DB
	log zerolog.Logger
}

// NewPostgresOutboxRepository creates a new outbox backed by db.
func NewPostgresOutboxRepository(db *sqlx.DB, log zerolog.Logger) OutboxRepository {
	return &postgresOutboxRepository{
		db:  db,
		log: log.With().Str("component", "outbox_repository").Logger(),
	}
}

// EnqueueTx stages an event inside the caller's transaction so the state
// change and its event commit or roll back together.
func (r *postgresOutboxRepository) EnqueueTx(ctx context.Context, tx sqlx.ExtContext, event *models.LifecycleEvent) error {
	query := `INSERT INTO outbox_events (event_id, trainee_id, form_type, version_id, to_state, occurred_at)
	          VALUES ($1, $2, $3, $4, $5, $6)`
	_, err := tx.ExecContext(ctx, query,
		event.EventID, event.TraineeID, event.FormType, event.VersionID, event.ToState, event.OccurredAt,
	)
	if err != nil {
		return fmt.Errorf("inserting outbox event: %w", err)
	}
	return nil
}

// LeaseNextBatch marks up to maxN deliverable events as leased for leaseFor
// and returns them. Only the oldest unleased event of each (trainee, form
// type) key is eligible, and a key with any unexpired lease outstanding hands
// out nothing, so per-key delivery order is preserved even across publisher
// crashes. SKIP LOCKED keeps concurrent workers off each other's rows.
func (r *postgresOutboxRepository) LeaseNextBatch(
	ctx context.Context,
	maxN int,
	leaseFor time.Duration,
) ([]models.LifecycleEvent, error) {
	query := `WITH eligible AS (
	            SELECT o.event_id
	            FROM outbox_events o
	            WHERE o.dead_lettered = FALSE
	              AND (o.lease_expires_at IS NULL OR o.lease_expires_at <= now())
	              AND NOT EXISTS (
	                    SELECT 1 FROM outbox_events p
	                    WHERE p.trainee_id = o.trainee_id AND p.form_type = o.form_type
	                      AND p.dead_lettered = FALSE AND p.seq < o.seq)
	              AND NOT EXISTS (
	                    SELECT 1 FROM outbox_events q
	                    WHERE q.trainee_id = o.trainee_id AND q.form_type = o.form_type
	                      AND q.event_id <> o.event_id AND q.lease_expires_at > now())
	            ORDER BY o.seq
	            LIMIT $1
	            FOR UPDATE OF o SKIP LOCKED
	          )
	          UPDATE outbox_events e
	          SET lease_expires_at = now() + make_interval(secs => $2::double precision),
	              attempts = e.attempts + 1
	          FROM eligible
	          WHERE e.event_id = eligible.event_id
	          RETURNING e.event_id, e.trainee_id, e.form_type, e.version_id, e.to_state,
	                    e.occurred_at, e.seq, e.attempts, e.lease_expires_at`

	events := make([]models.LifecycleEvent, 0, maxN)
	if err := r.db.SelectContext(ctx, &events, query, maxN, leaseFor.Seconds()); err != nil {
		return nil, fmt.Errorf("leasing outbox batch: %w", err)
	}
	return events, nil
}

// Acknowledge removes a delivered event permanently. Acknowledging an unknown
// id is a no-op: redelivery races are expected and must stay harmless.
func (r *postgresOutboxRepository) Acknowledge(ctx context.Context, eventID string) error {
	_, err := r.db.ExecContext(ctx, `DELETE FROM outbox_events WHERE event_id = $1`, eventID)
	if err != nil {
		return fmt.Errorf("acknowledging outbox event: %w", err)
	}
	return nil
}

// MarkDeadLettered parks a structurally invalid event so it stops blocking
// its key and stops being retried. Operators act on these via the
// dead-letter metric and log.
func (r *postgresOutboxRepository) MarkDeadLettered(ctx context.Context, eventID, reason string) error {
	query := `UPDATE outbox_events
	          SET dead_lettered = TRUE, dead_letter_reason = $2, lease_expires_at = NULL
	          WHERE event_id = $1`
	_, err := r.db.ExecContext(ctx, query, eventID, reason)
	if err != nil {
		return fmt.Errorf("dead-lettering outbox event: %w", err)
	}
	r.log.Error().
		Str("event_id", eventID).
		Str("reason", reason).
		Msg("outbox event dead-lettered, operator intervention required")
	return nil
}

// EnqueueRefreshForType re-stages a lifecycle event for every non-DRAFT
// version of formType in one atomic statement, used to refresh downstream
// consumers after data discrepancies. Returns the number of staged events.
func (r *postgresOutboxRepository) EnqueueRefreshForType(ctx context.Context, formType string) (int64, error) {
	// The ORDER BY drives BIGSERIAL seq assignment, so refresh events keep
	// the ascending version order the drain loop promises per form.
	query := `INSERT INTO outbox_events (event_id, trainee_id, form_type, version_id, to_state, occurred_at)
	          SELECT gen_random_uuid(), trainee_id, form_type, version_id, state, now()
	          FROM form_versions
	          WHERE form_type = $1 AND state <> $2
	          ORDER BY trainee_id, form_type, version_id`
	res, err := r.db.ExecContext(ctx, query, formType, lifecycle.StateDraft)
	if err != nil {
		return 0, fmt.Errorf("staging refresh events: %w", err)
	}
	staged, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("reading rows affected: %w", err)
	}
	r.log.Info().Str("form_type", formType).Int64("staged", staged).Msg("staged downstream refresh")
	return staged, nil
}
