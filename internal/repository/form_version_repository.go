package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"github.com/rs/zerolog"

	"github.com/Health-Education-England/tis-trainee-forms/internal/lifecycle"
	"github.com/Health-Education-England/tis-trainee-forms/internal/models"
)

const (
	pgUniqueViolationCode = "23505"

	// createAttempts bounds the internal retries when version-id allocation
	// races with a concurrent create for the same (trainee, form type).
	createAttempts = 3
)

// Mutator applies an in-memory change to a loaded form version. It runs
// inside CompareAndUpdate's transaction and must not perform I/O.
type Mutator func(*models.FormVersion) error

// FormVersionRepository is the durable store of form versions. All writes
// after creation funnel through CompareAndUpdate.
type FormVersionRepository interface {
	Create(ctx context.Context, traineeID, formType string, content json.RawMessage) (*models.FormVersion, error)
	Get(ctx context.Context, key models.FormVersionKey) (*models.FormVersion, error)
	ListByTrainee(ctx context.Context, traineeID, formType string, limit, offset int) ([]models.FormVersion, error)
	CompareAndUpdate(ctx context.Context, key models.FormVersionKey, expectedRevision int64, mutate Mutator) (*models.FormVersion, error)
}

// postgresFormVersionRepository implements FormVersionRepository for
// PostgreSQL. It also owns the atomicity contract between a state change and
// its outbox entry: both are written in one transaction.
type postgresFormVersionRepository struct {
	db     *sqlx.DB
	outbox OutboxRepository
	log    zerolog.Logger
}

// NewPostgresFormVersionRepository creates a new version store backed by db.
// State-changing updates stage their lifecycle event through outbox within
// the same transaction.
func NewPostgresFormVersionRepository(db *sqlx.DB, outbox OutboxRepository, log zerolog.Logger) FormVersionRepository {
	return &postgresFormVersionRepository{
		db:     db,
		outbox: outbox,
		log:    log.With().Str("component", "form_version_repository").Logger(),
	}
}

const formVersionColumns = `trainee_id, form_type, version_id, state, content, revision, created_at, last_modified_at`

// Create allocates the next version id for (traineeID, formType) and inserts
// a DRAFT at revision 1. Allocation races surface as unique violations and
// are retried with a fresh id up to createAttempts times.
func (r *postgresFormVersionRepository) Create(
	ctx context.Context,
	traineeID, formType string,
	content json.RawMessage,
) (*models.FormVersion, error) {
	query := `INSERT INTO form_versions (trainee_id, form_type, version_id, state, content, revision, created_at, last_modified_at)
	          VALUES ($1, $2,
	                  (SELECT COALESCE(MAX(version_id), 0) + 1 FROM form_versions WHERE trainee_id = $1 AND form_type = $2),
	                  $3, $4, 1, now(), now())
	          RETURNING ` + formVersionColumns

	var lastErr error
	for attempt := 1; attempt <= createAttempts; attempt++ {
		var version models.FormVersion
		err := r.db.GetContext(ctx, &version, query, traineeID, formType, lifecycle.StateDraft, []byte(content))
		if err == nil {
			r.log.Info().
				Str("trainee_id", traineeID).
				Str("form_type", formType).
				Int64("version_id", version.VersionID).
				Msg("created draft version")
			return &version, nil
		}

		var pgErr *pq.Error
		if errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolationCode {
			r.log.Debug().
				Str("trainee_id", traineeID).
				Str("form_type", formType).
				Int("attempt", attempt).
				Msg("version id allocation raced, retrying")
			lastErr = err
			continue
		}
		return nil, fmt.Errorf("inserting form version: %w", err)
	}
	return nil, fmt.Errorf("%w: %w", ErrVersionConflict, lastErr)
}

// Get loads a single version, returning ErrVersionNotFound if absent.
func (r *postgresFormVersionRepository) Get(ctx context.Context, key models.FormVersionKey) (*models.FormVersion, error) {
	query := `SELECT ` + formVersionColumns + ` FROM form_versions
	          WHERE trainee_id = $1 AND form_type = $2 AND version_id = $3`

	var version models.FormVersion
	err := r.db.GetContext(ctx, &version, query, key.TraineeID, key.FormType, key.VersionID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrVersionNotFound
		}
		return nil, fmt.Errorf("selecting form version: %w", err)
	}
	return &version, nil
}

// ListByTrainee returns a trainee's versions of one form type, newest first.
func (r *postgresFormVersionRepository) ListByTrainee(
	ctx context.Context,
	traineeID, formType string,
	limit, offset int,
) ([]models.FormVersion, error) {
	query := `SELECT ` + formVersionColumns + ` FROM form_versions
	          WHERE trainee_id = $1 AND form_type = $2
	          ORDER BY version_id DESC
	          LIMIT $3 OFFSET $4`

	versions := make([]models.FormVersion, 0, limit)
	if err := r.db.SelectContext(ctx, &versions, query, traineeID, formType, limit, offset); err != nil {
		return nil, fmt.Errorf("listing form versions: %w", err)
	}
	return versions, nil
}

// CompareAndUpdate applies mutate to the stored version only if its revision
// still equals expectedRevision, bumping the revision by exactly one. A
// concurrent writer loses via revision mismatch (ErrStaleRevision) rather
// than waiting. When the mutation changed the lifecycle state, the matching
// LifecycleEvent is staged in the outbox within the same transaction.
func (r *postgresFormVersionRepository) CompareAndUpdate(
	ctx context.Context,
	key models.FormVersionKey,
	expectedRevision int64,
	mutate Mutator,
) (*models.FormVersion, error) {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("beginning transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var current models.FormVersion
	selectQuery := `SELECT ` + formVersionColumns + ` FROM form_versions
	          WHERE trainee_id = $1 AND form_type = $2 AND version_id = $3`
	err = tx.GetContext(ctx, &current, selectQuery, key.TraineeID, key.FormType, key.VersionID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrVersionNotFound
		}
		return nil, fmt.Errorf("selecting form version: %w", err)
	}
	if current.Revision != expectedRevision {
		return nil, ErrStaleRevision
	}

	previousState := current.State
	if err = mutate(&current); err != nil {
		// Mutator errors (invalid transitions, frozen content) surface to the
		// caller unmodified; nothing has been written.
		return nil, err
	}

	now := time.Now().UTC()
	current.Revision = expectedRevision + 1
	current.LastModifiedAt = now

	updateQuery := `UPDATE form_versions
	          SET state = $1, content = $2, revision = $3, last_modified_at = $4
	          WHERE trainee_id = $5 AND form_type = $6 AND version_id = $7 AND revision = $8`
	res, err := tx.ExecContext(ctx, updateQuery,
		current.State, []byte(current.Content), current.Revision, current.LastModifiedAt,
		key.TraineeID, key.FormType, key.VersionID, expectedRevision,
	)
	if err != nil {
		return nil, fmt.Errorf("updating form version: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("reading rows affected: %w", err)
	}
	if affected == 0 {
		// A concurrent writer committed between our read and write.
		return nil, ErrStaleRevision
	}

	if current.State != previousState {
		event := &models.LifecycleEvent{
			EventID:    uuid.NewString(),
			TraineeID:  key.TraineeID,
			FormType:   key.FormType,
			VersionID:  key.VersionID,
			ToState:    current.State,
			OccurredAt: now,
		}
		if err = r.outbox.EnqueueTx(ctx, tx, event); err != nil {
			return nil, fmt.Errorf("staging lifecycle event: %w", err)
		}
	}

	if err = tx.Commit(); err != nil {
		return nil, fmt.Errorf("committing form version update: %w", err)
	}

	r.log.Info().
		Str("trainee_id", key.TraineeID).
		Str("form_type", key.FormType).
		Int64("version_id", key.VersionID).
		Int64("revision", current.Revision).
		Str("state", string(current.State)).
		Msg("updated form version")
	return &current, nil
}
