package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
)

// JobLockRepository hands out time-bounded, renewable ownership of a named
// background job, so a job fires on at most one instance of a fleet. It is
// the outbox lease pattern generalized to job identifiers.
type JobLockRepository interface {
	// Acquire claims name for holder until lockFor elapses. It returns false
	// without error when another holder's claim is still live. A holder may
	// re-acquire (renew) its own unexpired claim.
	Acquire(ctx context.Context, name, holder string, lockFor time.Duration) (bool, error)
	// Release ends holder's claim early. Releasing a lock held by someone
	// else is a no-op.
	Release(ctx context.Context, name, holder string) error
}

// postgresJobLockRepository implements JobLockRepository for PostgreSQL.
type postgresJobLockRepository struct {
	db *sqlx.DB
}

// NewPostgresJobLockRepository creates a new job lock store backed by db.
func NewPostgresJobLockRepository(db *sqlx.DB) JobLockRepository {
	return &postgresJobLockRepository{db: db}
}

func (r *postgresJobLockRepository) Acquire(ctx context.Context, name, holder string, lockFor time.Duration) (bool, error) {
	query := `INSERT INTO job_locks (name, locked_by, locked_until)
	          VALUES ($1, $2, now() + make_interval(secs => $3::double precision))
	          ON CONFLICT (name) DO UPDATE
	          SET locked_by = EXCLUDED.locked_by, locked_until = EXCLUDED.locked_until
	          WHERE job_locks.locked_until <= now() OR job_locks.locked_by = EXCLUDED.locked_by`
	res, err := r.db.ExecContext(ctx, query, name, holder, lockFor.Seconds())
	if err != nil {
		return false, fmt.Errorf("acquiring job lock: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("reading rows affected: %w", err)
	}
	return affected == 1, nil
}

func (r *postgresJobLockRepository) Release(ctx context.Context, name, holder string) error {
	query := `UPDATE job_locks SET locked_until = now() WHERE name = $1 AND locked_by = $2`
	if _, err := r.db.ExecContext(ctx, query, name, holder); err != nil {
		return fmt.Errorf("releasing job lock: %w", err)
	}
	return nil
}
