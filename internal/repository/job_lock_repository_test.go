package repository_test

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Health-Education-England/tis-trainee-forms/internal/repository"
)

func setupJobLockRepoMock(t *testing.T) (repository.JobLockRepository, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	return repository.NewPostgresJobLockRepository(sqlx.NewDb(db, "sqlmock")), mock
}

func TestAcquire(t *testing.T) {
	tests := []struct {
		name         string
		rowsAffected int64
		wantAcquired bool
	}{
		{"free lock acquired", 1, true},
		{"held lock refused", 0, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			repo, mock := setupJobLockRepoMock(t)
			mock.ExpectExec(`INSERT INTO job_locks`).
				WithArgs("outbox-publisher", "worker-1", float64(60)).
				WillReturnResult(sqlmock.NewResult(0, tt.rowsAffected))

			acquired, err := repo.Acquire(context.Background(), "outbox-publisher", "worker-1", time.Minute)

			require.NoError(t, err)
			assert.Equal(t, tt.wantAcquired, acquired)
			assert.NoError(t, mock.ExpectationsWereMet())
		})
	}
}

func TestRelease(t *testing.T) {
	repo, mock := setupJobLockRepoMock(t)
	mock.ExpectExec(`UPDATE job_locks`).
		WithArgs("outbox-publisher", "worker-1").
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, repo.Release(context.Background(), "outbox-publisher", "worker-1"))
	assert.NoError(t, mock.ExpectationsWereMet())
}
