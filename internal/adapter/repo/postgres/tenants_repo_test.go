package postgres_test

import (
	"context"
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fairyhunter13/taskforge/internal/adapter/repo/postgres"
	"github.com/fairyhunter13/taskforge/internal/domain"
)

func TestTenantRepo_Get_NotFound(t *testing.T) {
	t.Parallel()
	pool := &poolStub{row: rowStub{scan: func(_ ...any) error { return pgx.ErrNoRows }}}
	repo := postgres.NewTenantRepo(pool)

	_, err := repo.Get(context.Background(), "ghost")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestTenantRepo_Create_DuplicateID(t *testing.T) {
	t.Parallel()
	pool := &poolStub{execErr: &pgconn.PgError{Code: "23505"}}
	repo := postgres.NewTenantRepo(pool)

	err := repo.Create(context.Background(), domain.Tenant{ID: "t1", APIKeyHash: "h"})
	assert.ErrorIs(t, err, domain.ErrInvalidArgument)
}

func TestTenantRepo_Create_WritesQuotaAndRate(t *testing.T) {
	t.Parallel()
	pool := &poolStub{execTag: pgconn.NewCommandTag("INSERT 0 1")}
	repo := postgres.NewTenantRepo(pool)

	err := repo.Create(context.Background(), domain.Tenant{
		ID: "t1", APIKeyHash: "h", Name: "Acme",
		MaxConcurrentJobs: 5, RateLimitPerMinute: 10,
	})
	require.NoError(t, err)
	assert.Contains(t, pool.lastSQL, "INSERT INTO users")
	assert.Equal(t, 5, pool.lastArgs[3])
	assert.Equal(t, 10, pool.lastArgs[4])
}
