package postgres

import (
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"go.opentelemetry.io/otel"

	"github.com/fairyhunter13/taskforge/internal/domain"
)

// TenantRepo persists tenants. The table keeps the historical name "users"
// for schema compatibility.
type TenantRepo struct{ Pool PgxPool }

// NewTenantRepo constructs a TenantRepo with the given pool.
func NewTenantRepo(p PgxPool) *TenantRepo { return &TenantRepo{Pool: p} }

// Create inserts a tenant row. A duplicate id or API-key hash surfaces
// ErrDuplicateIdempotency's sibling concern as a plain unique violation,
// reported as ErrInvalidArgument to the provisioning caller.
func (r *TenantRepo) Create(ctx domain.Context, t domain.Tenant) error {
	tracer := otel.Tracer("repo.tenants")
	ctx, span := tracer.Start(ctx, "tenants.Create")
	defer span.End()
	createdAt := t.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}
	q := `INSERT INTO users (id, api_key_hash, name, max_concurrent_jobs, rate_limit_per_minute, created_at)
	      VALUES ($1,$2,$3,$4,$5,$6)`
	_, err := r.Pool.Exec(ctx, q, t.ID, t.APIKeyHash, t.Name, t.MaxConcurrentJobs, t.RateLimitPerMinute, createdAt)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("op=tenants.create: tenant %q exists: %w", t.ID, domain.ErrInvalidArgument)
		}
		return mapStoreErr("tenants.create", err)
	}
	return nil
}

// Get loads a tenant by id.
func (r *TenantRepo) Get(ctx domain.Context, id string) (domain.Tenant, error) {
	tracer := otel.Tracer("repo.tenants")
	ctx, span := tracer.Start(ctx, "tenants.Get")
	defer span.End()
	q := `SELECT id, api_key_hash, COALESCE(name,''), max_concurrent_jobs, rate_limit_per_minute, created_at
	      FROM users WHERE id=$1`
	var t domain.Tenant
	err := r.Pool.QueryRow(ctx, q, id).Scan(&t.ID, &t.APIKeyHash, &t.Name, &t.MaxConcurrentJobs, &t.RateLimitPerMinute, &t.CreatedAt)
	if err != nil {
		if err == pgx.ErrNoRows {
			return domain.Tenant{}, fmt.Errorf("op=tenants.get: %w", domain.ErrNotFound)
		}
		return domain.Tenant{}, mapStoreErr("tenants.get", err)
	}
	return t, nil
}
