package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5/pgconn"

	"github.com/fairyhunter13/taskforge/internal/domain"
)

// isUniqueViolation reports whether err is a unique-constraint hit
// (SQLSTATE 23505), the signal for a concurrent idempotent submit.
func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

// transientCodes are the SQLSTATEs worth retrying inside the worker:
// serialization failure, deadlock, lock not available, statement canceled.
var transientCodes = map[string]bool{
	"40001": true,
	"40P01": true,
	"55P03": true,
	"57014": true,
}

func isTransient(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && transientCodes[pgErr.Code] {
		return true
	}
	// Connection class (08xxx) failures are retryable once the pool
	// re-establishes a connection.
	if errors.As(err, &pgErr) && len(pgErr.Code) >= 2 && pgErr.Code[:2] == "08" {
		return true
	}
	return false
}

// mapStoreErr wraps a store failure with its operation, tagging retryable
// ones with ErrTransientStore so the worker's backoff policy can find them
// through errors.Is.
func mapStoreErr(op string, err error) error {
	if isTransient(err) {
		return fmt.Errorf("op=%s: %w: %v", op, domain.ErrTransientStore, err)
	}
	return fmt.Errorf("op=%s: %w", op, err)
}
