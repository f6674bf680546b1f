package httpserver

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"fmt"
	"math"
	"net/http"
	"strconv"
	"strings"

	"golang.org/x/crypto/argon2"

	"github.com/fairyhunter13/taskforge/internal/domain"
)

// Argon2Params defines parameters for Argon2id API-key hashing
type Argon2Params struct {
	Memory      uint32
	Iterations  uint32
	Parallelism uint8
	SaltLen     uint32
	KeyLen      uint32
}

var defaultArgon2Params = Argon2Params{
	Memory:      64 * 1024, // 64 MB
	Iterations:  3,
	Parallelism: 2,
	SaltLen:     16,
	KeyLen:      32,
}

// HashAPIKey creates an Argon2id hash of the tenant secret
func HashAPIKey(secret string, params Argon2Params) (string, error) {
	salt := make([]byte, params.SaltLen)
	if _, err := rand.Read(salt); err != nil {
		return "", err
	}

	hash := argon2.IDKey([]byte(secret), salt, params.Iterations, params.Memory, params.Parallelism, params.KeyLen)

	// Format: argon2id$iterations$memory$parallelism$salt$hash (base64 encoded)
	encoded := fmt.Sprintf("argon2id$%d$%d$%d$%s$%s",
		params.Iterations,
		params.Memory,
		params.Parallelism,
		base64.RawStdEncoding.EncodeToString(salt),
		base64.RawStdEncoding.EncodeToString(hash),
	)

	return encoded, nil
}

// DefaultArgon2Params returns the hashing parameters used for new keys.
func DefaultArgon2Params() Argon2Params { return defaultArgon2Params }

// VerifyAPIKey verifies a tenant secret against its Argon2id hash
func VerifyAPIKey(secret, encodedHash string) bool {
	// Expected format: argon2id$iterations$memory$parallelism$salt$hash (base64 raw std for salt/hash)
	parts := strings.Split(encodedHash, "$")
	if len(parts) != 6 || parts[0] != "argon2id" {
		return false
	}
	iters64, err1 := parseUint32(parts[1])
	mem64, err2 := parseUint32(parts[2])
	par64, err3 := parseUint32(parts[3])
	if err1 != nil || err2 != nil || err3 != nil {
		return false
	}
	salt, err := base64.RawStdEncoding.DecodeString(parts[4])
	if err != nil {
		return false
	}
	expectedHash, err := base64.RawStdEncoding.DecodeString(parts[5])
	if err != nil {
		return false
	}

	// Clamp parallelism to uint8 range to avoid overflow
	var par uint8
	if par64 > math.MaxUint8 {
		par = math.MaxUint8
	} else {
		par = uint8(par64)
	}
	keyLen := uint32(len(expectedHash))
	actualHash := argon2.IDKey([]byte(secret), salt, iters64, mem64, par, keyLen)
	return subtle.ConstantTimeCompare(actualHash, expectedHash) == 1
}

// NewAPISecret generates a 32-byte random secret, base64url-encoded.
func NewAPISecret() (string, error) {
	raw := make([]byte, 32)
	if _, err := rand.Read(raw); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(raw), nil
}

// tenantKey is an unexported context key type for the authenticated tenant.
type tenantKey struct{}

// TenantFrom extracts the authenticated tenant placed by BearerAuth.
func TenantFrom(ctx context.Context) (domain.Tenant, bool) {
	t, ok := ctx.Value(tenantKey{}).(domain.Tenant)
	return t, ok
}

// ContextWithTenant injects a tenant, for handler tests.
func ContextWithTenant(ctx context.Context, t domain.Tenant) context.Context {
	return context.WithValue(ctx, tenantKey{}, t)
}

// BearerAuth authenticates `Authorization: Bearer <tenant_id>.<secret>`
// against the tenant's stored hash and injects the tenant into the request
// context. Every failure mode collapses into the same 401 envelope.
func BearerAuth(tenants domain.TenantRepository) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			header := r.Header.Get("Authorization")
			const prefix = "Bearer "
			if !strings.HasPrefix(header, prefix) {
				writeError(w, r, fmt.Errorf("%w: missing bearer token", domain.ErrUnauthorized), nil)
				return
			}
			token := strings.TrimPrefix(header, prefix)
			tenantID, secret, ok := strings.Cut(token, ".")
			if !ok || tenantID == "" || secret == "" {
				writeError(w, r, fmt.Errorf("%w: malformed api key", domain.ErrUnauthorized), nil)
				return
			}
			tenant, err := tenants.Get(r.Context(), tenantID)
			if err != nil || !VerifyAPIKey(secret, tenant.APIKeyHash) {
				writeError(w, r, fmt.Errorf("%w: invalid api key", domain.ErrUnauthorized), nil)
				return
			}
			next.ServeHTTP(w, r.WithContext(ContextWithTenant(r.Context(), tenant)))
		})
	}
}

// parseUint32 parses a decimal string into uint32; returns error on failure
func parseUint32(s string) (uint32, error) {
	x, err := strconv.ParseUint(s, 10, 32)
	if err != nil {
		return 0, fmt.Errorf("parse")
	}
	if x > math.MaxUint32 {
		return 0, fmt.Errorf("parse")
	}
	return uint32(x), nil
}
