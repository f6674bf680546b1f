package httpserver

import (
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/fairyhunter13/taskforge/internal/domain"
)

func TestHashAndVerifyAPIKey(t *testing.T) {
	t.Parallel()
	hash, err := HashAPIKey("s3cret", DefaultArgon2Params())
	require.NoError(t, err)
	require.Contains(t, hash, "argon2id$")

	require.True(t, VerifyAPIKey("s3cret", hash))
	require.False(t, VerifyAPIKey("wrong", hash))

	// two hashes of the same secret differ by salt
	other, err := HashAPIKey("s3cret", DefaultArgon2Params())
	require.NoError(t, err)
	require.NotEqual(t, hash, other)
	require.True(t, VerifyAPIKey("s3cret", other))
}

func TestVerifyAPIKey_MalformedHash(t *testing.T) {
	t.Parallel()
	cases := []string{
		"",
		"argon2id$3$65536$2$salt",           // missing hash part
		"bcrypt$3$65536$2$c2FsdA$aGFzaA",    // wrong scheme
		"argon2id$x$65536$2$c2FsdA$aGFzaA",  // bad iterations
		"argon2id$3$65536$2$!!!$aGFzaA",     // bad salt encoding
		"argon2id$3$65536$2$c2FsdA$!!!",     // bad hash encoding
	}
	for _, encoded := range cases {
		require.False(t, VerifyAPIKey("s3cret", encoded), encoded)
	}
}

func TestNewAPISecret(t *testing.T) {
	t.Parallel()
	a, err := NewAPISecret()
	require.NoError(t, err)
	b, err := NewAPISecret()
	require.NoError(t, err)
	require.NotEqual(t, a, b)
	require.GreaterOrEqual(t, len(a), 43) // 32 bytes base64url, unpadded
}

type tenantStore struct {
	tenants map[string]domain.Tenant
}

func (s *tenantStore) Create(_ domain.Context, t domain.Tenant) error {
	s.tenants[t.ID] = t
	return nil
}

func (s *tenantStore) Get(_ domain.Context, id string) (domain.Tenant, error) {
	t, ok := s.tenants[id]
	if !ok {
		return domain.Tenant{}, fmt.Errorf("op=test.tenants.get: %w", domain.ErrNotFound)
	}
	return t, nil
}

func TestBearerAuth(t *testing.T) {
	t.Parallel()
	hash, err := HashAPIKey("topsecret", DefaultArgon2Params())
	require.NoError(t, err)
	store := &tenantStore{tenants: map[string]domain.Tenant{
		"t1": {ID: "t1", APIKeyHash: hash, MaxConcurrentJobs: 5},
	}}

	var seen domain.Tenant
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tenant, ok := TenantFrom(r.Context())
		require.True(t, ok)
		seen = tenant
		w.WriteHeader(http.StatusNoContent)
	})
	handler := BearerAuth(store)(next)

	cases := []struct {
		name   string
		header string
		status int
	}{
		{"valid", "Bearer t1.topsecret", http.StatusNoContent},
		{"missing header", "", http.StatusUnauthorized},
		{"not bearer", "Basic dXNlcjpwYXNz", http.StatusUnauthorized},
		{"no dot", "Bearer t1topsecret", http.StatusUnauthorized},
		{"unknown tenant", "Bearer ghost.topsecret", http.StatusUnauthorized},
		{"wrong secret", "Bearer t1.nope", http.StatusUnauthorized},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			if tc.header != "" {
				req.Header.Set("Authorization", tc.header)
			}
			rec := httptest.NewRecorder()
			handler.ServeHTTP(rec, req)
			require.Equal(t, tc.status, rec.Code)
			if tc.status == http.StatusUnauthorized {
				require.Contains(t, rec.Body.String(), "UNAUTHORIZED")
			}
		})
	}
	require.Equal(t, "t1", seen.ID)
}
