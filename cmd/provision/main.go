// Command provision creates a tenant and prints its API key.
//
// The composite key "<tenant_id>.<secret>" is printed exactly once; only
// the argon2id hash of the secret is stored.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/google/uuid"

	httpserver "github.com/fairyhunter13/taskforge/internal/adapter/httpserver"
	"github.com/fairyhunter13/taskforge/internal/adapter/observability"
	"github.com/fairyhunter13/taskforge/internal/adapter/repo/postgres"
	"github.com/fairyhunter13/taskforge/internal/config"
	"github.com/fairyhunter13/taskforge/internal/domain"
)

func main() {
	var (
		tenantID = flag.String("tenant", "", "tenant identifier (generated when empty)")
		name     = flag.String("name", "", "human-readable tenant name (required)")
		quota    = flag.Int("quota", 0, "max concurrent jobs (default from env)")
		rate     = flag.Int("rate", 0, "submissions per minute (default from env)")
	)
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, "config load failed:", err)
		os.Exit(1)
	}
	slog.SetDefault(observability.SetupLogger(cfg))

	if *name == "" {
		fmt.Fprintln(os.Stderr, "-name is required")
		flag.Usage()
		os.Exit(2)
	}
	id := *tenantID
	if id == "" {
		id = uuid.NewString()
	}
	maxConcurrent := *quota
	if maxConcurrent <= 0 {
		maxConcurrent = cfg.DefaultMaxConcurrentJobs
	}
	perMinute := *rate
	if perMinute <= 0 {
		perMinute = cfg.DefaultRateLimitPerMinute
	}

	secret, err := httpserver.NewAPISecret()
	if err != nil {
		fmt.Fprintln(os.Stderr, "secret generation failed:", err)
		os.Exit(1)
	}
	hash, err := httpserver.HashAPIKey(secret, httpserver.DefaultArgon2Params())
	if err != nil {
		fmt.Fprintln(os.Stderr, "secret hashing failed:", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	pool, err := postgres.NewPool(ctx, cfg.DBURL)
	if err != nil {
		fmt.Fprintln(os.Stderr, "db connect failed:", err)
		os.Exit(1)
	}
	defer pool.Close()

	err = postgres.NewTenantRepo(pool).Create(ctx, domain.Tenant{
		ID:                 id,
		APIKeyHash:         hash,
		Name:               *name,
		MaxConcurrentJobs:  maxConcurrent,
		RateLimitPerMinute: perMinute,
	})
	if err != nil {
		fmt.Fprintln(os.Stderr, "tenant create failed:", err)
		os.Exit(1)
	}

	fmt.Printf("tenant_id: %s\n", id)
	fmt.Printf("name: %s\n", *name)
	fmt.Printf("max_concurrent_jobs: %d\n", maxConcurrent)
	fmt.Printf("rate_limit_per_minute: %d\n", perMinute)
	fmt.Printf("api_key: %s.%s\n", id, secret)
	fmt.Println("store the api_key now; it cannot be recovered")
}
