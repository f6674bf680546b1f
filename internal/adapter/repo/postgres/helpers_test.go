package postgres_test

import "time"

const leaseTTL = 5 * time.Minute

func now() time.Time { return time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC) }
