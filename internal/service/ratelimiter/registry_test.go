package ratelimiter

import "testing"

func TestRegistry_ConfigFor(t *testing.T) {
	t.Parallel()
	def := NewBucketConfigFromPerMinute(10)
	r := NewRegistry(def)

	if got := r.ConfigFor("unknown"); got != def {
		t.Fatalf("expected default config, got %+v", got)
	}

	custom := NewBucketConfigFromPerMinute(120)
	r.Set("t1", custom)
	if got := r.ConfigFor("t1"); got != custom {
		t.Fatalf("expected custom config, got %+v", got)
	}
	if got := r.ConfigFor("t2"); got != def {
		t.Fatalf("expected default for other key, got %+v", got)
	}
}
