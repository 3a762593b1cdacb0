package retry

import (
	"testing"
	"time"
)

func TestDecide_BackoffLaw(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	policy := Policy{BaseBackoffSeconds: 2, MaxBackoffSeconds: 3600, MaxRetries: 12}

	cases := []struct {
		attempts      int
		expectedDelay time.Duration
	}{
		{1, 2 * time.Second},
		{2, 4 * time.Second},
		{3, 8 * time.Second},
		{12, 3600 * time.Second}, // 2^12 = 4096, capped at max
	}

	for _, c := range cases {
		d := Decide(policy, c.attempts, now)
		if d.ToDLQ {
			t.Fatalf("attempts=%d: expected retry, got dlq", c.attempts)
		}
		got := d.NextRunAt.Sub(now)
		if got != c.expectedDelay {
			t.Errorf("attempts=%d: expected delay %v, got %v", c.attempts, c.expectedDelay, got)
		}
	}
}

func TestDecide_DLQThreshold(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	policy := Policy{BaseBackoffSeconds: 2, MaxBackoffSeconds: 3600, MaxRetries: 2}

	// attempts 1 and 2 still retry (maxRetries+1 == 3)
	for _, attempts := range []int{1, 2} {
		d := Decide(policy, attempts, now)
		if d.ToDLQ {
			t.Errorf("attempts=%d: expected retry before threshold, got dlq", attempts)
		}
	}

	d := Decide(policy, 3, now)
	if !d.ToDLQ {
		t.Error("attempts=3 with max_retries=2: expected dlq")
	}
	if !d.NextRunAt.Equal(now) {
		t.Errorf("expected dlq decision to set next_run_at = now, got %v", d.NextRunAt)
	}
}

func TestDecide_DefaultsOnInvalidConfig(t *testing.T) {
	now := time.Unix(0, 0)
	policy := Policy{BaseBackoffSeconds: 0, MaxBackoffSeconds: 0, MaxRetries: 5}

	d := Decide(policy, 1, now)
	if d.ToDLQ {
		t.Fatal("expected retry, got dlq")
	}
	if d.NextRunAt.Sub(now) != 2*time.Second {
		t.Errorf("expected base backoff to default to 2, got delay %v", d.NextRunAt.Sub(now))
	}
}
