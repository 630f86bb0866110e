package queue

import (
	"testing"
	"time"
)

func TestPolicyFixedDelayByDefault(t *testing.T) {
	t.Parallel()

	var p Policy
	for attempt := 1; attempt <= 5; attempt++ {
		if got := p.Delay(attempt); got != DefaultReconnectDelay {
			t.Fatalf("attempt %d: expected %v, got %v", attempt, DefaultReconnectDelay, got)
		}
	}
}

func TestPolicyExponentialBackoffCapped(t *testing.T) {
	t.Parallel()

	p := Policy{BaseDelay: time.Second, MaxDelay: 4 * time.Second, Multiplier: 2}
	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{attempt: 0, want: time.Second},
		{attempt: 1, want: time.Second},
		{attempt: 2, want: 2 * time.Second},
		{attempt: 3, want: 4 * time.Second},
		{attempt: 10, want: 4 * time.Second},
	}
	for _, tc := range tests {
		if got := p.Delay(tc.attempt); got != tc.want {
			t.Fatalf("attempt %d: expected %v, got %v", tc.attempt, tc.want, got)
		}
	}
}
