package sync

import (
	"testing"
	"time"
)

func TestBackoffDelayBounds(t *testing.T) {
	base := 1 * time.Second
	limit := 60 * time.Second

	cases := []struct {
		attempt int
		raw     time.Duration
	}{
		{1, 1 * time.Second},
		{2, 2 * time.Second},
		{3, 4 * time.Second},
		{6, 32 * time.Second},
		{7, 60 * time.Second},
		{20, 60 * time.Second},
	}

	for _, tc := range cases {
		lo := time.Duration(float64(tc.raw) * 0.8)
		hi := time.Duration(float64(tc.raw) * 1.2)
		for i := 0; i < 50; i++ {
			got := backoffDelay(base, limit, tc.attempt)
			if got < lo || got > hi {
				t.Fatalf("attempt %d: delay %v outside [%v, %v]", tc.attempt, got, lo, hi)
			}
		}
	}
}

func TestBackoffDelayJitters(t *testing.T) {
	seen := make(map[time.Duration]bool)
	for i := 0; i < 20; i++ {
		seen[backoffDelay(time.Second, time.Minute, 5)] = true
	}
	if len(seen) < 2 {
		t.Error("Expected jitter to vary the delay")
	}
}
