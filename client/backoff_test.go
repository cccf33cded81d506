package client

import (
	"testing"
	"time"
)

func TestBackoffDelaysNonDecreasing(t *testing.T) {
	b := backoff{base: time.Second, max: 30 * time.Second}

	prev := time.Duration(0)
	for attempt := 0; attempt < 12; attempt++ {
		d := b.delay(attempt)
		if d < prev {
			t.Errorf("Attempt %d: delay %v decreased from %v", attempt, d, prev)
		}
		if d > 30*time.Second {
			t.Errorf("Attempt %d: delay %v exceeds cap", attempt, d)
		}
		prev = d
	}
}

func TestBackoffDoublesThenCaps(t *testing.T) {
	b := backoff{base: time.Second, max: 30 * time.Second}

	want := []time.Duration{
		1 * time.Second,
		2 * time.Second,
		4 * time.Second,
		8 * time.Second,
		16 * time.Second,
		30 * time.Second,
		30 * time.Second,
	}
	for attempt, w := range want {
		if got := b.delay(attempt); got != w {
			t.Errorf("Attempt %d: expected delay %v, got %v", attempt, w, got)
		}
	}
}

func TestBackoffResetRestoresBase(t *testing.T) {
	b := backoff{base: time.Second, max: 30 * time.Second}
	for i := 0; i < 6; i++ {
		b.next()
	}

	b.reset()
	if got := b.delay(b.attempt); got != time.Second {
		t.Errorf("Expected base delay after reset, got %v", got)
	}
}

func TestBackoffJitterStaysNearDelay(t *testing.T) {
	b := backoff{base: time.Second, max: 30 * time.Second}
	for i := 0; i < 100; i++ {
		b.reset()
		d := b.next()
		if d < 900*time.Millisecond || d > 1100*time.Millisecond {
			t.Fatalf("First delay %v outside ±10%% of base", d)
		}
	}
}
