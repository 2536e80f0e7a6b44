package backoff

import (
	"testing"
	"time"
)

func TestNextDelaySchedule(t *testing.T) {
	want := []time.Duration{
		1000 * time.Millisecond,
		1500 * time.Millisecond,
		2250 * time.Millisecond,
		3375 * time.Millisecond,
		5062 * time.Millisecond,
	}
	for i, w := range want {
		delay, exhausted := Default.Next(i)
		if exhausted {
			t.Fatalf("retry %d: budget reported exhausted too early", i)
		}
		if got := delay.Truncate(time.Millisecond); got != w {
			t.Errorf("retry %d: delay = %v, want %v", i, got, w)
		}
	}
}

func TestNextExhaustion(t *testing.T) {
	for i := Default.MaxAttempts; i < Default.MaxAttempts+10; i++ {
		if _, exhausted := Default.Next(i); !exhausted {
			t.Errorf("retryCount %d: want exhausted", i)
		}
	}
	if _, exhausted := Default.Next(Default.MaxAttempts - 1); exhausted {
		t.Errorf("retryCount %d: exhausted before budget spent", Default.MaxAttempts-1)
	}
}

func TestNextMonotoneAndCapped(t *testing.T) {
	var prev time.Duration
	for i := 0; i < 50; i++ {
		delay, _ := Default.Next(i)
		if delay < prev {
			t.Fatalf("delay decreased at retry %d: %v < %v", i, delay, prev)
		}
		if delay > Default.Cap {
			t.Fatalf("delay %v exceeds cap %v at retry %d", delay, Default.Cap, i)
		}
		prev = delay
	}
}

func TestNextNegativeCountClamped(t *testing.T) {
	delay, exhausted := Default.Next(-3)
	if exhausted {
		t.Fatal("negative retry count must not exhaust the budget")
	}
	if delay != Default.Base {
		t.Fatalf("delay = %v, want base %v", delay, Default.Base)
	}
}
