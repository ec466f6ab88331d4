package fallback

import (
	"testing"
	"time"
)

func TestDelayForAttempt_NoJitter_ConstantFactorOne(t *testing.T) {
	cfg := BackoffConfig{
		InitialDelayMS: 10,
		BackoffFactor:  1.0,
		MaxDelayMS:     1000,
		Jitter:         false,
	}
	for attempt := 1; attempt <= 5; attempt++ {
		if got := DelayForAttempt(attempt, cfg, "seed"); got != 10*time.Millisecond {
			t.Fatalf("attempt %d: got %v want %v", attempt, got, 10*time.Millisecond)
		}
	}
}

func TestDelayForAttempt_NoJitter_ExponentialAndCapped(t *testing.T) {
	cfg := BackoffConfig{
		InitialDelayMS: 50,
		BackoffFactor:  10.0,
		MaxDelayMS:     200,
		Jitter:         false,
	}
	if got := DelayForAttempt(1, cfg, "seed"); got != 50*time.Millisecond {
		t.Fatalf("attempt 1: got %v want %v", got, 50*time.Millisecond)
	}
	// 50 * 10 = 500ms but capped at 200ms.
	if got := DelayForAttempt(2, cfg, "seed"); got != 200*time.Millisecond {
		t.Fatalf("attempt 2: got %v want %v", got, 200*time.Millisecond)
	}
	if got := DelayForAttempt(3, cfg, "seed"); got != 200*time.Millisecond {
		t.Fatalf("attempt 3: got %v want %v", got, 200*time.Millisecond)
	}
}

func TestDelayForAttempt_Jitter_IsDeterministicPerSeedAndWithinRange(t *testing.T) {
	cfg := BackoffConfig{
		InitialDelayMS: 100,
		BackoffFactor:  1.0,
		MaxDelayMS:     1000,
		Jitter:         true,
	}
	d1 := DelayForAttempt(1, cfg, "seed-a")
	d1b := DelayForAttempt(1, cfg, "seed-a")
	if d1 != d1b {
		t.Fatalf("expected deterministic delay for same seed: %v vs %v", d1, d1b)
	}
	min := 50 * time.Millisecond
	max := 150 * time.Millisecond
	if d1 < min || d1 > max {
		t.Fatalf("delay out of jitter range: got %v want within [%v, %v]", d1, min, max)
	}
	d2 := DelayForAttempt(1, cfg, "seed-b")
	if d2 == d1 {
		t.Fatalf("expected different seed to produce different jittered delay (got %v)", d2)
	}
}

func TestDelayForAttempt_ZeroInitialDisablesBackoff(t *testing.T) {
	cfg := BackoffConfig{InitialDelayMS: 0, BackoffFactor: 2.0, MaxDelayMS: 1000}
	if got := DelayForAttempt(3, cfg, "seed"); got != 0 {
		t.Fatalf("got %v want 0", got)
	}
}
