package resilience

import (
	"errors"
	"testing"
	"time"
)

func TestBreakerTripsAfterConsecutiveFailures(t *testing.T) {
	b := NewBreaker(BreakerConfig{Name: "speechmatics", TripAfter: 3, Cooldown: time.Hour})
	boom := errors.New("boom")
	for i := 0; i < 3; i++ {
		if err := b.Execute(func() error { return boom }); !errors.Is(err, boom) {
			t.Fatalf("attempt %d: %v", i, err)
		}
	}
	if b.State() != BreakerOpen {
		t.Fatalf("state = %v, want open", b.State())
	}
	if err := b.Execute(func() error { return nil }); !errors.Is(err, ErrBreakerOpen) {
		t.Fatalf("open breaker forwarded a call: %v", err)
	}
}

func TestBreakerSuccessResetsStreak(t *testing.T) {
	b := NewBreaker(BreakerConfig{Name: "azure", TripAfter: 2, Cooldown: time.Hour})
	boom := errors.New("boom")
	b.Execute(func() error { return boom })
	b.Execute(func() error { return nil })
	b.Execute(func() error { return boom })
	if b.State() != BreakerClosed {
		t.Fatalf("state = %v, want closed after interleaved success", b.State())
	}
}

func TestBreakerProbesAndCloses(t *testing.T) {
	b := NewBreaker(BreakerConfig{Name: "llm", TripAfter: 1, Cooldown: 10 * time.Millisecond, ProbeBudget: 2})
	b.Execute(func() error { return errors.New("boom") })
	if b.State() != BreakerOpen {
		t.Fatalf("state = %v, want open", b.State())
	}

	time.Sleep(20 * time.Millisecond)
	if b.State() != BreakerProbing {
		t.Fatalf("state = %v, want probing after cooldown", b.State())
	}
	for i := 0; i < 2; i++ {
		if err := b.Execute(func() error { return nil }); err != nil {
			t.Fatalf("probe %d: %v", i, err)
		}
	}
	if b.State() != BreakerClosed {
		t.Fatalf("state = %v, want closed after probe budget", b.State())
	}
}

func TestBreakerProbeFailureReopens(t *testing.T) {
	b := NewBreaker(BreakerConfig{Name: "llm", TripAfter: 1, Cooldown: 10 * time.Millisecond})
	b.Execute(func() error { return errors.New("boom") })
	time.Sleep(20 * time.Millisecond)
	b.Execute(func() error { return errors.New("still down") })
	if b.State() != BreakerOpen {
		t.Fatalf("state = %v, want re-opened", b.State())
	}
}

func TestBreakerReset(t *testing.T) {
	b := NewBreaker(BreakerConfig{Name: "x", TripAfter: 1, Cooldown: time.Hour})
	b.Execute(func() error { return errors.New("boom") })
	b.Reset()
	if b.State() != BreakerClosed {
		t.Fatalf("state = %v, want closed after reset", b.State())
	}
	if err := b.Execute(func() error { return nil }); err != nil {
		t.Fatalf("Execute after reset: %v", err)
	}
}
