package resilience

import (
	"errors"
	"testing"
	"time"
)

type fakeModel struct {
	name string
	err  error
	out  string
}

func chainOf(models ...fakeModel) *Chain[fakeModel] {
	c := NewChain(models[0].name, models[0], BreakerConfig{TripAfter: 1, Cooldown: time.Hour})
	for _, m := range models[1:] {
		c.AddFallback(m.name, m)
	}
	return c
}

func TestChainUsesPrimaryWhenHealthy(t *testing.T) {
	c := chainOf(
		fakeModel{name: "smart", out: "primary"},
		fakeModel{name: "fast", out: "fallback"},
	)
	got, err := ExecuteWithResult(c, func(name string, m fakeModel) (string, error) {
		return m.out, m.err
	})
	if err != nil {
		t.Fatalf("ExecuteWithResult: %v", err)
	}
	if got != "primary" {
		t.Fatalf("result = %q, want primary", got)
	}
}

func TestChainFallsThroughOnFailure(t *testing.T) {
	c := chainOf(
		fakeModel{name: "smart", err: errors.New("overloaded")},
		fakeModel{name: "fast", out: "fallback"},
	)
	var tried []string
	got, err := ExecuteWithResult(c, func(name string, m fakeModel) (string, error) {
		tried = append(tried, name)
		return m.out, m.err
	})
	if err != nil {
		t.Fatalf("ExecuteWithResult: %v", err)
	}
	if got != "fallback" {
		t.Fatalf("result = %q, want fallback", got)
	}
	if len(tried) != 2 || tried[0] != "smart" || tried[1] != "fast" {
		t.Fatalf("try order = %v", tried)
	}
}

func TestChainExhausted(t *testing.T) {
	c := chainOf(
		fakeModel{name: "smart", err: errors.New("down")},
		fakeModel{name: "fast", err: errors.New("also down")},
	)
	_, err := ExecuteWithResult(c, func(name string, m fakeModel) (string, error) {
		return "", m.err
	})
	if !errors.Is(err, ErrChainExhausted) {
		t.Fatalf("err = %v, want ErrChainExhausted", err)
	}
}

func TestChainSkipsOpenBreaker(t *testing.T) {
	c := chainOf(
		fakeModel{name: "smart", err: errors.New("down")},
		fakeModel{name: "fast", out: "ok"},
	)
	run := func() (string, error) {
		return ExecuteWithResult(c, func(name string, m fakeModel) (string, error) {
			return m.out, m.err
		})
	}
	// First run trips the primary's breaker (TripAfter=1).
	if _, err := run(); err != nil {
		t.Fatalf("first run: %v", err)
	}

	calls := 0
	got, err := ExecuteWithResult(c, func(name string, m fakeModel) (string, error) {
		calls++
		if name == "smart" {
			t.Fatal("primary called while its breaker is open")
		}
		return m.out, m.err
	})
	if err != nil || got != "ok" {
		t.Fatalf("second run = %q, %v", got, err)
	}
	if calls != 1 {
		t.Fatalf("calls = %d, want 1", calls)
	}
}

func TestChainNames(t *testing.T) {
	c := chainOf(fakeModel{name: "a"}, fakeModel{name: "b"})
	names := c.Names()
	if len(names) != 2 || names[0] != "a" || names[1] != "b" {
		t.Fatalf("Names = %v", names)
	}
}
