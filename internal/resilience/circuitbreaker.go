package resilience

import (
	"errors"
	"log/slog"
	"sync"
	"time"
)

// ErrBreakerOpen is returned by [Breaker.Execute] while the breaker rejects
// calls.
var ErrBreakerOpen = errors.New("resilience: breaker open")

// BreakerState is the operating mode of a [Breaker].
type BreakerState int

const (
	// BreakerClosed forwards every call.
	BreakerClosed BreakerState = iota

	// BreakerOpen rejects calls with [ErrBreakerOpen] until the cooldown
	// elapses.
	BreakerOpen

	// BreakerProbing lets a small number of calls through after the cooldown
	// to decide whether the vendor recovered.
	BreakerProbing
)

func (s BreakerState) String() string {
	switch s {
	case BreakerClosed:
		return "closed"
	case BreakerOpen:
		return "open"
	case BreakerProbing:
		return "probing"
	default:
		return "unknown"
	}
}

// BreakerConfig tunes a [Breaker]. Zero fields take defaults.
type BreakerConfig struct {
	// Name labels the breaker in log lines, usually the vendor name.
	Name string

	// TripAfter is the number of consecutive failures that opens the breaker.
	// Default: 5.
	TripAfter int

	// Cooldown is how long the breaker stays open before probing. Default: 30s.
	Cooldown time.Duration

	// ProbeBudget is how many consecutive probe successes close the breaker.
	// Any probe failure re-opens it. Default: 2.
	ProbeBudget int

	// Log defaults to slog.Default.
	Log *slog.Logger
}

// Breaker is a three-state circuit breaker guarding one vendor endpoint.
// Safe for concurrent use.
type Breaker struct {
	name        string
	tripAfter   int
	cooldown    time.Duration
	probeBudget int
	log         *slog.Logger

	mu          sync.Mutex
	state       BreakerState
	failStreak  int
	probeStreak int
	openedAt    time.Time
}

// NewBreaker creates a [Breaker] from cfg.
func NewBreaker(cfg BreakerConfig) *Breaker {
	if cfg.TripAfter <= 0 {
		cfg.TripAfter = 5
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = 30 * time.Second
	}
	if cfg.ProbeBudget <= 0 {
		cfg.ProbeBudget = 2
	}
	if cfg.Log == nil {
		cfg.Log = slog.Default()
	}
	return &Breaker{
		name:        cfg.Name,
		tripAfter:   cfg.TripAfter,
		cooldown:    cfg.Cooldown,
		probeBudget: cfg.ProbeBudget,
		log:         cfg.Log,
	}
}

// Execute runs fn unless the breaker rejects the call. Probe accounting
// happens here: a failed probe re-opens immediately, enough successful probes
// close the breaker.
func (b *Breaker) Execute(fn func() error) error {
	b.mu.Lock()
	switch b.state {
	case BreakerOpen:
		if time.Since(b.openedAt) < b.cooldown {
			b.mu.Unlock()
			return ErrBreakerOpen
		}
		b.state = BreakerProbing
		b.probeStreak = 0
		b.log.Info("breaker probing after cooldown", "breaker", b.name)
	case BreakerProbing:
		// Only one outstanding concern per probe streak; extra calls during a
		// probe are allowed because vendor calls here are serialized per run.
	}
	probing := b.state == BreakerProbing
	b.mu.Unlock()

	err := fn()

	b.mu.Lock()
	defer b.mu.Unlock()
	if err != nil {
		b.failStreak++
		b.openedAt = time.Now()
		if probing || b.failStreak >= b.tripAfter {
			if b.state != BreakerOpen {
				b.log.Warn("breaker opened", "breaker", b.name, "fail_streak", b.failStreak)
			}
			b.state = BreakerOpen
		}
		return err
	}

	if probing {
		b.probeStreak++
		if b.probeStreak >= b.probeBudget {
			b.state = BreakerClosed
			b.failStreak = 0
			b.log.Info("breaker closed after probes", "breaker", b.name)
		}
		return nil
	}
	b.failStreak = 0
	return nil
}

// State reports the breaker's current mode, accounting for an elapsed
// cooldown (the real transition happens on the next Execute).
func (b *Breaker) State() BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == BreakerOpen && time.Since(b.openedAt) >= b.cooldown {
		return BreakerProbing
	}
	return b.state
}

// Reset forces the breaker closed and clears all counters.
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.state = BreakerClosed
	b.failStreak = 0
	b.probeStreak = 0
}
