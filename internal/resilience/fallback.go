package resilience

import (
	"errors"
	"fmt"
	"log/slog"
)

// ErrChainExhausted is returned when every entry in a [Chain] failed or had
// an open breaker.
var ErrChainExhausted = errors.New("resilience: all fallbacks exhausted")

type chainEntry[T any] struct {
	name    string
	value   T
	breaker *Breaker
}

// Chain tries a primary and an ordered list of fallbacks of the same adapter
// type, each behind its own [Breaker]. The chat layer wraps one around the
// configured model so remote reasoning modes fail over to the fast model
// instead of killing the run.
//
// Safe for concurrent use after setup; AddFallback is not synchronized and
// must happen before the first Execute.
type Chain[T any] struct {
	entries []chainEntry[T]
	breaker BreakerConfig
	log     *slog.Logger
}

// NewChain creates a [Chain] with primary as the first entry. breaker is the
// template config cloned per entry (the Name field is overwritten).
func NewChain[T any](primaryName string, primary T, breaker BreakerConfig) *Chain[T] {
	log := breaker.Log
	if log == nil {
		log = slog.Default()
	}
	c := &Chain[T]{breaker: breaker, log: log}
	c.AddFallback(primaryName, primary)
	return c
}

// AddFallback appends an entry tried after all earlier ones.
func (c *Chain[T]) AddFallback(name string, value T) {
	cfg := c.breaker
	cfg.Name = name
	c.entries = append(c.entries, chainEntry[T]{
		name:    name,
		value:   value,
		breaker: NewBreaker(cfg),
	})
}

// Names returns the entry names in try order.
func (c *Chain[T]) Names() []string {
	out := make([]string, len(c.entries))
	for i, e := range c.entries {
		out[i] = e.name
	}
	return out
}

// Execute tries fn against each entry until one succeeds. Entries with an
// open breaker are skipped. Permanent errors still advance to the next entry:
// a model rejecting a prompt is exactly when the fallback should run.
func (c *Chain[T]) Execute(fn func(name string, v T) error) error {
	var lastErr error
	for i := range c.entries {
		e := &c.entries[i]
		err := e.breaker.Execute(func() error { return fn(e.name, e.value) })
		if err == nil {
			return nil
		}
		lastErr = err
		if errors.Is(err, ErrBreakerOpen) {
			c.log.Debug("fallback skipped, breaker open", "entry", e.name)
		} else {
			c.log.Warn("fallback entry failed", "entry", e.name, "error", err)
		}
	}
	return fmt.Errorf("%w: %v", ErrChainExhausted, lastErr)
}

// ExecuteWithResult is [Chain.Execute] for operations that return a value.
// Package-level because Go methods cannot introduce type parameters.
func ExecuteWithResult[T, R any](c *Chain[T], fn func(name string, v T) (R, error)) (R, error) {
	var (
		result R
		zero   R
	)
	err := c.Execute(func(name string, v T) error {
		var innerErr error
		result, innerErr = fn(name, v)
		return innerErr
	})
	if err != nil {
		return zero, err
	}
	return result, nil
}
