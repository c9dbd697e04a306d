package chat

import (
	"context"

	"github.com/mykolastupakov-spsoft/crosstalk/internal/resilience"
)

// Fallback is a [Model] that tries a primary backend and fails over to
// backups in order. Each backend sits behind its own circuit breaker, so a
// flapping primary gets skipped outright once it has tripped.
//
// Name reports the primary's name regardless of which backend answered:
// cache keys must not churn just because a request was served by a backup.
type Fallback struct {
	primary string
	chain   *resilience.Chain[Model]
}

var _ Model = (*Fallback)(nil)

// NewFallback builds a fallback group from a primary and ordered backups.
func NewFallback(primary Model, backups ...Model) *Fallback {
	chain := resilience.NewChain(primary.Name(), primary, resilience.BreakerConfig{})
	for _, b := range backups {
		chain.AddFallback(b.Name(), b)
	}
	return &Fallback{primary: primary.Name(), chain: chain}
}

// Name implements [Model].
func (f *Fallback) Name() string { return f.primary }

// Complete implements [Model]: the first successful completion in chain
// order wins. Once the context is cancelled no further backend is called;
// they would all inherit the same dead context.
func (f *Fallback) Complete(ctx context.Context, req Request) (string, error) {
	return resilience.ExecuteWithResult(f.chain, func(_ string, m Model) (string, error) {
		if err := ctx.Err(); err != nil {
			return "", err
		}
		return m.Complete(ctx, req)
	})
}
