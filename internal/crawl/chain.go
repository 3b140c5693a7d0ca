package crawl

import (
	"context"
	"errors"
	"log/slog"
	"strconv"
	"time"

	"github.com/MrWong99/agentengine/internal/resilience"
)

// Chain tries interchangeable sources in order, each behind its own circuit
// breaker. A not-found answer is passed on to the next source but does not
// count against the breaker.
type Chain struct {
	name  string
	group *resilience.FallbackGroup[Source]
}

// NewChain creates a Chain named name. The first source is the primary.
func NewChain(name string, log *slog.Logger, primary Source, fallbacks ...Source) *Chain {
	if log == nil {
		log = slog.Default()
	}
	group := resilience.NewFallbackGroup(primary, primary.Name()+"#0", resilience.FallbackConfig{
		CircuitBreaker: resilience.CircuitBreakerConfig{
			MaxFailures:  3,
			ResetTimeout: 5 * time.Minute,
			HalfOpenMax:  1,
			Neutral: func(err error) bool {
				return errors.Is(err, ErrNotFound) || errors.Is(err, context.Canceled)
			},
			Logger: log.With("chain", name),
		},
	})
	for i, fb := range fallbacks {
		group.AddFallback(fb.Name()+"#"+strconv.Itoa(i+1), fb)
	}
	return &Chain{name: name, group: group}
}

// Name implements [Source].
func (c *Chain) Name() string { return c.name }

// Fetch implements [Source]. When every source fails the error wraps
// [resilience.ErrAllFailed] and the last source's error, so a chain whose
// last source found nothing still satisfies errors.Is(err, ErrNotFound).
func (c *Chain) Fetch(ctx context.Context, keyword string) (string, error) {
	return resilience.ExecuteWithResult(ctx, c.group, func(ctx context.Context, s Source) (string, error) {
		return s.Fetch(ctx, keyword)
	})
}
