package generation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"
	"golang.org/x/time/rate"
)

type RetryConfig struct {
	// Timeout bounds every single backend attempt.
	Timeout         time.Duration
	MaxRetries      int
	InitialInterval time.Duration
	MaxInterval     time.Duration

	// RequestsPerSecond throttles backend calls process-wide. Zero disables it.
	RequestsPerSecond float64
}

func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		Timeout:           60 * time.Second,
		MaxRetries:        2,
		InitialInterval:   time.Second,
		MaxInterval:       10 * time.Second,
		RequestsPerSecond: 5,
	}
}

// RetryingGenerator wraps a Generator with a per-attempt timeout, a rate
// limiter and exponential backoff with jitter for transient failures.
// Anything that is not transient is returned after the first attempt.
type RetryingGenerator struct {
	next    Generator
	cfg     RetryConfig
	limiter *rate.Limiter
}

func NewRetryingGenerator(next Generator, cfg RetryConfig) *RetryingGenerator {
	g := &RetryingGenerator{next: next, cfg: cfg}
	if cfg.RequestsPerSecond > 0 {
		burst := int(cfg.RequestsPerSecond)
		if burst < 1 {
			burst = 1
		}
		g.limiter = rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), burst)
	}
	return g
}

func (g *RetryingGenerator) Generate(ctx context.Context, req Request) (*Response, error) {
	attempts := 0
	op := func() (*Response, error) {
		attempts++
		if g.limiter != nil {
			if err := g.limiter.Wait(ctx); err != nil {
				return nil, backoff.Permanent(err)
			}
		}

		attemptCtx := ctx
		if g.cfg.Timeout > 0 {
			var cancel context.CancelFunc
			attemptCtx, cancel = context.WithTimeout(ctx, g.cfg.Timeout)
			defer cancel()
		}

		resp, err := g.next.Generate(attemptCtx, req)
		if err == nil {
			return resp, nil
		}
		if ctx.Err() != nil {
			return nil, backoff.Permanent(err)
		}
		if errors.Is(attemptCtx.Err(), context.DeadlineExceeded) {
			return nil, fmt.Errorf("%w: attempt timed out after %s: %v", ErrTransient, g.cfg.Timeout, err)
		}
		if !IsTransient(err) {
			return nil, backoff.Permanent(err)
		}
		return nil, err
	}

	notify := func(err error, wait time.Duration) {
		slog.WarnContext(ctx, "generation attempt failed, retrying", "attempt", attempts, "wait", wait, "error", err)
	}

	resp, err := backoff.RetryNotifyWithData(op, g.policy(ctx), notify)
	if err != nil {
		if IsTransient(err) {
			return nil, fmt.Errorf("generation failed after %d attempts: %w", attempts, err)
		}
		return nil, err
	}
	return resp, nil
}

func (g *RetryingGenerator) policy(ctx context.Context) backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	if g.cfg.InitialInterval > 0 {
		b.InitialInterval = g.cfg.InitialInterval
	}
	if g.cfg.MaxInterval > 0 {
		b.MaxInterval = g.cfg.MaxInterval
	}
	b.MaxElapsedTime = 0
	b.Reset()

	var p backoff.BackOff = b
	if g.cfg.MaxRetries >= 0 {
		p = backoff.WithMaxRetries(p, uint64(g.cfg.MaxRetries))
	}
	return backoff.WithContext(p, ctx)
}
