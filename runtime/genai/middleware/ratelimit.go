// Package middleware provides reusable decorators for the genai model
// contracts, currently a requests-per-minute token bucket applied at the
// provider client boundary to stay under upstream quotas.
package middleware

import (
	"context"
	"errors"

	"golang.org/x/time/rate"

	"goa.design/quest/runtime/genai"
)

// Limiter applies a requests-per-minute token bucket to model calls. Callers
// construct one instance per provider and wrap the provider client before
// handing it to the generator. Blocked callers wait until capacity is
// available or their context is canceled.
type Limiter struct {
	lim *rate.Limiter
}

// NewLimiter constructs a Limiter allowing rpm requests per minute with a
// burst of one. Non-positive rpm defaults to 60.
func NewLimiter(rpm int) *Limiter {
	if rpm <= 0 {
		rpm = 60
	}
	return &Limiter{lim: rate.NewLimiter(rate.Limit(float64(rpm)/60.0), 1)}
}

// Reasoner wraps next with the rate limit.
func (l *Limiter) Reasoner(next genai.Reasoner) genai.Reasoner {
	if next == nil {
		return nil
	}
	return genai.ReasonerFunc(func(ctx context.Context, req genai.ReasonRequest) (string, error) {
		if err := l.wait(ctx); err != nil {
			return "", err
		}
		return next.Infer(ctx, req)
	})
}

// Structurer wraps next with the rate limit.
func (l *Limiter) Structurer(next genai.Structurer) genai.Structurer {
	if next == nil {
		return nil
	}
	return genai.StructurerFunc(func(ctx context.Context, req genai.StructureRequest) (string, error) {
		if err := l.wait(ctx); err != nil {
			return "", err
		}
		return next.InferStructured(ctx, req)
	})
}

func (l *Limiter) wait(ctx context.Context) error {
	if err := l.lim.Wait(ctx); err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return err
		}
		return errors.Join(genai.ErrRateLimited, err)
	}
	return nil
}
