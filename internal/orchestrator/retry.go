package orchestrator

import (
	"context"
	"math"
	"math/rand/v2"
	"time"

	"github.com/mmr-tortoise/berth/internal/config"
	"github.com/mmr-tortoise/berth/internal/model"
)

// RetryPolicy implements exponential backoff with jitter for transient
// engine errors. Any other error fails immediately.
type RetryPolicy struct {
	// MaxAttempts is the total number of attempts, including the first.
	MaxAttempts int

	// BaseDelay is the wait before the second attempt.
	BaseDelay time.Duration

	// MaxDelay caps the wait between attempts.
	MaxDelay time.Duration

	// Multiplier grows the delay after each attempt.
	Multiplier float64

	// Jitter randomizes each delay by up to this fraction in either
	// direction. Zero makes delays deterministic.
	Jitter float64

	// random returns a value in [0, 1). Nil means math/rand/v2.
	random func() float64
}

// RetryPolicyFrom converts the settings file representation.
func RetryPolicyFrom(r config.Retry) RetryPolicy {
	return RetryPolicy{
		MaxAttempts: r.MaxAttempts,
		BaseDelay:   r.BaseDelay.Std(),
		MaxDelay:    r.MaxDelay.Std(),
		Multiplier:  r.Multiplier,
		Jitter:      r.Jitter,
	}
}

// Delay returns the wait after the given failed attempt (1-based), before
// jitter is applied.
func (p RetryPolicy) Delay(attempt int) time.Duration {
	mult := p.Multiplier
	if mult < 1 {
		mult = 1
	}
	d := float64(p.BaseDelay) * math.Pow(mult, float64(attempt-1))
	if p.MaxDelay > 0 && d > float64(p.MaxDelay) {
		d = float64(p.MaxDelay)
	}
	return time.Duration(d)
}

func (p RetryPolicy) jittered(d time.Duration) time.Duration {
	if p.Jitter <= 0 {
		return d
	}
	random := p.random
	if random == nil {
		random = rand.Float64
	}
	factor := 1 - p.Jitter + 2*p.Jitter*random()
	return time.Duration(float64(d) * factor)
}

// Do runs fn until it succeeds, returns a non-transient error, or the
// attempts are exhausted. It returns the number of attempts made and the
// last error. Context cancellation stops the wait between attempts.
func (p RetryPolicy) Do(ctx context.Context, fn func(ctx context.Context) error) (int, error) {
	maxAttempts := p.MaxAttempts
	if maxAttempts < 1 {
		maxAttempts = 1
	}

	var err error
	for attempt := 1; ; attempt++ {
		err = fn(ctx)
		if err == nil || !model.IsTransient(err) || attempt >= maxAttempts {
			return attempt, err
		}

		timer := time.NewTimer(p.jittered(p.Delay(attempt)))
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return attempt, err
		}
	}
}
