package relayer

import (
	"math/rand"
	"time"
)

// RetryPolicy shapes the delivery retry schedule for transient apply failures.
type RetryPolicy struct {
	// BaseDelay seeds the exponential schedule.
	BaseDelay time.Duration
	// MaxDelay caps a single wait.
	MaxDelay time.Duration
	// MaxAttempts bounds deliveries before the event dead-letters.
	MaxAttempts int
	// JitterFraction spreads retries across [-f, +f] of the computed delay.
	JitterFraction float64
}

// DefaultRetryPolicy mirrors the webhook delivery defaults: quick first
// retries, a bounded tail, dead-letter after five failures.
var DefaultRetryPolicy = RetryPolicy{
	BaseDelay:      500 * time.Millisecond,
	MaxDelay:       30 * time.Second,
	MaxAttempts:    5,
	JitterFraction: 0.2,
}

// Normalize fills zero fields from the defaults.
func (p RetryPolicy) Normalize() RetryPolicy {
	if p.BaseDelay <= 0 {
		p.BaseDelay = DefaultRetryPolicy.BaseDelay
	}
	if p.MaxDelay <= 0 {
		p.MaxDelay = DefaultRetryPolicy.MaxDelay
	}
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = DefaultRetryPolicy.MaxAttempts
	}
	if p.JitterFraction < 0 || p.JitterFraction >= 1 {
		p.JitterFraction = DefaultRetryPolicy.JitterFraction
	}
	return p
}

// Delay returns the wait before the given attempt (1-based). The schedule
// doubles from BaseDelay, saturates at MaxDelay and carries jitter so a burst
// of failures does not retry in lockstep.
func (p RetryPolicy) Delay(attempt int) time.Duration {
	if attempt <= 1 {
		return p.jitter(p.BaseDelay)
	}
	delay := p.BaseDelay
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= p.MaxDelay {
			delay = p.MaxDelay
			break
		}
	}
	return p.jitter(delay)
}

func (p RetryPolicy) jitter(d time.Duration) time.Duration {
	if p.JitterFraction <= 0 {
		return d
	}
	spread := float64(d) * p.JitterFraction
	offset := (rand.Float64()*2 - 1) * spread
	jittered := time.Duration(float64(d) + offset)
	if jittered < 0 {
		return 0
	}
	return jittered
}
