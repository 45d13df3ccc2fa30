package job

import (
	"math/rand/v2"
	"time"
)

// BackoffStrategy selects how the delay grows with the attempt number.
type BackoffStrategy string

const (
	BackoffFixed       BackoffStrategy = "fixed"
	BackoffLinear      BackoffStrategy = "linear"
	BackoffExponential BackoffStrategy = "exponential"
)

// BackoffConfig shapes the retry delay for a job type.
type BackoffConfig struct {
	Strategy     BackoffStrategy
	InitialDelay time.Duration
	MaxBackoff   time.Duration
}

func (c *BackoffConfig) applyDefaults() {
	if c.Strategy == "" {
		c.Strategy = BackoffExponential
	}
	if c.InitialDelay <= 0 {
		c.InitialDelay = 10 * time.Second
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = 10 * time.Minute
	}
}

// Delay computes the backoff before retry number attempt (1-based: attempt 1
// is the delay after the first failure). Fixed returns the initial delay,
// linear scales it by the attempt number, exponential doubles per attempt and
// is capped at MaxBackoff. Every result carries ±10% jitter so retrying
// workers don't stampede the queue in lockstep.
func (c BackoffConfig) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}

	var base time.Duration
	switch c.Strategy {
	case BackoffFixed:
		base = c.InitialDelay
	case BackoffLinear:
		base = c.InitialDelay * time.Duration(attempt)
	default:
		base = c.InitialDelay
		for i := 1; i < attempt; i++ {
			base *= 2
			if base >= c.MaxBackoff {
				break
			}
		}
	}
	if base > c.MaxBackoff {
		base = c.MaxBackoff
	}

	return withJitter(base)
}

// withJitter spreads a delay uniformly over [0.9d, 1.1d].
func withJitter(d time.Duration) time.Duration {
	if d <= 0 {
		return 0
	}
	spread := d / 5 // 20% window centered on d
	if spread <= 0 {
		return d
	}
	return d - spread/2 + rand.N(spread)
}
