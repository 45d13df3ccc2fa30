package job

import (
	"encoding/json"
	"time"
)

// EnqueueParams is the full insert shape for a job row. Queue.Enqueue fills
// it from the registered job type's defaults plus per-call options.
type EnqueueParams struct {
	JobType          string
	Input            json.RawMessage
	Priority         int
	MaxAttempts      int
	WorkerCapability string
	IdempotencyKey   string
	ScheduledAt      time.Time
}

// EnqueueOption overrides a registered default for a single enqueue call.
type EnqueueOption func(*EnqueueParams)

// WithDelay schedules the job to become claimable after d.
func WithDelay(d time.Duration) EnqueueOption {
	return func(p *EnqueueParams) {
		p.ScheduledAt = time.Now().UTC().Add(d)
	}
}

// WithScheduledAt schedules the job for a specific instant.
func WithScheduledAt(t time.Time) EnqueueOption {
	return func(p *EnqueueParams) {
		p.ScheduledAt = t.UTC()
	}
}

// WithPriority sets the claim priority, clamped to [0,100]. Higher claims first.
func WithPriority(priority int) EnqueueOption {
	return func(p *EnqueueParams) {
		if priority < 0 {
			priority = 0
		}
		if priority > 100 {
			priority = 100
		}
		p.Priority = priority
	}
}

// WithIdempotencyKey makes the enqueue a no-op when a job with the same key
// already exists; the existing job is returned instead of a new one.
func WithIdempotencyKey(key string) EnqueueOption {
	return func(p *EnqueueParams) {
		p.IdempotencyKey = key
	}
}

// WithMaxAttempts overrides the registered attempt budget for this job.
func WithMaxAttempts(n int) EnqueueOption {
	return func(p *EnqueueParams) {
		if n >= 1 {
			p.MaxAttempts = n
		}
	}
}

// WithCapability restricts the job to workers advertising the capability.
func WithCapability(capability string) EnqueueOption {
	return func(p *EnqueueParams) {
		p.WorkerCapability = capability
	}
}
