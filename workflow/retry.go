package workflow

import (
	"math/rand"
	"time"
)

// RetryPolicy controls retries of transient step failures. Durations
// are seconds so policies round-trip through workflow JSON.
type RetryPolicy struct {
	// MaxAttempts is the maximum number of attempts per step.
	MaxAttempts int `json:"max_attempts"`

	// BackoffSeconds is the initial backoff between attempts.
	BackoffSeconds int `json:"backoff_seconds,omitempty"`

	// BackoffMultiplier is applied to the backoff on each retry.
	BackoffMultiplier float64 `json:"backoff_multiplier,omitempty"`

	// MaxBackoffSeconds caps the backoff.
	MaxBackoffSeconds int `json:"max_backoff_seconds,omitempty"`
}

// DefaultRetryPolicy returns the policy applied to steps that do not
// declare one.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:       3,
		BackoffSeconds:    1,
		BackoffMultiplier: 2.0,
		MaxBackoffSeconds: 30,
	}
}

// normalized fills zero fields from the default policy so partial
// policies behave sensibly.
func (p RetryPolicy) normalized() RetryPolicy {
	def := DefaultRetryPolicy()
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = def.MaxAttempts
	}
	if p.BackoffSeconds <= 0 {
		p.BackoffSeconds = def.BackoffSeconds
	}
	if p.BackoffMultiplier <= 1 {
		p.BackoffMultiplier = def.BackoffMultiplier
	}
	if p.MaxBackoffSeconds <= 0 {
		p.MaxBackoffSeconds = def.MaxBackoffSeconds
	}
	return p
}

// backoff computes the exponential backoff for an attempt with jitter.
// Jitter prevents thundering herd when many executions retry at once.
func (p RetryPolicy) backoff(attempt int) time.Duration {
	multiplier := 1.0
	for i := 1; i < attempt; i++ {
		multiplier *= p.BackoffMultiplier
	}

	base := time.Duration(p.BackoffSeconds) * time.Second
	max := time.Duration(p.MaxBackoffSeconds) * time.Second
	backoff := time.Duration(float64(base) * multiplier)
	if backoff > max {
		backoff = max
	}

	// +/- 25%
	jitter := float64(backoff) * 0.25 * (rand.Float64()*2 - 1)
	return backoff + time.Duration(jitter)
}
