// Package backoff provides exponential backoff utilities with jitter for
// retrying transient provider failures.
package backoff

import (
	"math"
	"math/rand"
	"time"
)

// Policy defines the parameters for exponential backoff calculation.
type Policy struct {
	InitialMs float64
	MaxMs     float64
	Factor    float64
	Jitter    float64
}

// Compute calculates the backoff duration for a given attempt number
// (attempts start at 1): base = InitialMs * Factor^(attempt-1), plus up to
// Jitter*base of randomization, clamped to MaxMs.
func Compute(policy Policy, attempt int) time.Duration {
	return ComputeWithRand(policy, attempt, rand.Float64()) // #nosec G404 -- jitter does not need cryptographic randomness
}

// ComputeWithRand is Compute with an injected random value in [0, 1), for
// deterministic tests.
func ComputeWithRand(policy Policy, attempt int, randomValue float64) time.Duration {
	exp := math.Max(float64(attempt-1), 0)
	base := policy.InitialMs * math.Pow(policy.Factor, exp)
	jitterAmount := base * policy.Jitter * randomValue
	total := math.Min(policy.MaxMs, base+jitterAmount)
	return time.Duration(math.Round(total)) * time.Millisecond
}

// DefaultPolicy matches spec's QX_RETRY_DELAY/QX_MAX_RETRY_DELAY/
// QX_BACKOFF_FACTOR defaults: 500ms initial, 8s max, factor 2, jitter 10%.
func DefaultPolicy() Policy {
	return Policy{
		InitialMs: 500,
		MaxMs:     8000,
		Factor:    2,
		Jitter:    0.1,
	}
}
