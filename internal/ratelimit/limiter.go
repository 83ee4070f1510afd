// Package ratelimit implements per (provider, caller) token-bucket admission
// control shared by every chat turn in the process.
package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Key identifies one bucket.
type Key struct {
	Provider string
	Caller   string
}

func (k Key) String() string {
	return k.Provider + ":" + k.Caller
}

// Decision is the outcome of TryAcquire. A denial is an expected result,
// not an error.
type Decision struct {
	Allowed    bool
	RetryAfter time.Duration
}

// Limiter admits or denies a single request for key. Implementations must
// consume tokens atomically.
type Limiter interface {
	TryAcquire(ctx context.Context, key Key) (Decision, error)
}

// Bucket configures a token bucket.
type Bucket struct {
	Capacity        int     `yaml:"capacity"`
	RefillPerSecond float64 `yaml:"refill_per_second"`
}

func (b Bucket) validate() error {
	if b.Capacity < 1 {
		return fmt.Errorf("ratelimit: capacity must be at least 1, got %d", b.Capacity)
	}
	if b.RefillPerSecond <= 0 {
		return fmt.Errorf("ratelimit: refill rate must be positive, got %v", b.RefillPerSecond)
	}
	return nil
}

// refillInterval is the time needed to earn one token.
func (b Bucket) refillInterval() time.Duration {
	return time.Duration(float64(time.Second) / b.RefillPerSecond)
}

// fillTime is the time an empty bucket needs to become full.
func (b Bucket) fillTime() time.Duration {
	return time.Duration(float64(b.Capacity) / b.RefillPerSecond * float64(time.Second))
}

// Policy selects the bucket for a provider.
type Policy struct {
	Default     Bucket
	PerProvider map[string]Bucket
}

// Validate checks every bucket in the policy.
func (p Policy) Validate() error {
	if err := p.Default.validate(); err != nil {
		return fmt.Errorf("default bucket: %w", err)
	}
	for name, b := range p.PerProvider {
		if err := b.validate(); err != nil {
			return fmt.Errorf("bucket for %q: %w", name, err)
		}
	}
	return nil
}

// BucketFor returns the override for provider, or the default bucket.
func (p Policy) BucketFor(provider string) Bucket {
	if b, ok := p.PerProvider[provider]; ok {
		return b
	}
	return p.Default
}

var errEmptyKey = errors.New("ratelimit: key must name a provider and a caller")

func checkKey(k Key) error {
	if k.Provider == "" || k.Caller == "" {
		return errEmptyKey
	}
	return nil
}
