package ratelimit

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

const defaultSweepInterval = time.Minute

// Memory keeps one golang.org/x/time/rate limiter per key. It is suitable for
// a single process; use Redis when several instances share quotas. Buckets
// idle long enough to have refilled completely are dropped, since a fresh
// bucket is indistinguishable from them.
type Memory struct {
	policy     Policy
	now        func() time.Time
	sweepEvery time.Duration

	mu        sync.Mutex
	entries   map[Key]*memoryEntry
	lastSweep time.Time
}

type memoryEntry struct {
	lim      *rate.Limiter
	bucket   Bucket
	lastUsed time.Time
}

var _ Limiter = (*Memory)(nil)

type MemoryOption func(*Memory)

// WithClock overrides the time source.
func WithClock(now func() time.Time) MemoryOption {
	return func(m *Memory) {
		m.now = now
	}
}

// WithSweepInterval sets how often idle buckets are looked for.
func WithSweepInterval(d time.Duration) MemoryOption {
	return func(m *Memory) {
		if d > 0 {
			m.sweepEvery = d
		}
	}
}

func NewMemory(policy Policy, opts ...MemoryOption) (*Memory, error) {
	if err := policy.Validate(); err != nil {
		return nil, err
	}
	m := &Memory{
		policy:     policy,
		now:        time.Now,
		sweepEvery: defaultSweepInterval,
		entries:    make(map[Key]*memoryEntry),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m, nil
}

func (m *Memory) limiter(key Key, now time.Time) (*rate.Limiter, Bucket) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if now.Sub(m.lastSweep) >= m.sweepEvery {
		m.sweep(now)
		m.lastSweep = now
	}
	e, ok := m.entries[key]
	if !ok {
		b := m.policy.BucketFor(key.Provider)
		e = &memoryEntry{lim: rate.NewLimiter(rate.Limit(b.RefillPerSecond), b.Capacity), bucket: b}
		m.entries[key] = e
	}
	e.lastUsed = now
	return e.lim, e.bucket
}

// sweep drops buckets unused for at least their full refill time. Callers
// hold m.mu.
func (m *Memory) sweep(now time.Time) {
	for key, e := range m.entries {
		if now.Sub(e.lastUsed) >= e.bucket.fillTime() {
			delete(m.entries, key)
		}
	}
}

// TryAcquire takes one token if available. A reservation that would have to
// wait is cancelled and reported as a denial carrying the wait.
func (m *Memory) TryAcquire(_ context.Context, key Key) (Decision, error) {
	if err := checkKey(key); err != nil {
		return Decision{}, err
	}
	now := m.now()
	lim, b := m.limiter(key, now)

	r := lim.ReserveN(now, 1)
	if !r.OK() {
		return Decision{RetryAfter: b.refillInterval()}, nil
	}
	if d := r.DelayFrom(now); d > 0 {
		r.CancelAt(now)
		return Decision{RetryAfter: d}, nil
	}
	return Decision{Allowed: true}, nil
}
