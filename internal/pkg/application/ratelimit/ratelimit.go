// Package ratelimit implements the redesigned RateLimiter of spec.md §9:
// a single consume(key, capacity, window) call, with each endpoint's
// budgets declared as data rather than scattered per-route checks.
package ratelimit

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Limiter is satisfied by the token-bucket implementation below; callers
// depend on this interface so tests can substitute an always-allow fake.
type Limiter interface {
	// Consume reports whether a unit of capacity was available for key
	// under a bucket refilling to capacity over window.
	Consume(key string, capacity int, window time.Duration) bool
}

// TokenBucket is a process-local token-bucket limiter keyed by an
// arbitrary namespaced string (e.g. "start:ip:203.0.113.0/24"). Each
// distinct key gets its own *rate.Limiter, created lazily and kept for
// the lifetime of the process.
type TokenBucket struct {
	mu       sync.Mutex
	buckets  map[string]*rate.Limiter
	exempt   map[string]struct{}
}

func NewTokenBucket() *TokenBucket {
	return &TokenBucket{
		buckets: make(map[string]*rate.Limiter),
	}
}

// Exempt marks keys (e.g. "start:model:ACME-TRUSTED-1") that always succeed,
// regardless of budget — used for the CSV-seeded trusted-model exemption
// list (SPEC_FULL §12).
func (b *TokenBucket) Exempt(keys ...string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.exempt == nil {
		b.exempt = make(map[string]struct{}, len(keys))
	}
	for _, k := range keys {
		b.exempt[k] = struct{}{}
	}
}

func (b *TokenBucket) Consume(key string, capacity int, window time.Duration) bool {
	b.mu.Lock()
	if _, ok := b.exempt[key]; ok {
		b.mu.Unlock()
		return true
	}

	limiter, ok := b.buckets[key]
	if !ok {
		ratePerSec := rate.Limit(float64(capacity) / window.Seconds())
		limiter = rate.NewLimiter(ratePerSec, capacity)
		b.buckets[key] = limiter
	}
	b.mu.Unlock()

	return limiter.Allow()
}

// Budget names one endpoint's rate-limit dimensions as data (spec.md §9),
// so Start/Poll/Redeem declare their checks instead of hand-rolling them.
type Budget struct {
	Namespace string
	Key       string
	Capacity  int
	Window    time.Duration
}

// ConsumeAll checks every budget in order, stopping at the first
// exhausted one; it returns that budget, or nil if every budget allowed
// the request.
func ConsumeAll(limiter Limiter, budgets []Budget) *Budget {
	for i := range budgets {
		b := budgets[i]
		if b.Key == "" {
			continue
		}
		if !limiter.Consume(b.Namespace+":"+b.Key, b.Capacity, b.Window) {
			return &b
		}
	}
	return nil
}
