// Package ratelimit provides the pluggable token-bucket gate the flow
// controller consults before mutating protocol state. Decisions are
// best-effort under high concurrency; slight overshoot is acceptable and
// the gate is never allowed onto the atomic consume path.
package ratelimit

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Class identifies an endpoint class with its own limits.
type Class string

const (
	ClassRegister  Class = "register"
	ClassAuthorize Class = "authorize"
	ClassToken     Class = "token"
)

// Decision is the outcome of one gate check, carrying everything the HTTP
// layer needs for the X-RateLimit response headers.
type Decision struct {
	Allowed    bool
	Limit      int
	Remaining  int
	ResetAt    time.Time
	RetryAfter time.Duration
}

// Gate is consulted once per request, keyed by caller identity (IP, tenant
// or client id).
type Gate interface {
	Check(key string, class Class) Decision
}

// Limits configures per-minute request budgets per endpoint class.
type Limits struct {
	RegisterPerMinute  int
	AuthorizePerMinute int
	TokenPerMinute     int
}

// DefaultLimits mirrors the production endpoint budgets.
func DefaultLimits() Limits {
	return Limits{
		RegisterPerMinute:  10,
		AuthorizePerMinute: 60,
		TokenPerMinute:     120,
	}
}

func (l Limits) forClass(class Class) int {
	switch class {
	case ClassRegister:
		return l.RegisterPerMinute
	case ClassAuthorize:
		return l.AuthorizePerMinute
	case ClassToken:
		return l.TokenPerMinute
	default:
		return l.TokenPerMinute
	}
}

type bucketKey struct {
	key   string
	class Class
}

type bucket struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

var _ Gate = (*BucketGate)(nil)

// BucketGate is an in-memory Gate with one token bucket per (key, class).
// Idle buckets are evicted on the fly; a distributed implementation can be
// swapped in behind the Gate interface without touching protocol logic.
type BucketGate struct {
	limits  Limits
	idleTTL time.Duration
	nowTime func() time.Time

	mu      sync.Mutex
	buckets map[bucketKey]*bucket
}

type BucketGateOption func(*BucketGate)

// WithNowTime sets the now time function (primarily for testing)
func WithNowTime(nowFunc func() time.Time) BucketGateOption {
	return func(g *BucketGate) {
		g.nowTime = nowFunc
	}
}

func NewBucketGate(limits Limits, options ...BucketGateOption) *BucketGate {
	g := &BucketGate{
		limits:  limits,
		idleTTL: 10 * time.Minute,
		nowTime: time.Now,
		buckets: make(map[bucketKey]*bucket),
	}
	for _, opt := range options {
		opt(g)
	}
	return g
}

// Check spends one token from the caller's bucket for the class.
func (g *BucketGate) Check(key string, class Class) Decision {
	limit := g.limits.forClass(class)
	now := g.nowTime()

	g.mu.Lock()
	b, ok := g.buckets[bucketKey{key, class}]
	if !ok {
		b = &bucket{limiter: rate.NewLimiter(rate.Limit(float64(limit)/60.0), limit)}
		g.buckets[bucketKey{key, class}] = b
	}
	b.lastSeen = now
	g.evictIdleLocked(now)
	g.mu.Unlock()

	allowed := b.limiter.AllowN(now, 1)
	remaining := int(b.limiter.TokensAt(now))
	if remaining < 0 {
		remaining = 0
	}

	decision := Decision{
		Allowed:   allowed,
		Limit:     limit,
		Remaining: remaining,
		ResetAt:   now.Add(time.Minute),
	}
	if !allowed {
		// Time until one token refills: the reciprocal of the refill rate.
		decision.RetryAfter = time.Duration(60.0 / float64(limit) * float64(time.Second))
	}
	return decision
}

func (g *BucketGate) evictIdleLocked(now time.Time) {
	if len(g.buckets) < 1024 {
		return
	}
	for key, b := range g.buckets {
		if now.Sub(b.lastSeen) > g.idleTTL {
			delete(g.buckets, key)
		}
	}
}

// AllowAll is a Gate that never limits. Used in tests and development.
type AllowAll struct{}

func (AllowAll) Check(_ string, class Class) Decision {
	return Decision{Allowed: true, Limit: DefaultLimits().forClass(class), Remaining: DefaultLimits().forClass(class)}
}
