// Package ratelimit throttles the status dashboard per remote address,
// mirroring the teacher's per-IP WithinLimit callback (pool/client.go)
// but backed by golang.org/x/time/rate instead of a bespoke counter.
package ratelimit

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Limiter hands out a token-bucket rate.Limiter per key (typically a
// remote IP), creating one on first use and reaping idle entries.
type Limiter struct {
	r   rate.Limit
	b   int
	ttl time.Duration

	mu      sync.Mutex
	entries map[string]*entry
}

type entry struct {
	limiter *rate.Limiter
	lastHit time.Time
}

// New returns a Limiter allowing r requests/second with burst b per key.
// Entries idle longer than ttl are reaped on the next WithinLimit call
// for an unrelated key.
func New(r float64, b int, ttl time.Duration) *Limiter {
	return &Limiter{
		r:       rate.Limit(r),
		b:       b,
		ttl:     ttl,
		entries: make(map[string]*entry),
	}
}

// WithinLimit reports whether a request keyed by key is allowed right
// now, consuming a token if so. The name and signature mirror the
// teacher's ClientConfig.WithinLimit(string, int) bool field, minus the
// second argument (no per-client-type weighting here).
func (l *Limiter) WithinLimit(key string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := time.Now()
	e, ok := l.entries[key]
	if !ok {
		e = &entry{limiter: rate.NewLimiter(l.r, l.b)}
		l.entries[key] = e
	}
	e.lastHit = now
	allowed := e.limiter.Allow()

	if l.ttl > 0 && len(l.entries) > 1 {
		for k, v := range l.entries {
			if k != key && now.Sub(v.lastHit) > l.ttl {
				delete(l.entries, k)
			}
		}
	}
	return allowed
}
