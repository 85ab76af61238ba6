package ratelimit

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/ventisec/ventiscan/pkg/config"
	"github.com/ventisec/ventiscan/pkg/metrics"
)

// Bucket names used by the control API.
const (
	BucketLogin     = "login"
	BucketStartScan = "start-scan"
	BucketUpload    = "upload"
	BucketDefault   = "default"
)

// Default policies per bucket. Login throttles by client IP since the
// caller is unauthenticated; the rest key on the principal.
var defaultPolicies = map[string]config.BucketPolicy{
	BucketLogin:     {Events: 5, Window: time.Minute, Burst: 5},
	BucketStartScan: {Events: 10, Window: time.Hour, Burst: 10},
	BucketUpload:    {Events: 20, Window: time.Hour, Burst: 20},
	BucketDefault:   {Events: 100, Window: time.Minute, Burst: 100},
}

// staleAfter is how long an idle subject's limiter survives before the
// sweeper drops it.
const staleAfter = 2 * time.Hour

type entry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// Limiter tracks token buckets per (bucket, subject) pair. Subjects are
// client IPs for unauthenticated buckets and principal IDs otherwise.
type Limiter struct {
	mu       sync.Mutex
	policies map[string]config.BucketPolicy
	entries  map[string]*entry
	now      func() time.Time
}

// New builds a limiter with the default bucket policies, applying any
// configured overrides on top.
func New(overrides map[string]config.BucketPolicy) *Limiter {
	policies := make(map[string]config.BucketPolicy, len(defaultPolicies))
	for name, p := range defaultPolicies {
		policies[name] = p
	}
	for name, p := range overrides {
		policies[name] = p
	}
	return &Limiter{
		policies: policies,
		entries:  make(map[string]*entry),
		now:      time.Now,
	}
}

// Allow reports whether one request in the given bucket is admitted for
// the subject. On denial it returns how long the caller should wait
// before retrying, rounded up to a whole second.
func (l *Limiter) Allow(bucket, subject string) (bool, time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()

	policy, ok := l.policies[bucket]
	if !ok {
		policy = l.policies[BucketDefault]
	}

	key := bucket + "|" + subject
	e, ok := l.entries[key]
	if !ok {
		e = &entry{
			limiter: rate.NewLimiter(rate.Every(policy.Window/time.Duration(policy.Events)), policy.Burst),
		}
		l.entries[key] = e
	}
	e.lastSeen = l.now()

	r := e.limiter.ReserveN(e.lastSeen, 1)
	if !r.OK() {
		metrics.RateLimitDenials.WithLabelValues(bucket).Inc()
		return false, policy.Window
	}
	delay := r.DelayFrom(e.lastSeen)
	if delay > 0 {
		// Over budget: give the token back and tell the caller to retry.
		r.CancelAt(e.lastSeen)
		metrics.RateLimitDenials.WithLabelValues(bucket).Inc()
		return false, roundUpSecond(delay)
	}
	return true, 0
}

func roundUpSecond(d time.Duration) time.Duration {
	if r := d % time.Second; r != 0 {
		d += time.Second - r
	}
	if d < time.Second {
		d = time.Second
	}
	return d
}

// Sweep drops limiter entries idle for longer than staleAfter and returns
// how many were removed. Dropping an idle entry is harmless: an idle
// subject's bucket has refilled to full burst anyway.
func (l *Limiter) Sweep() int {
	l.mu.Lock()
	defer l.mu.Unlock()

	cutoff := l.now().Add(-staleAfter)
	removed := 0
	for key, e := range l.entries {
		if e.lastSeen.Before(cutoff) {
			delete(l.entries, key)
			removed++
		}
	}
	return removed
}

// StartSweeper runs Sweep periodically until the context is cancelled.
func (l *Limiter) StartSweeper(ctx context.Context, interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				l.Sweep()
			}
		}
	}()
}

// Len returns the number of tracked (bucket, subject) entries.
func (l *Limiter) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries)
}
