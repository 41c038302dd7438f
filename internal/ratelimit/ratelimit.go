// Package ratelimit enforces a per-owner request rate.
package ratelimit

import (
	"context"
	"encoding/json"
	"math"
	"net/http"
	"strconv"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/mycloud/mycloud/internal/metrics"
	"github.com/mycloud/mycloud/pkg/protocol"
)

// OwnerFromContext extracts the owner id from the request context.
// This function type allows decoupling from the auth package.
type OwnerFromContext func(ctx context.Context) (ownerID string, ok bool)

// Limiter keeps one token bucket per owner. A bucket holds a minute's
// worth of requests and refills evenly.
type Limiter struct {
	mu      sync.Mutex
	buckets map[string]*bucket
	rpm     int
	now     func() time.Time
}

type bucket struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// New creates a Limiter allowing rpm requests per minute per owner.
// rpm=0 means unlimited.
func New(rpm int) *Limiter {
	return &Limiter{
		buckets: make(map[string]*bucket),
		rpm:     rpm,
		now:     time.Now,
	}
}

// Allow reports whether a request from ownerID may proceed. When it may
// not, retryAfter is how long until the next token.
func (l *Limiter) Allow(ownerID string) (ok bool, retryAfter time.Duration) {
	if l.rpm <= 0 {
		return true, 0
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	b, exists := l.buckets[ownerID]
	if !exists {
		b = &bucket{limiter: rate.NewLimiter(rate.Limit(float64(l.rpm)/60.0), l.rpm)}
		l.buckets[ownerID] = b
	}
	b.lastSeen = now

	r := b.limiter.ReserveN(now, 1)
	if !r.OK() {
		return false, time.Minute
	}
	if delay := r.DelayFrom(now); delay > 0 {
		r.CancelAt(now)
		return false, delay
	}
	return true, 0
}

// Cleanup removes buckets for owners that haven't been seen recently.
func (l *Limiter) Cleanup(maxAge time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()

	cutoff := l.now().Add(-maxAge)
	for owner, b := range l.buckets {
		if b.lastSeen.Before(cutoff) {
			delete(l.buckets, owner)
		}
	}
}

// Middleware returns middleware that enforces the limit for authenticated
// requests. Requests without an owner pass through.
func Middleware(l *Limiter, owner OwnerFromContext) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ownerID, ok := owner(r.Context())
			if !ok {
				next.ServeHTTP(w, r)
				return
			}

			if allowed, retryAfter := l.Allow(ownerID); !allowed {
				metrics.RecordRateLimitHit()
				secs := int(math.Ceil(retryAfter.Seconds()))
				w.Header().Set("Retry-After", strconv.Itoa(max(secs, 1)))
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusTooManyRequests)
				json.NewEncoder(w).Encode(protocol.ErrorResponse{
					Message: "rate limit exceeded",
					Status:  http.StatusTooManyRequests,
				})
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}
