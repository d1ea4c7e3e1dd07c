// Package ratelimit throttles inbound store updates per connection with a
// token bucket.
package ratelimit

import (
	"log/slog"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/maruel/datasync/internal/datastore"
	"github.com/maruel/datasync/internal/socket"
	"github.com/maruel/datasync/internal/updater"
)

// Result contains the outcome of a rate limit check.
type Result struct {
	Allowed    bool
	Limit      int           // updates per window
	Remaining  int           // updates left in current window
	ResetAt    time.Time     // when the bucket will be full again
	RetryAfter time.Duration // how long to wait before retrying (0 if allowed)
}

// Limiter manages rate limit buckets per key using the token bucket algorithm.
type Limiter struct {
	mu      sync.Mutex
	buckets map[string]*bucket
	rate    rate.Limit
	burst   int
	window  time.Duration
	stop    chan struct{}
	once    sync.Once
}

type bucket struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// NewLimiter creates a limiter allowing requests tokens per window with burst
// capacity.
func NewLimiter(requests int, window time.Duration, burst int) *Limiter {
	l := &Limiter{
		buckets: make(map[string]*bucket),
		rate:    rate.Limit(float64(requests) / window.Seconds()),
		burst:   burst,
		window:  window,
		stop:    make(chan struct{}),
	}
	go l.cleanupLoop()
	return l
}

// Allow consumes one token for key if available.
func (l *Limiter) Allow(key string) Result {
	now := time.Now()
	l.mu.Lock()
	b, exists := l.buckets[key]
	if !exists {
		b = &bucket{limiter: rate.NewLimiter(l.rate, l.burst)}
		l.buckets[key] = b
	}
	b.lastSeen = now
	l.mu.Unlock()

	reservation := b.limiter.ReserveN(now, 1)
	allowed := reservation.OK() && reservation.DelayFrom(now) == 0
	if !allowed && reservation.OK() {
		reservation.CancelAt(now)
	}

	tokens := b.limiter.TokensAt(now)
	refill := time.Duration((float64(l.burst) - tokens) / float64(l.rate) * float64(time.Second))
	var retryAfter time.Duration
	if !allowed {
		retryAfter = max(time.Duration(float64(time.Second)/float64(l.rate)), time.Second)
	}
	return Result{
		Allowed:    allowed,
		Limit:      int(float64(l.rate) * l.window.Seconds()),
		Remaining:  max(int(tokens), 0),
		ResetAt:    now.Add(refill),
		RetryAfter: retryAfter,
	}
}

// Forget drops the bucket of key.
func (l *Limiter) Forget(key string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.buckets, key)
}

// Validator returns an update validator consuming one token per inbound
// update, keyed by socket id.
func (l *Limiter) Validator() updater.Validator {
	return func(sock socket.Socket, store *datastore.Store, path string, _ any) bool {
		r := l.Allow(sock.ID())
		if !r.Allowed {
			slog.Warn("ratelimit: update rejected", "socket", sock.ID(), "store", store.StoreID, "path", path, "retry", r.RetryAfter)
		}
		return r.Allowed
	}
}

// cleanupLoop removes stale buckets every 10 minutes.
func (l *Limiter) cleanupLoop() {
	ticker := time.NewTicker(10 * time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			l.cleanup(time.Now())
		case <-l.stop:
			return
		}
	}
}

// cleanup removes buckets that haven't been used recently and are full.
func (l *Limiter) cleanup(now time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()
	staleThreshold := now.Add(-10 * time.Minute)
	for key, b := range l.buckets {
		if b.lastSeen.Before(staleThreshold) && b.limiter.TokensAt(now) >= float64(l.burst) {
			delete(l.buckets, key)
		}
	}
}

// Close stops the cleanup goroutine.
func (l *Limiter) Close() {
	l.once.Do(func() { close(l.stop) })
}
