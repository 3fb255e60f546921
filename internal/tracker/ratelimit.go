package tracker

import (
	"context"
	"sync"
	"time"
)

const (
	defaultRequestsPerWindow = 100
	defaultWindow            = time.Minute
)

// rateLimitEntry tracks one fixed window of outbound requests, which opens
// at the first request after the previous window has expired.
type rateLimitEntry struct {
	windowStart time.Time
	count       int
}

// rateLimiter throttles outbound calls to the tracker so a slow ingest/dispatch
// storm doesn't trip the tracker's own abuse protection. Unlike an inbound
// HTTP rate limiter, wait blocks the caller until budget is available rather
// than rejecting the request outright — tracker calls are internal and must
// eventually succeed, not bounce a user back an error.
type rateLimiter struct {
	mutex       sync.Mutex
	requests    map[string]rateLimitEntry
	maxRequests int
	window      time.Duration
	now         func() time.Time
	sleep       func(time.Duration)
}

func newRateLimiter(maxRequests int, window time.Duration) *rateLimiter {
	return &rateLimiter{
		requests:    make(map[string]rateLimitEntry),
		maxRequests: maxRequests,
		window:      window,
		now:         time.Now,
		sleep:       time.Sleep,
	}
}

const rateLimitKey = "tracker"

// wait blocks until a request may proceed, or returns ctx.Err() if ctx is
// cancelled first.
func (l *rateLimiter) wait(ctx context.Context) error {
	for {
		ok, retryAfter := l.tryAllow()
		if ok {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(retryAfter):
		}
	}
}

// tryAllow reports whether a request may proceed now, and if not, how long
// until the current window resets.
func (l *rateLimiter) tryAllow() (bool, time.Duration) {
	now := l.now()

	l.mutex.Lock()
	defer l.mutex.Unlock()

	entry, exists := l.requests[rateLimitKey]
	if !exists || now.Sub(entry.windowStart) >= l.window {
		l.requests[rateLimitKey] = rateLimitEntry{windowStart: now, count: 1}
		return true, 0
	}

	if entry.count >= l.maxRequests {
		return false, l.window - now.Sub(entry.windowStart)
	}

	entry.count++
	l.requests[rateLimitKey] = entry
	return true, 0
}
