package server

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

const (
	limiterIdleTTL  = time.Hour
	cleanupInterval = 10 * time.Minute
)

// rateLimiter keeps one token bucket per client IP.
type rateLimiter struct {
	rps   rate.Limit
	burst int

	mu      sync.Mutex
	clients map[string]*clientLimiter
}

type clientLimiter struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

func newRateLimiter(rps float64, burst int) *rateLimiter {
	return &rateLimiter{
		rps:     rate.Limit(rps),
		burst:   burst,
		clients: make(map[string]*clientLimiter),
	}
}

// Allow checks if a request from the given client IP is allowed
func (r *rateLimiter) Allow(clientIP string) bool {
	r.mu.Lock()
	c, ok := r.clients[clientIP]
	if !ok {
		c = &clientLimiter{limiter: rate.NewLimiter(r.rps, r.burst)}
		r.clients[clientIP] = c
	}
	c.lastSeen = time.Now()
	r.mu.Unlock()

	return c.limiter.Allow()
}

// cleanup removes clients idle since before cutoff.
func (r *rateLimiter) cleanup(cutoff time.Time) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	removed := 0
	for ip, c := range r.clients {
		if c.lastSeen.Before(cutoff) {
			delete(r.clients, ip)
			removed++
		}
	}
	return removed
}

func (r *rateLimiter) cleanupLoop(done <-chan struct{}) {
	ticker := time.NewTicker(cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case now := <-ticker.C:
			r.cleanup(now.Add(-limiterIdleTTL))
		}
	}
}
