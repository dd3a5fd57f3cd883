// Package ratelimit provides per-client rate limiting for the local API
// using a token bucket per client key.
package ratelimit

import (
	"context"
	"sync"
	"time"

	"go_tradernet/relay/internal/config"

	"golang.org/x/time/rate"
)

// Limiter provides per-key rate limiting.
type Limiter struct {
	limiters        map[string]*clientLimiter
	mu              sync.RWMutex
	rps             int
	burst           int
	cleanupInterval time.Duration
	now             func() time.Time

	stop     chan struct{}
	stopOnce sync.Once
}

type clientLimiter struct {
	rps        *rate.Limiter
	lastAccess time.Time
}

// NewLimiter creates a limiter and starts its cleanup loop. A non-positive
// rate disables limiting.
func NewLimiter(cfg *config.RateConfig) *Limiter {
	multiplier := cfg.BurstMultiplier
	if multiplier < 1 {
		multiplier = 2.0
	}
	interval := cfg.CleanupInterval
	if interval <= 0 {
		interval = 5 * time.Minute
	}

	burst := int(float64(cfg.DefaultRPS) * multiplier)
	if burst < 1 {
		burst = 1
	}

	l := &Limiter{
		limiters:        make(map[string]*clientLimiter),
		rps:             cfg.DefaultRPS,
		burst:           burst,
		cleanupInterval: interval,
		now:             time.Now,
		stop:            make(chan struct{}),
	}

	go l.cleanupLoop()

	return l
}

// Enabled reports whether requests are limited at all.
func (l *Limiter) Enabled() bool {
	return l.rps > 0
}

// Allow checks if a request is allowed for the given key.
func (l *Limiter) Allow(key string) bool {
	if !l.Enabled() {
		return true
	}
	return l.getOrCreate(key).rps.AllowN(l.now(), 1)
}

// Wait blocks until a request is allowed or ctx is cancelled.
func (l *Limiter) Wait(ctx context.Context, key string) error {
	if !l.Enabled() {
		return nil
	}
	return l.getOrCreate(key).rps.Wait(ctx)
}

// getOrCreate gets or creates a limiter for a key and marks it used.
func (l *Limiter) getOrCreate(key string) *clientLimiter {
	now := l.now()

	l.mu.Lock()
	defer l.mu.Unlock()

	limiter, ok := l.limiters[key]
	if !ok {
		limiter = &clientLimiter{
			rps: rate.NewLimiter(rate.Limit(l.rps), l.burst),
		}
		l.limiters[key] = limiter
	}
	limiter.lastAccess = now
	return limiter
}

// cleanupLoop periodically removes inactive limiters.
func (l *Limiter) cleanupLoop() {
	ticker := time.NewTicker(l.cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			l.cleanup()
		case <-l.stop:
			return
		}
	}
}

// cleanup removes limiters that haven't been accessed recently.
func (l *Limiter) cleanup() int {
	l.mu.Lock()
	defer l.mu.Unlock()

	threshold := l.now().Add(-l.cleanupInterval * 2)
	removed := 0
	for key, limiter := range l.limiters {
		if limiter.lastAccess.Before(threshold) {
			delete(l.limiters, key)
			removed++
		}
	}
	return removed
}

// Close stops the cleanup loop.
func (l *Limiter) Close() {
	l.stopOnce.Do(func() { close(l.stop) })
}

// Stats returns overall rate limiter statistics.
type Stats struct {
	TotalKeys int     `json:"total_keys"`
	RPS       float64 `json:"rps"`
	Burst     int     `json:"burst"`
}

// GetStats returns overall statistics.
func (l *Limiter) GetStats() Stats {
	l.mu.RLock()
	defer l.mu.RUnlock()

	return Stats{
		TotalKeys: len(l.limiters),
		RPS:       float64(l.rps),
		Burst:     l.burst,
	}
}
