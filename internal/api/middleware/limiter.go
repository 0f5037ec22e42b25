package middleware

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

type limiterEntry struct {
	l        *rate.Limiter
	lastSeen time.Time
}

type violationEntry struct {
	count int64
	since time.Time
}

// LocalCounter keeps token buckets in process. It is used when no Redis is
// configured; limits then apply per instance.
type LocalCounter struct {
	mu         sync.Mutex
	limiters   map[string]*limiterEntry
	violations map[string]*violationEntry
	blocked    map[string]time.Time
	ttl        time.Duration
	stop       chan struct{}
	stopOnce   sync.Once
}

// NewLocalCounter starts a counter whose idle entries are dropped after ttl.
func NewLocalCounter(ttl time.Duration) *LocalCounter {
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	c := &LocalCounter{
		limiters:   make(map[string]*limiterEntry),
		violations: make(map[string]*violationEntry),
		blocked:    make(map[string]time.Time),
		ttl:        ttl,
		stop:       make(chan struct{}),
	}
	go c.cleanupLoop()
	return c
}

func (c *LocalCounter) get(key string, limit RateLimit, now time.Time) *rate.Limiter {
	c.mu.Lock()
	defer c.mu.Unlock()
	if e, ok := c.limiters[key]; ok {
		e.lastSeen = now
		return e.l
	}
	every := limit.Window / time.Duration(limit.Requests)
	l := rate.NewLimiter(rate.Every(every), limit.Requests)
	c.limiters[key] = &limiterEntry{l: l, lastSeen: now}
	return l
}

func (c *LocalCounter) CheckAndIncrement(ctx context.Context, key string, limit RateLimit) (bool, int, time.Time) {
	now := time.Now()
	l := c.get(key, limit, now)
	allowed := l.AllowN(now, 1)
	remaining := int(l.TokensAt(now))
	if remaining < 0 {
		remaining = 0
	}
	reset := now
	if !allowed {
		reset = now.Add(time.Duration(float64(time.Second) / float64(l.Limit())))
	}
	return allowed, remaining, reset
}

func (c *LocalCounter) Violation(ctx context.Context, ip string) int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := time.Now()
	v, ok := c.violations[ip]
	if !ok || now.Sub(v.since) > time.Hour {
		v = &violationEntry{since: now}
		c.violations[ip] = v
	}
	v.count++
	return v.count
}

func (c *LocalCounter) IsBlocked(ctx context.Context, ip string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	until, ok := c.blocked[ip]
	if !ok {
		return false
	}
	if time.Now().After(until) {
		delete(c.blocked, ip)
		return false
	}
	return true
}

func (c *LocalCounter) Block(ctx context.Context, ip string, d time.Duration, reason string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.blocked[ip] = time.Now().Add(d)
}

// Close stops the cleanup goroutine.
func (c *LocalCounter) Close() {
	c.stopOnce.Do(func() { close(c.stop) })
}

func (c *LocalCounter) cleanupLoop() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			cutoff := time.Now().Add(-c.ttl)
			c.mu.Lock()
			for k, e := range c.limiters {
				if e.lastSeen.Before(cutoff) {
					delete(c.limiters, k)
				}
			}
			c.mu.Unlock()
		case <-c.stop:
			return
		}
	}
}
