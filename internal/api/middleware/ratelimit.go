package middleware

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/eldtechnologies/questrelay/internal/party"
)

// RateLimit defines limits for an endpoint pattern.
type RateLimit struct {
	Requests int
	Window   time.Duration
	KeyFunc  func(r *http.Request) string
}

// RateLimiterConfig holds configuration for the rate limiter.
type RateLimiterConfig struct {
	Whitelist        []string // IPs or CIDRs exempt from rate limiting
	AutoBlockEnabled bool     // Enable auto-blocking after repeated violations
}

// Counter is where request counts and blocks are kept.
type Counter interface {
	// CheckAndIncrement returns (allowed, remaining, resetAt).
	CheckAndIncrement(ctx context.Context, key string, limit RateLimit) (bool, int, time.Time)
	// Violation records a rejected request and returns the recent count.
	Violation(ctx context.Context, ip string) int64
	IsBlocked(ctx context.Context, ip string) bool
	Block(ctx context.Context, ip string, d time.Duration, reason string)
}

// RateLimiter limits requests per route and role.
type RateLimiter struct {
	counter          Counter
	limits           map[string]RateLimit
	logger           zerolog.Logger
	whitelist        []*net.IPNet
	whitelistIPs     map[string]bool
	autoBlockEnabled bool
}

// NewRateLimiter creates a new rate limiter.
func NewRateLimiter(counter Counter, logger zerolog.Logger, cfg RateLimiterConfig) *RateLimiter {
	rl := &RateLimiter{
		counter:          counter,
		logger:           logger,
		whitelistIPs:     make(map[string]bool),
		autoBlockEnabled: cfg.AutoBlockEnabled,
		limits: map[string]RateLimit{
			"POST userinfo":        {10, time.Hour, ipKey},
			"POST questinfo":       {30, time.Hour, ipKey},
			"POST user":            {60, time.Minute, addressOrIPKey},
			"POST quest":           {30, time.Minute, addressOrIPKey},
			"GET ws":               {60, time.Minute, ipKey},
			"GET room":             {300, time.Minute, ipKey},
			"POST /internal/sweep": {6, time.Minute, ipKey},
		},
	}

	for _, entry := range cfg.Whitelist {
		if strings.Contains(entry, "/") {
			_, ipNet, err := net.ParseCIDR(entry)
			if err != nil {
				logger.Warn().Str("entry", entry).Err(err).Msg("invalid CIDR in whitelist")
				continue
			}
			rl.whitelist = append(rl.whitelist, ipNet)
		} else {
			rl.whitelistIPs[entry] = true
		}
	}

	if len(cfg.Whitelist) > 0 {
		logger.Info().
			Int("ips", len(rl.whitelistIPs)).
			Int("cidrs", len(rl.whitelist)).
			Msg("rate limit whitelist configured")
	}

	return rl
}

func (rl *RateLimiter) isWhitelisted(ipStr string) bool {
	if rl.whitelistIPs[ipStr] {
		return true
	}
	ip := net.ParseIP(ipStr)
	if ip == nil {
		return false
	}
	for _, ipNet := range rl.whitelist {
		if ipNet.Contains(ip) {
			return true
		}
	}
	return false
}

func ipKey(r *http.Request) string {
	return "ratelimit:ip:" + RealIP(r)
}

// addressOrIPKey keys on the (unverified) address in the Authorization token.
func addressOrIPKey(r *http.Request) string {
	if address, _, ok := strings.Cut(r.Header.Get("Authorization"), "."); ok && address != "" {
		return "ratelimit:address:" + address
	}
	return "ratelimit:ip:" + RealIP(r)
}

// RealIP extracts the real client IP from headers or connection.
func RealIP(r *http.Request) string {
	if ip := r.Header.Get("Fly-Client-IP"); ip != "" {
		return ip
	}
	if ip := r.Header.Get("X-Forwarded-For"); ip != "" {
		return strings.TrimSpace(strings.Split(ip, ",")[0])
	}
	if ip := r.Header.Get("X-Real-IP"); ip != "" {
		return ip
	}
	ip, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return ip
}

// Middleware returns the rate limiting middleware.
func (rl *RateLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ip := RealIP(r)

		if rl.isWhitelisted(ip) {
			next.ServeHTTP(w, r)
			return
		}

		if rl.counter.IsBlocked(r.Context(), ip) {
			rl.logger.Warn().
				Str("type", "security").
				Str("event", "blocked_request").
				Str("ip", ip).
				Str("endpoint", r.URL.Path).
				Msg("blocked IP attempted request")
			jsonError(w, http.StatusForbidden, "temporarily blocked")
			return
		}

		limit := rl.findLimit(r)
		if limit == nil {
			next.ServeHTTP(w, r)
			return
		}

		key := limit.KeyFunc(r)
		allowed, remaining, resetAt := rl.counter.CheckAndIncrement(r.Context(), key, *limit)

		w.Header().Set("X-RateLimit-Limit", strconv.Itoa(limit.Requests))
		w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(remaining))
		w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(resetAt.Unix(), 10))

		if !allowed {
			w.Header().Set("Retry-After", strconv.Itoa(int(time.Until(resetAt).Seconds())+1))

			rl.trackViolation(r.Context(), ip)

			rl.logger.Warn().
				Str("type", "security").
				Str("event", "rate_limit_exceeded").
				Str("ip", ip).
				Str("endpoint", r.URL.Path).
				Str("key", key).
				Msg("rate limit exceeded")

			jsonError(w, http.StatusTooManyRequests, "rate limit exceeded")
			return
		}

		next.ServeHTTP(w, r)
	})
}

// routeKey names a request for limit lookup: "<METHOD> <role>" for room
// requests, "GET ws" for room connections, else "<METHOD> <path>".
func routeKey(r *http.Request) string {
	if !strings.HasPrefix(r.URL.Path, PartyPrefix) {
		return r.Method + " " + r.URL.Path
	}
	if strings.EqualFold(r.Header.Get("Upgrade"), "websocket") {
		return "GET ws"
	}
	if r.Method == http.MethodGet {
		return "GET room"
	}
	role, _ := party.ParseRoomID(strings.TrimPrefix(r.URL.Path, PartyPrefix))
	return r.Method + " " + role
}

func (rl *RateLimiter) findLimit(r *http.Request) *RateLimit {
	if limit, ok := rl.limits[routeKey(r)]; ok {
		return &limit
	}
	return nil
}

// trackViolation tracks rate limit violations and auto-blocks repeat offenders.
func (rl *RateLimiter) trackViolation(ctx context.Context, ip string) {
	if !rl.autoBlockEnabled {
		return
	}

	count := rl.counter.Violation(ctx, ip)
	if count >= 10 {
		rl.counter.Block(ctx, ip, 24*time.Hour, "repeated rate limit violations")
		rl.logger.Warn().
			Str("type", "security").
			Str("event", "ip_auto_blocked").
			Str("ip", ip).
			Int64("violations", count).
			Msg("IP auto-blocked for repeated violations")
	}
}

// RedisCounter keeps sliding windows in Redis sorted sets so limits hold
// across instances.
type RedisCounter struct {
	client *redis.Client
}

func NewRedisCounter(client *redis.Client) *RedisCounter {
	return &RedisCounter{client: client}
}

func (c *RedisCounter) CheckAndIncrement(ctx context.Context, key string, limit RateLimit) (bool, int, time.Time) {
	now := time.Now()
	windowStart := now.Add(-limit.Window)

	pipe := c.client.Pipeline()
	pipe.ZRemRangeByScore(ctx, key, "-inf", strconv.FormatInt(windowStart.UnixMilli(), 10))
	countCmd := pipe.ZCard(ctx, key)
	pipe.ZAdd(ctx, key, redis.Z{
		Score:  float64(now.UnixMilli()),
		Member: strconv.FormatInt(now.UnixNano(), 10),
	})
	pipe.Expire(ctx, key, limit.Window*2)
	if _, err := pipe.Exec(ctx); err != nil {
		// Fail open.
		return true, limit.Requests, now.Add(limit.Window)
	}

	count := countCmd.Val()
	remaining := limit.Requests - int(count) - 1
	if remaining < 0 {
		remaining = 0
	}
	return count < int64(limit.Requests), remaining, now.Add(limit.Window)
}

func (c *RedisCounter) Violation(ctx context.Context, ip string) int64 {
	key := fmt.Sprintf("violations:ip:%s", ip)
	count, _ := c.client.Incr(ctx, key).Result()
	c.client.Expire(ctx, key, time.Hour)
	return count
}

func (c *RedisCounter) IsBlocked(ctx context.Context, ip string) bool {
	exists, _ := c.client.Exists(ctx, fmt.Sprintf("blocked:ip:%s", ip)).Result()
	return exists > 0
}

func (c *RedisCounter) Block(ctx context.Context, ip string, d time.Duration, reason string) {
	c.client.Set(ctx, fmt.Sprintf("blocked:ip:%s", ip), reason, d)
}
