package security

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"seriesview/internal/config"
	"seriesview/internal/errors"
	"seriesview/internal/logger"
)

// maxBackoff caps how long a repeat offender is locked out.
const maxBackoff = 5 * time.Minute

// TokenBucket refills continuously at refillRate tokens per second.
type TokenBucket struct {
	mu         sync.Mutex
	capacity   float64
	tokens     float64
	refillRate float64
	lastRefill time.Time
	now        func() time.Time
}

// newTokenBucket returns a full bucket.
func newTokenBucket(capacity int, refillRate float64, now func() time.Time) *TokenBucket {
	return &TokenBucket{
		capacity:   float64(capacity),
		tokens:     float64(capacity),
		refillRate: refillRate,
		lastRefill: now(),
		now:        now,
	}
}

// TryConsume takes n tokens if available.
func (tb *TokenBucket) TryConsume(n int) bool {
	tb.mu.Lock()
	defer tb.mu.Unlock()

	tb.refillLocked()
	if tb.tokens >= float64(n) {
		tb.tokens -= float64(n)
		return true
	}
	return false
}

// WaitTime is how long until n tokens are available.
func (tb *TokenBucket) WaitTime(n int) time.Duration {
	tb.mu.Lock()
	defer tb.mu.Unlock()

	tb.refillLocked()
	missing := float64(n) - tb.tokens
	if missing <= 0 {
		return 0
	}
	return time.Duration(missing / tb.refillRate * float64(time.Second))
}

func (tb *TokenBucket) refillLocked() {
	now := tb.now()
	elapsed := now.Sub(tb.lastRefill).Seconds()
	if elapsed <= 0 {
		return
	}
	tb.tokens += elapsed * tb.refillRate
	if tb.tokens > tb.capacity {
		tb.tokens = tb.capacity
	}
	tb.lastRefill = now
}

type clientState struct {
	mu            sync.Mutex
	bucket        *TokenBucket
	backoffUntil  time.Time
	violations    int
	lastViolation time.Time
	lastSeen      time.Time
}

// RateLimiter applies a token bucket per client and tier. Clients that
// keep hitting the limit are backed off for growing periods.
type RateLimiter struct {
	config config.RateLimitConfig
	tiers  map[string]config.RateLimitTier
	now    func() time.Time

	mu      sync.Mutex
	clients map[string]*clientState

	stop     chan struct{}
	stopOnce sync.Once
}

// NewRateLimiter builds a limiter and starts its idle-client sweeper
// when the limiter is enabled. Call Stop to end the sweeper.
func NewRateLimiter(cfg config.RateLimitConfig) *RateLimiter {
	rl := &RateLimiter{
		config:  cfg,
		tiers:   make(map[string]config.RateLimitTier, len(cfg.Tiers)),
		now:     time.Now,
		clients: make(map[string]*clientState),
		stop:    make(chan struct{}),
	}
	for _, tier := range cfg.Tiers {
		rl.tiers[tier.Name] = tier
	}
	if cfg.Enabled && cfg.CleanupInterval > 0 {
		go rl.sweep(cfg.CleanupInterval)
	}
	return rl
}

// Stop ends the sweeper. It is safe to call more than once.
func (rl *RateLimiter) Stop() {
	rl.stopOnce.Do(func() { close(rl.stop) })
}

func (rl *RateLimiter) tierFor(path string) config.RateLimitTier {
	for _, p := range rl.config.PathLimits {
		if strings.HasPrefix(path, p.Pattern) {
			if tier, ok := rl.tiers[p.Tier]; ok {
				return tier
			}
		}
	}
	if tier, ok := rl.tiers[rl.config.DefaultTier]; ok {
		return tier
	}
	return config.RateLimitTier{
		Name:            "fallback",
		RequestsPerSec:  10,
		BurstSize:       20,
		Window:          time.Minute,
		BackoffDuration: 5 * time.Second,
	}
}

func (rl *RateLimiter) client(clientIP string, tier config.RateLimitTier) *clientState {
	key := clientIP + "|" + tier.Name

	rl.mu.Lock()
	defer rl.mu.Unlock()

	c, ok := rl.clients[key]
	if !ok {
		c = &clientState{bucket: newTokenBucket(tier.BurstSize, tier.RequestsPerSec, rl.now)}
		rl.clients[key] = c
	}
	return c
}

// Allow reports whether one request from clientIP to path may proceed
// and, if not, how long the client should wait.
func (rl *RateLimiter) Allow(clientIP, path string) (bool, time.Duration) {
	if !rl.config.Enabled {
		return true, 0
	}

	tier := rl.tierFor(path)
	c := rl.client(clientIP, tier)

	c.mu.Lock()
	defer c.mu.Unlock()

	now := rl.now()
	c.lastSeen = now
	if now.Before(c.backoffUntil) {
		return false, c.backoffUntil.Sub(now)
	}

	if c.bucket.TryConsume(1) {
		if now.Sub(c.lastViolation) > tier.Window {
			c.violations = 0
		}
		return true, 0
	}

	c.violations++
	c.lastViolation = now
	wait := c.bucket.WaitTime(1)

	if c.violations >= 5 {
		backoff := tier.BackoffDuration * time.Duration(c.violations-4)
		if backoff > maxBackoff {
			backoff = maxBackoff
		}
		c.backoffUntil = now.Add(backoff)
		wait = backoff
	}
	return false, wait
}

func (rl *RateLimiter) sweep(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-rl.stop:
			return
		case <-ticker.C:
			if n := rl.evictIdle(2 * interval); n > 0 {
				logger.LogDebug(context.Background(), "evicted idle rate limit clients",
					zap.Int("evicted", n),
					zap.Int("clients", rl.Clients()))
			}
		}
	}
}

func (rl *RateLimiter) evictIdle(idle time.Duration) int {
	now := rl.now()

	rl.mu.Lock()
	defer rl.mu.Unlock()

	evicted := 0
	for key, c := range rl.clients {
		c.mu.Lock()
		inactive := now.Sub(c.lastSeen) > idle && now.After(c.backoffUntil)
		c.mu.Unlock()
		if inactive {
			delete(rl.clients, key)
			evicted++
		}
	}
	return evicted
}

// Clients is the number of tracked client/tier pairs.
func (rl *RateLimiter) Clients() int {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	return len(rl.clients)
}

// Middleware rejects over-limit requests with RATE_LIMITED.
func (rl *RateLimiter) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		allowed, wait := rl.Allow(c.ClientIP(), c.Request.URL.Path)
		if allowed {
			c.Next()
			return
		}

		tier := rl.tierFor(c.Request.URL.Path)
		c.Header("X-RateLimit-Limit", fmt.Sprintf("%.0f", tier.RequestsPerSec))
		c.Header("X-RateLimit-Burst", strconv.Itoa(tier.BurstSize))
		if wait > 0 {
			c.Header("Retry-After", strconv.Itoa(int(wait.Seconds()+0.999)))
		}

		logger.LogDebug(c.Request.Context(), "rate limited",
			zap.String("client_ip", c.ClientIP()),
			zap.String("tier", tier.Name),
			zap.Duration("retry_after", wait))
		errors.HandleError(c, errors.ErrRateLimited.WithDetails(fmt.Sprintf("tier %s, retry after %s", tier.Name, wait.Round(time.Millisecond))))
		c.Abort()
	}
}
