package web

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
)

// Default cleanup intervals.
const (
	cleanupInterval = 1 * time.Minute
	visitorTimeout  = 3 * time.Minute
)

// visitor is the token bucket of a single client IP.
type visitor struct {
	// mu protects tokens and lastRefill so different visitors never contend.
	mu         sync.Mutex
	tokens     float64
	lastRefill time.Time
}

// RateLimiter is a per-IP token bucket limiter.
type RateLimiter struct {
	// mu protects the visitors map only.
	mu       sync.RWMutex
	visitors map[string]*visitor

	// rate is the number of tokens added per second.
	rate float64
	// capacity is the max burst size.
	capacity float64
	now      func() time.Time
}

// NewRateLimiter creates a RateLimiter whose background cleanup stops with ctx.
func NewRateLimiter(ctx context.Context, rate, capacity float64) *RateLimiter {
	rl := &RateLimiter{
		visitors: make(map[string]*visitor),
		rate:     rate,
		capacity: capacity,
		now:      time.Now,
	}
	go rl.cleanupVisitors(ctx)
	return rl
}

func (rl *RateLimiter) getVisitor(ip string) *visitor {
	rl.mu.RLock()
	v, exists := rl.visitors[ip]
	rl.mu.RUnlock()
	if exists {
		return v
	}

	rl.mu.Lock()
	defer rl.mu.Unlock()
	// Double-check after taking the write lock.
	if v, exists = rl.visitors[ip]; !exists {
		v = &visitor{tokens: rl.capacity, lastRefill: rl.now()}
		rl.visitors[ip] = v
	}
	return v
}

// Allow reports whether ip may make one more request, refilling lazily.
func (rl *RateLimiter) Allow(ip string) bool {
	v := rl.getVisitor(ip)
	v.mu.Lock()
	defer v.mu.Unlock()

	now := rl.now()
	if add := now.Sub(v.lastRefill).Seconds() * rl.rate; add > 0 {
		v.tokens += add
		if v.tokens > rl.capacity {
			v.tokens = rl.capacity
		}
		v.lastRefill = now
	}

	if v.tokens >= 1.0 {
		v.tokens--
		return true
	}
	return false
}

// cleanupVisitors removes idle visitors until ctx is done.
func (rl *RateLimiter) cleanupVisitors(ctx context.Context) {
	ticker := time.NewTicker(cleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		rl.mu.Lock()
		for ip, v := range rl.visitors {
			v.mu.Lock()
			if rl.now().Sub(v.lastRefill) > visitorTimeout {
				delete(rl.visitors, ip)
			}
			v.mu.Unlock()
		}
		rl.mu.Unlock()
	}
}

// Middleware rejects requests over the limit with 429.
func (rl *RateLimiter) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !rl.Allow(c.ClientIP()) {
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{"error": "Too Many Requests"})
			return
		}
		c.Next()
	}
}
