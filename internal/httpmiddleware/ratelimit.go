// Package httpmiddleware holds gin middleware shared by the API binaries.
package httpmiddleware

import (
	"math"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"

	"geoattend/internal/auth"
	"geoattend/internal/clock"
)

// idleAfter is how long a full bucket may sit unused before it is dropped.
const idleAfter = 10 * time.Minute

// Limiter is an in-memory token bucket per caller. Authenticated callers
// are limited per user, everyone else per client IP.
type Limiter struct {
	burst     float64
	perMinute float64
	clock     clock.Clock
	mu        sync.Mutex
	buckets   map[string]*bucket
	lastSweep time.Time
}

type bucket struct {
	tokens float64
	seen   time.Time
}

// NewLimiter allows burst requests at once and perMinute on average.
func NewLimiter(burst, perMinute int, clk clock.Clock) *Limiter {
	if burst <= 0 {
		burst = perMinute
	}
	if clk == nil {
		clk = clock.Real()
	}
	return &Limiter{
		burst:     float64(burst),
		perMinute: float64(perMinute),
		clock:     clk,
		buckets:   make(map[string]*bucket),
	}
}

// GinMiddleware rejects over-limit callers with 429 and a Retry-After hint.
func (l *Limiter) GinMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		key := "ip:" + c.ClientIP()
		if id, ok := auth.IdentityFrom(c); ok {
			key = "user:" + id.UserID
		}
		ok, wait := l.take(key)
		if !ok {
			c.Header("Retry-After", strconv.Itoa(int(math.Ceil(wait.Seconds()))))
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{"error": "rate limit exceeded"})
			return
		}
		c.Next()
	}
}

func (l *Limiter) allow(key string) bool {
	ok, _ := l.take(key)
	return ok
}

// take spends one token from key's bucket. When none is left it reports
// how long until one is.
func (l *Limiter) take(key string) (bool, time.Duration) {
	now := l.clock.Now()
	l.mu.Lock()
	defer l.mu.Unlock()
	l.sweep(now)

	b, ok := l.buckets[key]
	if !ok {
		b = &bucket{tokens: l.burst, seen: now}
		l.buckets[key] = b
	}
	b.tokens = math.Min(l.burst, b.tokens+now.Sub(b.seen).Seconds()*l.perMinute/60)
	b.seen = now
	if b.tokens >= 1 {
		b.tokens--
		return true, 0
	}
	if l.perMinute <= 0 {
		return false, time.Minute
	}
	return false, time.Duration((1 - b.tokens) * 60 / l.perMinute * float64(time.Second))
}

func (l *Limiter) sweep(now time.Time) {
	if now.Sub(l.lastSweep) < idleAfter {
		return
	}
	l.lastSweep = now
	for k, b := range l.buckets {
		if now.Sub(b.seen) >= idleAfter {
			delete(l.buckets, k)
		}
	}
}

// SecurityHeaders sets conservative response headers on every reply.
func SecurityHeaders() gin.HandlerFunc {
	return func(c *gin.Context) {
		h := c.Writer.Header()
		h.Set("X-Content-Type-Options", "nosniff")
		h.Set("X-Frame-Options", "DENY")
		h.Set("Referrer-Policy", "no-referrer")
		c.Next()
	}
}
