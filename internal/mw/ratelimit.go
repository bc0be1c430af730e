package mw

import (
	"math"
	"net/http"
	"strconv"
	"sync"
	"time"

	"roomlink/internal/metrics"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"
)

type bucket struct {
	lim  *rate.Limiter
	seen time.Time
}

// Limiter 按 key 维护令牌桶；闲置超过 ttl 的桶在后续调用中顺带回收。
type Limiter struct {
	mu        sync.Mutex
	buckets   map[string]*bucket
	limit     rate.Limit
	burst     int
	ttl       time.Duration
	lastSweep time.Time
	now       func() time.Time
}

func NewLimiter(limit rate.Limit, burst int, ttl time.Duration) *Limiter {
	return &Limiter{
		buckets: make(map[string]*bucket),
		limit:   limit,
		burst:   burst,
		ttl:     ttl,
		now:     time.Now,
	}
}

// Allow 为 key 消耗一个令牌。
func (l *Limiter) Allow(key string) bool {
	l.mu.Lock()
	now := l.now()
	if now.Sub(l.lastSweep) > l.ttl {
		for k, b := range l.buckets {
			if now.Sub(b.seen) > l.ttl {
				delete(l.buckets, k)
			}
		}
		l.lastSweep = now
	}
	b, ok := l.buckets[key]
	if !ok {
		b = &bucket{lim: rate.NewLimiter(l.limit, l.burst)}
		l.buckets[key] = b
	}
	b.seen = now
	l.mu.Unlock()
	return b.lim.AllowN(now, 1)
}

// Len 返回当前跟踪的 key 数。
func (l *Limiter) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.buckets)
}

// retryAfter 返回补满一个令牌所需的秒数，至少 1 秒。
func (l *Limiter) retryAfter() string {
	if l.limit <= 0 || l.limit == rate.Inf {
		return "1"
	}
	return strconv.Itoa(int(math.Max(1, math.Ceil(1/float64(l.limit)-1e-9))))
}

// KeyFunc 决定限速的粒度。
type KeyFunc func(c *gin.Context) string

// PerRoute 按客户端 IP 与路由限速。
func PerRoute(c *gin.Context) string { return c.ClientIP() + "|" + metrics.Route(c) }

// PerClient 按客户端 IP 限速，同一组路由共享额度。
func PerClient(c *gin.Context) string { return c.ClientIP() }

// RateLimit 超限时返回 429 和 Retry-After。
func RateLimit(l *Limiter, key KeyFunc) gin.HandlerFunc {
	return func(c *gin.Context) {
		if !l.Allow(key(c)) {
			metrics.RateLimitedTotal.WithLabelValues(metrics.Route(c)).Inc()
			c.Header("Retry-After", l.retryAfter())
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{"error": "rate_limited"})
			return
		}
		c.Next()
	}
}
