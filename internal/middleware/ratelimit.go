package middleware

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"
)

type limiterEntry struct {
	l        *rate.Limiter
	lastSeen time.Time
}

// LimiterPool hands out one token bucket per key and forgets idle keys.
type LimiterPool struct {
	mu       sync.Mutex
	m        map[string]*limiterEntry
	rps      float64
	burst    int
	ttl      time.Duration
	stopOnce sync.Once
	stopCh   chan struct{}
}

// NewLimiterPool builds a pool and starts its idle-key janitor.
func NewLimiterPool(rps float64, burst int) *LimiterPool {
	p := &LimiterPool{
		m:      make(map[string]*limiterEntry),
		rps:    rps,
		burst:  burst,
		ttl:    10 * time.Minute,
		stopCh: make(chan struct{}),
	}
	go p.cleanupLoop(time.Minute)
	return p
}

// Allow reports whether the key may proceed now.
func (p *LimiterPool) Allow(key string) bool {
	p.mu.Lock()
	e, ok := p.m[key]
	if !ok {
		e = &limiterEntry{l: rate.NewLimiter(rate.Limit(p.rps), p.burst)}
		p.m[key] = e
	}
	e.lastSeen = time.Now()
	p.mu.Unlock()
	return e.l.Allow()
}

// Shutdown stops the janitor.
func (p *LimiterPool) Shutdown() {
	p.stopOnce.Do(func() { close(p.stopCh) })
}

func (p *LimiterPool) cleanupLoop(period time.Duration) {
	ticker := time.NewTicker(period)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			cutoff := time.Now().Add(-p.ttl)
			p.mu.Lock()
			for k, e := range p.m {
				if e.lastSeen.Before(cutoff) {
					delete(p.m, k)
				}
			}
			p.mu.Unlock()
		case <-p.stopCh:
			return
		}
	}
}

// RateLimit throttles per authenticated actor. It must run after
// AuthMiddleware; anonymous requests fall back to the client IP.
func RateLimit(pool *LimiterPool) gin.HandlerFunc {
	return func(c *gin.Context) {
		key := c.ClientIP()
		if actor, ok := ActorFromContext(c); ok {
			key = "user:" + strconv.FormatInt(actor.ID, 10)
		}
		if !pool.Allow(key) {
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{"error": "rate limit exceeded"})
			return
		}
		c.Next()
	}
}
