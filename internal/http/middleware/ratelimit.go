package middleware

import (
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"
)

const (
	limiterSweepInterval = time.Minute
	limiterIdleTTL       = 3 * time.Minute
)

type clientLimiter struct {
	limiter  *rate.Limiter
	lastSeen atomic.Int64
}

// RateLimiter keeps one token bucket per client IP and forgets clients that
// have been idle for a few minutes.
type RateLimiter struct {
	limiters   sync.Map
	rps        float64
	burst      int
	onThrottle func()
	stopCh     chan struct{}
	stopOnce   sync.Once
}

// NewRateLimiter starts a limiter allowing rps requests per second with the
// given burst per client. onThrottle may be nil.
func NewRateLimiter(rps float64, burst int, onThrottle func()) *RateLimiter {
	s := &RateLimiter{
		rps:        rps,
		burst:      burst,
		onThrottle: onThrottle,
		stopCh:     make(chan struct{}),
	}
	go s.cleanup()
	return s
}

// Allow consumes a token for ip.
func (s *RateLimiter) Allow(ip string) bool {
	return s.limiterFor(ip).Allow()
}

func (s *RateLimiter) Middleware() gin.HandlerFunc {
	return func(ctx *gin.Context) {
		if !s.Allow(ctx.ClientIP()) {
			if s.onThrottle != nil {
				s.onThrottle()
			}
			ctx.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{"error": "Too many requests, slow down."})
			return
		}
		ctx.Next()
	}
}

// Stop ends the background sweep.
func (s *RateLimiter) Stop() {
	s.stopOnce.Do(func() { close(s.stopCh) })
}

func (s *RateLimiter) limiterFor(ip string) *rate.Limiter {
	now := time.Now().UnixNano()
	if v, ok := s.limiters.Load(ip); ok {
		entry := v.(*clientLimiter)
		entry.lastSeen.Store(now)
		return entry.limiter
	}
	entry := &clientLimiter{limiter: rate.NewLimiter(rate.Limit(s.rps), s.burst)}
	entry.lastSeen.Store(now)
	actual, _ := s.limiters.LoadOrStore(ip, entry)
	existing := actual.(*clientLimiter)
	existing.lastSeen.Store(now)
	return existing.limiter
}

func (s *RateLimiter) cleanup() {
	ticker := time.NewTicker(limiterSweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			s.sweep(time.Now())
		case <-s.stopCh:
			return
		}
	}
}

func (s *RateLimiter) sweep(now time.Time) {
	cutoff := now.Add(-limiterIdleTTL).UnixNano()
	s.limiters.Range(func(key, value any) bool {
		if value.(*clientLimiter).lastSeen.Load() < cutoff {
			s.limiters.Delete(key)
		}
		return true
	})
}
