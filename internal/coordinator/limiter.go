package coordinator

import (
	"sync"
	"time"

	"github.com/patrickmn/go-cache"
	"golang.org/x/time/rate"
)

const (
	limiterExpiration = 10 * time.Minute
	limiterCleanup    = 5 * time.Minute
)

// signalLimiter throttles heartbeats and typing signals per collaborator.
type signalLimiter struct {
	mu       sync.Mutex
	limiters *cache.Cache
	limit    rate.Limit
	burst    int
}

func newSignalLimiter(perSecond float64, burst int) *signalLimiter {
	if burst <= 0 {
		burst = int(perSecond * 2)
	}
	if burst < 1 {
		burst = 1
	}
	return &signalLimiter{
		limiters: cache.New(limiterExpiration, limiterCleanup),
		limit:    rate.Limit(perSecond),
		burst:    burst,
	}
}

// Allow consumes one token of userID. A non-positive rate disables limiting.
func (l *signalLimiter) Allow(userID string, now time.Time) bool {
	if l.limit <= 0 {
		return true
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	var limiter *rate.Limiter
	if cached, ok := l.limiters.Get(userID); ok {
		limiter = cached.(*rate.Limiter)
	} else {
		limiter = rate.NewLimiter(l.limit, l.burst)
	}
	l.limiters.Set(userID, limiter, cache.DefaultExpiration)
	return limiter.AllowN(now, 1)
}
