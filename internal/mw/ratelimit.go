package mw

import (
	"net/http"
	"sync"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"
)

// DeviceHeader carries the device id on device-originated HTTP requests.
const DeviceHeader = "X-Device-ID"

// KeyFunc picks the bucket a request is counted against.
type KeyFunc func(c *gin.Context) string

// ClientKey buckets devices by their id header and everyone else by IP, so
// feeders behind one NAT do not starve each other.
func ClientKey(c *gin.Context) string {
	if id := c.GetHeader(DeviceHeader); id != "" {
		return "device:" + id
	}
	return "ip:" + c.ClientIP()
}

// KeyedRateLimiter stores a token bucket per key.
type KeyedRateLimiter struct {
	limiters map[string]*rate.Limiter
	mu       sync.RWMutex
	r        rate.Limit
	b        int
}

// NewKeyedRateLimiter creates a limiter allowing r events per second with
// burst b for every key.
func NewKeyedRateLimiter(r rate.Limit, b int) *KeyedRateLimiter {
	return &KeyedRateLimiter{
		limiters: make(map[string]*rate.Limiter),
		r:        r,
		b:        b,
	}
}

// Limiter returns the bucket of key, creating it on first use.
func (k *KeyedRateLimiter) Limiter(key string) *rate.Limiter {
	k.mu.RLock()
	limiter, exists := k.limiters[key]
	k.mu.RUnlock()
	if exists {
		return limiter
	}

	k.mu.Lock()
	defer k.mu.Unlock()
	if limiter, exists = k.limiters[key]; !exists {
		limiter = rate.NewLimiter(k.r, k.b)
		k.limiters[key] = limiter
	}
	return limiter
}

// Len returns the number of tracked keys.
func (k *KeyedRateLimiter) Len() int {
	k.mu.RLock()
	defer k.mu.RUnlock()
	return len(k.limiters)
}

// RateLimiter rejects requests over the per-key rate with 429.
func RateLimiter(r rate.Limit, b int, key KeyFunc) gin.HandlerFunc {
	if key == nil {
		key = ClientKey
	}
	limiter := NewKeyedRateLimiter(r, b)
	return func(c *gin.Context) {
		if !limiter.Limiter(key(c)).Allow() {
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{"error": "rate limit exceeded"})
			return
		}
		c.Next()
	}
}
