package infrastructure

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// FloodLimiter applies per-end-user token bucket limiting in the webhook
// path, keyed by "platform:endUserID". It protects the AI provider budget
// from a single chatter, not the HTTP surface (middleware covers that).
type FloodLimiter struct {
	mu          sync.Mutex
	buckets     map[string]*floodBucket
	rate        rate.Limit
	burst       int
	cleanupTick time.Duration
}

type floodBucket struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// NewFloodLimiter creates a limiter allowing r messages per second with the
// given burst per end user.
func NewFloodLimiter(r float64, burst int) *FloodLimiter {
	fl := &FloodLimiter{
		buckets:     make(map[string]*floodBucket),
		rate:        rate.Limit(r),
		burst:       burst,
		cleanupTick: 5 * time.Minute,
	}
	go fl.cleanup()
	return fl
}

// Allow consumes one token for the key, returning false when the user is
// over the limit.
func (fl *FloodLimiter) Allow(key string) bool {
	fl.mu.Lock()
	bucket, ok := fl.buckets[key]
	if !ok {
		bucket = &floodBucket{limiter: rate.NewLimiter(fl.rate, fl.burst)}
		fl.buckets[key] = bucket
	}
	bucket.lastSeen = time.Now()
	fl.mu.Unlock()

	return bucket.limiter.Allow()
}

// Reset drops the state for a key.
func (fl *FloodLimiter) Reset(key string) {
	fl.mu.Lock()
	defer fl.mu.Unlock()
	delete(fl.buckets, key)
}

// cleanup removes buckets idle for more than 10 minutes.
func (fl *FloodLimiter) cleanup() {
	ticker := time.NewTicker(fl.cleanupTick)
	for range ticker.C {
		fl.mu.Lock()
		now := time.Now()
		for key, bucket := range fl.buckets {
			if now.Sub(bucket.lastSeen) > 10*time.Minute {
				delete(fl.buckets, key)
			}
		}
		fl.mu.Unlock()
	}
}

// Stats reports limiter state for the admin dashboard.
func (fl *FloodLimiter) Stats() map[string]interface{} {
	fl.mu.Lock()
	defer fl.mu.Unlock()
	return map[string]interface{}{
		"active_users": len(fl.buckets),
		"rate":         float64(fl.rate),
		"burst":        fl.burst,
	}
}
