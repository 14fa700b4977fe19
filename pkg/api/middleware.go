package api

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

const (
	// sweepInterval is how often idle buckets are reclaimed.
	sweepInterval = time.Minute
	// bucketIdleTTL is how long a key may go unseen before its bucket is
	// dropped. Dropping a bucket resets that key to a full burst.
	bucketIdleTTL = 3 * time.Minute
)

// KeyedRateLimiter applies an independent token bucket per caller key,
// typically the authenticated identity or the remote address. Idle buckets
// are swept in the background; Close stops the sweeper.
type KeyedRateLimiter struct {
	mu      sync.Mutex
	buckets map[string]*bucket
	rps     rate.Limit
	burst   int

	done      chan struct{}
	closeOnce sync.Once
}

type bucket struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// NewKeyedRateLimiter creates a limiter allowing rps requests per second with
// the given burst per key and starts its sweeper.
func NewKeyedRateLimiter(rps int, burst int) *KeyedRateLimiter {
	rl := &KeyedRateLimiter{
		buckets: make(map[string]*bucket),
		rps:     rate.Limit(rps),
		burst:   burst,
		done:    make(chan struct{}),
	}
	go rl.sweep()
	return rl
}

// Allow reports whether key may proceed, consuming a token if so.
func (rl *KeyedRateLimiter) Allow(key string) bool {
	rl.mu.Lock()
	b, ok := rl.buckets[key]
	if !ok {
		b = &bucket{limiter: rate.NewLimiter(rl.rps, rl.burst)}
		rl.buckets[key] = b
	}
	b.lastSeen = time.Now()
	limiter := b.limiter
	rl.mu.Unlock()

	return limiter.Allow()
}

// Close stops the sweeper goroutine. Safe to call more than once.
func (rl *KeyedRateLimiter) Close() {
	rl.closeOnce.Do(func() { close(rl.done) })
}

func (rl *KeyedRateLimiter) sweep() {
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-rl.done:
			return
		case now := <-ticker.C:
			rl.mu.Lock()
			for key, b := range rl.buckets {
				if now.Sub(b.lastSeen) > bucketIdleTTL {
					delete(rl.buckets, key)
				}
			}
			rl.mu.Unlock()
		}
	}
}
