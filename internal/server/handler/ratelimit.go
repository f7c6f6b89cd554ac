package handler

import (
	"context"
	"math"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"
)

// RateLimitConfig configures per-client HTTP rate limiting.
type RateLimitConfig struct {
	RPS   float64
	Burst int // default 2*RPS
	// IdleTTL is how long a client's bucket survives without requests.
	IdleTTL time.Duration // default 10m
	// SweepInterval is how often idle buckets are dropped.
	SweepInterval time.Duration // default 5m
}

func (c *RateLimitConfig) withDefaults() {
	if c.Burst <= 0 {
		c.Burst = max(1, int(2*c.RPS))
	}
	if c.IdleTTL <= 0 {
		c.IdleTTL = 10 * time.Minute
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = 5 * time.Minute
	}
}

type bucket struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// clientBuckets holds one token bucket per client IP.
type clientBuckets struct {
	cfg RateLimitConfig
	now func() time.Time

	mu      sync.Mutex
	buckets map[string]*bucket
}

func newClientBuckets(cfg RateLimitConfig) *clientBuckets {
	cfg.withDefaults()
	return &clientBuckets{cfg: cfg, now: time.Now, buckets: make(map[string]*bucket)}
}

// reserve takes a token for ip. It returns zero when the request may proceed,
// otherwise how long the client should wait; no token is consumed then.
func (b *clientBuckets) reserve(ip string) time.Duration {
	now := b.now()

	b.mu.Lock()
	bk, ok := b.buckets[ip]
	if !ok {
		bk = &bucket{limiter: rate.NewLimiter(rate.Limit(b.cfg.RPS), b.cfg.Burst)}
		b.buckets[ip] = bk
	}
	bk.lastSeen = now
	b.mu.Unlock()

	r := bk.limiter.ReserveN(now, 1)
	if !r.OK() {
		return time.Second
	}
	delay := r.DelayFrom(now)
	if delay > 0 {
		r.CancelAt(now)
	}
	return delay
}

// sweep drops buckets idle for longer than IdleTTL and returns how many
// remain.
func (b *clientBuckets) sweep() int {
	cutoff := b.now().Add(-b.cfg.IdleTTL)
	b.mu.Lock()
	defer b.mu.Unlock()
	for ip, bk := range b.buckets {
		if bk.lastSeen.Before(cutoff) {
			delete(b.buckets, ip)
		}
	}
	return len(b.buckets)
}

func (b *clientBuckets) sweepLoop(ctx context.Context) {
	ticker := time.NewTicker(b.cfg.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			b.sweep()
		case <-ctx.Done():
			return
		}
	}
}

// RateLimiter returns a Gin middleware that limits each client IP to a token
// bucket. Rejected requests get 429 with a Retry-After in whole seconds. Idle
// buckets are swept until ctx is done.
func RateLimiter(ctx context.Context, cfg RateLimitConfig) gin.HandlerFunc {
	buckets := newClientBuckets(cfg)
	go buckets.sweepLoop(ctx)
	return rateLimit(buckets)
}

func rateLimit(buckets *clientBuckets) gin.HandlerFunc {
	return func(c *gin.Context) {
		delay := buckets.reserve(c.ClientIP())
		if delay > 0 {
			httpRateLimited.Inc()
			c.Header("Retry-After", strconv.Itoa(int(math.Ceil(delay.Seconds()))))
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"error": "rate limit exceeded",
			})
			return
		}
		c.Next()
	}
}
