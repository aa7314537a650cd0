// Package ratelimit throttles API callers with a per-client token bucket.
package ratelimit

import (
	"hash/fnv"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
)

// Config sets the bucket shape shared by every client.
type Config struct {
	// PerMinute is the steady refill rate.
	PerMinute int
	// Burst is the bucket capacity, spent before the rate bites.
	Burst int
	// IdleEviction is how long an idle client's bucket survives.
	IdleEviction time.Duration
}

func DefaultConfig() Config {
	return Config{PerMinute: 60, Burst: 10, IdleEviction: 2 * time.Minute}
}

type bucket struct {
	tokens float64
	seen   time.Time
}

// Limiter holds one bucket per client key.
type Limiter struct {
	cfg     Config
	mu      sync.Mutex
	buckets map[string]*bucket
	done    chan struct{}
}

func New(cfg Config) *Limiter {
	if cfg.IdleEviction <= 0 {
		cfg.IdleEviction = 2 * time.Minute
	}
	l := &Limiter{
		cfg:     cfg,
		buckets: make(map[string]*bucket),
		done:    make(chan struct{}),
	}
	go l.evictIdle()
	return l
}

// Stop ends the background eviction loop.
func (l *Limiter) Stop() {
	close(l.done)
}

func (l *Limiter) evictIdle() {
	ticker := time.NewTicker(l.cfg.IdleEviction)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			cutoff := time.Now().Add(-l.cfg.IdleEviction)
			l.mu.Lock()
			for key, b := range l.buckets {
				if b.seen.Before(cutoff) {
					delete(l.buckets, key)
				}
			}
			l.mu.Unlock()
		case <-l.done:
			return
		}
	}
}

// Allow spends one token from key's bucket, reporting whether one was
// available.
func (l *Limiter) Allow(key string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := time.Now()
	b, ok := l.buckets[key]
	if !ok {
		l.buckets[key] = &bucket{tokens: float64(l.cfg.Burst) - 1, seen: now}
		return true
	}

	refill := now.Sub(b.seen).Seconds() * float64(l.cfg.PerMinute) / 60.0
	b.tokens += refill
	if b.tokens > float64(l.cfg.Burst) {
		b.tokens = float64(l.cfg.Burst)
	}
	b.seen = now

	if b.tokens < 1 {
		return false
	}
	b.tokens--
	return true
}

// Middleware throttles by bearer token when present, client IP otherwise,
// so one busy user cannot starve a NAT'd office.
func (l *Limiter) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		key := c.ClientIP()
		if bearer := c.GetHeader("Authorization"); bearer != "" {
			h := fnv.New32a()
			h.Write([]byte(bearer))
			key = "tok:" + strconv.FormatUint(uint64(h.Sum32()), 16)
		}

		if !l.Allow(key) {
			c.Header("Retry-After", "1")
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"error":   "rate_limit_exceeded",
				"message": "too many requests, slow down",
			})
			return
		}
		c.Next()
	}
}
