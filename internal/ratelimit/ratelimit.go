package ratelimit

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	ratelib "golang.org/x/time/rate"
)

// Scope names the key a limiter stage buckets requests by.
type Scope string

const (
	ScopeService Scope = "service" // one bucket shared by every route
	ScopeRoute   Scope = "route"   // one bucket per route
	ScopeIP      Scope = "ip"      // one bucket per client address
)

// ServiceKey is the fixed key used for the service-wide bucket.
const ServiceKey = "__service__"

// ParseScope validates a configured scope name.
func ParseScope(s string) (Scope, error) {
	switch Scope(s) {
	case ScopeService, ScopeRoute, ScopeIP:
		return Scope(s), nil
	case "":
		return ScopeRoute, nil
	}
	return "", fmt.Errorf("unknown ratelimiter type %q", s)
}

// Config is "Requests per Period", with a burst of Requests.
type Config struct {
	Requests int
	Period   time.Duration
}

// Limit converts the config to a token refill rate.
func (c Config) Limit() ratelib.Limit {
	if c.Requests <= 0 || c.Period <= 0 {
		return 0
	}
	return ratelib.Every(c.Period / time.Duration(c.Requests))
}

// Validate rejects non-positive values.
func (c Config) Validate() error {
	if c.Requests <= 0 {
		return fmt.Errorf("requests must be > 0")
	}
	if c.Period <= 0 {
		return fmt.Errorf("period must be > 0")
	}
	return nil
}

type bucket struct {
	lim      *ratelib.Limiter
	lastSeen atomic.Int64
}

// Limiter manages a collection of token bucket rate limiters sharing one
// Config.
type Limiter struct {
	cfg Config

	// mu protects the buckets map.
	mu      sync.RWMutex
	buckets map[string]*bucket

	now func() time.Time
}

// NewLimiter creates and returns a new Limiter.
func NewLimiter(cfg Config) *Limiter {
	return &Limiter{
		cfg:     cfg,
		buckets: make(map[string]*bucket),
		now:     time.Now,
	}
}

// Config returns the limiter's configuration.
func (l *Limiter) Config() Config { return l.cfg }

// Allow consumes one token from key's bucket, creating it on first use.
func (l *Limiter) Allow(key string) bool {
	l.mu.RLock()
	b, ok := l.buckets[key]
	l.mu.RUnlock()

	if !ok {
		l.mu.Lock()
		// Double-check
		b, ok = l.buckets[key]
		if !ok {
			b = &bucket{lim: ratelib.NewLimiter(l.cfg.Limit(), l.cfg.Requests)}
			l.buckets[key] = b
		}
		l.mu.Unlock()
	}

	now := l.now()
	b.lastSeen.Store(now.UnixNano())
	return b.lim.AllowN(now, 1)
}

// Remove removes the bucket for the given key.
func (l *Limiter) Remove(key string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.buckets, key)
}

// Len returns the number of live buckets.
func (l *Limiter) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.buckets)
}

// Prune drops buckets idle for longer than idle. Per-IP limiters grow with
// the client population, so they need it; route and service limiters keep a
// bounded key set.
func (l *Limiter) Prune(idle time.Duration) int {
	cutoff := l.now().Add(-idle).UnixNano()
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for k, b := range l.buckets {
		if b.lastSeen.Load() < cutoff {
			delete(l.buckets, k)
			n++
		}
	}
	return n
}
