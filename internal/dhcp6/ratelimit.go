package dhcp6

import (
	"sync"
	"time"

	"github.com/athena-dhcpd/athena-dhcp6d/internal/metrics"
)

// idleDUID is how long a client bucket survives without a Solicit.
const idleDUID = 30 * time.Second

// bucket is a token bucket refilled continuously at rate tokens per second
// up to burst.
type bucket struct {
	tokens float64
	last   time.Time
}

func (b *bucket) take(now time.Time, rate float64) bool {
	if d := now.Sub(b.last); d > 0 {
		b.tokens = min(b.tokens+d.Seconds()*rate, rate)
		b.last = now
	}
	if b.tokens < 1 {
		return false
	}
	b.tokens--
	return true
}

// RateLimiter throttles Solicit messages globally and per client DUID.
// Other message types are never limited.
type RateLimiter struct {
	enabled bool
	global  float64
	perDUID float64

	mu      sync.Mutex
	all     bucket
	clients map[string]*bucket
	swept   time.Time
	now     func() time.Time
}

// NewRateLimiter allows globalLimit Solicits per second in total and
// perDUIDLimit per second from one client.
func NewRateLimiter(enabled bool, globalLimit, perDUIDLimit int) *RateLimiter {
	if globalLimit <= 0 {
		globalLimit = 100
	}
	if perDUIDLimit <= 0 {
		perDUIDLimit = 5
	}
	now := time.Now()
	return &RateLimiter{
		enabled: enabled,
		global:  float64(globalLimit),
		perDUID: float64(perDUIDLimit),
		all:     bucket{tokens: float64(globalLimit), last: now},
		clients: make(map[string]*bucket),
		swept:   now,
		now:     time.Now,
	}
}

// Allow reports whether a Solicit from duid may be processed. A nil or
// disabled limiter allows everything.
func (r *RateLimiter) Allow(duid []byte) bool {
	if r == nil || !r.enabled {
		return true
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	r.sweep(now)

	c, ok := r.clients[string(duid)]
	if !ok {
		c = &bucket{tokens: r.perDUID, last: now}
		r.clients[string(duid)] = c
	}
	// A global rejection refunds the client token.
	if !c.take(now, r.perDUID) {
		metrics.RateLimited.WithLabelValues("duid").Inc()
		return false
	}
	if !r.all.take(now, r.global) {
		c.tokens++
		metrics.RateLimited.WithLabelValues("global").Inc()
		return false
	}
	return true
}

func (r *RateLimiter) sweep(now time.Time) {
	if now.Sub(r.swept) < idleDUID {
		return
	}
	r.swept = now
	for k, c := range r.clients {
		if now.Sub(c.last) > idleDUID {
			delete(r.clients, k)
		}
	}
}

// Stats returns the whole global tokens left and the number of tracked DUIDs.
func (r *RateLimiter) Stats() (globalTokens int, trackedDUIDs int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return int(r.all.tokens), len(r.clients)
}
