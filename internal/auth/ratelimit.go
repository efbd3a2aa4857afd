package auth

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// PairingLimiter throttles repeated pairing failures per remote
// address. Successful exchanges are never throttled; only failed
// attempts consume budget, and once the burst is exhausted further
// attempts from that address are refused until tokens refill.
type PairingLimiter struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	rate     rate.Limit
	burst    int
}

// NewPairingLimiter creates a limiter allowing `burst` rapid failures
// per key, refilling one attempt per `refill`.
func NewPairingLimiter(refill time.Duration, burst int) *PairingLimiter {
	return &PairingLimiter{
		limiters: make(map[string]*rate.Limiter),
		rate:     rate.Every(refill),
		burst:    burst,
	}
}

// DefaultPairingLimiter allows six rapid failures, then one retry per
// thirty seconds.
func DefaultPairingLimiter() *PairingLimiter {
	return NewPairingLimiter(30*time.Second, 6)
}

func (p *PairingLimiter) getLimiter(key string) *rate.Limiter {
	p.mu.Lock()
	defer p.mu.Unlock()
	limiter, ok := p.limiters[key]
	if !ok {
		limiter = rate.NewLimiter(p.rate, p.burst)
		p.limiters[key] = limiter
	}
	return limiter
}

// Blocked reports whether an address has exhausted its failure budget
func (p *PairingLimiter) Blocked(key string) bool {
	return p.getLimiter(key).Tokens() < 1
}

// RecordFailure consumes one unit of the address's failure budget
func (p *PairingLimiter) RecordFailure(key string) {
	p.getLimiter(key).Allow()
}

// Cleanup drops all per-key state. Called periodically to bound memory.
func (p *PairingLimiter) Cleanup() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.limiters = make(map[string]*rate.Limiter)
}
