// Package ratelimit gates outbound traceroute probes to a configured rate
// with a bounded burst, using a token bucket.
package ratelimit

import (
	"context"
	"math"
	"sync"
	"time"

	"github.com/meshgw/tracemapper/internal/clock"
)

// Stats mirrors the original plugin's rate limiter statistics.
type Stats struct {
	Allowed       int64
	Delayed       int64
	TotalWaitTime time.Duration
	MaxWaitTime   time.Duration
}

func (s Stats) AverageWaitTime() time.Duration {
	if s.Delayed == 0 {
		return 0
	}

	return s.TotalWaitTime / time.Duration(s.Delayed)
}

// Limiter is a token bucket rate limiter with an injectable clock and
// dynamic rate reconfiguration.
type Limiter struct {
	mu sync.Mutex
	// acquireMu serializes Acquire callers; it is held for the whole wait.
	acquireMu sync.Mutex

	ratePerMinute float64
	burstMult     float64
	capacity      float64
	fillRate      float64 // tokens per second
	tokens        float64
	lastRefill    time.Time

	clock clock.Clock
	stats Stats
}

// New constructs a Limiter. ratePerMinute of 0 is legal (Acquire then never
// returns; callers must gate on a "should process" check first). Capacity
// is ratePerMinute × burstMultiplier tokens, refilling at ratePerMinute/60
// tokens per second.
func New(ratePerMinute, burstMultiplier float64, c clock.Clock) *Limiter {
	if c == nil {
		c = clock.SystemClock{}
	}
	capacity := ratePerMinute * burstMultiplier
	l := &Limiter{
		ratePerMinute: ratePerMinute,
		burstMult:     burstMultiplier,
		capacity:      capacity,
		fillRate:      ratePerMinute / 60.0,
		tokens:        capacity,
		lastRefill:    c.Now(),
		clock:         c,
	}

	return l
}

// refill must be called with mu held. A clock that has gone backward is
// treated as no time having elapsed.
func (l *Limiter) refill(now time.Time) {
	if now.Before(l.lastRefill) {
		return
	}
	elapsed := now.Sub(l.lastRefill).Seconds()
	if elapsed <= 0 {
		return
	}
	l.tokens = math.Min(l.capacity, l.tokens+elapsed*l.fillRate)
	l.lastRefill = now
}

// waitFor returns how long the caller must wait for one token to be
// available, assuming refill has just been applied. It must be called with
// mu held.
func (l *Limiter) waitFor() time.Duration {
	if l.tokens >= 1 {
		return 0
	}
	if l.fillRate <= 0 {
		return time.Duration(math.MaxInt64)
	}
	deficit := 1 - l.tokens

	return time.Duration(deficit / l.fillRate * float64(time.Second))
}

// Acquire blocks until a token is available, then consumes it. If ctx is
// canceled while waiting, Acquire returns ctx.Err() and consumes no token.
// Concurrent callers are served one at a time: each waits for the previous
// Acquire to return before it starts its own wait.
func (l *Limiter) Acquire(ctx context.Context) error {
	l.acquireMu.Lock()
	defer l.acquireMu.Unlock()

	for {
		l.mu.Lock()
		now := l.clock.Now()
		l.refill(now)
		wait := l.waitFor()
		if wait <= 0 {
			l.tokens--
			l.stats.Allowed++
			l.mu.Unlock()

			return nil
		}
		l.stats.Delayed++
		l.stats.TotalWaitTime += wait
		if wait > l.stats.MaxWaitTime {
			l.stats.MaxWaitTime = wait
		}
		l.mu.Unlock()

		timer := l.clock.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()

			return ctx.Err()
		case <-timer.C():
		}
	}
}

// SetRate updates the configured rate and capacity, scaling the current
// token count proportionally so a rate cut does not grant a free burst.
func (l *Limiter) SetRate(newRatePerMinute float64) {
	l.mu.Lock()
	defer l.mu.Unlock()

	newCapacity := newRatePerMinute * l.burstMult
	if l.capacity > 0 {
		l.tokens = l.tokens * (newCapacity / l.capacity)
	} else {
		l.tokens = newCapacity
	}
	if l.tokens > newCapacity {
		l.tokens = newCapacity
	}
	if l.tokens < 0 {
		l.tokens = 0
	}

	l.ratePerMinute = newRatePerMinute
	l.capacity = newCapacity
	l.fillRate = newRatePerMinute / 60.0
}

// SetBurstMultiplier updates the burst multiplier, recomputing capacity the
// same way SetRate does.
func (l *Limiter) SetBurstMultiplier(mult float64) {
	l.mu.Lock()
	defer l.mu.Unlock()

	newCapacity := l.ratePerMinute * mult
	if l.capacity > 0 {
		l.tokens = l.tokens * (newCapacity / l.capacity)
	} else {
		l.tokens = newCapacity
	}
	if l.tokens > newCapacity {
		l.tokens = newCapacity
	}

	l.burstMult = mult
	l.capacity = newCapacity
}

// Reset refills the bucket to capacity.
func (l *Limiter) Reset() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.tokens = l.capacity
	l.lastRefill = l.clock.Now()
}

func (l *Limiter) Stats() Stats {
	l.mu.Lock()
	defer l.mu.Unlock()

	return l.stats
}

func (l *Limiter) RatePerMinute() float64 {
	l.mu.Lock()
	defer l.mu.Unlock()

	return l.ratePerMinute
}
