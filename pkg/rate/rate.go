// Package rate bounds the byte budget handed to a transport adapter.
package rate

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

// ErrTooLarge reports a request bigger than the bucket can ever hold.
var ErrTooLarge = errors.New("request exceeds burst capacity")

// Limiter is a token bucket measured in bytes. A full bucket holds burst
// bytes and refills at rate bytes per second.
type Limiter struct {
	mutex      sync.Mutex
	rate       float64
	burst      float64
	allowance  float64
	lastUpdate time.Time
}

// NewLimiter returns a full bucket. Non-positive arguments are clamped
// to one so the limiter never divides by zero.
func NewLimiter(bytesPerSec, burst int) *Limiter {
	if bytesPerSec <= 0 {
		bytesPerSec = 1
	}
	if burst <= 0 {
		burst = 1
	}

	return &Limiter{
		rate:       float64(bytesPerSec),
		burst:      float64(burst),
		allowance:  float64(burst),
		lastUpdate: time.Now(),
	}
}

func (l *Limiter) refillLocked(now time.Time) {
	elapsed := now.Sub(l.lastUpdate)
	l.lastUpdate = now

	l.allowance += elapsed.Seconds() * l.rate
	if l.allowance > l.burst {
		l.allowance = l.burst
	}
}

// Allow reports whether n bytes fit in the current budget and consumes
// them when they do. Requests above the burst capacity never fit.
func (l *Limiter) Allow(n int) bool {
	if n <= 0 {
		return true
	}

	l.mutex.Lock()
	defer l.mutex.Unlock()

	l.refillLocked(time.Now())

	need := float64(n)
	if need > l.burst || need > l.allowance {
		return false
	}

	l.allowance -= need
	return true
}

// Wait blocks until n bytes fit in the budget or ctx is done.
func (l *Limiter) Wait(ctx context.Context, n int) error {
	if n <= 0 {
		return nil
	}

	need := float64(n)
	if need > l.burst {
		return fmt.Errorf("%w: %d bytes, burst %d", ErrTooLarge, n, int(l.burst))
	}

	for {
		l.mutex.Lock()
		l.refillLocked(time.Now())
		if l.allowance >= need {
			l.allowance -= need
			l.mutex.Unlock()
			return nil
		}
		shortfall := need - l.allowance
		l.mutex.Unlock()

		delay := time.Duration(shortfall / l.rate * float64(time.Second))
		if delay < time.Millisecond {
			delay = time.Millisecond
		}

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

// Available returns the whole bytes currently in the bucket.
func (l *Limiter) Available() int {
	l.mutex.Lock()
	defer l.mutex.Unlock()

	l.refillLocked(time.Now())
	return int(l.allowance)
}
