package rate

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestAllowWithinBurst(t *testing.T) {
	l := NewLimiter(1, 100)

	if !l.Allow(60) {
		t.Error("Allow(60) = false with a full bucket")
	}
	if l.Allow(50) {
		t.Error("Allow(50) = true with only 40 bytes left")
	}
	if !l.Allow(40) {
		t.Error("Allow(40) = false with 40 bytes left")
	}
	if l.Allow(1) {
		t.Error("Allow(1) = true with an empty bucket")
	}
}

func TestAllowOversizedRequest(t *testing.T) {
	l := NewLimiter(1000, 64)

	if l.Allow(65) {
		t.Error("Allow() accepted a request above burst capacity")
	}
	if !l.Allow(64) {
		t.Error("Allow() rejected a request exactly at burst capacity")
	}
}

func TestAllowNonPositive(t *testing.T) {
	l := NewLimiter(1, 1)

	if !l.Allow(0) {
		t.Error("Allow(0) = false")
	}
	if !l.Allow(-5) {
		t.Error("Allow(-5) = false")
	}
}

func TestRefill(t *testing.T) {
	l := NewLimiter(100000, 1000)

	if !l.Allow(1000) {
		t.Fatal("Allow(1000) = false with a full bucket")
	}
	time.Sleep(50 * time.Millisecond)

	if !l.Allow(1000) {
		t.Error("Allow(1000) = false after refill interval")
	}
}

func TestWaitImmediate(t *testing.T) {
	l := NewLimiter(1, 100)

	if err := l.Wait(context.Background(), 50); err != nil {
		t.Errorf("Wait() error = %v with a full bucket", err)
	}
}

func TestWaitBlocksUntilRefill(t *testing.T) {
	l := NewLimiter(100000, 500)
	if !l.Allow(500) {
		t.Fatal("Allow(500) = false with a full bucket")
	}

	start := time.Now()
	if err := l.Wait(context.Background(), 500); err != nil {
		t.Fatalf("Wait() error = %v", err)
	}
	elapsed := time.Since(start)

	if elapsed < 2*time.Millisecond {
		t.Errorf("Wait() returned after %v; expected to block for the refill", elapsed)
	}
	if elapsed > 2*time.Second {
		t.Errorf("Wait() blocked for %v; refill should take ~5ms", elapsed)
	}
}

func TestWaitCanceled(t *testing.T) {
	l := NewLimiter(1, 10)
	if !l.Allow(10) {
		t.Fatal("Allow(10) = false with a full bucket")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	err := l.Wait(ctx, 10)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Wait() error = %v; want context.DeadlineExceeded", err)
	}
}

func TestWaitOversizedRequest(t *testing.T) {
	l := NewLimiter(1000, 64)

	err := l.Wait(context.Background(), 65)
	if !errors.Is(err, ErrTooLarge) {
		t.Errorf("Wait() error = %v; want ErrTooLarge", err)
	}
}

func TestAvailable(t *testing.T) {
	l := NewLimiter(1, 100)

	if got := l.Available(); got != 100 {
		t.Errorf("Available() = %d; want 100", got)
	}

	l.Allow(30)
	if got := l.Available(); got < 70 || got > 71 {
		t.Errorf("Available() = %d; want ~70", got)
	}
}

func TestConcurrentAllow(t *testing.T) {
	l := NewLimiter(1, 50)

	var granted atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if l.Allow(10) {
				granted.Add(1)
			}
		}()
	}
	wg.Wait()

	if got := granted.Load(); got != 5 {
		t.Errorf("granted %d requests of 10 bytes; want 5 within a 50-byte burst", got)
	}
}

func TestNewLimiterClampsArguments(t *testing.T) {
	l := NewLimiter(0, -1)

	if !l.Allow(1) {
		t.Error("Allow(1) = false on a clamped limiter")
	}
	if l.Allow(1) {
		t.Error("Allow(1) = true after the single clamped byte was spent")
	}
}

func BenchmarkAllow(b *testing.B) {
	l := NewLimiter(1<<40, 1<<30)

	b.ReportAllocs()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		l.Allow(1)
	}
}
