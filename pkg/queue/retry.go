package queue

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/Sudo-Ivan/meshtx-go/pkg/debug"
)

const (
	// DefaultMaxRetries is the retry attempt budget per transaction.
	DefaultMaxRetries = 5

	// DefaultRetryMaxAge bounds how long a transaction may keep
	// retrying before it is abandoned.
	DefaultRetryMaxAge = 24 * time.Hour

	// maxBackoffExponent caps exponential growth so delays stay
	// bounded regardless of attempt count.
	maxBackoffExponent = 6
)

var (
	ErrMaxRetriesExceeded = errors.New("max retries exceeded")
	ErrMaxAgeExceeded     = errors.New("max retry age exceeded")
)

// BackoffStrategy computes the delay before a given retry attempt.
type BackoffStrategy interface {
	Delay(attempt int) time.Duration
}

// ExponentialBackoff doubles the delay per attempt: base, 2*base,
// 4*base, up to 2^6*base.
type ExponentialBackoff struct {
	Base time.Duration
}

func (b ExponentialBackoff) Delay(attempt int) time.Duration {
	exp := attempt
	if exp > maxBackoffExponent {
		exp = maxBackoffExponent
	}
	return b.Base * (1 << uint(exp))
}

// LinearBackoff grows the delay by a fixed increment per attempt.
type LinearBackoff struct {
	Increment time.Duration
}

func (b LinearBackoff) Delay(attempt int) time.Duration {
	return b.Increment * time.Duration(attempt+1)
}

// FixedBackoff retries at a constant interval.
type FixedBackoff struct {
	Interval time.Duration
}

func (b FixedBackoff) Delay(attempt int) time.Duration {
	return b.Interval
}

func DefaultBackoff() BackoffStrategy {
	return ExponentialBackoff{Base: 2 * time.Second}
}

// RetryItem is a failed transaction awaiting its next attempt.
type RetryItem struct {
	TxBytes       []byte    `msgpack:"tx_bytes"`
	TxID          string    `msgpack:"tx_id"`
	AttemptCount  int       `msgpack:"attempt_count"`
	LastError     string    `msgpack:"last_error"`
	NextRetryTime time.Time `msgpack:"next_retry_time"`
	CreatedAt     time.Time `msgpack:"created_at"`
}

// NewRetryItem records a first failure. The item is eligible
// immediately; backoff only applies from the second attempt on.
func NewRetryItem(txBytes []byte, txID string, errMsg string) RetryItem {
	now := time.Now()
	return RetryItem{
		TxBytes:       txBytes,
		TxID:          txID,
		LastError:     errMsg,
		NextRetryTime: now,
		CreatedAt:     now,
	}
}

// PrepareNextRetry advances the attempt count and schedules the item
// using the delay for the new count.
func (i *RetryItem) PrepareNextRetry(strategy BackoffStrategy) {
	i.AttemptCount++
	delay := strategy.Delay(i.AttemptCount)
	i.NextRetryTime = time.Now().Add(delay)
	debug.Log(debug.DEBUG_VERBOSE, "Scheduled retry",
		"tx_id", shortID(i.TxID), "attempt", i.AttemptCount, "delay", delay)
}

func (i *RetryItem) Ready() bool {
	return !time.Now().Before(i.NextRetryTime)
}

func (i *RetryItem) Age() time.Duration {
	return time.Since(i.CreatedAt)
}

func (i *RetryItem) TimeUntilRetry() time.Duration {
	until := time.Until(i.NextRetryTime)
	if until < 0 {
		return 0
	}
	return until
}

// RetryStats summarizes queue contents.
type RetryStats struct {
	Total            int
	ReadyNow         int
	AvgAttempts      float64
	OldestAgeSeconds int64
	NextRetryIn      time.Duration
	HasNext          bool
}

// RetryQueue schedules failed transactions for re-transmission,
// ordered by next retry time.
type RetryQueue struct {
	mu         sync.Mutex
	items      []RetryItem
	maxRetries int
	maxAge     time.Duration
	backoff    BackoffStrategy
}

func NewRetryQueue() *RetryQueue {
	return NewRetryQueueWithConfig(DefaultMaxRetries, DefaultBackoff())
}

func NewRetryQueueWithConfig(maxRetries int, backoff BackoffStrategy) *RetryQueue {
	return &RetryQueue{
		maxRetries: maxRetries,
		maxAge:     DefaultRetryMaxAge,
		backoff:    backoff,
	}
}

// Push schedules a retry at the item's own NextRetryTime. Items that
// have exhausted their attempt budget or outlived the maximum age are
// rejected.
func (q *RetryQueue) Push(item RetryItem) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.pushLocked(item)
}

// Reschedule advances a popped item after another failed attempt and
// re-enqueues it with backoff. An item whose new attempt count spends
// the retry budget is rejected; the caller must treat that as terminal
// for the transaction.
func (q *RetryQueue) Reschedule(item RetryItem) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	item.PrepareNextRetry(q.backoff)
	return q.pushLocked(item)
}

func (q *RetryQueue) pushLocked(item RetryItem) error {
	if item.AttemptCount >= q.maxRetries {
		return fmt.Errorf("%w: %s (%d/%d)",
			ErrMaxRetriesExceeded, shortID(item.TxID), item.AttemptCount, q.maxRetries)
	}
	if item.Age() > q.maxAge {
		return fmt.Errorf("%w: %s (age %s)",
			ErrMaxAgeExceeded, shortID(item.TxID), item.Age().Round(time.Second))
	}

	q.insertLocked(item)
	debug.Log(debug.DEBUG_INFO, "Added retry",
		"tx_id", shortID(item.TxID), "attempt", item.AttemptCount,
		"max_retries", q.maxRetries, "next_in", item.TimeUntilRetry().Round(time.Second))
	return nil
}

// insertLocked keeps items sorted by NextRetryTime ascending. Equal
// times preserve insertion order.
func (q *RetryQueue) insertLocked(item RetryItem) {
	idx := sort.Search(len(q.items), func(i int) bool {
		return q.items[i].NextRetryTime.After(item.NextRetryTime)
	})
	q.items = append(q.items, RetryItem{})
	copy(q.items[idx+1:], q.items[idx:])
	q.items[idx] = item
}

// PopReady removes and returns the earliest item whose retry time has
// arrived.
func (q *RetryQueue) PopReady() (RetryItem, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.items) == 0 || time.Now().Before(q.items[0].NextRetryTime) {
		return RetryItem{}, false
	}

	item := q.items[0]
	q.items = q.items[1:]
	debug.Log(debug.DEBUG_VERBOSE, "Popped retry item",
		"tx_id", shortID(item.TxID), "attempt", item.AttemptCount,
		"age", item.Age().Round(time.Second))
	return item, true
}

// PeekNext returns the earliest-scheduled item regardless of
// readiness.
func (q *RetryQueue) PeekNext() (RetryItem, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return RetryItem{}, false
	}
	return q.items[0], true
}

// NextRetryTime reports when the earliest item becomes ready.
func (q *RetryQueue) NextRetryTime() (time.Time, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return time.Time{}, false
	}
	return q.items[0].NextRetryTime, true
}

func (q *RetryQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

func (q *RetryQueue) Clear() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.items = nil
	debug.Log(debug.DEBUG_INFO, "Cleared retry queue")
}

// CleanupExpired drops items older than the maximum age and returns
// how many were removed.
func (q *RetryQueue) CleanupExpired() int {
	q.mu.Lock()
	defer q.mu.Unlock()

	kept := q.items[:0]
	removed := 0
	for _, item := range q.items {
		if item.Age() > q.maxAge {
			removed++
			debug.Log(debug.DEBUG_INFO, "Removed expired retry",
				"tx_id", shortID(item.TxID), "age", item.Age().Round(time.Hour))
			continue
		}
		kept = append(kept, item)
	}
	q.items = kept
	return removed
}

func (q *RetryQueue) AverageAttempts() float64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.averageAttemptsLocked()
}

func (q *RetryQueue) averageAttemptsLocked() float64 {
	if len(q.items) == 0 {
		return 0
	}
	total := 0
	for _, item := range q.items {
		total += item.AttemptCount
	}
	return float64(total) / float64(len(q.items))
}

func (q *RetryQueue) Stats() RetryStats {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.items) == 0 {
		return RetryStats{}
	}

	now := time.Now()
	ready := 0
	var oldest time.Duration
	for _, item := range q.items {
		if !now.Before(item.NextRetryTime) {
			ready++
		}
		if age := item.Age(); age > oldest {
			oldest = age
		}
	}

	next := q.items[0].NextRetryTime.Sub(now)
	if next < 0 {
		next = 0
	}

	return RetryStats{
		Total:            len(q.items),
		ReadyNow:         ready,
		AvgAttempts:      q.averageAttemptsLocked(),
		OldestAgeSeconds: int64(oldest / time.Second),
		NextRetryIn:      next,
		HasNext:          true,
	}
}

// Snapshot returns queued items in schedule order, for persistence.
func (q *RetryQueue) Snapshot() []RetryItem {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]RetryItem, len(q.items))
	copy(out, q.items)
	return out
}

// Restore replaces queue contents from a persisted snapshot,
// re-sorting by retry time.
func (q *RetryQueue) Restore(items []RetryItem) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.items = make([]RetryItem, len(items))
	copy(q.items, items)
	sort.SliceStable(q.items, func(i, j int) bool {
		return q.items[i].NextRetryTime.Before(q.items[j].NextRetryTime)
	})
}

// shortID truncates a transaction ID for log output.
func shortID(id string) string {
	if len(id) <= 8 {
		return id
	}
	return id[:8]
}
