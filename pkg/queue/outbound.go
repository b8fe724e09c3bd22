// Package queue implements the transmission-side buffering for mesh
// payloads: a priority outbound queue with duplicate rejection, a
// time-scheduled retry queue with pluggable backoff, a hop-bounded
// confirmation relay queue, and a manager that composes them with
// debounced persistence.
package queue

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/Sudo-Ivan/meshtx-go/pkg/debug"
)

const (
	// DefaultOutboundCapacity bounds the outbound queue across all
	// priority lanes.
	DefaultOutboundCapacity = 1000

	// DefaultTransmitRetries is the per-transaction transmission
	// retry budget.
	DefaultTransmitRetries = 3
)

var (
	ErrDuplicateTransaction = errors.New("transaction already queued")
	ErrQueueFull            = errors.New("queue full")
)

// Priority orders outbound transactions. Higher values drain first.
type Priority int

const (
	PriorityLow    Priority = 0
	PriorityNormal Priority = 1
	PriorityHigh   Priority = 2
)

func (p Priority) String() string {
	switch p {
	case PriorityHigh:
		return "high"
	case PriorityNormal:
		return "normal"
	case PriorityLow:
		return "low"
	default:
		return "unknown"
	}
}

// OutboundTransaction is a payload awaiting transmission. Only the
// original bytes are carried; fragments are derived at send time, so a
// change of transport MTU never invalidates queued state.
type OutboundTransaction struct {
	TxID          string   `msgpack:"tx_id"`
	OriginalBytes []byte   `msgpack:"original_bytes"`
	Priority      Priority `msgpack:"priority"`
	CreatedAt     int64    `msgpack:"created_at"`
	RetryCount    int      `msgpack:"retry_count"`
	MaxRetries    int      `msgpack:"max_retries"`
}

func NewOutboundTransaction(txID string, original []byte, priority Priority) OutboundTransaction {
	return OutboundTransaction{
		TxID:          txID,
		OriginalBytes: original,
		Priority:      priority,
		CreatedAt:     time.Now().Unix(),
		MaxRetries:    DefaultTransmitRetries,
	}
}

func (t *OutboundTransaction) ExceededRetries() bool {
	return t.RetryCount >= t.MaxRetries
}

func (t *OutboundTransaction) IncrementRetry() {
	t.RetryCount++
}

func (t *OutboundTransaction) AgeSeconds() int64 {
	age := time.Now().Unix() - t.CreatedAt
	if age < 0 {
		return 0
	}
	return age
}

// OutboundStats summarizes queue contents.
type OutboundStats struct {
	Total            int
	HighPriority     int
	NormalPriority   int
	LowPriority      int
	OldestAgeSeconds int64
}

// OutboundQueue is a bounded three-lane priority queue with O(1)
// duplicate rejection by transaction ID.
type OutboundQueue struct {
	mu      sync.Mutex
	high    []OutboundTransaction
	normal  []OutboundTransaction
	low     []OutboundTransaction
	known   map[string]struct{}
	maxSize int
}

func NewOutboundQueue() *OutboundQueue {
	return NewOutboundQueueWithCapacity(DefaultOutboundCapacity)
}

func NewOutboundQueueWithCapacity(maxSize int) *OutboundQueue {
	return &OutboundQueue{
		known:   make(map[string]struct{}),
		maxSize: maxSize,
	}
}

// Push enqueues a transaction. Duplicates are rejected. At capacity the
// oldest low-priority transaction is dropped to make room; if the low
// lane is empty the push fails.
func (q *OutboundQueue) Push(tx OutboundTransaction) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if _, dup := q.known[tx.TxID]; dup {
		return fmt.Errorf("%w: %s", ErrDuplicateTransaction, tx.TxID)
	}

	if q.lenLocked() >= q.maxSize {
		if len(q.low) == 0 {
			return fmt.Errorf("%w: max size %d", ErrQueueFull, q.maxSize)
		}
		dropped := q.low[0]
		q.low = q.low[1:]
		delete(q.known, dropped.TxID)
		debug.Log(debug.DEBUG_ERROR, "Outbound queue full, dropped low priority transaction",
			"tx_id", dropped.TxID, "max_size", q.maxSize)
	}

	q.known[tx.TxID] = struct{}{}
	switch tx.Priority {
	case PriorityHigh:
		q.high = append(q.high, tx)
	case PriorityLow:
		q.low = append(q.low, tx)
	default:
		q.normal = append(q.normal, tx)
	}

	debug.Log(debug.DEBUG_VERBOSE, "Queued outbound transaction",
		"tx_id", tx.TxID, "priority", tx.Priority.String(), "queue_size", q.lenLocked())
	return nil
}

// Pop removes and returns the next transaction, draining the high lane
// before normal before low.
func (q *OutboundQueue) Pop() (OutboundTransaction, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	var tx OutboundTransaction
	switch {
	case len(q.high) > 0:
		tx, q.high = q.high[0], q.high[1:]
	case len(q.normal) > 0:
		tx, q.normal = q.normal[0], q.normal[1:]
	case len(q.low) > 0:
		tx, q.low = q.low[0], q.low[1:]
	default:
		return OutboundTransaction{}, false
	}

	delete(q.known, tx.TxID)
	return tx, true
}

// Peek returns the next transaction without removing it.
func (q *OutboundQueue) Peek() (OutboundTransaction, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	switch {
	case len(q.high) > 0:
		return q.high[0], true
	case len(q.normal) > 0:
		return q.normal[0], true
	case len(q.low) > 0:
		return q.low[0], true
	default:
		return OutboundTransaction{}, false
	}
}

func (q *OutboundQueue) Contains(txID string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	_, ok := q.known[txID]
	return ok
}

func (q *OutboundQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.lenLocked()
}

func (q *OutboundQueue) lenLocked() int {
	return len(q.high) + len(q.normal) + len(q.low)
}

func (q *OutboundQueue) LenPriority(p Priority) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	switch p {
	case PriorityHigh:
		return len(q.high)
	case PriorityNormal:
		return len(q.normal)
	default:
		return len(q.low)
	}
}

func (q *OutboundQueue) Clear() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.high = nil
	q.normal = nil
	q.low = nil
	q.known = make(map[string]struct{})
}

// CleanupStale removes transactions older than maxAge from every lane
// and rebuilds the duplicate index from what remains.
func (q *OutboundQueue) CleanupStale(maxAge time.Duration) int {
	q.mu.Lock()
	defer q.mu.Unlock()

	maxAgeSecs := int64(maxAge / time.Second)
	removed := 0
	for _, lane := range []*[]OutboundTransaction{&q.high, &q.normal, &q.low} {
		kept := (*lane)[:0]
		for _, tx := range *lane {
			if tx.AgeSeconds() < maxAgeSecs {
				kept = append(kept, tx)
			} else {
				removed++
			}
		}
		*lane = kept
	}

	q.known = make(map[string]struct{}, q.lenLocked())
	for _, lane := range [][]OutboundTransaction{q.high, q.normal, q.low} {
		for _, tx := range lane {
			q.known[tx.TxID] = struct{}{}
		}
	}

	if removed > 0 {
		debug.Log(debug.DEBUG_INFO, "Cleaned up stale outbound transactions",
			"count", removed, "max_age", maxAge)
	}
	return removed
}

func (q *OutboundQueue) Stats() OutboundStats {
	q.mu.Lock()
	defer q.mu.Unlock()

	stats := OutboundStats{
		Total:          q.lenLocked(),
		HighPriority:   len(q.high),
		NormalPriority: len(q.normal),
		LowPriority:    len(q.low),
	}

	var oldest *OutboundTransaction
	for _, lane := range [][]OutboundTransaction{q.high, q.normal, q.low} {
		if len(lane) > 0 {
			front := &lane[0]
			if oldest == nil || front.CreatedAt < oldest.CreatedAt {
				oldest = front
			}
		}
	}
	if oldest != nil {
		stats.OldestAgeSeconds = oldest.AgeSeconds()
	}
	return stats
}

// Snapshot returns every queued transaction in drain order, for
// persistence.
func (q *OutboundQueue) Snapshot() []OutboundTransaction {
	q.mu.Lock()
	defer q.mu.Unlock()

	out := make([]OutboundTransaction, 0, q.lenLocked())
	out = append(out, q.high...)
	out = append(out, q.normal...)
	out = append(out, q.low...)
	return out
}

// Restore replaces queue contents from a persisted snapshot, routing
// each transaction back to its priority lane and skipping duplicates.
func (q *OutboundQueue) Restore(items []OutboundTransaction) {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.high = nil
	q.normal = nil
	q.low = nil
	q.known = make(map[string]struct{}, len(items))

	for _, tx := range items {
		if _, dup := q.known[tx.TxID]; dup {
			continue
		}
		q.known[tx.TxID] = struct{}{}
		switch tx.Priority {
		case PriorityHigh:
			q.high = append(q.high, tx)
		case PriorityLow:
			q.low = append(q.low, tx)
		default:
			q.normal = append(q.normal, tx)
		}
	}
}
