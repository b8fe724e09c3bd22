package queue

import (
	"encoding/hex"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/Sudo-Ivan/meshtx-go/pkg/debug"
)

const (
	// DefaultConfirmationCapacity bounds the confirmation relay queue.
	DefaultConfirmationCapacity = 500

	// DefaultConfirmationTTL is how long a confirmation stays
	// relayable before it is swept.
	DefaultConfirmationTTL = time.Hour

	// DefaultConfirmationHops bounds how many times a confirmation
	// may be re-broadcast across the mesh.
	DefaultConfirmationHops = 5
)

var ErrMaxHopsExceeded = errors.New("confirmation exceeded max hops")

// Confirmation is a submission outcome travelling back toward the
// transaction's origin. Confirmed carries a signature on success and an
// error message on failure.
type Confirmation struct {
	OriginalTxID [32]byte `msgpack:"original_tx_id"`
	Confirmed    bool     `msgpack:"confirmed"`
	Signature    string   `msgpack:"signature"`
	Error        string   `msgpack:"error"`
	Timestamp    int64    `msgpack:"timestamp"`
	RelayCount   uint8    `msgpack:"relay_count"`
	MaxHops      uint8    `msgpack:"max_hops"`
}

func NewSuccessConfirmation(originalTxID [32]byte, signature string) Confirmation {
	c := newConfirmation(originalTxID)
	c.Confirmed = true
	c.Signature = signature
	return c
}

func NewFailureConfirmation(originalTxID [32]byte, errMsg string) Confirmation {
	c := newConfirmation(originalTxID)
	c.Error = errMsg
	return c
}

func newConfirmation(originalTxID [32]byte) Confirmation {
	return Confirmation{
		OriginalTxID: originalTxID,
		Timestamp:    time.Now().Unix(),
		MaxHops:      DefaultConfirmationHops,
	}
}

func (c *Confirmation) ExceededHops() bool {
	return c.RelayCount >= c.MaxHops
}

// IncrementRelay counts one more mesh hop. It reports false once the
// hop budget is spent, leaving the count unchanged.
func (c *Confirmation) IncrementRelay() bool {
	if c.ExceededHops() {
		return false
	}
	c.RelayCount++
	return true
}

func (c *Confirmation) AgeSeconds() int64 {
	age := time.Now().Unix() - c.Timestamp
	if age < 0 {
		return 0
	}
	return age
}

func (c *Confirmation) Expired(ttl time.Duration) bool {
	return c.AgeSeconds() > int64(ttl/time.Second)
}

func (c *Confirmation) TxIDHex() string {
	return hex.EncodeToString(c.OriginalTxID[:])
}

// ConfirmationStats summarizes queue contents.
type ConfirmationStats struct {
	Total         int
	SuccessCount  int
	FailedCount   int
	AvgAgeSeconds int64
	MaxRelayHops  uint8
}

// ConfirmationQueue holds confirmations pending relay, in FIFO order.
type ConfirmationQueue struct {
	mu      sync.Mutex
	pending []Confirmation
	maxSize int
	ttl     time.Duration
}

func NewConfirmationQueue() *ConfirmationQueue {
	return NewConfirmationQueueWithCapacity(DefaultConfirmationCapacity)
}

func NewConfirmationQueueWithCapacity(maxSize int) *ConfirmationQueue {
	return NewConfirmationQueueWithTTL(maxSize, DefaultConfirmationTTL)
}

func NewConfirmationQueueWithTTL(maxSize int, ttl time.Duration) *ConfirmationQueue {
	return &ConfirmationQueue{
		maxSize: maxSize,
		ttl:     ttl,
	}
}

// Push enqueues a confirmation for relay. A confirmation whose hop
// budget is already spent is rejected. At capacity the oldest pending
// confirmation is dropped to make room.
func (q *ConfirmationQueue) Push(c Confirmation) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if c.ExceededHops() {
		return fmt.Errorf("%w: tx %s (%d/%d)",
			ErrMaxHopsExceeded, shortID(c.TxIDHex()), c.RelayCount, c.MaxHops)
	}

	if len(q.pending) >= q.maxSize {
		dropped := q.pending[0]
		q.pending = q.pending[1:]
		debug.Log(debug.DEBUG_ERROR, "Confirmation queue full, dropped oldest",
			"max_size", q.maxSize, "tx_id", shortID(dropped.TxIDHex()))
	}

	q.pending = append(q.pending, c)
	debug.Log(debug.DEBUG_VERBOSE, "Queued confirmation",
		"tx_id", shortID(c.TxIDHex()), "hops", c.RelayCount,
		"max_hops", c.MaxHops, "queue_size", len(q.pending))
	return nil
}

// Pop removes and returns the oldest pending confirmation.
func (q *ConfirmationQueue) Pop() (Confirmation, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.pending) == 0 {
		return Confirmation{}, false
	}
	c := q.pending[0]
	q.pending = q.pending[1:]
	debug.Log(debug.DEBUG_VERBOSE, "Popped confirmation",
		"tx_id", shortID(c.TxIDHex()), "remaining", len(q.pending))
	return c, true
}

func (q *ConfirmationQueue) Peek() (Confirmation, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.pending) == 0 {
		return Confirmation{}, false
	}
	return q.pending[0], true
}

func (q *ConfirmationQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}

func (q *ConfirmationQueue) Clear() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.pending = nil
	debug.Log(debug.DEBUG_INFO, "Cleared confirmation queue")
}

// CleanupExpired drops confirmations older than the queue TTL and
// returns how many were removed.
func (q *ConfirmationQueue) CleanupExpired() int {
	q.mu.Lock()
	defer q.mu.Unlock()

	kept := q.pending[:0]
	removed := 0
	for _, c := range q.pending {
		if c.Expired(q.ttl) {
			removed++
			debug.Log(debug.DEBUG_INFO, "Removed expired confirmation",
				"tx_id", shortID(c.TxIDHex()), "age_seconds", c.AgeSeconds())
			continue
		}
		kept = append(kept, c)
	}
	q.pending = kept
	return removed
}

func (q *ConfirmationQueue) Stats() ConfirmationStats {
	q.mu.Lock()
	defer q.mu.Unlock()

	stats := ConfirmationStats{Total: len(q.pending)}
	var ageSum int64
	for _, c := range q.pending {
		if c.Confirmed {
			stats.SuccessCount++
		} else {
			stats.FailedCount++
		}
		ageSum += c.AgeSeconds()
		if c.RelayCount > stats.MaxRelayHops {
			stats.MaxRelayHops = c.RelayCount
		}
	}
	if len(q.pending) > 0 {
		stats.AvgAgeSeconds = ageSum / int64(len(q.pending))
	}
	return stats
}

// Snapshot returns pending confirmations in relay order, for
// persistence.
func (q *ConfirmationQueue) Snapshot() []Confirmation {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]Confirmation, len(q.pending))
	copy(out, q.pending)
	return out
}

// Restore replaces queue contents from a persisted snapshot.
func (q *ConfirmationQueue) Restore(items []Confirmation) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.pending = make([]Confirmation, len(items))
	copy(q.pending, items)
}
