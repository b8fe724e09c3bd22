// Package mesh implements flood routing for a broadcast-only multi-hop
// network: a deduplication cache keyed by message identity, a TTL and
// hop-count forward gate, and a reassembly table that turns received
// fragments back into complete payloads.
package mesh

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/Sudo-Ivan/meshtx-go/pkg/debug"
	"github.com/Sudo-Ivan/meshtx-go/pkg/fragment"
	"github.com/Sudo-Ivan/meshtx-go/pkg/packet"
)

const (
	// SeenCacheSize bounds the deduplication cache. Eviction is
	// expired-first, then oldest-entry.
	SeenCacheSize = 1000

	// SeenCacheTTL is how long a message identity stays in the cache.
	SeenCacheTTL = 600 * time.Second

	// ReassemblyTimeout is how long an incomplete transaction may wait
	// for its remaining fragments, measured from the first fragment.
	ReassemblyTimeout = 60 * time.Second

	// MaxIncompleteTransactions bounds the reassembly table.
	MaxIncompleteTransactions = 50
)

var ErrFragmentRejected = errors.New("fragment rejected")

type seenEntry struct {
	seenAt   time.Time
	hopCount byte
	seq      uint64
}

type pendingTransaction struct {
	total     uint16
	parts     map[uint16][]byte
	firstSeen time.Time
	seq       uint64
}

// Router makes forward/drop decisions and owns the reassembly state.
// The seen cache, the incomplete table and the completed list are
// guarded independently so that forwarding decisions never wait on
// reassembly work.
type Router struct {
	nodeID uuid.UUID

	seenMu sync.RWMutex
	seen   map[uuid.UUID]seenEntry

	txMu       sync.RWMutex
	incomplete map[[32]byte]*pendingTransaction

	doneMu    sync.RWMutex
	completed [][]byte

	seq atomic.Uint64
}

// Stats is a point-in-time snapshot of router state sizes.
type Stats struct {
	NodeID                 uuid.UUID
	SeenMessages           int
	IncompleteTransactions int
	CompletedTransactions  int
}

func NewRouter(nodeID uuid.UUID) *Router {
	return &Router{
		nodeID:     nodeID,
		seen:       make(map[uuid.UUID]seenEntry),
		incomplete: make(map[[32]byte]*pendingTransaction),
	}
}

func (r *Router) NodeID() uuid.UUID {
	return r.nodeID
}

// Seen reports whether this node has already handled the message.
func (r *Router) Seen(messageID uuid.UUID) bool {
	r.seenMu.RLock()
	defer r.seenMu.RUnlock()
	_, ok := r.seen[messageID]
	return ok
}

// ShouldForward is the flood-control gate: a packet is relayed only if
// it has not been seen and still has TTL and hop budget left.
func (r *Router) ShouldForward(h *packet.Header) bool {
	if r.Seen(h.MessageID) {
		debug.Log(debug.DEBUG_PACKETS, "Message already seen, dropping", "message_id", h.MessageID)
		return false
	}
	if h.TTL == 0 {
		debug.Log(debug.DEBUG_PACKETS, "Message TTL exhausted, dropping", "message_id", h.MessageID)
		return false
	}
	if h.HopCount >= packet.MaxHops {
		debug.Log(debug.DEBUG_PACKETS, "Message exceeded hop limit, dropping",
			"message_id", h.MessageID, "hop_count", h.HopCount)
		return false
	}
	return true
}

// MarkSeen records a message identity in the deduplication cache. When
// the cache is full, expired entries are purged first and the oldest
// remaining entry is evicted if purging freed nothing.
func (r *Router) MarkSeen(messageID uuid.UUID, hopCount byte) {
	r.seenMu.Lock()
	defer r.seenMu.Unlock()

	if len(r.seen) >= SeenCacheSize {
		now := time.Now()
		for id, entry := range r.seen {
			if now.Sub(entry.seenAt) >= SeenCacheTTL {
				delete(r.seen, id)
			}
		}
		for len(r.seen) >= SeenCacheSize {
			var oldest uuid.UUID
			oldestSeq := ^uint64(0)
			for id, entry := range r.seen {
				if entry.seq < oldestSeq {
					oldestSeq = entry.seq
					oldest = id
				}
			}
			delete(r.seen, oldest)
		}
	}

	r.seen[messageID] = seenEntry{seenAt: time.Now(), hopCount: hopCount, seq: r.seq.Add(1)}
}

// ProcessFragment feeds one received fragment into the reassembly
// table. It returns the reconstructed payload when the fragment
// completes its set, nil while the set is still partial. A fragment
// whose metadata conflicts with the stored transaction is rejected; a
// re-delivered index is ignored, the first copy wins.
func (r *Router) ProcessFragment(f fragment.Fragment) ([]byte, error) {
	if f.Index >= f.Total {
		return nil, fmt.Errorf("%w: index %d out of range for %d fragments",
			ErrFragmentRejected, f.Index, f.Total)
	}
	if f.Total > fragment.MaxFragments {
		return nil, fmt.Errorf("%w: %d fragments exceeds limit %d",
			ErrFragmentRejected, f.Total, fragment.MaxFragments)
	}

	r.txMu.Lock()
	defer r.txMu.Unlock()

	tx, ok := r.incomplete[f.TransactionID]
	if !ok {
		if len(r.incomplete) >= MaxIncompleteTransactions {
			r.evictOldestPendingLocked()
		}
		tx = &pendingTransaction{
			total:     f.Total,
			parts:     make(map[uint16][]byte),
			firstSeen: time.Now(),
			seq:       r.seq.Add(1),
		}
		r.incomplete[f.TransactionID] = tx
	} else if tx.total != f.Total {
		return nil, fmt.Errorf("%w: total %d disagrees with transaction's %d",
			ErrFragmentRejected, f.Total, tx.total)
	}

	if _, dup := tx.parts[f.Index]; !dup {
		tx.parts[f.Index] = f.Data
	}

	if len(tx.parts) < int(tx.total) {
		debug.Log(debug.DEBUG_VERBOSE, "Transaction reassembly progress",
			"received", len(tx.parts), "total", tx.total)
		return nil, nil
	}

	fragments := make([]fragment.Fragment, 0, tx.total)
	for index, data := range tx.parts {
		fragments = append(fragments, fragment.Fragment{
			TransactionID: f.TransactionID,
			Index:         index,
			Total:         tx.total,
			Data:          data,
		})
	}

	// Complete sets are removed whether or not reconstruction
	// succeeds: with first-copy-wins slots a damaged set can never
	// heal, and removing it lets a retransmission start clean.
	delete(r.incomplete, f.TransactionID)

	payload, err := fragment.Reassemble(fragments)
	if err != nil {
		return nil, fmt.Errorf("reassembly failed: %w", err)
	}

	stored := make([]byte, len(payload))
	copy(stored, payload)
	r.doneMu.Lock()
	r.completed = append(r.completed, stored)
	r.doneMu.Unlock()

	debug.Log(debug.DEBUG_INFO, "Transaction reconstructed", "bytes", len(payload))
	return payload, nil
}

func (r *Router) evictOldestPendingLocked() {
	var oldest [32]byte
	oldestSeq := ^uint64(0)
	for id, tx := range r.incomplete {
		if tx.seq < oldestSeq {
			oldestSeq = tx.seq
			oldest = id
		}
	}
	delete(r.incomplete, oldest)
	debug.Log(debug.DEBUG_VERBOSE, "Evicted oldest incomplete transaction")
}

// CleanupExpired drops incomplete transactions older than the
// reassembly timeout and purges expired entries from the seen cache.
// It returns how many incomplete transactions were dropped.
func (r *Router) CleanupExpired() int {
	now := time.Now()

	r.txMu.Lock()
	removed := 0
	for id, tx := range r.incomplete {
		if now.Sub(tx.firstSeen) > ReassemblyTimeout {
			delete(r.incomplete, id)
			removed++
		}
	}
	r.txMu.Unlock()

	r.seenMu.Lock()
	for id, entry := range r.seen {
		if now.Sub(entry.seenAt) >= SeenCacheTTL {
			delete(r.seen, id)
		}
	}
	r.seenMu.Unlock()

	if removed > 0 {
		debug.Log(debug.DEBUG_VERBOSE, "Cleaned up expired incomplete transactions", "count", removed)
	}
	return removed
}

// CompletedTransactions returns a copy of the completed payload list.
func (r *Router) CompletedTransactions() [][]byte {
	r.doneMu.RLock()
	defer r.doneMu.RUnlock()
	out := make([][]byte, len(r.completed))
	copy(out, r.completed)
	return out
}

// DrainCompleted returns all completed payloads and empties the list.
func (r *Router) DrainCompleted() [][]byte {
	r.doneMu.Lock()
	defer r.doneMu.Unlock()
	out := r.completed
	r.completed = nil
	return out
}

func (r *Router) ClearCompleted() {
	r.doneMu.Lock()
	defer r.doneMu.Unlock()
	r.completed = nil
}

func (r *Router) Stats() Stats {
	r.seenMu.RLock()
	seen := len(r.seen)
	r.seenMu.RUnlock()

	r.txMu.RLock()
	incomplete := len(r.incomplete)
	r.txMu.RUnlock()

	r.doneMu.RLock()
	completed := len(r.completed)
	r.doneMu.RUnlock()

	return Stats{
		NodeID:                 r.nodeID,
		SeenMessages:           seen,
		IncompleteTransactions: incomplete,
		CompletedTransactions:  completed,
	}
}
