// Package broadcast tracks fan-out of fragmented payloads to connected
// peers: which fragment reached which peer, which transmissions need a
// retry, and when a broadcast as a whole is done, dead or stale.
package broadcast

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/Sudo-Ivan/meshtx-go/pkg/debug"
	"github.com/Sudo-Ivan/meshtx-go/pkg/fragment"
	"github.com/Sudo-Ivan/meshtx-go/pkg/packet"
)

const (
	// Timeout is the maximum age of a broadcast before it is marked
	// timed out.
	Timeout = 300 * time.Second

	// MaxRetries bounds transmission attempts per fragment per peer.
	MaxRetries = 3

	// RetryInterval is the minimum gap between attempts for the same
	// fragment to the same peer.
	RetryInterval = 2 * time.Second
)

var (
	ErrNoPeers          = errors.New("no peers available for broadcast")
	ErrUnknownBroadcast = errors.New("broadcast not found")
	ErrUnknownPeer      = errors.New("peer not part of broadcast")
	ErrFinished         = errors.New("broadcast already finished")
)

type Status int

const (
	StatusInProgress Status = iota
	StatusCompleted
	StatusFailed
	StatusTimedOut
)

func (s Status) String() string {
	switch s {
	case StatusInProgress:
		return "in_progress"
	case StatusCompleted:
		return "completed"
	case StatusFailed:
		return "failed"
	case StatusTimedOut:
		return "timed_out"
	default:
		return "unknown"
	}
}

// peerProgress tracks one peer's view of one broadcast.
type peerProgress struct {
	sent        map[uint16]struct{}
	pending     map[uint16]struct{}
	retryCounts map[uint16]int
	lastRetry   map[uint16]time.Time
}

func newPeerProgress(totalFragments uint16) *peerProgress {
	pending := make(map[uint16]struct{}, totalFragments)
	for i := uint16(0); i < totalFragments; i++ {
		pending[i] = struct{}{}
	}
	return &peerProgress{
		sent:        make(map[uint16]struct{}),
		pending:     pending,
		retryCounts: make(map[uint16]int),
		lastRetry:   make(map[uint16]time.Time),
	}
}

func (p *peerProgress) markSent(index uint16) {
	delete(p.pending, index)
	p.sent[index] = struct{}{}
	delete(p.retryCounts, index)
	delete(p.lastRetry, index)
}

// needsRetry reports whether a fragment should be transmitted to this
// peer now: still pending, attempts left, and either never attempted
// or the retry interval has elapsed.
func (p *peerProgress) needsRetry(index uint16) bool {
	if _, pending := p.pending[index]; !pending {
		return false
	}
	if p.retryCounts[index] >= MaxRetries {
		return false
	}
	last, ok := p.lastRetry[index]
	if !ok {
		return true
	}
	return time.Since(last) >= RetryInterval
}

func (p *peerProgress) recordRetry(index uint16) {
	p.retryCounts[index]++
	p.lastRetry[index] = time.Now()
}

func (p *peerProgress) complete() bool {
	return len(p.pending) == 0
}

func (p *peerProgress) completionPercent() float64 {
	total := len(p.sent) + len(p.pending)
	if total == 0 {
		return 100.0
	}
	return float64(len(p.sent)) / float64(total) * 100.0
}

type state struct {
	fragments []fragment.Fragment
	peers     map[string]*peerProgress
	status    Status
	startedAt time.Time
}

func (s *state) overallCompletion() float64 {
	if len(s.peers) == 0 {
		return 0.0
	}
	sum := 0.0
	for _, p := range s.peers {
		sum += p.completionPercent()
	}
	return sum / float64(len(s.peers))
}

func (s *state) complete() bool {
	for _, p := range s.peers {
		if !p.complete() {
			return false
		}
	}
	return true
}

func (s *state) timedOut() bool {
	return time.Since(s.startedAt) > Timeout
}

func (s *state) updateStatus() {
	if s.status != StatusInProgress {
		return
	}
	if s.timedOut() {
		s.status = StatusTimedOut
	} else if s.complete() {
		s.status = StatusCompleted
	}
}

// Info is a snapshot of one broadcast's progress.
type Info struct {
	TransactionID  [32]byte
	Status         Status
	StartedAt      time.Time
	TotalPeers     int
	FragmentCount  int
	Completion     float64
	PeerCompletion map[string]float64
}

// Statistics summarizes all tracked broadcasts.
type Statistics struct {
	TotalBroadcasts     int
	ActiveBroadcasts    int
	CompletedBroadcasts int
	FailedBroadcasts    int
	AverageCompletion   float64
}

// Tracker owns broadcast bookkeeping. It never touches the network;
// the owner drives transmissions and reports outcomes back.
type Tracker struct {
	nodeID uuid.UUID

	mu         sync.RWMutex
	broadcasts map[[32]byte]*state
}

func NewTracker(nodeID uuid.UUID) *Tracker {
	return &Tracker{
		nodeID:     nodeID,
		broadcasts: make(map[[32]byte]*state),
	}
}

// Prepare fragments a payload and sets up tracking toward the given
// peers. It returns the transaction ID used for all later calls.
// Nothing is transmitted here.
func (t *Tracker) Prepare(payload []byte, peerIDs []string) ([32]byte, error) {
	if len(peerIDs) == 0 {
		return [32]byte{}, ErrNoPeers
	}

	fragments := fragment.Split(payload)
	txID := fragments[0].TransactionID

	peers := make(map[string]*peerProgress, len(peerIDs))
	for _, id := range peerIDs {
		peers[id] = newPeerProgress(uint16(len(fragments)))
	}

	t.mu.Lock()
	t.broadcasts[txID] = &state{
		fragments: fragments,
		peers:     peers,
		status:    StatusInProgress,
		startedAt: time.Now(),
	}
	t.mu.Unlock()

	debug.Log(debug.DEBUG_INFO, "Broadcast prepared",
		"fragments", len(fragments), "peers", len(peerIDs))
	return txID, nil
}

// Fragments returns the fragment set of a broadcast.
func (t *Tracker) Fragments(txID [32]byte) ([]fragment.Fragment, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	s, ok := t.broadcasts[txID]
	if !ok {
		return nil, false
	}
	out := make([]fragment.Fragment, len(s.fragments))
	copy(out, s.fragments)
	return out, true
}

// FragmentPacket wraps a fragment in a mesh packet ready for
// transmission from this node.
func (t *Tracker) FragmentPacket(f fragment.Fragment) []byte {
	p := packet.New(packet.TypeTransactionFragment, t.nodeID, f.Serialize())
	return p.Serialize()
}

// MarkFragmentSent records a confirmed transmission and flips the
// broadcast to completed once every peer has every fragment.
func (t *Tracker) MarkFragmentSent(txID [32]byte, peerID string, index uint16) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	s, ok := t.broadcasts[txID]
	if !ok {
		return ErrUnknownBroadcast
	}
	if s.status != StatusInProgress {
		return fmt.Errorf("%w: %s", ErrFinished, s.status)
	}
	p, ok := s.peers[peerID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownPeer, peerID)
	}

	p.markSent(index)
	s.updateStatus()
	return nil
}

// PendingRetries returns, per peer, the sorted fragment indices that
// should be transmitted now.
func (t *Tracker) PendingRetries(txID [32]byte) map[string][]uint16 {
	t.mu.RLock()
	defer t.mu.RUnlock()

	s, ok := t.broadcasts[txID]
	if !ok || s.status != StatusInProgress {
		return nil
	}

	out := make(map[string][]uint16)
	for peerID, p := range s.peers {
		var indices []uint16
		for index := range p.pending {
			if p.needsRetry(index) {
				indices = append(indices, index)
			}
		}
		if len(indices) > 0 {
			sort.Slice(indices, func(i, j int) bool { return indices[i] < indices[j] })
			out[peerID] = indices
		}
	}
	return out
}

// RecordRetry charges one transmission attempt for a fragment.
func (t *Tracker) RecordRetry(txID [32]byte, peerID string, index uint16) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if s, ok := t.broadcasts[txID]; ok {
		if p, ok := s.peers[peerID]; ok {
			p.recordRetry(index)
		}
	}
}

// Cancel marks a broadcast failed. Its bookkeeping stays visible until
// cleanup removes it.
func (t *Tracker) Cancel(txID [32]byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	s, ok := t.broadcasts[txID]
	if !ok {
		return ErrUnknownBroadcast
	}
	s.status = StatusFailed
	debug.Log(debug.DEBUG_INFO, "Broadcast cancelled")
	return nil
}

// Status returns a progress snapshot for one broadcast.
func (t *Tracker) Status(txID [32]byte) (Info, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	s, ok := t.broadcasts[txID]
	if !ok {
		return Info{}, false
	}

	peerCompletion := make(map[string]float64, len(s.peers))
	for id, p := range s.peers {
		peerCompletion[id] = p.completionPercent()
	}

	return Info{
		TransactionID:  txID,
		Status:         s.status,
		StartedAt:      s.startedAt,
		TotalPeers:     len(s.peers),
		FragmentCount:  len(s.fragments),
		Completion:     s.overallCompletion(),
		PeerCompletion: peerCompletion,
	}, true
}

// UpdateStatuses sweeps all in-progress broadcasts, marking timed-out
// and completed ones.
func (t *Tracker) UpdateStatuses() {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, s := range t.broadcasts {
		s.updateStatus()
	}
}

// CleanupExpired removes finished broadcasts older than twice the
// broadcast timeout and returns how many were removed. In-progress
// broadcasts are never removed here.
func (t *Tracker) CleanupExpired() int {
	t.mu.Lock()
	defer t.mu.Unlock()

	removed := 0
	for id, s := range t.broadcasts {
		if s.status != StatusInProgress && time.Since(s.startedAt) > 2*Timeout {
			delete(t.broadcasts, id)
			removed++
		}
	}
	if removed > 0 {
		debug.Log(debug.DEBUG_VERBOSE, "Cleaned up expired broadcasts", "count", removed)
	}
	return removed
}

// Statistics summarizes every tracked broadcast.
func (t *Tracker) Statistics() Statistics {
	t.mu.RLock()
	defer t.mu.RUnlock()

	stats := Statistics{TotalBroadcasts: len(t.broadcasts)}
	completionSum := 0.0
	for _, s := range t.broadcasts {
		switch s.status {
		case StatusInProgress:
			stats.ActiveBroadcasts++
		case StatusCompleted:
			stats.CompletedBroadcasts++
		case StatusFailed, StatusTimedOut:
			stats.FailedBroadcasts++
		}
		completionSum += s.overallCompletion()
	}
	if len(t.broadcasts) > 0 {
		stats.AverageCompletion = completionSum / float64(len(t.broadcasts))
	}
	return stats
}
