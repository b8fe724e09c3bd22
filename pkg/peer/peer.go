// Package peer tracks discovered mesh peers: signal quality,
// connection state and retry budget. It decides which peers are worth
// connecting to next.
package peer

import (
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/Sudo-Ivan/meshtx-go/pkg/debug"
)

const (
	// MinConnections is the floor below which the node connects to
	// anything retryable.
	MinConnections = 1

	// TargetConnections is the connection count the node works
	// toward for mesh coverage.
	TargetConnections = 5

	// MaxConnections caps simultaneous connections.
	MaxConnections = 8

	// DiscoveryInterval is how often adapters are asked to scan.
	DiscoveryInterval = 10 * time.Second

	// PeerTimeout removes a peer not seen for this long.
	PeerTimeout = 30 * time.Second

	// RetryDelay is the minimum gap between connection attempts to
	// the same peer.
	RetryDelay = 5 * time.Second

	// MaxConnectAttempts is the attempt budget per peer; it resets
	// on a successful connection.
	MaxConnectAttempts = 3

	// GoodRSSIThreshold marks signal strong enough to prefer.
	GoodRSSIThreshold int16 = -70

	// MinRSSIThreshold is the weakest signal still worth a
	// connection attempt.
	MinRSSIThreshold int16 = -90
)

type State int

const (
	StateDiscovered State = iota
	StateConnecting
	StateConnected
	StateFailed
	StateDisconnected
)

func (s State) String() string {
	switch s {
	case StateDiscovered:
		return "discovered"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateFailed:
		return "failed"
	case StateDisconnected:
		return "disconnected"
	default:
		return "unknown"
	}
}

// Info is everything tracked about one peer. NodeID stays zero until a
// beacon reveals the peer's stable identity.
type Info struct {
	ID                 string
	NodeID             uuid.UUID
	Capabilities       []string
	RSSI               int16
	FirstSeen          time.Time
	LastSeen           time.Time
	State              State
	ConnectionAttempts int
	LastAttempt        time.Time
}

func (p *Info) HasGoodSignal() bool {
	return p.RSSI >= GoodRSSIThreshold
}

func (p *Info) HasAcceptableSignal() bool {
	return p.RSSI >= MinRSSIThreshold
}

func (p *Info) Expired() bool {
	return time.Since(p.LastSeen) > PeerTimeout
}

// CanRetry reports whether a connection attempt is allowed: the peer
// must have attempt budget left and the retry delay must have elapsed
// since the last attempt.
func (p *Info) CanRetry() bool {
	if p.ConnectionAttempts >= MaxConnectAttempts {
		return false
	}
	if p.LastAttempt.IsZero() {
		return true
	}
	return time.Since(p.LastAttempt) > RetryDelay
}

// Callbacks are invoked without any manager lock held.
type Callbacks struct {
	OnDiscovered   func(Info)
	OnConnected    func(peerID string)
	OnDisconnected func(peerID string)
}

// Manager owns the peer table.
type Manager struct {
	nodeID uuid.UUID

	mu    sync.RWMutex
	peers map[string]*Info

	cbMu      sync.RWMutex
	callbacks Callbacks
}

// Stats is a point-in-time summary of the peer table.
type Stats struct {
	NodeID          uuid.UUID
	TotalPeers      int
	ConnectedPeers  int
	ConnectingPeers int
	FailedPeers     int
	AvgRSSI         int16
}

func NewManager(nodeID uuid.UUID) *Manager {
	return &Manager{
		nodeID: nodeID,
		peers:  make(map[string]*Info),
	}
}

func (m *Manager) NodeID() uuid.UUID {
	return m.nodeID
}

func (m *Manager) SetCallbacks(cb Callbacks) {
	m.cbMu.Lock()
	m.callbacks = cb
	m.cbMu.Unlock()
}

// AddPeer records a discovery sighting, creating the peer on first
// sight and refreshing its signal and last-seen time on every
// subsequent one.
func (m *Manager) AddPeer(peerID string, rssi int16) {
	m.mu.Lock()
	p, ok := m.peers[peerID]
	if !ok {
		now := time.Now()
		p = &Info{
			ID:           peerID,
			Capabilities: []string{"CAN_RELAY"},
			RSSI:         rssi,
			FirstSeen:    now,
			LastSeen:     now,
			State:        StateDiscovered,
		}
		m.peers[peerID] = p
		debug.Log(debug.DEBUG_INFO, "Discovered new peer", "peer_id", peerID, "rssi", rssi)
	}
	p.LastSeen = time.Now()
	p.RSSI = rssi
	discovered := *p
	m.mu.Unlock()

	if !ok {
		m.cbMu.RLock()
		cb := m.callbacks.OnDiscovered
		m.cbMu.RUnlock()
		if cb != nil {
			cb(discovered)
		}
	}
}

// AssociateNode attaches a stable node identity to a peer, once a
// beacon or handshake reveals it.
func (m *Manager) AssociateNode(peerID string, nodeID uuid.UUID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if p, ok := m.peers[peerID]; ok {
		p.NodeID = nodeID
	}
}

func (m *Manager) Peer(peerID string) (Info, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.peers[peerID]
	if !ok {
		return Info{}, false
	}
	return *p, true
}

func (m *Manager) Peers() []Info {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Info, 0, len(m.peers))
	for _, p := range m.peers {
		out = append(out, *p)
	}
	return out
}

func (m *Manager) ConnectedPeers() []Info {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []Info
	for _, p := range m.peers {
		if p.State == StateConnected {
			out = append(out, *p)
		}
	}
	return out
}

// ConnectionCandidates returns peers worth attempting, best first:
// good signal beats acceptable, then fewer attempts, then more
// recently seen. Connected and connecting peers are excluded, as are
// expired peers, peers below the signal floor and peers out of retry
// budget.
func (m *Manager) ConnectionCandidates() []Info {
	m.mu.RLock()
	var candidates []Info
	for _, p := range m.peers {
		switch p.State {
		case StateDiscovered, StateDisconnected, StateFailed:
		default:
			continue
		}
		if !p.HasAcceptableSignal() || p.Expired() || !p.CanRetry() {
			continue
		}
		candidates = append(candidates, *p)
	}
	m.mu.RUnlock()

	sort.Slice(candidates, func(i, j int) bool {
		a, b := &candidates[i], &candidates[j]
		if a.HasGoodSignal() != b.HasGoodSignal() {
			return a.HasGoodSignal()
		}
		if a.ConnectionAttempts != b.ConnectionAttempts {
			return a.ConnectionAttempts < b.ConnectionAttempts
		}
		return a.LastSeen.After(b.LastSeen)
	})

	return candidates
}

func (m *Manager) ConnectedCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	count := 0
	for _, p := range m.peers {
		if p.State == StateConnected {
			count++
		}
	}
	return count
}

func (m *Manager) NeedsMoreConnections() bool {
	return m.ConnectedCount() < TargetConnections
}

// MarkConnecting transitions a peer into the connecting state and
// spends one attempt from its retry budget.
func (m *Manager) MarkConnecting(peerID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if p, ok := m.peers[peerID]; ok {
		p.State = StateConnecting
		p.ConnectionAttempts++
		p.LastAttempt = time.Now()
		debug.Log(debug.DEBUG_INFO, "Connecting to peer", "peer_id", peerID, "attempt", p.ConnectionAttempts)
	}
}

// MarkConnected transitions a peer into the connected state and
// restores its full retry budget.
func (m *Manager) MarkConnected(peerID string) {
	m.mu.Lock()
	p, ok := m.peers[peerID]
	if ok {
		p.State = StateConnected
		p.ConnectionAttempts = 0
		p.LastAttempt = time.Time{}
		debug.Log(debug.DEBUG_INFO, "Peer connected", "peer_id", peerID)
	}
	m.mu.Unlock()

	if ok {
		m.cbMu.RLock()
		cb := m.callbacks.OnConnected
		m.cbMu.RUnlock()
		if cb != nil {
			cb(peerID)
		}
	}
}

func (m *Manager) MarkDisconnected(peerID string) {
	m.mu.Lock()
	p, ok := m.peers[peerID]
	if ok {
		p.State = StateDisconnected
		debug.Log(debug.DEBUG_INFO, "Peer disconnected", "peer_id", peerID)
	}
	m.mu.Unlock()

	if ok {
		m.cbMu.RLock()
		cb := m.callbacks.OnDisconnected
		m.cbMu.RUnlock()
		if cb != nil {
			cb(peerID)
		}
	}
}

func (m *Manager) MarkFailed(peerID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if p, ok := m.peers[peerID]; ok {
		p.State = StateFailed
		debug.Log(debug.DEBUG_ERROR, "Peer connection failed",
			"peer_id", peerID, "attempt", p.ConnectionAttempts)
	}
}

// CleanupExpired removes peers not seen within the peer timeout and
// returns how many were removed.
func (m *Manager) CleanupExpired() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	removed := 0
	for id, p := range m.peers {
		if p.Expired() {
			delete(m.peers, id)
			removed++
		}
	}
	if removed > 0 {
		debug.Log(debug.DEBUG_VERBOSE, "Cleaned up expired peers", "count", removed)
	}
	return removed
}

func (m *Manager) Stats() Stats {
	m.mu.RLock()
	defer m.mu.RUnlock()

	stats := Stats{NodeID: m.nodeID, TotalPeers: len(m.peers)}
	rssiSum := 0
	for _, p := range m.peers {
		switch p.State {
		case StateConnected:
			stats.ConnectedPeers++
		case StateConnecting:
			stats.ConnectingPeers++
		case StateFailed:
			stats.FailedPeers++
		}
		rssiSum += int(p.RSSI)
	}
	if len(m.peers) > 0 {
		stats.AvgRSSI = int16(rssiSum / len(m.peers))
	}
	return stats
}
