// Package health scores peer links and the network as a whole from
// passive observations: heartbeats, round-trip latencies, signal
// strength and transmission outcomes. It also keeps a hop-count map of
// the known topology.
package health

import (
	"sort"
	"sync"
	"time"

	"github.com/Sudo-Ivan/meshtx-go/pkg/debug"
)

// Config holds the thresholds that drive state transitions and
// signal-quality penalties.
type Config struct {
	StaleThreshold    time.Duration
	DeadThreshold     time.Duration
	LatencySampleSize int
	MinGoodRSSI       int16
	MinAcceptableRSSI int16
}

func DefaultConfig() Config {
	return Config{
		StaleThreshold:    30 * time.Second,
		DeadThreshold:     120 * time.Second,
		LatencySampleSize: 10,
		MinGoodRSSI:       -70,
		MinAcceptableRSSI: -85,
	}
}

type PeerState int

const (
	StateConnected PeerState = iota
	StateStale
	StateDead
)

func (s PeerState) String() string {
	switch s {
	case StateConnected:
		return "connected"
	case StateStale:
		return "stale"
	case StateDead:
		return "dead"
	default:
		return "unknown"
	}
}

// PeerHealth is the per-peer view. QualityScore is 0-100, recomputed
// whenever latency, signal or loss observations change.
type PeerHealth struct {
	PeerID          string
	State           PeerState
	LastSeen        time.Time
	SinceLastSeen   time.Duration
	LatencySamples  []uint32
	AvgLatencyMs    uint32
	RSSI            int16
	HasRSSI         bool
	QualityScore    int
	PacketsSent     uint64
	PacketsReceived uint64
	TxFailures      uint64
	PacketLossRate  float64
}

// Topology is the known connection graph with hop counts from this
// node.
type Topology struct {
	DirectConnections []string
	AllPeers          []string
	Connections       map[string][]string
	HopCounts         map[string]int
}

// Metrics is the network-wide summary. HealthScore is 0-100 and drops
// to 0 when no peers are known.
type Metrics struct {
	TotalPeers     int
	ConnectedPeers int
	StalePeers     int
	DeadPeers      int
	AvgLatencyMs   uint32
	MaxLatencyMs   uint32
	MinLatencyMs   uint32
	AvgPacketLoss  float64
	HealthScore    int
	MaxHops        int
	Timestamp      time.Time
}

// Snapshot bundles everything the monitor knows at one instant.
type Snapshot struct {
	Peers    []PeerHealth
	Topology Topology
	Metrics  Metrics
}

// Monitor tracks peer and network health. All methods are safe for
// concurrent use.
type Monitor struct {
	selfID string
	config Config

	peersMu sync.RWMutex
	peers   map[string]*PeerHealth

	topoMu   sync.RWMutex
	topology Topology

	metricsMu sync.RWMutex
	metrics   Metrics
}

func NewMonitor(selfID string, config Config) *Monitor {
	return &Monitor{
		selfID: selfID,
		config: config,
		peers:  make(map[string]*PeerHealth),
		topology: Topology{
			Connections: make(map[string][]string),
			HopCounts:   make(map[string]int),
		},
		metrics: Metrics{HealthScore: 100, Timestamp: time.Now()},
	}
}

// RecordHeartbeat notes that a peer is alive, creating it on first
// contact.
func (m *Monitor) RecordHeartbeat(peerID string) {
	m.peersMu.Lock()
	if p, ok := m.peers[peerID]; ok {
		p.LastSeen = time.Now()
		p.State = StateConnected
	} else {
		m.peers[peerID] = &PeerHealth{
			PeerID:       peerID,
			State:        StateConnected,
			LastSeen:     time.Now(),
			QualityScore: 100,
		}
		debug.Log(debug.DEBUG_VERBOSE, "Tracking new peer", "peer_id", peerID)
	}
	m.peersMu.Unlock()

	m.updateMetrics()
}

// RecordLatency feeds one round-trip measurement into the peer's
// bounded sample window and refreshes its quality score.
func (m *Monitor) RecordLatency(peerID string, latencyMs uint32) {
	m.peersMu.Lock()
	if p, ok := m.peers[peerID]; ok {
		p.LatencySamples = append(p.LatencySamples, latencyMs)
		if len(p.LatencySamples) > m.config.LatencySampleSize {
			p.LatencySamples = p.LatencySamples[len(p.LatencySamples)-m.config.LatencySampleSize:]
		}

		var sum uint64
		for _, s := range p.LatencySamples {
			sum += uint64(s)
		}
		p.AvgLatencyMs = uint32(sum / uint64(len(p.LatencySamples)))

		m.updateQualityScore(p)
	}
	m.peersMu.Unlock()

	m.updateMetrics()
}

func (m *Monitor) RecordRSSI(peerID string, rssi int16) {
	m.peersMu.Lock()
	if p, ok := m.peers[peerID]; ok {
		p.RSSI = rssi
		p.HasRSSI = true
		m.updateQualityScore(p)
	}
	m.peersMu.Unlock()

	m.updateMetrics()
}

// RecordPacketSent charges a transmission against the peer's loss
// rate; success=false counts as a failure.
func (m *Monitor) RecordPacketSent(peerID string, success bool) {
	m.peersMu.Lock()
	if p, ok := m.peers[peerID]; ok {
		p.PacketsSent++
		if !success {
			p.TxFailures++
		}
		p.PacketLossRate = float64(p.TxFailures) / float64(p.PacketsSent)
		m.updateQualityScore(p)
	}
	m.peersMu.Unlock()

	m.updateMetrics()
}

func (m *Monitor) RecordPacketReceived(peerID string) {
	m.peersMu.Lock()
	if p, ok := m.peers[peerID]; ok {
		p.PacketsReceived++
		p.LastSeen = time.Now()
		p.State = StateConnected
	}
	m.peersMu.Unlock()

	m.updateMetrics()
}

// UpdateTopology replaces the connection graph and recomputes hop
// counts from this node outward.
func (m *Monitor) UpdateTopology(connections map[string][]string) {
	all := make(map[string]struct{})
	for peer, connected := range connections {
		all[peer] = struct{}{}
		for _, c := range connected {
			all[c] = struct{}{}
		}
	}
	allPeers := make([]string, 0, len(all))
	for peer := range all {
		allPeers = append(allPeers, peer)
	}
	sort.Strings(allPeers)

	m.topoMu.Lock()
	m.topology.Connections = connections
	m.topology.AllPeers = allPeers
	m.topology.HopCounts = hopCounts(m.selfID, connections)
	m.topoMu.Unlock()

	m.updateMetrics()
}

func (m *Monitor) UpdateDirectConnections(peerIDs []string) {
	m.topoMu.Lock()
	m.topology.DirectConnections = append([]string(nil), peerIDs...)
	m.topoMu.Unlock()

	m.updateMetrics()
}

// CheckStalePeers demotes peers by heartbeat age: stale past the stale
// threshold, dead past the dead threshold.
func (m *Monitor) CheckStalePeers() {
	m.peersMu.Lock()
	now := time.Now()
	for _, p := range m.peers {
		elapsed := now.Sub(p.LastSeen)
		if elapsed > m.config.DeadThreshold {
			p.State = StateDead
		} else if elapsed > m.config.StaleThreshold {
			p.State = StateStale
		}
	}
	m.peersMu.Unlock()

	m.updateMetrics()
}

// RemoveDeadPeers drops peers already marked dead and returns their
// IDs.
func (m *Monitor) RemoveDeadPeers() []string {
	m.peersMu.Lock()
	var dead []string
	for id, p := range m.peers {
		if p.State == StateDead {
			dead = append(dead, id)
			delete(m.peers, id)
		}
	}
	m.peersMu.Unlock()

	if len(dead) > 0 {
		sort.Strings(dead)
		debug.Log(debug.DEBUG_INFO, "Removed dead peers", "count", len(dead))
	}
	m.updateMetrics()
	return dead
}

// GetSnapshot refreshes peer states and returns the full health view.
func (m *Monitor) GetSnapshot() Snapshot {
	m.CheckStalePeers()

	m.peersMu.RLock()
	now := time.Now()
	peers := make([]PeerHealth, 0, len(m.peers))
	for _, p := range m.peers {
		peers = append(peers, snapshotPeer(p, now))
	}
	m.peersMu.RUnlock()

	sort.Slice(peers, func(i, j int) bool { return peers[i].PeerID < peers[j].PeerID })

	m.topoMu.RLock()
	topology := Topology{
		DirectConnections: append([]string(nil), m.topology.DirectConnections...),
		AllPeers:          append([]string(nil), m.topology.AllPeers...),
		Connections:       make(map[string][]string, len(m.topology.Connections)),
		HopCounts:         make(map[string]int, len(m.topology.HopCounts)),
	}
	for id, conns := range m.topology.Connections {
		topology.Connections[id] = append([]string(nil), conns...)
	}
	for id, hops := range m.topology.HopCounts {
		topology.HopCounts[id] = hops
	}
	m.topoMu.RUnlock()

	m.metricsMu.RLock()
	metrics := m.metrics
	m.metricsMu.RUnlock()

	return Snapshot{Peers: peers, Topology: topology, Metrics: metrics}
}

// PeerHealth returns one peer's current view.
func (m *Monitor) PeerHealth(peerID string) (PeerHealth, bool) {
	m.peersMu.RLock()
	defer m.peersMu.RUnlock()
	p, ok := m.peers[peerID]
	if !ok {
		return PeerHealth{}, false
	}
	return snapshotPeer(p, time.Now()), true
}

func snapshotPeer(p *PeerHealth, now time.Time) PeerHealth {
	out := *p
	out.SinceLastSeen = now.Sub(p.LastSeen)
	out.LatencySamples = append([]uint32(nil), p.LatencySamples...)
	return out
}

// updateQualityScore applies the penalty model: up to 30 points for
// latency, 30 for weak signal, 40 for packet loss.
func (m *Monitor) updateQualityScore(p *PeerHealth) {
	score := 100

	if p.AvgLatencyMs > 0 {
		penalty := int(p.AvgLatencyMs / 10)
		if penalty > 30 {
			penalty = 30
		}
		score -= penalty
	}

	if p.HasRSSI {
		if p.RSSI < m.config.MinAcceptableRSSI {
			score -= 30
		} else if p.RSSI < m.config.MinGoodRSSI {
			penalty := int(m.config.MinGoodRSSI-p.RSSI) * 2
			if penalty > 30 {
				penalty = 30
			}
			score -= penalty
		}
	}

	score -= int(p.PacketLossRate * 40.0)

	if score < 0 {
		score = 0
	}
	p.QualityScore = score
}

func (m *Monitor) updateMetrics() {
	m.peersMu.RLock()

	metrics := Metrics{TotalPeers: len(m.peers)}
	var latencies []uint32
	var totalPackets, totalFailures uint64
	qualitySum := 0

	for _, p := range m.peers {
		switch p.State {
		case StateConnected:
			metrics.ConnectedPeers++
		case StateStale:
			metrics.StalePeers++
		case StateDead:
			metrics.DeadPeers++
		}
		if p.AvgLatencyMs > 0 {
			latencies = append(latencies, p.AvgLatencyMs)
		}
		totalPackets += p.PacketsSent
		totalFailures += p.TxFailures
		qualitySum += p.QualityScore
	}

	if len(latencies) > 0 {
		var sum uint64
		metrics.MaxLatencyMs = latencies[0]
		metrics.MinLatencyMs = latencies[0]
		for _, l := range latencies {
			sum += uint64(l)
			if l > metrics.MaxLatencyMs {
				metrics.MaxLatencyMs = l
			}
			if l < metrics.MinLatencyMs {
				metrics.MinLatencyMs = l
			}
		}
		metrics.AvgLatencyMs = uint32(sum / uint64(len(latencies)))
	}

	if totalPackets > 0 {
		metrics.AvgPacketLoss = float64(totalFailures) / float64(totalPackets)
	}

	metrics.HealthScore = healthScore(len(m.peers), qualitySum, &metrics)
	m.peersMu.RUnlock()

	m.topoMu.RLock()
	for _, hops := range m.topology.HopCounts {
		if hops > metrics.MaxHops {
			metrics.MaxHops = hops
		}
	}
	m.topoMu.RUnlock()

	metrics.Timestamp = time.Now()

	m.metricsMu.Lock()
	m.metrics = metrics
	m.metricsMu.Unlock()
}

// healthScore folds peer-state ratios, latency, loss and average peer
// quality into one 0-100 number. A node with no peers scores 0.
func healthScore(peerCount, qualitySum int, metrics *Metrics) int {
	if peerCount == 0 {
		return 0
	}

	score := 100

	unhealthy := float64(metrics.StalePeers+metrics.DeadPeers) / float64(metrics.TotalPeers)
	score -= int(unhealthy * 30.0)

	if metrics.AvgLatencyMs > 100 {
		penalty := int((metrics.AvgLatencyMs - 100) / 10)
		if penalty > 20 {
			penalty = 20
		}
		score -= penalty
	}

	score -= int(metrics.AvgPacketLoss * 30.0)

	avgQuality := qualitySum / peerCount
	if avgQuality < 80 {
		score -= (80 - avgQuality) / 4
	}

	if score < 0 {
		score = 0
	}
	return score
}

// hopCounts runs a breadth-first search over the connection graph,
// rooted at this node.
func hopCounts(selfID string, connections map[string][]string) map[string]int {
	hops := map[string]int{selfID: 0}
	queue := []string{selfID}

	for len(queue) > 0 {
		node := queue[0]
		queue = queue[1:]
		for _, neighbor := range connections[node] {
			if _, ok := hops[neighbor]; !ok {
				hops[neighbor] = hops[node] + 1
				queue = append(queue, neighbor)
			}
		}
	}

	return hops
}
