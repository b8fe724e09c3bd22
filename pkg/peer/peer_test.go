package peer

import (
	"testing"
	"time"

	"github.com/google/uuid"
)

func TestAddPeer(t *testing.T) {
	m := NewManager(uuid.New())

	var discovered []Info
	m.SetCallbacks(Callbacks{
		OnDiscovered: func(p Info) { discovered = append(discovered, p) },
	})

	m.AddPeer("peer-a", -60)

	p, ok := m.Peer("peer-a")
	if !ok {
		t.Fatal("Peer() did not find added peer")
	}
	if p.State != StateDiscovered {
		t.Errorf("State = %v; want StateDiscovered", p.State)
	}
	if p.RSSI != -60 {
		t.Errorf("RSSI = %d; want -60", p.RSSI)
	}
	if len(p.Capabilities) != 1 || p.Capabilities[0] != "CAN_RELAY" {
		t.Errorf("Capabilities = %v; want [CAN_RELAY]", p.Capabilities)
	}
	if len(discovered) != 1 {
		t.Fatalf("OnDiscovered fired %d times; want 1", len(discovered))
	}

	// A repeat sighting refreshes signal but is not a new discovery.
	m.AddPeer("peer-a", -72)
	p, _ = m.Peer("peer-a")
	if p.RSSI != -72 {
		t.Errorf("RSSI after repeat sighting = %d; want -72", p.RSSI)
	}
	if len(discovered) != 1 {
		t.Errorf("OnDiscovered fired %d times after repeat sighting; want 1", len(discovered))
	}
}

func TestStateTransitions(t *testing.T) {
	m := NewManager(uuid.New())

	var connected, disconnected []string
	m.SetCallbacks(Callbacks{
		OnConnected:    func(id string) { connected = append(connected, id) },
		OnDisconnected: func(id string) { disconnected = append(disconnected, id) },
	})

	m.AddPeer("peer-a", -55)

	m.MarkConnecting("peer-a")
	p, _ := m.Peer("peer-a")
	if p.State != StateConnecting {
		t.Errorf("State = %v; want StateConnecting", p.State)
	}
	if p.ConnectionAttempts != 1 {
		t.Errorf("ConnectionAttempts = %d; want 1", p.ConnectionAttempts)
	}
	if p.LastAttempt.IsZero() {
		t.Error("LastAttempt not recorded")
	}

	m.MarkConnected("peer-a")
	p, _ = m.Peer("peer-a")
	if p.State != StateConnected {
		t.Errorf("State = %v; want StateConnected", p.State)
	}
	if p.ConnectionAttempts != 0 {
		t.Errorf("ConnectionAttempts after connect = %d; want 0", p.ConnectionAttempts)
	}
	if len(connected) != 1 || connected[0] != "peer-a" {
		t.Errorf("OnConnected calls = %v; want [peer-a]", connected)
	}

	m.MarkDisconnected("peer-a")
	p, _ = m.Peer("peer-a")
	if p.State != StateDisconnected {
		t.Errorf("State = %v; want StateDisconnected", p.State)
	}
	if len(disconnected) != 1 {
		t.Errorf("OnDisconnected fired %d times; want 1", len(disconnected))
	}

	m.MarkConnecting("peer-a")
	m.MarkFailed("peer-a")
	p, _ = m.Peer("peer-a")
	if p.State != StateFailed {
		t.Errorf("State = %v; want StateFailed", p.State)
	}

	// Transitions on unknown peers are ignored.
	m.MarkConnected("peer-unknown")
	if len(connected) != 1 {
		t.Errorf("OnConnected fired for unknown peer")
	}
}

func TestCanRetry(t *testing.T) {
	tests := []struct {
		name string
		info Info
		want bool
	}{
		{"never attempted", Info{}, true},
		{"attempts exhausted", Info{ConnectionAttempts: MaxConnectAttempts}, false},
		{"attempt too recent", Info{ConnectionAttempts: 1, LastAttempt: time.Now()}, false},
		{"delay elapsed", Info{ConnectionAttempts: 1, LastAttempt: time.Now().Add(-RetryDelay - time.Second)}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.info.CanRetry(); got != tt.want {
				t.Errorf("CanRetry() = %v; want %v", got, tt.want)
			}
		})
	}
}

func TestConnectionCandidates(t *testing.T) {
	m := NewManager(uuid.New())
	now := time.Now()

	m.mu.Lock()
	m.peers = map[string]*Info{
		"good-recent":  {ID: "good-recent", RSSI: -60, State: StateDiscovered, LastSeen: now},
		"good-older":   {ID: "good-older", RSSI: -65, State: StateDiscovered, LastSeen: now.Add(-10 * time.Second)},
		"weak-fresh":   {ID: "weak-fresh", RSSI: -85, State: StateDiscovered, LastSeen: now},
		"weak-retried": {ID: "weak-retried", RSSI: -85, State: StateFailed, ConnectionAttempts: 1, LastAttempt: now.Add(-time.Minute), LastSeen: now},
		"below-floor":  {ID: "below-floor", RSSI: -95, State: StateDiscovered, LastSeen: now},
		"expired":      {ID: "expired", RSSI: -50, State: StateDiscovered, LastSeen: now.Add(-PeerTimeout - time.Second)},
		"exhausted":    {ID: "exhausted", RSSI: -50, State: StateFailed, ConnectionAttempts: MaxConnectAttempts, LastSeen: now},
		"connected":    {ID: "connected", RSSI: -50, State: StateConnected, LastSeen: now},
		"connecting":   {ID: "connecting", RSSI: -50, State: StateConnecting, LastSeen: now},
	}
	m.mu.Unlock()

	got := m.ConnectionCandidates()

	want := []string{"good-recent", "good-older", "weak-fresh", "weak-retried"}
	if len(got) != len(want) {
		ids := make([]string, len(got))
		for i, p := range got {
			ids[i] = p.ID
		}
		t.Fatalf("ConnectionCandidates() = %v; want %v", ids, want)
	}
	for i, id := range want {
		if got[i].ID != id {
			t.Errorf("candidate %d = %s; want %s", i, got[i].ID, id)
		}
	}
}

func TestNeedsMoreConnections(t *testing.T) {
	m := NewManager(uuid.New())

	if !m.NeedsMoreConnections() {
		t.Error("NeedsMoreConnections() = false with no peers; want true")
	}

	for i := 0; i < TargetConnections; i++ {
		id := string(rune('a' + i))
		m.AddPeer(id, -50)
		m.MarkConnected(id)
	}

	if m.NeedsMoreConnections() {
		t.Errorf("NeedsMoreConnections() = true with %d connected; want false", TargetConnections)
	}
}

func TestCleanupExpired(t *testing.T) {
	m := NewManager(uuid.New())
	m.AddPeer("fresh", -60)
	m.AddPeer("stale", -60)

	m.mu.Lock()
	m.peers["stale"].LastSeen = time.Now().Add(-PeerTimeout - time.Second)
	m.mu.Unlock()

	if got := m.CleanupExpired(); got != 1 {
		t.Errorf("CleanupExpired() = %d; want 1", got)
	}
	if _, ok := m.Peer("stale"); ok {
		t.Error("expired peer survived cleanup")
	}
	if _, ok := m.Peer("fresh"); !ok {
		t.Error("fresh peer removed by cleanup")
	}
}

func TestAssociateNode(t *testing.T) {
	m := NewManager(uuid.New())
	m.AddPeer("peer-a", -60)

	nodeID := uuid.New()
	m.AssociateNode("peer-a", nodeID)

	p, _ := m.Peer("peer-a")
	if p.NodeID != nodeID {
		t.Errorf("NodeID = %v; want %v", p.NodeID, nodeID)
	}
}

func TestStats(t *testing.T) {
	nodeID := uuid.New()
	m := NewManager(nodeID)

	m.AddPeer("a", -50)
	m.AddPeer("b", -70)
	m.AddPeer("c", -90)
	m.MarkConnecting("a")
	m.MarkConnected("a")
	m.MarkConnecting("b")
	m.MarkConnecting("c")
	m.MarkFailed("c")

	got := m.Stats()
	want := Stats{
		NodeID:          nodeID,
		TotalPeers:      3,
		ConnectedPeers:  1,
		ConnectingPeers: 1,
		FailedPeers:     1,
		AvgRSSI:         -70,
	}
	if got != want {
		t.Errorf("Stats() = %+v; want %+v", got, want)
	}
}
