// Package node assembles the full mesh stack behind one facade: the
// transport adapters, the flood-control router, peer and broadcast
// bookkeeping, health monitoring, the persistent queue subsystem and
// the send rate limiter.
//
// Frames handed up by an adapter are queued onto a bounded inbound
// channel and drained by a single goroutine, so mesh state is never
// touched from the transport's receive context. Outbound work runs on
// its own goroutine, and one sweep goroutine ages out every expiring
// table on a shared cadence.
package node

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/Sudo-Ivan/meshtx-go/pkg/broadcast"
	"github.com/Sudo-Ivan/meshtx-go/pkg/common"
	"github.com/Sudo-Ivan/meshtx-go/pkg/debug"
	"github.com/Sudo-Ivan/meshtx-go/pkg/fragment"
	"github.com/Sudo-Ivan/meshtx-go/pkg/health"
	"github.com/Sudo-Ivan/meshtx-go/pkg/identity"
	"github.com/Sudo-Ivan/meshtx-go/pkg/interfaces"
	"github.com/Sudo-Ivan/meshtx-go/pkg/mesh"
	"github.com/Sudo-Ivan/meshtx-go/pkg/packet"
	"github.com/Sudo-Ivan/meshtx-go/pkg/peer"
	"github.com/Sudo-Ivan/meshtx-go/pkg/queue"
	"github.com/Sudo-Ivan/meshtx-go/pkg/rate"
)

const (
	// sendInterval is the outbound poll cadence between explicit wakes.
	sendInterval = 500 * time.Millisecond

	// connectTimeout bounds one adapter connection attempt.
	connectTimeout = 5 * time.Second

	// probeTimeout is how long an unanswered round-trip probe is kept.
	probeTimeout = 15 * time.Second

	// textBufferLimit caps buffered incoming text messages; the
	// oldest are dropped first.
	textBufferLimit = 100

	// topologyEvery spaces topology queries to every Nth sweep.
	topologyEvery = 6
)

var (
	ErrAlreadyStarted = errors.New("node already started")
	ErrEmptyPayload   = errors.New("empty transaction payload")
	ErrNoTransport    = errors.New("no online transport adapter")
)

// inboundFrame is one raw frame waiting for the process loop, paired
// with the adapter and peer it arrived on.
type inboundFrame struct {
	adapter common.Adapter
	data    []byte
	from    string
}

// rttProbe is an outstanding ping awaiting its echo.
type rttProbe struct {
	peerID string
	sentAt time.Time
}

// originState tracks a transaction this node originated. resolved
// flips on the first outcome so duplicate acks arriving over different
// relay paths surface only once.
type originState struct {
	queuedAt time.Time
	resolved bool
}

// Node owns one mesh endpoint end to end.
type Node struct {
	cfg *common.NodeConfig
	id  *identity.Identity

	router  *mesh.Router
	peers   *peer.Manager
	tracker *broadcast.Tracker
	monitor *health.Monitor
	queues  *queue.Manager
	limiter *rate.Limiter

	mu      sync.Mutex
	started bool
	cancel  context.CancelFunc

	adapterMu sync.RWMutex
	adapters  []common.Adapter

	routeMu sync.RWMutex
	routes  map[string]common.Adapter

	inbound chan inboundFrame
	wake    chan struct{}

	originMu sync.Mutex
	origins  map[[32]byte]*originState

	inflightMu sync.Mutex
	inflight   map[[32]byte]struct{}

	probeMu sync.Mutex
	probes  map[uuid.UUID]rttProbe

	textMu sync.Mutex
	texts  []string

	outcomeMu sync.Mutex
	outcomes  []queue.Confirmation

	wg sync.WaitGroup
}

// New assembles a node with in-memory queues and default queue policy.
func New(cfg *common.NodeConfig, id *identity.Identity) (*Node, error) {
	return NewWithStore(cfg, id, nil, queue.Config{})
}

// NewWithStore additionally restores and persists queue state through
// store. A zero queueCfg takes the queue package's defaults; store may
// be nil to run without persistence.
func NewWithStore(cfg *common.NodeConfig, id *identity.Identity, store queue.Store, queueCfg queue.Config) (*Node, error) {
	if id == nil {
		return nil, errors.New("node requires an identity")
	}
	if cfg == nil {
		cfg = common.NewNodeConfig()
	}

	var queues *queue.Manager
	var err error
	if store != nil {
		queues, err = queue.NewManagerWithStore(store, queueCfg)
		if err != nil {
			return nil, err
		}
	} else {
		queues = queue.NewManagerWithConfig(queueCfg)
	}

	bytesPerSec := cfg.RateBytesPerSec
	if bytesPerSec <= 0 {
		bytesPerSec = common.DEFAULT_RATE_BYTES
	}
	burst := cfg.RateBurst
	if burst <= 0 {
		burst = common.DEFAULT_RATE_BURST
	}

	nodeID := id.NodeID()
	return &Node{
		cfg:      cfg,
		id:       id,
		router:   mesh.NewRouter(nodeID),
		peers:    peer.NewManager(nodeID),
		tracker:  broadcast.NewTracker(nodeID),
		monitor:  health.NewMonitor(nodeID.String(), health.DefaultConfig()),
		queues:   queues,
		limiter:  rate.NewLimiter(bytesPerSec, burst),
		routes:   make(map[string]common.Adapter),
		inbound:  make(chan inboundFrame, common.INBOUND_QUEUE_DEPTH),
		wake:     make(chan struct{}, 1),
		origins:  make(map[[32]byte]*originState),
		inflight: make(map[[32]byte]struct{}),
		probes:   make(map[uuid.UUID]rttProbe),
	}, nil
}

// AddAdapter registers a pre-built transport adapter. Adapters declared
// in the configuration are built automatically on Start; AddAdapter
// must be called before Start.
func (n *Node) AddAdapter(a common.Adapter) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.started {
		return ErrAlreadyStarted
	}
	n.wire(a)
	return nil
}

// wire hooks an adapter's receive path into the inbound channel.
func (n *Node) wire(a common.Adapter) {
	a.SetReceiveCallback(func(frame []byte, from string) {
		n.enqueueFrame(a, frame, from)
	})
	n.adapterMu.Lock()
	n.adapters = append(n.adapters, a)
	n.adapterMu.Unlock()
}

// Start builds the configured adapters, brings every adapter online
// and launches the process, send and sweep loops. The node runs until
// Stop is called or ctx is canceled; a stopped node cannot be
// restarted.
func (n *Node) Start(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	n.mu.Lock()
	if n.started {
		n.mu.Unlock()
		return ErrAlreadyStarted
	}
	n.started = true
	runCtx, cancel := context.WithCancel(ctx)
	n.cancel = cancel
	n.mu.Unlock()

	if err := n.buildAdapters(); err != nil {
		cancel()
		return err
	}

	var started []common.Adapter
	for _, a := range n.adapterSnapshot() {
		if err := a.Start(runCtx); err != nil {
			for _, s := range started {
				_ = s.Stop()
			}
			cancel()
			return fmt.Errorf("failed to start adapter %s: %w", a.GetName(), err)
		}
		started = append(started, a)
		debug.Log(debug.DEBUG_INFO, "Started adapter", "name", a.GetName(), "type", a.GetType())
	}

	n.peers.SetCallbacks(peer.Callbacks{
		OnConnected:    func(string) { n.refreshDirect() },
		OnDisconnected: func(string) { n.refreshDirect() },
	})

	n.wg.Add(3)
	go n.processLoop(runCtx)
	go n.sendLoop(runCtx)
	go n.sweepLoop(runCtx)

	debug.Log(debug.DEBUG_INFO, "Node started",
		"node_id", n.id.NodeID(), "adapters", len(started))
	return nil
}

// buildAdapters instantiates every enabled adapter from the
// configuration, in name order.
func (n *Node) buildAdapters() error {
	names := make([]string, 0, len(n.cfg.Adapters))
	for name := range n.cfg.Adapters {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		acfg := n.cfg.Adapters[name]
		if acfg == nil || !acfg.Enabled {
			continue
		}
		a, err := interfaces.FromConfig(acfg, n.id.NodeID())
		if err != nil {
			return fmt.Errorf("adapter %s: %w", name, err)
		}
		n.wire(a)
	}
	return nil
}

// Stop shuts the loops down, stops every adapter and force-saves the
// queues. Safe to call more than once.
func (n *Node) Stop() error {
	n.mu.Lock()
	cancel := n.cancel
	n.cancel = nil
	n.mu.Unlock()
	if cancel == nil {
		return nil
	}

	cancel()
	n.wg.Wait()

	for _, a := range n.adapterSnapshot() {
		if err := a.Stop(); err != nil {
			debug.Log(debug.DEBUG_ERROR, "Failed to stop adapter", "name", a.GetName(), "error", err)
		}
	}

	err := n.queues.ForceSave()
	debug.Log(debug.DEBUG_INFO, "Node stopped", "node_id", n.id.NodeID())
	return err
}

func (n *Node) NodeID() uuid.UUID {
	return n.id.NodeID()
}

func (n *Node) Identity() *identity.Identity {
	return n.id
}

// SendTransaction queues a signed payload for mesh-wide propagation
// and returns its transaction ID. A payload already queued is rejected
// as a duplicate.
func (n *Node) SendTransaction(txBytes []byte, priority queue.Priority) (string, error) {
	if len(txBytes) == 0 {
		return "", ErrEmptyPayload
	}

	txID := fragment.TransactionID(txBytes)
	idHex := hex.EncodeToString(txID[:])
	if err := n.queues.Outbound.Push(queue.NewOutboundTransaction(idHex, txBytes, priority)); err != nil {
		return "", err
	}
	n.markOrigin(txID)
	n.kick()

	debug.Log(debug.DEBUG_INFO, "Queued transaction",
		"tx_id", shortHex(idHex), "priority", priority, "bytes", len(txBytes))
	return idHex, nil
}

// BroadcastConfirmation relays a successful submission outcome back
// across the mesh toward the transaction's origin.
func (n *Node) BroadcastConfirmation(txID [32]byte, signature string) error {
	return n.enqueueConfirmation(queue.NewSuccessConfirmation(txID, signature))
}

// BroadcastFailure relays a failed submission outcome.
func (n *Node) BroadcastFailure(txID [32]byte, errMsg string) error {
	return n.enqueueConfirmation(queue.NewFailureConfirmation(txID, errMsg))
}

func (n *Node) enqueueConfirmation(c queue.Confirmation) error {
	if err := n.queues.Confirmations.Push(c); err != nil {
		return err
	}
	n.kick()
	return nil
}

// SendTextMessage delivers a short UTF-8 message to one peer. Text
// rides the same wire protocol but is never flooded past the first
// hop.
func (n *Node) SendTextMessage(ctx context.Context, peerID, text string) error {
	p := packet.New(packet.TypeTextMessage, n.id.NodeID(), []byte(text))
	return n.transmitTo(ctx, peerID, p.Serialize())
}

// CheckIncomingMessages drains buffered text messages in arrival order.
func (n *Node) CheckIncomingMessages() []string {
	n.textMu.Lock()
	defer n.textMu.Unlock()
	out := n.texts
	n.texts = nil
	return out
}

func (n *Node) HasPendingMessages() bool {
	n.textMu.Lock()
	defer n.textMu.Unlock()
	return len(n.texts) > 0
}

// CompletedTransactions pops every payload fully reassembled from the
// mesh since the last call.
func (n *Node) CompletedTransactions() [][]byte {
	return n.router.DrainCompleted()
}

// ClearCompleted discards reassembled payloads unread.
func (n *Node) ClearCompleted() {
	n.router.ClearCompleted()
}

// Outcomes drains the delivery outcomes recorded for transactions this
// node originated.
func (n *Node) Outcomes() []queue.Confirmation {
	n.outcomeMu.Lock()
	defer n.outcomeMu.Unlock()
	out := n.outcomes
	n.outcomes = nil
	return out
}

// AdapterStatus describes one adapter's identity and counters.
type AdapterStatus struct {
	Name   string
	Type   common.AdapterType
	Online bool
	Stats  common.AdapterStats
}

// Stats aggregates every subsystem's view of this node.
type Stats struct {
	NodeID     uuid.UUID
	Router     mesh.Stats
	Peers      peer.Stats
	Broadcasts broadcast.Statistics
	Queues     queue.Metrics
	Health     health.Metrics
	Adapters   []AdapterStatus
}

func (n *Node) Stats() Stats {
	adapters := n.adapterSnapshot()
	statuses := make([]AdapterStatus, 0, len(adapters))
	for _, a := range adapters {
		statuses = append(statuses, AdapterStatus{
			Name:   a.GetName(),
			Type:   a.GetType(),
			Online: a.IsOnline(),
			Stats:  a.GetStats(),
		})
	}

	return Stats{
		NodeID:     n.id.NodeID(),
		Router:     n.router.Stats(),
		Peers:      n.peers.Stats(),
		Broadcasts: n.tracker.Statistics(),
		Queues:     n.queues.Metrics(),
		Health:     n.monitor.GetSnapshot().Metrics,
		Adapters:   statuses,
	}
}

func (n *Node) QueueMetrics() queue.Metrics {
	return n.queues.Metrics()
}

func (n *Node) QueueHealth() queue.Health {
	return n.queues.CheckHealth()
}

func (n *Node) HealthSnapshot() health.Snapshot {
	return n.monitor.GetSnapshot()
}

// kick wakes the send loop without blocking.
func (n *Node) kick() {
	select {
	case n.wake <- struct{}{}:
	default:
	}
}

func (n *Node) adapterSnapshot() []common.Adapter {
	n.adapterMu.RLock()
	defer n.adapterMu.RUnlock()
	out := make([]common.Adapter, len(n.adapters))
	copy(out, n.adapters)
	return out
}

func (n *Node) noteRoute(peerID string, a common.Adapter) {
	n.routeMu.Lock()
	n.routes[peerID] = a
	n.routeMu.Unlock()
}

// routeTo picks the adapter a peer was last seen on, falling back to
// any online adapter.
func (n *Node) routeTo(peerID string) (common.Adapter, error) {
	n.routeMu.RLock()
	a := n.routes[peerID]
	n.routeMu.RUnlock()
	if a != nil && a.IsOnline() {
		return a, nil
	}
	for _, b := range n.adapterSnapshot() {
		if b.IsOnline() {
			return b, nil
		}
	}
	return nil, ErrNoTransport
}

func (n *Node) markOrigin(txID [32]byte) {
	n.originMu.Lock()
	n.origins[txID] = &originState{queuedAt: time.Now()}
	n.originMu.Unlock()
}

// resolveOrigin reports whether txID names a transaction this node
// originated, and whether this is the first outcome seen for it.
func (n *Node) resolveOrigin(txID [32]byte) (ours, first bool) {
	n.originMu.Lock()
	defer n.originMu.Unlock()
	st, ok := n.origins[txID]
	if !ok {
		return false, false
	}
	first = !st.resolved
	st.resolved = true
	return true, first
}

func (n *Node) recordOutcome(c queue.Confirmation) {
	n.outcomeMu.Lock()
	n.outcomes = append(n.outcomes, c)
	n.outcomeMu.Unlock()
}

// refreshDirect pushes the current direct-neighbor set into the health
// monitor's topology view.
func (n *Node) refreshDirect() {
	n.monitor.UpdateDirectConnections(n.connectedLabels())
}

// connectedLabels names each connected peer by its stable node ID when
// known, else by its transport address.
func (n *Node) connectedLabels() []string {
	connected := n.peers.ConnectedPeers()
	labels := make([]string, 0, len(connected))
	for _, p := range connected {
		labels = append(labels, peerLabel(p))
	}
	return labels
}

func peerLabel(p peer.Info) string {
	if p.NodeID != uuid.Nil {
		return p.NodeID.String()
	}
	return p.ID
}

func shortHex(s string) string {
	if len(s) > 8 {
		return s[:8]
	}
	return s
}
