package interfaces

import (
	"bytes"
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/Sudo-Ivan/meshtx-go/pkg/common"
	"github.com/Sudo-Ivan/meshtx-go/pkg/debug"
)

const (
	// DefaultMulticastGroup carries discovery beacons. Administratively
	// scoped, so beacons never leave the local network.
	DefaultMulticastGroup = "239.77.84.88"

	udpReadBufferSize = 65535

	// Peers missing this many beacon intervals are dropped.
	beaconMissLimit = 3
)

// beaconMagic prefixes discovery datagrams so they are never mistaken
// for mesh frames.
var beaconMagic = []byte("MTXB")

const beaconSize = 4 + 16

type udpPeer struct {
	addr     *net.UDPAddr
	nodeID   uuid.UUID
	static   bool
	lastSeen time.Time
}

// UDPAdapter is a datagram transport for development meshes on a LAN.
// Static peers come from configuration; with a discovery port set the
// adapter also announces itself over multicast so nodes find each other
// without any. Frames and beacons share one data socket, so the source
// address of every datagram is the sender's reachable address.
type UDPAdapter struct {
	common.BaseAdapter

	nodeID   uuid.UUID
	listen   *net.UDPAddr
	conn     *net.UDPConn
	discConn *net.UDPConn
	discAddr *net.UDPAddr

	beaconInterval time.Duration

	peersMutex sync.RWMutex
	peers      map[string]*udpPeer

	done     chan struct{}
	stopOnce sync.Once
}

func NewUDPAdapter(cfg *common.AdapterConfig, nodeID uuid.UUID) (*UDPAdapter, error) {
	address := cfg.Address
	if address == "" {
		address = "0.0.0.0"
	}
	listen, err := net.ResolveUDPAddr("udp", fmt.Sprintf("%s:%d", address, cfg.Port))
	if err != nil {
		return nil, fmt.Errorf("invalid listen address: %w", err)
	}

	a := &UDPAdapter{
		BaseAdapter: common.NewBaseAdapter(cfg.Name, common.ADAPTER_TYPE_UDP),
		nodeID:      nodeID,
		listen:      listen,
		peers:       make(map[string]*udpPeer),
		done:        make(chan struct{}),
	}
	if cfg.MTU > 0 {
		a.MTU = cfg.MTU
	}

	interval := cfg.BeaconIntervalSecs
	if interval <= 0 {
		interval = common.DEFAULT_BEACON_INTERVAL_SECS
	}
	a.beaconInterval = time.Duration(interval) * time.Second

	if cfg.DiscoveryPort > 0 {
		a.discAddr = &net.UDPAddr{
			IP:   net.ParseIP(DefaultMulticastGroup),
			Port: cfg.DiscoveryPort,
		}
	}

	for _, p := range cfg.Peers {
		addr, err := net.ResolveUDPAddr("udp", p)
		if err != nil {
			return nil, fmt.Errorf("invalid static peer %q: %w", p, err)
		}
		a.peers[addr.String()] = &udpPeer{addr: addr, static: true, lastSeen: time.Now()}
	}

	return a, nil
}

func (a *UDPAdapter) Start(ctx context.Context) error {
	conn, err := net.ListenUDP("udp", a.listen)
	if err != nil {
		return fmt.Errorf("failed to bind %s: %w", a.listen, err)
	}
	if err := conn.SetReadBuffer(udpReadBufferSize); err != nil {
		debug.Log(debug.DEBUG_ERROR, "Failed to set read buffer", "error", err)
	}
	a.conn = conn

	if a.discAddr != nil {
		disc, err := net.ListenMulticastUDP("udp", nil, a.discAddr)
		if err != nil {
			conn.Close()
			return fmt.Errorf("failed to join discovery group: %w", err)
		}
		a.discConn = disc
		go a.readLoop(disc, "discovery")
	}

	a.SetOnline(true)
	go a.readLoop(conn, "data")
	go a.beaconLoop()
	go a.expireLoop()

	go func() {
		select {
		case <-ctx.Done():
			_ = a.Stop()
		case <-a.done:
		}
	}()

	debug.Log(debug.DEBUG_INFO, "UDP adapter listening", "name", a.GetName(), "addr", conn.LocalAddr().String())
	return nil
}

func (a *UDPAdapter) Stop() error {
	a.stopOnce.Do(func() {
		a.SetOnline(false)
		close(a.done)
		if a.conn != nil {
			a.conn.Close()
		}
		if a.discConn != nil {
			a.discConn.Close()
		}
		debug.Log(debug.DEBUG_INFO, "UDP adapter stopped", "name", a.GetName())
	})
	return nil
}

// LocalAddr returns the bound data address, resolving port 0 to the
// port actually assigned. Only valid after Start.
func (a *UDPAdapter) LocalAddr() string {
	if a.conn == nil {
		return a.listen.String()
	}
	return a.conn.LocalAddr().String()
}

func (a *UDPAdapter) readLoop(conn *net.UDPConn, socket string) {
	buf := make([]byte, udpReadBufferSize)
	for {
		n, remote, err := conn.ReadFromUDP(buf)
		if err != nil {
			if a.IsOnline() {
				debug.Log(debug.DEBUG_ERROR, "UDP read error", "socket", socket, "error", err)
			}
			return
		}

		if n >= beaconSize && bytes.Equal(buf[:len(beaconMagic)], beaconMagic) {
			a.handleBeacon(buf[:n], remote)
			continue
		}

		frame := make([]byte, n)
		copy(frame, buf[:n])
		a.CountReceived(n)

		if cb := a.GetReceiveCallback(); cb != nil {
			cb(frame, remote.String())
		}
	}
}

func (a *UDPAdapter) handleBeacon(pkt []byte, remote *net.UDPAddr) {
	var id uuid.UUID
	copy(id[:], pkt[len(beaconMagic):beaconSize])

	// Own multicast echo.
	if id == a.nodeID {
		return
	}

	key := remote.String()
	now := time.Now()

	a.peersMutex.Lock()
	defer a.peersMutex.Unlock()

	if p, exists := a.peers[key]; exists {
		p.lastSeen = now
		p.nodeID = id
		debug.Log(debug.DEBUG_TRACE, "Refreshed peer", "peer", key)
		return
	}

	a.peers[key] = &udpPeer{addr: remote, nodeID: id, lastSeen: now}
	debug.Log(debug.DEBUG_INFO, "Discovered new peer", "peer", key, "node_id", id.String())
}

func (a *UDPAdapter) beaconLoop() {
	ticker := time.NewTicker(a.beaconInterval)
	defer ticker.Stop()

	a.sendBeacon()
	for {
		select {
		case <-a.done:
			return
		case <-ticker.C:
			a.sendBeacon()
		}
	}
}

func (a *UDPAdapter) sendBeacon() {
	pkt := make([]byte, 0, beaconSize)
	pkt = append(pkt, beaconMagic...)
	pkt = append(pkt, a.nodeID[:]...)

	if a.discAddr != nil {
		if _, err := a.conn.WriteToUDP(pkt, a.discAddr); err != nil {
			debug.Log(debug.DEBUG_VERBOSE, "Failed to send discovery beacon", "error", err)
		}
	}

	a.peersMutex.RLock()
	defer a.peersMutex.RUnlock()
	for _, p := range a.peers {
		if _, err := a.conn.WriteToUDP(pkt, p.addr); err != nil {
			debug.Log(debug.DEBUG_VERBOSE, "Failed to send beacon", "peer", p.addr.String(), "error", err)
		} else {
			debug.Log(debug.DEBUG_TRACE, "Sent beacon", "peer", p.addr.String())
		}
	}
}

func (a *UDPAdapter) expireLoop() {
	ticker := time.NewTicker(a.beaconInterval)
	defer ticker.Stop()

	for {
		select {
		case <-a.done:
			return
		case <-ticker.C:
			a.expirePeers()
		}
	}
}

func (a *UDPAdapter) expirePeers() {
	timeout := beaconMissLimit * a.beaconInterval
	now := time.Now()

	a.peersMutex.Lock()
	defer a.peersMutex.Unlock()

	for key, p := range a.peers {
		if p.static {
			continue
		}
		if now.Sub(p.lastSeen) > timeout {
			delete(a.peers, key)
			debug.Log(debug.DEBUG_VERBOSE, "Removed timed out peer", "peer", key)
		}
	}
}

func (a *UDPAdapter) lookupPeer(peerID string) *net.UDPAddr {
	a.peersMutex.RLock()
	defer a.peersMutex.RUnlock()
	if p, exists := a.peers[peerID]; exists {
		return p.addr
	}
	return nil
}

// Send delivers one frame to a peer. Unknown peer IDs are treated as
// raw addresses, so a frame can be sent before discovery names the peer.
func (a *UDPAdapter) Send(peerID string, frame []byte) error {
	if !a.IsOnline() {
		return ErrOffline
	}
	if len(frame) > a.GetMTU() {
		return fmt.Errorf("%w: %d > %d", ErrFrameTooLarge, len(frame), a.GetMTU())
	}

	addr := a.lookupPeer(peerID)
	if addr == nil {
		resolved, err := net.ResolveUDPAddr("udp", peerID)
		if err != nil {
			return fmt.Errorf("%w: %s", ErrUnknownPeer, peerID)
		}
		addr = resolved
	}

	if _, err := a.conn.WriteToUDP(frame, addr); err != nil {
		return fmt.Errorf("UDP write failed: %w", err)
	}
	a.CountSent(len(frame))
	return nil
}

func (a *UDPAdapter) Broadcast(frame []byte) error {
	if !a.IsOnline() {
		return ErrOffline
	}
	if len(frame) > a.GetMTU() {
		return fmt.Errorf("%w: %d > %d", ErrFrameTooLarge, len(frame), a.GetMTU())
	}

	a.peersMutex.RLock()
	targets := make([]*net.UDPAddr, 0, len(a.peers))
	for _, p := range a.peers {
		targets = append(targets, p.addr)
	}
	a.peersMutex.RUnlock()

	if len(targets) == 0 {
		debug.Log(debug.DEBUG_TRACE, "No peers available for broadcast")
		return nil
	}

	sentCount := 0
	for _, addr := range targets {
		if _, err := a.conn.WriteToUDP(frame, addr); err != nil {
			debug.Log(debug.DEBUG_VERBOSE, "Failed to send to peer", "peer", addr.String(), "error", err)
			continue
		}
		sentCount++
	}

	if sentCount > 0 {
		a.CountSent(len(frame))
		debug.Log(debug.DEBUG_PACKETS, "Broadcast frame", "peers", sentCount, "bytes", len(frame))
	}
	return nil
}

func (a *UDPAdapter) Discover() []common.DiscoveredPeer {
	a.peersMutex.RLock()
	defer a.peersMutex.RUnlock()

	peers := make([]common.DiscoveredPeer, 0, len(a.peers))
	for key, p := range a.peers {
		d := common.DiscoveredPeer{ID: key, LastSeen: p.lastSeen}
		if p.nodeID != uuid.Nil {
			d.Name = p.nodeID.String()
		}
		if p.static {
			d.Capabilities = []string{"static"}
		}
		peers = append(peers, d)
	}
	return peers
}

// Connect registers a peer address for sending. UDP has no handshake;
// the address is kept like a configured static peer.
func (a *UDPAdapter) Connect(ctx context.Context, peerID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	addr, err := net.ResolveUDPAddr("udp", peerID)
	if err != nil {
		return fmt.Errorf("invalid peer address %q: %w", peerID, err)
	}

	a.peersMutex.Lock()
	defer a.peersMutex.Unlock()
	if _, exists := a.peers[addr.String()]; !exists {
		a.peers[addr.String()] = &udpPeer{addr: addr, static: true, lastSeen: time.Now()}
	}
	return nil
}
