package interfaces

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/Sudo-Ivan/meshtx-go/pkg/common"
	"github.com/Sudo-Ivan/meshtx-go/pkg/debug"
)

// MemoryHub connects memory adapters inside one process. Frames are
// delivered synchronously on the sender's goroutine; receive callbacks
// hand them to a channel per the common.ReceiveCallback contract.
type MemoryHub struct {
	mutex    sync.Mutex
	adapters map[string]*MemoryAdapter
	rssi     map[string]int16
	loss     map[string]float64
	rng      *rand.Rand
}

func NewMemoryHub() *MemoryHub {
	return &MemoryHub{
		adapters: make(map[string]*MemoryAdapter),
		rssi:     make(map[string]int16),
		loss:     make(map[string]float64),
		rng:      rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// NewAdapter attaches a memory adapter to the hub under the given peer ID.
func (h *MemoryHub) NewAdapter(id string) *MemoryAdapter {
	a := &MemoryAdapter{
		BaseAdapter: common.NewBaseAdapter(id, common.ADAPTER_TYPE_MEMORY),
		hub:         h,
		id:          id,
	}

	h.mutex.Lock()
	h.adapters[id] = a
	h.mutex.Unlock()
	return a
}

// Detach removes an adapter from the hub entirely, as if the node left
// the radio range of everyone.
func (h *MemoryHub) Detach(id string) {
	h.mutex.Lock()
	delete(h.adapters, id)
	h.mutex.Unlock()
}

// SetRSSI fixes the signal strength reported for a peer in discovery.
func (h *MemoryHub) SetRSSI(id string, rssi int16) {
	h.mutex.Lock()
	h.rssi[id] = rssi
	h.mutex.Unlock()
}

// SetLoss drops the given fraction of frames on the from->to direction.
// 0 delivers everything, 1 drops everything.
func (h *MemoryHub) SetLoss(from, to string, rate float64) {
	h.mutex.Lock()
	h.loss[from+"->"+to] = rate
	h.mutex.Unlock()
}

func (h *MemoryHub) dropped(from, to string) bool {
	h.mutex.Lock()
	defer h.mutex.Unlock()

	rate := h.loss[from+"->"+to]
	if rate <= 0 {
		return false
	}
	if rate >= 1 {
		return true
	}
	return h.rng.Float64() < rate
}

func (h *MemoryHub) lookup(id string) *MemoryAdapter {
	h.mutex.Lock()
	defer h.mutex.Unlock()
	return h.adapters[id]
}

// deliver hands one frame to a target adapter. The target gets its own
// copy so the sender may reuse the buffer.
func (h *MemoryHub) deliver(from string, to *MemoryAdapter, frame []byte) bool {
	if !to.IsOnline() {
		return false
	}
	if h.dropped(from, to.id) {
		return false
	}

	cb := to.GetReceiveCallback()
	if cb == nil {
		return false
	}

	buf := make([]byte, len(frame))
	copy(buf, frame)
	to.CountReceived(len(buf))
	cb(buf, from)
	return true
}

func (h *MemoryHub) send(from, to string, frame []byte) error {
	target := h.lookup(to)
	if target == nil {
		return fmt.Errorf("%w: %s", ErrUnknownPeer, to)
	}

	// A dropped frame was still handed to the transport.
	h.deliver(from, target, frame)
	return nil
}

func (h *MemoryHub) broadcast(from string, frame []byte) int {
	h.mutex.Lock()
	targets := make([]*MemoryAdapter, 0, len(h.adapters))
	for id, a := range h.adapters {
		if id == from {
			continue
		}
		targets = append(targets, a)
	}
	h.mutex.Unlock()

	delivered := 0
	for _, t := range targets {
		if h.deliver(from, t, frame) {
			delivered++
		}
	}
	return delivered
}

func (h *MemoryHub) discover(self string) []common.DiscoveredPeer {
	h.mutex.Lock()
	defer h.mutex.Unlock()

	peers := make([]common.DiscoveredPeer, 0, len(h.adapters))
	for id, a := range h.adapters {
		if id == self || !a.IsOnline() {
			continue
		}
		peers = append(peers, common.DiscoveredPeer{
			ID:       id,
			Name:     id,
			RSSI:     h.rssi[id],
			LastSeen: time.Now(),
		})
	}
	return peers
}

// MemoryAdapter is an in-process transport for tests and simulations.
type MemoryAdapter struct {
	common.BaseAdapter
	hub *MemoryHub
	id  string
}

func (a *MemoryAdapter) Start(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	a.SetOnline(true)
	debug.Log(debug.DEBUG_VERBOSE, "Memory adapter started", "id", a.id)
	return nil
}

func (a *MemoryAdapter) Stop() error {
	a.SetOnline(false)
	return nil
}

func (a *MemoryAdapter) Send(peerID string, frame []byte) error {
	if !a.IsOnline() {
		return ErrOffline
	}
	if len(frame) > a.GetMTU() {
		return fmt.Errorf("%w: %d > %d", ErrFrameTooLarge, len(frame), a.GetMTU())
	}

	if err := a.hub.send(a.id, peerID, frame); err != nil {
		return err
	}
	a.CountSent(len(frame))
	return nil
}

func (a *MemoryAdapter) Broadcast(frame []byte) error {
	if !a.IsOnline() {
		return ErrOffline
	}
	if len(frame) > a.GetMTU() {
		return fmt.Errorf("%w: %d > %d", ErrFrameTooLarge, len(frame), a.GetMTU())
	}

	delivered := a.hub.broadcast(a.id, frame)
	a.CountSent(len(frame))
	debug.Log(debug.DEBUG_PACKETS, "Broadcast frame", "from", a.id, "delivered", delivered, "bytes", len(frame))
	return nil
}

func (a *MemoryAdapter) Discover() []common.DiscoveredPeer {
	return a.hub.discover(a.id)
}

func (a *MemoryAdapter) Connect(ctx context.Context, peerID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if a.hub.lookup(peerID) == nil {
		return fmt.Errorf("%w: %s", ErrUnknownPeer, peerID)
	}
	return nil
}
