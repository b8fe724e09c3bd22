package common

import (
	"context"
	"sync"
	"time"
)

// Adapter is the transport capability the mesh core depends on. The core
// never implements an adapter; platform radio backends and the in-repo
// development adapters satisfy it. A nil error from Send means the frame
// was handed to the transport, not that the peer received it.
type Adapter interface {
	Start(ctx context.Context) error
	Stop() error

	// Send delivers one frame to a specific peer. Broadcast delivers one
	// frame to every reachable peer.
	Send(peerID string, frame []byte) error
	Broadcast(frame []byte) error

	// All receipt is callback-based; the core never polls the adapter
	// for inbound frames.
	SetReceiveCallback(cb ReceiveCallback)

	Discover() []DiscoveredPeer
	Connect(ctx context.Context, peerID string) error

	GetMTU() int
	GetName() string
	GetType() AdapterType
	GetStats() AdapterStats
	IsOnline() bool
}

// BaseAdapter carries the state every adapter implementation shares.
type BaseAdapter struct {
	Name   string
	Type   AdapterType
	Online bool

	MTU int

	Stats AdapterStats

	Mutex    sync.RWMutex
	Callback ReceiveCallback
}

func NewBaseAdapter(name string, adapterType AdapterType) BaseAdapter {
	return BaseAdapter{
		Name: name,
		Type: adapterType,
		MTU:  DEFAULT_MTU,
	}
}

func (a *BaseAdapter) GetMTU() int {
	return a.MTU
}

func (a *BaseAdapter) GetName() string {
	return a.Name
}

func (a *BaseAdapter) GetType() AdapterType {
	return a.Type
}

func (a *BaseAdapter) IsOnline() bool {
	a.Mutex.RLock()
	defer a.Mutex.RUnlock()
	return a.Online
}

func (a *BaseAdapter) SetReceiveCallback(cb ReceiveCallback) {
	a.Mutex.Lock()
	defer a.Mutex.Unlock()
	a.Callback = cb
}

func (a *BaseAdapter) GetReceiveCallback() ReceiveCallback {
	a.Mutex.RLock()
	defer a.Mutex.RUnlock()
	return a.Callback
}

func (a *BaseAdapter) SetOnline(online bool) {
	a.Mutex.Lock()
	defer a.Mutex.Unlock()
	a.Online = online
}

func (a *BaseAdapter) CountSent(n int) {
	a.Mutex.Lock()
	defer a.Mutex.Unlock()
	a.Stats.BytesSent += uint64(n)
	a.Stats.FramesSent++
	a.Stats.LastUpdated = time.Now()
}

func (a *BaseAdapter) CountReceived(n int) {
	a.Mutex.Lock()
	defer a.Mutex.Unlock()
	a.Stats.BytesReceived += uint64(n)
	a.Stats.FramesReceived++
	a.Stats.LastUpdated = time.Now()
}

func (a *BaseAdapter) GetStats() AdapterStats {
	a.Mutex.RLock()
	defer a.Mutex.RUnlock()
	return a.Stats
}
