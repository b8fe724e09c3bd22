package common

import (
	"time"
)

// Adapter types
type AdapterType byte

// ReceiveCallback is invoked by an adapter for every raw frame received,
// with the peer identifier the frame arrived from. Adapters must not
// assume the callback returns quickly; implementations hand frames to a
// channel and return.
type ReceiveCallback func(frame []byte, fromPeer string)

// DiscoveredPeer describes a peer sighted by an adapter's discovery
// mechanism before any connection is attempted.
type DiscoveredPeer struct {
	ID           string
	Name         string
	RSSI         int16
	Capabilities []string
	LastSeen     time.Time
}

// AdapterStats holds transfer counters for one adapter.
type AdapterStats struct {
	BytesSent      uint64
	BytesReceived  uint64
	FramesSent     uint64
	FramesReceived uint64
	LastUpdated    time.Time
}
