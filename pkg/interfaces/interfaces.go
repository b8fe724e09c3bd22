// Package interfaces provides the transport adapters bundled with the
// node: an in-process memory hub for tests and multi-node simulations,
// and a UDP datagram adapter for development meshes on a LAN. Platform
// radio backends implement common.Adapter outside this repository.
package interfaces

import (
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/Sudo-Ivan/meshtx-go/pkg/common"
)

var (
	ErrOffline       = errors.New("adapter offline")
	ErrUnknownPeer   = errors.New("unknown peer")
	ErrFrameTooLarge = errors.New("frame exceeds MTU")
)

// FromConfig builds the adapter a configuration section declares. Memory
// adapters are wired programmatically through a MemoryHub and cannot be
// declared in configuration.
func FromConfig(cfg *common.AdapterConfig, nodeID uuid.UUID) (common.Adapter, error) {
	switch cfg.Type {
	case "UDPAdapter":
		return NewUDPAdapter(cfg, nodeID)
	default:
		return nil, fmt.Errorf("unknown adapter type: %q", cfg.Type)
	}
}
