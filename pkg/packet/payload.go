package packet

import (
	"fmt"

	"github.com/vmihailenco/msgpack/v5"
)

// Payload is implemented by the typed bodies that ride behind the fixed
// header. Pack and Unpack are exact inverses. Fragment bodies use their
// own fixed binary layout (pkg/fragment); text messages are raw UTF-8;
// ping and pong bodies are the 16-byte message ID being echoed.
type Payload interface {
	Pack() ([]byte, error)
	Unpack([]byte) error
	PacketType() Type
}

// AckPayload relays a definitive submission outcome back toward the
// transaction's origin. RelayCount counts the mesh hops this
// confirmation has already been re-broadcast over.
type AckPayload struct {
	TransactionID []byte `msgpack:"transaction_id"`
	Confirmed     bool   `msgpack:"confirmed"`
	Signature     string `msgpack:"signature"`
	Error         string `msgpack:"error"`
	Timestamp     int64  `msgpack:"timestamp"`
	RelayCount    uint8  `msgpack:"relay_count"`
	MaxHops       uint8  `msgpack:"max_hops"`
}

func (a *AckPayload) Pack() ([]byte, error) {
	data, err := msgpack.Marshal(a)
	if err != nil {
		return nil, fmt.Errorf("failed to pack ack payload: %w", err)
	}
	return data, nil
}

func (a *AckPayload) Unpack(data []byte) error {
	if err := msgpack.Unmarshal(data, a); err != nil {
		return fmt.Errorf("%w: bad ack payload: %v", ErrInvalidPacket, err)
	}
	if len(a.TransactionID) != 32 {
		return fmt.Errorf("%w: ack transaction id is %d bytes", ErrInvalidPacket, len(a.TransactionID))
	}
	return nil
}

func (a *AckPayload) PacketType() Type {
	return TypeTransactionAck
}

// TopologyPayload carries a node's view of the connection graph. A query
// sends only NodeID; a response fills Neighbors and, when known, the
// wider adjacency map.
type TopologyPayload struct {
	NodeID    string              `msgpack:"node_id"`
	Neighbors []string            `msgpack:"neighbors"`
	Adjacency map[string][]string `msgpack:"adjacency,omitempty"`
}

func (t *TopologyPayload) Pack() ([]byte, error) {
	data, err := msgpack.Marshal(t)
	if err != nil {
		return nil, fmt.Errorf("failed to pack topology payload: %w", err)
	}
	return data, nil
}

func (t *TopologyPayload) Unpack(data []byte) error {
	if err := msgpack.Unmarshal(data, t); err != nil {
		return fmt.Errorf("%w: bad topology payload: %v", ErrInvalidPacket, err)
	}
	return nil
}

func (t *TopologyPayload) PacketType() Type {
	return TypeTopologyResponse
}
