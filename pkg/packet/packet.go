package packet

import (
	"errors"
	"fmt"

	"github.com/google/uuid"
)

var ErrInvalidPacket = errors.New("invalid packet")

// Header is the fixed 42-byte prologue of every frame on the mesh.
// MessageID names one flooded message and never changes as the frame is
// forwarded; SenderID is the original sender, equally stable. Only TTL
// and HopCount mutate between receipt and retransmission, and only
// through PrepareForForward.
type Header struct {
	Type      Type
	Version   byte
	TTL       byte
	HopCount  byte
	MessageID uuid.UUID
	SenderID  uuid.UUID
}

// NewHeader creates a header for a freshly originated message with a
// random message ID and a full TTL budget.
func NewHeader(t Type, sender uuid.UUID) Header {
	return Header{
		Type:      t,
		Version:   ProtocolVersion,
		TTL:       DefaultTTL,
		HopCount:  0,
		MessageID: uuid.New(),
		SenderID:  sender,
	}
}

func (h *Header) Serialize() []byte {
	buf := make([]byte, HeaderSize)
	buf[offType] = byte(h.Type)
	buf[offVersion] = h.Version
	buf[offTTL] = h.TTL
	buf[offHopCount] = h.HopCount
	copy(buf[offMessage:offMessage+16], h.MessageID[:])
	copy(buf[offSender:offSender+16], h.SenderID[:])
	return buf
}

// DeserializeHeader decodes the fixed prologue. Reserved bytes are
// ignored for forward compatibility.
func DeserializeHeader(buf []byte) (Header, error) {
	var h Header
	if len(buf) < HeaderSize {
		return h, fmt.Errorf("%w: truncated header (%d bytes)", ErrInvalidPacket, len(buf))
	}

	t := Type(buf[offType])
	if !t.Valid() {
		return h, fmt.Errorf("%w: unknown packet type 0x%02x", ErrInvalidPacket, buf[offType])
	}

	h.Type = t
	h.Version = buf[offVersion]
	h.TTL = buf[offTTL]
	h.HopCount = buf[offHopCount]
	copy(h.MessageID[:], buf[offMessage:offMessage+16])
	copy(h.SenderID[:], buf[offSender:offSender+16])
	return h, nil
}

// PrepareForForward spends one hop of the flood budget: TTL decrements
// (floor zero) and HopCount increments. ttl+hop_count never increases
// along a path.
func (h *Header) PrepareForForward() {
	if h.TTL > 0 {
		h.TTL--
	}
	h.HopCount++
}

// Packet is one full frame: header followed by payload.
type Packet struct {
	Header  Header
	Payload []byte
}

func New(t Type, sender uuid.UUID, payload []byte) *Packet {
	return &Packet{
		Header:  NewHeader(t, sender),
		Payload: payload,
	}
}

func (p *Packet) Serialize() []byte {
	buf := p.Header.Serialize()
	return append(buf, p.Payload...)
}

func Deserialize(buf []byte) (*Packet, error) {
	h, err := DeserializeHeader(buf)
	if err != nil {
		return nil, err
	}

	payload := make([]byte, len(buf)-HeaderSize)
	copy(payload, buf[HeaderSize:])
	return &Packet{Header: h, Payload: payload}, nil
}
