package packet

// Type identifies the payload carried behind the fixed mesh header.
type Type byte

const (
	// Packet Types
	TypePing                Type = 0x01
	TypePong                Type = 0x02
	TypeTransactionFragment Type = 0x03
	TypeTransactionAck      Type = 0x04
	TypeTopologyQuery       Type = 0x05
	TypeTopologyResponse    Type = 0x06
	TypeTextMessage         Type = 0x07

	// Wire layout
	ProtocolVersion = 1
	HeaderSize      = 42  // fixed header prologue
	MaxPayloadSize  = 512 // transport MTU

	// Flood control budget
	DefaultTTL = 10
	MaxHops    = 10
)

// Header byte offsets. Bytes 4-9 are reserved and encode as zero.
const (
	offType     = 0
	offVersion  = 1
	offTTL      = 2
	offHopCount = 3
	offMessage  = 10
	offSender   = 26
)

func (t Type) Valid() bool {
	return t >= TypePing && t <= TypeTextMessage
}

func (t Type) String() string {
	switch t {
	case TypePing:
		return "ping"
	case TypePong:
		return "pong"
	case TypeTransactionFragment:
		return "transaction_fragment"
	case TypeTransactionAck:
		return "transaction_ack"
	case TypeTopologyQuery:
		return "topology_query"
	case TypeTopologyResponse:
		return "topology_response"
	case TypeTextMessage:
		return "text_message"
	default:
		return "unknown"
	}
}
