package common

const (
	// Adapter Types
	ADAPTER_TYPE_MEMORY AdapterType = iota
	ADAPTER_TYPE_UDP
	ADAPTER_TYPE_EXTERNAL

	// Common Constants
	// A full frame is the 42-byte header plus up to 512 payload bytes.
	DEFAULT_MTU     = 554
	MAX_PACKET_SIZE = 65535

	// UDP adapter beaconing
	DEFAULT_BEACON_INTERVAL_SECS = 5
	DEFAULT_DISCOVERY_PORT       = 42671

	// Depth of the inbound frame channel between an adapter's receive
	// callback and the node's process loop.
	INBOUND_QUEUE_DEPTH = 256
)
