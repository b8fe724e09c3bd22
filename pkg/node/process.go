package node

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/Sudo-Ivan/meshtx-go/pkg/common"
	"github.com/Sudo-Ivan/meshtx-go/pkg/debug"
	"github.com/Sudo-Ivan/meshtx-go/pkg/fragment"
	"github.com/Sudo-Ivan/meshtx-go/pkg/packet"
	"github.com/Sudo-Ivan/meshtx-go/pkg/queue"
)

// enqueueFrame runs on the adapter's receive path. It must never
// block, so a full inbound channel drops the frame.
func (n *Node) enqueueFrame(a common.Adapter, frame []byte, from string) {
	select {
	case n.inbound <- inboundFrame{adapter: a, data: frame, from: from}:
	default:
		debug.Log(debug.DEBUG_VERBOSE, "Inbound queue full, dropping frame",
			"from", from, "bytes", len(frame))
	}
}

// processLoop is the single consumer of the inbound channel. All mesh
// state mutation triggered by received frames happens here.
func (n *Node) processLoop(ctx context.Context) {
	defer n.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case f := <-n.inbound:
			n.processFrame(ctx, f)
		}
	}
}

func (n *Node) processFrame(ctx context.Context, f inboundFrame) {
	pkt, err := packet.Deserialize(f.data)
	if err != nil {
		debug.Log(debug.DEBUG_VERBOSE, "Dropping malformed frame",
			"from", f.from, "bytes", len(f.data), "error", err)
		return
	}

	// Broadcast transports echo our own frames back.
	if pkt.Header.SenderID == n.id.NodeID() {
		return
	}

	n.noteRoute(f.from, f.adapter)
	n.touchPeer(f.from, pkt.Header.SenderID)

	if !n.router.ShouldForward(&pkt.Header) {
		debug.Log(debug.DEBUG_TRACE, "Dropping packet",
			"type", pkt.Header.Type, "message_id", pkt.Header.MessageID,
			"ttl", pkt.Header.TTL, "hops", pkt.Header.HopCount)
		return
	}
	n.router.MarkSeen(pkt.Header.MessageID, pkt.Header.HopCount)

	debug.Log(debug.DEBUG_PACKETS, "Received packet",
		"type", pkt.Header.Type, "from", f.from,
		"sender", pkt.Header.SenderID, "ttl", pkt.Header.TTL,
		"hops", pkt.Header.HopCount, "payload_bytes", len(pkt.Payload))

	switch pkt.Header.Type {
	case packet.TypeTransactionFragment:
		n.handleFragment(ctx, pkt)
	case packet.TypePing:
		n.handlePing(ctx, pkt, f.from)
	case packet.TypePong:
		n.handlePong(pkt, f.from)
	case packet.TypeTransactionAck:
		n.handleAck(pkt)
	case packet.TypeTopologyQuery:
		n.handleTopologyQuery(ctx, pkt, f.from)
	case packet.TypeTopologyResponse:
		n.handleTopologyResponse(pkt, f.from)
	case packet.TypeTextMessage:
		n.handleText(pkt, f.from)
	default:
		debug.Log(debug.DEBUG_VERBOSE, "Dropping packet of unknown type",
			"type", byte(pkt.Header.Type), "from", f.from)
	}
}

// touchPeer keeps the peer table and health monitor current for every
// frame, whatever its type.
func (n *Node) touchPeer(peerID string, sender uuid.UUID) {
	rssi := int16(0)
	if p, ok := n.peers.Peer(peerID); ok {
		rssi = p.RSSI
	}
	n.peers.AddPeer(peerID, rssi)
	if sender != uuid.Nil {
		n.peers.AssociateNode(peerID, sender)
	}
	n.monitor.RecordHeartbeat(peerID)
	n.monitor.RecordPacketReceived(peerID)
}

// handleFragment feeds a transaction fragment to the reassembler and
// flood-forwards the packet onward. Fragments are the only frames that
// propagate beyond one hop unmodified.
func (n *Node) handleFragment(ctx context.Context, pkt *packet.Packet) {
	frag, err := fragment.Deserialize(pkt.Payload)
	if err != nil {
		debug.Log(debug.DEBUG_VERBOSE, "Dropping malformed fragment",
			"sender", pkt.Header.SenderID, "error", err)
		return
	}

	payload, err := n.router.ProcessFragment(frag)
	if err != nil {
		debug.Log(debug.DEBUG_VERBOSE, "Rejected fragment",
			"tx_id", frag.TxIDHex()[:8], "index", frag.Index, "error", err)
		return
	}
	if payload != nil {
		debug.Log(debug.DEBUG_INFO, "Reassembled transaction",
			"tx_id", frag.TxIDHex()[:8], "bytes", len(payload),
			"fragments", frag.Total)
	}

	n.forward(ctx, pkt)
}

// forward re-broadcasts a packet after spending one hop of its flood
// budget. Exhausted packets stop here.
func (n *Node) forward(ctx context.Context, pkt *packet.Packet) {
	pkt.Header.PrepareForForward()
	if pkt.Header.TTL == 0 || pkt.Header.HopCount >= packet.MaxHops {
		debug.Log(debug.DEBUG_TRACE, "Flood budget exhausted",
			"message_id", pkt.Header.MessageID, "hops", pkt.Header.HopCount)
		return
	}
	if err := n.transmitBroadcast(ctx, pkt.Serialize()); err != nil {
		debug.Log(debug.DEBUG_VERBOSE, "Forward failed",
			"message_id", pkt.Header.MessageID, "error", err)
	}
}

// handlePing answers with a pong echoing the ping's message ID so the
// sender can match the reply to its probe.
func (n *Node) handlePing(ctx context.Context, pkt *packet.Packet, from string) {
	if len(pkt.Payload) != 16 {
		debug.Log(debug.DEBUG_VERBOSE, "Dropping ping with bad payload",
			"from", from, "bytes", len(pkt.Payload))
		return
	}
	pong := packet.New(packet.TypePong, n.id.NodeID(), pkt.Payload)
	if err := n.transmitTo(ctx, from, pong.Serialize()); err != nil {
		debug.Log(debug.DEBUG_VERBOSE, "Pong failed", "to", from, "error", err)
	}
}

// handlePong closes out a round-trip probe and records the latency.
func (n *Node) handlePong(pkt *packet.Packet, from string) {
	echoed, err := uuid.FromBytes(pkt.Payload)
	if err != nil {
		debug.Log(debug.DEBUG_VERBOSE, "Dropping pong with bad payload",
			"from", from, "bytes", len(pkt.Payload))
		return
	}

	n.probeMu.Lock()
	probe, ok := n.probes[echoed]
	if ok {
		delete(n.probes, echoed)
	}
	n.probeMu.Unlock()
	if !ok {
		return
	}

	rtt := time.Since(probe.sentAt)
	n.monitor.RecordLatency(probe.peerID, uint32(rtt.Milliseconds()))
	debug.Log(debug.DEBUG_VERBOSE, "Measured round trip",
		"peer", probe.peerID, "rtt", rtt.Round(time.Millisecond))
}

// handleAck terminates a confirmation at its origin or re-queues it
// for relay. Relay hops are bounded by the payload's own budget, not
// the header's, because each relay leg is a fresh packet.
func (n *Node) handleAck(pkt *packet.Packet) {
	var ack packet.AckPayload
	if err := ack.Unpack(pkt.Payload); err != nil {
		debug.Log(debug.DEBUG_VERBOSE, "Dropping malformed ack",
			"sender", pkt.Header.SenderID, "error", err)
		return
	}

	var txID [32]byte
	copy(txID[:], ack.TransactionID)

	maxHops := ack.MaxHops
	if maxHops == 0 {
		maxHops = queue.DefaultConfirmationHops
	}

	c := queue.Confirmation{
		OriginalTxID: txID,
		Confirmed:    ack.Confirmed,
		Signature:    ack.Signature,
		Error:        ack.Error,
		Timestamp:    ack.Timestamp,
		RelayCount:   ack.RelayCount,
		MaxHops:      maxHops,
	}

	if ours, firstSeen := n.resolveOrigin(txID); ours {
		if firstSeen {
			n.recordOutcome(c)
			debug.Log(debug.DEBUG_INFO, "Received outcome for own transaction",
				"tx_id", c.TxIDHex()[:8], "confirmed", c.Confirmed,
				"relays", c.RelayCount)
		}
		return
	}

	if !c.IncrementRelay() {
		debug.Log(debug.DEBUG_TRACE, "Confirmation relay budget spent",
			"tx_id", c.TxIDHex()[:8], "relays", c.RelayCount)
		return
	}
	if err := n.queues.Confirmations.Push(c); err != nil {
		debug.Log(debug.DEBUG_VERBOSE, "Failed to queue confirmation relay",
			"tx_id", c.TxIDHex()[:8], "error", err)
		return
	}
	n.kick()
}

// handleTopologyQuery answers with this node's direct neighbors plus
// the adjacency it has learned from earlier responses.
func (n *Node) handleTopologyQuery(ctx context.Context, pkt *packet.Packet, from string) {
	var query packet.TopologyPayload
	if err := query.Unpack(pkt.Payload); err != nil {
		debug.Log(debug.DEBUG_VERBOSE, "Dropping malformed topology query",
			"from", from, "error", err)
		return
	}
	if id, err := uuid.Parse(query.NodeID); err == nil {
		n.peers.AssociateNode(from, id)
	}

	self := n.id.NodeID().String()
	neighbors := n.connectedLabels()

	adjacency := n.monitor.GetSnapshot().Topology.Connections
	if adjacency == nil {
		adjacency = make(map[string][]string)
	}
	adjacency[self] = neighbors

	resp := packet.TopologyPayload{
		NodeID:    self,
		Neighbors: neighbors,
		Adjacency: adjacency,
	}
	body, err := resp.Pack()
	if err != nil {
		debug.Log(debug.DEBUG_ERROR, "Failed to pack topology response", "error", err)
		return
	}
	out := packet.New(packet.TypeTopologyResponse, n.id.NodeID(), body)
	if err := n.transmitTo(ctx, from, out.Serialize()); err != nil {
		debug.Log(debug.DEBUG_VERBOSE, "Topology response failed",
			"to", from, "error", err)
	}
}

// handleTopologyResponse merges a neighbor's graph view into the
// health monitor's topology.
func (n *Node) handleTopologyResponse(pkt *packet.Packet, from string) {
	var resp packet.TopologyPayload
	if err := resp.Unpack(pkt.Payload); err != nil {
		debug.Log(debug.DEBUG_VERBOSE, "Dropping malformed topology response",
			"from", from, "error", err)
		return
	}
	if id, err := uuid.Parse(resp.NodeID); err == nil {
		n.peers.AssociateNode(from, id)
	}

	merged := n.monitor.GetSnapshot().Topology.Connections
	if merged == nil {
		merged = make(map[string][]string)
	}
	for nodeID, neighbors := range resp.Adjacency {
		merged[nodeID] = neighbors
	}
	if resp.NodeID != "" {
		merged[resp.NodeID] = resp.Neighbors
	}
	n.monitor.UpdateTopology(merged)

	debug.Log(debug.DEBUG_VERBOSE, "Merged topology",
		"from", resp.NodeID, "neighbors", len(resp.Neighbors),
		"nodes", len(merged))
}

// handleText buffers an incoming text message for the application.
// Text never propagates past its first hop.
func (n *Node) handleText(pkt *packet.Packet, from string) {
	n.textMu.Lock()
	if len(n.texts) >= textBufferLimit {
		n.texts = n.texts[1:]
	}
	n.texts = append(n.texts, string(pkt.Payload))
	n.textMu.Unlock()

	debug.Log(debug.DEBUG_INFO, "Received text message",
		"from", from, "sender", pkt.Header.SenderID, "bytes", len(pkt.Payload))
}
