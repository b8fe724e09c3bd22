package node

import (
	"context"
	"encoding/hex"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/Sudo-Ivan/meshtx-go/pkg/broadcast"
	"github.com/Sudo-Ivan/meshtx-go/pkg/common"
	"github.com/Sudo-Ivan/meshtx-go/pkg/debug"
	"github.com/Sudo-Ivan/meshtx-go/pkg/packet"
	"github.com/Sudo-Ivan/meshtx-go/pkg/peer"
	"github.com/Sudo-Ivan/meshtx-go/pkg/queue"
)

var errNoConnectedPeers = errors.New("no connected peers")

// sendLoop drives all outbound work: due retries, fresh transactions,
// in-flight fragment retransmission and confirmation relay. It runs on
// a short poll cadence and wakes early when new work is queued.
func (n *Node) sendLoop(ctx context.Context) {
	defer n.wg.Done()

	ticker := time.NewTicker(sendInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		case <-n.wake:
		}
		n.pump(ctx)
	}
}

// pump drains everything currently sendable. Retries go first so a
// transaction that has already waited out its backoff is not starved
// by fresh arrivals.
func (n *Node) pump(ctx context.Context) {
	for {
		item, ok := n.queues.Retries.PopReady()
		if !ok {
			break
		}
		if err := n.transmitTransaction(ctx, item.TxBytes, item.TxID); err != nil {
			item.LastError = err.Error()
			n.reschedule(item)
		}
		if ctx.Err() != nil {
			return
		}
	}

	for {
		tx, ok := n.queues.Outbound.Pop()
		if !ok {
			break
		}
		if err := n.transmitTransaction(ctx, tx.OriginalBytes, tx.TxID); err != nil {
			item := queue.NewRetryItem(tx.OriginalBytes, tx.TxID, err.Error())
			if pushErr := n.queues.Retries.Push(item); pushErr != nil {
				n.abandon(tx.TxID, pushErr)
			}
		}
		if ctx.Err() != nil {
			return
		}
	}

	n.retryInflight(ctx)
	n.relayConfirmations(ctx)
}

// reschedule re-queues a failed retry with backoff, abandoning the
// transaction once the retry budget is spent.
func (n *Node) reschedule(item queue.RetryItem) {
	if err := n.queues.Retries.Reschedule(item); err != nil {
		n.abandon(item.TxID, err)
	}
}

// abandon gives up on a transaction and surfaces a local failure
// outcome if this node originated it.
func (n *Node) abandon(idHex string, cause error) {
	debug.Log(debug.DEBUG_ERROR, "Abandoning transaction",
		"tx_id", shortHex(idHex), "error", cause)

	raw, err := hex.DecodeString(idHex)
	if err != nil || len(raw) != 32 {
		return
	}
	var txID [32]byte
	copy(txID[:], raw)

	if ours, firstSeen := n.resolveOrigin(txID); ours && firstSeen {
		n.recordOutcome(queue.NewFailureConfirmation(txID, cause.Error()))
	}
}

// transmitTransaction fragments a payload and sends every fragment to
// every connected peer individually, so the broadcast tracker sees
// per-peer delivery. The attempt fails only if no frame reached any
// transport.
func (n *Node) transmitTransaction(ctx context.Context, txBytes []byte, idHex string) error {
	connected := n.peers.ConnectedPeers()
	if len(connected) == 0 {
		return errNoConnectedPeers
	}
	peerIDs := make([]string, 0, len(connected))
	for _, p := range connected {
		peerIDs = append(peerIDs, p.ID)
	}

	txID, err := n.tracker.Prepare(txBytes, peerIDs)
	if err != nil {
		return err
	}
	frags, _ := n.tracker.Fragments(txID)

	delivered := 0
	for _, f := range frags {
		frame := n.tracker.FragmentPacket(f)
		for _, peerID := range peerIDs {
			err := n.transmitTo(ctx, peerID, frame)
			n.monitor.RecordPacketSent(peerID, err == nil)
			if err != nil {
				debug.Log(debug.DEBUG_VERBOSE, "Fragment send failed",
					"tx_id", shortHex(idHex), "index", f.Index,
					"peer", peerID, "error", err)
				continue
			}
			_ = n.tracker.MarkFragmentSent(txID, peerID, f.Index)
			delivered++
		}
	}

	if delivered == 0 {
		_ = n.tracker.Cancel(txID)
		return errors.New("no fragment reached a transport")
	}

	n.markInflight(txID)
	debug.Log(debug.DEBUG_INFO, "Transmitted transaction",
		"tx_id", shortHex(idHex), "fragments", len(frags),
		"peers", len(peerIDs), "frames", delivered)
	return nil
}

// retryInflight retransmits fragments the tracker still considers
// undelivered, and retires broadcasts that have left the in-progress
// state.
func (n *Node) retryInflight(ctx context.Context) {
	n.tracker.UpdateStatuses()

	for _, txID := range n.inflightSnapshot() {
		info, ok := n.tracker.Status(txID)
		if !ok || info.Status != broadcast.StatusInProgress {
			n.clearInflight(txID)
			if ok && info.Status == broadcast.StatusTimedOut {
				debug.Log(debug.DEBUG_VERBOSE, "Broadcast timed out",
					"tx_id", hex.EncodeToString(txID[:8]),
					"completion", info.Completion)
			}
			continue
		}

		frags, ok := n.tracker.Fragments(txID)
		if !ok {
			n.clearInflight(txID)
			continue
		}

		for peerID, indexes := range n.tracker.PendingRetries(txID) {
			for _, idx := range indexes {
				if int(idx) >= len(frags) {
					continue
				}
				// Attempts count even when the send fails, so an
				// unreachable peer cannot pin the broadcast open.
				n.tracker.RecordRetry(txID, peerID, idx)

				frame := n.tracker.FragmentPacket(frags[idx])
				err := n.transmitTo(ctx, peerID, frame)
				n.monitor.RecordPacketSent(peerID, err == nil)
				if err == nil {
					_ = n.tracker.MarkFragmentSent(txID, peerID, idx)
				}
			}
		}
	}
}

// relayConfirmations re-broadcasts queued confirmations as fresh
// packets. One transport failure stops the drain; the confirmation
// goes back on the queue for the next cycle.
func (n *Node) relayConfirmations(ctx context.Context) {
	for {
		c, ok := n.queues.Confirmations.Pop()
		if !ok {
			return
		}

		ack := packet.AckPayload{
			TransactionID: append([]byte(nil), c.OriginalTxID[:]...),
			Confirmed:     c.Confirmed,
			Signature:     c.Signature,
			Error:         c.Error,
			Timestamp:     c.Timestamp,
			RelayCount:    c.RelayCount,
			MaxHops:       c.MaxHops,
		}
		body, err := ack.Pack()
		if err != nil {
			debug.Log(debug.DEBUG_ERROR, "Failed to pack confirmation",
				"tx_id", c.TxIDHex()[:8], "error", err)
			continue
		}

		pkt := packet.New(packet.TypeTransactionAck, n.id.NodeID(), body)
		if err := n.transmitBroadcast(ctx, pkt.Serialize()); err != nil {
			if pushErr := n.queues.Confirmations.Push(c); pushErr != nil {
				debug.Log(debug.DEBUG_ERROR, "Dropping confirmation",
					"tx_id", c.TxIDHex()[:8], "error", pushErr)
			}
			return
		}

		debug.Log(debug.DEBUG_VERBOSE, "Relayed confirmation",
			"tx_id", c.TxIDHex()[:8], "confirmed", c.Confirmed,
			"relays", c.RelayCount)
	}
}

// transmitTo sends one frame to one peer through its known route,
// honoring the global rate limit.
func (n *Node) transmitTo(ctx context.Context, peerID string, frame []byte) error {
	a, err := n.routeTo(peerID)
	if err != nil {
		return err
	}
	if err := n.limiter.Wait(ctx, len(frame)); err != nil {
		return err
	}
	return a.Send(peerID, frame)
}

// transmitBroadcast offers one frame to every online adapter. It
// succeeds if any adapter accepted the frame.
func (n *Node) transmitBroadcast(ctx context.Context, frame []byte) error {
	if err := n.limiter.Wait(ctx, len(frame)); err != nil {
		return err
	}

	var lastErr error
	accepted := false
	for _, a := range n.adapterSnapshot() {
		if !a.IsOnline() {
			continue
		}
		if err := a.Broadcast(frame); err != nil {
			lastErr = err
			continue
		}
		accepted = true
	}
	if accepted {
		return nil
	}
	if lastErr != nil {
		return lastErr
	}
	return ErrNoTransport
}

func (n *Node) markInflight(txID [32]byte) {
	n.inflightMu.Lock()
	n.inflight[txID] = struct{}{}
	n.inflightMu.Unlock()
}

func (n *Node) clearInflight(txID [32]byte) {
	n.inflightMu.Lock()
	delete(n.inflight, txID)
	n.inflightMu.Unlock()
}

func (n *Node) inflightSnapshot() [][32]byte {
	n.inflightMu.Lock()
	defer n.inflightMu.Unlock()
	out := make([][32]byte, 0, len(n.inflight))
	for txID := range n.inflight {
		out = append(out, txID)
	}
	return out
}

// sweepLoop ages out every expiring table on one cadence and runs the
// periodic peer upkeep: discovery, connection seeking, probing and
// topology refresh.
func (n *Node) sweepLoop(ctx context.Context) {
	defer n.wg.Done()

	interval := time.Duration(n.cfg.SweepSecs) * time.Second
	if interval <= 0 {
		interval = common.DEFAULT_SWEEP_SECS * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	tick := 0
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			tick++
			n.sweep(ctx, tick)
		}
	}
}

type tableSweep struct {
	name string
	run  func() int
}

func (n *Node) sweep(ctx context.Context, tick int) {
	tables := []tableSweep{
		{"router", n.router.CleanupExpired},
		{"peers", n.peers.CleanupExpired},
		{"broadcasts", n.tracker.CleanupExpired},
		{"retries", n.queues.Retries.CleanupExpired},
		{"confirmations", n.queues.Confirmations.CleanupExpired},
		{"outbound", func() int { return n.queues.Outbound.CleanupStale(queue.DefaultRetryMaxAge) }},
		{"origins", n.sweepOrigins},
		{"probes", n.sweepProbes},
	}
	for _, t := range tables {
		if removed := t.run(); removed > 0 {
			debug.Log(debug.DEBUG_VERBOSE, "Swept expired entries",
				"table", t.name, "removed", removed)
		}
	}

	n.monitor.CheckStalePeers()
	for _, peerID := range n.monitor.RemoveDeadPeers() {
		n.routeMu.Lock()
		delete(n.routes, peerID)
		n.routeMu.Unlock()
	}
	n.tracker.UpdateStatuses()

	n.discover()
	n.connectCandidates(ctx)
	n.pingConnected(ctx)
	n.refreshDirect()

	if tick%topologyEvery == 0 {
		n.queryTopology(ctx)
	}

	if err := n.queues.SaveIfNeeded(); err != nil {
		debug.Log(debug.DEBUG_ERROR, "Failed to save queues", "error", err)
	}
}

// discover asks every online adapter for sighted peers and feeds them
// into the peer table.
func (n *Node) discover() {
	for _, a := range n.adapterSnapshot() {
		if !a.IsOnline() {
			continue
		}
		for _, d := range a.Discover() {
			n.peers.AddPeer(d.ID, d.RSSI)
			n.noteRoute(d.ID, a)
			n.monitor.RecordRSSI(d.ID, d.RSSI)
			if id, err := uuid.Parse(d.Name); err == nil {
				n.peers.AssociateNode(d.ID, id)
			}
		}
	}
}

// connectCandidates works toward the target connection count, one
// bounded attempt per candidate per sweep.
func (n *Node) connectCandidates(ctx context.Context) {
	if !n.peers.NeedsMoreConnections() {
		return
	}

	for _, cand := range n.peers.ConnectionCandidates() {
		if n.peers.ConnectedCount() >= peer.TargetConnections {
			return
		}
		a, err := n.routeTo(cand.ID)
		if err != nil {
			return
		}

		n.peers.MarkConnecting(cand.ID)
		cctx, cancel := context.WithTimeout(ctx, connectTimeout)
		err = a.Connect(cctx, cand.ID)
		cancel()
		if err != nil {
			n.peers.MarkFailed(cand.ID)
			debug.Log(debug.DEBUG_VERBOSE, "Connection attempt failed",
				"peer", cand.ID, "error", err)
			continue
		}
		n.peers.MarkConnected(cand.ID)
		debug.Log(debug.DEBUG_INFO, "Connected to peer",
			"peer", cand.ID, "connected", n.peers.ConnectedCount())
	}
}

// pingConnected sends a round-trip probe to every connected peer.
func (n *Node) pingConnected(ctx context.Context) {
	for _, p := range n.peers.ConnectedPeers() {
		n.sendPing(ctx, p.ID)
	}
}

// sendPing emits a ping whose payload is its own message ID; the
// pong's echo matches the reply back to this probe.
func (n *Node) sendPing(ctx context.Context, peerID string) {
	pkt := packet.New(packet.TypePing, n.id.NodeID(), nil)
	id := pkt.Header.MessageID
	pkt.Payload = id[:]

	n.probeMu.Lock()
	n.probes[id] = rttProbe{peerID: peerID, sentAt: time.Now()}
	n.probeMu.Unlock()

	err := n.transmitTo(ctx, peerID, pkt.Serialize())
	n.monitor.RecordPacketSent(peerID, err == nil)
	if err != nil {
		n.probeMu.Lock()
		delete(n.probes, id)
		n.probeMu.Unlock()
		debug.Log(debug.DEBUG_VERBOSE, "Ping failed", "peer", peerID, "error", err)
	}
}

// queryTopology broadcasts a topology query; neighbors answer directly
// with their graph view.
func (n *Node) queryTopology(ctx context.Context) {
	query := packet.TopologyPayload{NodeID: n.id.NodeID().String()}
	body, err := query.Pack()
	if err != nil {
		debug.Log(debug.DEBUG_ERROR, "Failed to pack topology query", "error", err)
		return
	}
	pkt := packet.New(packet.TypeTopologyQuery, n.id.NodeID(), body)
	if err := n.transmitBroadcast(ctx, pkt.Serialize()); err != nil {
		debug.Log(debug.DEBUG_VERBOSE, "Topology query failed", "error", err)
	}
}

func (n *Node) sweepOrigins() int {
	cutoff := time.Now().Add(-queue.DefaultConfirmationTTL)
	n.originMu.Lock()
	defer n.originMu.Unlock()

	removed := 0
	for txID, st := range n.origins {
		if st.queuedAt.Before(cutoff) {
			delete(n.origins, txID)
			removed++
		}
	}
	return removed
}

func (n *Node) sweepProbes() int {
	cutoff := time.Now().Add(-probeTimeout)
	n.probeMu.Lock()
	defer n.probeMu.Unlock()

	removed := 0
	for id, probe := range n.probes {
		if probe.sentAt.Before(cutoff) {
			delete(n.probes, id)
			removed++
		}
	}
	return removed
}
