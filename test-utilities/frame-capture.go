// Package testutils holds development helpers that are not part of the
// node runtime.
package testutils

import (
	"encoding/hex"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/Sudo-Ivan/meshtx-go/pkg/common"
	"github.com/Sudo-Ivan/meshtx-go/pkg/fragment"
	"github.com/Sudo-Ivan/meshtx-go/pkg/packet"
)

// FrameCapture appends a decoded view of every recorded frame to a log
// file, for debugging mesh traffic without a packet sniffer.
type FrameCapture struct {
	mutex      sync.Mutex
	outputFile *os.File
	isEnabled  bool
	frameCount uint64
}

func NewFrameCapture(outputPath string) (*FrameCapture, error) {
	file, err := os.OpenFile(outputPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644) // #nosec G302 G304 - capture log named by the developer
	if err != nil {
		return nil, fmt.Errorf("failed to open output file: %w", err)
	}

	fc := &FrameCapture{
		outputFile: file,
		isEnabled:  true,
	}

	header := fmt.Sprintf("=== Frame capture started at %s ===\n\n",
		time.Now().UTC().Format("2006-01-02 15:04:05"))
	if _, err := file.WriteString(header); err != nil {
		file.Close()
		return nil, fmt.Errorf("failed to write header: %w", err)
	}

	return fc, nil
}

func (fc *FrameCapture) Close() error {
	fc.mutex.Lock()
	defer fc.mutex.Unlock()

	if fc.outputFile != nil {
		return fc.outputFile.Close()
	}
	return nil
}

// Record logs one frame with its decoded header and, for fragments,
// the fragment metadata. Malformed frames are logged as such with a
// plain hex dump.
func (fc *FrameCapture) Record(data []byte, adapterName, direction string) error {
	fc.mutex.Lock()
	defer fc.mutex.Unlock()

	if !fc.isEnabled || fc.outputFile == nil {
		return nil
	}

	timestamp := time.Now().UTC().Format("2006-01-02 15:04:05.000")
	fc.frameCount++

	entry := fmt.Sprintf("[%s] %s frame #%d on adapter %s\n",
		timestamp, direction, fc.frameCount, adapterName)
	entry += describeFrame(data)
	entry += fmt.Sprintf("Data (%d bytes):\n%s\n", len(data), hex.Dump(data))

	if _, err := fc.outputFile.WriteString(entry); err != nil {
		return fmt.Errorf("failed to write to log file: %w", err)
	}
	return fc.outputFile.Sync()
}

// describeFrame renders the decoded header and fragment metadata.
func describeFrame(data []byte) string {
	pkt, err := packet.Deserialize(data)
	if err != nil {
		return fmt.Sprintf("Undecodable frame: %v\n", err)
	}

	desc := fmt.Sprintf("Type=%s TTL=%d Hops=%d MessageID=%s Sender=%s\n",
		pkt.Header.Type, pkt.Header.TTL, pkt.Header.HopCount,
		pkt.Header.MessageID, pkt.Header.SenderID)

	if pkt.Header.Type == packet.TypeTransactionFragment {
		if frag, err := fragment.Deserialize(pkt.Payload); err == nil {
			desc += fmt.Sprintf("Fragment %d/%d tx=%s data=%d bytes\n",
				frag.Index+1, frag.Total, frag.TxIDHex()[:16], len(frag.Data))
		}
	}
	return desc
}

// RecordOutgoing logs a frame this node is transmitting.
func (fc *FrameCapture) RecordOutgoing(data []byte, adapterName string) error {
	return fc.Record(data, adapterName, "OUTGOING")
}

// RecordIncoming logs a frame this node received.
func (fc *FrameCapture) RecordIncoming(data []byte, adapterName string) error {
	return fc.Record(data, adapterName, "INCOMING")
}

// Tap wraps a receive callback so every inbound frame is captured
// before the node processes it.
func (fc *FrameCapture) Tap(adapterName string, next common.ReceiveCallback) common.ReceiveCallback {
	return func(frame []byte, fromPeer string) {
		if err := fc.RecordIncoming(frame, adapterName); err != nil {
			fmt.Fprintf(os.Stderr, "frame capture: %v\n", err)
		}
		if next != nil {
			next(frame, fromPeer)
		}
	}
}

func (fc *FrameCapture) Enable() {
	fc.mutex.Lock()
	defer fc.mutex.Unlock()
	fc.isEnabled = true
}

func (fc *FrameCapture) Disable() {
	fc.mutex.Lock()
	defer fc.mutex.Unlock()
	fc.isEnabled = false
}
