package testutils

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/google/uuid"

	"github.com/Sudo-Ivan/meshtx-go/pkg/fragment"
	"github.com/Sudo-Ivan/meshtx-go/pkg/packet"
)

func TestFrameCaptureDecodesFragmentFrames(t *testing.T) {
	path := filepath.Join(t.TempDir(), "capture.log")
	fc, err := NewFrameCapture(path)
	if err != nil {
		t.Fatalf("NewFrameCapture() error = %v", err)
	}

	sender := uuid.New()
	frags := fragment.Split([]byte("captured transaction payload"))
	pkt := packet.New(packet.TypeTransactionFragment, sender, frags[0].Serialize())

	if err := fc.RecordOutgoing(pkt.Serialize(), "udp0"); err != nil {
		t.Fatalf("RecordOutgoing() error = %v", err)
	}
	if err := fc.RecordIncoming([]byte{0x01, 0x02}, "udp0"); err != nil {
		t.Fatalf("RecordIncoming() error = %v", err)
	}
	if err := fc.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile() error = %v", err)
	}
	log := string(data)

	for _, want := range []string{
		"OUTGOING frame #1 on adapter udp0",
		"Type=transaction_fragment",
		"Fragment 1/1",
		"Sender=" + sender.String(),
		"INCOMING frame #2",
		"Undecodable frame",
	} {
		if !strings.Contains(log, want) {
			t.Errorf("capture log missing %q", want)
		}
	}
}

func TestFrameCaptureTapForwardsFrames(t *testing.T) {
	path := filepath.Join(t.TempDir(), "capture.log")
	fc, err := NewFrameCapture(path)
	if err != nil {
		t.Fatalf("NewFrameCapture() error = %v", err)
	}
	defer fc.Close()

	var gotFrame []byte
	var gotPeer string
	cb := fc.Tap("mem0", func(frame []byte, fromPeer string) {
		gotFrame = frame
		gotPeer = fromPeer
	})

	pkt := packet.New(packet.TypePing, uuid.New(), nil)
	cb(pkt.Serialize(), "peer-1")

	if len(gotFrame) != packet.HeaderSize {
		t.Errorf("forwarded frame length = %d; want %d", len(gotFrame), packet.HeaderSize)
	}
	if gotPeer != "peer-1" {
		t.Errorf("forwarded peer = %q; want %q", gotPeer, "peer-1")
	}
}

func TestFrameCaptureDisable(t *testing.T) {
	path := filepath.Join(t.TempDir(), "capture.log")
	fc, err := NewFrameCapture(path)
	if err != nil {
		t.Fatalf("NewFrameCapture() error = %v", err)
	}

	fc.Disable()
	if err := fc.RecordIncoming([]byte("dropped"), "udp0"); err != nil {
		t.Fatalf("RecordIncoming() while disabled error = %v", err)
	}
	if err := fc.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile() error = %v", err)
	}
	if strings.Contains(string(data), "frame #") {
		t.Errorf("disabled capture still recorded a frame")
	}
}
