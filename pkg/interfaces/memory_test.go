package interfaces

import (
	"bytes"
	"context"
	"errors"
	"testing"
)

type capture struct {
	frames [][]byte
	from   []string
}

func (c *capture) callback(frame []byte, fromPeer string) {
	c.frames = append(c.frames, frame)
	c.from = append(c.from, fromPeer)
}

func startedAdapter(t *testing.T, hub *MemoryHub, id string) (*MemoryAdapter, *capture) {
	t.Helper()

	a := hub.NewAdapter(id)
	c := &capture{}
	a.SetReceiveCallback(c.callback)
	if err := a.Start(context.Background()); err != nil {
		t.Fatalf("Start(%s) error = %v", id, err)
	}
	return a, c
}

func TestMemorySendDelivers(t *testing.T) {
	hub := NewMemoryHub()
	a, _ := startedAdapter(t, hub, "a")
	_, bc := startedAdapter(t, hub, "b")

	frame := []byte{0x01, 0x02, 0x03}
	if err := a.Send("b", frame); err != nil {
		t.Fatalf("Send() error = %v", err)
	}

	if len(bc.frames) != 1 {
		t.Fatalf("received %d frames; want 1", len(bc.frames))
	}
	if !bytes.Equal(bc.frames[0], frame) {
		t.Errorf("received frame = %x; want %x", bc.frames[0], frame)
	}
	if bc.from[0] != "a" {
		t.Errorf("received from = %q; want %q", bc.from[0], "a")
	}
}

func TestMemorySendUnknownPeer(t *testing.T) {
	hub := NewMemoryHub()
	a, _ := startedAdapter(t, hub, "a")

	if err := a.Send("ghost", []byte{1}); !errors.Is(err, ErrUnknownPeer) {
		t.Errorf("Send() error = %v; want ErrUnknownPeer", err)
	}
}

func TestMemorySendOffline(t *testing.T) {
	hub := NewMemoryHub()
	a := hub.NewAdapter("a")
	hub.NewAdapter("b")

	if err := a.Send("b", []byte{1}); !errors.Is(err, ErrOffline) {
		t.Errorf("Send() error = %v; want ErrOffline", err)
	}
}

func TestMemoryBroadcastReachesAllButSender(t *testing.T) {
	hub := NewMemoryHub()
	a, ac := startedAdapter(t, hub, "a")
	_, bc := startedAdapter(t, hub, "b")
	_, cc := startedAdapter(t, hub, "c")

	if err := a.Broadcast([]byte{0xAA}); err != nil {
		t.Fatalf("Broadcast() error = %v", err)
	}

	if len(bc.frames) != 1 || len(cc.frames) != 1 {
		t.Errorf("peers received %d and %d frames; want 1 and 1", len(bc.frames), len(cc.frames))
	}
	if len(ac.frames) != 0 {
		t.Errorf("sender received its own broadcast")
	}
}

func TestMemoryLossInjection(t *testing.T) {
	hub := NewMemoryHub()
	a, _ := startedAdapter(t, hub, "a")
	_, bc := startedAdapter(t, hub, "b")
	_, cc := startedAdapter(t, hub, "c")

	hub.SetLoss("a", "b", 1.0)

	if err := a.Broadcast([]byte{0x01}); err != nil {
		t.Fatalf("Broadcast() error = %v", err)
	}
	if len(bc.frames) != 0 {
		t.Errorf("lossy link delivered %d frames; want 0", len(bc.frames))
	}
	if len(cc.frames) != 1 {
		t.Errorf("clean link delivered %d frames; want 1", len(cc.frames))
	}

	// A dropped frame still counts as handed to the transport.
	if err := a.Send("b", []byte{0x02}); err != nil {
		t.Errorf("Send() error = %v on a lossy link", err)
	}
	if len(bc.frames) != 0 {
		t.Errorf("lossy link delivered %d frames; want 0", len(bc.frames))
	}
}

func TestMemoryLossIsDirectional(t *testing.T) {
	hub := NewMemoryHub()
	a, ac := startedAdapter(t, hub, "a")
	b, bc := startedAdapter(t, hub, "b")

	hub.SetLoss("a", "b", 1.0)

	if err := a.Send("b", []byte{1}); err != nil {
		t.Fatalf("Send() error = %v", err)
	}
	if err := b.Send("a", []byte{2}); err != nil {
		t.Fatalf("Send() error = %v", err)
	}

	if len(bc.frames) != 0 {
		t.Errorf("a->b delivered %d frames; want 0", len(bc.frames))
	}
	if len(ac.frames) != 1 {
		t.Errorf("b->a delivered %d frames; want 1", len(ac.frames))
	}
}

func TestMemoryDiscover(t *testing.T) {
	hub := NewMemoryHub()
	a, _ := startedAdapter(t, hub, "a")
	startedAdapter(t, hub, "b")
	c, _ := startedAdapter(t, hub, "c")

	hub.SetRSSI("b", -70)

	if err := c.Stop(); err != nil {
		t.Fatalf("Stop() error = %v", err)
	}

	peers := a.Discover()
	if len(peers) != 1 {
		t.Fatalf("Discover() = %d peers; want 1", len(peers))
	}
	if peers[0].ID != "b" {
		t.Errorf("Discover()[0].ID = %q; want %q", peers[0].ID, "b")
	}
	if peers[0].RSSI != -70 {
		t.Errorf("Discover()[0].RSSI = %d; want -70", peers[0].RSSI)
	}
}

func TestMemoryConnect(t *testing.T) {
	hub := NewMemoryHub()
	a, _ := startedAdapter(t, hub, "a")
	startedAdapter(t, hub, "b")

	if err := a.Connect(context.Background(), "b"); err != nil {
		t.Errorf("Connect(b) error = %v", err)
	}
	if err := a.Connect(context.Background(), "ghost"); !errors.Is(err, ErrUnknownPeer) {
		t.Errorf("Connect(ghost) error = %v; want ErrUnknownPeer", err)
	}
}

func TestMemoryDetach(t *testing.T) {
	hub := NewMemoryHub()
	a, _ := startedAdapter(t, hub, "a")
	startedAdapter(t, hub, "b")

	hub.Detach("b")

	if err := a.Send("b", []byte{1}); !errors.Is(err, ErrUnknownPeer) {
		t.Errorf("Send() error = %v after detach; want ErrUnknownPeer", err)
	}
}

func TestMemoryMTUEnforced(t *testing.T) {
	hub := NewMemoryHub()
	a, _ := startedAdapter(t, hub, "a")
	startedAdapter(t, hub, "b")

	oversize := make([]byte, a.GetMTU()+1)
	if err := a.Send("b", oversize); !errors.Is(err, ErrFrameTooLarge) {
		t.Errorf("Send() error = %v; want ErrFrameTooLarge", err)
	}
	if err := a.Broadcast(oversize); !errors.Is(err, ErrFrameTooLarge) {
		t.Errorf("Broadcast() error = %v; want ErrFrameTooLarge", err)
	}
}

func TestMemoryDeliversCopies(t *testing.T) {
	hub := NewMemoryHub()
	a, _ := startedAdapter(t, hub, "a")
	_, bc := startedAdapter(t, hub, "b")

	frame := []byte{0x11, 0x22}
	if err := a.Send("b", frame); err != nil {
		t.Fatalf("Send() error = %v", err)
	}

	frame[0] = 0xFF
	if bc.frames[0][0] != 0x11 {
		t.Error("received frame aliases the sender's buffer")
	}
}

func TestMemoryStats(t *testing.T) {
	hub := NewMemoryHub()
	a, _ := startedAdapter(t, hub, "a")
	b, _ := startedAdapter(t, hub, "b")

	if err := a.Send("b", []byte{1, 2, 3}); err != nil {
		t.Fatalf("Send() error = %v", err)
	}

	sent := a.GetStats()
	if sent.FramesSent != 1 || sent.BytesSent != 3 {
		t.Errorf("sender stats = %d frames %d bytes; want 1 frame 3 bytes", sent.FramesSent, sent.BytesSent)
	}

	recv := b.GetStats()
	if recv.FramesReceived != 1 || recv.BytesReceived != 3 {
		t.Errorf("receiver stats = %d frames %d bytes; want 1 frame 3 bytes", recv.FramesReceived, recv.BytesReceived)
	}
}
