// Command meshtx-send queues one transaction into the mesh and exits.
// It joins the mesh as a short-lived courier node on ephemeral ports,
// hands the payload to the first reachable peers, and can optionally
// stay around for the delivery outcome.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/Sudo-Ivan/meshtx-go/internal/config"
	"github.com/Sudo-Ivan/meshtx-go/pkg/debug"
	"github.com/Sudo-Ivan/meshtx-go/pkg/identity"
	"github.com/Sudo-Ivan/meshtx-go/pkg/node"
	"github.com/Sudo-Ivan/meshtx-go/pkg/queue"
)

var (
	configPath  = flag.String("config", "", "config file path (default ~/.meshtx/config)")
	payloadFile = flag.String("file", "-", "payload file, - for stdin")
	priority    = flag.String("priority", "normal", "transaction priority: high, normal or low")
	waitSecs    = flag.Int("wait", 0, "seconds to wait for a delivery outcome, 0 returns after transmission")
	timeoutSecs = flag.Int("timeout", 30, "seconds to wait for mesh peers and transmission")
)

func main() {
	flag.Parse()
	debug.Init()

	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "meshtx-send: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	payload, err := readPayload(*payloadFile)
	if err != nil {
		return err
	}
	prio, err := parsePriority(*priority)
	if err != nil {
		return err
	}

	path := *configPath
	if path == "" {
		path, err = config.GetConfigPath()
		if err != nil {
			return fmt.Errorf("failed to resolve config path: %w", err)
		}
	}
	cfg, err := config.LoadOrCreateConfig(path)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	// Courier mode: ephemeral data ports so a resident node on this
	// host keeps its bindings, and fast sweeps so discovery and
	// connection happen within the timeout.
	cfg.SweepSecs = 1
	for _, a := range cfg.Adapters {
		if a.Enabled && a.Type == "UDPAdapter" {
			a.Port = 0
		}
	}

	id, err := identity.New()
	if err != nil {
		return fmt.Errorf("failed to create courier identity: %w", err)
	}
	n, err := node.New(cfg, id)
	if err != nil {
		return fmt.Errorf("failed to create node: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := n.Start(ctx); err != nil {
		return fmt.Errorf("failed to start node: %w", err)
	}
	defer func() {
		if err := n.Stop(); err != nil {
			debug.Log(debug.DEBUG_ERROR, "Shutdown error", "error", err)
		}
	}()

	deadline := time.Now().Add(time.Duration(*timeoutSecs) * time.Second)
	if err := waitForPeers(n, deadline); err != nil {
		return err
	}

	idHex, err := n.SendTransaction(payload, prio)
	if err != nil {
		return err
	}
	fmt.Println(idHex)

	if err := waitForTransmission(n, deadline); err != nil {
		return err
	}
	if *waitSecs > 0 {
		return waitForOutcome(n, idHex, time.Duration(*waitSecs)*time.Second)
	}
	return nil
}

func readPayload(name string) ([]byte, error) {
	var data []byte
	var err error
	if name == "-" {
		data, err = io.ReadAll(os.Stdin)
	} else {
		data, err = os.ReadFile(name) // #nosec G304 - user names the payload file
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read payload: %w", err)
	}
	if len(data) == 0 {
		return nil, errors.New("payload is empty")
	}
	return data, nil
}

func parsePriority(s string) (queue.Priority, error) {
	switch s {
	case "high":
		return queue.PriorityHigh, nil
	case "normal":
		return queue.PriorityNormal, nil
	case "low":
		return queue.PriorityLow, nil
	default:
		return 0, fmt.Errorf("unknown priority %q", s)
	}
}

// waitForPeers blocks until the courier has at least one connected
// peer to hand the transaction to.
func waitForPeers(n *node.Node, deadline time.Time) error {
	for {
		if n.Stats().Peers.ConnectedPeers > 0 {
			return nil
		}
		if time.Now().After(deadline) {
			return errors.New("no mesh peers found before timeout")
		}
		time.Sleep(200 * time.Millisecond)
	}
}

// waitForTransmission blocks until the transaction has left the local
// queues, meaning every fragment was handed to a transport.
func waitForTransmission(n *node.Node, deadline time.Time) error {
	for {
		m := n.QueueMetrics()
		if m.OutboundSize == 0 && m.RetrySize == 0 {
			return nil
		}
		if time.Now().After(deadline) {
			return errors.New("transaction not transmitted before timeout")
		}
		time.Sleep(200 * time.Millisecond)
	}
}

// waitForOutcome blocks until a delivery outcome for the transaction
// arrives back over the mesh.
func waitForOutcome(n *node.Node, idHex string, wait time.Duration) error {
	deadline := time.Now().Add(wait)
	for {
		for _, outcome := range n.Outcomes() {
			if outcome.TxIDHex() != idHex {
				continue
			}
			if outcome.Confirmed {
				fmt.Printf("confirmed signature=%s\n", outcome.Signature)
				return nil
			}
			return fmt.Errorf("transaction failed: %s", outcome.Error)
		}
		if time.Now().After(deadline) {
			return errors.New("no outcome before timeout")
		}
		time.Sleep(500 * time.Millisecond)
	}
}
