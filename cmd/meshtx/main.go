// Command meshtx runs a mesh transaction node: it joins the configured
// transports, floods and reassembles transactions, and relays delivery
// confirmations until interrupted.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/Sudo-Ivan/meshtx-go/internal/config"
	"github.com/Sudo-Ivan/meshtx-go/internal/storage"
	"github.com/Sudo-Ivan/meshtx-go/pkg/debug"
	"github.com/Sudo-Ivan/meshtx-go/pkg/fragment"
	"github.com/Sudo-Ivan/meshtx-go/pkg/identity"
	"github.com/Sudo-Ivan/meshtx-go/pkg/node"
)

var (
	configPath = flag.String("config", "", "config file path (default ~/.meshtx/config)")
	statusSecs = flag.Int("status", 60, "seconds between status log lines, 0 disables")
)

func main() {
	flag.Parse()
	debug.Init()

	if err := run(); err != nil {
		debug.Log(debug.DEBUG_CRITICAL, "Fatal error", "error", err)
		os.Exit(1)
	}
}

func run() error {
	path := *configPath
	if path == "" {
		var err error
		path, err = config.GetConfigPath()
		if err != nil {
			return fmt.Errorf("failed to resolve config path: %w", err)
		}
	}

	cfg, err := config.LoadOrCreateConfig(path)
	if err != nil {
		return fmt.Errorf("failed to initialize config: %w", err)
	}
	if !debugFlagSet() {
		debug.SetDebugLevel(cfg.LogLevel)
	}

	if err := config.EnsureStorageDir(cfg); err != nil {
		return fmt.Errorf("failed to create storage directory: %w", err)
	}
	store, err := storage.NewManager(cfg.StorageDir)
	if err != nil {
		return fmt.Errorf("failed to open storage: %w", err)
	}
	id, err := identity.LoadOrCreate(store.IdentityPath())
	if err != nil {
		return fmt.Errorf("failed to load identity: %w", err)
	}

	n, err := node.NewWithStore(cfg, id, store, config.QueueConfig(cfg))
	if err != nil {
		return fmt.Errorf("failed to create node: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := n.Start(ctx); err != nil {
		return fmt.Errorf("failed to start node: %w", err)
	}
	debug.Log(debug.DEBUG_INFO, "Mesh node running",
		"node_id", n.NodeID(), "config", path, "storage", cfg.StorageDir)

	go watch(ctx, n)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	debug.Log(debug.DEBUG_INFO, "Shutting down")
	cancel()
	return n.Stop()
}

// debugFlagSet reports whether -debug was given explicitly; if so it
// wins over the config file's log level.
func debugFlagSet() bool {
	set := false
	flag.Visit(func(f *flag.Flag) {
		if f.Name == "debug" {
			set = true
		}
	})
	return set
}

// watch surfaces what the mesh delivers: reassembled transactions
// ready for submission, delivery outcomes for transactions this node
// originated, and incoming text messages. A periodic status line
// summarizes node state.
func watch(ctx context.Context, n *node.Node) {
	drain := time.NewTicker(2 * time.Second)
	defer drain.Stop()

	var status *time.Ticker
	var statusC <-chan time.Time
	if *statusSecs > 0 {
		status = time.NewTicker(time.Duration(*statusSecs) * time.Second)
		defer status.Stop()
		statusC = status.C
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-drain.C:
			for _, payload := range n.CompletedTransactions() {
				txID := fragment.TransactionID(payload)
				debug.Log(debug.DEBUG_INFO, "Transaction ready for submission",
					"tx_id", fmt.Sprintf("%x", txID[:4]), "bytes", len(payload))
			}
			for _, outcome := range n.Outcomes() {
				debug.Log(debug.DEBUG_INFO, "Transaction outcome",
					"tx_id", outcome.TxIDHex()[:8], "confirmed", outcome.Confirmed,
					"error", outcome.Error)
			}
			for _, msg := range n.CheckIncomingMessages() {
				debug.Log(debug.DEBUG_INFO, "Text message", "text", msg)
			}
		case <-statusC:
			logStatus(n)
		}
	}
}

func logStatus(n *node.Node) {
	stats := n.Stats()
	health := n.QueueHealth()
	debug.Log(debug.DEBUG_INFO, "Node status",
		"peers_connected", stats.Peers.ConnectedPeers,
		"peers_total", stats.Peers.TotalPeers,
		"seen_messages", stats.Router.SeenMessages,
		"incomplete", stats.Router.IncompleteTransactions,
		"outbound", stats.Queues.OutboundSize,
		"retries", stats.Queues.RetrySize,
		"confirmations", stats.Queues.ConfirmationSize,
		"health_score", stats.Health.HealthScore,
		"queue_health", health.Status)

	for _, w := range health.Warnings {
		debug.Log(debug.DEBUG_ERROR, "Queue pressure", "warning", w)
	}
}
