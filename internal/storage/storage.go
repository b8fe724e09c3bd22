// Package storage persists queue state between runs. Writes go to a
// temp file and rename into place, so a crash mid-save leaves the
// previous snapshot intact.
package storage

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/Sudo-Ivan/meshtx-go/pkg/debug"
	"github.com/Sudo-Ivan/meshtx-go/pkg/queue"
	"github.com/vmihailenco/msgpack/v5"
)

const snapshotVersion = 1

const (
	outboundFile     = "outbound_queue"
	retryFile        = "retry_queue"
	confirmationFile = "confirmation_queue"
)

type Manager struct {
	basePath   string
	queuesPath string
	mutex      sync.RWMutex
}

type outboundSnapshot struct {
	Version      uint32                      `msgpack:"version"`
	SavedAt      int64                       `msgpack:"saved_at"`
	Transactions []queue.OutboundTransaction `msgpack:"transactions"`
}

type retrySnapshot struct {
	Version uint32            `msgpack:"version"`
	SavedAt int64             `msgpack:"saved_at"`
	Items   []queue.RetryItem `msgpack:"items"`
}

type confirmationSnapshot struct {
	Version       uint32               `msgpack:"version"`
	SavedAt       int64                `msgpack:"saved_at"`
	Confirmations []queue.Confirmation `msgpack:"confirmations"`
}

func NewManager(basePath string) (*Manager, error) {
	m := &Manager{
		basePath:   basePath,
		queuesPath: filepath.Join(basePath, "queues"),
	}

	if err := m.initializeDirectories(); err != nil {
		return nil, err
	}
	return m, nil
}

func (m *Manager) initializeDirectories() error {
	for _, dir := range []string{m.basePath, m.queuesPath} {
		if err := os.MkdirAll(dir, 0700); err != nil {
			return fmt.Errorf("failed to create directory %s: %w", dir, err)
		}
	}
	return nil
}

// SaveQueues writes a snapshot of every queue.
func (m *Manager) SaveQueues(outbound []queue.OutboundTransaction, retries []queue.RetryItem, confirmations []queue.Confirmation) error {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	now := time.Now().Unix()

	data, err := msgpack.Marshal(outboundSnapshot{
		Version:      snapshotVersion,
		SavedAt:      now,
		Transactions: outbound,
	})
	if err != nil {
		return fmt.Errorf("failed to marshal outbound queue: %w", err)
	}
	if err := m.writeAtomic(outboundFile, data); err != nil {
		return err
	}

	data, err = msgpack.Marshal(retrySnapshot{
		Version: snapshotVersion,
		SavedAt: now,
		Items:   retries,
	})
	if err != nil {
		return fmt.Errorf("failed to marshal retry queue: %w", err)
	}
	if err := m.writeAtomic(retryFile, data); err != nil {
		return err
	}

	data, err = msgpack.Marshal(confirmationSnapshot{
		Version:       snapshotVersion,
		SavedAt:       now,
		Confirmations: confirmations,
	})
	if err != nil {
		return fmt.Errorf("failed to marshal confirmation queue: %w", err)
	}
	if err := m.writeAtomic(confirmationFile, data); err != nil {
		return err
	}

	debug.Log(debug.DEBUG_VERBOSE, "Saved queues to storage",
		"outbound", len(outbound), "retries", len(retries), "confirmations", len(confirmations))
	return nil
}

// LoadQueues reads the persisted snapshots. A missing file yields an
// empty queue; a corrupted or incompatible file is removed and yields
// an empty queue, so a damaged store never blocks startup.
func (m *Manager) LoadQueues() ([]queue.OutboundTransaction, []queue.RetryItem, []queue.Confirmation, error) {
	m.mutex.RLock()
	defer m.mutex.RUnlock()

	var outbound []queue.OutboundTransaction
	if data, ok := m.readQueueFile(outboundFile); ok {
		var snap outboundSnapshot
		if m.decodeSnapshot(outboundFile, data, &snap, func() uint32 { return snap.Version }) {
			outbound = snap.Transactions
		}
	}

	var retries []queue.RetryItem
	if data, ok := m.readQueueFile(retryFile); ok {
		var snap retrySnapshot
		if m.decodeSnapshot(retryFile, data, &snap, func() uint32 { return snap.Version }) {
			retries = snap.Items
		}
	}

	var confirmations []queue.Confirmation
	if data, ok := m.readQueueFile(confirmationFile); ok {
		var snap confirmationSnapshot
		if m.decodeSnapshot(confirmationFile, data, &snap, func() uint32 { return snap.Version }) {
			confirmations = snap.Confirmations
		}
	}

	debug.Log(debug.DEBUG_VERBOSE, "Loaded queues from storage",
		"outbound", len(outbound), "retries", len(retries), "confirmations", len(confirmations))
	return outbound, retries, confirmations, nil
}

func (m *Manager) writeAtomic(name string, data []byte) error {
	finalPath := filepath.Join(m.queuesPath, name)
	outPath := finalPath + ".out"

	if err := os.WriteFile(outPath, data, 0600); err != nil {
		return fmt.Errorf("failed to write %s: %w", name, err)
	}
	if err := os.Rename(outPath, finalPath); err != nil {
		_ = os.Remove(outPath)
		return fmt.Errorf("failed to move %s into place: %w", name, err)
	}
	return nil
}

func (m *Manager) readQueueFile(name string) ([]byte, bool) {
	path := filepath.Join(m.queuesPath, name)
	data, err := os.ReadFile(path) // #nosec G304 - reading from controlled directory
	if err != nil {
		if !os.IsNotExist(err) {
			debug.Log(debug.DEBUG_ERROR, "Failed to read queue file", "file", name, "error", err)
		}
		return nil, false
	}
	return data, true
}

// decodeSnapshot unmarshals a queue file, discarding it when corrupt
// or from an unknown snapshot version.
func (m *Manager) decodeSnapshot(name string, data []byte, snap interface{}, version func() uint32) bool {
	if err := msgpack.Unmarshal(data, snap); err != nil {
		debug.Log(debug.DEBUG_ERROR, "Corrupted queue file, discarding", "file", name, "error", err)
		_ = os.Remove(filepath.Join(m.queuesPath, name))
		return false
	}
	if v := version(); v != snapshotVersion {
		debug.Log(debug.DEBUG_ERROR, "Unknown queue snapshot version, discarding",
			"file", name, "version", v)
		_ = os.Remove(filepath.Join(m.queuesPath, name))
		return false
	}
	return true
}

func (m *Manager) BasePath() string {
	return m.basePath
}

func (m *Manager) QueuesPath() string {
	return m.queuesPath
}

func (m *Manager) IdentityPath() string {
	return filepath.Join(m.basePath, "identity")
}
