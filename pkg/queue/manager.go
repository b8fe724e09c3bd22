package queue

import (
	"fmt"
	"sync"
	"time"

	"github.com/Sudo-Ivan/meshtx-go/pkg/debug"
)

// DefaultSaveInterval debounces queue persistence.
const DefaultSaveInterval = 5 * time.Second

// Store persists queue contents between runs.
type Store interface {
	SaveQueues(outbound []OutboundTransaction, retries []RetryItem, confirmations []Confirmation) error
	LoadQueues() (outbound []OutboundTransaction, retries []RetryItem, confirmations []Confirmation, err error)
}

// Config tunes queue capacities and retry behavior.
type Config struct {
	MaxOutboundSize     int
	MaxConfirmationSize int
	MaxRetries          int
	Backoff             BackoffStrategy
	SaveInterval        time.Duration
}

func DefaultConfig() Config {
	return Config{
		MaxOutboundSize:     DefaultOutboundCapacity,
		MaxConfirmationSize: DefaultConfirmationCapacity,
		MaxRetries:          DefaultMaxRetries,
		Backoff:             DefaultBackoff(),
		SaveInterval:        DefaultSaveInterval,
	}
}

// Metrics reports the size and retry pressure of every queue.
type Metrics struct {
	OutboundSize           int
	OutboundHighPriority   int
	OutboundNormalPriority int
	OutboundLowPriority    int
	ConfirmationSize       int
	RetrySize              int
	RetryAvgAttempts       float64
}

// HealthStatus grades queue pressure.
type HealthStatus int

const (
	HealthHealthy HealthStatus = iota
	HealthWarning
	HealthCritical
)

func (s HealthStatus) String() string {
	switch s {
	case HealthHealthy:
		return "healthy"
	case HealthWarning:
		return "warning"
	case HealthCritical:
		return "critical"
	default:
		return "unknown"
	}
}

// Health carries the status grade with the warnings that produced it.
type Health struct {
	Status   HealthStatus
	Warnings []string
}

// Manager coordinates the outbound, retry, and confirmation queues and
// debounces their persistence. The queues synchronize internally, so
// callers use them directly.
type Manager struct {
	Outbound      *OutboundQueue
	Retries       *RetryQueue
	Confirmations *ConfirmationQueue

	store        Store
	saveMu       sync.Mutex
	lastSave     time.Time
	saveInterval time.Duration
}

func NewManager() *Manager {
	return NewManagerWithConfig(DefaultConfig())
}

func NewManagerWithConfig(cfg Config) *Manager {
	if cfg.MaxOutboundSize <= 0 {
		cfg.MaxOutboundSize = DefaultOutboundCapacity
	}
	if cfg.MaxConfirmationSize <= 0 {
		cfg.MaxConfirmationSize = DefaultConfirmationCapacity
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = DefaultMaxRetries
	}
	if cfg.Backoff == nil {
		cfg.Backoff = DefaultBackoff()
	}
	if cfg.SaveInterval <= 0 {
		cfg.SaveInterval = DefaultSaveInterval
	}

	return &Manager{
		Outbound:      NewOutboundQueueWithCapacity(cfg.MaxOutboundSize),
		Retries:       NewRetryQueueWithConfig(cfg.MaxRetries, cfg.Backoff),
		Confirmations: NewConfirmationQueueWithCapacity(cfg.MaxConfirmationSize),
		lastSave:      time.Now(),
		saveInterval:  cfg.SaveInterval,
	}
}

// NewManagerWithStore builds a manager that persists through store,
// restoring any queue contents it holds.
func NewManagerWithStore(store Store, cfg Config) (*Manager, error) {
	m := NewManagerWithConfig(cfg)
	m.store = store

	outbound, retries, confirmations, err := store.LoadQueues()
	if err != nil {
		return nil, fmt.Errorf("failed to load queues: %w", err)
	}
	m.Outbound.Restore(outbound)
	m.Retries.Restore(retries)
	m.Confirmations.Restore(confirmations)

	debug.Log(debug.DEBUG_INFO, "Restored queues from storage",
		"outbound", len(outbound), "retries", len(retries), "confirmations", len(confirmations))
	return m, nil
}

// SaveIfNeeded persists all queues unless a save happened within the
// debounce interval. Without a store it is a no-op.
func (m *Manager) SaveIfNeeded() error {
	if m.store == nil {
		return nil
	}

	m.saveMu.Lock()
	defer m.saveMu.Unlock()

	if time.Since(m.lastSave) < m.saveInterval {
		return nil
	}
	return m.saveLocked()
}

// ForceSave persists all queues immediately, bypassing the debounce.
func (m *Manager) ForceSave() error {
	if m.store == nil {
		return nil
	}

	m.saveMu.Lock()
	defer m.saveMu.Unlock()

	if err := m.saveLocked(); err != nil {
		return err
	}
	debug.Log(debug.DEBUG_INFO, "Force saved all queues")
	return nil
}

func (m *Manager) saveLocked() error {
	err := m.store.SaveQueues(m.Outbound.Snapshot(), m.Retries.Snapshot(), m.Confirmations.Snapshot())
	if err != nil {
		return fmt.Errorf("failed to save queues: %w", err)
	}
	m.lastSave = time.Now()
	return nil
}

func (m *Manager) Metrics() Metrics {
	return Metrics{
		OutboundSize:           m.Outbound.Len(),
		OutboundHighPriority:   m.Outbound.LenPriority(PriorityHigh),
		OutboundNormalPriority: m.Outbound.LenPriority(PriorityNormal),
		OutboundLowPriority:    m.Outbound.LenPriority(PriorityLow),
		ConfirmationSize:       m.Confirmations.Len(),
		RetrySize:              m.Retries.Len(),
		RetryAvgAttempts:       m.Retries.AverageAttempts(),
	}
}

// CheckHealth grades queue pressure against fixed thresholds.
func (m *Manager) CheckHealth() Health {
	metrics := m.Metrics()

	var warnings []string
	if metrics.OutboundSize > 100 {
		warnings = append(warnings, "Outbound queue > 100 items")
	}
	if metrics.RetrySize > 50 {
		warnings = append(warnings, "Retry queue > 50 items")
	}
	if metrics.OutboundSize > 500 {
		warnings = append(warnings, "CRITICAL: Outbound queue > 500 items")
	}

	switch {
	case len(warnings) == 0:
		return Health{Status: HealthHealthy}
	case metrics.OutboundSize > 500 || metrics.RetrySize > 200:
		return Health{Status: HealthCritical, Warnings: warnings}
	default:
		return Health{Status: HealthWarning, Warnings: warnings}
	}
}
