package queue

import (
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"
)

type memStore struct {
	mu            sync.Mutex
	saves         int
	outbound      []OutboundTransaction
	retries       []RetryItem
	confirmations []Confirmation
	loadErr       error
	saveErr       error
}

func (s *memStore) SaveQueues(outbound []OutboundTransaction, retries []RetryItem, confirmations []Confirmation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.saveErr != nil {
		return s.saveErr
	}
	s.saves++
	s.outbound = outbound
	s.retries = retries
	s.confirmations = confirmations
	return nil
}

func (s *memStore) LoadQueues() ([]OutboundTransaction, []RetryItem, []Confirmation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.loadErr != nil {
		return nil, nil, nil, s.loadErr
	}
	return s.outbound, s.retries, s.confirmations, nil
}

func (s *memStore) saveCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.saves
}

func TestManagerDefaults(t *testing.T) {
	m := NewManager()

	metrics := m.Metrics()
	if metrics.OutboundSize != 0 || metrics.ConfirmationSize != 0 || metrics.RetrySize != 0 {
		t.Errorf("Metrics() = %+v; want empty queues", metrics)
	}

	health := m.CheckHealth()
	if health.Status != HealthHealthy {
		t.Errorf("CheckHealth().Status = %s; want healthy", health.Status)
	}
	if len(health.Warnings) != 0 {
		t.Errorf("CheckHealth().Warnings = %v; want none", health.Warnings)
	}
}

func TestManagerMetrics(t *testing.T) {
	m := NewManager()

	for i := 0; i < 2; i++ {
		if err := m.Outbound.Push(testTx(fmt.Sprintf("high-%d", i), PriorityHigh)); err != nil {
			t.Fatalf("Push() = %v; want nil", err)
		}
	}
	if err := m.Outbound.Push(testTx("normal", PriorityNormal)); err != nil {
		t.Fatalf("Push() = %v; want nil", err)
	}
	if err := m.Confirmations.Push(NewSuccessConfirmation(fullID(1), "sig")); err != nil {
		t.Fatalf("Push() = %v; want nil", err)
	}

	retried := testRetryItem("retry-1")
	retried.AttemptCount = 2
	if err := m.Retries.Push(retried); err != nil {
		t.Fatalf("Push() = %v; want nil", err)
	}

	metrics := m.Metrics()
	if metrics.OutboundSize != 3 {
		t.Errorf("Metrics().OutboundSize = %d; want 3", metrics.OutboundSize)
	}
	if metrics.OutboundHighPriority != 2 || metrics.OutboundNormalPriority != 1 || metrics.OutboundLowPriority != 0 {
		t.Errorf("Metrics() lanes = %d/%d/%d; want 2/1/0",
			metrics.OutboundHighPriority, metrics.OutboundNormalPriority, metrics.OutboundLowPriority)
	}
	if metrics.ConfirmationSize != 1 {
		t.Errorf("Metrics().ConfirmationSize = %d; want 1", metrics.ConfirmationSize)
	}
	if metrics.RetrySize != 1 {
		t.Errorf("Metrics().RetrySize = %d; want 1", metrics.RetrySize)
	}
	if metrics.RetryAvgAttempts != 2.0 {
		t.Errorf("Metrics().RetryAvgAttempts = %v; want 2.0", metrics.RetryAvgAttempts)
	}
}

func TestManagerHealthLevels(t *testing.T) {
	fillOutbound := func(m *Manager, n int) {
		for i := 0; i < n; i++ {
			if err := m.Outbound.Push(testTx(fmt.Sprintf("tx-%d", i), PriorityNormal)); err != nil {
				t.Fatalf("Push() = %v; want nil", err)
			}
		}
	}
	fillRetries := func(m *Manager, n int) {
		for i := 0; i < n; i++ {
			if err := m.Retries.Push(testRetryItem(fmt.Sprintf("retry-%d", i))); err != nil {
				t.Fatalf("Push() = %v; want nil", err)
			}
		}
	}

	t.Run("outbound warning", func(t *testing.T) {
		m := NewManager()
		fillOutbound(m, 101)

		health := m.CheckHealth()
		if health.Status != HealthWarning {
			t.Errorf("CheckHealth().Status = %s; want warning", health.Status)
		}
		if len(health.Warnings) != 1 {
			t.Errorf("Warnings = %v; want one entry", health.Warnings)
		}
	})

	t.Run("retry warning", func(t *testing.T) {
		m := NewManager()
		fillRetries(m, 51)

		health := m.CheckHealth()
		if health.Status != HealthWarning {
			t.Errorf("CheckHealth().Status = %s; want warning", health.Status)
		}
	})

	t.Run("outbound critical", func(t *testing.T) {
		m := NewManager()
		fillOutbound(m, 501)

		health := m.CheckHealth()
		if health.Status != HealthCritical {
			t.Errorf("CheckHealth().Status = %s; want critical", health.Status)
		}
		if len(health.Warnings) != 2 {
			t.Errorf("Warnings = %v; want two entries", health.Warnings)
		}
	})

	t.Run("retry critical", func(t *testing.T) {
		m := NewManager()
		fillRetries(m, 201)

		health := m.CheckHealth()
		if health.Status != HealthCritical {
			t.Errorf("CheckHealth().Status = %s; want critical", health.Status)
		}
	})
}

func TestManagerSaveDebounce(t *testing.T) {
	store := &memStore{}
	m, err := NewManagerWithStore(store, DefaultConfig())
	if err != nil {
		t.Fatalf("NewManagerWithStore() = %v; want nil", err)
	}

	// Fresh manager is inside the debounce window.
	if err := m.SaveIfNeeded(); err != nil {
		t.Fatalf("SaveIfNeeded() = %v; want nil", err)
	}
	if got := store.saveCount(); got != 0 {
		t.Errorf("saves = %d after debounced call; want 0", got)
	}

	if err := m.ForceSave(); err != nil {
		t.Fatalf("ForceSave() = %v; want nil", err)
	}
	if got := store.saveCount(); got != 1 {
		t.Errorf("saves = %d after force save; want 1", got)
	}

	// Force save resets the debounce clock.
	if err := m.SaveIfNeeded(); err != nil {
		t.Fatalf("SaveIfNeeded() = %v; want nil", err)
	}
	if got := store.saveCount(); got != 1 {
		t.Errorf("saves = %d; want 1", got)
	}

	m.saveMu.Lock()
	m.lastSave = time.Now().Add(-10 * time.Second)
	m.saveMu.Unlock()

	if err := m.SaveIfNeeded(); err != nil {
		t.Fatalf("SaveIfNeeded() = %v; want nil", err)
	}
	if got := store.saveCount(); got != 2 {
		t.Errorf("saves = %d after window elapsed; want 2", got)
	}
}

func TestManagerSaveWithoutStore(t *testing.T) {
	m := NewManager()
	if err := m.SaveIfNeeded(); err != nil {
		t.Errorf("SaveIfNeeded() = %v without store; want nil", err)
	}
	if err := m.ForceSave(); err != nil {
		t.Errorf("ForceSave() = %v without store; want nil", err)
	}
}

func TestManagerRestoresFromStore(t *testing.T) {
	store := &memStore{
		outbound: []OutboundTransaction{
			NewOutboundTransaction("a", []byte{1}, PriorityHigh),
			NewOutboundTransaction("b", []byte{2}, PriorityNormal),
		},
		retries:       []RetryItem{testRetryItem("r1")},
		confirmations: []Confirmation{NewSuccessConfirmation(fullID(1), "sig")},
	}

	m, err := NewManagerWithStore(store, DefaultConfig())
	if err != nil {
		t.Fatalf("NewManagerWithStore() = %v; want nil", err)
	}

	if got := m.Outbound.Len(); got != 2 {
		t.Errorf("Outbound.Len() = %d; want 2", got)
	}
	if got := m.Outbound.LenPriority(PriorityHigh); got != 1 {
		t.Errorf("Outbound.LenPriority(high) = %d; want 1", got)
	}
	if got := m.Retries.Len(); got != 1 {
		t.Errorf("Retries.Len() = %d; want 1", got)
	}
	if got := m.Confirmations.Len(); got != 1 {
		t.Errorf("Confirmations.Len() = %d; want 1", got)
	}

	if err := m.Outbound.Push(testTx("c", PriorityLow)); err != nil {
		t.Fatalf("Push() = %v; want nil", err)
	}
	if err := m.ForceSave(); err != nil {
		t.Fatalf("ForceSave() = %v; want nil", err)
	}

	store.mu.Lock()
	saved := len(store.outbound)
	store.mu.Unlock()
	if saved != 3 {
		t.Errorf("persisted outbound size = %d; want 3", saved)
	}
}

func TestManagerLoadFailure(t *testing.T) {
	loadErr := errors.New("storage unreadable")
	store := &memStore{loadErr: loadErr}

	if _, err := NewManagerWithStore(store, DefaultConfig()); !errors.Is(err, loadErr) {
		t.Errorf("NewManagerWithStore() = %v; want wrapped load error", err)
	}
}

func TestManagerSaveFailure(t *testing.T) {
	saveErr := errors.New("disk full")
	store := &memStore{saveErr: saveErr}

	m, err := NewManagerWithStore(store, DefaultConfig())
	if err != nil {
		t.Fatalf("NewManagerWithStore() = %v; want nil", err)
	}
	if err := m.ForceSave(); !errors.Is(err, saveErr) {
		t.Errorf("ForceSave() = %v; want wrapped save error", err)
	}
}
