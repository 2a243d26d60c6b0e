package sync

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"
)

// ErrSyncRunning means a sync cycle is already in flight for the account.
var ErrSyncRunning = errors.New("sync already running for account")

// Manager serializes sync cycles per account: two cycles for the same
// account never overlap, so the cursor cannot regress and no page is
// dropped. Accounts are independent of each other.
type Manager struct {
	runner *Runner

	mu     sync.RWMutex
	active map[string]struct{}
}

// NewManager creates a sync manager around a runner.
func NewManager(runner *Runner) *Manager {
	return &Manager{
		runner: runner,
		active: make(map[string]struct{}),
	}
}

func (m *Manager) acquire(accountID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, busy := m.active[accountID]; busy {
		return ErrSyncRunning
	}
	m.active[accountID] = struct{}{}
	return nil
}

func (m *Manager) release(accountID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.active, accountID)
}

// InitialSync runs the full first sync for an account, synchronously.
func (m *Manager) InitialSync(ctx context.Context, accountID string) error {
	if err := m.acquire(accountID); err != nil {
		return err
	}
	defer m.release(accountID)
	return m.runner.Initial(ctx, accountID)
}

// IncrementalSync runs a delta sync for an account, synchronously.
func (m *Manager) IncrementalSync(ctx context.Context, accountID string) error {
	if err := m.acquire(accountID); err != nil {
		return err
	}
	defer m.release(accountID)
	return m.runner.Incremental(ctx, accountID)
}

// KickIncremental starts a best-effort delta sync in the background, as a
// side effect of a mailbox view. A cycle already in flight is not an error,
// the view simply sees the prior state.
func (m *Manager) KickIncremental(accountID string) {
	if err := m.acquire(accountID); err != nil {
		return
	}

	go func() {
		defer m.release(accountID)

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
		defer cancel()

		if err := m.runner.Incremental(ctx, accountID); err != nil && !errors.Is(err, ErrNeverSynced) {
			log.Printf("sync: background incremental for account %s: %v", accountID, err)
		}
	}()
}

// IsRunning reports whether a sync cycle is in flight for the account.
func (m *Manager) IsRunning(accountID string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, busy := m.active[accountID]
	return busy
}

// RunningSyncs lists the accounts with a cycle in flight.
func (m *Manager) RunningSyncs() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var accounts []string
	for id := range m.active {
		accounts = append(accounts, id)
	}
	return accounts
}
