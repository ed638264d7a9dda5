package storage

import (
	"context"
	"sync"
	"time"
)

// MemoryAlertStates keeps cooldown state in process memory. Used when no
// database is configured; state does not survive restarts.
type MemoryAlertStates struct {
	mu     sync.Mutex
	states map[string]AlertState
	now    func() time.Time
}

// NewMemoryAlertStates returns an empty in-memory alert state store.
func NewMemoryAlertStates() *MemoryAlertStates {
	return &MemoryAlertStates{states: make(map[string]AlertState), now: time.Now}
}

func (m *MemoryAlertStates) GetAlertState(_ context.Context, key string) (AlertState, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	state, ok := m.states[key]
	return state, ok, nil
}

func (m *MemoryAlertStates) UpsertAlertState(_ context.Context, state AlertState) (AlertState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now().UTC()
	existing, ok := m.states[state.AlertKey]
	if ok {
		existing.LastAlertTime = state.LastAlertTime
		existing.AlertCount++
		existing.UpdatedAt = now
		m.states[state.AlertKey] = existing
		return existing, nil
	}

	state.AlertCount = 1
	state.CreatedAt = now
	state.UpdatedAt = now
	m.states[state.AlertKey] = state
	return state, nil
}

var _ AlertStateStore = (*MemoryAlertStates)(nil)
