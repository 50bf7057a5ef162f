package gateway

import (
	"context"
	"sync"
)

// MemoryStore keeps accounting state in memory. Used when no database DSN is
// configured and in tests; accounting restarts from zero with the process.
type MemoryStore struct {
	mu       sync.Mutex
	accounts map[memoryKey]DeviceState
}

type memoryKey struct {
	deviceID string
	wallet   string
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{accounts: make(map[memoryKey]DeviceState)}
}

func (s *MemoryStore) DeviceState(_ context.Context, deviceID, wallet string) (DeviceState, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	state, ok := s.accounts[memoryKey{deviceID: deviceID, wallet: wallet}]
	return state, ok, nil
}

func (s *MemoryStore) UpsertDeviceState(_ context.Context, state DeviceState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.accounts[memoryKey{deviceID: state.DeviceID, wallet: state.Wallet}] = state
	return nil
}

func (s *MemoryStore) Close() error {
	return nil
}
