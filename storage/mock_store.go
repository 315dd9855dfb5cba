package storage

import (
	"context"
	"sync"

	"github.com/oseitutunelson/samantha/models"
)

// MockStore is a mock implementation of DataStore for testing
type MockStore struct {
	mu sync.RWMutex

	Cycles        []CycleRecord
	ParsedMatches map[int64][]models.MatchRecord

	// Call tracking for assertions
	Calls map[string]int

	// Error injection for testing error paths
	ErrorOnNext map[string]error
}

// NewMockStore creates a new mock store
func NewMockStore() *MockStore {
	return &MockStore{
		ParsedMatches: make(map[int64][]models.MatchRecord),
		Calls:         make(map[string]int),
		ErrorOnNext:   make(map[string]error),
	}
}

func (m *MockStore) trackCall(name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Calls[name]++
	if err, ok := m.ErrorOnNext[name]; ok {
		delete(m.ErrorOnNext, name)
		return err
	}
	return nil
}

// CallCount returns how many times method was invoked.
func (m *MockStore) CallCount(method string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.Calls[method]
}

func (m *MockStore) Close() error {
	return m.trackCall("Close")
}

func (m *MockStore) SaveCycle(ctx context.Context, rec CycleRecord) (int64, error) {
	if err := m.trackCall("SaveCycle"); err != nil {
		return 0, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	rec.ID = int64(len(m.Cycles) + 1)
	m.Cycles = append(m.Cycles, rec)
	return rec.ID, nil
}

func (m *MockStore) GetCycle(ctx context.Context, id int64) (*CycleRecord, error) {
	if err := m.trackCall("GetCycle"); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	if id < 1 || int(id) > len(m.Cycles) {
		return nil, ErrNotFound
	}
	rec := m.Cycles[id-1]
	return &rec, nil
}

func (m *MockStore) GetLatestCycle(ctx context.Context) (*CycleRecord, error) {
	if err := m.trackCall("GetLatestCycle"); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	if len(m.Cycles) == 0 {
		return nil, ErrNotFound
	}
	rec := m.Cycles[len(m.Cycles)-1]
	return &rec, nil
}

func (m *MockStore) ListCycles(ctx context.Context, limit int) ([]CycleRecord, error) {
	if err := m.trackCall("ListCycles"); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	limit = clampLimit(limit)
	out := make([]CycleRecord, 0, limit)
	for i := len(m.Cycles) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, m.Cycles[i])
	}
	return out, nil
}

func (m *MockStore) SaveParsedMatches(ctx context.Context, cycleID int64, records []models.MatchRecord) error {
	if err := m.trackCall("SaveParsedMatches"); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ParsedMatches[cycleID] = append([]models.MatchRecord(nil), records...)
	return nil
}

func (m *MockStore) ListParsedMatches(ctx context.Context, cycleID int64) ([]models.MatchRecord, error) {
	if err := m.trackCall("ListParsedMatches"); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]models.MatchRecord(nil), m.ParsedMatches[cycleID]...), nil
}
