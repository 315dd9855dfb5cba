package api

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/oseitutunelson/samantha/models"
)

// MockContract is an in-memory BettingContract for testing.
type MockContract struct {
	mu sync.RWMutex

	// On-chain state
	Matches   []models.OnChainMatch
	Response  string
	Finalized int
	// MatchesFetched receives the ids of every finalized batch.
	MatchesFetched [][]int64

	// PendingResponse is delivered as Response once DeliverAfterPolls more
	// GetLatestResponse calls have happened after a request.
	PendingResponse   string
	DeliverAfterPolls int
	pollsSinceRequest int
	requested         bool

	NextRequestAt time.Time

	// FailAddIDs makes AddMatch fail for the listed external ids.
	FailAddIDs map[int64]error

	// Call tracking for assertions
	Calls map[string]int

	// Error injection for testing error paths
	ErrorOnNext map[string]error
}

// NewMockContract creates an empty mock contract.
func NewMockContract() *MockContract {
	return &MockContract{
		FailAddIDs:  make(map[int64]error),
		Calls:       make(map[string]int),
		ErrorOnNext: make(map[string]error),
	}
}

func (m *MockContract) trackCall(name string) error {
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
func (m *MockContract) CallCount(method string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.Calls[method]
}

func (m *MockContract) RequestNewData(ctx context.Context) error {
	if err := m.trackCall("RequestNewData"); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.requested = true
	m.pollsSinceRequest = 0
	return nil
}

func (m *MockContract) GetLatestResponse(ctx context.Context) (string, error) {
	if err := m.trackCall("GetLatestResponse"); err != nil {
		return "", err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.requested && m.PendingResponse != "" {
		if m.pollsSinceRequest >= m.DeliverAfterPolls {
			m.Response = m.PendingResponse
			m.PendingResponse = ""
			m.requested = false
		}
		m.pollsSinceRequest++
	}
	return m.Response, nil
}

func (m *MockContract) GetMatchCount(ctx context.Context) (int, error) {
	if err := m.trackCall("GetMatchCount"); err != nil {
		return 0, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.Matches), nil
}

func (m *MockContract) ClearMatches(ctx context.Context) error {
	if err := m.trackCall("ClearMatches"); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Matches = nil
	return nil
}

func (m *MockContract) AddMatch(ctx context.Context, rec models.MatchRecord) error {
	if err := m.trackCall("AddMatch"); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if err, ok := m.FailAddIDs[rec.ExternalID]; ok {
		return err
	}
	m.Matches = append(m.Matches, models.OnChainMatch{
		ID:          rec.ExternalID,
		HomeTeam:    rec.HomeTeam,
		AwayTeam:    rec.AwayTeam,
		KickoffTime: rec.KickoffTime,
		Result:      models.ResultScheduled,
		HomeOdds:    rec.HomeOdds,
		DrawOdds:    rec.DrawOdds,
		AwayOdds:    rec.AwayOdds,
	})
	return nil
}

func (m *MockContract) FinalizeMatches(ctx context.Context) error {
	if err := m.trackCall("FinalizeMatches"); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := make([]int64, len(m.Matches))
	for i, match := range m.Matches {
		ids[i] = match.ID
	}
	m.Finalized++
	m.MatchesFetched = append(m.MatchesFetched, ids)
	return nil
}

func (m *MockContract) NextRequestAllowedAt(ctx context.Context) (time.Time, error) {
	if err := m.trackCall("NextRequestAllowedAt"); err != nil {
		return time.Time{}, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.NextRequestAt, nil
}

func (m *MockContract) ListMatches(ctx context.Context) ([]models.OnChainMatch, error) {
	if err := m.trackCall("ListMatches"); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]models.OnChainMatch, len(m.Matches))
	copy(out, m.Matches)
	return out, nil
}

func (m *MockContract) GetMatch(ctx context.Context, id int64) (*models.OnChainMatch, error) {
	if err := m.trackCall("GetMatch"); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, match := range m.Matches {
		if match.ID == id {
			found := match
			return &found, nil
		}
	}
	return nil, fmt.Errorf("%w: %d", ErrMatchNotFound, id)
}

// Snapshot returns a copy of the current on-chain matches.
func (m *MockContract) Snapshot() []models.OnChainMatch {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]models.OnChainMatch, len(m.Matches))
	copy(out, m.Matches)
	return out
}
