package syncer

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/oseitutunelson/samantha/api"
	"github.com/oseitutunelson/samantha/models"
)

var kickoff = time.Date(2025, 10, 2, 12, 0, 0, 0, time.UTC)

func fiveRecords() []models.MatchRecord {
	return []models.MatchRecord{
		{ExternalID: 537898, HomeTeam: "Burnley", AwayTeam: "Chelsea", KickoffTime: kickoff, HomeOdds: 138, DrawOdds: 345, AwayOdds: 116},
		{ExternalID: 537895, HomeTeam: "Bournemouth", AwayTeam: "WestHam", KickoffTime: kickoff, HomeOdds: 196, DrawOdds: 321, AwayOdds: 152},
		{ExternalID: 537896, HomeTeam: "BrightonHove", AwayTeam: "Brentford", KickoffTime: kickoff, HomeOdds: 244, DrawOdds: 335, AwayOdds: 220},
		{ExternalID: 537899, HomeTeam: "Fulham", AwayTeam: "Sunderland", KickoffTime: kickoff, HomeOdds: 227, DrawOdds: 331, AwayOdds: 219},
		{ExternalID: 537900, HomeTeam: "Liverpool", AwayTeam: "Nottingham", KickoffTime: kickoff, HomeOdds: 291, DrawOdds: 332, AwayOdds: 254},
	}
}

type recordingProgress struct {
	mu     sync.Mutex
	values []bool
	err    error
}

func (p *recordingProgress) SetSyncInProgress(ctx context.Context, inProgress bool) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.values = append(p.values, inProgress)
	return p.err
}

func TestSynchronizer_Sync(t *testing.T) {
	contract := api.NewMockContract()
	s := NewSynchronizer(contract, true, nil)

	report := s.Sync(context.Background(), fiveRecords())

	assert.Equal(t, 5, report.Attempted)
	assert.Equal(t, 5, report.Added)
	assert.True(t, report.Cleared)
	assert.True(t, report.Finalized)
	assert.NoError(t, report.LastError())

	got := contract.Snapshot()
	require.Len(t, got, 5)
	for i, rec := range fiveRecords() {
		assert.Equal(t, rec, got[i].Record(), "order preserved")
	}
	require.Len(t, contract.MatchesFetched, 1)
	assert.Equal(t, []int64{537898, 537895, 537896, 537899, 537900}, contract.MatchesFetched[0])
}

func TestSynchronizer_ResyncIsIdempotent(t *testing.T) {
	contract := api.NewMockContract()
	s := NewSynchronizer(contract, true, nil)

	s.Sync(context.Background(), fiveRecords())
	first := contract.Snapshot()
	s.Sync(context.Background(), fiveRecords())

	assert.Equal(t, first, contract.Snapshot())
	assert.Equal(t, 2, contract.Finalized)
}

func TestSynchronizer_PartialFailureStillFinalizes(t *testing.T) {
	contract := api.NewMockContract()
	contract.FailAddIDs[537896] = errors.New("execution reverted")
	s := NewSynchronizer(contract, true, nil)

	report := s.Sync(context.Background(), fiveRecords())

	assert.Equal(t, 5, report.Attempted)
	assert.Equal(t, 4, report.Added)
	require.Len(t, report.Failed, 1)
	assert.Equal(t, int64(537896), report.Failed[0].ExternalID)
	assert.ErrorContains(t, report.LastError(), "add match 537896")
	assert.True(t, report.Finalized)
	assert.Len(t, contract.Snapshot(), 4)
}

func TestSynchronizer_ClearFailureContinues(t *testing.T) {
	contract := api.NewMockContract()
	contract.Matches = []models.OnChainMatch{{ID: 1, HomeTeam: "Old", AwayTeam: "Match"}}
	contract.ErrorOnNext["ClearMatches"] = errors.New("not owner")
	s := NewSynchronizer(contract, true, nil)

	report := s.Sync(context.Background(), fiveRecords())

	assert.False(t, report.Cleared)
	assert.ErrorContains(t, report.ClearErr, "not owner")
	assert.Equal(t, 5, report.Added)
	assert.Len(t, contract.Snapshot(), 6, "stale match left in place")
}

func TestSynchronizer_NoClear(t *testing.T) {
	contract := api.NewMockContract()
	s := NewSynchronizer(contract, false, nil)

	s.Sync(context.Background(), fiveRecords())

	assert.Zero(t, contract.CallCount("ClearMatches"))
}

func TestSynchronizer_FinalizeFailure(t *testing.T) {
	contract := api.NewMockContract()
	contract.ErrorOnNext["FinalizeMatches"] = errors.New("gas too low")
	s := NewSynchronizer(contract, true, nil)

	report := s.Sync(context.Background(), fiveRecords())

	assert.False(t, report.Finalized)
	assert.Equal(t, 5, report.Added, "adds are kept")
	assert.ErrorContains(t, report.LastError(), "finalize matches")
}

func TestSynchronizer_StopsWhenContextDone(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	contract := api.NewMockContract()
	s := NewSynchronizer(contract, false, nil)

	report := s.Populate(ctx, fiveRecords())

	assert.Zero(t, report.Attempted)
	assert.Zero(t, contract.CallCount("AddMatch"))
}

func TestSynchronizer_ProgressFlag(t *testing.T) {
	t.Run("raised then lowered", func(t *testing.T) {
		progress := &recordingProgress{}
		s := NewSynchronizer(api.NewMockContract(), true, nil).WithProgress(progress)

		s.Sync(context.Background(), fiveRecords())

		assert.Equal(t, []bool{true, false}, progress.values)
	})

	t.Run("lowered even after cancellation", func(t *testing.T) {
		progress := &recordingProgress{}
		s := NewSynchronizer(api.NewMockContract(), true, nil).WithProgress(progress)

		ctx, cancel := context.WithCancel(context.Background())
		report := s.Populate(ctx, fiveRecords())
		cancel()
		s.Finalize(ctx, &report)

		assert.Equal(t, []bool{true, false}, progress.values)
	})

	t.Run("local flag without a reporter", func(t *testing.T) {
		s := NewSynchronizer(api.NewMockContract(), true, nil)
		assert.False(t, s.InProgress())

		report := s.Populate(context.Background(), fiveRecords())
		assert.True(t, s.InProgress())

		s.Finalize(context.Background(), &report)
		assert.False(t, s.InProgress())
	})

	t.Run("reporter errors are ignored", func(t *testing.T) {
		progress := &recordingProgress{err: errors.New("redis down")}
		s := NewSynchronizer(api.NewMockContract(), true, nil).WithProgress(progress)

		report := s.Sync(context.Background(), fiveRecords())

		assert.Equal(t, 5, report.Added)
		assert.True(t, report.Finalized)
	})
}
