package syncer

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/oseitutunelson/samantha/api"
	"github.com/oseitutunelson/samantha/models"
)

const oneMatchResponse = "537898:Burnley(1.38)-Draw(3.45)-Chelsea(1.16)"

const fiveMatchResponse = oneMatchResponse +
	"|537895:Bournemouth(1.96)-Draw(3.21)-WestHam(1.52)" +
	"|537896:BrightonHove(2.44)-Draw(3.35)-Brentford(2.20)" +
	"|537899:Fulham(2.27)-Draw(3.31)-Sunderland(2.19)" +
	"|537900:Liverpool(2.91)-Draw(3.32)-Nottingham(2.54)"

func newTestOrchestrator(contract *api.MockContract, cfg OrchestratorConfig) (*Orchestrator, *fakeClock) {
	if cfg.PollInterval == 0 {
		cfg.PollInterval = 5 * time.Second
	}
	if cfg.MaxWait == 0 {
		cfg.MaxWait = 90 * time.Second
	}
	clock := newFakeClock()
	o := NewOrchestrator(contract, NewSynchronizer(contract, true, nil), cfg, nil).WithClock(clock)
	return o, clock
}

func TestOrchestrator_RunCycle_Done(t *testing.T) {
	contract := api.NewMockContract()
	contract.PendingResponse = oneMatchResponse
	contract.DeliverAfterPolls = 2
	o, clock := newTestOrchestrator(contract, OrchestratorConfig{VerifyCount: true})
	start := clock.Now()

	out := o.RunCycle(context.Background())

	require.Equal(t, models.StateDone, out.State, out.Summary())
	assert.Empty(t, out.Reason)
	assert.Equal(t, []models.CycleState{
		models.StateIdle, models.StateRequested, models.StateAwaitingResponse,
		models.StateParsing, models.StateSyncing, models.StateFinalizing, models.StateDone,
	}, out.Transitions)
	assert.Equal(t, 1, out.Attempted)
	assert.Equal(t, 1, out.Added)
	assert.Equal(t, 1, out.OnChainCount)
	assert.Equal(t, oneMatchResponse, out.Response)
	assert.Equal(t, 15*time.Second, out.Elapsed)
	assert.Empty(t, out.Warnings)

	got := contract.Snapshot()
	require.Len(t, got, 1)
	m := got[0]
	assert.Equal(t, int64(537898), m.ID)
	assert.Equal(t, "Burnley", m.HomeTeam)
	assert.Equal(t, "Chelsea", m.AwayTeam)
	assert.Equal(t, int64(138), m.HomeOdds)
	assert.Equal(t, int64(345), m.DrawOdds)
	assert.Equal(t, int64(116), m.AwayOdds)
	assert.Equal(t, models.ResultScheduled, m.Result)
	// parsed after three polls, kickoff one day later
	assert.Equal(t, start.Add(15*time.Second).Add(24*time.Hour), m.KickoffTime)
	assert.Equal(t, 1, contract.Finalized)
}

func TestOrchestrator_RunCycle_RequestFailed(t *testing.T) {
	contract := api.NewMockContract()
	contract.ErrorOnNext["RequestNewData"] = errors.New("insufficient LINK")
	o, _ := newTestOrchestrator(contract, OrchestratorConfig{})

	out := o.RunCycle(context.Background())

	assert.Equal(t, models.StateFailed, out.State)
	assert.Equal(t, models.ReasonRequestFailed, out.Reason)
	assert.Contains(t, out.LastError, "insufficient LINK")
	assert.Equal(t, []models.CycleState{models.StateIdle, models.StateFailed}, out.Transitions)
	assert.Zero(t, contract.CallCount("AddMatch"))
}

func TestOrchestrator_RunCycle_TooSoon(t *testing.T) {
	contract := api.NewMockContract()
	contract.PendingResponse = oneMatchResponse
	o, clock := newTestOrchestrator(contract, OrchestratorConfig{RespectRequestInterval: true})
	contract.NextRequestAt = clock.Now().Add(time.Hour)

	out := o.RunCycle(context.Background())

	assert.Equal(t, models.ReasonRequestFailed, out.Reason)
	assert.Contains(t, out.LastError, api.ErrTooSoon.Error())
	assert.Zero(t, contract.CallCount("RequestNewData"))
}

func TestOrchestrator_RunCycle_IntervalElapsed(t *testing.T) {
	contract := api.NewMockContract()
	contract.PendingResponse = oneMatchResponse
	o, clock := newTestOrchestrator(contract, OrchestratorConfig{RespectRequestInterval: true})
	contract.NextRequestAt = clock.Now().Add(-time.Minute)

	out := o.RunCycle(context.Background())

	assert.Equal(t, models.StateDone, out.State)
}

func TestOrchestrator_RunCycle_Timeout(t *testing.T) {
	contract := api.NewMockContract()
	o, _ := newTestOrchestrator(contract, OrchestratorConfig{})

	out := o.RunCycle(context.Background())

	assert.Equal(t, models.StateFailed, out.State)
	assert.Equal(t, models.ReasonTimeout, out.Reason)
	// one baseline read plus 18 polls in 90s at 5s
	assert.Equal(t, 19, contract.CallCount("GetLatestResponse"))
	assert.Equal(t, 90*time.Second, out.Elapsed)
	assert.Zero(t, contract.CallCount("ClearMatches"), "on-chain set untouched")
}

func TestOrchestrator_RunCycle_StaleResponseTimesOut(t *testing.T) {
	contract := api.NewMockContract()
	contract.Response = oneMatchResponse
	contract.PendingResponse = oneMatchResponse
	o, _ := newTestOrchestrator(contract, OrchestratorConfig{})

	out := o.RunCycle(context.Background())

	assert.Equal(t, models.ReasonTimeout, out.Reason)
	assert.Zero(t, contract.CallCount("AddMatch"))
}

func TestOrchestrator_RunCycle_BaselineReadFailure(t *testing.T) {
	contract := api.NewMockContract()
	contract.ErrorOnNext["GetLatestResponse"] = errors.New("rpc unavailable")
	contract.PendingResponse = oneMatchResponse
	o, _ := newTestOrchestrator(contract, OrchestratorConfig{})

	out := o.RunCycle(context.Background())

	assert.Equal(t, models.StateDone, out.State)
}

func TestOrchestrator_RunCycle_NoMatchesParsed(t *testing.T) {
	contract := api.NewMockContract()
	contract.PendingResponse = "NO_MATCHES"
	o, _ := newTestOrchestrator(contract, OrchestratorConfig{})

	out := o.RunCycle(context.Background())

	assert.Equal(t, models.StateFailed, out.State)
	assert.Equal(t, models.ReasonNoMatchesParsed, out.Reason)
	assert.Equal(t, models.StateParsing, out.Transitions[len(out.Transitions)-2])
	assert.Zero(t, contract.CallCount("ClearMatches"))
}

func TestOrchestrator_RunCycle_PartialAdds(t *testing.T) {
	contract := api.NewMockContract()
	contract.PendingResponse = fiveMatchResponse
	contract.FailAddIDs[537899] = errors.New("execution reverted")
	o, _ := newTestOrchestrator(contract, OrchestratorConfig{VerifyCount: true})

	out := o.RunCycle(context.Background())

	assert.Equal(t, models.StateDone, out.State)
	assert.Equal(t, 5, out.Attempted)
	assert.Equal(t, 4, out.Added)
	assert.Equal(t, 4, out.OnChainCount)
	require.Len(t, out.Warnings, 1)
	assert.Contains(t, out.Warnings[0], "537899")
	assert.Equal(t, 1, contract.Finalized)
}

func TestOrchestrator_RunCycle_NoMatchesAdded(t *testing.T) {
	contract := api.NewMockContract()
	contract.PendingResponse = oneMatchResponse
	contract.FailAddIDs[537898] = errors.New("execution reverted")
	o, _ := newTestOrchestrator(contract, OrchestratorConfig{})

	out := o.RunCycle(context.Background())

	assert.Equal(t, models.StateFailed, out.State)
	assert.Equal(t, models.ReasonNoMatchesAdded, out.Reason)
	assert.Contains(t, out.LastError, "execution reverted")
	assert.Equal(t, 1, contract.CallCount("FinalizeMatches"), "finalize still attempted")
}

func TestOrchestrator_RunCycle_FinalizeFailureIsWarning(t *testing.T) {
	contract := api.NewMockContract()
	contract.PendingResponse = oneMatchResponse
	contract.ErrorOnNext["FinalizeMatches"] = errors.New("gas too low")
	o, _ := newTestOrchestrator(contract, OrchestratorConfig{})

	out := o.RunCycle(context.Background())

	assert.Equal(t, models.StateDone, out.State)
	require.Len(t, out.Warnings, 1)
	assert.Contains(t, out.Warnings[0], "finalize matches")
}

func TestOrchestrator_RunCycle_VerifyFailureIsWarning(t *testing.T) {
	contract := api.NewMockContract()
	contract.PendingResponse = oneMatchResponse
	contract.ErrorOnNext["GetMatchCount"] = errors.New("call reverted")
	o, _ := newTestOrchestrator(contract, OrchestratorConfig{VerifyCount: true})

	out := o.RunCycle(context.Background())

	assert.Equal(t, models.StateDone, out.State)
	assert.Equal(t, -1, out.OnChainCount)
	require.Len(t, out.Warnings, 1)
	assert.Contains(t, out.Warnings[0], "verify match count")
}

func TestOrchestrator_RunCycle_Cancelled(t *testing.T) {
	contract := api.NewMockContract()
	contract.PendingResponse = oneMatchResponse
	o, _ := newTestOrchestrator(contract, OrchestratorConfig{})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	out := o.RunCycle(ctx)

	assert.Equal(t, models.StateFailed, out.State)
	assert.Equal(t, models.ReasonCancelled, out.Reason)
	assert.Zero(t, contract.CallCount("AddMatch"))
}
