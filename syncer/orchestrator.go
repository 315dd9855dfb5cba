package syncer

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/oseitutunelson/samantha/api"
	"github.com/oseitutunelson/samantha/models"
	"github.com/oseitutunelson/samantha/parser"
)

// OrchestratorConfig tunes one ingestion cycle.
type OrchestratorConfig struct {
	PollInterval time.Duration
	MaxWait      time.Duration
	// RespectRequestInterval refuses to request before the contract allows it.
	RespectRequestInterval bool
	// VerifyCount reads the on-chain count after finalizing.
	VerifyCount bool
}

// Orchestrator drives request → await → parse → sync → finalize.
// One orchestrator runs one cycle at a time; the Scheduler enforces that.
type Orchestrator struct {
	contract api.MatchContract
	sync     *Synchronizer
	parser   *parser.Parser
	clock    Clock
	cfg      OrchestratorConfig
	log      *zap.Logger
}

// NewOrchestrator wires a cycle driver around contract.
func NewOrchestrator(contract api.MatchContract, synchronizer *Synchronizer, cfg OrchestratorConfig, log *zap.Logger) *Orchestrator {
	if log == nil {
		log = zap.NewNop()
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 5 * time.Second
	}
	if cfg.MaxWait <= 0 {
		cfg.MaxWait = 90 * time.Second
	}
	return &Orchestrator{
		contract: contract,
		sync:     synchronizer,
		parser:   parser.New(log),
		clock:    RealClock,
		cfg:      cfg,
		log:      log.Named("orchestrator"),
	}
}

// WithClock replaces the time source.
func (o *Orchestrator) WithClock(c Clock) *Orchestrator {
	o.clock = c
	return o
}

// cycle accumulates the outcome of one RunCycle call.
type cycle struct {
	outcome models.CycleOutcome
	log     *zap.Logger
}

func (c *cycle) enter(s models.CycleState) {
	c.outcome.State = s
	c.outcome.Transitions = append(c.outcome.Transitions, s)
	c.log.Debug("state", zap.String("state", string(s)))
}

func (c *cycle) warn(err error) {
	c.outcome.Warnings = append(c.outcome.Warnings, err.Error())
	c.outcome.LastError = err.Error()
}

func (c *cycle) fail(reason string, err error) {
	c.outcome.Reason = reason
	if err != nil {
		c.outcome.LastError = err.Error()
	}
	c.enter(models.StateFailed)
}

// RunCycle runs one ingestion cycle to a terminal state. It never returns
// an error; everything is reported in the outcome.
func (o *Orchestrator) RunCycle(ctx context.Context) models.CycleOutcome {
	c := &cycle{
		outcome: models.CycleOutcome{StartedAt: o.clock.Now(), OnChainCount: -1},
		log:     o.log,
	}
	c.enter(models.StateIdle)

	o.run(ctx, c)

	c.outcome.Elapsed = o.clock.Now().Sub(c.outcome.StartedAt)
	fields := []zap.Field{
		zap.String("state", string(c.outcome.State)),
		zap.Int("added", c.outcome.Added),
		zap.Int("attempted", c.outcome.Attempted),
		zap.Duration("elapsed", c.outcome.Elapsed),
	}
	if c.outcome.Succeeded() {
		o.log.Info(c.outcome.Summary(), fields...)
	} else {
		o.log.Error(c.outcome.Summary(), append(fields, zap.String("reason", c.outcome.Reason))...)
	}
	return c.outcome
}

func (o *Orchestrator) run(ctx context.Context, c *cycle) {
	baseline, err := o.contract.GetLatestResponse(ctx)
	if err != nil {
		o.log.Warn("could not read previous response, any non-empty value counts as new", zap.Error(err))
		baseline = ""
	}

	if err := o.checkRequestInterval(ctx); err != nil {
		c.fail(models.ReasonRequestFailed, err)
		return
	}

	if err := o.contract.RequestNewData(ctx); err != nil {
		c.fail(models.ReasonRequestFailed, fmt.Errorf("request new data: %w", err))
		return
	}
	c.enter(models.StateRequested)
	c.enter(models.StateAwaitingResponse)

	raw, err := o.awaitResponse(ctx, baseline)
	if err != nil {
		switch {
		case errors.Is(err, ErrWaitTimeout):
			c.fail(models.ReasonTimeout, fmt.Errorf("no new response within %s: %w", o.cfg.MaxWait, err))
		default:
			c.fail(models.ReasonCancelled, err)
		}
		return
	}
	c.outcome.Response = raw

	c.enter(models.StateParsing)
	parsed := o.parser.Parse(raw, o.clock.Now())
	c.outcome.Records = parsed.Records
	c.outcome.Skipped = parsed.Skipped()
	if len(parsed.Records) == 0 {
		c.fail(models.ReasonNoMatchesParsed, nil)
		return
	}

	c.enter(models.StateSyncing)
	report := o.sync.Populate(ctx, parsed.Records)
	if report.ClearErr != nil {
		c.warn(report.ClearErr)
	}
	for _, f := range report.Failed {
		c.warn(f.Err)
	}

	c.enter(models.StateFinalizing)
	o.sync.Finalize(ctx, &report)
	if report.FinalizeErr != nil {
		c.warn(report.FinalizeErr)
	}
	c.outcome.Attempted = report.Attempted
	c.outcome.Added = report.Added

	if o.cfg.VerifyCount {
		o.verifyCount(ctx, c, report)
	}

	if report.Added == 0 {
		c.fail(models.ReasonNoMatchesAdded, report.LastError())
		return
	}
	c.enter(models.StateDone)
}

func (o *Orchestrator) checkRequestInterval(ctx context.Context) error {
	if !o.cfg.RespectRequestInterval {
		return nil
	}
	rs, ok := o.contract.(api.RequestScheduler)
	if !ok {
		return nil
	}
	next, err := rs.NextRequestAllowedAt(ctx)
	if err != nil {
		o.log.Warn("could not read request interval, requesting anyway", zap.Error(err))
		return nil
	}
	if now := o.clock.Now(); now.Before(next) {
		return fmt.Errorf("%w: next request allowed in %s", api.ErrTooSoon, next.Sub(now).Round(time.Second))
	}
	return nil
}

// awaitResponse polls until the response differs from baseline and is
// non-empty. Poll errors do not stop the wait; the last one is attached to
// a timeout.
func (o *Orchestrator) awaitResponse(ctx context.Context, baseline string) (string, error) {
	var (
		latest  string
		pollErr error
	)
	w := Waiter{Clock: o.clock, Interval: o.cfg.PollInterval, MaxWait: o.cfg.MaxWait}
	polls, err := w.Until(ctx, func(ctx context.Context) bool {
		v, err := o.contract.GetLatestResponse(ctx)
		if err != nil {
			o.log.Warn("poll failed", zap.Error(err))
			pollErr = err
			return false
		}
		if v == "" || v == baseline {
			return false
		}
		latest = v
		return true
	})
	if err != nil {
		o.log.Warn("gave up waiting for response", zap.Int("polls", polls), zap.Error(err))
		if pollErr != nil {
			return "", fmt.Errorf("%w (last poll error: %v)", err, pollErr)
		}
		return "", err
	}

	o.log.Info("response delivered", zap.Int("polls", polls), zap.Int("bytes", len(latest)))
	return latest, nil
}

func (o *Orchestrator) verifyCount(ctx context.Context, c *cycle, report SyncReport) {
	n, err := o.contract.GetMatchCount(ctx)
	if err != nil {
		c.warn(fmt.Errorf("verify match count: %w", err))
		return
	}
	c.outcome.OnChainCount = n
	if report.Cleared && n != report.Added {
		c.warn(fmt.Errorf("on-chain count %d differs from %d added", n, report.Added))
	}
}
