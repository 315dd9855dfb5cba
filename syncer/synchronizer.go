package syncer

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/oseitutunelson/samantha/api"
	"github.com/oseitutunelson/samantha/models"
)

// ProgressReporter publishes whether the on-chain set is mid-rewrite.
type ProgressReporter interface {
	SetSyncInProgress(ctx context.Context, inProgress bool) error
}

// AddFailure is one record the contract did not accept.
type AddFailure struct {
	ExternalID int64
	Err        error
}

// SyncReport describes one clear/add/finalize pass.
type SyncReport struct {
	Attempted   int
	Added       int
	Failed      []AddFailure
	Cleared     bool
	ClearErr    error
	Finalized   bool
	FinalizeErr error
	Elapsed     time.Duration
}

// LastError returns the most recent failure recorded in the report.
func (r SyncReport) LastError() error {
	if r.FinalizeErr != nil {
		return r.FinalizeErr
	}
	if n := len(r.Failed); n > 0 {
		return r.Failed[n-1].Err
	}
	return r.ClearErr
}

// Synchronizer rewrites the on-chain match set: clear, add each record in
// order, finalize. It is not atomic; a failure part way leaves whatever was
// written, and running it again from the top repairs it.
type Synchronizer struct {
	contract   api.MatchContract
	clearFirst bool
	progress   ProgressReporter
	log        *zap.Logger

	syncing atomic.Bool
}

// NewSynchronizer creates a synchronizer over contract.
func NewSynchronizer(contract api.MatchContract, clearFirst bool, log *zap.Logger) *Synchronizer {
	if log == nil {
		log = zap.NewNop()
	}
	return &Synchronizer{
		contract:   contract,
		clearFirst: clearFirst,
		log:        log.Named("synchronizer"),
	}
}

// WithProgress publishes the in-progress flag through p.
func (s *Synchronizer) WithProgress(p ProgressReporter) *Synchronizer {
	s.progress = p
	return s
}

// Sync runs Populate then Finalize.
func (s *Synchronizer) Sync(ctx context.Context, records []models.MatchRecord) SyncReport {
	report := s.Populate(ctx, records)
	s.Finalize(ctx, &report)
	return report
}

// Populate clears the store (best effort) and adds every record sequentially.
// A failed add is logged and the loop moves on.
func (s *Synchronizer) Populate(ctx context.Context, records []models.MatchRecord) SyncReport {
	start := time.Now()
	var report SyncReport

	s.setProgress(ctx, true)

	if s.clearFirst {
		if err := s.contract.ClearMatches(ctx); err != nil {
			report.ClearErr = fmt.Errorf("clear matches: %w", err)
			s.log.Warn("clear failed, adding anyway", zap.Error(err))
		} else {
			report.Cleared = true
			s.log.Info("cleared on-chain matches")
		}
	}

	for _, rec := range records {
		if ctx.Err() != nil {
			s.log.Warn("context done, stopping adds",
				zap.Int("attempted", report.Attempted),
				zap.Int("remaining", len(records)-report.Attempted))
			break
		}
		report.Attempted++
		if err := s.contract.AddMatch(ctx, rec); err != nil {
			report.Failed = append(report.Failed, AddFailure{
				ExternalID: rec.ExternalID,
				Err:        fmt.Errorf("add match %d: %w", rec.ExternalID, err),
			})
			s.log.Warn("add failed",
				zap.Int64("id", rec.ExternalID),
				zap.String("home", rec.HomeTeam),
				zap.String("away", rec.AwayTeam),
				zap.Error(err))
			continue
		}
		report.Added++
		s.log.Debug("added match",
			zap.Int64("id", rec.ExternalID),
			zap.String("home", rec.HomeTeam),
			zap.String("away", rec.AwayTeam))
	}

	report.Elapsed = time.Since(start)
	s.log.Info("populated matches",
		zap.Int("added", report.Added),
		zap.Int("attempted", report.Attempted),
		zap.Int("failed", len(report.Failed)))
	return report
}

// Finalize marks the batch complete. Its failure never undoes the adds.
func (s *Synchronizer) Finalize(ctx context.Context, report *SyncReport) {
	start := time.Now()
	if err := s.contract.FinalizeMatches(ctx); err != nil {
		report.FinalizeErr = fmt.Errorf("finalize matches: %w", err)
		s.log.Warn("finalize failed", zap.Error(err))
	} else {
		report.Finalized = true
		s.log.Info("finalized matches", zap.Int("added", report.Added))
	}
	report.Elapsed += time.Since(start)

	s.setProgress(ctx, false)
}

// InProgress reports whether a rewrite is running in this process, between
// the start of Populate and the end of Finalize.
func (s *Synchronizer) InProgress() bool {
	return s.syncing.Load()
}

func (s *Synchronizer) setProgress(ctx context.Context, inProgress bool) {
	s.syncing.Store(inProgress)
	if s.progress == nil {
		return
	}
	// the flag must still be lowered when the cycle context is already done
	flagCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := s.progress.SetSyncInProgress(flagCtx, inProgress); err != nil {
		s.log.Warn("publish sync flag failed", zap.Bool("in_progress", inProgress), zap.Error(err))
	}
}
