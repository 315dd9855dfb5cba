package service

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/lithammer/fuzzysearch/fuzzy"
	"go.uber.org/zap"

	"github.com/oseitutunelson/samantha/api"
	"github.com/oseitutunelson/samantha/models"
	"github.com/oseitutunelson/samantha/parser"
	"github.com/oseitutunelson/samantha/storage"
	"github.com/oseitutunelson/samantha/syncer"
)

// Chain reads the on-chain match set.
type Chain interface {
	api.MatchReader
	GetMatchCount(ctx context.Context) (int, error)
}

// CycleTrigger starts ingestion cycles; *syncer.Scheduler implements it.
type CycleTrigger interface {
	TryRun(ctx context.Context) (models.CycleOutcome, error)
	TryStart() error
	Running() bool
	LastOutcome() (models.CycleOutcome, bool)
}

// MetricsReader exposes the stored ingestion metrics.
type MetricsReader interface {
	GetMetrics(ctx context.Context) (*syncer.IngestionMetrics, error)
	SyncInProgress(ctx context.Context) (bool, error)
}

// SyncState reports a rewrite running in this process.
type SyncState interface {
	InProgress() bool
}

var (
	_ CycleTrigger  = (*syncer.Scheduler)(nil)
	_ MetricsReader = (*syncer.MetricsStore)(nil)
	_ SyncState     = (*syncer.Synchronizer)(nil)
)

// Service handles business logic and coordinates between chain, storage and the scheduler.
type Service struct {
	chain   Chain
	store   storage.DataStore
	trigger CycleTrigger
	metrics MetricsReader
	state   SyncState
	parser  *parser.Parser
	log     *zap.Logger

	matchTTL time.Duration

	cacheMu    sync.RWMutex
	matchCache *matchCacheEntry
}

type matchCacheEntry struct {
	data    []models.OnChainMatch
	fetched time.Time
	expires time.Time
}

// Status is the ingestion snapshot served by /api/status.
type Status struct {
	SyncInProgress bool                     `json:"sync_in_progress"`
	CycleRunning   bool                     `json:"cycle_running"`
	OnChainCount   int                      `json:"on_chain_count"`
	Metrics        *syncer.IngestionMetrics `json:"metrics,omitempty"`
	LastOutcome    *models.CycleOutcome     `json:"last_outcome,omitempty"`
	LastCycle      *storage.CycleRecord     `json:"last_cycle,omitempty"`
	Errors         []string                 `json:"errors,omitempty"`
}

// MatchList is the on-chain match set as served to readers.
type MatchList struct {
	Matches []models.OnChainMatch `json:"matches"`
	Count   int                   `json:"count"`
	// SyncInProgress warns that the set may be partially rewritten.
	SyncInProgress bool      `json:"sync_in_progress"`
	FetchedAt      time.Time `json:"fetched_at"`
}

// NewService creates a new service. store, trigger and metrics may be nil.
func NewService(chain Chain, store storage.DataStore, trigger CycleTrigger, metrics MetricsReader, matchTTL time.Duration, log *zap.Logger) *Service {
	if log == nil {
		log = zap.NewNop()
	}
	if matchTTL <= 0 {
		matchTTL = 30 * time.Second
	}
	return &Service{
		chain:    chain,
		store:    store,
		trigger:  trigger,
		metrics:  metrics,
		parser:   parser.New(log),
		log:      log.Named("service"),
		matchTTL: matchTTL,
	}
}

// WithSyncState reads the local in-progress flag from st. Without it a
// running cycle counts as in progress.
func (s *Service) WithSyncState(st SyncState) *Service {
	s.state = st
	return s
}

// Status gathers metrics, flags and the last outcome. Partial failures are
// listed in Errors rather than failing the call.
func (s *Service) Status(ctx context.Context) Status {
	st := Status{OnChainCount: -1}

	if s.metrics != nil {
		if m, err := s.metrics.GetMetrics(ctx); err != nil {
			st.Errors = append(st.Errors, fmt.Sprintf("metrics: %v", err))
		} else {
			st.Metrics = m
		}
	}
	on, err := s.syncInProgress(ctx)
	if err != nil {
		st.Errors = append(st.Errors, fmt.Sprintf("sync flag: %v", err))
	}
	st.SyncInProgress = on

	if s.trigger != nil {
		st.CycleRunning = s.trigger.Running()
		if last, ok := s.trigger.LastOutcome(); ok {
			st.LastOutcome = &last
		}
	}
	if st.LastOutcome == nil && s.store != nil {
		if rec, err := s.store.GetLatestCycle(ctx); err == nil {
			st.LastCycle = rec
		} else if !errors.Is(err, storage.ErrNotFound) {
			st.Errors = append(st.Errors, fmt.Sprintf("storage: %v", err))
		}
	}

	if n, err := s.chain.GetMatchCount(ctx); err != nil {
		st.Errors = append(st.Errors, fmt.Sprintf("chain: %v", err))
	} else {
		st.OnChainCount = n
	}
	return st
}

// ListMatches returns the on-chain matches, optionally fuzzy-filtered by team.
func (s *Service) ListMatches(ctx context.Context, team string) (*MatchList, error) {
	inProgress, err := s.syncInProgress(ctx)
	if err != nil {
		s.log.Warn("read sync flag failed", zap.Error(err))
	}

	matches, fetched, ok := s.cachedMatches()
	if !ok {
		matches, err = s.chain.ListMatches(ctx)
		if err != nil {
			return nil, fmt.Errorf("list on-chain matches: %w", err)
		}
		fetched = time.Now()
		// a half-written set is served but never cached
		if !inProgress {
			s.storeMatches(matches, fetched)
		}
	}

	if team = strings.TrimSpace(team); team != "" {
		matches = filterByTeam(matches, team)
	}
	return &MatchList{
		Matches:        matches,
		Count:          len(matches),
		SyncInProgress: inProgress,
		FetchedAt:      fetched,
	}, nil
}

// GetMatch returns one on-chain match.
func (s *Service) GetMatch(ctx context.Context, id int64) (*models.OnChainMatch, error) {
	return s.chain.GetMatch(ctx, id)
}

// ListCycles returns recorded cycles, newest first.
func (s *Service) ListCycles(ctx context.Context, limit int) ([]storage.CycleRecord, error) {
	if s.store == nil {
		return []storage.CycleRecord{}, nil
	}
	cycles, err := s.store.ListCycles(ctx, limit)
	if err != nil {
		return nil, err
	}
	if cycles == nil {
		cycles = []storage.CycleRecord{}
	}
	return cycles, nil
}

// CycleMatches returns the records parsed in one recorded cycle.
func (s *Service) CycleMatches(ctx context.Context, cycleID int64) ([]models.MatchRecord, error) {
	if s.store == nil {
		return nil, storage.ErrNotFound
	}
	if _, err := s.store.GetCycle(ctx, cycleID); err != nil {
		return nil, err
	}
	records, err := s.store.ListParsedMatches(ctx, cycleID)
	if err != nil {
		return nil, err
	}
	if records == nil {
		records = []models.MatchRecord{}
	}
	return records, nil
}

// ErrNoScheduler is returned when cycles cannot be triggered from this process.
var ErrNoScheduler = errors.New("service: no scheduler configured")

// RunCycle runs one cycle and waits for its outcome.
func (s *Service) RunCycle(ctx context.Context) (models.CycleOutcome, error) {
	if s.trigger == nil {
		return models.CycleOutcome{}, ErrNoScheduler
	}
	return s.trigger.TryRun(ctx)
}

// StartCycle launches one cycle in the background.
func (s *Service) StartCycle() error {
	if s.trigger == nil {
		return ErrNoScheduler
	}
	return s.trigger.TryStart()
}

// ParsePreview parses raw without touching the chain.
func (s *Service) ParsePreview(raw string) parser.Result {
	return s.parser.Parse(raw, time.Now().UTC())
}

// InvalidateCaches clears the match cache (used after fresh syncs).
func (s *Service) InvalidateCaches() {
	s.cacheMu.Lock()
	defer s.cacheMu.Unlock()
	s.matchCache = nil
}

// syncInProgress checks the local flag first, then the shared redis flag
// raised by other processes such as cmd/ingest.
func (s *Service) syncInProgress(ctx context.Context) (bool, error) {
	switch {
	case s.state != nil:
		if s.state.InProgress() {
			return true, nil
		}
	case s.trigger != nil:
		if s.trigger.Running() {
			return true, nil
		}
	}
	if s.metrics == nil {
		return false, nil
	}
	return s.metrics.SyncInProgress(ctx)
}

func (s *Service) cachedMatches() ([]models.OnChainMatch, time.Time, bool) {
	s.cacheMu.RLock()
	entry := s.matchCache
	s.cacheMu.RUnlock()
	if entry == nil || time.Now().After(entry.expires) {
		return nil, time.Time{}, false
	}
	return entry.data, entry.fetched, true
}

func (s *Service) storeMatches(matches []models.OnChainMatch, fetched time.Time) {
	s.cacheMu.Lock()
	s.matchCache = &matchCacheEntry{
		data:    matches,
		fetched: fetched,
		expires: fetched.Add(s.matchTTL),
	}
	s.cacheMu.Unlock()
}

// filterByTeam keeps matches where either team fuzzily contains team,
// closest names first.
func filterByTeam(matches []models.OnChainMatch, team string) []models.OnChainMatch {
	type ranked struct {
		match models.OnChainMatch
		dist  int
	}
	var hits []ranked
	for _, m := range matches {
		best := -1
		for _, name := range []string{m.HomeTeam, m.AwayTeam} {
			if d := fuzzy.RankMatchFold(team, name); d >= 0 && (best < 0 || d < best) {
				best = d
			}
		}
		if best >= 0 {
			hits = append(hits, ranked{match: m, dist: best})
		}
	}
	sort.SliceStable(hits, func(i, j int) bool { return hits[i].dist < hits[j].dist })

	out := make([]models.OnChainMatch, len(hits))
	for i, h := range hits {
		out[i] = h.match
	}
	return out
}
