// Package syncer runs the match ingestion cycle and keeps its metrics.
package syncer

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/oseitutunelson/samantha/api"
	"github.com/oseitutunelson/samantha/models"
)

const (
	metricsKey  = "matchfeed:metrics"
	syncFlagKey = "matchfeed:sync_in_progress"

	metricsTTL = 7 * 24 * time.Hour
	// a crashed sync must not leave the flag raised forever
	syncFlagTTL = 30 * time.Minute
)

// IngestionMetrics is the rolling summary of ingestion cycles.
type IngestionMetrics struct {
	CyclesTotal         int64 `json:"cycles_total"`
	CyclesSucceeded     int64 `json:"cycles_succeeded"`
	CyclesFailed        int64 `json:"cycles_failed"`
	ConsecutiveFailures int   `json:"consecutive_failures"`

	LastState        models.CycleState `json:"last_state,omitempty"`
	LastReason       string            `json:"last_reason,omitempty"`
	LastSummary      string            `json:"last_summary,omitempty"`
	LastAttempted    int               `json:"last_attempted"`
	LastAdded        int               `json:"last_added"`
	LastSkipped      int               `json:"last_skipped"`
	LastOnChainCount int               `json:"last_on_chain_count"`
	LastCycleAt      time.Time         `json:"last_cycle_at"`
	LastSuccessAt    time.Time         `json:"last_success_at"`
	LastDuration     time.Duration     `json:"last_duration_ns"`
	AvgDuration      time.Duration     `json:"avg_duration_ns"`

	MatchesUpdatedEvents int64     `json:"matches_updated_events"`
	LastMatchesUpdatedAt time.Time `json:"last_matches_updated_at"`
	LastMatchesUpdatedN  int       `json:"last_matches_updated_count"`

	UpdatedAt time.Time `json:"updated_at"`
}

// MetricsStore handles storing and retrieving ingestion metrics in Redis.
type MetricsStore struct {
	redis *redis.Client
}

// NewMetricsStore creates a new metrics store
func NewMetricsStore(redisClient *redis.Client) *MetricsStore {
	return &MetricsStore{redis: redisClient}
}

var _ ProgressReporter = (*MetricsStore)(nil)

// RecordCycle folds one cycle outcome into the stored metrics.
func (m *MetricsStore) RecordCycle(ctx context.Context, outcome models.CycleOutcome) error {
	return m.update(ctx, func(im *IngestionMetrics) {
		im.CyclesTotal++
		if outcome.Succeeded() {
			im.CyclesSucceeded++
			im.ConsecutiveFailures = 0
			im.LastSuccessAt = outcome.StartedAt.Add(outcome.Elapsed)
		} else {
			im.CyclesFailed++
			im.ConsecutiveFailures++
		}

		im.LastState = outcome.State
		im.LastReason = outcome.Reason
		im.LastSummary = outcome.Summary()
		im.LastAttempted = outcome.Attempted
		im.LastAdded = outcome.Added
		im.LastSkipped = outcome.Skipped
		im.LastOnChainCount = outcome.OnChainCount
		im.LastCycleAt = outcome.StartedAt
		im.LastDuration = outcome.Elapsed

		// running mean over all cycles
		n := time.Duration(im.CyclesTotal)
		im.AvgDuration = im.AvgDuration + (outcome.Elapsed-im.AvgDuration)/n
	})
}

// RecordMatchesUpdated counts one observed MatchesFetched event.
func (m *MetricsStore) RecordMatchesUpdated(ctx context.Context, event api.MatchesFetchedEvent) error {
	return m.update(ctx, func(im *IngestionMetrics) {
		im.MatchesUpdatedEvents++
		im.LastMatchesUpdatedAt = time.Now()
		im.LastMatchesUpdatedN = len(event.MatchIDs)
	})
}

// SetSyncInProgress raises or lowers the mid-sync flag.
func (m *MetricsStore) SetSyncInProgress(ctx context.Context, inProgress bool) error {
	if inProgress {
		return m.redis.Set(ctx, syncFlagKey, time.Now().UTC().Format(time.RFC3339), syncFlagTTL).Err()
	}
	return m.redis.Del(ctx, syncFlagKey).Err()
}

// SyncInProgress reports whether a sync is rewriting the on-chain set.
func (m *MetricsStore) SyncInProgress(ctx context.Context) (bool, error) {
	n, err := m.redis.Exists(ctx, syncFlagKey).Result()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// GetMetrics retrieves all metrics from Redis
func (m *MetricsStore) GetMetrics(ctx context.Context) (*IngestionMetrics, error) {
	data, err := m.redis.Get(ctx, metricsKey).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return &IngestionMetrics{LastOnChainCount: -1}, nil
		}
		return nil, err
	}

	var metrics IngestionMetrics
	if err := json.Unmarshal([]byte(data), &metrics); err != nil {
		return nil, err
	}
	return &metrics, nil
}

func (m *MetricsStore) update(ctx context.Context, apply func(*IngestionMetrics)) error {
	current, err := m.GetMetrics(ctx)
	if err != nil {
		return err
	}

	apply(current)
	current.UpdatedAt = time.Now()

	data, err := json.Marshal(current)
	if err != nil {
		return err
	}
	return m.redis.Set(ctx, metricsKey, data, metricsTTL).Err()
}
