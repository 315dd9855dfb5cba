package syncer

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/oseitutunelson/samantha/api"
)

// NewMatchesUpdatedHandler reacts to MatchesFetched: counts it in metrics and
// calls every invalidate hook. metrics may be nil.
func NewMatchesUpdatedHandler(metrics *MetricsStore, log *zap.Logger, invalidate ...func()) api.MatchesFetchedHandler {
	if log == nil {
		log = zap.NewNop()
	}
	log = log.Named("listener")

	return func(event api.MatchesFetchedEvent) {
		for _, fn := range invalidate {
			fn()
		}
		if metrics == nil {
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := metrics.RecordMatchesUpdated(ctx, event); err != nil {
			log.Warn("record matches updated failed", zap.Error(err))
		}
	}
}
