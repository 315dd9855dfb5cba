package syncer

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/oseitutunelson/samantha/models"
	"github.com/oseitutunelson/samantha/notifier"
	"github.com/oseitutunelson/samantha/storage"
)

// ErrCycleInFlight is returned when a cycle is requested while one runs.
var ErrCycleInFlight = errors.New("syncer: ingestion cycle already in flight")

// CycleRunner runs one ingestion cycle.
type CycleRunner interface {
	RunCycle(ctx context.Context) models.CycleOutcome
}

// SchedulerConfig controls the periodic cycle loop.
type SchedulerConfig struct {
	Interval     time.Duration
	CycleTimeout time.Duration
	RunOnStart   bool
}

// Scheduler re-runs ingestion cycles on a fixed interval and records each
// outcome. At most one cycle runs at any time, whether scheduled or manual.
type Scheduler struct {
	runner   CycleRunner
	store    storage.DataStore
	metrics  *MetricsStore
	notifier notifier.Notifier
	cfg      SchedulerConfig
	log      *zap.Logger

	inFlight   sync.Mutex
	onComplete []func(models.CycleOutcome)

	lastMu  sync.RWMutex
	last    models.CycleOutcome
	hasLast bool

	stop chan struct{}
	wg   sync.WaitGroup
}

// NewScheduler builds a scheduler. store, metrics and n may be nil.
func NewScheduler(runner CycleRunner, store storage.DataStore, metrics *MetricsStore, n notifier.Notifier, cfg SchedulerConfig, log *zap.Logger) *Scheduler {
	if log == nil {
		log = zap.NewNop()
	}
	if n == nil {
		n = notifier.Nop{}
	}
	if cfg.Interval <= 0 {
		cfg.Interval = 6 * time.Hour
	}
	if cfg.CycleTimeout <= 0 {
		cfg.CycleTimeout = 30 * time.Minute
	}
	return &Scheduler{
		runner:   runner,
		store:    store,
		metrics:  metrics,
		notifier: n,
		cfg:      cfg,
		log:      log.Named("scheduler"),
		stop:     make(chan struct{}),
	}
}

// OnComplete registers fn to run after every recorded cycle.
func (s *Scheduler) OnComplete(fn func(models.CycleOutcome)) {
	s.onComplete = append(s.onComplete, fn)
}

// Start launches the background loop.
func (s *Scheduler) Start() {
	s.log.Info("starting", zap.Duration("interval", s.cfg.Interval), zap.Bool("run_on_start", s.cfg.RunOnStart))

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()

		ticker := time.NewTicker(s.cfg.Interval)
		defer ticker.Stop()

		if s.cfg.RunOnStart {
			s.tick()
		}

		for {
			select {
			case <-s.stop:
				s.log.Info("stopped")
				return
			case <-ticker.C:
				s.tick()
			}
		}
	}()
}

// Stop waits for the loop and any running cycle to exit.
func (s *Scheduler) Stop() {
	close(s.stop)
	s.wg.Wait()
}

func (s *Scheduler) tick() {
	ctx, cancel := s.cycleContext()
	defer cancel()

	if _, err := s.TryRun(ctx); err != nil {
		s.log.Warn("scheduled cycle skipped", zap.Error(err))
	}
}

// cycleContext bounds one cycle by CycleTimeout and cancels it on Stop.
func (s *Scheduler) cycleContext() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.CycleTimeout)
	go func() {
		select {
		case <-s.stop:
			cancel()
		case <-ctx.Done():
		}
	}()
	return ctx, cancel
}

// TryStart launches one cycle in the background unless one is in flight.
func (s *Scheduler) TryStart() error {
	if !s.inFlight.TryLock() {
		return ErrCycleInFlight
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer s.inFlight.Unlock()

		ctx, cancel := s.cycleContext()
		defer cancel()
		s.record(ctx, s.runner.RunCycle(ctx))
	}()
	return nil
}

// TryRun runs one cycle now unless one is already in flight.
func (s *Scheduler) TryRun(ctx context.Context) (models.CycleOutcome, error) {
	if !s.inFlight.TryLock() {
		return models.CycleOutcome{}, ErrCycleInFlight
	}
	defer s.inFlight.Unlock()

	outcome := s.runner.RunCycle(ctx)
	s.record(ctx, outcome)
	return outcome, nil
}

// Running reports whether a cycle is in flight.
func (s *Scheduler) Running() bool {
	if s.inFlight.TryLock() {
		s.inFlight.Unlock()
		return false
	}
	return true
}

// LastOutcome returns the most recent cycle outcome, if any.
func (s *Scheduler) LastOutcome() (models.CycleOutcome, bool) {
	s.lastMu.RLock()
	defer s.lastMu.RUnlock()
	return s.last, s.hasLast
}

// record persists, measures and announces an outcome. None of these can
// change the outcome; failures are logged.
func (s *Scheduler) record(ctx context.Context, outcome models.CycleOutcome) {
	s.lastMu.Lock()
	s.last, s.hasLast = outcome, true
	s.lastMu.Unlock()

	rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
	defer cancel()

	if s.store != nil {
		id, err := s.store.SaveCycle(rctx, storage.FromOutcome(outcome))
		if err != nil {
			s.log.Warn("save cycle failed", zap.Error(err))
		} else if len(outcome.Records) > 0 {
			if err := s.store.SaveParsedMatches(rctx, id, outcome.Records); err != nil {
				s.log.Warn("save parsed matches failed", zap.Int64("cycle_id", id), zap.Error(err))
			}
		}
	}

	if s.metrics != nil {
		if err := s.metrics.RecordCycle(rctx, outcome); err != nil {
			s.log.Warn("record metrics failed", zap.Error(err))
		}
	}

	if err := s.notifier.NotifyCycle(rctx, outcome); err != nil {
		s.log.Warn("notify failed", zap.Error(err))
	}

	for _, fn := range s.onComplete {
		fn(outcome)
	}
}
