package syncer

import (
	"context"
	"errors"
	"time"
)

// ErrWaitTimeout is returned when the condition never held within MaxWait.
var ErrWaitTimeout = errors.New("wait: condition not met before deadline")

// Clock is the time source used by polling loops.
type Clock interface {
	Now() time.Time
	// Sleep blocks for d or until ctx is done.
	Sleep(ctx context.Context, d time.Duration) error
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

func (realClock) Sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// RealClock uses the wall clock.
var RealClock Clock = realClock{}

// Waiter suspends until a predicate holds, checking it every Interval.
type Waiter struct {
	Clock    Clock
	Interval time.Duration
	MaxWait  time.Duration
}

// Until sleeps one interval, then checks cond, repeating until cond reports
// true, MaxWait has elapsed, or ctx is done. It returns the number of checks made.
func (w Waiter) Until(ctx context.Context, cond func(ctx context.Context) bool) (int, error) {
	clock := w.Clock
	if clock == nil {
		clock = RealClock
	}
	start := clock.Now()

	checks := 0
	for {
		if err := clock.Sleep(ctx, w.Interval); err != nil {
			return checks, err
		}
		checks++
		if cond(ctx) {
			return checks, nil
		}
		if clock.Now().Sub(start) >= w.MaxWait {
			return checks, ErrWaitTimeout
		}
	}
}
