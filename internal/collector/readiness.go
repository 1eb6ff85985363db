package collector

import (
	"context"
	"errors"
	"fmt"
	"time"
)

const (
	// DefaultReadinessBudget bounds the readiness wait.
	DefaultReadinessBudget = 30 * time.Second
	// DefaultReadinessSteps splits the budget into equal sleeps.
	DefaultReadinessSteps = 30
)

// ErrReadinessTimeout is returned when the check never succeeded within budget.
var ErrReadinessTimeout = errors.New("readiness check timed out")

// Check reports whether the awaited condition holds.
type Check func(ctx context.Context) (bool, error)

// Readiness polls a Check Steps times, sleeping Budget/Steps between attempts.
type Readiness struct {
	Budget time.Duration
	Steps  int
	// Sleep replaces the context-aware wait, for tests.
	Sleep func(ctx context.Context, d time.Duration) error
}

// Interval returns the sleep between attempts.
func (r Readiness) Interval() time.Duration {
	budget, steps := r.normalized()
	return budget / time.Duration(steps)
}

func (r Readiness) normalized() (time.Duration, int) {
	budget := r.Budget
	if budget <= 0 {
		budget = DefaultReadinessBudget
	}
	steps := r.Steps
	if steps <= 0 {
		steps = DefaultReadinessSteps
	}
	return budget, steps
}

// Wait runs check until it reports true, the attempts run out or ctx ends.
// Check errors are treated as "not yet" and the last one is reported on timeout.
func (r Readiness) Wait(ctx context.Context, check Check) (int, error) {
	_, steps := r.normalized()
	interval := r.Interval()
	sleep := r.Sleep
	if sleep == nil {
		sleep = sleepContext
	}

	var lastErr error
	for attempt := 1; attempt <= steps; attempt++ {
		ok, err := check(ctx)
		if err != nil {
			lastErr = err
		}
		if ok {
			return attempt, nil
		}
		if attempt == steps {
			break
		}
		if err := sleep(ctx, interval); err != nil {
			return attempt, err
		}
	}
	if lastErr != nil {
		return steps, fmt.Errorf("%w after %d attempts: %v", ErrReadinessTimeout, steps, lastErr)
	}
	return steps, fmt.Errorf("%w after %d attempts", ErrReadinessTimeout, steps)
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
