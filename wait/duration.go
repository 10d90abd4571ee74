package wait

import (
	"context"
	"fmt"
	"time"
)

// DurationStrategy waits a fixed amount of time. It is a composition unit,
// not a readiness signal; prefer a log, health, or port probe.
type DurationStrategy struct {
	duration time.Duration
}

// ForDuration waits for the given duration.
func ForDuration(d time.Duration) *DurationStrategy {
	return &DurationStrategy{duration: d}
}

func (s *DurationStrategy) String() string {
	return fmt.Sprintf("elapsed %s", s.duration)
}

// WaitUntilReady implements Strategy.
func (s *DurationStrategy) WaitUntilReady(ctx context.Context, _ Target) error {
	timer := time.NewTimer(s.duration)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return fmt.Errorf("waiting for %s: %w", s, ctx.Err())
	case <-timer.C:
		return nil
	}
}
