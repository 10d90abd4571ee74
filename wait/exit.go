package wait

import (
	"context"
	"fmt"
	"time"
)

// ExitStrategy waits for the container to exit with a matching code.
// Unlike the other strategies, exiting is the expected terminal state here.
type ExitStrategy struct {
	codeMatches  func(int) bool
	pollInterval time.Duration
}

// ForExit waits for the container to exit with any code.
func ForExit() *ExitStrategy {
	return &ExitStrategy{
		codeMatches:  func(int) bool { return true },
		pollInterval: defaultPollInterval,
	}
}

// ForExitCode waits for the container to exit with the given code.
func ForExitCode(code int) *ExitStrategy {
	s := ForExit()
	s.codeMatches = func(c int) bool { return c == code }
	return s
}

// WithCodeMatcher replaces the exit code predicate.
func (s *ExitStrategy) WithCodeMatcher(f func(int) bool) *ExitStrategy {
	s.codeMatches = f
	return s
}

// WithPollInterval sets the poll interval.
func (s *ExitStrategy) WithPollInterval(d time.Duration) *ExitStrategy {
	if d < defaultPollInterval {
		d = defaultPollInterval
	}
	s.pollInterval = d
	return s
}

func (s *ExitStrategy) String() string {
	return "container exit"
}

// WaitUntilReady implements Strategy.
func (s *ExitStrategy) WaitUntilReady(ctx context.Context, target Target) error {
	ticker := time.NewTicker(s.pollInterval)
	defer ticker.Stop()

	for {
		state, err := target.State(ctx)
		if err != nil {
			return err
		}
		if state.Status == "exited" {
			if !s.codeMatches(state.ExitCode) {
				return fmt.Errorf("container exited with unexpected code %d", state.ExitCode)
			}
			return nil
		}

		select {
		case <-ctx.Done():
			return fmt.Errorf("waiting for %s: %w", s, ctx.Err())
		case <-ticker.C:
		}
	}
}
