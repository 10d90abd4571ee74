package wait

import (
	"context"
	"fmt"
	"time"
)

// HealthStrategy waits for the daemon healthcheck to report healthy.
type HealthStrategy struct {
	pollInterval time.Duration
}

// ForHealthCheck waits until the container's healthcheck reports healthy.
func ForHealthCheck() *HealthStrategy {
	return &HealthStrategy{pollInterval: defaultPollInterval}
}

// WithPollInterval sets the poll interval. Values below 100ms are raised
// to the floor to avoid hammering the daemon.
func (s *HealthStrategy) WithPollInterval(d time.Duration) *HealthStrategy {
	if d < defaultPollInterval {
		d = defaultPollInterval
	}
	s.pollInterval = d
	return s
}

func (s *HealthStrategy) String() string {
	return "healthcheck healthy"
}

// WaitUntilReady implements Strategy.
func (s *HealthStrategy) WaitUntilReady(ctx context.Context, target Target) error {
	ticker := time.NewTicker(s.pollInterval)
	defer ticker.Stop()

	for {
		state, err := target.State(ctx)
		if err != nil {
			return err
		}
		switch {
		case state.Health == "healthy":
			return nil
		case state.Status == "exited" || state.Status == "dead":
			return fmt.Errorf("%w (exit code %d)", ErrContainerExited, state.ExitCode)
		case state.Health == "":
			return fmt.Errorf("container has no healthcheck configured")
		}

		select {
		case <-ctx.Done():
			return fmt.Errorf("waiting for %s: %w", s, ctx.Err())
		case <-ticker.C:
		}
	}
}
