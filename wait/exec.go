package wait

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// ExecStrategy waits for a command in the container to exit successfully.
type ExecStrategy struct {
	cmd          []string
	pollInterval time.Duration
}

// ForExec waits until running cmd in the container exits with code 0.
func ForExec(cmd []string) *ExecStrategy {
	return &ExecStrategy{
		cmd:          cmd,
		pollInterval: defaultPollInterval,
	}
}

// WithPollInterval sets the retry interval between command attempts.
func (s *ExecStrategy) WithPollInterval(d time.Duration) *ExecStrategy {
	if d < defaultPollInterval {
		d = defaultPollInterval
	}
	s.pollInterval = d
	return s
}

func (s *ExecStrategy) String() string {
	return fmt.Sprintf("exec %s", strings.Join(s.cmd, " "))
}

// WaitUntilReady implements Strategy.
func (s *ExecStrategy) WaitUntilReady(ctx context.Context, target Target) error {
	ticker := time.NewTicker(s.pollInterval)
	defer ticker.Stop()

	for {
		code, _, err := target.Exec(ctx, s.cmd)
		if err == nil && code == 0 {
			return nil
		}
		if err == nil {
			// Non-zero exit: the service inside may just not be up yet
			if exitErr := checkExited(ctx, target); exitErr != nil {
				return exitErr
			}
		}

		select {
		case <-ctx.Done():
			return fmt.Errorf("waiting for %s: %w", s, ctx.Err())
		case <-ticker.C:
		}
	}
}
