// Package wait provides readiness strategies evaluated against a starting
// container. A strategy blocks until its condition is met, the context
// deadline passes, or the condition becomes impossible to meet.
package wait

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/docker/go-connections/nat"
)

// defaultPollInterval is the floor for inspect-based polling.
const defaultPollInterval = 100 * time.Millisecond

// Stream identifies a container output stream.
type Stream int

const (
	// Stdout selects the container's stdout stream.
	Stdout Stream = iota
	// Stderr selects the container's stderr stream.
	Stderr
)

// Frame is one log frame as emitted by the daemon.
type Frame struct {
	Stream  Stream
	Content []byte
}

// State is the subset of container state strategies probe.
type State struct {
	Status   string // "created", "running", "paused", "exited", ...
	Running  bool
	ExitCode int
	Health   string // "", "starting", "healthy", "unhealthy"
}

// Target is the container view strategies evaluate against.
type Target interface {
	// Host returns the address published ports are reachable on.
	Host(ctx context.Context) (string, error)

	// MappedPort resolves a container port to its published host port.
	MappedPort(ctx context.Context, port nat.Port) (nat.Port, error)

	// FollowLogs subscribes to log frames produced since the subscription.
	// The frame channel closes when the stream ends; the error channel
	// carries at most one terminal error. The returned cancel function
	// releases the subscription.
	FollowLogs(ctx context.Context) (<-chan Frame, <-chan error, func(), error)

	// Exec runs a command in the container and returns its exit code and
	// combined output.
	Exec(ctx context.Context, cmd []string) (int, io.Reader, error)

	// State returns the container's current state.
	State(ctx context.Context) (State, error)
}

// Strategy is a readiness probe.
type Strategy interface {
	// WaitUntilReady blocks until the target is ready, the context is done,
	// or readiness became impossible.
	WaitUntilReady(ctx context.Context, target Target) error
}

// ErrContainerExited signals that the container stopped while a strategy
// that requires a running container was waiting.
var ErrContainerExited = errors.New("container exited while waiting for readiness")

// checkExited returns a fatal error when the target is no longer running.
// Strategies that expect a running container call this between polls so a
// crashed container fails fast instead of burning the startup budget.
func checkExited(ctx context.Context, target Target) error {
	state, err := target.State(ctx)
	if err != nil {
		return err
	}
	if state.Status == "exited" || state.Status == "dead" {
		return fmt.Errorf("%w (exit code %d)", ErrContainerExited, state.ExitCode)
	}
	return nil
}

// allStrategy runs strategies sequentially under a shared deadline.
type allStrategy struct {
	strategies []Strategy
}

// ForAll composes strategies; every one must succeed, in order.
func ForAll(strategies ...Strategy) Strategy {
	return &allStrategy{strategies: strategies}
}

func (s *allStrategy) WaitUntilReady(ctx context.Context, target Target) error {
	for _, strategy := range s.strategies {
		if err := strategy.WaitUntilReady(ctx, target); err != nil {
			return err
		}
	}
	return nil
}

func (s *allStrategy) String() string {
	names := make([]string, len(s.strategies))
	for i, strategy := range s.strategies {
		names[i] = describe(strategy)
	}
	return fmt.Sprintf("all of %v", names)
}

// describe names a strategy for timeout diagnostics.
func describe(s Strategy) string {
	if str, ok := s.(fmt.Stringer); ok {
		return str.String()
	}
	return fmt.Sprintf("%T", s)
}

// Describe names a strategy for error reporting.
func Describe(s Strategy) string {
	return describe(s)
}
