package dockhand

import (
	"errors"
	"fmt"
	"time"

	"github.com/docker/go-connections/nat"
)

// Stage names the lifecycle step a start failure happened in.
type Stage string

const (
	StagePull      Stage = "pull"
	StageNetwork   Stage = "network"
	StageSidecar   Stage = "sidecar"
	StageCreate    Stage = "create"
	StageCopyIn    Stage = "copy-in"
	StageStart     Stage = "start"
	StageWaitReady Stage = "wait-ready"
)

// ErrDaemonUnavailable indicates the daemon transport itself failed.
var ErrDaemonUnavailable = errors.New("docker daemon unavailable")

// StageError tags a start failure with the stage it happened in. Anything
// allocated before the failure has already been torn down when the caller
// sees this error.
type StageError struct {
	Stage Stage
	Err   error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("%s failed: %v", e.Stage, e.Err)
}

func (e *StageError) Unwrap() error {
	return e.Err
}

// StartupTimeoutError is returned when the readiness phase outlives the
// startup timeout. Pull time is not part of the budget.
type StartupTimeoutError struct {
	Elapsed time.Duration
	Unmet   string // identity of the strategy still waiting
}

func (e *StartupTimeoutError) Error() string {
	return fmt.Sprintf("container not ready after %s, still waiting for %s", e.Elapsed.Round(time.Millisecond), e.Unmet)
}

// PortNotExposedError is returned when a host-port query names a container
// port the request never exposed or the daemon never bound.
type PortNotExposedError struct {
	Port nat.Port
}

func (e *PortNotExposedError) Error() string {
	return fmt.Sprintf("port %s is not exposed", e.Port)
}

// InvalidRequestError is returned by Build before any I/O happens.
type InvalidRequestError struct {
	Reason string
}

func (e *InvalidRequestError) Error() string {
	return fmt.Sprintf("invalid request: %s", e.Reason)
}

// Exec failures.
var (
	ErrExecNotCreated  = errors.New("exec instance could not be created")
	ErrExecStartFailed = errors.New("exec instance failed to start")
	ErrExecTimedOut    = errors.New("exec did not finish in time")
)
