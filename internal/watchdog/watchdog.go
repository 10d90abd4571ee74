// Package watchdog tracks live harness-created resources so they can be
// removed if the test process dies before normal teardown runs.
package watchdog

import (
	"context"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/majorcontext/dockhand/internal/dockercfg"
	"github.com/majorcontext/dockhand/internal/log"
)

// cleanupTimeout bounds how long a crash-path sweep may take.
const cleanupTimeout = 10 * time.Second

// Entry records one harness-created resource set.
type Entry struct {
	ContainerID string
	NetworkID   string // empty unless the harness created the network
}

// Remover removes daemon resources. Satisfied by the daemon adapter.
type Remover interface {
	RemoveContainer(ctx context.Context, id string) error
	RemoveNetwork(ctx context.Context, id string) error
}

// Registry is the process-wide set of live resources, keyed by session.
type Registry struct {
	mu      sync.Mutex
	entries map[string]map[string]Entry // session id -> container id -> entry

	installOnce sync.Once
	sigCh       chan os.Signal
}

// Default is the process-wide registry.
var Default = NewRegistry()

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{entries: map[string]map[string]Entry{}}
}

// Register adds an entry under the given session.
func (r *Registry) Register(sessionID string, e Entry) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.entries[sessionID] == nil {
		r.entries[sessionID] = map[string]Entry{}
	}
	r.entries[sessionID][e.ContainerID] = e
}

// Deregister removes the entry for the given container.
func (r *Registry) Deregister(sessionID, containerID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if m := r.entries[sessionID]; m != nil {
		delete(m, containerID)
		if len(m) == 0 {
			delete(r.entries, sessionID)
		}
	}
}

// Snapshot returns a copy of every live entry.
func (r *Registry) Snapshot() []Entry {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Entry
	for _, m := range r.entries {
		for _, e := range m {
			out = append(out, e)
		}
	}
	return out
}

// CleanupAll force-removes every registered resource. Errors are logged,
// never returned; the sweep continues past failures. Honors
// TESTCONTAINERS_COMMAND=keep.
func (r *Registry) CleanupAll(ctx context.Context, remover Remover) {
	if dockercfg.KeepResources() {
		log.Info("TESTCONTAINERS_COMMAND=keep set, leaving resources in place")
		return
	}

	for _, e := range r.Snapshot() {
		if e.ContainerID != "" {
			if err := remover.RemoveContainer(ctx, e.ContainerID); err != nil {
				log.Warn("watchdog container removal failed", "container_id", e.ContainerID, "error", err)
			}
		}
		if e.NetworkID != "" {
			if err := remover.RemoveNetwork(ctx, e.NetworkID); err != nil {
				log.Warn("watchdog network removal failed", "network_id", e.NetworkID, "error", err)
			}
		}
	}

	r.mu.Lock()
	r.entries = map[string]map[string]Entry{}
	r.mu.Unlock()
}

// Shutdown force-removes every still-registered resource, bounded by the
// cleanup timeout. It is the exit-hook counterpart to Install: deferring it
// from main or TestMain sweeps resources on exit paths that never raise a
// signal, including a panic unwinding past main.
func (r *Registry) Shutdown(remover Remover) {
	ctx, cancel := context.WithTimeout(context.Background(), cleanupTimeout)
	defer cancel()
	r.CleanupAll(ctx, remover)
}

// Install arranges for CleanupAll to run when the process receives SIGINT or
// SIGTERM, then re-raises the signal so the default disposition applies.
// Installing is idempotent and never blocks normal operation.
func (r *Registry) Install(remover Remover) {
	r.installOnce.Do(func() {
		r.sigCh = make(chan os.Signal, 1)
		signal.Notify(r.sigCh, os.Interrupt, syscall.SIGTERM)
		go func() {
			sig, ok := <-r.sigCh
			if !ok {
				return
			}
			ctx, cancel := context.WithTimeout(context.Background(), cleanupTimeout)
			r.CleanupAll(ctx, remover)
			cancel()

			signal.Stop(r.sigCh)
			if s, ok := sig.(syscall.Signal); ok {
				_ = syscall.Kill(os.Getpid(), s)
			} else {
				os.Exit(1)
			}
		}()
	})
}
