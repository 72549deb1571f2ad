// Package reconcile keeps the registry's view of the world aligned with
// the container engine: orphaned containers are removed, and servers whose
// container vanished behind the daemon's back are notified.
package reconcile

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/p-arndt/spielwart/internal/docker"
	"github.com/p-arndt/spielwart/internal/runtime"
	"github.com/p-arndt/spielwart/internal/server"
)

// Registry abstracts the server registry operations the reconciler needs.
type Registry interface {
	Get(id string) (*server.Server, error)
	All() []*server.Server
}

// Engine abstracts the container engine operations the reconciler needs.
type Engine interface {
	ListManaged(ctx context.Context) ([]docker.ContainerInfo, error)
	Remove(ctx context.Context, id string, force bool) error
	Inspect(ctx context.Context, id string) (runtime.State, error)
}

type Reconciler struct {
	registry Registry
	engine   Engine
	interval time.Duration
	logger   *slog.Logger
}

func New(registry Registry, engine Engine, interval time.Duration, logger *slog.Logger) *Reconciler {
	return &Reconciler{
		registry: registry,
		engine:   engine,
		interval: interval,
		logger:   logger,
	}
}

func (r *Reconciler) Run(ctx context.Context) {
	r.logger.Info("reconciler started", "interval", r.interval)

	r.sweepBoot(ctx)

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			r.logger.Info("reconciler stopped")
			return
		case <-ticker.C:
			r.sweep(ctx)
		}
	}
}

// sweepBoot clears leftovers from a previous daemon run. Every managed
// container is removed: servers boot Offline, and interrupted installs are
// not resumable.
func (r *Reconciler) sweepBoot(ctx context.Context) {
	containers, err := r.engine.ListManaged(ctx)
	if err != nil {
		r.logger.Error("reconcile: list managed containers", "error", err)
		return
	}
	for _, ctr := range containers {
		r.logger.Info("removing leftover container",
			"server_id", ctr.ServerID, "container_id", short(ctr.ContainerID), "install", ctr.Install)
		if err := r.engine.Remove(ctx, ctr.ContainerID, true); err != nil {
			r.logger.Error("reconcile: remove leftover container",
				"container_id", short(ctr.ContainerID), "error", err)
		}
	}
}

// sweep removes containers whose server is no longer registered and tells
// live servers when their container disappeared externally.
func (r *Reconciler) sweep(ctx context.Context) {
	containers, err := r.engine.ListManaged(ctx)
	if err != nil {
		r.logger.Error("reconcile: list managed containers", "error", err)
		return
	}

	known := make(map[string]bool, len(containers))
	for _, ctr := range containers {
		known[ctr.ContainerID] = true
		if _, err := r.registry.Get(ctr.ServerID); err != nil {
			r.logger.Warn("removing orphaned container",
				"server_id", ctr.ServerID, "container_id", short(ctr.ContainerID))
			if err := r.engine.Remove(ctx, ctr.ContainerID, true); err != nil {
				r.logger.Error("reconcile: remove orphan", "error", err)
			}
		}
	}

	for _, s := range r.registry.All() {
		snap := s.Status()
		if snap.ContainerID == "" || known[snap.ContainerID] {
			continue
		}
		// Double-check: the list call races container creation.
		if _, err := r.engine.Inspect(ctx, snap.ContainerID); errors.Is(err, runtime.ErrNotFound) {
			r.logger.Warn("container vanished externally",
				"server_id", s.ID(), "container_id", short(snap.ContainerID))
			s.NotifyContainerGone(snap.ContainerID)
		}
	}
}

func short(id string) string {
	if len(id) > 12 {
		return id[:12]
	}
	return id
}
