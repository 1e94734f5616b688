package reconcile

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/mmr-tortoise/berth/internal/ctxlog"
	"github.com/mmr-tortoise/berth/internal/engine"
	"github.com/mmr-tortoise/berth/internal/model"
)

// observeLimit bounds concurrent inspect calls while observing.
const observeLimit = 8

// Observe reads the engine state relevant to the project: every declared
// network, volume and service container by engine name, plus every
// container labelled with the project. Resources that do not exist are
// simply absent from the snapshot.
func Observe(ctx context.Context, eng engine.Engine, p *model.Project) (*engine.Snapshot, error) {
	logger := ctxlog.FromContext(ctx)
	snap := engine.NewSnapshot(p.Name)

	listed, err := eng.ListContainers(ctx, p.Name)
	if err != nil {
		return nil, fmt.Errorf("failed to list project containers: %w", err)
	}
	for _, c := range listed {
		snap.Add(c)
	}

	type target struct {
		kind engine.ResourceKind
		name string
	}
	var targets []target
	for _, name := range p.NetworkOrder {
		targets = append(targets, target{engine.KindNetwork, p.NetworkResourceName(name)})
	}
	for _, name := range p.VolumeOrder {
		targets = append(targets, target{engine.KindVolume, p.VolumeResourceName(name)})
	}
	for _, name := range p.ServiceOrder {
		targets = append(targets, target{engine.KindContainer, p.ContainerName(name)})
	}

	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(observeLimit)
	for _, t := range targets {
		g.Go(func() error {
			r, err := eng.Inspect(gctx, t.kind, t.name)
			if errors.Is(err, engine.ErrNotFound) {
				logger.Debug("resource absent", "kind", t.kind, "name", t.name)
				return nil
			}
			if err != nil {
				return fmt.Errorf("failed to inspect %s %s: %w", t.kind, t.name, err)
			}
			mu.Lock()
			snap.Add(r)
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	logger.Debug("observed project state",
		"project", p.Name,
		"networks", len(snap.Networks),
		"volumes", len(snap.Volumes),
		"containers", len(snap.Containers))
	return snap, nil
}
