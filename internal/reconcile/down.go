package reconcile

import (
	"github.com/mmr-tortoise/berth/internal/engine"
	"github.com/mmr-tortoise/berth/internal/graph"
	"github.com/mmr-tortoise/berth/internal/model"
)

// DownOptions tunes Down.
type DownOptions struct {
	// RemoveVolumes also removes the project's managed named volumes.
	RemoveVolumes bool

	// RemoveOrphans also stops and removes containers labelled with the
	// project whose service is no longer declared.
	RemoveOrphans bool
}

// Down plans tearing the project down. Containers are stopped in teardown
// order (dependents before their dependencies) and removed; managed
// networks are removed once every container attached to them is gone.
// Volumes are removed only with RemoveVolumes. External resources and
// containers not owned by the project are never touched.
func Down(p *model.Project, snap *engine.Snapshot, opts DownOptions) (*Plan, error) {
	g, err := graph.Build(p)
	if err != nil {
		return nil, err
	}

	plan := newPlan(p.Name, DirectionDown)

	// stopped records, per service, the action after which the service no
	// longer runs; removed records, per engine container name, its remove
	// action.
	stopped := make(map[string]string)
	removed := make(map[string]string)
	var removedContainers []*engine.Resource

	for _, name := range g.TeardownOrder() {
		c := snap.Lookup(engine.KindContainer, p.ContainerName(name))
		if c == nil || !c.OwnedBy(p.Name) {
			continue
		}
		var deps []string
		for _, dependent := range g.Dependents(name) {
			if id, ok := stopped[dependent]; ok {
				deps = append(deps, id)
			}
		}
		ids := removeContainerActions(plan, name, c, deps, "project is going down")
		if stop := plan.Action(ActionID(StopService, name)); stop != nil {
			stopped[name] = stop.ID
		}
		removed[c.Name] = ids[0]
		removedContainers = append(removedContainers, c)
	}

	if opts.RemoveOrphans {
		for _, c := range orphans(p, snap) {
			ids := removeContainerActions(plan, orphanName(c), c, nil, "service is no longer declared")
			removed[c.Name] = ids[0]
			removedContainers = append(removedContainers, c)
		}
	}

	for _, name := range p.NetworkOrder {
		if isExternalNetwork(p, name) {
			continue
		}
		engineName := p.NetworkResourceName(name)
		n := snap.Lookup(engine.KindNetwork, engineName)
		if n == nil || !n.OwnedBy(p.Name) {
			continue
		}
		plan.add(&Action{
			ID:           ActionID(RemoveNetwork, name),
			Kind:         RemoveNetwork,
			Resource:     ResourceRef{Kind: engine.KindNetwork, Name: name, EngineName: engineName},
			DependsOn:    attachedRemovals(removedContainers, removed, func(c *engine.Resource) []string { return c.Networks }, engineName),
			Precondition: Precondition{Expect: ExpectPresent, ID: n.ID},
			Reason:       "project is going down",
		})
	}

	if opts.RemoveVolumes {
		for _, name := range p.VolumeOrder {
			if isExternalVolume(p, name) {
				continue
			}
			engineName := p.VolumeResourceName(name)
			v := snap.Lookup(engine.KindVolume, engineName)
			if v == nil || !v.OwnedBy(p.Name) {
				continue
			}
			plan.add(&Action{
				ID:           ActionID(RemoveVolume, name),
				Kind:         RemoveVolume,
				Resource:     ResourceRef{Kind: engine.KindVolume, Name: name, EngineName: engineName},
				DependsOn:    attachedRemovals(removedContainers, removed, func(c *engine.Resource) []string { return c.Volumes }, engineName),
				Precondition: Precondition{Expect: ExpectPresent, ID: v.ID},
				Reason:       "volumes were requested to be removed",
			})
		}
	}

	return plan, nil
}

// attachedRemovals returns the remove actions of the containers that use
// the engine resource named target, according to attached.
func attachedRemovals(containers []*engine.Resource, removed map[string]string, attached func(*engine.Resource) []string, target string) []string {
	var deps []string
	for _, c := range containers {
		for _, name := range attached(c) {
			if name == target {
				deps = appendUnique(deps, removed[c.Name])
				break
			}
		}
	}
	return deps
}
