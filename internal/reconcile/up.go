package reconcile

import (
	"fmt"

	"github.com/mmr-tortoise/berth/internal/engine"
	"github.com/mmr-tortoise/berth/internal/graph"
	"github.com/mmr-tortoise/berth/internal/model"
)

// UpOptions tunes Up.
type UpOptions struct {
	// RemoveOrphans stops and removes containers labelled with the project
	// whose service is no longer declared.
	RemoveOrphans bool
}

// upBuilder accumulates the plan for Up. The maps record which action, if
// any, makes each logical resource available to the actions after it.
type upBuilder struct {
	project *model.Project
	snap    *engine.Snapshot
	plan    *Plan

	networkReady map[string]string
	volumeReady  map[string]string
	serviceReady map[string]string
	waitHealthy  map[string]bool

	// portHolders maps a published host port to the removal actions of
	// orphans still bound to it.
	portHolders map[hostPort][]string
}

// hostPort identifies a published host-side binding.
type hostPort struct {
	port     int
	protocol string
}

// Up plans bringing the project to its declared state. A planning error
// (a dependency cycle) aborts before any action is produced. Conflicts
// found on individual resources do not fail planning; they are attached
// to the affected actions so independent work can still proceed.
func Up(p *model.Project, snap *engine.Snapshot, opts UpOptions) (*Plan, error) {
	g, err := graph.Build(p)
	if err != nil {
		return nil, err
	}

	b := &upBuilder{
		project:      p,
		snap:         snap,
		plan:         newPlan(p.Name, DirectionUp),
		networkReady: make(map[string]string),
		volumeReady:  make(map[string]string),
		serviceReady: make(map[string]string),
		waitHealthy:  healthyWaits(p),
		portHolders:  make(map[hostPort][]string),
	}

	for _, name := range p.NetworkOrder {
		b.network(name)
	}
	for _, name := range p.VolumeOrder {
		b.volume(name)
	}
	// Orphans go first so creates that reuse their host ports can wait
	// for the removal.
	if opts.RemoveOrphans {
		for _, c := range orphans(p, snap) {
			b.orphan(c)
		}
	}
	for _, name := range g.StartupOrder() {
		b.service(name)
	}
	return b.plan, nil
}

func (b *upBuilder) orphan(c *engine.Resource) {
	ids := removeContainerActions(b.plan, orphanName(c), c, nil, "service is no longer declared")
	for _, pm := range c.Ports {
		if pm.Host == 0 {
			continue
		}
		key := hostPort{port: pm.Host, protocol: protocolOf(pm)}
		b.portHolders[key] = append(b.portHolders[key], ids...)
	}
}

// releases returns the orphan removals that free host ports the spec
// publishes. Host addresses are not compared: a wildcard binding collides
// with every address.
func (b *upBuilder) releases(spec *engine.ContainerSpec) []string {
	var deps []string
	for _, pm := range spec.Ports {
		if pm.Host == 0 {
			continue
		}
		for _, id := range b.portHolders[hostPort{port: pm.Host, protocol: protocolOf(pm)}] {
			deps = appendUnique(deps, id)
		}
	}
	return deps
}

func protocolOf(pm model.PortMapping) string {
	if pm.Protocol == "" {
		return "tcp"
	}
	return pm.Protocol
}

// healthyWaits returns the services whose start action must wait for a
// healthy check: those declaring readiness healthy and those some other
// service depends on with condition service_healthy.
func healthyWaits(p *model.Project) map[string]bool {
	out := make(map[string]bool)
	for name, svc := range p.Services {
		if svc.Readiness == model.ReadinessHealthy {
			out[name] = true
		}
		for dep, cond := range svc.DependsOn {
			if cond == model.ConditionHealthy {
				out[dep] = true
			}
		}
	}
	return out
}

func (b *upBuilder) network(name string) {
	p := b.project
	engineName := p.NetworkResourceName(name)
	ref := ResourceRef{Kind: engine.KindNetwork, Name: name, EngineName: engineName}
	observed := b.snap.Lookup(engine.KindNetwork, engineName)

	if isExternalNetwork(p, name) {
		if observed == nil {
			a := b.plan.add(&Action{
				ID:       ActionID(RequireNetwork, name),
				Kind:     RequireNetwork,
				Resource: ref,
				Reason:   "external network does not exist",
				Conflict: &model.ReconciliationConflictError{
					Resource: "network " + engineName,
					Reason:   "declared external but not found",
				},
			})
			b.networkReady[name] = a.ID
		}
		return
	}

	driver := networkDriver(p, name)
	switch {
	case observed == nil:
		a := b.plan.add(&Action{
			ID:           ActionID(CreateNetwork, name),
			Kind:         CreateNetwork,
			Resource:     ref,
			Precondition: Precondition{Expect: ExpectAbsent},
			Network: &engine.NetworkSpec{
				Name:   engineName,
				Driver: driver,
				Labels: engine.ResourceLabels(p.Name, name),
			},
			Reason: "network does not exist",
		})
		b.networkReady[name] = a.ID
	case observed.Driver != "" && observed.Driver != driver:
		a := b.plan.add(&Action{
			ID:       ActionID(CreateNetwork, name),
			Kind:     CreateNetwork,
			Resource: ref,
			Reason:   "network exists with a different driver",
			Conflict: &model.ReconciliationConflictError{
				Resource: "network " + engineName,
				Reason:   fmt.Sprintf("exists with driver %q, declared %q", observed.Driver, driver),
			},
		})
		b.networkReady[name] = a.ID
	}
}

func (b *upBuilder) volume(name string) {
	p := b.project
	engineName := p.VolumeResourceName(name)
	ref := ResourceRef{Kind: engine.KindVolume, Name: name, EngineName: engineName}
	observed := b.snap.Lookup(engine.KindVolume, engineName)

	if isExternalVolume(p, name) {
		if observed == nil {
			a := b.plan.add(&Action{
				ID:       ActionID(RequireVolume, name),
				Kind:     RequireVolume,
				Resource: ref,
				Reason:   "external volume does not exist",
				Conflict: &model.ReconciliationConflictError{
					Resource: "volume " + engineName,
					Reason:   "declared external but not found",
				},
			})
			b.volumeReady[name] = a.ID
		}
		return
	}

	driver := volumeDriver(p, name)
	switch {
	case observed == nil:
		a := b.plan.add(&Action{
			ID:           ActionID(CreateVolume, name),
			Kind:         CreateVolume,
			Resource:     ref,
			Precondition: Precondition{Expect: ExpectAbsent},
			Volume: &engine.VolumeSpec{
				Name:   engineName,
				Driver: driver,
				Labels: engine.ResourceLabels(p.Name, name),
			},
			Reason: "volume does not exist",
		})
		b.volumeReady[name] = a.ID
	case observed.Driver != "" && observed.Driver != driver:
		a := b.plan.add(&Action{
			ID:       ActionID(CreateVolume, name),
			Kind:     CreateVolume,
			Resource: ref,
			Reason:   "volume exists with a different driver",
			Conflict: &model.ReconciliationConflictError{
				Resource: "volume " + engineName,
				Reason:   fmt.Sprintf("exists with driver %q, declared %q", observed.Driver, driver),
			},
		})
		b.volumeReady[name] = a.ID
	}
}

// upstream returns the actions a service's create and start actions must
// wait for: the creation of its networks and volumes and the readiness of
// the services it depends on.
func (b *upBuilder) upstream(name string) []string {
	svc := b.project.Services[name]
	var deps []string
	for _, net := range svc.Networks {
		if id, ok := b.networkReady[net]; ok {
			deps = appendUnique(deps, id)
		}
	}
	for _, vol := range svc.NamedVolumes() {
		if id, ok := b.volumeReady[vol]; ok {
			deps = appendUnique(deps, id)
		}
	}
	for _, dep := range svc.Dependencies() {
		if id, ok := b.serviceReady[dep]; ok {
			deps = appendUnique(deps, id)
		}
	}
	return deps
}

func (b *upBuilder) readiness(name string) model.Readiness {
	if b.waitHealthy[name] {
		return model.ReadinessHealthy
	}
	return model.ReadinessStarted
}

func (b *upBuilder) service(name string) {
	p := b.project
	desired := DesiredContainer(p, name)
	ref := ResourceRef{Kind: engine.KindContainer, Name: name, EngineName: desired.Name}
	observed := b.snap.Lookup(engine.KindContainer, desired.Name)
	upstream := b.upstream(name)

	var createDeps []string
	reason := "container does not exist"

	switch {
	case observed == nil:
		// Created from scratch below.
	case !observed.OwnedBy(p.Name):
		a := b.plan.add(&Action{
			ID:        ActionID(CreateContainer, name),
			Kind:      CreateContainer,
			Resource:  ref,
			DependsOn: upstream,
			Reason:    "container name is taken",
			Conflict: &model.ReconciliationConflictError{
				Resource: "container " + desired.Name,
				Reason:   "exists but is not managed by this project",
			},
		})
		b.startAction(name, ref, []string{a.ID}, Precondition{Expect: ExpectPresent}, "container is new")
		return
	default:
		drift := engine.Drift(desired, observed)
		owner := observed.Service()
		if len(drift) == 0 && owner == name {
			if !observed.Running() {
				b.startAction(name, ref, upstream,
					Precondition{Expect: ExpectPresent, ID: observed.ID},
					fmt.Sprintf("container is %s", observed.State))
			}
			return
		}
		if owner != name {
			reason = fmt.Sprintf("container belongs to service %s", owner)
		} else {
			reason = "configuration changed: " + engine.FacetList(drift)
		}
		createDeps = removeContainerActions(b.plan, name, observed, nil, reason)
	}

	deps := append(upstream, createDeps...)
	for _, id := range b.releases(desired) {
		deps = appendUnique(deps, id)
	}
	a := b.plan.add(&Action{
		ID:           ActionID(CreateContainer, name),
		Kind:         CreateContainer,
		Resource:     ref,
		DependsOn:    deps,
		Precondition: Precondition{Expect: ExpectAbsent},
		Container:    desired,
		Reason:       reason,
	})
	b.startAction(name, ref, []string{a.ID}, Precondition{Expect: ExpectPresent}, "container is new")
}

func (b *upBuilder) startAction(name string, ref ResourceRef, deps []string, pre Precondition, reason string) {
	a := b.plan.add(&Action{
		ID:           ActionID(StartService, name),
		Kind:         StartService,
		Resource:     ref,
		DependsOn:    deps,
		Precondition: pre,
		Readiness:    b.readiness(name),
		Reason:       reason,
	})
	b.serviceReady[name] = a.ID
}

// removeContainerActions appends the stop (when running) and remove
// actions for an observed container and returns the ID of the last one.
// deps are prerequisites of the first action.
func removeContainerActions(plan *Plan, name string, c *engine.Resource, deps []string, reason string) []string {
	ref := ResourceRef{Kind: engine.KindContainer, Name: name, EngineName: c.Name}
	pre := Precondition{Expect: ExpectPresent, ID: c.ID}

	if c.Running() {
		stop := plan.add(&Action{
			ID:           ActionID(StopService, name),
			Kind:         StopService,
			Resource:     ref,
			DependsOn:    deps,
			Precondition: pre,
			Reason:       reason,
		})
		deps = []string{stop.ID}
	}
	rm := plan.add(&Action{
		ID:           ActionID(RemoveContainer, name),
		Kind:         RemoveContainer,
		Resource:     ref,
		DependsOn:    deps,
		Precondition: pre,
		Reason:       reason,
	})
	return []string{rm.ID}
}

// orphans returns the project's containers whose service is not declared
// (or whose name no longer matches the declared container name).
// Containers carrying the name of a declared container are left to that
// service, which recreates them.
func orphans(p *model.Project, snap *engine.Snapshot) []*engine.Resource {
	declared := make(map[string]bool, len(p.Services))
	for name := range p.Services {
		declared[p.ContainerName(name)] = true
	}

	var out []*engine.Resource
	for _, c := range snap.ProjectContainers() {
		if declared[c.Name] {
			continue
		}
		out = append(out, c)
	}
	return out
}

// orphanName is the logical name used in orphan action IDs. An orphan's
// service label may still match a declared service, so the container name
// is used instead.
func orphanName(c *engine.Resource) string {
	return c.Name
}

func appendUnique(list []string, v string) []string {
	for _, x := range list {
		if x == v {
			return list
		}
	}
	return append(list, v)
}
