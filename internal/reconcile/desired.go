package reconcile

import (
	"github.com/mmr-tortoise/berth/internal/engine"
	"github.com/mmr-tortoise/berth/internal/model"
)

// DesiredContainer translates a service into the container spec the engine
// should run, resolving logical network and volume names to engine names.
func DesiredContainer(p *model.Project, service string) *engine.ContainerSpec {
	svc := p.Services[service]

	spec := &engine.ContainerSpec{
		Name:        p.ContainerName(service),
		Project:     p.Name,
		Service:     service,
		Image:       p.ImageFor(service),
		Build:       svc.Build,
		Command:     svc.Command,
		Ports:       svc.Ports,
		Restart:     svc.Restart,
		Healthcheck: svc.Healthcheck,
		Aliases:     []string{service},
	}
	if len(svc.Environment) > 0 {
		spec.Env = svc.Environment
	}
	if len(svc.Labels) > 0 {
		spec.UserLabels = svc.Labels
	}
	for _, net := range svc.Networks {
		spec.Networks = append(spec.Networks, p.NetworkResourceName(net))
	}
	for _, m := range svc.Mounts {
		ms := engine.MountSpec{Type: m.Type, Source: m.Source, Target: m.Target, ReadOnly: m.ReadOnly}
		if m.Type == model.MountVolume && m.Source != "" {
			ms.Source = p.VolumeResourceName(m.Source)
		}
		spec.Mounts = append(spec.Mounts, ms)
	}
	return spec
}

// networkDriver returns the declared driver of a network, defaulting to
// bridge for networks the project does not describe.
func networkDriver(p *model.Project, name string) string {
	if n, ok := p.Networks[name]; ok && n.Driver != "" {
		return string(n.Driver)
	}
	return string(model.DriverBridge)
}

func volumeDriver(p *model.Project, name string) string {
	if v, ok := p.Volumes[name]; ok && v.Driver != "" {
		return v.Driver
	}
	return "local"
}

func isExternalNetwork(p *model.Project, name string) bool {
	n, ok := p.Networks[name]
	return ok && n.Lifecycle == model.External
}

func isExternalVolume(p *model.Project, name string) bool {
	v, ok := p.Volumes[name]
	return ok && v.Lifecycle == model.External
}
