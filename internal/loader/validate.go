package loader

import (
	"fmt"

	"github.com/mmr-tortoise/berth/internal/model"
)

// validate checks the cross references of a parsed project and applies the
// default network fallback. Services are visited in declaration order so
// the first error reported is stable.
func validate(p *model.Project) error {
	usesDefault := false
	containerNames := make(map[string]string)
	hostPorts := make(map[string]string)

	for _, name := range p.ServiceOrder {
		svc := p.Services[name]
		path := joinPath("services", name)

		for _, dep := range svc.Dependencies() {
			dpath := joinPath(joinPath(path, "depends_on"), dep)
			if dep == name {
				return model.NewStructuralError(dpath, "service cannot depend on itself")
			}
			target, ok := p.Services[dep]
			if !ok {
				return model.NewStructuralError(dpath, "depends on undefined service %q", dep)
			}
			if svc.DependsOn[dep] == model.ConditionHealthy && target.Healthcheck == nil {
				return model.NewStructuralError(dpath,
					"condition service_healthy requires service %q to declare a healthcheck", dep)
			}
		}

		if svc.Readiness == model.ReadinessHealthy && svc.Healthcheck == nil {
			return model.NewStructuralError(joinPath(path, "readiness"), "readiness healthy requires a healthcheck")
		}

		if len(svc.Networks) == 0 {
			svc.Networks = []string{DefaultNetwork}
		}
		for i, net := range svc.Networks {
			if net == DefaultNetwork {
				usesDefault = true
				continue
			}
			if _, ok := p.Networks[net]; !ok {
				return model.NewStructuralError(indexPath(joinPath(path, "networks"), i),
					"network %q is not declared in the top-level networks section", net)
			}
		}

		for i, m := range svc.Mounts {
			if m.Type != model.MountVolume || m.Source == "" {
				continue
			}
			if _, ok := p.Volumes[m.Source]; !ok {
				return model.NewStructuralError(indexPath(joinPath(path, "volumes"), i),
					"named volume %q is not declared in the top-level volumes section", m.Source)
			}
		}

		containerName := p.ContainerName(name)
		if other, ok := containerNames[containerName]; ok {
			return model.NewStructuralError(path, "container name %q is already used by service %q", containerName, other)
		}
		containerNames[containerName] = name

		for i, pm := range svc.Ports {
			if pm.Host == 0 {
				continue
			}
			key := fmt.Sprintf("%s:%d/%s", pm.HostIP, pm.Host, pm.Protocol)
			if other, ok := hostPorts[key]; ok {
				return model.NewStructuralError(indexPath(joinPath(path, "ports"), i),
					"host port %d/%s is already published by service %q", pm.Host, pm.Protocol, other)
			}
			hostPorts[key] = name
		}
	}

	if usesDefault {
		if _, declared := p.Networks[DefaultNetwork]; !declared {
			p.Networks[DefaultNetwork] = &model.Network{Name: DefaultNetwork, Driver: model.DriverBridge}
			p.NetworkOrder = append(p.NetworkOrder, DefaultNetwork)
		}
	}
	return nil
}
