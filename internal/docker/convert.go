package docker

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/docker/api/types/network"

	// nat provides the port set and port binding types used by
	// container.Config.ExposedPorts and container.HostConfig.PortBindings.
	"github.com/docker/go-connections/nat"

	"github.com/mmr-tortoise/berth/internal/engine"
	"github.com/mmr-tortoise/berth/internal/model"
)

// createRequest holds the SDK structures for one ContainerCreate call plus
// the networks that must be connected after creation. The create call
// accepts a single endpoint reliably across API versions, so the primary
// network goes into NetworkingConfig and the rest are connected afterwards.
type createRequest struct {
	config     *container.Config
	hostConfig *container.HostConfig
	networking *network.NetworkingConfig
	extra      map[string]*network.EndpointSettings
	extraOrder []string
}

// toCreateRequest translates a container spec into SDK request types.
func toCreateRequest(spec *engine.ContainerSpec) (*createRequest, error) {
	exposed, bindings, err := portBindings(spec.Ports)
	if err != nil {
		return nil, err
	}
	health, err := healthConfig(spec.Healthcheck)
	if err != nil {
		return nil, err
	}

	req := &createRequest{
		config: &container.Config{
			Image:        spec.Image,
			Cmd:          spec.Command,
			Env:          envList(spec.Env),
			Labels:       spec.Labels(),
			ExposedPorts: exposed,
			Healthcheck:  health,
		},
		hostConfig: &container.HostConfig{
			PortBindings:  bindings,
			Mounts:        mounts(spec.Mounts),
			RestartPolicy: restartPolicy(spec.Restart),
		},
		extra: make(map[string]*network.EndpointSettings),
	}

	for i, name := range spec.Networks {
		endpoint := &network.EndpointSettings{Aliases: append([]string(nil), spec.Aliases...)}
		if i == 0 {
			req.hostConfig.NetworkMode = container.NetworkMode(name)
			req.networking = &network.NetworkingConfig{
				EndpointsConfig: map[string]*network.EndpointSettings{name: endpoint},
			}
			continue
		}
		req.extra[name] = endpoint
		req.extraOrder = append(req.extraOrder, name)
	}
	return req, nil
}

// envList renders the environment as sorted KEY=VALUE entries so the
// request is deterministic.
func envList(env map[string]string) []string {
	if len(env) == 0 {
		return nil
	}
	out := make([]string, 0, len(env))
	for k, v := range env {
		out = append(out, k+"="+v)
	}
	sort.Strings(out)
	return out
}

// portBindings converts port mappings to the exposed port set and the host
// bindings. Mappings without a host port are exposed with an ephemeral
// host port chosen by the daemon.
func portBindings(ports []model.PortMapping) (nat.PortSet, nat.PortMap, error) {
	if len(ports) == 0 {
		return nil, nil, nil
	}
	exposed := make(nat.PortSet)
	bindings := make(nat.PortMap)
	for _, p := range ports {
		proto := p.Protocol
		if proto == "" {
			proto = "tcp"
		}
		port, err := nat.NewPort(proto, strconv.Itoa(p.Container))
		if err != nil {
			return nil, nil, fmt.Errorf("invalid port %s: %w", p, err)
		}
		exposed[port] = struct{}{}
		binding := nat.PortBinding{HostIP: p.HostIP}
		if p.Host != 0 {
			binding.HostPort = strconv.Itoa(p.Host)
		}
		bindings[port] = append(bindings[port], binding)
	}
	return exposed, bindings, nil
}

func mounts(specs []engine.MountSpec) []mount.Mount {
	if len(specs) == 0 {
		return nil
	}
	out := make([]mount.Mount, 0, len(specs))
	for _, m := range specs {
		t := mount.TypeVolume
		if m.Type == model.MountBind {
			t = mount.TypeBind
		}
		out = append(out, mount.Mount{
			Type:     t,
			Source:   m.Source,
			Target:   m.Target,
			ReadOnly: m.ReadOnly,
		})
	}
	return out
}

func restartPolicy(r model.RestartPolicy) container.RestartPolicy {
	switch r {
	case model.RestartAlways:
		return container.RestartPolicy{Name: container.RestartPolicyAlways}
	case model.RestartOnFailure:
		return container.RestartPolicy{Name: container.RestartPolicyOnFailure}
	default:
		return container.RestartPolicy{Name: container.RestartPolicyDisabled}
	}
}

// healthConfig converts a healthcheck. Durations were validated when the
// project was loaded; empty ones are left to the daemon defaults.
func healthConfig(h *model.Healthcheck) (*container.HealthConfig, error) {
	if h == nil {
		return nil, nil
	}
	cfg := &container.HealthConfig{Test: h.Test, Retries: h.Retries}
	for _, d := range []struct {
		value string
		dst   *time.Duration
	}{
		{h.Interval, &cfg.Interval},
		{h.Timeout, &cfg.Timeout},
		{h.StartPeriod, &cfg.StartPeriod},
	} {
		if d.value == "" {
			continue
		}
		v, err := time.ParseDuration(d.value)
		if err != nil {
			return nil, fmt.Errorf("invalid healthcheck duration %q: %w", d.value, err)
		}
		*d.dst = v
	}
	return cfg, nil
}

// fromInspect converts a container inspect response into a Resource.
// Docker reports names with a leading "/", which is stripped.
func fromInspect(info container.InspectResponse) *engine.Resource {
	r := &engine.Resource{Kind: engine.KindContainer}
	if info.ContainerJSONBase != nil {
		r.Name = strings.TrimPrefix(info.Name, "/")
		r.ID = info.ID
		if info.State != nil {
			r.State = engine.ContainerState(string(info.State.Status))
			if info.State.Health != nil && string(info.State.Health.Status) != "none" {
				r.Health = engine.Health(string(info.State.Health.Status))
			}
		}
	}
	if info.Config != nil {
		r.Image = info.Config.Image
		r.Labels = info.Config.Labels
	}
	if info.ContainerJSONBase != nil && info.HostConfig != nil {
		r.Ports = boundPorts(info.HostConfig.PortBindings)
	}
	if info.NetworkSettings != nil {
		r.Networks = sortedKeys(info.NetworkSettings.Networks)
	}
	r.Volumes = volumeNames(info.Mounts)
	return r
}

// fromSummary converts a container list entry into a Resource. List
// entries only report health inside the status text, e.g.
// "Up 3 minutes (healthy)".
func fromSummary(c container.Summary) *engine.Resource {
	r := &engine.Resource{
		Kind:   engine.KindContainer,
		ID:     c.ID,
		Image:  c.Image,
		Labels: c.Labels,
		State:  engine.ContainerState(string(c.State)),
		Health: healthFromStatus(c.Status),
	}
	if len(c.Names) > 0 {
		r.Name = strings.TrimPrefix(c.Names[0], "/")
	}
	for _, p := range c.Ports {
		if p.PublicPort == 0 {
			continue
		}
		r.Ports = append(r.Ports, model.PortMapping{
			HostIP:    p.IP,
			Host:      int(p.PublicPort),
			Container: int(p.PrivatePort),
			Protocol:  p.Type,
		})
	}
	if c.NetworkSettings != nil {
		r.Networks = sortedKeys(c.NetworkSettings.Networks)
	}
	r.Volumes = volumeNames(c.Mounts)
	return r
}

func healthFromStatus(status string) engine.Health {
	switch {
	case strings.HasSuffix(status, "(healthy)"):
		return engine.HealthHealthy
	case strings.HasSuffix(status, "(unhealthy)"):
		return engine.HealthUnhealthy
	case strings.HasSuffix(status, "(health: starting)"):
		return engine.HealthStarting
	}
	return engine.HealthNone
}

// boundPorts converts the requested host bindings of a container. Bindings
// without a fixed host port are skipped.
func boundPorts(bindings nat.PortMap) []model.PortMapping {
	keys := make([]string, 0, len(bindings))
	for p := range bindings {
		keys = append(keys, string(p))
	}
	sort.Strings(keys)

	var out []model.PortMapping
	for _, k := range keys {
		port := nat.Port(k)
		for _, b := range bindings[port] {
			host, err := strconv.Atoi(b.HostPort)
			if err != nil || host == 0 {
				continue
			}
			out = append(out, model.PortMapping{
				HostIP:    b.HostIP,
				Host:      host,
				Container: port.Int(),
				Protocol:  port.Proto(),
			})
		}
	}
	return out
}

func volumeNames(points []container.MountPoint) []string {
	var out []string
	for _, m := range points {
		if m.Type == mount.TypeVolume && m.Name != "" {
			out = append(out, m.Name)
		}
	}
	return out
}

func sortedKeys[V any](m map[string]V) []string {
	if len(m) == 0 {
		return nil
	}
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
