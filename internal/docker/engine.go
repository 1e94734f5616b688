package docker

import (
	"context"
	"fmt"
	"sort"
	"time"

	cerrdefs "github.com/containerd/errdefs"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/api/types/volume"

	"github.com/mmr-tortoise/berth/internal/ctxlog"
	"github.com/mmr-tortoise/berth/internal/engine"
	"github.com/mmr-tortoise/berth/internal/model"
)

var _ engine.Engine = (*Client)(nil)

// CreateNetwork creates a network with berth's labels.
func (c *Client) CreateNetwork(ctx context.Context, spec engine.NetworkSpec) error {
	_, err := c.inner.NetworkCreate(ctx, spec.Name, network.CreateOptions{
		Driver: spec.Driver,
		Labels: spec.Labels,
	})
	return translate("create network "+spec.Name, err)
}

// RemoveNetwork removes a network by name.
func (c *Client) RemoveNetwork(ctx context.Context, name string) error {
	return translate("remove network "+name, c.inner.NetworkRemove(ctx, name))
}

// CreateVolume creates a named volume with berth's labels.
func (c *Client) CreateVolume(ctx context.Context, spec engine.VolumeSpec) error {
	_, err := c.inner.VolumeCreate(ctx, volume.CreateOptions{
		Name:   spec.Name,
		Driver: spec.Driver,
		Labels: spec.Labels,
	})
	return translate("create volume "+spec.Name, err)
}

// RemoveVolume removes a named volume. Volumes still in use are not forced.
func (c *Client) RemoveVolume(ctx context.Context, name string) error {
	return translate("remove volume "+name, c.inner.VolumeRemove(ctx, name, false))
}

// CreateContainer creates a container and connects it to every network in
// the spec.
//
// A name conflict is treated as success when the existing container carries
// exactly the labels the spec would produce. That happens when a previous
// attempt succeeded on the daemon but its response was lost, so retries of
// a create stay idempotent.
func (c *Client) CreateContainer(ctx context.Context, spec *engine.ContainerSpec) error {
	op := "create container " + spec.Name
	req, err := toCreateRequest(spec)
	if err != nil {
		return &model.EngineError{Op: op, Err: err}
	}

	_, err = c.inner.ContainerCreate(ctx, req.config, req.hostConfig, req.networking, nil, spec.Name)
	if err != nil {
		if cerrdefs.IsConflict(err) {
			existing, ierr := c.inner.ContainerInspect(ctx, spec.Name)
			if ierr == nil && existing.Config != nil && sameOwner(existing.Config.Labels, req.config.Labels) {
				ctxlog.FromContext(ctx).Debug("container already created", "container", spec.Name)
				return nil
			}
		}
		if cerrdefs.IsNotFound(err) {
			// The only missing thing ContainerCreate reports is the image;
			// berth neither builds nor pulls images.
			return &model.EngineError{Op: op, Err: fmt.Errorf("image %s is not available locally: %w", spec.Image, err)}
		}
		return translate(op, err)
	}

	for _, name := range req.extraOrder {
		if err := c.inner.NetworkConnect(ctx, name, spec.Name, req.extra[name]); err != nil {
			return translate(fmt.Sprintf("connect container %s to network %s", spec.Name, name), err)
		}
	}
	return nil
}

// StartContainer starts a created or stopped container. Starting a running
// container is a no-op on the daemon side.
func (c *Client) StartContainer(ctx context.Context, name string) error {
	return translate("start container "+name, c.inner.ContainerStart(ctx, name, container.StartOptions{}))
}

// StopContainer sends SIGTERM and kills the container after timeout.
func (c *Client) StopContainer(ctx context.Context, name string, timeout time.Duration) error {
	seconds := int(timeout.Seconds())
	return translate("stop container "+name, c.inner.ContainerStop(ctx, name, container.StopOptions{Timeout: &seconds}))
}

// RemoveContainer removes a stopped container together with its anonymous
// volumes. Named volumes are left alone.
func (c *Client) RemoveContainer(ctx context.Context, name string) error {
	return translate("remove container "+name, c.inner.ContainerRemove(ctx, name, container.RemoveOptions{
		RemoveVolumes: true,
	}))
}

// Inspect returns the observed state of one resource.
func (c *Client) Inspect(ctx context.Context, kind engine.ResourceKind, name string) (*engine.Resource, error) {
	op := fmt.Sprintf("inspect %s %s", kind, name)
	switch kind {
	case engine.KindNetwork:
		n, err := c.inner.NetworkInspect(ctx, name, network.InspectOptions{})
		if err != nil {
			return nil, translate(op, err)
		}
		return &engine.Resource{Kind: kind, Name: n.Name, ID: n.ID, Driver: n.Driver, Labels: n.Labels}, nil

	case engine.KindVolume:
		v, err := c.inner.VolumeInspect(ctx, name)
		if err != nil {
			return nil, translate(op, err)
		}
		return &engine.Resource{Kind: kind, Name: v.Name, ID: v.Name, Driver: v.Driver, Labels: v.Labels}, nil

	case engine.KindContainer:
		info, err := c.inner.ContainerInspect(ctx, name)
		if err != nil {
			return nil, translate(op, err)
		}
		return fromInspect(info), nil

	default:
		return nil, fmt.Errorf("unknown resource kind %q", kind)
	}
}

// ListContainers returns every container labelled with the project,
// including stopped ones, sorted by name.
func (c *Client) ListContainers(ctx context.Context, project string) ([]*engine.Resource, error) {
	list, err := c.inner.ContainerList(ctx, container.ListOptions{
		All:     true,
		Filters: projectFilter(project),
	})
	if err != nil {
		return nil, translate("list containers", err)
	}

	out := make([]*engine.Resource, 0, len(list))
	for _, s := range list {
		out = append(out, fromSummary(s))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// Ready reports whether a container satisfies the readiness kind.
func (c *Client) Ready(ctx context.Context, name string, readiness model.Readiness) (bool, error) {
	info, err := c.inner.ContainerInspect(ctx, name)
	if err != nil {
		return false, translate("check readiness of container "+name, err)
	}
	return readinessOf(fromInspect(info), readiness)
}

// readinessOf evaluates readiness on an observed container. An error means
// the container can never become ready without intervention.
func readinessOf(r *engine.Resource, readiness model.Readiness) (bool, error) {
	switch r.State {
	case engine.StateExited, engine.StateDead:
		return false, fmt.Errorf("container %s is %s", r.Name, r.State)
	}
	if readiness != model.ReadinessHealthy {
		return r.Running(), nil
	}
	switch r.Health {
	case engine.HealthHealthy:
		return true, nil
	case engine.HealthUnhealthy:
		return false, fmt.Errorf("container %s is unhealthy", r.Name)
	case engine.HealthNone:
		return false, fmt.Errorf("container %s has no healthcheck", r.Name)
	default:
		return false, nil
	}
}
