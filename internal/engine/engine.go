// Package engine defines the contract between berth and the container
// engine it drives, plus the observed-state types the reconciler reads.
//
// The production implementation lives in internal/docker. Tests use the
// in-memory implementation in internal/engine/enginetest.
//
// Every operation is keyed by the engine-level resource name, so calls
// are idempotent or at least safely retryable by identity.
package engine

import (
	"context"
	"errors"
	"time"

	"github.com/mmr-tortoise/berth/internal/model"
)

// ErrNotFound is returned (possibly wrapped) by Inspect and the remove
// operations when the named resource does not exist.
var ErrNotFound = errors.New("resource not found")

// ResourceKind identifies the type of an engine resource.
type ResourceKind string

const (
	KindNetwork   ResourceKind = "network"
	KindVolume    ResourceKind = "volume"
	KindContainer ResourceKind = "container"
)

// String returns the string representation of ResourceKind.
func (k ResourceKind) String() string {
	return string(k)
}

// Engine is the container-engine collaborator.
type Engine interface {
	// CreateNetwork creates a network.
	CreateNetwork(ctx context.Context, spec NetworkSpec) error

	// RemoveNetwork removes a network by name.
	RemoveNetwork(ctx context.Context, name string) error

	// CreateVolume creates a named volume.
	CreateVolume(ctx context.Context, spec VolumeSpec) error

	// RemoveVolume removes a named volume.
	RemoveVolume(ctx context.Context, name string) error

	// CreateContainer creates (but does not start) a container.
	CreateContainer(ctx context.Context, spec *ContainerSpec) error

	// StartContainer starts a created or stopped container.
	StartContainer(ctx context.Context, name string) error

	// StopContainer stops a running container, killing it after timeout.
	StopContainer(ctx context.Context, name string, timeout time.Duration) error

	// RemoveContainer removes a stopped container.
	RemoveContainer(ctx context.Context, name string) error

	// Inspect returns the observed state of one resource, or ErrNotFound.
	Inspect(ctx context.Context, kind ResourceKind, name string) (*Resource, error)

	// ListContainers returns every container labelled with the project,
	// running or not.
	ListContainers(ctx context.Context, project string) ([]*Resource, error)

	// Ready reports whether a started container satisfies the readiness
	// kind. A non-nil error means the container can never become ready
	// (for example it exited or turned unhealthy).
	Ready(ctx context.Context, name string, readiness model.Readiness) (bool, error)
}

// NetworkSpec is the desired configuration of a managed network.
type NetworkSpec struct {
	Name   string
	Driver string
	Labels map[string]string
}

// VolumeSpec is the desired configuration of a managed volume.
type VolumeSpec struct {
	Name   string
	Driver string
	Labels map[string]string
}

// ContainerState is the engine-reported container status.
type ContainerState string

const (
	StateCreated    ContainerState = "created"
	StateRunning    ContainerState = "running"
	StatePaused     ContainerState = "paused"
	StateRestarting ContainerState = "restarting"
	StateExited     ContainerState = "exited"
	StateDead       ContainerState = "dead"
)

// Health is the engine-reported health check status.
type Health string

const (
	// HealthNone means the container declares no health check.
	HealthNone      Health = ""
	HealthStarting  Health = "starting"
	HealthHealthy   Health = "healthy"
	HealthUnhealthy Health = "unhealthy"
)

// Resource is the observed state of one network, volume or container.
// Fields that do not apply to a kind are left empty.
type Resource struct {
	Kind ResourceKind `json:"kind"`

	// Name is the engine-level name.
	Name string `json:"name"`

	// ID is the engine identifier. It changes when a resource is recreated.
	ID string `json:"id"`

	// Driver is the network or volume driver.
	Driver string `json:"driver,omitempty"`

	// Labels are the resource labels, including berth's own.
	Labels map[string]string `json:"labels,omitempty"`

	// Image is the image reference a container was created from.
	Image string `json:"image,omitempty"`

	// State is the container state.
	State ContainerState `json:"state,omitempty"`

	// Health is the container health status.
	Health Health `json:"health,omitempty"`

	// Networks lists the engine names of networks a container is attached to.
	Networks []string `json:"networks,omitempty"`

	// Volumes lists the engine names of named volumes a container mounts.
	Volumes []string `json:"volumes,omitempty"`

	// Ports lists the host ports a container publishes. Ephemeral
	// bindings are omitted.
	Ports []model.PortMapping `json:"ports,omitempty"`
}

// Running reports whether the container is running.
func (r *Resource) Running() bool {
	return r.State == StateRunning || r.State == StateRestarting
}

// Project returns the project label, or "" for unlabelled resources.
func (r *Resource) Project() string {
	return r.Labels[LabelProject]
}

// Service returns the service label, or "" for unlabelled resources.
func (r *Resource) Service() string {
	return r.Labels[LabelService]
}

// OwnedBy reports whether the resource carries berth's labels for project.
func (r *Resource) OwnedBy(project string) bool {
	return r.Labels[LabelManagedBy] == ManagedByValue && r.Labels[LabelProject] == project
}
