// Package model defines the domain types for the berth CLI.
//
// All entities in this package are constructed at load time from a
// declarative project definition and are never mutated afterwards. The
// reconciler and orchestrator only read them.
package model

import (
	"fmt"
	"regexp"
	"sort"
	"strings"
)

// RestartPolicy is the container restart behavior requested for a service.
type RestartPolicy string

const (
	// RestartNever never restarts the container. "no" is accepted as an alias
	// when parsing, matching the compose file format.
	RestartNever RestartPolicy = "never"

	// RestartOnFailure restarts the container when it exits non-zero.
	RestartOnFailure RestartPolicy = "on-failure"

	// RestartAlways always restarts the container.
	RestartAlways RestartPolicy = "always"
)

// String returns the string representation of RestartPolicy.
func (r RestartPolicy) String() string {
	return string(r)
}

// IsValid checks whether the RestartPolicy value is one of the
// predefined valid policies.
func (r RestartPolicy) IsValid() bool {
	switch r {
	case RestartNever, RestartOnFailure, RestartAlways:
		return true
	default:
		return false
	}
}

// ParseRestartPolicy converts a string to a RestartPolicy. An empty string
// yields RestartNever. Returns an error for unknown values.
func ParseRestartPolicy(s string) (RestartPolicy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "no", "never":
		return RestartNever, nil
	}
	policy := RestartPolicy(strings.ToLower(s))
	if !policy.IsValid() {
		return "", fmt.Errorf("invalid restart policy: %q (valid: never, on-failure, always)", s)
	}
	return policy, nil
}

// NetworkDriver is the driver a managed network is created with.
type NetworkDriver string

const (
	DriverBridge  NetworkDriver = "bridge"
	DriverHost    NetworkDriver = "host"
	DriverNone    NetworkDriver = "none"
	DriverOverlay NetworkDriver = "overlay"
)

// String returns the string representation of NetworkDriver.
func (d NetworkDriver) String() string {
	return string(d)
}

// ParseNetworkDriver converts a string to a NetworkDriver. An empty string
// yields the default bridge driver.
func ParseNetworkDriver(s string) (NetworkDriver, error) {
	d := NetworkDriver(strings.ToLower(strings.TrimSpace(s)))
	switch d {
	case "":
		return DriverBridge, nil
	case DriverBridge, DriverHost, DriverNone, DriverOverlay:
		return d, nil
	default:
		return "", fmt.Errorf("invalid network driver: %q (valid: bridge, host, none, overlay)", s)
	}
}

// Readiness defines when a started service counts as ready, i.e. when the
// services that depend on it are permitted to start.
type Readiness string

const (
	// ReadinessStarted means the container process has been launched.
	ReadinessStarted Readiness = "started"

	// ReadinessHealthy means the container passes its declared health check.
	ReadinessHealthy Readiness = "healthy"
)

// String returns the string representation of Readiness.
func (r Readiness) String() string {
	return string(r)
}

// ParseReadiness converts a string to a Readiness. An empty string yields
// ReadinessStarted.
func ParseReadiness(s string) (Readiness, error) {
	switch Readiness(strings.ToLower(strings.TrimSpace(s))) {
	case "":
		return ReadinessStarted, nil
	case ReadinessStarted:
		return ReadinessStarted, nil
	case ReadinessHealthy:
		return ReadinessHealthy, nil
	default:
		return "", fmt.Errorf("invalid readiness: %q (valid: started, healthy)", s)
	}
}

// Lifecycle is the tagged variant distinguishing resources berth owns from
// resources it only references.
type Lifecycle int

const (
	// Managed resources are created and removed by berth.
	Managed Lifecycle = iota

	// External resources must already exist. berth never creates or removes them.
	External
)

// String returns "managed" or "external".
func (l Lifecycle) String() string {
	if l == External {
		return "external"
	}
	return "managed"
}

// Project is the root entity: one per invocation, immutable once loaded.
type Project struct {
	// Name is the project name, used to namespace engine resource names.
	Name string `json:"name" yaml:"name"`

	// BaseDir is the directory relative paths (bind mounts, env files,
	// build contexts) were resolved against.
	BaseDir string `json:"-" yaml:"-"`

	// Services maps service names to their definitions.
	Services map[string]*Service `json:"services" yaml:"services"`

	// Networks maps network names to their definitions.
	Networks map[string]*Network `json:"networks,omitempty" yaml:"networks,omitempty"`

	// Volumes maps volume names to their definitions.
	Volumes map[string]*Volume `json:"volumes,omitempty" yaml:"volumes,omitempty"`

	// ServiceOrder lists service names in declaration order. The graph
	// builder uses it to break ties deterministically.
	ServiceOrder []string `json:"-" yaml:"-"`

	// NetworkOrder lists network names in declaration order.
	NetworkOrder []string `json:"-" yaml:"-"`

	// VolumeOrder lists volume names in declaration order.
	VolumeOrder []string `json:"-" yaml:"-"`
}

// DeclarationIndex returns the position of a service in declaration order,
// or -1 if the service is unknown.
func (p *Project) DeclarationIndex(service string) int {
	for i, name := range p.ServiceOrder {
		if name == service {
			return i
		}
	}
	return -1
}

// NetworkResourceName returns the engine-level name of a declared network.
// Managed networks are namespaced by the project name; external networks
// use their external name verbatim.
func (p *Project) NetworkResourceName(name string) string {
	if n, ok := p.Networks[name]; ok && n.Lifecycle == External {
		return n.ResourceName()
	}
	return p.Name + "_" + name
}

// VolumeResourceName returns the engine-level name of a declared volume.
func (p *Project) VolumeResourceName(name string) string {
	if v, ok := p.Volumes[name]; ok && v.Lifecycle == External {
		return v.ResourceName()
	}
	return p.Name + "_" + name
}

// ContainerName returns the engine-level container name for a service:
// the explicit override when set, otherwise "<project>-<service>-1".
func (p *Project) ContainerName(service string) string {
	if s, ok := p.Services[service]; ok && s.ContainerName != "" {
		return s.ContainerName
	}
	return fmt.Sprintf("%s-%s-1", p.Name, service)
}

// ImageFor returns the image reference a service's container runs. For
// build services the image name is derived as "<project>-<service>".
func (p *Project) ImageFor(service string) string {
	s, ok := p.Services[service]
	if !ok {
		return ""
	}
	if s.Image != "" {
		return s.Image
	}
	return p.Name + "-" + s.Name
}

// Service is a declared unit of one runnable container plus its desired
// configuration.
type Service struct {
	// Name is the unique service name within the project.
	Name string `json:"name" yaml:"-"`

	// Image is the image reference. Exactly one of Image and Build is set.
	Image string `json:"image,omitempty" yaml:"image,omitempty"`

	// Build is the build source reference. Exactly one of Image and Build is set.
	Build *BuildSource `json:"build,omitempty" yaml:"build,omitempty"`

	// ContainerName overrides the generated container name.
	ContainerName string `json:"containerName,omitempty" yaml:"container_name,omitempty"`

	// Command overrides the image's default command.
	Command []string `json:"command,omitempty" yaml:"command,omitempty"`

	// Restart is the restart policy.
	Restart RestartPolicy `json:"restart" yaml:"restart"`

	// Ports are the published ports, in declaration order.
	Ports []PortMapping `json:"ports,omitempty" yaml:"ports,omitempty"`

	// Environment is the flattened environment: env-file values first,
	// inline values override them.
	Environment map[string]string `json:"environment,omitempty" yaml:"environment,omitempty"`

	// EnvFiles lists the env-file references, in the order they were applied.
	EnvFiles []string `json:"envFiles,omitempty" yaml:"env_file,omitempty"`

	// DependsOn maps each dependency service name to the condition it must
	// reach before this service starts.
	DependsOn map[string]DependencyCondition `json:"dependsOn,omitempty" yaml:"depends_on,omitempty"`

	// Networks lists attached network names (logical names, not engine names).
	Networks []string `json:"networks,omitempty" yaml:"networks,omitempty"`

	// Mounts lists volume and bind mounts, in declaration order.
	Mounts []Mount `json:"mounts,omitempty" yaml:"volumes,omitempty"`

	// Readiness defines when this service counts as ready for its dependents.
	Readiness Readiness `json:"readiness" yaml:"readiness"`

	// Healthcheck is the health check. Required when Readiness is healthy.
	Healthcheck *Healthcheck `json:"healthcheck,omitempty" yaml:"healthcheck,omitempty"`

	// Labels are user labels applied to the container.
	Labels map[string]string `json:"labels,omitempty" yaml:"labels,omitempty"`
}

// Dependencies returns the dependency service names sorted alphabetically.
func (s *Service) Dependencies() []string {
	deps := make([]string, 0, len(s.DependsOn))
	for name := range s.DependsOn {
		deps = append(deps, name)
	}
	sort.Strings(deps)
	return deps
}

// NamedVolumes returns the names of named volumes this service mounts,
// in mount order and without duplicates.
func (s *Service) NamedVolumes() []string {
	var names []string
	seen := make(map[string]bool)
	for _, m := range s.Mounts {
		if m.Type != MountVolume || m.Source == "" || seen[m.Source] {
			continue
		}
		seen[m.Source] = true
		names = append(names, m.Source)
	}
	return names
}

// DependencyCondition is the state a dependency must reach before the
// dependent service starts.
type DependencyCondition string

const (
	// ConditionStarted waits for the dependency's start action to succeed.
	ConditionStarted DependencyCondition = "service_started"

	// ConditionHealthy waits for the dependency to pass its health check.
	ConditionHealthy DependencyCondition = "service_healthy"
)

// BuildSource references how a service image is built. berth does not build
// images; the fields feed the build hash used to detect drift.
type BuildSource struct {
	// Context is the build context directory, resolved against BaseDir.
	Context string `json:"context" yaml:"context"`

	// Dockerfile is the Dockerfile path relative to Context.
	Dockerfile string `json:"dockerfile,omitempty" yaml:"dockerfile,omitempty"`

	// Args are build arguments.
	Args map[string]string `json:"args,omitempty" yaml:"args,omitempty"`
}

// PortMapping is a single published port: host:container[/protocol].
type PortMapping struct {
	// HostIP optionally binds the published port to one host address.
	HostIP string `json:"hostIp,omitempty" yaml:"host_ip,omitempty"`

	// Host is the host port. Zero means an ephemeral port chosen by the engine.
	Host int `json:"host,omitempty" yaml:"published,omitempty"`

	// Container is the port inside the container (1-65535).
	Container int `json:"container" yaml:"target"`

	// Protocol is "tcp" (default), "udp" or "sctp".
	Protocol string `json:"protocol" yaml:"protocol"`
}

// String renders the mapping in short syntax, e.g. "8080:80/tcp".
func (p PortMapping) String() string {
	proto := p.Protocol
	if proto == "" {
		proto = "tcp"
	}
	if p.Host == 0 {
		return fmt.Sprintf("%d/%s", p.Container, proto)
	}
	if p.HostIP != "" {
		return fmt.Sprintf("%s:%d:%d/%s", p.HostIP, p.Host, p.Container, proto)
	}
	return fmt.Sprintf("%d:%d/%s", p.Host, p.Container, proto)
}

// Validate checks port ranges and protocol.
func (p PortMapping) Validate() error {
	if p.Container < 1 || p.Container > 65535 {
		return fmt.Errorf("container port %d out of range (1-65535)", p.Container)
	}
	if p.Host < 0 || p.Host > 65535 {
		return fmt.Errorf("host port %d out of range (0-65535)", p.Host)
	}
	switch p.Protocol {
	case "tcp", "udp", "sctp":
		return nil
	default:
		return fmt.Errorf("invalid protocol %q (valid: tcp, udp, sctp)", p.Protocol)
	}
}

// MountType distinguishes named volumes from bind mounts.
type MountType string

const (
	MountVolume MountType = "volume"
	MountBind   MountType = "bind"
)

// Mount is a single volume or bind mount.
type Mount struct {
	// Type is volume or bind.
	Type MountType `json:"type" yaml:"type"`

	// Source is the logical volume name, an absolute host path for binds,
	// or empty for an anonymous volume.
	Source string `json:"source,omitempty" yaml:"source,omitempty"`

	// Target is the absolute path inside the container.
	Target string `json:"target" yaml:"target"`

	// ReadOnly mounts the source read-only.
	ReadOnly bool `json:"readOnly,omitempty" yaml:"read_only,omitempty"`
}

// Healthcheck is the health check run by the engine inside the container.
type Healthcheck struct {
	// Test is the check command in engine form, e.g. ["CMD", "pg_isready"].
	Test []string `json:"test" yaml:"test"`

	// Interval between checks, as a Go duration string.
	Interval string `json:"interval,omitempty" yaml:"interval,omitempty"`

	// Timeout of a single check.
	Timeout string `json:"timeout,omitempty" yaml:"timeout,omitempty"`

	// StartPeriod is the grace period before failures count.
	StartPeriod string `json:"startPeriod,omitempty" yaml:"start_period,omitempty"`

	// Retries is the number of consecutive failures before unhealthy.
	Retries int `json:"retries,omitempty" yaml:"retries,omitempty"`
}

// Network is a declared network.
type Network struct {
	// Name is the logical network name within the project.
	Name string `json:"name" yaml:"-"`

	// Driver is the network driver (bridge by default).
	Driver NetworkDriver `json:"driver" yaml:"driver"`

	// Lifecycle tells whether berth manages the network.
	Lifecycle Lifecycle `json:"-" yaml:"-"`

	// ExternalName is the engine name of an external network. Defaults to Name.
	ExternalName string `json:"externalName,omitempty" yaml:"name,omitempty"`
}

// ResourceName returns the external name for external networks, or Name.
func (n *Network) ResourceName() string {
	if n.Lifecycle == External && n.ExternalName != "" {
		return n.ExternalName
	}
	return n.Name
}

// Volume is a declared named volume.
type Volume struct {
	// Name is the logical volume name within the project.
	Name string `json:"name" yaml:"-"`

	// Driver is the volume driver ("local" by default).
	Driver string `json:"driver" yaml:"driver"`

	// Lifecycle tells whether berth manages the volume.
	Lifecycle Lifecycle `json:"-" yaml:"-"`

	// ExternalName is the engine name of an external volume. Defaults to Name.
	ExternalName string `json:"externalName,omitempty" yaml:"name,omitempty"`
}

// ResourceName returns the external name for external volumes, or Name.
func (v *Volume) ResourceName() string {
	if v.Lifecycle == External && v.ExternalName != "" {
		return v.ExternalName
	}
	return v.Name
}

// nameRegex validates service names.
var nameRegex = regexp.MustCompile(`^[a-zA-Z0-9._-]+$`)

// projectNameRegex validates project names after normalization. Engine
// resource names are derived from it, so it is stricter than service names.
var projectNameRegex = regexp.MustCompile(`^[a-z0-9][a-z0-9_-]*$`)

// ValidateServiceName checks if the given name is a valid service name.
func ValidateServiceName(name string) error {
	if name == "" {
		return fmt.Errorf("service name must not be empty")
	}
	if !nameRegex.MatchString(name) {
		return fmt.Errorf("invalid service name %q: must match [a-zA-Z0-9._-]+", name)
	}
	return nil
}

// NormalizeProjectName lowercases a candidate project name and drops
// characters that are not allowed in engine resource names.
func NormalizeProjectName(name string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(name) {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') || r == '_' || r == '-' {
			b.WriteRune(r)
		}
	}
	return strings.TrimLeft(b.String(), "_-")
}

// ValidateProjectName checks a normalized project name.
func ValidateProjectName(name string) error {
	if !projectNameRegex.MatchString(name) {
		return fmt.Errorf("invalid project name %q: must match [a-z0-9][a-z0-9_-]*", name)
	}
	return nil
}

// ExitCode defines standard CLI exit codes. These codes allow scripts and
// CI systems to programmatically determine the outcome of a command.
type ExitCode int

const (
	// ExitSuccess indicates the command completed successfully.
	ExitSuccess ExitCode = 0

	// ExitGeneralError indicates an unspecified error occurred.
	ExitGeneralError ExitCode = 1

	// ExitProjectNotFound indicates no project definition file was found.
	ExitProjectNotFound ExitCode = 2

	// ExitEngineUnavailable indicates the container engine is not accessible.
	ExitEngineUnavailable ExitCode = 3

	// ExitPortConflict indicates a published host port is already in use.
	ExitPortConflict ExitCode = 4

	// ExitInvalidProject indicates a planning-phase error: structural error,
	// missing variable, or dependency cycle. No side effects happened.
	ExitInvalidProject ExitCode = 5

	// ExitPartialFailure indicates some actions failed while others succeeded.
	ExitPartialFailure ExitCode = 6

	// ExitTotalFailure indicates no action succeeded.
	ExitTotalFailure ExitCode = 7

	// ExitProjectBusy indicates another plan execution holds the project lock.
	ExitProjectBusy ExitCode = 8
)

// CLIError is a custom error type that carries an exit code.
// This allows the CLI layer to translate domain errors into
// appropriate process exit codes.
type CLIError struct {
	// Code is the exit code to return to the OS.
	Code ExitCode

	// Message is the human-readable error description.
	Message string

	// Err is the underlying error, if any.
	Err error
}

// Error satisfies the error interface. It returns the human-readable
// error message, optionally including the underlying error.
func (e *CLIError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

// Unwrap returns the underlying error for use with errors.Is/errors.As.
func (e *CLIError) Unwrap() error {
	return e.Err
}

// NewCLIError creates a new CLIError with the given exit code and message.
func NewCLIError(code ExitCode, message string) *CLIError {
	return &CLIError{Code: code, Message: message}
}

// WrapCLIError creates a new CLIError that wraps an existing error.
func WrapCLIError(code ExitCode, message string, err error) *CLIError {
	return &CLIError{Code: code, Message: message, Err: err}
}
