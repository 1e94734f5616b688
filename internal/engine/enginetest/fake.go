// Package enginetest provides an in-memory engine.Engine for tests.
//
// The fake keeps networks, volumes and containers in maps, records every
// call, and supports failure injection per operation and resource name so
// retry, failure-propagation and cancellation paths can be exercised
// without a container daemon.
package enginetest

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/mmr-tortoise/berth/internal/engine"
	"github.com/mmr-tortoise/berth/internal/model"
)

// Operation names used in Call records and failure injection.
const (
	OpCreateNetwork   = "CreateNetwork"
	OpRemoveNetwork   = "RemoveNetwork"
	OpCreateVolume    = "CreateVolume"
	OpRemoveVolume    = "RemoveVolume"
	OpCreateContainer = "CreateContainer"
	OpStartContainer  = "StartContainer"
	OpStopContainer   = "StopContainer"
	OpRemoveContainer = "RemoveContainer"
	OpInspect         = "Inspect"
	OpList            = "ListContainers"
	OpReady           = "Ready"
)

// Call is one recorded engine call.
type Call struct {
	Op   string
	Name string
}

// String renders the call as "Op name".
func (c Call) String() string {
	return c.Op + " " + c.Name
}

// ErrConflict is returned when creating a resource whose name is taken.
var ErrConflict = errors.New("name already in use")

// Engine is the in-memory engine. The zero value is not usable; call New.
type Engine struct {
	mu         sync.Mutex
	networks   map[string]*engine.Resource
	volumes    map[string]*engine.Resource
	containers map[string]*engine.Resource
	specs      map[string]*engine.ContainerSpec
	health     map[string]engine.Health
	failures   map[string][]error
	calls      []Call
	nextID     int

	// BeforeCall, when set, runs before every operation (outside the
	// internal lock). Tests use it to cancel contexts or mutate state at a
	// precise point.
	BeforeCall func(op, name string)

	// StartHealth is the health a container with a healthcheck reports
	// right after it starts. Defaults to healthy.
	StartHealth engine.Health
}

// New returns an empty fake engine.
func New() *Engine {
	return &Engine{
		networks:    make(map[string]*engine.Resource),
		volumes:     make(map[string]*engine.Resource),
		containers:  make(map[string]*engine.Resource),
		specs:       make(map[string]*engine.ContainerSpec),
		health:      make(map[string]engine.Health),
		failures:    make(map[string][]error),
		StartHealth: engine.HealthHealthy,
	}
}

var _ engine.Engine = (*Engine)(nil)

// FailNext queues errors returned by the next calls of op on name, one per
// call. After the queue drains, calls behave normally.
func (e *Engine) FailNext(op, name string, errs ...error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	key := op + "/" + name
	e.failures[key] = append(e.failures[key], errs...)
}

// Transient returns a TransientEngineError for use with FailNext.
func Transient(op string) error {
	return &model.TransientEngineError{Op: op, Err: errors.New("connection reset by peer")}
}

// Calls returns a copy of the recorded calls.
func (e *Engine) Calls() []Call {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]Call(nil), e.calls...)
}

// CallsTo returns the recorded calls of one operation.
func (e *Engine) CallsTo(op string) []Call {
	var out []Call
	for _, c := range e.Calls() {
		if c.Op == op {
			out = append(out, c)
		}
	}
	return out
}

// ResetCalls clears the call log.
func (e *Engine) ResetCalls() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.calls = nil
}

// begin records a call and returns an injected failure, if any. The
// caller must not hold the lock.
func (e *Engine) begin(ctx context.Context, op, name string) error {
	if e.BeforeCall != nil {
		e.BeforeCall(op, name)
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	e.calls = append(e.calls, Call{Op: op, Name: name})
	key := op + "/" + name
	if queue := e.failures[key]; len(queue) > 0 {
		e.failures[key] = queue[1:]
		return queue[0]
	}
	return nil
}

func (e *Engine) id(prefix string) string {
	e.nextID++
	return fmt.Sprintf("%s-%d", prefix, e.nextID)
}

func notFound(kind engine.ResourceKind, name string) error {
	return fmt.Errorf("%s %q: %w", kind, name, engine.ErrNotFound)
}

// CreateNetwork implements engine.Engine.
func (e *Engine) CreateNetwork(ctx context.Context, spec engine.NetworkSpec) error {
	if err := e.begin(ctx, OpCreateNetwork, spec.Name); err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.networks[spec.Name]; ok {
		return &model.EngineError{Op: "create network " + spec.Name, Err: ErrConflict}
	}
	e.networks[spec.Name] = &engine.Resource{
		Kind: engine.KindNetwork, Name: spec.Name, ID: e.id("net"),
		Driver: spec.Driver, Labels: copyMap(spec.Labels),
	}
	return nil
}

// RemoveNetwork implements engine.Engine.
func (e *Engine) RemoveNetwork(ctx context.Context, name string) error {
	if err := e.begin(ctx, OpRemoveNetwork, name); err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.networks[name]; !ok {
		return notFound(engine.KindNetwork, name)
	}
	for _, c := range e.containers {
		for _, n := range c.Networks {
			if n == name {
				return &model.EngineError{Op: "remove network " + name, Err: fmt.Errorf("network has active endpoint %s", c.Name)}
			}
		}
	}
	delete(e.networks, name)
	return nil
}

// CreateVolume implements engine.Engine.
func (e *Engine) CreateVolume(ctx context.Context, spec engine.VolumeSpec) error {
	if err := e.begin(ctx, OpCreateVolume, spec.Name); err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.volumes[spec.Name]; ok {
		return &model.EngineError{Op: "create volume " + spec.Name, Err: ErrConflict}
	}
	e.volumes[spec.Name] = &engine.Resource{
		Kind: engine.KindVolume, Name: spec.Name, ID: spec.Name,
		Driver: spec.Driver, Labels: copyMap(spec.Labels),
	}
	return nil
}

// RemoveVolume implements engine.Engine.
func (e *Engine) RemoveVolume(ctx context.Context, name string) error {
	if err := e.begin(ctx, OpRemoveVolume, name); err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.volumes[name]; !ok {
		return notFound(engine.KindVolume, name)
	}
	delete(e.volumes, name)
	return nil
}

// CreateContainer implements engine.Engine.
func (e *Engine) CreateContainer(ctx context.Context, spec *engine.ContainerSpec) error {
	if err := e.begin(ctx, OpCreateContainer, spec.Name); err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.containers[spec.Name]; ok {
		return &model.EngineError{Op: "create container " + spec.Name, Err: ErrConflict}
	}
	for _, n := range spec.Networks {
		if _, ok := e.networks[n]; !ok {
			return &model.EngineError{Op: "create container " + spec.Name, Err: notFound(engine.KindNetwork, n)}
		}
	}
	var volumes []string
	for _, m := range spec.Mounts {
		if m.Type != model.MountVolume || m.Source == "" {
			continue
		}
		if _, ok := e.volumes[m.Source]; !ok {
			return &model.EngineError{Op: "create container " + spec.Name, Err: notFound(engine.KindVolume, m.Source)}
		}
		volumes = append(volumes, m.Source)
	}
	e.containers[spec.Name] = &engine.Resource{
		Kind:     engine.KindContainer,
		Name:     spec.Name,
		ID:       e.id("ctr"),
		Labels:   spec.Labels(),
		Image:    spec.Image,
		State:    engine.StateCreated,
		Networks: append([]string(nil), spec.Networks...),
		Volumes:  volumes,
		Ports:    publishedPorts(spec.Ports),
	}
	e.specs[spec.Name] = spec
	return nil
}

// StartContainer implements engine.Engine.
func (e *Engine) StartContainer(ctx context.Context, name string) error {
	if err := e.begin(ctx, OpStartContainer, name); err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	c, ok := e.containers[name]
	if !ok {
		return notFound(engine.KindContainer, name)
	}
	c.State = engine.StateRunning
	if spec := e.specs[name]; spec != nil && spec.Healthcheck != nil {
		c.Health = e.StartHealth
		if h, ok := e.health[name]; ok {
			c.Health = h
		}
	}
	return nil
}

// StopContainer implements engine.Engine.
func (e *Engine) StopContainer(ctx context.Context, name string, _ time.Duration) error {
	if err := e.begin(ctx, OpStopContainer, name); err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	c, ok := e.containers[name]
	if !ok {
		return notFound(engine.KindContainer, name)
	}
	c.State = engine.StateExited
	c.Health = engine.HealthNone
	return nil
}

// RemoveContainer implements engine.Engine.
func (e *Engine) RemoveContainer(ctx context.Context, name string) error {
	if err := e.begin(ctx, OpRemoveContainer, name); err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	c, ok := e.containers[name]
	if !ok {
		return notFound(engine.KindContainer, name)
	}
	if c.Running() {
		return &model.EngineError{Op: "remove container " + name, Err: errors.New("container is running")}
	}
	delete(e.containers, name)
	delete(e.specs, name)
	return nil
}

// Inspect implements engine.Engine.
func (e *Engine) Inspect(ctx context.Context, kind engine.ResourceKind, name string) (*engine.Resource, error) {
	if err := e.begin(ctx, OpInspect, name); err != nil {
		return nil, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	var r *engine.Resource
	switch kind {
	case engine.KindNetwork:
		r = e.networks[name]
	case engine.KindVolume:
		r = e.volumes[name]
	case engine.KindContainer:
		r = e.containers[name]
	}
	if r == nil {
		return nil, notFound(kind, name)
	}
	return clone(r), nil
}

// ListContainers implements engine.Engine.
func (e *Engine) ListContainers(ctx context.Context, project string) ([]*engine.Resource, error) {
	if err := e.begin(ctx, OpList, project); err != nil {
		return nil, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	var out []*engine.Resource
	for _, c := range e.containers {
		if c.OwnedBy(project) {
			out = append(out, clone(c))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// Ready implements engine.Engine.
func (e *Engine) Ready(ctx context.Context, name string, readiness model.Readiness) (bool, error) {
	if err := e.begin(ctx, OpReady, name); err != nil {
		return false, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	c, ok := e.containers[name]
	if !ok {
		return false, notFound(engine.KindContainer, name)
	}
	if c.State == engine.StateExited || c.State == engine.StateDead {
		return false, fmt.Errorf("container %s exited", name)
	}
	if readiness != model.ReadinessHealthy {
		return c.Running(), nil
	}
	switch c.Health {
	case engine.HealthHealthy:
		return true, nil
	case engine.HealthUnhealthy:
		return false, fmt.Errorf("container %s is unhealthy", name)
	case engine.HealthNone:
		return false, fmt.Errorf("container %s has no healthcheck", name)
	default:
		return false, nil
	}
}

// SetHealth sets the health a container reports, now and after its next start.
func (e *Engine) SetHealth(name string, h engine.Health) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.health[name] = h
	if c, ok := e.containers[name]; ok && c.Running() {
		c.Health = h
	}
}

// AddNetwork seeds an existing network.
func (e *Engine) AddNetwork(name, driver string, labels map[string]string) *engine.Resource {
	e.mu.Lock()
	defer e.mu.Unlock()
	r := &engine.Resource{Kind: engine.KindNetwork, Name: name, ID: e.id("net"), Driver: driver, Labels: copyMap(labels)}
	e.networks[name] = r
	return clone(r)
}

// AddVolume seeds an existing volume.
func (e *Engine) AddVolume(name, driver string, labels map[string]string) *engine.Resource {
	e.mu.Lock()
	defer e.mu.Unlock()
	r := &engine.Resource{Kind: engine.KindVolume, Name: name, ID: name, Driver: driver, Labels: copyMap(labels)}
	e.volumes[name] = r
	return clone(r)
}

// AddContainer seeds an existing container as if spec had been created and
// left in state. Networks and volumes it references are not checked.
func (e *Engine) AddContainer(spec *engine.ContainerSpec, state engine.ContainerState) *engine.Resource {
	e.mu.Lock()
	defer e.mu.Unlock()
	var volumes []string
	for _, m := range spec.Mounts {
		if m.Type == model.MountVolume && m.Source != "" {
			volumes = append(volumes, m.Source)
		}
	}
	r := &engine.Resource{
		Kind: engine.KindContainer, Name: spec.Name, ID: e.id("ctr"),
		Labels: spec.Labels(), Image: spec.Image, State: state,
		Networks: append([]string(nil), spec.Networks...), Volumes: volumes,
		Ports: publishedPorts(spec.Ports),
	}
	if state == engine.StateRunning && spec.Healthcheck != nil {
		r.Health = engine.HealthHealthy
	}
	e.containers[spec.Name] = r
	e.specs[spec.Name] = spec
	return clone(r)
}

// Mutate applies fn to a stored resource, simulating an external change.
// It panics if the resource does not exist.
func (e *Engine) Mutate(kind engine.ResourceKind, name string, fn func(r *engine.Resource)) {
	e.mu.Lock()
	defer e.mu.Unlock()
	var r *engine.Resource
	switch kind {
	case engine.KindNetwork:
		r = e.networks[name]
	case engine.KindVolume:
		r = e.volumes[name]
	case engine.KindContainer:
		r = e.containers[name]
	}
	if r == nil {
		panic(fmt.Sprintf("enginetest: %s %q does not exist", kind, name))
	}
	fn(r)
}

// Delete removes a resource directly, simulating an external removal.
func (e *Engine) Delete(kind engine.ResourceKind, name string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	switch kind {
	case engine.KindNetwork:
		delete(e.networks, name)
	case engine.KindVolume:
		delete(e.volumes, name)
	case engine.KindContainer:
		delete(e.containers, name)
		delete(e.specs, name)
	}
}

// Has reports whether a resource exists.
func (e *Engine) Has(kind engine.ResourceKind, name string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	switch kind {
	case engine.KindNetwork:
		_, ok := e.networks[name]
		return ok
	case engine.KindVolume:
		_, ok := e.volumes[name]
		return ok
	case engine.KindContainer:
		_, ok := e.containers[name]
		return ok
	}
	return false
}

// Container returns a copy of a stored container, or nil.
func (e *Engine) Container(name string) *engine.Resource {
	e.mu.Lock()
	defer e.mu.Unlock()
	if c, ok := e.containers[name]; ok {
		return clone(c)
	}
	return nil
}

func clone(r *engine.Resource) *engine.Resource {
	c := *r
	c.Labels = copyMap(r.Labels)
	c.Networks = append([]string(nil), r.Networks...)
	c.Volumes = append([]string(nil), r.Volumes...)
	c.Ports = append([]model.PortMapping(nil), r.Ports...)
	return &c
}

func copyMap(m map[string]string) map[string]string {
	if m == nil {
		return nil
	}
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func publishedPorts(ports []model.PortMapping) []model.PortMapping {
	var out []model.PortMapping
	for _, p := range ports {
		if p.Host != 0 {
			out = append(out, p)
		}
	}
	return out
}
