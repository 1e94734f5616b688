// Package reconcile compares the desired project with the observed engine
// state and produces a Plan: the minimal set of actions, with their
// dependencies, that converges the engine toward the project.
//
// Planning is pure. Observe reads the engine once; Up and Down work only
// on the resulting snapshot and never call the engine themselves.
package reconcile

import (
	"fmt"
	"sort"
	"strings"

	"github.com/mmr-tortoise/berth/internal/engine"
	"github.com/mmr-tortoise/berth/internal/model"
)

// ActionKind is the operation an action performs.
type ActionKind string

const (
	CreateNetwork   ActionKind = "create-network"
	CreateVolume    ActionKind = "create-volume"
	CreateContainer ActionKind = "create-container"
	StartService    ActionKind = "start-service"
	StopService     ActionKind = "stop-service"
	RemoveContainer ActionKind = "remove-container"
	RemoveNetwork   ActionKind = "remove-network"
	RemoveVolume    ActionKind = "remove-volume"

	// RequireNetwork and RequireVolume stand for external resources that
	// must exist but do not. They always carry a conflict.
	RequireNetwork ActionKind = "require-network"
	RequireVolume  ActionKind = "require-volume"
)

// String returns the string representation of ActionKind.
func (k ActionKind) String() string {
	return string(k)
}

// Direction tells whether a plan brings a project up or tears it down.
type Direction string

const (
	DirectionUp   Direction = "up"
	DirectionDown Direction = "down"
)

// Expect is the live state an action requires of its resource right
// before it runs.
type Expect int

const (
	// ExpectAny performs no check.
	ExpectAny Expect = iota

	// ExpectAbsent requires the resource not to exist.
	ExpectAbsent

	// ExpectPresent requires the resource to exist, and to carry ID when
	// ID is set.
	ExpectPresent
)

// String returns "any", "absent" or "present".
func (e Expect) String() string {
	switch e {
	case ExpectAbsent:
		return "absent"
	case ExpectPresent:
		return "present"
	default:
		return "any"
	}
}

// Precondition is the expected live state of an action's resource. The
// orchestrator inspects the resource before the first attempt and fails
// the action if the state has diverged.
type Precondition struct {
	Expect Expect `json:"expect"`
	ID     string `json:"id,omitempty"`
}

// ResourceRef identifies the resource an action operates on.
type ResourceRef struct {
	Kind engine.ResourceKind `json:"kind"`

	// Name is the logical name: the service, network or volume key in the
	// project, or the container name for orphans.
	Name string `json:"name"`

	// EngineName is the name the engine knows the resource by.
	EngineName string `json:"engineName"`
}

// Action is one unit of work in a plan.
type Action struct {
	// ID is unique within the plan, formatted "<kind>:<logical name>".
	ID string `json:"id"`

	Kind     ActionKind  `json:"kind"`
	Resource ResourceRef `json:"resource"`

	// DependsOn lists the IDs of actions that must succeed first. Every ID
	// refers to an action that appears earlier in the plan.
	DependsOn []string `json:"dependsOn,omitempty"`

	Precondition Precondition `json:"precondition"`

	// Network, Volume and Container carry the desired configuration for
	// create actions of the matching kind.
	Network   *engine.NetworkSpec   `json:"-"`
	Volume    *engine.VolumeSpec    `json:"-"`
	Container *engine.ContainerSpec `json:"-"`

	// Readiness is what a start-service action waits for.
	Readiness model.Readiness `json:"readiness,omitempty"`

	// Conflict, when set, makes the action fail without touching the engine.
	Conflict error `json:"-"`

	// Reason explains why the action is needed.
	Reason string `json:"reason"`
}

// String renders the action as a single human readable line.
func (a *Action) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%-17s %s", a.Kind, a.Resource.Name)
	if a.Resource.EngineName != "" && a.Resource.EngineName != a.Resource.Name {
		fmt.Fprintf(&b, " (%s)", a.Resource.EngineName)
	}
	if a.Reason != "" {
		fmt.Fprintf(&b, ": %s", a.Reason)
	}
	if a.Conflict != nil {
		fmt.Fprintf(&b, " [conflict: %v]", a.Conflict)
	}
	return b.String()
}

// ActionID formats the ID of an action.
func ActionID(kind ActionKind, name string) string {
	return string(kind) + ":" + name
}

// Plan is an ordered list of actions. Dependencies always point backwards,
// so the list itself is a valid sequential execution order.
type Plan struct {
	Project   string    `json:"project"`
	Direction Direction `json:"direction"`
	Actions   []*Action `json:"actions"`

	index map[string]*Action
}

func newPlan(project string, dir Direction) *Plan {
	return &Plan{Project: project, Direction: dir, index: make(map[string]*Action)}
}

// add appends an action. Adding a duplicate ID is a programming error.
func (p *Plan) add(a *Action) *Action {
	if _, dup := p.index[a.ID]; dup {
		panic("reconcile: duplicate action " + a.ID)
	}
	p.Actions = append(p.Actions, a)
	p.index[a.ID] = a
	return a
}

// Empty reports whether the plan has nothing to do.
func (p *Plan) Empty() bool {
	return len(p.Actions) == 0
}

// Action returns the action with the given ID, or nil.
func (p *Plan) Action(id string) *Action {
	if p.index == nil {
		p.reindex()
	}
	return p.index[id]
}

func (p *Plan) reindex() {
	p.index = make(map[string]*Action, len(p.Actions))
	for _, a := range p.Actions {
		p.index[a.ID] = a
	}
}

// Summary counts actions per kind.
func (p *Plan) Summary() map[ActionKind]int {
	counts := make(map[ActionKind]int)
	for _, a := range p.Actions {
		counts[a.Kind]++
	}
	return counts
}

// Conflicts returns the actions that carry a conflict.
func (p *Plan) Conflicts() []*Action {
	var out []*Action
	for _, a := range p.Actions {
		if a.Conflict != nil {
			out = append(out, a)
		}
	}
	return out
}

// Validate checks that IDs are unique and that every dependency refers to
// an earlier action. Plans built by Up and Down always pass; hand-built
// plans (tests, tooling) should be checked before execution.
func (p *Plan) Validate() error {
	seen := make(map[string]bool, len(p.Actions))
	for _, a := range p.Actions {
		if seen[a.ID] {
			return fmt.Errorf("duplicate action %q", a.ID)
		}
		for _, dep := range a.DependsOn {
			if !seen[dep] {
				return fmt.Errorf("action %q depends on %q, which is not an earlier action", a.ID, dep)
			}
		}
		seen[a.ID] = true
	}
	return nil
}

// SummaryLine renders Summary as "2 create-container, 1 start-service".
func (p *Plan) SummaryLine() string {
	if p.Empty() {
		return "nothing to do"
	}
	counts := p.Summary()
	kinds := make([]string, 0, len(counts))
	for k := range counts {
		kinds = append(kinds, string(k))
	}
	sort.Strings(kinds)
	parts := make([]string, len(kinds))
	for i, k := range kinds {
		parts[i] = fmt.Sprintf("%d %s", counts[ActionKind(k)], k)
	}
	return strings.Join(parts, ", ")
}
