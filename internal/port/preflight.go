package port

import (
	"fmt"
	"strings"

	"github.com/mmr-tortoise/berth/internal/model"
	"github.com/mmr-tortoise/berth/internal/reconcile"
)

// Conflict is one published host port that cannot be bound.
type Conflict struct {
	// Service is the service publishing the port.
	Service string `json:"service"`

	// Port is the mapping as declared.
	Port model.PortMapping `json:"port"`

	// ClaimedBy names another service in the same plan publishing the same
	// host port. Empty when the port is held by something outside berth.
	ClaimedBy string `json:"claimedBy,omitempty"`
}

// String renders the conflict for the user.
func (c Conflict) String() string {
	if c.ClaimedBy != "" {
		return fmt.Sprintf("service %s: host port %s is also published by service %s", c.Service, c.Port, c.ClaimedBy)
	}
	return fmt.Sprintf("service %s: host port %s is already in use", c.Service, c.Port)
}

// ConflictError reports every port conflict found by Preflight.
type ConflictError struct {
	Conflicts []Conflict
}

// Error implements the error interface.
func (e *ConflictError) Error() string {
	lines := make([]string, len(e.Conflicts))
	for i, c := range e.Conflicts {
		lines[i] = c.String()
	}
	return "host port conflict: " + strings.Join(lines, "; ")
}

// hostKey identifies a host-side binding.
type hostKey struct {
	ip       string
	port     int
	protocol string
}

// Preflight checks the host ports of every container the plan creates.
//
// Creates that wait for a container removal are skipped: the removed
// container (an old instance or an orphan) still holds the ports until the
// remove action runs. Ephemeral mappings (no host port) and create actions
// that already carry a conflict are skipped as well. Returns nil when
// every port can be bound.
func Preflight(plan *reconcile.Plan, checker Checker) error {
	var conflicts []Conflict
	claimed := make(map[hostKey]string)

	for _, a := range plan.Actions {
		if a.Kind != reconcile.CreateContainer || a.Container == nil || a.Conflict != nil {
			continue
		}
		if waitsForRemoval(plan, a) {
			continue
		}
		service := a.Container.Service
		for _, p := range a.Container.Ports {
			if p.Host == 0 {
				continue
			}
			key := hostKey{ip: p.HostIP, port: p.Host, protocol: protocolOf(p)}
			if other, ok := claimed[key]; ok {
				conflicts = append(conflicts, Conflict{Service: service, Port: p, ClaimedBy: other})
				continue
			}
			claimed[key] = service
			if !checker.IsPortAvailable(p.HostIP, p.Host, key.protocol) {
				conflicts = append(conflicts, Conflict{Service: service, Port: p})
			}
		}
	}

	if len(conflicts) > 0 {
		return &ConflictError{Conflicts: conflicts}
	}
	return nil
}

func waitsForRemoval(plan *reconcile.Plan, a *reconcile.Action) bool {
	for _, id := range a.DependsOn {
		if dep := plan.Action(id); dep != nil && dep.Kind == reconcile.RemoveContainer {
			return true
		}
	}
	return false
}

func protocolOf(p model.PortMapping) string {
	if p.Protocol == "" {
		return "tcp"
	}
	return p.Protocol
}
