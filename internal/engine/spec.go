package engine

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"strings"

	"github.com/mmr-tortoise/berth/internal/model"
)

// Facet names one independently hashed part of a container configuration.
type Facet string

const (
	FacetImage       Facet = "image"
	FacetBuild       Facet = "build"
	FacetCommand     Facet = "command"
	FacetEnv         Facet = "env"
	FacetPorts       Facet = "ports"
	FacetMounts      Facet = "mounts"
	FacetNetworks    Facet = "networks"
	FacetRestart     Facet = "restart"
	FacetHealthcheck Facet = "healthcheck"
	FacetLabels      Facet = "labels"
)

// hashedFacets lists the facets stored as hash labels. The image is
// compared directly against the engine-reported image instead.
var hashedFacets = []Facet{
	FacetBuild,
	FacetCommand,
	FacetEnv,
	FacetPorts,
	FacetMounts,
	FacetNetworks,
	FacetRestart,
	FacetHealthcheck,
	FacetLabels,
}

// MountSpec is a mount with its source translated to engine terms: the
// engine volume name for named volumes, the absolute host path for binds,
// empty for anonymous volumes.
type MountSpec struct {
	Type     model.MountType `json:"type"`
	Source   string          `json:"source,omitempty"`
	Target   string          `json:"target"`
	ReadOnly bool            `json:"readOnly,omitempty"`
}

// ContainerSpec is the desired configuration of one service container,
// expressed with engine-level names.
type ContainerSpec struct {
	// Name is the engine container name.
	Name string

	// Project and Service identify the owner; they become labels.
	Project string
	Service string

	// Image is the image reference to run.
	Image string

	// Build is set for services built from source. It only feeds the
	// build hash.
	Build *model.BuildSource

	Command []string
	Env     map[string]string
	Ports   []model.PortMapping
	Mounts  []MountSpec

	// Networks lists engine network names; the first is the primary one.
	Networks []string

	// Aliases are the DNS aliases the container gets on every network.
	Aliases []string

	Restart     model.RestartPolicy
	Healthcheck *model.Healthcheck

	// UserLabels are the labels declared on the service.
	UserLabels map[string]string
}

// Fingerprint hashes every facet of the spec.
func (s *ContainerSpec) Fingerprint() map[Facet]string {
	return map[Facet]string{
		FacetBuild:       hashOf(s.Build),
		FacetCommand:     hashOf(s.Command),
		FacetEnv:         hashOf(s.Env),
		FacetPorts:       hashOf(s.Ports),
		FacetMounts:      hashOf(s.Mounts),
		FacetNetworks:    hashOf(s.Networks),
		FacetRestart:     hashOf(s.Restart),
		FacetHealthcheck: hashOf(s.Healthcheck),
		FacetLabels:      hashOf(s.UserLabels),
	}
}

// Labels returns the full label set to apply: the user labels, berth's
// ownership labels and one hash label per facet.
func (s *ContainerSpec) Labels() map[string]string {
	labels := make(map[string]string, len(s.UserLabels)+len(hashedFacets)+3)
	for k, v := range s.UserLabels {
		labels[k] = v
	}
	labels[LabelManagedBy] = ManagedByValue
	labels[LabelProject] = s.Project
	labels[LabelService] = s.Service
	for f, h := range s.Fingerprint() {
		labels[ConfigHashLabel(f)] = h
	}
	return labels
}

// Drift compares the desired spec with an observed container and returns
// the facets that differ, in a stable order. An empty result means the
// container already matches the spec.
func Drift(desired *ContainerSpec, observed *Resource) []Facet {
	var changed []Facet
	if observed.Image != desired.Image {
		changed = append(changed, FacetImage)
	}
	want := desired.Fingerprint()
	have := ConfigHashes(observed.Labels)
	for _, f := range hashedFacets {
		if have[f] != want[f] {
			changed = append(changed, f)
		}
	}
	return changed
}

// FacetList renders facets as a comma separated list.
func FacetList(facets []Facet) string {
	parts := make([]string, len(facets))
	for i, f := range facets {
		parts[i] = string(f)
	}
	return strings.Join(parts, ", ")
}

// hashOf returns a short stable hash of v's JSON encoding. encoding/json
// sorts map keys, so equal maps hash equally.
func hashOf(v any) string {
	data, err := json.Marshal(v)
	if err != nil {
		// Every hashed type is plain data; Marshal cannot fail on it.
		panic("engine: cannot hash value: " + err.Error())
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:16])
}
