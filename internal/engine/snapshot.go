package engine

import "sort"

// Snapshot is the observed state of every resource relevant to one
// project, read once per invocation. It is not modified after the
// reconciler receives it.
type Snapshot struct {
	// Project is the project the snapshot was taken for.
	Project string

	// Networks, Volumes and Containers are keyed by engine name. Absent
	// keys mean the resource did not exist when observed.
	Networks   map[string]*Resource
	Volumes    map[string]*Resource
	Containers map[string]*Resource
}

// NewSnapshot returns an empty snapshot for project.
func NewSnapshot(project string) *Snapshot {
	return &Snapshot{
		Project:    project,
		Networks:   make(map[string]*Resource),
		Volumes:    make(map[string]*Resource),
		Containers: make(map[string]*Resource),
	}
}

// Add records an observed resource under its kind.
func (s *Snapshot) Add(r *Resource) {
	switch r.Kind {
	case KindNetwork:
		s.Networks[r.Name] = r
	case KindVolume:
		s.Volumes[r.Name] = r
	case KindContainer:
		s.Containers[r.Name] = r
	}
}

// Lookup returns the observed resource, or nil when absent.
func (s *Snapshot) Lookup(kind ResourceKind, name string) *Resource {
	switch kind {
	case KindNetwork:
		return s.Networks[name]
	case KindVolume:
		return s.Volumes[name]
	case KindContainer:
		return s.Containers[name]
	}
	return nil
}

// ProjectContainers returns the containers labelled with the snapshot's
// project, sorted by name.
func (s *Snapshot) ProjectContainers() []*Resource {
	var out []*Resource
	for _, c := range s.Containers {
		if c.OwnedBy(s.Project) {
			out = append(out, c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}
