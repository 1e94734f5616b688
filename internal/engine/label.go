package engine

import "strings"

// Label keys persist berth's metadata on engine resources. Labels are the
// only state berth keeps: there is no state file, and every invocation
// rebuilds its view of the world from the engine.
//
// All keys share the "berth." prefix to avoid collisions with labels set by
// users or other tools (Docker Compose uses "com.docker.compose.").
const (
	// LabelPrefix is the common prefix for all berth labels.
	LabelPrefix = "berth."

	// LabelManagedBy marks resources created by berth.
	// Key: "berth.managed-by", Value: always ManagedByValue.
	LabelManagedBy = LabelPrefix + "managed-by"

	// LabelProject stores the project name.
	LabelProject = LabelPrefix + "project"

	// LabelService stores the service name on containers.
	LabelService = LabelPrefix + "service"

	// LabelResource stores the logical (undecorated) name on networks and
	// volumes, e.g. "data" for the engine volume "shop_data".
	LabelResource = LabelPrefix + "resource"

	// LabelConfigHashPrefix is the prefix of the per-facet configuration
	// hashes stored on containers, e.g. "berth.config-hash.env".
	LabelConfigHashPrefix = LabelPrefix + "config-hash."
)

// ManagedByValue is the constant value of LabelManagedBy.
const ManagedByValue = "berth"

// ResourceLabels returns the labels applied to a managed network or volume.
func ResourceLabels(project, logicalName string) map[string]string {
	return map[string]string{
		LabelManagedBy: ManagedByValue,
		LabelProject:   project,
		LabelResource:  logicalName,
	}
}

// FilterLabels returns the label filter selecting every resource of a
// project, suitable for engine-side filtering when listing.
func FilterLabels(project string) map[string]string {
	return map[string]string{
		LabelManagedBy: ManagedByValue,
		LabelProject:   project,
	}
}

// ConfigHashLabel returns the label key storing the hash of one facet.
func ConfigHashLabel(f Facet) string {
	return LabelConfigHashPrefix + string(f)
}

// ConfigHashes extracts the per-facet hashes from container labels.
func ConfigHashes(labels map[string]string) map[Facet]string {
	hashes := make(map[Facet]string)
	for k, v := range labels {
		if strings.HasPrefix(k, LabelConfigHashPrefix) {
			hashes[Facet(strings.TrimPrefix(k, LabelConfigHashPrefix))] = v
		}
	}
	return hashes
}

// UserLabels returns labels without berth's own keys.
func UserLabels(labels map[string]string) map[string]string {
	out := make(map[string]string)
	for k, v := range labels {
		if !strings.HasPrefix(k, LabelPrefix) {
			out[k] = v
		}
	}
	return out
}
