package docker

import (
	"sort"

	// filters provides the Args type for building Docker API query filters.
	"github.com/docker/docker/api/types/filters"

	"github.com/mmr-tortoise/berth/internal/engine"
)

// projectFilter builds a Docker API filter matching every resource that
// carries berth's labels for project. Filtering happens server-side, so
// unrelated containers on the host are never transferred.
func projectFilter(project string) filters.Args {
	args := filters.NewArgs()
	for _, kv := range labelSelectors(engine.FilterLabels(project)) {
		args.Add("label", kv)
	}
	return args
}

// labelSelectors renders labels as sorted "key=value" selectors.
func labelSelectors(labels map[string]string) []string {
	out := make([]string, 0, len(labels))
	for k, v := range labels {
		out = append(out, k+"="+v)
	}
	sort.Strings(out)
	return out
}

// sameOwner reports whether two label sets describe the same berth-managed
// container configuration: same project, same service and identical
// configuration hashes.
func sameOwner(a, b map[string]string) bool {
	for _, key := range []string{engine.LabelManagedBy, engine.LabelProject, engine.LabelService} {
		if a[key] == "" || a[key] != b[key] {
			return false
		}
	}
	ha, hb := engine.ConfigHashes(a), engine.ConfigHashes(b)
	if len(ha) != len(hb) {
		return false
	}
	for f, h := range ha {
		if hb[f] != h {
			return false
		}
	}
	return true
}
