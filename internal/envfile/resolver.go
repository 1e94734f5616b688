package envfile

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"
)

// Layer is one named source of variables.
type Layer struct {
	// Name identifies the source in diagnostics, e.g. a file path or "inline".
	Name string

	// Values holds the variables contributed by this layer.
	Values map[string]string
}

// Merge flattens layers into a single mapping. Later layers override
// earlier ones (last writer wins). Merge never mutates its inputs.
func Merge(layers ...Layer) map[string]string {
	merged := make(map[string]string)
	for _, l := range layers {
		for k, v := range l.Values {
			merged[k] = v
		}
	}
	return merged
}

// Sources is the ordered list of variable sources for one invocation.
// The zero value resolves to an empty mapping.
type Sources struct {
	// DefaultFile is the implicit env-file next to the project definition
	// (usually ".env"). A missing DefaultFile is not an error.
	DefaultFile string

	// EnvFiles are env-files explicitly requested by the caller. Each must exist.
	EnvFiles []string

	// Inline holds values given directly, e.g. with --var KEY=VALUE.
	Inline map[string]string

	// ProcessEnv is the process environment in os.Environ() form.
	// It is only consulted when UseProcessEnv is true.
	ProcessEnv []string

	// UseProcessEnv enables the process environment as the highest layer.
	UseProcessEnv bool
}

// Layers returns the layers in ascending precedence. File reads happen
// here and nowhere else.
func (s Sources) Layers() ([]Layer, error) {
	var layers []Layer

	if s.DefaultFile != "" {
		values, err := ReadFile(s.DefaultFile)
		switch {
		case err == nil:
			layers = append(layers, Layer{Name: s.DefaultFile, Values: values})
		case errors.Is(err, fs.ErrNotExist):
			// No default file is the common case.
		default:
			return nil, err
		}
	}

	for _, path := range s.EnvFiles {
		values, err := ReadFile(path)
		if err != nil {
			return nil, err
		}
		layers = append(layers, Layer{Name: path, Values: values})
	}

	if len(s.Inline) > 0 {
		layers = append(layers, Layer{Name: "inline", Values: s.Inline})
	}

	if s.UseProcessEnv {
		layers = append(layers, Layer{Name: "process environment", Values: ParseEnviron(s.ProcessEnv)})
	}

	return layers, nil
}

// Resolve reads every layer and returns the flattened mapping.
func (s Sources) Resolve() (map[string]string, error) {
	layers, err := s.Layers()
	if err != nil {
		return nil, err
	}
	return Merge(layers...), nil
}

// ProcessSources returns Sources populated with the current process
// environment. UseProcessEnv still has to be set by the caller.
func ProcessSources() Sources {
	return Sources{ProcessEnv: os.Environ()}
}

// ParseEnviron converts KEY=VALUE entries (os.Environ form) to a map.
// Entries without '=' are ignored.
func ParseEnviron(environ []string) map[string]string {
	values := make(map[string]string, len(environ))
	for _, kv := range environ {
		k, v, ok := strings.Cut(kv, "=")
		if !ok || k == "" {
			continue
		}
		values[k] = v
	}
	return values
}

// ParseAssignments parses KEY=VALUE command-line assignments. Unlike
// ParseEnviron it rejects malformed entries.
func ParseAssignments(assignments []string) (map[string]string, error) {
	values := make(map[string]string, len(assignments))
	for _, a := range assignments {
		k, v, ok := strings.Cut(a, "=")
		if !ok || !keyRegex.MatchString(k) {
			return nil, fmt.Errorf("invalid variable assignment %q: expected KEY=VALUE", a)
		}
		values[k] = v
	}
	return values, nil
}
