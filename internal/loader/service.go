package loader

import (
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/mmr-tortoise/berth/internal/envfile"
	"github.com/mmr-tortoise/berth/internal/model"
)

// service converts one entry of the services section.
func (p *parser) service(name string, n *yaml.Node, path string) (*model.Service, error) {
	kvs, err := pairs(n, path)
	if err != nil {
		return nil, err
	}

	svc := &model.Service{
		Name:      name,
		Restart:   model.RestartNever,
		Readiness: model.ReadinessStarted,
	}
	var inlineEnv map[string]string

	for _, kv := range kvs {
		fpath := joinPath(path, kv.Key)
		switch kv.Key {
		case "image":
			if svc.Image, err = scalar(kv.Value, fpath); err != nil {
				return nil, err
			}
		case "build":
			if svc.Build, err = p.build(kv.Value, fpath); err != nil {
				return nil, err
			}
		case "container_name":
			if svc.ContainerName, err = scalar(kv.Value, fpath); err != nil {
				return nil, err
			}
			if err := model.ValidateServiceName(svc.ContainerName); err != nil {
				return nil, model.NewStructuralError(fpath, "invalid container name %q", svc.ContainerName)
			}
		case "command":
			if svc.Command, err = command(kv.Value, fpath); err != nil {
				return nil, err
			}
		case "restart":
			s, err := scalar(kv.Value, fpath)
			if err != nil {
				return nil, err
			}
			if svc.Restart, err = model.ParseRestartPolicy(s); err != nil {
				return nil, model.NewStructuralError(fpath, "%v", err)
			}
		case "ports":
			if svc.Ports, err = ports(kv.Value, fpath); err != nil {
				return nil, err
			}
		case "environment":
			if inlineEnv, err = stringMap(kv.Value, fpath, p.lookup); err != nil {
				return nil, err
			}
		case "env_file":
			if svc.EnvFiles, err = p.envFiles(kv.Value, fpath); err != nil {
				return nil, err
			}
		case "depends_on":
			if svc.DependsOn, err = dependsOn(kv.Value, fpath); err != nil {
				return nil, err
			}
		case "networks":
			if svc.Networks, err = serviceNetworks(kv.Value, fpath); err != nil {
				return nil, err
			}
		case "volumes":
			if svc.Mounts, err = p.mounts(kv.Value, fpath); err != nil {
				return nil, err
			}
		case "readiness":
			s, err := scalar(kv.Value, fpath)
			if err != nil {
				return nil, err
			}
			if svc.Readiness, err = model.ParseReadiness(s); err != nil {
				return nil, model.NewStructuralError(fpath, "%v", err)
			}
		case "healthcheck":
			if svc.Healthcheck, err = healthcheck(kv.Value, fpath); err != nil {
				return nil, err
			}
		case "labels":
			if svc.Labels, err = stringMap(kv.Value, fpath, emptyValue); err != nil {
				return nil, err
			}
		default:
			if !strings.HasPrefix(kv.Key, "x-") {
				return nil, model.NewStructuralError(fpath, "unknown field")
			}
		}
	}

	if (svc.Image == "") == (svc.Build == nil) {
		return nil, model.NewStructuralError(path, "must set exactly one of build/image")
	}

	// env_file values first, inline environment overrides them.
	layers := make([]envfile.Layer, 0, len(svc.EnvFiles)+1)
	for i, file := range svc.EnvFiles {
		values, err := p.opts.ReadEnvFile(file)
		if err != nil {
			return nil, model.NewStructuralError(indexPath(joinPath(path, "env_file"), i), "%v", err)
		}
		layers = append(layers, envfile.Layer{Name: file, Values: values})
	}
	layers = append(layers, envfile.Layer{Name: "inline", Values: inlineEnv})
	if env := envfile.Merge(layers...); len(env) > 0 {
		svc.Environment = env
	}

	return svc, nil
}

// lookup resolves a bare environment key ("KEY" without a value) from the
// substitution mapping. Absent keys are omitted from the environment.
func (p *parser) lookup(key string) (string, bool) {
	v, ok := p.vars[key]
	return v, ok
}

// emptyValue keeps bare keys with an empty value.
func emptyValue(string) (string, bool) {
	return "", true
}

// resolvePath makes a relative host path absolute against the base directory
// and expands a leading "~".
func (p *parser) resolvePath(path string) string {
	if path == "~" || strings.HasPrefix(path, "~/") {
		if home, err := userHomeDir(); err == nil {
			path = filepath.Join(home, strings.TrimPrefix(path, "~"))
		}
	}
	if filepath.IsAbs(path) {
		return filepath.Clean(path)
	}
	return filepath.Join(p.opts.BaseDir, path)
}

// build parses the short (context path) and long build forms.
func (p *parser) build(n *yaml.Node, path string) (*model.BuildSource, error) {
	n = resolve(n)
	if n.Kind == yaml.ScalarNode {
		ctx, err := scalar(n, path)
		if err != nil {
			return nil, err
		}
		return &model.BuildSource{Context: p.buildContext(ctx)}, nil
	}

	kvs, err := pairs(n, path)
	if err != nil {
		return nil, err
	}
	b := &model.BuildSource{}
	ctx := "."
	for _, kv := range kvs {
		fpath := joinPath(path, kv.Key)
		switch kv.Key {
		case "context":
			if ctx, err = scalar(kv.Value, fpath); err != nil {
				return nil, err
			}
		case "dockerfile":
			if b.Dockerfile, err = scalar(kv.Value, fpath); err != nil {
				return nil, err
			}
		case "args":
			if b.Args, err = stringMap(kv.Value, fpath, p.lookup); err != nil {
				return nil, err
			}
		case "target", "labels", "cache_from", "network":
			// Build-only settings: berth does not build images.
		default:
			if !strings.HasPrefix(kv.Key, "x-") {
				return nil, model.NewStructuralError(fpath, "unknown field")
			}
		}
	}
	b.Context = p.buildContext(ctx)
	return b, nil
}

// buildContext resolves local contexts; remote (URL) contexts are kept.
func (p *parser) buildContext(ctx string) string {
	if ctx == "" {
		ctx = "."
	}
	if strings.Contains(ctx, "://") || strings.HasPrefix(ctx, "git@") {
		return ctx
	}
	return p.resolvePath(ctx)
}

// envFiles parses env_file: a path, a list of paths, or a list of
// {path, required} mappings. Optional files that do not exist are dropped.
func (p *parser) envFiles(n *yaml.Node, path string) ([]string, error) {
	n = resolve(n)
	if n.Kind != yaml.SequenceNode {
		s, err := scalar(n, path)
		if err != nil {
			return nil, err
		}
		return []string{p.resolvePath(s)}, nil
	}

	var files []string
	for i, item := range n.Content {
		ipath := indexPath(path, i)
		item = resolve(item)
		if item.Kind == yaml.ScalarNode {
			files = append(files, p.resolvePath(item.Value))
			continue
		}

		kvs, err := pairs(item, ipath)
		if err != nil {
			return nil, err
		}
		file, required := "", true
		for _, kv := range kvs {
			switch kv.Key {
			case "path":
				if file, err = scalar(kv.Value, joinPath(ipath, kv.Key)); err != nil {
					return nil, err
				}
			case "required":
				if required, err = boolean(kv.Value, joinPath(ipath, kv.Key)); err != nil {
					return nil, err
				}
			default:
				return nil, model.NewStructuralError(joinPath(ipath, kv.Key), "unknown field")
			}
		}
		if file == "" {
			return nil, model.NewStructuralError(ipath, "path is required")
		}
		file = p.resolvePath(file)
		if !required && !fileExists(file) {
			continue
		}
		files = append(files, file)
	}
	return files, nil
}

// command accepts the list form or a string split on whitespace.
func command(n *yaml.Node, path string) ([]string, error) {
	n = resolve(n)
	if n.Kind == yaml.ScalarNode {
		s, err := scalar(n, path)
		if err != nil {
			return nil, err
		}
		return strings.Fields(s), nil
	}
	return stringList(n, path)
}

// dependsOn parses the list form (condition service_started) and the map
// form with an explicit condition.
func dependsOn(n *yaml.Node, path string) (map[string]model.DependencyCondition, error) {
	n = resolve(n)
	deps := make(map[string]model.DependencyCondition)

	if n.Kind == yaml.SequenceNode {
		names, err := stringList(n, path)
		if err != nil {
			return nil, err
		}
		for _, name := range names {
			deps[name] = model.ConditionStarted
		}
		return deps, nil
	}

	kvs, err := pairs(n, path)
	if err != nil {
		return nil, err
	}
	for _, kv := range kvs {
		dpath := joinPath(path, kv.Key)
		cond := model.ConditionStarted
		fields, err := pairs(kv.Value, dpath)
		if err != nil {
			return nil, err
		}
		for _, f := range fields {
			switch f.Key {
			case "condition":
				s, err := scalar(f.Value, joinPath(dpath, f.Key))
				if err != nil {
					return nil, err
				}
				switch model.DependencyCondition(s) {
				case model.ConditionStarted, model.ConditionHealthy:
					cond = model.DependencyCondition(s)
				default:
					return nil, model.NewStructuralError(joinPath(dpath, f.Key),
						"unsupported condition %q (valid: service_started, service_healthy)", s)
				}
			case "required", "restart":
				// Accepted for compatibility.
			default:
				return nil, model.NewStructuralError(joinPath(dpath, f.Key), "unknown field")
			}
		}
		deps[kv.Key] = cond
	}
	return deps, nil
}

// serviceNetworks parses the list form and the map form (per-network
// settings such as aliases are accepted and ignored).
func serviceNetworks(n *yaml.Node, path string) ([]string, error) {
	n = resolve(n)
	if n.Kind == yaml.SequenceNode {
		return stringList(n, path)
	}
	kvs, err := pairs(n, path)
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(kvs))
	for _, kv := range kvs {
		names = append(names, kv.Key)
	}
	return names, nil
}

// healthcheck parses the healthcheck section. "disable: true" yields nil.
func healthcheck(n *yaml.Node, path string) (*model.Healthcheck, error) {
	kvs, err := pairs(n, path)
	if err != nil {
		return nil, err
	}

	hc := &model.Healthcheck{}
	disabled := false
	for _, kv := range kvs {
		fpath := joinPath(path, kv.Key)
		switch kv.Key {
		case "test":
			value := resolve(kv.Value)
			if value.Kind == yaml.ScalarNode {
				s, err := scalar(value, fpath)
				if err != nil {
					return nil, err
				}
				hc.Test = []string{"CMD-SHELL", s}
				continue
			}
			if hc.Test, err = stringList(value, fpath); err != nil {
				return nil, err
			}
			if len(hc.Test) == 0 {
				return nil, model.NewStructuralError(fpath, "must not be empty")
			}
			switch hc.Test[0] {
			case "CMD", "CMD-SHELL":
			case "NONE":
				disabled = true
			default:
				return nil, model.NewStructuralError(fpath, "list form must start with CMD, CMD-SHELL or NONE")
			}
		case "interval", "timeout", "start_period":
			s, err := scalar(kv.Value, fpath)
			if err != nil {
				return nil, err
			}
			if _, err := time.ParseDuration(s); err != nil {
				return nil, model.NewStructuralError(fpath, "invalid duration %q", s)
			}
			switch kv.Key {
			case "interval":
				hc.Interval = s
			case "timeout":
				hc.Timeout = s
			default:
				hc.StartPeriod = s
			}
		case "retries":
			if hc.Retries, err = integer(kv.Value, fpath); err != nil {
				return nil, err
			}
			if hc.Retries < 0 {
				return nil, model.NewStructuralError(fpath, "must not be negative")
			}
		case "disable":
			if disabled, err = boolean(kv.Value, fpath); err != nil {
				return nil, err
			}
		default:
			return nil, model.NewStructuralError(fpath, "unknown field")
		}
	}

	if disabled {
		return nil, nil
	}
	if len(hc.Test) == 0 {
		return nil, model.NewStructuralError(path, "test is required")
	}
	return hc, nil
}
