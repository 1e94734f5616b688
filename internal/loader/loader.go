package loader

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/tidwall/jsonc"
	"gopkg.in/yaml.v3"

	"github.com/mmr-tortoise/berth/internal/envfile"
	"github.com/mmr-tortoise/berth/internal/model"
)

// DefaultNetwork is the implicit network services are attached to when
// they list no networks.
const DefaultNetwork = "default"

// DefaultFileNames lists the file names searched, in priority order, when
// the project definition is located from a directory.
var DefaultFileNames = []string{
	"compose.yaml",
	"compose.yml",
	"docker-compose.yaml",
	"docker-compose.yml",
	"berth.yaml",
	"berth.jsonc",
	"berth.json",
}

// ErrNotFound is wrapped by Locate when no definition file exists.
var ErrNotFound = errors.New("project definition not found")

// Options controls how a definition is turned into a Project.
type Options struct {
	// ProjectName overrides the top-level "name" key and the directory name.
	ProjectName string

	// BaseDir is the directory relative paths (bind mounts, env files, build
	// contexts) resolve against. LoadFile sets it to the file's directory
	// when empty.
	BaseDir string

	// Variables is the substitution mapping produced by the envfile
	// resolver. Nil is treated as empty.
	Variables map[string]string

	// ReadEnvFile reads a service env_file entry. Defaults to envfile.ReadFile.
	ReadEnvFile func(path string) (map[string]string, error)
}

// Locate resolves path to a definition file. An empty path means the
// current directory. When path is a directory, DefaultFileNames are tried
// in order.
//
// Returns a CLIError with ExitProjectNotFound (wrapping ErrNotFound) if
// nothing is found.
func Locate(path string) (string, error) {
	if path == "" {
		path = "."
	}

	info, err := os.Stat(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return "", model.WrapCLIError(model.ExitProjectNotFound,
				fmt.Sprintf("project file %s does not exist", path), ErrNotFound)
		}
		return "", fmt.Errorf("failed to stat %s: %w", path, err)
	}
	if !info.IsDir() {
		return filepath.Abs(path)
	}

	for _, name := range DefaultFileNames {
		candidate := filepath.Join(path, name)
		if _, err := os.Stat(candidate); err == nil {
			return filepath.Abs(candidate)
		}
	}

	return "", model.WrapCLIError(model.ExitProjectNotFound,
		fmt.Sprintf("no project file in %s (searched %s)", path, strings.Join(DefaultFileNames, ", ")),
		ErrNotFound)
}

// LoadFile reads the definition at path (a file or a directory, see
// Locate) and loads it.
func LoadFile(path string, opts Options) (*model.Project, error) {
	file, err := Locate(path)
	if err != nil {
		return nil, err
	}

	raw, err := os.ReadFile(file)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", file, err)
	}

	if opts.BaseDir == "" {
		opts.BaseDir = filepath.Dir(file)
	}
	return Load(raw, opts)
}

// Load parses raw definition text.
//
// Steps, in order:
//  1. JSONC input (first non-space byte is '{') is converted to plain JSON
//  2. the document is decoded into a yaml.Node tree
//  3. ${NAME} placeholders in every scalar are substituted
//  4. the tree is converted to model types with structural validation
//  5. cross references (depends_on, networks, volumes) are checked
//
// Any failure is returned before a Project exists: *model.StructuralError
// or *model.MissingVariableError.
func Load(raw []byte, opts Options) (*model.Project, error) {
	data := raw
	if trimmed := bytes.TrimSpace(raw); len(trimmed) > 0 && trimmed[0] == '{' {
		data = jsonc.ToJSON(raw)
	}

	var doc yaml.Node
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, &model.StructuralError{Message: fmt.Sprintf("invalid document: %v", err)}
	}
	if len(doc.Content) == 0 {
		return nil, &model.StructuralError{Message: "document is empty"}
	}
	root := resolve(doc.Content[0])
	if root.Kind != yaml.MappingNode {
		return nil, &model.StructuralError{Message: "document root must be a mapping"}
	}

	vars := opts.Variables
	if vars == nil {
		vars = map[string]string{}
	}
	if err := interpolateTree(root, vars); err != nil {
		return nil, err
	}

	if opts.ReadEnvFile == nil {
		opts.ReadEnvFile = envfile.ReadFile
	}
	p := &parser{opts: opts, vars: vars}
	project, err := p.project(root)
	if err != nil {
		return nil, err
	}
	if err := validate(project); err != nil {
		return nil, err
	}
	return project, nil
}

// parser holds the state shared by the per-section parse functions.
type parser struct {
	opts Options
	vars map[string]string
}

// project converts the document root into a Project.
func (p *parser) project(root *yaml.Node) (*model.Project, error) {
	kvs, err := pairs(root, "")
	if err != nil {
		return nil, err
	}

	project := &model.Project{
		BaseDir:  p.opts.BaseDir,
		Services: make(map[string]*model.Service),
		Networks: make(map[string]*model.Network),
		Volumes:  make(map[string]*model.Volume),
	}

	var name string
	var servicesNode *yaml.Node
	for _, kv := range kvs {
		switch kv.Key {
		case "name":
			if name, err = scalar(kv.Value, "name"); err != nil {
				return nil, err
			}
		case "version":
			// Obsolete compose key, accepted and ignored.
		case "services":
			servicesNode = kv.Value
		case "networks":
			if err := p.networks(project, kv.Value); err != nil {
				return nil, err
			}
		case "volumes":
			if err := p.volumes(project, kv.Value); err != nil {
				return nil, err
			}
		default:
			if !strings.HasPrefix(kv.Key, "x-") {
				return nil, model.NewStructuralError(kv.Key, "unknown top-level key")
			}
		}
	}

	project.Name, err = p.projectName(name)
	if err != nil {
		return nil, err
	}

	// Services are parsed last so they can see every declared network and volume.
	if isNull(servicesNode) {
		return nil, model.NewStructuralError("services", "at least one service must be defined")
	}
	svcKVs, err := pairs(servicesNode, "services")
	if err != nil {
		return nil, err
	}
	if len(svcKVs) == 0 {
		return nil, model.NewStructuralError("services", "at least one service must be defined")
	}
	for _, kv := range svcKVs {
		path := joinPath("services", kv.Key)
		if err := model.ValidateServiceName(kv.Key); err != nil {
			return nil, model.NewStructuralError(path, "%v", err)
		}
		svc, err := p.service(kv.Key, kv.Value, path)
		if err != nil {
			return nil, err
		}
		project.Services[kv.Key] = svc
		project.ServiceOrder = append(project.ServiceOrder, kv.Key)
	}

	return project, nil
}

// projectName picks the project name: option, then document, then the
// base directory name.
func (p *parser) projectName(fromDoc string) (string, error) {
	candidate := p.opts.ProjectName
	if candidate == "" {
		candidate = fromDoc
	}
	if candidate == "" && p.opts.BaseDir != "" {
		if abs, err := filepath.Abs(p.opts.BaseDir); err == nil {
			candidate = filepath.Base(abs)
		}
	}

	name := model.NormalizeProjectName(candidate)
	if err := model.ValidateProjectName(name); err != nil {
		return "", model.NewStructuralError("name", "cannot derive a project name from %q: set \"name\" or pass --project-name", candidate)
	}
	return name, nil
}

// networks parses the top-level networks section.
func (p *parser) networks(project *model.Project, n *yaml.Node) error {
	kvs, err := pairs(n, "networks")
	if err != nil {
		return err
	}
	for _, kv := range kvs {
		path := joinPath("networks", kv.Key)
		if err := model.ValidateServiceName(kv.Key); err != nil {
			return model.NewStructuralError(path, "invalid network name %q", kv.Key)
		}

		network := &model.Network{Name: kv.Key, Driver: model.DriverBridge}
		driver := ""
		fields, err := pairs(kv.Value, path)
		if err != nil {
			return err
		}
		for _, f := range fields {
			fpath := joinPath(path, f.Key)
			switch f.Key {
			case "driver":
				if driver, err = scalar(f.Value, fpath); err != nil {
					return err
				}
				if network.Driver, err = model.ParseNetworkDriver(driver); err != nil {
					return model.NewStructuralError(fpath, "%v", err)
				}
			case "external":
				ext, extName, err := external(f.Value, fpath)
				if err != nil {
					return err
				}
				if ext {
					network.Lifecycle = model.External
					if extName != "" {
						network.ExternalName = extName
					}
				}
			case "name":
				if network.ExternalName, err = scalar(f.Value, fpath); err != nil {
					return err
				}
			case "labels", "driver_opts", "attachable", "internal", "ipam":
				// Accepted for compatibility; not used for reconciliation.
			default:
				if !strings.HasPrefix(f.Key, "x-") {
					return model.NewStructuralError(fpath, "unknown field")
				}
			}
		}

		if network.Lifecycle == model.External {
			if driver != "" {
				return model.NewStructuralError(path, "external network must not set a driver")
			}
			if network.ExternalName == "" {
				network.ExternalName = kv.Key
			}
		}

		project.Networks[kv.Key] = network
		project.NetworkOrder = append(project.NetworkOrder, kv.Key)
	}
	return nil
}

// volumes parses the top-level volumes section.
func (p *parser) volumes(project *model.Project, n *yaml.Node) error {
	kvs, err := pairs(n, "volumes")
	if err != nil {
		return err
	}
	for _, kv := range kvs {
		path := joinPath("volumes", kv.Key)
		if err := model.ValidateServiceName(kv.Key); err != nil {
			return model.NewStructuralError(path, "invalid volume name %q", kv.Key)
		}

		volume := &model.Volume{Name: kv.Key, Driver: "local"}
		driverSet := false
		fields, err := pairs(kv.Value, path)
		if err != nil {
			return err
		}
		for _, f := range fields {
			fpath := joinPath(path, f.Key)
			switch f.Key {
			case "driver":
				if volume.Driver, err = scalar(f.Value, fpath); err != nil {
					return err
				}
				driverSet = true
				if volume.Driver == "" {
					volume.Driver = "local"
				}
			case "external":
				ext, extName, err := external(f.Value, fpath)
				if err != nil {
					return err
				}
				if ext {
					volume.Lifecycle = model.External
					if extName != "" {
						volume.ExternalName = extName
					}
				}
			case "name":
				if volume.ExternalName, err = scalar(f.Value, fpath); err != nil {
					return err
				}
			case "labels", "driver_opts":
				// Accepted for compatibility; not used for reconciliation.
			default:
				if !strings.HasPrefix(f.Key, "x-") {
					return model.NewStructuralError(fpath, "unknown field")
				}
			}
		}

		if volume.Lifecycle == model.External {
			if driverSet {
				return model.NewStructuralError(path, "external volume must not set a driver")
			}
			if volume.ExternalName == "" {
				volume.ExternalName = kv.Key
			}
		}

		project.Volumes[kv.Key] = volume
		project.VolumeOrder = append(project.VolumeOrder, kv.Key)
	}
	return nil
}

// external parses an "external" field: a boolean, or the legacy mapping
// form {name: <engine name>}.
func external(n *yaml.Node, path string) (bool, string, error) {
	n = resolve(n)
	if n.Kind == yaml.MappingNode {
		kvs, err := pairs(n, path)
		if err != nil {
			return false, "", err
		}
		name := ""
		for _, kv := range kvs {
			if kv.Key != "name" {
				return false, "", model.NewStructuralError(joinPath(path, kv.Key), "unknown field")
			}
			if name, err = scalar(kv.Value, joinPath(path, kv.Key)); err != nil {
				return false, "", err
			}
		}
		return true, name, nil
	}
	ext, err := boolean(n, path)
	return ext, "", err
}
