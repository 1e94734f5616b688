package loader

import (
	"os"
	"path"
	"strconv"
	"strings"

	"github.com/compose-spec/compose-go/v2/format"
	composetypes "github.com/compose-spec/compose-go/v2/types"
	"gopkg.in/yaml.v3"

	"github.com/mmr-tortoise/berth/internal/model"
)

// userHomeDir is a variable so tests can pin "~" expansion.
var userHomeDir = os.UserHomeDir

func fileExists(p string) bool {
	_, err := os.Stat(p)
	return err == nil
}

// ports parses a service's ports list.
func ports(n *yaml.Node, fpath string) ([]model.PortMapping, error) {
	n = resolve(n)
	if isNull(n) {
		return nil, nil
	}
	if n.Kind != yaml.SequenceNode {
		return nil, model.NewStructuralError(fpath, "must be a list")
	}

	out := make([]model.PortMapping, 0, len(n.Content))
	for i, item := range n.Content {
		ipath := indexPath(fpath, i)
		pms, err := port(item, ipath)
		if err != nil {
			return nil, err
		}
		for _, pm := range pms {
			if err := pm.Validate(); err != nil {
				return nil, model.NewStructuralError(ipath, "%v", err)
			}
			out = append(out, pm)
		}
	}
	return out, nil
}

// port parses one entry in short (string or integer) or long syntax. A
// short entry with port ranges expands to one mapping per port.
func port(n *yaml.Node, ipath string) ([]model.PortMapping, error) {
	n = resolve(n)
	if n.Kind == yaml.ScalarNode {
		pms, err := ParsePort(n.Value)
		if err != nil {
			return nil, model.NewStructuralError(ipath, "%v", err)
		}
		return pms, nil
	}

	kvs, err := pairs(n, ipath)
	if err != nil {
		return nil, err
	}
	pm := model.PortMapping{Protocol: "tcp"}
	for _, kv := range kvs {
		kpath := joinPath(ipath, kv.Key)
		switch kv.Key {
		case "target":
			if pm.Container, err = integer(kv.Value, kpath); err != nil {
				return nil, err
			}
		case "published":
			s, err := scalar(kv.Value, kpath)
			if err != nil {
				return nil, err
			}
			if s != "" {
				if pm.Host, err = strconv.Atoi(s); err != nil {
					return nil, model.NewStructuralError(kpath, "must be a port number, got %q", s)
				}
			}
		case "protocol":
			if pm.Protocol, err = scalar(kv.Value, kpath); err != nil {
				return nil, err
			}
		case "host_ip":
			if pm.HostIP, err = scalar(kv.Value, kpath); err != nil {
				return nil, err
			}
		case "mode", "name", "app_protocol":
			// Accepted for compatibility.
		default:
			return nil, model.NewStructuralError(kpath, "unknown field")
		}
	}
	if pm.Container == 0 {
		return nil, model.NewStructuralError(ipath, "target is required")
	}
	return []model.PortMapping{pm}, nil
}

// ParsePort parses the short port syntax:
//
//	"80"                  container port, ephemeral host port
//	"8080:80"             host:container
//	"127.0.0.1:8080:80"   ip:host:container
//	"127.0.0.1::80"       ip, ephemeral host port
//	"[::1]:8080:80"       IPv6 host address
//	"8080:80/udp"         protocol suffix
//	"8080:80:udp"         protocol as a third field
//	"8000-8001:80-81"     equal-sized ranges, one mapping per port
//
// A host range for a single container port is rejected: the engine would
// pick the host port, and pre-flight checks need it fixed.
func ParsePort(s string) ([]model.PortMapping, error) {
	spec := strings.TrimSpace(s)
	if parts := strings.Split(spec, ":"); len(parts) == 3 && isProtocol(parts[2]) && !strings.Contains(spec, "/") {
		spec = parts[0] + ":" + parts[1] + "/" + parts[2]
	}

	configs, err := composetypes.ParsePortConfig(spec)
	if err != nil {
		return nil, &portError{spec: s, reason: err.Error()}
	}

	out := make([]model.PortMapping, 0, len(configs))
	for _, c := range configs {
		pm := model.PortMapping{
			HostIP:    c.HostIP,
			Container: int(c.Target),
			Protocol:  c.Protocol,
		}
		if c.Published != "" {
			if pm.Host, err = strconv.Atoi(c.Published); err != nil {
				return nil, &portError{spec: s, reason: "host port ranges need a matching container range"}
			}
		}
		out = append(out, pm)
	}
	if len(out) == 0 {
		return nil, errInvalidPort(s)
	}
	return out, nil
}

func isProtocol(s string) bool {
	switch strings.ToLower(s) {
	case "tcp", "udp", "sctp":
		return true
	}
	return false
}

type portError struct {
	spec   string
	reason string
}

func (e *portError) Error() string {
	return "invalid port " + strconv.Quote(e.spec) + ": " + e.reason
}

func errInvalidPort(s string) error {
	return &portError{spec: s, reason: "expected [ip:][host:]container[/protocol]"}
}

// mounts parses a service's volumes list.
func (p *parser) mounts(n *yaml.Node, fpath string) ([]model.Mount, error) {
	n = resolve(n)
	if isNull(n) {
		return nil, nil
	}
	if n.Kind != yaml.SequenceNode {
		return nil, model.NewStructuralError(fpath, "must be a list")
	}

	out := make([]model.Mount, 0, len(n.Content))
	for i, item := range n.Content {
		ipath := indexPath(fpath, i)
		m, err := p.mount(item, ipath)
		if err != nil {
			return nil, err
		}
		if !path.IsAbs(m.Target) {
			return nil, model.NewStructuralError(ipath, "target %q must be an absolute container path", m.Target)
		}
		out = append(out, m)
	}
	return out, nil
}

// mount parses one entry in short or long syntax.
func (p *parser) mount(n *yaml.Node, ipath string) (model.Mount, error) {
	n = resolve(n)
	if n.Kind == yaml.ScalarNode {
		return p.shortMount(n.Value, ipath)
	}

	kvs, err := pairs(n, ipath)
	if err != nil {
		return model.Mount{}, err
	}
	m := model.Mount{Type: model.MountVolume}
	for _, kv := range kvs {
		kpath := joinPath(ipath, kv.Key)
		switch kv.Key {
		case "type":
			t, err := scalar(kv.Value, kpath)
			if err != nil {
				return m, err
			}
			switch model.MountType(t) {
			case model.MountVolume, model.MountBind:
				m.Type = model.MountType(t)
			default:
				return m, model.NewStructuralError(kpath, "unsupported mount type %q (valid: volume, bind)", t)
			}
		case "source":
			if m.Source, err = scalar(kv.Value, kpath); err != nil {
				return m, err
			}
		case "target":
			if m.Target, err = scalar(kv.Value, kpath); err != nil {
				return m, err
			}
		case "read_only":
			if m.ReadOnly, err = boolean(kv.Value, kpath); err != nil {
				return m, err
			}
		case "bind", "volume", "consistency":
			// Driver-level options, accepted for compatibility.
		default:
			return m, model.NewStructuralError(kpath, "unknown field")
		}
	}
	if m.Type == model.MountBind {
		if m.Source == "" {
			return m, model.NewStructuralError(ipath, "bind mount requires a source")
		}
		m.Source = p.resolvePath(m.Source)
	}
	return m, nil
}

// shortMount parses "source:target[:mode]" or an anonymous "target".
// Sources starting with '.', '/' or '~' are host paths.
func (p *parser) shortMount(s, ipath string) (model.Mount, error) {
	v, err := format.ParseVolume(s)
	if err != nil {
		return model.Mount{}, model.NewStructuralError(ipath, "invalid volume %q: %v", s, err)
	}

	m := model.Mount{Source: v.Source, Target: v.Target, ReadOnly: v.ReadOnly}
	switch v.Type {
	case composetypes.VolumeTypeVolume:
		m.Type = model.MountVolume
	case composetypes.VolumeTypeBind:
		m.Type = model.MountBind
		m.Source = p.resolvePath(m.Source)
	default:
		return m, model.NewStructuralError(ipath, "unsupported volume type %q in %q", v.Type, s)
	}
	return m, nil
}
