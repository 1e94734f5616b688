package loader

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mmr-tortoise/berth/internal/model"
)

const shopYAML = `
name: Shop
services:
  db:
    image: postgres:${PG_VERSION:-16}
    environment:
      POSTGRES_PASSWORD: ${DB_PASSWORD}
    volumes:
      - data:/var/lib/postgresql/data
    networks: [back]
    healthcheck:
      test: ["CMD", "pg_isready"]
      interval: 5s
      retries: 5
  web:
    build:
      context: ./web
      args:
        VERSION: "1.2"
    ports:
      - "8080:80"
      - 443
    depends_on:
      db:
        condition: service_healthy
    networks: [front, back]
    volumes:
      - ./static:/srv/static:ro
    restart: "no"
  cache:
    image: redis:7
networks:
  front:
  back:
    driver: bridge
  corp:
    external: true
    name: corp-shared
volumes:
  data:
`

func loadString(t *testing.T, doc string, opts Options) (*model.Project, error) {
	t.Helper()
	if opts.BaseDir == "" {
		opts.BaseDir = "/work/shop"
	}
	return Load([]byte(doc), opts)
}

func TestLoad_FullProject(t *testing.T) {
	p, err := loadString(t, shopYAML, Options{Variables: map[string]string{"DB_PASSWORD": "secret"}})
	require.NoError(t, err)

	assert.Equal(t, "shop", p.Name, "project name is normalized")
	assert.Equal(t, []string{"db", "web", "cache"}, p.ServiceOrder)
	assert.Equal(t, []string{"front", "back", "corp", "default"}, p.NetworkOrder,
		"default network is appended because cache lists no networks")
	assert.Equal(t, []string{"data"}, p.VolumeOrder)

	db := p.Services["db"]
	assert.Equal(t, "postgres:16", db.Image)
	assert.Equal(t, map[string]string{"POSTGRES_PASSWORD": "secret"}, db.Environment)
	assert.Equal(t, []model.Mount{{Type: model.MountVolume, Source: "data", Target: "/var/lib/postgresql/data"}}, db.Mounts)
	require.NotNil(t, db.Healthcheck)
	assert.Equal(t, []string{"CMD", "pg_isready"}, db.Healthcheck.Test)
	assert.Equal(t, 5, db.Healthcheck.Retries)

	web := p.Services["web"]
	require.NotNil(t, web.Build)
	assert.Equal(t, "/work/shop/web", web.Build.Context)
	assert.Equal(t, map[string]string{"VERSION": "1.2"}, web.Build.Args)
	assert.Equal(t, model.RestartNever, web.Restart)
	assert.Equal(t, map[string]model.DependencyCondition{"db": model.ConditionHealthy}, web.DependsOn)
	if diff := cmp.Diff([]model.PortMapping{
		{Host: 8080, Container: 80, Protocol: "tcp"},
		{Container: 443, Protocol: "tcp"},
	}, web.Ports); diff != "" {
		t.Errorf("ports mismatch (-want +got):\n%s", diff)
	}
	assert.Equal(t, []model.Mount{{Type: model.MountBind, Source: "/work/shop/static", Target: "/srv/static", ReadOnly: true}}, web.Mounts)

	assert.Equal(t, []string{"default"}, p.Services["cache"].Networks)

	corp := p.Networks["corp"]
	assert.Equal(t, model.External, corp.Lifecycle)
	assert.Equal(t, "corp-shared", corp.ResourceName())
	assert.Equal(t, model.Managed, p.Networks["default"].Lifecycle)
	assert.Equal(t, "local", p.Volumes["data"].Driver)
}

func TestLoad_MissingVariable(t *testing.T) {
	_, err := loadString(t, shopYAML, Options{})
	require.Error(t, err)

	var missing *model.MissingVariableError
	require.True(t, errors.As(err, &missing))
	assert.Equal(t, "DB_PASSWORD", missing.Variable)
	assert.Equal(t, "services.db.environment.POSTGRES_PASSWORD", missing.Field)
}

func TestLoad_ProjectNameSources(t *testing.T) {
	doc := "services:\n  app:\n    image: busybox\n"

	p, err := loadString(t, doc, Options{BaseDir: "/home/me/My_Project"})
	require.NoError(t, err)
	assert.Equal(t, "my_project", p.Name)

	p, err = loadString(t, "name: fromdoc\n"+doc, Options{ProjectName: "Override"})
	require.NoError(t, err)
	assert.Equal(t, "override", p.Name)

	_, err = loadString(t, doc, Options{BaseDir: "/...", ProjectName: "!!!"})
	var structural *model.StructuralError
	require.True(t, errors.As(err, &structural))
	assert.Equal(t, "name", structural.Path)
}

// TestLoad_StructuralErrors verifies that every invalid definition names
// the offending document path.
func TestLoad_StructuralErrors(t *testing.T) {
	tests := []struct {
		name string
		doc  string
		path string
	}{
		{
			"image and build",
			"services:\n  web:\n    image: x\n    build: .\n",
			"services.web",
		},
		{
			"neither image nor build",
			"services:\n  web:\n    restart: always\n",
			"services.web",
		},
		{
			"invalid service name",
			"services:\n  \"web app\":\n    image: x\n",
			"services.web app",
		},
		{
			"undefined dependency",
			"services:\n  web:\n    image: x\n    depends_on: [db]\n",
			"services.web.depends_on.db",
		},
		{
			"self dependency",
			"services:\n  web:\n    image: x\n    depends_on: [web]\n",
			"services.web.depends_on.web",
		},
		{
			"undeclared network",
			"services:\n  web:\n    image: x\n    networks: [front]\n",
			"services.web.networks[0]",
		},
		{
			"undeclared volume",
			"services:\n  web:\n    image: x\n    volumes: [\"data:/data\"]\n",
			"services.web.volumes[0]",
		},
		{
			"bad port",
			"services:\n  web:\n    image: x\n    ports: [\"80:abc\"]\n",
			"services.web.ports[0]",
		},
		{
			"port range",
			"services:\n  web:\n    image: x\n    ports: [\"8000-8010:80\"]\n",
			"services.web.ports[0]",
		},
		{
			"bad restart",
			"services:\n  web:\n    image: x\n    restart: sometimes\n",
			"services.web.restart",
		},
		{
			"bad driver",
			"services:\n  web:\n    image: x\nnetworks:\n  n:\n    driver: macvlan\n",
			"networks.n.driver",
		},
		{
			"healthy readiness without healthcheck",
			"services:\n  web:\n    image: x\n    readiness: healthy\n",
			"services.web.readiness",
		},
		{
			"service_healthy without healthcheck",
			"services:\n  db:\n    image: x\n  web:\n    image: y\n    depends_on:\n      db:\n        condition: service_healthy\n",
			"services.web.depends_on.db",
		},
		{
			"unknown service field",
			"services:\n  web:\n    image: x\n    imgae: y\n",
			"services.web.imgae",
		},
		{
			"unknown top-level key",
			"services:\n  web:\n    image: x\nconfigs: {}\n",
			"configs",
		},
		{
			"no services",
			"name: empty\n",
			"services",
		},
		{
			"duplicate host port",
			"services:\n  a:\n    image: x\n    ports: [\"80:80\"]\n  b:\n    image: x\n    ports: [\"80:8080\"]\n",
			"services.b.ports[0]",
		},
		{
			"relative mount target",
			"services:\n  web:\n    image: x\n    volumes: [\"./src:app\"]\n",
			"services.web.volumes[0]",
		},
		{
			"external network with driver",
			"services:\n  web:\n    image: x\nnetworks:\n  n:\n    external: true\n    driver: bridge\n",
			"networks.n",
		},
		{
			"unterminated placeholder",
			"services:\n  web:\n    image: app:${TAG\n",
			"services.web.image",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := loadString(t, tt.doc, Options{ProjectName: "test"})
			require.Error(t, err)

			var structural *model.StructuralError
			require.True(t, errors.As(err, &structural), "expected StructuralError, got %T: %v", err, err)
			assert.Equal(t, tt.path, structural.Path, structural.Error())
		})
	}
}

func TestLoad_JSONC(t *testing.T) {
	doc := `{
  // JSONC definitions are accepted
  "name": "jsonapp",
  "services": {
    "api": {
      "image": "api:${TAG:-latest}", /* inline comment */
      "ports": ["3000:3000"],
    },
  },
}`
	p, err := loadString(t, doc, Options{})
	require.NoError(t, err)
	assert.Equal(t, "jsonapp", p.Name)
	assert.Equal(t, "api:latest", p.Services["api"].Image)
	assert.Equal(t, 3000, p.Services["api"].Ports[0].Host)
}

func TestLoad_EnvironmentPrecedence(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "app.env"), []byte("LEVEL=file\nFROM_FILE=yes\nRAW=${NOPE}\n"), 0o644))

	doc := `
services:
  app:
    image: busybox
    env_file: app.env
    environment:
      - LEVEL=inline
      - FROM_VARS
      - ABSENT
`
	p, err := Load([]byte(doc), Options{
		ProjectName: "env",
		BaseDir:     dir,
		Variables:   map[string]string{"FROM_VARS": "resolved"},
	})
	require.NoError(t, err)

	assert.Equal(t, map[string]string{
		"LEVEL":     "inline",
		"FROM_FILE": "yes",
		"RAW":       "${NOPE}",
		"FROM_VARS": "resolved",
	}, p.Services["app"].Environment)
	assert.Equal(t, []string{filepath.Join(dir, "app.env")}, p.Services["app"].EnvFiles)
}

func TestLoad_OptionalEnvFile(t *testing.T) {
	doc := `
services:
  app:
    image: busybox
    env_file:
      - path: missing.env
        required: false
`
	p, err := Load([]byte(doc), Options{ProjectName: "env", BaseDir: t.TempDir()})
	require.NoError(t, err)
	assert.Empty(t, p.Services["app"].EnvFiles)

	_, err = Load([]byte("services:\n  app:\n    image: busybox\n    env_file: missing.env\n"),
		Options{ProjectName: "env", BaseDir: t.TempDir()})
	var structural *model.StructuralError
	require.True(t, errors.As(err, &structural))
	assert.Equal(t, "services.app.env_file[0]", structural.Path)
}

func TestLoad_MergeKeysAndExtensions(t *testing.T) {
	doc := `
x-common: &common
  image: base:${TAG}
  restart: always
services:
  one:
    <<: *common
  two:
    <<: *common
    restart: on-failure
`
	p, err := loadString(t, doc, Options{ProjectName: "merge", Variables: map[string]string{"TAG": "2"}})
	require.NoError(t, err)
	assert.Equal(t, "base:2", p.Services["one"].Image)
	assert.Equal(t, model.RestartAlways, p.Services["one"].Restart)
	assert.Equal(t, "base:2", p.Services["two"].Image)
	assert.Equal(t, model.RestartOnFailure, p.Services["two"].Restart)
}

func TestLoad_EscapedDollarIsSubstitutedOnce(t *testing.T) {
	doc := `
x-cmd: &cmd ["sh", "-c", "echo $$HOME"]
services:
  a:
    image: busybox
    command: *cmd
  b:
    image: busybox
    command: *cmd
`
	p, err := loadString(t, doc, Options{ProjectName: "esc"})
	require.NoError(t, err)
	assert.Equal(t, []string{"sh", "-c", "echo $HOME"}, p.Services["a"].Command)
	assert.Equal(t, []string{"sh", "-c", "echo $HOME"}, p.Services["b"].Command)
}

func TestLoad_HealthcheckForms(t *testing.T) {
	doc := `
services:
  shell:
    image: x
    readiness: healthy
    healthcheck:
      test: curl -f http://localhost
      timeout: 2s
  disabled:
    image: x
    healthcheck:
      disable: true
`
	p, err := loadString(t, doc, Options{ProjectName: "hc"})
	require.NoError(t, err)
	assert.Equal(t, []string{"CMD-SHELL", "curl -f http://localhost"}, p.Services["shell"].Healthcheck.Test)
	assert.Equal(t, "2s", p.Services["shell"].Healthcheck.Timeout)
	assert.Nil(t, p.Services["disabled"].Healthcheck)
}

func TestParsePort(t *testing.T) {
	tests := []struct {
		input    string
		expected []model.PortMapping
		hasError bool
	}{
		{"80", []model.PortMapping{{Container: 80, Protocol: "tcp"}}, false},
		{"8080:80", []model.PortMapping{{Host: 8080, Container: 80, Protocol: "tcp"}}, false},
		{"8080:80/udp", []model.PortMapping{{Host: 8080, Container: 80, Protocol: "udp"}}, false},
		{"8080:80:udp", []model.PortMapping{{Host: 8080, Container: 80, Protocol: "udp"}}, false},
		{"127.0.0.1:8080:80", []model.PortMapping{{HostIP: "127.0.0.1", Host: 8080, Container: 80, Protocol: "tcp"}}, false},
		{"127.0.0.1::80", []model.PortMapping{{HostIP: "127.0.0.1", Container: 80, Protocol: "tcp"}}, false},
		{"[::1]:8080:80", []model.PortMapping{{HostIP: "::1", Host: 8080, Container: 80, Protocol: "tcp"}}, false},
		{"8000-8001:80-81", []model.PortMapping{
			{Host: 8000, Container: 80, Protocol: "tcp"},
			{Host: 8001, Container: 81, Protocol: "tcp"},
		}, false},
		{"8000-8010:80", nil, true},
		{"a:b", nil, true},
		{"1:2:3:4", nil, true},
		{"[::1:80", nil, true},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			pms, err := ParsePort(tt.input)
			if tt.hasError {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.expected, pms)
		})
	}
}

func TestShortMount(t *testing.T) {
	p := &parser{opts: Options{BaseDir: "/proj"}}
	userHomeDir = func() (string, error) { return "/home/me", nil }
	t.Cleanup(func() { userHomeDir = os.UserHomeDir })

	tests := []struct {
		input    string
		expected model.Mount
	}{
		{"/cache", model.Mount{Type: model.MountVolume, Target: "/cache"}},
		{"data:/data", model.Mount{Type: model.MountVolume, Source: "data", Target: "/data"}},
		{"data:/data:ro", model.Mount{Type: model.MountVolume, Source: "data", Target: "/data", ReadOnly: true}},
		{"./src:/app", model.Mount{Type: model.MountBind, Source: "/proj/src", Target: "/app"}},
		{"/etc/hosts:/etc/hosts:ro,z", model.Mount{Type: model.MountBind, Source: "/etc/hosts", Target: "/etc/hosts", ReadOnly: true}},
		{"~/.ssh:/root/.ssh", model.Mount{Type: model.MountBind, Source: "/home/me/.ssh", Target: "/root/.ssh"}},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			m, err := p.shortMount(tt.input, "services.x.volumes[0]")
			require.NoError(t, err)
			assert.Equal(t, tt.expected, m)
		})
	}

	for _, bad := range []string{"data::/data", "a:/b:ro:extra"} {
		_, err := p.shortMount(bad, "services.x.volumes[0]")
		assert.Error(t, err, bad)
	}
}

func TestLocate(t *testing.T) {
	dir := t.TempDir()

	_, err := Locate(dir)
	require.Error(t, err)
	var cliErr *model.CLIError
	require.True(t, errors.As(err, &cliErr))
	assert.Equal(t, model.ExitProjectNotFound, cliErr.Code)
	assert.True(t, errors.Is(err, ErrNotFound))

	require.NoError(t, os.WriteFile(filepath.Join(dir, "docker-compose.yml"), []byte("services: {}"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "compose.yaml"), []byte("services: {}"), 0o644))

	found, err := Locate(dir)
	require.NoError(t, err)
	assert.Equal(t, "compose.yaml", filepath.Base(found), "compose.yaml has priority")

	explicit := filepath.Join(dir, "docker-compose.yml")
	found, err = Locate(explicit)
	require.NoError(t, err)
	assert.Equal(t, explicit, found)

	_, err = Locate(filepath.Join(dir, "nope.yaml"))
	assert.True(t, errors.Is(err, ErrNotFound))
}

func TestLoadFile_BaseDirFromFile(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "Blog")
	require.NoError(t, os.MkdirAll(dir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "compose.yaml"),
		[]byte("services:\n  web:\n    image: nginx\n    volumes: [\"./html:/usr/share/nginx/html\"]\n"), 0o644))

	p, err := LoadFile(dir, Options{})
	require.NoError(t, err)
	assert.Equal(t, "blog", p.Name)
	assert.Equal(t, filepath.Join(dir, "html"), p.Services["web"].Mounts[0].Source)
}
