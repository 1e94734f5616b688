package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mmr-tortoise/berth/internal/engine"
	"github.com/mmr-tortoise/berth/internal/engine/enginetest"
	"github.com/mmr-tortoise/berth/internal/lock"
	"github.com/mmr-tortoise/berth/internal/model"
)

// fakeConn adapts the in-memory engine to engineConn.
type fakeConn struct {
	*enginetest.Engine
	closed bool
}

func (f *fakeConn) Close() error {
	f.closed = true
	return nil
}

const shopYAML = `
name: shop
services:
  db:
    image: postgres:16
    volumes:
      - data:/var/lib/postgresql/data
  web:
    image: nginx:${TAG:-1.27}
    depends_on: [db]
volumes:
  data: {}
`

// writeProject writes doc as compose.yaml in a fresh directory and returns
// the directory.
func writeProject(t *testing.T, doc string) string {
	t.Helper()
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "compose.yaml"), []byte(doc), 0o644))
	return dir
}

// resetGlobalFlags restores the package-level flag variables, which
// outlive a single command execution.
func resetGlobalFlags() {
	jsonOutput, verbose, useProcessEnv = false, false, false
	projectFile, projectName, settingsPath = "", "", ""
	envFiles, inlineVars = nil, nil
}

// runCLI executes the root command with args against eng and returns the
// captured stdout and stderr.
func runCLI(t *testing.T, eng *enginetest.Engine, args ...string) (string, string, error) {
	t.Helper()

	prevConnect, prevLockDir := connectEngine, lockDir
	t.Cleanup(func() {
		connectEngine, lockDir = prevConnect, prevLockDir
		resetGlobalFlags()
	})
	connectEngine = func(context.Context) (engineConn, error) {
		if eng == nil {
			return nil, model.NewCLIError(model.ExitEngineUnavailable, "Docker daemon is not responding")
		}
		return &fakeConn{Engine: eng}, nil
	}
	if lockDir == "" {
		lockDir = t.TempDir()
	}

	var stdout, stderr bytes.Buffer
	cmd := NewRootCommand()
	cmd.SetArgs(args)
	cmd.SetOut(&stdout)
	cmd.SetErr(&stderr)
	err := cmd.ExecuteContext(context.Background())
	return stdout.String(), stderr.String(), err
}

// requireExitCode asserts that err carries the given exit code.
func requireExitCode(t *testing.T, err error, want model.ExitCode) {
	t.Helper()
	require.Error(t, err)
	assert.Equal(t, want, exitCode(err), "error: %v", err)
}

// TestUp_CreatesProject verifies that `up` creates every resource and
// starts every service in dependency order.
func TestUp_CreatesProject(t *testing.T) {
	eng := enginetest.New()
	dir := writeProject(t, shopYAML)

	stdout, stderr, err := runCLI(t, eng, "up", "-f", dir)
	require.NoError(t, err)

	assert.True(t, eng.Has(engine.KindNetwork, "shop_default"))
	assert.True(t, eng.Has(engine.KindVolume, "shop_data"))
	require.NotNil(t, eng.Container("shop-db-1"))
	require.NotNil(t, eng.Container("shop-web-1"))
	assert.Equal(t, engine.StateRunning, eng.Container("shop-web-1").State)
	assert.Equal(t, "nginx:1.27", eng.Container("shop-web-1").Image)

	starts := eng.CallsTo(enginetest.OpStartContainer)
	require.Len(t, starts, 2)
	assert.Equal(t, "shop-db-1", starts[0].Name)
	assert.Equal(t, "shop-web-1", starts[1].Name)

	assert.Contains(t, stdout, "up shop: success")
	assert.Contains(t, stderr, "succeeded start-service")
}

// TestUp_Idempotent verifies that a second `up` performs no changes.
func TestUp_Idempotent(t *testing.T) {
	eng := enginetest.New()
	dir := writeProject(t, shopYAML)

	_, _, err := runCLI(t, eng, "up", "-f", dir)
	require.NoError(t, err)
	eng.ResetCalls()

	stdout, _, err := runCLI(t, eng, "up", "-f", dir)
	require.NoError(t, err)

	for _, c := range eng.Calls() {
		assert.Contains(t, []string{enginetest.OpInspect, enginetest.OpList}, c.Op, "unexpected call %s", c)
	}
	assert.Contains(t, stdout, "0 succeeded")
}

func TestUp_DryRun(t *testing.T) {
	eng := enginetest.New()
	dir := writeProject(t, shopYAML)

	stdout, _, err := runCLI(t, eng, "up", "-f", dir, "--dry-run")
	require.NoError(t, err)

	assert.Contains(t, stdout, "Plan for shop (up)")
	assert.Contains(t, stdout, "create-container  web")
	assert.Empty(t, eng.CallsTo(enginetest.OpCreateContainer))
	assert.Empty(t, eng.CallsTo(enginetest.OpCreateNetwork))
}

func TestUp_DryRunJSON(t *testing.T) {
	eng := enginetest.New()
	dir := writeProject(t, shopYAML)

	stdout, _, err := runCLI(t, eng, "up", "-f", dir, "--dry-run", "--json")
	require.NoError(t, err)

	var out struct {
		Project   string `json:"project"`
		Direction string `json:"direction"`
		Actions   []struct {
			ID        string   `json:"id"`
			DependsOn []string `json:"dependsOn"`
		} `json:"actions"`
	}
	require.NoError(t, json.Unmarshal([]byte(stdout), &out))
	assert.Equal(t, "shop", out.Project)
	assert.Equal(t, "up", out.Direction)
	// network, volume, 2 creates, 2 starts
	assert.Len(t, out.Actions, 6)
}

// TestUp_Variables verifies that --var overrides the definition default.
func TestUp_Variables(t *testing.T) {
	eng := enginetest.New()
	dir := writeProject(t, shopYAML)

	_, _, err := runCLI(t, eng, "up", "-f", dir, "--var", "TAG=1.28")
	require.NoError(t, err)

	assert.Equal(t, "nginx:1.28", eng.Container("shop-web-1").Image)
}

// TestUp_DefaultEnvFile verifies that .env next to the definition feeds
// substitution and that --env-file layers on top of it.
func TestUp_DefaultEnvFile(t *testing.T) {
	eng := enginetest.New()
	dir := writeProject(t, shopYAML)
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".env"), []byte("TAG=1.25\n"), 0o644))
	extra := filepath.Join(t.TempDir(), "prod.env")
	require.NoError(t, os.WriteFile(extra, []byte("TAG=1.26\n"), 0o644))

	_, _, err := runCLI(t, eng, "up", "-f", dir, "--env-file", extra)
	require.NoError(t, err)
	assert.Equal(t, "nginx:1.26", eng.Container("shop-web-1").Image)
}

// TestUp_PartialFailure verifies that a failed action skips its dependents
// and maps to ExitPartialFailure.
func TestUp_PartialFailure(t *testing.T) {
	eng := enginetest.New()
	eng.FailNext(enginetest.OpStartContainer, "shop-db-1", errors.New("exec format error"))
	dir := writeProject(t, shopYAML)

	stdout, stderr, err := runCLI(t, eng, "up", "-f", dir)

	requireExitCode(t, err, model.ExitPartialFailure)
	assert.Contains(t, err.Error(), "start-service:db")
	assert.Contains(t, stdout, "partial")
	assert.Contains(t, stdout, "  failed    start-service     db: exec format error")
	assert.Contains(t, stdout, "  skipped   create-container  web (dependency start-service:db did not succeed)")
	assert.Contains(t, stdout, "  succeeded create-volume     data")
	assert.Contains(t, stderr, "exec format error")
	assert.Contains(t, stderr, "skipped")
	assert.Empty(t, eng.CallsTo(enginetest.OpStartContainer)[1:], "web must not start")
}

// TestUp_TotalFailure verifies that a run where nothing succeeded maps to
// ExitTotalFailure.
func TestUp_TotalFailure(t *testing.T) {
	eng := enginetest.New()
	dir := writeProject(t, `
name: solo
services:
  app:
    image: busybox
`)
	eng.FailNext(enginetest.OpCreateNetwork, "solo_default", errors.New("permission denied"))

	_, _, err := runCLI(t, eng, "up", "-f", dir)
	requireExitCode(t, err, model.ExitTotalFailure)
}

// TestUp_PortConflict verifies that an occupied host port stops `up`
// before any action runs.
func TestUp_PortConflict(t *testing.T) {
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer func() { _ = listener.Close() }()
	busy := listener.Addr().(*net.TCPAddr).Port

	eng := enginetest.New()
	dir := writeProject(t, fmt.Sprintf(`
name: shop
services:
  web:
    image: nginx
    ports:
      - "127.0.0.1:%d:80"
`, busy))

	_, _, err = runCLI(t, eng, "up", "-f", dir)
	requireExitCode(t, err, model.ExitPortConflict)
	assert.Empty(t, eng.CallsTo(enginetest.OpCreateNetwork))

	_, _, err = runCLI(t, eng, "up", "-f", dir, "--skip-port-check")
	require.NoError(t, err)
}

func TestUp_InvalidProject(t *testing.T) {
	tests := []struct {
		name string
		doc  string
	}{
		{
			name: "missing variable",
			doc:  "name: shop\nservices:\n  web:\n    image: nginx:${UNSET_TAG}\n",
		},
		{
			name: "unknown dependency",
			doc:  "name: shop\nservices:\n  web:\n    image: nginx\n    depends_on: [api]\n",
		},
		{
			name: "cycle",
			doc: `
name: shop
services:
  a:
    image: busybox
    depends_on: [b]
  b:
    image: busybox
    depends_on: [a]
`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			eng := enginetest.New()
			dir := writeProject(t, tt.doc)

			_, _, err := runCLI(t, eng, "up", "-f", dir)
			requireExitCode(t, err, model.ExitInvalidProject)
			assert.Empty(t, eng.CallsTo(enginetest.OpCreateNetwork), "no side effects")
		})
	}
}

func TestUp_ProjectNotFound(t *testing.T) {
	_, _, err := runCLI(t, enginetest.New(), "up", "-f", t.TempDir())
	requireExitCode(t, err, model.ExitProjectNotFound)
}

func TestUp_EngineUnavailable(t *testing.T) {
	dir := writeProject(t, shopYAML)
	_, _, err := runCLI(t, nil, "up", "-f", dir)
	requireExitCode(t, err, model.ExitEngineUnavailable)
}

// TestUp_ProjectBusy verifies that a held project lock maps to
// ExitProjectBusy.
func TestUp_ProjectBusy(t *testing.T) {
	prev := lockDir
	lockDir = t.TempDir()
	t.Cleanup(func() { lockDir = prev })

	unlock, err := (&lock.File{Dir: lockDir}).TryLock("shop")
	require.NoError(t, err)
	defer unlock()

	eng := enginetest.New()
	dir := writeProject(t, shopYAML)

	_, _, err = runCLI(t, eng, "up", "-f", dir)
	requireExitCode(t, err, model.ExitProjectBusy)
	assert.Empty(t, eng.CallsTo(enginetest.OpCreateNetwork))
}

// TestUp_SettingsFile verifies that an explicit --config file is read and
// validated.
func TestUp_SettingsFile(t *testing.T) {
	eng := enginetest.New()
	dir := writeProject(t, shopYAML)
	settings := filepath.Join(t.TempDir(), "settings.jsonc")
	require.NoError(t, os.WriteFile(settings, []byte(`{
		// one action at a time
		"parallelism": 1,
	}`), 0o644))

	_, _, err := runCLI(t, eng, "up", "-f", dir, "--config", settings)
	require.NoError(t, err)

	bad := filepath.Join(t.TempDir(), "bad.jsonc")
	require.NoError(t, os.WriteFile(bad, []byte(`{"retry": {"maxAttempts": 0}}`), 0o644))
	_, _, err = runCLI(t, eng, "up", "-f", dir, "--config", bad)
	requireExitCode(t, err, model.ExitGeneralError)
}

// TestDown verifies teardown and that volumes survive unless --volumes is
// given.
func TestDown(t *testing.T) {
	eng := enginetest.New()
	dir := writeProject(t, shopYAML)

	_, _, err := runCLI(t, eng, "up", "-f", dir)
	require.NoError(t, err)

	stdout, _, err := runCLI(t, eng, "down", "-f", dir)
	require.NoError(t, err)
	assert.Contains(t, stdout, "down shop: success")

	assert.Nil(t, eng.Container("shop-db-1"))
	assert.Nil(t, eng.Container("shop-web-1"))
	assert.False(t, eng.Has(engine.KindNetwork, "shop_default"))
	assert.True(t, eng.Has(engine.KindVolume, "shop_data"), "volumes are kept by default")

	stops := eng.CallsTo(enginetest.OpStopContainer)
	require.Len(t, stops, 2)
	assert.Equal(t, "shop-web-1", stops[0].Name, "dependents stop first")

	_, _, err = runCLI(t, eng, "down", "-f", dir, "--volumes")
	require.NoError(t, err)
	assert.False(t, eng.Has(engine.KindVolume, "shop_data"))
}

func TestDown_DryRun(t *testing.T) {
	eng := enginetest.New()
	dir := writeProject(t, shopYAML)
	_, _, err := runCLI(t, eng, "up", "-f", dir)
	require.NoError(t, err)

	stdout, _, err := runCLI(t, eng, "down", "-f", dir, "--dry-run", "--volumes")
	require.NoError(t, err)

	assert.Contains(t, stdout, "Plan for shop (down)")
	assert.Contains(t, stdout, "remove-volume")
	assert.NotNil(t, eng.Container("shop-web-1"))
}

func TestConfig(t *testing.T) {
	dir := writeProject(t, shopYAML)

	stdout, _, err := runCLI(t, nil, "config", "-f", dir)
	require.NoError(t, err)
	assert.Contains(t, stdout, "image: nginx:1.27")
	assert.Contains(t, stdout, "name: shop")

	stdout, _, err = runCLI(t, nil, "config", "-f", dir, "--services")
	require.NoError(t, err)
	assert.Equal(t, "db\nweb\n", stdout)

	stdout, _, err = runCLI(t, nil, "config", "-f", dir, "--resolve-order", "--json")
	require.NoError(t, err)
	var order map[string][]string
	require.NoError(t, json.Unmarshal([]byte(stdout), &order))
	assert.Equal(t, []string{"db", "web"}, order["order"])
}

// TestConfig_ProjectName verifies that -p overrides the definition's name.
func TestConfig_ProjectName(t *testing.T) {
	dir := writeProject(t, shopYAML)

	stdout, _, err := runCLI(t, nil, "config", "-f", dir, "-p", "staging", "--json")
	require.NoError(t, err)

	var p struct {
		Name string `json:"name"`
	}
	require.NoError(t, json.Unmarshal([]byte(stdout), &p))
	assert.Equal(t, "staging", p.Name)
}

func TestPs(t *testing.T) {
	eng := enginetest.New()
	dir := writeProject(t, shopYAML)

	stdout, _, err := runCLI(t, eng, "ps", "-f", dir)
	require.NoError(t, err)
	assert.Contains(t, stdout, "No containers found.")

	_, _, err = runCLI(t, eng, "up", "-f", dir)
	require.NoError(t, err)

	stdout, _, err = runCLI(t, eng, "ps", "-f", dir)
	require.NoError(t, err)
	assert.Contains(t, stdout, "shop-db-1")
	assert.Contains(t, stdout, "running")

	stdout, _, err = runCLI(t, eng, "ps", "-f", dir, "--json")
	require.NoError(t, err)
	var out struct {
		Containers []psEntryJSON `json:"containers"`
	}
	require.NoError(t, json.Unmarshal([]byte(stdout), &out))
	require.Len(t, out.Containers, 2)
	assert.Equal(t, "db", out.Containers[0].Service)
	assert.True(t, out.Containers[0].Declared)

	eng.SetHealth("shop-db-1", engine.HealthHealthy)
	stdout, _, err = runCLI(t, eng, "ps", "-f", dir)
	require.NoError(t, err)
	assert.Contains(t, stdout, "running (healthy)")
}

func TestExitCode(t *testing.T) {
	assert.Equal(t, model.ExitSuccess, exitCode(nil))
	assert.Equal(t, model.ExitGeneralError, exitCode(errors.New("boom")))
	assert.Equal(t, model.ExitProjectBusy,
		exitCode(fmt.Errorf("wrapped: %w", model.NewCLIError(model.ExitProjectBusy, "busy"))))
}

func TestPrintError(t *testing.T) {
	resetGlobalFlags()
	t.Cleanup(resetGlobalFlags)
	err := model.WrapCLIError(model.ExitPortConflict, "cannot publish host ports", errors.New("port 80 in use"))

	var text bytes.Buffer
	printError(&text, err)
	assert.Equal(t, "Error: cannot publish host ports: port 80 in use\n", text.String())

	jsonOutput = true

	var out bytes.Buffer
	printError(&out, err)
	var decoded struct {
		Error struct {
			Message string `json:"message"`
			Detail  string `json:"detail"`
			Code    int    `json:"code"`
		} `json:"error"`
	}
	require.NoError(t, json.Unmarshal(out.Bytes(), &decoded))
	assert.Equal(t, "cannot publish host ports", decoded.Error.Message)
	assert.Equal(t, "port 80 in use", decoded.Error.Detail)
	assert.Equal(t, int(model.ExitPortConflict), decoded.Error.Code)
}
