package cli

import (
	"context"
	"errors"
	"path/filepath"

	"github.com/mmr-tortoise/berth/internal/config"
	"github.com/mmr-tortoise/berth/internal/docker"
	"github.com/mmr-tortoise/berth/internal/engine"
	"github.com/mmr-tortoise/berth/internal/envfile"
	"github.com/mmr-tortoise/berth/internal/loader"
	"github.com/mmr-tortoise/berth/internal/lock"
	"github.com/mmr-tortoise/berth/internal/model"
)

// defaultEnvFile is read from the project directory when present.
const defaultEnvFile = ".env"

// workspace is everything a command needs before it talks to the engine:
// the loaded project and the tool settings.
type workspace struct {
	project  *model.Project
	settings config.Settings
	file     string
}

// loadWorkspace locates the definition file, resolves substitution
// variables from the global flags, loads the project and the settings.
//
// Definition and variable errors are reported with ExitInvalidProject, a
// missing definition with ExitProjectNotFound.
func loadWorkspace(ctx context.Context) (*workspace, error) {
	file, err := loader.Locate(projectFile)
	if err != nil {
		return nil, err
	}
	dir := filepath.Dir(file)
	VerboseLog(ctx, "Using project file %s", file)

	inline, err := envfile.ParseAssignments(inlineVars)
	if err != nil {
		return nil, model.WrapCLIError(model.ExitGeneralError, "invalid --var value", err)
	}
	sources := envfile.ProcessSources()
	sources.DefaultFile = filepath.Join(dir, defaultEnvFile)
	sources.EnvFiles = envFiles
	sources.Inline = inline
	sources.UseProcessEnv = useProcessEnv

	vars, err := sources.Resolve()
	if err != nil {
		return nil, model.WrapCLIError(model.ExitInvalidProject, "failed to read variables", err)
	}

	project, err := loader.LoadFile(file, loader.Options{
		ProjectName: projectName,
		BaseDir:     dir,
		Variables:   vars,
	})
	if err != nil {
		return nil, planningError(err)
	}
	VerboseLog(ctx, "Loaded project %q with %d services", project.Name, len(project.Services))

	settings, err := loadSettings(dir)
	if err != nil {
		return nil, model.WrapCLIError(model.ExitGeneralError, "failed to load settings", err)
	}

	return &workspace{project: project, settings: settings, file: file}, nil
}

// loadSettings reads --config when given, otherwise the optional
// berth.settings.jsonc next to the definition file.
func loadSettings(dir string) (config.Settings, error) {
	if settingsPath != "" {
		return config.Load(settingsPath, false)
	}
	return config.LoadDir(dir)
}

// planningError wraps errors raised before any side effect. Structural
// errors, missing variables and dependency cycles get ExitInvalidProject;
// errors that already carry an exit code keep it.
func planningError(err error) error {
	var cliErr *model.CLIError
	if errors.As(err, &cliErr) {
		return err
	}
	if model.IsPlanningError(err) {
		return model.WrapCLIError(model.ExitInvalidProject, "invalid project", err)
	}
	return model.WrapCLIError(model.ExitGeneralError, "failed to load project", err)
}

// engineConn is an engine together with the connection that backs it.
type engineConn interface {
	engine.Engine
	Close() error
}

// connectEngine opens the engine connection. Tests replace it with an
// in-memory engine.
var connectEngine = func(ctx context.Context) (engineConn, error) {
	c, err := docker.NewClient()
	if err != nil {
		return nil, err
	}
	if err := c.Ping(ctx); err != nil {
		_ = c.Close()
		return nil, err
	}
	VerboseLog(ctx, "Connected to Docker daemon")
	return c, nil
}

// lockDir is where cross-process project locks live. Empty means the
// system temporary directory.
var lockDir string

func projectLocker() lock.Locker {
	return &lock.File{Dir: lockDir}
}

// engineError wraps a failure to read engine state. Transient failures
// mean the engine could not be reached.
func engineError(message string, err error) error {
	var cliErr *model.CLIError
	if errors.As(err, &cliErr) {
		return err
	}
	if model.IsTransient(err) {
		return model.WrapCLIError(model.ExitEngineUnavailable, message, err)
	}
	return model.WrapCLIError(model.ExitGeneralError, message, err)
}
