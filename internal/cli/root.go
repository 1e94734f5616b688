// Package cli implements the cobra-based CLI commands for berth.
//
// Each subcommand (up, down, config, ps) is defined in its own file within
// this package. This file defines the root command that serves as the
// parent for all subcommands and handles global flags, logging and exit
// codes.
package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/mmr-tortoise/berth/internal/ctxlog"
	"github.com/mmr-tortoise/berth/internal/model"
)

// Global flag variables shared across all subcommands. They are bound to
// cobra persistent flags on the root command, which makes them available
// to every subcommand automatically.
var (
	// jsonOutput switches command output to structured JSON.
	jsonOutput bool

	// verbose enables debug logging on stderr.
	verbose bool

	// projectFile is the definition file or the directory holding it.
	projectFile string

	// projectName overrides the name from the definition file.
	projectName string

	// envFiles are additional env-files, applied in order after ".env".
	envFiles []string

	// inlineVars are KEY=VALUE substitution values given with --var.
	inlineVars []string

	// useProcessEnv adds the process environment as the highest layer.
	useProcessEnv bool

	// settingsPath is an explicit berth.settings.jsonc settings file.
	settingsPath string
)

// Version, Commit, and Date are set at build time via ldflags.
var (
	// Version is the semantic version of the binary (e.g., "1.0.0").
	Version = "dev"

	// Commit is the Git commit hash the binary was built from.
	Commit = "none"

	// Date is the build timestamp.
	Date = "unknown"
)

// NewRootCommand creates and configures the root cobra command.
//
// The root command itself does not perform any action. It only provides
// help text, global flags and the logger every subcommand finds on its
// context.
func NewRootCommand() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "berth",
		Short: "Declarative multi-service container orchestrator",
		Long: `berth brings a project of containers to the state declared in its
definition file and tears it down again.

Every run observes the engine, computes the minimal plan of actions that
converges on the declared state, and executes it concurrently in
dependency order. Running "berth up" twice in a row does nothing the
second time.`,

		// Errors and usage are printed by Execute, in text or JSON.
		SilenceUsage:  true,
		SilenceErrors: true,

		Version: fmt.Sprintf("%s (commit: %s, built: %s)", Version, Commit, Date),

		PersistentPreRun: func(cmd *cobra.Command, _ []string) {
			ctx := cmd.Context()
			if ctx == nil {
				ctx = context.Background()
			}
			cmd.SetContext(ctxlog.WithLogger(ctx, newLogger(cmd.ErrOrStderr(), verbose)))
		},
	}

	flags := rootCmd.PersistentFlags()
	flags.StringVarP(&projectFile, "file", "f", "", "Project definition file or directory (default: current directory)")
	flags.StringVarP(&projectName, "project-name", "p", "", "Project name (default: the definition's name key, then its directory name)")
	flags.StringArrayVar(&envFiles, "env-file", nil, "Additional env-file with substitution values (repeatable)")
	flags.StringArrayVar(&inlineVars, "var", nil, "Substitution value as KEY=VALUE (repeatable)")
	flags.BoolVar(&useProcessEnv, "use-process-env", false, "Use the process environment as the highest-precedence variable source")
	flags.StringVar(&settingsPath, "config", "", "Settings file (default: berth.settings.jsonc next to the definition, if present)")
	flags.BoolVar(&jsonOutput, "json", false, "Output in JSON format")
	flags.BoolVarP(&verbose, "verbose", "v", false, "Enable verbose output")

	rootCmd.AddCommand(NewUpCommand())
	rootCmd.AddCommand(NewDownCommand())
	rootCmd.AddCommand(NewConfigCommand())
	rootCmd.AddCommand(NewPsCommand())

	return rootCmd
}

// newLogger builds the process logger: text on w, Debug level in verbose
// mode and Warn otherwise.
func newLogger(w io.Writer, verbose bool) *slog.Logger {
	level := slog.LevelWarn
	if verbose {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: level}))
}

// Execute runs the root command and exits the process with the code the
// returned error carries. An interrupt or SIGTERM cancels the command's
// context, so in-flight plans stop scheduling new actions and report.
func Execute(rootCmd *cobra.Command) {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := rootCmd.ExecuteContext(ctx)
	stop()

	if err != nil {
		printError(os.Stderr, err)
	}
	os.Exit(int(exitCode(err)))
}

// exitCode translates an error into the process exit code. CLIError
// values carry their own code; any other error maps to ExitGeneralError.
func exitCode(err error) model.ExitCode {
	if err == nil {
		return model.ExitSuccess
	}
	var cliErr *model.CLIError
	if errors.As(err, &cliErr) {
		return cliErr.Code
	}
	return model.ExitGeneralError
}

// printError outputs an error message in the appropriate format (JSON or
// text) based on the --json global flag.
func printError(w io.Writer, err error) {
	message, detail := err.Error(), ""
	var cliErr *model.CLIError
	if errors.As(err, &cliErr) {
		message = cliErr.Message
		if cliErr.Err != nil {
			detail = cliErr.Err.Error()
		}
	}

	if jsonOutput {
		errObj := map[string]interface{}{
			"message": message,
			"code":    int(exitCode(err)),
		}
		if detail != "" {
			errObj["detail"] = detail
		}
		data, _ := json.MarshalIndent(map[string]interface{}{"error": errObj}, "", "  ")
		fmt.Fprintln(w, string(data))
		return
	}

	if detail != "" {
		fmt.Fprintf(w, "Error: %s: %s\n", message, detail)
	} else {
		fmt.Fprintf(w, "Error: %s\n", message)
	}
}

// VerboseLog writes a debug message through the context logger. It only
// shows up with --verbose.
func VerboseLog(ctx context.Context, format string, args ...interface{}) {
	ctxlog.FromContext(ctx).Debug(fmt.Sprintf(format, args...))
}

// IsJSONOutput returns whether the --json flag is set.
// Subcommands use this to decide their output format.
func IsJSONOutput() bool {
	return jsonOutput
}
