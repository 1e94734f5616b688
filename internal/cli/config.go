package cli

import (
	"context"
	"fmt"
	"io"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/mmr-tortoise/berth/internal/graph"
)

// configFlags holds the flag values for the config command.
type configFlags struct {
	services     bool // --services: print service names only
	resolveOrder bool // --resolve-order: print the startup order only
}

// NewConfigCommand creates the "config" cobra command. It never contacts
// the engine, so it doubles as a validator for definition files.
func NewConfigCommand() *cobra.Command {
	flags := &configFlags{}

	cmd := &cobra.Command{
		Use:   "config",
		Short: "Validate and print the resolved project definition",
		Long: `Load the project definition, substitute variables, validate it and print
the result. Nothing is sent to the engine.

Examples:
  berth config
  berth config --json
  berth config --services
  berth config --resolve-order`,

		Args: cobra.NoArgs,

		RunE: func(cmd *cobra.Command, args []string) error {
			return runConfig(cmd.Context(), cmd.OutOrStdout(), flags)
		},
	}

	cmd.Flags().BoolVar(&flags.services, "services", false, "Print the service names in declaration order")
	cmd.Flags().BoolVar(&flags.resolveOrder, "resolve-order", false, "Print the services in startup order")
	cmd.MarkFlagsMutuallyExclusive("services", "resolve-order")

	return cmd
}

func runConfig(ctx context.Context, stdout io.Writer, flags *configFlags) error {
	ws, err := loadWorkspace(ctx)
	if err != nil {
		return err
	}
	p := ws.project

	// Cycles are only detected by the graph builder, so every mode builds it.
	g, err := graph.Build(p)
	if err != nil {
		return planningError(err)
	}

	switch {
	case flags.services:
		return printNames(stdout, "services", p.ServiceOrder)
	case flags.resolveOrder:
		return printNames(stdout, "order", g.StartupOrder())
	}

	if IsJSONOutput() {
		return writeJSON(stdout, p)
	}
	data, err := yaml.Marshal(p)
	if err != nil {
		return fmt.Errorf("failed to render project: %w", err)
	}
	_, err = stdout.Write(data)
	return err
}

// printNames prints one name per line, or {"<key>": [...]} in JSON mode.
func printNames(w io.Writer, key string, names []string) error {
	if IsJSONOutput() {
		if names == nil {
			names = []string{}
		}
		return writeJSON(w, map[string][]string{key: names})
	}
	for _, n := range names {
		fmt.Fprintln(w, n)
	}
	return nil
}
