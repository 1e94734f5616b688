package cli

import (
	"context"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/mmr-tortoise/berth/internal/engine"
)

// NewPsCommand creates the "ps" cobra command.
func NewPsCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "ps",
		Short: "List the project's containers",
		Long: `List the containers the engine reports for this project, including
containers of services that are no longer declared.

Examples:
  berth ps
  berth ps --json`,

		Args: cobra.NoArgs,

		RunE: func(cmd *cobra.Command, args []string) error {
			return runPs(cmd.Context(), cmd.OutOrStdout())
		},
	}

	return cmd
}

// psEntryJSON is the JSON output structure for one container.
type psEntryJSON struct {
	Name     string   `json:"name"`
	Service  string   `json:"service"`
	State    string   `json:"state"`
	Image    string   `json:"image"`
	Declared bool     `json:"declared"`
	Networks []string `json:"networks"`
}

func runPs(ctx context.Context, stdout io.Writer) error {
	ws, err := loadWorkspace(ctx)
	if err != nil {
		return err
	}

	eng, err := connectEngine(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = eng.Close() }()

	containers, err := eng.ListContainers(ctx, ws.project.Name)
	if err != nil {
		return engineError("failed to list containers", err)
	}
	VerboseLog(ctx, "Found %d containers", len(containers))

	entries := make([]psEntryJSON, 0, len(containers))
	for _, c := range containers {
		_, declared := ws.project.Services[c.Service()]
		entries = append(entries, psEntryJSON{
			Name:     c.Name,
			Service:  c.Service(),
			State:    stateText(c),
			Image:    c.Image,
			Declared: declared && ws.project.ContainerName(c.Service()) == c.Name,
			Networks: append([]string{}, c.Networks...),
		})
	}

	if IsJSONOutput() {
		return writeJSON(stdout, map[string][]psEntryJSON{"containers": entries})
	}
	printPsText(stdout, entries)
	return nil
}

// stateText combines the container state with its health, e.g.
// "running (healthy)".
func stateText(c *engine.Resource) string {
	if c.Health == "" {
		return string(c.State)
	}
	return fmt.Sprintf("%s (%s)", c.State, c.Health)
}

// printPsText outputs containers as a table:
//
//	NAME                 SERVICE         STATE                IMAGE
//	shop-db-1            db              running (healthy)    postgres:16
//	shop-old-1           old*            exited               busybox
//
// A trailing "*" marks services that are no longer declared.
func printPsText(w io.Writer, entries []psEntryJSON) {
	if len(entries) == 0 {
		fmt.Fprintln(w, "No containers found.")
		return
	}

	fmt.Fprintf(w, "%-20s %-15s %-20s %s\n", "NAME", "SERVICE", "STATE", "IMAGE")
	for _, e := range entries {
		service := e.Service
		if !e.Declared {
			service += "*"
		}
		fmt.Fprintf(w, "%-20s %-15s %-20s %s\n", e.Name, service, e.State, e.Image)
	}
}
