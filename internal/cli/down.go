package cli

import (
	"context"
	"io"

	"github.com/spf13/cobra"

	"github.com/mmr-tortoise/berth/internal/reconcile"
)

// downFlags holds the flag values for the down command.
type downFlags struct {
	volumes       bool // --volumes: also remove managed volumes
	removeOrphans bool // --remove-orphans: also remove undeclared project containers
	dryRun        bool // --dry-run: print the plan only
}

// NewDownCommand creates the "down" cobra command.
func NewDownCommand() *cobra.Command {
	flags := &downFlags{}

	cmd := &cobra.Command{
		Use:   "down",
		Short: "Stop and remove the project's containers and networks",
		Long: `Stop and remove the containers of every declared service, in reverse
dependency order, then the networks berth created for the project.

Named volumes are kept unless --volumes is given. External networks and
volumes are never removed.

Examples:
  berth down
  berth down --volumes
  berth down --remove-orphans --dry-run`,

		Args: cobra.NoArgs,

		RunE: func(cmd *cobra.Command, args []string) error {
			return runDown(cmd.Context(), cmd.OutOrStdout(), cmd.ErrOrStderr(), flags)
		},
	}

	cmd.Flags().BoolVar(&flags.volumes, "volumes", false, "Remove named volumes declared by the project")
	cmd.Flags().BoolVar(&flags.removeOrphans, "remove-orphans", false, "Remove containers of this project that are no longer declared")
	cmd.Flags().BoolVar(&flags.dryRun, "dry-run", false, "Print the plan without executing it")

	return cmd
}

func runDown(ctx context.Context, stdout, stderr io.Writer, flags *downFlags) error {
	ws, err := loadWorkspace(ctx)
	if err != nil {
		return err
	}

	eng, err := connectEngine(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = eng.Close() }()

	snap, err := reconcile.Observe(ctx, eng, ws.project)
	if err != nil {
		return engineError("failed to observe engine state", err)
	}

	plan, err := reconcile.Down(ws.project, snap, reconcile.DownOptions{
		RemoveVolumes: flags.volumes,
		RemoveOrphans: flags.removeOrphans,
	})
	if err != nil {
		return planningError(err)
	}
	VerboseLog(ctx, "Plan: %s", plan.SummaryLine())

	if flags.dryRun {
		return printPlan(stdout, plan)
	}
	return executePlan(ctx, stdout, stderr, ws, eng, plan, -1)
}
