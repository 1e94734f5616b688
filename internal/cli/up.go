package cli

import (
	"context"
	"errors"
	"io"

	"github.com/spf13/cobra"

	"github.com/mmr-tortoise/berth/internal/lock"
	"github.com/mmr-tortoise/berth/internal/model"
	"github.com/mmr-tortoise/berth/internal/orchestrator"
	"github.com/mmr-tortoise/berth/internal/port"
	"github.com/mmr-tortoise/berth/internal/reconcile"
)

// upFlags holds the flag values for the up command.
type upFlags struct {
	dryRun        bool // --dry-run: print the plan only
	removeOrphans bool // --remove-orphans: remove undeclared project containers
	skipPortCheck bool // --skip-port-check: skip the host port pre-flight
	parallel      int  // --parallel: bound on concurrently running actions
}

// NewUpCommand creates the "up" cobra command.
func NewUpCommand() *cobra.Command {
	flags := &upFlags{}

	cmd := &cobra.Command{
		Use:   "up",
		Short: "Create and start the project's containers",
		Long: `Bring the engine to the state declared in the project definition.

Missing networks and volumes are created, containers whose configuration
changed are recreated, and services start in dependency order. Services
that are already up to date are left alone.

Examples:
  berth up
  berth up -f ./deploy/compose.yaml --env-file prod.env
  berth up --dry-run
  berth up --parallel 2 --remove-orphans`,

		Args: cobra.NoArgs,

		RunE: func(cmd *cobra.Command, args []string) error {
			return runUp(cmd.Context(), cmd.OutOrStdout(), cmd.ErrOrStderr(), flags)
		},
	}

	cmd.Flags().BoolVar(&flags.dryRun, "dry-run", false, "Print the plan without executing it")
	cmd.Flags().BoolVar(&flags.removeOrphans, "remove-orphans", false, "Remove containers of this project that are no longer declared")
	cmd.Flags().BoolVar(&flags.skipPortCheck, "skip-port-check", false, "Do not check host port availability before starting")
	cmd.Flags().IntVar(&flags.parallel, "parallel", -1, "Maximum number of concurrent actions (0: unbounded, default: from settings)")

	return cmd
}

// runUp loads the project, observes the engine, plans and executes.
func runUp(ctx context.Context, stdout, stderr io.Writer, flags *upFlags) error {
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

	plan, err := reconcile.Up(ws.project, snap, reconcile.UpOptions{RemoveOrphans: flags.removeOrphans})
	if err != nil {
		return planningError(err)
	}
	VerboseLog(ctx, "Plan: %s", plan.SummaryLine())

	if flags.dryRun {
		return printPlan(stdout, plan)
	}

	if !flags.skipPortCheck {
		if err := port.Preflight(plan, port.NewScanner()); err != nil {
			return model.WrapCLIError(model.ExitPortConflict, "cannot publish host ports", err)
		}
	}

	return executePlan(ctx, stdout, stderr, ws, eng, plan, flags.parallel)
}

// executePlan runs plan and prints its report. parallel overrides the
// settings when not negative.
func executePlan(ctx context.Context, stdout, stderr io.Writer, ws *workspace, eng engineConn, plan *reconcile.Plan, parallel int) error {
	opts := orchestrator.OptionsFrom(ws.settings)
	if parallel >= 0 {
		opts.Parallelism = parallel
	}
	opts.Locker = projectLocker()
	opts.OnTransition = progressPrinter(stderr)

	report, err := orchestrator.New(eng, opts).Execute(ctx, plan)
	if report == nil {
		switch {
		case errors.Is(err, lock.ErrProjectBusy):
			return model.WrapCLIError(model.ExitProjectBusy, "project is busy", err)
		default:
			return model.WrapCLIError(model.ExitGeneralError, "failed to execute plan", err)
		}
	}

	if perr := printReport(stdout, report); perr != nil {
		return perr
	}
	if oerr := outcomeError(report); oerr != nil {
		return oerr
	}
	if err != nil {
		return model.WrapCLIError(model.ExitGeneralError, "interrupted", err)
	}
	return nil
}
