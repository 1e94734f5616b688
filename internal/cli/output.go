package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/mmr-tortoise/berth/internal/model"
	"github.com/mmr-tortoise/berth/internal/orchestrator"
	"github.com/mmr-tortoise/berth/internal/reconcile"
)

// writeJSON writes v as indented JSON followed by a newline.
func writeJSON(w io.Writer, v interface{}) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode output: %w", err)
	}
	_, err = fmt.Fprintln(w, string(data))
	return err
}

// planJSON is the JSON shape of a dry-run plan.
type planJSON struct {
	Project   string              `json:"project"`
	Direction reconcile.Direction `json:"direction"`
	Summary   string              `json:"summary"`
	Actions   []planActionJSON    `json:"actions"`
}

type planActionJSON struct {
	*reconcile.Action
	Conflict string `json:"conflict,omitempty"`
}

// printPlan outputs a plan without executing it.
//
// Text format:
//
//	Plan for shop (up): 2 create-network, 3 create-container, 3 start-service
//	  create-network    back (shop_back): network absent
//	  ...
func printPlan(w io.Writer, plan *reconcile.Plan) error {
	if IsJSONOutput() {
		out := planJSON{
			Project:   plan.Project,
			Direction: plan.Direction,
			Summary:   plan.SummaryLine(),
			Actions:   make([]planActionJSON, 0, len(plan.Actions)),
		}
		for _, a := range plan.Actions {
			entry := planActionJSON{Action: a}
			if a.Conflict != nil {
				entry.Conflict = a.Conflict.Error()
			}
			out.Actions = append(out.Actions, entry)
		}
		return writeJSON(w, out)
	}

	fmt.Fprintf(w, "Plan for %s (%s): %s\n", plan.Project, plan.Direction, plan.SummaryLine())
	for _, a := range plan.Actions {
		fmt.Fprintf(w, "  %s\n", a)
	}
	return nil
}

// progressPrinter returns the OnTransition observer printing one line per
// finished action. JSON mode prints nothing until the final report.
func progressPrinter(w io.Writer) func(orchestrator.Transition) {
	if IsJSONOutput() {
		return nil
	}
	return func(t orchestrator.Transition) {
		if !t.To.Terminal() {
			return
		}
		line := fmt.Sprintf("%-9s %s", t.To, t.Action.String())
		switch {
		case t.Result.Error != "":
			line += ": " + t.Result.Error
		case t.To == orchestrator.StatusSkipped && t.Result.Reason != "":
			line += " (" + t.Result.Reason + ")"
		}
		fmt.Fprintln(w, line)
	}
}

// printReport outputs the execution report.
//
// Text format:
//
//	up shop: partial, 2 succeeded, 1 failed, 1 skipped in 1.2s
//	  succeeded create-network    default
//	  succeeded create-container  db
//	  failed    start-service     db: exec format error
//	  skipped   create-container  web (dependency start-service:db did not succeed)
func printReport(w io.Writer, report *orchestrator.Report) error {
	if IsJSONOutput() {
		type reportJSON struct {
			*orchestrator.Report
			Outcome orchestrator.Outcome `json:"outcome"`
		}
		return writeJSON(w, reportJSON{Report: report, Outcome: report.Outcome()})
	}

	counts := report.Counts()
	fmt.Fprintf(w, "%s %s: %s, %d succeeded, %d failed, %d skipped in %s\n",
		report.Direction, report.Project, report.Outcome(),
		counts[orchestrator.StatusSucceeded],
		counts[orchestrator.StatusFailed],
		counts[orchestrator.StatusSkipped],
		report.Duration().Round(time.Millisecond),
	)
	for _, res := range report.Results {
		line := fmt.Sprintf("  %-9s %-17s %s", res.Status, res.Kind, res.Resource.Name)
		switch {
		case res.Error != "":
			line += ": " + res.Error
		case res.Status == orchestrator.StatusSkipped && res.Reason != "":
			line += " (" + res.Reason + ")"
		}
		fmt.Fprintln(w, line)
	}
	if report.Canceled {
		fmt.Fprintln(w, "Interrupted: actions that had not started were skipped.")
	}
	return nil
}

// outcomeError maps a report to the command's result: nil on success,
// ExitPartialFailure or ExitTotalFailure otherwise.
func outcomeError(report *orchestrator.Report) error {
	failed := report.Failed()
	switch report.Outcome() {
	case orchestrator.OutcomeSuccess:
		return nil
	case orchestrator.OutcomePartial:
		return model.NewCLIError(model.ExitPartialFailure, failureMessage("partially applied", failed, report))
	default:
		return model.NewCLIError(model.ExitTotalFailure, failureMessage("failed", failed, report))
	}
}

func failureMessage(verb string, failed []*orchestrator.ActionResult, report *orchestrator.Report) string {
	msg := fmt.Sprintf("%s %s %s", report.Direction, report.Project, verb)
	if report.Canceled {
		msg += " (interrupted)"
	}
	if len(failed) == 0 {
		return msg
	}
	parts := make([]string, len(failed))
	for i, f := range failed {
		parts[i] = f.ID
	}
	return msg + ": " + strings.Join(parts, ", ")
}
