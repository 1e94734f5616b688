package orchestrator

import (
	"time"

	"github.com/mmr-tortoise/berth/internal/reconcile"
)

// Outcome summarizes a run.
type Outcome string

const (
	// OutcomeSuccess means every action succeeded (or there was nothing to do).
	OutcomeSuccess Outcome = "success"

	// OutcomePartial means some actions succeeded and some did not.
	OutcomePartial Outcome = "partial"

	// OutcomeFailure means no action succeeded and at least one did not.
	OutcomeFailure Outcome = "failure"
)

// ActionResult is the final state of one action.
type ActionResult struct {
	ID       string                `json:"id"`
	Kind     reconcile.ActionKind  `json:"kind"`
	Resource reconcile.ResourceRef `json:"resource"`
	Status   Status                `json:"status"`

	// Attempts counts engine attempts of the action's main operation.
	Attempts int `json:"attempts"`

	// Err is the failure cause. Error carries its text for JSON output.
	Err   error  `json:"-"`
	Error string `json:"error,omitempty"`

	// Reason explains a skip, or repeats the plan's reason otherwise.
	Reason string `json:"reason,omitempty"`

	Duration time.Duration `json:"duration"`

	started time.Time
}

// Report is the result of executing one plan.
type Report struct {
	// RunID identifies this execution in logs.
	RunID string `json:"runId"`

	Project   string              `json:"project"`
	Direction reconcile.Direction `json:"direction"`
	Started   time.Time           `json:"started"`
	Finished  time.Time           `json:"finished"`

	// Canceled is set when the run stopped early because its context ended.
	Canceled bool `json:"canceled,omitempty"`

	// Results are in plan order.
	Results []*ActionResult `json:"results"`
}

// Result returns the result of the action with the given ID, or nil.
func (r *Report) Result(id string) *ActionResult {
	for _, res := range r.Results {
		if res.ID == id {
			return res
		}
	}
	return nil
}

// Counts returns the number of actions per final status.
func (r *Report) Counts() map[Status]int {
	counts := make(map[Status]int)
	for _, res := range r.Results {
		counts[res.Status]++
	}
	return counts
}

// Failed returns the failed actions in plan order.
func (r *Report) Failed() []*ActionResult {
	return r.withStatus(StatusFailed)
}

// Skipped returns the skipped actions in plan order.
func (r *Report) Skipped() []*ActionResult {
	return r.withStatus(StatusSkipped)
}

func (r *Report) withStatus(s Status) []*ActionResult {
	var out []*ActionResult
	for _, res := range r.Results {
		if res.Status == s {
			out = append(out, res)
		}
	}
	return out
}

// Outcome classifies the run.
func (r *Report) Outcome() Outcome {
	counts := r.Counts()
	incomplete := len(r.Results) - counts[StatusSucceeded]
	switch {
	case incomplete == 0:
		return OutcomeSuccess
	case counts[StatusSucceeded] == 0:
		return OutcomeFailure
	default:
		return OutcomePartial
	}
}

// Duration is the wall time of the run.
func (r *Report) Duration() time.Duration {
	return r.Finished.Sub(r.Started)
}
