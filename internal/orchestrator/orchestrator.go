// Package orchestrator executes reconciliation plans against the engine.
//
// Actions run concurrently as soon as every action they depend on has
// succeeded. A single goroutine owns all scheduling state: workers only
// perform engine calls and report back over a channel, so the scheduler
// never blocks on any one action and transitions are observed in a
// consistent order.
//
// Failures are contained: a failed action skips its transitive dependents
// while independent branches continue. Cancelling the context stops new
// actions from being dispatched; actions already running finish or fail
// on their own, and everything else ends skipped.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/mmr-tortoise/berth/internal/config"
	"github.com/mmr-tortoise/berth/internal/ctxlog"
	"github.com/mmr-tortoise/berth/internal/engine"
	"github.com/mmr-tortoise/berth/internal/lock"
	"github.com/mmr-tortoise/berth/internal/reconcile"
)

// ErrStateDiverged is returned when an action's resource no longer
// matches the state observed while planning.
var ErrStateDiverged = errors.New("observed state diverged since planning")

// ErrNotReady is returned when a started service does not become ready.
var ErrNotReady = errors.New("service did not become ready")

// Transition describes one state change, delivered to Options.OnTransition.
type Transition struct {
	Action *reconcile.Action
	From   Status
	To     Status
	Result *ActionResult
}

// Options configures an Orchestrator.
type Options struct {
	// Parallelism bounds concurrently running actions. Zero means unbounded.
	Parallelism int

	// Retry governs retries of transient engine errors.
	Retry RetryPolicy

	// ReadinessTimeout bounds how long a start-service action waits for
	// its readiness check; ReadinessInterval spaces the checks.
	ReadinessTimeout  time.Duration
	ReadinessInterval time.Duration

	// StopTimeout is the grace period passed to StopContainer.
	StopTimeout time.Duration

	// Locker provides project-level mutual exclusion. Nil uses a locker
	// shared by every Orchestrator in the process.
	Locker lock.Locker

	// OnTransition, when set, is called for every status change. Calls
	// come from a single goroutine, in order.
	OnTransition func(Transition)
}

// OptionsFrom builds Options from tool settings.
func OptionsFrom(s config.Settings) Options {
	return Options{
		Parallelism:       s.Parallelism,
		Retry:             RetryPolicyFrom(s.Retry),
		ReadinessTimeout:  s.Readiness.Timeout.Std(),
		ReadinessInterval: s.Readiness.Interval.Std(),
		StopTimeout:       s.StopTimeout.Std(),
	}
}

var processLocker = &lock.Memory{}

// Orchestrator executes plans.
type Orchestrator struct {
	eng  engine.Engine
	opts Options
}

// New returns an Orchestrator driving eng. Zero durations in opts fall
// back to the built-in settings.
func New(eng engine.Engine, opts Options) *Orchestrator {
	defaults := OptionsFrom(config.Default())
	if opts.Retry.MaxAttempts == 0 {
		opts.Retry = defaults.Retry
	}
	if opts.ReadinessTimeout <= 0 {
		opts.ReadinessTimeout = defaults.ReadinessTimeout
	}
	if opts.ReadinessInterval <= 0 {
		opts.ReadinessInterval = defaults.ReadinessInterval
	}
	if opts.StopTimeout < 0 {
		opts.StopTimeout = defaults.StopTimeout
	}
	if opts.Locker == nil {
		opts.Locker = processLocker
	}
	return &Orchestrator{eng: eng, opts: opts}
}

// completion is sent by a worker when its action finishes.
type completion struct {
	id       string
	attempts int
	err      error
}

// run holds the scheduling state of one Execute call. Only the scheduler
// goroutine touches it.
type run struct {
	o          *Orchestrator
	plan       *reconcile.Plan
	report     *Report
	results    map[string]*ActionResult
	waiting    map[string]int
	dependents map[string][]string
	queue      []string
	running    int
}

// Execute runs the plan and returns a report covering every action. The
// returned error is non-nil only when execution could not begin (an
// invalid plan or a busy project) or when ctx was cancelled; in the latter
// case the report is returned as well.
func (o *Orchestrator) Execute(ctx context.Context, plan *reconcile.Plan) (*Report, error) {
	if err := plan.Validate(); err != nil {
		return nil, fmt.Errorf("invalid plan: %w", err)
	}

	unlock, err := o.opts.Locker.TryLock(plan.Project)
	if err != nil {
		return nil, err
	}
	defer unlock()

	runID := uuid.NewString()
	logger := ctxlog.FromContext(ctx).With("run", runID, "project", plan.Project)
	ctx = ctxlog.WithLogger(ctx, logger)

	r := &run{
		o:    o,
		plan: plan,
		report: &Report{
			RunID:     runID,
			Project:   plan.Project,
			Direction: plan.Direction,
			Started:   time.Now(),
		},
		results:    make(map[string]*ActionResult, len(plan.Actions)),
		waiting:    make(map[string]int, len(plan.Actions)),
		dependents: make(map[string][]string),
	}
	for _, a := range plan.Actions {
		res := &ActionResult{
			ID:       a.ID,
			Kind:     a.Kind,
			Resource: a.Resource,
			Status:   StatusPending,
			Reason:   a.Reason,
		}
		r.results[a.ID] = res
		r.report.Results = append(r.report.Results, res)
		r.waiting[a.ID] = len(a.DependsOn)
		for _, dep := range a.DependsOn {
			r.dependents[dep] = append(r.dependents[dep], a.ID)
		}
		if len(a.DependsOn) == 0 {
			r.queue = append(r.queue, a.ID)
		}
	}

	logger.Debug("executing plan", "direction", plan.Direction, "actions", len(plan.Actions))
	r.loop(ctx)

	r.report.Finished = time.Now()
	logger.Debug("plan finished", "outcome", r.report.Outcome(), "duration", r.report.Duration())

	if ctx.Err() != nil {
		r.report.Canceled = true
		return r.report, ctx.Err()
	}
	return r.report, nil
}

func (r *run) loop(ctx context.Context) {
	done := make(chan completion)
	ctxDone := ctx.Done()
	canceled := false

	for {
		if !canceled && ctx.Err() != nil {
			ctxDone = nil
			canceled = true
			r.skipPending(ctx, "canceled before start")
		}
		if !canceled {
			for len(r.queue) > 0 && ctx.Err() == nil && (r.o.opts.Parallelism <= 0 || r.running < r.o.opts.Parallelism) {
				id := r.queue[0]
				r.queue = r.queue[1:]
				r.dispatch(ctx, id, done)
			}
		}

		if r.running == 0 {
			break
		}

		select {
		case c := <-done:
			r.running--
			r.complete(ctx, c)
		case <-ctxDone:
			ctxDone = nil
			canceled = true
			r.skipPending(ctx, "canceled before start")
		}
	}

	// Whatever is left could never start: it was queued when the run was
	// canceled, or it depends on something that never ran.
	r.skipPending(ctx, "canceled before start")
}

func (r *run) dispatch(ctx context.Context, id string, done chan<- completion) {
	a := r.plan.Action(id)
	r.transition(ctx, a, StatusReady, "")
	r.transition(ctx, a, StatusRunning, "")
	r.results[id].started = time.Now()
	r.running++

	go func() {
		attempts, err := r.o.perform(ctx, a)
		done <- completion{id: id, attempts: attempts, err: err}
	}()
}

func (r *run) complete(ctx context.Context, c completion) {
	a := r.plan.Action(c.id)
	res := r.results[c.id]
	res.Attempts = c.attempts
	res.Duration = time.Since(res.started)

	if c.err != nil {
		res.Err = c.err
		res.Error = c.err.Error()
		r.transition(ctx, a, StatusFailed, "")
		ctxlog.FromContext(ctx).Warn("action failed", "action", a.ID, "attempts", c.attempts, "error", c.err)
		r.skipDependents(ctx, c.id)
		return
	}

	r.transition(ctx, a, StatusSucceeded, "")
	for _, dep := range r.dependents[c.id] {
		r.waiting[dep]--
		if r.waiting[dep] == 0 && r.results[dep].Status == StatusPending {
			r.queue = append(r.queue, dep)
		}
	}
}

// skipDependents marks every pending transitive dependent of id skipped.
func (r *run) skipDependents(ctx context.Context, id string) {
	for _, dep := range r.dependents[id] {
		if r.results[dep].Status != StatusPending {
			continue
		}
		r.transition(ctx, r.plan.Action(dep), StatusSkipped, fmt.Sprintf("dependency %s did not succeed", id))
		r.skipDependents(ctx, dep)
	}
}

func (r *run) skipPending(ctx context.Context, reason string) {
	r.queue = nil
	for _, a := range r.plan.Actions {
		if r.results[a.ID].Status == StatusPending {
			r.transition(ctx, a, StatusSkipped, reason)
		}
	}
}

func (r *run) transition(ctx context.Context, a *reconcile.Action, to Status, reason string) {
	res := r.results[a.ID]
	from := res.Status
	mustTransition(a.ID, from, to)
	res.Status = to
	if reason != "" {
		res.Reason = reason
	}

	ctxlog.FromContext(ctx).Debug("action transition", "action", a.ID, "from", from, "to", to)
	if r.o.opts.OnTransition != nil {
		r.o.opts.OnTransition(Transition{Action: a, From: from, To: to, Result: res})
	}
}
