package orchestrator

import (
	"context"
	"errors"
	"fmt"

	"golang.org/x/time/rate"

	"github.com/mmr-tortoise/berth/internal/ctxlog"
	"github.com/mmr-tortoise/berth/internal/engine"
	"github.com/mmr-tortoise/berth/internal/model"
	"github.com/mmr-tortoise/berth/internal/reconcile"
)

// perform runs one action: conflict check, precondition check, the engine
// operation under the retry policy and, for start-service, the readiness
// wait. It returns the number of attempts of the engine operation.
func (o *Orchestrator) perform(ctx context.Context, a *reconcile.Action) (int, error) {
	if a.Conflict != nil {
		return 0, a.Conflict
	}

	if err := o.checkPrecondition(ctx, a); err != nil {
		return 0, err
	}

	attempts, err := o.opts.Retry.Do(ctx, func(ctx context.Context) error {
		return o.apply(ctx, a)
	})
	if err != nil {
		return attempts, err
	}

	if a.Kind == reconcile.StartService {
		if err := o.waitReady(ctx, a); err != nil {
			return attempts, err
		}
	}
	return attempts, nil
}

// checkPrecondition compares the live resource with the state the plan
// expects.
func (o *Orchestrator) checkPrecondition(ctx context.Context, a *reconcile.Action) error {
	pre := a.Precondition
	if pre.Expect == reconcile.ExpectAny {
		return nil
	}

	var observed *engine.Resource
	_, err := o.opts.Retry.Do(ctx, func(ctx context.Context) error {
		var err error
		observed, err = o.eng.Inspect(ctx, a.Resource.Kind, a.Resource.EngineName)
		return err
	})
	if err != nil && !errors.Is(err, engine.ErrNotFound) {
		return fmt.Errorf("failed to check %s %s: %w", a.Resource.Kind, a.Resource.EngineName, err)
	}
	present := err == nil

	switch {
	case pre.Expect == reconcile.ExpectAbsent && present:
		return fmt.Errorf("%w: %s %s already exists", ErrStateDiverged, a.Resource.Kind, a.Resource.EngineName)
	case pre.Expect == reconcile.ExpectPresent && !present:
		return fmt.Errorf("%w: %s %s no longer exists", ErrStateDiverged, a.Resource.Kind, a.Resource.EngineName)
	case pre.Expect == reconcile.ExpectPresent && pre.ID != "" && observed.ID != pre.ID:
		return fmt.Errorf("%w: %s %s was replaced (id %s, planned %s)",
			ErrStateDiverged, a.Resource.Kind, a.Resource.EngineName, observed.ID, pre.ID)
	}
	return nil
}

// apply performs the engine operation of an action once.
func (o *Orchestrator) apply(ctx context.Context, a *reconcile.Action) error {
	name := a.Resource.EngineName

	switch a.Kind {
	case reconcile.CreateNetwork:
		if a.Network == nil {
			return fmt.Errorf("action %s has no network spec", a.ID)
		}
		return o.eng.CreateNetwork(ctx, *a.Network)
	case reconcile.CreateVolume:
		if a.Volume == nil {
			return fmt.Errorf("action %s has no volume spec", a.ID)
		}
		return o.eng.CreateVolume(ctx, *a.Volume)
	case reconcile.CreateContainer:
		if a.Container == nil {
			return fmt.Errorf("action %s has no container spec", a.ID)
		}
		return o.eng.CreateContainer(ctx, a.Container)
	case reconcile.StartService:
		return o.eng.StartContainer(ctx, name)
	case reconcile.StopService:
		return o.eng.StopContainer(ctx, name, o.opts.StopTimeout)
	case reconcile.RemoveContainer:
		return ignoreNotFound(o.eng.RemoveContainer(ctx, name))
	case reconcile.RemoveNetwork:
		return ignoreNotFound(o.eng.RemoveNetwork(ctx, name))
	case reconcile.RemoveVolume:
		return ignoreNotFound(o.eng.RemoveVolume(ctx, name))
	case reconcile.RequireNetwork, reconcile.RequireVolume:
		return &model.ReconciliationConflictError{
			Resource: fmt.Sprintf("%s %s", a.Resource.Kind, name),
			Reason:   "declared external but not found",
		}
	default:
		return fmt.Errorf("unknown action kind %q", a.Kind)
	}
}

// ignoreNotFound treats removing an already absent resource as success.
// A removal whose first attempt succeeded but reported a transient error
// finds nothing left on retry.
func ignoreNotFound(err error) error {
	if errors.Is(err, engine.ErrNotFound) {
		return nil
	}
	return err
}

// waitReady polls the readiness check until it passes, the check reports
// the service can never become ready, or the readiness timeout expires.
func (o *Orchestrator) waitReady(ctx context.Context, a *reconcile.Action) error {
	readiness := a.Readiness
	if readiness == "" {
		readiness = model.ReadinessStarted
	}
	name := a.Resource.EngineName
	logger := ctxlog.FromContext(ctx).With("action", a.ID, "readiness", readiness)

	waitCtx, cancel := context.WithTimeout(ctx, o.opts.ReadinessTimeout)
	defer cancel()

	limiter := rate.NewLimiter(rate.Every(o.opts.ReadinessInterval), 1)
	for checks := 1; ; checks++ {
		if err := limiter.Wait(waitCtx); err != nil {
			return o.readinessExpired(ctx, a, readiness)
		}

		ready, err := o.eng.Ready(waitCtx, name, readiness)
		switch {
		case err == nil && ready:
			logger.Debug("service ready", "checks", checks)
			return nil
		case err == nil:
			continue
		case waitCtx.Err() != nil:
			return o.readinessExpired(ctx, a, readiness)
		case model.IsTransient(err):
			logger.Debug("transient readiness error", "error", err)
			continue
		default:
			return fmt.Errorf("%w: %s: %w", ErrNotReady, a.Resource.Name, err)
		}
	}
}

func (o *Orchestrator) readinessExpired(ctx context.Context, a *reconcile.Action, readiness model.Readiness) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return fmt.Errorf("%w: %s not %s after %s", ErrNotReady, a.Resource.Name, readiness, o.opts.ReadinessTimeout)
}
