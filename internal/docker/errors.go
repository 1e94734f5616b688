package docker

import (
	"context"
	"errors"
	"fmt"
	"strings"

	cerrdefs "github.com/containerd/errdefs"
	"github.com/docker/docker/client"

	"github.com/mmr-tortoise/berth/internal/engine"
	"github.com/mmr-tortoise/berth/internal/model"
)

// busyMarkers are daemon messages for conflicts that clear on their own
// once a concurrent operation on the same resource finishes.
var busyMarkers = []string{
	"is already in progress",
	"volume is in use",
	"has active endpoints",
	"is restarting",
	"marked for removal",
}

// translate classifies an SDK error for the operation op:
//   - context cancellation passes through untouched
//   - "not found" wraps engine.ErrNotFound
//   - connection failures, unavailable daemons and busy conflicts become
//     model.TransientEngineError, so the orchestrator retries them
//   - anything else, including name conflicts, becomes model.EngineError
func translate(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	if cerrdefs.IsNotFound(err) {
		return fmt.Errorf("%s: %w: %w", op, engine.ErrNotFound, err)
	}
	if client.IsErrConnectionFailed(err) || cerrdefs.IsUnavailable(err) || isBusy(err) {
		return &model.TransientEngineError{Op: op, Err: err}
	}
	return &model.EngineError{Op: op, Err: err}
}

// isBusy reports whether err is a conflict caused by another operation
// still running against the same resource.
func isBusy(err error) bool {
	msg := strings.ToLower(err.Error())
	for _, marker := range busyMarkers {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}
