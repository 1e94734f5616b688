package docker

import (
	"context"
	"errors"
	"fmt"
	"testing"

	cerrdefs "github.com/containerd/errdefs"
	"github.com/stretchr/testify/assert"

	"github.com/mmr-tortoise/berth/internal/engine"
	"github.com/mmr-tortoise/berth/internal/model"
)

func TestTranslate(t *testing.T) {
	assert.NoError(t, translate("noop", nil))

	notFound := translate("inspect network x", fmt.Errorf("no such network: %w", cerrdefs.ErrNotFound))
	assert.True(t, errors.Is(notFound, engine.ErrNotFound))

	unavailable := translate("start container x", fmt.Errorf("daemon restarting: %w", cerrdefs.ErrUnavailable))
	assert.True(t, model.IsTransient(unavailable))

	conflict := translate("create network x", fmt.Errorf("exists: %w", cerrdefs.ErrConflict))
	var engineErr *model.EngineError
	assert.True(t, errors.As(conflict, &engineErr))
	assert.False(t, model.IsTransient(conflict))
	assert.True(t, errors.Is(conflict, cerrdefs.ErrConflict), "the SDK error stays reachable")

	assert.Equal(t, context.Canceled, translate("stop container x", context.Canceled))
}

func TestTranslate_BusyConflicts(t *testing.T) {
	tests := []struct {
		name      string
		op        string
		err       error
		transient bool
	}{
		{
			"removal in progress",
			"remove container web",
			fmt.Errorf("removal of container web is already in progress: %w", cerrdefs.ErrConflict),
			true,
		},
		{
			"volume in use",
			"remove volume shop_data",
			fmt.Errorf("remove shop_data: volume is in use - [4f1c]: %w", cerrdefs.ErrConflict),
			true,
		},
		{
			"network with endpoints",
			"remove network shop_default",
			fmt.Errorf("error while removing network: network shop_default id 9ab has active endpoints: %w", cerrdefs.ErrConflict),
			true,
		},
		{
			"container name taken",
			"create container shop-web-1",
			fmt.Errorf(`Conflict. The container name "/shop-web-1" is already in use by container "77e1": %w`, cerrdefs.ErrConflict),
			false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := translate(tt.op, tt.err)
			assert.Equal(t, tt.transient, model.IsTransient(err), "%v", err)
			assert.True(t, errors.Is(err, cerrdefs.ErrConflict))
		})
	}
}
