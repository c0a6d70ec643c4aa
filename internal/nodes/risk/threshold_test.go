package risk

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lyzr/stratengine/internal/emergency"
	"github.com/lyzr/stratengine/internal/eventbus"
	"github.com/lyzr/stratengine/internal/infra"
	"github.com/lyzr/stratengine/internal/logging"
	"github.com/lyzr/stratengine/internal/statestore"
)

func testAssembly(t *testing.T) *infra.Assembly {
	t.Helper()
	store := statestore.NewMemory()
	bus := eventbus.NewMemory(logging.New("error", "console"))
	controller := emergency.New(context.Background(), emergency.Config{
		DailyLossLimit:     -500,
		MaxPositionSize:    1000,
		MaxDrawdownPercent: 20,
	}, store, bus)
	return &infra.Assembly{State: store, Events: bus, Emergency: controller}
}

func TestThresholdHandler_WithinLimitReportsOK(t *testing.T) {
	assembly := testAssembly(t)
	assembly.Emergency.RegisterLimit(context.Background(), "daily_loss", -500, true)

	ctx := infra.WithContext(context.Background(), assembly)
	h := NewThresholdHandler()

	out, err := h.Handle(ctx, map[string]any{"0": -100.0}, map[string]any{"limit_name": "daily_loss"})
	require.NoError(t, err)

	result := out["0"].(map[string]any)
	assert.Equal(t, true, result["ok"])
}

func TestThresholdHandler_BreachHaltsController(t *testing.T) {
	assembly := testAssembly(t)
	assembly.Emergency.RegisterLimit(context.Background(), "daily_loss", -500, true)

	ctx := infra.WithContext(context.Background(), assembly)
	h := NewThresholdHandler()

	out, err := h.Handle(ctx, map[string]any{"0": -600.0}, map[string]any{"limit_name": "daily_loss"})
	require.NoError(t, err)

	result := out["0"].(map[string]any)
	assert.Equal(t, false, result["ok"])
	assert.Equal(t, emergency.StateHalt, assembly.Emergency.State())
}

func TestThresholdHandler_UnknownLimitErrors(t *testing.T) {
	assembly := testAssembly(t)
	ctx := infra.WithContext(context.Background(), assembly)
	h := NewThresholdHandler()

	_, err := h.Handle(ctx, map[string]any{"0": 1.0}, map[string]any{"limit_name": "nonexistent"})
	assert.Error(t, err)
}

func TestThresholdHandler_MissingPropertiesErrors(t *testing.T) {
	assembly := testAssembly(t)
	ctx := infra.WithContext(context.Background(), assembly)
	h := NewThresholdHandler()

	_, err := h.Handle(ctx, map[string]any{"0": 1.0}, map[string]any{})
	assert.Error(t, err)
}

func TestThresholdHandler_NoAssemblyInContextErrors(t *testing.T) {
	h := NewThresholdHandler()
	_, err := h.Handle(context.Background(), map[string]any{"0": 1.0}, map[string]any{"limit_name": "daily_loss"})
	assert.Error(t, err)
}
