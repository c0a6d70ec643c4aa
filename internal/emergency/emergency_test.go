package emergency

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lyzr/stratengine/internal/events"
	"github.com/lyzr/stratengine/internal/eventbus"
	"github.com/lyzr/stratengine/internal/logging"
	"github.com/lyzr/stratengine/internal/statestore"
)

func newTestController(t *testing.T) (*Controller, *eventbus.Memory) {
	t.Helper()
	store := statestore.NewMemory()
	bus := eventbus.NewMemory(logging.New("error", "console"))
	cfg := Config{DailyLossLimit: -100.0, MaxPositionSize: 1000, MaxDrawdownPercent: 20, PersistState: true}
	return New(context.Background(), cfg, store, bus), bus
}

func TestController_InitialStateIsNormal(t *testing.T) {
	c, _ := newTestController(t)
	assert.Equal(t, StateNormal, c.State())
	assert.True(t, c.CanOperate())
	assert.True(t, c.CanTrade())
}

func TestController_AllowedTransitions(t *testing.T) {
	c, _ := newTestController(t)
	ctx := context.Background()

	require.NoError(t, c.Alert(ctx, "elevated volatility"))
	assert.Equal(t, StateAlert, c.State())
	assert.True(t, c.CanTrade())

	require.NoError(t, c.Halt(ctx, "manual halt"))
	assert.Equal(t, StateHalt, c.State())
	assert.False(t, c.CanTrade())
	assert.True(t, c.CanOperate())

	require.NoError(t, c.Resume(ctx, "all clear"))
	assert.Equal(t, StateNormal, c.State())
}

func TestController_ForbiddenTransitions(t *testing.T) {
	c, _ := newTestController(t)
	ctx := context.Background()

	require.NoError(t, c.Alert(ctx, "x"))
	err := c.Halt(ctx, "y")
	require.NoError(t, err)

	err = c.Alert(ctx, "from halt is forbidden")
	assert.Error(t, err)

	require.NoError(t, c.Shutdown(ctx, "terminal"))
	assert.Error(t, c.Resume(ctx, "cannot resume from shutdown"))
	assert.Error(t, c.Shutdown(ctx, "already shutdown but still forbidden"))
}

func TestController_AssertCanTrade_FailsWhenHalted(t *testing.T) {
	c, _ := newTestController(t)
	ctx := context.Background()
	require.NoError(t, c.Halt(ctx, "test"))

	err := c.AssertCanTrade()
	require.Error(t, err)
	var halted *EmergencyHalted
	require.ErrorAs(t, err, &halted)
	assert.Equal(t, StateHalt, halted.State)
}

func TestController_AssertCanOperate_FailsOnlyWhenShutdown(t *testing.T) {
	c, _ := newTestController(t)
	ctx := context.Background()
	require.NoError(t, c.Halt(ctx, "test"))
	assert.NoError(t, c.AssertCanOperate())

	require.NoError(t, c.Shutdown(ctx, "terminal"))
	assert.Error(t, c.AssertCanOperate())
}

func TestController_CheckLimit_AutoHaltsOnDailyLossBreach(t *testing.T) {
	c, _ := newTestController(t)
	ctx := context.Background()

	result, err := c.CheckLimit(ctx, "daily_loss", -50.0)
	require.NoError(t, err)
	assert.True(t, result.OK)
	assert.Equal(t, StateNormal, c.State())

	result, err = c.CheckLimit(ctx, "daily_loss", -120.0)
	require.NoError(t, err)
	assert.False(t, result.OK)
	assert.Equal(t, StateHalt, c.State())
}

func TestController_CheckLimit_PositiveLimitViolation(t *testing.T) {
	c, _ := newTestController(t)
	ctx := context.Background()

	result, err := c.CheckLimit(ctx, "max_position_size", 1200.0)
	require.NoError(t, err)
	assert.False(t, result.OK)
	assert.Equal(t, StateHalt, c.State())
}

func TestController_CheckLimit_UnknownLimitErrors(t *testing.T) {
	c, _ := newTestController(t)
	_, err := c.CheckLimit(context.Background(), "nonexistent", 1.0)
	assert.Error(t, err)
}

func TestController_TransitionsArePersistedAndPublished(t *testing.T) {
	c, bus := newTestController(t)
	ctx := context.Background()

	received := make(chan events.Envelope, 1)
	_, err := bus.Subscribe(ctx, "workflow:events", func(ctx context.Context, ev events.Envelope) {
		received <- ev
	})
	require.NoError(t, err)

	require.NoError(t, c.Halt(ctx, "breach"))

	ev := <-received
	assert.Equal(t, events.TypeEmergencyStateChanged, ev.Type)

	log := c.EventLog()
	require.Len(t, log, 1)
	assert.Equal(t, StateNormal, log[0].From)
	assert.Equal(t, StateHalt, log[0].To)
}
