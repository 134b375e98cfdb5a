package engine

import (
	"context"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bitflowhq/bitflow-core/component"
	"github.com/bitflowhq/bitflow-core/config"
	"github.com/bitflowhq/bitflow-core/errors"
	"github.com/bitflowhq/bitflow-core/yield"
)

const (
	sender    = "bc1qsenderaaaaaaaaaaaaaaaaaaaaa"
	recipient = "bc1qrecipientbbbbbbbbbbbbbbbbbb"
)

func newTestEngine(t *testing.T) (*Engine, *clock.Mock) {
	t.Helper()

	mock := clock.NewMock()
	mock.Set(time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC))

	cfg := config.DefaultConfig()
	cfg.Recovery.Operators = []string{"ops-team"}
	cfg.Yield.Protocols = []config.ProtocolConfig{
		{Name: "anchor", RateBps: 1000, MinStake: 10_000},
	}

	// Tests drive the mock clock across long spans; park the background
	// sweeps far in the future so every tick and automatic payment in
	// these scenarios is explicit.
	idle := config.Duration{Duration: 100_000 * time.Hour}
	cfg.Stream.PaymentWindow = idle
	cfg.Stream.PaymentInterval = idle
	cfg.Monitor.Interval = idle

	e, err := New(cfg, component.Dependencies{Clock: mock})
	require.NoError(t, err)

	require.NoError(t, e.Start(context.Background()))
	t.Cleanup(func() {
		_ = e.Stop(time.Second)
	})

	return e, mock
}

func TestNewRejectsInvalidConfig(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Storage.Mode = "tape"

	_, err := New(cfg, component.Dependencies{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "engine config")
}

func TestConfiguredProtocolsRegistered(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Yield.Protocols = []config.ProtocolConfig{
		{Name: "anchor", RateBps: 1000},
	}

	e, err := New(cfg, component.Dependencies{})
	require.NoError(t, err)

	// Re-registering a configured name collides.
	err = e.Yield().RegisterProtocol(&yield.StaticProtocol{ProtocolName: "anchor", RateBps: 1})
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.KindInvalidParameters))
}

func TestEngineStreamLifecycle(t *testing.T) {
	e, mock := newTestEngine(t)
	ctx := context.Background()

	id, err := e.Streams().CreateStream(ctx, sender, recipient, 100_000, 10, 10_000*time.Second, false)
	require.NoError(t, err)

	assert.Equal(t, uint64(100_000), e.Escrow().Balance(id))

	mock.Add(5000 * time.Second)
	paid, err := e.Streams().Withdraw(ctx, id, recipient)
	require.NoError(t, err)
	assert.Equal(t, uint64(50_000), paid)
	assert.Equal(t, uint64(50_000), e.Escrow().Balance(id))

	_, total, consistent := e.Escrow().Reconcile()
	assert.True(t, consistent)
	assert.Equal(t, uint64(50_000), total)
}

func TestEngineDoubleStart(t *testing.T) {
	e, _ := newTestEngine(t)
	assert.Error(t, e.Start(context.Background()))
}

func TestEngineHealthAggregation(t *testing.T) {
	e, _ := newTestEngine(t)

	status := e.Health()
	assert.True(t, status.IsHealthy())
	assert.Len(t, status.SubStatuses, 6)
}

func TestRecoveryPausesBridgeByName(t *testing.T) {
	e, _ := newTestEngine(t)
	ctx := context.Background()

	plan, err := e.Recovery().Recover(ctx, errors.KindBridgeFailure, "bridge")
	require.NoError(t, err)
	assert.Equal(t, "pause", plan.Action.String())

	// Only the bridge is paused: submissions fail, streams keep flowing.
	_, err = e.Bridge().LockNativeAsset(ctx, sender, 1_000_000, "btc-tx-1")
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.KindEmergencyPauseActive))

	_, err = e.Streams().CreateStream(ctx, sender, recipient, 100_000, 10, 10_000*time.Second, false)
	assert.NoError(t, err)

	status := e.Health()
	assert.False(t, status.IsHealthy())

	e.Bridge().ResumeOperations()
	assert.True(t, e.Health().IsHealthy())
}

func TestEngineYieldWiring(t *testing.T) {
	e, mock := newTestEngine(t)
	ctx := context.Background()

	id, err := e.Streams().CreateStream(ctx, sender, recipient, 100_000, 10, 10_000*time.Second, true)
	require.NoError(t, err)

	require.NoError(t, e.Yield().StakeIdleFunds(ctx, id, 50_000, "anchor"))

	// One year at 10% on 50k principal.
	mock.Add(365 * 24 * time.Hour)
	earned, err := e.Yield().EarnedYield(id)
	require.NoError(t, err)
	assert.Equal(t, uint64(5_000), earned)
}

func TestEngineSubscriptionWiring(t *testing.T) {
	e, mock := newTestEngine(t)
	ctx := context.Background()

	planID, err := e.Subscriptions().CreatePlan(ctx, recipient, "basic", "basic access",
		10_000, 1000*time.Second, 0)
	require.NoError(t, err)

	subID, err := e.Subscriptions().Subscribe(ctx, sender, planID, 3000*time.Second, false)
	require.NoError(t, err)

	rec, err := e.Subscriptions().Get(subID)
	require.NoError(t, err)
	assert.Equal(t, uint64(30_000), e.Escrow().Balance(rec.StreamID))

	mock.Add(1000 * time.Second)
	require.NoError(t, e.Subscriptions().Cancel(ctx, subID, sender))
	assert.Equal(t, uint64(0), e.Escrow().Balance(rec.StreamID))

	sum, total, consistent := e.Escrow().Reconcile()
	assert.True(t, consistent)
	assert.Equal(t, sum, total)
}

func TestEngineStopIsIdempotent(t *testing.T) {
	e, _ := newTestEngine(t)
	require.NoError(t, e.Stop(time.Second))
	require.NoError(t, e.Stop(time.Second))
}
