package subscription

import (
	"context"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bitflowhq/bitflow-core/component"
	"github.com/bitflowhq/bitflow-core/errors"
	"github.com/bitflowhq/bitflow-core/escrow"
	"github.com/bitflowhq/bitflow-core/events"
	"github.com/bitflowhq/bitflow-core/recovery"
	"github.com/bitflowhq/bitflow-core/store"
	"github.com/bitflowhq/bitflow-core/stream"
)

const (
	provider   = "bc1qprovideraaaaaaaaaaaaaaaaaaa"
	subscriber = "bc1qsubscriberbbbbbbbbbbbbbbbbb"
)

type fixture struct {
	subs     *Manager
	streams  *stream.Manager
	ledger   *escrow.Ledger
	clock    *clock.Mock
	recorder *events.Recorder
	persist  store.Store
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	mock := clock.NewMock()
	deps := component.Dependencies{Clock: mock}
	recorder := &events.Recorder{}

	rm := recovery.NewManager(recovery.Config{Window: time.Hour}, store.NewMemory(), recorder, deps)
	ledger := escrow.NewLedger(rm.Guard(), rm, deps)
	streams := stream.NewManager(stream.Config{}, ledger, rm, store.NewMemory(), recorder, deps)
	require.NoError(t, streams.Initialize())

	persist := store.NewMemory()
	subs := NewManager(streams, persist, recorder, deps)
	require.NoError(t, subs.Initialize())

	return &fixture{subs: subs, streams: streams, ledger: ledger, clock: mock, recorder: recorder, persist: persist}
}

// createPlan publishes a 10_000-per-1000s plan (10 units/second).
func (f *fixture) createPlan(t *testing.T, maxSubscribers int) string {
	t.Helper()
	planID, err := f.subs.CreatePlan(context.Background(), provider, "basic", "basic access",
		10_000, 1000*time.Second, maxSubscribers)
	require.NoError(t, err)
	return planID
}

func TestCreatePlanValidation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	tests := []struct {
		name     string
		provider string
		plan     string
		price    uint64
		interval time.Duration
		max      int
		kind     errors.Kind
	}{
		{"bad provider address", "nope", "basic", 10_000, 1000 * time.Second, 0, errors.KindInvalidAddress},
		{"zero price", provider, "basic", 0, 1000 * time.Second, 0, errors.KindZeroAmount},
		{"zero interval", provider, "basic", 10_000, 0, 0, errors.KindInvalidDuration},
		{"empty name", provider, "", 10_000, 1000 * time.Second, 0, errors.KindInvalidParameters},
		{"negative capacity", provider, "basic", 10_000, 1000 * time.Second, -1, errors.KindInvalidParameters},
		{"price below one unit per second", provider, "basic", 100, 1000 * time.Second, 0, errors.KindInvalidRate},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			_, err := f.subs.CreatePlan(ctx, test.provider, test.plan, "", test.price, test.interval, test.max)
			require.Error(t, err)
			assert.True(t, errors.Is(err, test.kind), "got %v", err)
		})
	}
}

func TestPlansFilterByProvider(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	other := "bc1qotherproviderccccccccccccc"
	_, err := f.subs.CreatePlan(ctx, provider, "basic", "", 10_000, 1000*time.Second, 0)
	require.NoError(t, err)
	f.clock.Add(time.Second)
	_, err = f.subs.CreatePlan(ctx, other, "premium", "", 100_000, 1000*time.Second, 0)
	require.NoError(t, err)

	all := f.subs.Plans("")
	require.Len(t, all, 2)
	assert.Equal(t, "basic", all[0].Name)
	assert.Equal(t, "premium", all[1].Name)

	mine := f.subs.Plans(provider)
	require.Len(t, mine, 1)
	assert.Equal(t, "basic", mine[0].Name)
}

func TestSubscribeOpensStream(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	planID := f.createPlan(t, 0)

	subID, err := f.subs.Subscribe(ctx, subscriber, planID, 3000*time.Second, true)
	require.NoError(t, err)

	rec, err := f.subs.Get(subID)
	require.NoError(t, err)
	assert.Equal(t, planID, rec.PlanID)
	assert.Equal(t, subscriber, rec.Subscriber)
	assert.Equal(t, provider, rec.Provider)
	assert.Equal(t, StatusActive, rec.Status)
	assert.True(t, rec.AutoRenew)
	assert.Equal(t, f.clock.Now().Add(3000*time.Second), rec.EndTime)

	// Three intervals of 10_000 escrowed into the carrying stream.
	sr, err := f.streams.Get(rec.StreamID)
	require.NoError(t, err)
	assert.Equal(t, subscriber, sr.Sender)
	assert.Equal(t, provider, sr.Recipient)
	assert.Equal(t, uint64(30_000), sr.TotalAmount)
	assert.Equal(t, uint64(10), sr.RatePerSecond)
	assert.Equal(t, uint64(30_000), f.ledger.Balance(rec.StreamID))

	assert.Contains(t, f.recorder.Names(), events.SubscriptionCreated)
}

func TestSubscribeUnknownPlan(t *testing.T) {
	f := newFixture(t)

	_, err := f.subs.Subscribe(context.Background(), subscriber, "no-such-plan", 3000*time.Second, false)
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.KindContentNotFound))
}

func TestSubscribeDurationShorterThanInterval(t *testing.T) {
	f := newFixture(t)
	planID := f.createPlan(t, 0)

	_, err := f.subs.Subscribe(context.Background(), subscriber, planID, 500*time.Second, false)
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.KindInvalidDuration))
}

func TestSubscribeRoundsDownToWholeIntervals(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	planID := f.createPlan(t, 0)

	subID, err := f.subs.Subscribe(ctx, subscriber, planID, 2500*time.Second, false)
	require.NoError(t, err)

	rec, err := f.subs.Get(subID)
	require.NoError(t, err)
	assert.Equal(t, f.clock.Now().Add(2000*time.Second), rec.EndTime)
	assert.Equal(t, uint64(20_000), f.ledger.Balance(rec.StreamID))
}

func TestPlanCapacity(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	planID := f.createPlan(t, 1)

	first, err := f.subs.Subscribe(ctx, subscriber, planID, 1000*time.Second, false)
	require.NoError(t, err)

	other := "bc1qsecondsubscriberdddddddddd"
	_, err = f.subs.Subscribe(ctx, other, planID, 1000*time.Second, false)
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.KindInvalidParameters))

	// A cancelled seat frees capacity.
	require.NoError(t, f.subs.Cancel(ctx, first, subscriber))
	_, err = f.subs.Subscribe(ctx, other, planID, 1000*time.Second, false)
	require.NoError(t, err)
}

func TestCancelRefundsRemainder(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	planID := f.createPlan(t, 0)

	subID, err := f.subs.Subscribe(ctx, subscriber, planID, 3000*time.Second, false)
	require.NoError(t, err)
	rec, err := f.subs.Get(subID)
	require.NoError(t, err)

	f.clock.Add(1000 * time.Second)

	err = f.subs.Cancel(ctx, subID, provider)
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.KindUnauthorizedAccess))

	require.NoError(t, f.subs.Cancel(ctx, subID, subscriber))

	rec, err = f.subs.Get(subID)
	require.NoError(t, err)
	assert.Equal(t, StatusCancelled, rec.Status)

	// The carrying stream is cancelled and its custody returned.
	sr, err := f.streams.Get(rec.StreamID)
	require.NoError(t, err)
	assert.Equal(t, stream.StatusCancelled, sr.Status)
	assert.Equal(t, uint64(0), f.ledger.Balance(rec.StreamID))
	assert.Contains(t, f.recorder.Names(), events.SubscriptionCancelled)

	// Cancelling twice fails.
	err = f.subs.Cancel(ctx, subID, subscriber)
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.KindStreamNotActive))
}

func TestLazyExpiry(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	planID := f.createPlan(t, 0)

	subID, err := f.subs.Subscribe(ctx, subscriber, planID, 2000*time.Second, false)
	require.NoError(t, err)

	f.clock.Add(3000 * time.Second)

	rec, err := f.subs.Get(subID)
	require.NoError(t, err)
	assert.Equal(t, StatusExpired, rec.Status)

	listed := f.subs.Subscriptions(subscriber)
	require.Len(t, listed, 1)
	assert.Equal(t, StatusExpired, listed[0].Status)

	err = f.subs.Cancel(ctx, subID, subscriber)
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.KindStreamNotActive))
}

func TestInitializeReloadsPersistedState(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	planID := f.createPlan(t, 0)
	subID, err := f.subs.Subscribe(ctx, subscriber, planID, 1000*time.Second, false)
	require.NoError(t, err)

	deps := component.Dependencies{Clock: f.clock}
	reloaded := NewManager(f.streams, f.persist, f.recorder, deps)
	require.NoError(t, reloaded.Initialize())

	plan, err := reloaded.GetPlan(planID)
	require.NoError(t, err)
	assert.Equal(t, "basic", plan.Name)

	rec, err := reloaded.Get(subID)
	require.NoError(t, err)
	assert.Equal(t, planID, rec.PlanID)
}
