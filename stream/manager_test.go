package stream

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
)

const (
	sender    = "bc1qsenderaaaaaaaaaaaaaaaaaaaaa"
	recipient = "bc1qrecipientbbbbbbbbbbbbbbbbbb"
)

type fixture struct {
	mgr      *Manager
	ledger   *escrow.Ledger
	recovery *recovery.Manager
	clock    *clock.Mock
	recorder *events.Recorder
}

func newFixture(t *testing.T, cfg Config) *fixture {
	t.Helper()

	mock := clock.NewMock()
	deps := component.Dependencies{Clock: mock}
	recorder := &events.Recorder{}

	rm := recovery.NewManager(recovery.Config{
		Window:    time.Hour,
		Operators: []string{"ops-team"},
	}, store.NewMemory(), recorder, deps)
	ledger := escrow.NewLedger(rm.Guard(), rm, deps)

	mgr := NewManager(cfg, ledger, rm, store.NewMemory(), recorder, deps)
	require.NoError(t, mgr.Initialize())

	return &fixture{mgr: mgr, ledger: ledger, recovery: rm, clock: mock, recorder: recorder}
}

func (f *fixture) create(t *testing.T, amount, rate uint64, duration time.Duration) string {
	t.Helper()
	id, err := f.mgr.CreateStream(context.Background(), sender, recipient, amount, rate, duration, false)
	require.NoError(t, err)
	return id
}

func TestCreateStreamEscrowsFunds(t *testing.T) {
	f := newFixture(t, Config{})
	id := f.create(t, 100_000, 10, 10_000*time.Second)

	assert.Equal(t, uint64(100_000), f.ledger.Balance(id))

	rec, err := f.mgr.Get(id)
	require.NoError(t, err)
	assert.Equal(t, StatusActive, rec.Status)
	assert.True(t, rec.IsActive)
	assert.Equal(t, f.clock.Now().Add(10_000*time.Second), rec.EndTime)
	assert.Contains(t, f.recorder.Names(), events.StreamCreated)
}

func TestCreateStreamRejectsExcessRate(t *testing.T) {
	f := newFixture(t, Config{})

	// 11 * 10_000 = 110_000 > 100_000 committed.
	_, err := f.mgr.CreateStream(context.Background(), sender, recipient,
		100_000, 11, 10_000*time.Second, false)
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.KindInvalidParameters))
}

func TestCreateStreamRejectsBadInputs(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()

	_, err := f.mgr.CreateStream(ctx, "short", recipient, 100_000, 10, 10_000*time.Second, false)
	assert.True(t, errors.Is(err, errors.KindInvalidAddress))

	_, err = f.mgr.CreateStream(ctx, sender, recipient, 0, 10, 10_000*time.Second, false)
	assert.True(t, errors.Is(err, errors.KindZeroAmount))

	_, err = f.mgr.CreateStream(ctx, sender, recipient, 100_000, 0, 10_000*time.Second, false)
	assert.True(t, errors.Is(err, errors.KindInvalidRate))

	_, err = f.mgr.CreateStream(ctx, sender, recipient, 100_000, 10, 0, false)
	assert.True(t, errors.Is(err, errors.KindInvalidDuration))
}

func TestAccrualAtMidpoint(t *testing.T) {
	f := newFixture(t, Config{})
	id := f.create(t, 100_000, 10, 10_000*time.Second)

	f.clock.Add(5_000 * time.Second)

	available, err := f.mgr.AvailableBalance(id)
	require.NoError(t, err)
	assert.Equal(t, uint64(50_000), available)
}

func TestWithdrawThenAccrualCapsAtTotal(t *testing.T) {
	f := newFixture(t, Config{})
	id := f.create(t, 100_000, 10, 10_000*time.Second)

	f.clock.Add(5_000 * time.Second)
	amount, err := f.mgr.Withdraw(context.Background(), id, recipient)
	require.NoError(t, err)
	assert.Equal(t, uint64(50_000), amount)

	f.clock.Add(5_000 * time.Second)
	available, err := f.mgr.AvailableBalance(id)
	require.NoError(t, err)
	assert.Equal(t, uint64(50_000), available)

	// Well past the end, accrual stays capped at total.
	f.clock.Add(50_000 * time.Second)
	available, err = f.mgr.AvailableBalance(id)
	require.NoError(t, err)
	assert.Equal(t, uint64(50_000), available)
}

func TestWithdrawCompletesStream(t *testing.T) {
	f := newFixture(t, Config{})
	id := f.create(t, 100_000, 10, 10_000*time.Second)

	f.clock.Add(10_000 * time.Second)
	amount, err := f.mgr.Withdraw(context.Background(), id, recipient)
	require.NoError(t, err)
	assert.Equal(t, uint64(100_000), amount)

	rec, err := f.mgr.Get(id)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, rec.Status)
	assert.False(t, rec.IsActive)
	assert.Equal(t, uint64(0), f.ledger.Balance(id))
	assert.Contains(t, f.recorder.Names(), events.StreamCompleted)

	_, err = f.mgr.Withdraw(context.Background(), id, recipient)
	assert.True(t, errors.Is(err, errors.KindStreamNotActive))
}

func TestWithdrawOnlyRecipient(t *testing.T) {
	f := newFixture(t, Config{})
	id := f.create(t, 100_000, 10, 10_000*time.Second)
	f.clock.Add(time.Second)

	_, err := f.mgr.Withdraw(context.Background(), id, sender)
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.KindUnauthorizedAccess))
}

func TestPauseResumePreservesAccrual(t *testing.T) {
	f := newFixture(t, Config{})
	id := f.create(t, 100_000, 10, 10_000*time.Second)

	f.clock.Add(3_000 * time.Second)
	require.NoError(t, f.mgr.Pause(id, sender))

	available, err := f.mgr.AvailableBalance(id)
	require.NoError(t, err)
	assert.Equal(t, uint64(30_000), available)

	// Accrual is frozen while paused.
	f.clock.Add(5_000 * time.Second)
	available, err = f.mgr.AvailableBalance(id)
	require.NoError(t, err)
	assert.Equal(t, uint64(30_000), available)

	require.NoError(t, f.mgr.Resume(id, sender))

	// Five more kiloseconds of live accrual after resuming at t=8000.
	f.clock.Add(5_000 * time.Second)
	available, err = f.mgr.AvailableBalance(id)
	require.NoError(t, err)
	assert.Equal(t, uint64(80_000), available)

	rec, err := f.mgr.Get(id)
	require.NoError(t, err)
	assert.Equal(t, StatusActive, rec.Status)
}

func TestPauseAuthorization(t *testing.T) {
	f := newFixture(t, Config{Operators: []string{"ops-team"}})
	id := f.create(t, 100_000, 10, 10_000*time.Second)

	err := f.mgr.Pause(id, recipient)
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.KindUnauthorizedAccess))

	require.NoError(t, f.mgr.Pause(id, "ops-team"))
	require.NoError(t, f.mgr.Resume(id, "ops-team"))
}

func TestPauseTwiceFails(t *testing.T) {
	f := newFixture(t, Config{})
	id := f.create(t, 100_000, 10, 10_000*time.Second)

	require.NoError(t, f.mgr.Pause(id, sender))
	err := f.mgr.Pause(id, sender)
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.KindInvalidParameters))
}

func TestCancelReturnsRemainderToSender(t *testing.T) {
	f := newFixture(t, Config{})
	id := f.create(t, 100_000, 10, 10_000*time.Second)

	f.clock.Add(4_000 * time.Second)
	require.NoError(t, f.mgr.Cancel(context.Background(), id, sender))

	rec, err := f.mgr.Get(id)
	require.NoError(t, err)
	assert.Equal(t, StatusCancelled, rec.Status)
	assert.False(t, rec.IsActive)
	assert.Equal(t, uint64(0), f.ledger.Balance(id))
	assert.Contains(t, f.recorder.Names(), events.StreamCancelled)

	available, err := f.mgr.AvailableBalance(id)
	require.NoError(t, err)
	assert.Equal(t, uint64(0), available)
}

func TestCancelOnlySender(t *testing.T) {
	f := newFixture(t, Config{})
	id := f.create(t, 100_000, 10, 10_000*time.Second)

	err := f.mgr.Cancel(context.Background(), id, recipient)
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.KindUnauthorizedAccess))
}

func TestAutomaticPaymentHonorsWindow(t *testing.T) {
	f := newFixture(t, Config{PaymentWindow: time.Hour})
	id := f.create(t, 100_000, 10, 10_000*time.Second)
	ctx := context.Background()

	// Accrued but inside the window: skipped, not an error.
	f.clock.Add(30 * time.Minute)
	amount, err := f.mgr.ProcessAutomaticPayment(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, uint64(0), amount)

	f.clock.Add(30 * time.Minute)
	amount, err = f.mgr.ProcessAutomaticPayment(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, uint64(36_000), amount)

	rec, err := f.mgr.Get(id)
	require.NoError(t, err)
	assert.Equal(t, uint64(36_000), rec.WithdrawnAmount)
}

func TestAutomaticPaymentReportsEscrowFailure(t *testing.T) {
	f := newFixture(t, Config{PaymentWindow: time.Minute})
	id := f.create(t, 100_000, 10, 10_000*time.Second)
	f.clock.Add(10 * time.Minute)

	f.recovery.TriggerEmergencyPause("drill")

	_, err := f.mgr.ProcessAutomaticPayment(context.Background(), id)
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.KindMicroPaymentFailed))

	found := false
	for _, rec := range f.recovery.Records() {
		if rec.Kind == errors.KindMicroPaymentFailed && rec.Data["stream_id"] == id {
			found = true
		}
	}
	assert.True(t, found, "expected micro payment failure in recovery records")
}

func TestBatchContinuesPastFailures(t *testing.T) {
	f := newFixture(t, Config{PaymentWindow: time.Minute})
	ctx := context.Background()

	a := f.create(t, 100_000, 10, 10_000*time.Second)
	b := f.create(t, 50_000, 5, 10_000*time.Second)
	f.clock.Add(10 * time.Minute)

	processed, err := f.mgr.BatchProcessPayments(ctx, []string{a, "no-such-stream", b})
	require.NoError(t, err)
	assert.Equal(t, 2, processed)

	recA, _ := f.mgr.Get(a)
	recB, _ := f.mgr.Get(b)
	assert.Equal(t, uint64(6_000), recA.WithdrawnAmount)
	assert.Equal(t, uint64(3_000), recB.WithdrawnAmount)
}

func TestCreditBonusIncreasesAvailable(t *testing.T) {
	f := newFixture(t, Config{})
	id := f.create(t, 100_000, 10, 10_000*time.Second)
	f.clock.Add(1_000 * time.Second)

	// The matching escrow deposit normally comes from yield distribution.
	require.NoError(t, f.ledger.Deposit(id, 500))
	require.NoError(t, f.mgr.CreditBonus(id, 500))

	available, err := f.mgr.AvailableBalance(id)
	require.NoError(t, err)
	assert.Equal(t, uint64(10_500), available)

	amount, err := f.mgr.Withdraw(context.Background(), id, recipient)
	require.NoError(t, err)
	assert.Equal(t, uint64(10_500), amount)

	rec, err := f.mgr.Get(id)
	require.NoError(t, err)
	assert.Equal(t, uint64(10_000), rec.WithdrawnAmount)
	assert.Equal(t, uint64(0), rec.BonusCredit)
}

func TestListStreamsFilterAndPagination(t *testing.T) {
	f := newFixture(t, Config{})

	var ids []string
	for i := 0; i < 3; i++ {
		ids = append(ids, f.create(t, 100_000, 10, 10_000*time.Second))
		f.clock.Add(time.Second)
	}
	require.NoError(t, f.mgr.Cancel(context.Background(), ids[1], sender))

	active := f.mgr.ListStreams(StatusActive, 0, 0)
	require.Len(t, active, 2)
	assert.Equal(t, ids[0], active[0].ID)
	assert.Equal(t, ids[2], active[1].ID)

	cancelled := f.mgr.ListStreams(StatusCancelled, 0, 0)
	require.Len(t, cancelled, 1)
	assert.Equal(t, ids[1], cancelled[0].ID)

	all := f.mgr.ListStreams("", 2, 1)
	require.Len(t, all, 2)
	assert.Equal(t, ids[1], all[0].ID)
	assert.Equal(t, ids[2], all[1].ID)

	assert.Empty(t, f.mgr.ListStreams("", 10, 99))
}

func TestPartyIndexes(t *testing.T) {
	f := newFixture(t, Config{})
	id := f.create(t, 100_000, 10, 10_000*time.Second)

	bySender := f.mgr.StreamsBySender(sender)
	require.Len(t, bySender, 1)
	assert.Equal(t, id, bySender[0].ID)

	byRecipient := f.mgr.StreamsByRecipient(recipient)
	require.Len(t, byRecipient, 1)
	assert.Equal(t, id, byRecipient[0].ID)

	assert.Empty(t, f.mgr.StreamsBySender(recipient))
}

func TestInitializeReloadsPersistedStreams(t *testing.T) {
	mock := clock.NewMock()
	deps := component.Dependencies{Clock: mock}
	persist := store.NewMemory()

	rm := recovery.NewManager(recovery.DefaultConfig(), store.NewMemory(), nil, deps)
	ledger := escrow.NewLedger(rm.Guard(), rm, deps)

	first := NewManager(Config{}, ledger, rm, persist, nil, deps)
	require.NoError(t, first.Initialize())
	id, err := first.CreateStream(context.Background(), sender, recipient,
		100_000, 10, 10_000*time.Second, false)
	require.NoError(t, err)

	second := NewManager(Config{}, ledger, rm, persist, nil, deps)
	require.NoError(t, second.Initialize())

	mock.Add(2_000 * time.Second)
	available, err := second.AvailableBalance(id)
	require.NoError(t, err)
	assert.Equal(t, uint64(20_000), available)
	assert.Len(t, second.StreamsBySender(sender), 1)
}

func TestWithdrawnNeverExceedsTotal(t *testing.T) {
	f := newFixture(t, Config{})
	id := f.create(t, 100_000, 10, 10_000*time.Second)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		f.clock.Add(3_000 * time.Second)
		if _, err := f.mgr.Withdraw(ctx, id, recipient); err != nil {
			assert.True(t, errors.Is(err, errors.KindInsufficientBalance) ||
				errors.Is(err, errors.KindStreamNotActive))
		}
		rec, err := f.mgr.Get(id)
		require.NoError(t, err)
		assert.LessOrEqual(t, rec.WithdrawnAmount, rec.TotalAmount)
	}
}
