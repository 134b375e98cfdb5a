package bridge

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/bitflowhq/bitflow-core/component"
	"github.com/bitflowhq/bitflow-core/errors"
	"github.com/bitflowhq/bitflow-core/events"
	"github.com/bitflowhq/bitflow-core/metric"
	"github.com/bitflowhq/bitflow-core/pkg/retry"
	"github.com/bitflowhq/bitflow-core/pkg/streammath"
	"github.com/bitflowhq/bitflow-core/recovery"
	"github.com/bitflowhq/bitflow-core/store"
	"github.com/bitflowhq/bitflow-core/validation"
)

const componentName = "bridge"

// Reporter receives failure reports from the adapter.
type Reporter interface {
	Report(kind errors.Kind, origin string, data map[string]string) string
}

// ConfirmationTier maps an amount ceiling to the confirmations required for
// transfers up to that ceiling.
type ConfirmationTier struct {
	UpTo          uint64 `json:"up_to"`
	Confirmations int    `json:"confirmations"`
}

// Config holds bridge adapter settings.
type Config struct {
	// BlockTime is the expected external-chain block interval, used to
	// estimate bridge completion time.
	BlockTime time.Duration

	// TimeoutMultiplier scales the estimated bridge time into the deadline
	// after which a Pending transaction may be cancelled.
	TimeoutMultiplier float64

	// FlatFee is the fixed fee component in satoshis.
	FlatFee uint64

	// FeeBps is the proportional fee component in basis points.
	FeeBps int64

	// ConfirmationTiers must be sorted by ascending UpTo; amounts above the
	// last ceiling require MaxConfirmations.
	ConfirmationTiers []ConfirmationTier

	// MaxConfirmations applies to amounts above every tier ceiling.
	MaxConfirmations int

	// RetryPolicy spaces out resubmissions of failed transactions.
	RetryPolicy retry.Config
}

// DefaultConfig returns production defaults: ten-minute blocks, a 4x
// timeout margin, 500 sats + 0.1% fees and confirmation tiers that grow
// with the transferred amount.
func DefaultConfig() Config {
	return Config{
		BlockTime:         10 * time.Minute,
		TimeoutMultiplier: 4,
		FlatFee:           500,
		FeeBps:            10,
		ConfirmationTiers: []ConfirmationTier{
			{UpTo: 1_000_000, Confirmations: 2},
			{UpTo: 10_000_000, Confirmations: 3},
			{UpTo: 100_000_000, Confirmations: 6},
		},
		MaxConfirmations: 12,
		RetryPolicy:      retry.BridgeResubmit(),
	}
}

// Adapter owns bridge transactions and the wrapped-balance ledger.
type Adapter struct {
	cfg       Config
	guard     *recovery.Guard
	reporter  Reporter
	persist   store.Store
	publisher events.Publisher
	clock     clock.Clock
	logger    *slog.Logger
	metrics   *metric.Metrics

	mu          sync.RWMutex
	txs         map[string]*Transaction
	locks       map[string]*sync.Mutex
	wrapped     map[string]uint64
	paused      bool
	pauseReason string
	errorCount  int
	lastError   string
	started     time.Time
}

// NewAdapter creates a bridge adapter. Call Initialize to load persisted
// transactions before serving requests.
func NewAdapter(cfg Config, guard *recovery.Guard, reporter Reporter, persist store.Store,
	publisher events.Publisher, deps component.Dependencies) *Adapter {
	def := DefaultConfig()
	if cfg.BlockTime <= 0 {
		cfg.BlockTime = def.BlockTime
	}
	if cfg.TimeoutMultiplier <= 0 {
		cfg.TimeoutMultiplier = def.TimeoutMultiplier
	}
	if len(cfg.ConfirmationTiers) == 0 {
		cfg.ConfirmationTiers = def.ConfirmationTiers
	}
	if cfg.MaxConfirmations <= 0 {
		cfg.MaxConfirmations = def.MaxConfirmations
	}
	if cfg.RetryPolicy.MaxAttempts <= 0 {
		cfg.RetryPolicy = def.RetryPolicy
	}
	if publisher == nil {
		publisher = events.Nop{}
	}

	return &Adapter{
		cfg:       cfg,
		guard:     guard,
		reporter:  reporter,
		persist:   persist,
		publisher: publisher,
		clock:     deps.GetClock(),
		logger:    deps.GetLoggerWithComponent(componentName),
		metrics:   deps.Metrics.CoreMetrics(),
		txs:       make(map[string]*Transaction),
		locks:     make(map[string]*sync.Mutex),
		wrapped:   make(map[string]uint64),
		started:   deps.GetClock().Now(),
	}
}

// Initialize loads persisted transactions.
func (a *Adapter) Initialize() error {
	if a.persist == nil {
		return nil
	}

	docs, err := a.persist.List(context.Background(), store.TableBridgeTxs)
	if err != nil {
		return errors.Wrap(err, errors.KindStorageError, componentName, "Initialize",
			"list bridge transactions")
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	for _, doc := range docs {
		var tx Transaction
		if err := json.Unmarshal(doc, &tx); err != nil {
			a.logger.Warn("Skipping undecodable bridge transaction", "error", err)
			continue
		}
		a.txs[tx.ID] = &tx
	}
	a.metrics.SetBridgePending(a.pendingCountLocked())

	a.logger.Info("Loaded bridge transactions", "count", len(a.txs))
	return nil
}

// RequiredConfirmations returns the confirmations needed before a transfer
// of the given amount may settle. Larger amounts require more.
func (a *Adapter) RequiredConfirmations(amount uint64) int {
	for _, tier := range a.cfg.ConfirmationTiers {
		if amount <= tier.UpTo {
			return tier.Confirmations
		}
	}
	return a.cfg.MaxConfirmations
}

// EstimateBridgeTime returns the expected wall time for a transfer of the
// given amount to settle.
func (a *Adapter) EstimateBridgeTime(amount uint64) time.Duration {
	return time.Duration(a.RequiredConfirmations(amount)) * a.cfg.BlockTime
}

// Fee returns the bridge fee for the amount: flat component plus a
// proportional component in basis points, rounded up. Monotonically
// non-decreasing in amount.
func (a *Adapter) Fee(amount uint64) uint64 {
	proportional := decimal.NewFromUint64(amount).
		Mul(decimal.NewFromInt(a.cfg.FeeBps)).
		Div(decimal.NewFromInt(streammath.BasisPointDivisor)).
		Ceil()
	return a.cfg.FlatFee + uint64(proportional.IntPart())
}

// ExchangeRate returns the effective wrapped-per-native rate: nominal 1:1
// minus the proportional fee.
func (a *Adapter) ExchangeRate() decimal.Decimal {
	return decimal.NewFromInt(1).Sub(
		decimal.NewFromInt(a.cfg.FeeBps).Div(decimal.NewFromInt(streammath.BasisPointDivisor)))
}

// LockNativeAsset records an inbound transfer: native asset locked
// externally (referenced by externalRef), wrapped balance to be minted to
// account once confirmed. Returns the new transaction id.
func (a *Adapter) LockNativeAsset(ctx context.Context, account string, amount uint64, externalRef string) (string, error) {
	const op = "LockNativeAsset"
	if err := a.acceptingOperations(op); err != nil {
		return "", err
	}
	if err := validation.Amount(componentName, op, amount); err != nil {
		return "", err
	}
	if err := validation.Address(componentName, op, account); err != nil {
		return "", err
	}
	if externalRef == "" {
		return "", errors.E(errors.KindInvalidParameters, componentName, op,
			"external transaction reference is required")
	}

	fee := a.Fee(amount)
	if fee >= amount {
		return "", errors.E(errors.KindInvalidParameters, componentName, op,
			fmt.Sprintf("amount %d does not cover the bridge fee %d", amount, fee))
	}

	tx := a.newTransaction(DirectionInbound, account, amount, fee, externalRef)
	a.register(tx)

	a.metrics.RecordOperation(componentName, op, "ok")
	a.logger.Info("Native asset lock submitted",
		"bridge_tx_id", tx.ID,
		"account", account,
		"amount", amount,
		"fee", fee,
		"required_confirmations", tx.RequiredConfirmations,
		"external_ref", externalRef)
	return tx.ID, nil
}

// UnlockNativeAsset burns wrapped balance from account and records an
// outbound transfer releasing native asset to destinationRef. Returns the
// new transaction id.
func (a *Adapter) UnlockNativeAsset(ctx context.Context, account string, amount uint64, destinationRef string) (string, error) {
	const op = "UnlockNativeAsset"
	if err := a.acceptingOperations(op); err != nil {
		return "", err
	}
	if err := validation.Amount(componentName, op, amount); err != nil {
		return "", err
	}
	if destinationRef == "" {
		return "", errors.E(errors.KindInvalidParameters, componentName, op,
			"destination reference is required")
	}

	fee := a.Fee(amount)
	if fee >= amount {
		return "", errors.E(errors.KindInvalidParameters, componentName, op,
			fmt.Sprintf("amount %d does not cover the bridge fee %d", amount, fee))
	}

	a.mu.Lock()
	balance := a.wrapped[account]
	if err := validation.SufficientFunds(componentName, op, balance, amount); err != nil {
		a.mu.Unlock()
		return "", err
	}
	a.wrapped[account] = balance - amount
	a.mu.Unlock()

	tx := a.newTransaction(DirectionOutbound, account, amount, fee, destinationRef)
	a.register(tx)

	a.metrics.RecordOperation(componentName, op, "ok")
	a.logger.Info("Native asset unlock submitted",
		"bridge_tx_id", tx.ID,
		"account", account,
		"amount", amount,
		"fee", fee,
		"destination_ref", destinationRef)
	return tx.ID, nil
}

// ProcessConversion feeds observed external confirmations into a
// transaction. Pending transitions to Confirmed once confirmations reach
// the required minimum, then settles to Completed exactly once: inbound
// settlement mints amount minus fee to the wrapped account.
func (a *Adapter) ProcessConversion(ctx context.Context, txID string, confirmations int) error {
	const op = "ProcessConversion"
	lock := a.entityLock(txID)
	lock.Lock()
	defer lock.Unlock()

	tx, err := a.lookup(op, txID)
	if err != nil {
		return err
	}
	if tx.Status != StatusPending && tx.Status != StatusConfirmed {
		return errors.E(errors.KindInvalidParameters, componentName, op,
			fmt.Sprintf("transaction %s is %s", txID, tx.Status))
	}

	now := a.clock.Now()
	// A resubmitted transaction holds off until its backoff elapses;
	// confirmations observed before then belong to the failed attempt.
	if tx.Status == StatusPending && !tx.NextRetryAt.IsZero() && now.Before(tx.NextRetryAt) {
		return errors.E(errors.KindInvalidParameters, componentName, op,
			fmt.Sprintf("transaction %s is backing off until %s", txID, tx.NextRetryAt.Format(time.RFC3339)))
	}
	a.mu.Lock()
	if confirmations > tx.Confirmations {
		tx.Confirmations = confirmations
	}
	tx.UpdatedAt = now

	if tx.Status == StatusPending && tx.Confirmations >= tx.RequiredConfirmations {
		tx.Status = StatusConfirmed
	}

	settled := false
	if tx.Status == StatusConfirmed {
		tx.Status = StatusCompleted
		if tx.Direction == DirectionInbound {
			a.wrapped[tx.Account] += tx.Amount - tx.Fee
		}
		settled = true
		a.metrics.SetBridgePending(a.pendingCountLocked())
	}
	a.mu.Unlock()

	a.store(tx)
	if !settled {
		a.logger.Debug("Awaiting confirmations",
			"bridge_tx_id", txID,
			"confirmations", confirmations,
			"required", tx.RequiredConfirmations)
		return nil
	}

	a.metrics.RecordOperation(componentName, op, "ok")
	a.publish(ctx, events.BridgeCompleted, map[string]any{
		"bridge_tx_id": txID,
		"direction":    tx.Direction,
		"account":      tx.Account,
		"amount":       tx.Amount,
		"fee":          tx.Fee,
	})
	a.logger.Info("Bridge transaction completed",
		"bridge_tx_id", txID,
		"direction", tx.Direction,
		"amount", tx.Amount)
	return nil
}

// HandleFailure moves a Pending or Confirmed transaction to Failed and
// compensates: outbound transfers re-credit the burned wrapped balance.
// Completed and TimedOut transactions are not reversible through this path.
func (a *Adapter) HandleFailure(ctx context.Context, txID string, kind errors.Kind, reason string) error {
	const op = "HandleFailure"
	lock := a.entityLock(txID)
	lock.Lock()
	defer lock.Unlock()

	tx, err := a.lookup(op, txID)
	if err != nil {
		return err
	}
	if !tx.Status.CanTransitionTo(StatusFailed) {
		return errors.E(errors.KindInvalidParameters, componentName, op,
			fmt.Sprintf("transaction %s is %s and cannot fail", txID, tx.Status))
	}

	a.mu.Lock()
	tx.Status = StatusFailed
	tx.FailureKind = kind.Code()
	tx.FailureReason = reason
	tx.Retryable = errors.IsRetryable(kind)
	tx.UpdatedAt = a.clock.Now()
	if tx.Direction == DirectionOutbound {
		a.wrapped[tx.Account] += tx.Amount
	}
	a.errorCount++
	a.lastError = reason
	a.metrics.SetBridgePending(a.pendingCountLocked())
	a.mu.Unlock()

	a.store(tx)
	a.reporter.Report(errors.KindBridgeFailure, componentName, map[string]string{
		"bridge_tx_id": txID,
		"direction":    string(tx.Direction),
		"kind":         kind.Code(),
		"reason":       reason,
	})
	a.publish(ctx, events.BridgeFailed, map[string]any{
		"bridge_tx_id": txID,
		"direction":    tx.Direction,
		"kind":         kind.Code(),
		"reason":       reason,
	})

	a.logger.Error("Bridge transaction failed",
		"bridge_tx_id", txID,
		"kind", kind.String(),
		"reason", reason,
		"retryable", tx.Retryable)
	return nil
}

// Retry resubmits a Failed transaction whose failure kind was recoverable.
// The transaction re-enters Pending with a fresh confirmation count and a
// backoff deadline before which external resubmission should wait.
func (a *Adapter) Retry(ctx context.Context, txID string) error {
	const op = "Retry"
	if err := a.acceptingOperations(op); err != nil {
		return err
	}

	lock := a.entityLock(txID)
	lock.Lock()
	defer lock.Unlock()

	tx, err := a.lookup(op, txID)
	if err != nil {
		return err
	}
	if tx.Status != StatusFailed {
		return errors.E(errors.KindInvalidParameters, componentName, op,
			fmt.Sprintf("transaction %s is %s, only failed transactions can be retried", txID, tx.Status))
	}
	if !tx.Retryable {
		return errors.E(errors.KindBridgeFailure, componentName, op,
			"failure kind "+tx.FailureKind+" is not recoverable")
	}
	if tx.Attempts >= a.cfg.RetryPolicy.MaxAttempts {
		return errors.E(errors.KindBridgeFailure, componentName, op,
			fmt.Sprintf("retry budget exhausted after %d attempts", tx.Attempts))
	}

	now := a.clock.Now()
	a.mu.Lock()
	if tx.Direction == DirectionOutbound {
		// The failure refund must be burned again before resubmission.
		balance := a.wrapped[tx.Account]
		if innerErr := validation.SufficientFunds(componentName, op, balance, tx.Amount); innerErr != nil {
			a.mu.Unlock()
			return innerErr
		}
		a.wrapped[tx.Account] = balance - tx.Amount
	}
	tx.Status = StatusPending
	tx.Confirmations = 0
	tx.Attempts++
	tx.NextRetryAt = now.Add(a.cfg.RetryPolicy.Delay(tx.Attempts - 1))
	tx.SubmittedAt = now
	tx.UpdatedAt = now
	a.metrics.SetBridgePending(a.pendingCountLocked())
	a.mu.Unlock()

	a.store(tx)
	a.metrics.RecordOperation(componentName, op, "ok")
	a.logger.Info("Bridge transaction resubmitted",
		"bridge_tx_id", txID,
		"attempt", tx.Attempts,
		"next_retry_at", tx.NextRetryAt)
	return nil
}

// CancelTimedOut cancels a Pending transaction that has exceeded its
// deadline (estimated bridge time times the timeout multiplier). Funds are
// compensated the same way as a failure; TimedOut is terminal.
func (a *Adapter) CancelTimedOut(ctx context.Context, txID string) error {
	const op = "CancelTimedOut"
	lock := a.entityLock(txID)
	lock.Lock()
	defer lock.Unlock()

	tx, err := a.lookup(op, txID)
	if err != nil {
		return err
	}
	if tx.Status != StatusPending {
		return errors.E(errors.KindInvalidParameters, componentName, op,
			fmt.Sprintf("transaction %s is %s, only pending transactions time out", txID, tx.Status))
	}

	now := a.clock.Now()
	if now.Before(a.deadline(tx)) {
		return errors.E(errors.KindInvalidParameters, componentName, op,
			fmt.Sprintf("transaction %s has not reached its deadline", txID))
	}

	a.mu.Lock()
	tx.Status = StatusTimedOut
	tx.UpdatedAt = now
	if tx.Direction == DirectionOutbound {
		a.wrapped[tx.Account] += tx.Amount
	}
	a.metrics.SetBridgePending(a.pendingCountLocked())
	a.mu.Unlock()

	a.store(tx)
	a.reporter.Report(errors.KindBridgeTimeout, componentName, map[string]string{
		"bridge_tx_id": txID,
		"direction":    string(tx.Direction),
	})
	a.publish(ctx, events.BridgeFailed, map[string]any{
		"bridge_tx_id": txID,
		"direction":    tx.Direction,
		"kind":         errors.KindBridgeTimeout.Code(),
		"reason":       "deadline exceeded",
	})

	a.logger.Warn("Bridge transaction timed out",
		"bridge_tx_id", txID,
		"submitted_at", tx.SubmittedAt)
	return nil
}

// Get returns a copy of the transaction.
func (a *Adapter) Get(txID string) (Transaction, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	tx, ok := a.txs[txID]
	if !ok {
		return Transaction{}, errors.E(errors.KindContentNotFound, componentName, "Get",
			"bridge transaction not found: "+txID)
	}
	return *tx, nil
}

// WrappedBalance returns the wrapped balance of an account.
func (a *Adapter) WrappedBalance(account string) uint64 {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.wrapped[account]
}

// OpenPastDue returns copies of Pending transactions past their deadline,
// oldest first. The health monitor uses this to detect stuck bridges.
func (a *Adapter) OpenPastDue() []Transaction {
	now := a.clock.Now()

	a.mu.RLock()
	var out []Transaction
	for _, tx := range a.txs {
		if tx.Status == StatusPending && !now.Before(a.deadline(tx)) {
			out = append(out, *tx)
		}
	}
	a.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].SubmittedAt.Before(out[j].SubmittedAt) })
	return out
}

// PauseOperations implements recovery.Pausable: new lock, unlock and retry
// submissions are rejected until resumed. In-flight confirmations and
// failure handling keep working so the backlog can drain.
func (a *Adapter) PauseOperations(reason string) {
	a.mu.Lock()
	a.paused = true
	a.pauseReason = reason
	a.mu.Unlock()
	a.logger.Warn("Bridge operations paused", "reason", reason)
}

// ResumeOperations implements recovery.Pausable.
func (a *Adapter) ResumeOperations() {
	a.mu.Lock()
	a.paused = false
	a.pauseReason = ""
	a.mu.Unlock()
	a.logger.Info("Bridge operations resumed")
}

// Name implements component.HealthReporter.
func (a *Adapter) Name() string { return componentName }

// Health implements component.HealthReporter.
func (a *Adapter) Health() component.HealthStatus {
	a.mu.RLock()
	defer a.mu.RUnlock()

	status := component.HealthStatus{
		Healthy:    !a.paused,
		LastCheck:  a.clock.Now(),
		ErrorCount: a.errorCount,
		LastError:  a.lastError,
		Uptime:     a.clock.Now().Sub(a.started),
	}
	if a.paused {
		status.LastError = "operations paused: " + a.pauseReason
	}
	return status
}

func (a *Adapter) newTransaction(direction Direction, account string, amount, fee uint64, ref string) *Transaction {
	now := a.clock.Now()
	return &Transaction{
		ID:                    uuid.NewString(),
		Direction:             direction,
		Account:               account,
		Amount:                amount,
		Fee:                   fee,
		ExternalRef:           ref,
		Status:                StatusPending,
		RequiredConfirmations: a.RequiredConfirmations(amount),
		CreatedAt:             now,
		SubmittedAt:           now,
		UpdatedAt:             now,
	}
}

func (a *Adapter) register(tx *Transaction) {
	a.mu.Lock()
	a.txs[tx.ID] = tx
	a.metrics.SetBridgePending(a.pendingCountLocked())
	a.mu.Unlock()
	a.store(tx)
}

func (a *Adapter) lookup(op, txID string) (*Transaction, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	tx, ok := a.txs[txID]
	if !ok {
		return nil, errors.E(errors.KindContentNotFound, componentName, op,
			"bridge transaction not found: "+txID)
	}
	return tx, nil
}

// acceptingOperations rejects new submissions while either the global
// emergency pause or the targeted component pause is active.
func (a *Adapter) acceptingOperations(op string) error {
	if a.guard != nil && a.guard.Active() {
		return errors.E(errors.KindEmergencyPauseActive, componentName, op,
			"system is emergency paused")
	}
	a.mu.RLock()
	paused, reason := a.paused, a.pauseReason
	a.mu.RUnlock()
	if paused {
		return errors.E(errors.KindEmergencyPauseActive, componentName, op,
			"bridge operations paused: "+reason)
	}
	return nil
}

func (a *Adapter) deadline(tx *Transaction) time.Time {
	estimate := a.EstimateBridgeTime(tx.Amount)
	return tx.SubmittedAt.Add(time.Duration(float64(estimate) * a.cfg.TimeoutMultiplier))
}

func (a *Adapter) pendingCountLocked() int {
	n := 0
	for _, tx := range a.txs {
		if tx.Status == StatusPending {
			n++
		}
	}
	return n
}

func (a *Adapter) entityLock(txID string) *sync.Mutex {
	a.mu.Lock()
	defer a.mu.Unlock()
	lock, ok := a.locks[txID]
	if !ok {
		lock = &sync.Mutex{}
		a.locks[txID] = lock
	}
	return lock
}

func (a *Adapter) store(tx *Transaction) {
	if a.persist == nil {
		return
	}
	a.mu.RLock()
	snapshot := *tx
	a.mu.RUnlock()

	doc, err := json.Marshal(snapshot)
	if err != nil {
		a.logger.Warn("Failed to encode bridge transaction", "bridge_tx_id", snapshot.ID, "error", err)
		return
	}
	if err := a.persist.Put(context.Background(), store.TableBridgeTxs, snapshot.ID, doc); err != nil {
		a.logger.Warn("Failed to persist bridge transaction", "bridge_tx_id", snapshot.ID, "error", err)
	}
}

func (a *Adapter) publish(ctx context.Context, event string, data map[string]any) {
	if err := a.publisher.Publish(ctx, event, data); err != nil {
		a.logger.Warn("Failed to publish event", "event", event, "error", err)
	}
}
