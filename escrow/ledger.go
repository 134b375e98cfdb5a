package escrow

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/bitflowhq/bitflow-core/component"
	"github.com/bitflowhq/bitflow-core/errors"
	"github.com/bitflowhq/bitflow-core/metric"
	"github.com/bitflowhq/bitflow-core/pkg/streammath"
	"github.com/bitflowhq/bitflow-core/recovery"
	"github.com/bitflowhq/bitflow-core/validation"
)

const componentName = "escrow"

// Reporter receives failure reports for the audit trail.
type Reporter interface {
	Report(kind errors.Kind, origin string, data map[string]string) string
	IsAuthorizedOperator(operator string) bool
}

// Ledger custodies funds per stream. All balance mutations go through it.
type Ledger struct {
	guard    *recovery.Guard
	reporter Reporter
	clock    clock.Clock
	logger   *slog.Logger
	metrics  *metric.Metrics

	mu          sync.RWMutex
	balances    map[string]uint64
	totalLocked uint64
	errorCount  int
	started     time.Time
}

// NewLedger creates an empty ledger. The guard comes from the recovery
// manager; release and return check it before moving funds.
func NewLedger(guard *recovery.Guard, reporter Reporter, deps component.Dependencies) *Ledger {
	return &Ledger{
		guard:    guard,
		reporter: reporter,
		clock:    deps.GetClock(),
		logger:   deps.GetLoggerWithComponent(componentName),
		metrics:  deps.Metrics.CoreMetrics(),
		balances: make(map[string]uint64),
		started:  deps.GetClock().Now(),
	}
}

// Deposit credits amount to the stream's escrow account. Deposits are
// accepted even while the emergency pause is active: incoming funds should
// not be blocked.
func (l *Ledger) Deposit(streamID string, amount uint64) error {
	if err := validation.Amount(componentName, "Deposit", amount); err != nil {
		return err
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	newBalance, err := streammath.SafeAdd(l.balances[streamID], amount)
	if err != nil {
		return errors.Wrap(err, errors.KindInvalidParameters, componentName, "Deposit", "credit balance")
	}
	newTotal, err := streammath.SafeAdd(l.totalLocked, amount)
	if err != nil {
		return errors.Wrap(err, errors.KindInvalidParameters, componentName, "Deposit", "credit total")
	}

	l.balances[streamID] = newBalance
	l.totalLocked = newTotal
	l.metrics.SetEscrowLocked(newTotal)

	l.logger.Debug("Deposited to escrow",
		"stream_id", streamID,
		"amount", amount,
		"balance", newBalance)
	return nil
}

// Release debits amount from the stream's escrow account toward recipient.
// Fails with EmergencyPauseActive while the system is paused.
func (l *Ledger) Release(streamID string, amount uint64, recipient string) error {
	return l.debit("Release", streamID, amount, recipient)
}

// Return debits amount from the stream's escrow account back to sender
// (stream cancellation). Honors the emergency pause like Release.
func (l *Ledger) Return(streamID string, amount uint64, sender string) error {
	return l.debit("Return", streamID, amount, sender)
}

func (l *Ledger) debit(op, streamID string, amount uint64, destination string) error {
	if err := validation.Amount(componentName, op, amount); err != nil {
		return err
	}
	if l.guard.Active() {
		return errors.E(errors.KindEmergencyPauseActive, componentName, op,
			"system is emergency paused")
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	balance := l.balances[streamID]
	if err := validation.SufficientFunds(componentName, op, balance, amount); err != nil {
		l.errorCount++
		return err
	}

	l.balances[streamID] = balance - amount
	l.totalLocked -= amount
	l.metrics.SetEscrowLocked(l.totalLocked)

	l.logger.Debug("Debited escrow",
		"operation", op,
		"stream_id", streamID,
		"amount", amount,
		"destination", destination,
		"remaining", l.balances[streamID])
	return nil
}

// EmergencyWithdraw returns the full escrow balance of a stream to
// recipient, bypassing accrual checks and the pause flag. Only an
// authorized recovery operator may call it; every call is logged as a
// High-severity event.
func (l *Ledger) EmergencyWithdraw(streamID, recipient, operator string) (uint64, error) {
	if !l.reporter.IsAuthorizedOperator(operator) {
		return 0, errors.E(errors.KindUnauthorizedAccess, componentName, "EmergencyWithdraw",
			"operator not authorized: "+operator)
	}

	l.mu.Lock()
	balance := l.balances[streamID]
	if balance == 0 {
		l.mu.Unlock()
		return 0, errors.E(errors.KindInsufficientBalance, componentName, "EmergencyWithdraw",
			"no escrowed funds for stream "+streamID)
	}
	delete(l.balances, streamID)
	l.totalLocked -= balance
	l.metrics.SetEscrowLocked(l.totalLocked)
	l.mu.Unlock()

	l.reporter.Report(errors.KindEmergencyWithdrawal, componentName, map[string]string{
		"event":     "emergency_withdraw",
		"stream_id": streamID,
		"recipient": recipient,
		"operator":  operator,
		"amount":    fmt.Sprintf("%d", balance),
	})
	l.logger.Warn("Emergency withdrawal executed",
		"stream_id", streamID,
		"recipient", recipient,
		"operator", operator,
		"amount", balance)
	return balance, nil
}

// Balance returns the current escrow balance for a stream.
func (l *Ledger) Balance(streamID string) uint64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.balances[streamID]
}

// TotalLocked returns the ledger-wide total of custodied funds.
func (l *Ledger) TotalLocked() uint64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.totalLocked
}

// Reconcile verifies that per-stream balances sum to the total-locked
// counter, returning the difference (zero when consistent). Used by the
// health monitor and tests.
func (l *Ledger) Reconcile() (sum, total uint64, consistent bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	for _, b := range l.balances {
		sum += b
	}
	return sum, l.totalLocked, sum == l.totalLocked
}

// Name implements component.HealthReporter.
func (l *Ledger) Name() string { return componentName }

// Health implements component.HealthReporter. The ledger is unhealthy if
// reconciliation fails; the emergency pause alone leaves it healthy since
// custody is intact.
func (l *Ledger) Health() component.HealthStatus {
	_, _, consistent := l.Reconcile()

	l.mu.RLock()
	defer l.mu.RUnlock()

	status := component.HealthStatus{
		Healthy:    consistent,
		LastCheck:  l.clock.Now(),
		ErrorCount: l.errorCount,
		Uptime:     l.clock.Now().Sub(l.started),
	}
	if !consistent {
		status.LastError = "escrow reconciliation mismatch"
	}
	return status
}
