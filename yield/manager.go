package yield

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/bitflowhq/bitflow-core/component"
	"github.com/bitflowhq/bitflow-core/errors"
	"github.com/bitflowhq/bitflow-core/events"
	"github.com/bitflowhq/bitflow-core/metric"
	"github.com/bitflowhq/bitflow-core/pkg/retry"
	"github.com/bitflowhq/bitflow-core/pkg/streammath"
	"github.com/bitflowhq/bitflow-core/store"
	"github.com/bitflowhq/bitflow-core/validation"
)

const componentName = "yield"

// Position is the persisted record of funds staked on behalf of a stream.
type Position struct {
	StreamID     string    `json:"stream_id"`
	Protocol     string    `json:"protocol"`
	StakedAmount uint64    `json:"staked_amount"`
	EarnedYield  uint64    `json:"earned_yield"`
	LastUpdate   time.Time `json:"last_update"`
}

// Streams is the slice of the stream manager the yield manager uses.
type Streams interface {
	AvailableBalance(streamID string) (uint64, error)
	YieldEnabled(streamID string) (bool, error)
	CreditBonus(streamID string, amount uint64) error
}

// Escrow is the slice of the escrow ledger the yield manager uses.
type Escrow interface {
	Balance(streamID string) uint64
	Deposit(streamID string, amount uint64) error
	Release(streamID string, amount uint64, recipient string) error
}

// Reporter receives failure reports from protocol calls.
type Reporter interface {
	Report(kind errors.Kind, origin string, data map[string]string) string
}

// Config holds yield manager settings.
type Config struct {
	// ProtocolTimeout bounds each external protocol call.
	ProtocolTimeout time.Duration

	// Retry spaces out protocol call attempts.
	Retry retry.Config
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		ProtocolTimeout: 10 * time.Second,
		Retry:           retry.ProtocolCall(),
	}
}

// Manager owns yield positions and the registered protocol set.
type Manager struct {
	cfg       Config
	streams   Streams
	escrow    Escrow
	reporter  Reporter
	persist   store.Store
	publisher events.Publisher
	clock     clock.Clock
	logger    *slog.Logger
	metrics   *metric.Metrics

	mu          sync.RWMutex
	protocols   map[string]Protocol
	order       []string
	positions   map[string]*Position
	locks       map[string]*sync.Mutex
	paused      bool
	pauseReason string
	errorCount  int
	lastError   string
	started     time.Time
}

// NewManager creates a yield manager. Register protocols and call
// Initialize before serving requests.
func NewManager(cfg Config, streams Streams, escrow Escrow, reporter Reporter,
	persist store.Store, publisher events.Publisher, deps component.Dependencies) *Manager {
	def := DefaultConfig()
	if cfg.ProtocolTimeout <= 0 {
		cfg.ProtocolTimeout = def.ProtocolTimeout
	}
	if cfg.Retry.MaxAttempts <= 0 {
		cfg.Retry = def.Retry
	}
	if publisher == nil {
		publisher = events.Nop{}
	}

	return &Manager{
		cfg:       cfg,
		streams:   streams,
		escrow:    escrow,
		reporter:  reporter,
		persist:   persist,
		publisher: publisher,
		clock:     deps.GetClock(),
		logger:    deps.GetLoggerWithComponent(componentName),
		metrics:   deps.Metrics.CoreMetrics(),
		protocols: make(map[string]Protocol),
		positions: make(map[string]*Position),
		locks:     make(map[string]*sync.Mutex),
		started:   deps.GetClock().Now(),
	}
}

// RegisterProtocol adds a protocol. Registration order is significant: it
// breaks rate ties in SelectOptimalStrategy.
func (m *Manager) RegisterProtocol(p Protocol) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.protocols[p.Name()]; exists {
		return errors.E(errors.KindInvalidParameters, componentName, "RegisterProtocol",
			"protocol already registered: "+p.Name())
	}
	m.protocols[p.Name()] = p
	m.order = append(m.order, p.Name())

	m.logger.Info("Yield protocol registered",
		"protocol", p.Name(),
		"rate_bps", p.YieldRate(),
		"minimum_stake", p.MinimumStake())
	return nil
}

// Initialize loads persisted positions.
func (m *Manager) Initialize() error {
	if m.persist == nil {
		return nil
	}

	docs, err := m.persist.List(context.Background(), store.TableYieldPositions)
	if err != nil {
		return errors.Wrap(err, errors.KindStorageError, componentName, "Initialize",
			"list yield positions")
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	for _, doc := range docs {
		var pos Position
		if err := json.Unmarshal(doc, &pos); err != nil {
			m.logger.Warn("Skipping undecodable yield position", "error", err)
			continue
		}
		m.positions[pos.StreamID] = &pos
	}
	m.metrics.SetYieldStaked(m.totalStakedLocked())

	m.logger.Info("Loaded yield positions", "count", len(m.positions))
	return nil
}

// StakeIdleFunds deploys part of a stream's idle escrow portion with the
// named protocol. Idle means escrowed but not yet accrued toward the
// recipient; staking never touches funds the recipient could withdraw.
func (m *Manager) StakeIdleFunds(ctx context.Context, streamID string, amount uint64, protocolName string) error {
	const op = "StakeIdleFunds"
	lock := m.entityLock(streamID)
	lock.Lock()
	defer lock.Unlock()

	if err := validation.Amount(componentName, op, amount); err != nil {
		return err
	}
	if err := m.acceptingStakes(op); err != nil {
		return err
	}

	protocol, err := m.protocol(op, protocolName)
	if err != nil {
		return err
	}
	if amount < protocol.MinimumStake() {
		return errors.E(errors.KindInvalidParameters, componentName, op,
			fmt.Sprintf("amount %d is below the protocol minimum stake %d", amount, protocol.MinimumStake()))
	}

	enabled, err := m.streams.YieldEnabled(streamID)
	if err != nil {
		return err
	}
	if !enabled {
		return errors.E(errors.KindInvalidParameters, componentName, op,
			"stream did not opt into yield: "+streamID)
	}

	idle, err := m.idleFunds(streamID)
	if err != nil {
		return err
	}

	m.mu.RLock()
	var alreadyStaked uint64
	if pos, ok := m.positions[streamID]; ok {
		alreadyStaked = pos.StakedAmount
	}
	m.mu.RUnlock()

	if alreadyStaked+amount > idle {
		return errors.E(errors.KindInsufficientBalance, componentName, op,
			fmt.Sprintf("stake %d exceeds idle funds %d (already staked %d)", amount, idle, alreadyStaked))
	}

	if err := m.call(ctx, op, protocol, protocol.Stake, amount); err != nil {
		return err
	}

	now := m.clock.Now()
	m.mu.Lock()
	pos, ok := m.positions[streamID]
	if !ok {
		pos = &Position{StreamID: streamID, Protocol: protocolName, LastUpdate: now}
		m.positions[streamID] = pos
	} else if pos.Protocol != protocolName {
		m.mu.Unlock()
		return errors.E(errors.KindInvalidParameters, componentName, op,
			"stream already staked with protocol "+pos.Protocol)
	}
	m.accrueLocked(pos, now)
	pos.StakedAmount += amount
	m.metrics.SetYieldStaked(m.totalStakedLocked())
	snapshot := *pos
	m.mu.Unlock()

	m.store(snapshot)
	m.metrics.RecordOperation(componentName, op, "ok")
	m.logger.Info("Idle funds staked",
		"stream_id", streamID,
		"protocol", protocolName,
		"amount", amount)
	return nil
}

// EarnedYield returns the accrued, unclaimed yield for a stream, applying
// lazy accrual up to now.
func (m *Manager) EarnedYield(streamID string) (uint64, error) {
	now := m.clock.Now()
	m.mu.Lock()
	defer m.mu.Unlock()

	pos, ok := m.positions[streamID]
	if !ok {
		return 0, errors.E(errors.KindContentNotFound, componentName, "EarnedYield",
			"no yield position for stream: "+streamID)
	}
	m.accrueLocked(pos, now)
	return pos.EarnedYield, nil
}

// Position returns a copy of the stream's position with accrual applied.
func (m *Manager) Position(streamID string) (Position, error) {
	now := m.clock.Now()
	m.mu.Lock()
	defer m.mu.Unlock()

	pos, ok := m.positions[streamID]
	if !ok {
		return Position{}, errors.E(errors.KindContentNotFound, componentName, "Position",
			"no yield position for stream: "+streamID)
	}
	m.accrueLocked(pos, now)
	return *pos, nil
}

// DistributeYield moves accrued yield into the stream's withdrawable
// balance: the amount is deposited into escrow and credited as stream
// bonus, leaving the committed total untouched. Returns the distributed
// amount, zero when nothing has accrued.
func (m *Manager) DistributeYield(ctx context.Context, streamID string) (uint64, error) {
	lock := m.entityLock(streamID)
	lock.Lock()
	defer lock.Unlock()
	return m.distribute(ctx, streamID)
}

// distribute is DistributeYield with the entity lock already held, so
// ClaimYield can run it inside its own critical section.
func (m *Manager) distribute(ctx context.Context, streamID string) (uint64, error) {
	const op = "DistributeYield"
	now := m.clock.Now()

	m.mu.Lock()
	pos, ok := m.positions[streamID]
	if !ok {
		m.mu.Unlock()
		return 0, errors.E(errors.KindContentNotFound, componentName, op,
			"no yield position for stream: "+streamID)
	}
	m.accrueLocked(pos, now)
	amount := pos.EarnedYield
	m.mu.Unlock()

	if amount == 0 {
		return 0, nil
	}

	if err := m.escrow.Deposit(streamID, amount); err != nil {
		m.recordFailure(err)
		return 0, err
	}
	if err := m.streams.CreditBonus(streamID, amount); err != nil {
		// Compensate the committed deposit so a failed credit (stream
		// cancelled or completed between accrual and distribution) cannot
		// inflate escrow. The position keeps its earned yield.
		if revErr := m.escrow.Release(streamID, amount, componentName); revErr != nil {
			m.reporter.Report(errors.KindStorageError, componentName, map[string]string{
				"event":     "distribution_reversal_failed",
				"stream_id": streamID,
				"amount":    fmt.Sprintf("%d", amount),
			})
			m.logger.Error("Yield distribution reversal failed",
				"stream_id", streamID,
				"amount", amount,
				"error", revErr)
		}
		m.recordFailure(err)
		return 0, err
	}

	m.mu.Lock()
	pos.EarnedYield -= amount
	snapshot := *pos
	m.mu.Unlock()

	m.store(snapshot)
	m.metrics.RecordOperation(componentName, op, "ok")
	m.publish(ctx, events.YieldDistributed, map[string]any{
		"stream_id": streamID,
		"protocol":  snapshot.Protocol,
		"amount":    amount,
	})

	m.logger.Info("Yield distributed",
		"stream_id", streamID,
		"amount", amount)
	return amount, nil
}

// Unstake withdraws principal from the protocol back into the idle escrow
// portion. The position is only mutated after the protocol call succeeds.
func (m *Manager) Unstake(ctx context.Context, streamID string, amount uint64) error {
	const op = "Unstake"
	lock := m.entityLock(streamID)
	lock.Lock()
	defer lock.Unlock()

	if err := validation.Amount(componentName, op, amount); err != nil {
		return err
	}

	now := m.clock.Now()
	m.mu.Lock()
	pos, ok := m.positions[streamID]
	if !ok {
		m.mu.Unlock()
		return errors.E(errors.KindContentNotFound, componentName, op,
			"no yield position for stream: "+streamID)
	}
	m.accrueLocked(pos, now)
	staked := pos.StakedAmount
	protocolName := pos.Protocol
	m.mu.Unlock()

	if amount > staked {
		return errors.E(errors.KindInsufficientBalance, componentName, op,
			fmt.Sprintf("unstake %d exceeds staked %d", amount, staked))
	}

	protocol, err := m.protocol(op, protocolName)
	if err != nil {
		return err
	}
	if err := m.call(ctx, op, protocol, protocol.Unstake, amount); err != nil {
		return err
	}

	m.mu.Lock()
	pos.StakedAmount -= amount
	m.metrics.SetYieldStaked(m.totalStakedLocked())
	snapshot := *pos
	m.mu.Unlock()

	m.store(snapshot)
	m.metrics.RecordOperation(componentName, op, "ok")
	m.logger.Info("Funds unstaked",
		"stream_id", streamID,
		"amount", amount,
		"remaining", snapshot.StakedAmount)
	return nil
}

// ClaimYield realizes accrued yield from the protocol and distributes it
// into the stream's withdrawable balance. Returns the claimed amount.
func (m *Manager) ClaimYield(ctx context.Context, streamID string) (uint64, error) {
	const op = "ClaimYield"
	lock := m.entityLock(streamID)
	lock.Lock()
	defer lock.Unlock()

	now := m.clock.Now()

	m.mu.Lock()
	pos, ok := m.positions[streamID]
	if !ok {
		m.mu.Unlock()
		return 0, errors.E(errors.KindContentNotFound, componentName, op,
			"no yield position for stream: "+streamID)
	}
	m.accrueLocked(pos, now)
	amount := pos.EarnedYield
	protocolName := pos.Protocol
	m.mu.Unlock()

	if amount == 0 {
		return 0, nil
	}

	protocol, err := m.protocol(op, protocolName)
	if err != nil {
		return 0, err
	}
	if err := m.call(ctx, op, protocol, protocol.Unstake, amount); err != nil {
		return 0, err
	}

	return m.distribute(ctx, streamID)
}

// SelectOptimalStrategy returns the registered protocol with the highest
// current rate among those whose minimum stake the amount meets. Rate ties
// break by registration order.
func (m *Manager) SelectOptimalStrategy(amount uint64) (Protocol, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var best Protocol
	for _, name := range m.order {
		p := m.protocols[name]
		if p.MinimumStake() > amount {
			continue
		}
		if best == nil || p.YieldRate() > best.YieldRate() {
			best = p
		}
	}
	if best == nil {
		return nil, errors.E(errors.KindYieldProtocolUnavailable, componentName, "SelectOptimalStrategy",
			fmt.Sprintf("no registered protocol accepts a stake of %d", amount))
	}
	return best, nil
}

// PauseOperations implements recovery.Pausable: new stakes are rejected
// until resumed. Unstaking and claims keep working so funds can always be
// pulled back.
func (m *Manager) PauseOperations(reason string) {
	m.mu.Lock()
	m.paused = true
	m.pauseReason = reason
	m.mu.Unlock()
	m.logger.Warn("Yield staking paused", "reason", reason)
}

// ResumeOperations implements recovery.Pausable.
func (m *Manager) ResumeOperations() {
	m.mu.Lock()
	m.paused = false
	m.pauseReason = ""
	m.mu.Unlock()
	m.logger.Info("Yield staking resumed")
}

// Name implements component.HealthReporter.
func (m *Manager) Name() string { return componentName }

// Health implements component.HealthReporter.
func (m *Manager) Health() component.HealthStatus {
	m.mu.RLock()
	defer m.mu.RUnlock()

	status := component.HealthStatus{
		Healthy:    !m.paused,
		LastCheck:  m.clock.Now(),
		ErrorCount: m.errorCount,
		LastError:  m.lastError,
		Uptime:     m.clock.Now().Sub(m.started),
	}
	if m.paused {
		status.LastError = "staking paused: " + m.pauseReason
	}
	return status
}

// idleFunds is the escrowed portion not yet accrued toward the recipient.
func (m *Manager) idleFunds(streamID string) (uint64, error) {
	available, err := m.streams.AvailableBalance(streamID)
	if err != nil {
		return 0, err
	}
	balance := m.escrow.Balance(streamID)
	if available >= balance {
		return 0, nil
	}
	return balance - available, nil
}

// accrueLocked applies lazy accrual since the position's last update.
// Caller holds m.mu.
func (m *Manager) accrueLocked(pos *Position, now time.Time) {
	if now.Before(pos.LastUpdate) {
		return
	}
	p, ok := m.protocols[pos.Protocol]
	if !ok {
		return
	}
	delta := streammath.AccruedYield(pos.StakedAmount, p.YieldRate(), now.Sub(pos.LastUpdate))
	pos.EarnedYield += delta
	pos.LastUpdate = now
}

// call runs one protocol operation with timeout and retry. A protocol that
// keeps failing surfaces YieldProtocolUnavailable and is reported; the
// caller must not have mutated any position state yet.
func (m *Manager) call(ctx context.Context, op string, protocol Protocol,
	fn func(context.Context, uint64) error, amount uint64) error {
	err := retry.Do(ctx, m.cfg.Retry, func() error {
		callCtx, cancel := context.WithTimeout(ctx, m.cfg.ProtocolTimeout)
		defer cancel()
		return fn(callCtx, amount)
	})
	if err == nil {
		return nil
	}

	m.recordFailure(err)
	m.metrics.RecordOperation(componentName, op, errors.KindYieldProtocolUnavailable.String())
	if m.reporter != nil {
		m.reporter.Report(errors.KindYieldProtocolUnavailable, componentName, map[string]string{
			"protocol":  protocol.Name(),
			"operation": op,
		})
	}
	return errors.Wrap(err, errors.KindYieldProtocolUnavailable, componentName, op,
		"protocol "+protocol.Name()+" call failed")
}

func (m *Manager) protocol(op, name string) (Protocol, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.protocols[name]
	if !ok {
		return nil, errors.E(errors.KindYieldProtocolError, componentName, op,
			"protocol not registered: "+name)
	}
	return p, nil
}

func (m *Manager) acceptingStakes(op string) error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.paused {
		// A targeted staking pause is a protocol availability problem,
		// not the global emergency stop; the kind must not escalate a
		// component pause into one when reported.
		return errors.E(errors.KindYieldProtocolUnavailable, componentName, op,
			"yield staking paused: "+m.pauseReason)
	}
	return nil
}

func (m *Manager) entityLock(streamID string) *sync.Mutex {
	m.mu.Lock()
	defer m.mu.Unlock()
	lock, ok := m.locks[streamID]
	if !ok {
		lock = &sync.Mutex{}
		m.locks[streamID] = lock
	}
	return lock
}

func (m *Manager) totalStakedLocked() uint64 {
	var total uint64
	for _, pos := range m.positions {
		total += pos.StakedAmount
	}
	return total
}

func (m *Manager) recordFailure(err error) {
	m.mu.Lock()
	m.errorCount++
	m.lastError = err.Error()
	m.mu.Unlock()
}

func (m *Manager) store(pos Position) {
	if m.persist == nil {
		return
	}
	doc, err := json.Marshal(pos)
	if err != nil {
		m.logger.Warn("Failed to encode yield position", "stream_id", pos.StreamID, "error", err)
		return
	}
	if err := m.persist.Put(context.Background(), store.TableYieldPositions, pos.StreamID, doc); err != nil {
		m.logger.Warn("Failed to persist yield position", "stream_id", pos.StreamID, "error", err)
	}
}

func (m *Manager) publish(ctx context.Context, event string, data map[string]any) {
	if err := m.publisher.Publish(ctx, event, data); err != nil {
		m.logger.Warn("Failed to publish event", "event", event, "error", err)
	}
}
