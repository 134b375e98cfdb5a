package stream

import (
	"context"
	"encoding/json"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/bitflowhq/bitflow-core/component"
	"github.com/bitflowhq/bitflow-core/errors"
	"github.com/bitflowhq/bitflow-core/events"
	"github.com/bitflowhq/bitflow-core/metric"
	"github.com/bitflowhq/bitflow-core/pkg/streammath"
	"github.com/bitflowhq/bitflow-core/store"
	"github.com/bitflowhq/bitflow-core/validation"
)

const componentName = "stream"

// Escrow is the slice of the escrow ledger the stream manager uses. The
// manager never mutates balances directly; every custody movement goes
// through these calls.
type Escrow interface {
	Deposit(streamID string, amount uint64) error
	Release(streamID string, amount uint64, recipient string) error
	Return(streamID string, amount uint64, sender string) error
	Balance(streamID string) uint64
}

// Reporter receives failure reports from automatic payment processing.
type Reporter interface {
	Report(kind errors.Kind, origin string, data map[string]string) string
}

// Config holds stream manager settings.
type Config struct {
	// PaymentWindow is how long a recipient may leave accrued funds
	// unclaimed before automatic processing pushes them out.
	PaymentWindow time.Duration

	// PaymentInterval is how often the background loop scans for due
	// automatic payments.
	PaymentInterval time.Duration

	// BatchRate and BatchBurst bound the rate of escrow releases during
	// batch payment processing.
	BatchRate  rate.Limit
	BatchBurst int

	// Operators may pause and resume streams they do not own.
	Operators []string
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		PaymentWindow:   time.Hour,
		PaymentInterval: time.Minute,
		BatchRate:       25,
		BatchBurst:      5,
	}
}

// Manager owns stream metadata and the accrual math over it.
type Manager struct {
	cfg       Config
	escrow    Escrow
	reporter  Reporter
	persist   store.Store
	publisher events.Publisher
	clock     clock.Clock
	logger    *slog.Logger
	metrics   *metric.Metrics
	limiter   *rate.Limiter
	operators map[string]struct{}

	mu          sync.RWMutex
	streams     map[string]*Record
	locks       map[string]*sync.Mutex
	bySender    map[string][]string
	byRecipient map[string][]string
	errorCount  int
	lastError   string
	started     time.Time

	cancel context.CancelFunc
	done   chan struct{}
}

// NewManager creates a stream manager. Call Initialize to load persisted
// streams before serving requests.
func NewManager(cfg Config, escrow Escrow, reporter Reporter, persist store.Store,
	publisher events.Publisher, deps component.Dependencies) *Manager {
	def := DefaultConfig()
	if cfg.PaymentWindow <= 0 {
		cfg.PaymentWindow = def.PaymentWindow
	}
	if cfg.PaymentInterval <= 0 {
		cfg.PaymentInterval = def.PaymentInterval
	}
	if cfg.BatchRate <= 0 {
		cfg.BatchRate = def.BatchRate
	}
	if cfg.BatchBurst <= 0 {
		cfg.BatchBurst = def.BatchBurst
	}
	if publisher == nil {
		publisher = events.Nop{}
	}

	operators := make(map[string]struct{}, len(cfg.Operators))
	for _, op := range cfg.Operators {
		operators[op] = struct{}{}
	}

	return &Manager{
		cfg:         cfg,
		escrow:      escrow,
		reporter:    reporter,
		persist:     persist,
		publisher:   publisher,
		clock:       deps.GetClock(),
		logger:      deps.GetLoggerWithComponent(componentName),
		metrics:     deps.Metrics.CoreMetrics(),
		limiter:     rate.NewLimiter(cfg.BatchRate, cfg.BatchBurst),
		operators:   operators,
		streams:     make(map[string]*Record),
		locks:       make(map[string]*sync.Mutex),
		bySender:    make(map[string][]string),
		byRecipient: make(map[string][]string),
		started:     deps.GetClock().Now(),
	}
}

// Initialize loads persisted streams and rebuilds the party indexes.
func (m *Manager) Initialize() error {
	if m.persist == nil {
		return nil
	}

	docs, err := m.persist.List(context.Background(), store.TableStreams)
	if err != nil {
		return errors.Wrap(err, errors.KindStorageError, componentName, "Initialize", "list streams")
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	for _, doc := range docs {
		var rec Record
		if err := json.Unmarshal(doc, &rec); err != nil {
			m.logger.Warn("Skipping undecodable stream record", "error", err)
			continue
		}
		m.streams[rec.ID] = &rec
		m.bySender[rec.Sender] = append(m.bySender[rec.Sender], rec.ID)
		m.byRecipient[rec.Recipient] = append(m.byRecipient[rec.Recipient], rec.ID)
	}
	m.metrics.SetActiveStreams(m.activeCountLocked())

	m.logger.Info("Loaded streams", "count", len(m.streams))
	return nil
}

// Start runs the automatic payment loop until the context is cancelled.
func (m *Manager) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	m.cancel = cancel
	m.done = make(chan struct{})

	go func() {
		defer close(m.done)
		ticker := m.clock.Ticker(m.cfg.PaymentInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				m.processDuePayments(ctx)
			}
		}
	}()

	m.logger.Info("Stream manager started", "payment_interval", m.cfg.PaymentInterval)
	return nil
}

// Stop halts the automatic payment loop.
func (m *Manager) Stop(timeout time.Duration) error {
	if m.cancel == nil {
		return nil
	}
	m.cancel()
	select {
	case <-m.done:
		return nil
	case <-time.After(timeout):
		return errors.E(errors.KindSystemOverloaded, componentName, "Stop",
			"payment loop did not stop within timeout")
	}
}

// CreateStream validates the terms, escrows the committed amount and
// registers the stream. The committed amount must cover rate*duration in
// full; any excess rate is rejected at creation.
func (m *Manager) CreateStream(ctx context.Context, sender, recipient string,
	amount, ratePerSecond uint64, duration time.Duration, yieldEnabled bool) (string, error) {
	const op = "CreateStream"

	if err := validation.Address(componentName, op, sender); err != nil {
		return "", err
	}
	if err := validation.Address(componentName, op, recipient); err != nil {
		return "", err
	}
	if err := validation.StreamTerms(componentName, op, amount, ratePerSecond, duration); err != nil {
		return "", err
	}

	now := m.clock.Now()
	rec := &Record{
		ID:            uuid.NewString(),
		Sender:        sender,
		Recipient:     recipient,
		TotalAmount:   amount,
		RatePerSecond: ratePerSecond,
		StartTime:     now,
		EndTime:       now.Add(duration),
		Status:        StatusActive,
		IsActive:      true,
		YieldEnabled:  yieldEnabled,
		CreatedAt:     now,
		LastPayment:   now,
	}

	if err := m.escrow.Deposit(rec.ID, amount); err != nil {
		m.metrics.RecordOperation(componentName, op, errors.KindOf(err).String())
		return "", err
	}

	m.mu.Lock()
	m.streams[rec.ID] = rec
	m.bySender[sender] = append(m.bySender[sender], rec.ID)
	m.byRecipient[recipient] = append(m.byRecipient[recipient], rec.ID)
	m.metrics.SetActiveStreams(m.activeCountLocked())
	m.mu.Unlock()

	m.store(rec)
	m.metrics.RecordOperation(componentName, op, "ok")
	m.publish(ctx, events.StreamCreated, map[string]any{
		"stream_id":       rec.ID,
		"sender":          sender,
		"recipient":       recipient,
		"total_amount":    amount,
		"rate_per_second": ratePerSecond,
		"end_time":        rec.EndTime,
	})

	m.logger.Info("Stream created",
		"stream_id", rec.ID,
		"sender", sender,
		"recipient", recipient,
		"total_amount", amount,
		"rate_per_second", ratePerSecond,
		"duration", duration)
	return rec.ID, nil
}

// Get returns a copy of the stream record.
func (m *Manager) Get(streamID string) (Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.streams[streamID]
	if !ok {
		return Record{}, errors.E(errors.KindStreamNotFound, componentName, "Get",
			"stream not found: "+streamID)
	}
	return *rec, nil
}

// AvailableBalance returns the withdrawable balance right now. Accrual is
// frozen at the pause timestamp for paused streams and stops at EndTime.
func (m *Manager) AvailableBalance(streamID string) (uint64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.streams[streamID]
	if !ok {
		return 0, errors.E(errors.KindStreamNotFound, componentName, "AvailableBalance",
			"stream not found: "+streamID)
	}
	if !rec.IsActive {
		return 0, nil
	}
	return rec.availableAt(m.clock.Now()), nil
}

// YieldEnabled reports whether the stream opted into yield staking.
func (m *Manager) YieldEnabled(streamID string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.streams[streamID]
	if !ok {
		return false, errors.E(errors.KindStreamNotFound, componentName, "YieldEnabled",
			"stream not found: "+streamID)
	}
	return rec.YieldEnabled, nil
}

// Withdraw pays out the entire available balance to the recipient. Only the
// recipient may withdraw.
func (m *Manager) Withdraw(ctx context.Context, streamID, caller string) (uint64, error) {
	const op = "Withdraw"
	lock := m.entityLock(streamID)
	lock.Lock()
	defer lock.Unlock()

	m.mu.RLock()
	rec, ok := m.streams[streamID]
	m.mu.RUnlock()
	if !ok {
		return 0, errors.E(errors.KindStreamNotFound, componentName, op,
			"stream not found: "+streamID)
	}
	if caller != rec.Recipient {
		return 0, errors.E(errors.KindUnauthorizedAccess, componentName, op,
			"only the recipient may withdraw")
	}

	amount, err := m.payOut(ctx, rec, op, false)
	if err != nil {
		m.metrics.RecordOperation(componentName, op, errors.KindOf(err).String())
		return 0, err
	}
	m.metrics.RecordOperation(componentName, op, "ok")
	return amount, nil
}

// payOut releases the available balance to the recipient and updates the
// record. Caller must hold the entity lock.
func (m *Manager) payOut(ctx context.Context, rec *Record, op string, automatic bool) (uint64, error) {
	now := m.clock.Now()

	m.mu.RLock()
	active := rec.IsActive
	available := rec.availableAt(now)
	m.mu.RUnlock()

	if !active {
		return 0, errors.E(errors.KindStreamNotActive, componentName, op,
			"stream is "+rec.Status)
	}
	if available == 0 {
		return 0, errors.E(errors.KindInsufficientBalance, componentName, op,
			"no withdrawable balance")
	}

	if err := m.escrow.Release(rec.ID, available, rec.Recipient); err != nil {
		m.recordFailure(err)
		return 0, err
	}

	m.mu.Lock()
	streamPortion := available - rec.BonusCredit
	rec.WithdrawnAmount += streamPortion
	rec.BonusCredit = 0
	rec.LastPayment = now
	completed := rec.fullyWithdrawn() && !now.Before(rec.EndTime)
	if completed {
		rec.IsActive = false
		rec.Status = StatusCompleted
		m.metrics.SetActiveStreams(m.activeCountLocked())
	}
	m.mu.Unlock()

	m.store(rec)
	m.publish(ctx, events.PaymentReceived, map[string]any{
		"stream_id": rec.ID,
		"recipient": rec.Recipient,
		"amount":    available,
		"automatic": automatic,
	})
	if completed {
		m.publish(ctx, events.StreamCompleted, map[string]any{
			"stream_id":   rec.ID,
			"total_paid":  rec.WithdrawnAmount,
			"finished_at": now,
		})
		m.logger.Info("Stream completed", "stream_id", rec.ID)
	}

	m.logger.Debug("Payment released",
		"stream_id", rec.ID,
		"amount", available,
		"automatic", automatic)
	return available, nil
}

// Pause freezes accrual at the current instant. Only the sender or an
// authorized operator may pause.
func (m *Manager) Pause(streamID, caller string) error {
	const op = "Pause"
	lock := m.entityLock(streamID)
	lock.Lock()
	defer lock.Unlock()

	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.streams[streamID]
	if !ok {
		return errors.E(errors.KindStreamNotFound, componentName, op,
			"stream not found: "+streamID)
	}
	if err := m.authorizeOwnerLocked(op, rec, caller); err != nil {
		return err
	}
	if !rec.IsActive {
		return errors.E(errors.KindStreamNotActive, componentName, op,
			"stream is "+rec.Status)
	}
	if rec.IsPaused {
		return errors.E(errors.KindInvalidParameters, componentName, op,
			"stream is already paused")
	}

	rec.IsPaused = true
	rec.PausedAt = m.clock.Now()
	rec.Status = StatusPaused
	m.storeLocked(rec)

	m.logger.Info("Stream paused", "stream_id", streamID, "paused_at", rec.PausedAt)
	return nil
}

// Resume lifts a pause, shifting the stream window forward by the paused
// duration so total accrual time is preserved.
func (m *Manager) Resume(streamID, caller string) error {
	const op = "Resume"
	lock := m.entityLock(streamID)
	lock.Lock()
	defer lock.Unlock()

	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.streams[streamID]
	if !ok {
		return errors.E(errors.KindStreamNotFound, componentName, op,
			"stream not found: "+streamID)
	}
	if err := m.authorizeOwnerLocked(op, rec, caller); err != nil {
		return err
	}
	if !rec.IsPaused {
		return errors.E(errors.KindInvalidParameters, componentName, op,
			"stream is not paused")
	}

	pausedFor := m.clock.Now().Sub(rec.PausedAt)
	rec.StartTime = rec.StartTime.Add(pausedFor)
	rec.EndTime = rec.EndTime.Add(pausedFor)
	rec.IsPaused = false
	rec.PausedAt = time.Time{}
	rec.Status = StatusActive
	m.storeLocked(rec)

	m.logger.Info("Stream resumed", "stream_id", streamID, "paused_for", pausedFor)
	return nil
}

// Cancel returns the remaining escrowed balance to the sender and marks the
// stream cancelled. Only the sender may cancel.
func (m *Manager) Cancel(ctx context.Context, streamID, caller string) error {
	const op = "Cancel"
	lock := m.entityLock(streamID)
	lock.Lock()
	defer lock.Unlock()

	m.mu.RLock()
	rec, ok := m.streams[streamID]
	m.mu.RUnlock()
	if !ok {
		return errors.E(errors.KindStreamNotFound, componentName, op,
			"stream not found: "+streamID)
	}
	if caller != rec.Sender {
		return errors.E(errors.KindUnauthorizedAccess, componentName, op,
			"only the sender may cancel")
	}
	if !rec.IsActive {
		return errors.E(errors.KindStreamNotActive, componentName, op,
			"stream is "+rec.Status)
	}

	remaining := m.escrow.Balance(streamID)
	if remaining > 0 {
		if err := m.escrow.Return(streamID, remaining, rec.Sender); err != nil {
			m.recordFailure(err)
			m.metrics.RecordOperation(componentName, op, errors.KindOf(err).String())
			return err
		}
	}

	m.mu.Lock()
	rec.IsActive = false
	rec.IsPaused = false
	rec.Status = StatusCancelled
	rec.BonusCredit = 0
	m.metrics.SetActiveStreams(m.activeCountLocked())
	m.mu.Unlock()

	m.store(rec)
	m.metrics.RecordOperation(componentName, op, "ok")
	m.publish(ctx, events.StreamCancelled, map[string]any{
		"stream_id": streamID,
		"sender":    rec.Sender,
		"returned":  remaining,
	})

	m.logger.Info("Stream cancelled", "stream_id", streamID, "returned", remaining)
	return nil
}

// ProcessAutomaticPayment pushes accrued funds to the recipient when the
// stream has gone unclaimed past the payment window. A stream that is
// paused, inactive, recently paid or empty is skipped with a zero amount
// and no error.
func (m *Manager) ProcessAutomaticPayment(ctx context.Context, streamID string) (uint64, error) {
	const op = "ProcessAutomaticPayment"
	lock := m.entityLock(streamID)
	lock.Lock()
	defer lock.Unlock()

	m.mu.RLock()
	rec, ok := m.streams[streamID]
	var due bool
	if ok {
		now := m.clock.Now()
		due = rec.IsActive && !rec.IsPaused &&
			now.Sub(rec.LastPayment) >= m.cfg.PaymentWindow &&
			rec.availableAt(now) > 0
	}
	m.mu.RUnlock()

	if !ok {
		return 0, errors.E(errors.KindStreamNotFound, componentName, op,
			"stream not found: "+streamID)
	}
	if !due {
		return 0, nil
	}

	amount, err := m.payOut(ctx, rec, op, true)
	if err != nil {
		err = errors.Wrap(err, errors.KindMicroPaymentFailed, componentName, op,
			"automatic payment failed")
		if m.reporter != nil {
			m.reporter.Report(errors.KindMicroPaymentFailed, componentName, map[string]string{
				"stream_id": streamID,
				"cause":     errors.KindOf(cause(err)).String(),
			})
		}
		m.metrics.RecordOperation(componentName, op, errors.KindMicroPaymentFailed.String())
		return 0, err
	}
	m.metrics.RecordOperation(componentName, op, "ok")
	return amount, nil
}

// cause unwraps one layer so the report carries the underlying kind
// rather than the MicroPaymentFailed wrapper.
func cause(err error) error {
	var e *errors.Error
	if errors.As(err, &e) && e.Err != nil {
		return e.Err
	}
	return err
}

// BatchProcessPayments runs automatic payment over the given streams,
// continuing past per-stream failures. It returns the number of streams
// that actually received funds; the only error returned is context
// cancellation.
func (m *Manager) BatchProcessPayments(ctx context.Context, streamIDs []string) (int, error) {
	processed := 0
	for _, id := range streamIDs {
		if err := m.limiter.Wait(ctx); err != nil {
			return processed, errors.Wrap(err, errors.KindSystemOverloaded, componentName,
				"BatchProcessPayments", "rate limit wait interrupted")
		}

		amount, err := m.ProcessAutomaticPayment(ctx, id)
		if err != nil {
			m.logger.Warn("Batch payment failed for stream",
				"stream_id", id,
				"error", err)
			continue
		}
		if amount > 0 {
			processed++
		}
	}
	return processed, nil
}

// processDuePayments is the background sweep over all active streams.
func (m *Manager) processDuePayments(ctx context.Context) {
	m.mu.RLock()
	ids := make([]string, 0, len(m.streams))
	for id, rec := range m.streams {
		if rec.IsActive && !rec.IsPaused {
			ids = append(ids, id)
		}
	}
	m.mu.RUnlock()
	sort.Strings(ids)

	if processed, err := m.BatchProcessPayments(ctx, ids); err != nil {
		m.logger.Warn("Automatic payment sweep interrupted", "processed", processed, "error", err)
	} else if processed > 0 {
		m.logger.Info("Automatic payment sweep finished", "processed", processed)
	}
}

// CreditBonus adds withdrawable value from yield distribution. The matching
// escrow deposit is the yield manager's responsibility.
func (m *Manager) CreditBonus(streamID string, amount uint64) error {
	const op = "CreditBonus"
	if err := validation.Amount(componentName, op, amount); err != nil {
		return err
	}

	lock := m.entityLock(streamID)
	lock.Lock()
	defer lock.Unlock()

	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.streams[streamID]
	if !ok {
		return errors.E(errors.KindStreamNotFound, componentName, op,
			"stream not found: "+streamID)
	}
	if !rec.IsActive {
		return errors.E(errors.KindStreamNotActive, componentName, op,
			"stream is "+rec.Status)
	}

	credit, err := streammath.SafeAdd(rec.BonusCredit, amount)
	if err != nil {
		return errors.Wrap(err, errors.KindInvalidParameters, componentName, op, "credit bonus")
	}
	rec.BonusCredit = credit
	m.storeLocked(rec)

	m.logger.Debug("Bonus credited", "stream_id", streamID, "amount", amount)
	return nil
}

// ListStreams returns stream copies filtered by status (empty for all),
// ordered by creation time, with offset/limit pagination.
func (m *Manager) ListStreams(status string, limit, offset int) []Record {
	m.mu.RLock()
	out := make([]Record, 0, len(m.streams))
	for _, rec := range m.streams {
		if status == "" || rec.Status == status {
			out = append(out, *rec)
		}
	}
	m.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})

	if offset >= len(out) {
		return nil
	}
	out = out[offset:]
	if limit > 0 && limit < len(out) {
		out = out[:limit]
	}
	return out
}

// StreamsBySender returns copies of all streams created by the address.
func (m *Manager) StreamsBySender(sender string) []Record {
	return m.byParty(m.bySender, sender)
}

// StreamsByRecipient returns copies of all streams paying the address.
func (m *Manager) StreamsByRecipient(recipient string) []Record {
	return m.byParty(m.byRecipient, recipient)
}

func (m *Manager) byParty(index map[string][]string, addr string) []Record {
	m.mu.RLock()
	defer m.mu.RUnlock()

	ids := index[addr]
	out := make([]Record, 0, len(ids))
	for _, id := range ids {
		if rec, ok := m.streams[id]; ok {
			out = append(out, *rec)
		}
	}
	return out
}

// Name implements component.HealthReporter.
func (m *Manager) Name() string { return componentName }

// Health implements component.HealthReporter.
func (m *Manager) Health() component.HealthStatus {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return component.HealthStatus{
		Healthy:    true,
		LastCheck:  m.clock.Now(),
		ErrorCount: m.errorCount,
		LastError:  m.lastError,
		Uptime:     m.clock.Now().Sub(m.started),
	}
}

func (m *Manager) authorizeOwnerLocked(op string, rec *Record, caller string) error {
	if caller == rec.Sender {
		return nil
	}
	if _, ok := m.operators[caller]; ok {
		return nil
	}
	return errors.E(errors.KindUnauthorizedAccess, componentName, op,
		"only the sender or an operator may "+op)
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

func (m *Manager) activeCountLocked() int {
	n := 0
	for _, rec := range m.streams {
		if rec.IsActive {
			n++
		}
	}
	return n
}

func (m *Manager) recordFailure(err error) {
	m.mu.Lock()
	m.errorCount++
	m.lastError = err.Error()
	m.mu.Unlock()
}

// store persists a record snapshot, best-effort.
func (m *Manager) store(rec *Record) {
	m.mu.RLock()
	snapshot := *rec
	m.mu.RUnlock()
	m.persistSnapshot(snapshot)
}

// storeLocked persists a record while m.mu is already held.
func (m *Manager) storeLocked(rec *Record) {
	m.persistSnapshot(*rec)
}

func (m *Manager) persistSnapshot(rec Record) {
	if m.persist == nil {
		return
	}
	doc, err := json.Marshal(rec)
	if err != nil {
		m.logger.Warn("Failed to encode stream record", "stream_id", rec.ID, "error", err)
		return
	}
	if err := m.persist.Put(context.Background(), store.TableStreams, rec.ID, doc); err != nil {
		m.logger.Warn("Failed to persist stream record", "stream_id", rec.ID, "error", err)
	}
}

func (m *Manager) publish(ctx context.Context, event string, data map[string]any) {
	if err := m.publisher.Publish(ctx, event, data); err != nil {
		m.logger.Warn("Failed to publish event", "event", event, "error", err)
	}
}
