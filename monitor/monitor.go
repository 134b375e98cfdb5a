package monitor

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/bitflowhq/bitflow-core/bridge"
	"github.com/bitflowhq/bitflow-core/component"
	"github.com/bitflowhq/bitflow-core/errors"
	"github.com/bitflowhq/bitflow-core/health"
	"github.com/bitflowhq/bitflow-core/recovery"
)

const componentName = "monitor"

// systemName labels the aggregated health status.
const systemName = "bitflow"

// FailureType classifies what the monitor detected.
type FailureType string

const (
	FailureBridgeStuck              FailureType = "bridge_stuck"
	FailureYieldProtocolUnreachable FailureType = "yield_protocol_unreachable"
	FailureEscrowImbalance          FailureType = "escrow_imbalance"
	FailureComponentUnresponsive    FailureType = "component_unresponsive"
	FailureErrorRateHigh            FailureType = "error_rate_high"
)

// failureKinds maps each failure type to the error kind whose recovery plan
// drives remediation.
var failureKinds = map[FailureType]errors.Kind{
	FailureBridgeStuck:              errors.KindBridgeTimeout,
	FailureYieldProtocolUnreachable: errors.KindYieldProtocolUnavailable,
	FailureEscrowImbalance:          errors.KindStorageError,
	FailureComponentUnresponsive:    errors.KindSystemOverloaded,
	FailureErrorRateHigh:            errors.KindSystemOverloaded,
}

// Kind returns the error kind used to recover from this failure type.
func (f FailureType) Kind() errors.Kind {
	kind, ok := failureKinds[f]
	if !ok {
		return errors.KindUnknown
	}
	return kind
}

// Failure is one detected problem.
type Failure struct {
	Type       FailureType `json:"type"`
	Component  string      `json:"component"`
	Detail     string      `json:"detail"`
	DetectedAt time.Time   `json:"detected_at"`
}

// Rule is a custom failure check evaluated on every detection pass.
type Rule struct {
	Type      FailureType
	Component string

	// Check returns whether the failure is present and a human-readable
	// detail. It must not mutate any state.
	Check func() (bool, string)
}

// Bridges is the slice of the bridge adapter the monitor reads.
type Bridges interface {
	OpenPastDue() []bridge.Transaction
}

// Escrow is the slice of the escrow ledger the monitor reads.
type Escrow interface {
	Reconcile() (sum, total uint64, consistent bool)
}

// Recoverer records failures and executes recovery plans; implemented by
// the recovery manager.
type Recoverer interface {
	Report(kind errors.Kind, origin string, data map[string]string) string
	Recover(ctx context.Context, kind errors.Kind, origin string) (recovery.Plan, error)
}

// Config holds monitor settings.
type Config struct {
	// Interval between background polls.
	Interval time.Duration

	// ErrorRateThreshold is the per-component error count above which the
	// monitor raises an ErrorRateHigh failure.
	ErrorRateThreshold int
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		Interval:           30 * time.Second,
		ErrorRateThreshold: 50,
	}
}

// Monitor polls components, detects failures and delegates recovery.
type Monitor struct {
	cfg       Config
	recoverer Recoverer
	clock     clock.Clock
	logger    *slog.Logger
	statuses  *health.Monitor

	mu        sync.RWMutex
	reporters []component.HealthReporter
	bridges   Bridges
	escrow    Escrow
	rules     []Rule
	alerts    map[FailureType]Failure

	cancel context.CancelFunc
	done   chan struct{}
}

// New creates a monitor. Register components and data sources before Start.
func New(cfg Config, recoverer Recoverer, deps component.Dependencies) *Monitor {
	def := DefaultConfig()
	if cfg.Interval <= 0 {
		cfg.Interval = def.Interval
	}
	if cfg.ErrorRateThreshold <= 0 {
		cfg.ErrorRateThreshold = def.ErrorRateThreshold
	}

	return &Monitor{
		cfg:       cfg,
		recoverer: recoverer,
		clock:     deps.GetClock(),
		logger:    deps.GetLoggerWithComponent(componentName),
		statuses:  health.NewMonitor(),
		alerts:    make(map[FailureType]Failure),
	}
}

// Register adds a component to the polling set.
func (m *Monitor) Register(reporter component.HealthReporter) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.reporters = append(m.reporters, reporter)
}

// WatchBridges wires the bridge adapter for stuck-transaction detection.
func (m *Monitor) WatchBridges(b Bridges) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.bridges = b
}

// WatchEscrow wires the escrow ledger for reconciliation checks.
func (m *Monitor) WatchEscrow(e Escrow) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.escrow = e
}

// AddRule appends a custom failure rule.
func (m *Monitor) AddRule(rule Rule) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rules = append(m.rules, rule)
}

// CheckSystemHealth polls every registered component and returns the
// aggregated system status.
func (m *Monitor) CheckSystemHealth() health.Status {
	m.mu.RLock()
	reporters := make([]component.HealthReporter, len(m.reporters))
	copy(reporters, m.reporters)
	m.mu.RUnlock()

	for _, reporter := range reporters {
		m.statuses.Update(reporter.Name(), health.FromComponentHealth(reporter.Name(), reporter.Health()))
	}
	return m.statuses.AggregateHealth(systemName)
}

// DetectFailures applies all built-in and custom rules over the latest
// component states and returns what it found. It has no side effects.
func (m *Monitor) DetectFailures() []Failure {
	now := m.clock.Now()
	var failures []Failure

	m.mu.RLock()
	reporters := make([]component.HealthReporter, len(m.reporters))
	copy(reporters, m.reporters)
	bridges := m.bridges
	escrow := m.escrow
	rules := make([]Rule, len(m.rules))
	copy(rules, m.rules)
	m.mu.RUnlock()

	for _, reporter := range reporters {
		status := reporter.Health()
		if !status.Healthy {
			failureType := FailureComponentUnresponsive
			if reporter.Name() == "yield" {
				failureType = FailureYieldProtocolUnreachable
			}
			failures = append(failures, Failure{
				Type:       failureType,
				Component:  reporter.Name(),
				Detail:     status.LastError,
				DetectedAt: now,
			})
		}
		if status.ErrorCount > m.cfg.ErrorRateThreshold {
			failures = append(failures, Failure{
				Type:       FailureErrorRateHigh,
				Component:  reporter.Name(),
				Detail:     fmt.Sprintf("%d errors exceeds threshold %d", status.ErrorCount, m.cfg.ErrorRateThreshold),
				DetectedAt: now,
			})
		}
	}

	if bridges != nil {
		if pastDue := bridges.OpenPastDue(); len(pastDue) > 0 {
			failures = append(failures, Failure{
				Type:       FailureBridgeStuck,
				Component:  "bridge",
				Detail:     fmt.Sprintf("%d pending transactions past deadline, oldest %s", len(pastDue), pastDue[0].ID),
				DetectedAt: now,
			})
		}
	}

	if escrow != nil {
		if sum, total, consistent := escrow.Reconcile(); !consistent {
			failures = append(failures, Failure{
				Type:       FailureEscrowImbalance,
				Component:  "escrow",
				Detail:     fmt.Sprintf("per-stream sum %d != total locked %d", sum, total),
				DetectedAt: now,
			})
		}
	}

	for _, rule := range rules {
		if hit, detail := rule.Check(); hit {
			failures = append(failures, Failure{
				Type:       rule.Type,
				Component:  rule.Component,
				Detail:     detail,
				DetectedAt: now,
			})
		}
	}

	return failures
}

// InitiateAutomaticRecovery hands one detected failure to the recovery
// subsystem and records it as an active alert. The monitor itself mutates
// nothing beyond its alert list.
func (m *Monitor) InitiateAutomaticRecovery(ctx context.Context, failure Failure) (recovery.Plan, error) {
	m.mu.Lock()
	m.alerts[failure.Type] = failure
	m.mu.Unlock()

	m.logger.Warn("Failure detected",
		"failure_type", string(failure.Type),
		"component", failure.Component,
		"detail", failure.Detail)

	m.recoverer.Report(failure.Type.Kind(), componentName, map[string]string{
		"failure_type": string(failure.Type),
		"component":    failure.Component,
		"detail":       failure.Detail,
	})
	plan, err := m.recoverer.Recover(ctx, failure.Type.Kind(), componentName)
	if err != nil {
		return plan, errors.Wrap(err, errors.KindRecoveryFailed, componentName,
			"InitiateAutomaticRecovery", "delegate recovery")
	}
	return plan, nil
}

// Alerts returns the active alerts, one per failure type.
func (m *Monitor) Alerts() []Failure {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]Failure, 0, len(m.alerts))
	for _, failure := range m.alerts {
		out = append(out, failure)
	}
	return out
}

// Start runs the poll loop until the context is cancelled.
func (m *Monitor) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	m.cancel = cancel
	m.done = make(chan struct{})

	go func() {
		defer close(m.done)
		ticker := m.clock.Ticker(m.cfg.Interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				m.sweep(ctx)
			}
		}
	}()

	m.logger.Info("Health monitor started", "interval", m.cfg.Interval)
	return nil
}

// Stop halts the poll loop.
func (m *Monitor) Stop(timeout time.Duration) error {
	if m.cancel == nil {
		return nil
	}
	m.cancel()
	select {
	case <-m.done:
		return nil
	case <-time.After(timeout):
		return errors.E(errors.KindSystemOverloaded, componentName, "Stop",
			"poll loop did not stop within timeout")
	}
}

// sweep is one poll cycle: refresh health, detect, recover, clear stale
// alerts.
func (m *Monitor) sweep(ctx context.Context) {
	m.CheckSystemHealth()
	failures := m.DetectFailures()

	seen := make(map[FailureType]bool, len(failures))
	for _, failure := range failures {
		seen[failure.Type] = true
		if _, err := m.InitiateAutomaticRecovery(ctx, failure); err != nil {
			m.logger.Error("Automatic recovery failed",
				"failure_type", string(failure.Type),
				"error", err)
		}
	}

	m.mu.Lock()
	for failureType := range m.alerts {
		if !seen[failureType] {
			delete(m.alerts, failureType)
		}
	}
	m.mu.Unlock()
}
