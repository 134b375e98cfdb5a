package recovery

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"

	"github.com/bitflowhq/bitflow-core/component"
	"github.com/bitflowhq/bitflow-core/errors"
	"github.com/bitflowhq/bitflow-core/events"
	"github.com/bitflowhq/bitflow-core/metric"
	"github.com/bitflowhq/bitflow-core/store"
)

const componentName = "recovery"

// maxRecords bounds the in-memory audit trail; older records remain in the
// persistence layer.
const maxRecords = 4096

// Pausable is implemented by components the recovery subsystem can pause
// individually (currently the bridge adapter and yield manager).
type Pausable interface {
	PauseOperations(reason string)
	ResumeOperations()
}

// Config holds recovery subsystem settings.
type Config struct {
	// Window is the rolling window for failure-count escalation.
	Window time.Duration

	// Operators are identities permitted to lift the emergency pause and
	// perform emergency withdrawals.
	Operators []string
}

// DefaultConfig returns production defaults: a one-hour escalation window
// and no operators (pause can then only be lifted by reconfiguration).
func DefaultConfig() Config {
	return Config{Window: time.Hour}
}

// Manager is the error and recovery subsystem.
type Manager struct {
	cfg       Config
	guard     *Guard
	clock     clock.Clock
	logger    *slog.Logger
	metrics   *metric.Metrics
	persist   store.Store
	publisher events.Publisher
	operators map[string]struct{}

	mu        sync.RWMutex
	records   []Record
	recent    map[errors.Kind][]time.Time
	pausables map[string]Pausable
	started   time.Time
}

// NewManager creates the recovery subsystem. The guard it owns should be
// injected into every component that must honor the emergency pause.
func NewManager(cfg Config, st store.Store, publisher events.Publisher, deps component.Dependencies) *Manager {
	if cfg.Window <= 0 {
		cfg.Window = DefaultConfig().Window
	}
	if publisher == nil {
		publisher = events.Nop{}
	}

	operators := make(map[string]struct{}, len(cfg.Operators))
	for _, op := range cfg.Operators {
		operators[op] = struct{}{}
	}

	metrics := deps.Metrics.CoreMetrics()
	return &Manager{
		cfg:       cfg,
		guard:     NewGuard(metrics),
		clock:     deps.GetClock(),
		logger:    deps.GetLoggerWithComponent(componentName),
		metrics:   metrics,
		persist:   st,
		publisher: publisher,
		operators: operators,
		recent:    make(map[errors.Kind][]time.Time),
		pausables: make(map[string]Pausable),
		started:   deps.GetClock().Now(),
	}
}

// Guard returns the emergency-pause guard owned by this manager.
func (m *Manager) Guard() *Guard {
	return m.guard
}

// RegisterPausable registers a component for targeted pause actions.
func (m *Manager) RegisterPausable(name string, p Pausable) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pausables[name] = p
}

// Report records a failure and returns the new record's id. Report never
// fails: persistence and event problems are logged and swallowed, because a
// failing failure-reporter would hide the original fault.
//
// Reporting also evaluates escalation: Critical kinds and High kinds past
// their rolling-window threshold engage the emergency pause.
func (m *Manager) Report(kind errors.Kind, origin string, data map[string]string) string {
	now := m.clock.Now()
	severity := errors.SeverityOf(kind)

	rec := Record{
		ID:        uuid.NewString(),
		Kind:      kind,
		KindCode:  kind.Code(),
		Severity:  severity.String(),
		Timestamp: now,
		Origin:    origin,
		Data:      data,
	}

	m.mu.Lock()
	m.records = append(m.records, rec)
	if len(m.records) > maxRecords {
		m.records = m.records[len(m.records)-maxRecords:]
	}
	m.recent[kind] = append(m.pruneLocked(kind, now), now)
	escalate := m.shouldTriggerLocked(kind, now)
	m.mu.Unlock()

	m.metrics.RecordError(kind.String(), severity.String())
	m.log(severity, "Failure reported",
		"error_id", rec.ID,
		"kind", kind.String(),
		"severity", severity.String(),
		"origin", origin)

	if m.persist != nil {
		if doc, err := json.Marshal(rec); err == nil {
			if err := m.persist.Put(context.Background(), store.TableErrorRecords, rec.ID, doc); err != nil {
				m.logger.Warn("Failed to persist error record", "error_id", rec.ID, "error", err)
			}
		}
	}

	if escalate {
		m.TriggerEmergencyPause("escalated by " + kind.String() + " from " + origin)
	}

	return rec.ID
}

// ShouldTriggerEmergencyPause reports whether the given kind, at its
// current rolling failure count, warrants an emergency pause: Critical
// kinds always do, High kinds once their windowed count exceeds the
// per-kind threshold, Low and Medium never.
func (m *Manager) ShouldTriggerEmergencyPause(kind errors.Kind) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.shouldTriggerLocked(kind, m.clock.Now())
}

func (m *Manager) shouldTriggerLocked(kind errors.Kind, now time.Time) bool {
	switch errors.SeverityOf(kind) {
	case errors.SeverityCritical:
		return true
	case errors.SeverityHigh:
		threshold := PlanFor(kind).EscalationThreshold
		if threshold <= 0 {
			return false
		}
		return m.countRecentLocked(kind, now) > threshold
	default:
		return false
	}
}

// RecentCount returns the number of failures of the given kind inside the
// rolling window.
func (m *Manager) RecentCount(kind errors.Kind) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.countRecentLocked(kind, m.clock.Now())
}

func (m *Manager) countRecentLocked(kind errors.Kind, now time.Time) int {
	cutoff := now.Add(-m.cfg.Window)
	n := 0
	for _, t := range m.recent[kind] {
		if t.After(cutoff) {
			n++
		}
	}
	return n
}

// pruneLocked drops window-expired timestamps for a kind.
func (m *Manager) pruneLocked(kind errors.Kind, now time.Time) []time.Time {
	cutoff := now.Add(-m.cfg.Window)
	kept := m.recent[kind][:0]
	for _, t := range m.recent[kind] {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	return kept
}

// GetRecoveryPlan returns the prescribed plan for a failure kind.
func (m *Manager) GetRecoveryPlan(kind errors.Kind) Plan {
	return PlanFor(kind)
}

// Recover executes the recovery plan for a failure kind and returns it.
// Retry plans are returned for the caller to drive; Pause plans pause the
// registered component responsible for the kind (or the whole system when
// none is registered); EmergencyStop engages the global pause.
func (m *Manager) Recover(ctx context.Context, kind errors.Kind, origin string) (Plan, error) {
	plan := PlanFor(kind)

	switch plan.Action {
	case ActionRetry, ActionNoAction, ActionManualIntervention:
		// Nothing to mutate here; the caller (or a human) acts.

	case ActionPause:
		m.mu.RLock()
		p, ok := m.pausables[origin]
		m.mu.RUnlock()
		if ok {
			p.PauseOperations(kind.String())
			m.logger.Warn("Component paused by recovery plan", "origin", origin, "kind", kind.String())
		} else {
			m.TriggerEmergencyPause("pause plan for " + kind.String() + " with no pausable " + origin)
		}

	case ActionRollback:
		// State inconsistency: stop mutations and leave reconciliation to
		// the operator runbook.
		m.Report(errors.KindRecoveryFailed, componentName,
			map[string]string{"cause": kind.String(), "origin": origin})

	case ActionEmergencyStop:
		m.TriggerEmergencyPause("recovery plan for " + kind.String())

	default:
		return plan, errors.E(errors.KindRecoveryFailed, componentName, "Recover",
			"no handler for action "+plan.Action.String())
	}

	_ = ctx
	return plan, nil
}

// TriggerEmergencyPause engages the global pause. Idempotent.
func (m *Manager) TriggerEmergencyPause(reason string) {
	if !m.guard.pause(reason, m.clock.Now()) {
		return
	}
	m.logger.Error("EMERGENCY PAUSE engaged", "reason", reason)
	if err := m.publisher.Publish(context.Background(), events.SystemPaused,
		map[string]any{"reason": reason}); err != nil {
		m.logger.Warn("Failed to publish pause event", "error", err)
	}
}

// LiftEmergencyPause lifts the global pause. Only an authorized operator
// may lift it, after manual review.
func (m *Manager) LiftEmergencyPause(operator string) error {
	if _, ok := m.operators[operator]; !ok {
		return errors.E(errors.KindUnauthorizedAccess, componentName, "LiftEmergencyPause",
			"operator not authorized: "+operator)
	}
	if !m.guard.lift() {
		return nil
	}

	m.logger.Info("Emergency pause lifted", "operator", operator)
	if err := m.publisher.Publish(context.Background(), events.SystemResumed,
		map[string]any{"operator": operator}); err != nil {
		m.logger.Warn("Failed to publish resume event", "error", err)
	}
	return nil
}

// IsAuthorizedOperator reports whether the identity may perform recovery
// operations (lifting pauses, emergency withdrawals).
func (m *Manager) IsAuthorizedOperator(operator string) bool {
	_, ok := m.operators[operator]
	return ok
}

// Records returns a copy of the in-memory audit trail, newest last.
func (m *Manager) Records() []Record {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Record, len(m.records))
	copy(out, m.records)
	return out
}

// Name implements component.HealthReporter.
func (m *Manager) Name() string { return componentName }

// Health implements component.HealthReporter. The subsystem reports
// degraded (unhealthy) while the emergency pause is active.
func (m *Manager) Health() component.HealthStatus {
	m.mu.RLock()
	recorded := len(m.records)
	m.mu.RUnlock()

	paused, reason, _ := m.guard.Status()
	status := component.HealthStatus{
		Healthy:    !paused,
		LastCheck:  m.clock.Now(),
		ErrorCount: recorded,
		Uptime:     m.clock.Now().Sub(m.started),
	}
	if paused {
		status.LastError = "emergency pause active: " + reason
	}
	return status
}

func (m *Manager) log(severity errors.Severity, msg string, args ...any) {
	switch severity {
	case errors.SeverityCritical:
		m.logger.Error(msg, args...)
	case errors.SeverityHigh:
		m.logger.Warn(msg, args...)
	default:
		m.logger.Info(msg, args...)
	}
}
