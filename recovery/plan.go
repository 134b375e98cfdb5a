package recovery

import (
	"time"

	"github.com/bitflowhq/bitflow-core/errors"
)

// Action is the prescribed response to a failure kind.
type Action int

const (
	// ActionNoAction means the failure resolves at the call site.
	ActionNoAction Action = iota
	// ActionRetry means retry with exponential backoff.
	ActionRetry
	// ActionPause means pause the affected component.
	ActionPause
	// ActionRollback means compensate already-committed sub-steps.
	ActionRollback
	// ActionEmergencyStop means engage the global emergency pause.
	ActionEmergencyStop
	// ActionManualIntervention means an operator must resolve it; never
	// auto-retried.
	ActionManualIntervention
)

// String returns the lowercase snake name of the action.
func (a Action) String() string {
	switch a {
	case ActionNoAction:
		return "no_action"
	case ActionRetry:
		return "retry"
	case ActionPause:
		return "pause"
	case ActionRollback:
		return "rollback"
	case ActionEmergencyStop:
		return "emergency_stop"
	case ActionManualIntervention:
		return "manual_intervention"
	default:
		return "unknown"
	}
}

// MaxRetryDelay caps exponential retry backoff.
const MaxRetryDelay = 3600 * time.Second

// Plan prescribes the response to a failure kind.
type Plan struct {
	Action Action

	// BaseDelay seeds exponential backoff for ActionRetry plans.
	BaseDelay time.Duration

	// EscalationThreshold is the rolling failure count at which High
	// severity kinds escalate to an emergency pause. Zero means the kind
	// never escalates by count.
	EscalationThreshold int
}

// PlanFor maps a failure kind to its recovery plan. The mapping is fixed:
// transient resource exhaustion retries, protocol-level failures pause,
// state inconsistency rolls back, systemic conditions stop the world, and
// caller mistakes wait for a human.
func PlanFor(kind errors.Kind) Plan {
	switch kind {
	case errors.KindBridgeTimeout:
		return Plan{Action: ActionRetry, BaseDelay: 30 * time.Second, EscalationThreshold: 5}
	case errors.KindSystemOverloaded:
		return Plan{Action: ActionRetry, BaseDelay: 5 * time.Second}
	case errors.KindYieldProtocolUnavailable:
		return Plan{Action: ActionRetry, BaseDelay: 10 * time.Second, EscalationThreshold: 10}

	case errors.KindBridgeFailure:
		return Plan{Action: ActionPause, EscalationThreshold: 5}
	case errors.KindYieldProtocolError:
		return Plan{Action: ActionPause, EscalationThreshold: 10}
	case errors.KindMicroPaymentFailed:
		return Plan{Action: ActionRetry, BaseDelay: 60 * time.Second}

	case errors.KindStorageError:
		return Plan{Action: ActionRollback}

	case errors.KindEmergencyPauseActive, errors.KindRecoveryFailed, errors.KindUnknown:
		return Plan{Action: ActionEmergencyStop}

	case errors.KindInvalidParameters, errors.KindZeroAmount, errors.KindInvalidAddress,
		errors.KindInvalidRate, errors.KindInvalidDuration, errors.KindInvalidTimeRange,
		errors.KindUnauthorizedAccess:
		return Plan{Action: ActionManualIntervention}

	// Audit-only: an emergency withdrawal is already an operator acting, so
	// it never escalates on its own.
	case errors.KindEmergencyWithdrawal:
		return Plan{Action: ActionManualIntervention}

	case errors.KindInsufficientBalance, errors.KindStreamNotFound,
		errors.KindStreamNotActive, errors.KindContentNotFound:
		return Plan{Action: ActionNoAction}

	default:
		return Plan{Action: ActionEmergencyStop}
	}
}

// RetryDelay computes the backoff before the given zero-based retry
// attempt: BaseDelay * 2^attempt, capped at MaxRetryDelay.
func (p Plan) RetryDelay(attempt int) time.Duration {
	if p.BaseDelay <= 0 {
		return 0
	}
	delay := p.BaseDelay
	for i := 0; i < attempt; i++ {
		delay *= 2
		if delay >= MaxRetryDelay {
			return MaxRetryDelay
		}
	}
	if delay > MaxRetryDelay {
		return MaxRetryDelay
	}
	return delay
}
