package recovery

import (
	"testing"
	"time"

	"github.com/bitflowhq/bitflow-core/errors"
)

func TestPlanFor(t *testing.T) {
	tests := []struct {
		name   string
		kind   errors.Kind
		action Action
	}{
		{"bridge timeout retries", errors.KindBridgeTimeout, ActionRetry},
		{"overload retries", errors.KindSystemOverloaded, ActionRetry},
		{"yield unavailable retries", errors.KindYieldProtocolUnavailable, ActionRetry},
		{"bridge failure pauses", errors.KindBridgeFailure, ActionPause},
		{"yield protocol error pauses", errors.KindYieldProtocolError, ActionPause},
		{"storage rolls back", errors.KindStorageError, ActionRollback},
		{"recovery failure stops", errors.KindRecoveryFailed, ActionEmergencyStop},
		{"unknown stops", errors.KindUnknown, ActionEmergencyStop},
		{"unauthorized is manual", errors.KindUnauthorizedAccess, ActionManualIntervention},
		{"invalid parameters is manual", errors.KindInvalidParameters, ActionManualIntervention},
		{"zero amount is manual", errors.KindZeroAmount, ActionManualIntervention},
		{"emergency withdrawal is manual", errors.KindEmergencyWithdrawal, ActionManualIntervention},
		{"insufficient balance no action", errors.KindInsufficientBalance, ActionNoAction},
		{"stream not found no action", errors.KindStreamNotFound, ActionNoAction},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			if got := PlanFor(test.kind).Action; got != test.action {
				t.Errorf("PlanFor(%v).Action = %v, want %v", test.kind, got, test.action)
			}
		})
	}
}

func TestEscalationThresholds(t *testing.T) {
	if got := PlanFor(errors.KindBridgeFailure).EscalationThreshold; got != 5 {
		t.Errorf("bridge failure threshold = %d, want 5", got)
	}
	if got := PlanFor(errors.KindYieldProtocolError).EscalationThreshold; got != 10 {
		t.Errorf("yield failure threshold = %d, want 10", got)
	}
}

func TestRetryDelay(t *testing.T) {
	plan := Plan{Action: ActionRetry, BaseDelay: 30 * time.Second}

	tests := []struct {
		attempt  int
		expected time.Duration
	}{
		{0, 30 * time.Second},
		{1, 60 * time.Second},
		{2, 120 * time.Second},
		{5, 960 * time.Second},
		{7, MaxRetryDelay}, // 30s * 2^7 = 3840s, capped at 3600s
		{20, MaxRetryDelay},
	}

	for _, test := range tests {
		if got := plan.RetryDelay(test.attempt); got != test.expected {
			t.Errorf("RetryDelay(%d) = %v, want %v", test.attempt, got, test.expected)
		}
	}
}

func TestRetryDelayWithoutBase(t *testing.T) {
	plan := Plan{Action: ActionNoAction}
	if got := plan.RetryDelay(3); got != 0 {
		t.Errorf("RetryDelay without base = %v, want 0", got)
	}
}

func TestActionString(t *testing.T) {
	tests := []struct {
		action   Action
		expected string
	}{
		{ActionNoAction, "no_action"},
		{ActionRetry, "retry"},
		{ActionPause, "pause"},
		{ActionRollback, "rollback"},
		{ActionEmergencyStop, "emergency_stop"},
		{ActionManualIntervention, "manual_intervention"},
		{Action(999), "unknown"},
	}

	for _, test := range tests {
		if got := test.action.String(); got != test.expected {
			t.Errorf("String() = %s, want %s", got, test.expected)
		}
	}
}
