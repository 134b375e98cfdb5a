package errors

import (
	"errors"
	"fmt"
)

// Kind classifies an error into the settlement core's failure taxonomy.
type Kind int

const (
	// KindUnknown is the explicit Critical-severity fallback for errors the
	// core could not classify. It is logged for investigation, never used
	// deliberately.
	KindUnknown Kind = iota

	// Bad inputs.

	// KindInvalidParameters marks a request whose parameters fail validation.
	KindInvalidParameters
	// KindZeroAmount marks an operation attempted with a zero amount.
	KindZeroAmount
	// KindInvalidAddress marks a malformed or empty counterparty address.
	KindInvalidAddress
	// KindInvalidRate marks a zero or otherwise unusable streaming rate.
	KindInvalidRate
	// KindInvalidDuration marks a non-positive stream duration.
	KindInvalidDuration
	// KindInvalidTimeRange marks a start/end pair that is not ordered.
	KindInvalidTimeRange

	// Operation-level failures.

	// KindInsufficientBalance marks a debit larger than the held balance.
	KindInsufficientBalance
	// KindStreamNotFound marks a lookup of an unknown stream id.
	KindStreamNotFound
	// KindStreamNotActive marks an operation on a cancelled or completed stream.
	KindStreamNotActive
	// KindUnauthorizedAccess marks a caller that is not permitted the operation.
	KindUnauthorizedAccess
	// KindMicroPaymentFailed marks a failed automatic push payment.
	KindMicroPaymentFailed
	// KindContentNotFound marks a lookup of an unknown non-stream record.
	KindContentNotFound

	// External-dependency failures.

	// KindBridgeFailure marks a failed cross-boundary bridge operation.
	KindBridgeFailure
	// KindBridgeTimeout marks a bridge transaction past its confirmation deadline.
	KindBridgeTimeout
	// KindYieldProtocolError marks a yield protocol call that failed.
	KindYieldProtocolError
	// KindYieldProtocolUnavailable marks a yield protocol that cannot be reached.
	KindYieldProtocolUnavailable

	// Systemic failures.

	// KindSystemOverloaded marks resource exhaustion or throttling.
	KindSystemOverloaded
	// KindEmergencyPauseActive marks an operation rejected by the global pause.
	KindEmergencyPauseActive
	// KindRecoveryFailed marks an automated recovery attempt that failed.
	KindRecoveryFailed
	// KindStorageError marks a persistence failure or state inconsistency.
	KindStorageError

	// Operator actions.

	// KindEmergencyWithdrawal marks an operator-initiated emergency
	// withdrawal of escrowed funds, recorded for audit.
	KindEmergencyWithdrawal
)

var kindStrings = map[Kind]string{
	KindUnknown:                  "unknown",
	KindInvalidParameters:        "invalid_parameters",
	KindZeroAmount:               "zero_amount",
	KindInvalidAddress:           "invalid_address",
	KindInvalidRate:              "invalid_rate",
	KindInvalidDuration:          "invalid_duration",
	KindInvalidTimeRange:         "invalid_time_range",
	KindInsufficientBalance:      "insufficient_balance",
	KindStreamNotFound:           "stream_not_found",
	KindStreamNotActive:          "stream_not_active",
	KindUnauthorizedAccess:       "unauthorized_access",
	KindMicroPaymentFailed:       "micro_payment_failed",
	KindContentNotFound:          "content_not_found",
	KindBridgeFailure:            "bridge_failure",
	KindBridgeTimeout:            "bridge_timeout",
	KindYieldProtocolError:       "yield_protocol_error",
	KindYieldProtocolUnavailable: "yield_protocol_unavailable",
	KindSystemOverloaded:         "system_overloaded",
	KindEmergencyPauseActive:     "emergency_pause_active",
	KindRecoveryFailed:           "recovery_failed",
	KindStorageError:             "storage_error",
	KindEmergencyWithdrawal:      "emergency_withdrawal",
}

// Wire codes follow the public API convention established by the BitFlow
// client SDKs (VALIDATION_ERROR, NOT_FOUND, ...).
var kindCodes = map[Kind]string{
	KindUnknown:                  "UNKNOWN_ERROR",
	KindInvalidParameters:        "INVALID_PARAMETERS",
	KindZeroAmount:               "ZERO_AMOUNT",
	KindInvalidAddress:           "INVALID_ADDRESS",
	KindInvalidRate:              "INVALID_RATE",
	KindInvalidDuration:          "INVALID_DURATION",
	KindInvalidTimeRange:         "INVALID_TIME_RANGE",
	KindInsufficientBalance:      "INSUFFICIENT_BALANCE",
	KindStreamNotFound:           "STREAM_NOT_FOUND",
	KindStreamNotActive:          "STREAM_NOT_ACTIVE",
	KindUnauthorizedAccess:       "UNAUTHORIZED_ACCESS",
	KindMicroPaymentFailed:       "MICRO_PAYMENT_FAILED",
	KindContentNotFound:          "CONTENT_NOT_FOUND",
	KindBridgeFailure:            "BRIDGE_FAILURE",
	KindBridgeTimeout:            "BRIDGE_TIMEOUT",
	KindYieldProtocolError:       "YIELD_PROTOCOL_ERROR",
	KindYieldProtocolUnavailable: "YIELD_PROTOCOL_UNAVAILABLE",
	KindSystemOverloaded:         "SYSTEM_OVERLOADED",
	KindEmergencyPauseActive:     "EMERGENCY_PAUSE_ACTIVE",
	KindRecoveryFailed:           "RECOVERY_FAILED",
	KindStorageError:             "STORAGE_ERROR",
	KindEmergencyWithdrawal:      "EMERGENCY_WITHDRAWAL",
}

// String returns the lowercase snake name of the kind.
func (k Kind) String() string {
	if s, ok := kindStrings[k]; ok {
		return s
	}
	return "unknown"
}

// Code returns the stable wire code for the kind, suitable for cross-process
// serialization.
func (k Kind) Code() string {
	if c, ok := kindCodes[k]; ok {
		return c
	}
	return "UNKNOWN_ERROR"
}

// Severity ranks how dangerous a failure kind is to the system.
type Severity int

const (
	// SeverityLow covers parameter and validation failures.
	SeverityLow Severity = iota
	// SeverityMedium covers balance, authorization and not-found failures.
	SeverityMedium
	// SeverityHigh covers bridge and yield protocol failures.
	SeverityHigh
	// SeverityCritical covers storage, overload and recovery failures.
	SeverityCritical
)

// String returns the lowercase name of the severity.
func (s Severity) String() string {
	switch s {
	case SeverityLow:
		return "low"
	case SeverityMedium:
		return "medium"
	case SeverityHigh:
		return "high"
	case SeverityCritical:
		return "critical"
	default:
		return "unknown"
	}
}

// SeverityOf returns the fixed severity classification for a kind.
func SeverityOf(k Kind) Severity {
	switch k {
	case KindInvalidParameters, KindZeroAmount, KindInvalidAddress,
		KindInvalidRate, KindInvalidDuration, KindInvalidTimeRange:
		return SeverityLow
	case KindInsufficientBalance, KindStreamNotFound, KindStreamNotActive,
		KindUnauthorizedAccess, KindMicroPaymentFailed, KindContentNotFound:
		return SeverityMedium
	case KindBridgeFailure, KindBridgeTimeout,
		KindYieldProtocolError, KindYieldProtocolUnavailable,
		KindEmergencyWithdrawal:
		return SeverityHigh
	case KindSystemOverloaded, KindEmergencyPauseActive,
		KindRecoveryFailed, KindStorageError:
		return SeverityCritical
	default:
		return SeverityCritical
	}
}

// IsRetryable reports whether the kind represents a transient condition that
// automatic retry can reasonably resolve. Authorization and parameter errors
// are never retryable.
func IsRetryable(k Kind) bool {
	switch k {
	case KindBridgeTimeout, KindYieldProtocolUnavailable, KindSystemOverloaded:
		return true
	default:
		return false
	}
}

// Error is the classified error type returned throughout the core. It keeps
// the originating component and operation so failure reports carry their
// source without callers re-annotating.
type Error struct {
	Kind      Kind
	Component string
	Op        string
	Message   string
	Err       error
}

// Error implements the error interface.
func (e *Error) Error() string {
	switch {
	case e.Message != "" && e.Err != nil:
		return fmt.Sprintf("%s.%s: %s: %v", e.Component, e.Op, e.Message, e.Err)
	case e.Message != "":
		return fmt.Sprintf("%s.%s: %s", e.Component, e.Op, e.Message)
	case e.Err != nil:
		return fmt.Sprintf("%s.%s: %v", e.Component, e.Op, e.Err)
	default:
		return fmt.Sprintf("%s.%s: %s", e.Component, e.Op, e.Kind)
	}
}

// Unwrap returns the underlying error, if any.
func (e *Error) Unwrap() error {
	return e.Err
}

// E creates a new classified error with no underlying cause.
func E(kind Kind, component, op, message string) *Error {
	return &Error{Kind: kind, Component: component, Op: op, Message: message}
}

// Wrap classifies an existing error, formatting as
// "component.op: action failed: cause". It returns nil for a nil cause so
// call sites can wrap unconditionally.
func Wrap(err error, kind Kind, component, op, action string) error {
	if err == nil {
		return nil
	}
	return &Error{
		Kind:      kind,
		Component: component,
		Op:        op,
		Message:   action + " failed",
		Err:       err,
	}
}

// KindOf extracts the classified kind from an error chain. Unclassified
// errors report KindUnknown, the Critical-severity fallback.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}

// Is reports whether the error chain carries the given kind.
func Is(err error, kind Kind) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind == kind
	}
	return false
}

// As delegates to the standard library so callers need only one import.
func As(err error, target any) bool {
	return errors.As(err, target)
}
