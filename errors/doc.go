// Package errors provides the standardized error taxonomy for the BitFlow
// settlement core. Every public operation returns either a success value or
// an error carrying one of the Kind values defined here, so callers (and the
// out-of-process webhook/reporting layer) can switch on a stable code instead
// of parsing message text.
//
// The package follows three rules:
//
//   - Expected business failures are values, never panics.
//   - Each Kind has a fixed Severity used by the recovery subsystem.
//   - Wrapped errors keep the "component.op: action failed" context pattern
//     so logs stay greppable.
package errors
