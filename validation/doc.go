// Package validation provides the parameter and state checks shared by the
// stream, escrow, bridge and yield components. Every check returns a typed
// error from the errors package; expected business conditions never panic.
package validation
