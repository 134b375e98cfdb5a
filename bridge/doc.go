// Package bridge implements the cross-boundary bridge adapter that moves
// value between the native asset and its wrapped representation.
//
// Every transfer is tracked as a BridgeTransaction with a strict state
// machine: Pending transactions wait for external confirmations, Confirmed
// transactions are settled exactly once into Completed, and failures move
// through Failed (retryable for recoverable causes) or TimedOut (terminal).
// Required confirmations scale with the transferred amount.
//
// The adapter owns transaction records and the wrapped-balance ledger
// exclusively. It honors both the global emergency pause and a targeted
// component pause issued by the recovery subsystem.
package bridge
