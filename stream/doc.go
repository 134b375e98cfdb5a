// Package stream implements the payment-stream manager: creation, accrual,
// withdrawal, pause/resume, cancellation and automatic payment processing.
//
// A stream commits a total amount that unlocks toward the recipient at a
// fixed per-second rate. The manager owns stream metadata only; custody of
// the committed funds lives in the escrow ledger, and the manager derives
// available balances by reading (never mutating) escrow state.
//
// Operations against the same stream are serialized through a per-stream
// mutex; different streams proceed in parallel.
package stream
