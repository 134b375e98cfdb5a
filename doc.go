// Package bitflow is the root of the BitFlow settlement core: a
// continuous payment engine where funds stream from sender to recipient
// at a per-second rate out of escrowed custody, with cross-chain
// bridging and yield generation on idle escrow.
//
// # Architecture
//
// The engine composes the settlement components over shared
// infrastructure:
//
//	┌─────────────────────────────────────┐
//	│             Engine                  │  Wiring, lifecycle,
//	│  (initialize, start, stop, health)  │  startup ordering
//	└─────────────────────────────────────┘
//	           ↓ orchestrates
//	┌──────────┬──────────┬───────────────┐
//	│  Stream  │  Bridge  │    Yield      │  Settlement logic
//	│  Manager │  Adapter │   Manager     │
//	├──────────┴──────────┴───────────────┤
//	│       Escrow Ledger                 │  Fund custody
//	├─────────────────────────────────────┤
//	│  Recovery Manager │ Health Monitor  │  Failure handling
//	└─────────────────────────────────────┘
//	           ↓ persist / publish via
//	┌─────────────────────────────────────┐
//	│   store.Store    │ events.Publisher │  Memory or NATS
//	└─────────────────────────────────────┘
//
// Money flows in one direction: deposits enter the escrow ledger when a
// stream is created, accrue to the recipient continuously, and leave
// through withdrawals, automatic payments, cancellation refunds or
// operator emergency withdrawal. The ledger reconciles per-stream
// balances against its total at any time.
//
// Every failure is reported to the recovery subsystem, which classifies
// it by kind, escalates repeated failures inside a rolling window, and
// can pause individual components or the whole system. Deposits stay
// open during an emergency pause so no funds are ever stranded
// mid-flight.
//
// # Packages
//
// Settlement components:
//   - stream: payment stream lifecycle and per-second accrual
//   - escrow: fund custody and reconciliation
//   - bridge: cross-chain transfer state machine, fees, confirmations
//   - yield: idle-fund staking and yield distribution
//   - subscription: recurring plans carried by payment streams
//   - recovery: error records, recovery plans, emergency pause
//   - monitor: component health polling and failure detection
//
// Infrastructure:
//   - engine: component wiring and lifecycle
//   - store: entity persistence (memory or JetStream KV)
//   - events: lifecycle event publishing
//   - natsclient: NATS connection and KV helpers
//   - config: JSON configuration with validation
//   - errors: failure taxonomy with stable codes
//   - metric: Prometheus registry wrapper
//   - health, component, validation, pkg/retry, pkg/streammath
//
// # Binary
//
// cmd/bitflowd runs the engine as a daemon with Prometheus metrics on
// /metrics and aggregated health on /healthz.
package bitflow
