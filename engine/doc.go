// Package engine assembles the settlement components into a running
// system: recovery manager, escrow ledger, stream manager, bridge
// adapter, yield manager and health monitor, wired in dependency order
// over a shared store and event publisher.
//
// The engine owns startup and shutdown ordering. Components initialize
// from persisted state before any background loop starts, and shutdown
// runs in reverse so the monitor and payment loop stop before the
// infrastructure they depend on.
package engine
