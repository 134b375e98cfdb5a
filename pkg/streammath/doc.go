// Package streammath provides the pure arithmetic used by the settlement
// core: overflow-checked integer math, elapsed-time helpers, streaming
// accrual (rate x time capped at a total) and basis-point yield accrual.
// All amounts are satoshis held in uint64.
package streammath
