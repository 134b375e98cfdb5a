// Package metric manages Prometheus metrics for the settlement core. It
// provides a Registry that owns the core engine metrics (operation counts,
// escrow totals, bridge backlog, emergency pause state) and lets individual
// components register their own collectors under the shared "bitflow"
// namespace.
package metric
