// Package yield stakes idle escrowed funds with external yield-bearing
// protocols and distributes the earnings back into streams.
//
// Accrual is lazy and mirrors the streaming model: on every read or update
// the position earns principal * annual_rate_bps * elapsed_seconds /
// (10000 * seconds_per_year) since its last update. Earned yield is
// monotonically non-decreasing until an explicit claim or distribution.
//
// External protocol calls are bounded by timeouts and retried; a protocol
// that stays unreachable surfaces YieldProtocolUnavailable without ever
// corrupting the position record.
package yield
