// Package recovery implements the error and recovery subsystem: it records
// every reported failure as an immutable audit record, maps failure kinds to
// recovery plans (retry with backoff, pause, rollback, emergency stop,
// manual intervention), tracks rolling failure counts, and owns the global
// emergency-pause guard consulted by the escrow ledger and bridge adapter.
package recovery
