// Package escrow implements the custodial ledger for committed stream
// funds. It is the exclusive owner of per-stream balances and the
// ledger-wide total-locked counter; other components read balances but
// never mutate them directly. Release and return operations honor the
// global emergency pause, while deposits are accepted even during a pause
// so incoming funds are never blocked.
package escrow
