// Package store persists settlement entities as JSON documents in tables
// keyed by id (streams, bridge transactions, error records, yield
// positions). Two implementations are provided: an in-memory store for
// tests and single-process deployments, and a JetStream KV store for
// durable deployments.
package store
