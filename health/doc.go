// Package health defines the health status model shared by all settlement
// components and a thread-safe monitor that aggregates them.
//
// A Status is healthy, degraded or unhealthy. Aggregation is pessimistic:
// one unhealthy sub-component makes the system unhealthy, one degraded
// sub-component (with none unhealthy) makes it degraded.
package health
