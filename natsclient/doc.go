// Package natsclient provides the NATS/JetStream client used by the
// settlement core for entity persistence (JetStream key-value buckets) and
// lifecycle event publishing. It wraps the nats.go client with connection
// management, timeouts and typed error mapping.
package natsclient
