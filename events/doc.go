// Package events publishes settlement lifecycle events to NATS subjects.
// Event names and the payload envelope follow the public webhook contract
// (stream.created, payment.received, ...), so the out-of-process webhook
// delivery layer can subscribe without translation.
package events
