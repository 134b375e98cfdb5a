// Package retry provides exponential backoff retry logic shared by the
// bridge adapter and yield manager when talking to external systems.
package retry
