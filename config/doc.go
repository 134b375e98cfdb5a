// Package config defines the engine's JSON configuration: NATS
// connectivity, storage mode, and the per-component settlement settings
// (streams, bridge, yield, recovery, monitoring).
//
// Configuration is loaded from a single JSON file layered over built-in
// defaults, with a small set of environment overrides for deploy-time
// knobs. SafeConfig wraps a loaded Config for concurrent readers.
package config
