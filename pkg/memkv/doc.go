// Package memkv is a sharded, thread-safe in-memory key/value store with
// per-key TTL and an optional cap on the total bytes of stored values.
//
// Expired keys are invisible to readers immediately and are reclaimed either
// lazily on access or in bulk by Sweep. There is no background goroutine: the
// owner decides when to sweep (the mesh engine does it from its cleanup tick).
package memkv
