// Package state implements the per-session event log: durable storage
// backends (JSONL files or Redis) fronted by a bounded in-memory ring buffer
// used for fast replay.
package state

import "github.com/user/burrow/internal/types"

// Compile-time interface compliance checks.
var _ types.Store = (*FileStore)(nil)
var _ types.Store = (*RedisStore)(nil)
