package storage

// Package storage provides a minimal persistence layer for operational audit:
//
//   - Dispatch outcome appends (one row per send attempt)
//   - Channel lifecycle events (connect/disconnect/block)
//
// It is an audit trail, not a message store; nothing reads it back at runtime.
