package storage

// Package storage persists the task store snapshot.
//
// A Persister stores one opaque blob. Drivers:
//   - file: temp file plus atomic rename through an FS
//   - sqlite: single-row table (modernc.org/sqlite, pure Go)
//   - redis: one string key
//   - memory: nothing is persisted
