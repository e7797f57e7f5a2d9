// Package storage persists paused sequences and the audit trail.
//
// Drivers:
//   - memory: process-local maps (tests, throwaway runs)
//   - file: JSON Lines journal compacted into a snapshot
//   - sqlite: embedded SQLite file via modernc.org/sqlite
//   - redis: one JSON value per sequence plus a sorted-set index
//   - postgres: pgx connection pool
//
// Every driver applies the same write rule in PutSequence: a record at
// generation N replaces only the record at generation N-1, and generation 1
// only creates. Anything else is ErrConflict.
package storage
