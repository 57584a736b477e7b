// Package storage persists one flat RecipientState record per recipient,
// plus an append-only delivery log kept for operators.
//
// Drivers:
//   - file:     JSON snapshot + journal, compacted periodically
//   - sqlite:   modernc.org/sqlite, single writer
//   - postgres: pgx through database/sql
//   - redis:    one JSON value per recipient
//
// Records are read and written wholesale; callers serialize their own
// read-modify-write cycles.
package storage
