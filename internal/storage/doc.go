// Package storage persists customer requests and events.
//
// Drivers:
//   - "sqlite": embedded SQLite database file (default)
//   - "postgres": PostgreSQL via pgxpool with embedded migrations
//   - "file": in-memory maps with a JSON journal compacted into a snapshot
//
// Drivers wrap connectivity and query failures with ErrUnavailable so
// callers can tell a missing record (ErrNotFound) from a down store.
package storage
