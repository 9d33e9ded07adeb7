// Package store provides the sidecar's optional session ledger using SQLite.
//
// # Data Models
//
//   - SessionRecord: one row per session, with the agent-side id and the close time
//   - EventRecord: every event pushed onto a session's stream, keyed by (session, seq)
//
// The ledger outlives the in-memory session registry, so session.history keeps
// working after a session is closed.
//
// # SQLite Configuration
//
// File databases use WAL mode:
//
//	PRAGMA journal_mode=WAL;
//	PRAGMA foreign_keys=ON;
//
// ":memory:" is pinned to a single connection, since each new connection
// would otherwise see its own empty database.
//
// # Error Handling
//
//   - ErrNotFound: requested session does not exist
//   - ErrDuplicateSession: session id already recorded
//
// # Testing
//
// Use NewMockStore() for unit tests in other packages, and
// NewSQLiteStore(store.MemoryPath, logger) for tests against real SQLite.
package store
