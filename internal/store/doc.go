// Package store provides persistent storage for the gateway using SQLite.
//
// # Architecture
//
// The store package splits persistence into small interfaces:
//
//   - TokenStore: API token records (digest only, never the raw secret)
//   - AccessRequestStore: third-party app access requests and their review outcome
//   - UserStore: local users, their roles, and a role generation stamp
//   - SessionStore: browser sessions keyed by the session cookie
//
// SQLiteStore implements all of them in a single struct; Store combines them.
//
// # Consistency
//
// Access request transitions are single conditional UPDATEs guarded on
// status = 'draft'. When two reviewers race, exactly one update matches and
// the other gets ErrStaleTransition.
//
// SetUserRole bumps role_generation in the same statement that writes the
// role. Sessions record the generation they were created under, so a session
// minted before a role change can be detected and rejected.
//
// # SQLite Configuration
//
// The store uses SQLite with WAL mode for concurrent reads:
//
//	PRAGMA journal_mode=WAL;
//	PRAGMA foreign_keys=ON;
//
// Both the pure-Go driver (modernc.org/sqlite, "sqlite") and the cgo driver
// (github.com/mattn/go-sqlite3, "sqlite3") are registered; the pure-Go one is
// the default.
//
// # Errors
//
//   - ErrNotFound: requested entity does not exist (or belongs to another user)
//   - ErrDuplicateToken: token_id collision on insert
//   - ErrStaleTransition: access request is no longer a draft
//
// # Testing
//
// Use NewMockStore() for unit tests that don't need SQL semantics, and
// NewSQLiteStore with a path under t.TempDir() for integration tests.
package store
