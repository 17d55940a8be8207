// Package stores provides the SQLite-backed persistence layer: last-applied
// resource state, sync cycle history with per-operation outcomes, scoped
// reconciliation leases and an event audit trail. The schema is managed
// through embedded golang-migrate migrations and the database runs in WAL
// mode so readers never block the single writer.
package stores
