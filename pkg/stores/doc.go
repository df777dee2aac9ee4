// Package stores provides the SQLite-backed state store and lock manager.
// One database file carries environment metadata, per-resource state records
// with optimistic versioning, lease-based environment locks, and the
// append-only run event log. Schema migrations are embedded and applied with
// golang-migrate.
package stores
