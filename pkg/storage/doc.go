/*
Package storage provides Quilt's SQLite-backed state store.

SQLiteStore opens a single database file in WAL mode and keeps every
mutating call to one short transaction, so the daemon never needs to
coordinate its own locking on top of the Store interface. Readers see a
consistent snapshot via WAL; writers are serialized by SQLite itself.

# Schema

containers holds one row per container, with its spec JSON-encoded into
spec_json and its network/runtime state in individual columns so SetState
can CAS on the state column directly. A partial unique index enforces name
uniqueness only among non-REMOVED containers, so a freed name can be reused
immediately. mounts, ip_allocations, events, and volumes are each their own
table; cleanup_tasks additionally carries a claimed_until lease column used
by ClaimCleanup to hand out work to multiple cleanup workers without two of
them racing the same task.

# Compare-and-swap

SetState and SetStateWithCleanup both run as UPDATE ... WHERE id = ? AND
state = ?; a RowsAffected of zero means either the container doesn't exist
or it was no longer in the expected state, and the two are distinguished
with a follow-up SELECT so callers get quilterr.NotFound or
quilterr.IllegalTransition rather than a generic failure.
*/
package storage
