/*
Package storage persists minerguard state.

Two implementations satisfy Store: BoltStore, backed by bbolt at
<dataDir>/minerguard.db, and MemoryStore for tests and ephemeral runs. Both
serialize entities as JSON.

# Buckets

	tenants          tenant ID -> Tenant
	actors           actor ID -> Actor
	sites            site ID -> Site
	miners           miner ID -> Miner
	devices          device ID -> Device
	change_requests  request ID -> ChangeRequest
	audit_events     tenant ID -> nested bucket, big-endian seq -> AuditEvent
	meta             free-form keys (master key salt, schema version)

# Atomic primitives

The services above this package do not lock. Correctness under concurrency
comes from three store operations that run inside one write transaction:

  - AppendAuditEvent reads the latest event of a tenant and inserts the
    next one. bbolt admits a single writer, so the chain cannot fork.
  - TransitionChangeRequest is a compare-and-swap on status.
  - AdvanceMinerCounter accepts a counter only if it is strictly greater
    than the stored watermark.

Update* methods take a mutation callback and run read-modify-write in one
transaction, so concurrent updates to different fields are not lost.
*/
package storage
