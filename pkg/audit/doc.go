/*
Package audit implements the append-only, hash-chained event ledger.

Each tenant owns an independent chain. An event's hash is

	event_hash = hex(sha256(prev_hash || canonical_json(event_data)))

where event_data holds tenant_id, seq, event_type, actor_id, target_type,
target_id, result, detail and an RFC 3339 timestamp, serialized with sorted
keys and no whitespace. The first event links to GenesisHash.

Appends are delegated to storage.Store.AppendAuditEvent, which reads the
latest event and inserts the next one in a single serialized step, so two
concurrent writers cannot fork a chain.

VerifyChain detects both broken links (deletion, reordering) and in-place
tampering: every event's stored prev_hash is compared to its predecessor
and its hash is recomputed from the stored fields.
*/
package audit
