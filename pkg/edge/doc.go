// Package edge implements the edge collector side of device end-to-end
// encryption. A Collector unlocks its X25519 private keys from the encrypted
// keystore, opens sealed credential envelopes, and enforces the
// anti-rollback counter locally before the server records it.
package edge
