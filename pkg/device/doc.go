// Package device manages edge collector identities on the server.
//
// Devices are registered per site with an X25519 public key and receive a
// bearer token that is stored only as a digest. The device channel
// (Authenticate, FetchEnvelope, AcceptCounter, RotateKey) is gated by
// policy.EvaluateDevice rather than by actor ABAC. Revocation is permanent.
package device
