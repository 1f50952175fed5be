/*
Package types defines the core data structures used throughout minerguard.

Every entity belongs to exactly one Tenant. The tenant is the isolation root:
no operation in this module ever reads or writes across tenants, and the
policy engine denies any actor whose TenantID differs from the resource's.

# Entities

  - Tenant: isolation root, immutable once created
  - Actor: principal with a Role, an optional site scope and typed Attributes
  - Site: hosting location with an IPMode and, for mode 2, a wrapped DEK
  - Miner: managed device holding an encoded credential
  - Device: Edge Collector identity (X25519 public key + bearer token digest)
  - ChangeRequest: guarded high-risk operation awaiting four-eyes approval
  - AuditEvent: one link of a per-tenant hash chain

# Roles

Roles are totally ordered:

	owner > admin > operator > viewer

Use Role.AtLeast for floor checks and Role.IsPrivileged for the
owner-or-admin gate.

# Credential modes

	1  UI masking        structured plaintext, masked at display time
	2  Server envelope   AEAD token under the site DEK
	3  Device E2EE       opaque sealed envelope, only the edge device can open

A Miner's CredentialMode always names the scheme actually used to encode
its CredentialValue. Modes are tracked per miner so a site migration can be
partial.

# Change request lifecycle

	PENDING ──approve──▶ APPROVED ──execute──▶ EXECUTED
	   │                     │
	   ├──reject──▶ REJECTED │
	   └──expire──▶ EXPIRED ◀┘

EXECUTED, REJECTED and EXPIRED are terminal.

# Errors

errors.go holds the error taxonomy shared by every package. Classify with
errors.Is against the sentinels (ErrPolicyDenied, ErrDecryptionFailed,
ErrInvalidState, ErrAntiRollback, ErrNotFound, ErrValidation) or errors.As
against the structured types (*PolicyDeniedError, *AntiRollbackError,
*ValidationError).
*/
package types
