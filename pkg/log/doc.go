/*
Package log provides structured logging for minerguard using zerolog.

A single package-level Logger is configured once via Init and shared by
every package. Packages derive child loggers that carry identifying
fields:

	logger := log.WithComponent("approval")
	logger.Info().
		Str("change_request_id", cr.ID).
		Str("status", string(cr.Status)).
		Msg("change request approved")

Available child loggers: WithComponent, WithTenantID, WithActorID,
WithChangeRequestID, WithDeviceID.

# Output

JSON output is intended for production collectors; console output is
the default for the CLI. Both include an RFC3339 timestamp.

	{"level":"info","component":"audit","tenant_id":"t-1","seq":12,"time":"2026-10-17T10:30:00Z","message":"audit event appended"}

# What is never logged

Plaintext credentials, DEKs (wrapped or not), master secrets, keystore
passphrases, private keys and device or actor bearer tokens never reach
a log line. Log identifiers, modes, fingerprints and denial reasons
instead.

# Levels

	debug  per-step detail (policy decisions that allow)
	info   state transitions, key generation, chain verification
	warn   denials, anti-rollback rejections, expired requests
	error  storage and cryptographic failures
*/
package log
