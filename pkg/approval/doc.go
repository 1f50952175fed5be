/*
Package approval implements the four-eyes change request workflow that
guards every high-risk operation.

A change request moves through a small state machine:

	PENDING ──approve──▶ APPROVED ──execute──▶ EXECUTED
	   │                    │
	   ├──reject──▶ REJECTED│
	   └──────expiry────────┴──▶ EXPIRED

Every transition is a compare-and-swap on the stored status, so two
concurrent approvers or executors cannot both win. Approve and Execute
re-run ABAC against the current state of the target, never the state
captured when the request was created.

Request kinds form a closed set (RevealCredential, ChangeSiteMode,
BatchMigrate, DeviceRevoke, UpdateCredential). Each kind carries its typed
payload, the ABAC action it needs, a create-time precheck and its effect.

Every step is written to the tenant's audit chain as {REQUEST_TYPE}_{STEP},
and every denial as POLICY_DENIED, before the caller sees the result.
*/
package approval
