/*
Package reconciler runs the background maintenance of a MinerGuard process.

Change requests carry an expiry but nothing in the request path visits a
request nobody touches again. The reconciler closes that gap, and doubles
as a tamper detector for the audit log:

	┌────────────────────────────────────────────┐
	│        Maintenance Loop (every Interval)    │
	└──────────────┬─────────────────────────────┘
	               │
	   ┌───────────┴──────────────┐
	   ▼                          ▼
	ExpireStale()          every VerifyEvery cycles:
	PENDING/APPROVED       VerifyAllChains()
	past expires_at        per tenant
	   │                          │
	   ▼                          ▼
	EXPIRED + audit        broken chain: error log,
	{TYPE}_EXPIRE          "audit" component unhealthy

A failing step is logged and retried on the next cycle; it never stops the
loop. Cycle counts and durations are exported as
minerguard_reconciliation_cycles_total and
minerguard_reconciliation_duration_seconds.
*/
package reconciler
