/*
Package manager wires the minerguard services into a single entry point.

The manager owns the store, the master key, and one instance of each
service. Web handlers and the CLI talk to the manager; they never reach a
service directly.

# Architecture

	┌──────────────────────── MANAGER ─────────────────────────┐
	│                                                            │
	│   Authenticate(token) ──► Actor                            │
	│                                                            │
	│  ┌────────────┐  ┌────────────┐  ┌──────────────────────┐ │
	│  │ credential │  │  device    │  │  approval.Workflow   │ │
	│  │  Service   │  │  Service   │  │  (four-eyes)         │ │
	│  └─────┬──────┘  └─────┬──────┘  └──────────┬───────────┘ │
	│        │               │                    │             │
	│        ▼               ▼                    ▼             │
	│  ┌──────────────────────────────────────────────────────┐ │
	│  │   policy.Evaluate  ──►  audit.Logger (hash chain)     │ │
	│  └──────────────────────────┬───────────────────────────┘ │
	│                             ▼                              │
	│              storage.Store (bbolt or memory)               │
	└────────────────────────────────────────────────────────────┘

# Master Key

The master key is derived from a secret held outside the store (by default
the MINERGUARD_MASTER_SECRET environment variable). The first manager to open
a data directory generates a salt and stores it with the iteration count
and a check DEK under the "master_key" meta key. Later opens derive the key
from the stored parameters and refuse to start if the check DEK does not
unwrap. Without a secret the manager still runs, but mode 2 is unavailable.

# Usage

	mgr, err := manager.NewManager(&manager.Config{
		DataDir:      "/var/lib/minerguard",
		MasterSecret: os.Getenv("MINERGUARD_MASTER_SECRET"),
	})
	if err != nil {
		return err
	}
	defer mgr.Shutdown()

	actor, err := mgr.Authenticate(token)
	if err != nil {
		return err
	}
	cr, err := mgr.RequestChange(actor, &approval.RevealCredential{MinerID: id}, "ticket 4411")

Denials are audited in the actor's tenant chain before they are returned. A
denial caused by a tenant mismatch is returned as types.ErrNotFound.

The manager implements edge.Channel, so an in-process edge collector can
fetch envelopes and report counters against it directly.
*/
package manager
