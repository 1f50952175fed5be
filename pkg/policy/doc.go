// Package policy is the attribute-based access control engine.
//
// Evaluate checks, in order: actor enabled, tenant isolation, site isolation,
// the sensitive-action gate and the operator-floor gate, and reports the
// first rule that fails. EvaluateDevice is the separate device-channel gate
// for edge collectors. FilterByScope applies isolation to list results.
package policy
