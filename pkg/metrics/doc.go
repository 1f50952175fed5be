/*
Package metrics defines and registers minerguard's Prometheus metrics.

All metrics are registered on the default registry at package init and
exposed through Handler for whatever web layer embeds this module.

	minerguard_policy_decisions_total{action,result}         counter
	minerguard_change_requests_total{type,transition}        counter
	minerguard_audit_events_total                            counter
	minerguard_audit_chain_verifications_total{result}       counter
	minerguard_decryption_failures_total{mode}               counter
	minerguard_anti_rollback_rejections_total                counter
	minerguard_kdf_duration_seconds{purpose}                 histogram
	minerguard_sites_total{mode}                             gauge
	minerguard_miners_total{mode}                            gauge
	minerguard_devices_total{status}                         gauge
	minerguard_change_requests{status}                       gauge

The gauges are refreshed from the store by a Collector. HealthHandler,
ReadyHandler and LivenessHandler serve probe endpoints next to Handler.

Timer Pattern:

	timer := metrics.NewTimer()
	key := pbkdf2.Key(secret, salt, iterations, 32, sha256.New)
	timer.ObserveDurationVec(metrics.KDFDuration, "master")

Labels never carry tenant, actor or resource identifiers; cardinality is
bounded by the fixed action and request-type sets.
*/
package metrics
