/*
Package api serves the operational HTTP endpoints of a MinerGuard process.

The credential operations themselves are exposed by a collaborating web
layer that calls pkg/manager. This package only carries what an operator or
orchestrator probes:

	GET /health   overall component health (200 or 503)
	GET /ready    readiness: store, master_key and audit must be healthy
	GET /live     liveness; 200 while the process runs
	GET /metrics  Prometheus exposition

Readiness re-probes the store on every request through the Probe interface,
which storage.Store satisfies:

	hs := api.NewHealthServer(mgr.Store())
	go func() {
		if err := hs.Start("127.0.0.1:9090"); err != nil {
			log.Logger.Error().Err(err).Msg("Health server failed")
		}
	}()
	defer hs.Stop(ctx)

Every endpoint answers GET only; other methods get 405.
*/
package api
