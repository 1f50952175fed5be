package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/cuemby/minerguard/pkg/api"
	"github.com/cuemby/minerguard/pkg/events"
	"github.com/cuemby/minerguard/pkg/log"
	"github.com/cuemby/minerguard/pkg/manager"
	"github.com/cuemby/minerguard/pkg/metrics"
	"github.com/cuemby/minerguard/pkg/reconciler"
	"github.com/spf13/cobra"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run background maintenance and the health endpoints",
	Long: `Run MinerGuard as a long-lived process.

Serves /health, /ready, /live and /metrics, refreshes the state gauges,
expires overdue change requests, re-verifies every audit chain on a
schedule, and logs denied or failed steps as security alerts.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		addr, _ := cmd.Flags().GetString("health-addr")
		interval, _ := cmd.Flags().GetDuration("reconcile-interval")
		verifyEvery, _ := cmd.Flags().GetInt("verify-every")
		collectEvery, _ := cmd.Flags().GetDuration("collect-interval")

		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}

		broker := events.NewBroker()
		broker.Start()
		defer broker.Stop()

		mgr, err := manager.NewManager(&manager.Config{
			DataDir:          cfg.DataDir,
			MasterSecret:     os.Getenv(cfg.MasterSecretEnv),
			KDFIterations:    cfg.KDFIterations,
			ChangeRequestTTL: cfg.ChangeRequestTTL,
			Events:           broker,
		})
		if err != nil {
			return fmt.Errorf("failed to create manager: %w", err)
		}

		fmt.Println("Starting MinerGuard...")
		fmt.Printf("  Data Directory: %s\n", cfg.DataDir)
		fmt.Printf("  Health Address: %s\n", addr)
		fmt.Println()

		alerts := broker.Subscribe()
		go logAlerts(alerts)
		fmt.Println("✓ Alert logger started")

		collector := metrics.NewCollector(mgr.Store(), collectEvery)
		collector.Start()
		fmt.Println("✓ Metrics collector started")

		recon := reconciler.NewReconciler(mgr, reconciler.Config{Interval: interval, VerifyEvery: verifyEvery})
		recon.Reconcile()
		recon.Start()
		fmt.Println("✓ Reconciler started")

		healthServer := api.NewHealthServer(mgr.Store())
		errCh := make(chan error, 1)
		go func() {
			if err := healthServer.Start(addr); err != nil {
				errCh <- fmt.Errorf("health server error: %w", err)
			}
		}()

		fmt.Println()
		fmt.Println("MinerGuard is running. Press Ctrl+C to stop.")

		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

		var runErr error
		select {
		case <-sigCh:
			fmt.Println("\nShutting down...")
		case runErr = <-errCh:
			fmt.Fprintf(os.Stderr, "\nError: %v\n", runErr)
		}

		// Shutdown
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = healthServer.Stop(ctx)
		recon.Stop()
		collector.Stop()
		broker.Unsubscribe(alerts)
		if err := mgr.Shutdown(); err != nil {
			return fmt.Errorf("failed to shutdown: %w", err)
		}

		fmt.Println("✓ Shutdown complete")
		return runErr
	},
}

func init() {
	serveCmd.Flags().String("health-addr", "127.0.0.1:9090", "Address for health and metrics endpoints")
	serveCmd.Flags().Duration("reconcile-interval", reconciler.DefaultInterval, "How often to expire overdue change requests")
	serveCmd.Flags().Int("verify-every", reconciler.DefaultVerifyEvery, "Verify all audit chains every N reconcile cycles")
	serveCmd.Flags().Duration("collect-interval", metrics.DefaultCollectInterval, "How often to refresh state gauges")

	rootCmd.AddCommand(serveCmd)
}

func logAlerts(sub events.Subscriber) {
	logger := log.WithComponent("alerts")
	for ev := range sub {
		if !ev.IsAlert() {
			continue
		}
		logger.Warn().
			Str("tenant_id", ev.TenantID).
			Str("event_type", ev.Type).
			Str("actor_id", ev.ActorID).
			Str("target", ev.Target).
			Str("rule", ev.Metadata["rule"]).
			Str("reason", ev.Metadata["reason"]).
			Msg("Security alert")
	}
}
