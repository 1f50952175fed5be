package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/cuemby/minerguard/pkg/config"
	"github.com/cuemby/minerguard/pkg/log"
	"github.com/cuemby/minerguard/pkg/manager"
	"github.com/cuemby/minerguard/pkg/metrics"
	"github.com/cuemby/minerguard/pkg/types"
	"github.com/spf13/cobra"
)

var (
	// Version information (set via ldflags during build)
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

// tokenEnv holds the actor bearer token when --token is not given
const tokenEnv = config.EnvPrefix + "TOKEN"

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "minerguard",
	Short: "MinerGuard - credential protection for mining fleets",
	Long: `MinerGuard protects the credentials of managed mining devices.

Credentials are stored masked, under a per-site envelope key, or sealed
end-to-end to an edge collector. High-risk operations go through a
four-eyes approval workflow and every decision lands in a per-tenant
hash-chained audit log.`,
	Version:       Version,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"MinerGuard version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))

	rootCmd.PersistentFlags().String("config", "", "Path to YAML configuration file")
	rootCmd.PersistentFlags().String("data-dir", "", "Data directory (overrides config)")
	rootCmd.PersistentFlags().String("token", "", "Actor bearer token (default $"+tokenEnv+")")

	rootCmd.AddCommand(initCmd)
}

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Initialize a data directory and its master key",
	Long: `Initialize a MinerGuard data directory.

The master key is derived from the secret in the configured environment
variable (default MINERGUARD_MASTER_SECRET). Its salt and iteration count
are stored in the data directory; the secret itself never is.

With --tenant and --owner, also creates the first tenant and its owner and
prints the owner's bearer token. The token is shown once.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		secret, err := cfg.MasterSecret()
		if err != nil {
			return err
		}

		fmt.Println("Initializing MinerGuard...")
		fmt.Printf("  Data Directory: %s\n", cfg.DataDir)
		fmt.Printf("  KDF Iterations: %d\n", cfg.KDFIterations)
		fmt.Println()

		mgr, err := manager.NewManager(&manager.Config{
			DataDir:          cfg.DataDir,
			MasterSecret:     secret,
			KDFIterations:    cfg.KDFIterations,
			ChangeRequestTTL: cfg.ChangeRequestTTL,
		})
		if err != nil {
			return fmt.Errorf("failed to create manager: %w", err)
		}
		defer mgr.Shutdown()

		fmt.Println("✓ Master key ready")

		tenantName, _ := cmd.Flags().GetString("tenant")
		ownerName, _ := cmd.Flags().GetString("owner")
		if tenantName == "" || ownerName == "" {
			return nil
		}

		tenant, err := mgr.CreateTenant(tenantName)
		if err != nil {
			return err
		}
		owner, token, err := mgr.CreateActor(tenant.ID, ownerName, types.RoleOwner, nil)
		if err != nil {
			return err
		}
		fmt.Printf("✓ Tenant created: %s (ID: %s)\n", tenant.Name, tenant.ID)
		fmt.Printf("✓ Owner created: %s (ID: %s)\n", owner.Name, owner.ID)
		fmt.Println()
		fmt.Printf("Owner token (shown once): %s\n", token)
		return nil
	},
}

func init() {
	initCmd.Flags().String("tenant", "", "Name of the first tenant")
	initCmd.Flags().String("owner", "", "Name of the tenant owner")
}

// loadConfig loads the configuration and initializes logging
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	path, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}

	if dataDir, _ := cmd.Flags().GetString("data-dir"); dataDir != "" {
		if cfg.Keystore.Dir == filepath.Join(cfg.DataDir, "keys") {
			cfg.Keystore.Dir = filepath.Join(dataDir, "keys")
		}
		cfg.DataDir = dataDir
	}

	log.Init(cfg.LoggerConfig())
	metrics.SetVersion(Version)
	return cfg, nil
}

// openManager opens the data directory. The master secret is optional here:
// without it, mode 2 operations fail but everything else works.
func openManager(cmd *cobra.Command) (*manager.Manager, *config.Config, error) {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return nil, nil, err
	}

	mgr, err := manager.NewManager(&manager.Config{
		DataDir:          cfg.DataDir,
		MasterSecret:     os.Getenv(cfg.MasterSecretEnv),
		KDFIterations:    cfg.KDFIterations,
		ChangeRequestTTL: cfg.ChangeRequestTTL,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open manager: %w", err)
	}
	return mgr, cfg, nil
}

// authenticate resolves the caller's token to an actor
func authenticate(cmd *cobra.Command, mgr *manager.Manager) (*types.Actor, error) {
	token, _ := cmd.Flags().GetString("token")
	if token == "" {
		token = os.Getenv(tokenEnv)
	}
	if token == "" {
		return nil, fmt.Errorf("no actor token: pass --token or set %s", tokenEnv)
	}
	return mgr.Authenticate(token)
}

// withActor opens the manager, authenticates, and runs fn
func withActor(cmd *cobra.Command, fn func(mgr *manager.Manager, actor *types.Actor) error) error {
	mgr, _, err := openManager(cmd)
	if err != nil {
		return err
	}
	defer mgr.Shutdown()

	actor, err := authenticate(cmd, mgr)
	if err != nil {
		return err
	}
	return fn(mgr, actor)
}
