package main

import (
	"flag"
	"os"
	"path/filepath"

	"github.com/cuemby/minerguard/pkg/config"
	"github.com/cuemby/minerguard/pkg/log"
	"github.com/cuemby/minerguard/pkg/manager"
	"github.com/cuemby/minerguard/pkg/security"
	"github.com/cuemby/minerguard/pkg/storage"
)

var (
	dataDir    = flag.String("data-dir", "/var/lib/minerguard", "MinerGuard data directory")
	oldEnv     = flag.String("old-secret-env", config.DefaultMasterSecretEnv, "Variable holding the current master secret")
	newEnv     = flag.String("new-secret-env", config.EnvPrefix+"NEW_MASTER_SECRET", "Variable holding the new master secret")
	iterations = flag.Int("kdf-iterations", security.DefaultKDFIterations, "PBKDF2 iterations for the new master key")
	dryRun     = flag.Bool("dry-run", false, "Verify every site DEK rewraps without writing anything")
	backupPath = flag.String("backup", "", "Path to backup the database before rekeying (default: <data-dir>/minerguard.db.backup)")
	jsonLogs   = flag.Bool("json", false, "Log as JSON")
)

func main() {
	flag.Parse()

	log.Init(log.Config{Level: log.InfoLevel, JSONOutput: *jsonLogs})
	logger := log.WithComponent("rekey")
	logger.Info().Msg("MinerGuard master key rotation")

	dbPath := filepath.Join(*dataDir, storage.DBFileName)
	if _, err := os.Stat(dbPath); os.IsNotExist(err) {
		logger.Fatal().Str("path", dbPath).Msg("Database not found")
	}

	oldSecret := os.Getenv(*oldEnv)
	newSecret := os.Getenv(*newEnv)
	if oldSecret == "" || newSecret == "" {
		logger.Fatal().
			Str("old_secret_env", *oldEnv).
			Str("new_secret_env", *newEnv).
			Msg("Both master secrets must be set")
	}

	logger.Info().
		Str("database", dbPath).
		Bool("dry_run", *dryRun).
		Int("kdf_iterations", *iterations).
		Msg("Starting")

	// Create backup unless in dry-run mode
	if !*dryRun {
		backupFile := *backupPath
		if backupFile == "" {
			backupFile = dbPath + ".backup"
		}
		if err := copyFile(dbPath, backupFile); err != nil {
			logger.Fatal().Err(err).Msg("Failed to create backup")
		}
		logger.Info().Str("backup", backupFile).Msg("✓ Backup created")
	}

	store, err := storage.OpenBoltStore(dbPath)
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to open database")
	}
	defer store.Close()

	report, err := manager.Rekey(store, oldSecret, newSecret, *iterations, *dryRun)
	if err != nil {
		store.Close()
		logger.Fatal().Err(err).Msg("Rekey failed")
	}

	if report.DryRun {
		logger.Info().
			Int("sites", report.Sites).
			Int("rewrappable", report.Rewrapped).
			Msg("Dry run completed. No changes made.")
		return
	}

	logger.Info().
		Int("sites", report.Sites).
		Int("rewrapped", report.Rewrapped).
		Msg("✓ Master key rotated")
	logger.Info().Msgf("Start MinerGuard with %s set to the new secret.", *oldEnv)
	logger.Info().Msg("Keep the backup until the new secret is confirmed working.")
}

func copyFile(src, dst string) error {
	input, err := os.ReadFile(src)
	if err != nil {
		return err
	}
	return security.WriteFileAtomic(dst, input, 0600)
}
