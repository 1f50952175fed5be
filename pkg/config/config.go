package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/cuemby/minerguard/pkg/log"
	"github.com/cuemby/minerguard/pkg/security"
	"gopkg.in/yaml.v3"
)

// EnvPrefix prefixes every environment override
const EnvPrefix = "MINERGUARD_"

// DefaultMasterSecretEnv names the variable holding the master secret
const DefaultMasterSecretEnv = EnvPrefix + "MASTER_SECRET"

// Config is the runtime configuration of minerguard
type Config struct {
	DataDir          string         `yaml:"data_dir"`
	Log              LogConfig      `yaml:"log"`
	MasterSecretEnv  string         `yaml:"master_secret_env"`
	KDFIterations    int            `yaml:"kdf_iterations"`
	ChangeRequestTTL time.Duration  `yaml:"change_request_ttl"`
	Keystore         KeystoreConfig `yaml:"keystore"`
}

// LogConfig controls the global logger
type LogConfig struct {
	Level string `yaml:"level"`
	JSON  bool   `yaml:"json"`
}

// KeystoreConfig locates the device keystore used by edge commands
type KeystoreConfig struct {
	Dir           string `yaml:"dir"`
	KDFIterations int    `yaml:"kdf_iterations"`
}

// Default returns the built-in configuration
func Default() *Config {
	return &Config{
		DataDir:          "./minerguard-data",
		Log:              LogConfig{Level: string(log.InfoLevel)},
		MasterSecretEnv:  DefaultMasterSecretEnv,
		KDFIterations:    security.DefaultKDFIterations,
		ChangeRequestTTL: 30 * time.Minute,
		Keystore: KeystoreConfig{
			KDFIterations: security.DefaultKDFIterations,
		},
	}
}

// Load reads path over the defaults, then applies environment overrides.
// An empty path skips the file.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config: %w", err)
		}
	}

	if err := cfg.applyEnv(os.LookupEnv); err != nil {
		return nil, err
	}
	if cfg.Keystore.Dir == "" {
		cfg.Keystore.Dir = filepath.Join(cfg.DataDir, "keys")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv(lookup func(string) (string, bool)) error {
	str := func(name string, dst *string) {
		if v, ok := lookup(EnvPrefix + name); ok {
			*dst = v
		}
	}
	integer := func(name string, dst *int) error {
		v, ok := lookup(EnvPrefix + name)
		if !ok {
			return nil
		}
		n, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil {
			return fmt.Errorf("invalid %s%s: %w", EnvPrefix, name, err)
		}
		*dst = n
		return nil
	}

	str("DATA_DIR", &c.DataDir)
	str("LOG_LEVEL", &c.Log.Level)
	str("MASTER_SECRET_ENV", &c.MasterSecretEnv)
	str("KEYSTORE_DIR", &c.Keystore.Dir)

	if v, ok := lookup(EnvPrefix + "LOG_JSON"); ok {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("invalid %sLOG_JSON: %w", EnvPrefix, err)
		}
		c.Log.JSON = b
	}
	if v, ok := lookup(EnvPrefix + "CHANGE_REQUEST_TTL"); ok {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("invalid %sCHANGE_REQUEST_TTL: %w", EnvPrefix, err)
		}
		c.ChangeRequestTTL = d
	}
	if err := integer("KDF_ITERATIONS", &c.KDFIterations); err != nil {
		return err
	}
	return integer("KEYSTORE_KDF_ITERATIONS", &c.Keystore.KDFIterations)
}

// Validate rejects unusable or weakened settings
func (c *Config) Validate() error {
	if c.DataDir == "" {
		return fmt.Errorf("data_dir is required")
	}
	if c.MasterSecretEnv == "" {
		return fmt.Errorf("master_secret_env is required")
	}
	if c.KDFIterations < security.MinKDFIterations {
		return fmt.Errorf("kdf_iterations must be at least %d, got %d", security.MinKDFIterations, c.KDFIterations)
	}
	if c.Keystore.KDFIterations < security.MinKDFIterations {
		return fmt.Errorf("keystore.kdf_iterations must be at least %d, got %d", security.MinKDFIterations, c.Keystore.KDFIterations)
	}
	if c.ChangeRequestTTL <= 0 {
		return fmt.Errorf("change_request_ttl must be positive, got %s", c.ChangeRequestTTL)
	}
	if !log.Level(c.Log.Level).Valid() {
		return fmt.Errorf("unknown log level %q", c.Log.Level)
	}
	return nil
}

// MasterSecret reads the master secret from the configured variable
func (c *Config) MasterSecret() (string, error) {
	secret := os.Getenv(c.MasterSecretEnv)
	if secret == "" {
		return "", fmt.Errorf("master secret not set: export %s", c.MasterSecretEnv)
	}
	return secret, nil
}

// LoggerConfig converts the log section for log.Init
func (c *Config) LoggerConfig() log.Config {
	return log.Config{Level: log.ParseLevel(c.Log.Level), JSONOutput: c.Log.JSON}
}
