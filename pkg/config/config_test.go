package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/cuemby/minerguard/pkg/security"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "minerguard.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0600))
	return path
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "./minerguard-data", cfg.DataDir)
	assert.Equal(t, DefaultMasterSecretEnv, cfg.MasterSecretEnv)
	assert.Equal(t, security.DefaultKDFIterations, cfg.KDFIterations)
	assert.Equal(t, 30*time.Minute, cfg.ChangeRequestTTL)
	assert.Equal(t, filepath.Join(cfg.DataDir, "keys"), cfg.Keystore.Dir)
}

func TestLoadFile(t *testing.T) {
	path := writeFile(t, `
data_dir: /srv/minerguard
log:
  level: debug
  json: true
kdf_iterations: 300000
change_request_ttl: 45m
keystore:
  dir: /srv/keys
  kdf_iterations: 250000
`)
	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "/srv/minerguard", cfg.DataDir)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.True(t, cfg.Log.JSON)
	assert.Equal(t, 300000, cfg.KDFIterations)
	assert.Equal(t, 45*time.Minute, cfg.ChangeRequestTTL)
	assert.Equal(t, "/srv/keys", cfg.Keystore.Dir)
	assert.Equal(t, 250000, cfg.Keystore.KDFIterations)
	assert.True(t, cfg.LoggerConfig().JSONOutput)
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("MINERGUARD_DATA_DIR", "/env/data")
	t.Setenv("MINERGUARD_LOG_JSON", "true")
	t.Setenv("MINERGUARD_CHANGE_REQUEST_TTL", "10m")
	t.Setenv("MINERGUARD_KDF_ITERATIONS", "400000")

	cfg, err := Load(writeFile(t, "data_dir: /file/data\n"))
	require.NoError(t, err)
	assert.Equal(t, "/env/data", cfg.DataDir)
	assert.True(t, cfg.Log.JSON)
	assert.Equal(t, 10*time.Minute, cfg.ChangeRequestTTL)
	assert.Equal(t, 400000, cfg.KDFIterations)
}

func TestEnvOverrideInvalid(t *testing.T) {
	t.Setenv("MINERGUARD_KDF_ITERATIONS", "lots")
	_, err := Load("")
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"weak kdf", func(c *Config) { c.KDFIterations = 1000 }},
		{"weak keystore kdf", func(c *Config) { c.Keystore.KDFIterations = 99999 }},
		{"no ttl", func(c *Config) { c.ChangeRequestTTL = 0 }},
		{"no data dir", func(c *Config) { c.DataDir = "" }},
		{"no secret env", func(c *Config) { c.MasterSecretEnv = "" }},
		{"bad log level", func(c *Config) { c.Log.Level = "loud" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
	assert.NoError(t, Default().Validate())
}

func TestMasterSecret(t *testing.T) {
	cfg := Default()
	cfg.MasterSecretEnv = "MINERGUARD_TEST_SECRET"

	t.Setenv("MINERGUARD_TEST_SECRET", "")
	_, err := cfg.MasterSecret()
	assert.Error(t, err)

	t.Setenv("MINERGUARD_TEST_SECRET", "s3cret")
	secret, err := cfg.MasterSecret()
	require.NoError(t, err)
	assert.Equal(t, "s3cret", secret)
}
