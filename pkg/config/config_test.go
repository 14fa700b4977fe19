package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaultsWhenFileMissing(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.NoError(t, err)

	assert.Equal(t, "8080", cfg.Server.Port)
	assert.Equal(t, 100_000, cfg.Integrity.NonceCapacity)
	assert.Equal(t, "data/audit", cfg.Audit.Dir)
	assert.Equal(t, Duration(time.Hour), cfg.Audit.ShipInterval)
}

func TestLoadYAMLFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "boundary.yaml")
	content := `
server:
  port: "9090"
  rate_limit_rps: 10
laneguard:
  runtime_identifiers: ["runtime", "bot"]
  deny_rules:
    - name: block-legacy
      expression: 'caller.startsWith("legacy-")'
integrity:
  policy_version_floor: "2.0.0"
audit:
  dir: /var/lib/trustlane/audit
  ship_interval: 30m
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "9090", cfg.Server.Port)
	assert.Equal(t, 10, cfg.Server.RateLimitRPS)
	assert.Equal(t, []string{"runtime", "bot"}, cfg.LaneGuard.RuntimeIdentifiers)
	require.Len(t, cfg.LaneGuard.DenyRules, 1)
	assert.Equal(t, "block-legacy", cfg.LaneGuard.DenyRules[0].Name)
	assert.Equal(t, "2.0.0", cfg.Integrity.PolicyVersionFloor)
	assert.Equal(t, "/var/lib/trustlane/audit", cfg.Audit.Dir)
	assert.Equal(t, Duration(30*time.Minute), cfg.Audit.ShipInterval)

	// Fields the file omits keep their defaults.
	assert.Equal(t, 100_000, cfg.Integrity.NonceCapacity)
}

func TestEnvOverridesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "boundary.yaml")
	require.NoError(t, os.WriteFile(path, []byte("server:\n  port: \"9090\"\n"), 0o600))

	t.Setenv("PORT", "7070")
	t.Setenv("REDIS_ADDR", "localhost:6379")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "7070", cfg.Server.Port)
	assert.Equal(t, "localhost:6379", cfg.Integrity.RedisAddr)
}

func TestLoadRejectsMalformedFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "boundary.yaml")
	require.NoError(t, os.WriteFile(path, []byte("server: [not a map"), 0o600))

	_, err := Load(path)
	assert.Error(t, err)
}

func TestMasterSecret(t *testing.T) {
	cfg := Default()

	_, err := cfg.MasterSecret()
	assert.Error(t, err)

	t.Setenv("TRUSTLANE_MASTER_SECRET", "s3cret")
	secret, err := cfg.MasterSecret()
	require.NoError(t, err)
	assert.Equal(t, []byte("s3cret"), secret)
}
