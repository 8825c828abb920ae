package keyrotor_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	kr "github.com/ineyio/keyrotor"
)

func TestConfig_Validate(t *testing.T) {
	valid := func() kr.Config {
		cfg := testConfig(2, "A", "B")
		cfg.ApplyDefaults()
		return cfg
	}

	t.Run("valid config", func(t *testing.T) {
		assert.NoError(t, valid().Validate())
	})

	tests := []struct {
		name   string
		mutate func(*kr.Config)
		want   string
	}{
		{"empty pool", func(c *kr.Config) { c.Secrets = nil }, "at least one secret"},
		{"missing id", func(c *kr.Config) { c.Secrets[0].ID = "" }, "id is required"},
		{"missing value", func(c *kr.Config) { c.Secrets[1].Value = "" }, "value is required"},
		{"duplicate id", func(c *kr.Config) { c.Secrets[1].ID = "A" }, "duplicate"},
		{"zero secret ceiling", func(c *kr.Config) { c.SecretDailyCeiling = 0 }, "secret_daily_ceiling"},
		{"negative identity ceiling", func(c *kr.Config) { c.IdentityDailyCeiling = -1 }, "identity_daily_ceiling"},
		{"zero lifetime ceiling", func(c *kr.Config) { c.IdentityLifetimeCeiling = 0 }, "identity_lifetime_ceiling"},
		{"missing proof secret", func(c *kr.Config) { c.ProofSecret = "" }, "proof_secret"},
		{"admin equals proof", func(c *kr.Config) { c.AdminSecret = c.ProofSecret }, "admin_secret"},
		{"unknown backend", func(c *kr.Config) { c.Ledger.Backend = "etcd" }, "unknown ledger backend"},
		{"redis without addr", func(c *kr.Config) { c.Ledger.Backend = kr.BackendRedis }, "redis_addr"},
		{"postgres without dsn", func(c *kr.Config) { c.Ledger.Backend = kr.BackendPostgres }, "postgres_dsn"},
		{"mysql without dsn", func(c *kr.Config) { c.Ledger.Backend = kr.BackendMySQL }, "mysql_dsn"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid()
			tt.mutate(&cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestConfig_ApplyDefaults(t *testing.T) {
	cfg := kr.Config{ProofSecret: "p"}
	cfg.ApplyDefaults()

	assert.Equal(t, kr.DefaultSecretDailyCeiling, cfg.SecretDailyCeiling)
	assert.Equal(t, kr.DefaultIdentityDailyCeiling, cfg.IdentityDailyCeiling)
	assert.Equal(t, kr.DefaultIdentityLifetimeCeiling, cfg.IdentityLifetimeCeiling)
	assert.Equal(t, "p", cfg.CipherSecret)
	assert.Equal(t, kr.BackendMemory, cfg.Ledger.Backend)
	assert.Equal(t, kr.DefaultHTTPAddr, cfg.HTTP.Addr)
	assert.Equal(t, kr.DefaultSweepSchedule, cfg.SweepSchedule())
	assert.Equal(t, kr.DefaultSweepTimeout, cfg.Sweep.Timeout)
	assert.Equal(t, "info", cfg.LogLevel)

	cfg.Sweep.Schedule = kr.SweepDisabled
	assert.Empty(t, cfg.SweepSchedule())
}

func TestConfig_Pool(t *testing.T) {
	pool := testConfig(2, "B", "A").Pool()
	assert.Equal(t, []string{"B", "A"}, pool.IDs())
	assert.Equal(t, "sk-A", pool[1].Value)
}

func TestLoadConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "keyrotor.yaml")
	data := `secrets:
  - id: key-a
    value: ${KEYROTOR_TEST_SECRET_A}
  - id: key-b
    value: sk-b
identity_daily_ceiling: 3
proof_secret: proof
ledger:
  backend: redis
  redis_addr: localhost:6379
http:
  read_timeout: 5s
sweep:
  schedule: "*/10 * * * *"
`
	require.NoError(t, os.WriteFile(path, []byte(data), 0o600))
	t.Setenv("KEYROTOR_TEST_SECRET_A", "sk-from-env")
	t.Setenv("KEYROTOR_SECRET_DAILY_CEILING", "42")
	t.Setenv("KEYROTOR_ADMIN_SECRET", "admin")

	cfg, err := kr.LoadConfig(path)
	require.NoError(t, err)

	assert.Equal(t, "sk-from-env", cfg.Secrets[0].Value)
	assert.Equal(t, int64(42), cfg.SecretDailyCeiling)
	assert.Equal(t, int64(3), cfg.IdentityDailyCeiling)
	assert.Equal(t, kr.DefaultIdentityLifetimeCeiling, cfg.IdentityLifetimeCeiling)
	assert.Equal(t, "admin", cfg.AdminSecret)
	assert.Equal(t, "proof", cfg.CipherSecret)
	assert.Equal(t, kr.BackendRedis, cfg.Ledger.Backend)
	assert.Equal(t, 5*time.Second, cfg.HTTP.ReadTimeout)
	assert.Equal(t, "*/10 * * * *", cfg.SweepSchedule())
}

func TestLoadConfig_Errors(t *testing.T) {
	dir := t.TempDir()

	_, err := kr.LoadConfig(filepath.Join(dir, "absent.yaml"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "read config")

	bad := filepath.Join(dir, "bad.yaml")
	require.NoError(t, os.WriteFile(bad, []byte("secrets: [\n"), 0o600))
	_, err = kr.LoadConfig(bad)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "parse config")

	invalid := filepath.Join(dir, "invalid.yaml")
	require.NoError(t, os.WriteFile(invalid, []byte("proof_secret: p\n"), 0o600))
	_, err = kr.LoadConfig(invalid)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "at least one secret")
}
