package keyrotor

import (
	"fmt"
	"os"
	"time"

	"github.com/caarlos0/env/v10"
	"gopkg.in/yaml.v3"
)

// Default ceilings and settings applied when a field is left at zero.
const (
	DefaultSecretDailyCeiling      int64 = 1000
	DefaultIdentityDailyCeiling    int64 = 5
	DefaultIdentityLifetimeCeiling int64 = 50

	DefaultHTTPAddr      = ":8080"
	DefaultSweepSchedule = "0 * * * *"
	DefaultSweepTimeout  = time.Minute

	// SweepDisabled as sweep.schedule turns the scheduled sweep off.
	SweepDisabled = "off"
)

// Ledger backends.
const (
	BackendMemory   = "memory"
	BackendRedis    = "redis"
	BackendPostgres = "postgres"
	BackendMySQL    = "mysql"
)

// Config is the top-level configuration.
type Config struct {
	Secrets []SecretConfig `yaml:"secrets"`

	SecretDailyCeiling      int64 `yaml:"secret_daily_ceiling" env:"KEYROTOR_SECRET_DAILY_CEILING"`
	IdentityDailyCeiling    int64 `yaml:"identity_daily_ceiling" env:"KEYROTOR_IDENTITY_DAILY_CEILING"`
	IdentityLifetimeCeiling int64 `yaml:"identity_lifetime_ceiling" env:"KEYROTOR_IDENTITY_LIFETIME_CEILING"`

	// ProofSecret authenticates identities. CipherSecret encrypts issued
	// credentials and falls back to ProofSecret when empty. AdminSecret
	// guards administrative operations.
	ProofSecret  string `yaml:"proof_secret" env:"KEYROTOR_PROOF_SECRET"`
	CipherSecret string `yaml:"cipher_secret" env:"KEYROTOR_CIPHER_SECRET"`
	AdminSecret  string `yaml:"admin_secret" env:"KEYROTOR_ADMIN_SECRET"`

	Ledger   LedgerConfig `yaml:"ledger"`
	HTTP     HTTPConfig   `yaml:"http"`
	Sweep    SweepConfig  `yaml:"sweep"`
	LogLevel string       `yaml:"log_level" env:"KEYROTOR_LOG_LEVEL"`
}

// SecretConfig configures a single pooled secret.
type SecretConfig struct {
	ID    string `yaml:"id"`
	Value string `yaml:"value"`
}

// LedgerConfig selects and configures the ledger backend.
type LedgerConfig struct {
	Backend     string `yaml:"backend" env:"KEYROTOR_LEDGER_BACKEND"`
	RedisAddr   string `yaml:"redis_addr" env:"KEYROTOR_REDIS_ADDR"`
	PostgresDSN string `yaml:"postgres_dsn" env:"KEYROTOR_POSTGRES_DSN"`
	MySQLDSN    string `yaml:"mysql_dsn" env:"KEYROTOR_MYSQL_DSN"`
	// KeyPrefix namespaces redis keys or SQL table names.
	KeyPrefix   string `yaml:"key_prefix" env:"KEYROTOR_LEDGER_PREFIX"`
}

// HTTPConfig configures the HTTP transport.
type HTTPConfig struct {
	Addr         string        `yaml:"addr" env:"KEYROTOR_HTTP_ADDR"`
	ReadTimeout  time.Duration `yaml:"read_timeout" env:"KEYROTOR_HTTP_READ_TIMEOUT"`
	WriteTimeout time.Duration `yaml:"write_timeout" env:"KEYROTOR_HTTP_WRITE_TIMEOUT"`
}

// SweepConfig schedules the eager daily reset.
type SweepConfig struct {
	// Schedule is a five-field cron expression, or "off".
	Schedule string        `yaml:"schedule" env:"KEYROTOR_SWEEP_SCHEDULE"`
	Timeout  time.Duration `yaml:"timeout" env:"KEYROTOR_SWEEP_TIMEOUT"`
}

// LoadConfig reads and parses a YAML config file.
// Environment variables in the format ${VAR} are expanded before parsing,
// and KEYROTOR_* variables override individual fields afterwards.
func LoadConfig(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("keyrotor: read config: %w", err)
	}

	expanded := os.ExpandEnv(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return Config{}, fmt.Errorf("keyrotor: parse config: %w", err)
	}

	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("keyrotor: parse env: %w", err)
	}

	cfg.ApplyDefaults()

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

// ApplyDefaults fills zero-valued fields with defaults.
func (c *Config) ApplyDefaults() {
	if c.SecretDailyCeiling == 0 {
		c.SecretDailyCeiling = DefaultSecretDailyCeiling
	}
	if c.IdentityDailyCeiling == 0 {
		c.IdentityDailyCeiling = DefaultIdentityDailyCeiling
	}
	if c.IdentityLifetimeCeiling == 0 {
		c.IdentityLifetimeCeiling = DefaultIdentityLifetimeCeiling
	}
	if c.CipherSecret == "" {
		c.CipherSecret = c.ProofSecret
	}
	if c.Ledger.Backend == "" {
		c.Ledger.Backend = BackendMemory
	}
	if c.HTTP.Addr == "" {
		c.HTTP.Addr = DefaultHTTPAddr
	}
	if c.HTTP.ReadTimeout == 0 {
		c.HTTP.ReadTimeout = 15 * time.Second
	}
	if c.HTTP.WriteTimeout == 0 {
		c.HTTP.WriteTimeout = 15 * time.Second
	}
	if c.Sweep.Schedule == "" {
		c.Sweep.Schedule = DefaultSweepSchedule
	}
	if c.Sweep.Timeout == 0 {
		c.Sweep.Timeout = DefaultSweepTimeout
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
}

// Validate checks the config for required fields and consistency.
func (c Config) Validate() error {
	if len(c.Secrets) == 0 {
		return fmt.Errorf("keyrotor: config: at least one secret is required")
	}

	ids := make(map[string]bool, len(c.Secrets))
	for i, s := range c.Secrets {
		if s.ID == "" {
			return fmt.Errorf("keyrotor: config: secrets[%d]: id is required", i)
		}
		if s.Value == "" {
			return fmt.Errorf("keyrotor: config: secrets[%d] (%s): value is required", i, s.ID)
		}
		if ids[s.ID] {
			return fmt.Errorf("keyrotor: config: duplicate secret id %q", s.ID)
		}
		ids[s.ID] = true
	}

	if c.SecretDailyCeiling < 1 {
		return fmt.Errorf("keyrotor: config: secret_daily_ceiling must be positive")
	}
	if c.IdentityDailyCeiling < 1 {
		return fmt.Errorf("keyrotor: config: identity_daily_ceiling must be positive")
	}
	if c.IdentityLifetimeCeiling < 1 {
		return fmt.Errorf("keyrotor: config: identity_lifetime_ceiling must be positive")
	}

	if c.ProofSecret == "" {
		return fmt.Errorf("keyrotor: config: proof_secret is required")
	}
	if c.AdminSecret != "" && c.AdminSecret == c.ProofSecret {
		return fmt.Errorf("keyrotor: config: admin_secret must differ from proof_secret")
	}

	switch c.Ledger.Backend {
	case "", BackendMemory:
	case BackendRedis:
		if c.Ledger.RedisAddr == "" {
			return fmt.Errorf("keyrotor: config: ledger.redis_addr is required for the redis backend")
		}
	case BackendPostgres:
		if c.Ledger.PostgresDSN == "" {
			return fmt.Errorf("keyrotor: config: ledger.postgres_dsn is required for the postgres backend")
		}
	case BackendMySQL:
		if c.Ledger.MySQLDSN == "" {
			return fmt.Errorf("keyrotor: config: ledger.mysql_dsn is required for the mysql backend")
		}
	default:
		return fmt.Errorf("keyrotor: config: unknown ledger backend %q", c.Ledger.Backend)
	}

	return nil
}

// SweepSchedule returns the cron expression for the scheduled sweep, or ""
// when it is disabled.
func (c Config) SweepSchedule() string {
	if c.Sweep.Schedule == SweepDisabled {
		return ""
	}
	return c.Sweep.Schedule
}

// Pool builds the rotation pool in configured order.
func (c Config) Pool() Pool {
	pool := make(Pool, len(c.Secrets))
	for i, s := range c.Secrets {
		pool[i] = Secret{ID: s.ID, Value: s.Value}
	}
	return pool
}
