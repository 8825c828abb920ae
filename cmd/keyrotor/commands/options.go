// Package commands implements the keyrotor CLI subcommands.
package commands

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"
	goredis "github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"github.com/ineyio/keyrotor"
	"github.com/ineyio/keyrotor/ledger/memory"
	ledgermysql "github.com/ineyio/keyrotor/ledger/mysql"
	ledgerpostgres "github.com/ineyio/keyrotor/ledger/postgres"
	ledgerredis "github.com/ineyio/keyrotor/ledger/redis"
)

// Options carries the global flags shared by every subcommand.
type Options struct {
	ConfigPath string
	EnvFile    string
	LogLevel   string
}

// LoadEnvFile loads a dotenv file into the process environment. A missing
// file is not an error.
func LoadEnvFile(w io.Writer, path string) {
	if path == "" {
		return
	}
	if _, err := os.Stat(path); err != nil {
		return
	}
	if err := godotenv.Load(path); err != nil {
		fmt.Fprintf(w, "warning: failed to load %s: %v\n", path, err)
	}
}

// load reads the config and builds a JSON logger writing to the command's
// stderr. The --log-level flag wins over log_level in the file.
func (o *Options) load(cmd *cobra.Command) (keyrotor.Config, *slog.Logger, error) {
	cfg, err := keyrotor.LoadConfig(o.ConfigPath)
	if err != nil {
		return keyrotor.Config{}, nil, err
	}

	level := cfg.LogLevel
	if o.LogLevel != "" {
		level = o.LogLevel
	}
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		return keyrotor.Config{}, nil, fmt.Errorf("invalid log level %q", level)
	}

	logger := slog.New(slog.NewJSONHandler(cmd.ErrOrStderr(), &slog.HandlerOptions{Level: lvl}))
	return cfg, logger, nil
}

// openLedger connects to the configured backend. The returned close func
// releases the connection.
func openLedger(ctx context.Context, lc keyrotor.LedgerConfig) (keyrotor.Ledger, func() error, error) {
	switch lc.Backend {
	case "", keyrotor.BackendMemory:
		return memory.New(), func() error { return nil }, nil

	case keyrotor.BackendRedis:
		client := goredis.NewClient(&goredis.Options{Addr: lc.RedisAddr})
		if err := client.Ping(ctx).Err(); err != nil {
			client.Close()
			return nil, nil, fmt.Errorf("connect redis: %w", err)
		}
		var opts []ledgerredis.Option
		if lc.KeyPrefix != "" {
			opts = append(opts, ledgerredis.WithKeyPrefix(lc.KeyPrefix))
		}
		return ledgerredis.New(client, opts...), client.Close, nil

	case keyrotor.BackendPostgres:
		pool, err := pgxpool.New(ctx, lc.PostgresDSN)
		if err != nil {
			return nil, nil, fmt.Errorf("connect postgres: %w", err)
		}
		if err := pool.Ping(ctx); err != nil {
			pool.Close()
			return nil, nil, fmt.Errorf("connect postgres: %w", err)
		}
		var opts []ledgerpostgres.Option
		if lc.KeyPrefix != "" {
			opts = append(opts, ledgerpostgres.WithTablePrefix(lc.KeyPrefix))
		}
		return ledgerpostgres.New(pool, opts...), func() error { pool.Close(); return nil }, nil

	case keyrotor.BackendMySQL:
		db, err := ledgermysql.Open(lc.MySQLDSN)
		if err != nil {
			return nil, nil, err
		}
		if err := db.PingContext(ctx); err != nil {
			db.Close()
			return nil, nil, fmt.Errorf("connect mysql: %w", err)
		}
		var opts []ledgermysql.Option
		if lc.KeyPrefix != "" {
			opts = append(opts, ledgermysql.WithTablePrefix(lc.KeyPrefix))
		}
		return ledgermysql.New(db, opts...), db.Close, nil
	}

	return nil, nil, fmt.Errorf("unknown ledger backend %q", lc.Backend)
}

// ensureSchema prepares backends that need it. It reports whether the
// ledger had anything to prepare.
func ensureSchema(ctx context.Context, l keyrotor.Ledger) (bool, error) {
	si, ok := l.(keyrotor.SchemaInitializer)
	if !ok {
		return false, nil
	}
	if err := si.EnsureSchema(ctx); err != nil {
		return true, fmt.Errorf("ensure schema: %w", err)
	}
	return true, nil
}

// openEnforcer connects the ledger, prepares its schema and builds an
// Enforcer on top of it.
func openEnforcer(ctx context.Context, cfg keyrotor.Config, logger *slog.Logger, opts ...keyrotor.Option) (*keyrotor.Enforcer, func() error, error) {
	ledger, closeLedger, err := openLedger(ctx, cfg.Ledger)
	if err != nil {
		return nil, nil, err
	}
	if _, err := ensureSchema(ctx, ledger); err != nil {
		closeLedger()
		return nil, nil, err
	}

	base := []keyrotor.Option{
		keyrotor.WithLedger(ledger),
		keyrotor.WithLogger(logger),
	}
	e, err := keyrotor.NewEnforcer(cfg, append(base, opts...)...)
	if err != nil {
		closeLedger()
		return nil, nil, err
	}
	return e, closeLedger, nil
}
