package commands

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ineyio/keyrotor"
	"github.com/ineyio/keyrotor/proof"
	"github.com/ineyio/keyrotor/seal"
)

const baseConfig = `secrets:
  - id: key-a
    value: sk-a
  - id: key-b
    value: sk-b
secret_daily_ceiling: 3
identity_daily_ceiling: 5
identity_lifetime_ceiling: 50
proof_secret: proof-secret
cipher_secret: cipher-secret
admin_secret: admin-secret
ledger:
  backend: memory
http:
  addr: 127.0.0.1:0
sweep:
  schedule: "off"
log_level: error
`

func writeConfig(t *testing.T, body string) *Options {
	t.Helper()
	path := filepath.Join(t.TempDir(), "keyrotor.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return &Options{ConfigPath: path}
}

func execute(t *testing.T, ctx context.Context, cmd *cobra.Command, args ...string) (string, error) {
	t.Helper()
	var out, errOut bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&errOut)
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(ctx)
	return out.String(), err
}

func TestProofCommand(t *testing.T) {
	opts := writeConfig(t, baseConfig)

	out, err := execute(t, context.Background(), NewProofCommand(opts), "dev-1")
	require.NoError(t, err)

	auth, err := proof.New("proof-secret")
	require.NoError(t, err)
	assert.Equal(t, auth.Sign("dev-1")+"\n", out)
	assert.True(t, auth.Verify("dev-1", strings.TrimSpace(out)))
}

func TestProofCommand_RequiresIdentity(t *testing.T) {
	opts := writeConfig(t, baseConfig)

	_, err := execute(t, context.Background(), NewProofCommand(opts))
	assert.Error(t, err)
}

func TestOpenCommand(t *testing.T) {
	opts := writeConfig(t, baseConfig)

	s, err := seal.New("cipher-secret")
	require.NoError(t, err)
	sealed, err := s.Seal("sk-a")
	require.NoError(t, err)

	out, err := execute(t, context.Background(), NewOpenCommand(opts), sealed)
	require.NoError(t, err)
	assert.Equal(t, "sk-a\n", out)

	_, err = execute(t, context.Background(), NewOpenCommand(opts), "not-sealed")
	assert.ErrorIs(t, err, seal.ErrMalformed)
}

func TestRegisterCommand(t *testing.T) {
	opts := writeConfig(t, baseConfig)

	t.Run("prints identity", func(t *testing.T) {
		out, err := execute(t, context.Background(), NewRegisterCommand(opts))
		require.NoError(t, err)
		_, err = uuid.Parse(strings.TrimSpace(out))
		assert.NoError(t, err)
	})

	t.Run("with proof", func(t *testing.T) {
		out, err := execute(t, context.Background(), NewRegisterCommand(opts), "--with-proof")
		require.NoError(t, err)

		lines := strings.Split(strings.TrimSpace(out), "\n")
		require.Len(t, lines, 2)
		id := strings.TrimPrefix(lines[0], "identity_id=")
		p := strings.TrimPrefix(lines[1], "proof=")

		auth, err := proof.New("proof-secret")
		require.NoError(t, err)
		assert.True(t, auth.Verify(id, p))
	})
}

func TestUsageCommand(t *testing.T) {
	opts := writeConfig(t, baseConfig)

	out, err := execute(t, context.Background(), NewUsageCommand(opts), "dev-1")
	require.NoError(t, err)
	assert.Contains(t, out, "identity:  dev-1")
	assert.Contains(t, out, "daily:     0/5")
	assert.Contains(t, out, "lifetime:  0/50")
	assert.Contains(t, out, "cursor:    -1")
	assert.Contains(t, out, "SECRET")
	assert.Regexp(t, `key-a\s+0\s+3`, out)
	assert.Regexp(t, `key-b\s+0\s+3`, out)
}

func TestSweepCommand(t *testing.T) {
	opts := writeConfig(t, baseConfig)

	out, err := execute(t, context.Background(), NewSweepCommand(opts))
	require.NoError(t, err)

	var res sweepOutput
	require.NoError(t, json.Unmarshal([]byte(out), &res))
	assert.NotEmpty(t, res.Day)
	assert.Zero(t, res.KeysReset)
	assert.Zero(t, res.IdentitiesReset)
}

func TestMigrateCommand_Memory(t *testing.T) {
	opts := writeConfig(t, baseConfig)

	out, err := execute(t, context.Background(), NewMigrateCommand(opts))
	require.NoError(t, err)
	assert.Equal(t, "memory ledger: nothing to migrate\n", out)
}

func TestServeCommand_StopsOnCancel(t *testing.T) {
	opts := writeConfig(t, baseConfig)

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()

	_, err := execute(t, ctx, NewServeCommand(opts))
	assert.NoError(t, err)
}

func TestServeCommand_InvalidSchedule(t *testing.T) {
	opts := writeConfig(t, strings.Replace(baseConfig, `schedule: "off"`, `schedule: "not a cron"`, 1))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_, err := execute(t, ctx, NewServeCommand(opts))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "schedule")
}

func TestCommands_ConfigErrors(t *testing.T) {
	t.Run("missing file", func(t *testing.T) {
		opts := &Options{ConfigPath: filepath.Join(t.TempDir(), "absent.yaml")}
		_, err := execute(t, context.Background(), NewProofCommand(opts), "dev-1")
		require.Error(t, err)
		assert.Contains(t, err.Error(), "read config")
	})

	t.Run("invalid config", func(t *testing.T) {
		opts := writeConfig(t, "proof_secret: x\n")
		_, err := execute(t, context.Background(), NewSweepCommand(opts))
		require.Error(t, err)
		assert.Contains(t, err.Error(), "at least one secret")
	})

	t.Run("invalid log level", func(t *testing.T) {
		opts := writeConfig(t, baseConfig)
		opts.LogLevel = "loud"
		_, err := execute(t, context.Background(), NewProofCommand(opts), "dev-1")
		require.Error(t, err)
		assert.Contains(t, err.Error(), "invalid log level")
	})
}

func TestLoadEnvFile(t *testing.T) {
	dir := t.TempDir()
	envPath := filepath.Join(dir, ".env")
	require.NoError(t, os.WriteFile(envPath, []byte("KEYROTOR_CLI_TEST_PROOF=from-dotenv\n"), 0o600))
	t.Cleanup(func() { os.Unsetenv("KEYROTOR_CLI_TEST_PROOF") })

	var warn bytes.Buffer
	LoadEnvFile(&warn, filepath.Join(dir, "absent.env"))
	LoadEnvFile(&warn, envPath)
	assert.Empty(t, warn.String())

	opts := writeConfig(t, strings.Replace(baseConfig, "proof_secret: proof-secret", "proof_secret: ${KEYROTOR_CLI_TEST_PROOF}", 1))
	out, err := execute(t, context.Background(), NewProofCommand(opts), "dev-1")
	require.NoError(t, err)

	auth, err := proof.New("from-dotenv")
	require.NoError(t, err)
	assert.Equal(t, auth.Sign("dev-1"), strings.TrimSpace(out))
}

func TestOpenLedger_UnknownBackend(t *testing.T) {
	_, _, err := openLedger(context.Background(), keyrotor.LedgerConfig{Backend: "etcd"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "etcd")
}

func TestEnsureSchema_Memory(t *testing.T) {
	l, closeLedger, err := openLedger(context.Background(), keyrotor.LedgerConfig{Backend: keyrotor.BackendMemory})
	require.NoError(t, err)
	defer closeLedger()

	prepared, err := ensureSchema(context.Background(), l)
	require.NoError(t, err)
	assert.False(t, prepared)
}
