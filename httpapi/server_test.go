package httpapi_test

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ineyio/keyrotor"
	"github.com/ineyio/keyrotor/httpapi"
	"github.com/ineyio/keyrotor/ledger/memory"
	"github.com/ineyio/keyrotor/meter"
	"github.com/ineyio/keyrotor/proof"
	"github.com/ineyio/keyrotor/seal"
)

const (
	proofSecret = "proof-secret"
	adminSecret = "admin-secret"
)

func init() {
	gin.SetMode(gin.TestMode)
}

var fixedNow = time.Date(2030, 1, 1, 23, 0, 0, 0, time.UTC)

type testEnv struct {
	handler http.Handler
	signer  *proof.Authenticator
}

func newTestEnv(t *testing.T, ledger keyrotor.Ledger, opts ...httpapi.Option) *testEnv {
	t.Helper()

	cfg := keyrotor.Config{
		Secrets: []keyrotor.SecretConfig{
			{ID: "key-a", Value: "sk-a"},
			{ID: "key-b", Value: "sk-b"},
		},
		SecretDailyCeiling:      2,
		IdentityDailyCeiling:    5,
		IdentityLifetimeCeiling: 50,
		ProofSecret:             proofSecret,
		AdminSecret:             adminSecret,
	}
	clock := keyrotor.ClockFunc(func() time.Time { return fixedNow })
	quiet := slog.New(slog.NewTextHandler(io.Discard, nil))
	reg := prometheus.NewRegistry()

	e, err := keyrotor.NewEnforcer(cfg,
		keyrotor.WithLedger(ledger),
		keyrotor.WithClock(clock),
		keyrotor.WithLogger(quiet),
		keyrotor.WithMeter(meter.NewPrometheusMeter(reg)),
	)
	require.NoError(t, err)

	signer, err := proof.New(proofSecret)
	require.NoError(t, err)

	base := []httpapi.Option{
		httpapi.WithAdminSecret(adminSecret),
		httpapi.WithClock(clock),
		httpapi.WithLogger(quiet),
		httpapi.WithGatherer(reg),
	}
	srv := httpapi.New(e, append(base, opts...)...)

	return &testEnv{handler: srv.Handler(), signer: signer}
}

func (env *testEnv) do(method, path, body, bearer string) *httptest.ResponseRecorder {
	var r io.Reader
	if body != "" {
		r = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, r)
	req.Header.Set("Content-Type", "application/json")
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}
	w := httptest.NewRecorder()
	env.handler.ServeHTTP(w, req)
	return w
}

func (env *testEnv) issue(identity string) *httptest.ResponseRecorder {
	body, _ := json.Marshal(map[string]string{
		"identity_id": identity,
		"proof":       env.signer.Sign(identity),
	})
	return env.do(http.MethodPost, "/v1/credentials", string(body), "")
}

func decode(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out))
	return out
}

func TestIssue_Success(t *testing.T) {
	env := newTestEnv(t, memory.New())

	w := env.issue("dev-1")
	require.Equal(t, http.StatusOK, w.Code)

	body := decode(t, w)
	assert.Equal(t, 4.0, body["remaining_identity_daily_quota"])
	assert.Equal(t, 1.0, body["remaining_secret_daily_quota"])

	sealer, err := seal.New(proofSecret)
	require.NoError(t, err)
	plain, err := sealer.Open(body["encrypted_credential"].(string))
	require.NoError(t, err)
	assert.Equal(t, "sk-a", plain)
}

func TestIssue_MalformedBody(t *testing.T) {
	env := newTestEnv(t, memory.New())

	for _, body := range []string{"", "{", `{"identity_id":"dev-1"}`, `[1,2]`} {
		w := env.do(http.MethodPost, "/v1/credentials", body, "")
		assert.Equal(t, http.StatusBadRequest, w.Code, "body %q", body)
		assert.Equal(t, "invalid_request", decode(t, w)["code"])
	}
}

func TestIssue_BadProof(t *testing.T) {
	env := newTestEnv(t, memory.New())

	w := env.do(http.MethodPost, "/v1/credentials", `{"identity_id":"dev-1","proof":"deadbeef"}`, "")
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Equal(t, "authentication_failed", decode(t, w)["code"])
}

func TestIssue_IdentityQuotaExceeded(t *testing.T) {
	ledger := memory.New()
	ledger.SetIdentityUsage(keyrotor.IdentityUsage{IdentityID: "dev-1", DailyUses: 5, LifetimeUses: 5, Day: "2030-01-01"})
	env := newTestEnv(t, ledger)

	w := env.issue("dev-1")
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.Equal(t, "identity_quota_exceeded", decode(t, w)["code"])
	assert.Empty(t, w.Header().Get("Retry-After"))
}

func TestIssue_PoolExhaustedSetsRetryAfter(t *testing.T) {
	ledger := memory.New()
	ledger.SetKeyUsage(keyrotor.KeyUsage{SecretID: "key-a", Hits: 2, Day: "2030-01-01"})
	ledger.SetKeyUsage(keyrotor.KeyUsage{SecretID: "key-b", Hits: 2, Day: "2030-01-01"})
	env := newTestEnv(t, ledger)

	w := env.issue("dev-1")
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Equal(t, "pool_exhausted", decode(t, w)["code"])
	assert.Equal(t, "3600", w.Header().Get("Retry-After"))
}

type brokenLedger struct{ keyrotor.Ledger }

func (brokenLedger) Snapshot(context.Context, keyrotor.SnapshotQuery) (keyrotor.Snapshot, error) {
	return keyrotor.Snapshot{}, errors.New("dial tcp 10.0.0.1:6379: connection refused")
}

func TestIssue_StoreFailureIsOpaque(t *testing.T) {
	env := newTestEnv(t, brokenLedger{memory.New()})

	w := env.issue("dev-1")
	assert.Equal(t, http.StatusInternalServerError, w.Code)
	body := decode(t, w)
	assert.Equal(t, "internal_error", body["code"])
	assert.NotContains(t, w.Body.String(), "10.0.0.1")

	// Two more failures open the breaker.
	env.issue("dev-1")
	env.issue("dev-1")
	w = env.do(http.MethodGet, "/healthz", "", "")
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Equal(t, "unhealthy", decode(t, w)["store"])
}

func TestAdmin_RequiresBearer(t *testing.T) {
	env := newTestEnv(t, memory.New())

	for _, bearer := range []string{"", "wrong", proofSecret} {
		w := env.do(http.MethodPost, "/admin/sweep", "", bearer)
		assert.Equal(t, http.StatusUnauthorized, w.Code, "bearer %q", bearer)
	}
}

func TestAdmin_DisabledWithoutSecret(t *testing.T) {
	env := newTestEnv(t, memory.New(), httpapi.WithAdminSecret(""))

	w := env.do(http.MethodPost, "/admin/sweep", "", adminSecret)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestAdmin_Sweep(t *testing.T) {
	ledger := memory.New()
	ledger.SetKeyUsage(keyrotor.KeyUsage{SecretID: "key-a", Hits: 2, Day: "2029-12-31"})
	env := newTestEnv(t, ledger)

	w := env.do(http.MethodPost, "/admin/sweep", "", adminSecret)
	require.Equal(t, http.StatusOK, w.Code)
	body := decode(t, w)
	assert.Equal(t, "2030-01-01", body["day"])
	assert.Equal(t, 1.0, body["keys_reset"])
	assert.Equal(t, true, body["cursor_reset"])

	w = env.do(http.MethodPost, "/admin/sweep", "", adminSecret)
	require.Equal(t, http.StatusOK, w.Code)
	body = decode(t, w)
	assert.Equal(t, 0.0, body["keys_reset"])
	assert.Equal(t, false, body["cursor_reset"])
}

func TestAdmin_RegisterAndUsage(t *testing.T) {
	env := newTestEnv(t, memory.New())

	w := env.do(http.MethodPost, "/admin/identities", "", adminSecret)
	require.Equal(t, http.StatusCreated, w.Code)
	id, _ := decode(t, w)["identity_id"].(string)
	require.NotEmpty(t, id)

	require.Equal(t, http.StatusOK, env.issue(id).Code)

	w = env.do(http.MethodGet, "/admin/usage/"+id, "", adminSecret)
	require.Equal(t, http.StatusOK, w.Code)
	body := decode(t, w)
	assert.Equal(t, id, body["identity_id"])
	assert.Equal(t, 1.0, body["daily_uses"])
	assert.Equal(t, 1.0, body["lifetime_uses"])
	assert.Equal(t, 0.0, body["cursor_index"])
	keys := body["keys"].([]any)
	require.Len(t, keys, 2)
	assert.Equal(t, 1.0, keys[0].(map[string]any)["hits"])
}

func TestMetricsEndpoint(t *testing.T) {
	env := newTestEnv(t, memory.New())
	env.issue("dev-1")

	w := env.do(http.MethodGet, "/metrics", "", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `keyrotor_issue_total{code="ok",state="responded"} 1`)
}

func TestHealthz(t *testing.T) {
	env := newTestEnv(t, memory.New())

	w := env.do(http.MethodGet, "/healthz", "", "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "healthy", decode(t, w)["store"])
}
