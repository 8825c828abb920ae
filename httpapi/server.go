// Package httpapi exposes the keyrotor Enforcer over HTTP using gin.
package httpapi

import (
	"context"
	"log/slog"
	"math"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/ineyio/keyrotor"
)

// Service is the subset of *keyrotor.Enforcer the transport needs.
type Service interface {
	Issue(ctx context.Context, req keyrotor.IssueRequest) (keyrotor.Issuance, error)
	Sweep(ctx context.Context) (keyrotor.SweepResult, error)
	Register(ctx context.Context) (string, error)
	Usage(ctx context.Context, identityID string) (keyrotor.Snapshot, error)
	StoreHealth() keyrotor.HealthState
}

var _ Service = (*keyrotor.Enforcer)(nil)

// Server routes HTTP requests to a Service.
type Server struct {
	svc         Service
	adminSecret string
	clock       keyrotor.Clock
	logger      *slog.Logger
	gatherer    prometheus.Gatherer
	engine      *gin.Engine
}

// Option configures a Server.
type Option func(*Server)

// WithAdminSecret enables the /admin routes, guarded by a bearer secret.
func WithAdminSecret(secret string) Option {
	return func(s *Server) { s.adminSecret = secret }
}

// WithClock sets the clock used for Retry-After.
func WithClock(c keyrotor.Clock) Option {
	return func(s *Server) { s.clock = c }
}

// WithLogger sets the request logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Server) { s.logger = l }
}

// WithGatherer sets the registry served on /metrics.
func WithGatherer(g prometheus.Gatherer) Option {
	return func(s *Server) { s.gatherer = g }
}

// New creates a Server and registers its routes.
func New(svc Service, opts ...Option) *Server {
	s := &Server{svc: svc}
	for _, opt := range opts {
		opt(s)
	}
	if s.clock == nil {
		s.clock = keyrotor.SystemClock()
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	if s.gatherer == nil {
		s.gatherer = prometheus.DefaultGatherer
	}

	s.engine = gin.New()
	s.engine.Use(gin.Recovery(), RequestLogger(s.logger))
	s.routes()
	return s
}

// Handler returns the HTTP handler.
func (s *Server) Handler() http.Handler { return s.engine }

func (s *Server) routes() {
	s.engine.GET("/healthz", s.handleHealth)
	s.engine.GET("/metrics", gin.WrapH(promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{})))

	v1 := s.engine.Group("/v1")
	v1.POST("/credentials", s.handleIssue)

	// Admin routes exist only when an admin secret is configured.
	if s.adminSecret == "" {
		return
	}
	admin := s.engine.Group("/admin", RequireBearer(s.adminSecret))
	admin.POST("/sweep", s.handleSweep)
	admin.POST("/identities", s.handleRegister)
	admin.GET("/usage/:identity_id", s.handleUsage)
}

type issueRequest struct {
	IdentityID string `json:"identity_id" binding:"required"`
	Proof      string `json:"proof" binding:"required"`
}

type issueResponse struct {
	EncryptedCredential    string `json:"encrypted_credential"`
	RemainingIdentityDaily int64  `json:"remaining_identity_daily_quota"`
	RemainingSecretDaily   int64  `json:"remaining_secret_daily_quota"`
}

type sweepResponse struct {
	Day             string `json:"day"`
	KeysReset       int64  `json:"keys_reset"`
	IdentitiesReset int64  `json:"identities_reset"`
	CursorReset     bool   `json:"cursor_reset"`
}

type registerResponse struct {
	IdentityID string `json:"identity_id"`
}

type keyUsage struct {
	SecretID string `json:"secret_id"`
	Hits     int64  `json:"hits"`
}

type usageResponse struct {
	IdentityID   string     `json:"identity_id"`
	Day          string     `json:"day"`
	DailyUses    int64      `json:"daily_uses"`
	LifetimeUses int64      `json:"lifetime_uses"`
	CursorIndex  int        `json:"cursor_index"`
	Keys         []keyUsage `json:"keys"`
}

// ErrorResponse is the body of every error reply.
type ErrorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

func (s *Server) handleIssue(c *gin.Context) {
	var req issueRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.writeError(c, keyrotor.ErrInvalidRequest)
		return
	}

	iss, err := s.svc.Issue(c.Request.Context(), keyrotor.IssueRequest{
		IdentityID: req.IdentityID,
		Proof:      req.Proof,
	})
	if err != nil {
		s.writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, issueResponse{
		EncryptedCredential:    iss.EncryptedCredential,
		RemainingIdentityDaily: iss.RemainingIdentityDaily,
		RemainingSecretDaily:   iss.RemainingSecretDaily,
	})
}

func (s *Server) handleSweep(c *gin.Context) {
	res, err := s.svc.Sweep(c.Request.Context())
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, sweepResponse{
		Day:             res.Day.String(),
		KeysReset:       res.Keys,
		IdentitiesReset: res.Identities,
		CursorReset:     res.CursorReset,
	})
}

func (s *Server) handleRegister(c *gin.Context) {
	id, err := s.svc.Register(c.Request.Context())
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, registerResponse{IdentityID: id})
}

func (s *Server) handleUsage(c *gin.Context) {
	snap, err := s.svc.Usage(c.Request.Context(), c.Param("identity_id"))
	if err != nil {
		s.writeError(c, err)
		return
	}

	keys := make([]keyUsage, len(snap.Keys))
	for i, k := range snap.Keys {
		keys[i] = keyUsage{SecretID: k.SecretID, Hits: k.Hits}
	}
	c.JSON(http.StatusOK, usageResponse{
		IdentityID:   snap.Identity.IdentityID,
		Day:          snap.Identity.Day.String(),
		DailyUses:    snap.Identity.DailyUses,
		LifetimeUses: snap.Identity.LifetimeUses,
		CursorIndex:  snap.Cursor.LastIndex,
		Keys:         keys,
	})
}

func (s *Server) handleHealth(c *gin.Context) {
	state := s.svc.StoreHealth()
	status := http.StatusOK
	if state == keyrotor.HealthUnhealthy {
		status = http.StatusServiceUnavailable
	}
	c.JSON(status, gin.H{"status": "ok", "store": state.String()})
}

// writeError maps an error to its status code and a fixed message.
// Store errors are never echoed to the client.
func (s *Server) writeError(c *gin.Context, err error) {
	code := keyrotor.Code(err)
	status, msg := http.StatusInternalServerError, "internal error"

	switch code {
	case "invalid_request":
		status, msg = http.StatusBadRequest, "malformed request body"
	case "authentication_failed":
		status, msg = http.StatusUnauthorized, "authentication failed"
	case "identity_quota_exceeded":
		status, msg = http.StatusTooManyRequests, "identity quota exceeded"
	case "pool_exhausted":
		status, msg = http.StatusServiceUnavailable, "no credential available until the daily reset"
		c.Header("Retry-After", strconv.Itoa(s.retryAfter()))
	case "identity_exists":
		status, msg = http.StatusConflict, "identity already registered"
	}

	if status == http.StatusInternalServerError {
		_ = c.Error(err)
	}
	c.AbortWithStatusJSON(status, ErrorResponse{Error: msg, Code: code})
}

// retryAfter returns whole seconds until the next UTC midnight, at least 1.
func (s *Server) retryAfter() int {
	now := s.clock.Now()
	secs := int(math.Ceil(keyrotor.NextReset(now).Sub(now).Seconds()))
	if secs < 1 {
		secs = 1
	}
	return secs
}
