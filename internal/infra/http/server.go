package http

import (
	"context"
	"log/slog"
	"net/http"

	"custodian/internal/config"
	"custodian/internal/domain"
	"custodian/internal/usecase"

	"github.com/gin-gonic/gin"
)

// VaultAdmin is the handler-facing slice of the vault: lifecycle and
// secret management, never unseal. Unseal stays inside the
// orchestrator's execution path.
type VaultAdmin interface {
	Unlock(ctx context.Context, masterSecret []byte) error
	Lock(ctx context.Context) error
	Seal(ctx context.Context, service string, plaintext []byte) (domain.SecretRecord, error)
	Rotate(ctx context.Context, service string, plaintext []byte) (domain.SecretRecord, error)
	Locked() bool
}

type Server struct {
	cfg config.Config
	r   *gin.Engine

	orch  *usecase.Orchestrator
	audit *usecase.AuditLog
	vault VaultAdmin

	adminAPIKey string
	dbAvailable bool
	logger      *slog.Logger
}

type ServerDeps struct {
	Orchestrator *usecase.Orchestrator
	Audit        *usecase.AuditLog
	Vault        VaultAdmin
	DBAvailable  bool
	Logger       *slog.Logger
}

func NewServer(cfg config.Config, deps ServerDeps) *Server {
	r := gin.New()
	r.Use(gin.Recovery())

	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		cfg:         cfg,
		r:           r,
		orch:        deps.Orchestrator,
		audit:       deps.Audit,
		vault:       deps.Vault,
		adminAPIKey: cfg.AdminAPIKey,
		dbAvailable: deps.DBAvailable,
		logger:      logger,
	}
	s.routes()
	return s
}

func (s *Server) routes() {
	s.r.GET("/healthz", func(c *gin.Context) {
		mode := "no-db"
		if s.dbAvailable {
			mode = "db"
		}
		vaultState := "locked"
		if s.vault != nil && !s.vault.Locked() {
			vaultState = "unlocked"
		}
		c.JSON(http.StatusOK, gin.H{"status": "ok", "mode": mode, "vault": vaultState})
	})

	v1 := s.r.Group("/v1")
	{
		v1.POST("/operations", s.handleSubmitOperation)
		v1.POST("/operations/:id/cancel", s.handleCancelOperation)

		v1.POST("/grants", s.handleIssueGrant)

		v1.POST("/vault/unlock", s.handleVaultUnlock)
		v1.POST("/vault/lock", s.handleVaultLock)
		v1.PUT("/vault/secrets/:service", s.handleSealSecret)
		v1.POST("/vault/secrets/:service/rotate", s.handleRotateSecret)

		v1.GET("/audit/entries", s.handleListAuditEntries)
		v1.GET("/audit/verify", s.handleVerifyAuditChain)
		v1.POST("/audit/archive", s.handleArchiveAuditEntries)

		v1.PUT("/policy/level", s.handleSetPolicyLevel)
		v1.PUT("/policy/panic", s.handleSetPanicMode)
		v1.POST("/services/:service/reset", s.handleResetQuarantine)
	}

	s.r.NoRoute(func(c *gin.Context) {
		writeErrorCode(c, http.StatusNotFound, "NOT_FOUND", "route not found")
	})
}

// Handler exposes the router for tests.
func (s *Server) Handler() http.Handler {
	return s.r
}

func (s *Server) Run() error {
	return s.r.Run(s.cfg.HTTPAddr)
}
