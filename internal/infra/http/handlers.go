package http

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"custodian/internal/domain"
	"custodian/internal/usecase"

	"github.com/gin-gonic/gin"
)

type errorResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type operationRequest struct {
	Service   string         `json:"service"`
	Action    string         `json:"action"`
	Params    map[string]any `json:"params,omitempty"`
	Risk      string         `json:"risk"`
	Requester string         `json:"requester"`
}

type operationResponse struct {
	RequestID string         `json:"request_id"`
	State     string         `json:"state"`
	Reason    string         `json:"reason,omitempty"`
	Prompt    string         `json:"prompt,omitempty"`
	GrantID   string         `json:"grant_id,omitempty"`
	Output    map[string]any `json:"output,omitempty"`
}

func (s *Server) handleSubmitOperation(c *gin.Context) {
	var req operationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeErrorCode(c, http.StatusBadRequest, "INVALID_REQUEST", err.Error())
		return
	}
	if req.Service == "" || req.Action == "" || req.Requester == "" {
		writeErrorCode(c, http.StatusBadRequest, "INVALID_REQUEST", "service, action and requester are required")
		return
	}

	outcome, err := s.orch.Submit(c.Request.Context(), domain.OperationRequest{
		Service:   req.Service,
		Action:    req.Action,
		Params:    req.Params,
		Risk:      domain.RiskClass(req.Risk),
		Requester: req.Requester,
	})
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(statusForState(outcome.State), buildOperationResponse(outcome))
}

func (s *Server) handleCancelOperation(c *gin.Context) {
	outcome, err := s.orch.Cancel(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, buildOperationResponse(outcome))
}

type grantRequest struct {
	Service    string `json:"service"`
	Action     string `json:"action"`
	Requester  string `json:"requester"`
	TTLSeconds int    `json:"ttl_seconds,omitempty"`
}

type grantResponse struct {
	GrantID   string `json:"grant_id"`
	Service   string `json:"service"`
	Action    string `json:"action"`
	IssuedAt  string `json:"issued_at"`
	ExpiresAt string `json:"expires_at"`
}

func (s *Server) handleIssueGrant(c *gin.Context) {
	if !s.requireAdmin(c) {
		return
	}
	var req grantRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeErrorCode(c, http.StatusBadRequest, "INVALID_REQUEST", err.Error())
		return
	}
	if req.Service == "" || req.Action == "" {
		writeErrorCode(c, http.StatusBadRequest, "INVALID_REQUEST", "service and action are required")
		return
	}
	ttl := time.Duration(req.TTLSeconds) * time.Second
	grant, err := s.orch.IssueGrant(c.Request.Context(), req.Service, req.Action, req.Requester, ttl)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, grantResponse{
		GrantID:   grant.ID,
		Service:   grant.Service,
		Action:    grant.Action,
		IssuedAt:  grant.IssuedAt.UTC().Format(time.RFC3339),
		ExpiresAt: grant.ExpiresAt.UTC().Format(time.RFC3339),
	})
}

type unlockRequest struct {
	MasterSecret string `json:"master_secret"`
}

func (s *Server) handleVaultUnlock(c *gin.Context) {
	if !s.requireAdmin(c) {
		return
	}
	var req unlockRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeErrorCode(c, http.StatusBadRequest, "INVALID_REQUEST", err.Error())
		return
	}
	if req.MasterSecret == "" {
		writeErrorCode(c, http.StatusBadRequest, "INVALID_REQUEST", "master_secret is required")
		return
	}
	err := s.vault.Unlock(c.Request.Context(), []byte(req.MasterSecret))
	if err != nil {
		s.recordVaultEvent(c, domain.AuditEventUnlockFailed, domain.OutcomeFailed, err.Error(), "")
		writeError(c, err)
		return
	}
	s.recordVaultEvent(c, domain.AuditEventVaultUnlocked, domain.OutcomeSucceeded, "", "")
	c.JSON(http.StatusOK, gin.H{"status": "unlocked"})
}

func (s *Server) handleVaultLock(c *gin.Context) {
	if !s.requireAdmin(c) {
		return
	}
	if err := s.vault.Lock(c.Request.Context()); err != nil {
		writeError(c, err)
		return
	}
	s.recordVaultEvent(c, domain.AuditEventVaultLocked, domain.OutcomeSucceeded, "", "")
	c.JSON(http.StatusOK, gin.H{"status": "locked"})
}

type sealRequest struct {
	Secret string `json:"secret"`
}

func (s *Server) handleSealSecret(c *gin.Context) {
	if !s.requireAdmin(c) {
		return
	}
	service := c.Param("service")
	var req sealRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeErrorCode(c, http.StatusBadRequest, "INVALID_REQUEST", err.Error())
		return
	}
	if req.Secret == "" {
		writeErrorCode(c, http.StatusBadRequest, "INVALID_REQUEST", "secret is required")
		return
	}
	record, err := s.vault.Seal(c.Request.Context(), service, []byte(req.Secret))
	if err != nil {
		writeError(c, err)
		return
	}
	s.recordVaultEvent(c, domain.AuditEventSecretSealed, domain.OutcomeSucceeded, "", service)
	c.JSON(http.StatusOK, gin.H{"service": record.Service, "generation": record.Generation})
}

func (s *Server) handleRotateSecret(c *gin.Context) {
	if !s.requireAdmin(c) {
		return
	}
	service := c.Param("service")
	var req sealRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeErrorCode(c, http.StatusBadRequest, "INVALID_REQUEST", err.Error())
		return
	}
	if req.Secret == "" {
		writeErrorCode(c, http.StatusBadRequest, "INVALID_REQUEST", "secret is required")
		return
	}
	record, err := s.vault.Rotate(c.Request.Context(), service, []byte(req.Secret))
	if err != nil {
		writeError(c, err)
		return
	}
	s.recordVaultEvent(c, domain.AuditEventSecretRotated, domain.OutcomeSucceeded, "", service)
	c.JSON(http.StatusOK, gin.H{"service": record.Service, "generation": record.Generation})
}

type auditEntryResponse struct {
	Seq         int64  `json:"seq"`
	EventType   string `json:"event_type"`
	Requester   string `json:"requester,omitempty"`
	Service     string `json:"service,omitempty"`
	Action      string `json:"action,omitempty"`
	Risk        string `json:"risk,omitempty"`
	Decision    string `json:"decision,omitempty"`
	Outcome     string `json:"outcome"`
	Reason      string `json:"reason,omitempty"`
	PrevDigest  string `json:"prev_digest"`
	EntryDigest string `json:"entry_digest"`
	CreatedAt   string `json:"created_at"`
}

func (s *Server) handleListAuditEntries(c *gin.Context) {
	if !s.requireAdmin(c) {
		return
	}
	query := domain.AuditQuery{
		Service:   c.Query("service"),
		Requester: c.Query("requester"),
		EventType: domain.AuditEventType(c.Query("event_type")),
		Outcome:   domain.AuditOutcome(c.Query("outcome")),
	}
	if raw := c.Query("since"); raw != "" {
		since, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			writeErrorCode(c, http.StatusBadRequest, "INVALID_REQUEST", "since must be RFC3339")
			return
		}
		query.Since = since
	}
	if raw := c.Query("until"); raw != "" {
		until, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			writeErrorCode(c, http.StatusBadRequest, "INVALID_REQUEST", "until must be RFC3339")
			return
		}
		query.Until = until
	}
	if raw := c.Query("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit < 0 {
			writeErrorCode(c, http.StatusBadRequest, "INVALID_REQUEST", "limit must be a non-negative integer")
			return
		}
		query.Limit = limit
	}

	entries, err := s.audit.Query(c.Request.Context(), query)
	if err != nil {
		writeError(c, err)
		return
	}
	out := make([]auditEntryResponse, 0, len(entries))
	for _, entry := range entries {
		out = append(out, auditEntryResponse{
			Seq:         entry.Seq,
			EventType:   string(entry.EventType),
			Requester:   entry.Requester,
			Service:     entry.Service,
			Action:      entry.Action,
			Risk:        string(entry.Risk),
			Decision:    string(entry.Decision),
			Outcome:     string(entry.Outcome),
			Reason:      entry.Reason,
			PrevDigest:  entry.PrevDigest,
			EntryDigest: entry.EntryDigest,
			CreatedAt:   entry.CreatedAt.UTC().Format(time.RFC3339Nano),
		})
	}
	c.JSON(http.StatusOK, gin.H{"entries": out})
}

func (s *Server) handleVerifyAuditChain(c *gin.Context) {
	if !s.requireAdmin(c) {
		return
	}
	ok, firstBreak, err := s.audit.VerifyChain(c.Request.Context())
	if err != nil {
		writeError(c, err)
		return
	}
	resp := gin.H{"ok": ok}
	if !ok {
		resp["first_break_seq"] = firstBreak
	}
	c.JSON(http.StatusOK, resp)
}

type archiveRequest struct {
	BeforeSeq int64 `json:"before_seq"`
}

func (s *Server) handleArchiveAuditEntries(c *gin.Context) {
	if !s.requireAdmin(c) {
		return
	}
	var req archiveRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeErrorCode(c, http.StatusBadRequest, "INVALID_REQUEST", err.Error())
		return
	}
	if req.BeforeSeq <= 0 {
		writeErrorCode(c, http.StatusBadRequest, "INVALID_REQUEST", "before_seq must be positive")
		return
	}
	moved, err := s.audit.Archive(c.Request.Context(), req.BeforeSeq, adminActor)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"archived": moved})
}

type policyLevelRequest struct {
	Level string `json:"level"`
}

func (s *Server) handleSetPolicyLevel(c *gin.Context) {
	if !s.requireAdmin(c) {
		return
	}
	var req policyLevelRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeErrorCode(c, http.StatusBadRequest, "INVALID_REQUEST", err.Error())
		return
	}
	if !domain.PolicyLevel(req.Level).Valid() {
		writeErrorCode(c, http.StatusBadRequest, "INVALID_REQUEST", "unknown policy level")
		return
	}
	if err := s.orch.SetPolicyLevel(c.Request.Context(), domain.PolicyLevel(req.Level), adminActor); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"level": req.Level})
}

type panicModeRequest struct {
	Enabled bool `json:"enabled"`
}

func (s *Server) handleSetPanicMode(c *gin.Context) {
	if !s.requireAdmin(c) {
		return
	}
	var req panicModeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeErrorCode(c, http.StatusBadRequest, "INVALID_REQUEST", err.Error())
		return
	}
	if err := s.orch.SetPanicMode(c.Request.Context(), req.Enabled, adminActor); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"panic_mode": req.Enabled})
}

func (s *Server) handleResetQuarantine(c *gin.Context) {
	if !s.requireAdmin(c) {
		return
	}
	if err := s.orch.ResetQuarantine(c.Request.Context(), c.Param("service"), adminActor); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (s *Server) recordVaultEvent(c *gin.Context, event domain.AuditEventType, outcome domain.AuditOutcome, reason, service string) {
	_, err := s.audit.Record(c.Request.Context(), domain.AuditEntry{
		EventType: event,
		Requester: adminActor,
		Service:   service,
		Outcome:   outcome,
		Reason:    reason,
	})
	if err != nil {
		s.logger.Error("recording vault event failed", "event", string(event), "error", err)
	}
}

func buildOperationResponse(outcome usecase.Outcome) operationResponse {
	return operationResponse{
		RequestID: outcome.RequestID,
		State:     string(outcome.State),
		Reason:    outcome.Reason,
		Prompt:    outcome.Prompt,
		GrantID:   outcome.GrantID,
		Output:    outcome.Output,
	}
}

func statusForState(state usecase.RequestState) int {
	switch state {
	case usecase.StateDenied:
		return http.StatusForbidden
	case usecase.StateAwaitingConfirmation:
		return http.StatusAccepted
	default:
		return http.StatusOK
	}
}

func writeError(c *gin.Context, err error) {
	status, code := http.StatusInternalServerError, "INTERNAL"
	switch {
	case errors.Is(err, domain.ErrPolicyDenied):
		status, code = http.StatusForbidden, "POLICY_DENIED"
	case errors.Is(err, domain.ErrQuarantined):
		status, code = http.StatusForbidden, "QUARANTINED"
	case errors.Is(err, domain.ErrRateLimited):
		status, code = http.StatusTooManyRequests, "RATE_LIMITED"
	case errors.Is(err, domain.ErrLockedOut):
		status, code = http.StatusTooManyRequests, "LOCKED_OUT"
	case errors.Is(err, domain.ErrUnlockFailed):
		status, code = http.StatusUnauthorized, "UNLOCK_FAILED"
	case errors.Is(err, domain.ErrVaultLocked):
		status, code = http.StatusConflict, "VAULT_LOCKED"
	case errors.Is(err, domain.ErrIntegrityViolation):
		status, code = http.StatusInternalServerError, "INTEGRITY_VIOLATION"
	case errors.Is(err, domain.ErrSandboxTimeout):
		status, code = http.StatusGatewayTimeout, "TIMEOUT"
	case errors.Is(err, domain.ErrAborted):
		status, code = http.StatusConflict, "ABORTED"
	case errors.Is(err, domain.ErrNotFound):
		status, code = http.StatusNotFound, "NOT_FOUND"
	case errors.Is(err, domain.ErrPersistFailure):
		status, code = http.StatusInternalServerError, "PERSIST_FAILURE"
	}
	writeErrorCode(c, status, code, err.Error())
}

func writeErrorCode(c *gin.Context, status int, code, message string) {
	c.JSON(status, errorResponse{
		Code:    code,
		Message: message,
	})
}
