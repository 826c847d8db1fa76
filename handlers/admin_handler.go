package handlers

import (
	"context"
	"crypto/ed25519"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/upb/llm-gateway/middleware"
	"github.com/upb/llm-gateway/models"
	"github.com/upb/llm-gateway/services"
	"github.com/upb/llm-gateway/services/budget"
	"github.com/upb/llm-gateway/services/ledger"
	"github.com/upb/llm-gateway/utils"
	"go.uber.org/zap"
)

const (
	defaultVerifyLimit = 1000
	maxVerifyLimit     = 10000
)

// AmnestyRequest names the user whose trust score is reset
type AmnestyRequest struct {
	UserID string `json:"user_id" validate:"required"`
	DeptID string `json:"dept_id,omitempty"`
}

// AdjustTrustRequest applies a manual trust score change
type AdjustTrustRequest struct {
	UserID string `json:"user_id" validate:"required"`
	DeptID string `json:"dept_id,omitempty"`
	Delta  int    `json:"delta" validate:"required,gte=-100,lte=100"`
	Reason string `json:"reason" validate:"required,max=500"`
}

// TopUpRequest credits one wallet of the caller's tenant
type TopUpRequest struct {
	Level  string  `json:"level" validate:"required,oneof=tenant dept user"`
	ID     string  `json:"id" validate:"required_unless=Level tenant"`
	Amount float64 `json:"amount" validate:"gt=0"`
}

// MonthlyLimitRequest overrides the velocity base limit
type MonthlyLimitRequest struct {
	MonthlyLimit float64 `json:"monthly_limit" validate:"gt=0"`
}

// KillSwitchRequest engages or releases the manual kill switch. A zero TTL
// keeps the switch engaged until released.
type KillSwitchRequest struct {
	Engaged    *bool `json:"engaged" validate:"required"`
	TTLSeconds int   `json:"ttl_seconds" validate:"gte=0"`
}

// CreatePolicyRequest represents a request to create a policy rule
type CreatePolicyRequest struct {
	Name         string              `json:"name" validate:"required,max=200"`
	TargetDeptID *string             `json:"target_dept_id,omitempty"`
	TargetRole   *string             `json:"target_role,omitempty"`
	Condition    json.RawMessage     `json:"condition"`
	Action       models.PolicyAction `json:"action" validate:"required,oneof=ALLOW BLOCK DOWNGRADE CAP_TOKENS REQUIRE_APPROVAL"`
	ActionConfig json.RawMessage     `json:"action_config,omitempty"`
	Mode         models.PolicyMode   `json:"mode" validate:"omitempty,oneof=SHADOW ENFORCE DISABLED"`
	Priority     int                 `json:"priority" validate:"gte=0"`
}

// VerifyResponse reports the outcome of a ledger chain check
type VerifyResponse struct {
	TenantID string `json:"tenant_id"`
	Receipts int    `json:"receipts"`
	Valid    bool   `json:"valid"`
	Error    string `json:"error,omitempty"`
}

// TrustAdmin resets and adjusts trust scores
type TrustAdmin interface {
	Amnesty(ctx context.Context, id models.Identity, actor string) (int, error)
	Adjust(ctx context.Context, id models.Identity, delta int, reason, traceID string) (int, error)
}

// WalletAdmin manages a tenant's wallets and spend guards
type WalletAdmin interface {
	TopUp(ctx context.Context, tenant string, level budget.Level, id string, amount float64) (float64, error)
	SetMonthlyLimit(ctx context.Context, tenant string, limit float64) error
	SetKillSwitch(ctx context.Context, tenant string, engaged bool, ttl time.Duration) error
	Unfreeze(ctx context.Context, tenant string) error
}

// PolicyAdmin stores policy rules
type PolicyAdmin interface {
	CreateRule(ctx context.Context, rule *models.PolicyRule) error
}

// ReceiptLister reads a tenant's receipts oldest first
type ReceiptLister interface {
	ListByTenant(ctx context.Context, tenantID string, limit int) ([]*models.LedgerReceipt, error)
}

// DeadLetterReplayer re-runs one tenant's dead-lettered writes of one kind
type DeadLetterReplayer interface {
	Replay(ctx context.Context, kind, tenantID string) (int, error)
}

// AdminHandler serves /v1/admin. Every route acts on the caller's tenant.
type AdminHandler struct {
	trust     TrustAdmin
	wallets   WalletAdmin
	policies  PolicyAdmin
	receipts  ReceiptLister
	publicKey ed25519.PublicKey
	replayer  DeadLetterReplayer
	logger    *zap.Logger
}

// NewAdminHandler creates a new AdminHandler
func NewAdminHandler(trust TrustAdmin, wallets WalletAdmin, policies PolicyAdmin, receipts ReceiptLister, publicKey ed25519.PublicKey, replayer DeadLetterReplayer, logger *zap.Logger) *AdminHandler {
	return &AdminHandler{
		trust:     trust,
		wallets:   wallets,
		policies:  policies,
		receipts:  receipts,
		publicKey: publicKey,
		replayer:  replayer,
		logger:    logger,
	}
}

// HandleAmnesty handles POST /v1/admin/trust/amnesty
func (h *AdminHandler) HandleAmnesty(w http.ResponseWriter, r *http.Request) {
	admin, ok := h.admin(w, r)
	if !ok {
		return
	}

	var req AmnestyRequest
	if !h.decode(w, r, &req) {
		return
	}

	target := models.Identity{TenantID: admin.TenantID, UserID: req.UserID, DeptID: req.DeptID}
	score, err := h.trust.Amnesty(r.Context(), target, admin.UserID)
	if err != nil {
		HandleServiceError(w, services.WrapInternal("amnesty failed", err), h.logger)
		return
	}

	h.logger.Info("trust amnesty granted",
		zap.String("tenant_id", admin.TenantID),
		zap.String("user_id", req.UserID),
		zap.String("actor", admin.UserID))

	_ = utils.WriteOK(w, map[string]interface{}{
		"tenant_id":   admin.TenantID,
		"user_id":     req.UserID,
		"trust_score": score,
	})
}

// HandleAdjustTrust handles POST /v1/admin/trust/adjust
func (h *AdminHandler) HandleAdjustTrust(w http.ResponseWriter, r *http.Request) {
	admin, ok := h.admin(w, r)
	if !ok {
		return
	}

	var req AdjustTrustRequest
	if !h.decode(w, r, &req) {
		return
	}

	target := models.Identity{TenantID: admin.TenantID, UserID: req.UserID, DeptID: req.DeptID}
	score, err := h.trust.Adjust(r.Context(), target, req.Delta, req.Reason+" (by "+admin.UserID+")", "")
	if err != nil {
		HandleServiceError(w, services.WrapInternal("trust adjustment failed", err), h.logger)
		return
	}

	_ = utils.WriteOK(w, map[string]interface{}{
		"tenant_id":   admin.TenantID,
		"user_id":     req.UserID,
		"trust_score": score,
	})
}

// HandleTopUp handles POST /v1/admin/wallets/topup
func (h *AdminHandler) HandleTopUp(w http.ResponseWriter, r *http.Request) {
	admin, ok := h.admin(w, r)
	if !ok {
		return
	}

	var req TopUpRequest
	if !h.decode(w, r, &req) {
		return
	}

	balance, err := h.wallets.TopUp(r.Context(), admin.TenantID, budget.Level(req.Level), req.ID, req.Amount)
	if err != nil {
		HandleServiceError(w, err, h.logger)
		return
	}

	h.logger.Info("wallet top-up",
		zap.String("tenant_id", admin.TenantID),
		zap.String("level", req.Level),
		zap.String("wallet_id", req.ID),
		zap.String("actor", admin.UserID))

	_ = utils.WriteOK(w, map[string]interface{}{
		"tenant_id": admin.TenantID,
		"level":     req.Level,
		"id":        req.ID,
		"balance":   balance,
	})
}

// HandleSetMonthlyLimit handles POST /v1/admin/wallets/limit
func (h *AdminHandler) HandleSetMonthlyLimit(w http.ResponseWriter, r *http.Request) {
	admin, ok := h.admin(w, r)
	if !ok {
		return
	}

	var req MonthlyLimitRequest
	if !h.decode(w, r, &req) {
		return
	}

	if err := h.wallets.SetMonthlyLimit(r.Context(), admin.TenantID, req.MonthlyLimit); err != nil {
		HandleServiceError(w, services.WrapInternal("failed to set monthly limit", err), h.logger)
		return
	}

	_ = utils.WriteOK(w, map[string]interface{}{
		"tenant_id":     admin.TenantID,
		"monthly_limit": req.MonthlyLimit,
	})
}

// HandleKillSwitch handles POST /v1/admin/kill-switch
func (h *AdminHandler) HandleKillSwitch(w http.ResponseWriter, r *http.Request) {
	admin, ok := h.admin(w, r)
	if !ok {
		return
	}

	var req KillSwitchRequest
	if !h.decode(w, r, &req) {
		return
	}

	ttl := time.Duration(req.TTLSeconds) * time.Second
	if err := h.wallets.SetKillSwitch(r.Context(), admin.TenantID, *req.Engaged, ttl); err != nil {
		HandleServiceError(w, services.WrapInternal("failed to set kill switch", err), h.logger)
		return
	}

	h.logger.Warn("manual kill switch changed",
		zap.String("tenant_id", admin.TenantID),
		zap.Bool("engaged", *req.Engaged),
		zap.Duration("ttl", ttl),
		zap.String("actor", admin.UserID))

	_ = utils.WriteOK(w, map[string]interface{}{
		"tenant_id": admin.TenantID,
		"engaged":   *req.Engaged,
	})
}

// HandleUnfreeze handles POST /v1/admin/unfreeze
func (h *AdminHandler) HandleUnfreeze(w http.ResponseWriter, r *http.Request) {
	admin, ok := h.admin(w, r)
	if !ok {
		return
	}

	if err := h.wallets.Unfreeze(r.Context(), admin.TenantID); err != nil {
		HandleServiceError(w, services.WrapInternal("failed to lift freeze", err), h.logger)
		return
	}

	h.logger.Info("velocity freeze lifted",
		zap.String("tenant_id", admin.TenantID),
		zap.String("actor", admin.UserID))
	_ = utils.WriteOK(w, map[string]interface{}{"tenant_id": admin.TenantID, "frozen": false})
}

// HandleCreatePolicy handles POST /v1/admin/policies
func (h *AdminHandler) HandleCreatePolicy(w http.ResponseWriter, r *http.Request) {
	admin, ok := h.admin(w, r)
	if !ok {
		return
	}

	var req CreatePolicyRequest
	if !h.decode(w, r, &req) {
		return
	}

	rule := models.NewPolicyRule(admin.TenantID, req.Name, req.Condition, req.Action, req.Priority)
	rule.TargetDeptID = req.TargetDeptID
	rule.TargetRole = req.TargetRole
	rule.ActionConfig = req.ActionConfig
	if req.Mode != "" {
		rule.Mode = req.Mode
	}

	if err := h.policies.CreateRule(r.Context(), rule); err != nil {
		HandleServiceError(w, err, h.logger)
		return
	}

	h.logger.Info("policy rule created",
		zap.String("tenant_id", admin.TenantID),
		zap.String("rule_id", rule.ID.String()),
		zap.String("mode", string(rule.Mode)))

	_ = utils.WriteCreated(w, rule)
}

// HandleVerifyLedger handles GET /v1/admin/ledger/verify?limit=N
func (h *AdminHandler) HandleVerifyLedger(w http.ResponseWriter, r *http.Request) {
	admin, ok := h.admin(w, r)
	if !ok {
		return
	}

	limit := defaultVerifyLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 || n > maxVerifyLimit {
			_ = utils.WriteBadRequest(w, "limit must be between 1 and 10000", nil)
			return
		}
		limit = n
	}

	receipts, err := h.receipts.ListByTenant(r.Context(), admin.TenantID, limit)
	if err != nil {
		HandleServiceError(w, services.WrapInternal("failed to list receipts", err), h.logger)
		return
	}

	resp := VerifyResponse{TenantID: admin.TenantID, Receipts: len(receipts), Valid: true}
	if err := ledger.VerifyChain(receipts, h.publicKey); err != nil {
		resp.Valid = false
		resp.Error = err.Error()
		h.logger.Warn("ledger chain verification failed",
			zap.String("tenant_id", admin.TenantID),
			zap.Error(err))
	}
	_ = utils.WriteOK(w, resp)
}

// HandleReplayDeadLetters handles POST /v1/admin/dlq/{kind}/replay
func (h *AdminHandler) HandleReplayDeadLetters(w http.ResponseWriter, r *http.Request) {
	admin, ok := h.admin(w, r)
	if !ok {
		return
	}

	kind := strings.ToLower(chi.URLParam(r, "kind"))
	replayed, err := h.replayer.Replay(r.Context(), kind, admin.TenantID)
	if err != nil {
		HandleServiceError(w, err, h.logger)
		return
	}

	h.logger.Info("dead letters replayed",
		zap.String("tenant_id", admin.TenantID),
		zap.String("kind", kind),
		zap.Int("replayed", replayed))
	_ = utils.WriteOK(w, map[string]interface{}{"kind": kind, "replayed": replayed})
}

func (h *AdminHandler) admin(w http.ResponseWriter, r *http.Request) (*models.Identity, bool) {
	id := middleware.GetIdentityFromContext(r.Context())
	if id == nil {
		_ = utils.WriteUnauthorized(w, "")
		return nil, false
	}
	return id, true
}

func (h *AdminHandler) decode(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(v); err != nil {
		_ = utils.WriteBadRequest(w, "Invalid request body", nil)
		return false
	}
	if err := utils.ValidateStruct(v); err != nil {
		HandleValidationError(w, err, h.logger)
		return false
	}
	return true
}
