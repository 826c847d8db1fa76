// Package ledger signs settlement receipts and links them into a per-tenant
// hash chain.
package ledger

import (
	"context"
	"crypto/ed25519"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/upb/llm-gateway/internal/observability"
	"github.com/upb/llm-gateway/models"
	"github.com/upb/llm-gateway/repositories"
	"github.com/upb/llm-gateway/services/dlq"
	"go.uber.org/zap"
)

const (
	// GenesisHash is the previous hash of a tenant's first receipt
	GenesisHash = "GENESIS_BLOCK_000000000000000000000000000000000000000000000000"

	// InterruptedHash links a receipt written while the chain head was unreadable
	InterruptedHash = "CHAIN_INTERRUPTED_RECOVERY_MODE"

	// SignatureFailed is stored when signing fails
	SignatureFailed = "SIGNATURE_FAILED"

	ExecutionModeActive = "ACTIVE"
	ExecutionModeShadow = "SHADOW_SIMULATION"

	maxLinkAttempts = 16
)

var (
	ErrChainBroken  = errors.New("receipt chain broken")
	ErrHashMismatch = errors.New("receipt content hash mismatch")
	ErrUnsigned     = errors.New("receipt was stored without a signature")
)

// advanceScript moves the head only if it still equals the expected hash.
// Returns {1} on success or {0, current} on conflict.
var advanceScript = redis.NewScript(`
local cur = redis.call('GET', KEYS[1])
if not cur then cur = ARGV[3] end
if cur ~= ARGV[1] then
	return {0, cur}
end
redis.call('SET', KEYS[1], ARGV[2])
return {1}
`)

// Entry is everything a receipt attests to
type Entry struct {
	TenantID     string
	CostCenterID string
	TraceID      string
	Actor        string

	RequestedModel   string
	DeliveredModel   string
	CostUSD          float64
	Savings          float64 // fraction in [0,1]
	PromptTokens     int
	CompletionTokens int
	CacheHit         bool
	TokensSaved      int

	TrustScore    int
	Intent        string
	RiskMode      string
	DeptID        string
	PIISafe       bool
	ExecutionMode string
	RiskClass     string
}

// LedgerService builds, signs and persists receipts
type LedgerService struct {
	rdb     redis.UniversalClient
	repo    repositories.LedgerRepository
	txm     repositories.TransactionManager
	dlq     dlq.Sink
	signer  *Signer
	region  string
	logger  *zap.Logger
	now     func() time.Time
	newUUID func() uuid.UUID
}

// NewLedgerService creates a ledger. txm may be nil, in which case the
// receipt and its durable head are written without a transaction. A nil signer records every
// receipt as SIGNATURE_FAILED.
func NewLedgerService(rdb redis.UniversalClient, repo repositories.LedgerRepository, txm repositories.TransactionManager, sink dlq.Sink, signer *Signer, region string, logger *zap.Logger) *LedgerService {
	if region == "" {
		region = "eu"
	}
	return &LedgerService{
		rdb:     rdb,
		repo:    repo,
		txm:     txm,
		dlq:     sink,
		signer:  signer,
		region:  region,
		logger:  logger,
		now:     time.Now,
		newUUID: uuid.New,
	}
}

// HeadKey is the Redis key holding a tenant's latest content hash
func HeadKey(tenantID string) string { return "ledger:head:" + tenantID }

// SpendKey is the monthly spend hash, one field per cost center
func SpendKey(tenantID string, at time.Time) string {
	return fmt.Sprintf("spend:%s:%s", tenantID, at.UTC().Format("2006-01"))
}

// Record writes one receipt and returns it. Persistence failures are
// dead-lettered and never returned; the error is reserved for payloads that
// cannot be canonicalized.
func (s *LedgerService) Record(ctx context.Context, e Entry) (*models.LedgerReceipt, error) {
	ctx, span := observability.StartSpan(ctx, "ledger.record")
	defer span.End()

	if e.ExecutionMode == "" {
		e.ExecutionMode = ExecutionModeActive
	}
	if e.RiskClass == "" {
		e.RiskClass = "general"
	}

	receipt, err := s.link(ctx, e)
	if err != nil {
		observability.RecordError(span, err)
		return nil, err
	}

	s.persist(ctx, receipt)

	if e.CostUSD > 0 && !e.CacheHit {
		s.countSpend(ctx, e)
	}
	return receipt, nil
}

// link builds and signs the receipt against the current head, retrying when
// a concurrent writer advanced the head first.
func (s *LedgerService) link(ctx context.Context, e Entry) (*models.LedgerReceipt, error) {
	prev, chained := s.head(ctx, e.TenantID)

	for attempt := 1; ; attempt++ {
		receipt, err := s.build(e, prev)
		if err != nil {
			return nil, err
		}
		if !chained {
			return receipt, nil
		}

		res, err := advanceScript.Run(ctx, s.rdb, []string{HeadKey(e.TenantID)}, prev, receipt.ContentHash, GenesisHash).Slice()
		if err != nil {
			s.logger.Warn("ledger head update failed, chain interrupted",
				zap.String("tenant_id", e.TenantID),
				zap.Error(err))
			return s.build(e, InterruptedHash)
		}
		if won, _ := res[0].(int64); won == 1 {
			return receipt, nil
		}
		current, _ := res[1].(string)
		if attempt >= maxLinkAttempts {
			s.logger.Error("ledger head contention, writing unlinked receipt",
				zap.String("tenant_id", e.TenantID),
				zap.Int("attempts", attempt))
			return s.build(e, InterruptedHash)
		}
		prev = current
	}
}

func (s *LedgerService) head(ctx context.Context, tenantID string) (string, bool) {
	if s.rdb == nil {
		return InterruptedHash, false
	}
	prev, err := s.rdb.Get(ctx, HeadKey(tenantID)).Result()
	if err == redis.Nil {
		return s.restoreHead(ctx, tenantID)
	}
	if err != nil {
		s.logger.Warn("ledger head unreadable, chain interrupted",
			zap.String("tenant_id", tenantID),
			zap.Error(err))
		return InterruptedHash, false
	}
	return prev, true
}

// restoreHead seeds a missing fast-store head from the durable one
func (s *LedgerService) restoreHead(ctx context.Context, tenantID string) (string, bool) {
	if s.repo == nil {
		return GenesisHash, true
	}
	durable, err := s.repo.Head(ctx, tenantID)
	if err != nil {
		s.logger.Warn("durable ledger head unreadable, chain interrupted",
			zap.String("tenant_id", tenantID),
			zap.Error(err))
		return InterruptedHash, false
	}
	if durable == "" {
		return GenesisHash, true
	}

	if err := s.rdb.SetNX(ctx, HeadKey(tenantID), durable, 0).Err(); err != nil {
		s.logger.Warn("ledger head restore failed, chain interrupted",
			zap.String("tenant_id", tenantID),
			zap.Error(err))
		return InterruptedHash, false
	}
	prev, err := s.rdb.Get(ctx, HeadKey(tenantID)).Result()
	if err != nil {
		return InterruptedHash, false
	}
	s.logger.Info("ledger head restored from durable store", zap.String("tenant_id", tenantID))
	return prev, true
}

func (s *LedgerService) build(e Entry, prevHash string) (*models.LedgerReceipt, error) {
	id := s.newUUID()
	now := s.now().UTC()
	costMicros := toMicros(e.CostUSD)

	evidence := map[string]any{
		"receipt_id":     id.String(),
		"timestamp":      now.Unix(),
		"tenant_id":      e.TenantID,
		"cost_center_id": e.CostCenterID,
		"trace_id":       e.TraceID,
		"previous_hash":  prevHash,
		"region":         s.region,
		"execution_mode": e.ExecutionMode,
		"risk_class":     e.RiskClass,
		"transaction": map[string]any{
			"model_requested":   e.RequestedModel,
			"model_delivered":   e.DeliveredModel,
			"cost_micros":       costMicros,
			"savings_bps":       int64(math.Round(e.Savings * 10000)),
			"prompt_tokens":     e.PromptTokens,
			"completion_tokens": e.CompletionTokens,
			"cache_hit":         e.CacheHit,
			"tokens_saved":      e.TokensSaved,
		},
		"governance": map[string]any{
			"trust_score": e.TrustScore,
			"intent":      e.Intent,
			"risk_mode":   e.RiskMode,
			"dept_id":     e.DeptID,
			"pii_safe":    e.PIISafe,
		},
	}
	if e.Actor != "" {
		evidence["actor"] = e.Actor
	}

	payload, err := Canonicalize(evidence)
	if err != nil {
		return nil, fmt.Errorf("canonicalize receipt: %w", err)
	}

	return &models.LedgerReceipt{
		ID:           id,
		TenantID:     e.TenantID,
		CostCenterID: e.CostCenterID,
		TraceID:      e.TraceID,
		Payload:      payload,
		Signature:    s.sign(payload, e.TenantID),
		ContentHash:  ContentHash(payload),
		PrevHash:     prevHash,
		CostMicros:   costMicros,
		CacheHit:     e.CacheHit,
		CreatedAt:    now,
	}, nil
}

func (s *LedgerService) sign(payload []byte, tenantID string) string {
	if s.signer == nil {
		s.logger.Error("receipt signer not configured", zap.String("tenant_id", tenantID))
		return SignatureFailed
	}
	sig, err := s.signer.Sign(payload)
	if err != nil {
		s.logger.Error("receipt signing failed", zap.String("tenant_id", tenantID), zap.Error(err))
		return SignatureFailed
	}
	return sig
}

func (s *LedgerService) persist(ctx context.Context, receipt *models.LedgerReceipt) {
	err := s.insert(ctx, receipt)
	if err == nil {
		return
	}
	s.logger.Error("receipt persistence failed, dead-lettering",
		zap.String("receipt_id", receipt.ID.String()),
		zap.String("tenant_id", receipt.TenantID),
		zap.Error(err))
	if s.dlq == nil {
		return
	}
	if err := s.dlq.Push(context.WithoutCancel(ctx), dlq.KindLedger, receipt, err); err != nil {
		s.logger.Error("receipt lost", zap.String("receipt_id", receipt.ID.String()), zap.Error(err))
	}
}

// insert stores the receipt and moves the durable head in one transaction.
// Receipts outside the chain never move the head.
func (s *LedgerService) insert(ctx context.Context, receipt *models.LedgerReceipt) error {
	write := func(ctx context.Context) error {
		if err := s.repo.Insert(ctx, receipt); err != nil {
			return err
		}
		if receipt.PrevHash == InterruptedHash {
			return nil
		}
		return s.repo.AdvanceHead(ctx, receipt)
	}
	if s.txm == nil {
		return write(ctx)
	}
	return s.txm.InTransaction(ctx, write)
}

func (s *LedgerService) countSpend(ctx context.Context, e Entry) {
	observability.SpendUSD.WithLabelValues(e.TenantID).Add(e.CostUSD)
	if s.rdb == nil {
		return
	}
	field := e.CostCenterID
	if field == "" {
		field = e.TenantID
	}
	if err := s.rdb.HIncrByFloat(ctx, SpendKey(e.TenantID, s.now()), field, e.CostUSD).Err(); err != nil {
		s.logger.Warn("spend counter update failed", zap.String("tenant_id", e.TenantID), zap.Error(err))
	}
}

// Replay re-inserts a dead-lettered receipt
func (s *LedgerService) Replay(ctx context.Context, payload json.RawMessage) error {
	var receipt models.LedgerReceipt
	if err := json.Unmarshal(payload, &receipt); err != nil {
		return fmt.Errorf("decode dead-lettered receipt: %w", err)
	}
	return s.insert(ctx, &receipt)
}

// VerifyChain checks a tenant's receipts, oldest first: each links to the
// previous content hash, each hash matches its payload and each signature
// verifies against publicKey.
func VerifyChain(receipts []*models.LedgerReceipt, publicKey ed25519.PublicKey) error {
	prev := GenesisHash
	for i, r := range receipts {
		if r.PrevHash != prev && r.PrevHash != InterruptedHash {
			return fmt.Errorf("%w at receipt %d (%s)", ErrChainBroken, i, r.ID)
		}
		if ContentHash(r.Payload) != r.ContentHash {
			return fmt.Errorf("%w at receipt %d (%s)", ErrHashMismatch, i, r.ID)
		}

		var body struct {
			PreviousHash string `json:"previous_hash"`
		}
		if err := json.Unmarshal(r.Payload, &body); err != nil || body.PreviousHash != r.PrevHash {
			return fmt.Errorf("%w at receipt %d (%s): payload link differs", ErrChainBroken, i, r.ID)
		}

		if r.Signature == SignatureFailed || strings.TrimSpace(r.Signature) == "" {
			return fmt.Errorf("%w at receipt %d (%s)", ErrUnsigned, i, r.ID)
		}
		if err := Verify(publicKey, r.Payload, r.Signature); err != nil {
			return fmt.Errorf("receipt %d (%s): %w", i, r.ID, err)
		}
		prev = r.ContentHash
	}
	return nil
}

func toMicros(usd float64) int64 {
	return int64(math.Round(usd * 1e6))
}
