// Package budget guards spend with hierarchical wallets and a burn-rate kill switch.
package budget

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/upb/llm-gateway/internal/observability"
	"github.com/upb/llm-gateway/models"
	"github.com/upb/llm-gateway/repositories"
	"github.com/upb/llm-gateway/services"
	"github.com/upb/llm-gateway/services/dlq"
	"github.com/upb/llm-gateway/services/events"
	"github.com/upb/llm-gateway/services/worker"
	"go.uber.org/zap"
)

// Level is one tier of the wallet hierarchy
type Level string

const (
	LevelTenant Level = "tenant"
	LevelDept   Level = "dept"
	LevelUser   Level = "user"
)

// InternalErrorMessage is the deny reason when the wallet store fails
const InternalErrorMessage = "Internal Budget Check Error"

// WalletKey returns the fast-store key of a wallet. Department and user
// wallets are namespaced by tenant; id is ignored for the tenant wallet.
func WalletKey(tenantID string, level Level, id string) string {
	if level == LevelTenant {
		return "wallet:tenant:" + tenantID
	}
	return "wallet:" + string(level) + ":" + tenantID + ":" + id
}

func killSwitchKey(tenant string) string { return "kill_switch:" + tenant }
func freezeKey(tenant string) string     { return "freeze:" + tenant }
func velocityKey(tenant string) string   { return "velocity:" + tenant }
func limitKey(tenant string) string      { return "limit:tenant:" + tenant }

// KILL: manual switch, FROZEN: existing freeze, TRIPPED: this call froze the tenant.
var velocityScript = redis.NewScript(`
if redis.call("EXISTS", KEYS[1]) == 1 then
  return {"KILL", "0"}
end
local pttl = redis.call("PTTL", KEYS[2])
if pttl > 0 then
  return {"FROZEN", tostring(pttl)}
end
local spent = tonumber(redis.call("GET", KEYS[3]) or "0") or 0
local limit = tonumber(redis.call("GET", KEYS[4]) or "") or tonumber(ARGV[2])
local threshold = math.max(limit * tonumber(ARGV[3]), tonumber(ARGV[4]))
local projected = spent + tonumber(ARGV[1])
if projected > threshold then
  redis.call("SET", KEYS[2], "velocity", "PX", ARGV[5])
  return {"TRIPPED", tostring(projected), tostring(threshold)}
end
return {"OK", tostring(spent), tostring(threshold)}
`)

// All three wallets and the accumulator move together or not at all.
var chargeScript = redis.NewScript(`
for i = 1, 4 do
  local v = redis.call("GET", KEYS[i])
  if v and not tonumber(v) then
    return redis.error_reply("non-numeric value at " .. KEYS[i])
  end
end
local t = redis.call("INCRBYFLOAT", KEYS[1], ARGV[1])
local d = redis.call("INCRBYFLOAT", KEYS[2], ARGV[1])
local u = redis.call("INCRBYFLOAT", KEYS[3], ARGV[1])
local v = redis.call("INCRBYFLOAT", KEYS[4], ARGV[2])
if redis.call("PTTL", KEYS[4]) < 0 then
  redis.call("PEXPIRE", KEYS[4], ARGV[3])
end
return {t, d, u, v}
`)

// Config controls the velocity kill switch
type Config struct {
	DefaultMonthlyLimit float64
	VelocityRatio       float64
	VelocityFloor       float64
	VelocityWindow      time.Duration
	FreezeDuration      time.Duration
}

// DefaultConfig returns the production settings
func DefaultConfig() Config {
	return Config{
		DefaultMonthlyLimit: 1000,
		VelocityRatio:       0.10,
		VelocityFloor:       1.0,
		VelocityWindow:      60 * time.Second,
		FreezeDuration:      5 * time.Minute,
	}
}

// Balances are the three wallet balances of an identity
type Balances struct {
	Tenant float64
	Dept   float64
	User   float64
}

// BudgetService is the fast-store spend guard
type BudgetService struct {
	rdb     redis.UniversalClient
	wallets repositories.WalletRepository
	pool    worker.Submitter
	dlq     dlq.Sink
	events  events.Publisher
	config  Config
	logger  *zap.Logger
}

// NewBudgetService creates a new BudgetService instance
func NewBudgetService(rdb redis.UniversalClient, wallets repositories.WalletRepository, pool worker.Submitter, sink dlq.Sink, publisher events.Publisher, config Config, logger *zap.Logger) *BudgetService {
	if publisher == nil {
		publisher = events.NopPublisher{}
	}
	if pool == nil {
		pool = worker.Inline{}
	}
	return &BudgetService{
		rdb:     rdb,
		wallets: wallets,
		pool:    pool,
		dlq:     sink,
		events:  publisher,
		config:  config,
		logger:  logger,
	}
}

// Check runs the velocity gate and then the hierarchical wallet check.
// A nil error means the spend is allowed.
func (s *BudgetService) Check(ctx context.Context, id models.Identity, estimatedCost float64) error {
	if err := s.CheckVelocity(ctx, id, estimatedCost); err != nil {
		return err
	}
	return s.CheckHierarchicalBudget(ctx, id, estimatedCost)
}

// Balances reads all three wallets in one round trip. Missing wallets read as zero.
func (s *BudgetService) Balances(ctx context.Context, id models.Identity) (Balances, error) {
	vals, err := s.rdb.MGet(ctx,
		WalletKey(id.TenantID, LevelTenant, ""),
		WalletKey(id.TenantID, LevelDept, id.DeptID),
		WalletKey(id.TenantID, LevelUser, id.UserID),
	).Result()
	if err != nil {
		return Balances{}, err
	}

	parsed := make([]float64, 3)
	for i, v := range vals {
		if v == nil {
			continue
		}
		str, ok := v.(string)
		if !ok {
			return Balances{}, fmt.Errorf("unexpected wallet value %T", v)
		}
		f, err := strconv.ParseFloat(str, 64)
		if err != nil {
			return Balances{}, fmt.Errorf("corrupt wallet balance %q: %w", str, err)
		}
		parsed[i] = f
	}
	return Balances{Tenant: parsed[0], Dept: parsed[1], User: parsed[2]}, nil
}

// CheckHierarchicalBudget denies when any wallet is below the estimate,
// reporting the most actionable level: user, then department, then tenant.
func (s *BudgetService) CheckHierarchicalBudget(ctx context.Context, id models.Identity, estimatedCost float64) error {
	b, err := s.Balances(ctx, id)
	if err != nil {
		s.logger.Error("budget store unavailable, failing closed",
			zap.String("tenant_id", id.TenantID), zap.Error(err))
		return services.NewDomainError(services.ErrorTypeInternal, InternalErrorMessage, err)
	}

	var denial *services.DomainError
	switch {
	case b.User < estimatedCost:
		denial = services.NewDomainError(services.ErrorTypeBudgetExceeded,
			fmt.Sprintf("Personal allowance for %s exhausted", id.Email), nil).
			WithDetail("level", string(LevelUser))
	case b.Dept < estimatedCost:
		denial = services.NewDomainError(services.ErrorTypeBudgetExceeded,
			fmt.Sprintf("Department '%s' budget exceeded", id.DeptID), nil).
			WithDetail("level", string(LevelDept))
	case b.Tenant < estimatedCost:
		denial = services.NewDomainError(services.ErrorTypeBudgetExceeded,
			"Corporate funds exhausted", nil).
			WithDetail("level", string(LevelTenant))
	default:
		return nil
	}

	s.logger.Info("budget deny",
		zap.String("tenant_id", id.TenantID),
		zap.String("user_id", id.UserID),
		zap.Float64("estimated_cost", estimatedCost),
		zap.String("reason", denial.Message))
	return denial
}

// CheckVelocity denies kill-switched or frozen tenants, and freezes a tenant
// whose per-window spend plus the estimate exceeds max(limit*ratio, floor).
func (s *BudgetService) CheckVelocity(ctx context.Context, id models.Identity, estimatedCost float64) error {
	tenant := id.TenantID
	res, err := velocityScript.Run(ctx, s.rdb,
		[]string{killSwitchKey(tenant), freezeKey(tenant), velocityKey(tenant), limitKey(tenant)},
		formatAmount(estimatedCost),
		formatAmount(s.config.DefaultMonthlyLimit),
		formatAmount(s.config.VelocityRatio),
		formatAmount(s.config.VelocityFloor),
		s.config.FreezeDuration.Milliseconds(),
	).StringSlice()
	if err != nil {
		s.logger.Error("velocity store unavailable, failing closed",
			zap.String("tenant_id", tenant), zap.Error(err))
		return services.NewDomainError(services.ErrorTypeInternal, InternalErrorMessage, err)
	}

	switch res[0] {
	case "KILL":
		return services.NewDomainError(services.ErrorTypeVelocityExceeded, "Tenant kill switch engaged", nil).
			WithCode(services.CodeTenantFrozen)
	case "FROZEN":
		ms, _ := strconv.ParseInt(res[1], 10, 64)
		return services.NewDomainError(services.ErrorTypeVelocityExceeded, "Tenant frozen by spend velocity guard", nil).
			WithCode(services.CodeTenantFrozen).
			WithDetail("retry_after_seconds", int(math.Ceil(float64(ms)/1000)))
	case "TRIPPED":
		projected, _ := strconv.ParseFloat(res[1], 64)
		threshold, _ := strconv.ParseFloat(res[2], 64)
		s.tripped(ctx, id, projected, threshold)
		return services.NewDomainError(services.ErrorTypeVelocityExceeded, "Spend velocity exceeded, tenant frozen", nil).
			WithDetail("retry_after_seconds", int(s.config.FreezeDuration.Seconds())).
			WithDetail("spend_per_window", projected).
			WithDetail("threshold", threshold)
	}
	return nil
}

func (s *BudgetService) tripped(ctx context.Context, id models.Identity, projected, threshold float64) {
	observability.KillSwitchTrips.WithLabelValues(id.TenantID).Inc()
	s.logger.Warn("velocity kill switch triggered",
		zap.String("tenant_id", id.TenantID),
		zap.Float64("spend_per_window", projected),
		zap.Float64("threshold", threshold),
		zap.Duration("freeze", s.config.FreezeDuration))

	event := events.Event{
		Type:     events.TypeKillSwitchTriggered,
		TenantID: id.TenantID,
		UserID:   id.UserID,
		Severity: events.SeverityCritical,
		Payload: map[string]interface{}{
			"spend_per_window": projected,
			"threshold":        threshold,
			"freeze_seconds":   int(s.config.FreezeDuration.Seconds()),
		},
		At: time.Now().UTC(),
	}
	_ = s.pool.Submit(worker.Task{
		Name: "publish_kill_switch",
		Run: func(ctx context.Context) error {
			return s.events.Publish(ctx, event)
		},
	})
}

// Charge decrements all three wallets and the velocity accumulator atomically,
// then persists the durable record in the background.
func (s *BudgetService) Charge(ctx context.Context, id models.Identity, traceID string, actualCost float64) (Balances, error) {
	if actualCost <= 0 {
		return Balances{}, nil
	}

	res, err := chargeScript.Run(ctx, s.rdb,
		[]string{
			WalletKey(id.TenantID, LevelTenant, ""),
			WalletKey(id.TenantID, LevelDept, id.DeptID),
			WalletKey(id.TenantID, LevelUser, id.UserID),
			velocityKey(id.TenantID),
		},
		formatAmount(-actualCost),
		formatAmount(actualCost),
		s.config.VelocityWindow.Milliseconds(),
	).StringSlice()
	if err != nil {
		s.logger.Error("wallet charge failed", zap.String("tenant_id", id.TenantID), zap.Error(err))
		return Balances{}, fmt.Errorf("failed to charge wallets: %w", err)
	}

	var b Balances
	b.Tenant, _ = strconv.ParseFloat(res[0], 64)
	b.Dept, _ = strconv.ParseFloat(res[1], 64)
	b.User, _ = strconv.ParseFloat(res[2], 64)

	s.persist(models.NewWalletTransaction(id.TenantID, id.DeptID, id.UserID, traceID, actualCost))
	return b, nil
}

func (s *BudgetService) persist(tx *models.WalletTransaction) {
	if s.wallets == nil {
		return
	}
	_ = s.pool.Submit(worker.Task{
		Name: "wallet_transaction",
		Run: func(ctx context.Context) error {
			return s.wallets.InsertTransaction(ctx, tx)
		},
		OnFailure: func(err error) {
			if s.dlq == nil {
				return
			}
			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			_ = s.dlq.Push(ctx, dlq.KindWallet, tx, err)
		},
	})
}

// Replay re-inserts a dead-lettered wallet transaction. The Redis wallets
// were already charged, so only the durable row is written.
func (s *BudgetService) Replay(ctx context.Context, payload json.RawMessage) error {
	if s.wallets == nil {
		return fmt.Errorf("no wallet repository configured")
	}
	var tx models.WalletTransaction
	if err := json.Unmarshal(payload, &tx); err != nil {
		return fmt.Errorf("decode dead-lettered wallet transaction: %w", err)
	}
	return s.wallets.InsertTransaction(ctx, &tx)
}

// TopUp credits one wallet of tenant and returns its new balance
func (s *BudgetService) TopUp(ctx context.Context, tenant string, level Level, id string, amount float64) (float64, error) {
	switch level {
	case LevelTenant:
	case LevelDept, LevelUser:
		if id == "" {
			return 0, services.NewDomainError(services.ErrorTypeValidation, "wallet id is required", nil).
				WithDetail("level", string(level))
		}
	default:
		return 0, services.NewDomainError(services.ErrorTypeValidation, "unknown wallet level", nil).
			WithDetail("level", string(level))
	}
	if amount <= 0 {
		return 0, services.NewDomainError(services.ErrorTypeValidation, "top-up amount must be positive", nil)
	}

	bal, err := s.rdb.IncrByFloat(ctx, WalletKey(tenant, level, id), amount).Result()
	if err != nil {
		return 0, services.WrapInternal("wallet top-up failed", err)
	}
	s.logger.Info("wallet topped up",
		zap.String("tenant_id", tenant),
		zap.String("level", string(level)),
		zap.String("wallet_id", id),
		zap.Float64("amount", amount),
		zap.Float64("balance", bal))
	return bal, nil
}

// SetMonthlyLimit overrides the velocity base limit of a tenant
func (s *BudgetService) SetMonthlyLimit(ctx context.Context, tenant string, limit float64) error {
	return s.rdb.Set(ctx, limitKey(tenant), formatAmount(limit), 0).Err()
}

// SetKillSwitch engages or releases the manual kill switch of a tenant
func (s *BudgetService) SetKillSwitch(ctx context.Context, tenant string, engaged bool, ttl time.Duration) error {
	if !engaged {
		return s.rdb.Del(ctx, killSwitchKey(tenant)).Err()
	}
	return s.rdb.Set(ctx, killSwitchKey(tenant), "block", ttl).Err()
}

// Unfreeze lifts a velocity freeze early
func (s *BudgetService) Unfreeze(ctx context.Context, tenant string) error {
	return s.rdb.Del(ctx, freezeKey(tenant)).Err()
}

func formatAmount(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}
