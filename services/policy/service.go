// Package policy evaluates tenant governance rules against a request.
package policy

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/upb/llm-gateway/models"
	"github.com/upb/llm-gateway/repositories"
	"github.com/upb/llm-gateway/services"
	"go.uber.org/zap"
)

const (
	// DefaultDowngradeModel is used by DOWNGRADE rules without a target
	DefaultDowngradeModel = "agentshield-eco"

	// DefaultTokenCap is used by CAP_TOKENS rules without a limit
	DefaultTokenCap = 1024
)

// EvaluationRequest represents a request to evaluate policies
type EvaluationRequest struct {
	TenantID string
	Facts    Facts
}

// Hit is one matching rule
type Hit struct {
	RuleID   string              `json:"rule_id"`
	Name     string              `json:"name"`
	Action   models.PolicyAction `json:"action"`
	Mode     models.PolicyMode   `json:"mode"`
	Priority int                 `json:"priority"`
}

// EvaluationResult represents the result of policy evaluation
type EvaluationResult struct {
	Blocked          bool
	RequiresApproval bool
	Action           models.PolicyAction
	Reason           string
	EffectiveModel   string // empty when no rule changed the model
	MaxTokens        int    // zero when no rule capped output
	Enforced         []Hit
	ShadowHits       []Hit
}

// PolicyService handles policy evaluation and management
type PolicyService struct {
	policyRepo repositories.PolicyRepository
	cache      *RuleCache
	logger     *zap.Logger
}

// NewPolicyService creates a new PolicyService instance. cache may be nil.
func NewPolicyService(policyRepo repositories.PolicyRepository, cache *RuleCache, logger *zap.Logger) *PolicyService {
	return &PolicyService{
		policyRepo: policyRepo,
		cache:      cache,
		logger:     logger,
	}
}

// Evaluate runs the tenant's rules in priority order. The first enforced
// BLOCK or REQUIRE_APPROVAL stops evaluation; DOWNGRADE and CAP_TOKENS
// accumulate; SHADOW matches are only reported.
func (s *PolicyService) Evaluate(ctx context.Context, req EvaluationRequest) (*EvaluationResult, error) {
	rules, err := s.rules(ctx, req.TenantID)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch policies: %w", err)
	}

	result := &EvaluationResult{Action: models.PolicyActionAllow}

	for _, rule := range rules {
		if !rule.IsActive || rule.Mode == models.PolicyModeDisabled {
			continue
		}
		if !targets(rule.TargetDeptID, req.Facts.DeptID) || !targets(rule.TargetRole, req.Facts.Role) {
			continue
		}

		cond, err := ParseCondition(rule.Condition)
		if err != nil {
			s.logger.Warn("skipping policy with invalid condition",
				zap.String("policy_id", rule.ID.String()),
				zap.String("tenant_id", req.TenantID),
				zap.Error(err))
			continue
		}
		if !cond.Matches(req.Facts) {
			continue
		}

		hit := Hit{RuleID: rule.ID.String(), Name: rule.Name, Action: rule.Action, Mode: rule.Mode, Priority: rule.Priority}

		if rule.Mode == models.PolicyModeShadow {
			s.logger.Info("policy shadow hit", zap.String("policy", rule.Name), zap.String("tenant_id", req.TenantID))
			result.ShadowHits = append(result.ShadowHits, hit)
			continue
		}

		result.Enforced = append(result.Enforced, hit)
		s.logger.Info("policy enforced",
			zap.String("policy", rule.Name),
			zap.String("action", string(rule.Action)),
			zap.String("tenant_id", req.TenantID))

		switch rule.Action {
		case models.PolicyActionBlock:
			result.Blocked = true
			result.Action = models.PolicyActionBlock
			result.Reason = "Blocked by policy: " + rule.Name
			return result, nil

		case models.PolicyActionRequireApproval:
			result.Blocked = true
			result.RequiresApproval = true
			result.Action = models.PolicyActionRequireApproval
			result.Reason = "Approval required by policy: " + rule.Name
			return result, nil

		case models.PolicyActionDowngrade:
			var cfg models.DowngradeConfig
			s.decodeConfig(rule, req.TenantID, &cfg)
			if cfg.TargetModel == "" {
				cfg.TargetModel = DefaultDowngradeModel
			}
			result.Action = models.PolicyActionDowngrade
			result.EffectiveModel = cfg.TargetModel
			result.Reason = "Downgraded by policy: " + rule.Name

		case models.PolicyActionCapTokens:
			var cfg models.CapTokensConfig
			s.decodeConfig(rule, req.TenantID, &cfg)
			if cfg.MaxTokens <= 0 {
				cfg.MaxTokens = DefaultTokenCap
			}
			if result.MaxTokens == 0 || cfg.MaxTokens < result.MaxTokens {
				result.MaxTokens = cfg.MaxTokens
			}
			if result.Action == models.PolicyActionAllow {
				result.Action = models.PolicyActionCapTokens
			}
			result.Reason = fmt.Sprintf("Output capped to %d tokens by policy: %s", result.MaxTokens, rule.Name)
		}
	}

	return result, nil
}

func (s *PolicyService) rules(ctx context.Context, tenantID string) ([]*models.PolicyRule, error) {
	if s.cache != nil {
		rules, found, err := s.cache.Get(ctx, tenantID)
		if err != nil {
			s.logger.Warn("policy cache read failed, loading from database", zap.Error(err))
		} else if found {
			return rules, nil
		}
	}

	rules, err := s.policyRepo.ListActive(ctx, tenantID)
	if err != nil {
		return nil, err
	}

	if s.cache != nil {
		if err := s.cache.Set(ctx, tenantID, rules); err != nil {
			s.logger.Warn("policy cache write failed", zap.Error(err))
		}
	}
	return rules, nil
}

// CreateRule stores a rule after validating its condition and drops the tenant cache
func (s *PolicyService) CreateRule(ctx context.Context, rule *models.PolicyRule) error {
	if _, err := ParseCondition(rule.Condition); err != nil {
		return services.NewDomainError(services.ErrorTypeValidation, "invalid policy condition", err).
			WithDetail("condition", err.Error())
	}
	if err := s.policyRepo.Create(ctx, rule); err != nil {
		return services.WrapInternal("failed to store policy rule", err)
	}
	s.InvalidateCache(ctx, rule.TenantID)
	return nil
}

// InvalidateCache drops the tenant's cached rules
func (s *PolicyService) InvalidateCache(ctx context.Context, tenantID string) {
	if s.cache == nil {
		return
	}
	if err := s.cache.Invalidate(ctx, tenantID); err != nil {
		s.logger.Warn("policy cache invalidation failed", zap.String("tenant_id", tenantID), zap.Error(err))
	}
}

// nil or "*" targets everyone
func targets(target *string, actual string) bool {
	if target == nil || *target == "" || *target == "*" {
		return true
	}
	return *target == actual
}

// decodeConfig leaves v at its zero value when the rule's action config is
// missing or malformed
func (s *PolicyService) decodeConfig(rule *models.PolicyRule, tenantID string, v interface{}) {
	if len(rule.ActionConfig) == 0 {
		return
	}
	if err := json.Unmarshal(rule.ActionConfig, v); err != nil {
		s.logger.Warn("ignoring malformed policy action config",
			zap.String("policy_id", rule.ID.String()),
			zap.String("tenant_id", tenantID),
			zap.Error(err))
	}
}
