package postgres

import (
	"context"
	"fmt"

	"github.com/upb/llm-gateway/models"
	"github.com/upb/llm-gateway/repositories"
	"go.uber.org/zap"
)

// PolicyRepository implements the repositories.PolicyRepository interface
type PolicyRepository struct {
	db     *DB
	logger *zap.Logger
}

// NewPolicyRepository creates a new policy repository
func NewPolicyRepository(db *DB, logger *zap.Logger) repositories.PolicyRepository {
	return &PolicyRepository{
		db:     db,
		logger: logger,
	}
}

// Create creates a new policy rule
func (r *PolicyRepository) Create(ctx context.Context, rule *models.PolicyRule) error {
	query := `
		INSERT INTO policy_rules (
			id, tenant_id, name, target_dept_id, target_role, condition,
			action, action_config, mode, priority, is_active, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
	`

	executor := GetExecutor(ctx, r.db)
	_, err := executor.ExecContext(ctx, query,
		rule.ID,
		rule.TenantID,
		rule.Name,
		rule.TargetDeptID,
		rule.TargetRole,
		rule.Condition,
		rule.Action,
		rule.ActionConfig,
		rule.Mode,
		rule.Priority,
		rule.IsActive,
		rule.CreatedAt,
		rule.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create policy rule: %w", err)
	}

	r.logger.Debug("policy rule created", zap.String("id", rule.ID.String()))
	return nil
}

// ListActive retrieves the active rule set of a tenant
func (r *PolicyRepository) ListActive(ctx context.Context, tenantID string) ([]*models.PolicyRule, error) {
	query := `
		SELECT id, tenant_id, name, target_dept_id, target_role, condition,
		       action, action_config, mode, priority, is_active, created_at, updated_at
		FROM policy_rules
		WHERE tenant_id = $1 AND is_active = true AND mode <> 'DISABLED'
		ORDER BY priority ASC, created_at ASC
	`

	executor := GetExecutor(ctx, r.db)
	rows, err := executor.QueryContext(ctx, query, tenantID)
	if err != nil {
		return nil, fmt.Errorf("failed to query policy rules: %w", err)
	}
	defer rows.Close()

	var rules []*models.PolicyRule
	for rows.Next() {
		rule := &models.PolicyRule{}
		if err := rows.Scan(
			&rule.ID,
			&rule.TenantID,
			&rule.Name,
			&rule.TargetDeptID,
			&rule.TargetRole,
			&rule.Condition,
			&rule.Action,
			&rule.ActionConfig,
			&rule.Mode,
			&rule.Priority,
			&rule.IsActive,
			&rule.CreatedAt,
			&rule.UpdatedAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan policy rule: %w", err)
		}
		rules = append(rules, rule)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating policy rules: %w", err)
	}

	return rules, nil
}
