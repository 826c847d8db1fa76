package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// PolicyAction is what a matching rule does to the request
type PolicyAction string

const (
	PolicyActionAllow           PolicyAction = "ALLOW"
	PolicyActionBlock           PolicyAction = "BLOCK"
	PolicyActionDowngrade       PolicyAction = "DOWNGRADE"
	PolicyActionCapTokens       PolicyAction = "CAP_TOKENS"
	PolicyActionRequireApproval PolicyAction = "REQUIRE_APPROVAL"
)

// PolicyMode controls whether a match alters the outcome
type PolicyMode string

const (
	PolicyModeShadow   PolicyMode = "SHADOW"
	PolicyModeEnforce  PolicyMode = "ENFORCE"
	PolicyModeDisabled PolicyMode = "DISABLED"
)

// PolicyRule is a declarative governance rule scoped to a tenant
type PolicyRule struct {
	ID           uuid.UUID       `json:"id" db:"id"`
	TenantID     string          `json:"tenant_id" db:"tenant_id"`
	Name         string          `json:"name" db:"name"`
	TargetDeptID *string         `json:"target_dept_id,omitempty" db:"target_dept_id"` // nil or "*" matches all
	TargetRole   *string         `json:"target_role,omitempty" db:"target_role"`       // nil or "*" matches all
	Condition    json.RawMessage `json:"condition" db:"condition"`
	Action       PolicyAction    `json:"action" db:"action"`
	ActionConfig json.RawMessage `json:"action_config,omitempty" db:"action_config"`
	Mode         PolicyMode      `json:"mode" db:"mode"`
	Priority     int             `json:"priority" db:"priority"`
	IsActive     bool            `json:"is_active" db:"is_active"`
	CreatedAt    time.Time       `json:"created_at" db:"created_at"`
	UpdatedAt    time.Time       `json:"updated_at" db:"updated_at"`
}

// TableName returns the table name for the PolicyRule model
func (PolicyRule) TableName() string {
	return "policy_rules"
}

// NewPolicyRule creates an active ENFORCE rule
func NewPolicyRule(tenantID, name string, condition json.RawMessage, action PolicyAction, priority int) *PolicyRule {
	now := time.Now()
	return &PolicyRule{
		ID:        uuid.New(),
		TenantID:  tenantID,
		Name:      name,
		Condition: condition,
		Action:    action,
		Mode:      PolicyModeEnforce,
		Priority:  priority,
		IsActive:  true,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// DowngradeConfig is the action_config of a DOWNGRADE rule
type DowngradeConfig struct {
	TargetModel string `json:"target_model"`
}

// CapTokensConfig is the action_config of a CAP_TOKENS rule
type CapTokensConfig struct {
	MaxTokens int `json:"max_tokens"`
}
