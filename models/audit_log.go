package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// AuditAction represents the type of action being audited
type AuditAction string

const (
	AuditActionPolicyShadowHit  AuditAction = "POLICY_SHADOW_HIT"
	AuditActionPolicyEnforced   AuditAction = "POLICY_ENFORCEMENT"
	AuditActionSafetyLate       AuditAction = "SAFETY_LATE_VERDICT"
	AuditActionKillSwitch       AuditAction = "KILL_SWITCH_TRIGGERED"
	AuditActionDegradedResponse AuditAction = "DEGRADED_RESPONSE"
)

// AuditLog represents an audit trail entry produced by the pipeline
type AuditLog struct {
	ID        uuid.UUID       `json:"id" db:"id"`
	TenantID  string          `json:"tenant_id" db:"tenant_id"`
	UserID    *string         `json:"user_id,omitempty" db:"user_id"`
	TraceID   string          `json:"trace_id" db:"trace_id"`
	Action    AuditAction     `json:"action" db:"action"`
	Details   json.RawMessage `json:"details" db:"details"`
	Timestamp time.Time       `json:"timestamp" db:"timestamp"`
}

// TableName returns the table name for the AuditLog model
func (AuditLog) TableName() string {
	return "audit_logs"
}

// NewAuditLog creates a new AuditLog instance
func NewAuditLog(tenantID, traceID string, action AuditAction) *AuditLog {
	return &AuditLog{
		ID:        uuid.New(),
		TenantID:  tenantID,
		TraceID:   traceID,
		Action:    action,
		Timestamp: time.Now(),
	}
}

// WithUser sets the user ID
func (a *AuditLog) WithUser(userID string) *AuditLog {
	if userID != "" {
		a.UserID = &userID
	}
	return a
}

// WithDetails sets the details
func (a *AuditLog) WithDetails(details interface{}) *AuditLog {
	if data, err := json.Marshal(details); err == nil {
		a.Details = data
	}
	return a
}
