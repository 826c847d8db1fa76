package models

import (
	"encoding/json"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewPolicyRule(t *testing.T) {
	cond := json.RawMessage(`{"max_cost":1.5}`)
	rule := NewPolicyRule("tenant-1", "cap high cost", cond, PolicyActionBlock, 10)

	assert.NotEqual(t, uuid.Nil, rule.ID)
	assert.Equal(t, "tenant-1", rule.TenantID)
	assert.Equal(t, PolicyModeEnforce, rule.Mode)
	assert.True(t, rule.IsActive)
	assert.Nil(t, rule.TargetDeptID)
	assert.Equal(t, "policy_rules", rule.TableName())
}

func TestAuditLog_Builder(t *testing.T) {
	log := NewAuditLog("tenant-1", "trc_abc", AuditActionPolicyShadowHit).
		WithUser("user-1").
		WithDetails(map[string]string{"rule": "r1"})

	require.NotNil(t, log.UserID)
	assert.Equal(t, "user-1", *log.UserID)
	assert.JSONEq(t, `{"rule":"r1"}`, string(log.Details))
	assert.Equal(t, "audit_logs", log.TableName())

	anon := NewAuditLog("tenant-1", "trc_abc", AuditActionSafetyLate).WithUser("")
	assert.Nil(t, anon.UserID)
}

func TestRiskTierFor(t *testing.T) {
	tests := []struct {
		score int
		want  RiskTier
	}{
		{0, RiskTierHigh},
		{29, RiskTierHigh},
		{30, RiskTierMedium},
		{69, RiskTierMedium},
		{70, RiskTierLow},
		{100, RiskTierLow},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, RiskTierFor(tt.score), "score %d", tt.score)
	}
}

func TestNewWalletTransaction(t *testing.T) {
	tx := NewWalletTransaction("t", "d", "u", "trc_1", 0.25)
	assert.NotEqual(t, uuid.Nil, tx.ID)
	assert.Equal(t, 0.25, tx.AmountUSD)
	assert.False(t, tx.CreatedAt.IsZero())
	assert.Equal(t, "wallet_transactions", tx.TableName())
}
