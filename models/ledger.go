package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// LedgerReceipt is an immutable, signed, hash-chained settlement record
type LedgerReceipt struct {
	ID           uuid.UUID       `json:"id" db:"id"`
	TenantID     string          `json:"tenant_id" db:"tenant_id"`
	CostCenterID string          `json:"cost_center_id" db:"cost_center_id"`
	TraceID      string          `json:"trace_id" db:"trace_id"`
	Payload      json.RawMessage `json:"payload" db:"payload"` // canonical JSON, exactly what was signed
	Signature    string          `json:"signature" db:"signature"`
	ContentHash  string          `json:"content_hash" db:"content_hash"`
	PrevHash     string          `json:"prev_hash" db:"prev_hash"`
	CostMicros   int64           `json:"cost_micros" db:"cost_micros"`
	CacheHit     bool            `json:"cache_hit" db:"cache_hit"`
	CreatedAt    time.Time       `json:"created_at" db:"created_at"`
}

// TableName returns the table name for the LedgerReceipt model
func (LedgerReceipt) TableName() string {
	return "ledger_receipts"
}

// WalletTransaction is the durable copy of a fast-store charge
type WalletTransaction struct {
	ID        uuid.UUID `json:"id" db:"id"`
	TenantID  string    `json:"tenant_id" db:"tenant_id"`
	DeptID    string    `json:"dept_id" db:"dept_id"`
	UserID    string    `json:"user_id" db:"user_id"`
	TraceID   string    `json:"trace_id" db:"trace_id"`
	AmountUSD float64   `json:"amount_usd" db:"amount_usd"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
}

// TableName returns the table name for the WalletTransaction model
func (WalletTransaction) TableName() string {
	return "wallet_transactions"
}

// NewWalletTransaction creates a charge record
func NewWalletTransaction(tenantID, deptID, userID, traceID string, amount float64) *WalletTransaction {
	return &WalletTransaction{
		ID:        uuid.New(),
		TenantID:  tenantID,
		DeptID:    deptID,
		UserID:    userID,
		TraceID:   traceID,
		AmountUSD: amount,
		CreatedAt: time.Now(),
	}
}

// RiskTier buckets a trust score for reporting
type RiskTier string

const (
	RiskTierLow    RiskTier = "LOW"
	RiskTierMedium RiskTier = "MEDIUM"
	RiskTierHigh   RiskTier = "HIGH"
)

// RiskTierFor maps a trust score to its tier
func RiskTierFor(score int) RiskTier {
	switch {
	case score < 30:
		return RiskTierHigh
	case score < 70:
		return RiskTierMedium
	default:
		return RiskTierLow
	}
}

// TrustEvent records a trust score adjustment
type TrustEvent struct {
	ID            uuid.UUID `json:"id" db:"id"`
	TenantID      string    `json:"tenant_id" db:"tenant_id"`
	UserID        string    `json:"user_id" db:"user_id"`
	PreviousScore int       `json:"previous_score" db:"previous_score"`
	NewScore      int       `json:"new_score" db:"new_score"`
	Delta         int       `json:"delta" db:"delta"`
	Reason        string    `json:"reason" db:"reason"`
	RiskTier      RiskTier  `json:"risk_tier" db:"risk_tier"`
	CreatedAt     time.Time `json:"created_at" db:"created_at"`
}

// TableName returns the table name for the TrustEvent model
func (TrustEvent) TableName() string {
	return "trust_events"
}
