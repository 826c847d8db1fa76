package repositories

import (
	"context"

	"github.com/upb/llm-gateway/models"
)

// TransactionManager groups repository writes. Repositories called with the
// ctx handed to fn take part in the transaction.
type TransactionManager interface {
	InTransaction(ctx context.Context, fn func(ctx context.Context) error) error
}

// PolicyRepository reads governance rules
type PolicyRepository interface {
	// ListActive returns active, non-disabled rules for a tenant in ascending priority order
	ListActive(ctx context.Context, tenantID string) ([]*models.PolicyRule, error)

	// Create stores a new rule
	Create(ctx context.Context, rule *models.PolicyRule) error
}

// AuditRepository is the append-only pipeline audit trail
type AuditRepository interface {
	Insert(ctx context.Context, log *models.AuditLog) error
	GetByTraceID(ctx context.Context, traceID string) ([]*models.AuditLog, error)
}

// LedgerRepository stores signed settlement receipts
type LedgerRepository interface {
	// Insert appends a receipt; it is never updated afterwards
	Insert(ctx context.Context, receipt *models.LedgerReceipt) error

	// ListByTenant returns a tenant's receipts oldest first
	ListByTenant(ctx context.Context, tenantID string, limit int) ([]*models.LedgerReceipt, error)

	// AdvanceHead records receipt as the tenant's durable chain head unless a
	// newer receipt already holds it
	AdvanceHead(ctx context.Context, receipt *models.LedgerReceipt) error

	// Head returns the durable chain head, or "" for a tenant with no receipts
	Head(ctx context.Context, tenantID string) (string, error)
}

// WalletRepository stores the durable copy of wallet charges
type WalletRepository interface {
	InsertTransaction(ctx context.Context, tx *models.WalletTransaction) error
}

// TrustEventRepository stores trust score adjustments
type TrustEventRepository interface {
	Insert(ctx context.Context, event *models.TrustEvent) error
}

// VectorStore is the k-NN index behind the semantic cache
type VectorStore interface {
	// Search returns up to k entries visible to tenantID (own or shareable), most similar first
	Search(ctx context.Context, tenantID string, vector []float32, k int) ([]models.VectorMatch, error)

	// Upsert stores an entry keyed by its ID
	Upsert(ctx context.Context, entry models.CacheEntry, vector []float32) error
}

// Repositories aggregates all repository implementations
type Repositories struct {
	Policies    PolicyRepository
	AuditLogs   AuditRepository
	Ledger      LedgerRepository
	Wallets     WalletRepository
	TrustEvents TrustEventRepository
}
