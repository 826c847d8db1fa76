package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/upb/llm-gateway/models"
	"github.com/upb/llm-gateway/repositories"
	"go.uber.org/zap"
)

// LedgerRepository implements repositories.LedgerRepository
type LedgerRepository struct {
	db     *DB
	logger *zap.Logger
}

// NewLedgerRepository creates a new ledger repository
func NewLedgerRepository(db *DB, logger *zap.Logger) repositories.LedgerRepository {
	return &LedgerRepository{db: db, logger: logger}
}

// Insert appends a receipt
func (r *LedgerRepository) Insert(ctx context.Context, receipt *models.LedgerReceipt) error {
	query := `
		INSERT INTO ledger_receipts (
			id, tenant_id, cost_center_id, trace_id, payload, signature,
			content_hash, prev_hash, cost_micros, cache_hit, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`

	executor := GetExecutor(ctx, r.db)
	_, err := executor.ExecContext(ctx, query,
		receipt.ID,
		receipt.TenantID,
		receipt.CostCenterID,
		receipt.TraceID,
		receipt.Payload,
		receipt.Signature,
		receipt.ContentHash,
		receipt.PrevHash,
		receipt.CostMicros,
		receipt.CacheHit,
		receipt.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert ledger receipt: %w", err)
	}

	r.logger.Debug("ledger receipt inserted",
		zap.String("id", receipt.ID.String()),
		zap.String("tenant_id", receipt.TenantID))
	return nil
}

// ListByTenant returns receipts oldest first
func (r *LedgerRepository) ListByTenant(ctx context.Context, tenantID string, limit int) ([]*models.LedgerReceipt, error) {
	query := `
		SELECT id, tenant_id, cost_center_id, trace_id, payload, signature,
		       content_hash, prev_hash, cost_micros, cache_hit, created_at
		FROM ledger_receipts
		WHERE tenant_id = $1
		ORDER BY created_at ASC
		LIMIT $2
	`

	executor := GetExecutor(ctx, r.db)
	rows, err := executor.QueryContext(ctx, query, tenantID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query ledger receipts: %w", err)
	}
	defer rows.Close()

	var receipts []*models.LedgerReceipt
	for rows.Next() {
		rc := &models.LedgerReceipt{}
		if err := rows.Scan(
			&rc.ID, &rc.TenantID, &rc.CostCenterID, &rc.TraceID, &rc.Payload, &rc.Signature,
			&rc.ContentHash, &rc.PrevHash, &rc.CostMicros, &rc.CacheHit, &rc.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan ledger receipt: %w", err)
		}
		receipts = append(receipts, rc)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating ledger receipts: %w", err)
	}

	return receipts, nil
}

// AdvanceHead upserts the tenant's durable chain head. Replayed receipts
// older than the stored head leave it in place.
func (r *LedgerRepository) AdvanceHead(ctx context.Context, receipt *models.LedgerReceipt) error {
	query := `
		INSERT INTO ledger_heads (tenant_id, head_hash, receipt_id, updated_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (tenant_id) DO UPDATE
		SET head_hash = EXCLUDED.head_hash,
		    receipt_id = EXCLUDED.receipt_id,
		    updated_at = EXCLUDED.updated_at
		WHERE ledger_heads.updated_at <= EXCLUDED.updated_at
	`

	executor := GetExecutor(ctx, r.db)
	if _, err := executor.ExecContext(ctx, query,
		receipt.TenantID, receipt.ContentHash, receipt.ID, receipt.CreatedAt,
	); err != nil {
		return fmt.Errorf("failed to advance ledger head: %w", err)
	}
	return nil
}

// Head returns the durable chain head of a tenant
func (r *LedgerRepository) Head(ctx context.Context, tenantID string) (string, error) {
	var head string
	err := GetExecutor(ctx, r.db).
		QueryRowContext(ctx, `SELECT head_hash FROM ledger_heads WHERE tenant_id = $1`, tenantID).
		Scan(&head)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to read ledger head: %w", err)
	}
	return head, nil
}

// WalletRepository implements repositories.WalletRepository
type WalletRepository struct {
	db     *DB
	logger *zap.Logger
}

// NewWalletRepository creates a new wallet repository
func NewWalletRepository(db *DB, logger *zap.Logger) repositories.WalletRepository {
	return &WalletRepository{db: db, logger: logger}
}

// InsertTransaction stores a settled charge
func (r *WalletRepository) InsertTransaction(ctx context.Context, tx *models.WalletTransaction) error {
	query := `
		INSERT INTO wallet_transactions (id, tenant_id, dept_id, user_id, trace_id, amount_usd, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`

	executor := GetExecutor(ctx, r.db)
	if _, err := executor.ExecContext(ctx, query,
		tx.ID, tx.TenantID, tx.DeptID, tx.UserID, tx.TraceID, tx.AmountUSD, tx.CreatedAt,
	); err != nil {
		return fmt.Errorf("failed to insert wallet transaction: %w", err)
	}
	return nil
}

// TrustEventRepository implements repositories.TrustEventRepository
type TrustEventRepository struct {
	db     *DB
	logger *zap.Logger
}

// NewTrustEventRepository creates a new trust event repository
func NewTrustEventRepository(db *DB, logger *zap.Logger) repositories.TrustEventRepository {
	return &TrustEventRepository{db: db, logger: logger}
}

// Insert stores a trust adjustment
func (r *TrustEventRepository) Insert(ctx context.Context, ev *models.TrustEvent) error {
	query := `
		INSERT INTO trust_events (id, tenant_id, user_id, previous_score, new_score, delta, reason, risk_tier, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`

	executor := GetExecutor(ctx, r.db)
	if _, err := executor.ExecContext(ctx, query,
		ev.ID, ev.TenantID, ev.UserID, ev.PreviousScore, ev.NewScore, ev.Delta, ev.Reason, ev.RiskTier, ev.CreatedAt,
	); err != nil {
		return fmt.Errorf("failed to insert trust event: %w", err)
	}
	return nil
}
