// Package audit records pipeline decisions to the append-only audit trail.
package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/upb/llm-gateway/models"
	"github.com/upb/llm-gateway/repositories"
	"github.com/upb/llm-gateway/services/dlq"
	"github.com/upb/llm-gateway/services/worker"
	"go.uber.org/zap"
)

// AuditService writes audit logs off the request path
type AuditService struct {
	auditRepo repositories.AuditRepository
	pool      worker.Submitter
	dlq       dlq.Sink
	logger    *zap.Logger
}

// NewAuditService creates a new AuditService instance. A nil pool writes inline.
func NewAuditService(auditRepo repositories.AuditRepository, pool worker.Submitter, sink dlq.Sink, logger *zap.Logger) *AuditService {
	if pool == nil {
		pool = worker.Inline{}
	}
	return &AuditService{
		auditRepo: auditRepo,
		pool:      pool,
		dlq:       sink,
		logger:    logger,
	}
}

// Record queues a log entry. It never fails the caller; a write that cannot
// be queued or stored is dead-lettered.
func (s *AuditService) Record(log *models.AuditLog) {
	_ = s.pool.Submit(worker.Task{
		Name: "audit_log",
		Run: func(ctx context.Context) error {
			return s.auditRepo.Insert(ctx, log)
		},
		OnFailure: func(err error) {
			s.logger.Warn("audit write failed",
				zap.String("action", string(log.Action)),
				zap.String("trace_id", log.TraceID),
				zap.Error(err))
			if s.dlq == nil {
				return
			}
			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			_ = s.dlq.Push(ctx, dlq.KindAudit, log, err)
		},
	})
}

// PolicyShadowHit records a SHADOW rule that would have fired
func (s *AuditService) PolicyShadowHit(tenantID, userID, traceID, ruleID, ruleName string, action models.PolicyAction) {
	s.Record(models.NewAuditLog(tenantID, traceID, models.AuditActionPolicyShadowHit).
		WithUser(userID).
		WithDetails(map[string]interface{}{
			"rule_id": ruleID,
			"policy":  ruleName,
			"action":  string(action),
		}))
}

// PolicyEnforced records an ENFORCE rule that changed the outcome
func (s *AuditService) PolicyEnforced(tenantID, userID, traceID, ruleID, ruleName string, action models.PolicyAction, reason string) {
	s.Record(models.NewAuditLog(tenantID, traceID, models.AuditActionPolicyEnforced).
		WithUser(userID).
		WithDetails(map[string]interface{}{
			"rule_id": ruleID,
			"policy":  ruleName,
			"action":  string(action),
			"reason":  reason,
		}))
}

// KillSwitchTriggered records a velocity freeze
func (s *AuditService) KillSwitchTriggered(tenantID, userID, traceID string, projected, threshold float64) {
	s.Record(models.NewAuditLog(tenantID, traceID, models.AuditActionKillSwitch).
		WithUser(userID).
		WithDetails(map[string]interface{}{
			"projected_spend": projected,
			"threshold":       threshold,
		}))
}

// SafetyLateVerdict records an unsafe verdict that arrived after the response was released
func (s *AuditService) SafetyLateVerdict(tenantID, userID, traceID, category string) {
	s.Record(models.NewAuditLog(tenantID, traceID, models.AuditActionSafetyLate).
		WithUser(userID).
		WithDetails(map[string]interface{}{
			"category": category,
		}))
}

// DegradedResponse records a response served from corporate memory
func (s *AuditService) DegradedResponse(tenantID, userID, traceID, tier string, similarity float64) {
	s.Record(models.NewAuditLog(tenantID, traceID, models.AuditActionDegradedResponse).
		WithUser(userID).
		WithDetails(map[string]interface{}{
			"tier":       tier,
			"similarity": similarity,
		}))
}

// GetTrail returns every entry for a trace
func (s *AuditService) GetTrail(ctx context.Context, traceID string) ([]*models.AuditLog, error) {
	return s.auditRepo.GetByTraceID(ctx, traceID)
}

// Replay re-inserts a dead-lettered audit log
func (s *AuditService) Replay(ctx context.Context, payload json.RawMessage) error {
	var log models.AuditLog
	if err := json.Unmarshal(payload, &log); err != nil {
		return fmt.Errorf("decode dead-lettered audit log: %w", err)
	}
	return s.auditRepo.Insert(ctx, &log)
}
