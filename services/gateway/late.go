package gateway

import (
	"context"
	"time"

	"github.com/upb/llm-gateway/models"
	"github.com/upb/llm-gateway/services/events"
	"github.com/upb/llm-gateway/services/safety"
	"github.com/upb/llm-gateway/services/trust"
	"go.uber.org/zap"
)

// LateSafetyHandler audits unsafe verdicts that arrived after the response
// was released, penalizes the caller's trust score and publishes them as
// SAFETY_AUDIT events.
func LateSafetyHandler(auditor Auditor, adjuster TrustAdjuster, publisher events.Publisher, logger *zap.Logger) safety.LateHandler {
	return func(ctx context.Context, v safety.Verdict) {
		dc, ok := DecisionFrom(ctx)
		if !ok {
			logger.Warn("late unsafe verdict without decision context", zap.String("category", v.Category))
			return
		}

		if auditor != nil {
			auditor.SafetyLateVerdict(dc.TenantID, dc.UserID, dc.TraceID, v.Category)
		}
		if adjuster != nil {
			id := models.Identity{TenantID: dc.TenantID, UserID: dc.UserID, DeptID: dc.DeptID}
			if _, err := adjuster.Adjust(ctx, id, trust.SecurityPenalty, securityReason(v.Category), dc.TraceID); err != nil {
				logger.Error("failed to apply trust penalty", zap.String("trace_id", dc.TraceID), zap.Error(err))
			}
		}
		if publisher == nil {
			return
		}
		err := publisher.Publish(ctx, events.Event{
			Type:     events.TypeSafetyAudit,
			TenantID: dc.TenantID,
			UserID:   dc.UserID,
			TraceID:  dc.TraceID,
			Severity: events.SeverityWarning,
			Payload: map[string]interface{}{
				"category": v.Category,
				"detail":   v.Detail,
				"model":    dc.EffectiveModel,
			},
			At: time.Now().UTC(),
		})
		if err != nil {
			logger.Error("failed to publish safety audit", zap.String("trace_id", dc.TraceID), zap.Error(err))
		}
	}
}
