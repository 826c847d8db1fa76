package gateway

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/upb/llm-gateway/services/policy"
	"github.com/upb/llm-gateway/services/providers"
	"github.com/upb/llm-gateway/services/trust"
)

// Decisions reported on a Result and in the pipeline duration metric
const (
	DecisionAllow    = "ALLOW"
	DecisionCacheHit = "CACHE_HIT"
	DecisionDegraded = "DEGRADED"
	DecisionDeny     = "DENY"
)

// ChatRequest is the client-facing completion request
type ChatRequest struct {
	Model       string              `json:"model" validate:"required"`
	Messages    []providers.Message `json:"messages" validate:"required,min=1,dive"`
	MaxTokens   int                 `json:"max_tokens,omitempty" validate:"gte=0,lte=128000"`
	Temperature float64             `json:"temperature,omitempty" validate:"gte=0,lte=2"`

	// Shareable marks the answer as safe to serve to other users of the tenant.
	Shareable bool `json:"shareable,omitempty"`
}

// Result is the outcome of one pipeline run
// Requests needing approval never produce one; they fail with a
// requires_approval error instead.
type Result struct {
	Response       *providers.ChatResponse
	Decision       string
	EffectiveModel string
	TraceID        string
	CacheHit       bool
	CacheTier      string
	Degraded       bool
	DecisionLog    []string
	ShadowHits     []policy.Hit
	Savings        float64 // fraction of the requested model's price
	PIIRedacted    bool
}

// DecisionContext carries per-request state through the gates. The risk mode
// only moves toward stricter values and every model change is logged before
// it is applied.
type DecisionContext struct {
	TraceID        string
	TenantID       string
	UserID         string
	DeptID         string
	Intent         string
	TrustScore     int
	RiskMode       trust.Mode
	PIIRedacted    bool
	RequestedModel string
	EffectiveModel string
	MaxTokens      int
	Started        time.Time

	mu  sync.Mutex
	log []string
}

func newDecisionContext(traceID, tenant, user, dept, model string, maxTokens int) *DecisionContext {
	return &DecisionContext{
		TraceID:        traceID,
		TenantID:       tenant,
		UserID:         user,
		DeptID:         dept,
		Intent:         DefaultIntent,
		TrustScore:     trust.DefaultScore,
		RiskMode:       trust.ModeNormal,
		RequestedModel: model,
		EffectiveModel: model,
		MaxTokens:      maxTokens,
		Started:        time.Now(),
	}
}

// Record appends a gate outcome to the decision log
func (d *DecisionContext) Record(gate, decision string) {
	d.mu.Lock()
	d.log = append(d.log, fmt.Sprintf("%s:%s", gate, decision))
	d.mu.Unlock()
}

// SwitchModel logs the change and then replaces the effective model
func (d *DecisionContext) SwitchModel(gate, model, reason string) {
	if model == "" || model == d.EffectiveModel {
		return
	}
	d.Record(gate, fmt.Sprintf("%s->%s (%s)", d.EffectiveModel, model, reason))
	d.EffectiveModel = model
}

// Escalate raises the risk mode; lower modes are ignored
func (d *DecisionContext) Escalate(mode trust.Mode) {
	if riskRank(mode) > riskRank(d.RiskMode) {
		d.RiskMode = mode
	}
}

// CapTokens keeps the smallest positive cap
func (d *DecisionContext) CapTokens(n int) {
	if n > 0 && (d.MaxTokens == 0 || n < d.MaxTokens) {
		d.MaxTokens = n
	}
}

// Log returns a copy of the decision log
func (d *DecisionContext) Log() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]string, len(d.log))
	copy(out, d.log)
	return out
}

func riskRank(m trust.Mode) int {
	switch m {
	case trust.ModeSupervised:
		return 2
	case trust.ModeRestricted:
		return 1
	default:
		return 0
	}
}

type decisionKey struct{}

// WithDecision stores the decision context on ctx
func WithDecision(ctx context.Context, d *DecisionContext) context.Context {
	return context.WithValue(ctx, decisionKey{}, d)
}

// DecisionFrom returns the decision context stored on ctx, if any
func DecisionFrom(ctx context.Context) (*DecisionContext, bool) {
	d, ok := ctx.Value(decisionKey{}).(*DecisionContext)
	return d, ok
}
