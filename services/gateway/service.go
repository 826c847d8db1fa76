package gateway

import (
	"context"
	"errors"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/upb/llm-gateway/internal/observability"
	"github.com/upb/llm-gateway/internal/prompt"
	"github.com/upb/llm-gateway/models"
	"github.com/upb/llm-gateway/services"
	"github.com/upb/llm-gateway/services/arbitrage"
	"github.com/upb/llm-gateway/services/budget"
	"github.com/upb/llm-gateway/services/cache"
	"github.com/upb/llm-gateway/services/ledger"
	"github.com/upb/llm-gateway/services/oracle"
	"github.com/upb/llm-gateway/services/policy"
	"github.com/upb/llm-gateway/services/providers"
	"github.com/upb/llm-gateway/services/routing"
	"github.com/upb/llm-gateway/services/safety"
	"github.com/upb/llm-gateway/services/trust"
	"github.com/upb/llm-gateway/services/worker"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// SemanticCache is the cache gate
type SemanticCache interface {
	Lookup(ctx context.Context, scope, prompt string, threshold float64) *cache.Hit
	Store(ctx context.Context, scope, prompt, response, model string, shareable bool) error
}

// BudgetGate admits and settles spend
type BudgetGate interface {
	Check(ctx context.Context, id models.Identity, estimatedCost float64) error
	Charge(ctx context.Context, id models.Identity, traceID string, actualCost float64) (budget.Balances, error)
}

// TrustReader reads behavioral trust scores
type TrustReader interface {
	GetScore(ctx context.Context, tenantID, userID string) (int, error)
}

// TrustAdjuster applies trust score changes
type TrustAdjuster interface {
	Adjust(ctx context.Context, id models.Identity, delta int, reason, traceID string) (int, error)
}

// PolicyEvaluator evaluates tenant rules
type PolicyEvaluator interface {
	Evaluate(ctx context.Context, req policy.EvaluationRequest) (*policy.EvaluationResult, error)
}

// ModelSelector picks a cheaper adequate model
type ModelSelector interface {
	SelectModel(ctx context.Context, requested string, messages []providers.Message) arbitrage.Selection
}

// Router executes the call against the provider chain
type Router interface {
	Execute(ctx context.Context, call routing.Call) (*routing.Result, error)
}

// Ledger records signed receipts
type Ledger interface {
	Record(ctx context.Context, entry ledger.Entry) (*models.LedgerReceipt, error)
}

// Pricing estimates cost ahead of the call
type Pricing interface {
	Chain(tier string) []oracle.ChainEntry
	EstimateCost(model string, inputTokens, outputTokens int) float64
}

// Auditor receives governance audit records
type Auditor interface {
	PolicyShadowHit(tenantID, userID, traceID, ruleID, ruleName string, action models.PolicyAction)
	PolicyEnforced(tenantID, userID, traceID, ruleID, ruleName string, action models.PolicyAction, reason string)
	KillSwitchTriggered(tenantID, userID, traceID string, projected, threshold float64)
	SafetyLateVerdict(tenantID, userID, traceID, category string)
	DegradedResponse(tenantID, userID, traceID, tier string, similarity float64)
}

// Deps are the collaborators of the pipeline. Selector, Intent, Safety,
// Penalties and Pool are optional.
type Deps struct {
	Cache     SemanticCache
	Budget    BudgetGate
	Trust     TrustReader
	// Penalties lowers the trust score of users tripping a security block; nil disables it
	Penalties TrustAdjuster
	Policies  PolicyEvaluator
	Selector  ModelSelector
	Router    Router
	Ledger    Ledger
	Pricing   Pricing
	Intent    IntentClassifier
	Safety    *safety.Guard
	Audit     Auditor
	Pool      worker.Submitter
}

// Config tunes the pipeline
type Config struct {
	CacheThreshold      float64
	IntentTimeout       time.Duration
	TrustTimeout        time.Duration
	DefaultOutputTokens int
	SettleTimeout       time.Duration
}

// DefaultConfig returns the production defaults
func DefaultConfig() Config {
	return Config{
		CacheThreshold:      0.92,
		IntentTimeout:       3 * time.Second,
		TrustTimeout:        2 * time.Second,
		DefaultOutputTokens: 500,
		SettleTimeout:       10 * time.Second,
	}
}

// Service runs the decision pipeline
type Service struct {
	deps   Deps
	config Config
	logger *zap.Logger

	newTraceID func() string
}

// NewService creates the pipeline
func NewService(deps Deps, config Config, logger *zap.Logger) *Service {
	def := DefaultConfig()
	if config.CacheThreshold <= 0 {
		config.CacheThreshold = def.CacheThreshold
	}
	if config.IntentTimeout <= 0 {
		config.IntentTimeout = def.IntentTimeout
	}
	if config.TrustTimeout <= 0 {
		config.TrustTimeout = def.TrustTimeout
	}
	if config.DefaultOutputTokens <= 0 {
		config.DefaultOutputTokens = def.DefaultOutputTokens
	}
	if config.SettleTimeout <= 0 {
		config.SettleTimeout = def.SettleTimeout
	}
	if deps.Intent == nil {
		deps.Intent = KeywordClassifier{}
	}
	if deps.Pool == nil {
		deps.Pool = worker.Inline{}
	}
	return &Service{deps: deps, config: config, logger: logger, newTraceID: NewTraceID}
}

// NewTraceID returns "trc_" followed by 12 hex characters
func NewTraceID() string {
	return "trc_" + strings.ReplaceAll(uuid.NewString(), "-", "")[:12]
}

// Process runs one request through every gate in order
func (s *Service) Process(ctx context.Context, id models.Identity, req ChatRequest) (*Result, error) {
	text := lastUserContent(req.Messages)
	if strings.TrimSpace(text) == "" {
		return nil, services.NewDomainError(services.ErrorTypeValidation, services.ErrEmptyPrompt.Message, nil)
	}

	dc := newDecisionContext(s.newTraceID(), id.TenantID, id.UserID, id.DeptID, req.Model, req.MaxTokens)
	ctx = WithDecision(ctx, dc)
	ctx, span := observability.StartSpan(ctx, "gateway.Process")
	defer span.End()

	log := s.logger.With(zap.String("trace_id", dc.TraceID), zap.String("tenant_id", dc.TenantID))
	log.Info("starting decision pipeline",
		zap.String("user_id", dc.UserID),
		zap.String("model", req.Model))

	result, err := s.run(ctx, dc, id, req, log)
	decision := DecisionDeny
	if err == nil {
		decision = result.Decision
	} else {
		observability.RecordError(span, err)
		log.Info("request denied",
			zap.String("code", services.GetErrorCode(err)),
			zap.Strings("decision_log", dc.Log()),
			zap.Error(err))
	}
	observability.PipelineDuration.WithLabelValues(decision).Observe(time.Since(dc.Started).Seconds())
	return result, err
}

func (s *Service) run(ctx context.Context, dc *DecisionContext, id models.Identity, req ChatRequest, log *zap.Logger) (*Result, error) {
	// Step 1: PII redaction
	log.Debug("step 1: redacting pii")
	messages := s.redact(dc, req.Messages)
	text := lastUserContent(messages)

	// Step 2: semantic cache
	log.Debug("step 2: cache lookup")
	if hit := s.deps.Cache.Lookup(ctx, dc.TenantID, text, s.config.CacheThreshold); hit != nil {
		s.gate(dc, "cache", "HIT_"+hit.Tier)
		return s.serveCached(ctx, dc, id, text, hit, log), nil
	}
	s.gate(dc, "cache", "MISS")

	// Step 3: budget and velocity
	log.Debug("step 3: checking budget")
	estimated := s.estimate(dc.EffectiveModel, messages, dc.MaxTokens)
	if err := s.deps.Budget.Check(ctx, id, estimated); err != nil {
		s.gate(dc, "budget", "DENY")
		s.auditKillSwitch(dc, err)
		return nil, err
	}
	s.gate(dc, "budget", "OK")

	// Step 4: intent and trust fan out
	log.Debug("step 4: classifying intent and reading trust")
	if err := s.preGates(ctx, dc, text); err != nil {
		s.gate(dc, "trust", "ERROR")
		return nil, err
	}
	s.gate(dc, "intent", dc.Intent)

	// Step 5: trust enforcement
	log.Debug("step 5: enforcing trust", zap.Int("trust_score", dc.TrustScore))
	forced, err := s.enforceTrust(dc)
	if err != nil {
		return nil, err
	}

	// Step 6: policy
	log.Debug("step 6: evaluating policies")
	evaluation, err := s.evaluatePolicies(ctx, dc, id.Role, estimated)
	if err != nil {
		return nil, err
	}
	if evaluation.EffectiveModel != "" {
		forced = true
	}

	// Step 7: arbitrage
	log.Debug("step 7: selecting model")
	savings := s.arbitrate(ctx, dc, messages, forced)

	// Step 8: execution raced against the safety classifier
	log.Debug("step 8: executing", zap.String("effective_model", dc.EffectiveModel))
	routed, err := s.execute(ctx, dc, id, messages, req.Temperature, text)
	if err != nil {
		if services.IsSecurityViolationError(err) {
			s.gate(dc, "safety", "BLOCK")
			s.penalize(id, dc.TraceID, err)
		} else {
			s.gate(dc, "execution", "FAILED")
		}
		return nil, err
	}
	s.gate(dc, "execution", routed.Provider+"/"+routed.Model)

	if clean, redacted := safety.RedactSecrets(routed.Response.Content); redacted {
		routed.Response.Content = clean
		s.gate(dc, "outbound", "SECRETS_REDACTED")
	}

	// Step 9: settlement
	log.Debug("step 9: settling")
	s.settle(ctx, dc, id, text, routed, savings, req.Shareable, log)

	decision := DecisionAllow
	if routed.Degraded {
		decision = DecisionDegraded
	}
	log.Info("decision pipeline completed",
		zap.String("decision", decision),
		zap.String("effective_model", dc.EffectiveModel),
		zap.String("provider", routed.Provider),
		zap.Float64("cost_usd", routed.Response.CostUSD),
		zap.Duration("latency", time.Since(dc.Started)))

	return &Result{
		Response:       routed.Response,
		Decision:       decision,
		EffectiveModel: dc.EffectiveModel,
		TraceID:        dc.TraceID,
		Degraded:       routed.Degraded,
		DecisionLog:    dc.Log(),
		ShadowHits:     evaluation.ShadowHits,
		Savings:        savings,
		PIIRedacted:    dc.PIIRedacted,
	}, nil
}

func (s *Service) gate(dc *DecisionContext, gate, decision string) {
	dc.Record(gate, decision)
	observability.GateDecisions.WithLabelValues(gate, metricDecision(decision)).Inc()
}

// metricDecision keeps label cardinality bounded
func metricDecision(decision string) string {
	if i := strings.IndexAny(decision, " /-"); i > 0 {
		return decision[:i]
	}
	return decision
}

func (s *Service) redact(dc *DecisionContext, in []providers.Message) []providers.Message {
	out := make([]providers.Message, len(in))
	var kinds []string
	for i, m := range in {
		out[i] = m
		clean, found := prompt.Redact(m.Content)
		if len(found) == 0 {
			continue
		}
		out[i].Content = clean
		for _, k := range found {
			kinds = append(kinds, string(k))
		}
	}
	if len(kinds) > 0 {
		dc.PIIRedacted = true
		s.gate(dc, "pii", "REDACTED")
		s.logger.Info("pii redacted before provider call",
			zap.String("trace_id", dc.TraceID), zap.Strings("types", kinds))
	}
	return out
}

func (s *Service) estimate(model string, messages []providers.Message, maxTokens int) float64 {
	if s.deps.Pricing == nil {
		return 0
	}
	chars := 0
	for _, m := range messages {
		chars += utf8.RuneCountInString(m.Content)
	}
	out := maxTokens
	if out <= 0 {
		out = s.config.DefaultOutputTokens
	}
	if chain := s.deps.Pricing.Chain(model); len(chain) > 0 {
		model = chain[0].Model
	}
	return s.deps.Pricing.EstimateCost(model, chars/4+1, out)
}

func (s *Service) auditKillSwitch(dc *DecisionContext, err error) {
	if s.deps.Audit == nil || !services.IsVelocityExceededError(err) {
		return
	}
	details := services.GetErrorDetails(err)
	projected, ok := details["spend_per_window"].(float64)
	if !ok {
		return
	}
	threshold, _ := details["threshold"].(float64)
	s.deps.Audit.KillSwitchTriggered(dc.TenantID, dc.UserID, dc.TraceID, projected, threshold)
}

func (s *Service) preGates(ctx context.Context, dc *DecisionContext, text string) error {
	var (
		intent = DefaultIntent
		score  int
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		ictx, cancel := context.WithTimeout(gctx, s.config.IntentTimeout)
		defer cancel()
		got, err := s.deps.Intent.Classify(ictx, dc.TenantID, text)
		if err != nil || got == "" {
			s.logger.Warn("intent classification failed, using default",
				zap.String("trace_id", dc.TraceID), zap.Error(err))
			return nil
		}
		intent = got
		return nil
	})
	g.Go(func() error {
		tctx, cancel := context.WithTimeout(gctx, s.config.TrustTimeout)
		defer cancel()
		got, err := s.deps.Trust.GetScore(tctx, dc.TenantID, dc.UserID)
		if err != nil {
			if errors.Is(err, context.DeadlineExceeded) || errors.Is(tctx.Err(), context.DeadlineExceeded) {
				return services.NewDomainError(services.ErrorTypeTimeout, "trust score read timed out", err)
			}
			return services.WrapInternal("trust score unavailable", err)
		}
		score = got
		return nil
	})
	if err := g.Wait(); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return err
	}

	dc.Intent = intent
	dc.TrustScore = score
	return nil
}

// enforceTrust reports whether the model was forced
func (s *Service) enforceTrust(dc *DecisionContext) (bool, error) {
	enf := trust.Enforce(dc.TrustScore, dc.EffectiveModel)
	dc.Escalate(enf.Mode)

	switch enf.Mode {
	case trust.ModeSupervised:
		dc.SwitchModel("trust", enf.EffectiveModel, "supervised")
		s.gate(dc, "trust", "SUPERVISED")
		return true, services.NewDomainError(services.ErrorTypeTrustCritical, enf.Reason, nil).
			WithDetail("requires_approval", true).
			WithDetail("forced_model", enf.EffectiveModel).
			WithDetail("trust_score", dc.TrustScore).
			WithDetail("trace_id", dc.TraceID)
	case trust.ModeRestricted:
		if enf.EffectiveModel != dc.EffectiveModel {
			dc.SwitchModel("trust", enf.EffectiveModel, "restricted")
			s.gate(dc, "trust", "RESTRICTED")
			return true, nil
		}
		s.gate(dc, "trust", "RESTRICTED")
		return false, nil
	}
	s.gate(dc, "trust", "OK")
	return false, nil
}

func (s *Service) evaluatePolicies(ctx context.Context, dc *DecisionContext, role string, estimated float64) (*policy.EvaluationResult, error) {
	result, err := s.deps.Policies.Evaluate(ctx, policy.EvaluationRequest{
		TenantID: dc.TenantID,
		Facts: policy.Facts{
			CostUSD: estimated,
			Model:   dc.RequestedModel,
			Intent:  dc.Intent,
			DeptID:  dc.DeptID,
			Role:    role,
		},
	})
	if err != nil {
		s.gate(dc, "policy", "ERROR")
		return nil, err
	}

	if s.deps.Audit != nil {
		for _, h := range result.ShadowHits {
			s.deps.Audit.PolicyShadowHit(dc.TenantID, dc.UserID, dc.TraceID, h.RuleID, h.Name, h.Action)
		}
		for _, h := range result.Enforced {
			s.deps.Audit.PolicyEnforced(dc.TenantID, dc.UserID, dc.TraceID, h.RuleID, h.Name, h.Action, result.Reason)
		}
	}
	for _, h := range result.ShadowHits {
		s.gate(dc, "policy_shadow", string(h.Action))
	}

	if result.Blocked {
		if result.RequiresApproval {
			s.gate(dc, "policy", "APPROVAL_REQUIRED")
			return nil, services.NewDomainError(services.ErrorTypePolicyBlocked, result.Reason, nil).
				WithCode(services.CodeApprovalRequired).
				WithDetail("requires_approval", true).
				WithDetail("trace_id", dc.TraceID)
		}
		s.gate(dc, "policy", "BLOCK")
		return nil, services.NewDomainError(services.ErrorTypePolicyBlocked, result.Reason, nil).
			WithDetail("trace_id", dc.TraceID)
	}

	if result.EffectiveModel != "" {
		dc.SwitchModel("policy", result.EffectiveModel, string(result.Action))
	}
	dc.CapTokens(result.MaxTokens)
	s.gate(dc, "policy", "ALLOW")
	return result, nil
}

func (s *Service) arbitrate(ctx context.Context, dc *DecisionContext, messages []providers.Message, forced bool) float64 {
	if s.deps.Selector == nil {
		return 0
	}
	if forced {
		s.gate(dc, "arbitrage", "SKIPPED")
		return 0
	}
	sel := s.deps.Selector.SelectModel(ctx, dc.EffectiveModel, messages)
	if sel.Model == "" || sel.Model == dc.EffectiveModel {
		s.gate(dc, "arbitrage", sel.Reason)
		return 0
	}
	dc.SwitchModel("arbitrage", sel.Model, sel.Reason)
	s.gate(dc, "arbitrage", sel.Reason)
	return sel.Savings
}

func (s *Service) execute(ctx context.Context, dc *DecisionContext, id models.Identity, messages []providers.Message, temperature float64, text string) (*routing.Result, error) {
	call := func(ctx context.Context) (*routing.Result, error) {
		return s.deps.Router.Execute(ctx, routing.Call{
			Tier: dc.EffectiveModel,
			Request: &providers.ChatRequest{
				Model:       dc.EffectiveModel,
				Messages:    messages,
				MaxTokens:   dc.MaxTokens,
				Temperature: temperature,
				User:        id.UserID,
			},
			TenantID: dc.TenantID,
			Prompt:   text,
		})
	}
	if s.deps.Safety == nil {
		return call(ctx)
	}
	return safety.Race(ctx, s.deps.Safety, text, call)
}

func (s *Service) settle(ctx context.Context, dc *DecisionContext, id models.Identity, text string, routed *routing.Result, savings float64, shareable bool, log *zap.Logger) {
	resp := routed.Response
	sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.config.SettleTimeout)
	defer cancel()

	if resp.CostUSD > 0 {
		if _, err := s.deps.Budget.Charge(sctx, id, dc.TraceID, resp.CostUSD); err != nil {
			log.Error("failed to charge wallets", zap.Float64("cost_usd", resp.CostUSD), zap.Error(err))
		}
	}

	s.submitReceipt(ctx, ledger.Entry{
		TenantID:         dc.TenantID,
		CostCenterID:     id.CostCenter(),
		TraceID:          dc.TraceID,
		Actor:            id.Email,
		RequestedModel:   dc.RequestedModel,
		DeliveredModel:   routed.Model,
		CostUSD:          resp.CostUSD,
		Savings:          savings,
		PromptTokens:     resp.Usage.PromptTokens,
		CompletionTokens: resp.Usage.CompletionTokens,
		TrustScore:       dc.TrustScore,
		Intent:           dc.Intent,
		RiskMode:         string(dc.RiskMode),
		DeptID:           dc.DeptID,
		PIISafe:          dc.PIIRedacted,
	}, log)

	if routed.Degraded {
		if s.deps.Audit != nil {
			s.deps.Audit.DegradedResponse(dc.TenantID, dc.UserID, dc.TraceID, dc.EffectiveModel, routing.DegradedSimilarity)
		}
		return
	}

	content := resp.Content
	model := routed.Model
	err := s.deps.Pool.Submit(worker.Task{
		Name: "cache_store",
		Run: func(ctx context.Context) error {
			return s.deps.Cache.Store(ctx, dc.TenantID, text, content, model, shareable)
		},
		OnFailure: func(err error) {
			log.Warn("failed to store cache entry", zap.Error(err))
		},
	})
	if err != nil {
		log.Warn("cache store not queued", zap.Error(err))
	}
}

func (s *Service) serveCached(ctx context.Context, dc *DecisionContext, id models.Identity, text string, hit *cache.Hit, log *zap.Logger) *Result {
	saved := utf8.RuneCountInString(hit.Response)/4 + 1
	s.submitReceipt(ctx, ledger.Entry{
		TenantID:       dc.TenantID,
		CostCenterID:   id.CostCenter(),
		TraceID:        dc.TraceID,
		Actor:          id.Email,
		RequestedModel: dc.RequestedModel,
		DeliveredModel: hit.Model,
		CacheHit:       true,
		TokensSaved:    saved,
		TrustScore:     dc.TrustScore,
		Intent:         dc.Intent,
		RiskMode:       string(dc.RiskMode),
		DeptID:         dc.DeptID,
		PIISafe:        dc.PIIRedacted,
	}, log)

	log.Info("served from semantic cache",
		zap.String("tier", hit.Tier),
		zap.Float64("similarity", hit.Similarity),
		zap.Int("tokens_saved", saved))

	return &Result{
		Response: &providers.ChatResponse{
			ID:           hit.SourceID,
			Model:        hit.Model,
			Provider:     "cache",
			Content:      hit.Response,
			FinishReason: "stop",
			Created:      time.Now(),
		},
		Decision:       DecisionCacheHit,
		EffectiveModel: dc.EffectiveModel,
		TraceID:        dc.TraceID,
		CacheHit:       true,
		CacheTier:      hit.Tier,
		DecisionLog:    dc.Log(),
		PIIRedacted:    dc.PIIRedacted,
	}
}

// submitReceipt records on the pool, or inline when the queue rejects it
func (s *Service) submitReceipt(ctx context.Context, entry ledger.Entry, log *zap.Logger) {
	record := func(ctx context.Context) error {
		_, err := s.deps.Ledger.Record(ctx, entry)
		return err
	}
	err := s.deps.Pool.Submit(worker.Task{
		Name: "ledger_record",
		Run:  record,
		OnFailure: func(err error) {
			log.Error("ledger receipt failed", zap.Error(err))
		},
	})
	if err == nil {
		return
	}
	log.Warn("ledger queue rejected receipt, recording inline", zap.Error(err))
	sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.config.SettleTimeout)
	defer cancel()
	if err := record(sctx); err != nil {
		log.Error("ledger receipt failed", zap.Error(err))
	}
}

func lastUserContent(messages []providers.Message) string {
	for i := len(messages) - 1; i >= 0; i-- {
		if messages[i].Role == "user" {
			return messages[i].Content
		}
	}
	return ""
}

// penalize lowers the caller's trust score in the background
func (s *Service) penalize(id models.Identity, traceID string, cause error) {
	if s.deps.Penalties == nil {
		return
	}
	category, _ := services.GetErrorDetails(cause)["category"].(string)
	reason := securityReason(category)
	_ = s.deps.Pool.Submit(worker.Task{
		Name: "trust_penalty",
		Run: func(ctx context.Context) error {
			_, err := s.deps.Penalties.Adjust(ctx, id, trust.SecurityPenalty, reason, traceID)
			return err
		},
		OnFailure: func(err error) {
			s.logger.Error("failed to apply trust penalty",
				zap.String("tenant_id", id.TenantID),
				zap.String("user_id", id.UserID),
				zap.String("trace_id", traceID),
				zap.Error(err))
		},
	})
}

func securityReason(category string) string {
	if category == "" {
		category = "security violation"
	}
	return "Playbook Trigger: " + category
}
