// Package routing executes a call against a tier's ranked fallback chain,
// consulting per-provider circuit breakers along the way.
package routing

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"time"

	"github.com/upb/llm-gateway/internal/observability"
	"github.com/upb/llm-gateway/services"
	"github.com/upb/llm-gateway/services/cache"
	"github.com/upb/llm-gateway/services/circuit"
	"github.com/upb/llm-gateway/services/oracle"
	"github.com/upb/llm-gateway/services/providers"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

const (
	// DegradedPrefix labels answers served from corporate memory
	DegradedPrefix = "⚠️ SYSTEM OFFLINE. Served from Corporate Memory:\n\n"

	// DegradedSimilarity is the minimum match for a degraded answer
	DegradedSimilarity = 0.85

	// MemoryProvider is reported as the provider of degraded answers
	MemoryProvider = "corporate-memory"
)

// Attempt outcomes
const (
	OutcomeSuccess      = "success"
	OutcomeFailure      = "failure"
	OutcomeSkippedOpen  = "skipped_open"
	OutcomeUnregistered = "unregistered"
	OutcomeCancelled    = "cancelled"
)

// Oracle supplies chains, the canary and prices
type Oracle interface {
	Chain(tier string) []oracle.ChainEntry
	Canary() oracle.Canary
	EstimateCost(model string, inputTokens, outputTokens int) float64
	RecordLatency(ctx context.Context, model string, latency time.Duration) error
}

// Health is the circuit breaker store
type Health interface {
	Allow(ctx context.Context, provider string) (bool, circuit.State)
	ReportSuccess(ctx context.Context, provider string) error
	ReportFailure(ctx context.Context, provider string) (bool, error)
}

// Memory recalls previously successful answers
type Memory interface {
	Recall(ctx context.Context, scope, prompt string, minSimilarity float64) *cache.Hit
}

// ProviderLookup resolves provider names
type ProviderLookup interface {
	GetProvider(name string) (providers.Provider, error)
}

// RoutingConfig holds retry settings
type RoutingConfig struct {
	// MaxAttempts per chain entry, retries included
	MaxAttempts int

	// BaseBackoff doubles per retry up to MaxBackoff
	BaseBackoff time.Duration
	MaxBackoff  time.Duration
}

// DefaultRoutingConfig returns a sensible default configuration
func DefaultRoutingConfig() RoutingConfig {
	return RoutingConfig{
		MaxAttempts: 2,
		BaseBackoff: time.Second,
		MaxBackoff:  10 * time.Second,
	}
}

// Call is one routed request
type Call struct {
	Tier     string
	Request  *providers.ChatRequest
	TenantID string // scope for the degraded memory answer
	Prompt   string
}

// Attempt records one provider attempt
type Attempt struct {
	Provider string
	Model    string
	Outcome  string
	Latency  time.Duration
	Error    string
}

// Result is a successful routed call
type Result struct {
	Response *providers.ChatResponse
	Provider string
	Model    string
	Canary   bool
	Degraded bool
	Attempts []Attempt
}

// RoutingService handles request routing to appropriate providers
type RoutingService struct {
	config   RoutingConfig
	registry ProviderLookup
	oracle   Oracle
	health   Health
	memory   Memory
	logger   *zap.Logger

	rand  func() float64
	sleep func(ctx context.Context, d time.Duration) error
}

// NewRoutingService creates a new routing service. memory may be nil.
func NewRoutingService(config RoutingConfig, registry ProviderLookup, o Oracle, health Health, memory Memory, logger *zap.Logger) *RoutingService {
	if config.MaxAttempts < 1 {
		config.MaxAttempts = 1
	}
	return &RoutingService{
		config:   config,
		registry: registry,
		oracle:   o,
		health:   health,
		memory:   memory,
		logger:   logger,
		rand:     rand.Float64,
		sleep:    sleepCtx,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Execute runs the call against the canary (when drawn) and then the tier's chain
func (s *RoutingService) Execute(ctx context.Context, call Call) (*Result, error) {
	ctx, span := observability.StartSpan(ctx, "router.Execute",
		trace.WithAttributes(attribute.String("router.tier", call.Tier)))
	defer span.End()

	result := &Result{}
	var lastErr error

	canary := s.oracle.Canary()
	if canary.Enabled(call.Tier) && s.rand()*100 < canary.Percent {
		resp, err := s.tryEntry(ctx, canary.Entry(), call.Request, 1, result)
		if err == nil {
			result.Canary = true
			return s.succeed(result, resp, canary.Entry()), nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		s.logger.Warn("canary failed, falling back to standard chain",
			zap.String("model", canary.Model), zap.Error(err))
		lastErr = err
	}

	for _, entry := range s.oracle.Chain(call.Tier) {
		allowed, state := s.health.Allow(ctx, entry.Provider)
		if !allowed {
			s.record(result, entry, OutcomeSkippedOpen, 0, nil)
			s.logger.Debug("skipping provider with open circuit", zap.String("provider", entry.Provider))
			continue
		}

		attempts := s.config.MaxAttempts
		if state == circuit.StateHalfOpen {
			attempts = 1
		}

		resp, err := s.tryEntry(ctx, entry, call.Request, attempts, result)
		if err == nil {
			return s.succeed(result, resp, entry), nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		lastErr = err
	}

	if hit := s.recall(ctx, call); hit != nil {
		result.Degraded = true
		result.Provider = MemoryProvider
		result.Model = hit.Model
		result.Response = &providers.ChatResponse{
			ID:       hit.SourceID,
			Model:    hit.Model,
			Provider: MemoryProvider,
			Content:  DegradedPrefix + hit.Response,
			Created:  time.Now(),
		}
		s.logger.Warn("all providers failed, served degraded answer from memory",
			zap.String("tier", call.Tier), zap.Float64("similarity", hit.Similarity))
		return result, nil
	}

	observability.RecordError(span, lastErr)
	s.logger.Error("provider chain exhausted", zap.String("tier", call.Tier), zap.Error(lastErr))
	return nil, services.NewDomainError(services.ErrorTypeProviderExhausted, services.ErrProviderExhausted.Message, lastErr).
		WithDetail("tier", call.Tier).
		WithDetail("attempts", len(result.Attempts))
}

func (s *RoutingService) recall(ctx context.Context, call Call) *cache.Hit {
	if s.memory == nil || call.Prompt == "" || ctx.Err() != nil {
		return nil
	}
	return s.memory.Recall(ctx, call.TenantID, call.Prompt, DegradedSimilarity)
}

func (s *RoutingService) succeed(result *Result, resp *providers.ChatResponse, entry oracle.ChainEntry) *Result {
	resp.CostUSD = s.oracle.EstimateCost(entry.Model, resp.Usage.PromptTokens, resp.Usage.CompletionTokens)
	result.Response = resp
	result.Provider = entry.Provider
	result.Model = entry.Model
	return result
}

// tryEntry attempts one chain entry with bounded retries for transient errors
func (s *RoutingService) tryEntry(ctx context.Context, entry oracle.ChainEntry, base *providers.ChatRequest, attempts int, result *Result) (*providers.ChatResponse, error) {
	provider, err := s.registry.GetProvider(entry.Provider)
	if err != nil {
		s.record(result, entry, OutcomeUnregistered, 0, err)
		return nil, err
	}

	req := *base
	req.Model = entry.Model
	req.Timeout = entry.Timeout

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		if attempt > 1 {
			if err := s.sleep(ctx, s.backoff(attempt-1)); err != nil {
				return nil, err
			}
		}

		resp, err := s.attempt(ctx, provider, entry, &req, result)
		if err == nil {
			return resp, nil
		}
		lastErr = err

		if ctx.Err() != nil || !providers.IsRetryable(err) {
			break
		}
	}
	return nil, lastErr
}

func (s *RoutingService) attempt(ctx context.Context, provider providers.Provider, entry oracle.ChainEntry, req *providers.ChatRequest, result *Result) (*providers.ChatResponse, error) {
	ctx, span := observability.StartSpan(ctx, "router.Attempt",
		trace.WithAttributes(
			attribute.String("provider", entry.Provider),
			attribute.String("model", entry.Model),
		))
	defer span.End()

	start := time.Now()
	resp, err := provider.ChatCompletion(ctx, req)
	latency := time.Since(start)

	if err == nil {
		s.record(result, entry, OutcomeSuccess, latency, nil)
		observability.ProviderLatency.WithLabelValues(entry.Provider).Observe(latency.Seconds())
		if err := s.health.ReportSuccess(ctx, entry.Provider); err != nil {
			s.logger.Warn("failed to report provider success", zap.Error(err))
		}
		if err := s.oracle.RecordLatency(ctx, entry.Model, latency); err != nil {
			s.logger.Debug("failed to record latency", zap.Error(err))
		}
		return resp, nil
	}

	observability.RecordError(span, err)

	// A caller that walked away says nothing about provider health.
	if ctx.Err() != nil && !errors.Is(ctx.Err(), context.DeadlineExceeded) {
		s.record(result, entry, OutcomeCancelled, latency, err)
		return nil, err
	}

	s.record(result, entry, OutcomeFailure, latency, err)
	retryable := providers.IsRetryable(err)
	s.reportHealth(context.WithoutCancel(ctx), entry.Provider, retryable)
	s.logger.Debug("provider attempt failed",
		zap.String("provider", entry.Provider),
		zap.String("model", entry.Model),
		zap.Bool("retryable", retryable),
		zap.Error(err))
	return nil, fmt.Errorf("%s/%s: %w", entry.Provider, entry.Model, err)
}

// reportHealth counts transport, timeout and 5xx class errors against the
// circuit. A semantic rejection means the provider answered, so it counts as
// a success.
func (s *RoutingService) reportHealth(ctx context.Context, provider string, retryable bool) {
	if !retryable {
		if err := s.health.ReportSuccess(ctx, provider); err != nil {
			s.logger.Warn("failed to report provider success", zap.Error(err))
		}
		return
	}
	if _, err := s.health.ReportFailure(ctx, provider); err != nil {
		s.logger.Warn("failed to report provider failure", zap.Error(err))
	}
}

func (s *RoutingService) record(result *Result, entry oracle.ChainEntry, outcome string, latency time.Duration, err error) {
	a := Attempt{Provider: entry.Provider, Model: entry.Model, Outcome: outcome, Latency: latency}
	if err != nil {
		a.Error = err.Error()
	}
	result.Attempts = append(result.Attempts, a)
	observability.ProviderAttempts.WithLabelValues(entry.Provider, entry.Model, outcome).Inc()
}

// backoff returns the delay before retry n (1-based)
func (s *RoutingService) backoff(n int) time.Duration {
	d := s.config.BaseBackoff
	for i := 1; i < n; i++ {
		d *= 2
		if d >= s.config.MaxBackoff {
			return s.config.MaxBackoff
		}
	}
	if s.config.MaxBackoff > 0 && d > s.config.MaxBackoff {
		return s.config.MaxBackoff
	}
	return d
}
