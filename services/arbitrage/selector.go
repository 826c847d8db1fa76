// Package arbitrage proposes cheaper substitutes for simple prompts.
package arbitrage

import (
	"context"

	"github.com/upb/llm-gateway/internal/observability"
	"github.com/upb/llm-gateway/services/oracle"
	"github.com/upb/llm-gateway/services/providers"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// Selection reasons
const (
	ReasonComplexityRetained = "COMPLEXITY_RETAINED"
	ReasonNoBetterOption     = "NO_BETTER_OPTION"
	ReasonSmartRouting       = "SMART_ROUTING"
)

// unknownPrice is the output price per 1M assumed for unpriced requested models
const unknownPrice = 100.0

const defaultLatencyMs = 500.0

// Market is the oracle view the selector needs
type Market interface {
	All() []oracle.ModelCostProfile
	Get(model string) (oracle.ModelCostProfile, bool)
}

// Config tunes the selector
type Config struct {
	TrivialScore     int     // below: trivial band
	StandardScore    int     // above: complexity retained
	TrivialMaxPrice  float64 // output USD per 1M
	StandardMaxPrice float64
	OutputMargin     int // tokens reserved for the answer
	LatencySLAms     float64
	Allowlist        []string
}

// DefaultConfig returns the production thresholds
func DefaultConfig() Config {
	return Config{
		TrivialScore:     30,
		StandardScore:    70,
		TrivialMaxPrice:  0.5,
		StandardMaxPrice: 5.0,
		OutputMargin:     1000,
		LatencySLAms:     2000,
	}
}

// Selection is the outcome of SelectModel
type Selection struct {
	Model   string
	Reason  string
	Savings float64 // fraction of the requested output price
	Score   int
}

// Selector picks the cheapest adequate model
type Selector struct {
	market     Market
	classifier Classifier
	config     Config
	logger     *zap.Logger
}

// NewSelector creates a selector
func NewSelector(market Market, classifier Classifier, config Config, logger *zap.Logger) *Selector {
	return &Selector{market: market, classifier: classifier, config: config, logger: logger}
}

// SelectModel returns the chosen model, the reason and the estimated savings
func (s *Selector) SelectModel(ctx context.Context, requested string, messages []providers.Message) Selection {
	ctx, span := observability.StartSpan(ctx, "arbitrage.SelectModel",
		trace.WithAttributes(attribute.String("model.requested", requested)))
	defer span.End()

	prompt := lastUserContent(messages)
	inputTokens := len(prompt) / 4

	score, err := s.classifier.Score(ctx, prompt)
	if err != nil {
		s.logger.Debug("complexity classification failed, retaining model", zap.Error(err))
		score = MaxScore
	}
	span.SetAttributes(attribute.Int("arbitrage.score", score))

	if score > s.config.StandardScore {
		return Selection{Model: requested, Reason: ReasonComplexityRetained, Score: score}
	}

	targetPrice := unknownPrice
	if p, ok := s.market.Get(requested); ok {
		targetPrice = p.OutputPerMillion()
	}

	band := s.config.StandardMaxPrice
	if score < s.config.TrivialScore {
		band = s.config.TrivialMaxPrice
	}

	var winner *oracle.ModelCostProfile
	for _, m := range s.market.All() {
		if !s.allowed(m.ID) {
			continue
		}
		if m.ContextWindow < inputTokens+s.config.OutputMargin {
			continue
		}
		if riskAdjustedLatency(m) > s.config.LatencySLAms {
			continue
		}
		price := m.OutputPerMillion()
		if price > band || price >= targetPrice {
			continue
		}
		if winner == nil || price < winner.OutputPerMillion() {
			m := m
			winner = &m
		}
	}

	if winner == nil {
		return Selection{Model: requested, Reason: ReasonNoBetterOption, Score: score}
	}

	savings := 0.0
	if targetPrice > 0 {
		savings = (targetPrice - winner.OutputPerMillion()) / targetPrice
	}

	s.logger.Info("arbitrage selected cheaper model",
		zap.String("requested", requested),
		zap.String("chosen", winner.ID),
		zap.Int("score", score),
		zap.Float64("savings", savings))
	return Selection{Model: winner.ID, Reason: ReasonSmartRouting, Savings: savings, Score: score}
}

func (s *Selector) allowed(id string) bool {
	if len(s.config.Allowlist) == 0 {
		return true
	}
	for _, a := range s.config.Allowlist {
		if a == id {
			return true
		}
	}
	return false
}

func riskAdjustedLatency(m oracle.ModelCostProfile) float64 {
	lat := m.LatencyEMA
	if lat <= 0 {
		lat = defaultLatencyMs
	}
	return lat + m.Volatility*100
}

func lastUserContent(messages []providers.Message) string {
	for i := len(messages) - 1; i >= 0; i-- {
		if messages[i].Role == "user" {
			return messages[i].Content
		}
	}
	return ""
}
