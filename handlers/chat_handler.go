package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/upb/llm-gateway/middleware"
	"github.com/upb/llm-gateway/models"
	"github.com/upb/llm-gateway/services"
	"github.com/upb/llm-gateway/services/gateway"
	"github.com/upb/llm-gateway/services/policy"
	"github.com/upb/llm-gateway/utils"
	"go.uber.org/zap"
)

// Response headers set on every completion
const (
	HeaderTraceID        = "X-Trace-ID"
	HeaderEffectiveModel = "X-Effective-Model"
	HeaderCache          = "X-Cache"
)

// maxBodyBytes bounds the decoded request body
const maxBodyBytes = 1 << 20

// ChatCompletionResponse represents an OpenAI-compatible chat completion response
type ChatCompletionResponse struct {
	ID         string          `json:"id"`
	Object     string          `json:"object"`
	Created    int64           `json:"created"`
	Model      string          `json:"model"`
	Choices    []ChatChoice    `json:"choices"`
	Usage      ChatUsage       `json:"usage"`
	Governance GovernanceBlock `json:"governance"`
}

// ChatChoice represents a completion choice
type ChatChoice struct {
	Index        int         `json:"index"`
	Message      ChatMessage `json:"message"`
	FinishReason string      `json:"finish_reason"`
}

// ChatMessage is the assistant message of a choice
type ChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// ChatUsage represents token usage information
type ChatUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// GovernanceBlock explains how the gateway decided
type GovernanceBlock struct {
	TraceID      string       `json:"trace_id"`
	Decision     string       `json:"decision"`
	DecisionLog  []string     `json:"decision_log"`
	Provider     string       `json:"provider"`
	CostUSD      float64      `json:"cost_usd"`
	SavingsRatio float64      `json:"savings_ratio"`
	CacheHit     bool         `json:"cache_hit"`
	CacheTier    string       `json:"cache_tier,omitempty"`
	Degraded     bool         `json:"degraded,omitempty"`
	PIIRedacted  bool         `json:"pii_redacted,omitempty"`
	ShadowHits   []policy.Hit `json:"shadow_hits,omitempty"`
}

// Pipeline runs one completion through every gate
type Pipeline interface {
	Process(ctx context.Context, id models.Identity, req gateway.ChatRequest) (*gateway.Result, error)
}

// ChatHandler handles POST /v1/chat/completions
type ChatHandler struct {
	pipeline Pipeline
	logger   *zap.Logger
}

// NewChatHandler creates a new ChatHandler
func NewChatHandler(pipeline Pipeline, logger *zap.Logger) *ChatHandler {
	return &ChatHandler{
		pipeline: pipeline,
		logger:   logger,
	}
}

// HandleChatCompletion decodes, validates and hands the request to the pipeline
func (h *ChatHandler) HandleChatCompletion(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	requestID := middleware.GetRequestIDFromContext(ctx)

	identity := middleware.GetIdentityFromContext(ctx)
	if identity == nil {
		h.logger.Error("missing identity in context", zap.String("request_id", requestID))
		_ = utils.WriteUnauthorized(w, "")
		return
	}

	var req gateway.ChatRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&req); err != nil {
		h.logger.Warn("failed to parse request body",
			zap.String("request_id", requestID),
			zap.Error(err))
		_ = utils.WriteBadRequest(w, "Invalid request body", nil)
		return
	}

	if err := utils.ValidateStruct(req); err != nil {
		h.logger.Debug("request validation failed",
			zap.String("request_id", requestID),
			zap.Error(err))
		HandleValidationError(w, err, h.logger)
		return
	}

	result, err := h.pipeline.Process(ctx, *identity, req)
	if err != nil {
		if traceID, ok := services.GetErrorDetails(err)["trace_id"].(string); ok {
			w.Header().Set(HeaderTraceID, traceID)
		}
		HandleServiceError(w, err, h.logger)
		return
	}

	w.Header().Set(HeaderTraceID, result.TraceID)
	w.Header().Set(HeaderEffectiveModel, result.EffectiveModel)
	if result.CacheHit {
		w.Header().Set(HeaderCache, "HIT")
	} else {
		w.Header().Set(HeaderCache, "MISS")
	}

	h.logger.Info("chat completion served",
		zap.String("request_id", requestID),
		zap.String("trace_id", result.TraceID),
		zap.String("tenant_id", identity.TenantID),
		zap.String("decision", result.Decision),
		zap.String("model", result.EffectiveModel))

	if err := utils.WriteJSON(w, http.StatusOK, completionResponse(result)); err != nil {
		h.logger.Error("failed to write response",
			zap.String("request_id", requestID),
			zap.Error(err))
	}
}

func completionResponse(result *gateway.Result) ChatCompletionResponse {
	resp := result.Response
	created := resp.Created
	if created.IsZero() {
		created = time.Now()
	}
	finish := resp.FinishReason
	if finish == "" {
		finish = "stop"
	}
	model := resp.Model
	if model == "" {
		model = result.EffectiveModel
	}
	id := resp.ID
	if id == "" {
		id = result.TraceID
	}

	return ChatCompletionResponse{
		ID:      id,
		Object:  "chat.completion",
		Created: created.Unix(),
		Model:   model,
		Choices: []ChatChoice{{
			Index:        0,
			Message:      ChatMessage{Role: "assistant", Content: resp.Content},
			FinishReason: finish,
		}},
		Usage: ChatUsage{
			PromptTokens:     resp.Usage.PromptTokens,
			CompletionTokens: resp.Usage.CompletionTokens,
			TotalTokens:      resp.Usage.PromptTokens + resp.Usage.CompletionTokens,
		},
		Governance: GovernanceBlock{
			TraceID:      result.TraceID,
			Decision:     result.Decision,
			DecisionLog:  result.DecisionLog,
			Provider:     resp.Provider,
			CostUSD:      resp.CostUSD,
			SavingsRatio: result.Savings,
			CacheHit:     result.CacheHit,
			CacheTier:    result.CacheTier,
			Degraded:     result.Degraded,
			PIIRedacted:  result.PIIRedacted,
			ShadowHits:   result.ShadowHits,
		},
	}
}
