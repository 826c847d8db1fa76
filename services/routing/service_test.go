package routing

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/upb/llm-gateway/services"
	"github.com/upb/llm-gateway/services/cache"
	"github.com/upb/llm-gateway/services/circuit"
	"github.com/upb/llm-gateway/services/oracle"
	"github.com/upb/llm-gateway/services/providers"
	"go.uber.org/zap"
)

type scriptedProvider struct {
	name string

	mu     sync.Mutex
	calls  []string
	handle func(ctx context.Context, req *providers.ChatRequest) (*providers.ChatResponse, error)
}

func (p *scriptedProvider) Name() string { return p.name }

func (p *scriptedProvider) ChatCompletion(ctx context.Context, req *providers.ChatRequest) (*providers.ChatResponse, error) {
	p.mu.Lock()
	p.calls = append(p.calls, req.Model)
	p.mu.Unlock()
	if p.handle != nil {
		return p.handle(ctx, req)
	}
	return &providers.ChatResponse{
		ID:       "resp-" + p.name,
		Model:    req.Model,
		Provider: p.name,
		Content:  "answer from " + p.name,
		Usage:    providers.Usage{PromptTokens: 1000, CompletionTokens: 1000, TotalTokens: 2000},
	}, nil
}

func (p *scriptedProvider) callCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.calls)
}

func failing(name string, err error) *scriptedProvider {
	return &scriptedProvider{
		name: name,
		handle: func(context.Context, *providers.ChatRequest) (*providers.ChatResponse, error) {
			return nil, err
		},
	}
}

type fakeMemory struct {
	hit    *cache.Hit
	scope  string
	minSim float64
}

func (m *fakeMemory) Recall(_ context.Context, scope, _ string, minSimilarity float64) *cache.Hit {
	m.scope = scope
	m.minSim = minSimilarity
	return m.hit
}

type harness struct {
	svc     *RoutingService
	breaker *circuit.Breaker
	sleeps  []time.Duration
}

func newHarness(t *testing.T, memory Memory, provs ...providers.Provider) *harness {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })

	catalog, err := oracle.DefaultCatalog()
	require.NoError(t, err)
	o := oracle.New(catalog, nil, "", zap.NewNop())

	registry := providers.NewRegistry()
	for _, p := range provs {
		require.NoError(t, registry.RegisterProvider(p))
	}

	h := &harness{breaker: circuit.NewBreaker(rdb, 3, time.Minute, zap.NewNop())}
	h.svc = NewRoutingService(DefaultRoutingConfig(), registry, o, h.breaker, memory, zap.NewNop())
	h.svc.rand = func() float64 { return 0.99 }
	h.svc.sleep = func(_ context.Context, d time.Duration) error {
		h.sleeps = append(h.sleeps, d)
		return nil
	}
	return h
}

func smartCall() Call {
	return Call{
		Tier:     "agentshield-smart",
		TenantID: "t1",
		Prompt:   "quarterly revenue summary",
		Request: &providers.ChatRequest{
			Messages: []providers.Message{{Role: "user", Content: "quarterly revenue summary"}},
		},
	}
}

func TestExecute_FirstEntrySucceeds(t *testing.T) {
	openai := &scriptedProvider{name: "openai"}
	h := newHarness(t, nil, openai)

	res, err := h.svc.Execute(context.Background(), smartCall())
	require.NoError(t, err)

	assert.Equal(t, "openai", res.Provider)
	assert.Equal(t, "gpt-4o", res.Model)
	assert.False(t, res.Degraded)
	assert.False(t, res.Canary)
	// 1000 in at 2.5/1M + 1000 out at 10/1M
	assert.InDelta(t, 0.0125, res.Response.CostUSD, 1e-9)
	require.Len(t, res.Attempts, 1)
	assert.Equal(t, OutcomeSuccess, res.Attempts[0].Outcome)
}

func TestExecute_DoesNotMutateCallerRequest(t *testing.T) {
	h := newHarness(t, nil, &scriptedProvider{name: "openai"})
	call := smartCall()
	call.Request.Model = "agentshield-smart"

	_, err := h.svc.Execute(context.Background(), call)
	require.NoError(t, err)
	assert.Equal(t, "agentshield-smart", call.Request.Model)
	assert.Zero(t, call.Request.Timeout)
}

func TestExecute_RetriesTransientThenFallsBack(t *testing.T) {
	openai := failing("openai", providers.StatusError("openai", 503, "unavailable", "overloaded"))
	azure := &scriptedProvider{name: "azure"}
	h := newHarness(t, nil, openai, azure)

	res, err := h.svc.Execute(context.Background(), smartCall())
	require.NoError(t, err)

	assert.Equal(t, "azure", res.Provider)
	assert.Equal(t, 2, openai.callCount())
	assert.Equal(t, []time.Duration{time.Second}, h.sleeps)
	require.Len(t, res.Attempts, 3)
	assert.Equal(t, OutcomeFailure, res.Attempts[0].Outcome)
	assert.Equal(t, OutcomeFailure, res.Attempts[1].Outcome)
	assert.Equal(t, OutcomeSuccess, res.Attempts[2].Outcome)
}

func TestExecute_NonRetryableSkipsRetries(t *testing.T) {
	openai := failing("openai", providers.StatusError("openai", 400, "invalid_request_error", "bad"))
	azure := &scriptedProvider{name: "azure"}
	h := newHarness(t, nil, openai, azure)

	res, err := h.svc.Execute(context.Background(), smartCall())
	require.NoError(t, err)
	assert.Equal(t, "azure", res.Provider)
	assert.Equal(t, 1, openai.callCount())
	assert.Empty(t, h.sleeps)
}

func TestExecute_ClientErrorsNeverOpenCircuit(t *testing.T) {
	tests := []struct {
		name   string
		status int
		code   string
	}{
		{"bad request", 400, "invalid_request_error"},
		{"content filter", 422, "content_filter"},
		{"unauthorized", 401, "invalid_api_key"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			openai := failing("openai", providers.StatusError("openai", tt.status, tt.code, ""))
			h := newHarness(t, nil, openai, &scriptedProvider{name: "azure"})
			ctx := context.Background()

			for i := 0; i < 6; i++ {
				res, err := h.svc.Execute(ctx, smartCall())
				require.NoError(t, err)
				assert.Equal(t, "azure", res.Provider)
			}
			assert.Equal(t, 6, openai.callCount())

			allowed, state := h.breaker.Allow(ctx, "openai")
			assert.True(t, allowed)
			assert.Equal(t, circuit.StateClosed, state)

			snap, err := h.breaker.Snapshot(ctx, "openai")
			require.NoError(t, err)
			assert.Zero(t, snap.Failures)
		})
	}
}

func TestExecute_ClientErrorClearsServerFailures(t *testing.T) {
	calls := 0
	openai := &scriptedProvider{name: "openai"}
	openai.handle = func(context.Context, *providers.ChatRequest) (*providers.ChatResponse, error) {
		calls++
		if calls <= 2 {
			return nil, providers.StatusError("openai", 503, "unavailable", "")
		}
		return nil, providers.StatusError("openai", 400, "invalid_request_error", "")
	}
	h := newHarness(t, nil, openai, &scriptedProvider{name: "azure"})
	ctx := context.Background()

	_, err := h.svc.Execute(ctx, smartCall())
	require.NoError(t, err)
	snap, err := h.breaker.Snapshot(ctx, "openai")
	require.NoError(t, err)
	assert.Equal(t, int64(2), snap.Failures)

	_, err = h.svc.Execute(ctx, smartCall())
	require.NoError(t, err)
	snap, err = h.breaker.Snapshot(ctx, "openai")
	require.NoError(t, err)
	assert.Zero(t, snap.Failures)
}

func TestExecute_OpenCircuitSkipsProvider(t *testing.T) {
	openai := failing("openai", providers.StatusError("openai", 502, "bad_gateway", ""))
	azure := &scriptedProvider{name: "azure"}
	h := newHarness(t, nil, openai, azure)
	ctx := context.Background()

	// two requests, two attempts each: the fourth failure opens the circuit
	for i := 0; i < 2; i++ {
		res, err := h.svc.Execute(ctx, smartCall())
		require.NoError(t, err)
		assert.Equal(t, "azure", res.Provider)
	}
	assert.Equal(t, 4, openai.callCount())

	allowed, state := h.breaker.Allow(ctx, "openai")
	assert.False(t, allowed)
	assert.Equal(t, circuit.StateOpen, state)

	res, err := h.svc.Execute(ctx, smartCall())
	require.NoError(t, err)
	assert.Equal(t, "azure", res.Provider)
	assert.Equal(t, 4, openai.callCount(), "open provider must not be called")
	assert.Equal(t, OutcomeSkippedOpen, res.Attempts[0].Outcome)
}

func TestExecute_UnregisteredProviderIsSkipped(t *testing.T) {
	anthropic := &scriptedProvider{name: "anthropic"}
	h := newHarness(t, nil, anthropic)

	res, err := h.svc.Execute(context.Background(), smartCall())
	require.NoError(t, err)
	assert.Equal(t, "anthropic", res.Provider)
	assert.Equal(t, "claude-3-opus-20240229", res.Model)
	assert.Equal(t, OutcomeUnregistered, res.Attempts[0].Outcome)
	assert.Equal(t, OutcomeUnregistered, res.Attempts[1].Outcome)
}

func TestExecute_CanaryDrawn(t *testing.T) {
	openai := &scriptedProvider{name: "openai"}
	h := newHarness(t, nil, openai)
	h.svc.rand = func() float64 { return 0.01 }

	res, err := h.svc.Execute(context.Background(), smartCall())
	require.NoError(t, err)
	assert.True(t, res.Canary)
	assert.Equal(t, "gpt-4-turbo-preview", res.Model)
}

func TestExecute_CanaryOnlyForSmartTier(t *testing.T) {
	openai := &scriptedProvider{name: "openai"}
	h := newHarness(t, nil, openai)
	h.svc.rand = func() float64 { return 0.0 }

	call := smartCall()
	call.Tier = "agentshield-fast"
	res, err := h.svc.Execute(context.Background(), call)
	require.NoError(t, err)
	assert.False(t, res.Canary)
	assert.Equal(t, "gpt-4o-mini", res.Model)
}

func TestExecute_CanaryFailureFallsThrough(t *testing.T) {
	openai := &scriptedProvider{name: "openai"}
	openai.handle = func(_ context.Context, req *providers.ChatRequest) (*providers.ChatResponse, error) {
		if req.Model == "gpt-4-turbo-preview" {
			return nil, providers.StatusError("openai", 500, "server_error", "")
		}
		return &providers.ChatResponse{Model: req.Model, Content: "stable"}, nil
	}
	h := newHarness(t, nil, openai)
	h.svc.rand = func() float64 { return 0.0 }

	res, err := h.svc.Execute(context.Background(), smartCall())
	require.NoError(t, err)
	assert.False(t, res.Canary)
	assert.Equal(t, "gpt-4o", res.Model)
	assert.Equal(t, []string{"gpt-4-turbo-preview", "gpt-4o"}, openai.calls)
}

func TestExecute_DegradedFromMemory(t *testing.T) {
	down := providers.StatusError("x", 503, "unavailable", "")
	memory := &fakeMemory{hit: &cache.Hit{Response: "Revenue grew 12%.", Model: "gpt-4o", Similarity: 0.9, SourceID: "e1"}}
	h := newHarness(t, memory, failing("openai", down), failing("azure", down), failing("anthropic", down))

	res, err := h.svc.Execute(context.Background(), smartCall())
	require.NoError(t, err)
	assert.True(t, res.Degraded)
	assert.Equal(t, MemoryProvider, res.Provider)
	assert.Equal(t, DegradedPrefix+"Revenue grew 12%.", res.Response.Content)
	assert.Equal(t, "t1", memory.scope)
	assert.Equal(t, DegradedSimilarity, memory.minSim)
}

func TestExecute_Exhausted(t *testing.T) {
	down := providers.StatusError("x", 503, "unavailable", "")
	h := newHarness(t, &fakeMemory{}, failing("openai", down), failing("azure", down), failing("anthropic", down))

	_, err := h.svc.Execute(context.Background(), smartCall())
	require.Error(t, err)
	assert.True(t, errors.Is(err, services.ErrProviderExhausted))
	assert.Equal(t, services.CodeProviderExhausted, services.GetErrorCode(err))
}

func TestExecute_CallerCancelReportsNoFailure(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	openai := &scriptedProvider{name: "openai"}
	openai.handle = func(ctx context.Context, _ *providers.ChatRequest) (*providers.ChatResponse, error) {
		cancel()
		return nil, ctx.Err()
	}
	h := newHarness(t, nil, openai, &scriptedProvider{name: "azure"})

	_, err := h.svc.Execute(ctx, smartCall())
	require.ErrorIs(t, err, context.Canceled)

	snap, err := h.breaker.Snapshot(context.Background(), "openai")
	require.NoError(t, err)
	assert.Zero(t, snap.Failures)
}

type halfOpenHealth struct{ failures int }

func (h *halfOpenHealth) Allow(context.Context, string) (bool, circuit.State) {
	return true, circuit.StateHalfOpen
}
func (h *halfOpenHealth) ReportSuccess(context.Context, string) error { return nil }
func (h *halfOpenHealth) ReportFailure(context.Context, string) (bool, error) {
	h.failures++
	return true, nil
}

func TestExecute_HalfOpenAllowsSingleAttempt(t *testing.T) {
	openai := failing("openai", providers.StatusError("openai", 502, "bad_gateway", ""))
	azure := &scriptedProvider{name: "azure"}
	h := newHarness(t, nil, openai, azure)
	health := &halfOpenHealth{}
	h.svc.health = health

	res, err := h.svc.Execute(context.Background(), smartCall())
	require.NoError(t, err)
	assert.Equal(t, "azure", res.Provider)
	assert.Equal(t, 1, openai.callCount())
	assert.Equal(t, 1, health.failures)
	assert.Empty(t, h.sleeps)
}

func TestBackoff(t *testing.T) {
	s := &RoutingService{config: DefaultRoutingConfig()}
	assert.Equal(t, time.Second, s.backoff(1))
	assert.Equal(t, 2*time.Second, s.backoff(2))
	assert.Equal(t, 8*time.Second, s.backoff(4))
	assert.Equal(t, 10*time.Second, s.backoff(5))
	assert.Equal(t, 10*time.Second, s.backoff(12))
}
