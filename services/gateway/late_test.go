package gateway

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/upb/llm-gateway/models"
	"github.com/upb/llm-gateway/services/events"
	"github.com/upb/llm-gateway/services/safety"
	"github.com/upb/llm-gateway/services/trust"
	"go.uber.org/zap"
)

type recordingAdjuster struct {
	mu      sync.Mutex
	ids     []models.Identity
	deltas  []int
	reasons []string
	err     error
}

func (a *recordingAdjuster) Adjust(_ context.Context, id models.Identity, delta int, reason, _ string) (int, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.ids = append(a.ids, id)
	a.deltas = append(a.deltas, delta)
	a.reasons = append(a.reasons, reason)
	return 100 + delta, a.err
}

type recordingPublisher struct {
	events []events.Event
	err    error
}

func (p *recordingPublisher) Publish(_ context.Context, e events.Event) error {
	p.events = append(p.events, e)
	return p.err
}

func (p *recordingPublisher) Close() error { return nil }

func TestLateSafetyHandler(t *testing.T) {
	auditor := &MockAuditor{}
	auditor.On("SafetyLateVerdict", "acme", "alice", "trc_abc", safety.CategoryJailbreak).Return()
	pub := &recordingPublisher{}
	adjuster := &recordingAdjuster{}

	handler := LateSafetyHandler(auditor, adjuster, pub, zap.NewNop())
	dc := newDecisionContext("trc_abc", "acme", "alice", "eng", "gpt-4o", 0)
	handler(WithDecision(context.Background(), dc), safety.Verdict{Category: safety.CategoryJailbreak, Detail: "jailbreak"})

	auditor.AssertExpectations(t)
	require.Len(t, adjuster.ids, 1)
	assert.Equal(t, models.Identity{TenantID: "acme", UserID: "alice", DeptID: "eng"}, adjuster.ids[0])
	assert.Equal(t, []int{trust.SecurityPenalty}, adjuster.deltas)
	assert.Equal(t, "Playbook Trigger: "+safety.CategoryJailbreak, adjuster.reasons[0])
	require.Len(t, pub.events, 1)
	assert.Equal(t, events.TypeSafetyAudit, pub.events[0].Type)
	assert.Equal(t, "trc_abc", pub.events[0].TraceID)
	assert.Equal(t, safety.CategoryJailbreak, pub.events[0].Payload["category"])
}

func TestLateSafetyHandler_WithoutDecisionContext(t *testing.T) {
	auditor := &MockAuditor{}
	pub := &recordingPublisher{err: errors.New("broker down")}
	adjuster := &recordingAdjuster{}

	handler := LateSafetyHandler(auditor, adjuster, pub, zap.NewNop())
	handler(context.Background(), safety.Verdict{Category: safety.CategoryPromptInjection})

	auditor.AssertNotCalled(t, "SafetyLateVerdict")
	assert.Empty(t, pub.events)
	assert.Empty(t, adjuster.ids)
}

func TestLateSafetyHandler_PenaltyFailureStillPublishes(t *testing.T) {
	pub := &recordingPublisher{}
	adjuster := &recordingAdjuster{err: errors.New("redis: connection refused")}

	handler := LateSafetyHandler(nil, adjuster, pub, zap.NewNop())
	dc := newDecisionContext("trc_def", "acme", "alice", "eng", "gpt-4o", 0)
	handler(WithDecision(context.Background(), dc), safety.Verdict{Category: safety.CategoryPromptInjection})

	assert.Len(t, adjuster.ids, 1)
	assert.Len(t, pub.events, 1)
}

func TestKeywordClassifier(t *testing.T) {
	tests := []struct {
		prompt string
		want   string
	}{
		{"Refactor this golang function please", "coding"},
		{"Review the liability clause in this contract", "legal"},
		{"Prepare the Q3 revenue forecast", "finance"},
		{"Draft an onboarding checklist", "hr"},
		{"Write a short poem about autumn", "creative"},
		{"What is the capital of France?", DefaultIntent},
	}

	for _, tt := range tests {
		t.Run(tt.want, func(t *testing.T) {
			got, err := KeywordClassifier{}.Classify(context.Background(), "acme", tt.prompt)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

type countingClassifier struct {
	calls int
}

func (c *countingClassifier) Classify(_ context.Context, _, _ string) (string, error) {
	c.calls++
	return "coding", nil
}

func TestCachedClassifier(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	next := &countingClassifier{}
	c := NewCachedClassifier(next, rdb, zap.NewNop())
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		got, err := c.Classify(ctx, "acme", "fix my code")
		require.NoError(t, err)
		assert.Equal(t, "coding", got)
	}
	assert.Equal(t, 1, next.calls)
	assert.Equal(t, intentTTL, mr.TTL(intentKey("acme", "fix my code")))

	// scoped per tenant
	_, err := c.Classify(ctx, "globex", "fix my code")
	require.NoError(t, err)
	assert.Equal(t, 2, next.calls)

	// store outage falls through to the wrapped classifier
	mr.Close()
	got, err := c.Classify(ctx, "acme", "fix my code")
	require.NoError(t, err)
	assert.Equal(t, "coding", got)
	assert.Equal(t, 3, next.calls)
}

func TestNewTraceID(t *testing.T) {
	a, b := NewTraceID(), NewTraceID()
	assert.Regexp(t, `^trc_[0-9a-f]{12}$`, a)
	assert.NotEqual(t, a, b)
}
