package audit

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"github.com/upb/llm-gateway/models"
	"github.com/upb/llm-gateway/services/worker"
	"go.uber.org/zap"
)

// MockAuditRepository is a mock implementation of AuditRepository
type MockAuditRepository struct {
	mock.Mock
	mu           sync.Mutex
	insertedLogs []*models.AuditLog
}

func (m *MockAuditRepository) Insert(ctx context.Context, log *models.AuditLog) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	args := m.Called(ctx, log)
	m.insertedLogs = append(m.insertedLogs, log)
	return args.Error(0)
}

func (m *MockAuditRepository) GetByTraceID(ctx context.Context, traceID string) ([]*models.AuditLog, error) {
	args := m.Called(ctx, traceID)
	if logs := args.Get(0); logs != nil {
		return logs.([]*models.AuditLog), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *MockAuditRepository) logs() []*models.AuditLog {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]*models.AuditLog(nil), m.insertedLogs...)
}

type recordingSink struct {
	mu    sync.Mutex
	kinds []string
}

func (r *recordingSink) Push(_ context.Context, kind string, _ any, _ error) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.kinds = append(r.kinds, kind)
	return nil
}

func details(t *testing.T, log *models.AuditLog) map[string]interface{} {
	t.Helper()
	var out map[string]interface{}
	require.NoError(t, json.Unmarshal(log.Details, &out))
	return out
}

func TestAuditService_Helpers(t *testing.T) {
	repo := new(MockAuditRepository)
	repo.On("Insert", mock.Anything, mock.AnythingOfType("*models.AuditLog")).Return(nil)

	svc := NewAuditService(repo, nil, nil, zap.NewNop())

	svc.PolicyShadowHit("acme", "alice", "trc_1", "r1", "trial", models.PolicyActionBlock)
	svc.PolicyEnforced("acme", "alice", "trc_1", "r2", "no-gpt4", models.PolicyActionBlock, "Blocked by policy: no-gpt4")
	svc.KillSwitchTriggered("acme", "", "trc_2", 6, 5)
	svc.SafetyLateVerdict("acme", "bob", "trc_3", "jailbreak")
	svc.DegradedResponse("acme", "bob", "trc_4", "agentshield-smart", 0.91)

	logs := repo.logs()
	require.Len(t, logs, 5)

	assert.Equal(t, models.AuditActionPolicyShadowHit, logs[0].Action)
	assert.Equal(t, "trial", details(t, logs[0])["policy"])
	require.NotNil(t, logs[0].UserID)
	assert.Equal(t, "alice", *logs[0].UserID)

	assert.Equal(t, models.AuditActionPolicyEnforced, logs[1].Action)
	assert.Equal(t, "Blocked by policy: no-gpt4", details(t, logs[1])["reason"])

	assert.Equal(t, models.AuditActionKillSwitch, logs[2].Action)
	assert.Nil(t, logs[2].UserID)
	assert.Equal(t, 6.0, details(t, logs[2])["projected_spend"])

	assert.Equal(t, models.AuditActionSafetyLate, logs[3].Action)
	assert.Equal(t, models.AuditActionDegradedResponse, logs[4].Action)
	assert.Equal(t, "trc_4", logs[4].TraceID)
}

func TestAuditService_FailedWriteIsDeadLettered(t *testing.T) {
	repo := new(MockAuditRepository)
	repo.On("Insert", mock.Anything, mock.Anything).Return(errors.New("db down"))
	sink := &recordingSink{}

	svc := NewAuditService(repo, nil, sink, zap.NewNop())
	svc.PolicyShadowHit("acme", "alice", "trc_1", "r1", "trial", models.PolicyActionBlock)

	assert.Equal(t, []string{"audit"}, sink.kinds)
}

func TestAuditService_WithPool(t *testing.T) {
	repo := new(MockAuditRepository)
	repo.On("Insert", mock.Anything, mock.Anything).Return(nil)

	pool := worker.NewPool(worker.Config{QueueSize: 100, WorkerCount: 2, TaskTimeout: time.Second}, zap.NewNop())
	require.NoError(t, pool.Start())

	svc := NewAuditService(repo, pool, nil, zap.NewNop())
	for i := 0; i < 20; i++ {
		svc.DegradedResponse("acme", "bob", "trc", "agentshield-fast", 0.9)
	}

	require.NoError(t, pool.Stop(2*time.Second))
	assert.Len(t, repo.logs(), 20)
}

func TestAuditService_GetTrail(t *testing.T) {
	repo := new(MockAuditRepository)
	want := []*models.AuditLog{models.NewAuditLog("acme", "trc_9", models.AuditActionPolicyEnforced)}
	repo.On("GetByTraceID", mock.Anything, "trc_9").Return(want, nil)

	svc := NewAuditService(repo, nil, nil, zap.NewNop())
	got, err := svc.GetTrail(context.Background(), "trc_9")

	require.NoError(t, err)
	assert.Equal(t, want, got)
}

func TestAuditService_Replay(t *testing.T) {
	repo := new(MockAuditRepository)
	repo.On("Insert", mock.Anything, mock.AnythingOfType("*models.AuditLog")).Return(nil)
	svc := NewAuditService(repo, nil, nil, zap.NewNop())

	log := models.NewAuditLog("acme", "trc_5", models.AuditActionKillSwitch)
	payload, err := json.Marshal(log)
	require.NoError(t, err)

	require.NoError(t, svc.Replay(context.Background(), payload))
	require.Len(t, repo.logs(), 1)
	assert.Equal(t, log.ID, repo.logs()[0].ID)
	assert.Equal(t, models.AuditActionKillSwitch, repo.logs()[0].Action)

	assert.Error(t, svc.Replay(context.Background(), []byte("not json")))
}
