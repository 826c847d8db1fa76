package budget

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
	"github.com/upb/llm-gateway/models"
	"github.com/upb/llm-gateway/services"
	"github.com/upb/llm-gateway/services/dlq"
	"github.com/upb/llm-gateway/services/events"
	"go.uber.org/zap"
)

type memoryWallets struct {
	mu  sync.Mutex
	txs []*models.WalletTransaction
	err error
}

func (m *memoryWallets) InsertTransaction(_ context.Context, tx *models.WalletTransaction) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	m.txs = append(m.txs, tx)
	return nil
}

type recordingSink struct {
	kinds []string
	err   []error
}

func (r *recordingSink) Push(_ context.Context, kind string, _ any, cause error) error {
	r.kinds = append(r.kinds, kind)
	r.err = append(r.err, cause)
	return nil
}

type recordingPublisher struct {
	events []events.Event
}

func (r *recordingPublisher) Publish(_ context.Context, e events.Event) error {
	r.events = append(r.events, e)
	return nil
}

func (r *recordingPublisher) Close() error { return nil }

type fixture struct {
	svc       *BudgetService
	mr        *miniredis.Miniredis
	wallets   *memoryWallets
	sink      *recordingSink
	publisher *recordingPublisher
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })

	f := &fixture{
		mr:        mr,
		wallets:   &memoryWallets{},
		sink:      &recordingSink{},
		publisher: &recordingPublisher{},
	}
	// a nil pool runs background tasks inline
	f.svc = NewBudgetService(rdb, f.wallets, nil, f.sink, f.publisher, DefaultConfig(), zap.NewNop())
	return f
}

var alice = models.Identity{TenantID: "acme", DeptID: "rnd", UserID: "u-alice", Email: "alice@acme.io", Role: models.RoleMember}

func (f *fixture) fund(t *testing.T, tenant, dept, user string) {
	t.Helper()
	require.NoError(t, f.mr.Set(WalletKey(alice.TenantID, LevelTenant, ""), tenant))
	require.NoError(t, f.mr.Set(WalletKey(alice.TenantID, LevelDept, alice.DeptID), dept))
	require.NoError(t, f.mr.Set(WalletKey(alice.TenantID, LevelUser, alice.UserID), user))
}

func TestCheckHierarchicalBudget(t *testing.T) {
	tests := []struct {
		name               string
		tenant, dept, user string
		wantMsg            string
		wantLevel          string
	}{
		{name: "all funded", tenant: "100", dept: "50", user: "10"},
		{name: "tenant short", tenant: "0.001", dept: "50", user: "10", wantMsg: "Corporate funds exhausted", wantLevel: "tenant"},
		{name: "dept short", tenant: "100", dept: "0", user: "10", wantMsg: "Department 'rnd' budget exceeded", wantLevel: "dept"},
		{name: "user short", tenant: "100", dept: "50", user: "0.002", wantMsg: "Personal allowance for alice@acme.io exhausted", wantLevel: "user"},
		{name: "user wins over tenant and dept", tenant: "0", dept: "0", user: "0", wantMsg: "Personal allowance for alice@acme.io exhausted", wantLevel: "user"},
		{name: "dept wins over tenant", tenant: "0", dept: "0", user: "10", wantMsg: "Department 'rnd' budget exceeded", wantLevel: "dept"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			f.fund(t, tt.tenant, tt.dept, tt.user)

			err := f.svc.CheckHierarchicalBudget(context.Background(), alice, 0.01)
			if tt.wantMsg == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.True(t, services.IsBudgetExceededError(err))

			var de *services.DomainError
			require.True(t, errors.As(err, &de))
			assert.Equal(t, tt.wantMsg, de.Message)
			assert.Equal(t, tt.wantLevel, de.Details["level"])
		})
	}
}

func TestCheckHierarchicalBudget_MissingWalletIsZero(t *testing.T) {
	f := newFixture(t)

	err := f.svc.CheckHierarchicalBudget(context.Background(), alice, 0.01)
	assert.True(t, services.IsBudgetExceededError(err))

	assert.NoError(t, f.svc.CheckHierarchicalBudget(context.Background(), alice, 0))
}

func TestCheckHierarchicalBudget_FailsClosed(t *testing.T) {
	t.Run("store down", func(t *testing.T) {
		f := newFixture(t)
		f.fund(t, "100", "100", "100")
		f.mr.Close()

		err := f.svc.CheckHierarchicalBudget(context.Background(), alice, 0.01)
		require.Error(t, err)
		assert.True(t, services.IsInternalError(err))

		var de *services.DomainError
		require.True(t, errors.As(err, &de))
		assert.Equal(t, InternalErrorMessage, de.Message)
	})

	t.Run("corrupt balance", func(t *testing.T) {
		f := newFixture(t)
		f.fund(t, "100", "lots", "100")

		err := f.svc.CheckHierarchicalBudget(context.Background(), alice, 0.01)
		assert.True(t, services.IsInternalError(err))
	})
}

func TestCheckVelocity_KillSwitchScenario(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.fund(t, "1000", "1000", "1000")
	require.NoError(t, f.svc.SetMonthlyLimit(ctx, alice.TenantID, 50))

	// $6 spent in the current window against a $5 threshold
	require.NoError(t, f.mr.Set(velocityKey(alice.TenantID), "6"))
	f.mr.SetTTL(velocityKey(alice.TenantID), 60*time.Second)

	err := f.svc.Check(ctx, alice, 0.01)
	require.Error(t, err)
	assert.True(t, services.IsVelocityExceededError(err))
	assert.Equal(t, services.CodeVelocityExceeded, services.GetErrorCode(err))

	assert.True(t, f.mr.Exists(freezeKey(alice.TenantID)))
	assert.Equal(t, 5*time.Minute, f.mr.TTL(freezeKey(alice.TenantID)))

	require.Len(t, f.publisher.events, 1)
	assert.Equal(t, events.TypeKillSwitchTriggered, f.publisher.events[0].Type)
	assert.Equal(t, events.SeverityCritical, f.publisher.events[0].Severity)

	// frozen regardless of balance, even for other users of the tenant
	bob := alice
	bob.UserID = "u-bob"
	err = f.svc.Check(ctx, bob, 0.0001)
	require.Error(t, err)
	assert.Equal(t, services.CodeTenantFrozen, services.GetErrorCode(err))
	assert.Equal(t, 300, services.GetErrorDetails(err)["retry_after_seconds"])

	f.mr.FastForward(5*time.Minute + time.Second)
	assert.NoError(t, f.svc.Check(ctx, alice, 0.01))
}

func TestCheckVelocity_FloorApplies(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.svc.SetMonthlyLimit(ctx, alice.TenantID, 2))

	// threshold = max(0.2, 1.0 floor)
	require.NoError(t, f.mr.Set(velocityKey(alice.TenantID), "0.9"))
	assert.NoError(t, f.svc.CheckVelocity(ctx, alice, 0.05))
	assert.Error(t, f.svc.CheckVelocity(ctx, alice, 0.2))
}

func TestCheckVelocity_ManualKillSwitch(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.fund(t, "1000", "1000", "1000")

	require.NoError(t, f.svc.SetKillSwitch(ctx, alice.TenantID, true, time.Hour))
	err := f.svc.Check(ctx, alice, 0.01)
	assert.Equal(t, services.CodeTenantFrozen, services.GetErrorCode(err))

	require.NoError(t, f.svc.SetKillSwitch(ctx, alice.TenantID, false, 0))
	assert.NoError(t, f.svc.Check(ctx, alice, 0.01))
}

func TestCheckVelocity_FailsClosed(t *testing.T) {
	f := newFixture(t)
	f.mr.Close()

	err := f.svc.CheckVelocity(context.Background(), alice, 0.01)
	assert.True(t, services.IsInternalError(err))
}

func TestCharge(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.fund(t, "10", "5", "1")

	b, err := f.svc.Charge(ctx, alice, "trc_abc", 0.25)
	require.NoError(t, err)
	assert.InDelta(t, 9.75, b.Tenant, 1e-9)
	assert.InDelta(t, 4.75, b.Dept, 1e-9)
	assert.InDelta(t, 0.75, b.User, 1e-9)

	spent, err := f.mr.Get(velocityKey(alice.TenantID))
	require.NoError(t, err)
	assert.Equal(t, "0.25", spent)
	assert.Equal(t, 60*time.Second, f.mr.TTL(velocityKey(alice.TenantID)))

	// the window is fixed, not extended by later charges
	f.mr.FastForward(10 * time.Second)
	_, err = f.svc.Charge(ctx, alice, "trc_def", 0.25)
	require.NoError(t, err)
	assert.Equal(t, 50*time.Second, f.mr.TTL(velocityKey(alice.TenantID)))

	require.Len(t, f.wallets.txs, 2)
	assert.Equal(t, "trc_abc", f.wallets.txs[0].TraceID)
	assert.Equal(t, 0.25, f.wallets.txs[0].AmountUSD)
	assert.Empty(t, f.sink.kinds)
}

func TestCharge_IsAllOrNothing(t *testing.T) {
	f := newFixture(t)
	f.fund(t, "10", "corrupt", "1")

	_, err := f.svc.Charge(context.Background(), alice, "trc", 0.5)
	require.Error(t, err)

	tenant, _ := f.mr.Get(WalletKey(alice.TenantID, LevelTenant, ""))
	user, _ := f.mr.Get(WalletKey(alice.TenantID, LevelUser, alice.UserID))
	assert.Equal(t, "10", tenant)
	assert.Equal(t, "1", user)
	assert.False(t, f.mr.Exists(velocityKey(alice.TenantID)))
	assert.Empty(t, f.wallets.txs)
}

func TestCharge_DurableFailureDeadLetters(t *testing.T) {
	f := newFixture(t)
	f.fund(t, "10", "10", "10")
	f.wallets.err = errors.New("pq: too many connections")

	_, err := f.svc.Charge(context.Background(), alice, "trc", 0.5)
	require.NoError(t, err, "durable failure never surfaces")
	assert.Equal(t, []string{dlq.KindWallet}, f.sink.kinds)
	assert.EqualError(t, f.sink.err[0], "pq: too many connections")
}

func TestCharge_ZeroIsNoop(t *testing.T) {
	f := newFixture(t)
	_, err := f.svc.Charge(context.Background(), alice, "trc", 0)
	require.NoError(t, err)
	assert.False(t, f.mr.Exists(velocityKey(alice.TenantID)))
	assert.Empty(t, f.wallets.txs)
}

func TestTopUp(t *testing.T) {
	f := newFixture(t)
	bal, err := f.svc.TopUp(context.Background(), alice.TenantID, LevelUser, alice.UserID, 12.5)
	require.NoError(t, err)
	assert.Equal(t, 12.5, bal)

	bals, err := f.svc.Balances(context.Background(), alice)
	require.NoError(t, err)
	assert.Equal(t, 12.5, bals.User)
}

func TestTopUp_Rejects(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	tests := []struct {
		name   string
		level  Level
		id     string
		amount float64
	}{
		{"unknown level", Level("org"), "x", 5},
		{"missing user", LevelUser, "", 5},
		{"zero amount", LevelTenant, "", 0},
		{"negative amount", LevelDept, "rnd", -1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.svc.TopUp(ctx, alice.TenantID, tt.level, tt.id, tt.amount)
			assert.True(t, services.IsValidationError(err))
		})
	}
}

func TestWalletKey_IsTenantScoped(t *testing.T) {
	assert.Equal(t, "wallet:tenant:acme", WalletKey("acme", LevelTenant, "ignored"))
	assert.Equal(t, "wallet:dept:acme:rnd", WalletKey("acme", LevelDept, "rnd"))
	assert.NotEqual(t, WalletKey("acme", LevelUser, "bob"), WalletKey("globex", LevelUser, "bob"))
}

func TestTopUp_DoesNotCrossTenants(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	globex := models.Identity{TenantID: "globex", DeptID: alice.DeptID, UserID: alice.UserID}

	_, err := f.svc.TopUp(ctx, "globex", LevelUser, alice.UserID, 40)
	require.NoError(t, err)

	mine, err := f.svc.Balances(ctx, alice)
	require.NoError(t, err)
	assert.Zero(t, mine.User)

	theirs, err := f.svc.Balances(ctx, globex)
	require.NoError(t, err)
	assert.Equal(t, 40.0, theirs.User)
}

func TestReplay_DeadLetteredTransaction(t *testing.T) {
	f := newFixture(t)
	rdb := redis.NewClient(&redis.Options{Addr: f.mr.Addr()})
	t.Cleanup(func() { rdb.Close() })
	queue := dlq.NewQueue(rdb, zap.NewNop())

	tx := models.NewWalletTransaction("acme", "rnd", "u-alice", "trc_7", 0.25)
	require.NoError(t, queue.Push(context.Background(), dlq.KindWallet, tx, errors.New("db down")))

	n, err := queue.Replay(context.Background(), dlq.KindWallet, "", f.svc.Replay, nil)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	require.Len(t, f.wallets.txs, 1)
	assert.Equal(t, tx.ID, f.wallets.txs[0].ID)
	assert.Equal(t, 0.25, f.wallets.txs[0].AmountUSD)

	assert.Error(t, f.svc.Replay(context.Background(), []byte("{")))
}
