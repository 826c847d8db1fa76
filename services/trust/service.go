// Package trust keeps per-user trust scores and maps them to access bands.
package trust

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/upb/llm-gateway/models"
	"github.com/upb/llm-gateway/repositories"
	"github.com/upb/llm-gateway/services/dlq"
	"github.com/upb/llm-gateway/services/events"
	"github.com/upb/llm-gateway/services/worker"
	"go.uber.org/zap"
)

const (
	DefaultScore = 100
	MinScore     = 0
	MaxScore     = 100

	// AmnestyScore is restored by an administrator pardon
	AmnestyScore = 70

	CriticalThreshold   = 30
	RestrictedThreshold = 70

	// SecureModel is forced on critical users
	SecureModel = "agentshield-secure"

	// RestrictedModel replaces premium models for restricted users
	RestrictedModel = "agentshield-fast"

	ReasonCritical   = "Trust Score critical (<30). Access restricted."
	ReasonRestricted = "Premium model restricted due to trust score (behavioral tiering)."

	// SecurityPenalty is applied when a request trips a security block
	SecurityPenalty = -20

	// HealDelta is credited on every healer pass to users clean for CleanWindow
	HealDelta   = 5
	CleanWindow = 24 * time.Hour
	ReasonHeal  = "Auto-Healing: 24h without incidents"
)

const (
	incidentsKey = "trust:incidents"
	healBatch    = 1000
)

var premiumMarkers = []string{"gpt-4", "opus", "sonnet", "smart", "o1"}

// Mode is the access band of a score
type Mode string

const (
	ModeNormal     Mode = "normal"
	ModeRestricted Mode = "restricted"
	ModeSupervised Mode = "supervised"
)

// Enforcement is the trust gate's verdict for one request
type Enforcement struct {
	TrustScore       int
	Mode             Mode
	EffectiveModel   string
	RequiresApproval bool
	Reason           string
}

// Clamped score change. Returns {old, new}; a missing or corrupt value counts as the default.
// KEYS[2] holds every user below the maximum, scored by the time of their last drop.
var adjustScript = redis.NewScript(`
local v = tonumber(redis.call("GET", KEYS[1]) or "")
if v == nil then v = tonumber(ARGV[2]) end
local n = math.floor(v + tonumber(ARGV[1]))
n = math.max(tonumber(ARGV[3]), math.min(tonumber(ARGV[4]), n))
redis.call("SET", KEYS[1], n)
if tonumber(ARGV[1]) < 0 then
  redis.call("ZADD", KEYS[2], ARGV[6], ARGV[5])
elseif n >= tonumber(ARGV[4]) then
  redis.call("ZREM", KEYS[2], ARGV[5])
else
  redis.call("ZADD", KEYS[2], "NX", ARGV[6], ARGV[5])
end
return {math.floor(v), n}
`)

var setScript = redis.NewScript(`
local v = tonumber(redis.call("GET", KEYS[1]) or "")
if v == nil then v = tonumber(ARGV[2]) end
redis.call("SET", KEYS[1], ARGV[1])
redis.call("ZADD", KEYS[2], ARGV[4], ARGV[3])
return math.floor(v)
`)

// Key returns the fast-store key of a user's score
func Key(tenantID, userID string) string {
	return "trust:" + tenantID + ":" + userID
}

func member(tenantID, userID string) string { return tenantID + "|" + userID }

// TrustService reads and adjusts trust scores
type TrustService struct {
	rdb    redis.UniversalClient
	repo   repositories.TrustEventRepository
	pool   worker.Submitter
	dlq    dlq.Sink
	events events.Publisher
	logger *zap.Logger
	now    func() time.Time
}

// NewTrustService creates a trust service
func NewTrustService(rdb redis.UniversalClient, repo repositories.TrustEventRepository, pool worker.Submitter, sink dlq.Sink, publisher events.Publisher, logger *zap.Logger) *TrustService {
	if publisher == nil {
		publisher = events.NopPublisher{}
	}
	if pool == nil {
		pool = worker.Inline{}
	}
	return &TrustService{rdb: rdb, repo: repo, pool: pool, dlq: sink, events: publisher, logger: logger, now: time.Now}
}

// GetScore returns the user's score, lazily initialising it to the default
func (s *TrustService) GetScore(ctx context.Context, tenantID, userID string) (int, error) {
	key := Key(tenantID, userID)
	raw, err := s.rdb.Get(ctx, key).Result()
	if err == redis.Nil {
		if err := s.rdb.SetNX(ctx, key, DefaultScore, 0).Err(); err != nil {
			return 0, fmt.Errorf("failed to initialise trust score: %w", err)
		}
		return DefaultScore, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to read trust score: %w", err)
	}

	score, err := strconv.Atoi(raw)
	if err != nil {
		s.logger.Warn("corrupt trust score, resetting to default",
			zap.String("tenant_id", tenantID), zap.String("user_id", userID), zap.String("raw", raw))
		if err := s.rdb.Set(ctx, key, DefaultScore, 0).Err(); err != nil {
			return 0, fmt.Errorf("failed to reset trust score: %w", err)
		}
		return DefaultScore, nil
	}
	return score, nil
}

// Enforce maps a score and a requested model to the gate's verdict
func Enforce(score int, requestedModel string) Enforcement {
	e := Enforcement{TrustScore: score, Mode: ModeNormal, EffectiveModel: requestedModel}

	if score < CriticalThreshold {
		e.Mode = ModeSupervised
		e.EffectiveModel = SecureModel
		e.RequiresApproval = true
		e.Reason = ReasonCritical
		return e
	}

	if score < RestrictedThreshold {
		e.Mode = ModeRestricted
		if IsPremium(requestedModel) {
			e.EffectiveModel = RestrictedModel
			e.Reason = ReasonRestricted
		}
	}
	return e
}

// IsPremium reports whether model belongs to the premium class
func IsPremium(model string) bool {
	lower := strings.ToLower(model)
	for _, m := range premiumMarkers {
		if strings.Contains(lower, m) {
			return true
		}
	}
	return false
}

// EnforcePolicy reads the score and applies Enforce
func (s *TrustService) EnforcePolicy(ctx context.Context, id models.Identity, requestedModel string) (Enforcement, error) {
	score, err := s.GetScore(ctx, id.TenantID, id.UserID)
	if err != nil {
		return Enforcement{}, err
	}
	return Enforce(score, requestedModel), nil
}

// Adjust applies delta clamped to [0,100] and records the event in the background
func (s *TrustService) Adjust(ctx context.Context, id models.Identity, delta int, reason, traceID string) (int, error) {
	res, err := adjustScript.Run(ctx, s.rdb, []string{Key(id.TenantID, id.UserID), incidentsKey},
		delta, DefaultScore, MinScore, MaxScore, member(id.TenantID, id.UserID), s.now().Unix()).Int64Slice()
	if err != nil {
		return 0, fmt.Errorf("failed to adjust trust score: %w", err)
	}
	oldScore, newScore := int(res[0]), int(res[1])

	s.logger.Info("trust adjustment",
		zap.String("tenant_id", id.TenantID),
		zap.String("user_id", id.UserID),
		zap.Int("delta", delta),
		zap.Int("score", newScore),
		zap.String("reason", reason))

	s.record(id, oldScore, newScore, delta, reason, traceID)
	return newScore, nil
}

// Amnesty restores a user to AmnestyScore and restarts their clean window
func (s *TrustService) Amnesty(ctx context.Context, id models.Identity, actor string) (int, error) {
	old, err := setScript.Run(ctx, s.rdb, []string{Key(id.TenantID, id.UserID), incidentsKey},
		AmnestyScore, DefaultScore, member(id.TenantID, id.UserID), s.now().Unix()).Int()
	if err != nil {
		return 0, fmt.Errorf("failed to grant amnesty: %w", err)
	}

	s.logger.Info("trust amnesty granted",
		zap.String("tenant_id", id.TenantID),
		zap.String("user_id", id.UserID),
		zap.String("actor", actor),
		zap.Int("previous_score", old))

	s.record(id, old, AmnestyScore, AmnestyScore-old, "amnesty by "+actor, "")
	return AmnestyScore, nil
}

// Heal credits HealDelta to every user whose last drop is older than
// CleanWindow. Users reaching MaxScore leave the incident set. It returns
// the number of users healed.
func (s *TrustService) Heal(ctx context.Context) (int, error) {
	cutoff := s.now().Add(-CleanWindow).Unix()
	members, err := s.rdb.ZRangeByScore(ctx, incidentsKey, &redis.ZRangeBy{
		Min:   "-inf",
		Max:   strconv.FormatInt(cutoff, 10),
		Count: healBatch,
	}).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to list trust incidents: %w", err)
	}

	healed := 0
	for _, m := range members {
		tenantID, userID, ok := strings.Cut(m, "|")
		if !ok {
			s.logger.Warn("dropping malformed trust incident", zap.String("member", m))
			_ = s.rdb.ZRem(ctx, incidentsKey, m).Err()
			continue
		}
		if _, err := s.Adjust(ctx, models.Identity{TenantID: tenantID, UserID: userID}, HealDelta, ReasonHeal, ""); err != nil {
			if ctx.Err() != nil {
				return healed, ctx.Err()
			}
			s.logger.Warn("trust heal failed",
				zap.String("tenant_id", tenantID),
				zap.String("user_id", userID),
				zap.Error(err))
			continue
		}
		healed++
	}

	if healed > 0 {
		s.logger.Info("trust healer pass", zap.Int("healed", healed))
	}
	return healed, nil
}

// RunHealer calls Heal every interval until ctx is cancelled
func (s *TrustService) RunHealer(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := s.Heal(ctx); err != nil && ctx.Err() == nil {
				s.logger.Warn("trust healer pass failed", zap.Error(err))
			}
		}
	}
}

func (s *TrustService) record(id models.Identity, oldScore, newScore, delta int, reason, traceID string) {
	ev := &models.TrustEvent{
		TenantID:      id.TenantID,
		UserID:        id.UserID,
		PreviousScore: oldScore,
		NewScore:      newScore,
		Delta:         delta,
		Reason:        reason,
		RiskTier:      models.RiskTierFor(newScore),
		CreatedAt:     time.Now().UTC(),
	}
	ev.ID = uuid.New()

	if s.repo != nil {
		_ = s.pool.Submit(worker.Task{
			Name: "trust_event",
			Run: func(ctx context.Context) error {
				return s.repo.Insert(ctx, ev)
			},
			OnFailure: func(err error) {
				if s.dlq == nil {
					return
				}
				ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
				defer cancel()
				_ = s.dlq.Push(ctx, dlq.KindTrust, ev, err)
			},
		})
	}

	if delta >= 0 {
		return
	}
	severity := events.SeverityWarning
	if newScore < CriticalThreshold {
		severity = events.SeverityCritical
	}
	event := events.Event{
		Type:     events.TypeTrustScoreDrop,
		TenantID: id.TenantID,
		UserID:   id.UserID,
		TraceID:  traceID,
		Severity: severity,
		Payload: map[string]interface{}{
			"old_score": oldScore,
			"new_score": newScore,
			"delta":     delta,
			"reason":    reason,
		},
		At: ev.CreatedAt,
	}
	_ = s.pool.Submit(worker.Task{
		Name: "publish_trust_drop",
		Run: func(ctx context.Context) error {
			return s.events.Publish(ctx, event)
		},
	})
}

// Replay re-inserts a dead-lettered trust event
func (s *TrustService) Replay(ctx context.Context, payload json.RawMessage) error {
	if s.repo == nil {
		return fmt.Errorf("no trust event repository configured")
	}
	var ev models.TrustEvent
	if err := json.Unmarshal(payload, &ev); err != nil {
		return fmt.Errorf("decode dead-lettered trust event: %w", err)
	}
	return s.repo.Insert(ctx, &ev)
}
