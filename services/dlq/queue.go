// Package dlq keeps failed background writes in Redis streams for later replay.
package dlq

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/upb/llm-gateway/internal/observability"
	"github.com/upb/llm-gateway/services"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// Dead-letter kinds
const (
	KindLedger = "ledger"
	KindWallet = "wallet"
	KindTrust  = "trust"
	KindAudit  = "audit"
)

const (
	keyPrefix   = "dlq:"
	maxLen      = 100000
	replayBatch = 100
)

// Entry is one dead-lettered payload
type Entry struct {
	ID       string
	Kind     string
	TenantID string
	Payload  json.RawMessage
	Error    string
	At       time.Time
}

// every dead-lettered model carries its tenant under this key
type tenantScoped struct {
	TenantID string `json:"tenant_id"`
}

func tenantOf(payload []byte) string {
	var t tenantScoped
	if err := json.Unmarshal(payload, &t); err != nil {
		return ""
	}
	return t.TenantID
}

// Sink accepts dead letters
type Sink interface {
	Push(ctx context.Context, kind string, payload any, cause error) error
}

// Handler re-runs one dead-lettered payload
type Handler func(ctx context.Context, payload json.RawMessage) error

// Queue is a Redis stream per kind
type Queue struct {
	rdb    redis.UniversalClient
	logger *zap.Logger
	now    func() time.Time
}

// NewQueue creates a dead-letter queue
func NewQueue(rdb redis.UniversalClient, logger *zap.Logger) *Queue {
	return &Queue{rdb: rdb, logger: logger, now: time.Now}
}

func streamKey(kind string) string { return keyPrefix + kind }

// Push records payload with the error that sent it here
func (q *Queue) Push(ctx context.Context, kind string, payload any, cause error) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to encode dead letter: %w", err)
	}

	msg := ""
	if cause != nil {
		msg = cause.Error()
	}

	err = q.rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: streamKey(kind),
		MaxLen: maxLen,
		Approx: true,
		Values: map[string]interface{}{
			"kind":    kind,
			"tenant":  tenantOf(data),
			"payload": string(data),
			"error":   msg,
			"at":      strconv.FormatInt(q.now().UnixMilli(), 10),
		},
	}).Err()
	if err != nil {
		q.logger.Error("failed to push dead letter", zap.String("kind", kind), zap.Error(err))
		return fmt.Errorf("failed to push dead letter: %w", err)
	}

	observability.DeadLetters.WithLabelValues(kind).Inc()
	q.logger.Error("dead-lettered background write", zap.String("kind", kind), zap.String("cause", msg))
	return nil
}

// Len returns the number of pending entries of kind
func (q *Queue) Len(ctx context.Context, kind string) (int64, error) {
	return q.rdb.XLen(ctx, streamKey(kind)).Result()
}

// List returns up to count pending entries oldest first
func (q *Queue) List(ctx context.Context, kind string, count int64) ([]Entry, error) {
	msgs, err := q.rdb.XRangeN(ctx, streamKey(kind), "-", "+", count).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read dead letters: %w", err)
	}
	entries := make([]Entry, 0, len(msgs))
	for _, m := range msgs {
		entries = append(entries, decode(m))
	}
	return entries, nil
}

func decode(m redis.XMessage) Entry {
	e := Entry{ID: m.ID}
	if v, ok := m.Values["kind"].(string); ok {
		e.Kind = v
	}
	if v, ok := m.Values["payload"].(string); ok {
		e.Payload = json.RawMessage(v)
	}
	if v, ok := m.Values["tenant"].(string); ok && v != "" {
		e.TenantID = v
	} else {
		e.TenantID = tenantOf(e.Payload)
	}
	if v, ok := m.Values["error"].(string); ok {
		e.Error = v
	}
	if v, ok := m.Values["at"].(string); ok {
		if ms, err := strconv.ParseInt(v, 10, 64); err == nil {
			e.At = time.UnixMilli(ms)
		}
	}
	return e
}

// Replay re-runs pending entries of kind belonging to tenantID through
// handler, paced by limiter (nil means unpaced). An empty tenantID replays
// every tenant. Entries whose handler succeeds are removed; failed ones stay
// for the next replay. At most replayBatch entries are replayed per call.
func (q *Queue) Replay(ctx context.Context, kind, tenantID string, handler Handler, limiter *rate.Limiter) (int, error) {
	replayed := 0
	start := "-"
	for replayed < replayBatch {
		msgs, err := q.rdb.XRangeN(ctx, streamKey(kind), start, "+", replayBatch).Result()
		if err != nil {
			return replayed, fmt.Errorf("failed to read dead letters: %w", err)
		}
		if len(msgs) == 0 {
			return replayed, nil
		}
		start = "(" + msgs[len(msgs)-1].ID

		for _, m := range msgs {
			e := decode(m)
			if tenantID != "" && e.TenantID != tenantID {
				continue
			}
			if limiter != nil {
				if err := limiter.Wait(ctx); err != nil {
					return replayed, err
				}
			}
			if err := handler(ctx, e.Payload); err != nil {
				q.logger.Warn("dead letter replay failed",
					zap.String("kind", kind),
					zap.String("tenant_id", e.TenantID),
					zap.String("id", e.ID),
					zap.Error(err))
				continue
			}
			if err := q.rdb.XDel(ctx, streamKey(kind), e.ID).Err(); err != nil {
				return replayed, fmt.Errorf("failed to ack dead letter: %w", err)
			}
			replayed++
			if replayed == replayBatch {
				break
			}
		}
		if len(msgs) < replayBatch {
			return replayed, nil
		}
	}
	return replayed, nil
}

// Replayer routes a replay request to the handler registered for its kind
type Replayer struct {
	queue    *Queue
	handlers map[string]Handler
	limiter  *rate.Limiter
}

// NewReplayer creates a Replayer pacing every replay with limiter
func NewReplayer(queue *Queue, limiter *rate.Limiter, handlers map[string]Handler) *Replayer {
	return &Replayer{queue: queue, handlers: handlers, limiter: limiter}
}

// Replay re-runs the pending entries of kind owned by tenantID
func (r *Replayer) Replay(ctx context.Context, kind, tenantID string) (int, error) {
	if tenantID == "" {
		return 0, services.NewDomainError(services.ErrorTypeValidation, "tenant is required", nil)
	}
	handler, ok := r.handlers[kind]
	if !ok {
		return 0, services.NewDomainError(services.ErrorTypeValidation, "unknown dead letter kind", nil).
			WithDetail("kind", kind)
	}
	n, err := r.queue.Replay(ctx, kind, tenantID, handler, r.limiter)
	if err != nil {
		return n, services.WrapInternal("dead letter replay failed", err)
	}
	return n, nil
}
