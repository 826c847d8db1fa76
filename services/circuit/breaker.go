// Package circuit tracks per-provider health in the shared fast store.
//
// A provider is CLOSED until its consecutive failure count exceeds the
// threshold, then OPEN for the recovery window. Once the window elapses
// exactly one caller wins the half-open trial; its outcome either closes
// the circuit or reopens it with a fresh window.
package circuit

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/upb/llm-gateway/internal/observability"
	"go.uber.org/zap"
)

// State is the breaker state as seen by one caller
type State string

const (
	StateClosed   State = "CLOSED"
	StateOpen     State = "OPEN"
	StateHalfOpen State = "HALF_OPEN"
)

const keyPrefix = "circuit:"

// Returns CLOSED, OPEN, or HALF_OPEN when this caller acquired the trial slot.
var allowScript = redis.NewScript(`
local open_until = tonumber(redis.call("HGET", KEYS[1], "open_until")) or 0
if open_until == 0 then
  return "CLOSED"
end
if tonumber(ARGV[1]) < open_until then
  return "OPEN"
end
if redis.call("SET", KEYS[2], "1", "NX", "PX", ARGV[2]) then
  return "HALF_OPEN"
end
return "OPEN"
`)

// Returns {failures, opened}. An in-flight failure during OPEN does not extend the window.
var failureScript = redis.NewScript(`
local failures = redis.call("HINCRBY", KEYS[1], "failures", 1)
local now = tonumber(ARGV[1])
local threshold = tonumber(ARGV[2])
local open_until = tonumber(redis.call("HGET", KEYS[1], "open_until")) or 0
local opened = 0
if failures > threshold then
  if open_until == 0 or now >= open_until then
    redis.call("HSET", KEYS[1], "open_until", tostring(now + tonumber(ARGV[3])))
    opened = 1
  end
  redis.call("DEL", KEYS[2])
end
return {failures, opened}
`)

// Snapshot is the stored state of one provider's circuit
type Snapshot struct {
	Failures  int64
	OpenUntil time.Time
}

// Breaker is a Redis-backed circuit breaker shared by all gateway replicas
type Breaker struct {
	rdb       redis.UniversalClient
	threshold int
	window    time.Duration
	logger    *zap.Logger
	now       func() time.Time
}

// NewBreaker creates a breaker that opens once failures exceed threshold
func NewBreaker(rdb redis.UniversalClient, threshold int, window time.Duration, logger *zap.Logger) *Breaker {
	return &Breaker{
		rdb:       rdb,
		threshold: threshold,
		window:    window,
		logger:    logger,
		now:       time.Now,
	}
}

func stateKey(provider string) string { return keyPrefix + provider }
func trialKey(provider string) string { return keyPrefix + provider + ":trial" }

// Allow reports whether provider may be attempted now. Store errors fail open.
func (b *Breaker) Allow(ctx context.Context, provider string) (bool, State) {
	res, err := allowScript.Run(ctx, b.rdb,
		[]string{stateKey(provider), trialKey(provider)},
		b.now().UnixMilli(), b.window.Milliseconds(),
	).Text()
	if err != nil {
		b.logger.Warn("circuit state unavailable, allowing provider",
			zap.String("provider", provider), zap.Error(err))
		return true, StateClosed
	}

	state := State(res)
	return state != StateOpen, state
}

// ReportSuccess closes the circuit and clears the failure counter
func (b *Breaker) ReportSuccess(ctx context.Context, provider string) error {
	if err := b.rdb.Del(ctx, stateKey(provider), trialKey(provider)).Err(); err != nil {
		return fmt.Errorf("failed to reset circuit for %s: %w", provider, err)
	}
	return nil
}

// ReportFailure counts a failure and reports whether this call opened the circuit
func (b *Breaker) ReportFailure(ctx context.Context, provider string) (bool, error) {
	res, err := failureScript.Run(ctx, b.rdb,
		[]string{stateKey(provider), trialKey(provider)},
		b.now().UnixMilli(), b.threshold, b.window.Milliseconds(),
	).Int64Slice()
	if err != nil {
		return false, fmt.Errorf("failed to record failure for %s: %w", provider, err)
	}
	if len(res) != 2 {
		return false, fmt.Errorf("unexpected failure script result: %v", res)
	}

	opened := res[1] == 1
	if opened {
		observability.CircuitOpens.WithLabelValues(provider).Inc()
		b.logger.Warn("circuit opened",
			zap.String("provider", provider),
			zap.Int64("failures", res[0]),
			zap.Duration("recovery_window", b.window))
	}
	return opened, nil
}

// Snapshot reads the stored circuit state
func (b *Breaker) Snapshot(ctx context.Context, provider string) (Snapshot, error) {
	vals, err := b.rdb.HMGet(ctx, stateKey(provider), "failures", "open_until").Result()
	if err != nil {
		return Snapshot{}, fmt.Errorf("failed to read circuit for %s: %w", provider, err)
	}

	var s Snapshot
	if v, ok := vals[0].(string); ok {
		if s.Failures, err = strconv.ParseInt(v, 10, 64); err != nil {
			return Snapshot{}, fmt.Errorf("corrupt failure count for %s: %w", provider, err)
		}
	}
	if v, ok := vals[1].(string); ok {
		ms, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return Snapshot{}, fmt.Errorf("corrupt open_until for %s: %w", provider, err)
		}
		if ms > 0 {
			s.OpenUntil = time.UnixMilli(ms)
		}
	}
	return s, nil
}
