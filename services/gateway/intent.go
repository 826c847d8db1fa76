package gateway

import (
	"context"
	"errors"
	"regexp"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/upb/llm-gateway/services/cache"
	"go.uber.org/zap"
)

// DefaultIntent is used when classification fails or times out
const DefaultIntent = "general"

const intentTTL = 24 * time.Hour

// IntentClassifier labels a prompt with a task intent
type IntentClassifier interface {
	Classify(ctx context.Context, tenantID, prompt string) (string, error)
}

var intentRules = []struct {
	intent  string
	pattern *regexp.Regexp
}{
	{"coding", regexp.MustCompile(`(?i)\b(code|function|bug|stack ?trace|compile|refactor|python|golang|javascript|sql|regex)\b`)},
	{"legal", regexp.MustCompile(`(?i)\b(contract|clause|lawsuit|liability|gdpr|compliance|nda)\b`)},
	{"finance", regexp.MustCompile(`(?i)\b(invoice|revenue|forecast|budget|ledger|tax|payroll)\b`)},
	{"hr", regexp.MustCompile(`(?i)\b(hiring|salary|performance review|onboarding|termination|vacation)\b`)},
	{"creative", regexp.MustCompile(`(?i)\b(poem|story|slogan|lyrics|tagline)\b`)},
}

// KeywordClassifier matches a fixed keyword table, first hit wins
type KeywordClassifier struct{}

// Classify implements IntentClassifier
func (KeywordClassifier) Classify(_ context.Context, _ string, prompt string) (string, error) {
	for _, r := range intentRules {
		if r.pattern.MatchString(prompt) {
			return r.intent, nil
		}
	}
	return DefaultIntent, nil
}

// CachedClassifier memoizes another classifier in Redis per tenant and prompt
type CachedClassifier struct {
	next   IntentClassifier
	rdb    redis.UniversalClient
	logger *zap.Logger
}

// NewCachedClassifier wraps next. rdb may be nil.
func NewCachedClassifier(next IntentClassifier, rdb redis.UniversalClient, logger *zap.Logger) *CachedClassifier {
	return &CachedClassifier{next: next, rdb: rdb, logger: logger}
}

func intentKey(tenantID, prompt string) string {
	return "intent:" + tenantID + ":" + cache.PromptHash(prompt)
}

// Classify implements IntentClassifier
func (c *CachedClassifier) Classify(ctx context.Context, tenantID, prompt string) (string, error) {
	if c.rdb == nil {
		return c.next.Classify(ctx, tenantID, prompt)
	}

	key := intentKey(tenantID, prompt)
	cached, err := c.rdb.Get(ctx, key).Result()
	if err == nil && cached != "" {
		return cached, nil
	}
	if err != nil && !errors.Is(err, redis.Nil) {
		c.logger.Warn("intent cache read failed", zap.Error(err))
	}

	intent, err := c.next.Classify(ctx, tenantID, prompt)
	if err != nil {
		return "", err
	}
	if err := c.rdb.Set(ctx, key, intent, intentTTL).Err(); err != nil {
		c.logger.Warn("intent cache write failed", zap.Error(err))
	}
	return intent, nil
}
