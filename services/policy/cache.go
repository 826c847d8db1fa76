package policy

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/upb/llm-gateway/models"
)

// DefaultCacheTTL bounds how stale a tenant's rule set may be
const DefaultCacheTTL = 300 * time.Second

// RuleCache keeps each tenant's active rules in Redis
type RuleCache struct {
	rdb redis.UniversalClient
	ttl time.Duration
}

// NewRuleCache creates a rule cache
func NewRuleCache(rdb redis.UniversalClient, ttl time.Duration) *RuleCache {
	if ttl <= 0 {
		ttl = DefaultCacheTTL
	}
	return &RuleCache{rdb: rdb, ttl: ttl}
}

func cacheKey(tenantID string) string { return "policies:" + tenantID }

// Get returns the cached rules; found is false on a miss
func (c *RuleCache) Get(ctx context.Context, tenantID string) (rules []*models.PolicyRule, found bool, err error) {
	data, err := c.rdb.Get(ctx, cacheKey(tenantID)).Bytes()
	if err == redis.Nil {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	if err := json.Unmarshal(data, &rules); err != nil {
		return nil, false, fmt.Errorf("corrupt policy cache entry: %w", err)
	}
	return rules, true, nil
}

// Set stores rules for the cache TTL
func (c *RuleCache) Set(ctx context.Context, tenantID string, rules []*models.PolicyRule) error {
	data, err := json.Marshal(rules)
	if err != nil {
		return err
	}
	return c.rdb.Set(ctx, cacheKey(tenantID), data, c.ttl).Err()
}

// Invalidate drops a tenant's cached rules
func (c *RuleCache) Invalidate(ctx context.Context, tenantID string) error {
	return c.rdb.Del(ctx, cacheKey(tenantID)).Err()
}
