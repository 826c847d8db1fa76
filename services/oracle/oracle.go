// Package oracle holds per-model price, context window and latency health.
package oracle

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const (
	// DefaultInputPerMillion is charged for models missing from the catalog
	DefaultInputPerMillion  = 1.0
	DefaultOutputPerMillion = 2.0

	// CustomProvider serves any tier not defined in the catalog
	CustomProvider = "custom"

	defaultChainTimeout = 30 * time.Second
	emaAlpha            = 0.2
	latencyKeyPrefix    = "oracle:latency:"
)

// ModelCostProfile is the pipeline's read-only view of one model.
// PriceIn and PriceOut are USD per token.
type ModelCostProfile struct {
	ID            string
	Provider      string
	PriceIn       float64
	PriceOut      float64
	ContextWindow int
	LatencyEMA    float64 // milliseconds, zero when unobserved
	Volatility    float64
}

// OutputPerMillion returns the output price per 1M tokens
func (p ModelCostProfile) OutputPerMillion() float64 {
	return p.PriceOut * 1e6
}

// EMA update over a hash {ema, vol}. Returns both as strings so Redis does not truncate them.
var latencyScript = redis.NewScript(`
local h = redis.call("HMGET", KEYS[1], "ema", "vol")
local sample = tonumber(ARGV[1])
local alpha = tonumber(ARGV[2])
local ema = tonumber(h[1])
local vol = tonumber(h[2]) or 0
if ema == nil then
  ema = sample
else
  local dev = 0
  if ema > 0 then dev = math.abs(sample - ema) / ema end
  vol = alpha * dev + (1 - alpha) * vol
  ema = alpha * sample + (1 - alpha) * ema
end
redis.call("HSET", KEYS[1], "ema", tostring(ema), "vol", tostring(vol))
return {tostring(ema), tostring(vol)}
`)

// Oracle serves cost profiles, tier chains and the canary definition
type Oracle struct {
	mu       sync.RWMutex
	profiles map[string]*ModelCostProfile
	tiers    map[string][]ChainEntry
	canary   Canary

	rdb        redis.UniversalClient
	httpClient *http.Client
	feedURL    string
	logger     *zap.Logger
}

// New builds an oracle seeded from the catalog. rdb may be nil, which disables latency tracking.
func New(catalog *Catalog, rdb redis.UniversalClient, feedURL string, logger *zap.Logger) *Oracle {
	o := &Oracle{
		profiles:   make(map[string]*ModelCostProfile, len(catalog.Models)),
		tiers:      catalog.Tiers,
		canary:     catalog.Canary,
		rdb:        rdb,
		httpClient: &http.Client{Timeout: 10 * time.Second},
		feedURL:    feedURL,
		logger:     logger,
	}
	if o.tiers == nil {
		o.tiers = make(map[string][]ChainEntry)
	}
	for _, m := range catalog.Models {
		o.profiles[m.ID] = &ModelCostProfile{
			ID:            m.ID,
			Provider:      m.Provider,
			PriceIn:       m.InputPerMillion / 1e6,
			PriceOut:      m.OutputPerMillion / 1e6,
			ContextWindow: m.ContextWindow,
		}
	}
	return o
}

// Get returns the profile for model using exact, then fuzzy matching
func (o *Oracle) Get(model string) (ModelCostProfile, bool) {
	o.mu.RLock()
	defer o.mu.RUnlock()

	if p := o.lookup(model); p != nil {
		return *p, true
	}
	return ModelCostProfile{}, false
}

// lookup must be called with the lock held
func (o *Oracle) lookup(model string) *ModelCostProfile {
	if model == "" {
		return nil
	}
	if p, ok := o.profiles[model]; ok {
		return p
	}
	if _, bare := splitRef(model); bare != model {
		if p, ok := o.profiles[bare]; ok {
			return p
		}
		model = bare
	}

	// Longest catalog id contained in the requested name wins, so
	// "gpt-4o-mini-2024-07-18" resolves to gpt-4o-mini rather than gpt-4o.
	var best *ModelCostProfile
	for id, p := range o.profiles {
		if strings.Contains(model, id) && (best == nil || len(id) > len(best.ID) || (len(id) == len(best.ID) && id < best.ID)) {
			best = p
		}
	}
	if best != nil {
		return best
	}

	// Otherwise the shortest id containing the requested name
	for id, p := range o.profiles {
		if strings.Contains(id, model) && (best == nil || len(id) < len(best.ID) || (len(id) == len(best.ID) && id < best.ID)) {
			best = p
		}
	}
	return best
}

// All returns every profile sorted by id
func (o *Oracle) All() []ModelCostProfile {
	o.mu.RLock()
	defer o.mu.RUnlock()

	out := make([]ModelCostProfile, 0, len(o.profiles))
	for _, p := range o.profiles {
		out = append(out, *p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// EstimateCost prices a call in USD, using the default price for unknown models
func (o *Oracle) EstimateCost(model string, inputTokens, outputTokens int) float64 {
	priceIn, priceOut := DefaultInputPerMillion/1e6, DefaultOutputPerMillion/1e6
	if p, ok := o.Get(model); ok {
		priceIn, priceOut = p.PriceIn, p.PriceOut
	}
	return float64(inputTokens)*priceIn + float64(outputTokens)*priceOut
}

// Chain resolves a tier or concrete model into its fallback chain
func (o *Oracle) Chain(tier string) []ChainEntry {
	o.mu.RLock()
	chain, ok := o.tiers[tier]
	o.mu.RUnlock()
	if ok {
		out := make([]ChainEntry, len(chain))
		copy(out, chain)
		return out
	}

	if provider, model := splitRef(tier); provider != "" {
		return []ChainEntry{{Provider: provider, Model: model, Timeout: defaultChainTimeout}}
	}
	if p, ok := o.Get(tier); ok && p.ID == tier && p.Provider != "" {
		return []ChainEntry{{Provider: p.Provider, Model: p.ID, Timeout: defaultChainTimeout}}
	}
	return []ChainEntry{{Provider: CustomProvider, Model: tier, Timeout: defaultChainTimeout}}
}

// IsTier reports whether name is a catalog tier
func (o *Oracle) IsTier(name string) bool {
	o.mu.RLock()
	defer o.mu.RUnlock()
	_, ok := o.tiers[name]
	return ok
}

// Canary returns the canary definition
func (o *Oracle) Canary() Canary {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.canary
}

// RecordLatency folds one observed latency into the model's EMA
func (o *Oracle) RecordLatency(ctx context.Context, model string, latency time.Duration) error {
	if o.rdb == nil {
		return nil
	}

	ms := float64(latency) / float64(time.Millisecond)
	res, err := latencyScript.Run(ctx, o.rdb, []string{latencyKeyPrefix + model}, ms, emaAlpha).StringSlice()
	if err != nil {
		return fmt.Errorf("failed to record latency: %w", err)
	}
	if len(res) != 2 {
		return fmt.Errorf("unexpected latency script result: %v", res)
	}

	ema, _ := strconv.ParseFloat(res[0], 64)
	vol, _ := strconv.ParseFloat(res[1], 64)

	o.mu.Lock()
	if p := o.lookup(model); p != nil {
		p.LatencyEMA = ema
		p.Volatility = vol
	}
	o.mu.Unlock()
	return nil
}

// Refresh pulls latency EMAs from Redis and prices from the feed, when configured
func (o *Oracle) Refresh(ctx context.Context) error {
	if o.rdb != nil {
		if err := o.refreshLatency(ctx); err != nil {
			return err
		}
	}
	if o.feedURL != "" {
		if err := o.refreshPrices(ctx); err != nil {
			return err
		}
	}
	return nil
}

func (o *Oracle) refreshLatency(ctx context.Context) error {
	ids := make([]string, 0)
	o.mu.RLock()
	for id := range o.profiles {
		ids = append(ids, id)
	}
	o.mu.RUnlock()

	pipe := o.rdb.Pipeline()
	cmds := make(map[string]*redis.SliceCmd, len(ids))
	for _, id := range ids {
		cmds[id] = pipe.HMGet(ctx, latencyKeyPrefix+id, "ema", "vol")
	}
	if _, err := pipe.Exec(ctx); err != nil && err != redis.Nil {
		return fmt.Errorf("failed to read latency: %w", err)
	}

	o.mu.Lock()
	defer o.mu.Unlock()
	for id, cmd := range cmds {
		vals, err := cmd.Result()
		if err != nil || len(vals) != 2 {
			continue
		}
		if s, ok := vals[0].(string); ok {
			if v, err := strconv.ParseFloat(s, 64); err == nil {
				o.profiles[id].LatencyEMA = v
			}
		}
		if s, ok := vals[1].(string); ok {
			if v, err := strconv.ParseFloat(s, 64); err == nil {
				o.profiles[id].Volatility = v
			}
		}
	}
	return nil
}

// priceFeed is the OpenRouter /models shape; prices are USD per token as strings
type priceFeed struct {
	Data []struct {
		ID      string `json:"id"`
		Pricing struct {
			Prompt     string `json:"prompt"`
			Completion string `json:"completion"`
		} `json:"pricing"`
		ContextLength int `json:"context_length"`
	} `json:"data"`
}

func (o *Oracle) refreshPrices(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, o.feedURL, nil)
	if err != nil {
		return fmt.Errorf("failed to build price feed request: %w", err)
	}
	resp, err := o.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("price feed unreachable: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("price feed returned status %d", resp.StatusCode)
	}

	var feed priceFeed
	if err := json.NewDecoder(resp.Body).Decode(&feed); err != nil {
		return fmt.Errorf("failed to decode price feed: %w", err)
	}

	updated := 0
	o.mu.Lock()
	for _, m := range feed.Data {
		_, bare := splitRef(m.ID)
		p, ok := o.profiles[bare]
		if !ok {
			continue
		}
		in, errIn := strconv.ParseFloat(m.Pricing.Prompt, 64)
		out, errOut := strconv.ParseFloat(m.Pricing.Completion, 64)
		if errIn != nil || errOut != nil || in < 0 || out < 0 {
			continue
		}
		p.PriceIn, p.PriceOut = in, out
		if m.ContextLength > 0 {
			p.ContextWindow = m.ContextLength
		}
		updated++
	}
	o.mu.Unlock()

	o.logger.Debug("price feed applied", zap.Int("models_updated", updated))
	return nil
}

// Run refreshes on a ticker until ctx is cancelled
func (o *Oracle) Run(ctx context.Context, interval time.Duration) {
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
			if err := o.Refresh(ctx); err != nil {
				o.logger.Warn("oracle refresh failed", zap.Error(err))
			}
		}
	}
}

func splitRef(ref string) (provider, model string) {
	if i := strings.Index(ref, "/"); i > 0 {
		return ref[:i], ref[i+1:]
	}
	return "", ref
}
