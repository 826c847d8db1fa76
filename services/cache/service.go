// Package cache implements the semantic cache cascade: exact hash, vector
// similarity, then cross-encoder verification.
package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/upb/llm-gateway/internal/observability"
	"github.com/upb/llm-gateway/models"
	"github.com/upb/llm-gateway/repositories"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
	"golang.org/x/text/unicode/norm"
)

// Tier names reported on hits and metrics
const (
	TierExact  = "exact"
	TierVector = "vector"
	TierNone   = "none"
)

const keyPrefix = "cache:"

// Config controls thresholds and retention
type Config struct {
	SimilarityThreshold float64
	RerankThreshold     float64
	TTL                 time.Duration
	TopK                int
}

// Hit is a cached answer and how it was found
type Hit struct {
	Response    string
	Model       string
	Tier        string
	Similarity  float64
	RerankScore float64
	SourceID    string
}

// Service is the semantic cache. The vector tier is optional; without an
// embedder or vector store only exact matching runs.
type Service struct {
	rdb      redis.UniversalClient
	vectors  repositories.VectorStore
	embedder Embedder
	reranker Reranker
	cfg      Config
	logger   *zap.Logger
	group    singleflight.Group
	now      func() time.Time
}

// NewService creates a cache service
func NewService(rdb redis.UniversalClient, vectors repositories.VectorStore, embedder Embedder, reranker Reranker, cfg Config, logger *zap.Logger) *Service {
	if cfg.TopK <= 0 {
		cfg.TopK = 3
	}
	return &Service{
		rdb:      rdb,
		vectors:  vectors,
		embedder: embedder,
		reranker: reranker,
		cfg:      cfg,
		logger:   logger,
		now:      time.Now,
	}
}

// Normalize is the canonical prompt form used for hashing
func Normalize(prompt string) string {
	return strings.TrimSpace(norm.NFC.String(prompt))
}

// PromptHash is the stable hash of the normalized prompt
func PromptHash(prompt string) string {
	sum := sha256.Sum256([]byte(Normalize(prompt)))
	return hex.EncodeToString(sum[:])
}

func exactKey(scope, hash string) string {
	return keyPrefix + scope + ":" + hash
}

// entryID keys the vector entry; unique per (scope, prompt)
func entryID(scope, hash string) string {
	sum := sha256.Sum256([]byte(scope + "\x00" + hash))
	return hex.EncodeToString(sum[:])
}

func (s *Service) vectorEnabled() bool {
	return s.vectors != nil && s.embedder != nil
}

// Lookup runs the cascade and returns nil on a miss. Infrastructure errors
// are logged and treated as misses.
func (s *Service) Lookup(ctx context.Context, scope, prompt string, threshold float64) *Hit {
	ctx, span := observability.StartSpan(ctx, "cache.Lookup")
	defer span.End()

	if threshold <= 0 {
		threshold = s.cfg.SimilarityThreshold
	}
	hash := PromptHash(prompt)

	hit, err := s.lookupExact(ctx, scope, hash)
	if err != nil {
		observability.CacheLookups.WithLabelValues(TierExact, "error").Inc()
		s.logger.Warn("exact cache lookup failed", zap.String("scope", scope), zap.Error(err))
	}
	if hit != nil {
		span.SetAttributes(attribute.String("cache.tier", TierExact))
		observability.CacheLookups.WithLabelValues(TierExact, "hit").Inc()
		return hit
	}

	if !s.vectorEnabled() {
		observability.CacheLookups.WithLabelValues(TierNone, "miss").Inc()
		return nil
	}

	hit, err = s.lookupVector(ctx, scope, prompt, hash, threshold)
	if err != nil {
		observability.CacheLookups.WithLabelValues(TierVector, "error").Inc()
		s.logger.Warn("vector cache lookup failed, treating as miss", zap.String("scope", scope), zap.Error(err))
		return nil
	}
	if hit == nil {
		observability.CacheLookups.WithLabelValues(TierNone, "miss").Inc()
		return nil
	}

	span.SetAttributes(
		attribute.String("cache.tier", TierVector),
		attribute.Float64("cache.similarity", hit.Similarity),
		attribute.Float64("cache.rerank_score", hit.RerankScore),
	)
	observability.CacheLookups.WithLabelValues(TierVector, "hit").Inc()

	// Backfill the exact tier so a repeat of this prompt skips embedding.
	if err := s.writeExact(ctx, scope, hash, models.CacheEntry{
		ID:       entryID(scope, hash),
		TenantID: scope,
		Prompt:   Normalize(prompt),
		Response: hit.Response,
		Model:    hit.Model,
	}); err != nil {
		s.logger.Warn("exact cache backfill failed", zap.Error(err))
	}
	return hit
}

func (s *Service) lookupExact(ctx context.Context, scope, hash string) (*Hit, error) {
	raw, err := s.rdb.Get(ctx, exactKey(scope, hash)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	var entry models.CacheEntry
	if err := json.Unmarshal(raw, &entry); err != nil {
		return nil, fmt.Errorf("corrupt cache entry: %w", err)
	}
	return &Hit{
		Response:    entry.Response,
		Model:       entry.Model,
		Tier:        TierExact,
		Similarity:  1,
		RerankScore: 1,
		SourceID:    entry.ID,
	}, nil
}

func (s *Service) lookupVector(ctx context.Context, scope, prompt, hash string, threshold float64) (*Hit, error) {
	candidates, err := s.candidates(ctx, scope, prompt, hash, threshold)
	if err != nil {
		return nil, err
	}

	normalized := Normalize(prompt)
	for _, c := range candidates {
		score, err := s.verify(ctx, normalized, c.Entry.Prompt)
		if err != nil {
			s.logger.Warn("rerank failed, rejecting candidate", zap.String("candidate", c.Entry.ID), zap.Error(err))
			continue
		}
		if score < s.cfg.RerankThreshold {
			s.logger.Debug("cache candidate rejected by reranker",
				zap.String("candidate", c.Entry.ID),
				zap.Float64("similarity", c.Similarity),
				zap.Float64("rerank_score", score))
			continue
		}
		return &Hit{
			Response:    c.Entry.Response,
			Model:       c.Entry.Model,
			Tier:        TierVector,
			Similarity:  c.Similarity,
			RerankScore: score,
			SourceID:    c.Entry.ID,
		}, nil
	}
	return nil, nil
}

// candidates returns vector matches at or above threshold, most similar first
func (s *Service) candidates(ctx context.Context, scope, prompt, hash string, threshold float64) ([]models.VectorMatch, error) {
	vector, err := s.embed(ctx, hash, prompt)
	if err != nil {
		return nil, err
	}

	matches, err := s.vectors.Search(ctx, scope, vector, s.cfg.TopK)
	if err != nil {
		return nil, err
	}

	kept := matches[:0]
	for _, m := range matches {
		if m.Similarity >= threshold {
			kept = append(kept, m)
		}
	}
	sort.SliceStable(kept, func(i, j int) bool { return kept[i].Similarity > kept[j].Similarity })
	return kept, nil
}

func (s *Service) verify(ctx context.Context, query, candidate string) (float64, error) {
	if query == Normalize(candidate) {
		return 1, nil
	}
	if s.reranker == nil {
		return 0, fmt.Errorf("no reranker configured")
	}
	return s.reranker.Score(ctx, query, candidate)
}

// embed collapses concurrent embeddings of the same prompt into one call
func (s *Service) embed(ctx context.Context, hash, prompt string) ([]float32, error) {
	v, err, _ := s.group.Do(hash, func() (interface{}, error) {
		return s.embedder.Embed(ctx, Normalize(prompt))
	})
	if err != nil {
		return nil, err
	}
	return v.([]float32), nil
}

// Recall is the degraded-mode memory: the best vector match at or above
// minSimilarity, without reranking. Returns nil when nothing qualifies.
func (s *Service) Recall(ctx context.Context, scope, prompt string, minSimilarity float64) *Hit {
	if !s.vectorEnabled() {
		return nil
	}
	candidates, err := s.candidates(ctx, scope, prompt, PromptHash(prompt), minSimilarity)
	if err != nil {
		s.logger.Warn("corporate memory recall failed", zap.Error(err))
		return nil
	}
	if len(candidates) == 0 {
		return nil
	}
	best := candidates[0]
	return &Hit{
		Response:   best.Entry.Response,
		Model:      best.Entry.Model,
		Tier:       TierVector,
		Similarity: best.Similarity,
		SourceID:   best.Entry.ID,
	}
}

// Store writes the exact entry and the vector entry with the same TTL
func (s *Service) Store(ctx context.Context, scope, prompt, response, model string, shareable bool) error {
	ctx, span := observability.StartSpan(ctx, "cache.Store")
	defer span.End()

	hash := PromptHash(prompt)
	entry := models.CacheEntry{
		ID:         entryID(scope, hash),
		TenantID:   scope,
		Prompt:     Normalize(prompt),
		Response:   response,
		Model:      model,
		Shareable:  shareable,
		CreatedAt:  s.now(),
		TTLSeconds: int64(s.cfg.TTL / time.Second),
	}

	var errs []error
	if err := s.writeExact(ctx, scope, hash, entry); err != nil {
		errs = append(errs, fmt.Errorf("exact tier: %w", err))
	}

	if s.vectorEnabled() {
		vector, err := s.embed(ctx, hash, prompt)
		if err == nil {
			err = s.vectors.Upsert(ctx, entry, vector)
		}
		if err != nil {
			errs = append(errs, fmt.Errorf("vector tier: %w", err))
		}
	}

	err := errors.Join(errs...)
	observability.RecordError(span, err)
	return err
}

func (s *Service) writeExact(ctx context.Context, scope, hash string, entry models.CacheEntry) error {
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = s.now()
	}
	if entry.TTLSeconds == 0 {
		entry.TTLSeconds = int64(s.cfg.TTL / time.Second)
	}
	raw, err := json.Marshal(entry)
	if err != nil {
		return err
	}
	return s.rdb.Set(ctx, exactKey(scope, hash), raw, s.cfg.TTL).Err()
}
