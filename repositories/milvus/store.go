// Package milvus implements the semantic cache vector index on Milvus.
package milvus

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/milvus-io/milvus-sdk-go/v2/client"
	"github.com/milvus-io/milvus-sdk-go/v2/entity"
	"github.com/upb/llm-gateway/models"
	"github.com/upb/llm-gateway/repositories"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

var tracer = otel.Tracer("milvus")

const (
	fieldID        = "id"
	fieldVector    = "vector"
	fieldTenant    = "tenant_id"
	fieldShareable = "shareable"
	fieldPrompt    = "prompt"
	fieldResponse  = "response"
	fieldModel     = "model"
	fieldCreatedAt = "created_at"
	fieldExpiresAt = "expires_at"

	hnswM              = 16
	hnswEfConstruction = 200
	hnswEf             = 128
)

// Store is a repositories.VectorStore backed by a Milvus collection
type Store struct {
	milvus     client.Client
	collection string
	dim        int
	logger     *zap.Logger
	now        func() time.Time
}

// Connect dials Milvus and makes sure the collection is ready
func Connect(ctx context.Context, address, collection string, dim int, logger *zap.Logger) (*Store, error) {
	c, err := client.NewClient(ctx, client.Config{Address: address})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to milvus: %w", err)
	}

	s := NewStore(c, collection, dim, logger)
	if err := s.EnsureCollection(ctx); err != nil {
		_ = c.Close()
		return nil, err
	}
	return s, nil
}

// NewStore wraps an existing client
func NewStore(c client.Client, collection string, dim int, logger *zap.Logger) *Store {
	return &Store{
		milvus:     c,
		collection: collection,
		dim:        dim,
		logger:     logger,
		now:        time.Now,
	}
}

var _ repositories.VectorStore = (*Store)(nil)

// Schema describes the cache collection
func Schema(collection string, dim int) *entity.Schema {
	varchar := func(name string, max int, pk bool) *entity.Field {
		return &entity.Field{
			Name:       name,
			DataType:   entity.FieldTypeVarChar,
			PrimaryKey: pk,
			TypeParams: map[string]string{"max_length": strconv.Itoa(max)},
		}
	}
	return &entity.Schema{
		CollectionName: collection,
		Description:    "Semantic cache entries",
		Fields: []*entity.Field{
			varchar(fieldID, 128, true),
			{
				Name:       fieldVector,
				DataType:   entity.FieldTypeFloatVector,
				TypeParams: map[string]string{"dim": strconv.Itoa(dim)},
			},
			varchar(fieldTenant, 128, false),
			{Name: fieldShareable, DataType: entity.FieldTypeBool},
			varchar(fieldPrompt, 65535, false),
			varchar(fieldResponse, 65535, false),
			varchar(fieldModel, 128, false),
			{Name: fieldCreatedAt, DataType: entity.FieldTypeInt64},
			{Name: fieldExpiresAt, DataType: entity.FieldTypeInt64},
		},
	}
}

// EnsureCollection creates, indexes and loads the collection if needed
func (s *Store) EnsureCollection(ctx context.Context) error {
	ctx, span := tracer.Start(ctx, "milvus.EnsureCollection",
		trace.WithAttributes(attribute.String("collection", s.collection)))
	defer span.End()

	has, err := s.milvus.HasCollection(ctx, s.collection)
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("failed to check collection: %w", err)
	}

	if !has {
		if err := s.milvus.CreateCollection(ctx, Schema(s.collection, s.dim), entity.DefaultShardNumber); err != nil {
			span.RecordError(err)
			return fmt.Errorf("failed to create collection: %w", err)
		}

		idx, err := entity.NewIndexHNSW(entity.COSINE, hnswM, hnswEfConstruction)
		if err != nil {
			return fmt.Errorf("failed to build index: %w", err)
		}
		if err := s.milvus.CreateIndex(ctx, s.collection, fieldVector, idx, false); err != nil {
			span.RecordError(err)
			return fmt.Errorf("failed to create index: %w", err)
		}
		s.logger.Info("created semantic cache collection", zap.String("collection", s.collection))
	}

	if err := s.milvus.LoadCollection(ctx, s.collection, false); err != nil {
		span.RecordError(err)
		return fmt.Errorf("failed to load collection: %w", err)
	}
	return nil
}

// Search runs a COSINE k-NN query over live entries owned by the tenant or marked shareable
func (s *Store) Search(ctx context.Context, tenantID string, vector []float32, k int) ([]models.VectorMatch, error) {
	ctx, span := tracer.Start(ctx, "milvus.Search",
		trace.WithAttributes(
			attribute.String("tenant_id", tenantID),
			attribute.Int("top_k", k),
		))
	defer span.End()

	sp, err := entity.NewIndexHNSWSearchParam(hnswEf)
	if err != nil {
		return nil, fmt.Errorf("failed to create search param: %w", err)
	}

	results, err := s.milvus.Search(ctx,
		s.collection,
		nil,
		FilterExpr(tenantID, s.now()),
		[]string{fieldID, fieldTenant, fieldShareable, fieldPrompt, fieldResponse, fieldModel, fieldCreatedAt},
		[]entity.Vector{entity.FloatVector(vector)},
		fieldVector,
		entity.COSINE,
		k,
		sp,
	)
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("failed to search: %w", err)
	}

	var matches []models.VectorMatch
	for _, result := range results {
		for i := 0; i < result.ResultCount; i++ {
			m := models.VectorMatch{Similarity: CosineSimilarity(result.Scores[i])}
			if col, ok := result.Fields.GetColumn(fieldID).(*entity.ColumnVarChar); ok {
				m.Entry.ID = col.Data()[i]
			}
			if col, ok := result.Fields.GetColumn(fieldTenant).(*entity.ColumnVarChar); ok {
				m.Entry.TenantID = col.Data()[i]
			}
			if col, ok := result.Fields.GetColumn(fieldShareable).(*entity.ColumnBool); ok {
				m.Entry.Shareable = col.Data()[i]
			}
			if col, ok := result.Fields.GetColumn(fieldPrompt).(*entity.ColumnVarChar); ok {
				m.Entry.Prompt = col.Data()[i]
			}
			if col, ok := result.Fields.GetColumn(fieldResponse).(*entity.ColumnVarChar); ok {
				m.Entry.Response = col.Data()[i]
			}
			if col, ok := result.Fields.GetColumn(fieldModel).(*entity.ColumnVarChar); ok {
				m.Entry.Model = col.Data()[i]
			}
			if col, ok := result.Fields.GetColumn(fieldCreatedAt).(*entity.ColumnInt64); ok {
				m.Entry.CreatedAt = time.Unix(col.Data()[i], 0)
			}
			matches = append(matches, m)
		}
	}

	span.SetAttributes(attribute.Int("result_count", len(matches)))
	return matches, nil
}

// Upsert writes one entry keyed by its prompt hash
func (s *Store) Upsert(ctx context.Context, e models.CacheEntry, vector []float32) error {
	ctx, span := tracer.Start(ctx, "milvus.Upsert",
		trace.WithAttributes(attribute.String("tenant_id", e.TenantID)))
	defer span.End()

	if len(vector) != s.dim {
		return fmt.Errorf("embedding dimension %d does not match collection dimension %d", len(vector), s.dim)
	}

	created := e.CreatedAt
	if created.IsZero() {
		created = s.now()
	}
	expires := created.Add(time.Duration(e.TTLSeconds) * time.Second)

	_, err := s.milvus.Upsert(ctx, s.collection, "",
		entity.NewColumnVarChar(fieldID, []string{e.ID}),
		entity.NewColumnFloatVector(fieldVector, s.dim, [][]float32{vector}),
		entity.NewColumnVarChar(fieldTenant, []string{e.TenantID}),
		entity.NewColumnBool(fieldShareable, []bool{e.Shareable}),
		entity.NewColumnVarChar(fieldPrompt, []string{e.Prompt}),
		entity.NewColumnVarChar(fieldResponse, []string{e.Response}),
		entity.NewColumnVarChar(fieldModel, []string{e.Model}),
		entity.NewColumnInt64(fieldCreatedAt, []int64{created.Unix()}),
		entity.NewColumnInt64(fieldExpiresAt, []int64{expires.Unix()}),
	)
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("failed to upsert cache entry: %w", err)
	}
	return nil
}

// HealthCheck verifies the collection is reachable
func (s *Store) HealthCheck(ctx context.Context) error {
	if _, err := s.milvus.HasCollection(ctx, s.collection); err != nil {
		return fmt.Errorf("milvus health check failed: %w", err)
	}
	return nil
}

// Close closes the client
func (s *Store) Close() error {
	return s.milvus.Close()
}

// FilterExpr scopes a search to the tenant's own entries plus shareable ones that have not expired
func FilterExpr(tenantID string, now time.Time) string {
	return fmt.Sprintf(`(%s == %s || %s == true) && %s > %d`,
		fieldTenant, strconv.Quote(tenantID), fieldShareable, fieldExpiresAt, now.Unix())
}

// CosineSimilarity converts a Milvus COSINE score into [0,1]. Milvus reports
// cosine similarity directly in [-1,1]; negative scores are clamped to zero.
func CosineSimilarity(score float32) float64 {
	s := float64(score)
	if s < 0 {
		return 0
	}
	if s > 1 {
		return 1
	}
	return s
}
