package models

import "time"

// CacheEntry is an answer remembered by the semantic cache
type CacheEntry struct {
	ID         string    `json:"id"` // prompt hash, shared by the exact and vector paths
	TenantID   string    `json:"tenant_id"`
	Prompt     string    `json:"prompt"`
	Response   string    `json:"response"`
	Model      string    `json:"model,omitempty"`
	Shareable  bool      `json:"shareable"`
	CreatedAt  time.Time `json:"created_at"`
	TTLSeconds int64     `json:"ttl_seconds"`
}

// VectorMatch is one k-NN candidate with its similarity in [0,1]
type VectorMatch struct {
	Entry      CacheEntry
	Similarity float64
}
