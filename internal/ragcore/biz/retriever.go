package biz

import (
	"context"
	"fmt"
	"time"

	"github.com/kart-io/logger"
	"github.com/kart-io/ragcore/internal/ragcore/store"
	"github.com/kart-io/ragcore/pkg/llm"
)

// RetrieverConfig 检索器配置。
type RetrieverConfig struct {
	// TopK 默认检索条数。
	TopK int
}

// DefaultRetrieverConfig 返回默认检索器配置。
func DefaultRetrieverConfig() *RetrieverConfig {
	return &RetrieverConfig{TopK: 5}
}

// Retriever 负责租户内向量检索：嵌入查询文本，在租户的
// 检索面内做相似度搜索。
type Retriever struct {
	embedder llm.EmbeddingProvider
	index    store.VectorIndex
	config   *RetrieverConfig
}

// NewRetriever 创建检索器实例。
func NewRetriever(embedder llm.EmbeddingProvider, index store.VectorIndex, config *RetrieverConfig) *Retriever {
	if config == nil {
		config = DefaultRetrieverConfig()
	}
	return &Retriever{
		embedder: embedder,
		index:    index,
		config:   config,
	}
}

// Retrieve 在租户的索引内检索与查询最相似的片段。
// topK 为 0 时使用配置的默认值，minScore 作为分数下界下推到索引。
func (r *Retriever) Retrieve(ctx context.Context, tenantID, query string, topK int, minScore float64) ([]*store.SearchResult, error) {
	if tenantID == "" {
		return nil, ErrTenantRequired
	}
	if topK <= 0 {
		topK = r.config.TopK
	}

	start := time.Now()
	embedding, err := r.embedder.EmbedSingle(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("embed query: %w", err)
	}

	results, err := r.index.Search(ctx, tenantID, embedding, topK, minScore)
	if err != nil {
		return nil, fmt.Errorf("vector search: %w", err)
	}

	logger.Debugw("检索完成",
		"tenant", tenantID,
		"top_k", topK,
		"results", len(results),
		"elapsed", time.Since(start),
	)
	return results, nil
}
