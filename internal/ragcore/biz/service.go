package biz

import (
	"context"

	"github.com/kart-io/logger"

	"github.com/kart-io/ragcore/internal/ragcore/store"
	"github.com/kart-io/ragcore/pkg/llm"
)

// Service 组合业务组件，提供 RAG 查询服务的统一入口。
type Service struct {
	orchestrator  *Orchestrator
	indexer       *Indexer
	conversations *ConversationManager
	cache         *QueryCache
	index         store.VectorIndex
}

// NewService 创建服务实例。
func NewService(
	orchestrator *Orchestrator,
	indexer *Indexer,
	conversations *ConversationManager,
	cache *QueryCache,
	index store.VectorIndex,
) *Service {
	return &Service{
		orchestrator:  orchestrator,
		indexer:       indexer,
		conversations: conversations,
		cache:         cache,
		index:         index,
	}
}

// Query 执行一次查询，阻塞返回聚合结果。命中缓存时跳过整条流水线。
// 带会话的查询不走缓存，历史使得相同问题的答案不可复用。
func (s *Service) Query(ctx context.Context, req *QueryRequest) (*QueryResult, error) {
	cacheable := req.ConversationID == "" && s.cache != nil
	if cacheable {
		if cached, err := s.cache.Get(ctx, req.TenantID, req.Query); err == nil && cached != nil {
			return cached, nil
		}
	}

	result, err := s.orchestrator.Query(ctx, req)
	if err != nil {
		return nil, err
	}

	if cacheable {
		if err := s.cache.Set(ctx, req.TenantID, req.Query, result); err != nil {
			logger.Warnw("写入查询缓存失败", "tenant", req.TenantID, "error", err.Error())
		}
	}
	return result, nil
}

// QueryStream 执行一次查询，以事件流返回结果。流式查询不走缓存。
func (s *Service) QueryStream(ctx context.Context, req *QueryRequest) <-chan llm.GenerationEvent {
	return s.orchestrator.Stream(ctx, req)
}

// IndexChunks 嵌入并索引一批文档块。
func (s *Service) IndexChunks(ctx context.Context, tenantID string, inputs []*ChunkInput) (int, error) {
	return s.indexer.IndexChunks(ctx, tenantID, inputs)
}

// DeleteChunks 删除租户的指定块。
func (s *Service) DeleteChunks(ctx context.Context, tenantID string, chunkIDs []string) error {
	return s.indexer.DeleteChunks(ctx, tenantID, chunkIDs)
}

// DropTenant 删除租户的全部索引数据和查询缓存。
func (s *Service) DropTenant(ctx context.Context, tenantID string) error {
	if err := s.indexer.DropTenant(ctx, tenantID); err != nil {
		return err
	}
	if s.cache != nil {
		if err := s.cache.ClearTenant(ctx, tenantID); err != nil {
			logger.Warnw("清除租户查询缓存失败", "tenant", tenantID, "error", err.Error())
		}
	}
	return nil
}

// History 返回会话的全部保留轮次。
func (s *Service) History(ctx context.Context, tenantID, conversationID string) ([]*store.Turn, error) {
	return s.conversations.History(ctx, tenantID, conversationID)
}

// ClearConversation 删除会话。
func (s *Service) ClearConversation(ctx context.Context, tenantID, conversationID string) error {
	return s.conversations.Clear(ctx, tenantID, conversationID)
}

// Health 探测向量索引后端的连通性。索引未配置时视为健康。
func (s *Service) Health(ctx context.Context) *store.HealthDetail {
	if s.index == nil {
		return &store.HealthDetail{Connected: true}
	}
	return s.index.Health(ctx)
}

// Stats 返回索引与缓存的统计信息。
func (s *Service) Stats(ctx context.Context) (map[string]any, error) {
	stats := map[string]any{}

	if s.index != nil {
		count, err := s.index.Stats(ctx)
		if err != nil {
			return nil, err
		}
		stats["indexed_chunks"] = count
	}

	if s.cache != nil {
		cacheStats, err := s.cache.Stats(ctx)
		if err != nil {
			return nil, err
		}
		stats["query_cache"] = cacheStats
	}

	return stats, nil
}
