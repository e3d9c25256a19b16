package store

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/kart-io/ragcore/pkg/component/milvus"
	"github.com/kart-io/ragcore/pkg/utils/json"
)

// MilvusIndex 基于 Milvus 分区实现租户隔离的向量索引。
// 每个租户映射到集合内的一个分区，检索时只搜索该分区，
// 租户隔离由检索面保证而不是事后过滤。
type MilvusIndex struct {
	client     *milvus.Client
	collection string
	dimension  int

	// mu 保护 knownPartitions。
	mu              sync.Mutex
	knownPartitions map[string]struct{}
}

// NewMilvusIndex 创建 Milvus 向量索引。
func NewMilvusIndex(client *milvus.Client, collection string, dimension int) *MilvusIndex {
	return &MilvusIndex{
		client:          client,
		collection:      collection,
		dimension:       dimension,
		knownPartitions: map[string]struct{}{},
	}
}

// partitionName 把租户 ID 映射为合法的分区名。
// Milvus 分区名只允许字母、数字和下划线，其余字符替换为下划线。
func partitionName(tenantID string) string {
	var b strings.Builder
	b.WriteString("t_")
	for _, r := range tenantID {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_':
			b.WriteRune(r)
		default:
			b.WriteRune('_')
		}
	}
	return b.String()
}

// EnsureReady 创建集合（幂等）。
func (s *MilvusIndex) EnsureReady(ctx context.Context) error {
	return s.client.EnsureCollection(ctx, &milvus.ChunkCollectionSchema{
		Name:        s.collection,
		Description: "tenant partitioned document chunks",
		Dimension:   s.dimension,
	})
}

// ensurePartition 确保租户分区存在，结果缓存避免反复探测。
func (s *MilvusIndex) ensurePartition(ctx context.Context, partition string) error {
	s.mu.Lock()
	_, known := s.knownPartitions[partition]
	s.mu.Unlock()
	if known {
		return nil
	}

	if err := s.client.EnsurePartition(ctx, s.collection, partition); err != nil {
		return err
	}

	s.mu.Lock()
	s.knownPartitions[partition] = struct{}{}
	s.mu.Unlock()
	return nil
}

// Index 将块写入租户分区。
func (s *MilvusIndex) Index(ctx context.Context, tenantID string, chunks []*Chunk) error {
	if tenantID == "" {
		return ErrTenantRequired
	}
	if len(chunks) == 0 {
		return nil
	}

	partition := partitionName(tenantID)
	if err := s.ensurePartition(ctx, partition); err != nil {
		return fmt.Errorf("ensure partition: %w", err)
	}

	rows := make([]milvus.ChunkRow, len(chunks))
	for i, chunk := range chunks {
		if len(chunk.Embedding) != s.dimension {
			return fmt.Errorf("%w: chunk %s has dimension %d, collection expects %d",
				ErrDimensionMismatch, chunk.ChunkID, len(chunk.Embedding), s.dimension)
		}

		meta, err := json.Marshal(chunk.Metadata)
		if err != nil {
			return fmt.Errorf("marshal metadata for chunk %s: %w", chunk.ChunkID, err)
		}

		indexedAt := chunk.IndexedAt
		if indexedAt.IsZero() {
			indexedAt = time.Now()
		}

		rows[i] = milvus.ChunkRow{
			ChunkID:   chunk.ChunkID,
			TenantID:  tenantID,
			Content:   chunk.Content,
			Embedding: chunk.Embedding,
			Metadata:  meta,
			IndexedAt: indexedAt.UnixMilli(),
		}
	}

	if err := s.client.InsertChunks(ctx, s.collection, partition, rows); err != nil {
		return fmt.Errorf("insert into milvus: %w", err)
	}
	return nil
}

// Search 在租户分区内检索。结果按分数降序，分数相同时按入索引时间降序。
// minScore 大于 0 时作为 range search 的下界下推到索引。
func (s *MilvusIndex) Search(ctx context.Context, tenantID string, embedding []float32, topK int, minScore float64) ([]*SearchResult, error) {
	if tenantID == "" {
		return nil, ErrTenantRequired
	}
	if len(embedding) != s.dimension {
		return nil, fmt.Errorf("%w: query has dimension %d, collection expects %d",
			ErrDimensionMismatch, len(embedding), s.dimension)
	}

	partition := partitionName(tenantID)
	if err := s.ensurePartition(ctx, partition); err != nil {
		return nil, fmt.Errorf("ensure partition: %w", err)
	}

	raw, err := s.client.SearchInPartition(ctx, s.collection, partition, embedding, topK, minScore)
	if err != nil {
		return nil, fmt.Errorf("search milvus: %w", err)
	}

	results := make([]*SearchResult, len(raw))
	for i, r := range raw {
		var meta map[string]string
		if len(r.Metadata) > 0 {
			if err := json.Unmarshal(r.Metadata, &meta); err != nil {
				return nil, fmt.Errorf("unmarshal metadata for chunk %s: %w", r.ChunkID, err)
			}
		}
		results[i] = &SearchResult{
			ChunkID:   r.ChunkID,
			Content:   r.Content,
			Score:     r.Score,
			Metadata:  meta,
			IndexedAt: time.UnixMilli(r.IndexedAt),
		}
	}

	sort.SliceStable(results, func(i, j int) bool {
		if results[i].Score != results[j].Score {
			return results[i].Score > results[j].Score
		}
		return results[i].IndexedAt.After(results[j].IndexedAt)
	})

	return results, nil
}

// Delete 删除租户分区内的指定块。
func (s *MilvusIndex) Delete(ctx context.Context, tenantID string, chunkIDs []string) error {
	if tenantID == "" {
		return ErrTenantRequired
	}
	if len(chunkIDs) == 0 {
		return nil
	}
	return s.client.DeleteChunks(ctx, s.collection, partitionName(tenantID), chunkIDs)
}

// DropTenant 删除租户分区及其全部数据。
func (s *MilvusIndex) DropTenant(ctx context.Context, tenantID string) error {
	if tenantID == "" {
		return ErrTenantRequired
	}

	partition := partitionName(tenantID)
	if err := s.client.DropPartition(ctx, s.collection, partition); err != nil {
		return err
	}

	s.mu.Lock()
	delete(s.knownPartitions, partition)
	s.mu.Unlock()
	return nil
}

// Stats 返回集合的总块数。
func (s *MilvusIndex) Stats(ctx context.Context) (int64, error) {
	return s.client.GetCollectionStats(ctx, s.collection)
}

// Health 返回 Milvus 的连通性、版本和集合块数。
// 后端不可达时 Connected 为 false，不返回错误。
func (s *MilvusIndex) Health(ctx context.Context) *HealthDetail {
	version, err := s.client.ServerVersion(ctx)
	if err != nil {
		return &HealthDetail{}
	}

	detail := &HealthDetail{
		Connected:      true,
		BackendVersion: version,
	}
	if count, err := s.Stats(ctx); err == nil {
		detail.IndexedChunks = count
	}
	return detail
}

// Close 关闭 Milvus 连接。
func (s *MilvusIndex) Close(ctx context.Context) error {
	return s.client.Close(ctx)
}

// 确保 MilvusIndex 实现了 VectorIndex 接口。
var _ VectorIndex = (*MilvusIndex)(nil)
