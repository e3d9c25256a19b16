package biz

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/kart-io/logger"
	utilerrors "k8s.io/apimachinery/pkg/util/errors"

	"github.com/kart-io/ragcore/internal/ragcore/store"
	"github.com/kart-io/ragcore/pkg/id"
	"github.com/kart-io/ragcore/pkg/infra/pool"
	"github.com/kart-io/ragcore/pkg/llm"
)

// Indexer 负责文档索引：并行嵌入文档块，写入租户的向量索引。
type Indexer struct {
	embedder llm.EmbeddingProvider
	index    store.VectorIndex
	workers  *pool.Pool
}

// NewIndexer 创建索引器实例。workers 为 nil 时嵌入串行执行。
func NewIndexer(embedder llm.EmbeddingProvider, index store.VectorIndex, workers *pool.Pool) *Indexer {
	return &Indexer{
		embedder: embedder,
		index:    index,
		workers:  workers,
	}
}

// IndexChunks 嵌入并索引一批文档块，返回成功写入的块数。
// 嵌入并行执行，任何一块失败则整批不写入。
func (ix *Indexer) IndexChunks(ctx context.Context, tenantID string, inputs []*ChunkInput) (int, error) {
	if tenantID == "" {
		return 0, ErrTenantRequired
	}
	if len(inputs) == 0 {
		return 0, nil
	}

	// 先整体校验再分发，避免中途返回丢下未配平的任务
	for i, input := range inputs {
		if input.Content == "" {
			return 0, fmt.Errorf("chunk %d has empty content", i)
		}
	}

	start := time.Now()
	chunks := make([]*store.Chunk, len(inputs))
	errs := make([]error, len(inputs))

	var wg sync.WaitGroup
	for i, input := range inputs {
		wg.Add(1)
		// 取消通过 EmbedSingle 的 ctx 传播，任务本身必须执行以配平 WaitGroup
		task := ix.embedTask(ctx, tenantID, input, &chunks[i], &errs[i], &wg)
		if ix.workers != nil {
			if err := ix.workers.Submit(task); err != nil {
				wg.Done()
				errs[i] = fmt.Errorf("submit embed task: %w", err)
			}
		} else {
			task()
		}
	}
	wg.Wait()

	if err := utilerrors.NewAggregate(errs); err != nil {
		return 0, fmt.Errorf("embed chunks: %w", err)
	}

	if err := ix.index.Index(ctx, tenantID, chunks); err != nil {
		return 0, err
	}

	logger.Infow("索引完成",
		"tenant", tenantID,
		"chunks", len(chunks),
		"elapsed", time.Since(start),
	)
	return len(chunks), nil
}

// embedTask 构造单块的嵌入任务。结果写入调用方预留的槽位。
func (ix *Indexer) embedTask(ctx context.Context, tenantID string, input *ChunkInput, out **store.Chunk, errOut *error, wg *sync.WaitGroup) func() {
	return func() {
		defer wg.Done()

		embedding, err := ix.embedder.EmbedSingle(ctx, input.Content)
		if err != nil {
			*errOut = fmt.Errorf("embed chunk %q: %w", input.ChunkID, err)
			return
		}

		chunkID := input.ChunkID
		if chunkID == "" {
			chunkID = id.New()
		}

		*out = &store.Chunk{
			ChunkID:   chunkID,
			TenantID:  tenantID,
			Content:   input.Content,
			Embedding: embedding,
			Metadata:  input.Metadata,
			IndexedAt: time.Now(),
		}
	}
}

// DeleteChunks 删除租户的指定块。
func (ix *Indexer) DeleteChunks(ctx context.Context, tenantID string, chunkIDs []string) error {
	if tenantID == "" {
		return ErrTenantRequired
	}
	return ix.index.Delete(ctx, tenantID, chunkIDs)
}

// DropTenant 删除租户的全部索引数据。
func (ix *Indexer) DropTenant(ctx context.Context, tenantID string) error {
	if tenantID == "" {
		return ErrTenantRequired
	}
	return ix.index.DropTenant(ctx, tenantID)
}
