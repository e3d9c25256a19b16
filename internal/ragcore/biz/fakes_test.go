package biz

import (
	"context"
	"fmt"
	"sync"

	"github.com/kart-io/ragcore/internal/ragcore/store"
	"github.com/kart-io/ragcore/pkg/llm"
)

// fakeEmbedder 返回固定维度的确定性向量。
type fakeEmbedder struct {
	mu    sync.Mutex
	calls int
	err   error
	dim   int
}

func newFakeEmbedder(dim int) *fakeEmbedder {
	return &fakeEmbedder{dim: dim}
}

func (f *fakeEmbedder) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, text := range texts {
		vec, err := f.EmbedSingle(ctx, text)
		if err != nil {
			return nil, err
		}
		out[i] = vec
	}
	return out, nil
}

func (f *fakeEmbedder) EmbedSingle(ctx context.Context, text string) ([]float32, error) {
	f.mu.Lock()
	f.calls++
	f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	vec := make([]float32, f.dim)
	for i := range vec {
		vec[i] = float32(len(text)%7) / 7
	}
	return vec, nil
}

func (f *fakeEmbedder) Name() string { return "fake-embedder" }

func (f *fakeEmbedder) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

// fakeIndex 内存向量索引，Search 返回脚本化的结果。
type fakeIndex struct {
	mu        sync.Mutex
	indexed   map[string][]*store.Chunk
	results   []*store.SearchResult
	searchErr error
	indexErr  error
}

func newFakeIndex(results ...*store.SearchResult) *fakeIndex {
	return &fakeIndex{
		indexed: make(map[string][]*store.Chunk),
		results: results,
	}
}

func (f *fakeIndex) EnsureReady(ctx context.Context) error { return nil }

func (f *fakeIndex) Index(ctx context.Context, tenantID string, chunks []*store.Chunk) error {
	if f.indexErr != nil {
		return f.indexErr
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.indexed[tenantID] = append(f.indexed[tenantID], chunks...)
	return nil
}

func (f *fakeIndex) Search(ctx context.Context, tenantID string, embedding []float32, topK int, minScore float64) ([]*store.SearchResult, error) {
	if f.searchErr != nil {
		return nil, f.searchErr
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var out []*store.SearchResult
	for _, r := range f.results {
		if float64(r.Score) < minScore {
			continue
		}
		out = append(out, r)
		if len(out) == topK {
			break
		}
	}
	return out, nil
}

func (f *fakeIndex) Delete(ctx context.Context, tenantID string, chunkIDs []string) error {
	return nil
}

func (f *fakeIndex) DropTenant(ctx context.Context, tenantID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.indexed, tenantID)
	return nil
}

func (f *fakeIndex) Health(ctx context.Context) *store.HealthDetail {
	if f.searchErr != nil {
		return &store.HealthDetail{}
	}
	count, _ := f.Stats(ctx)
	return &store.HealthDetail{Connected: true, IndexedChunks: count}
}

func (f *fakeIndex) Stats(ctx context.Context) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var total int64
	for _, chunks := range f.indexed {
		total += int64(len(chunks))
	}
	return total, nil
}

func (f *fakeIndex) Close(ctx context.Context) error { return nil }

func (f *fakeIndex) chunksFor(tenantID string) []*store.Chunk {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.indexed[tenantID]
}

// fakeConvStore 内存会话存储。
type fakeConvStore struct {
	mu        sync.Mutex
	turns     map[string][]*store.Turn
	appendErr error
	recentErr error
}

func newFakeConvStore() *fakeConvStore {
	return &fakeConvStore{turns: make(map[string][]*store.Turn)}
}

func convKey(tenantID, conversationID string) string {
	return fmt.Sprintf("%s:%s", tenantID, conversationID)
}

func (f *fakeConvStore) AppendTurn(ctx context.Context, tenantID, conversationID string, turn *store.Turn) error {
	if f.appendErr != nil {
		return f.appendErr
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	key := convKey(tenantID, conversationID)
	f.turns[key] = append(f.turns[key], turn)
	return nil
}

func (f *fakeConvStore) RecentTurns(ctx context.Context, tenantID, conversationID string, n int) ([]*store.Turn, error) {
	if f.recentErr != nil {
		return nil, f.recentErr
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	all := f.turns[convKey(tenantID, conversationID)]
	if n >= len(all) {
		return all, nil
	}
	return all[len(all)-n:], nil
}

func (f *fakeConvStore) History(ctx context.Context, tenantID, conversationID string) ([]*store.Turn, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.turns[convKey(tenantID, conversationID)], nil
}

func (f *fakeConvStore) Clear(ctx context.Context, tenantID, conversationID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.turns, convKey(tenantID, conversationID))
	return nil
}

func (f *fakeConvStore) turnCount(tenantID, conversationID string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.turns[convKey(tenantID, conversationID)])
}

// fakeGenerator 回放脚本化的生成事件。
type fakeGenerator struct {
	mu       sync.Mutex
	events   []llm.GenerationEvent
	lastReq  *llm.ChatRequest
	blockCtx bool
}

func (f *fakeGenerator) Generate(ctx context.Context, req *llm.ChatRequest) <-chan llm.GenerationEvent {
	f.mu.Lock()
	f.lastReq = req
	f.mu.Unlock()

	ch := make(chan llm.GenerationEvent, len(f.events)+1)
	go func() {
		defer close(ch)
		for _, ev := range f.events {
			select {
			case ch <- ev:
			case <-ctx.Done():
				return
			}
		}
		if f.blockCtx {
			// 模拟取消：等待 ctx 结束后不发终结事件直接关闭
			<-ctx.Done()
		}
	}()
	return ch
}

func (f *fakeGenerator) request() *llm.ChatRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.lastReq
}

var (
	_ llm.EmbeddingProvider   = (*fakeEmbedder)(nil)
	_ store.VectorIndex       = (*fakeIndex)(nil)
	_ store.ConversationStore = (*fakeConvStore)(nil)
	_ Generator               = (*fakeGenerator)(nil)
)

