package store

import (
	"context"
	"errors"
	"time"
)

// 存储层的可识别错误。
var (
	// ErrTenantRequired 未指定租户。
	ErrTenantRequired = errors.New("tenant id is required")
	// ErrDimensionMismatch 向量维度与集合不一致。
	ErrDimensionMismatch = errors.New("embedding dimension mismatch")
	// ErrConversationNotFound 会话不存在或已过期。
	ErrConversationNotFound = errors.New("conversation not found")
)

// Chunk 表示待索引的文档块。
type Chunk struct {
	// ChunkID 块 ID，租户内唯一。
	ChunkID string
	// TenantID 所属租户。
	TenantID string
	// Content 文本内容。
	Content string
	// Embedding 嵌入向量。
	Embedding []float32
	// Metadata 附加元数据（section、page 等）。
	Metadata map[string]string
	// IndexedAt 入索引时间。
	IndexedAt time.Time
}

// SearchResult 表示检索结果。
type SearchResult struct {
	// ChunkID 块 ID。
	ChunkID string
	// Content 文本内容。
	Content string
	// Score 相似度分数，越大越相似。
	Score float32
	// Metadata 附加元数据。
	Metadata map[string]string
	// IndexedAt 入索引时间。
	IndexedAt time.Time
}

// VectorIndex 定义租户隔离的向量索引接口。
// 所有操作都以租户为作用域，实现必须保证检索面只包含该租户的数据，
// 不允许检索后再过滤。
type VectorIndex interface {
	// EnsureReady 创建集合（幂等）。
	EnsureReady(ctx context.Context) error

	// Index 将块写入租户的索引。已有相同 ChunkID 的块会被覆盖。
	Index(ctx context.Context, tenantID string, chunks []*Chunk) error

	// Search 在租户的索引内做相似度检索，返回至多 topK 条分数不低于
	// minScore 的结果，按分数降序，分数相同时按 IndexedAt 降序。
	// minScore 为 0 表示不做分数过滤。
	Search(ctx context.Context, tenantID string, embedding []float32, topK int, minScore float64) ([]*SearchResult, error)

	// Delete 删除租户内的指定块。
	Delete(ctx context.Context, tenantID string, chunkIDs []string) error

	// DropTenant 删除租户的全部数据。
	DropTenant(ctx context.Context, tenantID string) error

	// Stats 返回集合的总块数。
	Stats(ctx context.Context) (int64, error)

	// Health 返回后端的健康状况。后端不可达时 Connected 为 false，
	// 不返回错误。
	Health(ctx context.Context) *HealthDetail

	// Close 关闭连接。
	Close(ctx context.Context) error
}

// HealthDetail 向量索引后端的健康状况。
type HealthDetail struct {
	// Connected 后端是否可达。
	Connected bool `json:"connected"`
	// IndexedChunks 集合内的块总数（近似值）。
	IndexedChunks int64 `json:"indexed_chunks"`
	// BackendVersion 后端版本。
	BackendVersion string `json:"backend_version,omitempty"`
}

// Turn 表示会话中的一轮问答。每轮都携带所属租户，
// 反序列化后可以独立于存储键校验归属。
type Turn struct {
	// TurnID 轮次 ID（ULID，按时间有序）。
	TurnID string `json:"turn_id"`
	// TenantID 所属租户。
	TenantID string `json:"tenant_id"`
	// UserID 提问用户。
	UserID string `json:"user_id,omitempty"`
	// Question 用户问题。
	Question string `json:"question"`
	// Answer 生成的回答。
	Answer string `json:"answer"`
	// Sources 回答引用的块 ID。
	Sources []string `json:"sources,omitempty"`
	// CreatedAt 创建时间。
	CreatedAt time.Time `json:"created_at"`
}

// ConversationStore 定义只追加的会话存储接口。
// 轮次只能追加，不能修改；超出保留上限时淘汰最旧的轮次。
type ConversationStore interface {
	// AppendTurn 追加一轮问答并续期会话。
	AppendTurn(ctx context.Context, tenantID, conversationID string, turn *Turn) error

	// RecentTurns 返回最近 n 轮，按时间从旧到新。
	RecentTurns(ctx context.Context, tenantID, conversationID string, n int) ([]*Turn, error)

	// History 返回会话的全部保留轮次，按时间从旧到新。
	History(ctx context.Context, tenantID, conversationID string) ([]*Turn, error)

	// Clear 删除会话。
	Clear(ctx context.Context, tenantID, conversationID string) error
}
