package biz

import (
	"errors"

	"github.com/kart-io/ragcore/pkg/llm"
)

// 业务层的可识别错误。
var (
	// ErrQueryTooShort 查询长度不足。
	ErrQueryTooShort = errors.New("query is too short")
	// ErrQueryTooLong 查询长度超限。
	ErrQueryTooLong = errors.New("query is too long")
	// ErrTenantRequired 未指定租户。
	ErrTenantRequired = errors.New("tenant id is required")
	// ErrGenerationFailed 生成失败。
	ErrGenerationFailed = errors.New("generation failed")
	// ErrQueryCancelled 查询被调用方取消。
	ErrQueryCancelled = errors.New("query cancelled")
)

// QueryRequest 一次 RAG 查询请求。
type QueryRequest struct {
	// TenantID 发起查询的租户，必填。
	TenantID string `json:"tenant_id"`
	// UserID 提问用户，随轮次持久化。
	UserID string `json:"user_id,omitempty"`
	// ConversationID 会话 ID。为空表示单轮查询，不携带历史也不持久化。
	ConversationID string `json:"conversation_id,omitempty"`
	// Query 用户问题。
	Query string `json:"query"`
	// TopK 检索条数，0 表示使用服务默认值。
	TopK int `json:"top_k,omitempty"`
	// ContextConfig 本次查询的上下文组装覆盖项，为空时使用服务配置。
	ContextConfig *ContextConfig `json:"context_config,omitempty"`
}

// ContextConfig 单次查询的上下文组装参数覆盖。
// 零值字段沿用服务配置，覆盖只作用于当前请求，不触碰共享配置。
type ContextConfig struct {
	// MaxTokens 上下文 token 预算。
	MaxTokens int `json:"max_tokens,omitempty"`
	// RelevanceThreshold 相似度过滤阈值。
	RelevanceThreshold float64 `json:"relevance_threshold,omitempty"`
	// IncludeMetadata 是否渲染片段元数据。nil 表示沿用服务配置。
	IncludeMetadata *bool `json:"include_metadata,omitempty"`
	// Separator 片段分隔符。
	Separator string `json:"separator,omitempty"`
}

// QueryResult 一次 RAG 查询的最终结果。
type QueryResult struct {
	// Answer 生成的回答。
	Answer string `json:"answer"`
	// Sources 回答引用的 chunk ID。
	Sources []string `json:"sources,omitempty"`
	// Provider 实际产生回答的供应商。
	Provider string `json:"provider,omitempty"`
	// Usage token 消耗。
	Usage *llm.TokenUsage `json:"usage,omitempty"`
	// Degraded 为 true 表示没有片段通过相关性过滤，回答未基于知识库。
	Degraded bool `json:"degraded"`
	// Cached 为 true 表示结果来自查询缓存。
	Cached bool `json:"cached"`
}

// AssembledContext 组装后的生成上下文。
type AssembledContext struct {
	// Text 拼接并优化后的上下文文本。
	Text string `json:"text"`
	// Sources 按相关性排序的来源 chunk ID。
	Sources []string `json:"sources"`
	// Truncated 是否有片段因预算被丢弃或文本被截断。
	Truncated bool `json:"truncated"`
	// Stats 本次组装的统计信息。
	Stats ContextStats `json:"stats"`
}

// ContextStats 一次上下文组装的统计。均值相关性基于原始候选集计算，
// 包括被阈值过滤掉的片段。
type ContextStats struct {
	// TotalCandidates 检索返回的候选片段总数。
	TotalCandidates int `json:"total_candidates"`
	// UsedCandidates 实际进入上下文的片段数。
	UsedCandidates int `json:"used_candidates"`
	// EstimatedTokens 最终上下文的估算 token 数。
	EstimatedTokens int `json:"estimated_tokens"`
	// AvgRelevance 原始候选集的平均相关性分数。
	AvgRelevance float64 `json:"avg_relevance"`
}

// ChunkInput 待索引的文档块输入。
type ChunkInput struct {
	// ChunkID 块 ID，为空时自动生成。
	ChunkID string `json:"chunk_id,omitempty"`
	// Content 文本内容，必填。
	Content string `json:"content"`
	// Metadata 附加元数据。
	Metadata map[string]string `json:"metadata,omitempty"`
}
