package biz

import (
	"fmt"
	"strings"

	"github.com/kart-io/logger"
	"github.com/kart-io/ragcore/internal/ragcore/store"
)

// AssemblerConfig 上下文组装器配置。
type AssemblerConfig struct {
	// RelevanceThreshold 相似度过滤阈值，低于该值的片段被丢弃。
	RelevanceThreshold float64
	// MaxTokens 组装后上下文的 token 预算。
	MaxTokens int
	// CharsPerToken token 估算用的每 token 字符数。
	CharsPerToken int
	// Separator 片段之间的分隔符。
	Separator string
	// IncludeMetadata 是否渲染片段的标题头和块级元数据。
	IncludeMetadata bool
}

// DefaultAssemblerConfig 返回默认组装器配置。
func DefaultAssemblerConfig() *AssemblerConfig {
	return &AssemblerConfig{
		RelevanceThreshold: 0.7,
		MaxTokens:          4000,
		CharsPerToken:      4,
		Separator:          "\n\n---\n\n",
		IncludeMetadata:    true,
	}
}

// MinimalAssemblerConfig 返回精简配置：更小的预算、更高的阈值、不带元数据。
func MinimalAssemblerConfig() *AssemblerConfig {
	return &AssemblerConfig{
		RelevanceThreshold: 0.8,
		MaxTokens:          2000,
		CharsPerToken:      4,
		Separator:          "\n\n",
		IncludeMetadata:    false,
	}
}

// contextMetadataKeys 参与上下文渲染的块级元数据键。
var contextMetadataKeys = []string{"section", "page", "chapter", "author", "date", "category"}

// Assembler 把检索结果组装为带 token 预算的生成上下文。
type Assembler struct {
	config *AssemblerConfig
}

// NewAssembler 创建组装器实例。
func NewAssembler(config *AssemblerConfig) *Assembler {
	if config == nil {
		config = DefaultAssemblerConfig()
	}
	return &Assembler{config: config}
}

// estimateTokens 用字符数估算 token 数。
func estimateTokens(text string, charsPerToken int) int {
	return len(text) / charsPerToken
}

// effectiveConfig 合并单次请求的覆盖项。覆盖只作用于返回的副本，
// 不触碰共享配置。
func (a *Assembler) effectiveConfig(override *ContextConfig) *AssemblerConfig {
	cfg := *a.config
	if override == nil {
		return &cfg
	}
	if override.MaxTokens > 0 {
		cfg.MaxTokens = override.MaxTokens
	}
	if override.RelevanceThreshold > 0 {
		cfg.RelevanceThreshold = override.RelevanceThreshold
	}
	if override.Separator != "" {
		cfg.Separator = override.Separator
	}
	if override.IncludeMetadata != nil {
		cfg.IncludeMetadata = *override.IncludeMetadata
	}
	return &cfg
}

// EffectiveThreshold 返回本次请求生效的相关性阈值，供检索下推过滤。
func (a *Assembler) EffectiveThreshold(override *ContextConfig) float64 {
	return a.effectiveConfig(override).RelevanceThreshold
}

// formatChunk 渲染单个片段。启用元数据时，带标题的片段渲染
// Document/Type/Relevance 头，尾部追加过滤后的块级元数据。
func formatChunk(r *store.SearchResult, includeMetadata bool) string {
	if !includeMetadata {
		return r.Content
	}

	var b strings.Builder
	if title := r.Metadata["title"]; title != "" {
		b.WriteString("Document: " + title + "\n")
		if docType := r.Metadata["type"]; docType != "" {
			b.WriteString("Type: " + docType + "\n")
		}
		fmt.Fprintf(&b, "Relevance: %.2f\n", r.Score)
		b.WriteString("---\n")
	}
	b.WriteString(r.Content)

	var meta []string
	for _, key := range contextMetadataKeys {
		if v := r.Metadata[key]; v != "" {
			meta = append(meta, key+"="+v)
		}
	}
	if len(meta) > 0 {
		b.WriteString("\n[Metadata: " + strings.Join(meta, " ") + "]")
	}
	return b.String()
}

// Assemble 用组装器自身的配置组装检索结果。
func (a *Assembler) Assemble(results []*store.SearchResult) *AssembledContext {
	return a.AssembleWith(results, nil)
}

// AssembleWith 过滤、去重并按预算组装检索结果。
// override 非空时覆盖本次调用的阈值、预算、分隔符和元数据开关。
//
// 输入按分数降序。处理顺序：
//  1. 丢弃分数低于阈值的片段
//  2. 按 ChunkID 去重，保留分数最高的一份
//  3. 按预算逐个接纳，首个通过过滤的片段总是被接纳
//
// 没有片段通过过滤时返回空上下文，调用方据此标记降级。
// Stats 基于原始候选集统计，包括被过滤掉的片段。
func (a *Assembler) AssembleWith(results []*store.SearchResult, override *ContextConfig) *AssembledContext {
	cfg := a.effectiveConfig(override)

	var (
		parts     []string
		sources   []string
		used      int
		truncated bool
		seen      = make(map[string]struct{}, len(results))
	)

	for _, r := range results {
		if float64(r.Score) < cfg.RelevanceThreshold {
			continue
		}
		if _, dup := seen[r.ChunkID]; dup {
			continue
		}
		seen[r.ChunkID] = struct{}{}

		rendered := formatChunk(r, cfg.IncludeMetadata)
		cost := estimateTokens(rendered, cfg.CharsPerToken)
		if len(parts) > 0 {
			cost += estimateTokens(cfg.Separator, cfg.CharsPerToken)
			if used+cost > cfg.MaxTokens {
				truncated = true
				continue
			}
		}

		parts = append(parts, rendered)
		sources = append(sources, r.ChunkID)
		used += cost
	}

	text, cut := optimizeWith(strings.Join(parts, cfg.Separator), cfg)

	var scoreSum float64
	for _, r := range results {
		scoreSum += float64(r.Score)
	}
	avgRelevance := 0.0
	if len(results) > 0 {
		avgRelevance = scoreSum / float64(len(results))
	}

	ctx := &AssembledContext{
		Text:      text,
		Sources:   sources,
		Truncated: truncated || cut,
		Stats: ContextStats{
			TotalCandidates: len(results),
			UsedCandidates:  len(sources),
			EstimatedTokens: estimateTokens(text, cfg.CharsPerToken),
			AvgRelevance:    avgRelevance,
		},
	}

	logger.Debugw("上下文组装完成",
		"candidates", ctx.Stats.TotalCandidates,
		"admitted", ctx.Stats.UsedCandidates,
		"token_estimate", ctx.Stats.EstimatedTokens,
		"avg_relevance", ctx.Stats.AvgRelevance,
		"truncated", ctx.Truncated,
	)
	return ctx
}

// Optimize 压缩上下文文本。操作是幂等的，重复调用结果不变：
//  1. 压缩行内连续空白
//  2. 删除重复出现的长句（20 字符以上）
//  3. 超出预算九成时在词边界截断并追加省略号
func (a *Assembler) Optimize(text string) string {
	optimized, _ := optimizeWith(text, a.config)
	return optimized
}

func optimizeWith(text string, cfg *AssemblerConfig) (string, bool) {
	if text == "" {
		return "", false
	}

	optimized := collapseInlineSpaces(text)
	optimized = dropDuplicateSentences(optimized)

	limit := cfg.MaxTokens * cfg.CharsPerToken * 9 / 10
	if len(optimized) > limit {
		return truncateAtWordBoundary(optimized, limit), true
	}
	return optimized, false
}

// collapseInlineSpaces 压缩行内的连续空格和制表符，保留换行结构。
func collapseInlineSpaces(s string) string {
	lines := strings.Split(s, "\n")
	for i, line := range lines {
		fields := strings.Fields(line)
		lines[i] = strings.Join(fields, " ")
	}
	return strings.Join(lines, "\n")
}

// dropDuplicateSentences 删除重复的长句。短句（不足 20 字符）可能是
// 标题或列表项，重复属正常，不做去重。
func dropDuplicateSentences(s string) string {
	const minSentenceLen = 20

	sentences := splitSentences(s)
	if len(sentences) < 2 {
		return s
	}

	seen := make(map[string]struct{}, len(sentences))
	kept := sentences[:0]
	for _, sentence := range sentences {
		key := strings.TrimSpace(sentence)
		if len(key) >= minSentenceLen {
			if _, dup := seen[key]; dup {
				continue
			}
			seen[key] = struct{}{}
		}
		kept = append(kept, sentence)
	}
	return strings.Join(kept, "")
}

// splitSentences 按句末标点切分，分隔符保留在句尾。
func splitSentences(s string) []string {
	var (
		sentences []string
		start     int
	)
	for i, r := range s {
		if r != '.' && r != '!' && r != '?' {
			continue
		}
		end := i + 1
		if end < len(s) && s[end] != ' ' && s[end] != '\n' {
			continue
		}
		sentences = append(sentences, s[start:end])
		start = end
	}
	if start < len(s) {
		sentences = append(sentences, s[start:])
	}
	return sentences
}

// truncateAtWordBoundary 在词边界截断文本并追加省略号。
func truncateAtWordBoundary(s string, limit int) string {
	const ellipsis = "..."
	if limit <= len(ellipsis) {
		return ellipsis[:limit]
	}

	cut := limit - len(ellipsis)
	if idx := strings.LastIndexByte(s[:cut], ' '); idx > 0 {
		cut = idx
	}
	return strings.TrimRight(s[:cut], " \n") + ellipsis
}
