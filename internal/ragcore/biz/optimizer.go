package biz

import (
	"fmt"
	"strings"
	"unicode"

	"github.com/kart-io/logger"
)

// QueryOptimizerConfig 查询优化器配置。
type QueryOptimizerConfig struct {
	// MinLength 查询最小长度（trim 后字符数）。
	MinLength int
	// MaxLength 查询最大长度。
	MaxLength int
}

// DefaultQueryOptimizerConfig 返回默认查询优化器配置。
func DefaultQueryOptimizerConfig() *QueryOptimizerConfig {
	return &QueryOptimizerConfig{
		MinLength: 3,
		MaxLength: 500,
	}
}

// acronymExpansions 常见缩写的检索友好展开。
// 展开写成 "全称 (缩写)"，保留原词以免召回下降。
var acronymExpansions = map[string]string{
	"AI":    "artificial intelligence (AI)",
	"ML":    "machine learning (ML)",
	"API":   "application programming interface (API)",
	"REST":  "representational state transfer (REST)",
	"HTTP":  "hypertext transfer protocol (HTTP)",
	"JSON":  "javascript object notation (JSON)",
	"SQL":   "structured query language (SQL)",
	"NoSQL": "non-relational database (NoSQL)",
}

// QueryOptimizer 负责查询校验与改写。
// 改写是保守的：任何一步产生空结果时回退到清理后的原始查询。
type QueryOptimizer struct {
	config *QueryOptimizerConfig
}

// NewQueryOptimizer 创建查询优化器实例。
func NewQueryOptimizer(config *QueryOptimizerConfig) *QueryOptimizer {
	if config == nil {
		config = DefaultQueryOptimizerConfig()
	}
	return &QueryOptimizer{config: config}
}

// Validate 校验查询长度。返回 trim 后的查询。
func (o *QueryOptimizer) Validate(query string) (string, error) {
	trimmed := strings.TrimSpace(query)
	if len(trimmed) < o.config.MinLength {
		return "", fmt.Errorf("%w: need at least %d characters", ErrQueryTooShort, o.config.MinLength)
	}
	if len(trimmed) > o.config.MaxLength {
		return "", fmt.Errorf("%w: limit is %d characters", ErrQueryTooLong, o.config.MaxLength)
	}
	return trimmed, nil
}

// Optimize 校验并改写查询，返回用于检索的查询文本。
// 原始查询仍用于生成提示词，改写只影响向量检索。
func (o *QueryOptimizer) Optimize(query string) (string, error) {
	cleaned, err := o.Validate(query)
	if err != nil {
		return "", err
	}

	optimized := collapseSpaces(cleaned)
	optimized = expandAcronyms(optimized)

	if strings.TrimSpace(optimized) == "" {
		// 不应发生，保守回退
		return cleaned, nil
	}

	if optimized != cleaned {
		logger.Debugw("查询已改写", "original", cleaned, "optimized", optimized)
	}
	return optimized, nil
}

// collapseSpaces 把连续空白压缩为单个空格。
func collapseSpaces(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	inSpace := false
	for _, r := range s {
		if unicode.IsSpace(r) {
			inSpace = true
			continue
		}
		if inSpace && b.Len() > 0 {
			b.WriteByte(' ')
		}
		inSpace = false
		b.WriteRune(r)
	}
	return b.String()
}

// expandAcronyms 展开查询中的已知缩写。只精确匹配缩写的规范写法，
// 小写的 "ai"、"sql" 不展开，避免误伤普通词。
func expandAcronyms(query string) string {
	words := strings.Split(query, " ")
	for i, word := range words {
		bare := strings.TrimFunc(word, func(r rune) bool {
			return !unicode.IsLetter(r) && !unicode.IsDigit(r)
		})
		expansion, ok := acronymExpansions[bare]
		if !ok {
			continue
		}
		words[i] = strings.Replace(word, bare, expansion, 1)
	}
	return strings.Join(words, " ")
}
