// Package rag provides RAG query pipeline configuration options.
package rag

import (
	"fmt"

	"github.com/kart-io/ragcore/pkg/options"
	"github.com/spf13/pflag"
)

var _ options.IOptions = (*Options)(nil)

// Options contains RAG pipeline configuration.
type Options struct {
	// TopK is the number of results to return from similarity search.
	TopK int `json:"top-k" mapstructure:"top-k"`

	// Collection is the name of the Milvus collection.
	Collection string `json:"collection" mapstructure:"collection"`

	// EmbeddingDim is the dimension of embedding vectors.
	EmbeddingDim int `json:"embedding-dim" mapstructure:"embedding-dim"`

	// SystemPrompt is the system prompt for RAG queries.
	SystemPrompt string `json:"system-prompt" mapstructure:"system-prompt"`

	// MinQueryLength 查询文本最小长度。
	MinQueryLength int `json:"min-query-length" mapstructure:"min-query-length"`

	// MaxQueryLength 查询文本最大长度。
	MaxQueryLength int `json:"max-query-length" mapstructure:"max-query-length"`

	// Assembler 上下文组装配置。
	Assembler *AssemblerOptions `json:"assembler" mapstructure:"assembler"`
}

// AssemblerOptions 上下文组装器配置。
type AssemblerOptions struct {
	// RelevanceThreshold 相似度过滤阈值，低于该值的片段被丢弃。
	RelevanceThreshold float64 `json:"relevance-threshold" mapstructure:"relevance-threshold"`

	// MaxTokens 组装后上下文的 token 预算。
	MaxTokens int `json:"max-tokens" mapstructure:"max-tokens"`

	// CharsPerToken token 估算用的每 token 字符数。
	CharsPerToken int `json:"chars-per-token" mapstructure:"chars-per-token"`

	// Separator 片段之间的分隔符。
	Separator string `json:"separator" mapstructure:"separator"`

	// IncludeMetadata 是否在上下文中渲染片段的标题头和元数据。
	IncludeMetadata bool `json:"include-metadata" mapstructure:"include-metadata"`
}

// DefaultSystemPrompt is the default system prompt for RAG queries.
const DefaultSystemPrompt = `You are a helpful assistant that answers questions based on the provided context.
Use the following context to answer the question. If you cannot find the answer in the context, say so.
Always cite the source documents when providing information.

Context:
{{context}}

Question: {{question}}

Answer:`

// DefaultSeparator 片段分隔符。
const DefaultSeparator = "\n\n---\n\n"

// NewAssemblerOptions 创建默认组装器配置。
func NewAssemblerOptions() *AssemblerOptions {
	return &AssemblerOptions{
		RelevanceThreshold: 0.7,
		MaxTokens:          4000,
		CharsPerToken:      4,
		Separator:          DefaultSeparator,
		IncludeMetadata:    true,
	}
}

// NewOptions creates new Options with defaults.
func NewOptions() *Options {
	return &Options{
		TopK:           5,
		Collection:     "rag_chunks",
		EmbeddingDim:   768, // nomic-embed-text dimension
		SystemPrompt:   DefaultSystemPrompt,
		MinQueryLength: 3,
		MaxQueryLength: 500,
		Assembler:      NewAssemblerOptions(),
	}
}

// AddFlags adds flags for RAG options to the specified FlagSet.
func (o *Options) AddFlags(fs *pflag.FlagSet, prefixes ...string) {
	fs.IntVar(&o.TopK, options.Join(prefixes...)+"top-k", o.TopK, "Number of results from similarity search.")
	fs.StringVar(&o.Collection, options.Join(prefixes...)+"collection", o.Collection, "Milvus collection name.")
	fs.IntVar(&o.EmbeddingDim, options.Join(prefixes...)+"embedding-dim", o.EmbeddingDim, "Embedding vector dimension.")
	fs.IntVar(&o.MinQueryLength, options.Join(prefixes...)+"min-query-length", o.MinQueryLength, "Minimum query length in characters.")
	fs.IntVar(&o.MaxQueryLength, options.Join(prefixes...)+"max-query-length", o.MaxQueryLength, "Maximum query length in characters.")

	if o.Assembler == nil {
		o.Assembler = NewAssemblerOptions()
	}
	fs.Float64Var(&o.Assembler.RelevanceThreshold, options.Join(prefixes...)+"assembler.relevance-threshold", o.Assembler.RelevanceThreshold, "Minimum similarity score for retrieved chunks.")
	fs.IntVar(&o.Assembler.MaxTokens, options.Join(prefixes...)+"assembler.max-tokens", o.Assembler.MaxTokens, "Token budget for the assembled context.")
	fs.IntVar(&o.Assembler.CharsPerToken, options.Join(prefixes...)+"assembler.chars-per-token", o.Assembler.CharsPerToken, "Characters per token used for estimation.")
	fs.BoolVar(&o.Assembler.IncludeMetadata, options.Join(prefixes...)+"assembler.include-metadata", o.Assembler.IncludeMetadata, "Render chunk titles and metadata into the context.")
}

// Validate validates the RAG options.
func (o *Options) Validate() []error {
	if o == nil {
		return nil
	}

	var errs []error
	if o.TopK <= 0 {
		errs = append(errs, fmt.Errorf("top-k must be positive"))
	}
	if o.EmbeddingDim <= 0 {
		errs = append(errs, fmt.Errorf("embedding-dim must be positive"))
	}
	if o.MinQueryLength <= 0 {
		errs = append(errs, fmt.Errorf("min-query-length must be positive"))
	}
	if o.MaxQueryLength < o.MinQueryLength {
		errs = append(errs, fmt.Errorf("max-query-length must be >= min-query-length"))
	}
	if o.Assembler != nil {
		if o.Assembler.RelevanceThreshold < 0 || o.Assembler.RelevanceThreshold > 1 {
			errs = append(errs, fmt.Errorf("assembler.relevance-threshold must be in [0, 1]"))
		}
		if o.Assembler.MaxTokens <= 0 {
			errs = append(errs, fmt.Errorf("assembler.max-tokens must be positive"))
		}
		if o.Assembler.CharsPerToken <= 0 {
			errs = append(errs, fmt.Errorf("assembler.chars-per-token must be positive"))
		}
	}
	return errs
}

// Complete completes the RAG options with defaults.
func (o *Options) Complete() error {
	if o.Assembler == nil {
		o.Assembler = NewAssemblerOptions()
	}
	if o.Assembler.Separator == "" {
		o.Assembler.Separator = DefaultSeparator
	}
	if o.SystemPrompt == "" {
		o.SystemPrompt = DefaultSystemPrompt
	}
	return nil
}
