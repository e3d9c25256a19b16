// Package options contains flags and options for initializing the RAG server.
package options

import (
	"fmt"
	"time"

	utilerrors "k8s.io/apimachinery/pkg/util/errors"

	ragsvc "github.com/kart-io/ragcore/internal/ragcore"
	cliflag "github.com/kart-io/ragcore/pkg/app/cliflag"
	cacheopts "github.com/kart-io/ragcore/pkg/options/cache"
	convopts "github.com/kart-io/ragcore/pkg/options/conversation"
	llmopts "github.com/kart-io/ragcore/pkg/options/llm"
	logopts "github.com/kart-io/ragcore/pkg/options/logger"
	milvusopts "github.com/kart-io/ragcore/pkg/options/milvus"
	ragopts "github.com/kart-io/ragcore/pkg/options/rag"
	httpopts "github.com/kart-io/ragcore/pkg/options/server/http"
)

// ServerOptions contains the configuration options for the server.
type ServerOptions struct {
	// HTTPOptions contains HTTP server configuration.
	HTTPOptions *httpopts.Options `json:"http" mapstructure:"http"`

	// LogOptions contains logger configuration.
	LogOptions *logopts.Options `json:"log" mapstructure:"log"`

	// MilvusOptions contains Milvus database configuration.
	MilvusOptions *milvusopts.Options `json:"milvus" mapstructure:"milvus"`

	// EmbeddingOptions contains embedding provider configuration.
	EmbeddingOptions *llmopts.ProviderOptions `json:"embedding" mapstructure:"embedding"`

	// ChatOptions contains the primary chat provider configuration.
	ChatOptions *llmopts.ProviderOptions `json:"chat" mapstructure:"chat"`

	// ChatFallbackOptions contains the fallback chat provider configuration.
	// Leave the provider empty to disable failover.
	ChatFallbackOptions *llmopts.ProviderOptions `json:"chat-fallback" mapstructure:"chat-fallback"`

	// RAGOptions contains query pipeline configuration.
	RAGOptions *ragopts.Options `json:"rag" mapstructure:"rag"`

	// CacheOptions contains query cache configuration.
	CacheOptions *cacheopts.Options `json:"cache" mapstructure:"cache"`

	// ConversationOptions contains conversation store configuration.
	ConversationOptions *convopts.Options `json:"conversation" mapstructure:"conversation"`

	// ShutdownTimeout is the timeout for graceful shutdown.
	ShutdownTimeout time.Duration `json:"shutdown-timeout" mapstructure:"shutdown-timeout"`
}

// NewServerOptions creates a ServerOptions instance with default values.
func NewServerOptions() *ServerOptions {
	httpOpts := httpopts.NewOptions()
	httpOpts.Addr = ":8082"

	// 备用供应商默认不启用，Provider 为空即关闭 failover
	fallbackOpts := llmopts.NewChatOptions()
	fallbackOpts.Provider = ""

	return &ServerOptions{
		HTTPOptions:         httpOpts,
		LogOptions:          logopts.NewOptions(),
		MilvusOptions:       milvusopts.NewOptions(),
		EmbeddingOptions:    llmopts.NewEmbeddingOptions(),
		ChatOptions:         llmopts.NewChatOptions(),
		ChatFallbackOptions: fallbackOpts,
		RAGOptions:          ragopts.NewOptions(),
		CacheOptions:        cacheopts.NewOptions(),
		ConversationOptions: convopts.NewOptions(),
		ShutdownTimeout:     30 * time.Second,
	}
}

// Flags returns flags for a specific server by section name.
func (o *ServerOptions) Flags() (fss cliflag.NamedFlagSets) {
	o.HTTPOptions.AddFlags(fss.FlagSet("http"))
	o.LogOptions.AddFlags(fss.FlagSet("log"))
	o.MilvusOptions.AddFlags(fss.FlagSet("milvus"))
	o.EmbeddingOptions.AddFlags(fss.FlagSet("embedding"), "embedding")
	o.ChatOptions.AddFlags(fss.FlagSet("chat"), "chat")
	o.ChatFallbackOptions.AddFlags(fss.FlagSet("chat-fallback"), "chat-fallback")
	o.RAGOptions.AddFlags(fss.FlagSet("rag"), "rag")
	o.CacheOptions.AddFlags(fss.FlagSet("cache"), "cache")
	o.ConversationOptions.AddFlags(fss.FlagSet("conversation"), "conversation")

	// misc flags
	fs := fss.FlagSet("misc")
	fs.DurationVar(&o.ShutdownTimeout, "shutdown-timeout", o.ShutdownTimeout, "Graceful shutdown timeout")

	return fss
}

// Complete completes all the required options.
func (o *ServerOptions) Complete() error {
	if err := o.HTTPOptions.Complete(); err != nil {
		return err
	}
	if err := o.EmbeddingOptions.Complete(); err != nil {
		return fmt.Errorf("embedding: %w", err)
	}
	if err := o.ChatOptions.Complete(); err != nil {
		return fmt.Errorf("chat: %w", err)
	}
	if o.ChatFallbackOptions.Provider != "" {
		if err := o.ChatFallbackOptions.Complete(); err != nil {
			return fmt.Errorf("chat-fallback: %w", err)
		}
	}
	if err := o.RAGOptions.Complete(); err != nil {
		return fmt.Errorf("rag: %w", err)
	}
	if err := o.CacheOptions.Complete(); err != nil {
		return fmt.Errorf("cache: %w", err)
	}
	if err := o.ConversationOptions.Complete(); err != nil {
		return fmt.Errorf("conversation: %w", err)
	}
	return nil
}

// Validate checks whether the options in ServerOptions are valid.
func (o *ServerOptions) Validate() error {
	errs := []error{}

	errs = append(errs, o.HTTPOptions.Validate()...)
	if err := o.LogOptions.Validate(); err != nil {
		errs = append(errs, err)
	}
	errs = append(errs, o.MilvusOptions.Validate()...)
	errs = append(errs, o.EmbeddingOptions.Validate()...)
	errs = append(errs, o.ChatOptions.Validate()...)
	if o.ChatFallbackOptions.Provider != "" {
		errs = append(errs, o.ChatFallbackOptions.Validate()...)
	}
	errs = append(errs, o.RAGOptions.Validate()...)
	errs = append(errs, o.CacheOptions.Validate()...)
	errs = append(errs, o.ConversationOptions.Validate()...)

	return utilerrors.NewAggregate(errs)
}

// Config builds a ragsvc.Config based on ServerOptions.
func (o *ServerOptions) Config() (*ragsvc.Config, error) {
	return &ragsvc.Config{
		HTTPOptions:         o.HTTPOptions,
		LogOptions:          o.LogOptions,
		MilvusOptions:       o.MilvusOptions,
		EmbeddingOptions:    o.EmbeddingOptions,
		ChatOptions:         o.ChatOptions,
		ChatFallbackOptions: o.ChatFallbackOptions,
		RAGOptions:          o.RAGOptions,
		CacheOptions:        o.CacheOptions,
		ConversationOptions: o.ConversationOptions,
		ShutdownTimeout:     o.ShutdownTimeout,
	}, nil
}
