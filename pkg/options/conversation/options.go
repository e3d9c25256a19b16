// Package conversation provides conversation store configuration options.
package conversation

import (
	"fmt"
	"time"

	"github.com/kart-io/ragcore/pkg/options"
	redisopts "github.com/kart-io/ragcore/pkg/options/redis"
	"github.com/spf13/pflag"
)

var _ options.IOptions = (*Options)(nil)

// Options 会话存储配置。
type Options struct {
	// MaxHistory 每个会话保留的最大轮次数，超出时淘汰最旧的轮次。
	MaxHistory int `json:"max-history" mapstructure:"max-history"`

	// ContextWindow 构建上下文时取用的最近轮次数。
	ContextWindow int `json:"context-window" mapstructure:"context-window"`

	// TTL 会话的保留时长，每次追加轮次时续期。
	TTL time.Duration `json:"ttl" mapstructure:"ttl"`

	// Redis Redis 连接配置。
	Redis *redisopts.Options `json:"redis" mapstructure:"redis"`
}

// NewOptions 创建默认会话存储配置。
func NewOptions() *Options {
	return &Options{
		MaxHistory:    20,
		ContextWindow: 5,
		TTL:           24 * time.Hour,
		Redis:         redisopts.NewOptions(),
	}
}

// AddFlags adds flags for conversation options to the specified FlagSet.
func (o *Options) AddFlags(fs *pflag.FlagSet, prefixes ...string) {
	fs.IntVar(&o.MaxHistory, options.Join(prefixes...)+"max-history", o.MaxHistory, "Maximum turns retained per conversation.")
	fs.IntVar(&o.ContextWindow, options.Join(prefixes...)+"context-window", o.ContextWindow, "Number of recent turns used for context.")
	fs.DurationVar(&o.TTL, options.Join(prefixes...)+"ttl", o.TTL, "Conversation retention duration.")

	if o.Redis == nil {
		o.Redis = redisopts.NewOptions()
	}
	o.Redis.AddFlags(fs, prefixes...)
}

// Validate validates the conversation options.
func (o *Options) Validate() []error {
	if o == nil {
		return nil
	}

	var errs []error
	if o.MaxHistory <= 0 {
		errs = append(errs, fmt.Errorf("max-history must be positive"))
	}
	if o.ContextWindow <= 0 {
		errs = append(errs, fmt.Errorf("context-window must be positive"))
	}
	if o.ContextWindow > o.MaxHistory {
		errs = append(errs, fmt.Errorf("context-window must not exceed max-history"))
	}
	if o.TTL <= 0 {
		errs = append(errs, fmt.Errorf("ttl must be positive"))
	}
	if o.Redis != nil {
		errs = append(errs, o.Redis.Validate()...)
	}
	return errs
}

// Complete completes the conversation options with defaults.
func (o *Options) Complete() error {
	if o.Redis == nil {
		o.Redis = redisopts.NewOptions()
	}
	return o.Redis.Complete()
}
