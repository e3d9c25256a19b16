// Package failover 在多个 Chat 供应商之上提供统一的流式生成适配器。
//
// 每次生成经历 Pending -> Streaming -> Completed/Failed 的状态流转；
// 调用方取消时进入 Cancelled（不发终结事件，channel 直接关闭）。
// 首个增量之前主供应商失败会透明切换到备用供应商重试一次；
// 已有增量流出后不再重试，失败事件保留已流出的部分文本。
package failover

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/kart-io/logger"
	"github.com/kart-io/ragcore/pkg/llm"
)

// 单次生成的默认超时。
const (
	DefaultFirstTokenTimeout = 60 * time.Second
	DefaultTotalTimeout      = 5 * time.Minute
)

// ErrFirstTokenTimeout 首 token 超时，视同供应商失败参与 failover。
var ErrFirstTokenTimeout = errors.New("timed out waiting for first token")

// Config 适配器配置。
type Config struct {
	// FirstTokenTimeout 等待首个增量的超时。
	FirstTokenTimeout time.Duration
	// TotalTimeout 单次生成（含 failover 重试）的总超时。
	TotalTimeout time.Duration
	// OnFailover 切换到备用供应商时的回调，用于指标采集。可为 nil。
	OnFailover func()
}

// DefaultConfig 返回默认配置。
func DefaultConfig() *Config {
	return &Config{
		FirstTokenTimeout: DefaultFirstTokenTimeout,
		TotalTimeout:      DefaultTotalTimeout,
	}
}

// Adapter 供应商 failover 适配器。
type Adapter struct {
	primary   llm.ChatProvider
	secondary llm.ChatProvider
	config    *Config
}

// New 创建适配器。secondary 可以为 nil，此时不做 failover。
func New(primary, secondary llm.ChatProvider, config *Config) *Adapter {
	if config == nil {
		config = DefaultConfig()
	}
	if config.FirstTokenTimeout <= 0 {
		config.FirstTokenTimeout = DefaultFirstTokenTimeout
	}
	if config.TotalTimeout <= 0 {
		config.TotalTimeout = DefaultTotalTimeout
	}
	return &Adapter{primary: primary, secondary: secondary, config: config}
}

// Generate 发起一次流式生成。
// 返回的 channel 依次产出 TextDelta 事件，并以 Completed 或 Failed 事件终结；
// 调用方通过 ctx 取消时 channel 直接关闭，不产出终结事件。
func (a *Adapter) Generate(ctx context.Context, req *llm.ChatRequest) <-chan llm.GenerationEvent {
	events := make(chan llm.GenerationEvent)

	go func() {
		defer close(events)

		genCtx, cancel := context.WithTimeout(ctx, a.config.TotalTimeout)
		defer cancel()

		result := a.streamFrom(genCtx, a.primary, req, events)

		// 调用方取消：不发终结事件
		if ctx.Err() != nil {
			logger.Infow("generation cancelled by caller", "provider", a.primary.Name())
			return
		}

		if result.err == nil {
			emit(ctx, events, llm.CompletedEvent(result.text, a.primary.Name(), result.usage))
			return
		}

		// 首个增量之前失败且有备用供应商：重试一次
		if !result.sawFirst && a.secondary != nil {
			logger.Warnw("主供应商生成失败，切换备用供应商",
				"primary", a.primary.Name(),
				"secondary", a.secondary.Name(),
				"error", result.err.Error(),
			)
			if a.config.OnFailover != nil {
				a.config.OnFailover()
			}

			retry := a.streamFrom(genCtx, a.secondary, req, events)
			if ctx.Err() != nil {
				return
			}
			if retry.err == nil {
				emit(ctx, events, llm.CompletedEvent(retry.text, a.secondary.Name(), retry.usage))
				return
			}
			emit(ctx, events, llm.FailedEvent(
				fmt.Errorf("primary and secondary providers failed: %w", retry.err),
				retry.text, a.secondary.Name(),
			))
			return
		}

		// 已有部分输出：不重试，保留部分文本
		emit(ctx, events, llm.FailedEvent(result.err, result.text, a.primary.Name()))
	}()

	return events
}

type streamResult struct {
	text     string
	sawFirst bool
	usage    *llm.TokenUsage
	err      error
}

// streamFrom 从单个供应商消费流，把增量转发到 events。
func (a *Adapter) streamFrom(ctx context.Context, provider llm.ChatProvider, req *llm.ChatRequest, events chan<- llm.GenerationEvent) streamResult {
	deltas, err := provider.ChatStream(ctx, req)
	if err != nil {
		return streamResult{err: fmt.Errorf("start stream: %w", err)}
	}

	firstTimer := time.NewTimer(a.config.FirstTokenTimeout)
	defer firstTimer.Stop()
	timeoutC := firstTimer.C

	var full strings.Builder
	var sawFirst bool

	for {
		select {
		case <-ctx.Done():
			return streamResult{text: full.String(), sawFirst: sawFirst, err: ctx.Err()}

		case <-timeoutC:
			return streamResult{err: ErrFirstTokenTimeout}

		case d, ok := <-deltas:
			if !ok {
				return streamResult{text: full.String(), sawFirst: sawFirst, err: fmt.Errorf("stream closed before completion")}
			}
			if d.Err != nil {
				return streamResult{text: full.String(), sawFirst: sawFirst, err: d.Err}
			}
			if d.Done {
				return streamResult{text: full.String(), sawFirst: sawFirst, usage: d.Usage}
			}
			if d.Content == "" {
				continue
			}

			if !sawFirst {
				sawFirst = true
				timeoutC = nil
			}
			full.WriteString(d.Content)
			if !emit(ctx, events, llm.TextDeltaEvent(d.Content, provider.Name())) {
				return streamResult{text: full.String(), sawFirst: sawFirst, err: ctx.Err()}
			}
		}
	}
}

func emit(ctx context.Context, ch chan<- llm.GenerationEvent, ev llm.GenerationEvent) bool {
	select {
	case ch <- ev:
		return true
	case <-ctx.Done():
		return false
	}
}
