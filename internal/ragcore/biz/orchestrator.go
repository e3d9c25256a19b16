package biz

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/kart-io/logger"

	"github.com/kart-io/ragcore/internal/ragcore/store"
	"github.com/kart-io/ragcore/pkg/id"
	"github.com/kart-io/ragcore/pkg/llm"
)

// QueryState 查询生命周期状态。
type QueryState string

const (
	StateReceived   QueryState = "received"
	StateValidating QueryState = "validating"
	StateRetrieving QueryState = "retrieving"
	StateAssembling QueryState = "assembling"
	StateGenerating QueryState = "generating"
	StatePersisting QueryState = "persisting"
	StateCompleted  QueryState = "completed"
	StateFailed     QueryState = "failed"
	StateCancelled  QueryState = "cancelled"
)

// validTransitions 合法的状态迁移。
// 主路径是一条直线；Failed 可从任何非终结状态进入；
// Cancelled 只在检索和生成阶段响应（其余阶段不阻塞，取消无意义）。
var validTransitions = map[QueryState][]QueryState{
	StateReceived:   {StateValidating, StateFailed},
	StateValidating: {StateRetrieving, StateFailed},
	StateRetrieving: {StateAssembling, StateFailed, StateCancelled},
	StateAssembling: {StateGenerating, StateFailed},
	StateGenerating: {StatePersisting, StateFailed, StateCancelled},
	StatePersisting: {StateCompleted, StateFailed},
}

// canTransition 判断状态迁移是否合法。
func canTransition(from, to QueryState) bool {
	for _, next := range validTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// queryRun 一次查询执行的状态跟踪。
type queryRun struct {
	id     string
	tenant string
	state  QueryState
}

// to 执行状态迁移。非法迁移说明编排器有 bug，直接报错。
func (r *queryRun) to(next QueryState) error {
	if !canTransition(r.state, next) {
		return fmt.Errorf("illegal state transition %s -> %s", r.state, next)
	}
	logger.Debugw("查询状态迁移",
		"query", r.id,
		"tenant", r.tenant,
		"from", r.state,
		"to", next,
	)
	r.state = next
	return nil
}

// Generator 抽象生成后端。由带故障转移的适配器实现。
type Generator interface {
	// Generate 发起一次流式生成。事件流以 Completed 或 Failed 终结；
	// 调用方取消时 channel 直接关闭，不发终结事件。
	Generate(ctx context.Context, req *llm.ChatRequest) <-chan llm.GenerationEvent
}

// OrchestratorConfig 编排器配置。
type OrchestratorConfig struct {
	// SystemPrompt 系统提示词模板，{{context}} 会被替换为组装后的上下文。
	SystemPrompt string
	// Params 生成参数。
	Params llm.GenerateParams
}

// Orchestrator 查询编排器。驱动一次 RAG 查询走完
// 校验、检索、组装、生成、持久化的完整生命周期。
type Orchestrator struct {
	optimizer     *QueryOptimizer
	retriever     *Retriever
	assembler     *Assembler
	conversations *ConversationManager
	generator     Generator
	config        *OrchestratorConfig

	// StateObserver 状态迁移回调，用于指标采集。可为 nil。
	StateObserver func(from, to QueryState)
	// PersistObserver 持久化失败回调，用于指标采集。可为 nil。
	PersistObserver func(err error)
	// RetrievalObserver 检索耗时回调，用于指标采集。可为 nil。
	RetrievalObserver func(d time.Duration, err error)
	// GenerationObserver 生成耗时回调，用于指标采集。可为 nil。
	GenerationObserver func(d time.Duration, promptTokens, completionTokens int, err error)
}

// NewOrchestrator 创建查询编排器。
func NewOrchestrator(
	optimizer *QueryOptimizer,
	retriever *Retriever,
	assembler *Assembler,
	conversations *ConversationManager,
	generator Generator,
	config *OrchestratorConfig,
) *Orchestrator {
	return &Orchestrator{
		optimizer:     optimizer,
		retriever:     retriever,
		assembler:     assembler,
		conversations: conversations,
		generator:     generator,
		config:        config,
	}
}

// Stream 执行一次查询，以事件流返回结果。
// 事件顺序：Sources、零个或多个 TextDelta、一个 Completed 或 Failed。
// ctx 取消时 channel 直接关闭，不发终结事件，已持久化的内容不回滚。
func (o *Orchestrator) Stream(ctx context.Context, req *QueryRequest) <-chan llm.GenerationEvent {
	events := make(chan llm.GenerationEvent, 16)
	go func() {
		defer close(events)
		o.run(ctx, req, events)
	}()
	return events
}

// Query 执行一次查询，阻塞直到结束并返回聚合结果。
func (o *Orchestrator) Query(ctx context.Context, req *QueryRequest) (*QueryResult, error) {
	result := &QueryResult{}
	for ev := range o.Stream(ctx, req) {
		switch ev.Kind {
		case llm.EventSources:
			result.Sources = ev.Sources
			result.Degraded = len(ev.Sources) == 0
		case llm.EventCompleted:
			result.Answer = ev.Text
			result.Provider = ev.Provider
			result.Usage = ev.Usage
		case llm.EventFailed:
			return nil, fmt.Errorf("%w: %w", ErrGenerationFailed, ev.Err)
		}
	}
	if ctx.Err() != nil && result.Answer == "" {
		return nil, fmt.Errorf("%w: %w", ErrQueryCancelled, ctx.Err())
	}
	return result, nil
}

// run 驱动状态机。任何非法迁移都会以 Failed 终结。
func (o *Orchestrator) run(ctx context.Context, req *QueryRequest, events chan<- llm.GenerationEvent) {
	run := &queryRun{
		id:     id.New(),
		tenant: req.TenantID,
		state:  StateReceived,
	}
	start := time.Now()

	// Validating
	if err := o.transition(run, StateValidating); err != nil {
		o.fail(ctx, events, run, err, "")
		return
	}
	if req.TenantID == "" {
		o.fail(ctx, events, run, ErrTenantRequired, "")
		return
	}
	optimized, err := o.optimizer.Optimize(req.Query)
	if err != nil {
		o.fail(ctx, events, run, err, "")
		return
	}
	question := strings.TrimSpace(req.Query)

	// Retrieving
	if err := o.transition(run, StateRetrieving); err != nil {
		o.fail(ctx, events, run, err, "")
		return
	}
	prompt := o.conversations.BuildPrompt(ctx, req.TenantID, req.ConversationID, question)
	retrieveStart := time.Now()
	results, err := o.retriever.Retrieve(ctx, req.TenantID, optimized, req.TopK, o.assembler.EffectiveThreshold(req.ContextConfig))
	if o.RetrievalObserver != nil {
		o.RetrievalObserver(time.Since(retrieveStart), err)
	}
	if err != nil {
		if ctx.Err() != nil {
			o.cancel(run)
			return
		}
		// 嵌入或索引不可用不终止查询，降级为无上下文生成
		logger.Warnw("检索不可用，降级为无上下文生成",
			"query", run.id,
			"tenant", req.TenantID,
			"error", err.Error(),
		)
		results = nil
	}

	// Assembling
	if err := o.transition(run, StateAssembling); err != nil {
		o.fail(ctx, events, run, err, "")
		return
	}
	assembled := o.assembler.AssembleWith(results, req.ContextConfig)
	if len(assembled.Sources) == 0 {
		logger.Warnw("没有片段通过相关性过滤，降级为无上下文生成",
			"query", run.id,
			"tenant", req.TenantID,
			"candidates", len(results),
		)
	}

	// Generating
	if err := o.transition(run, StateGenerating); err != nil {
		o.fail(ctx, events, run, err, "")
		return
	}
	if !emitEvent(ctx, events, llm.SourcesEvent(assembled.Sources)) {
		o.cancel(run)
		return
	}

	generateStart := time.Now()
	completed, partial, genErr := o.generate(ctx, run, prompt, assembled.Text, events)
	if completed == nil {
		if run.state == StateCancelled {
			return
		}
		if genErr == nil {
			genErr = ErrGenerationFailed
		}
		if o.GenerationObserver != nil {
			o.GenerationObserver(time.Since(generateStart), 0, 0, genErr)
		}
		o.fail(ctx, events, run, genErr, partial)
		return
	}
	if o.GenerationObserver != nil {
		var promptTokens, completionTokens int
		if completed.Usage != nil {
			promptTokens = completed.Usage.PromptTokens
			completionTokens = completed.Usage.CompletionTokens
		}
		o.GenerationObserver(time.Since(generateStart), promptTokens, completionTokens, nil)
	}

	// Persisting
	if err := o.transition(run, StatePersisting); err != nil {
		o.fail(ctx, events, run, err, completed.Text)
		return
	}
	turn := &store.Turn{
		TurnID:    id.New(),
		TenantID:  req.TenantID,
		UserID:    req.UserID,
		Question:  question,
		Answer:    completed.Text,
		Sources:   assembled.Sources,
		CreatedAt: time.Now(),
	}
	// 回答已经流出，落库失败不能再回头报失败，只记日志和指标
	if err := o.conversations.AppendTurn(ctx, req.TenantID, req.ConversationID, turn); err != nil {
		logger.Errorw("回合落库失败，回答已送达，不回滚",
			"query", run.id,
			"tenant", req.TenantID,
			"conversation", req.ConversationID,
			"error", err.Error(),
		)
		if o.PersistObserver != nil {
			o.PersistObserver(err)
		}
	}

	// Completed
	if err := o.transition(run, StateCompleted); err != nil {
		o.fail(ctx, events, run, err, completed.Text)
		return
	}
	emitEvent(ctx, events, *completed)

	logger.Infow("查询完成",
		"query", run.id,
		"tenant", req.TenantID,
		"provider", completed.Provider,
		"sources", len(assembled.Sources),
		"answer_length", len(completed.Text),
		"elapsed", time.Since(start),
	)
}

// generate 消费生成后端的事件流，转发增量，返回终结事件。
// 终结事件为 nil 表示生成未正常完成；此时若状态已是
// Cancelled 则调用方直接返回，否则按失败处理，partial 保留已流出文本。
func (o *Orchestrator) generate(ctx context.Context, run *queryRun, prompt, contextText string, events chan<- llm.GenerationEvent) (*llm.GenerationEvent, string, error) {
	chatReq := &llm.ChatRequest{
		Messages: []llm.Message{
			{Role: llm.RoleSystem, Content: strings.ReplaceAll(o.config.SystemPrompt, "{{context}}", contextText)},
			{Role: llm.RoleUser, Content: prompt},
		},
		Params: o.config.Params,
	}

	var partial strings.Builder
	for ev := range o.generator.Generate(ctx, chatReq) {
		switch ev.Kind {
		case llm.EventTextDelta:
			partial.WriteString(ev.Text)
			if !emitEvent(ctx, events, ev) {
				o.cancel(run)
				return nil, partial.String(), nil
			}
		case llm.EventCompleted:
			return &ev, partial.String(), nil
		case llm.EventFailed:
			logger.Errorw("生成失败",
				"query", run.id,
				"provider", ev.Provider,
				"error", ev.Err,
				"partial_length", len(ev.Partial),
			)
			return nil, ev.Partial, ev.Err
		}
	}

	// channel 无终结事件即关闭，说明调用方已取消
	if ctx.Err() != nil {
		o.cancel(run)
	}
	return nil, partial.String(), nil
}

// transition 执行状态迁移并触发观测回调。
func (o *Orchestrator) transition(run *queryRun, next QueryState) error {
	from := run.state
	if err := run.to(next); err != nil {
		return err
	}
	if o.StateObserver != nil {
		o.StateObserver(from, next)
	}
	return nil
}

// fail 将查询置为 Failed 并发出失败事件，partial 为已流出的文本。
// 失败事件是终结事件，阻塞等待消费者读走，只有 ctx 取消才放弃。
func (o *Orchestrator) fail(ctx context.Context, events chan<- llm.GenerationEvent, run *queryRun, err error, partial string) {
	from := run.state
	run.state = StateFailed
	if o.StateObserver != nil {
		o.StateObserver(from, StateFailed)
	}
	logger.Errorw("查询失败",
		"query", run.id,
		"tenant", run.tenant,
		"stage", from,
		"error", err.Error(),
	)
	emitEvent(ctx, events, llm.FailedEvent(err, partial, ""))
}

// cancel 将查询置为 Cancelled。不发终结事件，channel 由调用方关闭。
func (o *Orchestrator) cancel(run *queryRun) {
	from := run.state
	run.state = StateCancelled
	if o.StateObserver != nil {
		o.StateObserver(from, StateCancelled)
	}
	logger.Infow("查询已取消", "query", run.id, "tenant", run.tenant, "stage", from)
}

// emitEvent 向事件 channel 发送事件，ctx 取消时返回 false。
func emitEvent(ctx context.Context, ch chan<- llm.GenerationEvent, ev llm.GenerationEvent) bool {
	select {
	case ch <- ev:
		return true
	case <-ctx.Done():
		return false
	}
}
