package biz

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kart-io/ragcore/internal/ragcore/store"
	"github.com/kart-io/ragcore/pkg/llm"
)

type orchestratorFixture struct {
	orchestrator *Orchestrator
	embedder     *fakeEmbedder
	convStore    *fakeConvStore
	generator    *fakeGenerator
}

func newOrchestratorFixture(gen *fakeGenerator, results ...*store.SearchResult) *orchestratorFixture {
	embedder := newFakeEmbedder(4)
	convStore := newFakeConvStore()
	index := newFakeIndex(results...)

	orchestrator := NewOrchestrator(
		NewQueryOptimizer(nil),
		NewRetriever(embedder, index, nil),
		NewAssembler(nil),
		NewConversationManager(convStore, nil),
		gen,
		&OrchestratorConfig{SystemPrompt: "Answer from this context:\n{{context}}"},
	)
	return &orchestratorFixture{
		orchestrator: orchestrator,
		embedder:     embedder,
		convStore:    convStore,
		generator:    gen,
	}
}

func collectEvents(ch <-chan llm.GenerationEvent) []llm.GenerationEvent {
	var events []llm.GenerationEvent
	for ev := range ch {
		events = append(events, ev)
	}
	return events
}

func TestStreamHappyPath(t *testing.T) {
	gen := &fakeGenerator{events: []llm.GenerationEvent{
		llm.TextDeltaEvent("The answer", "openai"),
		llm.TextDeltaEvent(" is 42.", "openai"),
		llm.CompletedEvent("The answer is 42.", "openai", &llm.TokenUsage{TotalTokens: 30}),
	}}
	f := newOrchestratorFixture(gen,
		chunkResult("c1", 0.95, "relevant knowledge"),
		chunkResult("c2", 0.85, "more knowledge"),
	)

	events := collectEvents(f.orchestrator.Stream(context.Background(), &QueryRequest{
		TenantID:       "acme",
		UserID:         "user-7",
		ConversationID: "conv-1",
		Query:          "what is the answer",
	}))

	require.Len(t, events, 4)
	assert.Equal(t, llm.EventSources, events[0].Kind)
	assert.Equal(t, []string{"c1", "c2"}, events[0].Sources)
	assert.Equal(t, llm.EventTextDelta, events[1].Kind)
	assert.Equal(t, llm.EventTextDelta, events[2].Kind)
	assert.Equal(t, llm.EventCompleted, events[3].Kind)
	assert.Equal(t, "The answer is 42.", events[3].Text)
	assert.Equal(t, "openai", events[3].Provider)

	// 轮次已持久化
	require.Equal(t, 1, f.convStore.turnCount("acme", "conv-1"))
	turns, err := f.convStore.History(context.Background(), "acme", "conv-1")
	require.NoError(t, err)
	assert.Equal(t, "what is the answer", turns[0].Question)
	assert.Equal(t, "The answer is 42.", turns[0].Answer)
	assert.Equal(t, []string{"c1", "c2"}, turns[0].Sources)
	assert.NotEmpty(t, turns[0].TurnID)
	assert.Equal(t, "acme", turns[0].TenantID)
	assert.Equal(t, "user-7", turns[0].UserID)
}

func TestStreamContextInjectedIntoSystemPrompt(t *testing.T) {
	gen := &fakeGenerator{events: []llm.GenerationEvent{
		llm.CompletedEvent("ok", "openai", nil),
	}}
	f := newOrchestratorFixture(gen, chunkResult("c1", 0.9, "the retrieved passage"))

	collectEvents(f.orchestrator.Stream(context.Background(), &QueryRequest{
		TenantID: "acme",
		Query:    "question here",
	}))

	req := f.generator.request()
	require.NotNil(t, req)
	require.Len(t, req.Messages, 2)
	assert.Equal(t, llm.RoleSystem, req.Messages[0].Role)
	assert.Contains(t, req.Messages[0].Content, "the retrieved passage")
	assert.NotContains(t, req.Messages[0].Content, "{{context}}")
	assert.Equal(t, "question here", req.Messages[1].Content)
}

func TestStreamConversationHistoryInPrompt(t *testing.T) {
	gen := &fakeGenerator{events: []llm.GenerationEvent{
		llm.CompletedEvent("ok", "openai", nil),
	}}
	f := newOrchestratorFixture(gen, chunkResult("c1", 0.9, "passage"))
	require.NoError(t, f.convStore.AppendTurn(context.Background(), "acme", "conv-1",
		&store.Turn{Question: "earlier question", Answer: "earlier answer", CreatedAt: time.Now()}))

	collectEvents(f.orchestrator.Stream(context.Background(), &QueryRequest{
		TenantID:       "acme",
		ConversationID: "conv-1",
		Query:          "follow-up question",
	}))

	req := f.generator.request()
	require.NotNil(t, req)
	assert.Contains(t, req.Messages[1].Content, "Given our recent conversation:")
	assert.Contains(t, req.Messages[1].Content, "User: earlier question")
	assert.Contains(t, req.Messages[1].Content, "New question: follow-up question")
}

func TestStreamDegradedWithoutRelevantChunks(t *testing.T) {
	gen := &fakeGenerator{events: []llm.GenerationEvent{
		llm.CompletedEvent("best effort answer", "openai", nil),
	}}
	f := newOrchestratorFixture(gen, chunkResult("c1", 0.2, "irrelevant"))

	result, err := f.orchestrator.Query(context.Background(), &QueryRequest{
		TenantID: "acme",
		Query:    "unrelated question",
	})
	require.NoError(t, err)

	assert.True(t, result.Degraded)
	assert.Empty(t, result.Sources)
	assert.Equal(t, "best effort answer", result.Answer)
}

// 索引不可用不终止查询：无上下文生成，回答照常送达并持久化。
func TestStreamIndexUnavailableDegrades(t *testing.T) {
	gen := &fakeGenerator{events: []llm.GenerationEvent{
		llm.CompletedEvent("answer without context", "openai", nil),
	}}
	f := newOrchestratorFixture(gen)
	index := newFakeIndex()
	index.searchErr = assert.AnError
	f.orchestrator.retriever = NewRetriever(f.embedder, index, nil)

	result, err := f.orchestrator.Query(context.Background(), &QueryRequest{
		TenantID:       "acme",
		ConversationID: "conv-1",
		Query:          "question here",
	})
	require.NoError(t, err)

	assert.True(t, result.Degraded)
	assert.Empty(t, result.Sources)
	assert.Equal(t, "answer without context", result.Answer)
	assert.Equal(t, 1, f.convStore.turnCount("acme", "conv-1"))
}

func TestStreamValidationFailure(t *testing.T) {
	gen := &fakeGenerator{}
	f := newOrchestratorFixture(gen)

	events := collectEvents(f.orchestrator.Stream(context.Background(), &QueryRequest{
		TenantID: "acme",
		Query:    "hi",
	}))

	require.Len(t, events, 1)
	assert.Equal(t, llm.EventFailed, events[0].Kind)
	assert.ErrorIs(t, events[0].Err, ErrQueryTooShort)
	// 校验失败时不应触发检索
	assert.Zero(t, f.embedder.callCount())
}

func TestStreamMissingTenant(t *testing.T) {
	f := newOrchestratorFixture(&fakeGenerator{})

	events := collectEvents(f.orchestrator.Stream(context.Background(), &QueryRequest{
		Query: "a valid question",
	}))

	require.Len(t, events, 1)
	assert.Equal(t, llm.EventFailed, events[0].Kind)
	assert.ErrorIs(t, events[0].Err, ErrTenantRequired)
}

func TestStreamGenerationFailurePreservesPartial(t *testing.T) {
	genErr := assert.AnError
	gen := &fakeGenerator{events: []llm.GenerationEvent{
		llm.TextDeltaEvent("partial ", "openai"),
		llm.FailedEvent(genErr, "partial ", "ollama"),
	}}
	f := newOrchestratorFixture(gen, chunkResult("c1", 0.9, "passage"))

	events := collectEvents(f.orchestrator.Stream(context.Background(), &QueryRequest{
		TenantID:       "acme",
		ConversationID: "conv-1",
		Query:          "question here",
	}))

	last := events[len(events)-1]
	assert.Equal(t, llm.EventFailed, last.Kind)
	assert.Equal(t, "partial ", last.Partial)

	// 失败的查询不持久化轮次
	assert.Zero(t, f.convStore.turnCount("acme", "conv-1"))
}

// 回答已经送达后落库失败不算查询失败，只上报侧信道。
func TestStreamPersistFailureDoesNotFailQuery(t *testing.T) {
	gen := &fakeGenerator{events: []llm.GenerationEvent{
		llm.CompletedEvent("answer", "openai", nil),
	}}
	f := newOrchestratorFixture(gen, chunkResult("c1", 0.9, "passage"))
	f.convStore.appendErr = assert.AnError

	var observed error
	f.orchestrator.PersistObserver = func(err error) { observed = err }

	events := collectEvents(f.orchestrator.Stream(context.Background(), &QueryRequest{
		TenantID:       "acme",
		ConversationID: "conv-1",
		Query:          "question here",
	}))

	last := events[len(events)-1]
	assert.Equal(t, llm.EventCompleted, last.Kind)
	assert.Equal(t, "answer", last.Text)
	assert.ErrorIs(t, observed, assert.AnError)
	assert.Zero(t, f.convStore.turnCount("acme", "conv-1"))
}

// 失败事件是终结事件，即使消费者读得慢、事件缓冲已满也必须送达。
func TestStreamFailedDeliveredWhenBufferFull(t *testing.T) {
	deltas := make([]llm.GenerationEvent, 0, 17)
	for i := 0; i < 16; i++ {
		deltas = append(deltas, llm.TextDeltaEvent("chunk ", "openai"))
	}
	deltas = append(deltas, llm.FailedEvent(assert.AnError, "partial text", "openai"))
	gen := &fakeGenerator{events: deltas}
	f := newOrchestratorFixture(gen, chunkResult("c1", 0.9, "passage"))

	ch := f.orchestrator.Stream(context.Background(), &QueryRequest{
		TenantID: "acme",
		Query:    "question here",
	})

	// 让生产侧先把缓冲填满
	time.Sleep(50 * time.Millisecond)
	events := collectEvents(ch)

	require.NotEmpty(t, events)
	last := events[len(events)-1]
	assert.Equal(t, llm.EventFailed, last.Kind)
	assert.Equal(t, "partial text", last.Partial)
}

// 单次请求的组装覆盖项生效：更高的阈值下推到检索，过滤掉低分片段。
func TestStreamPerRequestContextConfig(t *testing.T) {
	gen := &fakeGenerator{events: []llm.GenerationEvent{
		llm.CompletedEvent("answer", "openai", nil),
	}}
	f := newOrchestratorFixture(gen,
		chunkResult("c1", 0.95, "high score"),
		chunkResult("c2", 0.75, "default would keep this"),
	)

	result, err := f.orchestrator.Query(context.Background(), &QueryRequest{
		TenantID:      "acme",
		Query:         "question here",
		ContextConfig: &ContextConfig{RelevanceThreshold: 0.9},
	})
	require.NoError(t, err)

	assert.Equal(t, []string{"c1"}, result.Sources)
}

func TestStreamCancelDuringGeneration(t *testing.T) {
	gen := &fakeGenerator{
		events:   []llm.GenerationEvent{llm.TextDeltaEvent("stream", "openai")},
		blockCtx: true,
	}
	f := newOrchestratorFixture(gen, chunkResult("c1", 0.9, "passage"))

	ctx, cancel := context.WithCancel(context.Background())
	events := f.orchestrator.Stream(ctx, &QueryRequest{
		TenantID:       "acme",
		ConversationID: "conv-1",
		Query:          "question here",
	})

	// 消费 Sources 和首个增量后取消
	<-events
	<-events
	cancel()

	for ev := range events {
		assert.NotEqual(t, llm.EventCompleted, ev.Kind)
		assert.NotEqual(t, llm.EventFailed, ev.Kind)
	}
	assert.Zero(t, f.convStore.turnCount("acme", "conv-1"))
}

func TestQueryWithoutConversationSkipsPersist(t *testing.T) {
	gen := &fakeGenerator{events: []llm.GenerationEvent{
		llm.CompletedEvent("answer", "openai", &llm.TokenUsage{TotalTokens: 12}),
	}}
	f := newOrchestratorFixture(gen, chunkResult("c1", 0.9, "passage"))

	result, err := f.orchestrator.Query(context.Background(), &QueryRequest{
		TenantID: "acme",
		Query:    "question here",
	})
	require.NoError(t, err)

	assert.Equal(t, "answer", result.Answer)
	assert.Equal(t, []string{"c1"}, result.Sources)
	assert.Equal(t, 12, result.Usage.TotalTokens)
	assert.False(t, result.Degraded)
}

func TestQueryGenerationFailureReturnsError(t *testing.T) {
	gen := &fakeGenerator{events: []llm.GenerationEvent{
		llm.FailedEvent(assert.AnError, "", "openai"),
	}}
	f := newOrchestratorFixture(gen, chunkResult("c1", 0.9, "passage"))

	_, err := f.orchestrator.Query(context.Background(), &QueryRequest{
		TenantID: "acme",
		Query:    "question here",
	})
	assert.ErrorIs(t, err, ErrGenerationFailed)
}

func TestStateObserverSeesFullLifecycle(t *testing.T) {
	gen := &fakeGenerator{events: []llm.GenerationEvent{
		llm.CompletedEvent("answer", "openai", nil),
	}}
	f := newOrchestratorFixture(gen, chunkResult("c1", 0.9, "passage"))

	var states []QueryState
	f.orchestrator.StateObserver = func(from, to QueryState) {
		states = append(states, to)
	}

	collectEvents(f.orchestrator.Stream(context.Background(), &QueryRequest{
		TenantID: "acme",
		Query:    "question here",
	}))

	assert.Equal(t, []QueryState{
		StateValidating,
		StateRetrieving,
		StateAssembling,
		StateGenerating,
		StatePersisting,
		StateCompleted,
	}, states)
}

func TestCanTransition(t *testing.T) {
	tests := []struct {
		from, to QueryState
		want     bool
	}{
		{StateReceived, StateValidating, true},
		{StateValidating, StateRetrieving, true},
		{StateRetrieving, StateAssembling, true},
		{StateAssembling, StateGenerating, true},
		{StateGenerating, StatePersisting, true},
		{StatePersisting, StateCompleted, true},
		{StateRetrieving, StateCancelled, true},
		{StateGenerating, StateCancelled, true},
		{StateReceived, StateFailed, true},
		{StatePersisting, StateFailed, true},

		{StateReceived, StateRetrieving, false},
		{StateValidating, StateCancelled, false},
		{StateAssembling, StateCancelled, false},
		{StateCompleted, StateFailed, false},
		{StateCompleted, StateReceived, false},
		{StateFailed, StateRetrieving, false},
		{StateCancelled, StateGenerating, false},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, canTransition(tt.from, tt.to), "%s -> %s", tt.from, tt.to)
	}
}
