package biz

import (
	"context"
	"fmt"
	"strings"

	"github.com/kart-io/logger"
	"github.com/kart-io/ragcore/internal/ragcore/store"
)

// ConversationManagerConfig 会话管理器配置。
type ConversationManagerConfig struct {
	// ContextWindow 构建提示词时携带的最近轮次数。
	ContextWindow int
	// MaxAnswerChars 历史回答注入提示词时的截断长度。
	MaxAnswerChars int
}

// DefaultConversationManagerConfig 返回默认会话管理器配置。
func DefaultConversationManagerConfig() *ConversationManagerConfig {
	return &ConversationManagerConfig{
		ContextWindow:  5,
		MaxAnswerChars: 200,
	}
}

// ConversationManager 管理多轮会话：读取历史构建提示词，追加新轮次。
type ConversationManager struct {
	store  store.ConversationStore
	config *ConversationManagerConfig
}

// NewConversationManager 创建会话管理器实例。
func NewConversationManager(convStore store.ConversationStore, config *ConversationManagerConfig) *ConversationManager {
	if config == nil {
		config = DefaultConversationManagerConfig()
	}
	return &ConversationManager{store: convStore, config: config}
}

// BuildPrompt 把最近的会话轮次注入到问题前面。
// 没有历史（或 conversationID 为空）时原样返回问题。
// 历史读取失败不阻断查询，降级为无历史提示词。
func (m *ConversationManager) BuildPrompt(ctx context.Context, tenantID, conversationID, question string) string {
	if conversationID == "" || m.store == nil {
		return question
	}

	turns, err := m.store.RecentTurns(ctx, tenantID, conversationID, m.config.ContextWindow)
	if err != nil {
		logger.Warnw("读取会话历史失败，按单轮处理",
			"tenant", tenantID,
			"conversation", conversationID,
			"error", err.Error(),
		)
		return question
	}
	if len(turns) == 0 {
		return question
	}

	var b strings.Builder
	b.WriteString("Given our recent conversation:\n")
	for _, turn := range turns {
		fmt.Fprintf(&b, "User: %s\n", turn.Question)
		fmt.Fprintf(&b, "AI: %s\n", truncateAnswer(turn.Answer, m.config.MaxAnswerChars))
	}
	fmt.Fprintf(&b, "\nNew question: %s", question)
	return b.String()
}

// AppendTurn 追加一轮问答。conversationID 为空时不持久化。
func (m *ConversationManager) AppendTurn(ctx context.Context, tenantID, conversationID string, turn *store.Turn) error {
	if conversationID == "" || m.store == nil {
		return nil
	}
	return m.store.AppendTurn(ctx, tenantID, conversationID, turn)
}

// History 返回会话的全部保留轮次。
func (m *ConversationManager) History(ctx context.Context, tenantID, conversationID string) ([]*store.Turn, error) {
	return m.store.History(ctx, tenantID, conversationID)
}

// Clear 删除会话。
func (m *ConversationManager) Clear(ctx context.Context, tenantID, conversationID string) error {
	return m.store.Clear(ctx, tenantID, conversationID)
}

// truncateAnswer 截断历史回答，避免提示词被长回答挤占。
func truncateAnswer(answer string, limit int) string {
	if len(answer) <= limit {
		return answer
	}
	return answer[:limit] + "..."
}
