package store

import (
	"context"
	"fmt"
	"time"

	"github.com/kart-io/ragcore/pkg/utils/json"
	goredis "github.com/redis/go-redis/v9"
)

// ConversationConfig 会话存储配置。
type ConversationConfig struct {
	// MaxHistory 每个会话保留的最大轮次数。
	MaxHistory int
	// TTL 会话保留时长，每次追加轮次时续期。
	TTL time.Duration
	// KeyPrefix 键前缀。
	KeyPrefix string
}

// DefaultConversationConfig 返回默认会话存储配置。
func DefaultConversationConfig() *ConversationConfig {
	return &ConversationConfig{
		MaxHistory: 20,
		TTL:        24 * time.Hour,
		KeyPrefix:  "ragcore:conv:",
	}
}

// RedisConversationStore 基于 Redis List 实现只追加的会话存储。
// 每个会话是一个 List，RPUSH 追加轮次，LTRIM 保留最近 MaxHistory 条，
// EXPIRE 实现保留期，三个命令在一个 pipeline 中执行。
type RedisConversationStore struct {
	redis  *goredis.Client
	config *ConversationConfig
}

// NewRedisConversationStore 创建 Redis 会话存储。
func NewRedisConversationStore(redis *goredis.Client, config *ConversationConfig) *RedisConversationStore {
	if config == nil {
		config = DefaultConversationConfig()
	}
	return &RedisConversationStore{redis: redis, config: config}
}

func (s *RedisConversationStore) key(tenantID, conversationID string) string {
	return fmt.Sprintf("%s%s:%s", s.config.KeyPrefix, tenantID, conversationID)
}

// AppendTurn 追加一轮问答并续期会话。
func (s *RedisConversationStore) AppendTurn(ctx context.Context, tenantID, conversationID string, turn *Turn) error {
	if tenantID == "" {
		return ErrTenantRequired
	}
	if turn.TenantID == "" {
		turn.TenantID = tenantID
	}
	if turn.TenantID != tenantID {
		return fmt.Errorf("turn tenant %q does not match %q", turn.TenantID, tenantID)
	}

	data, err := json.Marshal(turn)
	if err != nil {
		return fmt.Errorf("marshal turn: %w", err)
	}

	key := s.key(tenantID, conversationID)
	pipe := s.redis.TxPipeline()
	pipe.RPush(ctx, key, data)
	pipe.LTrim(ctx, key, int64(-s.config.MaxHistory), -1)
	pipe.Expire(ctx, key, s.config.TTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("append turn: %w", err)
	}
	return nil
}

// RecentTurns 返回最近 n 轮，按时间从旧到新。
func (s *RedisConversationStore) RecentTurns(ctx context.Context, tenantID, conversationID string, n int) ([]*Turn, error) {
	if tenantID == "" {
		return nil, ErrTenantRequired
	}
	if n <= 0 {
		return nil, nil
	}
	return s.rangeTurns(ctx, s.key(tenantID, conversationID), int64(-n), -1)
}

// History 返回会话的全部保留轮次，按时间从旧到新。
func (s *RedisConversationStore) History(ctx context.Context, tenantID, conversationID string) ([]*Turn, error) {
	if tenantID == "" {
		return nil, ErrTenantRequired
	}
	return s.rangeTurns(ctx, s.key(tenantID, conversationID), 0, -1)
}

func (s *RedisConversationStore) rangeTurns(ctx context.Context, key string, start, stop int64) ([]*Turn, error) {
	items, err := s.redis.LRange(ctx, key, start, stop).Result()
	if err != nil {
		return nil, fmt.Errorf("read turns: %w", err)
	}

	turns := make([]*Turn, 0, len(items))
	for _, item := range items {
		var turn Turn
		if err := json.Unmarshal([]byte(item), &turn); err != nil {
			return nil, fmt.Errorf("unmarshal turn: %w", err)
		}
		turns = append(turns, &turn)
	}
	return turns, nil
}

// Clear 删除会话。
func (s *RedisConversationStore) Clear(ctx context.Context, tenantID, conversationID string) error {
	if tenantID == "" {
		return ErrTenantRequired
	}
	return s.redis.Del(ctx, s.key(tenantID, conversationID)).Err()
}

// 确保 RedisConversationStore 实现了 ConversationStore 接口。
var _ ConversationStore = (*RedisConversationStore)(nil)
