package biz

import (
	"context"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// 辅助函数：创建测试用 Redis 客户端
func setupTestRedis(t *testing.T) *redis.Client {
	client := redis.NewClient(&redis.Options{
		Addr: "localhost:6379",
		DB:   15, // 使用测试专用数据库
	})

	ctx := context.Background()
	if err := client.Ping(ctx).Err(); err != nil {
		t.Skip("Redis 不可用，跳过测试")
	}

	client.FlushDB(ctx)
	return client
}

func testCacheConfig() *QueryCacheConfig {
	return &QueryCacheConfig{
		Enabled:   true,
		TTL:       1 * time.Hour,
		KeyPrefix: "test:ragcore:query:",
	}
}

func TestNewQueryCacheWithNilConfig(t *testing.T) {
	client := setupTestRedis(t)
	defer func() { _ = client.Close() }()

	cache := NewQueryCache(client, nil)
	assert.NotNil(t, cache)
	assert.False(t, cache.config.Enabled) // 默认禁用
	assert.Equal(t, 1*time.Hour, cache.config.TTL)
	assert.Equal(t, "ragcore:query:", cache.config.KeyPrefix)
}

func TestQueryCacheKeyIsTenantScoped(t *testing.T) {
	client := setupTestRedis(t)
	defer func() { _ = client.Close() }()

	cache := NewQueryCache(client, testCacheConfig())

	question := "什么是 RAG？"
	keyA := cache.cacheKey("tenant-a", question)
	keyB := cache.cacheKey("tenant-b", question)
	keyA2 := cache.cacheKey("tenant-a", question)

	// 同租户同问题键一致，不同租户的键必须不同
	assert.Equal(t, keyA, keyA2)
	assert.NotEqual(t, keyA, keyB)
	assert.Contains(t, keyA, "tenant-a")
}

func TestQueryCacheSetAndGet(t *testing.T) {
	client := setupTestRedis(t)
	defer func() { _ = client.Close() }()

	cache := NewQueryCache(client, testCacheConfig())
	ctx := context.Background()

	question := "什么是向量数据库？"
	result := &QueryResult{
		Answer:   "向量数据库是一种专门用于存储和检索向量嵌入的数据库。",
		Sources:  []string{"chunk-1", "chunk-2"},
		Provider: "openai",
	}

	err := cache.Set(ctx, "acme", question, result)
	require.NoError(t, err)

	cached, err := cache.Get(ctx, "acme", question)
	require.NoError(t, err)
	require.NotNil(t, cached)
	assert.Equal(t, result.Answer, cached.Answer)
	assert.Equal(t, result.Sources, cached.Sources)
	assert.True(t, cached.Cached)
}

func TestQueryCacheIsolatesTenants(t *testing.T) {
	client := setupTestRedis(t)
	defer func() { _ = client.Close() }()

	cache := NewQueryCache(client, testCacheConfig())
	ctx := context.Background()

	question := "共享的问题文本"
	require.NoError(t, cache.Set(ctx, "tenant-a", question, &QueryResult{Answer: "answer for a"}))

	// 其他租户查同一问题必须未命中
	cached, err := cache.Get(ctx, "tenant-b", question)
	require.NoError(t, err)
	assert.Nil(t, cached)
}

func TestQueryCacheGetMiss(t *testing.T) {
	client := setupTestRedis(t)
	defer func() { _ = client.Close() }()

	cache := NewQueryCache(client, testCacheConfig())

	result, err := cache.Get(context.Background(), "acme", "不存在的问题")
	require.NoError(t, err)
	assert.Nil(t, result)
}

func TestQueryCacheDisabled(t *testing.T) {
	client := setupTestRedis(t)
	defer func() { _ = client.Close() }()

	config := testCacheConfig()
	config.Enabled = false
	cache := NewQueryCache(client, config)
	ctx := context.Background()

	require.NoError(t, cache.Set(ctx, "acme", "测试问题", &QueryResult{Answer: "测试答案"}))

	cached, err := cache.Get(ctx, "acme", "测试问题")
	require.NoError(t, err)
	assert.Nil(t, cached)
}

func TestQueryCacheSkipsDegradedResults(t *testing.T) {
	client := setupTestRedis(t)
	defer func() { _ = client.Close() }()

	cache := NewQueryCache(client, testCacheConfig())
	ctx := context.Background()

	require.NoError(t, cache.Set(ctx, "acme", "降级的问题", &QueryResult{Answer: "无依据回答", Degraded: true}))

	cached, err := cache.Get(ctx, "acme", "降级的问题")
	require.NoError(t, err)
	assert.Nil(t, cached)
}

func TestQueryCacheClearTenant(t *testing.T) {
	client := setupTestRedis(t)
	defer func() { _ = client.Close() }()

	cache := NewQueryCache(client, testCacheConfig())
	ctx := context.Background()

	for _, q := range []string{"问题A", "问题B", "问题C"} {
		require.NoError(t, cache.Set(ctx, "tenant-a", q, &QueryResult{Answer: "答案"}))
	}
	require.NoError(t, cache.Set(ctx, "tenant-b", "问题A", &QueryResult{Answer: "答案"}))

	require.NoError(t, cache.ClearTenant(ctx, "tenant-a"))

	// tenant-a 全部清除
	for _, q := range []string{"问题A", "问题B", "问题C"} {
		cached, err := cache.Get(ctx, "tenant-a", q)
		require.NoError(t, err)
		assert.Nil(t, cached)
	}
	// tenant-b 不受影响
	cached, err := cache.Get(ctx, "tenant-b", "问题A")
	require.NoError(t, err)
	assert.NotNil(t, cached)
}

func TestQueryCacheStats(t *testing.T) {
	client := setupTestRedis(t)
	defer func() { _ = client.Close() }()

	cache := NewQueryCache(client, testCacheConfig())
	ctx := context.Background()

	require.NoError(t, cache.Set(ctx, "acme", "问题一", &QueryResult{Answer: "答案一"}))
	require.NoError(t, cache.Set(ctx, "acme", "问题二", &QueryResult{Answer: "答案二"}))

	stats, err := cache.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, true, stats["enabled"])
	assert.Equal(t, 2, stats["key_count"])
}
