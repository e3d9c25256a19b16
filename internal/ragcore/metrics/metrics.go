// Package metrics 提供 RAG 查询服务的业务指标收集。
package metrics

import (
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/kart-io/ragcore/internal/ragcore/biz"
)

// QueryMetrics RAG 查询服务业务指标。
type QueryMetrics struct {
	// 查询指标
	queriesTotal     uint64 // 总查询次数
	queriesCompleted uint64 // 完成次数
	queriesFailed    uint64 // 失败次数
	queriesCancelled uint64 // 取消次数
	queriesDegraded  uint64 // 降级（无上下文）次数
	cacheHits        uint64 // 缓存命中次数
	cacheMisses      uint64 // 缓存未命中次数

	// 检索指标
	retrievalTotal    uint64  // 总检索次数
	retrievalDuration float64 // 检索总耗时（秒）
	retrievalErrors   uint64  // 检索错误次数

	// 生成指标
	generationTotal    uint64  // 生成总次数
	generationDuration float64 // 生成总耗时（秒）
	generationErrors   uint64  // 生成错误次数
	failovers          uint64  // 故障转移到备用供应商的次数
	tokensPrompt       uint64  // Prompt tokens 总数
	tokensCompletion   uint64  // Completion tokens 总数

	// 持久化指标
	persistFailures uint64 // 回答已送达但回合落库失败的次数

	// 索引指标
	chunksIndexed uint64 // 已索引分块数
	chunksDeleted uint64 // 已删除分块数
	indexErrors   uint64 // 索引错误次数

	startTime  time.Time
	durationMu sync.Mutex
}

// globalQueryMetrics 全局指标实例。
var (
	globalQueryMetrics *QueryMetrics
	queryMetricsOnce   sync.Once
)

// GetQueryMetrics 获取全局指标实例。
func GetQueryMetrics() *QueryMetrics {
	queryMetricsOnce.Do(func() {
		globalQueryMetrics = &QueryMetrics{
			startTime: time.Now(),
		}
	})
	return globalQueryMetrics
}

// RecordQuery 记录一次查询的开始。
func (m *QueryMetrics) RecordQuery() {
	atomic.AddUint64(&m.queriesTotal, 1)
}

// RecordCacheLookup 记录缓存查找结果。
func (m *QueryMetrics) RecordCacheLookup(hit bool) {
	if hit {
		atomic.AddUint64(&m.cacheHits, 1)
	} else {
		atomic.AddUint64(&m.cacheMisses, 1)
	}
}

// RecordDegraded 记录一次降级查询（没有片段通过相关性过滤）。
func (m *QueryMetrics) RecordDegraded() {
	atomic.AddUint64(&m.queriesDegraded, 1)
}

// ObserveState 作为编排器的状态观测回调，统计终结状态。
func (m *QueryMetrics) ObserveState(from, to biz.QueryState) {
	switch to {
	case biz.StateCompleted:
		atomic.AddUint64(&m.queriesCompleted, 1)
	case biz.StateFailed:
		atomic.AddUint64(&m.queriesFailed, 1)
	case biz.StateCancelled:
		atomic.AddUint64(&m.queriesCancelled, 1)
	}
}

// RecordRetrieval 记录检索操作。
func (m *QueryMetrics) RecordRetrieval(duration time.Duration, err error) {
	atomic.AddUint64(&m.retrievalTotal, 1)
	if err != nil {
		atomic.AddUint64(&m.retrievalErrors, 1)
		return
	}

	m.durationMu.Lock()
	m.retrievalDuration += duration.Seconds()
	m.durationMu.Unlock()
}

// RecordGeneration 记录一次生成。
func (m *QueryMetrics) RecordGeneration(duration time.Duration, promptTokens, completionTokens int, err error) {
	atomic.AddUint64(&m.generationTotal, 1)
	if err != nil {
		atomic.AddUint64(&m.generationErrors, 1)
		return
	}

	m.durationMu.Lock()
	m.generationDuration += duration.Seconds()
	m.durationMu.Unlock()

	if promptTokens > 0 {
		atomic.AddUint64(&m.tokensPrompt, uint64(promptTokens))
	}
	if completionTokens > 0 {
		atomic.AddUint64(&m.tokensCompletion, uint64(completionTokens))
	}
}

// RecordFailover 记录一次故障转移。
func (m *QueryMetrics) RecordFailover() {
	atomic.AddUint64(&m.failovers, 1)
}

// RecordPersistFailure 记录一次持久化失败。
// 此时回答已经送达调用方，失败只通过日志和指标上报。
func (m *QueryMetrics) RecordPersistFailure() {
	atomic.AddUint64(&m.persistFailures, 1)
}

// RecordIndexing 记录索引操作。
func (m *QueryMetrics) RecordIndexing(chunks int, err error) {
	if err != nil {
		atomic.AddUint64(&m.indexErrors, 1)
		return
	}
	atomic.AddUint64(&m.chunksIndexed, uint64(chunks))
}

// RecordDeletion 记录删除操作。
func (m *QueryMetrics) RecordDeletion(chunks int) {
	atomic.AddUint64(&m.chunksDeleted, uint64(chunks))
}

// counterLine 输出一个 counter 指标。
func counterLine(sb *strings.Builder, prefix, name, help string, value uint64) {
	fmt.Fprintf(sb, "# HELP %s_%s %s\n", prefix, name, help)
	fmt.Fprintf(sb, "# TYPE %s_%s counter\n", prefix, name)
	fmt.Fprintf(sb, "%s_%s %d\n\n", prefix, name, value)
}

// gaugeLine 输出一个 gauge 指标。
func gaugeLine(sb *strings.Builder, prefix, name, help string, value float64) {
	fmt.Fprintf(sb, "# HELP %s_%s %s\n", prefix, name, help)
	fmt.Fprintf(sb, "# TYPE %s_%s gauge\n", prefix, name)
	fmt.Fprintf(sb, "%s_%s %.6f\n\n", prefix, name, value)
}

// Export 导出 Prometheus 格式指标。
func (m *QueryMetrics) Export(namespace, subsystem string) string {
	var sb strings.Builder
	prefix := namespace
	if subsystem != "" {
		prefix = prefix + "_" + subsystem
	}

	// 查询指标
	counterLine(&sb, prefix, "queries_total", "Total number of RAG queries.", atomic.LoadUint64(&m.queriesTotal))
	counterLine(&sb, prefix, "queries_completed_total", "Number of completed queries.", atomic.LoadUint64(&m.queriesCompleted))
	counterLine(&sb, prefix, "queries_failed_total", "Number of failed queries.", atomic.LoadUint64(&m.queriesFailed))
	counterLine(&sb, prefix, "queries_cancelled_total", "Number of cancelled queries.", atomic.LoadUint64(&m.queriesCancelled))
	counterLine(&sb, prefix, "queries_degraded_total", "Number of queries answered without context.", atomic.LoadUint64(&m.queriesDegraded))
	counterLine(&sb, prefix, "cache_hits_total", "Number of query cache hits.", atomic.LoadUint64(&m.cacheHits))
	counterLine(&sb, prefix, "cache_misses_total", "Number of query cache misses.", atomic.LoadUint64(&m.cacheMisses))

	// 缓存命中率
	hits := atomic.LoadUint64(&m.cacheHits)
	misses := atomic.LoadUint64(&m.cacheMisses)
	hitRate := 0.0
	if hits+misses > 0 {
		hitRate = float64(hits) / float64(hits+misses)
	}
	gaugeLine(&sb, prefix, "cache_hit_rate", "Query cache hit rate (0-1).", hitRate)

	m.durationMu.Lock()
	retrievalDuration := m.retrievalDuration
	generationDuration := m.generationDuration
	m.durationMu.Unlock()

	// 检索指标
	counterLine(&sb, prefix, "retrieval_total", "Total number of retrievals.", atomic.LoadUint64(&m.retrievalTotal))
	counterLine(&sb, prefix, "retrieval_errors_total", "Number of retrieval errors.", atomic.LoadUint64(&m.retrievalErrors))
	gaugeLine(&sb, prefix, "retrieval_duration_seconds_total", "Total retrieval duration.", retrievalDuration)

	// 生成指标
	counterLine(&sb, prefix, "generation_total", "Total number of generations.", atomic.LoadUint64(&m.generationTotal))
	counterLine(&sb, prefix, "generation_errors_total", "Number of generation errors.", atomic.LoadUint64(&m.generationErrors))
	counterLine(&sb, prefix, "generation_failovers_total", "Number of failovers to the secondary provider.", atomic.LoadUint64(&m.failovers))
	gaugeLine(&sb, prefix, "generation_duration_seconds_total", "Total generation duration.", generationDuration)
	counterLine(&sb, prefix, "tokens_prompt_total", "Total prompt tokens.", atomic.LoadUint64(&m.tokensPrompt))
	counterLine(&sb, prefix, "tokens_completion_total", "Total completion tokens.", atomic.LoadUint64(&m.tokensCompletion))

	// 持久化指标
	counterLine(&sb, prefix, "persist_failures_total", "Number of turns lost to conversation store failures.", atomic.LoadUint64(&m.persistFailures))

	// 索引指标
	counterLine(&sb, prefix, "chunks_indexed_total", "Total chunks indexed.", atomic.LoadUint64(&m.chunksIndexed))
	counterLine(&sb, prefix, "chunks_deleted_total", "Total chunks deleted.", atomic.LoadUint64(&m.chunksDeleted))
	counterLine(&sb, prefix, "index_errors_total", "Number of indexing errors.", atomic.LoadUint64(&m.indexErrors))

	// 运行时间
	gaugeLine(&sb, prefix, "uptime_seconds", "Service uptime in seconds.", time.Since(m.startTime).Seconds())

	return sb.String()
}

// Stats 返回当前统计信息（用于 API）。
func (m *QueryMetrics) Stats() map[string]any {
	m.durationMu.Lock()
	retrievalDuration := m.retrievalDuration
	generationDuration := m.generationDuration
	m.durationMu.Unlock()

	hits := atomic.LoadUint64(&m.cacheHits)
	misses := atomic.LoadUint64(&m.cacheMisses)
	hitRate := 0.0
	if hits+misses > 0 {
		hitRate = float64(hits) / float64(hits+misses)
	}

	retrievalTotal := atomic.LoadUint64(&m.retrievalTotal)
	avgRetrieval := 0.0
	if retrievalTotal > 0 {
		avgRetrieval = retrievalDuration / float64(retrievalTotal)
	}

	generationTotal := atomic.LoadUint64(&m.generationTotal)
	avgGeneration := 0.0
	if generationTotal > 0 {
		avgGeneration = generationDuration / float64(generationTotal)
	}

	return map[string]any{
		"queries": map[string]any{
			"total":          atomic.LoadUint64(&m.queriesTotal),
			"completed":      atomic.LoadUint64(&m.queriesCompleted),
			"failed":         atomic.LoadUint64(&m.queriesFailed),
			"cancelled":      atomic.LoadUint64(&m.queriesCancelled),
			"degraded":       atomic.LoadUint64(&m.queriesDegraded),
			"cache_hits":     hits,
			"cache_misses":   misses,
			"cache_hit_rate": hitRate,
		},
		"retrieval": map[string]any{
			"total":               retrievalTotal,
			"total_duration_secs": retrievalDuration,
			"avg_duration_secs":   avgRetrieval,
			"errors":              atomic.LoadUint64(&m.retrievalErrors),
		},
		"generation": map[string]any{
			"total":               generationTotal,
			"total_duration_secs": generationDuration,
			"avg_duration_secs":   avgGeneration,
			"errors":              atomic.LoadUint64(&m.generationErrors),
			"failovers":           atomic.LoadUint64(&m.failovers),
			"tokens_prompt":       atomic.LoadUint64(&m.tokensPrompt),
			"tokens_completion":   atomic.LoadUint64(&m.tokensCompletion),
		},
		"persistence": map[string]any{
			"failures": atomic.LoadUint64(&m.persistFailures),
		},
		"indexing": map[string]any{
			"chunks_indexed": atomic.LoadUint64(&m.chunksIndexed),
			"chunks_deleted": atomic.LoadUint64(&m.chunksDeleted),
			"errors":         atomic.LoadUint64(&m.indexErrors),
		},
		"uptime_seconds": time.Since(m.startTime).Seconds(),
	}
}

// Reset 重置所有指标（仅用于测试）。
func (m *QueryMetrics) Reset() {
	atomic.StoreUint64(&m.queriesTotal, 0)
	atomic.StoreUint64(&m.queriesCompleted, 0)
	atomic.StoreUint64(&m.queriesFailed, 0)
	atomic.StoreUint64(&m.queriesCancelled, 0)
	atomic.StoreUint64(&m.queriesDegraded, 0)
	atomic.StoreUint64(&m.cacheHits, 0)
	atomic.StoreUint64(&m.cacheMisses, 0)
	atomic.StoreUint64(&m.retrievalTotal, 0)
	atomic.StoreUint64(&m.retrievalErrors, 0)
	atomic.StoreUint64(&m.generationTotal, 0)
	atomic.StoreUint64(&m.generationErrors, 0)
	atomic.StoreUint64(&m.failovers, 0)
	atomic.StoreUint64(&m.tokensPrompt, 0)
	atomic.StoreUint64(&m.tokensCompletion, 0)
	atomic.StoreUint64(&m.persistFailures, 0)
	atomic.StoreUint64(&m.chunksIndexed, 0)
	atomic.StoreUint64(&m.chunksDeleted, 0)
	atomic.StoreUint64(&m.indexErrors, 0)

	m.durationMu.Lock()
	m.retrievalDuration = 0
	m.generationDuration = 0
	m.startTime = time.Now()
	m.durationMu.Unlock()
}
