package handler

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"

	"github.com/kart-io/ragcore/internal/ragcore/biz"
	"github.com/kart-io/ragcore/internal/ragcore/metrics"
	"github.com/kart-io/ragcore/internal/ragcore/store"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func TestTenantIDPrefersHeader(t *testing.T) {
	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	c.Request = httptest.NewRequest(http.MethodPost, "/v1/rag/query", nil)
	c.Request.Header.Set(TenantHeader, "acme")

	assert.Equal(t, "acme", tenantID(c, "other"))
}

func TestTenantIDFallsBackToBody(t *testing.T) {
	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	c.Request = httptest.NewRequest(http.MethodPost, "/v1/rag/query", nil)

	assert.Equal(t, "from-body", tenantID(c, "from-body"))
}

// 校验类错误映射 400，取消映射 408，其余一律 500。
func TestStatusForQueryError(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{biz.ErrQueryTooShort, http.StatusBadRequest},
		{biz.ErrQueryTooLong, http.StatusBadRequest},
		{biz.ErrTenantRequired, http.StatusBadRequest},
		{biz.ErrQueryCancelled, http.StatusRequestTimeout},
		{assert.AnError, http.StatusInternalServerError},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, statusForQueryError(tt.err), "error %v", tt.err)
	}
}

func TestHealthz(t *testing.T) {
	h := NewRAGHandler(nil, metrics.GetQueryMetrics())

	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	c.Request = httptest.NewRequest(http.MethodGet, "/healthz", nil)

	h.Healthz(c)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"status":"ok"`)
}

// stubIndex 脚本化健康状态的向量索引。
type stubIndex struct {
	health store.HealthDetail
}

func (s *stubIndex) EnsureReady(ctx context.Context) error { return nil }
func (s *stubIndex) Index(ctx context.Context, tenantID string, chunks []*store.Chunk) error {
	return nil
}
func (s *stubIndex) Search(ctx context.Context, tenantID string, embedding []float32, topK int, minScore float64) ([]*store.SearchResult, error) {
	return nil, nil
}
func (s *stubIndex) Delete(ctx context.Context, tenantID string, chunkIDs []string) error {
	return nil
}
func (s *stubIndex) DropTenant(ctx context.Context, tenantID string) error { return nil }
func (s *stubIndex) Stats(ctx context.Context) (int64, error)              { return s.health.IndexedChunks, nil }
func (s *stubIndex) Health(ctx context.Context) *store.HealthDetail        { return &s.health }
func (s *stubIndex) Close(ctx context.Context) error                       { return nil }

var _ store.VectorIndex = (*stubIndex)(nil)

func TestHealthzReportsBackend(t *testing.T) {
	index := &stubIndex{health: store.HealthDetail{Connected: true, IndexedChunks: 42, BackendVersion: "v2.6.2"}}
	h := NewRAGHandler(biz.NewService(nil, nil, nil, nil, index), metrics.GetQueryMetrics())

	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	c.Request = httptest.NewRequest(http.MethodGet, "/healthz", nil)

	h.Healthz(c)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"status":"ok"`)
	assert.Contains(t, w.Body.String(), `"indexed_chunks":42`)
	assert.Contains(t, w.Body.String(), `"backend_version":"v2.6.2"`)
}

func TestHealthzDegradedWhenBackendDown(t *testing.T) {
	index := &stubIndex{}
	h := NewRAGHandler(biz.NewService(nil, nil, nil, nil, index), metrics.GetQueryMetrics())

	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	c.Request = httptest.NewRequest(http.MethodGet, "/healthz", nil)

	h.Healthz(c)

	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Contains(t, w.Body.String(), `"status":"degraded"`)
	assert.Contains(t, w.Body.String(), `"connected":false`)
}

func TestMetricsExportsPrometheusText(t *testing.T) {
	m := metrics.GetQueryMetrics()
	m.Reset()
	m.RecordQuery()
	h := NewRAGHandler(nil, m)

	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	c.Request = httptest.NewRequest(http.MethodGet, "/metrics", nil)

	h.Metrics(c)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Header().Get("Content-Type"), "text/plain")
	assert.Contains(t, w.Body.String(), "ragcore_queries_total 1")
}

func TestQueryRejectsMalformedBody(t *testing.T) {
	h := NewRAGHandler(nil, metrics.GetQueryMetrics())

	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	c.Request = httptest.NewRequest(http.MethodPost, "/v1/rag/query",
		nil)
	c.Request.Header.Set("Content-Type", "application/json")

	h.Query(c)

	assert.Equal(t, http.StatusBadRequest, w.Code)
}
