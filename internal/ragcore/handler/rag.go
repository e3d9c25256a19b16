// Package handler provides HTTP handlers for the RAG query service.
package handler

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/kart-io/logger"

	"github.com/kart-io/ragcore/internal/ragcore/biz"
	"github.com/kart-io/ragcore/internal/ragcore/metrics"
	"github.com/kart-io/ragcore/pkg/llm"
	"github.com/kart-io/ragcore/pkg/utils/json"
)

// queryTimeout bounds blocking queries; streaming queries are bounded
// by the generation adapter's own timeouts.
const queryTimeout = 60 * time.Second

// TenantHeader carries the tenant identity on every request.
const TenantHeader = "X-Tenant-ID"

// RAGHandler handles RAG HTTP requests.
type RAGHandler struct {
	service *biz.Service
	metrics *metrics.QueryMetrics
}

// NewRAGHandler creates a new RAGHandler.
func NewRAGHandler(service *biz.Service, m *metrics.QueryMetrics) *RAGHandler {
	return &RAGHandler{
		service: service,
		metrics: m,
	}
}

// SuccessResponse is a standard success response.
type SuccessResponse struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

// ErrorResponse is a standard error response.
type ErrorResponse struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func abortWithError(c *gin.Context, status int, err error) {
	c.JSON(status, ErrorResponse{Code: status, Message: err.Error()})
}

// tenantID resolves the tenant from the header, falling back to the body value.
func tenantID(c *gin.Context, fromBody string) string {
	if tenant := c.GetHeader(TenantHeader); tenant != "" {
		return tenant
	}
	return fromBody
}

func statusForQueryError(err error) int {
	switch {
	case errors.Is(err, biz.ErrQueryTooShort), errors.Is(err, biz.ErrQueryTooLong):
		return http.StatusBadRequest
	case errors.Is(err, biz.ErrTenantRequired):
		return http.StatusBadRequest
	case errors.Is(err, biz.ErrQueryCancelled):
		return http.StatusRequestTimeout
	default:
		return http.StatusInternalServerError
	}
}

// QueryRequest represents a query request.
type QueryRequest struct {
	TenantID       string             `json:"tenant_id"`
	UserID         string             `json:"user_id"`
	ConversationID string             `json:"conversation_id"`
	Query          string             `json:"query" binding:"required"`
	TopK           int                `json:"top_k"`
	ContextConfig  *biz.ContextConfig `json:"context_config"`
}

func (h *RAGHandler) bizRequest(c *gin.Context, req *QueryRequest) *biz.QueryRequest {
	return &biz.QueryRequest{
		TenantID:       tenantID(c, req.TenantID),
		UserID:         req.UserID,
		ConversationID: req.ConversationID,
		Query:          req.Query,
		TopK:           req.TopK,
		ContextConfig:  req.ContextConfig,
	}
}

// Query performs a blocking RAG query.
func (h *RAGHandler) Query(c *gin.Context) {
	var req QueryRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		abortWithError(c, http.StatusBadRequest, err)
		return
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), queryTimeout)
	defer cancel()

	h.metrics.RecordQuery()
	result, err := h.service.Query(ctx, h.bizRequest(c, &req))
	if err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			abortWithError(c, http.StatusRequestTimeout,
				errors.New("query timeout: the request took too long to process"))
			return
		}
		abortWithError(c, statusForQueryError(err), err)
		return
	}

	h.metrics.RecordCacheLookup(result.Cached)
	if result.Degraded {
		h.metrics.RecordDegraded()
	}
	c.JSON(http.StatusOK, SuccessResponse{Code: 0, Message: "success", Data: result})
}

// streamEvent SSE 事件载荷。失败事件的错误以字符串形式携带。
type streamEvent struct {
	Kind     llm.EventKind   `json:"kind"`
	Text     string          `json:"text,omitempty"`
	Sources  []string        `json:"sources,omitempty"`
	Provider string          `json:"provider,omitempty"`
	Usage    *llm.TokenUsage `json:"usage,omitempty"`
	Partial  string          `json:"partial,omitempty"`
	Error    string          `json:"error,omitempty"`
}

// QueryStream performs a RAG query and streams generation events over SSE.
func (h *RAGHandler) QueryStream(c *gin.Context) {
	var req QueryRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		abortWithError(c, http.StatusBadRequest, err)
		return
	}

	c.Writer.Header().Set("Content-Type", "text/event-stream")
	c.Writer.Header().Set("Cache-Control", "no-cache")
	c.Writer.Header().Set("Connection", "keep-alive")

	h.metrics.RecordQuery()
	events := h.service.QueryStream(c.Request.Context(), h.bizRequest(c, &req))

	flusher, canFlush := c.Writer.(http.Flusher)
	for ev := range events {
		payload := streamEvent{
			Kind:     ev.Kind,
			Text:     ev.Text,
			Sources:  ev.Sources,
			Provider: ev.Provider,
			Usage:    ev.Usage,
			Partial:  ev.Partial,
		}
		if ev.Err != nil {
			payload.Error = ev.Err.Error()
		}
		if ev.Kind == llm.EventSources && len(ev.Sources) == 0 {
			h.metrics.RecordDegraded()
		}

		data, err := json.Marshal(payload)
		if err != nil {
			logger.Errorw("序列化流式事件失败", "error", err.Error())
			return
		}
		if _, err := c.Writer.WriteString("event: " + string(ev.Kind) + "\ndata: " + string(data) + "\n\n"); err != nil {
			// 客户端断开，上游会在 ctx 取消后停止
			return
		}
		if canFlush {
			flusher.Flush()
		}
	}
}

// IndexRequest represents an index request.
type IndexRequest struct {
	TenantID string            `json:"tenant_id"`
	Chunks   []*biz.ChunkInput `json:"chunks" binding:"required"`
}

// Index indexes a batch of document chunks for a tenant.
func (h *RAGHandler) Index(c *gin.Context) {
	var req IndexRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		abortWithError(c, http.StatusBadRequest, err)
		return
	}

	count, err := h.service.IndexChunks(c.Request.Context(), tenantID(c, req.TenantID), req.Chunks)
	h.metrics.RecordIndexing(count, err)
	if err != nil {
		if errors.Is(err, biz.ErrTenantRequired) {
			abortWithError(c, http.StatusBadRequest, err)
			return
		}
		abortWithError(c, http.StatusInternalServerError, err)
		return
	}

	c.JSON(http.StatusOK, SuccessResponse{
		Code:    0,
		Message: "chunks indexed successfully",
		Data:    map[string]any{"indexed": count},
	})
}

// DeleteChunksRequest represents a chunk deletion request.
type DeleteChunksRequest struct {
	TenantID string   `json:"tenant_id"`
	ChunkIDs []string `json:"chunk_ids" binding:"required"`
}

// DeleteChunks removes chunks from a tenant's index.
func (h *RAGHandler) DeleteChunks(c *gin.Context) {
	var req DeleteChunksRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		abortWithError(c, http.StatusBadRequest, err)
		return
	}

	tenant := tenantID(c, req.TenantID)
	if err := h.service.DeleteChunks(c.Request.Context(), tenant, req.ChunkIDs); err != nil {
		if errors.Is(err, biz.ErrTenantRequired) {
			abortWithError(c, http.StatusBadRequest, err)
			return
		}
		abortWithError(c, http.StatusInternalServerError, err)
		return
	}

	h.metrics.RecordDeletion(len(req.ChunkIDs))
	c.JSON(http.StatusOK, SuccessResponse{Code: 0, Message: "chunks deleted successfully"})
}

// DropTenant removes all indexed data for a tenant.
func (h *RAGHandler) DropTenant(c *gin.Context) {
	tenant := c.Param("tenant")
	if err := h.service.DropTenant(c.Request.Context(), tenant); err != nil {
		abortWithError(c, http.StatusInternalServerError, err)
		return
	}
	c.JSON(http.StatusOK, SuccessResponse{Code: 0, Message: "tenant data removed"})
}

// History returns the retained turns of a conversation.
func (h *RAGHandler) History(c *gin.Context) {
	tenant := tenantID(c, c.Query("tenant_id"))
	if tenant == "" {
		abortWithError(c, http.StatusBadRequest, biz.ErrTenantRequired)
		return
	}

	turns, err := h.service.History(c.Request.Context(), tenant, c.Param("conversation"))
	if err != nil {
		abortWithError(c, http.StatusInternalServerError, err)
		return
	}
	c.JSON(http.StatusOK, SuccessResponse{Code: 0, Message: "success", Data: turns})
}

// ClearConversation deletes a conversation.
func (h *RAGHandler) ClearConversation(c *gin.Context) {
	tenant := tenantID(c, c.Query("tenant_id"))
	if tenant == "" {
		abortWithError(c, http.StatusBadRequest, biz.ErrTenantRequired)
		return
	}

	if err := h.service.ClearConversation(c.Request.Context(), tenant, c.Param("conversation")); err != nil {
		abortWithError(c, http.StatusInternalServerError, err)
		return
	}
	c.JSON(http.StatusOK, SuccessResponse{Code: 0, Message: "conversation cleared"})
}

// Stats returns index and cache statistics.
func (h *RAGHandler) Stats(c *gin.Context) {
	stats, err := h.service.Stats(c.Request.Context())
	if err != nil {
		abortWithError(c, http.StatusInternalServerError, err)
		return
	}

	stats["pipeline"] = h.metrics.Stats()
	c.JSON(http.StatusOK, SuccessResponse{Code: 0, Message: "success", Data: stats})
}

// Metrics exposes pipeline metrics in Prometheus text format.
func (h *RAGHandler) Metrics(c *gin.Context) {
	c.Data(http.StatusOK, "text/plain; version=0.0.4", []byte(h.metrics.Export("ragcore", "")))
}

// healthTimeout bounds the backend probe so a hung backend
// does not hang the health endpoint with it.
const healthTimeout = 5 * time.Second

// Healthz reports liveness and vector backend reachability.
func (h *RAGHandler) Healthz(c *gin.Context) {
	if h.service == nil {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
		return
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), healthTimeout)
	defer cancel()

	detail := h.service.Health(ctx)
	if !detail.Connected {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "degraded", "vector_index": detail})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok", "vector_index": detail})
}
