package ollama

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kart-io/ragcore/pkg/llm"
)

func newTestProvider(baseURL string) *Provider {
	cfg := DefaultConfig()
	cfg.BaseURL = baseURL
	return NewProviderWithConfig(cfg)
}

func TestNewProviderDefaults(t *testing.T) {
	provider, err := NewProvider(map[string]any{})
	require.NoError(t, err)
	assert.Equal(t, ProviderName, provider.Name())

	p := provider.(*Provider)
	assert.Equal(t, "http://localhost:11434", p.config.BaseURL)
	assert.Equal(t, "nomic-embed-text", p.config.EmbedModel)
	assert.Equal(t, "llama3", p.config.ChatModel)
}

func TestProviderEmbed(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/embed", r.URL.Path)

		var req embedRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "nomic-embed-text", req.Model)
		assert.Len(t, req.Input, 2)

		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"model":"nomic-embed-text","embeddings":[[0.1,0.2],[0.3,0.4]]}`)
	}))
	defer server.Close()

	provider := newTestProvider(server.URL)

	embeddings, err := provider.Embed(context.Background(), []string{"a", "b"})
	require.NoError(t, err)
	require.Len(t, embeddings, 2)
	assert.Equal(t, []float32{0.1, 0.2}, embeddings[0])
}

func TestProviderChat(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/chat", r.URL.Path)

		var req chatRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.False(t, req.Stream)
		assert.Equal(t, float64(256), req.Options["num_predict"])

		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"model":"llama3","message":{"role":"assistant","content":"回答"},"done":true,"prompt_eval_count":12,"eval_count":4}`)
	}))
	defer server.Close()

	provider := newTestProvider(server.URL)

	resp, err := provider.Chat(context.Background(), &llm.ChatRequest{
		Messages: []llm.Message{{Role: llm.RoleUser, Content: "问题"}},
		Params:   llm.GenerateParams{MaxTokens: 256},
	})
	require.NoError(t, err)
	assert.Equal(t, "回答", resp.Content)
	require.NotNil(t, resp.Usage)
	assert.Equal(t, 16, resp.Usage.TotalTokens)
}

func TestProviderChatStream(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/x-ndjson")
		fmt.Fprint(w, `{"model":"llama3","message":{"role":"assistant","content":"你"},"done":false}`+"\n")
		fmt.Fprint(w, `{"model":"llama3","message":{"role":"assistant","content":"好"},"done":false}`+"\n")
		fmt.Fprint(w, `{"model":"llama3","message":{"role":"assistant","content":""},"done":true,"prompt_eval_count":5,"eval_count":2}`+"\n")
	}))
	defer server.Close()

	provider := newTestProvider(server.URL)

	deltas, err := provider.ChatStream(context.Background(), &llm.ChatRequest{
		Messages: []llm.Message{{Role: llm.RoleUser, Content: "hi"}},
	})
	require.NoError(t, err)

	var content string
	var usage *llm.TokenUsage
	var done bool
	for d := range deltas {
		require.NoError(t, d.Err)
		if d.Done {
			done = true
			usage = d.Usage
			continue
		}
		content += d.Content
	}

	assert.True(t, done)
	assert.Equal(t, "你好", content)
	require.NotNil(t, usage)
	assert.Equal(t, 7, usage.TotalTokens)
}

func TestProviderChatStreamTruncated(t *testing.T) {
	// 流在 done 标记之前结束，应产出错误增量
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		fmt.Fprint(w, `{"model":"llama3","message":{"role":"assistant","content":"部分"},"done":false}`+"\n")
	}))
	defer server.Close()

	provider := newTestProvider(server.URL)

	deltas, err := provider.ChatStream(context.Background(), &llm.ChatRequest{
		Messages: []llm.Message{{Role: llm.RoleUser, Content: "hi"}},
	})
	require.NoError(t, err)

	var content string
	var streamErr error
	for d := range deltas {
		if d.Err != nil {
			streamErr = d.Err
			continue
		}
		content += d.Content
	}

	assert.Equal(t, "部分", content)
	assert.Error(t, streamErr)
}

func TestProviderPing(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/tags", r.URL.Path)
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	provider := newTestProvider(server.URL)
	require.NoError(t, provider.Ping(context.Background()))
}
