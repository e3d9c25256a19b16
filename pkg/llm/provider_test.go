package llm

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// mockProvider 模拟供应商实现，用于测试。
type mockProvider struct {
	name string
}

func (m *mockProvider) Name() string {
	return m.name
}

func (m *mockProvider) Embed(_ context.Context, texts []string) ([][]float32, error) {
	result := make([][]float32, len(texts))
	for i := range texts {
		result[i] = []float32{0.1, 0.2, 0.3}
	}
	return result, nil
}

func (m *mockProvider) EmbedSingle(_ context.Context, _ string) ([]float32, error) {
	return []float32{0.1, 0.2, 0.3}, nil
}

func (m *mockProvider) Chat(_ context.Context, _ *ChatRequest) (*ChatResponse, error) {
	return &ChatResponse{Content: "mock response"}, nil
}

func (m *mockProvider) ChatStream(ctx context.Context, _ *ChatRequest) (<-chan StreamDelta, error) {
	ch := make(chan StreamDelta, 2)
	ch <- StreamDelta{Content: "mock response"}
	ch <- StreamDelta{Done: true}
	close(ch)
	return ch, nil
}

func TestRegisterAndNewProvider(t *testing.T) {
	RegisterProvider("test-provider", func(config map[string]any) (Provider, error) {
		name := "test-provider"
		if n, ok := config["name"].(string); ok {
			name = n
		}
		return &mockProvider{name: name}, nil
	})

	provider, err := NewProvider("test-provider", map[string]any{"name": "custom-name"})
	require.NoError(t, err)
	assert.Equal(t, "custom-name", provider.Name())
}

func TestNewProviderUnknown(t *testing.T) {
	_, err := NewProvider("unknown-provider", nil)
	assert.Error(t, err)
}

func TestNewEmbeddingProvider(t *testing.T) {
	RegisterEmbeddingProvider("embed-only", func(config map[string]any) (EmbeddingProvider, error) {
		return &mockProvider{name: "embed-only"}, nil
	})

	provider, err := NewEmbeddingProvider("embed-only", nil)
	require.NoError(t, err)
	assert.Equal(t, "embed-only", provider.Name())

	// 回退到完整供应商
	RegisterProvider("test-provider", func(config map[string]any) (Provider, error) {
		return &mockProvider{name: "test-provider"}, nil
	})
	provider2, err := NewEmbeddingProvider("test-provider", nil)
	require.NoError(t, err)
	assert.NotNil(t, provider2)
}

func TestNewChatProvider(t *testing.T) {
	RegisterChatProvider("chat-only", func(config map[string]any) (ChatProvider, error) {
		return &mockProvider{name: "chat-only"}, nil
	})

	provider, err := NewChatProvider("chat-only", nil)
	require.NoError(t, err)
	assert.Equal(t, "chat-only", provider.Name())
}

func TestListProviders(t *testing.T) {
	RegisterProvider("test-provider", func(config map[string]any) (Provider, error) {
		return &mockProvider{name: "test-provider"}, nil
	})

	providers := ListProviders()
	assert.Contains(t, providers, "test-provider")
}

func TestMessageRole(t *testing.T) {
	tests := []struct {
		role     Role
		expected string
	}{
		{RoleSystem, "system"},
		{RoleUser, "user"},
		{RoleAssistant, "assistant"},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.expected, string(tt.role))
	}
}

func TestMockProviderChatStream(t *testing.T) {
	provider := &mockProvider{name: "test"}

	deltas, err := provider.ChatStream(context.Background(), &ChatRequest{
		Messages: []Message{{Role: RoleUser, Content: "Hello"}},
	})
	require.NoError(t, err)

	var content string
	var done bool
	for d := range deltas {
		if d.Done {
			done = true
			continue
		}
		content += d.Content
	}
	assert.True(t, done)
	assert.Equal(t, "mock response", content)
}
