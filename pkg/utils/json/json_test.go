package json

import (
	"bytes"
	stdjson "encoding/json"
	"sync"
	"testing"
	"time"
)

// 测试用结构，与服务的响应和存储载荷形态一致。
type queryPayload struct {
	Answer   string            `json:"answer"`
	Sources  []string          `json:"sources,omitempty"`
	Provider string            `json:"provider,omitempty"`
	Degraded bool              `json:"degraded"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

type turnPayload struct {
	TurnID    string    `json:"turn_id"`
	Question  string    `json:"question"`
	Answer    string    `json:"answer"`
	Sources   []string  `json:"sources,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

func samplePayload() *queryPayload {
	return &queryPayload{
		Answer:   "Milvus partitions provide tenant isolation.",
		Sources:  []string{"chunk-001", "chunk-002"},
		Provider: "ollama",
		Metadata: map[string]string{"collection": "rag_chunks"},
	}
}

func TestMarshalUnmarshalRoundtrip(t *testing.T) {
	in := samplePayload()

	data, err := Marshal(in)
	if err != nil {
		t.Fatalf("Marshal() error = %v", err)
	}

	var out queryPayload
	if err := Unmarshal(data, &out); err != nil {
		t.Fatalf("Unmarshal() error = %v", err)
	}

	if out.Answer != in.Answer || out.Provider != in.Provider {
		t.Errorf("roundtrip mismatch: got %+v, want %+v", out, in)
	}
	if len(out.Sources) != 2 || out.Sources[0] != "chunk-001" {
		t.Errorf("sources mismatch: %v", out.Sources)
	}
}

func TestMarshalMatchesStdlib(t *testing.T) {
	in := map[string]interface{}{
		"code":    0,
		"message": "success",
		"list":    []string{"a", "b"},
	}

	got, err := Marshal(in)
	if err != nil {
		t.Fatalf("Marshal() error = %v", err)
	}
	want, err := stdjson.Marshal(in)
	if err != nil {
		t.Fatalf("stdlib Marshal() error = %v", err)
	}

	// 两种实现的键序都按字典序输出
	if string(got) != string(want) {
		t.Errorf("Marshal() = %s, stdlib = %s", got, want)
	}
}

func TestUnmarshalTimeField(t *testing.T) {
	in := &turnPayload{
		TurnID:    "01JC3YV7XQ",
		Question:  "what is a partition",
		Answer:    "a physical shard of a collection",
		CreatedAt: time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC),
	}

	data, err := Marshal(in)
	if err != nil {
		t.Fatalf("Marshal() error = %v", err)
	}

	var out turnPayload
	if err := Unmarshal(data, &out); err != nil {
		t.Fatalf("Unmarshal() error = %v", err)
	}
	if !out.CreatedAt.Equal(in.CreatedAt) {
		t.Errorf("CreatedAt = %v, want %v", out.CreatedAt, in.CreatedAt)
	}
}

func TestEncoderDecoder(t *testing.T) {
	var buf bytes.Buffer
	if err := NewEncoder(&buf).Encode(samplePayload()); err != nil {
		t.Fatalf("Encode() error = %v", err)
	}

	var out queryPayload
	if err := NewDecoder(&buf).Decode(&out); err != nil {
		t.Fatalf("Decode() error = %v", err)
	}
	if out.Answer == "" {
		t.Error("Decode() produced empty payload")
	}
}

func TestUnmarshalInvalidInput(t *testing.T) {
	var out queryPayload
	if err := Unmarshal([]byte(`{"answer":`), &out); err == nil {
		t.Error("Unmarshal() expected error for truncated input")
	}
}

func TestConcurrentMarshalUnmarshal(t *testing.T) {
	in := samplePayload()

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				data, err := Marshal(in)
				if err != nil {
					t.Errorf("Marshal() error = %v", err)
					return
				}
				var out queryPayload
				if err := Unmarshal(data, &out); err != nil {
					t.Errorf("Unmarshal() error = %v", err)
					return
				}
			}
		}()
	}
	wg.Wait()
}

func BenchmarkMarshal(b *testing.B) {
	in := samplePayload()
	b.ReportAllocs()
	for i := 0; i < b.N; i++ {
		_, _ = Marshal(in)
	}
}

func BenchmarkMarshalStdlib(b *testing.B) {
	in := samplePayload()
	b.ReportAllocs()
	for i := 0; i < b.N; i++ {
		_, _ = stdjson.Marshal(in)
	}
}

func BenchmarkUnmarshal(b *testing.B) {
	data, _ := Marshal(samplePayload())
	b.ReportAllocs()
	for i := 0; i < b.N; i++ {
		var out queryPayload
		_ = Unmarshal(data, &out)
	}
}
