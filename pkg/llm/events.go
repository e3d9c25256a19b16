package llm

// EventKind 标识生成事件的类型。
type EventKind string

const (
	// EventTextDelta 一段增量文本。
	EventTextDelta EventKind = "text_delta"

	// EventSources 本次回答引用的 chunk ID 列表，在首个增量之前发出。
	EventSources EventKind = "sources"

	// EventCompleted 生成正常结束，Text 为完整回答。
	EventCompleted EventKind = "completed"

	// EventFailed 生成失败，Partial 保留已产生的部分文本。
	EventFailed EventKind = "failed"
)

// GenerationEvent 是生成适配器向上游推送的事件单元。
// 每次生成以一个 EventCompleted 或 EventFailed 终结；
// 调用方取消时 channel 直接关闭，不发终结事件。
type GenerationEvent struct {
	Kind EventKind `json:"kind"`

	// Text 对 EventTextDelta 是增量，对 EventCompleted 是完整文本。
	Text string `json:"text,omitempty"`

	// Sources 仅 EventSources 使用。
	Sources []string `json:"sources,omitempty"`

	// Provider 实际产生本事件的供应商名称。
	Provider string `json:"provider,omitempty"`

	// Usage 仅 EventCompleted 可能携带。
	Usage *TokenUsage `json:"usage,omitempty"`

	// Err 仅 EventFailed 使用。
	Err error `json:"-"`

	// Partial 仅 EventFailed 使用：失败前已经流出的文本。
	Partial string `json:"partial,omitempty"`
}

// TextDeltaEvent 构造增量文本事件。
func TextDeltaEvent(text, provider string) GenerationEvent {
	return GenerationEvent{Kind: EventTextDelta, Text: text, Provider: provider}
}

// SourcesEvent 构造来源公告事件。
func SourcesEvent(chunkIDs []string) GenerationEvent {
	return GenerationEvent{Kind: EventSources, Sources: chunkIDs}
}

// CompletedEvent 构造完成事件。
func CompletedEvent(fullText, provider string, usage *TokenUsage) GenerationEvent {
	return GenerationEvent{Kind: EventCompleted, Text: fullText, Provider: provider, Usage: usage}
}

// FailedEvent 构造失败事件，partial 为已流出的文本。
func FailedEvent(err error, partial, provider string) GenerationEvent {
	return GenerationEvent{Kind: EventFailed, Err: err, Partial: partial, Provider: provider}
}
