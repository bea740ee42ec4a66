package openai

// ChatCompletionChunk represents a chunk in the SSE streaming response.
type ChatCompletionChunk struct {
	ID      string                      `json:"id"`
	Object  string                      `json:"object"`
	Created int64                       `json:"created"`
	Model   string                      `json:"model"`
	Choices []ChatCompletionChunkChoice `json:"choices"`
}

// ChatCompletionChunkChoice represents a choice in a streaming chunk.
type ChatCompletionChunkChoice struct {
	Index        int              `json:"index"`
	Delta        ChatMessageDelta `json:"delta"`
	FinishReason *string          `json:"finish_reason"`
	Logprobs     interface{}      `json:"logprobs"`
}

// ChatMessageDelta represents the incremental content in a stream chunk.
type ChatMessageDelta struct {
	Role    string `json:"role,omitempty"`
	Content string `json:"content,omitempty"`
}

// NewRoleChunk builds the opening role-only delta frame.
func NewRoleChunk(id, model string, created int64) ChatCompletionChunk {
	return ChatCompletionChunk{
		ID:      id,
		Object:  "chat.completion.chunk",
		Created: created,
		Model:   model,
		Choices: []ChatCompletionChunkChoice{{
			Delta: ChatMessageDelta{Role: "assistant"},
		}},
	}
}

// NewContentChunk builds a content delta frame.
func NewContentChunk(id, model string, created int64, content string) ChatCompletionChunk {
	return ChatCompletionChunk{
		ID:      id,
		Object:  "chat.completion.chunk",
		Created: created,
		Model:   model,
		Choices: []ChatCompletionChunkChoice{{
			Delta: ChatMessageDelta{Content: content},
		}},
	}
}

// NewStopChunk builds the closing frame carrying finish_reason stop.
func NewStopChunk(id, model string, created int64) ChatCompletionChunk {
	stop := "stop"
	return ChatCompletionChunk{
		ID:      id,
		Object:  "chat.completion.chunk",
		Created: created,
		Model:   model,
		Choices: []ChatCompletionChunkChoice{{
			Delta:        ChatMessageDelta{},
			FinishReason: &stop,
		}},
	}
}
