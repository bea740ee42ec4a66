package openai

import "time"

// ChatCompletionRequest captures the subset of OpenAI's request the bridge
// supports, plus the bridge-specific routing and file-context extensions.
type ChatCompletionRequest struct {
	Model    string        `json:"model"`
	Messages []ChatMessage `json:"messages"`
	Stream   bool          `json:"stream,omitempty"`

	// Bridge extensions
	SessionKey     string       `json:"session_key,omitempty"`
	ConversationID string       `json:"conversation_id,omitempty"`
	BridgeFiles    []BridgeFile `json:"bridge_files,omitempty"`
}

// ChatMessage follows OpenAI's role/content schema (plain text content).
type ChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// BridgeFile names one file to expand into the prompt's file-context block.
type BridgeFile struct {
	Path  string `json:"path"`
	Label string `json:"label,omitempty"`
}

// ChatCompletionResponse mirrors the OpenAI schema with a single choice.
type ChatCompletionResponse struct {
	ID      string                 `json:"id"`
	Object  string                 `json:"object"`
	Created int64                  `json:"created"`
	Model   string                 `json:"model"`
	Choices []ChatCompletionChoice `json:"choices"`
	Usage   UsageBreakdown         `json:"usage"`
}

// ChatCompletionChoice contains the generated message.
type ChatCompletionChoice struct {
	Index        int         `json:"index"`
	FinishReason string      `json:"finish_reason"`
	Message      ChatMessage `json:"message"`
	Logprobs     interface{} `json:"logprobs"`
}

// UsageBreakdown provides token accounting estimates (4 chars ~ 1 token;
// the UI exposes no real counts).
type UsageBreakdown struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// NewCompletionResponse builds a single-choice response with finish_reason
// stop.
func NewCompletionResponse(id, model, content string, usage UsageBreakdown) ChatCompletionResponse {
	return ChatCompletionResponse{
		ID:      id,
		Object:  "chat.completion",
		Created: time.Now().Unix(),
		Model:   model,
		Choices: []ChatCompletionChoice{{
			Index:        0,
			FinishReason: "stop",
			Message:      ChatMessage{Role: "assistant", Content: content},
		}},
		Usage: usage,
	}
}

// EstimateUsage derives the usage placeholders from character counts.
func EstimateUsage(promptChars, completionChars int) UsageBreakdown {
	u := UsageBreakdown{
		PromptTokens:     promptChars/4 + 1,
		CompletionTokens: completionChars/4 + 1,
	}
	u.TotalTokens = u.PromptTokens + u.CompletionTokens
	return u
}

// ErrorBody is the OpenAI-style error envelope.
type ErrorBody struct {
	Error ErrorDetail `json:"error"`
}

// ErrorDetail carries the bridge's closed error code in the code field.
type ErrorDetail struct {
	Message string         `json:"message"`
	Type    string         `json:"type"`
	Code    string         `json:"code"`
	Param   *string        `json:"param"`
	Details map[string]any `json:"details,omitempty"`
}
