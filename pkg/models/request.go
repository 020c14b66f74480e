package models

// ChatMessage represents a single message in an OpenAI-compatible chat conversation.
type ChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// ChatCompletionRequest is an OpenAI-compatible chat completion request.
type ChatCompletionRequest struct {
	Model       string        `json:"model,omitempty"`
	Messages    []ChatMessage `json:"messages"`
	Temperature *float64      `json:"temperature,omitempty"`
	MaxTokens   *int          `json:"max_tokens,omitempty"`
}

// ChatCompletionResponse is an OpenAI-compatible chat completion response.
type ChatCompletionResponse struct {
	ID      string   `json:"id"`
	Object  string   `json:"object"`
	Created int64    `json:"created"`
	Model   string   `json:"model"`
	Choices []Choice `json:"choices"`
	Usage   *Usage   `json:"usage,omitempty"`
}

// Choice represents a single completion choice.
type Choice struct {
	Index        int         `json:"index"`
	Message      ChatMessage `json:"message"`
	FinishReason string      `json:"finish_reason"`
}

// Usage represents token usage from an LLM response.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// AskRequest is the inbound question accepted by the coordinator.
type AskRequest struct {
	Question        string `json:"question"`
	SessionID       string `json:"session_id,omitempty"`
	NewConversation bool   `json:"new_conversation,omitempty"`
	// BypassCache skips the cache lookup; the fresh answer is still stored.
	BypassCache bool `json:"bypass_cache,omitempty"`
}

// AskResponse is the answer returned for an AskRequest.
type AskResponse struct {
	Answer             string             `json:"answer"`
	ChatHistory        []ChatTurn         `json:"chat_history"`
	SessionID          string             `json:"session_id"`
	Status             string             `json:"status"`
	PerformanceMetrics PerformanceMetrics `json:"performance_metrics"`
}

// StatusSuccess is the AskResponse status for answered questions.
const StatusSuccess = "success"
