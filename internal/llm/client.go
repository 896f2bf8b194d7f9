package llm

import "context"

const defaultMaxTokens = 4096

// Message is a single chat message sent to the model.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Request is a provider-independent chat completion request. System is
// optional; MaxTokens defaults to 4096 when zero.
type Request struct {
	System    string
	Messages  []Message
	MaxTokens int
}

// Client is the chat-completion adapter. Calls may block for tens of
// seconds; callers must not hold locks on shared state while waiting.
type Client interface {
	Complete(ctx context.Context, req Request) (string, error)
}
