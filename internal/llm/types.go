package llm

import (
	"context"
	"errors"
	"strings"
)

const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

type ChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// CompletionRequest is one user turn to answer.
type CompletionRequest struct {
	Message string
	History []ChatMessage
	Mode    Mode
	// TokenBudget is the requested reply length. Zero picks the mode default;
	// anything above the configured ceiling is clamped.
	TokenBudget int
}

func (r *CompletionRequest) Validate() error {
	if strings.TrimSpace(r.Message) == "" {
		return errors.New("message is required")
	}
	if r.TokenBudget < 0 {
		return errors.New("token budget must not be negative")
	}
	if len(r.Message) > maxMessageSize {
		return errors.New("message is too large")
	}
	return nil
}

type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// Completion is a successful reply.
type Completion struct {
	Reply        string
	Model        string
	FinishReason string
	Usage        *Usage
	// Attempts is how many upstream attempts it took.
	Attempts int
	// TokenBudget is the max_tokens of the attempt that succeeded.
	TokenBudget int
}

// Client issues chat completions. Errors are *Error values (possibly
// wrapped); use KindOf to classify them.
type Client interface {
	Complete(ctx context.Context, req *CompletionRequest) (*Completion, error)
}
