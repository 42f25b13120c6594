package agent

import (
	"encoding/json"
	"strings"
	"time"
)

// Role tags a conversation turn.
type Role string

const (
	RoleUser       Role = "user"
	RoleAssistant  Role = "assistant"
	RoleToolResult Role = "tool-result"
)

// Turn is one entry of a conversation. The conversation for a Process
// invocation is append-only and owned by that invocation; turns are appended
// in strict decision-then-result order and never reordered.
type Turn struct {
	Role       Role       `json:"role"`
	Content    string     `json:"content"`
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`   // assistant turns
	ToolCallID string     `json:"tool_call_id,omitempty"` // tool-result turns
	IsError    bool       `json:"is_error,omitempty"`     // tool-result carrying a failure
}

// ToolCall is a model-requested tool invocation. Arguments are kept as raw
// JSON so they reach the tool exactly as the model produced them, with no
// coercion.
type ToolCall struct {
	ID        string          `json:"id"`
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments"`
}

// BlockType discriminates model response content blocks.
type BlockType string

const (
	BlockText    BlockType = "text"
	BlockToolUse BlockType = "tool-use"
)

// ContentBlock is one element of a model reply, in the order the model
// produced it. A tagged union: exactly one of Text or ToolCall is set,
// according to Type.
type ContentBlock struct {
	Type     BlockType
	Text     string
	ToolCall ToolCall
}

// ModelReply is one model turn's response.
type ModelReply struct {
	Blocks []ContentBlock
	Usage  TokenUsage
}

// ToolUseCount returns the number of tool-use blocks in the reply.
func (r *ModelReply) ToolUseCount() int {
	n := 0
	for _, block := range r.Blocks {
		if block.Type == BlockToolUse {
			n++
		}
	}
	return n
}

// TokenUsage tracks token consumption for one model turn.
type TokenUsage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// InvocationRecord captures one executed tool call: the arguments exactly as
// received and, after execution, either a result payload or a failure.
type InvocationRecord struct {
	ID        string          `json:"id"`
	Tool      string          `json:"tool"`
	Arguments json.RawMessage `json:"arguments"`
	Result    string          `json:"result,omitempty"`
	Error     string          `json:"error,omitempty"`
	Duration  time.Duration   `json:"duration"`
}

// AuthProfile represents authentication credentials for LLM providers.
type AuthProfile struct {
	ID            string `json:"id"`
	Provider      string `json:"provider"` // "anthropic", "openai"
	APIKey        string `json:"api_key"`
	CooldownUntil *int64 `json:"cooldown_until,omitempty"`
	FailureCount  int    `json:"failure_count"`
	Priority      int    `json:"priority"`
}

// LoopConfig configures the tool loop.
type LoopConfig struct {
	Model            string  `json:"model"`
	MaxTokens        int     `json:"max_tokens"`
	Temperature      float64 `json:"temperature,omitempty"`
	MaxRounds        int     `json:"max_rounds"`
	NarrateToolCalls bool    `json:"narrate_tool_calls"`
}

// DefaultLoopConfig returns the default tool loop configuration.
func DefaultLoopConfig() LoopConfig {
	return LoopConfig{
		Model:            "claude-3-5-sonnet-20241022",
		MaxTokens:        1000,
		MaxRounds:        10,
		NarrateToolCalls: true,
	}
}

// IsRetryableError checks if a provider error is worth trying on another
// profile.
func IsRetryableError(err error) bool {
	if err == nil {
		return false
	}

	msg := err.Error()

	// Network errors
	if strings.Contains(msg, "ECONNRESET") || strings.Contains(msg, "ETIMEDOUT") {
		return true
	}

	// Rate limits
	if strings.Contains(msg, "429") || strings.Contains(msg, "rate limit") {
		return true
	}

	// Server errors
	for _, code := range []string{"500", "502", "503", "504"} {
		if strings.Contains(msg, code) {
			return true
		}
	}

	return false
}
