package agent

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/harida/titian/pkg/bridge"
	"github.com/harida/titian/pkg/mcp"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// toolServer is an in-memory MCP server behind the bridge: it answers
// tools/list with a fixed catalog and delegates tools/call to a handler.
type toolServer struct {
	mu    sync.Mutex
	calls []toolServerCall
}

type toolServerCall struct {
	Name      string
	Arguments json.RawMessage
}

func (ts *toolServer) record(name string, args json.RawMessage) {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	ts.calls = append(ts.calls, toolServerCall{Name: name, Arguments: args})
}

func (ts *toolServer) callCount() int {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	return len(ts.calls)
}

// newToolBridge builds a connected bridge whose session talks to an in-memory
// server exposing the given tools.
func newToolBridge(t *testing.T, tools []mcp.Tool, handle func(name string, args json.RawMessage) (*mcp.ToolResult, error)) (*bridge.Bridge, *toolServer) {
	t.Helper()

	ts := &toolServer{}
	b := bridge.New(bridge.Config{
		Timeout: 5 * time.Second,
		Logger:  zerolog.Nop(),
		Dialer: func(ctx context.Context, script string, logger zerolog.Logger) (*mcp.Session, error) {
			stdinR, stdinW := io.Pipe()
			stdoutR, stdoutW := io.Pipe()
			t.Cleanup(func() { _ = stdoutW.Close() })

			go serveTools(stdinR, stdoutW, tools, ts, handle)
			return mcp.NewSession(stdinW, stdoutR, logger), nil
		},
	})
	require.NoError(t, b.Connect(context.Background(), "server.py"))
	t.Cleanup(func() { _ = b.Close() })
	return b, ts
}

func serveTools(r io.Reader, w io.Writer, tools []mcp.Tool, ts *toolServer, handle func(name string, args json.RawMessage) (*mcp.ToolResult, error)) {
	type rpcResponse struct {
		JSONRPC string      `json:"jsonrpc"`
		Result  interface{} `json:"result,omitempty"`
		Error   interface{} `json:"error,omitempty"`
		ID      int         `json:"id"`
	}

	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		var req struct {
			Method string `json:"method"`
			Params struct {
				Name      string          `json:"name"`
				Arguments json.RawMessage `json:"arguments"`
			} `json:"params"`
			ID *int `json:"id"`
		}
		if err := json.Unmarshal(scanner.Bytes(), &req); err != nil || req.ID == nil {
			continue
		}

		resp := rpcResponse{JSONRPC: "2.0", ID: *req.ID}
		switch req.Method {
		case "tools/list":
			resp.Result = map[string]interface{}{"tools": tools}
		case "tools/call":
			ts.record(req.Params.Name, req.Params.Arguments)
			result, err := handle(req.Params.Name, req.Params.Arguments)
			if err != nil {
				resp.Error = map[string]interface{}{"code": -32000, "message": err.Error()}
			} else {
				resp.Result = result
			}
		default:
			resp.Error = map[string]interface{}{"code": -32601, "message": "method not found"}
		}

		line, err := json.Marshal(resp)
		if err != nil {
			continue
		}
		if _, err := w.Write(append(line, '\n')); err != nil {
			return
		}
	}
}

// scriptedProvider replays a fixed sequence of replies and records every
// request it receives.
type scriptedProvider struct {
	name    string
	replies []*ModelReply
	errs    []error

	mu       sync.Mutex
	requests []LLMRequest
}

func (p *scriptedProvider) Complete(ctx context.Context, request LLMRequest) (*ModelReply, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.requests = append(p.requests, request)

	i := len(p.requests) - 1
	if i < len(p.errs) && p.errs[i] != nil {
		return nil, p.errs[i]
	}
	if i < len(p.replies) {
		return p.replies[i], nil
	}
	return nil, fmt.Errorf("scripted provider exhausted after %d turns", len(p.replies))
}

func (p *scriptedProvider) Name() string { return p.name }

func (p *scriptedProvider) turnCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.requests)
}

func (p *scriptedProvider) request(i int) LLMRequest {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.requests[i]
}

// scriptedFactory hands out one fixed provider per profile ID.
type scriptedFactory struct {
	providers map[string]*scriptedProvider
}

func (f *scriptedFactory) NewProvider(profile AuthProfile) (LLMProvider, error) {
	provider, ok := f.providers[profile.ID]
	if !ok {
		return nil, fmt.Errorf("no provider for profile %s", profile.ID)
	}
	return provider, nil
}

func textBlock(text string) ContentBlock {
	return ContentBlock{Type: BlockText, Text: text}
}

func toolUseBlock(id, name, args string) ContentBlock {
	return ContentBlock{Type: BlockToolUse, ToolCall: ToolCall{
		ID:        id,
		Name:      name,
		Arguments: json.RawMessage(args),
	}}
}

var addTool = mcp.Tool{
	Name:        "add",
	Description: "Add two numbers",
	InputSchema: json.RawMessage(`{"type":"object","properties":{"a":{"type":"number"},"b":{"type":"number"}},"required":["a","b"]}`),
}

func addHandler(name string, args json.RawMessage) (*mcp.ToolResult, error) {
	var in struct{ A, B float64 }
	if err := json.Unmarshal(args, &in); err != nil {
		return nil, err
	}
	return &mcp.ToolResult{Content: []mcp.ContentBlock{
		{Type: "text", Text: fmt.Sprintf("%g", in.A+in.B)},
	}}, nil
}

func newTestRunner(t *testing.T, b *bridge.Bridge, provider *scriptedProvider, loop LoopConfig) *Runner {
	t.Helper()
	runner, err := NewRunner(Config{
		Bridge:          b,
		AuthProfiles:    []AuthProfile{{ID: "p1", Provider: "anthropic", APIKey: "key"}},
		ProviderFactory: &scriptedFactory{providers: map[string]*scriptedProvider{"p1": provider}},
		Loop:            loop,
		Logger:          zerolog.Nop(),
	})
	require.NoError(t, err)
	return runner
}

func TestNewRunner_Validation(t *testing.T) {
	b, _ := newToolBridge(t, nil, addHandler)
	profiles := []AuthProfile{{ID: "p1", Provider: "anthropic", APIKey: "key"}}

	_, err := NewRunner(Config{AuthProfiles: profiles, Loop: DefaultLoopConfig()})
	assert.ErrorContains(t, err, "bridge")

	_, err = NewRunner(Config{Bridge: b, Loop: DefaultLoopConfig()})
	assert.ErrorContains(t, err, "auth profile")

	loop := DefaultLoopConfig()
	loop.Model = ""
	_, err = NewRunner(Config{Bridge: b, AuthProfiles: profiles, Loop: loop})
	assert.ErrorContains(t, err, "model")

	loop = DefaultLoopConfig()
	loop.MaxRounds = 0
	_, err = NewRunner(Config{Bridge: b, AuthProfiles: profiles, Loop: loop})
	assert.ErrorContains(t, err, "rounds")
}

func TestRunner_DirectAnswer(t *testing.T) {
	b, ts := newToolBridge(t, []mcp.Tool{addTool}, addHandler)
	provider := &scriptedProvider{name: "anthropic", replies: []*ModelReply{
		{Blocks: []ContentBlock{textBlock("Paris is the capital of France.")}},
	}}
	runner := newTestRunner(t, b, provider, DefaultLoopConfig())

	answer, err := runner.Process(context.Background(), "capital of France?")
	require.NoError(t, err)
	assert.Equal(t, "Paris is the capital of France.", answer)
	assert.Equal(t, 1, provider.turnCount())
	assert.Zero(t, ts.callCount())

	// The catalog reaches the model even on turns that use no tools.
	request := provider.request(0)
	require.Len(t, request.Tools, 1)
	assert.Equal(t, "add", request.Tools[0].Name)
	require.Len(t, request.Turns, 1)
	assert.Equal(t, RoleUser, request.Turns[0].Role)
	assert.Equal(t, "capital of France?", request.Turns[0].Content)
}

func TestRunner_LastRunID(t *testing.T) {
	b, _ := newToolBridge(t, []mcp.Tool{addTool}, addHandler)
	provider := &scriptedProvider{name: "anthropic", replies: []*ModelReply{
		{Blocks: []ContentBlock{textBlock("first answer")}},
		{Blocks: []ContentBlock{textBlock("second answer")}},
	}}
	runner := newTestRunner(t, b, provider, DefaultLoopConfig())

	assert.Empty(t, runner.LastRunID())

	_, err := runner.Process(context.Background(), "first?")
	require.NoError(t, err)
	firstRun := runner.LastRunID()
	_, err = uuid.Parse(firstRun)
	require.NoError(t, err)

	_, err = runner.Process(context.Background(), "second?")
	require.NoError(t, err)
	assert.NotEqual(t, firstRun, runner.LastRunID())
}

func TestRunner_ToolRoundTrip(t *testing.T) {
	b, ts := newToolBridge(t, []mcp.Tool{addTool}, addHandler)
	provider := &scriptedProvider{name: "anthropic", replies: []*ModelReply{
		{Blocks: []ContentBlock{
			textBlock("Let me add those."),
			toolUseBlock("call-1", "add", `{"a":2,"b":2}`),
		}},
		{Blocks: []ContentBlock{textBlock("2 + 2 = 4")}},
	}}
	runner := newTestRunner(t, b, provider, DefaultLoopConfig())

	answer, err := runner.Process(context.Background(), "what is 2+2?")
	require.NoError(t, err)
	assert.Equal(t, "Let me add those.\n[Calling tool add with args {\"a\":2,\"b\":2}]\n2 + 2 = 4", answer)

	// Arguments reach the server exactly as the model produced them.
	require.Equal(t, 1, ts.callCount())
	assert.Equal(t, "add", ts.calls[0].Name)
	assert.JSONEq(t, `{"a":2,"b":2}`, string(ts.calls[0].Arguments))

	// Second model turn sees user, assistant-with-tool-call, tool-result, in
	// that order.
	require.Equal(t, 2, provider.turnCount())
	turns := provider.request(1).Turns
	require.Len(t, turns, 3)
	assert.Equal(t, RoleUser, turns[0].Role)
	assert.Equal(t, RoleAssistant, turns[1].Role)
	require.Len(t, turns[1].ToolCalls, 1)
	assert.Equal(t, "call-1", turns[1].ToolCalls[0].ID)
	assert.Equal(t, RoleToolResult, turns[2].Role)
	assert.Equal(t, "call-1", turns[2].ToolCallID)
	assert.Equal(t, "4", turns[2].Content)
	assert.False(t, turns[2].IsError)
}

func TestRunner_NarrationDisabled(t *testing.T) {
	b, _ := newToolBridge(t, []mcp.Tool{addTool}, addHandler)
	provider := &scriptedProvider{name: "anthropic", replies: []*ModelReply{
		{Blocks: []ContentBlock{toolUseBlock("call-1", "add", `{"a":1,"b":1}`)}},
		{Blocks: []ContentBlock{textBlock("2")}},
	}}
	loop := DefaultLoopConfig()
	loop.NarrateToolCalls = false
	runner := newTestRunner(t, b, provider, loop)

	answer, err := runner.Process(context.Background(), "1+1?")
	require.NoError(t, err)
	assert.Equal(t, "2", answer)
}

func TestRunner_ToolFailureIsNonFatal(t *testing.T) {
	b, _ := newToolBridge(t, []mcp.Tool{addTool}, func(name string, args json.RawMessage) (*mcp.ToolResult, error) {
		return nil, errors.New("backend unavailable")
	})
	provider := &scriptedProvider{name: "anthropic", replies: []*ModelReply{
		{Blocks: []ContentBlock{toolUseBlock("call-1", "add", `{"a":2,"b":2}`)}},
		{Blocks: []ContentBlock{textBlock("The add tool is unavailable right now.")}},
	}}
	runner := newTestRunner(t, b, provider, DefaultLoopConfig())

	answer, err := runner.Process(context.Background(), "what is 2+2?")
	require.NoError(t, err, "a failing tool must not abort the query")
	assert.Contains(t, answer, "The add tool is unavailable right now.")

	turns := provider.request(1).Turns
	last := turns[len(turns)-1]
	assert.Equal(t, RoleToolResult, last.Role)
	assert.True(t, last.IsError)
	assert.Contains(t, last.Content, "add")
	assert.Contains(t, last.Content, "backend unavailable")
}

func TestRunner_InvalidArgumentsSkipInvocation(t *testing.T) {
	b, ts := newToolBridge(t, []mcp.Tool{addTool}, addHandler)
	provider := &scriptedProvider{name: "anthropic", replies: []*ModelReply{
		{Blocks: []ContentBlock{toolUseBlock("call-1", "add", `{"a":"two"}`)}},
		{Blocks: []ContentBlock{textBlock("Those arguments were invalid.")}},
	}}
	runner := newTestRunner(t, b, provider, DefaultLoopConfig())

	_, err := runner.Process(context.Background(), "add two and nothing")
	require.NoError(t, err)

	// The schema rejected the arguments before any invocation happened.
	assert.Zero(t, ts.callCount())
	turns := provider.request(1).Turns
	last := turns[len(turns)-1]
	assert.Equal(t, RoleToolResult, last.Role)
	assert.True(t, last.IsError)
}

func TestRunner_LoopBound(t *testing.T) {
	b, ts := newToolBridge(t, []mcp.Tool{addTool}, addHandler)

	// The model never stops asking for tools.
	replies := make([]*ModelReply, 0, 4)
	for i := 0; i < 4; i++ {
		replies = append(replies, &ModelReply{Blocks: []ContentBlock{
			toolUseBlock(fmt.Sprintf("call-%d", i), "add", `{"a":1,"b":1}`),
		}})
	}
	provider := &scriptedProvider{name: "anthropic", replies: replies}

	loop := DefaultLoopConfig()
	loop.MaxRounds = 3
	runner := newTestRunner(t, b, provider, loop)

	answer, err := runner.Process(context.Background(), "loop forever")
	require.Error(t, err)

	var boundErr *LoopBoundError
	require.True(t, errors.As(err, &boundErr))
	assert.Equal(t, 3, boundErr.Rounds)
	assert.Equal(t, 3, provider.turnCount())
	assert.Equal(t, 3, ts.callCount())
	assert.Contains(t, answer, "[Calling tool add")
}

func TestRunner_DiscoveryFailureAborts(t *testing.T) {
	b := bridge.New(bridge.Config{Timeout: time.Second, Logger: zerolog.Nop()})
	provider := &scriptedProvider{name: "anthropic"}
	runner := newTestRunner(t, b, provider, DefaultLoopConfig())

	answer, err := runner.Process(context.Background(), "anything")
	require.Error(t, err)

	var discErr *DiscoveryError
	require.True(t, errors.As(err, &discErr))
	assert.ErrorIs(t, err, bridge.ErrNotConnected)
	assert.Empty(t, answer)
	assert.Zero(t, provider.turnCount(), "no model turn without a catalog")
}

func TestRunner_ModelErrorKeepsPartialText(t *testing.T) {
	b, _ := newToolBridge(t, []mcp.Tool{addTool}, addHandler)
	provider := &scriptedProvider{
		name: "anthropic",
		replies: []*ModelReply{
			{Blocks: []ContentBlock{
				textBlock("Working on it."),
				toolUseBlock("call-1", "add", `{"a":2,"b":2}`),
			}},
			nil,
		},
		errs: []error{nil, errors.New("invalid api key")},
	}
	runner := newTestRunner(t, b, provider, DefaultLoopConfig())

	answer, err := runner.Process(context.Background(), "what is 2+2?")
	require.Error(t, err)

	var modelErr *ModelError
	require.True(t, errors.As(err, &modelErr))
	assert.Equal(t, "anthropic", modelErr.Provider)
	assert.Contains(t, answer, "Working on it.")
}

func TestRunner_FailoverBetweenProfiles(t *testing.T) {
	b, _ := newToolBridge(t, []mcp.Tool{addTool}, addHandler)

	primary := &scriptedProvider{name: "anthropic", errs: []error{errors.New("429 rate limit exceeded")}}
	secondary := &scriptedProvider{name: "openai", replies: []*ModelReply{
		{Blocks: []ContentBlock{textBlock("Answer from the fallback.")}},
	}}

	runner, err := NewRunner(Config{
		Bridge: b,
		AuthProfiles: []AuthProfile{
			{ID: "primary", Provider: "anthropic", APIKey: "k1", Priority: 0},
			{ID: "secondary", Provider: "openai", APIKey: "k2", Priority: 1},
		},
		ProviderFactory: &scriptedFactory{providers: map[string]*scriptedProvider{
			"primary":   primary,
			"secondary": secondary,
		}},
		Loop:   DefaultLoopConfig(),
		Logger: zerolog.Nop(),
	})
	require.NoError(t, err)

	answer, err := runner.Process(context.Background(), "anything")
	require.NoError(t, err)
	assert.Equal(t, "Answer from the fallback.", answer)
	assert.Equal(t, 1, primary.turnCount())
	assert.Equal(t, 1, secondary.turnCount())

	// The failed profile is now cooling down.
	runner.authMu.RLock()
	defer runner.authMu.RUnlock()
	for _, profile := range runner.authProfiles {
		if profile.ID == "primary" {
			assert.Equal(t, 1, profile.FailureCount)
			require.NotNil(t, profile.CooldownUntil)
			assert.Greater(t, *profile.CooldownUntil, time.Now().UnixMilli())
		}
	}
}

func TestRunner_NonRetryableErrorSkipsFailover(t *testing.T) {
	b, _ := newToolBridge(t, []mcp.Tool{addTool}, addHandler)

	primary := &scriptedProvider{name: "anthropic", errs: []error{errors.New("invalid api key")}}
	secondary := &scriptedProvider{name: "openai", replies: []*ModelReply{
		{Blocks: []ContentBlock{textBlock("should not be reached")}},
	}}

	runner, err := NewRunner(Config{
		Bridge: b,
		AuthProfiles: []AuthProfile{
			{ID: "primary", Provider: "anthropic", APIKey: "k1", Priority: 0},
			{ID: "secondary", Provider: "openai", APIKey: "k2", Priority: 1},
		},
		ProviderFactory: &scriptedFactory{providers: map[string]*scriptedProvider{
			"primary":   primary,
			"secondary": secondary,
		}},
		Loop:   DefaultLoopConfig(),
		Logger: zerolog.Nop(),
	})
	require.NoError(t, err)

	_, err = runner.Process(context.Background(), "anything")
	require.Error(t, err)
	assert.Equal(t, 1, primary.turnCount())
	assert.Zero(t, secondary.turnCount(), "auth failures must not fail over")
}

func TestIsRetryableError(t *testing.T) {
	assert.False(t, IsRetryableError(nil))
	assert.False(t, IsRetryableError(errors.New("invalid api key")))
	assert.True(t, IsRetryableError(errors.New("429 too many requests")))
	assert.True(t, IsRetryableError(errors.New("rate limit exceeded")))
	assert.True(t, IsRetryableError(errors.New("upstream returned 503")))
	assert.True(t, IsRetryableError(errors.New("read tcp: ECONNRESET")))
}
