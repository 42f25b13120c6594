package mcp

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os/exec"
	"sync"

	"github.com/rs/zerolog"
)

// Session is the live connection to one MCP server. It speaks
// newline-delimited JSON-RPC over the server's stdio, routing responses back
// to callers by request ID through a reader goroutine.
//
// Session is not safe for unmediated concurrent use; the tool-session
// protocol carries no multiplexing guarantee, so callers go through
// bridge.Bridge, which serializes access.
type Session struct {
	stdin io.WriteCloser
	proc  *exec.Cmd

	writeMu sync.Mutex

	mu      sync.Mutex
	nextID  int
	pending map[int]chan *response
	closed  bool

	serverInfo ServerInfo
	logger     zerolog.Logger
}

// NewSession wraps an existing transport pair. The reader goroutine starts
// immediately. Used directly by tests; production sessions come from Connect.
func NewSession(stdin io.WriteCloser, stdout io.Reader, logger zerolog.Logger) *Session {
	s := &Session{
		stdin:   stdin,
		pending: make(map[int]chan *response),
		logger:  logger.With().Str("component", "mcp").Logger(),
	}
	go s.listen(stdout)
	return s
}

// Connect spawns the server script under its interpreter and performs the
// initialize handshake. A failed connect leaves no partial session behind.
func Connect(ctx context.Context, script string, logger zerolog.Logger) (*Session, error) {
	command, err := CommandForScript(script)
	if err != nil {
		return nil, err
	}

	cmd := exec.Command(command, script)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("opening server stdin: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("opening server stdout: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("starting %s server: %w", command, err)
	}

	s := NewSession(stdin, stdout, logger)
	s.proc = cmd

	if err := s.initialize(ctx); err != nil {
		_ = s.Close()
		return nil, fmt.Errorf("initialize handshake: %w", err)
	}

	s.logger.Info().
		Str("script", script).
		Str("server", s.ServerInfo().Name).
		Msg("MCP session established")

	return s, nil
}

func (s *Session) initialize(ctx context.Context) error {
	params := map[string]interface{}{
		"protocolVersion": ProtocolVersion,
		"capabilities":    map[string]interface{}{},
		"clientInfo": map[string]interface{}{
			"name":    clientName,
			"version": clientVersion,
		},
	}

	resp, err := s.call(ctx, "initialize", params)
	if err != nil {
		return err
	}

	var result initializeResult
	if err := json.Unmarshal(resp.Result, &result); err != nil {
		return fmt.Errorf("decoding initialize result: %w", err)
	}

	s.mu.Lock()
	s.serverInfo = result.ServerInfo
	s.mu.Unlock()

	return s.notify("notifications/initialized", nil)
}

// ServerInfo returns the identity the server reported during the handshake.
func (s *Session) ServerInfo() ServerInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.serverInfo
}

// ListTools fetches the server's tool catalog.
func (s *Session) ListTools(ctx context.Context) ([]Tool, error) {
	resp, err := s.call(ctx, "tools/list", nil)
	if err != nil {
		return nil, err
	}

	var result listToolsResult
	if err := json.Unmarshal(resp.Result, &result); err != nil {
		return nil, fmt.Errorf("decoding tools/list result: %w", err)
	}
	return result.Tools, nil
}

// CallTool invokes one tool. Arguments are forwarded exactly as supplied;
// the session never reshapes them.
func (s *Session) CallTool(ctx context.Context, name string, args json.RawMessage) (*ToolResult, error) {
	if len(args) == 0 {
		args = json.RawMessage(`{}`)
	}

	resp, err := s.call(ctx, "tools/call", map[string]interface{}{
		"name":      name,
		"arguments": args,
	})
	if err != nil {
		return nil, err
	}

	var result ToolResult
	if err := json.Unmarshal(resp.Result, &result); err != nil {
		return nil, fmt.Errorf("decoding tools/call result: %w", err)
	}
	return &result, nil
}

// ListResources fetches resource listings from servers that expose them.
func (s *Session) ListResources(ctx context.Context) ([]Resource, error) {
	resp, err := s.call(ctx, "resources/list", nil)
	if err != nil {
		return nil, err
	}

	var result listResourcesResult
	if err := json.Unmarshal(resp.Result, &result); err != nil {
		return nil, fmt.Errorf("decoding resources/list result: %w", err)
	}
	return result.Resources, nil
}

// ReadResource reads one resource; the payload is passed through untouched.
func (s *Session) ReadResource(ctx context.Context, uri string) (json.RawMessage, error) {
	resp, err := s.call(ctx, "resources/read", map[string]interface{}{"uri": uri})
	if err != nil {
		return nil, err
	}
	return resp.Result, nil
}

// call sends one request and blocks until its response arrives, the context
// is canceled, or the session closes. Timeouts are the caller's concern.
func (s *Session) call(ctx context.Context, method string, params interface{}) (*response, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, ErrSessionClosed
	}
	s.nextID++
	id := s.nextID
	ch := make(chan *response, 1)
	s.pending[id] = ch
	s.mu.Unlock()

	if err := s.write(request{JSONRPC: "2.0", Method: method, Params: params, ID: id}); err != nil {
		s.mu.Lock()
		delete(s.pending, id)
		s.mu.Unlock()
		return nil, fmt.Errorf("sending %s request: %w", method, err)
	}

	select {
	case resp, ok := <-ch:
		if !ok {
			return nil, ErrSessionClosed
		}
		if resp.Error != nil {
			return nil, &ServerError{Code: resp.Error.Code, Message: resp.Error.Message}
		}
		return resp, nil
	case <-ctx.Done():
		s.mu.Lock()
		delete(s.pending, id)
		s.mu.Unlock()
		return nil, ctx.Err()
	}
}

func (s *Session) notify(method string, params interface{}) error {
	return s.write(request{JSONRPC: "2.0", Method: method, Params: params})
}

func (s *Session) write(req request) error {
	data, err := json.Marshal(req)
	if err != nil {
		return err
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	_, err = s.stdin.Write(append(data, '\n'))
	return err
}

// listen routes responses to their pending requests until the server closes
// its stdout, at which point every still-pending request fails.
func (s *Session) listen(stdout io.Reader) {
	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		var resp response
		if err := json.Unmarshal(line, &resp); err != nil {
			s.logger.Error().Err(err).Msg("Failed to decode MCP response")
			continue
		}

		id, ok := resp.ID.(float64)
		if !ok {
			// Server-initiated notification; nothing waits on it.
			continue
		}

		s.mu.Lock()
		ch, exists := s.pending[int(id)]
		if exists {
			delete(s.pending, int(id))
		}
		s.mu.Unlock()

		if exists {
			ch <- &resp
		}
	}

	s.failPending()
}

// failPending closes the channels of all pending requests so their callers
// see ErrSessionClosed.
func (s *Session) failPending() {
	s.mu.Lock()
	pending := s.pending
	s.pending = make(map[int]chan *response)
	s.mu.Unlock()

	for _, ch := range pending {
		close(ch)
	}
}

// Close releases the transport: stdin is closed, the subprocess is killed
// and reaped, and pending requests fail. Idempotent.
func (s *Session) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	s.failPending()

	_ = s.stdin.Close()
	if s.proc != nil && s.proc.Process != nil {
		_ = s.proc.Process.Kill()
		_ = s.proc.Wait()
	}

	s.logger.Debug().Msg("MCP session closed")
	return nil
}
