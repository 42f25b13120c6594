package mcp

import (
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
)

// Protocol constants for the initialize handshake.
const (
	ProtocolVersion = "2024-11-05"
	clientName      = "Titian"
	clientVersion   = "0.1.0"
)

// ErrSessionClosed is returned for requests issued against a closed session,
// and for requests that were pending when the server closed its stdout.
var ErrSessionClosed = errors.New("mcp: session closed")

// interpreters maps accepted server script extensions to their interpreter.
var interpreters = map[string]string{
	".py": "python",
	".js": "node",
}

// CommandForScript selects the interpreter for a server script by extension.
// Anything outside the fixed set is a configuration error, surfaced before
// any connection attempt.
func CommandForScript(path string) (string, error) {
	ext := strings.ToLower(filepath.Ext(path))
	command, ok := interpreters[ext]
	if !ok {
		return "", fmt.Errorf("server script must be a .py or .js file: %q", path)
	}
	return command, nil
}

// JSON-RPC 2.0 framing, newline-delimited over the server's stdio.
type request struct {
	JSONRPC string      `json:"jsonrpc"`
	Method  string      `json:"method"`
	Params  interface{} `json:"params,omitempty"`
	ID      interface{} `json:"id,omitempty"`
}

type response struct {
	JSONRPC string          `json:"jsonrpc"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *rpcError       `json:"error,omitempty"`
	ID      interface{}     `json:"id"`
}

type rpcError struct {
	Code    int         `json:"code"`
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}

// ServerError is a JSON-RPC error returned by the MCP server.
type ServerError struct {
	Code    int
	Message string
}

func (e *ServerError) Error() string {
	return fmt.Sprintf("mcp server error (%d): %s", e.Code, e.Message)
}

// ServerInfo identifies the server from the initialize result.
type ServerInfo struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

type initializeResult struct {
	ProtocolVersion string          `json:"protocolVersion"`
	Capabilities    json.RawMessage `json:"capabilities"`
	ServerInfo      ServerInfo      `json:"serverInfo"`
}

// Tool describes a callable capability advertised by the server. The input
// schema is kept as raw JSON so it reaches the model exactly as advertised.
type Tool struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	InputSchema json.RawMessage `json:"inputSchema"`
}

type listToolsResult struct {
	Tools []Tool `json:"tools"`
}

// ContentBlock is one element of a tool result payload.
type ContentBlock struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}

// ToolResult is the structured outcome of a tools/call request.
type ToolResult struct {
	Content []ContentBlock `json:"content"`
	IsError bool           `json:"isError,omitempty"`
}

// Text joins the textual content blocks of the result.
func (r *ToolResult) Text() string {
	parts := make([]string, 0, len(r.Content))
	for _, block := range r.Content {
		if block.Type == "text" && block.Text != "" {
			parts = append(parts, block.Text)
		}
	}
	return strings.Join(parts, "\n")
}

// Resource describes a server-exposed resource.
type Resource struct {
	URI         string `json:"uri"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	MimeType    string `json:"mimeType,omitempty"`
}

type listResourcesResult struct {
	Resources []Resource `json:"resources"`
}
