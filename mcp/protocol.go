// Package mcp implements a Model Context Protocol (MCP) server over stdio
// and HTTP. It exposes tools, prompts, and resources via JSON-RPC 2.0,
// enabling AI assistants and co-processes to discover the retrieval toolset,
// invoke tools, and read individual resources.
//
// The protocol follows the MCP specification (revision 2025-03-26).
// The stdio transport is newline-delimited JSON over stdin/stdout; the HTTP
// transport accepts single and batched requests on POST /mcp/messages and
// streams request/response lifecycle events on GET /mcp/messages.
package mcp

import "encoding/json"

// --- JSON-RPC 2.0 types ---

// request is an incoming JSON-RPC 2.0 request or notification.
// Notifications have a nil ID.
type request struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

// isNotification returns true if this is a notification (no ID field).
func (r *request) isNotification() bool {
	return len(r.ID) == 0 || string(r.ID) == "null"
}

// response is an outgoing JSON-RPC 2.0 response.
type response struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Result  any             `json:"result,omitempty"`
	Error   *rpcError       `json:"error,omitempty"`
}

// notification is an outgoing JSON-RPC 2.0 notification (server-initiated,
// e.g. notifications/tools/list_changed).
type notification struct {
	JSONRPC string `json:"jsonrpc"`
	Method  string `json:"method"`
	Params  any    `json:"params,omitempty"`
}

// rpcError is a JSON-RPC 2.0 error object.
type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// Standard JSON-RPC 2.0 error codes.
const (
	errCodeParse          = -32700
	errCodeInvalidRequest = -32600
	errCodeMethodNotFound = -32601
	errCodeInvalidParams  = -32602
	errCodeInternal       = -32603
)

// --- MCP protocol types ---

// protocolVersion is the MCP protocol version this server implements.
const protocolVersion = "2025-03-26"

// initializeParams is the client's initialize request payload.
type initializeParams struct {
	ProtocolVersion string     `json:"protocolVersion"`
	Capabilities    any        `json:"capabilities"`
	ClientInfo      clientInfo `json:"clientInfo"`
}

type clientInfo struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

// initializeResult is the server's response to an initialize request.
type initializeResult struct {
	ProtocolVersion string             `json:"protocolVersion"`
	Capabilities    serverCapabilities `json:"capabilities"`
	ServerInfo      serverInfo         `json:"serverInfo"`
}

type serverCapabilities struct {
	Tools     *capability `json:"tools,omitempty"`
	Prompts   *capability `json:"prompts,omitempty"`
	Resources *capability `json:"resources,omitempty"`
}

type capability struct {
	ListChanged bool `json:"listChanged,omitempty"`
}

type serverInfo struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

// cancelledParams is the payload of a notifications/cancelled notification.
// RequestID identifies the in-flight request to cancel.
type cancelledParams struct {
	RequestID json.RawMessage `json:"requestId"`
	Reason    string          `json:"reason,omitempty"`
}

// --- Tool types ---

// ToolDefinition describes a tool exposed via MCP. OutputSchema is optional
// and declares the shape of the structured content the tool returns.
type ToolDefinition struct {
	Name         string `json:"name"`
	Description  string `json:"description"`
	InputSchema  any    `json:"inputSchema"`
	OutputSchema any    `json:"outputSchema,omitempty"`
}

// toolsListResult is the response to tools/list.
type toolsListResult struct {
	Tools []ToolDefinition `json:"tools"`
}

// toolCallParams is the request payload for tools/call.
type toolCallParams struct {
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments"`
}

// ToolCallResult is the response payload for tools/call. StructuredContent
// carries the machine-readable result for tools that declare an output schema.
type ToolCallResult struct {
	Content           []textContent `json:"content"`
	StructuredContent any           `json:"structuredContent,omitempty"`
	IsError           bool          `json:"isError,omitempty"`
}

// textContent is a text content block in MCP responses.
type textContent struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

// TextResult creates a successful ToolCallResult with a single text content block.
func TextResult(text string) ToolCallResult {
	return ToolCallResult{
		Content: []textContent{{Type: "text", Text: text}},
	}
}

// StructuredResult creates a successful ToolCallResult carrying both a text
// rendering and the structured form of the same data.
func StructuredResult(text string, structured any) ToolCallResult {
	return ToolCallResult{
		Content:           []textContent{{Type: "text", Text: text}},
		StructuredContent: structured,
	}
}

// ErrorResult creates an error ToolCallResult with a single text content block.
func ErrorResult(text string) ToolCallResult {
	return ToolCallResult{
		Content: []textContent{{Type: "text", Text: text}},
		IsError: true,
	}
}

// --- Prompt types ---

// PromptDefinition describes a prompt template in prompts/list responses.
type PromptDefinition struct {
	Name        string           `json:"name"`
	Description string           `json:"description,omitempty"`
	Arguments   []PromptArgument `json:"arguments,omitempty"`
}

// PromptArgument describes one argument a prompt template accepts.
type PromptArgument struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	Required    bool   `json:"required,omitempty"`
}

// promptsListResult is the response to prompts/list.
type promptsListResult struct {
	Prompts []PromptDefinition `json:"prompts"`
}

// promptGetParams is the request payload for prompts/get.
type promptGetParams struct {
	Name      string            `json:"name"`
	Arguments map[string]string `json:"arguments,omitempty"`
}

// PromptMessage is one message in a rendered prompt.
type PromptMessage struct {
	Role    string      `json:"role"`
	Content textContent `json:"content"`
}

// PromptGetResult is the response to prompts/get.
type PromptGetResult struct {
	Description string          `json:"description,omitempty"`
	Messages    []PromptMessage `json:"messages"`
}

// PromptText builds a PromptMessage with a text content block.
func PromptText(role, text string) PromptMessage {
	return PromptMessage{Role: role, Content: textContent{Type: "text", Text: text}}
}

// --- Resource types ---

// resourceDef describes a resource in resources/list responses.
type resourceDef struct {
	URI         string `json:"uri"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	MimeType    string `json:"mimeType,omitempty"`
}

// resourcesListResult is the response to resources/list.
type resourcesListResult struct {
	Resources []resourceDef `json:"resources"`
}

// resourceReadParams is the request payload for resources/read.
type resourceReadParams struct {
	URI string `json:"uri"`
}

// resourceContent is a single content item in a resources/read response.
type resourceContent struct {
	URI      string `json:"uri"`
	MimeType string `json:"mimeType,omitempty"`
	Text     string `json:"text"`
}

// resourceReadResult is the response to resources/read.
type resourceReadResult struct {
	Contents []resourceContent `json:"contents"`
}
