package mcp

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"strings"
	"testing"
	"time"
)

// testServer creates a Server wired to in-memory reader/writer for testing.
func testServer() (*Server, *bytes.Buffer) {
	srv := New("test-server", "1.0.0")
	var out bytes.Buffer
	srv.writer = &out
	return srv, &out
}

// sendAndReceive writes a JSON-RPC message to the server and returns the response.
func sendAndReceive(t *testing.T, srv *Server, out *bytes.Buffer, msg string) response {
	t.Helper()
	out.Reset()
	srv.reader = strings.NewReader(msg + "\n")
	if err := srv.Serve(context.Background()); err != nil {
		t.Fatalf("Serve: %v", err)
	}
	var resp response
	if err := json.Unmarshal(out.Bytes(), &resp); err != nil {
		t.Fatalf("unmarshal response: %v (raw: %s)", err, out.String())
	}
	return resp
}

// waitFor polls cond until it holds or the deadline passes.
func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}

func TestInitializeHandshake(t *testing.T) {
	srv, out := testServer()
	srv.AddTool(ToolHandler{
		Definition: ToolDefinition{Name: "test_tool", Description: "a test tool"},
		Execute:    func(_ context.Context, _ json.RawMessage) ToolCallResult { return TextResult("ok") },
	})
	srv.AddPrompt(PromptHandler{
		Definition: PromptDefinition{Name: "test_prompt"},
		Render:     func(_ map[string]string) PromptGetResult { return PromptGetResult{} },
	})
	srv.AddResource(Resource{
		URI: "test://doc", Name: "doc", MimeType: "text/plain",
		Read: func() string { return "content" },
	})

	resp := sendAndReceive(t, srv, out,
		`{"jsonrpc":"2.0","id":1,"method":"initialize","params":{"protocolVersion":"2025-03-26","capabilities":{},"clientInfo":{"name":"test","version":"1.0"}}}`)

	if resp.Error != nil {
		t.Fatalf("unexpected error: %v", resp.Error)
	}

	raw, _ := json.Marshal(resp.Result)
	var result initializeResult
	if err := json.Unmarshal(raw, &result); err != nil {
		t.Fatalf("unmarshal result: %v", err)
	}

	if result.ProtocolVersion != protocolVersion {
		t.Errorf("protocolVersion = %q, want %q", result.ProtocolVersion, protocolVersion)
	}
	if result.ServerInfo.Name != "test-server" {
		t.Errorf("serverInfo.name = %q, want %q", result.ServerInfo.Name, "test-server")
	}
	if result.Capabilities.Tools == nil {
		t.Error("expected tools capability to be set")
	} else if !result.Capabilities.Tools.ListChanged {
		t.Error("expected tools capability to advertise listChanged")
	}
	if result.Capabilities.Prompts == nil {
		t.Error("expected prompts capability to be set")
	}
	if result.Capabilities.Resources == nil {
		t.Error("expected resources capability to be set")
	}
}

func TestInitializeNoToolsNoResources(t *testing.T) {
	srv, out := testServer()

	resp := sendAndReceive(t, srv, out,
		`{"jsonrpc":"2.0","id":1,"method":"initialize","params":{"protocolVersion":"2025-03-26","capabilities":{},"clientInfo":{"name":"test","version":"1.0"}}}`)

	raw, _ := json.Marshal(resp.Result)
	var result initializeResult
	json.Unmarshal(raw, &result)

	if result.Capabilities.Tools != nil {
		t.Error("expected tools capability to be nil when no tools registered")
	}
	if result.Capabilities.Resources != nil {
		t.Error("expected resources capability to be nil when no resources registered")
	}
}

func TestPing(t *testing.T) {
	srv, out := testServer()
	resp := sendAndReceive(t, srv, out, `{"jsonrpc":"2.0","id":42,"method":"ping"}`)

	if resp.Error != nil {
		t.Fatalf("unexpected error: %v", resp.Error)
	}
	if string(resp.ID) != "42" {
		t.Errorf("id = %s, want 42", resp.ID)
	}
}

func TestToolsList(t *testing.T) {
	srv, out := testServer()
	srv.AddTool(ToolHandler{
		Definition: ToolDefinition{
			Name:        "search.query",
			Description: "Search workspace files",
			InputSchema: map[string]any{
				"type":       "object",
				"properties": map[string]any{"query": map[string]any{"type": "string"}},
				"required":   []string{"query"},
			},
			OutputSchema: map[string]any{
				"type":       "object",
				"properties": map[string]any{"results": map[string]any{"type": "array"}},
			},
		},
		Execute: func(_ context.Context, _ json.RawMessage) ToolCallResult { return TextResult("ok") },
	})

	resp := sendAndReceive(t, srv, out, `{"jsonrpc":"2.0","id":1,"method":"tools/list"}`)

	raw, _ := json.Marshal(resp.Result)
	var result toolsListResult
	json.Unmarshal(raw, &result)

	if len(result.Tools) != 1 {
		t.Fatalf("got %d tools, want 1", len(result.Tools))
	}
	if result.Tools[0].Name != "search.query" {
		t.Errorf("tool name = %q, want %q", result.Tools[0].Name, "search.query")
	}
	if result.Tools[0].OutputSchema == nil {
		t.Error("expected outputSchema to survive tools/list")
	}
}

func TestToolsCall(t *testing.T) {
	srv, out := testServer()
	srv.AddTool(ToolHandler{
		Definition: ToolDefinition{Name: "echo", Description: "Echo input"},
		Execute: func(_ context.Context, args json.RawMessage) ToolCallResult {
			var params struct {
				Text string `json:"text"`
			}
			json.Unmarshal(args, &params)
			return TextResult("echo: " + params.Text)
		},
	})

	resp := sendAndReceive(t, srv, out,
		`{"jsonrpc":"2.0","id":1,"method":"tools/call","params":{"name":"echo","arguments":{"text":"hello"}}}`)

	raw, _ := json.Marshal(resp.Result)
	var result ToolCallResult
	json.Unmarshal(raw, &result)

	if result.IsError {
		t.Error("expected isError=false")
	}
	if len(result.Content) != 1 || result.Content[0].Text != "echo: hello" {
		t.Errorf("unexpected content: %+v", result.Content)
	}
}

func TestToolsCallStructured(t *testing.T) {
	srv, out := testServer()
	srv.AddTool(ToolHandler{
		Definition: ToolDefinition{Name: "list", Description: "List things"},
		Execute: func(_ context.Context, _ json.RawMessage) ToolCallResult {
			return StructuredResult("2 entries", map[string]any{"entries": []string{"a", "b"}})
		},
	})

	resp := sendAndReceive(t, srv, out,
		`{"jsonrpc":"2.0","id":1,"method":"tools/call","params":{"name":"list","arguments":{}}}`)

	raw, _ := json.Marshal(resp.Result)
	var result ToolCallResult
	json.Unmarshal(raw, &result)

	if result.StructuredContent == nil {
		t.Fatal("expected structuredContent to be set")
	}
	sc, ok := result.StructuredContent.(map[string]any)
	if !ok {
		t.Fatalf("structuredContent type = %T", result.StructuredContent)
	}
	if _, ok := sc["entries"]; !ok {
		t.Errorf("structuredContent missing entries key: %+v", sc)
	}
}

func TestToolsCallUnknown(t *testing.T) {
	srv, out := testServer()

	resp := sendAndReceive(t, srv, out,
		`{"jsonrpc":"2.0","id":1,"method":"tools/call","params":{"name":"nonexistent","arguments":{}}}`)

	raw, _ := json.Marshal(resp.Result)
	var result ToolCallResult
	json.Unmarshal(raw, &result)

	if !result.IsError {
		t.Error("expected isError=true for unknown tool")
	}
}

func TestCancelMidCall(t *testing.T) {
	srv, out := testServer()
	srv.AddTool(ToolHandler{
		Definition: ToolDefinition{Name: "slow", Description: "Blocks until cancelled"},
		Execute: func(ctx context.Context, _ json.RawMessage) ToolCallResult {
			select {
			case <-ctx.Done():
				return ErrorResult("cancelled: " + ctx.Err().Error())
			case <-time.After(5 * time.Second):
				return TextResult("never cancelled")
			}
		},
	})

	msgs := `{"jsonrpc":"2.0","id":7,"method":"tools/call","params":{"name":"slow","arguments":{}}}` + "\n" +
		`{"jsonrpc":"2.0","method":"notifications/cancelled","params":{"requestId":7}}` + "\n"
	out.Reset()
	srv.reader = strings.NewReader(msgs)
	if err := srv.Serve(context.Background()); err != nil {
		t.Fatalf("Serve: %v", err)
	}

	var resp response
	if err := json.Unmarshal(out.Bytes(), &resp); err != nil {
		t.Fatalf("unmarshal response: %v (raw: %s)", err, out.String())
	}
	raw, _ := json.Marshal(resp.Result)
	var result ToolCallResult
	json.Unmarshal(raw, &result)

	if !result.IsError {
		t.Fatal("expected the cancelled call to report an error result")
	}
	if !strings.Contains(result.Content[0].Text, "cancel") {
		t.Errorf("content = %q, want cancellation text", result.Content[0].Text)
	}
}

func TestPromptsListAndGet(t *testing.T) {
	srv, out := testServer()
	srv.AddPrompt(PromptHandler{
		Definition: PromptDefinition{
			Name:        "summarize",
			Description: "Summarize a document",
			Arguments:   []PromptArgument{{Name: "path", Required: true}},
		},
		Render: func(args map[string]string) PromptGetResult {
			return PromptGetResult{
				Messages: []PromptMessage{PromptText("user", "Summarize "+args["path"])},
			}
		},
	})

	resp := sendAndReceive(t, srv, out, `{"jsonrpc":"2.0","id":1,"method":"prompts/list"}`)
	raw, _ := json.Marshal(resp.Result)
	var list promptsListResult
	json.Unmarshal(raw, &list)

	if len(list.Prompts) != 1 {
		t.Fatalf("got %d prompts, want 1", len(list.Prompts))
	}
	if list.Prompts[0].Name != "summarize" {
		t.Errorf("prompt name = %q, want %q", list.Prompts[0].Name, "summarize")
	}

	resp = sendAndReceive(t, srv, out,
		`{"jsonrpc":"2.0","id":2,"method":"prompts/get","params":{"name":"summarize","arguments":{"path":"notes.md"}}}`)
	raw, _ = json.Marshal(resp.Result)
	var got PromptGetResult
	json.Unmarshal(raw, &got)

	if len(got.Messages) != 1 {
		t.Fatalf("got %d messages, want 1", len(got.Messages))
	}
	if got.Messages[0].Content.Text != "Summarize notes.md" {
		t.Errorf("text = %q, want %q", got.Messages[0].Content.Text, "Summarize notes.md")
	}
}

func TestPromptsGetUnknown(t *testing.T) {
	srv, out := testServer()

	resp := sendAndReceive(t, srv, out,
		`{"jsonrpc":"2.0","id":1,"method":"prompts/get","params":{"name":"missing"}}`)

	if resp.Error == nil {
		t.Fatal("expected error for unknown prompt")
	}
	if resp.Error.Code != errCodeInvalidParams {
		t.Errorf("error code = %d, want %d", resp.Error.Code, errCodeInvalidParams)
	}
}

func TestResourcesList(t *testing.T) {
	srv, out := testServer()
	srv.AddResource(Resource{
		URI: "relm://docs/architecture", Name: "Architecture",
		Description: "Runtime architecture", MimeType: "text/markdown",
		Read: func() string { return "# Architecture" },
	})

	resp := sendAndReceive(t, srv, out, `{"jsonrpc":"2.0","id":1,"method":"resources/list"}`)

	raw, _ := json.Marshal(resp.Result)
	var result resourcesListResult
	json.Unmarshal(raw, &result)

	if len(result.Resources) != 1 {
		t.Fatalf("got %d resources, want 1", len(result.Resources))
	}
	if result.Resources[0].URI != "relm://docs/architecture" {
		t.Errorf("uri = %q, want %q", result.Resources[0].URI, "relm://docs/architecture")
	}
}

func TestResourcesRead(t *testing.T) {
	srv, out := testServer()
	srv.AddResource(Resource{
		URI: "relm://docs/test", Name: "Test Doc", MimeType: "text/markdown",
		Read: func() string { return "# Test\nHello world" },
	})

	resp := sendAndReceive(t, srv, out,
		`{"jsonrpc":"2.0","id":1,"method":"resources/read","params":{"uri":"relm://docs/test"}}`)

	raw, _ := json.Marshal(resp.Result)
	var result resourceReadResult
	json.Unmarshal(raw, &result)

	if len(result.Contents) != 1 {
		t.Fatalf("got %d contents, want 1", len(result.Contents))
	}
	if result.Contents[0].Text != "# Test\nHello world" {
		t.Errorf("text = %q, want %q", result.Contents[0].Text, "# Test\nHello world")
	}
}

func TestResourcesReadNotFound(t *testing.T) {
	srv, out := testServer()

	resp := sendAndReceive(t, srv, out,
		`{"jsonrpc":"2.0","id":1,"method":"resources/read","params":{"uri":"relm://nonexistent"}}`)

	if resp.Error == nil {
		t.Fatal("expected error for nonexistent resource")
	}
	if resp.Error.Code != errCodeInvalidParams {
		t.Errorf("error code = %d, want %d", resp.Error.Code, errCodeInvalidParams)
	}
}

func TestUnknownMethod(t *testing.T) {
	srv, out := testServer()

	resp := sendAndReceive(t, srv, out,
		`{"jsonrpc":"2.0","id":1,"method":"unknown/method"}`)

	if resp.Error == nil {
		t.Fatal("expected error for unknown method")
	}
	if resp.Error.Code != errCodeMethodNotFound {
		t.Errorf("error code = %d, want %d", resp.Error.Code, errCodeMethodNotFound)
	}
}

func TestNotificationNoResponse(t *testing.T) {
	srv, out := testServer()
	out.Reset()
	srv.reader = strings.NewReader(`{"jsonrpc":"2.0","method":"notifications/initialized"}` + "\n")
	if err := srv.Serve(context.Background()); err != nil {
		t.Fatalf("Serve: %v", err)
	}
	if out.Len() != 0 {
		t.Errorf("expected no output for notification, got: %s", out.String())
	}
}

func TestBatchRequest(t *testing.T) {
	srv, out := testServer()
	out.Reset()
	srv.reader = strings.NewReader(`[{"jsonrpc":"2.0","id":1,"method":"ping"},{"jsonrpc":"2.0","id":2,"method":"ping"}]` + "\n")
	if err := srv.Serve(context.Background()); err != nil {
		t.Fatalf("Serve: %v", err)
	}

	// Should get two responses (each on its own line).
	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	if len(lines) != 2 {
		t.Fatalf("got %d response lines, want 2", len(lines))
	}

	for i, line := range lines {
		var resp response
		if err := json.Unmarshal([]byte(line), &resp); err != nil {
			t.Fatalf("line %d: unmarshal: %v", i, err)
		}
		if resp.Error != nil {
			t.Errorf("line %d: unexpected error: %v", i, resp.Error)
		}
	}
}

func TestParseError(t *testing.T) {
	srv, out := testServer()
	out.Reset()
	srv.reader = strings.NewReader("not-json\n")
	srv.Serve(context.Background())

	var resp response
	json.Unmarshal(out.Bytes(), &resp)

	if resp.Error == nil {
		t.Fatal("expected parse error")
	}
	if resp.Error.Code != errCodeParse {
		t.Errorf("error code = %d, want %d", resp.Error.Code, errCodeParse)
	}
}

func TestToolsListChangedOnRegister(t *testing.T) {
	srv, out := testServer()
	pr, pw := io.Pipe()
	srv.reader = pr

	done := make(chan error, 1)
	go func() { done <- srv.Serve(context.Background()) }()

	waitFor(t, func() bool { return srv.serving.Load() })
	srv.AddTool(ToolHandler{
		Definition: ToolDefinition{Name: "late", Description: "Registered mid-serve"},
		Execute:    func(_ context.Context, _ json.RawMessage) ToolCallResult { return TextResult("ok") },
	})
	pw.Close()
	if err := <-done; err != nil {
		t.Fatalf("Serve: %v", err)
	}

	if !strings.Contains(out.String(), `"method":"notifications/tools/list_changed"`) {
		t.Errorf("expected list_changed notification, got: %s", out.String())
	}
}
