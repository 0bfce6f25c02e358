package wire

import (
	"bytes"
	"encoding/binary"
	"io"
	"strings"
	"testing"

	relm "github.com/relmlabs/relm"
)

func roundtrip(t *testing.T, in, out any) {
	t.Helper()
	var buf bytes.Buffer
	if err := WriteFrame(&buf, in); err != nil {
		t.Fatalf("WriteFrame: %v", err)
	}
	if err := ReadFrame(&buf, out); err != nil {
		t.Fatalf("ReadFrame: %v", err)
	}
}

func TestFrameRoundtripRequest(t *testing.T) {
	in := relm.LMRequest{
		ID:      "req-1",
		Prompt:  "how many lines?",
		Prefs:   &relm.ModelPreferences{Model: "local-7b"},
		ScopeID: "turn-9",
		Depth:   1,
		Caller:  "llm_query",
	}
	var out relm.LMRequest
	roundtrip(t, &in, &out)
	if out.ID != in.ID || out.Prompt != in.Prompt || out.Depth != 1 || out.Caller != in.Caller {
		t.Errorf("roundtrip = %+v, want %+v", out, in)
	}
	if out.Prefs == nil || out.Prefs.Model != "local-7b" {
		t.Errorf("prefs = %+v", out.Prefs)
	}
}

func TestFrameRoundtripResponses(t *testing.T) {
	tests := []struct {
		name string
		in   relm.LMResponse
		want string
	}{
		{"single", relm.SingleResponse(relm.ChatCompletion{Text: "hi", ModelName: "m", Usage: relm.Usage{PromptTokens: 3, CompletionTokens: 1}}), relm.KindSingle},
		{"batched", relm.BatchedResponse([]relm.ChatCompletion{{Text: "a"}, {Text: "b"}}), relm.KindBatched},
		{"empty batched", relm.BatchedResponse(nil), relm.KindBatched},
		{"error", relm.ErrorResponse(relm.ErrKindBudget, "sub budget exceeded"), relm.KindError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var out relm.LMResponse
			roundtrip(t, &tt.in, &out)
			kind, err := out.ResolveKind()
			if err != nil {
				t.Fatalf("ResolveKind: %v", err)
			}
			if kind != tt.want {
				t.Errorf("kind = %q, want %q", kind, tt.want)
			}
		})
	}
}

// An empty batch must survive the wire as batched; presence of the key,
// not truthiness, selects the variant.
func TestFrameEmptyBatchedPreserved(t *testing.T) {
	in := relm.BatchedResponse([]relm.ChatCompletion{})
	var out relm.LMResponse
	roundtrip(t, &in, &out)
	if out.ChatCompletions == nil {
		t.Fatal("chat_completions key lost on the wire")
	}
	if len(*out.ChatCompletions) != 0 {
		t.Errorf("completions = %v, want empty", *out.ChatCompletions)
	}
	if out.IsError() {
		t.Error("empty batch decoded as error variant")
	}
}

func TestFrameRoundtripREPLResult(t *testing.T) {
	usage := relm.UsageMap{}
	usage.Record("local-7b", relm.Usage{PromptTokens: 7, CompletionTokens: 3})
	in := relm.REPLResult{Stdout: "42\n", Stderr: "", SubCallUsage: usage}
	var out relm.REPLResult
	roundtrip(t, &in, &out)
	if out.Stdout != "42\n" || out.IsError {
		t.Errorf("roundtrip = %+v", out)
	}
	if mu := out.SubCallUsage["local-7b"]; mu.Calls != 1 || mu.PromptTokens != 7 {
		t.Errorf("usage = %+v", mu)
	}
}

func TestReadFrameCleanEOF(t *testing.T) {
	var out relm.LMRequest
	err := ReadFrame(bytes.NewReader(nil), &out)
	if err != io.EOF {
		t.Fatalf("err = %v, want io.EOF", err)
	}
}

func TestReadFrameTruncatedHeader(t *testing.T) {
	var out relm.LMRequest
	err := ReadFrame(bytes.NewReader([]byte{0, 0}), &out)
	if err == nil || err == io.EOF {
		t.Fatalf("err = %v, want truncation error", err)
	}
}

func TestReadFrameTruncatedPayload(t *testing.T) {
	var buf bytes.Buffer
	if err := WriteFrame(&buf, &relm.LMRequest{Prompt: "hello there"}); err != nil {
		t.Fatal(err)
	}
	b := buf.Bytes()
	var out relm.LMRequest
	err := ReadFrame(bytes.NewReader(b[:len(b)-3]), &out)
	if err == nil || err == io.EOF {
		t.Fatalf("err = %v, want payload truncation error", err)
	}
	if !strings.Contains(err.Error(), "payload") {
		t.Errorf("err = %v, should mention payload", err)
	}
}

func TestReadFrameOversizeRejected(t *testing.T) {
	header := make([]byte, 4)
	binary.BigEndian.PutUint32(header, MaxFrameSize+1)
	var out relm.LMRequest
	err := ReadFrame(bytes.NewReader(header), &out)
	if err == nil || !strings.Contains(err.Error(), "too large") {
		t.Fatalf("err = %v, want size rejection", err)
	}
}

func TestReadFrameZeroLength(t *testing.T) {
	header := make([]byte, 4) // length 0
	var out relm.LMRequest
	if err := ReadFrame(bytes.NewReader(header), &out); err != nil {
		t.Fatalf("zero-length frame: %v", err)
	}
	if out.Prompt != "" {
		t.Errorf("out = %+v, want zero value", out)
	}
}

func TestWriteFrameOversizeRejected(t *testing.T) {
	big := relm.LMRequest{Prompt: strings.Repeat("x", MaxFrameSize)}
	err := WriteFrame(io.Discard, &big)
	if err == nil || !strings.Contains(err.Error(), "too large") {
		t.Fatalf("err = %v, want size rejection", err)
	}
}
