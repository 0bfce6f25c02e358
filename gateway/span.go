package gateway

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"strings"
	"time"

	"github.com/relmlabs/relm/mcp"
)

// SnippetProvenance identifies where a surfaced snippet came from: the file,
// the line range, a hash of the exact content served, and the tool that
// served it.
type SnippetProvenance struct {
	FilePath    string `json:"file_path"`
	StartLine   int    `json:"start_line"`
	EndLine     int    `json:"end_line"`
	ContentHash string `json:"content_hash"`
	SourceType  string `json:"source_type"`
}

// newProvenance hashes content and builds the provenance record.
func newProvenance(path string, start, end int, content, source string) SnippetProvenance {
	sum := sha256.Sum256([]byte(content))
	return SnippetProvenance{
		FilePath:    path,
		StartLine:   start,
		EndLine:     end,
		ContentHash: hex.EncodeToString(sum[:]),
		SourceType:  source,
	}
}

type spanReadResult struct {
	Path       string            `json:"path"`
	StartLine  int               `json:"start_line"`
	EndLine    int               `json:"end_line"`
	Content    string            `json:"content"`
	Clamped    bool              `json:"clamped,omitempty"`
	Warning    string            `json:"warning,omitempty"`
	Provenance SnippetProvenance `json:"provenance"`
}

func (g *Gateway) handleSpanRead(ctx context.Context, args json.RawMessage) mcp.ToolCallResult {
	_, span := g.span(ctx, "span.read")
	defer endSpan(span)

	s, err := g.session(args, "span.read")
	if err != nil {
		return mcp.ErrorResult(err.Error())
	}

	var req struct {
		Path      string `json:"path"`
		StartLine int    `json:"start_line"`
		EndLine   int    `json:"end_line"`
	}
	if err := json.Unmarshal(args, &req); err != nil {
		return mcp.ErrorResult("invalid arguments: " + err.Error())
	}
	if req.StartLine > req.EndLine {
		return mcp.ErrorResult("start_line exceeds end_line")
	}

	real, info, err := g.validator.Stat(req.Path)
	if err != nil {
		return mcp.ErrorResult(err.Error())
	}
	if info.IsDir() {
		return mcp.ErrorResult("is a directory: " + req.Path)
	}

	content, _, err := readCapped(real, g.maxReadBytes)
	if err != nil {
		return mcp.ErrorResult("read file: " + err.Error())
	}

	lines := splitLines(content)
	start, end, clamped := clampSpan(req.StartLine, req.EndLine, len(lines))
	if len(lines) == 0 {
		start, end = 0, 0
	}

	var snippet string
	if start > 0 {
		snippet = strings.Join(lines[start-1:end], "\n")
	}

	prov := newProvenance(real, start, end, snippet, "span.read")
	seen := s.recordSpan(SpanRecord{
		Path:      real,
		StartLine: start,
		EndLine:   end,
		Tool:      "span.read",
		Time:      time.Now(),
	})

	out := spanReadResult{
		Path:       real,
		StartLine:  start,
		EndLine:    end,
		Content:    snippet,
		Clamped:    clamped,
		Provenance: prov,
	}
	out.Warning = joinWarnings(
		duplicateWarning(seen, real, start, end),
		screenSnippet(snippet),
	)
	return jsonResult(out)
}

// clampSpan confines a 1-based inclusive range to [1, total]. Clamping is
// idempotent: a range already inside the file comes back unchanged.
func clampSpan(start, end, total int) (int, int, bool) {
	if total == 0 {
		return 0, 0, start != 0 || end != 0
	}
	s, e := start, end
	if s < 1 {
		s = 1
	}
	if s > total {
		s = total
	}
	if e < s {
		e = s
	}
	if e > total {
		e = total
	}
	return s, e, s != start || e != end
}

// splitLines splits on newlines without producing a phantom trailing line.
func splitLines(s string) []string {
	if s == "" {
		return nil
	}
	s = strings.TrimSuffix(s, "\n")
	return strings.Split(s, "\n")
}

type provenanceReport struct {
	SessionID string        `json:"session_id"`
	Count     int           `json:"count"`
	Spans     []spanSummary `json:"spans"`
}

type spanSummary struct {
	Path      string `json:"path"`
	StartLine int    `json:"start_line"`
	EndLine   int    `json:"end_line"`
	Tool      string `json:"tool"`
	Time      string `json:"time"`
}

func (g *Gateway) handleProvenanceReport(ctx context.Context, args json.RawMessage) mcp.ToolCallResult {
	_, span := g.span(ctx, "provenance.report")
	defer endSpan(span)

	s, err := g.session(args, "provenance.report")
	if err != nil {
		return mcp.ErrorResult(err.Error())
	}

	records := s.Spans()
	out := provenanceReport{SessionID: s.ID, Count: len(records), Spans: []spanSummary{}}
	for _, rec := range records {
		out.Spans = append(out.Spans, spanSummary{
			Path:      rec.Path,
			StartLine: rec.StartLine,
			EndLine:   rec.EndLine,
			Tool:      rec.Tool,
			Time:      rec.Time.UTC().Format(time.RFC3339),
		})
	}
	return jsonResult(out)
}
