package gateway

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/relmlabs/relm"
	"github.com/relmlabs/relm/mcp"
)

const (
	// Chunking strategies.
	StrategyFixed   = "fixed"
	StrategyOverlap = "overlap"

	defaultChunkSize = 100
	defaultOverlap   = 10
	maxChunkSize     = 10_000
)

type chunkCreateResult struct {
	ChunkingID string `json:"chunking_id"`
	Path       string `json:"path"`
	Strategy   string `json:"strategy"`
	ChunkSize  int    `json:"chunk_size"`
	Overlap    int    `json:"overlap"`
	Chunks     int    `json:"chunks"`
	TotalLines int    `json:"total_lines"`
}

func (g *Gateway) handleChunkCreate(ctx context.Context, args json.RawMessage) mcp.ToolCallResult {
	_, span := g.span(ctx, "chunk.create")
	defer endSpan(span)

	s, err := g.session(args, "chunk.create")
	if err != nil {
		return mcp.ErrorResult(err.Error())
	}

	var req struct {
		Path      string `json:"path"`
		HandleID  string `json:"handle_id"`
		Strategy  string `json:"strategy"`
		ChunkSize int    `json:"chunk_size"`
		Overlap   int    `json:"overlap"`
	}
	if err := json.Unmarshal(args, &req); err != nil {
		return mcp.ErrorResult("invalid arguments: " + err.Error())
	}
	if req.Strategy == "" {
		req.Strategy = StrategyFixed
	}
	if req.Strategy != StrategyFixed && req.Strategy != StrategyOverlap {
		return mcp.ErrorResult("unknown strategy: " + req.Strategy)
	}
	if req.ChunkSize <= 0 {
		req.ChunkSize = defaultChunkSize
	}
	if req.ChunkSize > maxChunkSize {
		req.ChunkSize = maxChunkSize
	}
	if req.Strategy == StrategyOverlap {
		if req.Overlap <= 0 {
			req.Overlap = defaultOverlap
		}
		if req.Overlap >= req.ChunkSize {
			return mcp.ErrorResult("overlap must be smaller than chunk_size")
		}
	} else {
		req.Overlap = 0
	}

	path := req.Path
	if req.HandleID != "" {
		h, ok := s.handle(req.HandleID)
		if !ok {
			return mcp.ErrorResult("unknown handle: " + req.HandleID)
		}
		if path == "" {
			path = h.Path
		}
	}

	real, info, err := g.validator.Stat(path)
	if err != nil {
		return mcp.ErrorResult(err.Error())
	}
	if info.IsDir() {
		return mcp.ErrorResult("is a directory: " + path)
	}

	content, _, err := readCapped(real, g.maxReadBytes)
	if err != nil {
		return mcp.ErrorResult("read file: " + err.Error())
	}
	total := len(splitLines(content))

	c := &Chunking{
		ID:        relm.NewID(),
		Path:      real,
		HandleID:  req.HandleID,
		Strategy:  req.Strategy,
		ChunkSize: req.ChunkSize,
		Overlap:   req.Overlap,
		Chunks:    chunkBounds(total, req.ChunkSize, req.Overlap),
	}
	s.addChunking(c)

	return jsonResult(chunkCreateResult{
		ChunkingID: c.ID,
		Path:       real,
		Strategy:   c.Strategy,
		ChunkSize:  c.ChunkSize,
		Overlap:    c.Overlap,
		Chunks:     len(c.Chunks),
		TotalLines: total,
	})
}

// chunkBounds computes the deterministic chunk layout for a file of total
// lines. With overlap > 0 each chunk starts overlap lines before the end of
// its predecessor.
func chunkBounds(total, size, overlap int) []ChunkBounds {
	bounds := []ChunkBounds{}
	if total == 0 {
		return bounds
	}
	stride := size - overlap
	idx := 0
	for start := 1; start <= total; start += stride {
		end := start + size - 1
		if end > total {
			end = total
		}
		bounds = append(bounds, ChunkBounds{Index: idx, StartLine: start, EndLine: end})
		idx++
		if end == total {
			break
		}
	}
	return bounds
}

type chunkGetResult struct {
	ChunkingID string            `json:"chunking_id"`
	Index      int               `json:"index"`
	Path       string            `json:"path"`
	StartLine  int               `json:"start_line"`
	EndLine    int               `json:"end_line"`
	Content    string            `json:"content"`
	Warning    string            `json:"warning,omitempty"`
	Provenance SnippetProvenance `json:"provenance"`
}

func (g *Gateway) handleChunkGet(ctx context.Context, args json.RawMessage) mcp.ToolCallResult {
	_, span := g.span(ctx, "chunk.get")
	defer endSpan(span)

	s, err := g.session(args, "chunk.get")
	if err != nil {
		return mcp.ErrorResult(err.Error())
	}

	var req struct {
		ChunkingID string `json:"chunking_id"`
		Index      int    `json:"index"`
	}
	if err := json.Unmarshal(args, &req); err != nil {
		return mcp.ErrorResult("invalid arguments: " + err.Error())
	}

	c, ok := s.chunking(req.ChunkingID)
	if !ok {
		return mcp.ErrorResult("unknown chunking: " + req.ChunkingID)
	}
	if req.Index < 0 || req.Index >= len(c.Chunks) {
		return mcp.ErrorResult("chunk index out of range")
	}
	bounds := c.Chunks[req.Index]

	real, info, err := g.validator.Stat(c.Path)
	if err != nil {
		return mcp.ErrorResult(err.Error())
	}

	var stale string
	if c.HandleID != "" {
		if h, ok := s.handle(c.HandleID); ok {
			if info.Size() != h.Size || !info.ModTime().Equal(h.ModTime) {
				stale = "file changed since handle creation; chunk bounds may not match the current content"
			}
		}
	}

	content, _, err := readCapped(real, g.maxReadBytes)
	if err != nil {
		return mcp.ErrorResult("read file: " + err.Error())
	}
	lines := splitLines(content)

	// Persisted bounds are served as stored; a shrunken file clips with a
	// warning rather than failing the read.
	start, end := bounds.StartLine, bounds.EndLine
	var clipWarning string
	if start > len(lines) {
		start, end = 0, 0
		clipWarning = "chunk bounds fall beyond the current end of file"
	} else if end > len(lines) {
		end = len(lines)
		clipWarning = "chunk bounds clipped to the current end of file"
	}

	var snippet string
	if start > 0 {
		snippet = strings.Join(lines[start-1:end], "\n")
	}

	prov := newProvenance(real, start, end, snippet, "chunk.get")
	seen := s.recordSpan(SpanRecord{
		Path:      real,
		StartLine: start,
		EndLine:   end,
		Tool:      "chunk.get",
		Time:      time.Now(),
	})

	out := chunkGetResult{
		ChunkingID: c.ID,
		Index:      req.Index,
		Path:       real,
		StartLine:  start,
		EndLine:    end,
		Content:    snippet,
		Provenance: prov,
	}
	out.Warning = joinWarnings(
		stale,
		clipWarning,
		duplicateWarning(seen, real, start, end),
		screenSnippet(snippet),
	)
	return jsonResult(out)
}
