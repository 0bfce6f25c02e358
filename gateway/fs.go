package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/relmlabs/relm"
	"github.com/relmlabs/relm/mcp"
)

const (
	defaultManifestDepth = 4
	defaultManifestFiles = 500
)

// DirEntry is one row of an fs.list response.
type DirEntry struct {
	Name    string `json:"name"`
	Dir     bool   `json:"dir"`
	Size    int64  `json:"size"`
	ModTime string `json:"mtime"`
}

type fsListResult struct {
	Path    string     `json:"path"`
	Entries []DirEntry `json:"entries"`
}

func (g *Gateway) handleFsList(ctx context.Context, args json.RawMessage) mcp.ToolCallResult {
	_, span := g.span(ctx, "fs.list")
	defer endSpan(span)

	if _, err := g.session(args, "fs.list"); err != nil {
		return mcp.ErrorResult(err.Error())
	}

	var req struct {
		Path string `json:"path"`
	}
	if err := json.Unmarshal(args, &req); err != nil {
		return mcp.ErrorResult("invalid arguments: " + err.Error())
	}

	real, info, err := g.validator.Stat(req.Path)
	if err != nil {
		return mcp.ErrorResult(err.Error())
	}
	if !info.IsDir() {
		return mcp.ErrorResult("not a directory: " + req.Path)
	}

	entries, err := os.ReadDir(real)
	if err != nil {
		return mcp.ErrorResult("read directory: " + err.Error())
	}

	out := fsListResult{Path: real, Entries: []DirEntry{}}
	for _, e := range entries {
		if restrictedSegment(e.Name()) {
			continue
		}
		fi, err := e.Info()
		if err != nil {
			continue
		}
		out.Entries = append(out.Entries, DirEntry{
			Name:    e.Name(),
			Dir:     e.IsDir(),
			Size:    fi.Size(),
			ModTime: fi.ModTime().UTC().Format(time.RFC3339),
		})
	}
	sort.Slice(out.Entries, func(i, j int) bool { return out.Entries[i].Name < out.Entries[j].Name })
	return jsonResult(out)
}

// ManifestNode is one file or directory in an fs.manifest tree.
type ManifestNode struct {
	Name     string         `json:"name"`
	Dir      bool           `json:"dir"`
	Size     int64          `json:"size,omitempty"`
	Children []ManifestNode `json:"children,omitempty"`
}

type manifestResult struct {
	Path      string       `json:"path"`
	Root      ManifestNode `json:"root"`
	Files     int          `json:"files"`
	Truncated bool         `json:"truncated,omitempty"`
}

func (g *Gateway) handleFsManifest(ctx context.Context, args json.RawMessage) mcp.ToolCallResult {
	_, span := g.span(ctx, "fs.manifest")
	defer endSpan(span)

	if _, err := g.session(args, "fs.manifest"); err != nil {
		return mcp.ErrorResult(err.Error())
	}

	var req struct {
		Path     string `json:"path"`
		MaxDepth int    `json:"max_depth"`
		MaxFiles int    `json:"max_files"`
	}
	if err := json.Unmarshal(args, &req); err != nil {
		return mcp.ErrorResult("invalid arguments: " + err.Error())
	}
	if req.MaxDepth <= 0 {
		req.MaxDepth = defaultManifestDepth
	}
	if req.MaxFiles <= 0 {
		req.MaxFiles = defaultManifestFiles
	}

	real, info, err := g.validator.Stat(req.Path)
	if err != nil {
		return mcp.ErrorResult(err.Error())
	}
	if !info.IsDir() {
		return mcp.ErrorResult("not a directory: " + req.Path)
	}

	budget := req.MaxFiles
	root, truncated := buildManifest(real, info.Name(), req.MaxDepth, &budget)
	return jsonResult(manifestResult{
		Path:      real,
		Root:      root,
		Files:     req.MaxFiles - budget,
		Truncated: truncated,
	})
}

// buildManifest walks dir depth-first, consuming one unit of budget per file.
// Reports true when the depth or file bound cut the walk short.
func buildManifest(dir, name string, depth int, budget *int) (ManifestNode, bool) {
	node := ManifestNode{Name: name, Dir: true}
	if depth == 0 {
		return node, true
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		return node, false
	}
	truncated := false
	for _, e := range entries {
		if restrictedSegment(e.Name()) {
			continue
		}
		if e.IsDir() {
			child, t := buildManifest(filepath.Join(dir, e.Name()), e.Name(), depth-1, budget)
			node.Children = append(node.Children, child)
			truncated = truncated || t
			continue
		}
		if *budget <= 0 {
			return node, true
		}
		*budget--
		fi, err := e.Info()
		if err != nil {
			continue
		}
		node.Children = append(node.Children, ManifestNode{Name: e.Name(), Size: fi.Size()})
	}
	return node, truncated
}

type fsReadResult struct {
	Path       string            `json:"path"`
	Content    string            `json:"content"`
	Lines      int               `json:"lines"`
	Truncated  bool              `json:"truncated,omitempty"`
	Warning    string            `json:"warning,omitempty"`
	Provenance SnippetProvenance `json:"provenance"`
}

func (g *Gateway) handleFsRead(ctx context.Context, args json.RawMessage) mcp.ToolCallResult {
	_, span := g.span(ctx, "fs.read")
	defer endSpan(span)

	s, err := g.session(args, "fs.read")
	if err != nil {
		return mcp.ErrorResult(err.Error())
	}

	var req struct {
		Path string `json:"path"`
	}
	if err := json.Unmarshal(args, &req); err != nil {
		return mcp.ErrorResult("invalid arguments: " + err.Error())
	}

	real, info, err := g.validator.Stat(req.Path)
	if err != nil {
		return mcp.ErrorResult(err.Error())
	}
	if info.IsDir() {
		return mcp.ErrorResult("is a directory: " + req.Path)
	}

	content, truncated, err := readCapped(real, g.maxReadBytes)
	if err != nil {
		return mcp.ErrorResult("read file: " + err.Error())
	}
	lines := countLines(content)

	prov := newProvenance(real, 1, lines, content, "fs.read")
	seen := s.recordSpan(SpanRecord{
		Path:      real,
		StartLine: 1,
		EndLine:   lines,
		Tool:      "fs.read",
		Time:      time.Now(),
	})

	out := fsReadResult{
		Path:       real,
		Content:    content,
		Lines:      lines,
		Truncated:  truncated,
		Provenance: prov,
	}
	out.Warning = joinWarnings(
		duplicateWarning(seen, real, 1, lines),
		screenSnippet(content),
	)
	return jsonResult(out)
}

func (g *Gateway) handleHandleCreate(ctx context.Context, args json.RawMessage) mcp.ToolCallResult {
	_, span := g.span(ctx, "fs.handle.create")
	defer endSpan(span)

	s, err := g.session(args, "fs.handle.create")
	if err != nil {
		return mcp.ErrorResult(err.Error())
	}

	var req struct {
		Path string `json:"path"`
	}
	if err := json.Unmarshal(args, &req); err != nil {
		return mcp.ErrorResult("invalid arguments: " + err.Error())
	}

	real, info, err := g.validator.Stat(req.Path)
	if err != nil {
		return mcp.ErrorResult(err.Error())
	}
	if info.IsDir() {
		return mcp.ErrorResult("is a directory: " + req.Path)
	}

	h := &FileHandle{
		ID:      relm.NewID(),
		Path:    real,
		Size:    info.Size(),
		ModTime: info.ModTime(),
	}
	s.addHandle(h)
	return jsonResult(h)
}

// readCapped reads at most max bytes of the file at path.
func readCapped(path string, max int64) (string, bool, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", false, err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return "", false, err
	}
	truncated := info.Size() > max
	n := info.Size()
	if truncated {
		n = max
	}
	buf := make([]byte, n)
	read, err := f.Read(buf)
	if err != nil && read == 0 {
		return "", false, err
	}
	return string(buf[:read]), truncated, nil
}

func countLines(s string) int {
	if s == "" {
		return 0
	}
	n := 1
	for i := 0; i < len(s); i++ {
		if s[i] == '\n' && i != len(s)-1 {
			n++
		}
	}
	return n
}

// duplicateWarning returns the repeat-access warning, or "" on first access.
func duplicateWarning(seen int, path string, start, end int) string {
	if seen <= 1 {
		return ""
	}
	return fmt.Sprintf("duplicate access: %s lines %d-%d already surfaced %d time(s) in this session", path, start, end, seen-1)
}

// joinWarnings combines non-empty warnings into one field.
func joinWarnings(warnings ...string) string {
	var out string
	for _, w := range warnings {
		if w == "" {
			continue
		}
		if out != "" {
			out += "; "
		}
		out += w
	}
	return out
}
