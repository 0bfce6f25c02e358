package gateway

import (
	"bufio"
	"context"
	"encoding/json"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"unicode"

	"github.com/relmlabs/relm/mcp"
)

const (
	defaultSearchResults = 20
	maxSearchResults     = 200
	maxSearchFileBytes   = 4 << 20
	maxSearchLineLen     = 4096
)

// SearchHit is one matching line.
type SearchHit struct {
	Path  string  `json:"path"`
	Line  int     `json:"line"`
	Text  string  `json:"text"`
	Score float64 `json:"score,omitempty"`
}

type searchResult struct {
	Results   []SearchHit `json:"results"`
	Truncated bool        `json:"truncated,omitempty"`
}

// Scores by match quality. A phrase hit surrounded by word boundaries beats
// a hit that merely starts at a word boundary, which beats a bare substring.
const (
	scorePhrase    = 3.0
	scoreWordStart = 2.0
	scoreSubstring = 1.0
)

func (g *Gateway) handleSearchQuery(ctx context.Context, args json.RawMessage) mcp.ToolCallResult {
	_, span := g.span(ctx, "search.query")
	defer endSpan(span)

	if _, err := g.session(args, "search.query"); err != nil {
		return mcp.ErrorResult(err.Error())
	}

	var req struct {
		Query      string   `json:"query"`
		Path       string   `json:"path"`
		Include    []string `json:"include"`
		MaxResults int      `json:"max_results"`
	}
	if err := json.Unmarshal(args, &req); err != nil {
		return mcp.ErrorResult("invalid arguments: " + err.Error())
	}
	if strings.TrimSpace(req.Query) == "" {
		return mcp.ErrorResult("empty query")
	}

	query := strings.ToLower(req.Query)
	match := func(line string) (float64, bool) {
		return scoreLine(strings.ToLower(line), query)
	}

	hits, truncated, err := g.scan(req.Path, req.Include, capResults(req.MaxResults), match)
	if err != nil {
		return mcp.ErrorResult(err.Error())
	}
	sort.SliceStable(hits, func(i, j int) bool { return hits[i].Score > hits[j].Score })
	return jsonResult(searchResult{Results: hits, Truncated: truncated})
}

func (g *Gateway) handleSearchRegex(ctx context.Context, args json.RawMessage) mcp.ToolCallResult {
	_, span := g.span(ctx, "search.regex")
	defer endSpan(span)

	if _, err := g.session(args, "search.regex"); err != nil {
		return mcp.ErrorResult(err.Error())
	}

	var req struct {
		Pattern    string   `json:"pattern"`
		Path       string   `json:"path"`
		Include    []string `json:"include"`
		MaxResults int      `json:"max_results"`
	}
	if err := json.Unmarshal(args, &req); err != nil {
		return mcp.ErrorResult("invalid arguments: " + err.Error())
	}
	re, err := regexp.Compile(req.Pattern)
	if err != nil {
		return mcp.ErrorResult("invalid pattern: " + err.Error())
	}

	match := func(line string) (float64, bool) {
		if re.MatchString(line) {
			return 0, true
		}
		return 0, false
	}

	hits, truncated, err := g.scan(req.Path, req.Include, capResults(req.MaxResults), match)
	if err != nil {
		return mcp.ErrorResult(err.Error())
	}
	return jsonResult(searchResult{Results: hits, Truncated: truncated})
}

func capResults(n int) int {
	if n <= 0 {
		return defaultSearchResults
	}
	if n > maxSearchResults {
		return maxSearchResults
	}
	return n
}

// scan walks the requested subtree (or all roots) and applies match to every
// line of every regular file that passes the include patterns. The walk
// stops once max hits are collected.
func (g *Gateway) scan(path string, include []string, max int, match func(string) (float64, bool)) ([]SearchHit, bool, error) {
	roots := g.validator.Roots()
	if path != "" {
		real, info, err := g.validator.Stat(path)
		if err != nil {
			return nil, false, err
		}
		if !info.IsDir() {
			hits, _ := scanFile(real, max, include, match)
			return hits, len(hits) >= max, nil
		}
		roots = []string{real}
	}

	hits := []SearchHit{}
	truncated := false
	for _, root := range roots {
		err := filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
			if err != nil {
				return nil // unreadable entries are skipped, not fatal
			}
			if restrictedSegment(d.Name()) {
				if d.IsDir() {
					return filepath.SkipDir
				}
				return nil
			}
			if d.IsDir() {
				return nil
			}
			fileHits, _ := scanFile(p, max-len(hits), include, match)
			hits = append(hits, fileHits...)
			if len(hits) >= max {
				truncated = true
				return filepath.SkipAll
			}
			return nil
		})
		if err != nil {
			return nil, false, err
		}
		if truncated {
			break
		}
	}
	return hits, truncated, nil
}

// scanFile matches every line of one file, stopping after max hits.
func scanFile(path string, max int, include []string, match func(string) (float64, bool)) ([]SearchHit, error) {
	if max <= 0 {
		return nil, nil
	}
	if !includeMatch(filepath.Base(path), include) {
		return nil, nil
	}
	info, err := os.Stat(path)
	if err != nil || info.Size() > maxSearchFileBytes {
		return nil, err
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var hits []SearchHit
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64<<10), maxSearchLineLen)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := scanner.Text()
		if score, ok := match(line); ok {
			hits = append(hits, SearchHit{Path: path, Line: lineNo, Text: line, Score: score})
			if len(hits) >= max {
				break
			}
		}
	}
	// Binary or over-long-line files abort silently partway; partial hits stand.
	return hits, nil
}

// includeMatch applies the optional include-pattern list to a file name.
// No patterns means every file is eligible.
func includeMatch(name string, include []string) bool {
	if len(include) == 0 {
		return true
	}
	for _, pattern := range include {
		if ok, err := filepath.Match(pattern, name); err == nil && ok {
			return true
		}
	}
	return false
}

// scoreLine scores one lowercased line against a lowercased query. Both the
// whole query phrase and its strongest position in the line are considered:
// phrase-at-word-boundary > word-start > substring. Lines without the query
// as a substring do not match at all.
func scoreLine(line, query string) (float64, bool) {
	idx := strings.Index(line, query)
	if idx < 0 {
		return 0, false
	}
	startsWord := idx == 0 || isWordGap(rune(line[idx-1]))
	endIdx := idx + len(query)
	endsWord := endIdx >= len(line) || isWordGap(rune(line[endIdx]))
	switch {
	case startsWord && endsWord:
		return scorePhrase, true
	case startsWord:
		return scoreWordStart, true
	default:
		return scoreSubstring, true
	}
}

func isWordGap(r rune) bool {
	return !unicode.IsLetter(r) && !unicode.IsDigit(r) && r != '_'
}
