package relm

import (
	"strconv"
	"strings"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/ast"
	"github.com/yuin/goldmark/text"
)

// ReplFenceTag is the fence info string the loop executes. Code fenced
// with any other tag is treated as prose the model is showing, not
// asking to run.
const ReplFenceTag = "repl"

// fencedRegion is a code block's byte range within the model output,
// used to keep FINAL detection out of code.
type fencedRegion struct {
	start, stop int
}

// ExtractBlocks returns the code of every ```repl fence in the model
// output, in document order.
func ExtractBlocks(output string) []string {
	blocks, _ := scanOutput([]byte(output))
	return blocks
}

// scanOutput walks the markdown tree once, collecting repl fence code
// and the byte regions of every code block (any tag, fenced or
// indented).
func scanOutput(source []byte) ([]string, []fencedRegion) {
	doc := goldmark.New().Parser().Parse(text.NewReader(source))

	var blocks []string
	var regions []fencedRegion
	_ = ast.Walk(doc, func(n ast.Node, entering bool) (ast.WalkStatus, error) {
		if !entering {
			return ast.WalkContinue, nil
		}
		switch node := n.(type) {
		case *ast.FencedCodeBlock:
			if r, ok := linesRegion(node); ok {
				regions = append(regions, r)
			}
			if string(node.Language(source)) == ReplFenceTag {
				blocks = append(blocks, blockCode(node, source))
			}
			return ast.WalkSkipChildren, nil
		case *ast.CodeBlock:
			if r, ok := linesRegion(node); ok {
				regions = append(regions, r)
			}
			return ast.WalkSkipChildren, nil
		}
		return ast.WalkContinue, nil
	})
	return blocks, regions
}

func blockCode(node ast.Node, source []byte) string {
	var b strings.Builder
	lines := node.Lines()
	for i := 0; i < lines.Len(); i++ {
		seg := lines.At(i)
		b.Write(seg.Value(source))
	}
	return b.String()
}

func linesRegion(node ast.Node) (fencedRegion, bool) {
	lines := node.Lines()
	if lines.Len() == 0 {
		return fencedRegion{}, false
	}
	return fencedRegion{
		start: lines.At(0).Start,
		stop:  lines.At(lines.Len() - 1).Stop,
	}, true
}

// FindFinal looks for a FINAL(...) written in prose, outside every code
// block. Models sometimes finish this way instead of calling the helper
// from code, and the intent is unambiguous. The argument is returned
// with string-literal quoting removed; the second result reports
// whether a well-formed FINAL was found.
func FindFinal(output string) (string, bool) {
	source := []byte(output)
	_, regions := scanOutput(source)

	for i := 0; i+len("FINAL(") <= len(source); i++ {
		if !strings.HasPrefix(output[i:], "FINAL(") {
			continue
		}
		if inRegion(i, regions) {
			continue
		}
		if i > 0 && isIdentByte(source[i-1]) {
			continue
		}
		inner, ok := balancedArg(output[i+len("FINAL("):])
		if !ok {
			continue
		}
		return unquoteLiteral(strings.TrimSpace(inner)), true
	}
	return "", false
}

func inRegion(pos int, regions []fencedRegion) bool {
	for _, r := range regions {
		if pos >= r.start && pos < r.stop {
			return true
		}
	}
	return false
}

func isIdentByte(c byte) bool {
	return c == '_' || c >= 'a' && c <= 'z' || c >= 'A' && c <= 'Z' || c >= '0' && c <= '9'
}

// balancedArg reads up to the parenthesis closing the argument list,
// tracking nesting and skipping over quoted strings. The argument may
// span lines; an unclosed call never matches.
func balancedArg(s string) (string, bool) {
	depth := 1
	var quote byte
	for i := 0; i < len(s); i++ {
		c := s[i]
		if quote != 0 {
			if c == '\\' {
				i++
			} else if c == quote {
				quote = 0
			}
			continue
		}
		switch c {
		case '"', '\'':
			quote = c
		case '(':
			depth++
		case ')':
			depth--
			if depth == 0 {
				return s[:i], true
			}
		}
	}
	return "", false
}

// unquoteLiteral strips one level of string quoting when the whole
// argument is a single literal. Anything else is returned verbatim.
func unquoteLiteral(s string) string {
	if len(s) < 2 {
		return s
	}
	switch {
	case s[0] == '"' && s[len(s)-1] == '"':
		if u, err := strconv.Unquote(s); err == nil {
			return u
		}
	case s[0] == '\'' && s[len(s)-1] == '\'':
		inner := s[1 : len(s)-1]
		if !strings.ContainsAny(inner, `'`) {
			inner = strings.ReplaceAll(inner, `\\`, `\`)
			return inner
		}
	}
	return s
}
