// Package ingest loads context files for the recursion engine. A loader
// turns a file on disk into the plain-text value bound as `context` in the
// REPL: text and markdown pass through, PDFs and HTML are reduced to their
// readable text.
package ingest

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// maxContextBytes caps how large a context file may be. Contexts are held
// in memory for the whole turn.
const maxContextBytes = 64 << 20

// Load reads the file at path and returns its text content, dispatching on
// the file extension. Unknown extensions are treated as plain text.
func Load(path string) (string, error) {
	info, err := os.Stat(path)
	if err != nil {
		return "", err
	}
	if info.Size() > maxContextBytes {
		return "", fmt.Errorf("ingest: %s is %d bytes, above the %d byte limit", path, info.Size(), maxContextBytes)
	}

	content, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}

	switch strings.ToLower(strings.TrimPrefix(filepath.Ext(path), ".")) {
	case "pdf":
		return extractPDF(content)
	case "html", "htm":
		return extractHTML(content)
	default:
		return string(content), nil
	}
}
