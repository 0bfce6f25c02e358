package ingest

import (
	"bytes"
	"fmt"
	"net/url"
	"strings"

	readability "github.com/go-shiori/go-readability"
)

// localURL anchors relative links in loaded documents; the content never
// came over the network.
var localURL, _ = url.Parse("file:///context")

// extractHTML reduces an HTML document to its readable text via readability
// extraction. Documents readability cannot parse fall back to their raw
// form so the model still gets something to work with.
func extractHTML(content []byte) (string, error) {
	if len(content) == 0 {
		return "", fmt.Errorf("ingest: empty HTML content")
	}
	article, err := readability.FromReader(bytes.NewReader(content), localURL)
	if err != nil {
		return string(content), nil
	}
	text := strings.TrimSpace(article.TextContent)
	if text == "" {
		return string(content), nil
	}
	if article.Title != "" {
		return article.Title + "\n\n" + text, nil
	}
	return text, nil
}
