package relm

import (
	"fmt"
	"sort"
	"strings"
)

// maxResultMessageLen caps the rune length of one execution-result
// message appended to the conversation. Full output still reaches
// stream consumers; only the accumulated history is trimmed.
const maxResultMessageLen = 100_000

// FormatResults renders the outcome of one iteration's executed blocks
// as the user-role message the model reads next: per-block stdout and
// stderr, then a digest of the variables currently bound in the
// environment.
func FormatResults(blocks []ExecutedBlock, vars map[string]string) string {
	var b strings.Builder
	for i, blk := range blocks {
		if i > 0 {
			b.WriteString("\n")
		}
		fmt.Fprintf(&b, "[block %d]\n", i+1)
		writeResult(&b, blk.Result)
	}
	if len(vars) > 0 {
		b.WriteString("\nBound variables:\n")
		names := make([]string, 0, len(vars))
		for name := range vars {
			names = append(names, name)
		}
		sort.Strings(names)
		for _, name := range names {
			fmt.Fprintf(&b, "  %s = %s\n", name, vars[name])
		}
	}
	return truncateStr(b.String(), maxResultMessageLen)
}

func writeResult(b *strings.Builder, res REPLResult) {
	switch {
	case res.IsError:
		if res.Stdout != "" {
			b.WriteString("stdout:\n")
			b.WriteString(ensureNewline(res.Stdout))
		}
		b.WriteString("error:\n")
		b.WriteString(ensureNewline(res.Stderr))
	case res.Stdout == "":
		b.WriteString("(no output)\n")
	default:
		b.WriteString("stdout:\n")
		b.WriteString(ensureNewline(res.Stdout))
	}
}

func ensureNewline(s string) string {
	if strings.HasSuffix(s, "\n") {
		return s
	}
	return s + "\n"
}

// truncateStr truncates a string to n runes.
func truncateStr(s string, n int) string {
	// Byte length within n guarantees the rune count is too, skipping
	// the []rune allocation for short strings.
	if len(s) <= n {
		return s
	}
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "\n\n[output truncated]"
}
