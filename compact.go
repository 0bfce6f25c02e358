package relm

import (
	"context"
	"fmt"
	"strings"
)

// compact folds old iterations into a summary produced by a
// summarization call, keeping the opening system prompt, the task, and
// the last keepRecent iterations verbatim. Prior summaries are folded
// again so successive passes do not stack. On any failure the
// transcript is returned unchanged; a long transcript beats a dead
// turn.
//
// Returns the new message slice and the number of iterations folded.
func (e *Engine) compact(ctx context.Context, scopeID string, messages []ChatMessage, usage UsageMap) ([]ChatMessage, int) {
	// messages[0] is the system prompt, messages[1] the task. Nothing
	// before index 2 is ever folded.
	if len(messages) <= 2 {
		return messages, 0
	}

	// Walk backwards to the boundary of the last keepRecent iterations;
	// each assistant message opens one iteration.
	preserveFrom := len(messages)
	count := 0
	for i := len(messages) - 1; i >= 2; i-- {
		if messages[i].Role == "assistant" {
			count++
			if count >= e.keepRecent {
				preserveFrom = i
				break
			}
		}
	}

	var old strings.Builder
	var toRemove []int
	folded := 0
	for i := 2; i < preserveFrom; i++ {
		m := messages[i]
		toRemove = append(toRemove, i)
		if m.Role == "assistant" {
			folded++
		}
		if m.Content == continueNudge {
			continue
		}
		if strings.HasPrefix(m.Content, summaryPrefix) {
			old.WriteString(strings.TrimPrefix(m.Content, summaryPrefix))
		} else {
			fmt.Fprintf(&old, "[%s]\n%s", m.Role, m.Content)
		}
		old.WriteString("\n---\n")
	}
	if len(toRemove) == 0 {
		return messages, 0
	}

	compactCtx := ctx
	if e.tracer != nil {
		var span Span
		compactCtx, span = e.tracer.Start(ctx, "engine.compact",
			IntAttr("messages_folded", len(toRemove)),
			IntAttr("iterations_folded", folded))
		defer span.End()
	}

	resp := e.router.CompleteSingle(compactCtx, LMRequest{
		ID: NewID(),
		Messages: []ChatMessage{
			SystemMessage(compactSystemPrompt),
			UserMessage(old.String()),
		},
		// Summarization is bookkeeping, not a root move: charge the
		// sub-call pool.
		ScopeID: scopeID,
		Depth:   1,
		Caller:  "compactor",
	})
	if resp.IsError() {
		e.logger.Warn("compaction failed, continuing uncompacted",
			"scope_id", scopeID, "error", resp.Message)
		return messages, 0
	}
	usage.Merge(resp.UsageByModel())

	removeSet := make(map[int]bool, len(toRemove))
	for _, idx := range toRemove {
		removeSet[idx] = true
	}
	compacted := make([]ChatMessage, 0, len(messages)-len(toRemove)+1)
	inserted := false
	for i, m := range messages {
		if removeSet[i] {
			if !inserted {
				compacted = append(compacted, UserMessage(summaryPrefix+resp.ChatCompletion.Text))
				inserted = true
			}
			continue
		}
		compacted = append(compacted, m)
	}

	e.logger.Info("transcript compacted",
		"scope_id", scopeID,
		"before_tokens", e.estimator.CountMessages(messages),
		"after_tokens", e.estimator.CountMessages(compacted),
		"messages_folded", len(toRemove))
	return compacted, folded
}
