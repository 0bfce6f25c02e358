package relm

import (
	"fmt"
	"sort"
	"strings"
)

// rootSystemPrompt is the standing instruction for the driving model.
// It describes the machine the model is operating, not the task; the
// task arrives as the first user message.
func rootSystemPrompt(maxIter int) string {
	var b strings.Builder
	b.WriteString(`You are solving a task with a persistent code environment.

The environment is a Starlark REPL (a Python-like language). Anything you bind persists across your replies. The variable ` + "`context`" + ` already holds the user's data; inspect it before assuming its shape.

To run code, put it in a fenced block tagged ` + "`repl`" + `:

` + "```repl" + `
part = context["pages"][0]
print(len(part))
` + "```" + `

Every block in a reply is executed in order and you get stdout, stderr, and a digest of your bound variables back.

Helpers available in the environment:
- llm_query(prompt, model=None): ask a language model a single question, returns its answer as a string.
- llm_query_batched(prompts, model=None): ask many questions at once, returns a list of answers in the same order. Prefer this over a loop of llm_query calls.
- FINAL(value): submit value as your final answer and end the task.
- FINAL_VAR(name): submit the variable with that name as your final answer.
- open(path): read a file from the workspace as a string.

Split work that exceeds what you can read at once: slice context into parts, send the parts through llm_query_batched, and combine the results in code.

When you are done, call FINAL(...) or FINAL_VAR(...) from a repl block. If you can answer without running any more code, write FINAL(answer) on its own line instead.
`)
	fmt.Fprintf(&b, "\nYou have at most %d replies to finish the task.\n", maxIter)
	return b.String()
}

// continueNudge is appended when a reply contains neither executable
// code nor a FINAL, so the loop has nothing to do with it.
const continueNudge = "Your reply contained no ```repl block and no FINAL(...). " +
	"Continue working: write code in a ```repl block, or finish with FINAL(answer)."

// forcedAnswerPrompt asks for a direct answer once the iteration budget
// is spent. The variable digest gives the model its own state back so
// partial work is not lost.
func forcedAnswerPrompt(vars map[string]string) string {
	var b strings.Builder
	b.WriteString("You have used all available replies. Based on the work so far, give your best final answer now as plain text. Do not write any more code.")
	if len(vars) > 0 {
		b.WriteString("\n\nYour bound variables:\n")
		names := make([]string, 0, len(vars))
		for name := range vars {
			names = append(names, name)
		}
		sort.Strings(names)
		for _, name := range names {
			fmt.Fprintf(&b, "  %s = %s\n", name, vars[name])
		}
	}
	return b.String()
}

// budgetExhaustedAnswer stands in for a final answer when the token
// budget ends the turn first. A forced synthesis call would itself
// cost tokens the turn no longer has.
const budgetExhaustedAnswer = "The token budget for this task was exhausted before a final answer was produced."

// compactSystemPrompt instructs the summarization call that folds old
// iterations when the transcript outgrows the compaction threshold.
const compactSystemPrompt = "Summarize the following REPL session transcript concisely. " +
	"Preserve variable names and what they hold, key facts and computed values, decisions, and errors. " +
	"Omit repeated output and dead ends."

// summaryPrefix marks a compaction summary in the message history so
// later passes fold prior summaries instead of stacking them.
const summaryPrefix = "[Summary of earlier work]\n"
