// Package replenv provides the sandboxed Starlark execution environment
// the recursion engine drives: a persistent namespace seeded with the
// user's context, llm_query helpers for recursive sub-calls, and a
// syntactic validator that rejects hostile code before it runs.
package replenv

import (
	"fmt"
	"strings"

	"go.starlark.net/syntax"
)

// Tier selects the sandbox posture.
//
// TierStrict is the posture for code embedded in sub-call prompts: no file
// access, no module loading, and the dynamic-execution builtins rejected.
// TierREPL is the posture for the interactive loop: open() and an
// allowlisted load() are available, the rest stays blocked.
type Tier int

const (
	TierStrict Tier = iota
	TierREPL
)

func (t Tier) String() string {
	if t == TierStrict {
		return "strict"
	}
	return "repl"
}

// Violation is code rejected by validation. The text is written for the
// model that authored the code: it states the rule, not internals.
type Violation struct {
	Line int32
	Rule string
}

func (v *Violation) Error() string {
	return fmt.Sprintf("sandbox violation at line %d: %s", v.Line, v.Rule)
}

// blockedModules can never be loaded; their names resolve to stubs whose
// attribute access fails with the same message.
var blockedModules = map[string]bool{
	"os":              true,
	"subprocess":      true,
	"socket":          true,
	"shutil":          true,
	"ctypes":          true,
	"sys":             true,
	"signal":          true,
	"threading":       true,
	"multiprocessing": true,
	"pickle":          true,
	"importlib":       true,
}

// blockedCalls are rejected in every tier.
var blockedCalls = map[string]bool{
	"eval":    true,
	"exec":    true,
	"compile": true,
	"input":   true,
	"globals": true,
	"locals":  true,
}

// strictOnlyCalls are additionally rejected in the strict tier.
var strictOnlyCalls = map[string]bool{
	"__import__": true,
	"open":       true,
}

// allowedLoads is the REPL tier's load() allowlist.
var allowedLoads = map[string]bool{
	"json": true,
	"math": true,
	"time": true,
}

// fileOptions returns the dialect both validation and execution use.
// GlobalReassign lets successive REPL chunks rebind names; recursion and
// while loops are permitted because the timeout, not the grammar, bounds
// runtime.
func fileOptions() *syntax.FileOptions {
	return &syntax.FileOptions{
		Set:               true,
		While:             true,
		TopLevelControl:   true,
		GlobalReassign:    true,
		LoadBindsGlobally: true,
		Recursion:         true,
	}
}

// Validate parses code and walks the syntax tree, rejecting blocked
// loads, blocked callables, and the known bypass shapes (getattr with a
// blocked name literal, __builtins__ traversal). It is pure: validating
// the same code twice gives the same answer, and nothing is executed.
func Validate(code string, tier Tier) error {
	f, err := fileOptions().Parse("<repl>", code, 0)
	if err != nil {
		return fmt.Errorf("parse: %w", err)
	}
	return validateFile(f, tier)
}

func validateFile(f *syntax.File, tier Tier) error {
	var violation *Violation
	for _, stmt := range f.Stmts {
		syntax.Walk(stmt, func(n syntax.Node) bool {
			if violation != nil {
				return false
			}
			switch node := n.(type) {
			case *syntax.LoadStmt:
				violation = checkLoad(node, tier)
			case *syntax.CallExpr:
				violation = checkCall(node, tier)
			case *syntax.Ident:
				if node.Name == "__builtins__" {
					violation = violationAt(n, "__builtins__ is not accessible")
				}
			case *syntax.DotExpr:
				if node.Name != nil && node.Name.Name == "__builtins__" {
					violation = violationAt(n, "__builtins__ is not accessible")
				}
			}
			return violation == nil
		})
		if violation != nil {
			return violation
		}
	}
	return nil
}

func checkLoad(node *syntax.LoadStmt, tier Tier) *Violation {
	if tier == TierStrict {
		return violationAt(node, "load is not available in strict mode")
	}
	name := strings.TrimSuffix(node.ModuleName(), ".star")
	if blockedModules[name] {
		return violationAt(node, fmt.Sprintf("module %s is disabled in the sandbox", name))
	}
	if !allowedLoads[name] {
		return violationAt(node, fmt.Sprintf("module %s is not on the load allowlist", name))
	}
	return nil
}

func checkCall(node *syntax.CallExpr, tier Tier) *Violation {
	ident, ok := node.Fn.(*syntax.Ident)
	if !ok {
		return nil
	}
	name := ident.Name
	if blockedCalls[name] || (tier == TierStrict && strictOnlyCalls[name]) {
		return violationAt(node, fmt.Sprintf("%s is disabled in the sandbox", name))
	}
	// getattr(x, "eval") and friends re-open the front door; reject when
	// the attribute is a string literal naming a blocked callable.
	if name == "getattr" && len(node.Args) >= 2 {
		if lit, ok := node.Args[1].(*syntax.Literal); ok && lit.Token == syntax.STRING {
			if attr, ok := lit.Value.(string); ok {
				if blockedCalls[attr] || strictOnlyCalls[attr] || strings.HasPrefix(attr, "__") {
					return violationAt(node, fmt.Sprintf("getattr with %q is disabled in the sandbox", attr))
				}
			}
		}
	}
	return nil
}

func violationAt(n syntax.Node, rule string) *Violation {
	start, _ := n.Span()
	return &Violation{Line: start.Line, Rule: rule}
}
