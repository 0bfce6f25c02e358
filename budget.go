package relm

import "sync"

// Budget scopes.
const (
	BudgetRoot = "root"
	BudgetSub  = "sub"
)

// Ledger enforces the per-turn token budgets: one pool for root-level
// calls, one shared pool for sub-calls at every depth. Counters are
// monotonic within a turn. A projected minimum charge is reserved before
// dispatch so that concurrent REPL code cannot stampede past the limit;
// actual usage is reconciled upward after the call returns. The mutex is
// never held across an LM call.
type Ledger struct {
	mu         sync.Mutex
	maxRoot    int // 0 = unlimited
	maxSub     int // 0 = unlimited
	rootUsed   int
	subUsed    int
	rootDenied bool
	subDenied  bool
}

func NewLedger(maxRootTokens, maxSubTokens int) *Ledger {
	return &Ledger{maxRoot: maxRootTokens, maxSub: maxSubTokens}
}

// ScopeFor maps a request depth onto a budget scope: depth 0 charges the
// root pool, everything deeper charges the shared sub-call pool.
func ScopeFor(depth int) string {
	if depth <= 0 {
		return BudgetRoot
	}
	return BudgetSub
}

// Reserve admits a projected charge against the scope's pool, or fails
// with ErrBudget when the reservation would cross the limit. A zero limit
// admits everything.
func (l *Ledger) Reserve(scope string, projected int) error {
	if l == nil {
		return nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	limit, used := l.pool(scope)
	if limit <= 0 {
		l.addLocked(scope, projected)
		return nil
	}
	if used+projected > limit {
		if scope == BudgetRoot {
			l.rootDenied = true
		} else {
			l.subDenied = true
		}
		return &ErrBudget{Scope: scope, Limit: limit, Used: used, Requested: projected}
	}
	l.addLocked(scope, projected)
	return nil
}

// Reconcile raises the reservation to the actual cost once it is known.
// Counters never decrease: when the call came in under its projection the
// projection stands.
func (l *Ledger) Reconcile(scope string, projected, actual int) {
	if l == nil {
		return
	}
	if delta := actual - projected; delta > 0 {
		l.mu.Lock()
		l.addLocked(scope, delta)
		l.mu.Unlock()
	}
}

// ResetTurn zeroes both pools for the next turn.
func (l *Ledger) ResetTurn() {
	if l == nil {
		return
	}
	l.mu.Lock()
	l.rootUsed = 0
	l.subUsed = 0
	l.rootDenied = false
	l.subDenied = false
	l.mu.Unlock()
}

// Denied reports whether the scope has rejected a reservation this turn.
// A sub-call that ran into the budget reaches the model only as an error
// string in its REPL result; the engine consults this flag after block
// execution to end the turn at the next step.
func (l *Ledger) Denied(scope string) bool {
	if l == nil {
		return false
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if scope == BudgetRoot {
		return l.rootDenied
	}
	return l.subDenied
}

// Used reports the tokens consumed so far per scope.
func (l *Ledger) Used() (root, sub int) {
	if l == nil {
		return 0, 0
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.rootUsed, l.subUsed
}

func (l *Ledger) pool(scope string) (limit, used int) {
	if scope == BudgetRoot {
		return l.maxRoot, l.rootUsed
	}
	return l.maxSub, l.subUsed
}

func (l *Ledger) addLocked(scope string, n int) {
	if scope == BudgetRoot {
		l.rootUsed += n
	} else {
		l.subUsed += n
	}
}
