package relm

// TurnEventType identifies the kind of streaming event.
type TurnEventType string

const (
	// EventTurnStart opens a turn; Content carries the scope ID.
	EventTurnStart TurnEventType = "turn-start"
	// EventIterationStart signals the next loop iteration.
	EventIterationStart TurnEventType = "iteration-start"
	// EventOutputDelta carries an incremental chunk of model output.
	EventOutputDelta TurnEventType = "output-delta"
	// EventBlockStart signals a code block is about to execute; Content
	// carries the code.
	EventBlockStart TurnEventType = "block-start"
	// EventBlockResult carries the result of an executed block.
	EventBlockResult TurnEventType = "block-result"
	// EventCompaction signals old iterations were folded into a summary.
	EventCompaction TurnEventType = "compaction"
	// EventFinal carries the final answer as soon as it is known.
	EventFinal TurnEventType = "final"
	// EventTurnEnd closes the turn.
	EventTurnEnd TurnEventType = "turn-end"
)

// TurnEvent is a typed event emitted during a streaming turn.
// Consumers receive these on the channel passed to RunStream.
type TurnEvent struct {
	// Type identifies the event kind.
	Type TurnEventType `json:"type"`
	// Iteration is the zero-based loop iteration the event belongs to.
	Iteration int `json:"iteration,omitempty"`
	// Content carries the event payload: scope ID, output chunk, block
	// code, or final answer, depending on Type.
	Content string `json:"content,omitempty"`
	// Result carries the execution outcome (block-result only).
	Result *REPLResult `json:"result,omitempty"`
}
