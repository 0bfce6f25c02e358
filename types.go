package relm

import "fmt"

// --- Chat primitives ---

type ChatMessage struct {
	Role    string `json:"role"` // "system", "user", "assistant"
	Content string `json:"content"`
}

// --- Model routing preferences ---

// ModelPreferences carries every hint a caller may give about which backend
// should serve a request. All fields are optional; resolution priority is
// exact name, then candidate list, then substring, then family.
type ModelPreferences struct {
	Model          string   `json:"model,omitempty"`
	ModelName      string   `json:"model_name,omitempty"`
	PreferredModel string   `json:"preferred_model,omitempty"`
	Candidates     []string `json:"candidates,omitempty"`
	Contains       string   `json:"contains,omitempty"`
	Family         string   `json:"family,omitempty"`
}

// ExplicitName returns the first explicitly named model, or "" when the
// preferences carry no exact name.
func (p *ModelPreferences) ExplicitName() string {
	if p == nil {
		return ""
	}
	for _, name := range []string{p.Model, p.ModelName, p.PreferredModel} {
		if name != "" {
			return name
		}
	}
	return ""
}

// Empty reports whether no routing hint is present at all.
func (p *ModelPreferences) Empty() bool {
	return p == nil || (p.Model == "" && p.ModelName == "" && p.PreferredModel == "" &&
		len(p.Candidates) == 0 && p.Contains == "" && p.Family == "")
}

// --- Sub-call protocol ---

// LMRequest is one request into the routing layer, either from the root
// loop or from REPL code calling llm_query / llm_query_batched. Exactly one
// of Prompt, Messages, or Prompts is populated; Batched marks the last.
type LMRequest struct {
	ID       string            `json:"id,omitempty"`
	Prompt   string            `json:"prompt,omitempty"`
	Messages []ChatMessage     `json:"messages,omitempty"`
	Batched  bool              `json:"batched,omitempty"`
	Prompts  []string          `json:"prompts,omitempty"`
	Prefs    *ModelPreferences `json:"model_preferences,omitempty"`
	ScopeID  string            `json:"scope_id,omitempty"`
	Depth    int               `json:"depth,omitempty"`
	Caller   string            `json:"caller,omitempty"`
}

// PromptText flattens the request into a single prompt string for backends
// and estimators that work on plain text.
func (r *LMRequest) PromptText() string {
	if r.Prompt != "" {
		return r.Prompt
	}
	var out string
	for i, m := range r.Messages {
		if i > 0 {
			out += "\n"
		}
		out += m.Content
	}
	return out
}

// --- Usage accounting ---

type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
}

func (u Usage) Add(v Usage) Usage {
	return Usage{
		PromptTokens:     u.PromptTokens + v.PromptTokens,
		CompletionTokens: u.CompletionTokens + v.CompletionTokens,
	}
}

func (u Usage) Total() int { return u.PromptTokens + u.CompletionTokens }

// ModelUsage is the per-model slice of a usage map: call count plus token
// totals, flattened into one JSON object.
type ModelUsage struct {
	Calls int `json:"calls"`
	Usage
}

// UsageMap accumulates usage per model name. Aggregation is associative, so
// maps produced concurrently can be merged in any order.
type UsageMap map[string]ModelUsage

// Record adds one call's usage under the given model name.
func (m UsageMap) Record(model string, u Usage) {
	cur := m[model]
	cur.Calls++
	cur.Usage = cur.Usage.Add(u)
	m[model] = cur
}

// Merge folds other into m.
func (m UsageMap) Merge(other UsageMap) {
	for model, mu := range other {
		cur := m[model]
		cur.Calls += mu.Calls
		cur.Usage = cur.Usage.Add(mu.Usage)
		m[model] = cur
	}
}

// TotalUsage sums token counts across all models.
func (m UsageMap) TotalUsage() Usage {
	var out Usage
	for _, mu := range m {
		out = out.Add(mu.Usage)
	}
	return out
}

func (m UsageMap) Clone() UsageMap {
	out := make(UsageMap, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// --- Completions ---

type ChatCompletion struct {
	Text      string `json:"text"`
	ModelName string `json:"model_name,omitempty"`
	Usage     Usage  `json:"usage"`
}

// LMResponse kinds.
const (
	KindSingle  = "single"
	KindBatched = "batched"
	KindError   = "error"
)

// Error kinds carried by error-variant responses.
const (
	ErrKindBudget     = "budget_exceeded"
	ErrKindResolution = "resolution_failed"
	ErrKindBackend    = "backend_failed"
	ErrKindTimeout    = "timed_out"
	ErrKindInternal   = "internal"
)

// LMResponse is a sum type: exactly one of ChatCompletion, ChatCompletions,
// or Message is set. The batched variant is a pointer so that an empty
// batch ([]) survives the wire as batched rather than collapsing into the
// error variant; decoding selects the variant by key presence.
type LMResponse struct {
	Kind            string            `json:"kind,omitempty"`
	ChatCompletion  *ChatCompletion   `json:"chat_completion,omitempty"`
	ChatCompletions *[]ChatCompletion `json:"chat_completions,omitempty"`
	Message         string            `json:"message,omitempty"`
	ErrorKind       string            `json:"error_kind,omitempty"`
}

func SingleResponse(c ChatCompletion) LMResponse {
	return LMResponse{Kind: KindSingle, ChatCompletion: &c}
}

func BatchedResponse(cs []ChatCompletion) LMResponse {
	if cs == nil {
		cs = []ChatCompletion{}
	}
	return LMResponse{Kind: KindBatched, ChatCompletions: &cs}
}

func ErrorResponse(errorKind, message string) LMResponse {
	return LMResponse{Kind: KindError, ErrorKind: errorKind, Message: message}
}

// ResolveKind returns the effective variant. When Kind was not sent it is
// inferred from which keys are present. A response with no variant at all
// is an invariant violation, never a silent default.
func (r *LMResponse) ResolveKind() (string, error) {
	switch {
	case r.ChatCompletion != nil:
		return KindSingle, nil
	case r.ChatCompletions != nil:
		return KindBatched, nil
	case r.Message != "" || r.ErrorKind != "":
		return KindError, nil
	}
	return "", &ErrInvariant{Op: "LMResponse.ResolveKind", Reason: "response carries no variant"}
}

// Validate fails fast unless exactly one variant is populated and the
// declared Kind, if any, matches it.
func (r *LMResponse) Validate() error {
	set := 0
	if r.ChatCompletion != nil {
		set++
	}
	if r.ChatCompletions != nil {
		set++
	}
	if r.Message != "" || r.ErrorKind != "" {
		set++
	}
	if set != 1 {
		return &ErrInvariant{Op: "LMResponse.Validate", Reason: fmt.Sprintf("%d variants populated, want exactly 1", set)}
	}
	kind, err := r.ResolveKind()
	if err != nil {
		return err
	}
	if r.Kind != "" && r.Kind != kind {
		return &ErrInvariant{Op: "LMResponse.Validate", Reason: fmt.Sprintf("kind %q does not match populated variant %q", r.Kind, kind)}
	}
	return nil
}

// IsError reports whether the response is the error variant.
func (r *LMResponse) IsError() bool {
	kind, err := r.ResolveKind()
	return err == nil && kind == KindError
}

// UsageByModel collects usage from whichever variant is populated.
func (r *LMResponse) UsageByModel() UsageMap {
	out := UsageMap{}
	if r.ChatCompletion != nil {
		out.Record(r.ChatCompletion.ModelName, r.ChatCompletion.Usage)
	}
	if r.ChatCompletions != nil {
		for _, c := range *r.ChatCompletions {
			out.Record(c.ModelName, c.Usage)
		}
	}
	return out
}

// --- REPL execution ---

// REPLResult is everything one code execution produced: captured streams,
// the error flag, and usage from any sub-calls the code issued.
type REPLResult struct {
	Stdout       string   `json:"stdout"`
	Stderr       string   `json:"stderr"`
	IsError      bool     `json:"is_error,omitempty"`
	SubCallUsage UsageMap `json:"sub_call_usage,omitempty"`
}

// Empty reports whether the execution produced no visible output at all.
func (r REPLResult) Empty() bool {
	return r.Stdout == "" && r.Stderr == ""
}

// --- Turn records ---

// ExecutedBlock pairs one extracted code block with its execution result.
type ExecutedBlock struct {
	Code   string     `json:"code"`
	Result REPLResult `json:"result"`
}

// Iteration is the engine's record of one loop step: the model output, the
// code blocks executed against the environment, and any final answer found.
type Iteration struct {
	Index        int             `json:"index"`
	PromptDigest string          `json:"prompt_digest,omitempty"`
	Output       string          `json:"output"`
	Blocks       []ExecutedBlock `json:"blocks,omitempty"`
	Final        string          `json:"final,omitempty"`
	HasFinal     bool            `json:"has_final,omitempty"`
	Compacted    bool            `json:"compacted,omitempty"`
}

// TurnCompletion is the aggregate a finished turn emits: the answer, the
// per-iteration records, and per-model usage including every sub-call.
type TurnCompletion struct {
	Answer     string      `json:"answer"`
	Iterations []Iteration `json:"iterations,omitempty"`
	Usage      UsageMap    `json:"usage"`
	Exhausted  bool        `json:"exhausted,omitempty"`
	Cancelled  bool        `json:"cancelled,omitempty"`
}

// --- ChatMessage constructors ---

func UserMessage(text string) ChatMessage {
	return ChatMessage{Role: "user", Content: text}
}

func SystemMessage(text string) ChatMessage {
	return ChatMessage{Role: "system", Content: text}
}

func AssistantMessage(text string) ChatMessage {
	return ChatMessage{Role: "assistant", Content: text}
}
