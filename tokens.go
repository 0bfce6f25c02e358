package relm

import (
	"sync"

	"github.com/pkoukk/tiktoken-go"
)

// Estimator counts tokens for budget projections and compaction decisions.
// It uses the model's BPE encoding when one can be loaded and degrades to a
// four-characters-per-token approximation otherwise, so budget enforcement
// keeps working offline.
type Estimator struct {
	encoding *tiktoken.Tiktoken
	model    string
}

var (
	// Encodings are expensive to build; cache them per model.
	encodingCache = make(map[string]*tiktoken.Tiktoken)
	encodingMu    sync.RWMutex
)

// NewEstimator returns an estimator for the given model. It never fails:
// when no encoding is available the estimator falls back to approximation.
func NewEstimator(model string) *Estimator {
	encodingMu.RLock()
	cached, ok := encodingCache[model]
	encodingMu.RUnlock()
	if ok {
		return &Estimator{encoding: cached, model: model}
	}

	encoding, err := tiktoken.EncodingForModel(model)
	if err != nil {
		// cl100k_base covers the common chat models.
		encoding, err = tiktoken.GetEncoding("cl100k_base")
		if err != nil {
			return &Estimator{model: model}
		}
	}

	encodingMu.Lock()
	encodingCache[model] = encoding
	encodingMu.Unlock()

	return &Estimator{encoding: encoding, model: model}
}

// Count returns the token count for text.
func (e *Estimator) Count(text string) int {
	if e == nil || e.encoding == nil {
		return len(text) / 4
	}
	return len(e.encoding.Encode(text, nil, nil))
}

// CountMessages counts tokens across a message list, including the per-message
// framing overhead chat APIs charge for.
func (e *Estimator) CountMessages(msgs []ChatMessage) int {
	const perMessage = 3
	total := perMessage // reply priming
	for _, m := range msgs {
		total += perMessage
		total += e.Count(m.Role)
		total += e.Count(m.Content)
	}
	return total
}

// CountRequest projects the prompt-side token cost of a request, whichever
// shape it takes.
func (e *Estimator) CountRequest(req *LMRequest) int {
	switch {
	case req.Batched:
		total := 0
		for _, p := range req.Prompts {
			total += e.Count(p)
		}
		return total
	case len(req.Messages) > 0:
		return e.CountMessages(req.Messages)
	default:
		return e.Count(req.Prompt)
	}
}

// Model returns the model name this estimator was built for.
func (e *Estimator) Model() string { return e.model }
