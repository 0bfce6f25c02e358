package observer

import "go.opentelemetry.io/otel/attribute"

// Attribute keys for runtime observability spans and metrics.
var (
	AttrLMModel   = attribute.Key("lm.model")
	AttrLMBackend = attribute.Key("lm.backend")
	AttrLMScope   = attribute.Key("lm.scope")
	AttrLMDepth   = attribute.Key("lm.depth")
	AttrLMBatched = attribute.Key("lm.batched")

	AttrTokensInput  = attribute.Key("lm.tokens.input")
	AttrTokensOutput = attribute.Key("lm.tokens.output")
	AttrCostUSD      = attribute.Key("lm.cost_usd")

	AttrStreamChunks = attribute.Key("lm.stream_chunks")

	AttrREPLTier   = attribute.Key("repl.tier")
	AttrREPLStatus = attribute.Key("repl.status")

	AttrToolName         = attribute.Key("tool.name")
	AttrToolStatus       = attribute.Key("tool.status")
	AttrToolResultLength = attribute.Key("tool.result_length")

	AttrTurnScope      = attribute.Key("turn.scope")
	AttrTurnIterations = attribute.Key("turn.iterations")
	AttrTurnStatus     = attribute.Key("turn.status")
)
