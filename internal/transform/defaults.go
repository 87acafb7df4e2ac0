package transform

// ruleEntry is a data-driven default transform rule: which
// (source, target) pair it applies to and the pure function that
// shapes the context. Shipping rules as a table, rather than a chain
// of hard-coded branches, is what lets NewDefaultTransformer stay a
// single loop over RegisterDefaults.
type ruleEntry struct {
	source string
	target string
	fn     TransformFunc
}

// defaultRules covers the common context-shape conversions between
// model kinds. Each entry is independent and order does not matter.
var defaultRules = []ruleEntry{
	{
		source: "analysis",
		target: "generation",
		fn:     analysisToGeneration,
	},
	{
		source: "generation",
		target: "analysis",
		fn:     generationToAnalysis,
	},
	{
		source: "transcription",
		target: "generation",
		fn:     transcriptionToGeneration,
	},
}

// RegisterDefaults installs the built-in rule set into t. Callers that
// want a narrower surface can build a bare NewTransformer and register
// only the pairs they need instead.
func (t *Transformer) RegisterDefaults() {
	for _, r := range defaultRules {
		t.Register(r.source, r.target, r.fn)
	}
}

// NewDefaultTransformer is NewTransformer with RegisterDefaults applied.
func NewDefaultTransformer(opts ...Option) *Transformer {
	t := NewTransformer(opts...)
	t.RegisterDefaults()
	return t
}

// analysisToGeneration adapts an analysis result's audio_parameters into
// the normalized form a generation request expects, and folds any
// detected pattern into the prompt so downstream generation is informed
// by what the analysis found. detected_patterns is consumed by the fold
// so applying the rule again leaves the prompt untouched.
func analysisToGeneration(ctx Context) Context {
	out := cloneContext(ctx)

	if raw, ok := out["audio_parameters"]; ok {
		if params, ok := raw.(map[string]interface{}); ok {
			out["audio_parameters"] = normalizeAudioParameters(params)
		}
	}

	if patterns, ok := out["detected_patterns"].([]interface{}); ok && len(patterns) > 0 {
		prompt, _ := out["prompt"].(string)
		out["prompt"] = appendPatternHints(prompt, patterns)
		delete(out, "detected_patterns")
	}

	delete(out, "raw_samples")
	return out
}

// generationToAnalysis strips generation-only fields and preserves only
// what an analysis pass can meaningfully consume.
func generationToAnalysis(ctx Context) Context {
	return PreserveKeys(ctx, "prompt", "sampling_params", "stop_sequences")
}

// transcriptionToGeneration folds a transcript into a generation
// prompt, consuming the transcript key so a second application is a
// no-op.
func transcriptionToGeneration(ctx Context) Context {
	out := cloneContext(ctx)
	if text, ok := out["transcript"].(string); ok {
		prompt, _ := out["prompt"].(string)
		if prompt == "" {
			out["prompt"] = text
		} else {
			out["prompt"] = prompt + "\n\n" + text
		}
		delete(out, "transcript")
	}
	return out
}

// normalizeAudioParameters adapts analysis-shaped keys (sample_rate,
// channel_count) to the generation-shaped keys (sample_rate_hz,
// channels) a generation backend expects, leaving unrecognized keys in
// place so the conversion is additive rather than lossy.
func normalizeAudioParameters(params map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(params))
	for k, v := range params {
		out[k] = v
	}
	if sr, ok := params["sample_rate"]; ok {
		out["sample_rate_hz"] = sr
	}
	if ch, ok := params["channel_count"]; ok {
		out["channels"] = ch
	}
	return out
}

func appendPatternHints(prompt string, patterns []interface{}) string {
	hint := "Observed patterns:"
	for _, p := range patterns {
		if s, ok := p.(string); ok {
			hint += " " + s + ";"
		}
	}
	if prompt == "" {
		return hint
	}
	return prompt + "\n\n" + hint
}
