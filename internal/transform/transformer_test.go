package transform

import (
	"reflect"
	"testing"
	"time"
)

func TestTransformPassesThroughUnknownPairs(t *testing.T) {
	tr := NewTransformer()
	in := Context{"foo": "bar"}

	out := tr.Transform("widget", "gadget", in, time.Unix(0, 0))

	if out["foo"] != "bar" {
		t.Fatalf("expected passthrough of foo, got %v", out)
	}
	meta, ok := out["_transformation_metadata"].(map[string]interface{})
	if !ok {
		t.Fatalf("expected _transformation_metadata, got %v", out)
	}
	if meta["source_kind"] != "widget" || meta["target_kind"] != "gadget" {
		t.Fatalf("unexpected metadata: %v", meta)
	}
}

func TestTransformAppliesRegisteredFunction(t *testing.T) {
	tr := NewTransformer()
	tr.Register("a", "b", func(ctx Context) Context {
		ctx["touched"] = true
		return ctx
	})

	out := tr.Transform("a", "b", Context{"x": 1}, time.Unix(0, 0))

	if out["touched"] != true {
		t.Fatalf("expected registered transform to run, got %v", out)
	}
	if out["x"] != 1 {
		t.Fatalf("expected original keys preserved, got %v", out)
	}
}

func TestTransformIsIdempotentViaCache(t *testing.T) {
	tr := NewTransformer()
	calls := 0
	tr.Register("a", "b", func(ctx Context) Context {
		calls++
		ctx["call"] = calls
		return ctx
	})

	in := Context{"x": 1}
	first := tr.Transform("a", "b", in, time.Unix(0, 0))
	second := tr.Transform("a", "b", in, time.Unix(100, 0))

	if calls != 1 {
		t.Fatalf("expected underlying transform invoked once, got %d calls", calls)
	}
	if first["call"] != second["call"] {
		t.Fatalf("expected cached result reused, got %v vs %v", first, second)
	}
}

func TestTransformCacheDistinguishesByContextHash(t *testing.T) {
	tr := NewTransformer()
	calls := 0
	tr.Register("a", "b", func(ctx Context) Context {
		calls++
		return ctx
	})

	tr.Transform("a", "b", Context{"x": 1}, time.Unix(0, 0))
	tr.Transform("a", "b", Context{"x": 2}, time.Unix(0, 0))

	if calls != 2 {
		t.Fatalf("expected distinct contexts to bypass the cache, got %d calls", calls)
	}
}

func TestPreserveKeysKeepsOnlyNamed(t *testing.T) {
	ctx := Context{"a": 1, "b": 2, "c": 3}
	out := PreserveKeys(ctx, "a", "c")
	if len(out) != 2 || out["a"] != 1 || out["c"] != 3 {
		t.Fatalf("unexpected result: %v", out)
	}
}

func TestFilterKeysDropsNamed(t *testing.T) {
	ctx := Context{"a": 1, "b": 2}
	out := FilterKeys(ctx, "b")
	if len(out) != 1 || out["a"] != 1 {
		t.Fatalf("unexpected result: %v", out)
	}
}

func TestDefaultRuleAnalysisToGenerationNormalizesAudioParameters(t *testing.T) {
	tr := NewDefaultTransformer()
	in := Context{
		"audio_parameters": map[string]interface{}{
			"sample_rate":   44100,
			"channel_count": 2,
		},
		"detected_patterns": []interface{}{"rising_pitch"},
		"raw_samples":       []float64{0.1, 0.2},
	}

	out := tr.Transform("analysis", "generation", in, time.Unix(0, 0))

	params, ok := out["audio_parameters"].(map[string]interface{})
	if !ok {
		t.Fatalf("expected audio_parameters to survive, got %v", out)
	}
	if params["sample_rate_hz"] != 44100 || params["channels"] != 2 {
		t.Fatalf("expected normalized keys, got %v", params)
	}
	if _, ok := out["raw_samples"]; ok {
		t.Fatalf("expected raw_samples dropped for generation, got %v", out)
	}
	prompt, _ := out["prompt"].(string)
	if prompt == "" {
		t.Fatalf("expected detected pattern folded into prompt")
	}
}

func TestDefaultRuleAnalysisToGenerationIsIdempotent(t *testing.T) {
	tr := NewDefaultTransformer()
	in := Context{
		"audio_parameters": map[string]interface{}{
			"sample_rate":   44100,
			"channel_count": 2,
		},
		"detected_patterns": []interface{}{"rising_pitch"},
		"prompt":            "generate a melody",
	}

	once := tr.Transform("analysis", "generation", in, time.Unix(0, 0))
	twice := tr.Transform("analysis", "generation", once, time.Unix(0, 0))

	if !reflect.DeepEqual(once, twice) {
		t.Fatalf("expected re-applying the transform to be a no-op:\nonce:  %v\ntwice: %v", once, twice)
	}
	if _, ok := once["detected_patterns"]; ok {
		t.Fatalf("expected detected_patterns consumed by the prompt fold, got %v", once)
	}
}

func TestDefaultRuleTranscriptionToGenerationIsIdempotent(t *testing.T) {
	tr := NewDefaultTransformer()
	in := Context{"transcript": "hello world", "prompt": "summarize:"}

	once := tr.Transform("transcription", "generation", in, time.Unix(0, 0))
	twice := tr.Transform("transcription", "generation", once, time.Unix(0, 0))

	if !reflect.DeepEqual(once, twice) {
		t.Fatalf("expected re-applying the transform to be a no-op:\nonce:  %v\ntwice: %v", once, twice)
	}
	if _, ok := once["transcript"]; ok {
		t.Fatalf("expected transcript consumed by the prompt fold, got %v", once)
	}
	if once["prompt"] != "summarize:\n\nhello world" {
		t.Fatalf("expected transcript folded into prompt exactly once, got %q", once["prompt"])
	}
}

func TestDefaultRuleGenerationToAnalysisFiltersFields(t *testing.T) {
	tr := NewDefaultTransformer()
	in := Context{"prompt": "hi", "sampling_params": map[string]interface{}{"temp": 0.7}, "model_id": "m1"}

	out := tr.Transform("generation", "analysis", in, time.Unix(0, 0))

	if _, ok := out["model_id"]; ok {
		t.Fatalf("expected model_id filtered out, got %v", out)
	}
	if out["prompt"] != "hi" {
		t.Fatalf("expected prompt preserved, got %v", out)
	}
}
