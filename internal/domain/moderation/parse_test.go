package moderation

import "testing"

func TestParseVerdict_PlainJSON(t *testing.T) {
	v := ParseVerdict(`{"verdict":"mute","reason":"ads","reply":"no promo"}`)
	if v.Kind != KindMute || v.Reason != "ads" {
		t.Fatalf("unexpected verdict: %+v", v)
	}
}

func TestParseVerdict_FencedJSON(t *testing.T) {
	v := ParseVerdict("```json\n{\"verdict\":\"ban\",\"reason\":\"abuse\"}\n```")
	if v.Kind != KindBan {
		t.Fatalf("expected ban, got %+v", v)
	}
}

func TestParseVerdict_EmbeddedObject(t *testing.T) {
	v := ParseVerdict("Sure, here is my answer: {\"verdict\":\"warn\",\"reason\":\"borderline\"} thanks")
	if v.Kind != KindWarn {
		t.Fatalf("expected warn, got %+v", v)
	}
}

func TestParseVerdict_UnparseableFallsBackToOK(t *testing.T) {
	v := ParseVerdict("I cannot comply with this request.")
	if v.Kind != KindOK || v.Reason != "unparseable LLM response" {
		t.Fatalf("expected fail-open ok, got %+v", v)
	}
}

func TestParseBatchVerdicts_WholeArray(t *testing.T) {
	vs := ParseBatchVerdicts(`[{"index":0,"verdict":"ok"},{"index":1,"verdict":"delete","reason":"spam"}]`, 2)
	if len(vs) != 2 || vs[1].Kind != KindDelete {
		t.Fatalf("unexpected verdicts: %+v", vs)
	}
}

func TestParseBatchVerdicts_ExtractedArray(t *testing.T) {
	raw := "Here you go:\n[{\"index\":0,\"verdict\":\"ok\"}]\nHope that helps."
	vs := ParseBatchVerdicts(raw, 1)
	if len(vs) != 1 || vs[0].Kind != KindOK {
		t.Fatalf("unexpected verdicts: %+v", vs)
	}
}

func TestParseBatchVerdicts_IndividualObjects(t *testing.T) {
	raw := `{"index":0,"verdict":"ok"} {"index":1,"verdict":"warn","reason":"spammy"}`
	vs := ParseBatchVerdicts(raw, 2)
	if len(vs) != 2 || vs[1].Kind != KindWarn {
		t.Fatalf("unexpected verdicts: %+v", vs)
	}
}

func TestParseBatchVerdicts_FailSafeFallback(t *testing.T) {
	vs := ParseBatchVerdicts("not json at all", 3)
	if len(vs) != 3 {
		t.Fatalf("expected %d fallback verdicts, got %d", 3, len(vs))
	}
	for i, v := range vs {
		if v.Kind != KindOK || v.Reason != "unparseable batch response" {
			t.Fatalf("unexpected fallback verdict at %d: %+v", i, v)
		}
	}
}

func TestParseBatchVerdicts_MockEcho(t *testing.T) {
	items := []string{"a", "b", "c"}
	raw := `[{"index":0,"verdict":"ok"},{"index":1,"verdict":"ok"},{"index":2,"verdict":"ok"}]`
	vs := ParseBatchVerdicts(raw, len(items))
	if len(vs) != len(items) {
		t.Fatalf("expected %d verdicts, got %d", len(items), len(vs))
	}
	for _, v := range vs {
		if v.Kind != KindOK {
			t.Fatalf("expected all ok, got %+v", v)
		}
	}
}
