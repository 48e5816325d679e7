package processedcache

import "testing"

func TestIsProcessed_InitiallyAbsent(t *testing.T) {
	c := New(10)
	if c.IsProcessed(Key{ChatID: 1, MessageID: 1}) {
		t.Fatalf("expected fresh cache to report unprocessed")
	}
}

func TestMarkProcessed_ThenIsProcessed(t *testing.T) {
	c := New(10)
	k := Key{ChatID: 1, MessageID: 42}
	c.MarkProcessed(k)

	if !c.IsProcessed(k) {
		t.Fatalf("expected key to be reported processed after MarkProcessed")
	}
}

func TestMarkProcessed_Eviction(t *testing.T) {
	c := New(2)
	k1 := Key{ChatID: 1, MessageID: 1}
	k2 := Key{ChatID: 1, MessageID: 2}
	k3 := Key{ChatID: 1, MessageID: 3}

	c.MarkProcessed(k1)
	c.MarkProcessed(k2)
	c.MarkProcessed(k3) // should evict k1 (least recently used)

	if c.IsProcessed(k1) {
		t.Fatalf("expected k1 to be evicted")
	}
	if !c.IsProcessed(k2) || !c.IsProcessed(k3) {
		t.Fatalf("expected k2 and k3 to remain")
	}
	if c.Len() != 2 {
		t.Fatalf("expected len 2, got %d", c.Len())
	}
}

func TestIsProcessed_TouchesRecency(t *testing.T) {
	c := New(2)
	k1 := Key{ChatID: 1, MessageID: 1}
	k2 := Key{ChatID: 1, MessageID: 2}
	k3 := Key{ChatID: 1, MessageID: 3}

	c.MarkProcessed(k1)
	c.MarkProcessed(k2)
	c.IsProcessed(k1) // touch k1, making k2 the LRU candidate
	c.MarkProcessed(k3)

	if c.IsProcessed(k2) {
		t.Fatalf("expected k2 to be evicted after k1 was touched")
	}
	if !c.IsProcessed(k1) {
		t.Fatalf("expected k1 to survive due to recency touch")
	}
}

func TestNew_NonPositiveCapacityFallsBackToDefault(t *testing.T) {
	c := New(0)
	if c == nil {
		t.Fatalf("expected non-nil cache")
	}
}
