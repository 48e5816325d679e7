package reputation

import (
	"encoding/json"
	"path/filepath"
	"strings"
	"testing"
)

func newTestRep(t *testing.T) *Reputation {
	t.Helper()
	return New(filepath.Join(t.TempDir(), "reputation.json"), Options{})
}

func TestTier_AbsentUserIsNewcomer(t *testing.T) {
	r := newTestRep(t)
	if r.Tier(1) != TierNewcomer {
		t.Fatalf("expected absent user to be newcomer")
	}
	if r.IsTrusted(1) {
		t.Fatalf("absent user must not be trusted")
	}
}

func TestUpdateActivity_CreatesAndIncrements(t *testing.T) {
	r := newTestRep(t)
	if err := r.UpdateActivity(1); err != nil {
		t.Fatalf("UpdateActivity failed: %v", err)
	}
	if err := r.UpdateActivity(1); err != nil {
		t.Fatalf("UpdateActivity failed: %v", err)
	}
	if r.users[1].MessageCount != 2 {
		t.Fatalf("expected message_count 2, got %d", r.users[1].MessageCount)
	}
}

func TestIsTrusted_RequiresAgeAndMessageCount(t *testing.T) {
	r := newTestRep(t)
	_ = r.UpdateActivity(1)

	r.mu.Lock()
	r.users[1].FirstSeen -= int64(8 * 24 * 60 * 60) // 8 days ago
	r.users[1].MessageCount = 49
	r.mu.Unlock()
	if r.IsTrusted(1) {
		t.Fatalf("expected user below message threshold to not be trusted")
	}

	r.mu.Lock()
	r.users[1].MessageCount = 50
	r.mu.Unlock()
	if !r.IsTrusted(1) {
		t.Fatalf("expected user meeting both thresholds to be trusted")
	}
}

func TestAddStrike_ExcerptTruncatedTo100Runes(t *testing.T) {
	r := newTestRep(t)
	long := strings.Repeat("a", 250)
	if err := r.AddStrike(1, "spam-rule", "too spammy", long); err != nil {
		t.Fatalf("AddStrike failed: %v", err)
	}
	strikes := r.users[1].Strikes
	if len(strikes) != 1 {
		t.Fatalf("expected 1 strike, got %d", len(strikes))
	}
	if len([]rune(strikes[0].Excerpt)) != excerptLen {
		t.Fatalf("expected excerpt of %d runes, got %d", excerptLen, len([]rune(strikes[0].Excerpt)))
	}
}

func TestSaveLoad_RoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "reputation.json")
	r := New(path, Options{})
	_ = r.UpdateActivity(42)
	_ = r.AddStrike(42, "rule", "reason", "text")

	r2 := New(path, Options{})
	if err := r2.Load(); err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	u, ok := r2.users[42]
	if !ok {
		t.Fatalf("expected user 42 to survive round trip")
	}
	if u.MessageCount != 1 || len(u.Strikes) != 1 {
		t.Fatalf("unexpected round-tripped state: %+v", u)
	}
	if u.UserID != 42 {
		t.Fatalf("expected nested user_id to be backfilled from the map key, got %d", u.UserID)
	}
}

func TestOnDiskSchema_MatchesDocumentedFieldNames(t *testing.T) {
	r := newTestRep(t)
	if err := r.AddStrike(42, "rule", "reason", "text"); err != nil {
		t.Fatalf("AddStrike failed: %v", err)
	}

	r.mu.RLock()
	raw := map[string]*UserStats{"42": r.users[42]}
	r.mu.RUnlock()

	data, err := json.Marshal(raw)
	if err != nil {
		t.Fatalf("Marshal failed: %v", err)
	}
	doc := string(data)
	if !strings.Contains(doc, `"user_id"`) {
		t.Fatalf("expected on-disk schema to carry user_id, got %s", doc)
	}
	if !strings.Contains(doc, `"message_excerpt"`) {
		t.Fatalf("expected on-disk schema to carry message_excerpt, got %s", doc)
	}
	if strings.Contains(doc, `"excerpt"`) && !strings.Contains(doc, `"message_excerpt"`) {
		t.Fatalf("expected excerpt field to be named message_excerpt, got %s", doc)
	}
}
