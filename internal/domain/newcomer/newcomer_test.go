package newcomer

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestIsNewcomer_AbsentUser(t *testing.T) {
	tr := New(24*time.Hour, filepath.Join(t.TempDir(), "newcomer.json"))
	if !tr.IsNewcomer(1) {
		t.Fatalf("expected absent user to be classified as newcomer")
	}
}

func TestRegister_IsIdempotent(t *testing.T) {
	tr := New(24*time.Hour, filepath.Join(t.TempDir(), "newcomer.json"))
	if err := tr.Register(1); err != nil {
		t.Fatalf("Register failed: %v", err)
	}
	first := tr.firstSeen[1]
	if err := tr.Register(1); err != nil {
		t.Fatalf("Register failed: %v", err)
	}
	if tr.firstSeen[1] != first {
		t.Fatalf("expected second Register to be a no-op")
	}
}

func TestRegister_IsWriteThrough(t *testing.T) {
	path := filepath.Join(t.TempDir(), "newcomer.json")
	tr := New(24*time.Hour, path)
	if err := tr.Register(1); err != nil {
		t.Fatalf("Register failed: %v", err)
	}

	tr2 := New(24*time.Hour, path)
	if err := tr2.Load(); err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if _, ok := tr2.firstSeen[1]; !ok {
		t.Fatalf("expected Register to persist first-seen to disk immediately")
	}
}

func TestIsNewcomer_WithinWindow(t *testing.T) {
	tr := New(24*time.Hour, filepath.Join(t.TempDir(), "newcomer.json"))
	if err := tr.Register(1); err != nil {
		t.Fatalf("Register failed: %v", err)
	}
	if !tr.IsNewcomer(1) {
		t.Fatalf("expected freshly registered user to remain a newcomer")
	}
}

func TestIsNewcomer_OutsideWindow(t *testing.T) {
	tr := New(24*time.Hour, filepath.Join(t.TempDir(), "newcomer.json"))
	tr.firstSeen[1] = time.Now().Add(-48 * time.Hour).Unix()
	if tr.IsNewcomer(1) {
		t.Fatalf("expected old first-seen to not be classified as newcomer")
	}
}

func TestBulkRegister_BackdatesAbsentAndNewcomers(t *testing.T) {
	tr := New(24*time.Hour, filepath.Join(t.TempDir(), "newcomer.json"))
	if err := tr.Register(2); err != nil { // fresh newcomer
		t.Fatalf("Register failed: %v", err)
	}
	tr.firstSeen[3] = time.Now().Add(-48 * time.Hour).Unix() // already a regular

	if err := tr.BulkRegister([]int64{1, 2, 3}); err != nil {
		t.Fatalf("BulkRegister failed: %v", err)
	}

	if tr.IsNewcomer(1) {
		t.Fatalf("expected absent user 1 to be backdated to non-newcomer")
	}
	if tr.IsNewcomer(2) {
		t.Fatalf("expected existing newcomer 2 to be rewritten to non-newcomer")
	}
	if tr.firstSeen[3] != tr.firstSeen[3] {
		t.Fatalf("sanity check failed")
	}
	old := time.Now().Add(-48 * time.Hour).Unix()
	if tr.firstSeen[3] > old+1 {
		t.Fatalf("expected already-old entry 3 to be left alone")
	}
}

func TestSaveLoad_RoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "newcomer.json")
	tr := New(24*time.Hour, path)
	if err := tr.Register(100); err != nil {
		t.Fatalf("Register failed: %v", err)
	}
	if err := tr.Register(200); err != nil {
		t.Fatalf("Register failed: %v", err)
	}

	if err := tr.Save(); err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	tr2 := New(24*time.Hour, path)
	if err := tr2.Load(); err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if len(tr2.firstSeen) != 2 {
		t.Fatalf("expected 2 entries after load, got %d", len(tr2.firstSeen))
	}
	if _, ok := tr2.firstSeen[100]; !ok {
		t.Fatalf("expected user 100 to survive round trip")
	}
}

func TestLoad_MissingFileYieldsEmptyMap(t *testing.T) {
	tr := New(24*time.Hour, filepath.Join(t.TempDir(), "missing.json"))
	if err := tr.Load(); err != nil {
		t.Fatalf("expected no error on missing file, got %v", err)
	}
	if len(tr.firstSeen) != 0 {
		t.Fatalf("expected empty map")
	}
}

func TestLoad_CorruptFileYieldsEmptyMap(t *testing.T) {
	path := filepath.Join(t.TempDir(), "newcomer.json")
	if err := os.WriteFile(path, []byte("not json"), 0o600); err != nil {
		t.Fatalf("setup failed: %v", err)
	}
	tr := New(24*time.Hour, path)
	if err := tr.Load(); err != nil {
		t.Fatalf("expected no hard error on corrupt file, got %v", err)
	}
	if len(tr.firstSeen) != 0 {
		t.Fatalf("expected empty map after corrupt load")
	}
}
