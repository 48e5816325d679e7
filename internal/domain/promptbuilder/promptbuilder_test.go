package promptbuilder

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestLoad_ReadsFileContent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "prompt.md")
	if err := os.WriteFile(path, []byte("be a strict moderator"), 0o600); err != nil {
		t.Fatalf("setup failed: %v", err)
	}
	b, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if b.SystemPrompt() != "be a strict moderator" {
		t.Fatalf("unexpected prompt: %q", b.SystemPrompt())
	}
}

func TestLoad_MissingFileErrors(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.md"))
	if err == nil {
		t.Fatalf("expected error for missing file")
	}
}

func TestBatchSystemPrompt_AppendsInstruction(t *testing.T) {
	b := &Builder{prompt: "base prompt"}
	batch := b.BatchSystemPrompt()
	if !strings.HasPrefix(batch, "base prompt") {
		t.Fatalf("expected batch prompt to retain base prompt, got %q", batch)
	}
	if !strings.Contains(batch, "JSON ARRAY") {
		t.Fatalf("expected batch instruction to be appended, got %q", batch)
	}
	if b.SystemPrompt() != "base prompt" {
		t.Fatalf("expected non-batch prompt to remain unmodified")
	}
}

func TestContextWindow_FIFOEviction(t *testing.T) {
	w := NewContextWindow(2)
	w.Append("alice", "one")
	w.Append("bob", "two")
	w.Append("carol", "three")

	snap := w.Snapshot()
	if len(snap) != 2 {
		t.Fatalf("expected capacity-bounded length 2, got %d", len(snap))
	}
	if snap[0].Sender != "bob" || snap[1].Sender != "carol" {
		t.Fatalf("expected FIFO eviction of oldest entry, got %+v", snap)
	}
}

func TestContextWindow_ZeroCapacityDisablesContext(t *testing.T) {
	w := NewContextWindow(0)
	w.Append("alice", "one")
	if w.Len() != 0 {
		t.Fatalf("expected zero-capacity window to remain empty")
	}
}

func TestBuildPayload_OmitsContextWhenDisabled(t *testing.T) {
	w := NewContextWindow(5)
	w.Append("alice", "hi")

	p := BuildPayload("hello", "alice", w.Snapshot(), 0, false)
	if p.ContextWindow != nil {
		t.Fatalf("expected context to be omitted, got %+v", p.ContextWindow)
	}

	p2 := BuildPayload("hello", "alice", w.Snapshot(), 0, true)
	if len(p2.ContextWindow) != 1 {
		t.Fatalf("expected context to be included, got %+v", p2.ContextWindow)
	}
}
