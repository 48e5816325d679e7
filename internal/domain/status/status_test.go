package status

import (
	"context"
	"strings"
	"testing"
)

type fakeChannel struct {
	found       bool
	foundID     int
	scanErr     error
	editErr     error
	sentID      int
	editCalls   int
	sendCalls   int
	lastText    string
}

func (f *fakeChannel) ScanForMarker(ctx context.Context, limit int, m string) (int, bool, error) {
	if f.scanErr != nil {
		return 0, false, f.scanErr
	}
	return f.foundID, f.found, nil
}

func (f *fakeChannel) EditMessage(ctx context.Context, messageID int, text string) error {
	f.editCalls++
	f.lastText = text
	return f.editErr
}

func (f *fakeChannel) SendMessage(ctx context.Context, text string) (int, error) {
	f.sendCalls++
	f.lastText = text
	f.sentID = 77
	return f.sentID, nil
}

func TestUpdate_DiscoversExistingMessage(t *testing.T) {
	ch := &fakeChannel{found: true, foundID: 42}
	r := New(ch)

	if err := r.Update(context.Background(), Snapshot{}, false); err != nil {
		t.Fatalf("Update failed: %v", err)
	}
	if ch.editCalls != 1 || ch.sendCalls != 0 {
		t.Fatalf("expected edit of discovered message, not a new send: edits=%d sends=%d", ch.editCalls, ch.sendCalls)
	}
}

func TestUpdate_SendsNewWhenNoneDiscovered(t *testing.T) {
	ch := &fakeChannel{found: false}
	r := New(ch)

	if err := r.Update(context.Background(), Snapshot{}, false); err != nil {
		t.Fatalf("Update failed: %v", err)
	}
	if ch.sendCalls != 1 {
		t.Fatalf("expected 1 send, got %d", ch.sendCalls)
	}
}

func TestUpdate_ThrottledWithoutForce(t *testing.T) {
	ch := &fakeChannel{found: false}
	r := New(ch)

	if err := r.Update(context.Background(), Snapshot{}, false); err != nil {
		t.Fatalf("first update failed: %v", err)
	}
	if err := r.Update(context.Background(), Snapshot{}, false); err != nil {
		t.Fatalf("second update failed: %v", err)
	}
	if ch.sendCalls != 1 {
		t.Fatalf("expected throttle to suppress second update, got %d sends", ch.sendCalls)
	}
}

func TestUpdate_ForceBypassesThrottle(t *testing.T) {
	ch := &fakeChannel{found: false}
	r := New(ch)

	_ = r.Update(context.Background(), Snapshot{}, false)
	if err := r.Update(context.Background(), Snapshot{}, true); err != nil {
		t.Fatalf("forced update failed: %v", err)
	}
	if ch.editCalls != 1 {
		t.Fatalf("expected forced update to edit the now-known message, got %d edits", ch.editCalls)
	}
}

func TestUpdate_NotModifiedTreatedAsSuccess(t *testing.T) {
	ch := &fakeChannel{found: true, foundID: 1, editErr: ErrNotModified}
	r := New(ch)

	if err := r.Update(context.Background(), Snapshot{}, false); err != nil {
		t.Fatalf("expected ErrNotModified to be treated as success, got %v", err)
	}
}

func TestUpdate_EditFailureFallsBackToNewMessage(t *testing.T) {
	ch := &fakeChannel{found: true, foundID: 1, editErr: context.DeadlineExceeded}
	r := New(ch)

	if err := r.Update(context.Background(), Snapshot{}, false); err != nil {
		t.Fatalf("Update failed: %v", err)
	}
	if ch.sendCalls != 1 {
		t.Fatalf("expected fallback send after edit failure, got %d", ch.sendCalls)
	}
}

func TestRender_ZeroTimeShowsNever(t *testing.T) {
	text := render(Snapshot{})
	if want := "Last flush: never"; !strings.Contains(text, want) {
		t.Fatalf("expected %q in rendered text, got:\n%s", want, text)
	}
}
