package batch

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"telegram-userbot/internal/domain/moderation"
)

func msgWithText(text string) moderation.QueuedMessage {
	return moderation.QueuedMessage{
		Payload: moderation.Payload{Text: text, Sender: "alice"},
		Original: moderation.Message{MessageID: 1, Text: text},
	}
}

func TestAdd_NoFlushBelowThreshold(t *testing.T) {
	q := New(3000, func(ctx context.Context, items []moderation.QueuedMessage) {
		t.Fatalf("flush should not be triggered below threshold")
	}, nil)
	q.Add(msgWithText("short"))
	if q.Size() != 1 {
		t.Fatalf("expected 1 item, got %d", q.Size())
	}
}

func TestAdd_SignalsFlushOnTokenOverflow(t *testing.T) {
	q := New(10, nil, nil)
	q.Add(msgWithText(strings.Repeat("a", 100))) // ~25 tokens > 10
	select {
	case <-q.flushSignalCh:
	default:
		t.Fatalf("expected flush signal to be raised")
	}
}

func TestDrain_ClearsQueueAndPreservesOrder(t *testing.T) {
	q := New(3000, nil, nil)
	q.Add(msgWithText("one"))
	q.Add(msgWithText("two"))
	q.Add(msgWithText("three"))

	drained := q.Drain()
	if len(drained) != 3 {
		t.Fatalf("expected 3 drained items, got %d", len(drained))
	}
	if drained[0].Payload.Text != "one" || drained[2].Payload.Text != "three" {
		t.Fatalf("expected enqueue order preserved, got %+v", drained)
	}
	if q.Size() != 0 {
		t.Fatalf("expected queue empty after drain")
	}
}

func TestBuildBatchPrompt_EmitsIndexAndMessageID(t *testing.T) {
	items := []moderation.QueuedMessage{msgWithText("hello"), msgWithText("world")}
	items[0].Original.MessageID = 10
	items[1].Original.MessageID = 11

	raw, err := BuildBatchPrompt(items)
	if err != nil {
		t.Fatalf("BuildBatchPrompt failed: %v", err)
	}
	if !strings.Contains(raw, `"message_id":10`) || !strings.Contains(raw, `"message_id":11`) {
		t.Fatalf("expected message ids in payload, got %s", raw)
	}
	if !strings.Contains(raw, `"index":0`) || !strings.Contains(raw, `"index":1`) {
		t.Fatalf("expected indices in payload, got %s", raw)
	}
}

func TestRunLoop_FlushesOnSignal(t *testing.T) {
	var mu sync.Mutex
	var flushed []moderation.QueuedMessage
	done := make(chan struct{})

	q := New(10, func(ctx context.Context, items []moderation.QueuedMessage) {
		mu.Lock()
		flushed = items
		mu.Unlock()
		close(done)
	}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go q.RunLoop(ctx, func() time.Duration { return time.Minute })

	q.Add(msgWithText(strings.Repeat("x", 100)))

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("expected flush to be triggered by signal")
	}

	mu.Lock()
	defer mu.Unlock()
	if len(flushed) != 1 {
		t.Fatalf("expected 1 flushed item, got %d", len(flushed))
	}
}

func TestFlush_TriggersRunLoopEvenBelowTokenThreshold(t *testing.T) {
	var mu sync.Mutex
	var flushed []moderation.QueuedMessage
	done := make(chan struct{})

	q := New(3000, func(ctx context.Context, items []moderation.QueuedMessage) {
		mu.Lock()
		flushed = items
		mu.Unlock()
		close(done)
	}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go q.RunLoop(ctx, func() time.Duration { return time.Minute })

	q.Add(msgWithText("short")) // below the 3000-token threshold, would not self-signal
	q.Flush()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("expected Flush to trigger RunLoop's drain regardless of accumulated tokens")
	}

	mu.Lock()
	defer mu.Unlock()
	if len(flushed) != 1 {
		t.Fatalf("expected 1 flushed item, got %d", len(flushed))
	}
}

func TestRunLoop_StopsOnContextCancel(t *testing.T) {
	q := New(3000, func(ctx context.Context, items []moderation.QueuedMessage) {}, nil)
	ctx, cancel := context.WithCancel(context.Background())

	stopped := make(chan struct{})
	go func() {
		q.RunLoop(ctx, func() time.Duration { return time.Millisecond })
		close(stopped)
	}()

	cancel()
	select {
	case <-stopped:
	case <-time.After(2 * time.Second):
		t.Fatalf("expected RunLoop to return after context cancel")
	}
}
