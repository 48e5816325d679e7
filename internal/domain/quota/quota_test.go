package quota

import (
	"path/filepath"
	"testing"
	"time"
)

func TestInterval_FloorOfTenSeconds(t *testing.T) {
	m := New(100000, filepath.Join(t.TempDir(), "quota.json"))
	// remaining huge, seconds_until_midnight / remaining will be tiny -> floor applies
	if got := m.Interval(); got != minIntervalSeconds*time.Second {
		t.Fatalf("expected floor of %ds, got %v", minIntervalSeconds, got)
	}
}

func TestInterval_FallbackWhenExhausted(t *testing.T) {
	m := New(10, filepath.Join(t.TempDir(), "quota.json"))
	for i := 0; i < 10; i++ {
		if err := m.RecordBatchRequest(1); err != nil {
			t.Fatalf("RecordBatchRequest failed: %v", err)
		}
	}
	if got := m.Interval(); got != fallbackIntervalHour {
		t.Fatalf("expected fallback interval of 1h when exhausted, got %v", got)
	}
}

func TestRecordNewcomerRequest_IncrementsBoth(t *testing.T) {
	m := New(100, filepath.Join(t.TempDir(), "quota.json"))
	if err := m.RecordNewcomerRequest(); err != nil {
		t.Fatalf("RecordNewcomerRequest failed: %v", err)
	}
	snap := m.Snapshot()
	if snap.RequestsUsed != 1 || snap.NewcomerRequests != 1 {
		t.Fatalf("expected both counters at 1, got %+v", snap)
	}
}

func TestNextBatchTime_NowIfNeverFlushed(t *testing.T) {
	m := New(100, filepath.Join(t.TempDir(), "quota.json"))
	before := time.Now()
	next := m.NextBatchTime()
	if next.Before(before.Add(-time.Second)) {
		t.Fatalf("expected NextBatchTime close to now, got %v vs %v", next, before)
	}
}

func TestSaveLoad_RoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "quota.json")
	m := New(100, path)
	_ = m.RecordBatchRequest(5)

	m2 := New(100, path)
	if err := m2.Load(); err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if m2.Snapshot().RequestsUsed != 5 {
		t.Fatalf("expected requests_used 5 after round trip, got %+v", m2.Snapshot())
	}
}

func TestRollover_ResetsOnNewDay(t *testing.T) {
	path := filepath.Join(t.TempDir(), "quota.json")
	m := New(100, path)
	_ = m.RecordBatchRequest(5)

	m.mu.Lock()
	m.state.DayBucketStart -= int64((48 * time.Hour).Seconds())
	m.mu.Unlock()

	snap := m.Snapshot()
	if snap.RequestsUsed != 0 {
		t.Fatalf("expected rollover to reset requests_used, got %d", snap.RequestsUsed)
	}
}
