package engine

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"telegram-userbot/internal/domain/batch"
	"telegram-userbot/internal/domain/moderation"
	"telegram-userbot/internal/domain/newcomer"
	"telegram-userbot/internal/domain/prefilter"
	"telegram-userbot/internal/domain/processedcache"
	"telegram-userbot/internal/domain/promptbuilder"
	"telegram-userbot/internal/domain/quota"
	"telegram-userbot/internal/domain/reputation"
	"telegram-userbot/internal/domain/status"
	"telegram-userbot/internal/llm"
)

var errBoom = errors.New("boom")

type fakeActions struct {
	warnCalls, deleteCalls, muteCalls, banCalls, forwardCalls, sendReviewCalls int
	lastReason, lastTag                                                      string
}

func (f *fakeActions) Warn(ctx context.Context, msg moderation.Message, reason, replyText string) (bool, error) {
	f.warnCalls++
	return true, nil
}
func (f *fakeActions) Delete(ctx context.Context, msg moderation.Message, reason, replyText, senderName string) (bool, error) {
	f.deleteCalls++
	f.lastReason = reason
	return true, nil
}
func (f *fakeActions) Mute(ctx context.Context, msg moderation.Message, reason string, duration time.Duration, replyText, senderName string) (bool, error) {
	f.muteCalls++
	return true, nil
}
func (f *fakeActions) Ban(ctx context.Context, msg moderation.Message, reason, replyText, senderName string) (bool, error) {
	f.banCalls++
	return true, nil
}
func (f *fakeActions) ForwardToReview(ctx context.Context, msg moderation.Message, chatTitle, verdict, reason string) (bool, error) {
	f.forwardCalls++
	f.lastTag = verdict
	f.lastReason = reason
	return true, nil
}
func (f *fakeActions) SendReviewText(ctx context.Context, text string) (bool, error) {
	f.sendReviewCalls++
	return true, nil
}

type fakeLLM struct {
	localResp, cloudResp, fallbackResp string
	localErr, cloudErr, fallbackErr    error
	localCalls, cloudCalls, chatCalls  int
	warmUpCalls                        int
	warmUpPrompt                       string
}

func (f *fakeLLM) Chat(ctx context.Context, req llm.Request) (*llm.ChatResponse, error) {
	f.chatCalls++
	if f.fallbackErr != nil {
		return nil, f.fallbackErr
	}
	return &llm.ChatResponse{Content: f.fallbackResp}, nil
}
func (f *fakeLLM) ChatLocal(ctx context.Context, req llm.Request) (*llm.ChatResponse, error) {
	f.localCalls++
	if f.localErr != nil {
		return nil, f.localErr
	}
	return &llm.ChatResponse{Content: f.localResp}, nil
}
func (f *fakeLLM) ChatCloud(ctx context.Context, req llm.Request) (*llm.ChatResponse, error) {
	f.cloudCalls++
	if f.cloudErr != nil {
		return nil, f.cloudErr
	}
	return &llm.ChatResponse{Content: f.cloudResp}, nil
}
func (f *fakeLLM) WarmUpLocal(ctx context.Context, systemPrompt string) {
	f.warmUpCalls++
	f.warmUpPrompt = systemPrompt
}

type fakeReviewChannel struct{}

func (fakeReviewChannel) ScanForMarker(ctx context.Context, limit int, marker string) (int, bool, error) {
	return 0, false, nil
}
func (fakeReviewChannel) EditMessage(ctx context.Context, messageID int, text string) error { return nil }
func (fakeReviewChannel) SendMessage(ctx context.Context, text string) (int, error)          { return 1, nil }

// testFixture bundles the concrete domain components an Engine needs, so
// individual tests can pre-seed persistence files (e.g. reputation) before
// the components load them.
type testFixture struct {
	dir        string
	processed  *processedcache.ProcessedCache
	reputation *reputation.Reputation
	newcomers  *newcomer.Tracker
	quota      *quota.Manager
	prefilter  *prefilter.PreFilter
	builder    *promptbuilder.Builder
	status     *status.Reporter
}

func newFixture(t *testing.T) *testFixture {
	t.Helper()
	dir := t.TempDir()

	if err := os.WriteFile(filepath.Join(dir, "prompt.md"), []byte("be a moderator"), 0o600); err != nil {
		t.Fatalf("setup: %v", err)
	}
	builder, err := promptbuilder.Load(filepath.Join(dir, "prompt.md"))
	if err != nil {
		t.Fatalf("setup: %v", err)
	}

	qm := quota.New(1000, filepath.Join(dir, "quota.json"))
	if err := qm.Load(); err != nil {
		t.Fatalf("setup: %v", err)
	}

	rep := reputation.New(filepath.Join(dir, "reputation.json"), reputation.Options{})
	if err := rep.Load(); err != nil {
		t.Fatalf("setup: %v", err)
	}

	nc := newcomer.New(24*time.Hour, filepath.Join(dir, "newcomer.json"))
	if err := nc.Load(); err != nil {
		t.Fatalf("setup: %v", err)
	}

	return &testFixture{
		dir:        dir,
		processed:  processedcache.New(0),
		reputation: rep,
		newcomers:  nc,
		quota:      qm,
		prefilter:  prefilter.New(nil, nil),
		builder:    builder,
		status:     status.New(fakeReviewChannel{}),
	}
}

func (f *testFixture) buildEngine(opts Options, llmClient LLMClient, actions ActionExecutor) *Engine {
	return New(opts, f.processed, f.reputation, f.newcomers, f.quota, f.prefilter, f.builder, llmClient, actions, f.status)
}

// seedTrustedUser writes a reputation record old and active enough to cross
// the default trust thresholds (7 days, 50 messages) before the Reputation
// store is loaded, since wall-clock time can't be fast-forwarded from a test.
func seedTrustedUser(t *testing.T, f *testFixture, userID int64) {
	t.Helper()
	raw := map[string]reputation.UserStats{
		"100": {
			FirstSeen:    time.Now().Add(-30 * 24 * time.Hour).Unix(),
			MessageCount: 100,
		},
	}
	data, err := json.MarshalIndent(raw, "", "  ")
	if err != nil {
		t.Fatalf("setup: %v", err)
	}
	path := filepath.Join(f.dir, "reputation.json")
	if err := os.WriteFile(path, data, 0o600); err != nil {
		t.Fatalf("setup: %v", err)
	}
	if err := f.reputation.Load(); err != nil {
		t.Fatalf("setup: %v", err)
	}
}

func TestEvaluate_PreFilterShortcut(t *testing.T) {
	f := newFixture(t)
	actions := &fakeActions{}
	e := f.buildEngine(Options{ReviewGroupID: 99, CooldownSeconds: 60}, &fakeLLM{}, actions)
	e.ReloadPreFilter([]string{"spamword"}, nil)

	msg := moderation.Message{ChatID: 1, MessageID: 1, UserID: 42, Sender: "alice", Text: "check out spamword today"}
	e.Evaluate(context.Background(), msg, Chat{ID: 1, Title: "group"})

	if actions.deleteCalls != 1 {
		t.Fatalf("expected 1 delete call, got %d", actions.deleteCalls)
	}
	if actions.forwardCalls != 1 || actions.lastTag != "delete (pre-filter)" {
		t.Fatalf("expected pre-filter tagged review forward, got tag=%q calls=%d", actions.lastTag, actions.forwardCalls)
	}
	if actions.lastReason != "keyword:spamword" {
		t.Fatalf("expected reason keyword:spamword, got %q", actions.lastReason)
	}
	if !e.cooldownActive(42) {
		t.Fatalf("expected cooldown to be armed after pre-filter match")
	}
}

func TestEvaluate_DryRunMute(t *testing.T) {
	f := newFixture(t)
	actions := &fakeActions{}
	fake := &fakeLLM{localResp: `{"verdict":"mute","reason":"ads","reply":"no promo"}`}
	e := f.buildEngine(Options{ReviewGroupID: 99, DryRun: true, LocalAvailable: true}, fake, actions)

	msg := moderation.Message{ChatID: 1, MessageID: 2, UserID: 7, Sender: "bob", Text: "buy my course"}
	e.Evaluate(context.Background(), msg, Chat{ID: 1, Title: "group", IsTestGroup: true})

	if actions.muteCalls != 0 {
		t.Fatalf("expected no mute RPC in dry-run, got %d", actions.muteCalls)
	}
	if actions.forwardCalls != 1 || actions.lastTag != "mute [DRY RUN]" {
		t.Fatalf("expected dry-run tagged review forward, got tag=%q calls=%d", actions.lastTag, actions.forwardCalls)
	}
	if e.warningCount(7) != 1 {
		t.Fatalf("expected warning counter bumped in dry-run, got %d", e.warningCount(7))
	}
}

func TestEvaluate_TrustedDowngrade(t *testing.T) {
	f := newFixture(t)
	const userID = int64(100)
	seedTrustedUser(t, f, userID)

	actions := &fakeActions{}
	fake := &fakeLLM{localResp: `{"verdict":"ban","reason":"abuse","rule":"no-abuse"}`}
	e := f.buildEngine(Options{ReviewGroupID: 99, LocalAvailable: true}, fake, actions)

	msg := moderation.Message{ChatID: 5, MessageID: 9, UserID: userID, Sender: "carol", Text: "trusted but flagged"}
	e.Evaluate(context.Background(), msg, Chat{ID: 5, Title: "group", IsTestGroup: true})

	if actions.banCalls != 0 {
		t.Fatalf("expected zero ban RPCs for a trusted user, got %d", actions.banCalls)
	}
	if actions.forwardCalls != 1 || actions.lastTag != "STRIKE (ban bypassed)" {
		t.Fatalf("expected strike-tagged review forward, got tag=%q calls=%d", actions.lastTag, actions.forwardCalls)
	}
}

func TestEvaluate_DedupPreventsSecondDispatch(t *testing.T) {
	f := newFixture(t)
	actions := &fakeActions{}
	fake := &fakeLLM{localResp: `{"verdict":"warn","reason":"mild"}`}
	e := f.buildEngine(Options{ReviewGroupID: 99, LocalAvailable: true}, fake, actions)

	msg := moderation.Message{ChatID: 1, MessageID: 3, UserID: 55, Sender: "dave", Text: "hello"}
	chat := Chat{ID: 1, Title: "group", IsTestGroup: true}
	e.Evaluate(context.Background(), msg, chat)
	e.Evaluate(context.Background(), msg, chat)

	if fake.localCalls != 1 {
		t.Fatalf("expected exactly one LLM call across duplicate deliveries, got %d", fake.localCalls)
	}
}

func TestEvaluate_BatchPathEnqueuesWithoutContext(t *testing.T) {
	f := newFixture(t)
	actions := &fakeActions{}
	e := f.buildEngine(Options{ReviewGroupID: 99, CloudAvailable: true}, &fakeLLM{}, actions)

	q := batch.New(20, func(ctx context.Context, items []moderation.QueuedMessage) {}, nil)
	e.AttachBatchQueue(q)

	msg := moderation.Message{ChatID: 2, MessageID: 4, UserID: 200, Sender: "erin", Text: "regular message here"}
	e.Evaluate(context.Background(), msg, Chat{ID: 2, Title: "group"})

	if q.Size() != 1 {
		t.Fatalf("expected one item enqueued, got %d", q.Size())
	}
	items := q.Drain()
	if len(items) != 1 {
		t.Fatalf("expected one drained item, got %d", len(items))
	}
	if items[0].Payload.ContextWindow != nil {
		t.Fatalf("expected batch payload to omit context window, got %+v", items[0].Payload.ContextWindow)
	}
}

func TestQueueDepth_ZeroBeforeBatchQueueAttached(t *testing.T) {
	f := newFixture(t)
	e := f.buildEngine(Options{ReviewGroupID: 99}, &fakeLLM{}, &fakeActions{})

	size, tokens := e.QueueDepth()
	if size != 0 || tokens != 0 {
		t.Fatalf("expected (0, 0) before AttachBatchQueue, got (%d, %d)", size, tokens)
	}
}

func TestQueueDepth_ReflectsAttachedQueue(t *testing.T) {
	f := newFixture(t)
	e := f.buildEngine(Options{ReviewGroupID: 99}, &fakeLLM{}, &fakeActions{})

	q := batch.New(3000, func(ctx context.Context, items []moderation.QueuedMessage) {}, nil)
	q.Add(moderation.QueuedMessage{Payload: moderation.Payload{Text: "hello"}})
	e.AttachBatchQueue(q)

	size, tokens := e.QueueDepth()
	if size != 1 || tokens == 0 {
		t.Fatalf("expected non-zero depth after attaching a populated queue, got (%d, %d)", size, tokens)
	}
}

func TestForceBatchFlush_ErrorsWithoutAttachedQueue(t *testing.T) {
	f := newFixture(t)
	e := f.buildEngine(Options{ReviewGroupID: 99}, &fakeLLM{}, &fakeActions{})

	if err := e.ForceBatchFlush(); err == nil {
		t.Fatalf("expected error when batch queue is not attached")
	}
}

func TestForceBatchFlush_SignalsAttachedQueue(t *testing.T) {
	f := newFixture(t)
	e := f.buildEngine(Options{ReviewGroupID: 99}, &fakeLLM{}, &fakeActions{})

	done := make(chan struct{})
	q := batch.New(3000, func(ctx context.Context, items []moderation.QueuedMessage) { close(done) }, nil)
	q.Add(moderation.QueuedMessage{Payload: moderation.Payload{Text: "hello"}})
	e.AttachBatchQueue(q)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go q.RunLoop(ctx, func() time.Duration { return time.Minute })

	if err := e.ForceBatchFlush(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("expected ForceBatchFlush to trigger the attached queue's RunLoop")
	}
}

func TestForceStatusUpdate_ErrorsWithoutStatusReporter(t *testing.T) {
	f := newFixture(t)
	e := New(Options{ReviewGroupID: 99}, f.processed, f.reputation, f.newcomers, f.quota, f.prefilter, f.builder, &fakeLLM{}, &fakeActions{}, nil)

	if err := e.ForceStatusUpdate(context.Background()); err == nil {
		t.Fatalf("expected error when status reporter is not configured")
	}
}

func TestAttachPlatform_CompletesTwoPhaseInit(t *testing.T) {
	f := newFixture(t)
	e := New(Options{ReviewGroupID: 99}, f.processed, f.reputation, f.newcomers, f.quota, f.prefilter, f.builder, &fakeLLM{}, nil, nil)

	if err := e.ForceStatusUpdate(context.Background()); err == nil {
		t.Fatalf("expected error before AttachPlatform supplies a status reporter")
	}

	actions := &fakeActions{}
	e.AttachPlatform(actions, f.status)

	if err := e.ForceStatusUpdate(context.Background()); err != nil {
		t.Fatalf("expected AttachPlatform to wire a working status reporter, got %v", err)
	}

	msg := moderation.Message{ChatID: 1, MessageID: 1, UserID: 42, Sender: "alice", Text: "check out spamword today"}
	e.ReloadPreFilter([]string{"spamword"}, nil)
	e.Evaluate(context.Background(), msg, Chat{ID: 1, Title: "group"})
	if actions.deleteCalls != 1 {
		t.Fatalf("expected AttachPlatform's ActionExecutor to receive dispatch calls, got %d deletes", actions.deleteCalls)
	}
}

func TestQuotaInterval_DelegatesToQuotaManager(t *testing.T) {
	f := newFixture(t)
	e := f.buildEngine(Options{ReviewGroupID: 99}, &fakeLLM{}, &fakeActions{})

	if got, want := e.QuotaInterval(), f.quota.Interval(); got != want {
		t.Fatalf("expected QuotaInterval to delegate to the quota manager, got %v want %v", got, want)
	}
}

func TestQuotaAndReputationAccessors_ExposeUnderlyingState(t *testing.T) {
	f := newFixture(t)
	e := f.buildEngine(Options{ReviewGroupID: 99}, &fakeLLM{}, &fakeActions{})

	if got, want := e.QuotaDailyLimit(), f.quota.DailyLimit(); got != want {
		t.Fatalf("expected QuotaDailyLimit to delegate, got %d want %d", got, want)
	}
	if got, want := e.QuotaSnapshot(), f.quota.Snapshot(); got != want {
		t.Fatalf("expected QuotaSnapshot to delegate, got %+v want %+v", got, want)
	}
	if got, want := e.ReputationSummary(), f.reputation.Summary(); got != want {
		t.Fatalf("expected ReputationSummary to delegate, got %+v want %+v", got, want)
	}
}

func TestWarmUpLocal_NoopWhenLocalUnavailable(t *testing.T) {
	f := newFixture(t)
	fake := &fakeLLM{}
	e := f.buildEngine(Options{ReviewGroupID: 99, CloudAvailable: true}, fake, &fakeActions{})

	e.WarmUpLocal(context.Background())

	if fake.warmUpCalls != 0 {
		t.Fatalf("expected no warm-up call when local provider is unavailable, got %d", fake.warmUpCalls)
	}
}

func TestWarmUpLocal_PingsLocalEndpointWithSystemPrompt(t *testing.T) {
	f := newFixture(t)
	fake := &fakeLLM{}
	e := f.buildEngine(Options{ReviewGroupID: 99, LocalAvailable: true}, fake, &fakeActions{})

	e.WarmUpLocal(context.Background())

	if fake.warmUpCalls != 1 {
		t.Fatalf("expected one warm-up call, got %d", fake.warmUpCalls)
	}
	if fake.warmUpPrompt != f.builder.SystemPrompt() {
		t.Fatalf("expected warm-up to use the current system prompt, got %q", fake.warmUpPrompt)
	}
}

func TestHandleBatchFlush_FailureLogsAndSendsReviewSummary(t *testing.T) {
	f := newFixture(t)
	actions := &fakeActions{}
	fake := &fakeLLM{cloudErr: errBoom}
	e := f.buildEngine(Options{ReviewGroupID: 99, CloudAvailable: true}, fake, actions)

	items := []moderation.QueuedMessage{
		{Original: moderation.Message{ChatID: 1, MessageID: 1}, ChatID: 1},
	}
	e.HandleBatchFlush(context.Background(), items)

	if actions.sendReviewCalls != 1 {
		t.Fatalf("expected one review summary on batch failure, got %d", actions.sendReviewCalls)
	}
	if actions.deleteCalls+actions.muteCalls+actions.banCalls+actions.warnCalls != 0 {
		t.Fatalf("expected no dispatch on batch LLM failure")
	}
}
