// Package engine содержит ядро конвейера модерации: единственную точку,
// через которую проходит каждое входящее сообщение (§4.8).
package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
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
	"telegram-userbot/internal/infra/clock"
	"telegram-userbot/internal/infra/logger"
	"telegram-userbot/internal/llm"
)

// Chat описывает чат, в котором появилось сообщение — минимум, необходимый
// Engine для маршрутизации и форварда на ревью.
type Chat struct {
	ID          int64
	Title       string
	IsTestGroup bool
}

// LLMClient — узкий интерфейс, потребляемый Engine; реализуется *llm.Client.
// Вынесен в интерфейс, чтобы движок был тестируем без реального HTTP.
type LLMClient interface {
	Chat(ctx context.Context, req llm.Request) (*llm.ChatResponse, error)
	ChatLocal(ctx context.Context, req llm.Request) (*llm.ChatResponse, error)
	ChatCloud(ctx context.Context, req llm.Request) (*llm.ChatResponse, error)
	WarmUpLocal(ctx context.Context, systemPrompt string)
}

// ActionExecutor абстрагирует платформенные RPC, которые движок может
// предписать исполнить. Реализуется адаптером платформы; каждый метод
// логирует и возвращает ошибку вместо паники (§7, вид ошибки 5).
type ActionExecutor interface {
	Warn(ctx context.Context, msg moderation.Message, reason, replyText string) (bool, error)
	Delete(ctx context.Context, msg moderation.Message, reason, replyText, senderName string) (bool, error)
	Mute(ctx context.Context, msg moderation.Message, reason string, duration time.Duration, replyText, senderName string) (bool, error)
	Ban(ctx context.Context, msg moderation.Message, reason, replyText, senderName string) (bool, error)
	ForwardToReview(ctx context.Context, msg moderation.Message, chatTitle, verdict, reason string) (bool, error)
	SendReviewText(ctx context.Context, text string) (bool, error)
}

// Options — зависимости и конфигурационные параметры Engine, собранные из
// config.EnvConfig вызывающей стороной (internal/app).
type Options struct {
	ReviewGroupID     int64
	AdminUserID       int64
	DryRun            bool
	CooldownSeconds   int
	ContextWindowSize int
	MuteDuration      time.Duration
	LLMMaxTokens      int
	LLMTemperature    float64
	LocalAvailable    bool
	CloudAvailable    bool
}

// Engine — драйвер конвейера модерации. Поля — процессно-глобальное
// состояние (счётчики предупреждений, куличи остывания), намеренно не
// вынесенное в глобальные переменные (§9 "Global state").
type Engine struct {
	opts Options

	processed  *processedcache.ProcessedCache
	reputation *reputation.Reputation
	newcomers  *newcomer.Tracker
	quota      QuotaManager
	prompts    *promptbuilder.Builder
	llmClient  LLMClient
	actions    ActionExecutor
	statusRep  *status.Reporter
	batchQueue *batch.Queue

	mu             sync.Mutex
	preFilter      *prefilter.PreFilter
	contextWindows map[int64]*promptbuilder.ContextWindow
	lastAction     map[int64]time.Time
	warnings       map[int64]int
	chatMeta       map[int64]Chat
	lastBan        time.Time
}

// QuotaManager — узкая проекция quota.Manager, используемая Engine; реализуется
// *quota.Manager. Вынесена в интерфейс по тем же причинам, что и LLMClient.
type QuotaManager interface {
	RecordBatchRequest(n int) error
	RecordNewcomerRequest() error
	Interval() time.Duration
	NextBatchTime() time.Time
	Snapshot() quota.State
	DailyLimit() int
}

// New собирает Engine. preFilter может быть пустым (ReloadPreFilter вызывается
// позже); batchQueue подключается отдельно через AttachBatchQueue —
// двухфазная инициализация разрывает цикл Engine⇄BatchQueue (§9).
func New(
	opts Options,
	processed *processedcache.ProcessedCache,
	rep *reputation.Reputation,
	newcomers *newcomer.Tracker,
	quota QuotaManager,
	preFilter *prefilter.PreFilter,
	prompts *promptbuilder.Builder,
	llmClient LLMClient,
	actions ActionExecutor,
	statusRep *status.Reporter,
) *Engine {
	return &Engine{
		opts:           opts,
		processed:      processed,
		reputation:     rep,
		newcomers:      newcomers,
		quota:          quota,
		preFilter:      preFilter,
		prompts:        prompts,
		llmClient:      llmClient,
		actions:        actions,
		statusRep:      statusRep,
		contextWindows: make(map[int64]*promptbuilder.ContextWindow),
		lastAction:     make(map[int64]time.Time),
		warnings:       make(map[int64]int),
		chatMeta:       make(map[int64]Chat),
	}
}

// AttachBatchQueue завершает двухфазную инициализацию: BatchQueue строится
// вызывающей стороной с engine.HandleBatchFlush в качестве колбэка флаша, а
// затем передаётся сюда, чтобы Evaluate могло в него писать.
func (e *Engine) AttachBatchQueue(q *batch.Queue) {
	e.batchQueue = q
}

// AttachPlatform завершает двухфазную инициализацию платформенной части:
// ActionExecutor и статус-репортёр нуждаются в идентификаторе текущего
// аккаунта (для ReviewChannel.ScanForMarker и фильтрации собственных
// сообщений), который известен только после логина (§9).
func (e *Engine) AttachPlatform(actions ActionExecutor, statusRep *status.Reporter) {
	e.actions = actions
	e.statusRep = statusRep
}

// QuotaInterval экспортирует текущий интервал батч-флаша квоты как
// IntervalProvider для batch.Queue.RunLoop.
func (e *Engine) QuotaInterval() time.Duration {
	return e.quota.Interval()
}

// ReloadPreFilter атомарно заменяет список ключевых слов/регулярок без
// рестарта процесса (консольная команда, §4.11).
func (e *Engine) ReloadPreFilter(keywords, regexPatterns []string) {
	pf := prefilter.New(keywords, regexPatterns)
	e.mu.Lock()
	e.preFilter = pf
	e.mu.Unlock()
}

// WarmUpLocal прогревает локальный LLM-эндпоинт пингом с текущим системным
// промптом (§4.7, §5 "warm-up loop"); не-операция, если локальный провайдер
// не сконфигурирован.
func (e *Engine) WarmUpLocal(ctx context.Context) {
	if !e.opts.LocalAvailable {
		return
	}
	e.llmClient.WarmUpLocal(ctx, e.prompts.SystemPrompt())
}

// BulkRegisterNewcomers помечает существующих участников мониторируемых чатов
// как не-новичков при старте (§4.3) — без этого все они классифицировались бы
// как новички на первом же сообщении и шли по инстант-пути вместо батч-пути.
func (e *Engine) BulkRegisterNewcomers(userIDs []int64) error {
	return e.newcomers.BulkRegister(userIDs)
}

// StatusSnapshot экспортирует текущий снимок статуса — та же проекция, что
// идёт в ревью-канал при флаше. Консольная команда status его не вызывает.
func (e *Engine) StatusSnapshot() status.Snapshot {
	return e.statusSnapshot()
}

// QuotaSnapshot экспортирует текущее состояние дневной квоты облачных запросов.
func (e *Engine) QuotaSnapshot() quota.State {
	return e.quota.Snapshot()
}

// QuotaDailyLimit экспортирует сконфигурированный дневной лимит облачных запросов.
func (e *Engine) QuotaDailyLimit() int {
	return e.quota.DailyLimit()
}

// ReputationSummary экспортирует агрегат по уровням доверия.
func (e *Engine) ReputationSummary() reputation.Summary {
	return e.reputation.Summary()
}

// QueueDepth возвращает число сообщений, ожидающих в батч-очереди, и их
// суммарную оценку токенов. Нулевая очередь (ещё не подключена) даёт (0, 0).
func (e *Engine) QueueDepth() (size, tokens int) {
	if e.batchQueue == nil {
		return 0, 0
	}
	return e.batchQueue.Size(), e.batchQueue.EstimatedTokens()
}

// ForceStatusUpdate принудительно обновляет сообщение статуса в ревью-канале,
// игнорируя throttling по времени (консольная команда touch status, §4.11).
func (e *Engine) ForceStatusUpdate(ctx context.Context) error {
	if e.statusRep == nil {
		return fmt.Errorf("engine: status reporter not configured")
	}
	return e.statusRep.Update(ctx, e.statusSnapshot(), true)
}

// ForceBatchFlush инициирует внеочередной флаш батч-очереди (консольная
// команда flush, §4.11). Если очередь ещё не подключена — не паникует.
func (e *Engine) ForceBatchFlush() error {
	if e.batchQueue == nil {
		return fmt.Errorf("engine: batch queue not attached")
	}
	e.batchQueue.Flush()
	return nil
}

// Evaluate реализует пошаговый конвейер §4.8 для одного входящего сообщения.
func (e *Engine) Evaluate(ctx context.Context, msg moderation.Message, chat Chat) {
	if msg.UserID == 0 {
		return
	}
	if e.opts.AdminUserID != 0 && msg.UserID == e.opts.AdminUserID && !chat.IsTestGroup {
		return
	}

	e.rememberChat(chat)

	if err := e.reputation.UpdateActivity(msg.UserID); err != nil {
		logger.Warnf("engine: failed to persist activity for user %d: %v", msg.UserID, err)
	}

	sender := msg.Sender
	cw := e.contextWindowFor(chat.ID)
	cw.Append(sender, msg.Text)

	key := processedcache.Key{ChatID: msg.ChatID, MessageID: msg.MessageID}
	if e.processed.IsProcessed(key) {
		return
	}
	e.processed.MarkProcessed(key)

	if err := e.newcomers.Register(msg.UserID); err != nil {
		logger.Warnf("engine: failed to persist newcomer record for user %d: %v", msg.UserID, err)
	}

	if e.cooldownActive(msg.UserID) {
		return
	}

	if match, ok := e.currentPreFilter().Check(msg.Text); ok {
		e.dispatchPreFilterMatch(ctx, msg, chat, match)
		return
	}

	warnings := e.warningCount(msg.UserID)
	payload := promptbuilder.BuildPayload(msg.Text, sender, cw.Snapshot(), warnings, true)

	isNewcomer := e.newcomers.IsNewcomer(msg.UserID)
	switch {
	case (isNewcomer || chat.IsTestGroup) && e.opts.LocalAvailable:
		v, ok := e.callInstant(ctx, payload)
		if !ok {
			return
		}
		if err := e.quota.RecordNewcomerRequest(); err != nil {
			logger.Warnf("engine: failed to persist quota after instant-path call: %v", err)
		}
		e.dispatch(ctx, msg, chat, v)

	case e.opts.CloudAvailable:
		batchPayload := promptbuilder.BuildPayload(msg.Text, sender, nil, warnings, false)
		e.enqueueBatch(msg, chat, batchPayload)

	default:
		v, ok := e.callFallback(ctx, payload)
		if !ok {
			return
		}
		e.dispatch(ctx, msg, chat, v)
	}
}

func (e *Engine) dispatchPreFilterMatch(ctx context.Context, msg moderation.Message, chat Chat, match string) {
	e.recordAction(msg.UserID)
	e.bumpWarning(msg.UserID)

	replyText := fmt.Sprintf("Message removed automatically (%s).", match)
	if e.opts.DryRun {
		logger.Infof("engine: (dry-run) pre-filter match %q for user %d in chat %d, would delete", match, msg.UserID, chat.ID)
	} else if _, err := e.actions.Delete(ctx, msg, match, replyText, msg.Sender); err != nil {
		logger.Warnf("engine: pre-filter delete RPC failed: %v", err)
	}

	e.forwardReview(ctx, msg, chat, "delete (pre-filter)", match)
	e.touchStatus(ctx, false)
}

// callInstant выполняет мгновенный путь (chat_local) с единственной повторной
// попыткой без контекста при HTTP 400 (§4.8, пункт 11). ok=false означает
// полный отказ-открытие (fail-open) — вызывающий не должен диспетчеризовать.
func (e *Engine) callInstant(ctx context.Context, payload moderation.Payload) (moderation.Verdict, bool) {
	resp, err := e.llmCall(ctx, e.llmClient.ChatLocal, payload)
	if err == nil {
		return moderation.ParseVerdict(resp.Content), true
	}

	if status, isHTTP := llm.StatusCode(err); isHTTP && status == http.StatusBadRequest {
		logger.Warnf("engine: instant-path context overflow (HTTP 400), retrying without context window")
		noCtx := payload
		noCtx.ContextWindow = nil
		resp2, err2 := e.llmCall(ctx, e.llmClient.ChatLocal, noCtx)
		if err2 != nil {
			logger.Warnf("engine: instant-path retry without context failed, fail-open: %v", err2)
			return moderation.Verdict{}, false
		}
		return moderation.ParseVerdict(resp2.Content), true
	}

	logger.Warnf("engine: instant-path LLM call failed, fail-open: %v", err)
	return moderation.Verdict{}, false
}

// callFallback выполняет путь отказоустойчивого перебора (chat) — доступен,
// когда ни мгновенный, ни батч-путь не применимы (например, настроен только
// локальный эндпоинт, а пользователь не новичок и чат не тестовый).
func (e *Engine) callFallback(ctx context.Context, payload moderation.Payload) (moderation.Verdict, bool) {
	resp, err := e.llmCall(ctx, e.llmClient.Chat, payload)
	if err != nil {
		logger.Warnf("engine: fallback LLM call failed, fail-open: %v", err)
		return moderation.Verdict{}, false
	}
	return moderation.ParseVerdict(resp.Content), true
}

type chatFunc func(ctx context.Context, req llm.Request) (*llm.ChatResponse, error)

func (e *Engine) llmCall(ctx context.Context, call chatFunc, payload moderation.Payload) (*llm.ChatResponse, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("engine: failed to marshal payload: %w", err)
	}
	return call(ctx, llm.Request{
		Messages: []llm.Message{
			{Role: "system", Content: e.prompts.SystemPrompt()},
			{Role: "user", Content: string(data)},
		},
		MaxTokens:   e.opts.LLMMaxTokens,
		Temperature: e.opts.LLMTemperature,
	})
}

func (e *Engine) enqueueBatch(msg moderation.Message, chat Chat, payload moderation.Payload) {
	if e.batchQueue == nil {
		logger.Warnf("engine: batch queue not attached, dropping message %d/%d", chat.ID, msg.MessageID)
		return
	}
	e.batchQueue.Add(moderation.QueuedMessage{
		Payload:  payload,
		Original: msg,
		ChatID:   chat.ID,
		Sender:   msg.Sender,
		UserID:   msg.UserID,
		Enqueued: clock.Now(),
	})
}

// HandleBatchFlush — колбэк флаша батч-очереди (§4.8.2). Инжектируется в
// batch.Queue при её конструировании как bound-метод; сам Engine узнаёт о
// очереди позже через AttachBatchQueue (двухфазная инициализация, §9).
func (e *Engine) HandleBatchFlush(ctx context.Context, items []moderation.QueuedMessage) {
	if len(items) == 0 {
		return
	}

	prompt, err := batch.BuildBatchPrompt(items)
	if err != nil {
		logger.Errorf("engine: failed to build batch prompt: %v", err)
		return
	}

	resp, err := e.llmClient.ChatCloud(ctx, llm.Request{
		Messages: []llm.Message{
			{Role: "system", Content: e.prompts.BatchSystemPrompt()},
			{Role: "user", Content: prompt},
		},
		MaxTokens:   e.opts.LLMMaxTokens,
		Temperature: e.opts.LLMTemperature,
	})
	if err != nil {
		e.handleBatchFailure(ctx, items, err)
		return
	}

	if err := e.quota.RecordBatchRequest(1); err != nil {
		logger.Warnf("engine: failed to persist quota after batch flush: %v", err)
	}

	verdicts := moderation.ParseBatchVerdicts(resp.Content, len(items))
	for i, v := range verdicts {
		idx := v.Index
		if idx < 0 || idx >= len(items) {
			idx = i
		}
		item := items[idx]
		chat := e.chatFor(item.ChatID)
		e.dispatch(ctx, item.Original, chat, v)
	}

	e.touchStatus(ctx, true)
}

// handleBatchFailure реализует Open Question #1 decision: не переотправлять
// дренированные сообщения, но дать видимость ревьюерам, когда это возможно.
func (e *Engine) handleBatchFailure(ctx context.Context, items []moderation.QueuedMessage, err error) {
	ids := make([]int, len(items))
	for i, it := range items {
		ids[i] = it.Original.MessageID
	}
	logger.Errorf("engine: batch flush LLM call failed, dropping %d message(s) %v: %v", len(items), ids, err)

	if e.opts.ReviewGroupID == 0 {
		return
	}
	summary := fmt.Sprintf("batch flush failed: %d message(s) dropped: %v", len(items), err)
	if _, sendErr := e.actions.SendReviewText(ctx, summary); sendErr != nil {
		logger.Warnf("engine: failed to forward batch-failure summary to review: %v", sendErr)
	}
}

// dispatch реализует таблицу переходов §4.8.1.
func (e *Engine) dispatch(ctx context.Context, msg moderation.Message, chat Chat, v moderation.Verdict) {
	if v.Kind == moderation.KindOK {
		if chat.IsTestGroup && e.opts.ReviewGroupID != 0 {
			e.forwardReview(ctx, msg, chat, "ok", v.Reason)
		}
		return
	}

	trusted := e.reputation.IsTrusted(msg.UserID)
	tag := string(v.Kind)
	isBan := false

	switch {
	case e.opts.DryRun:
		tag = string(v.Kind) + " [DRY RUN]"
		// Open Question #2 decision: warning counter is bumped even for
		// dry-run verdicts, since it drives cooldown/future moderation.
		e.bumpWarning(msg.UserID)

	case trusted && v.Kind != moderation.KindWarn:
		if err := e.reputation.AddStrike(msg.UserID, v.Rule, v.Reason, msg.Text); err != nil {
			logger.Warnf("engine: failed to persist strike for user %d: %v", msg.UserID, err)
		}
		tag = fmt.Sprintf("STRIKE (%s bypassed)", v.Kind)

	default:
		e.recordAction(msg.UserID)
		e.bumpWarning(msg.UserID)
		isBan = e.executeAction(ctx, msg, v)
	}

	e.forwardReview(ctx, msg, chat, tag, v.Reason)
	e.touchStatus(ctx, isBan)
}

// executeAction issues the ActionExecutor RPC for a live (non-dry-run,
// non-downgraded) verdict. Returns true if the action was a ban.
func (e *Engine) executeAction(ctx context.Context, msg moderation.Message, v moderation.Verdict) bool {
	replyText := v.Reply
	var err error
	ban := false

	switch v.Kind {
	case moderation.KindWarn:
		_, err = e.actions.Warn(ctx, msg, v.Reason, replyText)
	case moderation.KindDelete:
		_, err = e.actions.Delete(ctx, msg, v.Reason, replyText, msg.Sender)
	case moderation.KindMute:
		_, err = e.actions.Mute(ctx, msg, v.Reason, e.opts.MuteDuration, replyText, msg.Sender)
	case moderation.KindBan:
		_, err = e.actions.Ban(ctx, msg, v.Reason, replyText, msg.Sender)
		ban = true
		e.mu.Lock()
		e.lastBan = clock.Now()
		e.mu.Unlock()
	}
	if err != nil {
		logger.Warnf("engine: action RPC %s failed for user %d: %v", v.Kind, msg.UserID, err)
	}
	return ban
}

func (e *Engine) forwardReview(ctx context.Context, msg moderation.Message, chat Chat, verdictTag, reason string) {
	if e.opts.ReviewGroupID == 0 {
		return
	}
	if _, err := e.actions.ForwardToReview(ctx, msg, chat.Title, verdictTag, reason); err != nil {
		logger.Warnf("engine: forward to review failed: %v", err)
	}
}

func (e *Engine) touchStatus(ctx context.Context, force bool) {
	if e.statusRep == nil {
		return
	}
	if err := e.statusRep.Update(ctx, e.statusSnapshot(), force); err != nil {
		logger.Warnf("engine: status update failed: %v", err)
	}
}

// statusSnapshot собирает проекцию состояния для StatusReporter из квоты и
// текущей батч-очереди (§4.9, пункт 2 — rendering).
func (e *Engine) statusSnapshot() status.Snapshot {
	qs := e.quota.Snapshot()

	pending := 0
	if e.batchQueue != nil {
		pending = e.batchQueue.Size()
	}

	var lastFlush time.Time
	if qs.LastFlushTime != 0 {
		lastFlush = time.Unix(qs.LastFlushTime, 0).UTC()
	}

	e.mu.Lock()
	lastBan := e.lastBan
	e.mu.Unlock()

	return status.Snapshot{
		LastFlush:        lastFlush,
		NextPlannedFlush: e.quota.NextBatchTime(),
		Interval:         e.quota.Interval(),
		LastBan:          lastBan,
		RemainingQuota:   e.quota.DailyLimit() - qs.RequestsUsed,
		DailyLimit:       e.quota.DailyLimit(),
		NewcomerRequests: qs.NewcomerRequests,
		PendingQueueSize: pending,
	}
}

func (e *Engine) cooldownActive(userID int64) bool {
	if e.opts.CooldownSeconds <= 0 {
		return false
	}
	e.mu.Lock()
	last, ok := e.lastAction[userID]
	e.mu.Unlock()
	return ok && clock.Now().Sub(last) < time.Duration(e.opts.CooldownSeconds)*time.Second
}

func (e *Engine) recordAction(userID int64) {
	e.mu.Lock()
	e.lastAction[userID] = clock.Now()
	e.mu.Unlock()
}

func (e *Engine) bumpWarning(userID int64) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.warnings[userID]++
	return e.warnings[userID]
}

func (e *Engine) warningCount(userID int64) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.warnings[userID]
}

func (e *Engine) currentPreFilter() *prefilter.PreFilter {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.preFilter
}

func (e *Engine) contextWindowFor(chatID int64) *promptbuilder.ContextWindow {
	e.mu.Lock()
	defer e.mu.Unlock()
	cw, ok := e.contextWindows[chatID]
	if !ok {
		cw = promptbuilder.NewContextWindow(e.opts.ContextWindowSize)
		e.contextWindows[chatID] = cw
	}
	return cw
}

func (e *Engine) rememberChat(chat Chat) {
	e.mu.Lock()
	e.chatMeta[chat.ID] = chat
	e.mu.Unlock()
}

func (e *Engine) chatFor(chatID int64) Chat {
	e.mu.Lock()
	defer e.mu.Unlock()
	if c, ok := e.chatMeta[chatID]; ok {
		return c
	}
	return Chat{ID: chatID}
}
