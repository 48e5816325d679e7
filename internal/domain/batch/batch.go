// Package batch — FIFO-очередь сообщений, ожидающих пакетной отправки в
// облачную модель политики, с двумя триггерами флаша (переполнение по
// токенам и периодический таймер) и фоновым циклом ожидания.
package batch

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"telegram-userbot/internal/domain/moderation"
)

// DefaultMaxTokens — порог суммарной оценки токенов в очереди, при
// достижении которого поднимается сигнал флаша.
const DefaultMaxTokens = 3000

// FlushFunc — колбэк, вызываемый при флаше (по сигналу или по таймеру),
// получает дренированный снимок очереди.
type FlushFunc func(ctx context.Context, items []moderation.QueuedMessage)

// TickFunc — необязательный колбэк, вызываемый на каждой итерации цикла,
// независимо от того, было ли что-то дренировано (используется проекцией
// статуса для обновления "next planned flush" и т.п.).
type TickFunc func()

// IntervalProvider возвращает желаемый интервал ожидания до следующей
// проверки (обычно — QuotaManager.Interval()).
type IntervalProvider func() time.Duration

// Queue — FIFO-очередь QueuedMessage с сигналом флаша по переполнению
// токенов и фоновым циклом, флашащим также по таймеру.
type Queue struct {
	mu            sync.Mutex
	items         []moderation.QueuedMessage
	maxTokens     int
	flushSignalCh chan struct{}

	onFlush FlushFunc
	onTick  TickFunc
}

// New создаёт пустую очередь с порогом токенов maxTokens (<=0 — значение по
// умолчанию). flush — обязательный колбэк флаша; tick — опциональный.
func New(maxTokens int, flush FlushFunc, tick TickFunc) *Queue {
	if maxTokens <= 0 {
		maxTokens = DefaultMaxTokens
	}
	return &Queue{
		maxTokens:     maxTokens,
		flushSignalCh: make(chan struct{}, 1),
		onFlush:       flush,
		onTick:        tick,
	}
}

// estimateTokens — max(1, len(text)/4), грубая оценка числа токенов.
func estimateTokens(text string) int {
	n := len(text) / 4
	if n < 1 {
		n = 1
	}
	return n
}

// Add добавляет элемент в очередь и, если суммарная оценка токенов достигла
// порога, неблокирующе поднимает сигнал флаша.
func (q *Queue) Add(item moderation.QueuedMessage) {
	q.mu.Lock()
	q.items = append(q.items, item)
	total := q.estimatedTokensLocked()
	q.mu.Unlock()

	if total >= q.maxTokens {
		q.signalFlush()
	}
}

// Flush неблокирующе поднимает сигнал флаша вне зависимости от накопленного
// объёма токенов. Используется админ-командой принудительного флаша очереди.
func (q *Queue) Flush() {
	q.signalFlush()
}

func (q *Queue) signalFlush() {
	select {
	case q.flushSignalCh <- struct{}{}:
	default:
	}
}

func (q *Queue) estimatedTokensLocked() int {
	total := 0
	for _, it := range q.items {
		total += estimateTokens(it.Payload.Text)
	}
	return total
}

// Drain атомарно возвращает и очищает текущее содержимое очереди. Элементы,
// добавленные во время обработки возвращённого снимка, относятся уже к
// следующему флашу.
func (q *Queue) Drain() []moderation.QueuedMessage {
	q.mu.Lock()
	defer q.mu.Unlock()
	drained := q.items
	q.items = nil
	return drained
}

// Size возвращает текущее число элементов в очереди.
func (q *Queue) Size() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// EstimatedTokens возвращает текущую суммарную оценку токенов в очереди.
func (q *Queue) EstimatedTokens() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.estimatedTokensLocked()
}

// RunLoop — фоновый цикл: на каждой итерации ждёт сигнал флаша либо таймаут
// max(1s, intervalProvider()). По пробуждению (сигнал или таймаут) сбрасывает
// сигнал, вызывает опциональный tick-колбэк, и если очередь не пуста —
// вызывает flush-колбэк с дренированным снимком. Завершается при отмене ctx;
// уже запущенный flush-колбэк разрешается завершиться.
func (q *Queue) RunLoop(ctx context.Context, interval IntervalProvider) {
	for {
		wait := time.Second
		if interval != nil {
			if d := interval(); d > wait {
				wait = d
			}
		}

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-q.flushSignalCh:
			timer.Stop()
		case <-timer.C:
		}

		// Сигнал мог быть выставлен повторно между select и этим местом —
		// сбрасываем его, чтобы не зациклиться на немедленном повторном пробуждении.
		select {
		case <-q.flushSignalCh:
		default:
		}

		if q.onTick != nil {
			q.onTick()
		}

		if q.Size() == 0 {
			continue
		}
		if q.onFlush != nil {
			q.onFlush(ctx, q.Drain())
		}
	}
}

// BuildBatchPrompt сериализует элементы очереди в JSON-массив объектов
// {index, message_id, ...payload}, готовый к вставке в пользовательское
// сообщение батч-запроса.
func BuildBatchPrompt(items []moderation.QueuedMessage) (string, error) {
	type entry struct {
		Index         int                        `json:"index"`
		MessageID     int                        `json:"message_id"`
		Text          string                     `json:"text"`
		Sender        string                     `json:"sender"`
		ContextWindow []moderation.ContextEntry  `json:"context_window,omitempty"`
		WarningsCount int                        `json:"warnings_count"`
	}

	entries := make([]entry, len(items))
	for i, it := range items {
		entries[i] = entry{
			Index:         i,
			MessageID:     it.Original.MessageID,
			Text:          it.Payload.Text,
			Sender:        it.Payload.Sender,
			ContextWindow: it.Payload.ContextWindow,
			WarningsCount: it.Payload.WarningsCount,
		}
	}

	data, err := json.Marshal(entries)
	if err != nil {
		return "", err
	}
	return string(data), nil
}
