// Package moderation содержит общие типы данных конвейера модерации:
// входящее сообщение, элемент контекстного окна, LLM-payload и вердикт.
// Вынесены в отдельный пакет без внешних зависимостей, чтобы на них могли
// ссылаться и очередь батчей, и движок, и клиент LLM, не создавая цикл
// импортов.
package moderation

import "time"

// Message — нормализованное представление одного входящего сообщения,
// независимое от конкретного транспорта (gotd/tg).
type Message struct {
	ChatID    int64
	MessageID int
	UserID    int64
	Sender    string // имя + фамилия, склеенные через пробел
	Handle    string // @username, может быть пустым
	Text      string
	Arrived   time.Time
}

// ContextEntry — запись в скользящем контекстном окне чата.
type ContextEntry struct {
	Sender string
	Text   string
}

// Payload — объект, отправляемый модели политики для одного сообщения.
// Поле ContextWindow пусто в батч-режиме (см. §4.8, пункт 10) — контекст в этом
// случае несёт системный промпт.
type Payload struct {
	Text           string         `json:"text"`
	Sender         string         `json:"sender"`
	ContextWindow  []ContextEntry `json:"context_window,omitempty"`
	WarningsCount  int            `json:"warnings_count"`
}

// Kind — тег вердикта, перечислимый тип. Дисплей-функции обязаны
// реализовывать полное переключение (switch) по всем известным значениям,
// чтобы добавление нового тега было обязательством времени компиляции.
type Kind string

const (
	KindOK     Kind = "ok"
	KindWarn   Kind = "warn"
	KindDelete Kind = "delete"
	KindMute   Kind = "mute"
	KindBan    Kind = "ban"
)

// Valid сообщает, является ли значение одним из пяти известных тегов.
func (k Kind) Valid() bool {
	switch k {
	case KindOK, KindWarn, KindDelete, KindMute, KindBan:
		return true
	default:
		return false
	}
}

// Verdict — решение модели политики по одному сообщению.
type Verdict struct {
	Kind   Kind   `json:"verdict"`
	Reason string `json:"reason"`
	Reply  string `json:"reply,omitempty"`
	Rule   string `json:"rule,omitempty"`
	Index  int    `json:"index,omitempty"` // используется только в батч-режиме
}

// QueuedMessage — элемент батч-очереди: LLM-payload, привязанный к
// исходному сообщению, необходимому для дальнейшей диспетчеризации.
type QueuedMessage struct {
	Payload  Payload
	Original Message
	ChatID   int64
	Sender   string
	UserID   int64
	Enqueued time.Time
}
