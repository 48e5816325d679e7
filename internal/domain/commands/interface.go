// Package commands предоставляет общий интерфейс для выполнения команд управления
// модератором. Команды используются консольным адаптером (§4.11) и могут быть
// переиспользованы любым другим интерфейсом управления (веб, бот-команды).
package commands

import (
	"context"
	"time"

	"telegram-userbot/internal/domain/quota"
	"telegram-userbot/internal/domain/reputation"
)

// Executor - интерфейс для выполнения команд управления модератором.
type Executor interface {
	// Status возвращает агрегированное состояние квоты, репутации и батч-очереди.
	Status(ctx context.Context) (*StatusResult, error)

	// ForceStatusUpdate принудительно обновляет статус-сообщение в ревью-канале.
	ForceStatusUpdate(ctx context.Context) error

	// Flush инициирует немедленный флаш батч-очереди.
	Flush(ctx context.Context) error

	// ReloadPreFilter перезагружает ключевые слова/регулярки предфильтра из окружения.
	ReloadPreFilter(ctx context.Context) (*ReloadResult, error)

	// List возвращает список кешированных диалогов.
	List(ctx context.Context) (*ListResult, error)

	// RefreshDialogs обновляет кеш диалогов из Telegram API.
	RefreshDialogs(ctx context.Context) error

	// Test отправляет тестовое сообщение администратору для проверки связности.
	Test(ctx context.Context) (*TestResult, error)

	// Whoami возвращает информацию о текущем аккаунте.
	Whoami(ctx context.Context) (*WhoamiResult, error)

	// Version возвращает информацию о версии приложения.
	Version(ctx context.Context) (*VersionResult, error)
}

// StatusResult - результат команды Status
type StatusResult struct {
	Quota       quota.State        // снимок суточной квоты облачных запросов
	DailyLimit  int                // дневной лимит запросов
	Reputation  reputation.Summary // распределение пользователей по уровням доверия
	QueueSize   int                // число сообщений в батч-очереди
	QueueTokens int                // суммарная оценка токенов в батч-очереди
}

// ReloadResult - результат команды ReloadPreFilter
type ReloadResult struct {
	Keywords int // число загруженных ключевых слов
	Regexes  int // число загруженных регулярных выражений
}

// ListResult - результат команды List
type ListResult struct {
	Dialogs []Dialog // список диалогов
}

// Dialog - информация о диалоге
type Dialog struct {
	ID       int64  // ID диалога
	Kind     string // тип диалога (user, chat, channel, folder)
	Title    string // название/имя
	Username string // username (если есть)
	Type     string // подтип (для каналов: Channel, Supergroup, Channel-like)
}

// TestResult - результат команды Test
type TestResult struct {
	Success bool      // успешна ли отправка
	Message string    // сообщение о результате
	SentAt  time.Time // время отправки
}

// WhoamiResult - результат команды Whoami
type WhoamiResult struct {
	ID       int64  // ID пользователя
	FullName string // полное имя
	Username string // username
}

// VersionResult - результат команды Version
type VersionResult struct {
	Name    string // название приложения
	Version string // версия
}
