// Package status — троттлируемая проекция состояния модератора в виде
// одного самообновляющегося сообщения в ревью-канале.
package status

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"telegram-userbot/internal/infra/clock"
	"telegram-userbot/internal/infra/logger"
)

// marker — подстрока, по которой при обнаружении (discovery) ищется уже
// существующее сообщение статуса среди последних сообщений ревью-канала.
const marker = "📊 Moderator Status"

// discoveryScanLimit — сколько последних сообщений просматривается при
// обнаружении существующего статусного сообщения после рестарта.
const discoveryScanLimit = 50

// throttleWindow — минимальный интервал между двумя успешными обновлениями,
// если не выставлен флаг принудительного обновления.
const throttleWindow = 300 * time.Second

// ReviewChannel абстрагирует транспорт: поиск недавних сообщений, отправку
// и редактирование. Реализуется адаптером платформы.
type ReviewChannel interface {
	// ScanForMarker просматривает последние limit сообщений канала в поисках
	// сообщения, автором которого являемся мы сами и которое содержит
	// marker; возвращает его идентификатор, если найдено.
	ScanForMarker(ctx context.Context, limit int, marker string) (messageID int, found bool, err error)
	// EditMessage редактирует сообщение messageID. Должна возвращать
	// ErrNotModified, если платформа сообщает "не изменено" (это
	// трактуется как успех), и любую иную ошибку иначе.
	EditMessage(ctx context.Context, messageID int, text string) error
	// SendMessage отправляет новое сообщение и возвращает его идентификатор.
	SendMessage(ctx context.Context, text string) (messageID int, err error)
}

// ErrNotModified сигнализирует, что содержимое сообщения не изменилось —
// платформа трактует это как отдельный случай, который Reporter тоже
// считает успехом.
var ErrNotModified = fmt.Errorf("status: message not modified")

// Snapshot — данные, нужные для отрисовки шаблона статуса.
type Snapshot struct {
	LastFlush        time.Time
	NextPlannedFlush time.Time
	Interval         time.Duration
	LastBan          time.Time
	RemainingQuota   int
	DailyLimit       int
	NewcomerRequests int
	PendingQueueSize int
}

// Reporter поддерживает одно самообновляющееся сообщение статуса.
type Reporter struct {
	mu        sync.Mutex
	channel   ReviewChannel
	messageID int
	known     bool
	lastOK    time.Time
}

// New создаёт репортёр для заданного ревью-канала. discovery выполняется
// лениво при первом Update.
func New(channel ReviewChannel) *Reporter {
	return &Reporter{channel: channel}
}

// Update отображает snapshot. force обходит троттлинг (Engine передаёт его
// после бана и после батч-флаша). Используется для дискавери при первом
// вызове: при отсутствии известного messageID сканируются последние
// discoveryScanLimit сообщений канала в поисках маркера.
func (r *Reporter) Update(ctx context.Context, snap Snapshot, force bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !force && !r.lastOK.IsZero() && clock.Now().Sub(r.lastOK) < throttleWindow {
		return nil
	}

	if !r.known {
		if id, found, err := r.channel.ScanForMarker(ctx, discoveryScanLimit, marker); err != nil {
			logger.Warnf("status: discovery scan failed: %v", err)
		} else if found {
			r.messageID = id
			r.known = true
		}
	}

	text := render(snap)

	if r.known {
		err := r.channel.EditMessage(ctx, r.messageID, text)
		switch {
		case err == nil:
			r.lastOK = clock.Now()
			return nil
		case err == ErrNotModified:
			r.lastOK = clock.Now()
			return nil
		default:
			logger.Warnf("status: edit failed, sending new message: %v", err)
			r.known = false
		}
	}

	id, err := r.channel.SendMessage(ctx, text)
	if err != nil {
		return fmt.Errorf("status: send failed: %w", err)
	}
	r.messageID = id
	r.known = true
	r.lastOK = clock.Now()
	return nil
}

func render(s Snapshot) string {
	var b strings.Builder
	b.WriteString(marker)
	b.WriteString("\n\n")
	fmt.Fprintf(&b, "Last flush: %s\n", formatTime(s.LastFlush))
	fmt.Fprintf(&b, "Next planned flush: %s\n", formatTime(s.NextPlannedFlush))
	fmt.Fprintf(&b, "Interval: %s\n", s.Interval.Round(time.Second))
	fmt.Fprintf(&b, "Last ban: %s\n", formatTime(s.LastBan))
	fmt.Fprintf(&b, "Remaining quota: %d / %d\n", s.RemainingQuota, s.DailyLimit)
	fmt.Fprintf(&b, "Newcomer requests today: %d\n", s.NewcomerRequests)
	fmt.Fprintf(&b, "Pending queue: %d\n", s.PendingQueueSize)
	return b.String()
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return "never"
	}
	return t.UTC().Format("2006-01-02 15:04:05 UTC")
}
