package commands

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"telegram-userbot/internal/domain/engine"
	"telegram-userbot/internal/infra/config"
	"telegram-userbot/internal/infra/logger"
	"telegram-userbot/internal/infra/telegram/connection"
	"telegram-userbot/internal/infra/telegram/peersmgr"
	"telegram-userbot/internal/infra/telegram/status"
	versioninfo "telegram-userbot/internal/support/version"

	"github.com/gotd/td/telegram"
	"github.com/gotd/td/telegram/peers"
	"github.com/gotd/td/tg"
)

// CommandExecutor - реализация интерфейса Executor поверх доменного Engine.
type CommandExecutor struct {
	client      *telegram.Client
	engine      *engine.Engine
	peers       *peersmgr.Service
	testRunning int64 // флаг выполнения команды test
}

// NewExecutor создает новый экземпляр CommandExecutor
func NewExecutor(
	client *telegram.Client,
	eng *engine.Engine,
	peers *peersmgr.Service,
) *CommandExecutor {
	return &CommandExecutor{
		client: client,
		engine: eng,
		peers:  peers,
	}
}

// Status возвращает агрегированное состояние квоты, репутации и батч-очереди.
func (e *CommandExecutor) Status(ctx context.Context) (*StatusResult, error) {
	if e.engine == nil {
		return nil, errors.New("engine is not available")
	}

	size, tokens := e.engine.QueueDepth()
	return &StatusResult{
		Quota:       e.engine.QuotaSnapshot(),
		DailyLimit:  e.engine.QuotaDailyLimit(),
		Reputation:  e.engine.ReputationSummary(),
		QueueSize:   size,
		QueueTokens: tokens,
	}, nil
}

// ForceStatusUpdate принудительно обновляет статус-сообщение в ревью-канале.
func (e *CommandExecutor) ForceStatusUpdate(ctx context.Context) error {
	if e.engine == nil {
		return errors.New("engine is not available")
	}
	return e.engine.ForceStatusUpdate(ctx)
}

// Flush инициирует немедленный флаш батч-очереди.
func (e *CommandExecutor) Flush(ctx context.Context) error {
	if e.engine == nil {
		return errors.New("engine is not available")
	}
	return e.engine.ForceBatchFlush()
}

// ReloadPreFilter перезагружает ключевые слова/регулярки предфильтра из окружения.
func (e *CommandExecutor) ReloadPreFilter(ctx context.Context) (*ReloadResult, error) {
	if e.engine == nil {
		return nil, errors.New("engine is not available")
	}

	keywords, regexes, err := config.ReloadHardBanLists()
	if err != nil {
		return nil, fmt.Errorf("reload pre-filter failed: %w", err)
	}

	e.engine.ReloadPreFilter(keywords, regexes)
	return &ReloadResult{Keywords: len(keywords), Regexes: len(regexes)}, nil
}

// List возвращает список кешированных диалогов
func (e *CommandExecutor) List(ctx context.Context) (*ListResult, error) {
	if e.peers == nil {
		return nil, errors.New("peers manager is not available")
	}

	dialogs := e.peers.Dialogs()
	if len(dialogs) == 0 {
		return &ListResult{Dialogs: []Dialog{}}, nil
	}

	result := &ListResult{
		Dialogs: make([]Dialog, 0, len(dialogs)),
	}

	for _, item := range dialogs {
		dialog := e.buildDialog(ctx, item)
		result.Dialogs = append(result.Dialogs, dialog)
	}

	return result, nil
}

// buildDialog строит Dialog из DialogRef
func (e *CommandExecutor) buildDialog(ctx context.Context, ref peersmgr.DialogRef) Dialog {
	dialog := Dialog{
		ID:   ref.ID,
		Kind: string(ref.Kind),
	}

	if e.peers == nil {
		return dialog
	}

	resolved, ok, err := e.peers.ResolvePeer(ctx, ref.Kind, ref.ID)
	if err != nil || !ok {
		return dialog
	}

	switch v := resolved.(type) {
	case peers.User:
		raw := v.Raw()
		first := strings.TrimSpace(raw.FirstName)
		last := strings.TrimSpace(raw.LastName)
		fullName := strings.TrimSpace(strings.Join([]string{first, last}, " "))
		if fullName == "" {
			fullName = "<unknown>"
		}
		dialog.Title = fullName
		dialog.Username = strings.TrimPrefix(raw.Username, "@")
		if dialog.Username == "" {
			dialog.Username = "-"
		}

	case peers.Chat:
		raw := v.Raw()
		title := strings.TrimSpace(raw.Title)
		if title == "" {
			title = "<unknown chat>"
		}
		dialog.Title = title

	case peers.Channel:
		raw := v.Raw()
		title := strings.TrimSpace(raw.Title)
		if title == "" {
			title = "<untitled channel>"
		}
		dialog.Title = title
		dialog.Username = strings.TrimPrefix(raw.Username, "@")
		if dialog.Username == "" {
			dialog.Username = "-"
		}

		switch {
		case raw.Broadcast:
			dialog.Type = "Channel"
		case raw.Megagroup:
			dialog.Type = "Supergroup"
		default:
			dialog.Type = "Channel-like"
		}
	}

	return dialog
}

// RefreshDialogs обновляет кеш диалогов из Telegram API
func (e *CommandExecutor) RefreshDialogs(ctx context.Context) error {
	if e.peers == nil {
		return errors.New("peers manager is not available")
	}

	if err := e.peers.RefreshDialogs(ctx, e.client.API()); err != nil {
		return fmt.Errorf("refresh dialogs failed: %w", err)
	}

	return nil
}

// Test отправляет тестовое сообщение администратору для проверки связности
func (e *CommandExecutor) Test(ctx context.Context) (*TestResult, error) {
	// Проверяем, не выполняется ли уже команда test
	if !atomic.CompareAndSwapInt64(&e.testRunning, 0, 1) {
		return nil, errors.New("test command is already running")
	}
	defer atomic.StoreInt64(&e.testRunning, 0)

	logger.Info("Test command invoked")

	if e.peers == nil {
		return nil, errors.New("peers manager is not available")
	}

	adminID := config.Env().AdminUserID
	if adminID <= 0 {
		return nil, errors.New("admin user id is not configured")
	}

	currentTime := time.Now()
	message := fmt.Sprintf("Test message from moderator at %s", currentTime.Format(time.RFC3339))

	const maxRetries = 3
	var lastErr error

	for attempt := 1; attempt <= maxRetries; attempt++ {
		connection.WaitOnline(ctx)
		status.GoOnline()

		peer, errPeer := e.peers.InputPeerByKind(ctx, "user", adminID)
		if errPeer != nil {
			return nil, fmt.Errorf("resolve admin peer failed: %w", errPeer)
		}

		req := &tg.MessagesSendMessageRequest{
			Peer:     peer,
			Message:  message,
			RandomID: testRandomID(adminID, attempt),
		}

		_, apiErr := e.client.API().MessagesSendMessage(ctx, req)
		if apiErr == nil {
			logger.Infof("Test command: message sent successfully after %d attempt(s)", attempt)
			return &TestResult{
				Success: true,
				Message: fmt.Sprintf("Test message sent successfully to admin (id=%d)", adminID),
				SentAt:  currentTime,
			}, nil
		}

		lastErr = apiErr
		handled := connection.HandleError(apiErr)

		if handled && attempt < maxRetries {
			logger.Infof("Test command: network error occurred (attempt %d), retrying: %v", attempt, apiErr)
			select {
			case <-time.After(time.Second):
			case <-ctx.Done():
				return nil, errors.New("context cancelled during retry")
			}
			continue
		}
	}

	return nil, fmt.Errorf("all attempts failed: %w", lastErr)
}

// testRandomID строит random_id для тестового сообщения из адресата, номера
// попытки и текущего времени в наносекундах, поэтому каждый вызов даёт новое
// значение (та же схема, что и randomID в адаптере действий модерации).
func testRandomID(adminID int64, attempt int) int64 {
	h := fnv.New64a()
	h.Write([]byte("test:" + strconv.FormatInt(adminID, 10) + ":" + strconv.Itoa(attempt) + ":" + strconv.FormatInt(time.Now().UnixNano(), 10)))
	v := int64(h.Sum64() & 0x7FFFFFFFFFFFFFFF)
	if v == 0 {
		v = 1
	}
	return v
}

// Whoami возвращает информацию о текущем аккаунте
func (e *CommandExecutor) Whoami(ctx context.Context) (*WhoamiResult, error) {
	if e.client == nil {
		return nil, errors.New("client is not available")
	}

	self, err := e.client.Self(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get self: %w", err)
	}

	fullname := strings.TrimSpace(strings.Join([]string{self.FirstName, self.LastName}, " "))
	if fullname == "" {
		fullname = "<unknown>"
	}

	return &WhoamiResult{
		ID:       self.ID,
		FullName: fullname,
		Username: self.Username,
	}, nil
}

// Version возвращает информацию о версии приложения
func (e *CommandExecutor) Version(ctx context.Context) (*VersionResult, error) {
	return &VersionResult{
		Name:    versioninfo.Name,
		Version: versioninfo.Version,
	}, nil
}
