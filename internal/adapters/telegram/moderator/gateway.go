package moderator

import (
	"context"
	"strings"
	"time"

	"telegram-userbot/internal/domain/engine"
	"telegram-userbot/internal/domain/moderation"
	"telegram-userbot/internal/infra/concurrency"
	"telegram-userbot/internal/tgutil"

	"github.com/gotd/td/tg"
)

// Gateway подключает доменный Engine к диспетчеру апдейтов gotd: переводит
// входящие/отредактированные сообщения отслеживаемых групп в moderation.Message
// и вызывает Engine.Evaluate. Правки сглаживаются дебаунсером, чтобы лавина
// быстрых правок одного сообщения не прогоняла его через модель многократно.
type Gateway struct {
	engine     *engine.Engine
	monitored  map[int64]struct{}
	testGroups map[int64]struct{}
	debouncer  *concurrency.Debouncer
	dupCache   *concurrency.Deduplicator
	background context.Context
}

// dedupWindowSec — окно подавления повторной обработки идентичного апдейта
// (chatID:msgID:editDate). gotd может повторно доставить один и тот же апдейт
// при восстановлении пропусков через updates.getDifference.
const dedupWindowSec = 60

// NewGateway регистрирует обработчики на dispatch и возвращает Gateway.
// monitoredGroups ограничивает обработку сообщениями из перечисленных чатов;
// пустой список означает "ничего не мониторим" (соответствует конфигурации
// с незаполненным MODERATOR_MODERATION__MONITORED_GROUPS). testGroups
// помечает чаты, где даже сообщения администратора подлежат модерации
// (используется для обкатки правил без риска для боевых групп).
func NewGateway(
	ctx context.Context,
	dispatch *tg.UpdateDispatcher,
	eng *engine.Engine,
	monitoredGroups []int64,
	testGroups []int64,
	debounceMS int,
) *Gateway {
	monitored := make(map[int64]struct{}, len(monitoredGroups))
	for _, id := range monitoredGroups {
		monitored[id] = struct{}{}
	}
	testSet := make(map[int64]struct{}, len(testGroups))
	for _, id := range testGroups {
		testSet[id] = struct{}{}
	}

	g := &Gateway{
		engine:     eng,
		monitored:  monitored,
		testGroups: testSet,
		debouncer:  concurrency.NewDebouncer(debounceMS),
		dupCache:   concurrency.NewDeduplicator(dedupWindowSec),
		background: ctx,
	}

	g.debouncer.Start(ctx)
	g.dupCache.Start(ctx)

	dispatch.OnNewMessage(g.onNewMessage)
	dispatch.OnNewChannelMessage(g.onNewChannelMessage)
	dispatch.OnEditMessage(g.onEditMessage)
	dispatch.OnEditChannelMessage(g.onEditChannelMessage)

	return g
}

// Stop останавливает дебаунсер правок и очистку кэша дедупликации.
func (g *Gateway) Stop() {
	g.debouncer.Stop()
	g.dupCache.Stop()
}

func (g *Gateway) onNewMessage(ctx context.Context, entities tg.Entities, u *tg.UpdateNewMessage) error {
	return g.handleNew(ctx, entities, u.Message)
}

func (g *Gateway) onNewChannelMessage(ctx context.Context, entities tg.Entities, u *tg.UpdateNewChannelMessage) error {
	return g.handleNew(ctx, entities, u.Message)
}

func (g *Gateway) handleNew(ctx context.Context, entities tg.Entities, raw tg.MessageClass) error {
	msg, chat, ok := g.toModerationMessage(entities, raw)
	if !ok {
		return nil
	}
	if g.dupCache.DedupSeen(msg.ChatID, msg.MessageID, editDateOf(raw)) {
		return nil
	}
	g.engine.Evaluate(ctx, msg, chat)
	return nil
}

func (g *Gateway) onEditMessage(ctx context.Context, entities tg.Entities, u *tg.UpdateEditMessage) error {
	return g.handleEdit(ctx, entities, u.Message)
}

func (g *Gateway) onEditChannelMessage(ctx context.Context, entities tg.Entities, u *tg.UpdateEditChannelMessage) error {
	return g.handleEdit(ctx, entities, u.Message)
}

// handleEdit дебаунсит повторные правки одного сообщения: каждая новая правка
// откладывает оценку ещё на debounceMS, так что модель видит только финальную
// версию текста вместо прогона на каждое промежуточное нажатие "сохранить".
func (g *Gateway) handleEdit(ctx context.Context, entities tg.Entities, raw tg.MessageClass) error {
	msg, chat, ok := g.toModerationMessage(entities, raw)
	if !ok {
		return nil
	}
	if g.dupCache.DedupSeen(msg.ChatID, msg.MessageID, editDateOf(raw)) {
		return nil
	}

	g.debouncer.Do(msg.MessageID, func() {
		g.engine.Evaluate(g.background, msg, chat)
	})
	return nil
}

// editDateOf извлекает EditDate "сырого" сообщения для ключа дедупликации;
// для не-*tg.Message вариантов (пустые апдейты, сервисные сообщения) ключ не
// используется, так как toModerationMessage уже их отфильтровал раньше.
func editDateOf(raw tg.MessageClass) int {
	if m, ok := raw.(*tg.Message); ok {
		return m.EditDate
	}
	return 0
}

// toModerationMessage фильтрует по списку отслеживаемых групп и извлекает
// доменное представление сообщения из "сырого" gotd-сообщения + сущностей.
func (g *Gateway) toModerationMessage(entities tg.Entities, raw tg.MessageClass) (moderation.Message, engine.Chat, bool) {
	raw1, ok := raw.(*tg.Message)
	if !ok || raw1.Out {
		return moderation.Message{}, engine.Chat{}, false
	}

	chatID := tgutil.GetPeerID(raw1.PeerID)
	if _, watched := g.monitored[chatID]; !watched {
		return moderation.Message{}, engine.Chat{}, false
	}

	userID, sender, handle := extractSender(entities, raw1)
	_, isTest := g.testGroups[chatID]

	msg := moderation.Message{
		ChatID:    chatID,
		MessageID: raw1.ID,
		UserID:    userID,
		Sender:    sender,
		Handle:    handle,
		Text:      raw1.Message,
		Arrived:   time.Unix(int64(raw1.Date), 0),
	}
	chat := engine.Chat{
		ID:          chatID,
		Title:       chatTitle(entities, chatID),
		IsTestGroup: isTest,
	}
	return msg, chat, true
}

// chatTitle ищет название чата/канала среди сущностей, пришедших с апдейтом.
func chatTitle(entities tg.Entities, chatID int64) string {
	if ch, ok := entities.Channels[chatID]; ok {
		return ch.Title
	}
	if c, ok := entities.Chats[chatID]; ok {
		return c.Title
	}
	return ""
}

// extractSender резолвит автора сообщения: сперва FromID (обычный случай для
// групп/каналов), затем PeerID (личные сообщения, где собеседник = автор).
func extractSender(entities tg.Entities, msg *tg.Message) (userID int64, name, handle string) {
	if fromID, ok := msg.GetFromID(); ok {
		if peerUser, ok := fromID.(*tg.PeerUser); ok {
			userID = peerUser.UserID
		}
	}
	if userID == 0 {
		if peerUser, ok := msg.PeerID.(*tg.PeerUser); ok {
			userID = peerUser.UserID
		}
	}
	if userID == 0 {
		return 0, "", ""
	}

	if user, ok := entities.Users[userID]; ok {
		first := strings.TrimSpace(user.FirstName)
		last := strings.TrimSpace(user.LastName)
		name = strings.TrimSpace(strings.Join([]string{first, last}, " "))
		handle = strings.TrimPrefix(user.Username, "@")
	}
	return userID, name, handle
}
