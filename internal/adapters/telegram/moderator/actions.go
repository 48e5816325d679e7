package moderator

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"time"

	"telegram-userbot/internal/domain/moderation"
	"telegram-userbot/internal/infra/logger"
	"telegram-userbot/internal/infra/telegram/connection"
	"telegram-userbot/internal/infra/telegram/peersmgr"
	"telegram-userbot/internal/infra/telegram/status"
	"telegram-userbot/internal/infra/throttle"

	"github.com/gotd/td/telegram/peers"
	"github.com/gotd/td/tg"
)

// ActionExecutor исполняет предписания Engine через MTProto: предупреждение,
// удаление, мут, бан и форвард во внутренний ревью-канал. Ни один метод не
// паникует — любая ошибка логируется и возвращается вызывающей стороне.
type ActionExecutor struct {
	api       *tg.Client
	peers     *peersmgr.Service
	throttler *throttle.Throttler
	reviewID  int64
}

// NewActionExecutor создаёт исполнителя действий поверх общего RPC-клиента и
// кэша пиров. rps ограничивает частоту исходящих запросов (мут/бан/отправка),
// чтобы не словить FLOOD_WAIT при массовой модерации. reviewGroupID — чат,
// куда форвардятся подозрительные сообщения (SendReviewText/ForwardToReview).
func NewActionExecutor(api *tg.Client, peersSvc *peersmgr.Service, rps int, reviewGroupID int64) *ActionExecutor {
	return &ActionExecutor{
		api:       api,
		peers:     peersSvc,
		throttler: throttle.New(rps, throttle.WithWaitExtractors(FloodWaitExtractor())),
		reviewID:  reviewGroupID,
	}
}

// resolveChannel резолвит чат как супергруппу/канал — единственную форму чата,
// для которой MTProto допускает channels.editBanned/channels.deleteMessages.
func (a *ActionExecutor) resolveChannel(ctx context.Context, chatID int64) (*tg.InputChannel, error) {
	resolved, ok, err := a.peers.ResolvePeer(ctx, peersmgr.DialogKindChannel, chatID)
	if err != nil {
		return nil, fmt.Errorf("resolve channel %d: %w", chatID, err)
	}
	if !ok {
		return nil, fmt.Errorf("resolve channel %d: not found", chatID)
	}
	channel, ok := resolved.(peers.Channel)
	if !ok {
		return nil, fmt.Errorf("resolve channel %d: peer is not a channel", chatID)
	}
	return channel.InputChannel(), nil
}

// resolvePeer резолвит чат в InputPeer, пробуя сперва канал/супергруппу
// (обычный случай для модерируемых групп), затем обычный чат.
func (a *ActionExecutor) resolvePeer(ctx context.Context, chatID int64) (tg.InputPeerClass, error) {
	if peer, err := a.peers.InputPeerByKind(ctx, "channel", chatID); err == nil {
		return peer, nil
	}
	peer, err := a.peers.InputPeerByKind(ctx, "chat", chatID)
	if err != nil {
		return nil, fmt.Errorf("resolve chat %d: not found as channel or chat", chatID)
	}
	return peer, nil
}

// sendText отправляет простой текст в чат с random_id, вычисленным один раз на вызов,
// опционально как ответ на replyTo (0 — без ответа).
func (a *ActionExecutor) sendText(ctx context.Context, peer tg.InputPeerClass, text string, replyTo int) error {
	connection.WaitOnline(ctx)
	status.DoTypingWaitChars(ctx, peer, text)

	req := &tg.MessagesSendMessageRequest{
		Peer:     peer,
		Message:  text,
		RandomID: randomID(peer, text, replyTo),
	}
	if replyTo > 0 {
		req.SetReplyTo(&tg.InputReplyToMessage{ReplyToMsgID: replyTo})
	}

	return a.throttler.Do(ctx, func() error {
		_, err := a.api.MessagesSendMessage(ctx, req)
		return err
	})
}

// Warn отвечает на сообщение текстом предупреждения.
func (a *ActionExecutor) Warn(ctx context.Context, msg moderation.Message, reason, replyText string) (bool, error) {
	peer, err := a.resolvePeer(ctx, msg.ChatID)
	if err != nil {
		logger.Errorf("ActionExecutor.Warn: %v", err)
		return false, err
	}

	text := replyText
	if text == "" {
		text = fmt.Sprintf("⚠️ %s", reason)
	}

	if err := a.sendText(ctx, peer, text, msg.MessageID); err != nil {
		logger.Errorf("ActionExecutor.Warn: user=%d msg=%d reason=%q: %v", msg.UserID, msg.MessageID, reason, err)
		return false, err
	}
	logger.Infof("WARN: user=%d msg=%d reason=%q", msg.UserID, msg.MessageID, reason)
	return true, nil
}

// Delete удаляет сообщение и, если задан replyText, публикует пояснение в чат.
func (a *ActionExecutor) Delete(ctx context.Context, msg moderation.Message, reason, replyText, senderName string) (bool, error) {
	channel, chErr := a.resolveChannel(ctx, msg.ChatID)
	if chErr != nil {
		logger.Errorf("ActionExecutor.Delete: %v", chErr)
		return false, chErr
	}

	err := a.throttler.Do(ctx, func() error {
		_, apiErr := a.api.ChannelsDeleteMessages(ctx, &tg.ChannelsDeleteMessagesRequest{
			Channel: channel,
			ID:      []int{msg.MessageID},
		})
		return apiErr
	})
	if err != nil {
		logger.Errorf("ActionExecutor.Delete: user=%d msg=%d reason=%q: %v", msg.UserID, msg.MessageID, reason, err)
		return false, err
	}

	if replyText != "" {
		peer, peerErr := a.resolvePeer(ctx, msg.ChatID)
		if peerErr == nil {
			notification := fmt.Sprintf("🗑 Message removed\n👤 User: %s\n📝 Reason: %s", senderName, replyText)
			if sendErr := a.sendText(ctx, peer, notification, 0); sendErr != nil {
				logger.Warnf("ActionExecutor.Delete: removal notice failed: %v", sendErr)
			}
		}
	}

	logger.Infof("DELETE: user=%d msg=%d reason=%q", msg.UserID, msg.MessageID, reason)
	return true, nil
}

// Mute ограничивает пользователя в чате на duration и, если задан replyText,
// публикует пояснение.
func (a *ActionExecutor) Mute(ctx context.Context, msg moderation.Message, reason string, duration time.Duration, replyText, senderName string) (bool, error) {
	channel, chErr := a.resolveChannel(ctx, msg.ChatID)
	if chErr != nil {
		logger.Errorf("ActionExecutor.Mute: %v", chErr)
		return false, chErr
	}

	participant, partErr := a.peers.InputPeerByKind(ctx, "user", msg.UserID)
	if partErr != nil {
		logger.Errorf("ActionExecutor.Mute: resolve user %d: %v", msg.UserID, partErr)
		return false, partErr
	}

	rights := tg.ChatBannedRights{
		UntilDate:    int(time.Now().Add(duration).Unix()),
		SendMessages: true,
		SendMedia:    true,
		SendStickers: true,
		SendGifs:     true,
	}

	err := a.throttler.Do(ctx, func() error {
		_, apiErr := a.api.ChannelsEditBanned(ctx, &tg.ChannelsEditBannedRequest{
			Channel:      channel,
			Participant:  participant,
			BannedRights: rights,
		})
		return apiErr
	})
	if err != nil {
		logger.Errorf("ActionExecutor.Mute: user=%d duration=%s reason=%q: %v", msg.UserID, duration, reason, err)
		return false, err
	}

	if replyText != "" {
		peer, peerErr := a.resolvePeer(ctx, msg.ChatID)
		if peerErr == nil {
			notification := fmt.Sprintf("🔇 User muted\n👤 User: %s\n⏳ Duration: %d min\n📝 Reason: %s",
				senderName, int(duration.Minutes()), replyText)
			if sendErr := a.sendText(ctx, peer, notification, 0); sendErr != nil {
				logger.Warnf("ActionExecutor.Mute: notice failed: %v", sendErr)
			}
		}
	}

	logger.Infof("MUTE: user=%d duration=%s reason=%q", msg.UserID, duration, reason)
	return true, nil
}

// Ban ограничивает пользователя навсегда (until_date в прошлом означает
// бессрочный бан для Telegram) и, если задан replyText, публикует пояснение.
func (a *ActionExecutor) Ban(ctx context.Context, msg moderation.Message, reason, replyText, senderName string) (bool, error) {
	channel, chErr := a.resolveChannel(ctx, msg.ChatID)
	if chErr != nil {
		logger.Errorf("ActionExecutor.Ban: %v", chErr)
		return false, chErr
	}

	participant, partErr := a.peers.InputPeerByKind(ctx, "user", msg.UserID)
	if partErr != nil {
		logger.Errorf("ActionExecutor.Ban: resolve user %d: %v", msg.UserID, partErr)
		return false, partErr
	}

	rights := tg.ChatBannedRights{ViewMessages: true}

	err := a.throttler.Do(ctx, func() error {
		_, apiErr := a.api.ChannelsEditBanned(ctx, &tg.ChannelsEditBannedRequest{
			Channel:      channel,
			Participant:  participant,
			BannedRights: rights,
		})
		return apiErr
	})
	if err != nil {
		logger.Errorf("ActionExecutor.Ban: user=%d reason=%q: %v", msg.UserID, reason, err)
		return false, err
	}

	if replyText != "" {
		peer, peerErr := a.resolvePeer(ctx, msg.ChatID)
		if peerErr == nil {
			notification := fmt.Sprintf("🚫 User banned\n👤 User: %s\n📝 Reason: %s", senderName, replyText)
			if sendErr := a.sendText(ctx, peer, notification, 0); sendErr != nil {
				logger.Warnf("ActionExecutor.Ban: notice failed: %v", sendErr)
			}
		}
	}

	logger.Infof("BAN: user=%d reason=%q", msg.UserID, reason)
	return true, nil
}

// ForwardToReview публикует флагованное сообщение с контекстом в ревью-канал.
func (a *ActionExecutor) ForwardToReview(ctx context.Context, msg moderation.Message, chatTitle, verdict, reason string) (bool, error) {
	if a.reviewID == 0 {
		return false, nil
	}

	peer, err := a.resolvePeer(ctx, a.reviewID)
	if err != nil {
		logger.Errorf("ActionExecutor.ForwardToReview: resolve review group: %v", err)
		return false, err
	}

	sender := msg.Sender
	if msg.Handle != "" {
		sender = fmt.Sprintf("%s (@%s)", sender, msg.Handle)
	}

	text := fmt.Sprintf(
		"🔍 Moderation flag\n📍 Group: %s\n👤 Sender: %s (ID: %d)\n⚖️ Verdict: %s\n📝 Reason: %s\n────────────────\n%s",
		chatTitle, sender, msg.UserID, verdict, reason, msg.Text,
	)

	if err := a.sendText(ctx, peer, text, 0); err != nil {
		logger.Errorf("ActionExecutor.ForwardToReview: msg=%d: %v", msg.MessageID, err)
		return false, err
	}
	logger.Infof("Forwarded msg %d to review group", msg.MessageID)
	return true, nil
}

// SendReviewText отправляет произвольный текст в ревью-канал (используется
// StatusReporter'ом и обработчиком сбоев батч-слива).
func (a *ActionExecutor) SendReviewText(ctx context.Context, text string) (bool, error) {
	if a.reviewID == 0 {
		return false, errors.New("review group is not configured")
	}

	peer, err := a.resolvePeer(ctx, a.reviewID)
	if err != nil {
		return false, fmt.Errorf("resolve review group: %w", err)
	}

	if err := a.sendText(ctx, peer, text, 0); err != nil {
		return false, err
	}
	return true, nil
}

// randomID строит random_id (FNV-1a) из адресата, текста, ответа и текущего
// времени в наносекундах, поэтому каждый вызов даёт новое значение; повторные
// попытки внутри одного sendText используют уже вычисленный random_id.
func randomID(peer tg.InputPeerClass, text string, replyTo int) int64 {
	hasher := fnv.New64a()
	fmt.Fprintf(hasher, "%T:%v:%s:%d:%d", peer, peer, text, replyTo, time.Now().UnixNano())
	value := hasher.Sum64() & ((1 << 63) - 1)
	if value == 0 {
		value = 1
	}
	return int64(value) // #nosec G115
}
