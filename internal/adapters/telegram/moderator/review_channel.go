package moderator

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"telegram-userbot/internal/domain/status"
	"telegram-userbot/internal/infra/telegram/peersmgr"

	"github.com/gotd/td/tg"
	"github.com/gotd/td/tgerr"
)

// ReviewChannel реализует status.ReviewChannel поверх MTProto: статус-проектор
// редактирует одно и то же самоотправленное сообщение в служебном чате, находя
// его через обратный скан истории по текстовому маркеру.
type ReviewChannel struct {
	api      *tg.Client
	peers    *peersmgr.Service
	chatID   int64
	selfUser int64
}

// NewReviewChannel создаёт ReviewChannel для чата chatID. selfUserID нужен,
// чтобы ScanForMarker опознавал собственные сообщения.
func NewReviewChannel(api *tg.Client, peersSvc *peersmgr.Service, chatID, selfUserID int64) *ReviewChannel {
	return &ReviewChannel{api: api, peers: peersSvc, chatID: chatID, selfUser: selfUserID}
}

func (r *ReviewChannel) peer(ctx context.Context) (tg.InputPeerClass, error) {
	if peer, err := r.peers.InputPeerByKind(ctx, "channel", r.chatID); err == nil {
		return peer, nil
	}
	return r.peers.InputPeerByKind(ctx, "chat", r.chatID)
}

// ScanForMarker просматривает последние limit сообщений канала в поисках
// собственного сообщения, содержащего marker.
func (r *ReviewChannel) ScanForMarker(ctx context.Context, limit int, marker string) (int, bool, error) {
	peer, err := r.peer(ctx)
	if err != nil {
		return 0, false, err
	}

	history, err := r.api.MessagesGetHistory(ctx, &tg.MessagesGetHistoryRequest{
		Peer:  peer,
		Limit: limit,
	})
	if err != nil {
		return 0, false, fmt.Errorf("review channel: get history: %w", err)
	}

	messages, err := extractMessages(history)
	if err != nil {
		return 0, false, err
	}

	for _, m := range messages {
		msg, ok := m.(*tg.Message)
		if !ok || msg.Out == false {
			continue
		}
		if r.selfUser != 0 {
			if fromID, ok := msg.GetFromID(); ok {
				if peerUser, ok := fromID.(*tg.PeerUser); ok && peerUser.UserID != r.selfUser {
					continue
				}
			}
		}
		if strings.Contains(msg.Message, marker) {
			return msg.ID, true, nil
		}
	}
	return 0, false, nil
}

// EditMessage редактирует сообщение messageID. "Не изменено" возвращается как
// status.ErrNotModified, который Reporter трактует как успех.
func (r *ReviewChannel) EditMessage(ctx context.Context, messageID int, text string) error {
	peer, err := r.peer(ctx)
	if err != nil {
		return err
	}

	_, err = r.api.MessagesEditMessage(ctx, &tg.MessagesEditMessageRequest{
		Peer:    peer,
		ID:      messageID,
		Message: text,
	})
	if err == nil {
		return nil
	}

	if rpcErr, ok := tgerr.As(err); ok && rpcErr.Type == "MESSAGE_NOT_MODIFIED" {
		return status.ErrNotModified
	}
	return fmt.Errorf("review channel: edit message %d: %w", messageID, err)
}

// SendMessage отправляет новое сообщение и возвращает его идентификатор.
func (r *ReviewChannel) SendMessage(ctx context.Context, text string) (int, error) {
	peer, err := r.peer(ctx)
	if err != nil {
		return 0, err
	}

	randomID := randomID(peer, text, 0)
	updates, err := r.api.MessagesSendMessage(ctx, &tg.MessagesSendMessageRequest{
		Peer:     peer,
		Message:  text,
		RandomID: randomID,
	})
	if err != nil {
		return 0, fmt.Errorf("review channel: send message: %w", err)
	}

	if id, ok := extractSentMessageID(updates); ok {
		return id, nil
	}
	return 0, errors.New("review channel: could not determine sent message id")
}

// extractMessages нормализует MessagesGetHistory в плоский список сообщений.
func extractMessages(class tg.MessagesMessagesClass) ([]tg.MessageClass, error) {
	switch v := class.(type) {
	case *tg.MessagesMessages:
		return v.Messages, nil
	case *tg.MessagesMessagesSlice:
		return v.Messages, nil
	case *tg.MessagesChannelMessages:
		return v.Messages, nil
	default:
		return nil, fmt.Errorf("review channel: unexpected history response %T", class)
	}
}

// extractSentMessageID достаёт ID только что отправленного сообщения из апдейтов.
func extractSentMessageID(updates tg.UpdatesClass) (int, bool) {
	var list []tg.UpdateClass
	switch v := updates.(type) {
	case *tg.Updates:
		list = v.Updates
	case *tg.UpdatesCombined:
		list = v.Updates
	case *tg.UpdateShortSentMessage:
		return v.ID, true
	case *tg.UpdateShort:
		list = []tg.UpdateClass{v.Update}
	default:
		return 0, false
	}

	for _, u := range list {
		if msgUpdate, ok := u.(*tg.UpdateNewMessage); ok {
			if msg, ok := msgUpdate.Message.(*tg.Message); ok {
				return msg.ID, true
			}
		}
		if msgUpdate, ok := u.(*tg.UpdateNewChannelMessage); ok {
			if msg, ok := msgUpdate.Message.(*tg.Message); ok {
				return msg.ID, true
			}
		}
	}
	return 0, false
}
