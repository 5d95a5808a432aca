package telegram

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/go-telegram/bot"
	"github.com/go-telegram/bot/models"

	"github.com/lemonhq/lemon/internal/coalesce"
	"github.com/lemonhq/lemon/internal/outbound"
)

// photoExts are sent as photos; everything else goes as a document.
var photoExts = map[string]bool{
	".png": true, ".jpg": true, ".jpeg": true, ".gif": true, ".webp": true,
}

// Sender delivers outbound payloads through the Telegram bot API. It
// implements outbound.Sender for channel id "telegram".
type Sender struct {
	client BotClient
}

// NewSender builds a Sender over a bot client.
func NewSender(client BotClient) *Sender {
	return &Sender{client: client}
}

// Send implements outbound.Sender.
func (s *Sender) Send(ctx context.Context, p *outbound.Payload) (outbound.DeliveryResult, error) {
	chatID, err := chatIDOf(p.Peer.ID)
	if err != nil {
		return outbound.DeliveryResult{}, err
	}

	switch p.Kind {
	case outbound.KindText:
		return s.sendText(ctx, chatID, p)
	case outbound.KindEdit:
		return s.editText(ctx, chatID, p)
	case outbound.KindDelete:
		return s.deleteMessage(ctx, chatID, p)
	case outbound.KindFile:
		return s.sendFiles(ctx, chatID, p)
	default:
		return outbound.DeliveryResult{}, fmt.Errorf("telegram: unsupported payload kind %q", p.Kind)
	}
}

func (s *Sender) sendText(ctx context.Context, chatID int64, p *outbound.Payload) (outbound.DeliveryResult, error) {
	params := &bot.SendMessageParams{
		ChatID:      chatID,
		Text:        p.Text,
		ReplyMarkup: replyMarkup(p.Meta.ReplyMarkup),
	}
	if p.ReplyTo != "" {
		if replyID, err := strconv.Atoi(p.ReplyTo); err == nil {
			params.ReplyParameters = &models.ReplyParameters{MessageID: replyID}
		}
	}
	if threadID, err := strconv.Atoi(p.Peer.ThreadID); err == nil && p.Peer.ThreadID != "" {
		params.MessageThreadID = threadID
	}

	msg, err := s.client.SendMessage(ctx, params)
	if err != nil {
		return outbound.DeliveryResult{}, err
	}
	return outbound.DeliveryResult{MessageID: strconv.Itoa(msg.ID)}, nil
}

func (s *Sender) editText(ctx context.Context, chatID int64, p *outbound.Payload) (outbound.DeliveryResult, error) {
	messageID, err := strconv.Atoi(p.Edit.MessageID)
	if err != nil {
		return outbound.DeliveryResult{}, fmt.Errorf("telegram: bad message id %q", p.Edit.MessageID)
	}

	_, err = s.client.EditMessageText(ctx, &bot.EditMessageTextParams{
		ChatID:      chatID,
		MessageID:   messageID,
		Text:        p.Edit.Text,
		ReplyMarkup: replyMarkup(p.Meta.ReplyMarkup),
	})
	if err != nil && !isNotModified(err) {
		return outbound.DeliveryResult{}, err
	}
	return outbound.DeliveryResult{MessageID: p.Edit.MessageID}, nil
}

func (s *Sender) deleteMessage(ctx context.Context, chatID int64, p *outbound.Payload) (outbound.DeliveryResult, error) {
	messageID, err := strconv.Atoi(p.Delete.MessageID)
	if err != nil {
		return outbound.DeliveryResult{}, fmt.Errorf("telegram: bad message id %q", p.Delete.MessageID)
	}
	_, err = s.client.DeleteMessage(ctx, &bot.DeleteMessageParams{
		ChatID:    chatID,
		MessageID: messageID,
	})
	if err != nil {
		return outbound.DeliveryResult{}, err
	}
	return outbound.DeliveryResult{}, nil
}

func (s *Sender) sendFiles(ctx context.Context, chatID int64, p *outbound.Payload) (outbound.DeliveryResult, error) {
	var lastID string
	for _, file := range p.Files {
		f, err := os.Open(file.Path)
		if err != nil {
			return outbound.DeliveryResult{}, err
		}

		filename := file.Filename
		if filename == "" {
			filename = filepath.Base(file.Path)
		}
		upload := &models.InputFileUpload{Filename: filename, Data: f}

		var msg *models.Message
		if photoExts[strings.ToLower(filepath.Ext(filename))] {
			msg, err = s.client.SendPhoto(ctx, &bot.SendPhotoParams{
				ChatID:  chatID,
				Photo:   upload,
				Caption: file.Caption,
			})
		} else {
			msg, err = s.client.SendDocument(ctx, &bot.SendDocumentParams{
				ChatID:   chatID,
				Document: upload,
				Caption:  file.Caption,
			})
		}
		_ = f.Close()
		if err != nil {
			return outbound.DeliveryResult{}, err
		}
		lastID = strconv.Itoa(msg.ID)
	}
	return outbound.DeliveryResult{MessageID: lastID}, nil
}

// replyMarkup maps the coalescer's cancel markup onto an inline keyboard.
func replyMarkup(v any) models.ReplyMarkup {
	var markup coalesce.CancelMarkup
	switch m := v.(type) {
	case coalesce.CancelMarkup:
		markup = m
	case *coalesce.CancelMarkup:
		if m == nil {
			return nil
		}
		markup = *m
	default:
		return nil
	}
	return &models.InlineKeyboardMarkup{
		InlineKeyboard: [][]models.InlineKeyboardButton{{
			{Text: "Cancel", CallbackData: markup.CallbackData},
		}},
	}
}

func chatIDOf(peerID string) (int64, error) {
	id, err := strconv.ParseInt(strings.TrimSpace(peerID), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("telegram: bad chat id %q", peerID)
	}
	return id, nil
}

// isNotModified matches Telegram's "message is not modified" edit error,
// which happens when an idempotent retry re-sends identical text.
func isNotModified(err error) bool {
	return err != nil && strings.Contains(err.Error(), "message is not modified")
}
