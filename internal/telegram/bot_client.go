package telegram

import (
	"context"

	"github.com/go-telegram/bot"
	"github.com/go-telegram/bot/models"
)

// BotClient is the subset of bot.Bot the adapter uses. The indirection
// allows mock injection in tests.
type BotClient interface {
	SendMessage(ctx context.Context, params *bot.SendMessageParams) (*models.Message, error)
	EditMessageText(ctx context.Context, params *bot.EditMessageTextParams) (*models.Message, error)
	DeleteMessage(ctx context.Context, params *bot.DeleteMessageParams) (bool, error)
	SendPhoto(ctx context.Context, params *bot.SendPhotoParams) (*models.Message, error)
	SendDocument(ctx context.Context, params *bot.SendDocumentParams) (*models.Message, error)
	AnswerCallbackQuery(ctx context.Context, params *bot.AnswerCallbackQueryParams) (bool, error)
	RegisterHandler(handlerType bot.HandlerType, pattern string, matchType bot.MatchType, handler bot.HandlerFunc)
	Start(ctx context.Context)
}

// realBotClient wraps a *bot.Bot.
type realBotClient struct {
	bot *bot.Bot
}

// NewBotClient wraps a live bot.
func NewBotClient(b *bot.Bot) BotClient {
	return &realBotClient{bot: b}
}

func (r *realBotClient) SendMessage(ctx context.Context, params *bot.SendMessageParams) (*models.Message, error) {
	return r.bot.SendMessage(ctx, params)
}

func (r *realBotClient) EditMessageText(ctx context.Context, params *bot.EditMessageTextParams) (*models.Message, error) {
	return r.bot.EditMessageText(ctx, params)
}

func (r *realBotClient) DeleteMessage(ctx context.Context, params *bot.DeleteMessageParams) (bool, error) {
	return r.bot.DeleteMessage(ctx, params)
}

func (r *realBotClient) SendPhoto(ctx context.Context, params *bot.SendPhotoParams) (*models.Message, error) {
	return r.bot.SendPhoto(ctx, params)
}

func (r *realBotClient) SendDocument(ctx context.Context, params *bot.SendDocumentParams) (*models.Message, error) {
	return r.bot.SendDocument(ctx, params)
}

func (r *realBotClient) AnswerCallbackQuery(ctx context.Context, params *bot.AnswerCallbackQueryParams) (bool, error) {
	return r.bot.AnswerCallbackQuery(ctx, params)
}

func (r *realBotClient) RegisterHandler(handlerType bot.HandlerType, pattern string, matchType bot.MatchType, handler bot.HandlerFunc) {
	r.bot.RegisterHandler(handlerType, pattern, matchType, handler)
}

func (r *realBotClient) Start(ctx context.Context) {
	r.bot.Start(ctx)
}
