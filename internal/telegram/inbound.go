// Package telegram is the Telegram transport: an inbound adapter that feeds
// updates into the router and an outbound sender for the outbox.
package telegram

import (
	"context"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/go-telegram/bot"
	"github.com/go-telegram/bot/models"

	"github.com/lemonhq/lemon/internal/coalesce"
	"github.com/lemonhq/lemon/internal/resume"
	"github.com/lemonhq/lemon/internal/router"
	"github.com/lemonhq/lemon/internal/session"
)

// Aborter cancels a live run, usually the Router.
type Aborter interface {
	AbortRun(runID string) bool
}

// Config configures the inbound adapter.
type Config struct {
	// Token is the bot token from @BotFather. Required unless a Client is
	// injected.
	Token string

	// AccountID distinguishes multiple bot accounts. Default "default".
	AccountID string

	// AgentID is the agent inbound chats are routed to. Empty falls through
	// to the router's default resolution.
	AgentID string

	// Client overrides the bot client, for tests.
	Client BotClient

	Logger *slog.Logger
}

func (c *Config) applyDefaults() {
	if c.AccountID == "" {
		c.AccountID = "default"
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// Adapter receives Telegram updates and routes them inbound. It also resolves
// cancel-button callbacks back to run aborts.
type Adapter struct {
	cfg     Config
	client  BotClient
	router  *router.Router
	aborter Aborter
	resume  *resume.Store
	logger  *slog.Logger
}

// NewAdapter builds the inbound adapter.
func NewAdapter(cfg Config, rt *router.Router, aborter Aborter, resumeStore *resume.Store) (*Adapter, error) {
	cfg.applyDefaults()

	client := cfg.Client
	if client == nil {
		b, err := bot.New(cfg.Token)
		if err != nil {
			return nil, err
		}
		client = NewBotClient(b)
	}

	return &Adapter{
		cfg:     cfg,
		client:  client,
		router:  rt,
		aborter: aborter,
		resume:  resumeStore,
		logger:  cfg.Logger.With("component", "telegram"),
	}, nil
}

// Client exposes the underlying bot client so the sender can share it.
func (a *Adapter) Client() BotClient { return a.client }

// Start registers handlers and runs the long-polling loop until ctx is done.
func (a *Adapter) Start(ctx context.Context) {
	a.client.RegisterHandler(bot.HandlerTypeMessageText, "", bot.MatchTypePrefix, a.handleMessage)
	a.client.RegisterHandler(bot.HandlerTypeCallbackQueryData, coalesce.CancelCallbackData(""), bot.MatchTypePrefix, a.handleCallback)
	a.logger.Info("telegram adapter started", "account", a.cfg.AccountID)
	a.client.Start(ctx)
}

func (a *Adapter) handleMessage(ctx context.Context, _ *bot.Bot, update *models.Update) {
	msg := update.Message
	if msg == nil || strings.TrimSpace(msg.Text) == "" {
		return
	}

	inbound := router.InboundMessage{
		ChannelID: "telegram",
		AccountID: a.cfg.AccountID,
		Peer: router.Peer{
			Kind: peerKindOf(msg.Chat.Type),
			ID:   strconv.FormatInt(msg.Chat.ID, 10),
		},
		Message: router.Message{
			ID:        strconv.Itoa(msg.ID),
			Text:      msg.Text,
			Timestamp: int64(msg.Date) * int64(time.Second/time.Millisecond),
		},
		Raw:  update,
		Meta: router.InboundMeta{AgentID: a.cfg.AgentID},
	}
	if msg.MessageThreadID != 0 {
		inbound.Peer.ThreadID = strconv.Itoa(msg.MessageThreadID)
	}
	if msg.From != nil {
		inbound.Sender = strconv.FormatInt(msg.From.ID, 10)
	}
	if reply := msg.ReplyToMessage; reply != nil {
		inbound.Message.ReplyToID = strconv.Itoa(reply.ID)
		inbound.Meta.ReplyToText = a.replyText(ctx, reply)
	}

	a.router.HandleInbound(ctx, inbound)
}

// replyText returns the quoted message text, with the indexed resume footer
// appended when the reply targets a bot answer whose footer was trimmed by
// the client.
func (a *Adapter) replyText(ctx context.Context, reply *models.Message) string {
	text := reply.Text
	if a.resume == nil {
		return text
	}
	token, ok, err := a.resume.MessageToken(ctx, a.cfg.AccountID, strconv.Itoa(reply.ID))
	if err != nil || !ok {
		return text
	}
	if existing, _ := resume.Extract(text); existing != nil {
		return text
	}
	return text + resume.Footer(token)
}

func (a *Adapter) handleCallback(ctx context.Context, _ *bot.Bot, update *models.Update) {
	query := update.CallbackQuery
	if query == nil {
		return
	}

	runID := strings.TrimPrefix(query.Data, coalesce.CancelCallbackData(""))
	aborted := false
	if runID != "" && a.aborter != nil {
		aborted = a.aborter.AbortRun(runID)
	}

	text := "Cancelling…"
	if !aborted {
		text = "Run already finished"
	}
	if _, err := a.client.AnswerCallbackQuery(ctx, &bot.AnswerCallbackQueryParams{
		CallbackQueryID: query.ID,
		Text:            text,
	}); err != nil {
		a.logger.Warn("answer callback failed", "error", err)
	}
	a.logger.Info("cancel callback", "run_id", runID, "aborted", aborted)
}

// peerKindOf maps Telegram chat types onto the session peer-kind whitelist.
func peerKindOf(chatType models.ChatType) string {
	switch chatType {
	case models.ChatTypePrivate:
		return string(session.PeerDM)
	case models.ChatTypeGroup, models.ChatTypeSupergroup:
		return string(session.PeerGroup)
	case models.ChatTypeChannel:
		return string(session.PeerChannel)
	default:
		return string(session.PeerUnknown)
	}
}
