// Package telegram sends notifications to Telegram chats and bridges chat
// messages into a trip conversation.
package telegram

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"sync"

	htmltomarkdown "github.com/JohannesKaufmann/html-to-markdown/v2"
	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/user/tripclaw/internal/session"
	"github.com/user/tripclaw/internal/types"
)

const maxTelegramMessage = 4096

// Notifier sends text messages through a bot.
type Notifier struct {
	bot *tgbotapi.BotAPI
}

// New connects a bot with the given token.
func New(token string) (*Notifier, error) {
	bot, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, fmt.Errorf("create bot: %w", err)
	}
	return &Notifier{bot: bot}, nil
}

// NewWithEndpoint connects a bot against a custom Bot API endpoint, in the
// form "https://host/bot%s/%s".
func NewWithEndpoint(token, endpoint string) (*Notifier, error) {
	bot, err := tgbotapi.NewBotAPIWithAPIEndpoint(token, endpoint)
	if err != nil {
		return nil, fmt.Errorf("create bot: %w", err)
	}
	return &Notifier{bot: bot}, nil
}

// Username returns the bot's username.
func (n *Notifier) Username() string {
	return n.bot.Self.UserName
}

// SendText sends text to a chat, split into Telegram-sized parts. HTML text
// is converted to markdown first.
func (n *Notifier) SendText(ctx context.Context, chatID int64, text string, html bool) error {
	if html {
		md, err := htmltomarkdown.ConvertString(text)
		if err != nil {
			return fmt.Errorf("convert html: %w", err)
		}
		text = md
	}
	for _, part := range splitMessage(text) {
		if err := ctx.Err(); err != nil {
			return err
		}
		msg := tgbotapi.NewMessage(chatID, part)
		msg.ParseMode = tgbotapi.ModeMarkdown
		if _, err := n.bot.Send(msg); err != nil {
			// Retry without markdown if it fails
			msg.ParseMode = ""
			if _, err := n.bot.Send(msg); err != nil {
				return fmt.Errorf("send message: %w", err)
			}
		}
	}
	return nil
}

// Bridge relays chat messages into one trip. Each Telegram chat gets its own
// conversation in that trip.
type Bridge struct {
	notifier *Notifier
	sessions *session.Registry
	tripID   types.TripID
}

// NewBridge creates a bridge posting into tripID.
func NewBridge(n *Notifier, sessions *session.Registry, tripID types.TripID) *Bridge {
	return &Bridge{notifier: n, sessions: sessions, tripID: tripID}
}

// Start long-polls for updates until ctx is done.
func (b *Bridge) Start(ctx context.Context) {
	u := tgbotapi.NewUpdate(0)
	u.Timeout = 30

	updates := b.notifier.bot.GetUpdatesChan(u)
	slog.Info("telegram bridge started", "bot", b.notifier.Username(), "trip_id", b.tripID)

	for {
		select {
		case update := <-updates:
			if update.Message == nil || update.Message.Text == "" {
				continue
			}
			b.handleMessage(ctx, update.Message)
		case <-ctx.Done():
			b.notifier.bot.StopReceivingUpdates()
			return
		}
	}
}

func (b *Bridge) handleMessage(ctx context.Context, msg *tgbotapi.Message) {
	chatID := msg.Chat.ID
	if msg.IsCommand() {
		b.reply(ctx, chatID, b.handleCommand(ctx, msg))
		return
	}

	actor, err := b.sessions.Get(ctx, b.tripID, conversationFor(chatID))
	if err != nil {
		slog.Error("resolve telegram conversation", "chat_id", chatID, "error", err)
		b.reply(ctx, chatID, "Sorry, I could not open the trip conversation.")
		return
	}

	collector := &replyCollector{}
	actor.Subscribe(collector)
	defer actor.Unsubscribe(collector)
	if err := actor.AddUserMessage(ctx, msg.Text, collector); err != nil {
		slog.Error("telegram turn rejected", "chat_id", chatID, "error", err)
		b.reply(ctx, chatID, "Sorry, I encountered an error processing your message.")
		return
	}
	for _, text := range collector.replies() {
		b.reply(ctx, chatID, text)
	}
}

func (b *Bridge) handleCommand(ctx context.Context, msg *tgbotapi.Message) string {
	chatID := msg.Chat.ID

	switch msg.Command() {
	case "start":
		return "Hello! I'm Tripclaw, your travel assistant. Send me a message about your trip.\n" +
			"Reminders can be sent here with the address telegram:" + strconv.FormatInt(chatID, 10)

	case "chatid":
		return strconv.FormatInt(chatID, 10)

	case "new":
		actor, err := b.sessions.Get(ctx, b.tripID, conversationFor(chatID))
		if err != nil {
			return "Error opening the conversation."
		}
		if err := actor.Reset(ctx); err != nil {
			return "Error starting a new session."
		}
		return "Starting a new session. The transcript is kept."

	case "cancel":
		actor, ok := b.sessions.Lookup(b.tripID, conversationFor(chatID))
		if ok && actor.CancelActiveQuery() {
			return "Cancelled."
		}
		return "Nothing to cancel."

	default:
		return "Unknown command. Available: /start, /chatid, /new, /cancel"
	}
}

func (b *Bridge) reply(ctx context.Context, chatID int64, text string) {
	if err := b.notifier.SendText(ctx, chatID, text, false); err != nil {
		slog.Error("telegram reply failed", "chat_id", chatID, "error", err)
	}
}

// replyCollector subscribes for the duration of a bridged turn. It keeps the
// assistant text and failures so they can be sent once the turn is over.
type replyCollector struct {
	mu    sync.Mutex
	texts []string
}

func (c *replyCollector) Send(msg *session.Message) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch msg.Type {
	case session.TypeAssistantMessage:
		if msg.Entry != nil && msg.Entry.Text != "" {
			c.texts = append(c.texts, msg.Entry.Text)
		}
	case session.TypeResult:
		if msg.Subtype == session.ResultError {
			c.texts = append(c.texts, "Error: "+msg.Text)
		}
	}
	return nil
}

func (c *replyCollector) replies() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.texts...)
}

func splitMessage(text string) []string {
	if len(text) <= maxTelegramMessage {
		return []string{text}
	}
	var parts []string
	for len(text) > 0 {
		end := maxTelegramMessage
		if end > len(text) {
			end = len(text)
		}
		parts = append(parts, text[:end])
		text = text[end:]
	}
	return parts
}

func conversationFor(chatID int64) types.ConversationID {
	return types.ConversationID("telegram-" + strconv.FormatInt(chatID, 10))
}
