package telegram

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/user/tripclaw/internal/agent"
	ctxengine "github.com/user/tripclaw/internal/context"
	"github.com/user/tripclaw/internal/session"
	"github.com/user/tripclaw/internal/state"
	"github.com/user/tripclaw/internal/types"
)

type sentMessage struct {
	chatID    string
	text      string
	parseMode string
}

// fakeBotAPI serves the subset of the Bot API the notifier uses.
type fakeBotAPI struct {
	mu           sync.Mutex
	sent         []sentMessage
	rejectMarkup bool
}

func (f *fakeBotAPI) handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		switch {
		case strings.HasSuffix(r.URL.Path, "/getMe"):
			fmt.Fprint(w, `{"ok":true,"result":{"id":1,"is_bot":true,"first_name":"Trip","username":"tripbot"}}`)
		case strings.HasSuffix(r.URL.Path, "/sendMessage"):
			if err := r.ParseForm(); err != nil {
				http.Error(w, err.Error(), http.StatusBadRequest)
				return
			}
			msg := sentMessage{
				chatID:    r.PostForm.Get("chat_id"),
				text:      r.PostForm.Get("text"),
				parseMode: r.PostForm.Get("parse_mode"),
			}
			f.mu.Lock()
			reject := f.rejectMarkup && msg.parseMode != ""
			if !reject {
				f.sent = append(f.sent, msg)
			}
			f.mu.Unlock()
			if reject {
				fmt.Fprint(w, `{"ok":false,"error_code":400,"description":"Bad Request: can't parse entities"}`)
				return
			}
			fmt.Fprintf(w, `{"ok":true,"result":{"message_id":1,"date":0,"chat":{"id":%s,"type":"private"},"text":"ok"}}`, msg.chatID)
		default:
			http.NotFound(w, r)
		}
	})
}

func (f *fakeBotAPI) messages() []sentMessage {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]sentMessage(nil), f.sent...)
}

func newTestNotifier(t *testing.T, api *fakeBotAPI) *Notifier {
	t.Helper()
	srv := httptest.NewServer(api.handler())
	t.Cleanup(srv.Close)
	n, err := NewWithEndpoint("test-token", srv.URL+"/bot%s/%s")
	if err != nil {
		t.Fatal(err)
	}
	return n
}

func TestSplitMessage(t *testing.T) {
	short := "Hello world"
	parts := splitMessage(short)
	if len(parts) != 1 {
		t.Fatalf("expected 1 part, got %d", len(parts))
	}
	if parts[0] != short {
		t.Errorf("expected %q, got %q", short, parts[0])
	}
}

func TestSplitMessageLong(t *testing.T) {
	long := strings.Repeat("a", 5000)
	parts := splitMessage(long)
	if len(parts) != 2 {
		t.Fatalf("expected 2 parts, got %d", len(parts))
	}
	if len(parts[0]) != maxTelegramMessage {
		t.Errorf("expected first part length %d, got %d", maxTelegramMessage, len(parts[0]))
	}
}

func TestConversationFor(t *testing.T) {
	if got := conversationFor(-100123); got != "telegram--100123" {
		t.Errorf("unexpected conversation id %q", got)
	}
}

func TestNotifierSendText(t *testing.T) {
	api := &fakeBotAPI{}
	n := newTestNotifier(t, api)
	if n.Username() != "tripbot" {
		t.Errorf("expected username tripbot, got %q", n.Username())
	}

	if err := n.SendText(context.Background(), 42, "Boarding at *gate 12*", false); err != nil {
		t.Fatal(err)
	}
	sent := api.messages()
	if len(sent) != 1 {
		t.Fatalf("expected 1 message, got %d", len(sent))
	}
	if sent[0].chatID != "42" || sent[0].parseMode != tgbotapi.ModeMarkdown {
		t.Errorf("unexpected message %+v", sent[0])
	}
}

func TestNotifierConvertsHTML(t *testing.T) {
	api := &fakeBotAPI{}
	n := newTestNotifier(t, api)

	if err := n.SendText(context.Background(), 7, "<p>Check in at <strong>15:00</strong></p>", true); err != nil {
		t.Fatal(err)
	}
	sent := api.messages()
	if len(sent) != 1 {
		t.Fatalf("expected 1 message, got %d", len(sent))
	}
	if strings.Contains(sent[0].text, "<strong>") || !strings.Contains(sent[0].text, "**15:00**") {
		t.Errorf("expected markdown text, got %q", sent[0].text)
	}
}

func TestNotifierFallsBackToPlainText(t *testing.T) {
	api := &fakeBotAPI{rejectMarkup: true}
	n := newTestNotifier(t, api)

	if err := n.SendText(context.Background(), 7, "a_b_c", false); err != nil {
		t.Fatal(err)
	}
	sent := api.messages()
	if len(sent) != 1 || sent[0].parseMode != "" {
		t.Fatalf("expected one plain text message, got %+v", sent)
	}
}

type staticPrompts struct{}

func (staticPrompts) BuildTripContext(*types.Trip, string) ctxengine.TripContext {
	return ctxengine.TripContext{}
}

func newTestBridge(t *testing.T, api *fakeBotAPI, client agent.Client) *Bridge {
	t.Helper()
	dir := t.TempDir()
	trips := state.NewTripStore(dir)
	trip := &types.Trip{Name: "Porto"}
	if err := trips.Create(context.Background(), trip); err != nil {
		t.Fatal(err)
	}
	reg := session.NewRegistry(context.Background(), session.Deps{
		Trips:         trips,
		Conversations: state.NewConversationStore(dir),
		Agent:         client,
		Prompts:       staticPrompts{},
	})
	return NewBridge(newTestNotifier(t, api), reg, trip.ID)
}

func chatMessage(chatID int64, text string) *tgbotapi.Message {
	msg := &tgbotapi.Message{
		Chat: &tgbotapi.Chat{ID: chatID, Type: "private"},
		Text: text,
	}
	if strings.HasPrefix(text, "/") {
		end := strings.IndexByte(text, ' ')
		if end < 0 {
			end = len(text)
		}
		msg.Entities = []tgbotapi.MessageEntity{{Type: "bot_command", Offset: 0, Length: end}}
	}
	return msg
}

func TestBridgeRelaysAssistantReply(t *testing.T) {
	api := &fakeBotAPI{}
	client := agent.ClientFunc(func(_ context.Context, prompt string, _ agent.Options) (<-chan agent.Event, error) {
		ch := make(chan agent.Event, 2)
		ch <- agent.AssistantMessage{Text: "You said: " + prompt}
		ch <- agent.Terminal{}
		close(ch)
		return ch, nil
	})
	b := newTestBridge(t, api, client)

	b.handleMessage(context.Background(), chatMessage(99, "best pastel de nata?"))

	sent := api.messages()
	if len(sent) != 1 {
		t.Fatalf("expected 1 reply, got %+v", sent)
	}
	if sent[0].chatID != "99" || sent[0].text != "You said: best pastel de nata?" {
		t.Errorf("unexpected reply %+v", sent[0])
	}
}

func TestBridgeReportsRuntimeError(t *testing.T) {
	api := &fakeBotAPI{}
	client := agent.ClientFunc(func(context.Context, string, agent.Options) (<-chan agent.Event, error) {
		return nil, fmt.Errorf("model unavailable")
	})
	b := newTestBridge(t, api, client)

	b.handleMessage(context.Background(), chatMessage(5, "hello"))

	sent := api.messages()
	if len(sent) != 1 || sent[0].text != "Error: model unavailable" {
		t.Fatalf("expected error reply, got %+v", sent)
	}
}

func TestBridgeCommands(t *testing.T) {
	api := &fakeBotAPI{}
	b := newTestBridge(t, api, agent.ClientFunc(func(context.Context, string, agent.Options) (<-chan agent.Event, error) {
		ch := make(chan agent.Event)
		close(ch)
		return ch, nil
	}))

	tests := []struct {
		text string
		want string
	}{
		{"/chatid", "12345"},
		{"/cancel", "Nothing to cancel."},
		{"/new", "Starting a new session. The transcript is kept."},
		{"/bogus", "Unknown command. Available: /start, /chatid, /new, /cancel"},
	}
	for _, tt := range tests {
		t.Run(tt.text, func(t *testing.T) {
			before := len(api.messages())
			b.handleMessage(context.Background(), chatMessage(12345, tt.text))
			sent := api.messages()
			if len(sent) != before+1 {
				t.Fatalf("expected one reply, got %d", len(sent)-before)
			}
			if got := sent[len(sent)-1].text; got != tt.want {
				t.Errorf("expected %q, got %q", tt.want, got)
			}
		})
	}
}
