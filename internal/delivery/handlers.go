package delivery

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"

	"github.com/user/tripclaw/internal/scheduler"
	"github.com/user/tripclaw/internal/types"
)

// DefaultReminderConversation receives reminders of a trip that has no
// conversation yet.
const DefaultReminderConversation types.ConversationID = "reminders"

// ChatSender sends a message to a telegram chat.
type ChatSender interface {
	SendText(ctx context.Context, chatID int64, text string, html bool) error
}

// ConversationNotifier posts a system entry into a conversation.
type ConversationNotifier interface {
	Notify(ctx context.Context, tripID types.TripID, convID types.ConversationID, text string) error
}

// EmailHandler delivers to "email:<address>" targets.
func EmailHandler(m *Mailer, subject string) Handler {
	return func(ctx context.Context, target, message string) error {
		return m.Send(ctx, target, subject, message, false)
	}
}

// TelegramHandler delivers to "telegram:<chat id>" targets.
func TelegramHandler(s ChatSender) Handler {
	return func(ctx context.Context, target, message string) error {
		chatID, err := strconv.ParseInt(target, 10, 64)
		if err != nil {
			return fmt.Errorf("invalid chat id %q", target)
		}
		return s.SendText(ctx, chatID, message, false)
	}
}

// EmailTask handles tasks of type "email".
func EmailTask(m *Mailer, policy *RetryPolicy) scheduler.Handler {
	return scheduler.HandlerFunc(func(ctx context.Context, task *types.Task) error {
		var p types.EmailPayload
		if err := decodePayload(task, &p); err != nil {
			return err
		}
		if p.To == "" {
			return fmt.Errorf("email payload: recipient is required")
		}
		subject := p.Subject
		if subject == "" {
			subject = task.Name
		}
		return policy.Execute(ctx, func() error {
			return m.Send(ctx, p.To, subject, p.Body, p.HTML)
		})
	})
}

// TelegramTask handles tasks of type "telegram".
func TelegramTask(s ChatSender, policy *RetryPolicy) scheduler.Handler {
	return scheduler.HandlerFunc(func(ctx context.Context, task *types.Task) error {
		var p types.TelegramPayload
		if err := decodePayload(task, &p); err != nil {
			return err
		}
		if p.ChatID == 0 || p.Text == "" {
			return fmt.Errorf("telegram payload: chatId and text are required")
		}
		return policy.Execute(ctx, func() error {
			return s.SendText(ctx, p.ChatID, p.Text, p.HTML)
		})
	})
}

// ReminderTask handles tasks of type "reminder". The reminder is written into
// the trip conversation and, when the payload names one, also delivered to a
// notification address through reg. When only the delivery fails, the task
// payload records the post so a retry delivers without posting again.
func ReminderTask(notifier ConversationNotifier, convs types.ConversationStore, reg *Registry) scheduler.Handler {
	return scheduler.HandlerFunc(func(ctx context.Context, task *types.Task) error {
		var p types.ReminderPayload
		if err := decodePayload(task, &p); err != nil {
			return err
		}
		if p.TripID == "" || p.Message == "" {
			return fmt.Errorf("reminder payload: tripId and message are required")
		}

		text := "Reminder: " + p.Message
		if p.Posted {
			slog.Info("reminder already posted, retrying delivery", "task_id", task.ID, "notify", p.Notify)
		} else {
			convID := p.ConversationID
			if convID == "" {
				var err error
				convID, err = latestConversation(ctx, convs, p.TripID)
				if err != nil {
					return err
				}
			}
			if err := notifier.Notify(ctx, p.TripID, convID, text); err != nil {
				return fmt.Errorf("post reminder: %w", err)
			}
			slog.Info("reminder posted", "task_id", task.ID, "trip_id", p.TripID, "conversation_id", convID)
		}

		if p.Notify == "" {
			return nil
		}
		if err := reg.Deliver(ctx, p.Notify, text); err != nil {
			if !p.Posted {
				p.Posted = true
				if perr := encodePayload(task, p); perr != nil {
					slog.Error("record posted reminder", "task_id", task.ID, "error", perr)
				}
			}
			return fmt.Errorf("deliver reminder to %s: %w", p.Notify, err)
		}
		if p.Posted {
			p.Posted = false
			return encodePayload(task, p)
		}
		return nil
	})
}

func latestConversation(ctx context.Context, convs types.ConversationStore, tripID types.TripID) (types.ConversationID, error) {
	list, err := convs.List(ctx, tripID)
	if err != nil {
		return "", fmt.Errorf("list conversations: %w", err)
	}
	if len(list) == 0 {
		return DefaultReminderConversation, nil
	}
	return list[0].ID, nil
}

func decodePayload(task *types.Task, v any) error {
	if len(task.Payload) == 0 {
		return fmt.Errorf("%s payload is empty", task.Type)
	}
	if err := json.Unmarshal(task.Payload, v); err != nil {
		return fmt.Errorf("invalid %s payload: %w", task.Type, err)
	}
	return nil
}

func encodePayload(task *types.Task, v any) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %s payload: %w", task.Type, err)
	}
	task.Payload = raw
	return nil
}
