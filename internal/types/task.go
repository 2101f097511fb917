package types

import (
	"encoding/json"
	"time"
)

// Task types understood by the bundled handlers.
const (
	TaskTypeEmail    = "email"
	TaskTypeTelegram = "telegram"
	TaskTypeReminder = "reminder"
)

// Schedule says when a task runs. RunAt is either an absolute RFC3339
// timestamp or a naive wall-clock time interpreted in Timezone.
type Schedule struct {
	RunAt    string `json:"runAt"`
	Timezone string `json:"timezone"`
}

type TaskOptions struct {
	DeleteAfterRun *bool `json:"deleteAfterRun,omitempty"`
	MaxRetries     *int  `json:"maxRetries,omitempty"`
}

// Task is a durable scheduled side effect.
type Task struct {
	ID          TaskID          `json:"id"`
	Name        string          `json:"name"`
	Type        string          `json:"type"`
	Schedule    Schedule        `json:"schedule"`
	Enabled     bool            `json:"enabled"`
	NextRun     *time.Time      `json:"nextRun,omitempty"`
	LastRun     *time.Time      `json:"lastRun,omitempty"`
	RunAttempts int             `json:"runAttempts"`
	LastError   string          `json:"lastError,omitempty"`
	CompletedAt *time.Time      `json:"completedAt,omitempty"`
	Options     TaskOptions     `json:"options"`
	Payload     json.RawMessage `json:"payload,omitempty"`
	CreatedAt   time.Time       `json:"createdAt"`
	UpdatedAt   time.Time       `json:"updatedAt"`
}

// OneShot reports whether the task is deleted after a successful run.
// Tasks default to one-shot.
func (t *Task) OneShot() bool {
	if t.Options.DeleteAfterRun == nil {
		return true
	}
	return *t.Options.DeleteAfterRun
}

// RetriesExhausted reports whether RunAttempts has gone past MaxRetries.
// Without MaxRetries a task is retried forever.
func (t *Task) RetriesExhausted() bool {
	if t.Options.MaxRetries == nil {
		return false
	}
	return t.RunAttempts > *t.Options.MaxRetries
}

// EmailPayload is the payload of an email task.
type EmailPayload struct {
	To      string `json:"to"`
	Subject string `json:"subject"`
	Body    string `json:"body"`
	// HTML marks Body as HTML.
	HTML bool `json:"html,omitempty"`
}

// TelegramPayload is the payload of a telegram task.
type TelegramPayload struct {
	ChatID int64  `json:"chatId"`
	Text   string `json:"text"`
	HTML   bool   `json:"html,omitempty"`
}

// ReminderPayload is the payload of a reminder task. The reminder is written
// into the conversation transcript and optionally sent to Notify, a delivery
// target such as "telegram:12345" or "email:me@example.com".
type ReminderPayload struct {
	TripID         TripID         `json:"tripId"`
	ConversationID ConversationID `json:"conversationId,omitempty"`
	Message        string         `json:"message"`
	Notify         string         `json:"notify,omitempty"`
	// Posted marks a reminder already written to the conversation whose
	// notification delivery is still being retried.
	Posted bool `json:"posted,omitempty"`
}
