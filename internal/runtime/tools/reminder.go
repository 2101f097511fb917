package tools

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/user/tripclaw/internal/agent"
	"github.com/user/tripclaw/internal/scheduler"
	"github.com/user/tripclaw/internal/types"
)

const ScheduleReminderName = "schedule_reminder"

// ScheduleReminder creates a reminder task for the conversation in scope.
type ScheduleReminder struct {
	tasks types.TaskStore
	// notify is the default delivery target for reminders, e.g. "telegram:123".
	notify string
}

func NewScheduleReminder(tasks types.TaskStore, notify string) *ScheduleReminder {
	return &ScheduleReminder{tasks: tasks, notify: notify}
}

func (s *ScheduleReminder) Name() string { return ScheduleReminderName }
func (s *ScheduleReminder) Description() string {
	return "Schedule a reminder that is posted to this conversation at a given local time"
}
func (s *ScheduleReminder) Parameters() json.RawMessage {
	return json.RawMessage(`{
		"type": "object",
		"properties": {
			"message": {"type": "string", "description": "What to remind the traveller of"},
			"runAt": {"type": "string", "description": "Local wall-clock time, e.g. 2026-03-08T09:00:00, or an RFC3339 timestamp"},
			"timezone": {"type": "string", "description": "IANA timezone the local time is in, e.g. Europe/Lisbon"},
			"daily": {"type": "boolean", "description": "Repeat every day at the same local time"}
		},
		"required": ["message", "runAt", "timezone"]
	}`)
}

func (s *ScheduleReminder) Execute(ctx context.Context, args json.RawMessage) (string, error) {
	var params struct {
		Message  string `json:"message"`
		RunAt    string `json:"runAt"`
		Timezone string `json:"timezone"`
		Daily    bool   `json:"daily"`
	}
	if err := json.Unmarshal(args, &params); err != nil {
		return "", fmt.Errorf("parse args: %w", err)
	}
	if params.Message == "" {
		return "", fmt.Errorf("message is required")
	}

	sched := types.Schedule{RunAt: params.RunAt, Timezone: params.Timezone}
	if err := scheduler.ValidateSchedule(sched); err != nil {
		return "", err
	}
	next, _ := scheduler.ResolveRunAt(sched.RunAt, sched.Timezone)

	scope, ok := agent.ScopeFromContext(ctx)
	if !ok {
		return "", fmt.Errorf("no trip in scope")
	}

	payload, err := json.Marshal(types.ReminderPayload{
		TripID:         scope.TripID,
		ConversationID: scope.ConversationID,
		Message:        params.Message,
		Notify:         s.notify,
	})
	if err != nil {
		return "", fmt.Errorf("marshal payload: %w", err)
	}

	deleteAfterRun := !params.Daily
	task := &types.Task{
		Name:     params.Message,
		Type:     types.TaskTypeReminder,
		Schedule: sched,
		Enabled:  true,
		NextRun:  &next,
		Options:  types.TaskOptions{DeleteAfterRun: &deleteAfterRun},
		Payload:  payload,
	}
	if err := s.tasks.Create(ctx, task); err != nil {
		return "", fmt.Errorf("create reminder: %w", err)
	}

	repeat := ""
	if params.Daily {
		repeat = ", repeating daily"
	}
	return fmt.Sprintf("Reminder %s scheduled for %s (%s)%s.", task.ID, next.UTC().Format("2006-01-02 15:04 MST"), sched.Timezone, repeat), nil
}
