package tools

import (
	"context"
	"encoding/json"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/user/tripclaw/internal/state"
	"github.com/user/tripclaw/internal/types"
)

func TestScheduleReminderCreatesTask(t *testing.T) {
	ctx, _, tripID := newTripScope(t)
	tasks := state.NewTaskStore(filepath.Join(t.TempDir(), "tasks.json"))

	tool := NewScheduleReminder(tasks, "telegram:42")
	args, _ := json.Marshal(map[string]any{
		"message":  "Check in for the Shinkansen",
		"runAt":    "2026-03-08T09:00:00",
		"timezone": "America/New_York",
	})
	result, err := tool.Execute(ctx, args)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(result, "scheduled") {
		t.Errorf("unexpected result %q", result)
	}

	list, err := tasks.List(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(list) != 1 {
		t.Fatalf("expected 1 task, got %d", len(list))
	}
	task := list[0]
	if task.Type != types.TaskTypeReminder || !task.Enabled || !task.OneShot() {
		t.Errorf("unexpected task %+v", task)
	}
	if task.NextRun == nil || !task.NextRun.Equal(time.Date(2026, 3, 8, 13, 0, 0, 0, time.UTC)) {
		t.Errorf("unexpected nextRun %v", task.NextRun)
	}

	var payload types.ReminderPayload
	if err := json.Unmarshal(task.Payload, &payload); err != nil {
		t.Fatal(err)
	}
	if payload.TripID != tripID || payload.ConversationID != "conv-1" || payload.Notify != "telegram:42" {
		t.Errorf("unexpected payload %+v", payload)
	}
}

func TestScheduleReminderDaily(t *testing.T) {
	ctx, _, _ := newTripScope(t)
	tasks := state.NewTaskStore(filepath.Join(t.TempDir(), "tasks.json"))

	args, _ := json.Marshal(map[string]any{
		"message": "Take malaria pill", "runAt": "2026-03-08T08:00", "timezone": "Asia/Tokyo", "daily": true,
	})
	if _, err := NewScheduleReminder(tasks, "").Execute(ctx, args); err != nil {
		t.Fatal(err)
	}
	list, _ := tasks.List(context.Background())
	if len(list) != 1 || list[0].OneShot() {
		t.Fatal("expected a repeating reminder")
	}
}

func TestScheduleReminderRejectsInvalidSchedule(t *testing.T) {
	ctx, _, _ := newTripScope(t)
	tasks := state.NewTaskStore(filepath.Join(t.TempDir(), "tasks.json"))

	args, _ := json.Marshal(map[string]any{"message": "x", "runAt": "soon", "timezone": "UTC"})
	if _, err := NewScheduleReminder(tasks, "").Execute(ctx, args); err == nil {
		t.Fatal("expected invalid runAt to be rejected")
	}
	list, _ := tasks.List(context.Background())
	if len(list) != 0 {
		t.Error("no task should be created for an invalid schedule")
	}
}
