package state

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/user/tripclaw/internal/types"
)

func TestTaskStore_ListEmpty(t *testing.T) {
	dir := t.TempDir()
	store := NewTaskStore(filepath.Join(dir, "tasks.json"))

	tasks, err := store.List(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(tasks) != 0 {
		t.Errorf("expected empty list, got %d tasks", len(tasks))
	}
}

func TestTaskStore_CreateAndGet(t *testing.T) {
	dir := t.TempDir()
	store := NewTaskStore(filepath.Join(dir, "tasks.json"))
	ctx := context.Background()

	task := &types.Task{
		Name:     "pack-bags",
		Type:     types.TaskTypeReminder,
		Schedule: types.Schedule{RunAt: "2026-05-01T09:00:00", Timezone: "Europe/Paris"},
		Enabled:  true,
		Payload:  []byte(`{"message":"pack your bags"}`),
	}
	if err := store.Create(ctx, task); err != nil {
		t.Fatal(err)
	}
	if task.ID == "" {
		t.Fatal("expected an ID to be assigned")
	}

	got, err := store.Get(ctx, task.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Name != "pack-bags" {
		t.Errorf("expected name pack-bags, got %s", got.Name)
	}
	if got.Schedule.Timezone != "Europe/Paris" {
		t.Errorf("expected timezone Europe/Paris, got %s", got.Schedule.Timezone)
	}
	if !got.OneShot() {
		t.Error("expected default one-shot task")
	}
	if got.CreatedAt.IsZero() {
		t.Error("expected CreatedAt to be set")
	}
}

func TestTaskStore_CreateDuplicate(t *testing.T) {
	dir := t.TempDir()
	store := NewTaskStore(filepath.Join(dir, "tasks.json"))
	ctx := context.Background()

	task := &types.Task{ID: "fixed", Name: "a"}
	if err := store.Create(ctx, task); err != nil {
		t.Fatal(err)
	}
	if err := store.Create(ctx, &types.Task{ID: "fixed", Name: "b"}); err == nil {
		t.Fatal("expected error for duplicate task id")
	}
}

func TestTaskStore_Update(t *testing.T) {
	dir := t.TempDir()
	store := NewTaskStore(filepath.Join(dir, "tasks.json"))
	ctx := context.Background()

	task := &types.Task{Name: "a", Enabled: true}
	if err := store.Create(ctx, task); err != nil {
		t.Fatal(err)
	}
	task.Enabled = false
	task.RunAttempts = 2
	task.LastError = "smtp down"
	if err := store.Update(ctx, task); err != nil {
		t.Fatal(err)
	}

	got, err := store.Get(ctx, task.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Enabled || got.RunAttempts != 2 || got.LastError != "smtp down" {
		t.Errorf("update not persisted: %+v", got)
	}
}

func TestTaskStore_UpdateMissing(t *testing.T) {
	dir := t.TempDir()
	store := NewTaskStore(filepath.Join(dir, "tasks.json"))

	err := store.Update(context.Background(), &types.Task{ID: "nope"})
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestTaskStore_Delete(t *testing.T) {
	dir := t.TempDir()
	store := NewTaskStore(filepath.Join(dir, "tasks.json"))
	ctx := context.Background()

	a := &types.Task{Name: "a"}
	b := &types.Task{Name: "b"}
	for _, task := range []*types.Task{a, b} {
		if err := store.Create(ctx, task); err != nil {
			t.Fatal(err)
		}
	}

	if err := store.Delete(ctx, a.ID); err != nil {
		t.Fatal(err)
	}
	if _, err := store.Get(ctx, a.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected deleted task to be gone, got %v", err)
	}
	tasks, err := store.List(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(tasks) != 1 || tasks[0].ID != b.ID {
		t.Errorf("expected only task b to remain, got %+v", tasks)
	}

	if err := store.Delete(ctx, a.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound deleting twice, got %v", err)
	}
}

func TestTaskStore_NoTempFilesLeft(t *testing.T) {
	dir := t.TempDir()
	store := NewTaskStore(filepath.Join(dir, "tasks.json"))
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if err := store.Create(ctx, &types.Task{Name: "t"}); err != nil {
			t.Fatal(err)
		}
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 || entries[0].Name() != "tasks.json" {
		var names []string
		for _, e := range entries {
			names = append(names, e.Name())
		}
		t.Errorf("expected only tasks.json, got %v", names)
	}
}
