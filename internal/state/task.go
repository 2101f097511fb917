package state

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/user/tripclaw/internal/types"
)

// TaskStore is a JSON-file-backed store for scheduled tasks. Every mutation
// rewrites the whole file atomically; there are no cross-record transactions.
type TaskStore struct {
	path string
	mu   sync.RWMutex
}

// NewTaskStore creates a new file-backed TaskStore at the given file path.
func NewTaskStore(path string) *TaskStore {
	return &TaskStore{path: path}
}

// Path returns the file path used by this store.
func (s *TaskStore) Path() string {
	return s.path
}

// List returns all tasks. Returns an empty slice if the file doesn't exist.
func (s *TaskStore) List(_ context.Context) ([]*types.Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	tasks, err := s.load()
	if err != nil {
		return nil, err
	}
	if tasks == nil {
		return []*types.Task{}, nil
	}
	return tasks, nil
}

// Get finds a task by ID.
func (s *TaskStore) Get(_ context.Context, id types.TaskID) (*types.Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	tasks, err := s.load()
	if err != nil {
		return nil, err
	}
	for _, task := range tasks {
		if task.ID == id {
			return task, nil
		}
	}
	return nil, fmt.Errorf("task %s: %w", id, ErrNotFound)
}

// Create appends a task, assigning its ID when empty. The ID is immutable afterwards.
func (s *TaskStore) Create(_ context.Context, task *types.Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tasks, err := s.load()
	if err != nil {
		return err
	}

	if task.ID == "" {
		task.ID = types.NewTaskID()
	}
	for _, existing := range tasks {
		if existing.ID == task.ID {
			return fmt.Errorf("task already exists: %s", task.ID)
		}
	}

	now := time.Now()
	task.CreatedAt = now
	task.UpdatedAt = now
	tasks = append(tasks, task)
	return s.save(tasks)
}

// Update replaces the stored task that has the same ID.
func (s *TaskStore) Update(_ context.Context, task *types.Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tasks, err := s.load()
	if err != nil {
		return err
	}
	for i, existing := range tasks {
		if existing.ID == task.ID {
			task.UpdatedAt = time.Now()
			tasks[i] = task
			return s.save(tasks)
		}
	}
	return fmt.Errorf("task %s: %w", task.ID, ErrNotFound)
}

// Delete removes a task by ID.
func (s *TaskStore) Delete(_ context.Context, id types.TaskID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tasks, err := s.load()
	if err != nil {
		return err
	}
	for i, task := range tasks {
		if task.ID == id {
			tasks = append(tasks[:i], tasks[i+1:]...)
			return s.save(tasks)
		}
	}
	return fmt.Errorf("task %s: %w", id, ErrNotFound)
}

// load reads the JSON file and returns the task list. Returns nil if the file doesn't exist.
func (s *TaskStore) load() ([]*types.Task, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read tasks file: %w", err)
	}

	var tasks []*types.Task
	if err := json.Unmarshal(data, &tasks); err != nil {
		return nil, fmt.Errorf("unmarshal tasks: %w", err)
	}
	return tasks, nil
}

// save writes the task list to disk using atomic write (temp file + rename).
func (s *TaskStore) save(tasks []*types.Task) error {
	data, err := json.MarshalIndent(tasks, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal tasks: %w", err)
	}
	if err := WriteFileAtomic(s.path, data); err != nil {
		return fmt.Errorf("save tasks: %w", err)
	}
	return nil
}
