package task

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Status represents the status of an asynchronous task.
type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

// Task represents a background job such as session hydration.
type Task struct {
	ID         string      `json:"id"`
	Kind       string      `json:"kind"`
	UserID     string      `json:"user_id"`
	Status     Status      `json:"status"`
	Result     interface{} `json:"result,omitempty"`
	Error      string      `json:"error,omitempty"`
	CreatedAt  time.Time   `json:"created_at"`
	FinishedAt *time.Time  `json:"finished_at,omitempty"`
}

// Manager tracks background tasks in memory.
type Manager struct {
	tasks map[string]*Task
	mu    sync.RWMutex
}

// NewManager creates a new task manager.
func NewManager() *Manager {
	return &Manager{
		tasks: make(map[string]*Task),
	}
}

// NewTask creates a pending task owned by userID and returns a copy of it.
func (m *Manager) NewTask(kind, userID string) Task {
	return m.newTask(kind, userID, StatusPending)
}

func (m *Manager) newTask(kind, userID string, status Status) Task {
	m.mu.Lock()
	defer m.mu.Unlock()

	task := &Task{
		ID:        uuid.New().String(),
		Kind:      kind,
		UserID:    userID,
		Status:    status,
		CreatedAt: time.Now(),
	}
	m.tasks[task.ID] = task
	return *task
}

// Go creates a task and runs fn in a new goroutine, recording its outcome.
// A non-nil result is kept even when fn also returns an error, so partial
// results stay visible.
func (m *Manager) Go(kind, userID string, fn func() (interface{}, error)) Task {
	t := m.newTask(kind, userID, StatusProcessing)

	go func() {
		result, err := fn()
		if err != nil {
			_ = m.SetError(t.ID, result, err)
			return
		}
		_ = m.SetResult(t.ID, result)
	}()
	return t
}

// GetTask returns a snapshot of the task with the given ID.
func (m *Manager) GetTask(id string) (Task, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	task, exists := m.tasks[id]
	if !exists {
		return Task{}, fmt.Errorf("task with ID '%s' not found", id)
	}
	return *task, nil
}

// UpdateStatus updates the status of a task.
func (m *Manager) UpdateStatus(id string, status Status) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	task, exists := m.tasks[id]
	if !exists {
		return fmt.Errorf("task with ID '%s' not found", id)
	}
	task.Status = status
	return nil
}

// SetResult sets the successful result of a task and marks it as completed.
func (m *Manager) SetResult(id string, result interface{}) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	task, exists := m.tasks[id]
	if !exists {
		return fmt.Errorf("task with ID '%s' not found", id)
	}
	now := time.Now()
	task.Result = result
	task.Status = StatusCompleted
	task.Error = ""
	task.FinishedAt = &now
	return nil
}

// SetError records the failure of a task and marks it as failed.
func (m *Manager) SetError(id string, result interface{}, err error) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	task, exists := m.tasks[id]
	if !exists {
		return fmt.Errorf("task with ID '%s' not found", id)
	}
	now := time.Now()
	task.Result = result
	task.Error = err.Error()
	task.Status = StatusFailed
	task.FinishedAt = &now
	return nil
}

// Prune drops finished tasks older than maxAge and returns how many were removed.
func (m *Manager) Prune(maxAge time.Duration) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	cutoff := time.Now().Add(-maxAge)
	removed := 0
	for id, task := range m.tasks {
		if task.FinishedAt != nil && task.FinishedAt.Before(cutoff) {
			delete(m.tasks, id)
			removed++
		}
	}
	return removed
}
