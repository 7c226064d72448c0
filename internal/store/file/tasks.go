package file

import (
	"context"
	"fmt"

	"github.com/porterolabs/portero/internal/store"
)

const tasksFile = "tasks.json"

type tasksDoc struct {
	Tasks []store.Task `json:"tasks"`
}

// CreateTask inserts a new task at the head of the collection.
func (s *Store) CreateTask(ctx context.Context, t *store.Task) error {
	s.tasksMu.Lock()
	defer s.tasksMu.Unlock()

	doc, err := readDoc[tasksDoc](s.path(tasksFile))
	if err != nil {
		return err
	}
	for i := range doc.Tasks {
		if doc.Tasks[i].ID == t.ID {
			return fmt.Errorf("task %s: %w", t.ID, store.ErrAlreadyExists)
		}
	}
	doc.Tasks = append([]store.Task{*t}, doc.Tasks...)
	return writeDoc(s.path(tasksFile), doc)
}

// GetTask returns the task with the given id.
func (s *Store) GetTask(ctx context.Context, id string) (*store.Task, error) {
	s.tasksMu.Lock()
	defer s.tasksMu.Unlock()

	doc, err := readDoc[tasksDoc](s.path(tasksFile))
	if err != nil {
		return nil, err
	}
	for i := range doc.Tasks {
		if doc.Tasks[i].ID == id {
			t := doc.Tasks[i]
			return &t, nil
		}
	}
	return nil, fmt.Errorf("task %s: %w", id, store.ErrNotFound)
}

// UpdateTask applies mutate to the stored task under the collection lock.
// The mutation and the persist happen atomically with respect to other
// writers in this process, which makes status checks inside mutate safe
// against concurrent decisions.
func (s *Store) UpdateTask(ctx context.Context, id string, mutate func(*store.Task) error) (*store.Task, error) {
	s.tasksMu.Lock()
	defer s.tasksMu.Unlock()

	doc, err := readDoc[tasksDoc](s.path(tasksFile))
	if err != nil {
		return nil, err
	}
	for i := range doc.Tasks {
		if doc.Tasks[i].ID != id {
			continue
		}
		updated := doc.Tasks[i]
		if err := mutate(&updated); err != nil {
			return nil, err
		}
		doc.Tasks[i] = updated
		if err := writeDoc(s.path(tasksFile), doc); err != nil {
			return nil, err
		}
		return &updated, nil
	}
	return nil, fmt.Errorf("task %s: %w", id, store.ErrNotFound)
}

// ListTasks returns tasks newest-first, optionally filtered by status and
// capped at f.Limit.
func (s *Store) ListTasks(ctx context.Context, f store.TaskFilter) ([]store.Task, error) {
	s.tasksMu.Lock()
	defer s.tasksMu.Unlock()

	doc, err := readDoc[tasksDoc](s.path(tasksFile))
	if err != nil {
		return nil, err
	}
	out := make([]store.Task, 0, len(doc.Tasks))
	for _, t := range doc.Tasks {
		if f.Status != "" && t.Status != f.Status {
			continue
		}
		out = append(out, t)
		if f.Limit > 0 && len(out) == f.Limit {
			break
		}
	}
	return out, nil
}

// DeleteTask removes a task by id.
func (s *Store) DeleteTask(ctx context.Context, id string) error {
	s.tasksMu.Lock()
	defer s.tasksMu.Unlock()

	doc, err := readDoc[tasksDoc](s.path(tasksFile))
	if err != nil {
		return err
	}
	for i := range doc.Tasks {
		if doc.Tasks[i].ID == id {
			doc.Tasks = append(doc.Tasks[:i], doc.Tasks[i+1:]...)
			return writeDoc(s.path(tasksFile), doc)
		}
	}
	return fmt.Errorf("task %s: %w", id, store.ErrNotFound)
}
