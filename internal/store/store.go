// Package store provides the YAML-backed reminder and task store that check
// executions read due work from.
package store

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	yamlv3 "gopkg.in/yaml.v3"

	"github.com/msageha/vigil/internal/model"
	atomicyaml "github.com/msageha/vigil/internal/yaml"
)

const (
	remindersFileType = "store_reminders"
	tasksFileType     = "store_tasks"
)

// Store reads and writes .vigil/store/{reminders,tasks}.yaml.
type Store struct {
	vigilDir string
	dir      string
	locks    *mutexMap
}

func New(vigilDir string) *Store {
	return &Store{
		vigilDir: vigilDir,
		dir:      filepath.Join(vigilDir, "store"),
		locks:    newMutexMap(),
	}
}

// EnsureFiles creates the store directory and empty record files when absent.
func (s *Store) EnsureFiles() error {
	if err := os.MkdirAll(s.dir, 0755); err != nil {
		return fmt.Errorf("create store dir: %w", err)
	}
	if _, err := os.Stat(s.remindersPath()); os.IsNotExist(err) {
		if err := atomicyaml.GenerateSkeleton(s.remindersPath(), remindersFileType); err != nil {
			return err
		}
	}
	if _, err := os.Stat(s.tasksPath()); os.IsNotExist(err) {
		if err := atomicyaml.GenerateSkeleton(s.tasksPath(), tasksFileType); err != nil {
			return err
		}
	}
	return nil
}

// ListDue returns reminders whose cadence has elapsed relative to now.
func (s *Store) ListDue(now time.Time) ([]model.Reminder, error) {
	file, err := s.loadReminders()
	if err != nil {
		return nil, err
	}

	var due []model.Reminder
	for _, r := range file.Reminders {
		if reminderDue(r, now) {
			due = append(due, r)
		}
	}
	return due, nil
}

// ListPending returns tasks still awaiting attention, highest priority first.
func (s *Store) ListPending() ([]model.Task, error) {
	file, err := s.loadTasks()
	if err != nil {
		return nil, err
	}

	var pending []model.Task
	for _, t := range file.Tasks {
		if t.Status == model.StatusPending {
			pending = append(pending, t)
		}
	}
	sort.SliceStable(pending, func(i, j int) bool {
		if pending[i].Priority != pending[j].Priority {
			return pending[i].Priority > pending[j].Priority
		}
		return pending[i].CreatedAt < pending[j].CreatedAt
	})
	return pending, nil
}

// ListReminders returns all reminders.
func (s *Store) ListReminders() ([]model.Reminder, error) {
	file, err := s.loadReminders()
	if err != nil {
		return nil, err
	}
	return file.Reminders, nil
}

// ListTasks returns all tasks.
func (s *Store) ListTasks() ([]model.Task, error) {
	file, err := s.loadTasks()
	if err != nil {
		return nil, err
	}
	return file.Tasks, nil
}

// AddReminder appends a new reminder with the given content and cadence.
func (s *Store) AddReminder(content string, every time.Duration, now time.Time) (model.Reminder, error) {
	if content == "" {
		return model.Reminder{}, fmt.Errorf("reminder content must not be empty")
	}
	if every <= 0 {
		return model.Reminder{}, fmt.Errorf("reminder cadence must be positive")
	}

	id, err := model.GenerateID(model.IDTypeReminder)
	if err != nil {
		return model.Reminder{}, fmt.Errorf("generate reminder id: %w", err)
	}
	rem := model.Reminder{
		ID:        id,
		Content:   content,
		EveryMs:   every.Milliseconds(),
		CreatedAt: now.UTC().Format(time.RFC3339),
	}

	s.locks.Lock(s.remindersPath())
	defer s.locks.Unlock(s.remindersPath())

	file, err := s.loadReminders()
	if err != nil {
		return model.Reminder{}, err
	}
	file.Reminders = append(file.Reminders, rem)
	if err := atomicyaml.AtomicWrite(s.remindersPath(), file); err != nil {
		return model.Reminder{}, fmt.Errorf("write reminders: %w", err)
	}
	return rem, nil
}

// AddTask appends a new pending task.
func (s *Store) AddTask(content string, priority int, now time.Time) (model.Task, error) {
	if content == "" {
		return model.Task{}, fmt.Errorf("task content must not be empty")
	}

	id, err := model.GenerateID(model.IDTypeTask)
	if err != nil {
		return model.Task{}, fmt.Errorf("generate task id: %w", err)
	}
	ts := now.UTC().Format(time.RFC3339)
	task := model.Task{
		ID:        id,
		Content:   content,
		Priority:  priority,
		Status:    model.StatusPending,
		CreatedAt: ts,
		UpdatedAt: ts,
	}

	s.locks.Lock(s.tasksPath())
	defer s.locks.Unlock(s.tasksPath())

	file, err := s.loadTasks()
	if err != nil {
		return model.Task{}, err
	}
	file.Tasks = append(file.Tasks, task)
	if err := atomicyaml.AtomicWrite(s.tasksPath(), file); err != nil {
		return model.Task{}, fmt.Errorf("write tasks: %w", err)
	}
	return task, nil
}

// SetTaskStatus transitions a task to the given status.
func (s *Store) SetTaskStatus(id string, status model.Status, now time.Time) (model.Task, error) {
	if status != model.StatusCompleted && status != model.StatusCancelled {
		return model.Task{}, fmt.Errorf("invalid target status %q", status)
	}

	s.locks.Lock(s.tasksPath())
	defer s.locks.Unlock(s.tasksPath())

	file, err := s.loadTasks()
	if err != nil {
		return model.Task{}, err
	}
	for i := range file.Tasks {
		if file.Tasks[i].ID != id {
			continue
		}
		file.Tasks[i].Status = status
		file.Tasks[i].UpdatedAt = now.UTC().Format(time.RFC3339)
		if err := atomicyaml.AtomicWrite(s.tasksPath(), file); err != nil {
			return model.Task{}, fmt.Errorf("write tasks: %w", err)
		}
		return file.Tasks[i], nil
	}
	return model.Task{}, fmt.Errorf("task %s not found", id)
}

// RemoveReminder deletes a reminder by id.
func (s *Store) RemoveReminder(id string) error {
	s.locks.Lock(s.remindersPath())
	defer s.locks.Unlock(s.remindersPath())

	file, err := s.loadReminders()
	if err != nil {
		return err
	}
	kept := file.Reminders[:0]
	found := false
	for _, r := range file.Reminders {
		if r.ID == id {
			found = true
			continue
		}
		kept = append(kept, r)
	}
	if !found {
		return fmt.Errorf("reminder %s not found", id)
	}
	file.Reminders = kept
	if err := atomicyaml.AtomicWrite(s.remindersPath(), file); err != nil {
		return fmt.Errorf("write reminders: %w", err)
	}
	return nil
}

// MarkFired stamps last_fired_at on the given reminders after a delivered
// check-in so their cadence restarts from now.
func (s *Store) MarkFired(ids []string, now time.Time) error {
	if len(ids) == 0 {
		return nil
	}
	idSet := make(map[string]bool, len(ids))
	for _, id := range ids {
		idSet[id] = true
	}

	s.locks.Lock(s.remindersPath())
	defer s.locks.Unlock(s.remindersPath())

	file, err := s.loadReminders()
	if err != nil {
		return err
	}
	stamp := now.UTC().Format(time.RFC3339)
	for i := range file.Reminders {
		if idSet[file.Reminders[i].ID] {
			fired := stamp
			file.Reminders[i].LastFiredAt = &fired
		}
	}
	if err := atomicyaml.AtomicWrite(s.remindersPath(), file); err != nil {
		return fmt.Errorf("write reminders: %w", err)
	}
	return nil
}

func (s *Store) loadReminders() (*model.ReminderFile, error) {
	content, err := os.ReadFile(s.remindersPath())
	if err != nil {
		return nil, fmt.Errorf("read reminders: %w", err)
	}

	if err := atomicyaml.ValidateSchemaHeaderFromBytes(content, remindersFileType); err != nil {
		if rerr := atomicyaml.RecoverCorruptedFile(s.vigilDir, s.remindersPath(), remindersFileType); rerr != nil {
			return nil, fmt.Errorf("reminders corrupt (%v), recovery failed: %w", err, rerr)
		}
		content, err = os.ReadFile(s.remindersPath())
		if err != nil {
			return nil, fmt.Errorf("read recovered reminders: %w", err)
		}
	}

	var file model.ReminderFile
	if err := yamlv3.Unmarshal(content, &file); err != nil {
		return nil, fmt.Errorf("parse reminders: %w", err)
	}
	return &file, nil
}

func (s *Store) loadTasks() (*model.TaskFile, error) {
	content, err := os.ReadFile(s.tasksPath())
	if err != nil {
		return nil, fmt.Errorf("read tasks: %w", err)
	}

	if err := atomicyaml.ValidateSchemaHeaderFromBytes(content, tasksFileType); err != nil {
		if rerr := atomicyaml.RecoverCorruptedFile(s.vigilDir, s.tasksPath(), tasksFileType); rerr != nil {
			return nil, fmt.Errorf("tasks corrupt (%v), recovery failed: %w", err, rerr)
		}
		content, err = os.ReadFile(s.tasksPath())
		if err != nil {
			return nil, fmt.Errorf("read recovered tasks: %w", err)
		}
	}

	var file model.TaskFile
	if err := yamlv3.Unmarshal(content, &file); err != nil {
		return nil, fmt.Errorf("parse tasks: %w", err)
	}
	return &file, nil
}

func (s *Store) remindersPath() string {
	return filepath.Join(s.dir, "reminders.yaml")
}

func (s *Store) tasksPath() string {
	return filepath.Join(s.dir, "tasks.yaml")
}

func reminderDue(r model.Reminder, now time.Time) bool {
	if r.LastFiredAt == nil {
		return true
	}
	last, err := time.Parse(time.RFC3339, *r.LastFiredAt)
	if err != nil {
		return true
	}
	return now.Sub(last) >= time.Duration(r.EveryMs)*time.Millisecond
}
