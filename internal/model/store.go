package model

type Status string

const (
	StatusPending   Status = "pending"
	StatusCompleted Status = "completed"
	StatusCancelled Status = "cancelled"
)

// Reminder is a recurring check-in item. It becomes due when EveryMs has
// elapsed since LastFiredAt (or immediately when it has never fired).
type Reminder struct {
	ID          string  `yaml:"id" json:"id"`
	Content     string  `yaml:"content" json:"content"`
	EveryMs     int64   `yaml:"every_ms" json:"every_ms"`
	LastFiredAt *string `yaml:"last_fired_at" json:"last_fired_at,omitempty"` // RFC3339
	CreatedAt   string  `yaml:"created_at" json:"created_at"`
}

type ReminderFile struct {
	SchemaVersion int        `yaml:"schema_version"`
	FileType      string     `yaml:"file_type"`
	Reminders     []Reminder `yaml:"reminders"`
}

// Task is a one-shot work item surfaced in check-ins until resolved.
type Task struct {
	ID        string `yaml:"id" json:"id"`
	Content   string `yaml:"content" json:"content"`
	Priority  int    `yaml:"priority" json:"priority"`
	Status    Status `yaml:"status" json:"status"`
	CreatedAt string `yaml:"created_at" json:"created_at"`
	UpdatedAt string `yaml:"updated_at" json:"updated_at"`
}

type TaskFile struct {
	SchemaVersion int    `yaml:"schema_version"`
	FileType      string `yaml:"file_type"`
	Tasks         []Task `yaml:"tasks"`
}
