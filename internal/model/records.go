package model

import "time"

// SettingsVersion is the settings record format version.
const SettingsVersion = 1

// SettingsRecord is the shared heartbeat settings file. Any process may
// rewrite it (whole-file overwrite, last write wins); the leader re-reads it
// on its poll tick.
type SettingsRecord struct {
	Version     int     `yaml:"version"`
	Enabled     bool    `yaml:"enabled"`
	IntervalMs  int64   `yaml:"interval_ms"` // 0 means disabled
	PinnedModel *string `yaml:"pinned_model"`
	UpdatedAt   int64   `yaml:"updated_at"` // epoch ms
	WriterPid   int     `yaml:"writer_pid"`
}

// SchedulerState is the persisted heartbeat accounting record. Single-writer:
// only the current leader writes the full record.
type SchedulerState struct {
	SchemaVersion int    `yaml:"schema_version"`
	FileType      string `yaml:"file_type"`

	Enabled     bool    `yaml:"enabled"`
	IntervalMs  int64   `yaml:"interval_ms"`
	LastCheckAt *int64  `yaml:"last_check_at"` // epoch ms, nil until first check
	NextCheckAt *int64  `yaml:"next_check_at"` // epoch ms, nil while disabled
	CheckCount  int64   `yaml:"check_count"`
	PinnedModel *string `yaml:"pinned_model"`
}

// CheckPayload is the structured check-in handed to the execution surface.
type CheckPayload struct {
	GeneratedAt int64      `json:"generated_at"`
	Forced      bool       `json:"forced"`
	PinnedModel *string    `json:"pinned_model,omitempty"`
	Reminders   []Reminder `json:"reminders,omitempty"`
	Tasks       []Task     `json:"tasks,omitempty"`
}

// EpochMs converts a time to milliseconds since the Unix epoch, the wire
// format for all heartbeat timestamps.
func EpochMs(t time.Time) int64 {
	return t.UnixMilli()
}

// FromEpochMs converts epoch milliseconds back to a time.
func FromEpochMs(ms int64) time.Time {
	return time.UnixMilli(ms)
}
