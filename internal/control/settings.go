// Package control implements the cross-process signaling channels: the shared
// settings record (whole-file overwrite, last write wins) and the forced
// trigger marker. Both are best-effort and safely lossy under races; the
// leader's poll tick is the delivery guarantee.
package control

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/msageha/vigil/internal/model"
	atomicyaml "github.com/msageha/vigil/internal/yaml"

	yamlv3 "gopkg.in/yaml.v3"
)

const (
	SettingsFileName = "settings.yaml"
	ReloadMarkerName = "settings.reload"

	// Interval bounds enforced at the write boundary. 0 is the sentinel for
	// "disabled" and passes through unclamped.
	MinIntervalMs = int64(5 * 60 * 1000)
	MaxIntervalMs = int64(24 * 60 * 60 * 1000)
)

// SettingsChannel reads and writes the shared heartbeat settings record.
// Any process may write; the leader observes changes via the reload marker.
type SettingsChannel struct {
	dir               string // heartbeat directory
	defaultIntervalMs int64
}

func NewSettingsChannel(dir string, defaultIntervalMs int64) *SettingsChannel {
	if defaultIntervalMs <= 0 {
		defaultIntervalMs = 30 * 60 * 1000
	}
	return &SettingsChannel{dir: dir, defaultIntervalMs: defaultIntervalMs}
}

// Patch is a partial settings update. Nil fields keep the current value.
type Patch struct {
	Enabled          *bool
	IntervalMs       *int64
	PinnedModel      *string
	ClearPinnedModel bool
}

// Load parses the current settings record.
func (c *SettingsChannel) Load() (model.SettingsRecord, error) {
	content, err := os.ReadFile(c.settingsPath())
	if err != nil {
		return model.SettingsRecord{}, fmt.Errorf("read settings: %w", err)
	}
	var rec model.SettingsRecord
	if err := yamlv3.Unmarshal(content, &rec); err != nil {
		return model.SettingsRecord{}, fmt.Errorf("parse settings: %w", err)
	}
	if rec.Version != model.SettingsVersion {
		return model.SettingsRecord{}, fmt.Errorf("unsupported settings version %d", rec.Version)
	}
	return rec, nil
}

// Set applies a patch on top of the current record (or the defaults when the
// file is absent or unreadable), clamps the interval, and atomically
// overwrites the whole file. The reload marker is touched on every write so
// the leader can detect the change by mtime alone.
func (c *SettingsChannel) Set(patch Patch, now time.Time) (model.SettingsRecord, error) {
	rec, err := c.Load()
	if err != nil {
		rec = c.defaultRecord()
	}

	if patch.Enabled != nil {
		rec.Enabled = *patch.Enabled
	}
	if patch.IntervalMs != nil {
		rec.IntervalMs = ClampInterval(*patch.IntervalMs)
	}
	if patch.ClearPinnedModel {
		rec.PinnedModel = nil
	} else if patch.PinnedModel != nil {
		rec.PinnedModel = patch.PinnedModel
	}
	rec.Version = model.SettingsVersion
	rec.UpdatedAt = now.UnixMilli()
	rec.WriterPid = os.Getpid()

	if err := atomicyaml.AtomicWrite(c.settingsPath(), rec); err != nil {
		return model.SettingsRecord{}, fmt.Errorf("write settings: %w", err)
	}
	if err := touch(c.reloadMarkerPath(), now); err != nil {
		return model.SettingsRecord{}, fmt.Errorf("touch reload marker: %w", err)
	}
	return rec, nil
}

// Seed writes the default record only when no settings file exists yet.
func (c *SettingsChannel) Seed(now time.Time) error {
	if _, err := os.Stat(c.settingsPath()); err == nil {
		return nil
	}
	rec := c.defaultRecord()
	rec.UpdatedAt = now.UnixMilli()
	rec.WriterPid = os.Getpid()
	if err := atomicyaml.AtomicWrite(c.settingsPath(), rec); err != nil {
		return fmt.Errorf("seed settings: %w", err)
	}
	return nil
}

// ReloadMarkerTime returns the reload marker's mtime, false when absent.
func (c *SettingsChannel) ReloadMarkerTime() (time.Time, bool) {
	info, err := os.Stat(c.reloadMarkerPath())
	if err != nil {
		return time.Time{}, false
	}
	return info.ModTime(), true
}

func (c *SettingsChannel) defaultRecord() model.SettingsRecord {
	return model.SettingsRecord{
		Version:    model.SettingsVersion,
		Enabled:    true,
		IntervalMs: ClampInterval(c.defaultIntervalMs),
	}
}

func (c *SettingsChannel) settingsPath() string {
	return filepath.Join(c.dir, SettingsFileName)
}

func (c *SettingsChannel) reloadMarkerPath() string {
	return filepath.Join(c.dir, ReloadMarkerName)
}

// ClampInterval forces non-zero intervals into [MinIntervalMs, MaxIntervalMs].
// 0 means disabled and is preserved; negative values collapse to 0.
func ClampInterval(ms int64) int64 {
	if ms <= 0 {
		return 0
	}
	if ms < MinIntervalMs {
		return MinIntervalMs
	}
	if ms > MaxIntervalMs {
		return MaxIntervalMs
	}
	return ms
}

// touch creates the marker if needed and stamps its mtime with now.
func touch(path string, now time.Time) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	return os.Chtimes(path, now, now)
}
