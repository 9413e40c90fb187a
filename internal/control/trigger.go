package control

import (
	"fmt"
	"os"
	"path/filepath"
	"time"
)

const TriggerMarkerName = "trigger"

// TriggerChannel requests an immediate check-in through a marker file whose
// only meaningful attribute is its mtime. Firing twice early is acceptable,
// never incorrect, so the channel stays idempotent under races.
type TriggerChannel struct {
	dir string // heartbeat directory
}

func NewTriggerChannel(dir string) *TriggerChannel {
	return &TriggerChannel{dir: dir}
}

// Request touches the marker with mtime = now. Any process may call this; the
// leader compares the mtime against its watermark on the next poll tick.
func (c *TriggerChannel) Request(now time.Time) error {
	if err := touch(c.markerPath(), now); err != nil {
		return fmt.Errorf("touch trigger marker: %w", err)
	}
	return nil
}

// Peek returns the marker mtime, false when no request is pending.
func (c *TriggerChannel) Peek() (time.Time, bool) {
	info, err := os.Stat(c.markerPath())
	if err != nil {
		return time.Time{}, false
	}
	return info.ModTime(), true
}

// Consume deletes the marker. The caller advances its watermark only after
// this succeeds, so a request lost to an I/O error is retried next tick.
func (c *TriggerChannel) Consume() error {
	if err := os.Remove(c.markerPath()); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("consume trigger marker: %w", err)
	}
	return nil
}

func (c *TriggerChannel) markerPath() string {
	return filepath.Join(c.dir, TriggerMarkerName)
}
