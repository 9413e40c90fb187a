// Package lease implements the exclusive, time-bounded leadership marker
// stored as a file in the shared heartbeat directory.
//
// Acquisition relies on hard-link creation being atomic and exclusive, which
// holds for local POSIX filesystems (the only supported deployment) but not
// for all network filesystems. Staleness is judged by wall-clock diffs against
// refreshed_at and the file mtime; acceptable because all cooperating
// processes run on one host.
package lease

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"syscall"
	"time"

	yamlv3 "gopkg.in/yaml.v3"
)

// Record is the on-disk lease payload. Mutated only by its current holder.
type Record struct {
	Pid         int    `yaml:"pid"`
	Nonce       string `yaml:"nonce"`
	AcquiredAt  int64  `yaml:"acquired_at"`  // epoch ms
	RefreshedAt int64  `yaml:"refreshed_at"` // epoch ms
	HostID      string `yaml:"host_id"`
}

// Lock manages the lease file for one process.
type Lock struct {
	path   string
	pid    int
	hostID string
}

func NewLock(path string) *Lock {
	host, err := os.Hostname()
	if err != nil {
		host = "unknown"
	}
	return &Lock{
		path:   path,
		pid:    os.Getpid(),
		hostID: host,
	}
}

// AcquireResult reports the outcome of an acquisition attempt. OwnerPid is
// the observed holder when the attempt fails against a valid lease (0 when
// unknown).
type AcquireResult struct {
	OK       bool
	OwnerPid int
}

// Acquire attempts to take the lease. The payload is fully written to a temp
// file first, then hard-linked to the canonical path, so a racing reader sees
// either "absent" or a complete record, never a partial one. A stale lease
// (holder dead, refreshed_at older than stale, or unparseable content whose
// file mtime exceeds stale) is deleted and the acquisition retried once.
// Any ambiguous I/O error counts as failure; leadership is never assumed on
// error.
func (l *Lock) Acquire(nonce string, now time.Time, stale time.Duration) AcquireResult {
	for attempt := 0; attempt < 2; attempt++ {
		if l.tryLink(nonce, now) {
			return AcquireResult{OK: true, OwnerPid: l.pid}
		}

		rec, err := l.Read()
		if err != nil {
			if errors.Is(err, os.ErrNotExist) {
				// Holder released between our link attempt and the read.
				continue
			}
			// Unreadable or corrupt: treat as locked unless the file itself
			// has not been touched within the stale window.
			if !l.mtimeStale(now, stale) {
				return AcquireResult{}
			}
			_ = os.Remove(l.path)
			continue
		}

		if !l.IsStale(rec, now, stale) {
			return AcquireResult{OwnerPid: rec.Pid}
		}
		_ = os.Remove(l.path)
	}
	return AcquireResult{}
}

// Refresh rewrites refreshed_at, succeeding only while the on-disk record
// still carries this process's pid and nonce. A false return means the lease
// was deleted or taken over; the caller must stop acting as leader
// immediately.
func (l *Lock) Refresh(nonce string, now time.Time) bool {
	rec, err := l.Read()
	if err != nil || rec.Pid != l.pid || rec.Nonce != nonce {
		return false
	}
	rec.RefreshedAt = now.UnixMilli()
	return l.writeRecord(rec) == nil
}

// Release deletes the lease file only if it still belongs to the caller.
// Called by a non-owner it is a no-op.
func (l *Lock) Release(nonce string) {
	rec, err := l.Read()
	if err != nil || rec.Pid != l.pid || rec.Nonce != nonce {
		return
	}
	_ = os.Remove(l.path)
}

// Read parses the current lease record. os.ErrNotExist is wrapped when the
// file is absent.
func (l *Lock) Read() (*Record, error) {
	return ReadRecord(l.path)
}

// ReadRecord parses the lease record at path.
func ReadRecord(path string) (*Record, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read lease: %w", err)
	}
	var rec Record
	if err := yamlv3.Unmarshal(content, &rec); err != nil {
		return nil, fmt.Errorf("parse lease: %w", err)
	}
	if rec.Pid <= 0 || rec.Nonce == "" {
		return nil, fmt.Errorf("parse lease: incomplete record")
	}
	return &rec, nil
}

// IsStale reports whether rec no longer represents a live holder.
func (l *Lock) IsStale(rec *Record, now time.Time, stale time.Duration) bool {
	if now.Sub(time.UnixMilli(rec.RefreshedAt)) > stale {
		return true
	}
	if rec.HostID == l.hostID && !pidAlive(rec.Pid) {
		return true
	}
	return false
}

// AbsentOrStale is the cheap follower-side probe: true when an acquisition
// attempt is worth making.
func (l *Lock) AbsentOrStale(now time.Time, stale time.Duration) bool {
	rec, err := l.Read()
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return true
		}
		return l.mtimeStale(now, stale)
	}
	return l.IsStale(rec, now, stale)
}

func (l *Lock) tryLink(nonce string, now time.Time) bool {
	rec := Record{
		Pid:         l.pid,
		Nonce:       nonce,
		AcquiredAt:  now.UnixMilli(),
		RefreshedAt: now.UnixMilli(),
		HostID:      l.hostID,
	}
	content, err := yamlv3.Marshal(rec)
	if err != nil {
		return false
	}

	dir := filepath.Dir(l.path)
	tmp, err := os.CreateTemp(dir, ".vigil-lease-*")
	if err != nil {
		return false
	}
	tmpName := tmp.Name()
	defer func() { _ = os.Remove(tmpName) }()

	if _, err := tmp.Write(content); err != nil {
		_ = tmp.Close()
		return false
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return false
	}
	if err := tmp.Close(); err != nil {
		return false
	}

	return os.Link(tmpName, l.path) == nil
}

// writeRecord replaces the lease in place via temp file + rename. Only the
// current holder calls this, so a racing reader observes either the previous
// or the new record.
func (l *Lock) writeRecord(rec *Record) error {
	content, err := yamlv3.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal lease: %w", err)
	}

	dir := filepath.Dir(l.path)
	tmp, err := os.CreateTemp(dir, ".vigil-lease-*")
	if err != nil {
		return fmt.Errorf("create temp lease: %w", err)
	}
	tmpName := tmp.Name()
	defer func() { _ = os.Remove(tmpName) }()

	if _, err := tmp.Write(content); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("write temp lease: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("sync temp lease: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp lease: %w", err)
	}

	if err := os.Rename(tmpName, l.path); err != nil {
		return fmt.Errorf("replace lease: %w", err)
	}
	return nil
}

func (l *Lock) mtimeStale(now time.Time, stale time.Duration) bool {
	info, err := os.Stat(l.path)
	if err != nil {
		return false
	}
	return now.Sub(info.ModTime()) > stale
}

func pidAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	err := syscall.Kill(pid, 0)
	if err == nil {
		return true
	}
	// EPERM means the process exists but belongs to another user.
	return errors.Is(err, syscall.EPERM)
}
