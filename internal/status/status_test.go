package status

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	yamlv3 "gopkg.in/yaml.v3"

	"github.com/msageha/vigil/internal/lease"
	"github.com/msageha/vigil/internal/model"
	"github.com/msageha/vigil/internal/scheduler"
	"github.com/msageha/vigil/internal/uds"
)

func writeYAML(t *testing.T, path string, v any) {
	t.Helper()
	data, err := yamlv3.Marshal(v)
	if err != nil {
		t.Fatal(err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		t.Fatal(err)
	}
}

func TestGather_NoLeaderNoFiles(t *testing.T) {
	report := Gather(t.TempDir())

	if report.Source != "files" {
		t.Errorf("source: got %s", report.Source)
	}
	if report.State != "no_leader" {
		t.Errorf("state: got %s", report.State)
	}
	if report.LeaderPid != 0 || report.LeaderAlive {
		t.Error("no leader expected")
	}
}

func TestGather_FromFiles(t *testing.T) {
	dir := t.TempDir()
	hbDir := filepath.Join(dir, "heartbeat")

	// A live lease held by this process.
	if err := os.MkdirAll(hbDir, 0755); err != nil {
		t.Fatal(err)
	}
	lock := lease.NewLock(filepath.Join(hbDir, "leader.lease"))
	if r := lock.Acquire("nonce", time.Now(), time.Minute); !r.OK {
		t.Fatal("seed acquire failed")
	}

	last := time.Now().Add(-10 * time.Minute).UnixMilli()
	next := time.Now().Add(20 * time.Minute).UnixMilli()
	writeYAML(t, filepath.Join(hbDir, "state.yaml"), model.SchedulerState{
		SchemaVersion: 1,
		FileType:      "heartbeat_state",
		Enabled:       true,
		IntervalMs:    30 * 60 * 1000,
		LastCheckAt:   &last,
		NextCheckAt:   &next,
		CheckCount:    7,
	})
	writeYAML(t, filepath.Join(hbDir, "settings.yaml"), model.SettingsRecord{
		Version:    model.SettingsVersion,
		Enabled:    true,
		IntervalMs: 30 * 60 * 1000,
	})

	report := Gather(dir)

	if report.Source != "files" {
		t.Errorf("source: got %s", report.Source)
	}
	if report.State != "leader_running" {
		t.Errorf("state: got %s", report.State)
	}
	if report.LeaderPid != os.Getpid() || !report.LeaderAlive {
		t.Error("leader identity mismatch")
	}
	if !report.Enabled || report.IntervalMs != 30*60*1000 {
		t.Error("settings not reflected")
	}
	if report.CheckCount != 7 {
		t.Errorf("check_count: got %d", report.CheckCount)
	}
	if report.LastCheckAt == nil || *report.LastCheckAt != last {
		t.Error("last_check_at mismatch")
	}
}

func TestGather_SettingsOverrideStaleState(t *testing.T) {
	dir := t.TempDir()
	hbDir := filepath.Join(dir, "heartbeat")

	writeYAML(t, filepath.Join(hbDir, "state.yaml"), model.SchedulerState{
		SchemaVersion: 1,
		FileType:      "heartbeat_state",
		Enabled:       true,
		IntervalMs:    30 * 60 * 1000,
	})
	// A disable was requested but no leader has applied it yet.
	writeYAML(t, filepath.Join(hbDir, "settings.yaml"), model.SettingsRecord{
		Version:    model.SettingsVersion,
		Enabled:    false,
		IntervalMs: 30 * 60 * 1000,
	})

	report := Gather(dir)

	if report.Enabled {
		t.Error("requested settings should take precedence in the report")
	}
}

func TestGather_FromSocket(t *testing.T) {
	dir := t.TempDir()

	next := time.Now().Add(5 * time.Minute).UnixMilli()
	snap := scheduler.Snapshot{
		State:       scheduler.StateLeaderIdle,
		Pid:         os.Getpid(),
		LeaderPid:   os.Getpid(),
		Enabled:     true,
		IntervalMs:  30 * 60 * 1000,
		NextCheckAt: &next,
		CheckCount:  3,
	}

	srv := uds.NewServer(filepath.Join(dir, uds.DefaultSocketName))
	srv.Handle("status", func(*uds.Request) *uds.Response {
		return uds.SuccessResponse(snap)
	})
	if err := srv.Start(); err != nil {
		t.Fatal(err)
	}
	defer srv.Stop()

	report := Gather(dir)

	if report.Source != "socket" {
		t.Fatalf("source: got %s, want socket", report.Source)
	}
	if report.State != string(scheduler.StateLeaderIdle) {
		t.Errorf("state: got %s", report.State)
	}
	if !report.LeaderAlive || report.LeaderPid != os.Getpid() {
		t.Error("leader identity mismatch")
	}
	if report.CheckCount != 3 {
		t.Errorf("check_count: got %d", report.CheckCount)
	}
}
