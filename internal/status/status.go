// Package status reports scheduler health. It prefers the leader's control
// socket for a live snapshot and falls back to reading the shared files
// directly when no leader is reachable.
package status

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"syscall"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/msageha/vigil/internal/lease"
	"github.com/msageha/vigil/internal/model"
	"github.com/msageha/vigil/internal/scheduler"
	"github.com/msageha/vigil/internal/uds"
	vigilyaml "github.com/msageha/vigil/internal/yaml"
)

// Report is the printed status document.
type Report struct {
	Source      string  `json:"source"` // "socket" or "files"
	State       string  `json:"state"`
	LeaderPid   int     `json:"leader_pid,omitempty"`
	LeaderAlive bool    `json:"leader_alive"`
	Enabled     bool    `json:"enabled"`
	IntervalMs  int64   `json:"interval_ms"`
	LastCheckAt *int64  `json:"last_check_at,omitempty"`
	NextCheckAt *int64  `json:"next_check_at,omitempty"`
	CheckCount  int64   `json:"check_count"`
	PinnedModel *string `json:"pinned_model,omitempty"`
}

// Run gathers the status report and prints it.
func Run(vigilDir string, jsonOutput bool) error {
	report := Gather(vigilDir)

	if jsonOutput {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(report)
	}

	printReport(report)
	return nil
}

// Gather builds the report, socket first, files second.
func Gather(vigilDir string) Report {
	if report, ok := fromSocket(vigilDir); ok {
		return report
	}
	return fromFiles(vigilDir)
}

func fromSocket(vigilDir string) (Report, bool) {
	client := uds.NewClient(filepath.Join(vigilDir, uds.DefaultSocketName))
	resp, err := client.SendCommand("status", nil)
	if err != nil || !resp.Success {
		return Report{}, false
	}

	var snap scheduler.Snapshot
	if err := json.Unmarshal(resp.Data, &snap); err != nil {
		return Report{}, false
	}

	return Report{
		Source:      "socket",
		State:       string(snap.State),
		LeaderPid:   snap.LeaderPid,
		LeaderAlive: true,
		Enabled:     snap.Enabled,
		IntervalMs:  snap.IntervalMs,
		LastCheckAt: snap.LastCheckAt,
		NextCheckAt: snap.NextCheckAt,
		CheckCount:  snap.CheckCount,
		PinnedModel: snap.PinnedModel,
	}, true
}

// fromFiles reconstructs the view from the lease, state, and settings files.
// This is the path followers and detached CLIs take.
func fromFiles(vigilDir string) Report {
	hbDir := filepath.Join(vigilDir, "heartbeat")
	report := Report{Source: "files", State: "no_leader"}

	if rec, err := lease.NewLock(filepath.Join(hbDir, "leader.lease")).Read(); err == nil {
		report.LeaderPid = rec.Pid
		report.LeaderAlive = pidAlive(rec.Pid)
		if report.LeaderAlive {
			report.State = "leader_running"
		} else {
			report.State = "leader_stale"
		}
	}

	if st, ok := readState(filepath.Join(hbDir, "state.yaml")); ok {
		report.Enabled = st.Enabled
		report.IntervalMs = st.IntervalMs
		report.LastCheckAt = st.LastCheckAt
		report.NextCheckAt = st.NextCheckAt
		report.CheckCount = st.CheckCount
		report.PinnedModel = st.PinnedModel
	}

	// Settings may be newer than the persisted state when no leader has
	// applied them yet; show the requested values.
	if rec, ok := readSettings(filepath.Join(hbDir, "settings.yaml")); ok {
		report.Enabled = rec.Enabled && rec.IntervalMs > 0
		report.IntervalMs = rec.IntervalMs
		report.PinnedModel = rec.PinnedModel
	}

	return report
}

func readState(path string) (model.SchedulerState, bool) {
	content, err := os.ReadFile(path)
	if err != nil {
		return model.SchedulerState{}, false
	}
	if err := vigilyaml.ValidateSchemaHeaderFromBytes(content, "heartbeat_state"); err != nil {
		return model.SchedulerState{}, false
	}
	var st model.SchedulerState
	if err := yaml.Unmarshal(content, &st); err != nil {
		return model.SchedulerState{}, false
	}
	return st, true
}

func readSettings(path string) (model.SettingsRecord, bool) {
	content, err := os.ReadFile(path)
	if err != nil {
		return model.SettingsRecord{}, false
	}
	var rec model.SettingsRecord
	if err := yaml.Unmarshal(content, &rec); err != nil {
		return model.SettingsRecord{}, false
	}
	if rec.Version != model.SettingsVersion {
		return model.SettingsRecord{}, false
	}
	return rec, true
}

func pidAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	err := syscall.Kill(pid, 0)
	if err == nil || err == syscall.EPERM {
		return true
	}
	return false
}

func printReport(r Report) {
	fmt.Printf("State: %s\n", r.State)
	if r.LeaderPid != 0 {
		alive := "alive"
		if !r.LeaderAlive {
			alive = "stale"
		}
		fmt.Printf("Leader: pid=%d (%s)\n", r.LeaderPid, alive)
	} else {
		fmt.Println("Leader: none")
	}

	if r.Enabled {
		fmt.Printf("Heartbeat: enabled, interval=%s\n", time.Duration(r.IntervalMs)*time.Millisecond)
	} else {
		fmt.Println("Heartbeat: disabled")
	}

	fmt.Printf("Checks: %d\n", r.CheckCount)
	if r.LastCheckAt != nil {
		fmt.Printf("Last check: %s\n", time.UnixMilli(*r.LastCheckAt).Local().Format(time.RFC3339))
	}
	if r.NextCheckAt != nil {
		fmt.Printf("Next check: %s\n", time.UnixMilli(*r.NextCheckAt).Local().Format(time.RFC3339))
	}
	if r.PinnedModel != nil && *r.PinnedModel != "" {
		fmt.Printf("Pinned model: %s\n", *r.PinnedModel)
	}
}
