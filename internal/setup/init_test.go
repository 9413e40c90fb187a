package setup

import (
	"os"
	"path/filepath"
	"testing"

	yamlv3 "gopkg.in/yaml.v3"

	"github.com/msageha/vigil/internal/model"
)

func TestRun(t *testing.T) {
	projectDir := filepath.Join(t.TempDir(), "myproject")
	if err := os.MkdirAll(projectDir, 0755); err != nil {
		t.Fatal(err)
	}

	if err := Run(projectDir, ""); err != nil {
		t.Fatalf("run: %v", err)
	}

	base := filepath.Join(projectDir, ".vigil")
	for _, d := range []string{"heartbeat", "store", "logs", "logs/archive", "quarantine"} {
		info, err := os.Stat(filepath.Join(base, d))
		if err != nil || !info.IsDir() {
			t.Errorf("missing directory %s", d)
		}
	}

	// Config is generated with auto-filled project fields.
	data, err := os.ReadFile(filepath.Join(base, "config.yaml"))
	if err != nil {
		t.Fatalf("config: %v", err)
	}
	var cfg model.Config
	if err := yamlv3.Unmarshal(data, &cfg); err != nil {
		t.Fatalf("parse config: %v", err)
	}
	if cfg.Project.Name != "myproject" {
		t.Errorf("project name: got %q", cfg.Project.Name)
	}
	if cfg.Project.Root != projectDir {
		t.Errorf("project root: got %q", cfg.Project.Root)
	}
	if cfg.Project.Created == "" {
		t.Error("created timestamp missing")
	}
	if cfg.Heartbeat.RefreshIntervalSec != 15 || cfg.Heartbeat.StaleMultiplier != 6 {
		t.Errorf("heartbeat defaults: %+v", cfg.Heartbeat)
	}
	if cfg.Heartbeat.DefaultIntervalMs != 30*60*1000 {
		t.Errorf("default interval: got %d", cfg.Heartbeat.DefaultIntervalMs)
	}

	for _, f := range []string{
		"heartbeat/settings.yaml",
		"store/reminders.yaml",
		"store/tasks.yaml",
		"checkin.md",
	} {
		if _, err := os.Stat(filepath.Join(base, f)); err != nil {
			t.Errorf("missing file %s", f)
		}
	}
}

func TestRun_NameOverride(t *testing.T) {
	projectDir := t.TempDir()

	if err := Run(projectDir, "custom-name"); err != nil {
		t.Fatalf("run: %v", err)
	}

	data, err := os.ReadFile(filepath.Join(projectDir, ".vigil", "config.yaml"))
	if err != nil {
		t.Fatal(err)
	}
	var cfg model.Config
	if err := yamlv3.Unmarshal(data, &cfg); err != nil {
		t.Fatal(err)
	}
	if cfg.Project.Name != "custom-name" {
		t.Errorf("project name: got %q", cfg.Project.Name)
	}
}

func TestRun_ExistingDirRejected(t *testing.T) {
	projectDir := t.TempDir()
	if err := Run(projectDir, ""); err != nil {
		t.Fatal(err)
	}
	if err := Run(projectDir, ""); err == nil {
		t.Fatal("second init should fail")
	}
}
