package surface

import (
	"strings"
	"testing"
	"time"

	"github.com/msageha/vigil/internal/model"
)

func TestBuildEnvelope(t *testing.T) {
	at := time.Date(2026, 3, 1, 9, 30, 0, 0, time.UTC)
	m := "opus"
	payload := model.CheckPayload{
		GeneratedAt: at.UnixMilli(),
		PinnedModel: &m,
		Reminders: []model.Reminder{
			{ID: "rem_1234567890_abcdef01", Content: "rotate the logs"},
		},
		Tasks: []model.Task{
			{ID: "task_1234567890_abcdef02", Content: "ship release", Priority: 3},
		},
	}

	env := BuildEnvelope(payload)

	if !strings.HasPrefix(env, "[vigil check-in] 2026-03-01T09:30:00Z\n") {
		t.Errorf("header: %q", strings.SplitN(env, "\n", 2)[0])
	}
	if !strings.Contains(env, "model: opus") {
		t.Error("pinned model missing")
	}
	if !strings.Contains(env, "Due reminders:") || !strings.Contains(env, "rotate the logs") {
		t.Error("reminders section missing")
	}
	if !strings.Contains(env, "Pending tasks:") || !strings.Contains(env, "[p3] ship release") {
		t.Error("tasks section missing")
	}
}

func TestBuildEnvelope_Forced(t *testing.T) {
	payload := model.CheckPayload{
		GeneratedAt: time.Date(2026, 3, 1, 9, 30, 0, 0, time.UTC).UnixMilli(),
		Forced:      true,
	}

	env := BuildEnvelope(payload)

	if !strings.Contains(env, "(forced)") {
		t.Error("forced marker missing")
	}
	if !strings.Contains(env, "Nothing is currently due") {
		t.Error("empty-store text missing")
	}
	if strings.Contains(env, "Due reminders:") {
		t.Error("no reminders section expected")
	}
}

func TestNewTmuxSinkDefaults(t *testing.T) {
	s := NewTmuxSink(model.SurfaceConfig{})
	if s.session != defaultSession || s.pane != defaultPane {
		t.Errorf("defaults: session=%s pane=%s", s.session, s.pane)
	}
	if s.target() != "vigil:0.0" {
		t.Errorf("target: %s", s.target())
	}

	s = NewTmuxSink(model.SurfaceConfig{TmuxSession: "work", TmuxPane: "1.2"})
	if s.target() != "work:1.2" {
		t.Errorf("target: %s", s.target())
	}
}
