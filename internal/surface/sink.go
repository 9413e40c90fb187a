package surface

import (
	"fmt"
	"strings"
	"time"

	"github.com/msageha/vigil/internal/model"
)

const (
	defaultSession = "vigil"
	defaultPane    = "0.0"
)

// TmuxSink delivers check-in envelopes to a configured tmux pane.
type TmuxSink struct {
	session string
	pane    string
}

func NewTmuxSink(cfg model.SurfaceConfig) *TmuxSink {
	session := cfg.TmuxSession
	if session == "" {
		session = defaultSession
	}
	pane := cfg.TmuxPane
	if pane == "" {
		pane = defaultPane
	}
	return &TmuxSink{session: session, pane: pane}
}

// Dispatch pastes the rendered envelope into the agent pane and submits it.
// A missing session is a rejection, not a crash; the executor falls back.
func (s *TmuxSink) Dispatch(payload model.CheckPayload) (bool, error) {
	if !sessionExists(s.session) {
		return false, fmt.Errorf("tmux session %q not found", s.session)
	}
	if err := sendTextAndSubmit(s.target(), BuildEnvelope(payload)); err != nil {
		return false, err
	}
	return true, nil
}

func (s *TmuxSink) target() string {
	return fmt.Sprintf("%s:%s", s.session, s.pane)
}

// BuildEnvelope renders the check-in payload as the message delivered to the
// agent pane.
func BuildEnvelope(payload model.CheckPayload) string {
	var b strings.Builder

	at := time.UnixMilli(payload.GeneratedAt).UTC().Format(time.RFC3339)
	if payload.Forced {
		b.WriteString(fmt.Sprintf("[vigil check-in] %s (forced)\n", at))
	} else {
		b.WriteString(fmt.Sprintf("[vigil check-in] %s\n", at))
	}
	if payload.PinnedModel != nil && *payload.PinnedModel != "" {
		b.WriteString(fmt.Sprintf("model: %s\n", *payload.PinnedModel))
	}
	b.WriteString("\n")

	if len(payload.Reminders) == 0 && len(payload.Tasks) == 0 {
		b.WriteString("Nothing is currently due. This is a manual check-in; review open work and report status.\n")
		return b.String()
	}

	if len(payload.Reminders) > 0 {
		b.WriteString("Due reminders:\n")
		for _, r := range payload.Reminders {
			b.WriteString(fmt.Sprintf("- %s (%s)\n", r.Content, r.ID))
		}
	}
	if len(payload.Tasks) > 0 {
		if len(payload.Reminders) > 0 {
			b.WriteString("\n")
		}
		b.WriteString("Pending tasks:\n")
		for _, t := range payload.Tasks {
			b.WriteString(fmt.Sprintf("- [p%d] %s (%s)\n", t.Priority, t.Content, t.ID))
		}
	}
	b.WriteString("\nHandle the items above and update the store when done.\n")
	return b.String()
}
