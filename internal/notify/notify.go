// Package notify provides desktop notification support, used as the fallback
// delivery path when the primary execution surface rejects a check-in.
package notify

import (
	"fmt"
	"os/exec"
	"runtime"
	"strings"
)

// Send delivers a desktop notification: osascript on macOS, notify-send
// elsewhere.
func Send(title, message string) error {
	if runtime.GOOS == "darwin" {
		return sendDarwin(title, message)
	}
	return sendNotifySend(title, message)
}

func sendDarwin(title, message string) error {
	title = escapeAppleScript(title)
	message = escapeAppleScript(message)

	script := fmt.Sprintf(
		`display notification %q with title %q sound name "default"`,
		message, title,
	)

	cmd := exec.Command("osascript", "-e", script)
	if out, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("osascript: %w: %s", err, strings.TrimSpace(string(out)))
	}
	return nil
}

func sendNotifySend(title, message string) error {
	cmd := exec.Command("notify-send", title, message)
	if out, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("notify-send: %w: %s", err, strings.TrimSpace(string(out)))
	}
	return nil
}

func escapeAppleScript(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	s = strings.ReplaceAll(s, `"`, `\"`)
	return s
}
