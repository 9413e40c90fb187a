// Package surface delivers check-in payloads to the agent's tmux pane.
package surface

import (
	"fmt"
	"os/exec"
	"strings"
	"sync/atomic"
	"time"
)

// bufSeq generates unique buffer names so concurrent deliveries never share a
// tmux paste buffer.
var bufSeq atomic.Int64

// sessionExists checks whether the target tmux session exists.
func sessionExists(session string) bool {
	err := exec.Command("tmux", "has-session", "-t", session).Run()
	return err == nil
}

// sendTextAndSubmit sends multi-line text to a pane using paste-buffer for
// reliable delivery, then sends Enter to submit. This avoids
// character-by-character key sending issues with newlines in the message.
func sendTextAndSubmit(paneTarget, text string) error {
	bufName := fmt.Sprintf("vigil-msg-%d", bufSeq.Add(1))

	// Load text into tmux buffer via stdin (handles arbitrary content safely)
	cmd := exec.Command("tmux", "load-buffer", "-b", bufName, "-")
	cmd.Stdin = strings.NewReader(text)
	if out, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("tmux load-buffer: %w: %s", err, strings.TrimSpace(string(out)))
	}

	// Paste buffer content into the pane via bracketed paste.
	// -p forces bracketed paste so the app receives the entire text as a single paste unit.
	// -r prevents tmux from converting LF to CR inside the paste (avoids spurious submits).
	// -d deletes the buffer after pasting to avoid leaking tmux buffers.
	if err := run("paste-buffer", "-pr", "-b", bufName, "-d", "-t", paneTarget); err != nil {
		return err
	}

	// Let the target application finish processing the bracketed paste before
	// Enter is sent; agent TUIs need time to render the pasted content into
	// their input field.
	time.Sleep(500 * time.Millisecond)

	return sendKeys(paneTarget, "Enter")
}

func sendKeys(paneTarget string, keys ...string) error {
	args := make([]string, 0, 3+len(keys))
	args = append(args, "send-keys", "-t", paneTarget)
	args = append(args, keys...)
	return run(args...)
}

func run(args ...string) error {
	cmd := exec.Command("tmux", args...)
	if out, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("tmux %s: %w: %s", args[0], err, strings.TrimSpace(string(out)))
	}
	return nil
}
