package notify

import (
	"os/exec"
	"runtime"
	"strings"
)

// DesktopNotifier sends desktop notifications
type DesktopNotifier struct {
	enabled bool
}

// NewDesktopNotifier creates a new desktop notifier
func NewDesktopNotifier(enabled bool) *DesktopNotifier {
	return &DesktopNotifier{enabled: enabled}
}

// Send sends a desktop notification
func (d *DesktopNotifier) Send(n Notification) error {
	if !d.enabled {
		return nil
	}

	switch runtime.GOOS {
	case "darwin":
		return d.sendMacOS(n)
	case "linux":
		return d.sendLinux(n)
	default:
		return nil // Unsupported
	}
}

func (d *DesktopNotifier) sendMacOS(n Notification) error {
	script := `display notification "` + escapeScript(n.Message) +
		`" with title "` + escapeScript(n.Title) + `"`
	if n.Type == NotifyError {
		// Escalations need to interrupt; info can stay silent.
		script += ` sound name "Basso"`
	}
	cmd := exec.Command("osascript", "-e", script)
	return cmd.Run()
}

func (d *DesktopNotifier) sendLinux(n Notification) error {
	cmd := exec.Command("notify-send", "-a", "braid", "-u", Urgency(n.Type), n.Title, n.Message)
	return cmd.Run()
}

// escapeScript neutralizes quotes and backslashes so task goals and
// decision questions cannot break out of the osascript string literal.
func escapeScript(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	return strings.ReplaceAll(s, `"`, `\"`)
}

// Urgency maps a notification type onto notify-send urgency levels.
// Escalations (red decisions, retry budget exhausted) arrive as errors
// and must not be swallowed by do-not-disturb filtering of low urgency.
func Urgency(t NotificationType) string {
	switch t {
	case NotifyError:
		return "critical"
	case NotifyWarning:
		return "normal"
	default:
		return "low"
	}
}
