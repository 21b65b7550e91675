// Package notify pops a native OS notification so an operator at the
// machine sees an approval gate fire without watching the UI.
package notify

import (
	"fmt"
	"os/exec"
	"runtime"
	"strings"

	"github.com/tetherlabs/tether/internal/logging"
)

// Send displays a native OS notification. Failures are logged and
// swallowed; alerts are best-effort.
func Send(title, body string) {
	title = sanitize(title)
	body = sanitize(body)

	var cmd *exec.Cmd
	switch runtime.GOOS {
	case "darwin":
		script := fmt.Sprintf(`display notification %q with title %q`, body, title)
		cmd = exec.Command("osascript", "-e", script)

	case "linux":
		cmd = exec.Command("notify-send", title, body)

	case "windows":
		ps := fmt.Sprintf(`
[Windows.UI.Notifications.ToastNotificationManager, Windows.UI.Notifications, ContentType = WindowsRuntime] > $null
$template = [Windows.UI.Notifications.ToastNotificationManager]::GetTemplateContent([Windows.UI.Notifications.ToastTemplateType]::ToastText02)
$textNodes = $template.GetElementsByTagName('text')
$textNodes.Item(0).AppendChild($template.CreateTextNode('%s')) > $null
$textNodes.Item(1).AppendChild($template.CreateTextNode('%s')) > $null
$toast = [Windows.UI.Notifications.ToastNotification]::new($template)
[Windows.UI.Notifications.ToastNotificationManager]::CreateToastNotifier('Tether').Show($toast)
`, title, body)
		cmd = exec.Command("powershell", "-NoProfile", "-NonInteractive", "-Command", ps)

	default:
		return
	}

	if err := cmd.Run(); err != nil {
		logging.Debugf("[notify] send notification: %v", err)
	}
}

// sanitize strips characters that could break shell quoting and bounds
// the length to what notification panes can show.
func sanitize(s string) string {
	s = strings.ReplaceAll(s, "'", "")
	s = strings.ReplaceAll(s, "\\", "")
	if len(s) > 256 {
		s = s[:256] + "..."
	}
	return s
}
