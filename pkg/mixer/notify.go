package mixer

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/gen2brain/beeep"
	"go.uber.org/zap"

	"github.com/stalexteam/mixermemory/pkg/mixer/icon"
	"github.com/stalexteam/mixermemory/pkg/mixer/util"
)

// Notifier provides generic notification sending
type Notifier interface {
	Notify(title string, message string)
}

// ToastNotifier provides toast notifications for Windows and libnotify bubbles for Linux
type ToastNotifier struct {
	logger *zap.SugaredLogger
}

// NewToastNotifier creates a new ToastNotifier
func NewToastNotifier(logger *zap.SugaredLogger) (*ToastNotifier, error) {
	logger = logger.Named("notifier")
	tn := &ToastNotifier{logger: logger}

	logger.Debug("Created toast notifier instance")

	return tn, nil
}

// Notify sends a toast notification (or falls back to other types of notification for older Windows versions)
func (tn *ToastNotifier) Notify(title string, message string) {

	// we need to unpack the icon to a file so the notification daemon can show it
	appIconPath := filepath.Join(os.TempDir(), "mixermemory.ico")

	if !util.FileExists(appIconPath) {
		tn.logger.Debugw("Mixer icon file missing, creating", "path", appIconPath)

		if err := os.WriteFile(appIconPath, icon.MixerLogo, 0644); err != nil {
			tn.logger.Errorw("Failed to write toast icon", "error", err)
		}
	}

	if err := beeep.Notify(title, message, appIconPath); err != nil {
		tn.logger.Errorw("Failed to send toast notification", "error", err)
	}
}

// logNotifier is used when no desktop session is available; notifications only reach the log
type logNotifier struct {
	logger *zap.SugaredLogger
}

func newLogNotifier(logger *zap.SugaredLogger) *logNotifier {
	return &logNotifier{logger: logger.Named("notifier")}
}

func (ln *logNotifier) Notify(title string, message string) {
	ln.logger.Infow(fmt.Sprintf("Notification: %s", title), "message", message)
}
