package infra

import (
	"os/exec"

	"go.uber.org/zap"

	"github.com/bzinkan/ClassPilot-sub001/internal/domain"
)

// DesktopNotifier shows local notifications through notify-send, falling
// back to a log line when no notification daemon is available. Display
// failures never matter to enforcement.
type DesktopNotifier struct {
	logger *zap.Logger
}

// NewDesktopNotifier creates the notifier.
func NewDesktopNotifier(logger *zap.Logger) *DesktopNotifier {
	return &DesktopNotifier{logger: logger}
}

// Notify displays a notification, best effort.
func (n *DesktopNotifier) Notify(title, body string) {
	if path, err := exec.LookPath("notify-send"); err == nil {
		if err := exec.Command(path, title, body).Run(); err == nil {
			return
		}
	}
	n.logger.Info("notification",
		zap.String("title", title),
		zap.String("body", body))
}

// Ensure DesktopNotifier implements domain.Notifier.
var _ domain.Notifier = (*DesktopNotifier)(nil)
