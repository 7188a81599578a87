package status

import (
	"context"
	"fmt"
	"log"
	"strings"

	"github.com/coreos/go-systemd/v22/daemon"
)

// SystemdReporter forwards outcomes to the parent service manager over the
// sd_notify socket. Without NOTIFY_SOCKET it does nothing.
type SystemdReporter struct {
	notify func(unsetEnvironment bool, state string) (bool, error)
}

func NewSystemdReporter() *SystemdReporter {
	return &SystemdReporter{notify: daemon.SdNotify}
}

func (r *SystemdReporter) Report(_ context.Context, o Outcome) error {
	state := notifyState(o)
	sent, err := r.notify(false, state)
	if err != nil {
		return fmt.Errorf("sd_notify: %w", err)
	}
	if sent && o.State == StateRunning {
		log.Printf("INFO: Notified systemd that service is ready")
	}
	return nil
}

func notifyState(o Outcome) string {
	// STATUS is a single line for systemctl status.
	msg := strings.ReplaceAll(o.Message(), "\n", " ")
	switch o.State {
	case StateRunning:
		return daemon.SdNotifyReady + "\nSTATUS=" + msg
	default:
		return "STATUS=" + msg
	}
}
