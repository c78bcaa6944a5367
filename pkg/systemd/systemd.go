// Package systemd speaks the sd_notify protocol when the process runs as a
// systemd service. Outside systemd every call is a no-op.
package systemd

import (
	"context"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"
)

// Ready reports startup completion. sent is false when NOTIFY_SOCKET is unset.
func Ready() (sent bool, err error) {
	return daemon.SdNotify(false, daemon.SdNotifyReady)
}

// Stopping reports that shutdown has begun.
func Stopping() (sent bool, err error) {
	return daemon.SdNotify(false, daemon.SdNotifyStopping)
}

// Status publishes a free-form status line shown by systemctl status.
func Status(text string) (sent bool, err error) {
	return daemon.SdNotify(false, "STATUS="+text)
}

// Watchdog pings the service manager at half the configured WatchdogSec
// until ctx ends. It returns immediately when the watchdog is disabled.
func Watchdog(ctx context.Context) error {
	interval, err := daemon.SdWatchdogEnabled(false)
	if err != nil || interval <= 0 {
		return err
	}
	t := time.NewTicker(interval / 2)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
			if _, err := daemon.SdNotify(false, daemon.SdNotifyWatchdog); err != nil {
				return err
			}
		}
	}
}
