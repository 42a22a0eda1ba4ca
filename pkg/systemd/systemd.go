// Package systemd speaks the sd_notify protocol: readiness, watchdog pings
// and stop notifications. Every call is a no-op outside a systemd unit.
package systemd

import (
	"context"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"
)

// Notifier sends state updates to the service manager.
type Notifier struct {
	// send is daemon.SdNotify; replaced in tests.
	send func(unsetEnv bool, state string) (bool, error)
	// watchdog is daemon.SdWatchdogEnabled; replaced in tests.
	watchdog func(unsetEnv bool) (time.Duration, error)
}

func New() *Notifier {
	return &Notifier{send: daemon.SdNotify, watchdog: daemon.SdWatchdogEnabled}
}

// Ready reports startup completion. sent is false when NOTIFY_SOCKET is unset.
func (n *Notifier) Ready() (sent bool, err error) {
	return n.send(false, daemon.SdNotifyReady)
}

// Stopping reports that shutdown began.
func (n *Notifier) Stopping() (bool, error) {
	return n.send(false, daemon.SdNotifyStopping)
}

// Reloading reports a config reload; call Ready when it is applied.
func (n *Notifier) Reloading() (bool, error) {
	return n.send(false, daemon.SdNotifyReloading)
}

// Status publishes a free-form status line (shown by systemctl status).
func (n *Notifier) Status(msg string) (bool, error) {
	return n.send(false, "STATUS="+msg)
}

// WatchdogInterval returns half the unit's WatchdogSec, or 0 when the
// watchdog is disabled for this process.
func (n *Notifier) WatchdogInterval() time.Duration {
	d, err := n.watchdog(false)
	if err != nil || d <= 0 {
		return 0
	}
	return d / 2
}

// RunWatchdog pings the watchdog until ctx ends. healthy gates each ping so
// a wedged process gets restarted; nil always pings. It returns immediately
// when the watchdog is disabled.
func (n *Notifier) RunWatchdog(ctx context.Context, healthy func() bool) error {
	every := n.WatchdogInterval()
	if every <= 0 {
		return nil
	}
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
			if healthy != nil && !healthy() {
				continue
			}
			if _, err := n.send(false, daemon.SdNotifyWatchdog); err != nil {
				return err
			}
		}
	}
}
