package prefork

import (
	"fmt"

	"github.com/coreos/go-systemd/v22/daemon"
	"github.com/inconshreveable/log15"
)

// notifier reports lifecycle changes to a service manager.
type notifier interface {
	Notify(state string)
}

// sdNotifier speaks the sd_notify protocol. Outside systemd it does nothing.
type sdNotifier struct {
	l log15.Logger
}

func (n sdNotifier) Notify(state string) {
	sent, err := daemon.SdNotify(false, state)
	if err != nil {
		n.l.Warn("sd_notify failed", "state", state, "err", err)
		return
	}
	if sent {
		n.l.Debug("notified service manager", "state", state)
	}
}

func mainPidState(pid int) string {
	return fmt.Sprintf("MAINPID=%d", pid)
}
