package prefork

import (
	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

// Signal sends the signal named by action ("reload", "reopen", "stop",
// "quit", or a symbolic name) to the process recorded in the pid file.
func (a *App) Signal(action string) error {
	table := NewSignalTable(TypeSignaller)
	sig, err := table.Resolve(action)
	if err != nil {
		return err
	}
	pid, err := readPid(a.cfg.PidFile)
	if err != nil {
		return err
	}
	if err := a.os.Kill(pid, sig); err != nil {
		return errors.Wrapf(err, "can't send %s to %d", unix.SignalName(sig), pid)
	}
	a.l.Info("signal sent", "signal", unix.SignalName(sig), "action", table.Action(sig), "pid", pid)
	return nil
}
