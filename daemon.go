package prefork

import (
	"os"
	"strconv"
	"syscall"

	"github.com/ngrok/prefork/internal/proto"
	"github.com/pkg/errors"
)

// daemonize starts the program again in a new session, detached from the
// terminal, and returns once the daemon is started. The caller is expected
// to exit.
func (a *App) daemonize() error {
	null, err := os.OpenFile(os.DevNull, os.O_RDWR, 0)
	if err != nil {
		return errors.Wrap(err, "can't open /dev/null")
	}
	defer null.Close()
	raw := null.Fd()

	env := withEnv(stripEnv(a.env.environ(), controlEnv...), map[string]string{
		proto.DaemonizedEnv: strconv.Itoa(a.os.Getpid()),
		proto.ConfigEnv:     a.configPath,
		proto.ConfigDataEnv: a.cfgData,
	})
	attr := &syscall.ProcAttr{
		Dir:   "/",
		Env:   env,
		Files: []uintptr{raw, raw, raw},
		Sys:   &syscall.SysProcAttr{Setsid: true},
	}
	pid, err := a.os.ForkExec(a.binaryPath, a.args, attr)
	if err != nil {
		return errors.Wrap(err, "can't daemonize")
	}
	a.l.Info("daemon started", "pid", pid)
	return nil
}
