package prefork

import (
	"github.com/ngrok/prefork/internal/proto"
	"github.com/pkg/errors"
)

// runNewBinary replaces this process with the executable on disk. It is the
// transient child of a binary change; the sockets named in the inherit
// variable are still open without close-on-exec and pass through the exec.
func (a *App) runNewBinary() error {
	p := a.newProc(TypeNewBinary, "", true, a.os.Getppid())
	return p.run(a, Role{
		Run: func() error {
			// The replacement reads the configuration file itself, and takes
			// the old master as its parent.
			env := stripEnv(a.env.environ(), proto.RoleEnv, proto.NameEnv, proto.GenerationEnv, proto.ConfigDataEnv, proto.DaemonizedEnv)
			p.l.Info("executing new binary", "path", a.binaryPath, "inherited", a.env.getenv(a.cfg.InheritEnv))
			err := a.os.Exec(a.binaryPath, a.args, env)
			return errors.Wrapf(err, "can't execute %s", a.binaryPath)
		},
	})
}
