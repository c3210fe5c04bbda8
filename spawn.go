package prefork

import (
	"strconv"
	"syscall"

	"github.com/inconshreveable/log15"
	"github.com/ngrok/prefork/internal/proto"
	"github.com/pkg/errors"
)

// spawner starts children by re-executing the program binary. The role of a
// child and its inherited sockets travel in the environment.
type spawner struct {
	os  osIface
	env *env
	// path is the executable captured at startup; after a binary change it
	// names the replacement on disk.
	path       string
	args       []string
	inheritEnv string
	// configEnv returns the configuration variables for a child, reflecting
	// the latest reload.
	configEnv func() map[string]string

	l log15.Logger
}

// environ builds the environment of a child playing p. Descriptors in files
// are received as 3, 4, ... and named in the inherit variable.
func (s *spawner) environ(p *Process, files []uintptr) []string {
	set := map[string]string{
		proto.RoleEnv:       p.Type.String(),
		proto.NameEnv:       p.Name,
		proto.GenerationEnv: strconv.Itoa(p.Generation),
		s.inheritEnv:        proto.EncodeFds(proto.PositionalFds(len(files))),
	}
	if s.configEnv != nil {
		for k, v := range s.configEnv() {
			set[k] = v
		}
	}
	base := stripEnv(s.env.environ(), append(controlEnv, s.inheritEnv)...)
	return withEnv(base, set)
}

func (s *spawner) spawn(p *Process, files []uintptr) (int, error) {
	attr := &syscall.ProcAttr{
		Env:   s.environ(p, files),
		Files: append([]uintptr{0, 1, 2}, files...),
	}
	pid, err := s.os.ForkExec(s.path, s.args, attr)
	if err != nil {
		return 0, errors.Wrapf(err, "can't start %s process", p.Type)
	}
	s.l.Debug("started process", "type", p.Type, "name", p.Name, "pid", pid, "files", len(files))
	return pid, nil
}
