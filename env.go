package prefork

import (
	"os"
	"sort"
	"strings"
	"syscall"

	"github.com/ngrok/prefork/internal/proto"
	"github.com/pkg/errors"
)

var stdEnv = &env{
	newFile:     os.NewFile,
	environ:     os.Environ,
	getenv:      os.Getenv,
	closeOnExec: syscall.CloseOnExec,
}

type env struct {
	newFile     func(fd uintptr, name string) *os.File
	environ     func() []string
	getenv      func(string) string
	closeOnExec func(fd int)
}

// inheritedFiles returns the sockets named by the inherit variable. They are
// marked close-on-exec; children get them again explicitly when spawned.
func (e *env) inheritedFiles(name string) ([]*file, error) {
	fds, err := proto.DecodeFds(e.getenv(name))
	if err != nil {
		return nil, err
	}
	files := make([]*file, 0, len(fds))
	for _, fd := range fds {
		e.closeOnExec(fd)
		f := e.newFile(uintptr(fd), "inherited")
		if f == nil {
			return nil, errors.Errorf("inherited descriptor %d is not valid", fd)
		}
		files = append(files, &file{f, uintptr(fd)})
	}
	return files, nil
}

// controlEnv lists every variable prefork sets on a child besides the
// inherit variable, whose name is configurable.
var controlEnv = []string{
	proto.RoleEnv,
	proto.NameEnv,
	proto.GenerationEnv,
	proto.ConfigEnv,
	proto.ConfigDataEnv,
	proto.DaemonizedEnv,
}

// stripEnv returns environ without the given keys.
func stripEnv(environ []string, keys ...string) []string {
	out := make([]string, 0, len(environ))
outer:
	for _, kv := range environ {
		key := kv
		if i := strings.IndexByte(kv, '='); i >= 0 {
			key = kv[:i]
		}
		for _, k := range keys {
			if k == key {
				continue outer
			}
		}
		out = append(out, kv)
	}
	return out
}

// withEnv returns environ with set applied, replacing existing values.
// Empty values are dropped.
func withEnv(environ []string, set map[string]string) []string {
	keys := make([]string, 0, len(set))
	for k := range set {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := stripEnv(environ, keys...)
	for _, k := range keys {
		if set[k] != "" {
			out = append(out, k+"="+set[k])
		}
	}
	return out
}
