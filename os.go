package prefork

import (
	"os"
	"syscall"

	"golang.org/x/sys/unix"
)

// osIface is every process-level call the package makes. Tests substitute a
// mock so no real children are created.
type osIface interface {
	Getpid() int
	Getppid() int
	Kill(pid int, sig unix.Signal) error
	Wait4(pid int, status *unix.WaitStatus, options int) (int, error)
	// ForkExec takes raw descriptors rather than *os.File so passing a
	// listener never calls (*os.File).Fd, which would flip the shared socket
	// into blocking mode for every process holding it.
	ForkExec(argv0 string, argv []string, attr *syscall.ProcAttr) (int, error)
	Exec(argv0 string, argv []string, envv []string) error
	Exit(code int)
}

type realOS struct{}

func (realOS) Getpid() int {
	return os.Getpid()
}

func (realOS) Getppid() int {
	return os.Getppid()
}

func (realOS) Kill(pid int, sig unix.Signal) error {
	return unix.Kill(pid, sig)
}

func (realOS) Wait4(pid int, status *unix.WaitStatus, options int) (int, error) {
	return unix.Wait4(pid, status, options, nil)
}

func (realOS) ForkExec(argv0 string, argv []string, attr *syscall.ProcAttr) (int, error) {
	return syscall.ForkExec(argv0, argv, attr)
}

func (realOS) Exec(argv0 string, argv []string, envv []string) error {
	return unix.Exec(argv0, argv, envv)
}

func (realOS) Exit(code int) {
	os.Exit(code)
}
