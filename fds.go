package prefork

import (
	"context"
	"fmt"
	"net"
	"os"
	"sync"
	"syscall"

	"github.com/inconshreveable/log15"
	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

// Listener can be shared between processes.
type Listener interface {
	net.Listener
	syscall.Conn
}

// file works around the fact that it's not possible
// to get the fd from an os.File without putting it into
// blocking mode.
type file struct {
	*os.File
	fd uintptr
}

func (f *file) String() string {
	name := "<nil>"
	if f != nil && f.File != nil {
		name = f.Name()
	}
	return fmt.Sprintf("File(name=%q,fd=%v)", name, f.fd)
}

func newFile(fd uintptr, name string) *file {
	f := os.NewFile(fd, name)
	if f == nil {
		return nil
	}

	return &file{
		f,
		fd,
	}
}

// fd is one listening socket held by the store.
type fd struct {
	file *file

	Network string
	Addr    string
	// Requested is the address as configured, which differs from Addr when
	// the port was chosen by the kernel.
	Requested string

	inherited bool
	claimed   bool
}

func (f *fd) String() string {
	origin := "bound"
	if f.inherited {
		origin = "inherited"
	}
	return fmt.Sprintf("listener(%s): %v:%v", origin, f.Network, f.Addr)
}

// Fds holds the listening sockets of a process, whether inherited through
// the environment or bound here. Every entry is a close-on-exec duplicate
// owned by the store, so the sockets survive the Server closing its own
// listeners and can be handed to children in a stable order.
type Fds struct {
	mu sync.Mutex
	// NB: Files in this slice may be in blocking mode.
	fds []*fd

	l log15.Logger
}

func (f *Fds) String() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	res := make([]string, 0, len(f.fds))
	for _, fi := range f.fds {
		res = append(res, fi.String())
	}
	return fmt.Sprintf("fds: %v", res)
}

// NewFds returns an empty store.
func NewFds(l log15.Logger) *Fds {
	return newFds(l, nil)
}

// newFds builds a store from inherited descriptors. A descriptor that is not
// a listening socket is closed and skipped.
func newFds(l log15.Logger, inherited []*file) *Fds {
	f := &Fds{l: l}
	for _, fi := range inherited {
		ln, err := net.FileListener(fi.File)
		if err != nil {
			l.Warn("ignoring inherited descriptor that is not a listener", "file", fi, "err", err)
			fi.Close()
			continue
		}
		addr := ln.Addr()
		ln.Close()
		f.fds = append(f.fds, &fd{
			file:      fi,
			Network:   normalizeNetwork(addr.Network()),
			Addr:      addr.String(),
			inherited: true,
		})
		l.Debug("inherited listener", "network", addr.Network(), "addr", addr.String(), "fd", fi.fd)
	}
	return f
}

// Listen returns a listener inherited from the parent process, or creates a
// new one. The caller owns the returned listener; the store keeps its own
// duplicate.
// Unix sockets have "SetUnlinkOnClose(false)" called on them, since the path
// is shared with every process holding the socket.
func (f *Fds) Listen(ctx context.Context, network, addr string) (Listener, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	network = normalizeNetwork(network)

	if existing := f.findLocked(network, addr); existing != nil {
		ln, err := net.FileListener(existing.file.File)
		if err != nil {
			return nil, errors.Wrapf(err, "can't inherit listener %s", existing.file)
		}
		fdLn, ok := ln.(Listener)
		if !ok {
			ln.Close()
			return nil, errors.Errorf("%T doesn't implement prefork.Listener", ln)
		}
		existing.claimed = true
		f.l.Debug("found existing listener in store", "network", network, "addr", addr)
		return fdLn, nil
	}

	if network == "unix" {
		if err := unlinkUnixSocket(addr); err != nil && !os.IsNotExist(err) {
			return nil, errors.Wrapf(err, "can't remove stale socket %s", addr)
		}
	}
	cfg := &net.ListenConfig{}
	ln, err := cfg.Listen(ctx, network, addr)
	if err != nil {
		return nil, errors.Wrap(err, "can't create new listener")
	}
	fdLn, ok := ln.(Listener)
	if !ok {
		ln.Close()
		return nil, errors.Errorf("%T doesn't implement prefork.Listener", ln)
	}
	if ifc, ok := ln.(unlinkOnCloser); ok {
		ifc.SetUnlinkOnClose(false)
	}

	entry := &fd{
		Network:   network,
		Addr:      ln.Addr().String(),
		Requested: addr,
		claimed:   true,
	}
	dup, err := dupConn(fdLn, entry.String())
	if err != nil {
		ln.Close()
		return nil, errors.Wrapf(err, "can't dup listener %s %s", network, addr)
	}
	entry.file = dup
	f.fds = append(f.fds, entry)
	return fdLn, nil
}

func (f *Fds) findLocked(network, addr string) *fd {
	for _, entry := range f.fds {
		if entry.Network != network {
			continue
		}
		if sameAddr(network, entry.Addr, addr) || (entry.Requested != "" && entry.Requested == addr) {
			return entry
		}
	}
	return nil
}

// Files returns the raw descriptors backing the given listeners, in order,
// for passing to a child. Listeners the store does not hold are skipped.
func (f *Fds) Files(bindings []Listener) []uintptr {
	f.mu.Lock()
	defer f.mu.Unlock()
	files := make([]uintptr, 0, len(bindings))
	for _, ln := range bindings {
		addr := ln.Addr()
		entry := f.findLocked(normalizeNetwork(addr.Network()), addr.String())
		if entry == nil {
			f.l.Warn("binding is not in the descriptor store", "addr", addr)
			continue
		}
		files = append(files, entry.file.fd)
	}
	return files
}

// All returns every descriptor held by the store, in order.
func (f *Fds) All() []uintptr {
	f.mu.Lock()
	defer f.mu.Unlock()
	files := make([]uintptr, 0, len(f.fds))
	for _, entry := range f.fds {
		files = append(files, entry.file.fd)
	}
	return files
}

// Addrs returns "network:addr" for every descriptor held by the store.
func (f *Fds) Addrs() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	addrs := make([]string, 0, len(f.fds))
	for _, entry := range f.fds {
		addrs = append(addrs, entry.Network+":"+entry.Addr)
	}
	return addrs
}

// Retain closes every descriptor not backing one of the given listeners.
func (f *Fds) Retain(bindings []Listener) {
	f.mu.Lock()
	defer f.mu.Unlock()
	keep := f.fds[:0]
	for _, entry := range f.fds {
		found := false
		for _, ln := range bindings {
			addr := ln.Addr()
			if normalizeNetwork(addr.Network()) == entry.Network && sameAddr(entry.Network, entry.Addr, addr.String()) {
				found = true
				break
			}
		}
		if found {
			keep = append(keep, entry)
			continue
		}
		f.l.Info("closing listener no longer configured", "listener", entry)
		entry.file.Close()
	}
	f.fds = keep
}

// CloseInherited closes inherited descriptors that nothing claimed with
// Listen.
func (f *Fds) CloseInherited() {
	f.mu.Lock()
	defer f.mu.Unlock()
	keep := f.fds[:0]
	for _, entry := range f.fds {
		if entry.inherited && !entry.claimed {
			f.l.Info("closing unclaimed inherited listener", "listener", entry)
			entry.file.Close()
			continue
		}
		keep = append(keep, entry)
	}
	f.fds = keep
}

// UnlinkUnix removes the socket files of every unix listener in the store.
// Only the last process holding the sockets should call it.
func (f *Fds) UnlinkUnix() {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, entry := range f.fds {
		if entry.Network != "unix" {
			continue
		}
		if err := unlinkUnixSocket(entry.Addr); err != nil && !os.IsNotExist(err) {
			f.l.Warn("can't remove socket file", "path", entry.Addr, "err", err)
		}
	}
}

// Close closes every descriptor in the store.
func (f *Fds) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	var firstErr error
	for _, entry := range f.fds {
		if err := entry.file.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	f.fds = nil
	return firstErr
}

type unlinkOnCloser interface {
	SetUnlinkOnClose(bool)
}

func normalizeNetwork(network string) string {
	switch network {
	case "tcp4", "tcp6":
		return "tcp"
	case "unixpacket":
		return "unix"
	}
	return network
}

// sameAddr compares listen addresses, treating every unspecified IP
// ("", "0.0.0.0", "::") as equal.
func sameAddr(network, a, b string) bool {
	if a == b {
		return true
	}
	if network == "unix" {
		return false
	}
	ahost, aport, err := net.SplitHostPort(a)
	if err != nil {
		return false
	}
	bhost, bport, err := net.SplitHostPort(b)
	if err != nil || aport != bport {
		return false
	}
	aip, bip := net.ParseIP(ahost), net.ParseIP(bhost)
	aAny := ahost == "" || (aip != nil && aip.IsUnspecified())
	bAny := bhost == "" || (bip != nil && bip.IsUnspecified())
	if aAny || bAny {
		return aAny && bAny
	}
	return aip != nil && bip != nil && aip.Equal(bip)
}

func unlinkUnixSocket(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return err
	}

	if info.Mode()&os.ModeSocket == 0 {
		return nil
	}

	return os.Remove(path)
}

func dupConn(conn syscall.Conn, name string) (*file, error) {
	// Use SyscallConn instead of File to avoid making the original
	// fd non-blocking.
	raw, err := conn.SyscallConn()
	if err != nil {
		return nil, err
	}

	var dup *file
	var duperr error
	err = raw.Control(func(fd uintptr) {
		dup, duperr = dupFd(fd, name)
	})
	if err != nil {
		return nil, errors.Wrap(err, "can't access fd")
	}
	return dup, duperr
}

func dupFd(fd uintptr, name string) (*file, error) {
	dupfd, _, errno := unix.Syscall(unix.SYS_FCNTL, fd, unix.F_DUPFD_CLOEXEC, 0)
	if errno != 0 {
		return nil, errors.Wrap(errno, "can't dup fd using fcntl")
	}

	return newFile(dupfd, name), nil
}
