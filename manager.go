package prefork

import (
	"fmt"
	"os"
	"runtime/debug"

	"github.com/inconshreveable/log15"
	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

// Role is the behaviour of one process type. Any phase may be nil.
type Role struct {
	PreRun  func() error
	Run     func() error
	PostRun func() error
}

type fatalError struct {
	error
}

func (f fatalError) Unwrap() error {
	return f.error
}

// Fatal marks err as one that restarting the process cannot fix. A role
// failing with it exits with ExitFatal, which a supervising master does not
// respawn by default.
func Fatal(err error) error {
	if err == nil {
		return nil
	}
	return fatalError{err}
}

func isFatal(err error) bool {
	var f fatalError
	return errors.As(err, &f)
}

// Manager is the registry of the processes known to this process. Index 0 is
// the process itself. It is only used from the owning run-loop.
type Manager struct {
	procs []*Process

	os    osIface
	spawn *spawner
	// files returns the descriptors a child of p's type inherits.
	files     func(p *Process) []uintptr
	noRespawn func(code int) bool
	// onExit is called for every exited process that is removed rather than
	// respawned.
	onExit func(p *Process)
	// state gets a forced reap when a child turns out to be gone already.
	state  *SignalState
	events *Events

	l log15.Logger
}

func newManager(l log15.Logger, os osIface, self *Process, sp *spawner, events *Events) *Manager {
	return &Manager{
		procs:     []*Process{self},
		os:        os,
		spawn:     sp,
		noRespawn: defaultNoRespawn,
		events:    events,
		l:         l,
	}
}

// Self is the registry entry of the calling process.
func (m *Manager) Self() *Process {
	return m.procs[0]
}

// Children returns every entry except Self.
func (m *Manager) Children() []*Process {
	return m.procs[1:]
}

// Len is the number of children in the registry.
func (m *Manager) Len() int {
	return len(m.procs) - 1
}

// Start runs the phases of r for p. A failing or panicking phase is terminal
// for this process image: it is logged and the process exits with
// ExitInternal, or ExitFatal for errors marked with Fatal. Start only returns
// if the process os layer does not exit.
func (m *Manager) Start(p *Process, r Role) (err error) {
	l := m.l.New("type", p.Type, "pid", p.Pid)
	if err := p.markRunning(p.Pid); err != nil {
		return err
	}
	phases := []struct {
		name string
		fn   func() error
	}{
		{"pre-run", r.PreRun},
		{"run", r.Run},
		{"post-run", r.PostRun},
	}
	for _, phase := range phases {
		if phase.fn == nil {
			continue
		}
		if err := runGuarded(phase.fn); err != nil {
			code := ExitInternal
			if isFatal(err) {
				code = ExitFatal
			}
			l.Crit("process failed", "phase", phase.name, "err", err, "exitCode", code)
			fmt.Fprintf(os.Stderr, "%s: %s failed: %v\n", p.Type, phase.name, err)
			if m.Len() > 0 {
				l.Warn("terminating children", "count", m.Len())
				m.TerminateAll()
				m.StopAll()
			}
			_ = p.markExited(0, code)
			m.os.Exit(code)
			return err
		}
	}
	_ = p.markExited(0, ExitOK)
	return nil
}

func runGuarded(fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = errors.Errorf("panic: %v\n%s", r, debug.Stack())
		}
	}()
	return fn()
}

// Spawn starts a child of type t and appends it to the registry.
func (m *Manager) Spawn(t ProcessType, name string, generation int, respawn, justSpawned bool) (*Process, error) {
	p := newProcess(t, name)
	p.ParentPid = m.Self().Pid
	p.Generation = generation
	p.Respawn = respawn
	p.JustSpawned = justSpawned
	p.Detached = t == TypeNewBinary
	if err := m.launch(p); err != nil {
		return nil, err
	}
	m.procs = append(m.procs, p)
	return p, nil
}

func (m *Manager) launch(p *Process) error {
	var files []uintptr
	if m.files != nil {
		files = m.files(p)
	}
	pid, err := m.spawn.spawn(p, files)
	if err != nil {
		return err
	}
	if err := p.markRunning(pid); err != nil {
		return err
	}
	m.l.Info("start process", "type", p.Type, "name", p.Name, "pid", pid, "generation", p.Generation)
	m.events.publishSpawned(p)
	return nil
}

// respawn replaces the exited process at index i with a fresh one of the same
// role.
func (m *Manager) respawn(i int) error {
	old := m.procs[i]
	p := newProcess(old.Type, old.Name)
	p.ParentPid = old.ParentPid
	p.Generation = old.Generation
	p.Respawn = true
	p.JustSpawned = true
	if err := m.launch(p); err != nil {
		return err
	}
	m.procs[i] = p
	m.events.publishRespawned(old, p)
	return nil
}

// FindByPid returns the registry entry for pid, or nil.
func (m *Manager) FindByPid(pid int) *Process {
	for _, p := range m.procs {
		if p.Pid == pid {
			return p
		}
	}
	return nil
}

// Stop forgets the child at index i. It does not signal it.
func (m *Manager) Stop(i int) {
	if i <= 0 || i >= len(m.procs) {
		return
	}
	last := len(m.procs) - 1
	copy(m.procs[i:], m.procs[i+1:])
	m.procs[last] = nil
	m.procs = m.procs[:last]
}

// StopAll forgets every child.
func (m *Manager) StopAll() {
	for i := 1; i < len(m.procs); i++ {
		m.procs[i] = nil
	}
	m.procs = m.procs[:1]
}

// Terminate asks the child at index i to exit. The detached new binary is
// not a child in that sense and is left alone.
func (m *Manager) Terminate(i int) {
	if i <= 0 || i >= len(m.procs) {
		return
	}
	if p := m.procs[i]; !p.Detached && !p.Exited() {
		m.signal(p, unix.SIGTERM)
	}
}

// TerminateAll asks every supervised child to exit.
func (m *Manager) TerminateAll() {
	for i := 1; i < len(m.procs); i++ {
		m.Terminate(i)
	}
}

// SignalAll sends sig to every supervised child. A child spawned for the
// current operation is skipped once, and a child already shutting down does
// not get the shutdown signal again. It returns how many children were
// skipped because they had just been spawned.
func (m *Manager) SignalAll(sig unix.Signal) int {
	skipped := 0
	for _, p := range m.Children() {
		if p.Detached || p.Exited() {
			continue
		}
		if p.JustSpawned {
			p.JustSpawned = false
			skipped++
			continue
		}
		if p.Exiting() && sig == unix.SIGQUIT {
			continue
		}
		m.signal(p, sig)
	}
	return skipped
}

func (m *Manager) signal(p *Process, sig unix.Signal) {
	m.l.Debug("signal process", "pid", p.Pid, "type", p.Type, "signal", unix.SignalName(sig))
	if err := m.os.Kill(p.Pid, sig); err != nil {
		m.l.Warn("can't signal process", "pid", p.Pid, "signal", unix.SignalName(sig), "err", err)
		if err == unix.ESRCH {
			_ = p.markExited(0, 0)
			if m.state != nil {
				m.state.reap.Store(true)
				m.state.poke()
			}
		}
		return
	}
	if sig != unix.SIGUSR1 {
		p.markExiting()
	}
}
