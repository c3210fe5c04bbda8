package prefork

import (
	"fmt"
	"strings"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

// ProcessType identifies the role a process plays in the process tree. It is
// fixed when the Process is constructed.
type ProcessType int

const (
	TypeMain ProcessType = iota
	TypeMaster
	TypeSingle
	TypeSignaller
	TypeNewBinary
	TypeWorker
	TypeHelper
	TypeCustom
)

var processTypeNames = [...]string{
	TypeMain:      "main",
	TypeMaster:    "master",
	TypeSingle:    "single",
	TypeSignaller: "signaller",
	TypeNewBinary: "newbinary",
	TypeWorker:    "worker",
	TypeHelper:    "helper",
	TypeCustom:    "custom",
}

func (t ProcessType) String() string {
	if t < 0 || int(t) >= len(processTypeNames) {
		return fmt.Sprintf("type(%d)", int(t))
	}
	return processTypeNames[t]
}

// ParseProcessType maps a role name, as carried in the environment of a
// spawned child, back to its ProcessType.
func ParseProcessType(s string) (ProcessType, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	for t, name := range processTypeNames {
		if name == s {
			return ProcessType(t), nil
		}
	}
	return 0, errors.Wrapf(ErrUnknownProcessType, "%q", s)
}

// supervisor reports whether processes of this type use the master signal
// policy: they reap children and react to reconfigure and change-binary.
func (t ProcessType) supervisor() bool {
	switch t {
	case TypeMain, TypeMaster, TypeSingle:
		return true
	}
	return false
}

// Process is one OS process known to this process: either itself (index 0 of
// the registry) or a child it spawned.
type Process struct {
	Pid       int
	ParentPid int
	Type      ProcessType
	Name      string
	// Generation counts worker generations started by reconfiguration. It is
	// used to pick which workers receive the shutdown after a reload.
	Generation int

	// Detached processes are not subject to normal reap/respawn policy. The
	// new-binary child is the only detached process.
	Detached bool
	Respawn  bool
	// JustSpawned suppresses exactly one signal delivery after creation so a
	// fresh generation does not get the shutdown meant for its predecessor.
	JustSpawned bool

	Status   unix.WaitStatus
	ExitCode int

	state lifecycleState
	// exitRequested survives the transition to Exited so the reaper can tell
	// a crash from a requested shutdown.
	exitRequested bool
}

func newProcess(t ProcessType, name string) *Process {
	if name == "" {
		name = t.String()
	}
	return &Process{
		Type:  t,
		Name:  name,
		state: lifecycleCreated,
	}
}

func (p *Process) String() string {
	return fmt.Sprintf("%s(%s) pid=%d", p.Type, p.Name, p.Pid)
}

// Running reports whether the process has been started and not yet asked to
// exit.
func (p *Process) Running() bool {
	return p.state == lifecycleRunning
}

// Exiting reports whether the process has been asked to stop but has not yet
// been reaped.
func (p *Process) Exiting() bool {
	return p.state == lifecycleExiting
}

// Exited reports whether the OS has reported the process as terminated.
func (p *Process) Exited() bool {
	return p.state == lifecycleExited
}

func (p *Process) markRunning(pid int) error {
	if err := p.state.transitionTo(lifecycleRunning); err != nil {
		return err
	}
	p.Pid = pid
	return nil
}

// markExiting is a no-op for processes which were never started or are
// already gone.
func (p *Process) markExiting() {
	if p.state.transitionTo(lifecycleExiting) == nil {
		p.exitRequested = true
	}
}

func (p *Process) markExited(status unix.WaitStatus, code int) error {
	if err := p.state.transitionTo(lifecycleExited); err != nil {
		return err
	}
	p.Status = status
	p.ExitCode = code
	return nil
}
