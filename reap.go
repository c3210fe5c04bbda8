package prefork

import (
	"github.com/opencontainers/runc/libcontainer/utils"
	"golang.org/x/sys/unix"
)

// collect polls for terminated children until none are left and records
// their exit status in the registry. It returns the number of children
// collected.
func (m *Manager) collect() int {
	reaped := 0
	for {
		var ws unix.WaitStatus
		pid, err := m.os.Wait4(-1, &ws, unix.WNOHANG)
		if err == unix.EINTR {
			continue
		}
		if err == unix.ECHILD {
			return reaped
		}
		if err != nil {
			m.l.Warn("wait4 failed", "err", err)
			return reaped
		}
		if pid <= 0 {
			return reaped
		}
		reaped++

		code := utils.ExitStatus(ws)
		p := m.FindByPid(pid)
		if p == nil {
			m.l.Info("reaped unknown child", "pid", pid, "exitCode", code)
			continue
		}
		l := m.l.New("pid", pid, "type", p.Type, "name", p.Name)
		reason := exitReasonExited
		switch {
		case ws.Signaled():
			reason = exitReasonSignaled
			core := ""
			if ws.CoreDump() {
				core = " (core dumped)"
			}
			l.Warn("process exited on signal"+core, "signal", unix.SignalName(ws.Signal()))
		case code == 0:
			l.Info("process exited", "exitCode", code)
		default:
			l.Warn("process exited", "exitCode", code)
		}
		if !ws.Signaled() && m.noRespawn(code) {
			reason = exitReasonFatal
			if p.Respawn {
				l.Error("process exited with fatal code and cannot be respawned", "exitCode", code)
			}
			p.Respawn = false
		}
		if err := p.markExited(ws, code); err != nil {
			l.Warn("unexpected exit", "err", err)
		}
		m.events.publishExited(p, reason)
	}
}

// Reap collects terminated children, respawns the ones that crashed and
// forgets the rest. stopping suppresses respawn. It reports whether any
// child is still alive or expected to exit.
func (m *Manager) Reap(stopping bool) bool {
	m.collect()

	live := false
	for i := 1; i < len(m.procs); {
		p := m.procs[i]
		if p.Exited() {
			if p.Respawn && !p.exitRequested && !stopping {
				// a failed respawn keeps the entry so the next reap retries it
				if err := m.respawn(i); err != nil {
					m.l.Error("can't respawn process", "type", p.Type, "name", p.Name, "err", err)
				} else {
					live = true
				}
				i++
				continue
			}
			if m.onExit != nil {
				m.onExit(p)
			}
			m.Stop(i)
			continue
		}
		if p.exitRequested || !p.Detached {
			live = true
		}
		i++
	}
	return live
}
