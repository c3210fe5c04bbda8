package prefork

import (
	"net/http"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"
	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
	"k8s.io/utils/clock"
)

const (
	// initialTerminateDelay is the first escalation interval after the
	// terminate signal. It doubles on every alarm.
	initialTerminateDelay = 50 * time.Millisecond
	// killDelay is the escalation interval after which children are killed
	// rather than asked to terminate.
	killDelay = time.Second
	// maxTerminateDelay bounds the interval between repeated kills.
	maxTerminateDelay = 2 * killDelay
)

// master spawns and supervises the children and reacts to operator signals.
// All of its state is owned by the run-loop goroutine.
type master struct {
	app       *App
	p         *proc
	inherited bool

	pid        *PidFile
	fds        *Fds
	server     Server
	metricsLn  Listener
	metricsSrv *http.Server
	watcher    *ConfigWatcher

	alarm      clock.Timer
	delay      time.Duration
	awaitExits int

	terminating     bool
	quitting        bool
	noAccepting     bool
	restart         bool
	listenersClosed bool
	live            bool
	generation      int
}

func newMaster(a *App, p *proc, inherited bool) *master {
	ms := &master{
		app:       a,
		p:         p,
		inherited: inherited,
		pid:       NewPidFile(p.l, a.cfg.PidFile),
	}
	p.m.files = ms.childFiles
	p.m.onExit = ms.onExit
	return ms
}

func (ms *master) role() Role {
	return Role{
		PreRun:  ms.preRun,
		Run:     ms.run,
		PostRun: ms.exit,
	}
}

func (ms *master) preRun() error {
	cfg := ms.app.cfg
	if cfg.Helper {
		if _, err := ms.app.factoryFor(TypeHelper, ""); err != nil {
			return Fatal(err)
		}
	}
	for _, name := range cfg.Custom {
		if _, err := ms.app.factoryFor(TypeCustom, name); err != nil {
			return Fatal(err)
		}
	}

	if err := ms.pid.Write(ms.p.self.Pid); err != nil {
		return err
	}
	files, err := ms.app.env.inheritedFiles(cfg.InheritEnv)
	if err != nil {
		return errors.Wrap(err, "can't read inherited sockets")
	}
	ms.fds = newFds(ms.p.l, files)

	ms.server, err = ms.app.server(ms.p.l, cfg)
	if err != nil {
		return Fatal(err)
	}
	if err := ms.server.Listen(ms.fds); err != nil {
		return err
	}
	ms.metricsLn, ms.metricsSrv, err = serveMetrics(ms.app, ms.fds)
	if err != nil {
		return err
	}
	ms.fds.CloseInherited()

	ms.startProcesses(false)
	ms.live = ms.p.m.Len() > 0

	if cfg.WatchConfig && ms.app.configPath != "" {
		ms.watcher = NewConfigWatcher(ms.p.l, ms.app.clk, ms.app.configPath, 0, func() {
			ms.p.state.deliver(ms.p.table.lookup(unix.SIGHUP))
		})
		if err := ms.watcher.Start(); err != nil {
			ms.p.l.Warn("can't watch config", "err", err)
			ms.watcher = nil
		}
	}

	if ms.inherited {
		ms.app.notify.Notify(mainPidState(ms.p.self.Pid))
	}
	ms.app.notify.Notify(daemon.SdNotifyReady)
	ms.p.l.Info("master started", "workers", cfg.Workers, "listeners", ms.fds.Addrs())
	return nil
}

// childFiles are the descriptors a child inherits: the server bindings for
// workers, everything for a replacement binary.
func (ms *master) childFiles(p *Process) []uintptr {
	switch p.Type {
	case TypeWorker:
		return ms.fds.Files(ms.server.Bindings())
	case TypeNewBinary:
		return ms.fds.All()
	}
	return nil
}

func (ms *master) startWorkers(justSpawned bool) {
	for i := 0; i < ms.app.cfg.Workers; i++ {
		if _, err := ms.p.m.Spawn(TypeWorker, "", ms.generation, true, justSpawned); err != nil {
			ms.p.l.Error("can't start worker", "err", err)
		}
	}
}

func (ms *master) startProcesses(justSpawned bool) {
	ms.startWorkers(justSpawned)
	if ms.app.cfg.Helper {
		if _, err := ms.p.m.Spawn(TypeHelper, "", ms.generation, true, justSpawned); err != nil {
			ms.p.l.Error("can't start helper", "err", err)
		}
	}
	for _, name := range ms.app.cfg.Custom {
		if _, err := ms.p.m.Spawn(TypeCustom, name, ms.generation, true, justSpawned); err != nil {
			ms.p.l.Error("can't start custom process", "name", name, "err", err)
		}
	}
}

func (ms *master) run() error {
	for {
		ms.armAlarm()
		ms.suspend()
		if ms.iterate() {
			return nil
		}
	}
}

// armAlarm keeps the escalation timer running while terminating. Every
// alarm that fired since the last iteration doubles the delay.
func (ms *master) armAlarm() {
	if ms.delay == 0 {
		return
	}
	if take(&ms.p.state.sigalrm) {
		ms.awaitExits = 0
		ms.delay = min(2*ms.delay, maxTerminateDelay)
	}
	if ms.alarm != nil {
		ms.alarm.Stop()
	}
	ms.alarm = ms.app.clk.NewTimer(ms.delay)
}

// suspend blocks until a signal handler ran or the alarm fired.
func (ms *master) suspend() {
	var alarmC <-chan time.Time
	if ms.alarm != nil {
		alarmC = ms.alarm.C()
	}
	select {
	case <-ms.p.state.Wake():
	case <-alarmC:
		ms.alarm = nil
		ms.p.state.sigalrm.Store(true)
	}
}

// iterate handles the signal flags once, in priority order. It reports
// whether the master is done.
func (ms *master) iterate() bool {
	st := ms.p.state
	m := ms.p.m
	l := ms.p.l

	if take(&st.terminate) {
		ms.terminating = true
	}
	if take(&st.quit) {
		ms.quitting = true
	}

	if take(&st.reap) {
		l.Debug("reaping children")
		ms.live = m.Reap(ms.terminating || ms.quitting)
	}
	if m.Len() == 0 {
		ms.live = false
	}

	if !ms.live && (ms.terminating || ms.quitting) {
		return true
	}

	if ms.terminating {
		if ms.delay == 0 {
			ms.delay = initialTerminateDelay
		}
		if ms.awaitExits > 0 {
			ms.awaitExits--
			return false
		}
		ms.awaitExits = m.Len()
		sig := unix.SIGTERM
		if ms.delay > killDelay {
			sig = unix.SIGKILL
		}
		if m.SignalAll(sig) > 0 {
			st.poke()
		}
		return false
	}

	if ms.quitting {
		if m.SignalAll(unix.SIGQUIT) > 0 {
			st.poke()
		}
		ms.closeListeners()
		return false
	}

	if take(&st.reconfigure) {
		if st.newBinary.Load() != 0 {
			l.Info("start new workers")
			ms.startWorkers(false)
			ms.noAccepting = false
			ms.live = true
			return false
		}
		ms.reconfigure()
	}

	if ms.restart {
		ms.restart = false
		ms.startWorkers(false)
		ms.live = true
	}

	if take(&st.reopen) {
		l.Info("reopening logs")
		ms.reopenLogs()
		m.SignalAll(unix.SIGUSR1)
	}

	if take(&st.changeBinary) {
		l.Info("changing binary")
		ms.changeBinary()
	}
	if take(&st.changeBinaryIgnored) {
		l.Info("change binary ignored: a new binary is running or the parent is unchanged")
	}

	if take(&st.noAccept) {
		l.Info("gracefully shutting down workers")
		ms.noAccepting = true
		m.SignalAll(unix.SIGQUIT)
	}

	take(&st.sigio)
	return false
}

func (ms *master) reconfigure() {
	l := ms.p.l
	l.Info("reconfiguring")
	ms.app.notify.Notify(daemon.SdNotifyReloading)
	defer ms.app.notify.Notify(daemon.SdNotifyReady)

	old := ms.app.cfg
	cfg, err := ms.app.loadConfig()
	if err != nil {
		l.Error("can't reload config, keeping the running one", "err", err)
		return
	}
	if cfg.PidFile != old.PidFile || cfg.InheritEnv != old.InheritEnv {
		l.Warn("pid_file and inherit_env changes need a restart")
		cfg.PidFile, cfg.InheritEnv = old.PidFile, old.InheritEnv
	}
	if err := ms.server.Reload(cfg); err != nil {
		l.Error("server rejected config", "err", err)
		return
	}
	if err := ms.server.Listen(ms.fds); err != nil {
		l.Error("can't listen with new config", "err", err)
		if err := ms.server.Reload(old); err != nil {
			l.Error("can't restore config", "err", err)
		}
		return
	}
	ms.fds.Retain(ms.retained())
	if err := ms.app.setConfig(cfg); err != nil {
		l.Error("can't apply config", "err", err)
		return
	}

	ms.generation++
	ms.startProcesses(true)
	ms.app.clk.Sleep(cfg.ReloadGrace.Duration)
	ms.live = true
	ms.p.m.SignalAll(unix.SIGQUIT)
}

// retained are the listeners the master keeps across a reload.
func (ms *master) retained() []Listener {
	bindings := ms.server.Bindings()
	if ms.metricsLn != nil {
		bindings = append(bindings, ms.metricsLn)
	}
	return bindings
}

// changeBinary starts the executable on disk as a replacement master,
// handing it every listening socket. The pid file is moved aside first and
// moved back if the start fails.
func (ms *master) changeBinary() {
	l := ms.p.l
	if err := ms.pid.RenameToOld(); err != nil {
		l.Error("can't move pid file aside, not changing binary", "err", err)
		return
	}
	p, err := ms.p.m.Spawn(TypeNewBinary, "", ms.generation, false, false)
	if err != nil {
		l.Error("can't start new binary", "err", err)
		if err := ms.pid.RestoreFromOld(); err != nil {
			l.Error("can't restore pid file", "err", err)
		}
		return
	}
	ms.p.state.newBinary.Store(int64(p.Pid))
	l.Info("new binary started", "pid", p.Pid)
}

func (ms *master) onExit(p *Process) {
	if p.Type != TypeNewBinary || int64(p.Pid) != ms.p.state.newBinary.Load() {
		return
	}
	ms.p.l.Warn("new binary exited, restoring pid file", "pid", p.Pid, "exitCode", p.ExitCode)
	if err := ms.pid.RestoreFromOld(); err != nil {
		ms.p.l.Error("can't restore pid file", "err", err)
	}
	ms.p.state.newBinary.Store(0)
	if ms.noAccepting {
		ms.restart = true
		ms.noAccepting = false
	}
}

func (ms *master) reopenLogs() {
	if ms.app.logs == nil {
		return
	}
	if err := ms.app.logs.Reopen(); err != nil {
		ms.p.l.Error("can't reopen log file", "err", err)
	}
}

// closeListeners stops accepting on every socket this master holds. Socket
// files are removed unless a replacement binary still uses them.
func (ms *master) closeListeners() {
	if ms.listenersClosed {
		return
	}
	ms.listenersClosed = true
	if ms.server != nil {
		if err := ms.server.Stop(); err != nil {
			ms.p.l.Warn("error stopping server", "err", err)
		}
	}
	if ms.metricsSrv != nil {
		ms.metricsSrv.Close()
	}
	if ms.fds != nil {
		if ms.p.state.newBinary.Load() == 0 {
			ms.fds.UnlinkUnix()
		}
		ms.fds.Close()
	}
}

func (ms *master) exit() error {
	if ms.watcher != nil {
		ms.watcher.Stop()
	}
	if ms.alarm != nil {
		ms.alarm.Stop()
	}
	ms.app.notify.Notify(daemon.SdNotifyStopping)
	if ms.p.state.newBinary.Load() != 0 {
		if err := ms.pid.RemoveOld(); err != nil {
			ms.p.l.Warn("can't remove old pid file", "err", err)
		}
	} else if err := ms.pid.Remove(); err != nil {
		ms.p.l.Warn("can't remove pid file", "err", err)
	}
	ms.closeListeners()
	ms.p.l.Info("exit")
	return nil
}
