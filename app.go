package prefork

import (
	"os"
	"strconv"

	"github.com/inconshreveable/log15"
	"github.com/ngrok/prefork/internal/proto"
	"github.com/pkg/errors"
	"k8s.io/utils/clock"
)

// App decides the process topology and runs the role of the calling
// process. The same binary is every process in the tree: the role of a
// re-executed child is read from its environment.
type App struct {
	cfg        *Config
	cfgData    string
	configPath string
	loadConfig func() (*Config, error)

	server ServerFactory
	helper ServerFactory
	custom map[string]ServerFactory

	noRespawn func(code int) bool
	logs      *ReopenableFile
	metrics   *Metrics
	events    *Events
	notify    notifier

	binaryPath string
	args       []string

	l log15.Logger

	// mocks
	os  osIface
	clk clock.Clock
	env *env
}

// New constructs an App running server in every serving process.
// cfg is the configuration this process was started with, see ResolveConfig.
func New(cfg *Config, server ServerFactory, opts ...Option) (*App, error) {
	exe, err := os.Executable()
	if err != nil {
		return nil, errors.Wrap(err, "can't find executable")
	}
	return newApp(realOS{}, clock.RealClock{}, stdEnv, exe, os.Args, cfg, server, opts...)
}

func newApp(os osIface, clk clock.Clock, env *env, exe string, args []string, cfg *Config, server ServerFactory, opts ...Option) (*App, error) {
	if server == nil {
		return nil, ErrNoServer
	}
	a := &App{
		server:     server,
		noRespawn:  defaultNoRespawn,
		events:     NewEvents(),
		binaryPath: exe,
		args:       args,
		l:          discardLogger(),
		os:         os,
		clk:        clk,
		env:        env,
	}
	for _, opt := range opts {
		opt(a)
	}
	if err := a.setConfig(cfg); err != nil {
		return nil, err
	}
	if a.loadConfig == nil {
		a.loadConfig = func() (*Config, error) {
			return LoadConfig(a.configPath)
		}
	}
	a.notify = sdNotifier{l: a.l}
	if a.metrics != nil {
		a.metrics.Subscribe(a.events)
	}
	return a, nil
}

func (a *App) setConfig(cfg *Config) error {
	data, err := cfg.Encode()
	if err != nil {
		return err
	}
	a.cfg = cfg
	a.cfgData = data
	return nil
}

// Config is the configuration currently in effect.
func (a *App) Config() *Config {
	return a.cfg
}

// Events delivers process lifecycle events of this process's children.
func (a *App) Events() *Events {
	return a.events
}

// Run runs the role of the calling process until it is done. Failures
// inside a role end the process with a distinguished exit code; Run only
// returns errors from before a role started.
func (a *App) Run() error {
	roleName := a.env.getenv(proto.RoleEnv)
	if roleName == "" {
		return a.runMain()
	}
	t, err := ParseProcessType(roleName)
	if err != nil {
		return err
	}
	name := a.env.getenv(proto.NameEnv)
	generation, _ := strconv.Atoi(a.env.getenv(proto.GenerationEnv))
	switch t {
	case TypeNewBinary:
		return a.runNewBinary()
	case TypeWorker, TypeHelper, TypeCustom:
		p := a.newProc(t, name, a.env.getenv(proto.DaemonizedEnv) != "", a.os.Getppid())
		p.self.Generation = generation
		w, err := newWorker(a, p)
		if err != nil {
			return err
		}
		return p.run(a, w.role())
	}
	return errors.Wrapf(ErrUnknownProcessType, "%s can't be spawned", t)
}

func (a *App) runMain() error {
	inherited := a.env.getenv(a.cfg.InheritEnv) != ""
	launcher := a.env.getenv(proto.DaemonizedEnv)
	if a.cfg.Daemon && !inherited && launcher == "" {
		return a.daemonize()
	}

	// The parent recorded here is what the change-binary guard compares
	// against: the launcher for a daemon, the old master for a new binary.
	parentPid := a.os.Getppid()
	if pid, err := strconv.Atoi(launcher); err == nil && pid > 0 {
		parentPid = pid
	}
	daemonized := launcher != "" || inherited

	if !a.cfg.MasterProcess {
		p := a.newProc(TypeSingle, "", daemonized, parentPid)
		return p.run(a, newSingle(a, p).role())
	}
	p := a.newProc(TypeMaster, "", daemonized, parentPid)
	return p.run(a, newMaster(a, p, inherited).role())
}

// proc bundles the per-process state every role works with.
type proc struct {
	self  *Process
	table *SignalTable
	state *SignalState
	m     *Manager
	l     log15.Logger
}

func (a *App) newProc(t ProcessType, name string, daemonized bool, parentPid int) *proc {
	self := newProcess(t, name)
	self.Pid = a.os.Getpid()
	self.ParentPid = parentPid
	l := a.l.New("type", t)
	if name != "" && name != t.String() {
		l = l.New("name", name)
	}
	state := newSignalState(l, a.os, daemonized, parentPid)
	sp := &spawner{
		os:         a.os,
		env:        a.env,
		path:       a.binaryPath,
		args:       a.args,
		inheritEnv: a.cfg.InheritEnv,
		configEnv: func() map[string]string {
			env := a.childConfigEnv()
			if daemonized {
				env[proto.DaemonizedEnv] = strconv.Itoa(self.Pid)
			}
			return env
		},
		l: l,
	}
	m := newManager(l, a.os, self, sp, a.events)
	m.noRespawn = a.noRespawn
	m.state = state
	return &proc{
		self:  self,
		table: NewSignalTable(t),
		state: state,
		m:     m,
		l:     l,
	}
}

func (a *App) childConfigEnv() map[string]string {
	return map[string]string{
		proto.ConfigEnv:     a.configPath,
		proto.ConfigDataEnv: a.cfgData,
	}
}

// run installs the signal handlers and runs r. Handlers are installed
// before anything is spawned, so no signal is lost.
func (p *proc) run(a *App, r Role) error {
	d := startDispatcher(p.table, p.state, a.metrics.observeSignal)
	defer d.Stop()
	return p.m.Start(p.self, r)
}

// factoryFor returns the server factory for a child of type t.
func (a *App) factoryFor(t ProcessType, name string) (ServerFactory, error) {
	switch t {
	case TypeWorker, TypeMaster, TypeSingle:
		return a.server, nil
	case TypeHelper:
		if a.helper == nil {
			return nil, errors.Wrap(ErrNoServer, "helper")
		}
		return a.helper, nil
	case TypeCustom:
		if f, ok := a.custom[name]; ok {
			return f, nil
		}
		return nil, errors.Wrapf(ErrUnknownProcessType, "custom role %q is not registered", name)
	}
	return nil, errors.Wrapf(ErrUnknownProcessType, "%s has no server", t)
}
