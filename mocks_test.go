package prefork

import (
	"context"
	"sync"
	"syscall"

	"github.com/inconshreveable/log15"
	"golang.org/x/sys/unix"
)

type kill struct {
	pid int
	sig unix.Signal
}

type forkExec struct {
	pid  int
	argv []string
	attr *syscall.ProcAttr
}

type waitResult struct {
	pid    int
	status unix.WaitStatus
}

// mockOS hands out increasing pids and records what would have happened.
type mockOS struct {
	mu sync.Mutex

	pid     int
	ppid    int
	nextPid int

	kills []kill
	forks []forkExec
	execs [][]string
	exits []int
	waits []waitResult

	killErr map[int]error
	forkErr error
}

func newMockOS(pid int) *mockOS {
	return &mockOS{
		pid:     pid,
		ppid:    1,
		nextPid: pid + 100,
		killErr: map[int]error{},
	}
}

func (m *mockOS) Getpid() int {
	return m.pid
}

func (m *mockOS) Getppid() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.ppid
}

func (m *mockOS) setPpid(pid int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ppid = pid
}

func (m *mockOS) Kill(pid int, sig unix.Signal) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.killErr[pid]; err != nil {
		return err
	}
	m.kills = append(m.kills, kill{pid, sig})
	return nil
}

// Wait4 returns scripted exits in order, then "nothing to collect".
func (m *mockOS) Wait4(pid int, status *unix.WaitStatus, options int) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.waits) == 0 {
		if len(m.forks) == 0 {
			return 0, unix.ECHILD
		}
		return 0, nil
	}
	w := m.waits[0]
	m.waits = m.waits[1:]
	*status = w.status
	return w.pid, nil
}

func (m *mockOS) ForkExec(argv0 string, argv []string, attr *syscall.ProcAttr) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.forkErr != nil {
		return 0, m.forkErr
	}
	m.nextPid++
	m.forks = append(m.forks, forkExec{m.nextPid, argv, attr})
	return m.nextPid, nil
}

func (m *mockOS) Exec(argv0 string, argv []string, envv []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.execs = append(m.execs, envv)
	return unix.ENOEXEC
}

func (m *mockOS) Exit(code int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.exits = append(m.exits, code)
}

// exit scripts the termination of pid with the given exit code.
func (m *mockOS) exit(pid, code int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.waits = append(m.waits, waitResult{pid, unix.WaitStatus(code << 8)})
}

// signaled scripts the termination of pid by sig.
func (m *mockOS) signaled(pid int, sig unix.Signal) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.waits = append(m.waits, waitResult{pid, unix.WaitStatus(sig)})
}

func (m *mockOS) takeKills() []kill {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := m.kills
	m.kills = nil
	return k
}

func (m *mockOS) forkCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.forks)
}

func (m *mockOS) lastFork() forkExec {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.forks[len(m.forks)-1]
}

func (m *mockOS) exitCodes() []int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]int(nil), m.exits...)
}

func sigsTo(kills []kill) map[int][]unix.Signal {
	out := map[int][]unix.Signal{}
	for _, k := range kills {
		out[k.pid] = append(out[k.pid], k.sig)
	}
	return out
}

// mockEnv is an environment with nothing inherited.
func mockEnv(vars map[string]string) *env {
	return &env{
		newFile: stdEnv.newFile,
		environ: func() []string {
			out := []string{"PATH=/usr/bin"}
			for k, v := range vars {
				out = append(out, k+"="+v)
			}
			return out
		},
		getenv:      func(k string) string { return vars[k] },
		closeOnExec: func(int) {},
	}
}

// mockServer is a Server whose bindings come from a real descriptor store.
type mockServer struct {
	mu       sync.Mutex
	addrs    []string
	lns      []Listener
	listened int
	started  bool
	shutdown bool
	stopped  bool
	reloads  int
	reloadFn func(cfg *Config) error
	done     chan struct{}
	once     sync.Once
}

func newMockServer(cfg *Config) *mockServer {
	return &mockServer{addrs: cfg.Listen, done: make(chan struct{})}
}

func (s *mockServer) Listen(fds *Fds) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var lns []Listener
	for _, a := range s.addrs {
		network, addr, err := ParseListenAddr(a)
		if err != nil {
			return err
		}
		ln, err := fds.Listen(context.Background(), network, addr)
		if err != nil {
			return err
		}
		lns = append(lns, ln)
	}
	for _, ln := range s.lns {
		ln.Close()
	}
	s.lns = lns
	s.listened++
	return nil
}

func (s *mockServer) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.started = true
	return nil
}

func (s *mockServer) ShutDown() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.shutdown = true
	return nil
}

func (s *mockServer) Stop() error {
	s.mu.Lock()
	s.stopped = true
	for _, ln := range s.lns {
		ln.Close()
	}
	s.mu.Unlock()
	s.finish()
	return nil
}

func (s *mockServer) finish() {
	s.once.Do(func() { close(s.done) })
}

func (s *mockServer) Wait(ctx context.Context) error {
	select {
	case <-s.done:
		return ErrServerStopped
	case <-ctx.Done():
		return nil
	}
}

func (s *mockServer) Bindings() []Listener {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Listener(nil), s.lns...)
}

func (s *mockServer) Reload(cfg *Config) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.reloadFn != nil {
		if err := s.reloadFn(cfg); err != nil {
			return err
		}
	}
	s.addrs = cfg.Listen
	s.reloads++
	return nil
}

// recordingNotifier keeps every state sent to the service manager.
type recordingNotifier struct {
	mu     sync.Mutex
	states []string
}

func (n *recordingNotifier) Notify(state string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.states = append(n.states, state)
}

func (n *recordingNotifier) all() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]string(nil), n.states...)
}

func (s *mockServer) isStopped() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stopped
}

func (s *mockServer) isShutDown() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.shutdown
}

func (s *mockServer) isStarted() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.started
}

// mockServers is a ServerFactory keeping every server it built.
type mockServers struct {
	mu  sync.Mutex
	all []*mockServer
	err error
}

func (m *mockServers) factory(_ log15.Logger, cfg *Config) (Server, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return nil, m.err
	}
	s := newMockServer(cfg)
	m.all = append(m.all, s)
	return s, nil
}

func (m *mockServers) get(i int) *mockServer {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.all[i]
}

func (m *mockServers) len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.all)
}
