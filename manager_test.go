package prefork

import (
	"sync"
	"testing"
	"time"

	"github.com/ngrok/prefork/internal/proto"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

func newTestManager(t *testing.T, mos *mockOS, events *Events) *Manager {
	self := newProcess(TypeMaster, "")
	require.NoError(t, self.markRunning(mos.Getpid()))
	sp := &spawner{
		os:         mos,
		env:        mockEnv(nil),
		path:       "/usr/sbin/preforkd",
		args:       []string{"preforkd"},
		inheritEnv: proto.DefaultInheritEnv,
		l:          l,
	}
	m := newManager(l, mos, self, sp, events)
	m.state = newSignalState(l, mos, false, 1)
	return m
}

func TestManagerStartPhases(t *testing.T) {
	mos := newMockOS(1)
	m := newTestManager(t, mos, nil)

	var order []string
	phase := func(name string) func() error {
		return func() error {
			order = append(order, name)
			return nil
		}
	}
	p := newProcess(TypeWorker, "")
	require.NoError(t, m.Start(p, Role{PreRun: phase("pre"), Run: phase("run"), PostRun: phase("post")}))
	require.Equal(t, []string{"pre", "run", "post"}, order)
	require.True(t, p.Exited())
	require.Empty(t, mos.exitCodes())
}

func TestManagerStartFailures(t *testing.T) {
	for _, tc := range []struct {
		name string
		role Role
		code int
	}{
		{
			name: "error",
			role: Role{Run: func() error { return errors.New("boom") }},
			code: ExitInternal,
		},
		{
			name: "fatal",
			role: Role{PreRun: func() error { return Fatal(errors.New("bad config")) }},
			code: ExitFatal,
		},
		{
			name: "panic",
			role: Role{PostRun: func() error { panic("boom") }},
			code: ExitInternal,
		},
	} {
		t.Run(tc.name, func(t *testing.T) {
			mos := newMockOS(1)
			m := newTestManager(t, mos, nil)
			p := newProcess(TypeWorker, "")
			require.Error(t, m.Start(p, tc.role))
			require.Equal(t, []int{tc.code}, mos.exitCodes())
			require.Equal(t, tc.code, p.ExitCode)
		})
	}
}

func TestManagerStartSkipsLaterPhases(t *testing.T) {
	mos := newMockOS(1)
	m := newTestManager(t, mos, nil)
	ran := false
	err := m.Start(newProcess(TypeWorker, ""), Role{
		PreRun: func() error { return errors.New("no") },
		Run: func() error {
			ran = true
			return nil
		},
	})
	require.Error(t, err)
	require.False(t, ran)
}

func TestManagerSpawn(t *testing.T) {
	mos := newMockOS(1000)
	m := newTestManager(t, mos, nil)

	p, err := m.Spawn(TypeWorker, "", 3, true, false)
	require.NoError(t, err)
	require.True(t, p.Running())
	require.Equal(t, 1000, p.ParentPid)
	require.Equal(t, 3, p.Generation)
	require.False(t, p.Detached)
	require.Same(t, p, m.FindByPid(p.Pid))

	nb, err := m.Spawn(TypeNewBinary, "", 3, false, false)
	require.NoError(t, err)
	require.True(t, nb.Detached)
	require.Equal(t, 2, m.Len())

	mos.forkErr = errors.New("fork failed")
	_, err = m.Spawn(TypeWorker, "", 3, true, false)
	require.Error(t, err)
	require.Equal(t, 2, m.Len())
}

func TestManagerSignalAll(t *testing.T) {
	mos := newMockOS(1000)
	m := newTestManager(t, mos, nil)

	old, err := m.Spawn(TypeWorker, "", 0, true, false)
	require.NoError(t, err)
	fresh, err := m.Spawn(TypeWorker, "", 1, true, true)
	require.NoError(t, err)
	nb, err := m.Spawn(TypeNewBinary, "", 0, false, false)
	require.NoError(t, err)

	require.Equal(t, 1, m.SignalAll(unix.SIGQUIT))
	sigs := sigsTo(mos.takeKills())
	require.Equal(t, []unix.Signal{unix.SIGQUIT}, sigs[old.Pid])
	require.Empty(t, sigs[fresh.Pid], "just spawned children are skipped once")
	require.Empty(t, sigs[nb.Pid], "detached children are never signalled")
	require.False(t, fresh.JustSpawned)
	require.True(t, old.Exiting())

	require.Equal(t, 0, m.SignalAll(unix.SIGQUIT))
	sigs = sigsTo(mos.takeKills())
	require.Empty(t, sigs[old.Pid], "no second shutdown for exiting children")
	require.Equal(t, []unix.Signal{unix.SIGQUIT}, sigs[fresh.Pid])

	m.SignalAll(unix.SIGTERM)
	sigs = sigsTo(mos.takeKills())
	require.Equal(t, []unix.Signal{unix.SIGTERM}, sigs[old.Pid])
	require.Equal(t, []unix.Signal{unix.SIGTERM}, sigs[fresh.Pid])
}

func TestManagerSignalReopenKeepsRunning(t *testing.T) {
	mos := newMockOS(1000)
	m := newTestManager(t, mos, nil)
	p, err := m.Spawn(TypeWorker, "", 0, true, false)
	require.NoError(t, err)

	m.SignalAll(unix.SIGUSR1)
	require.True(t, p.Running())
}

func TestManagerSignalGoneProcess(t *testing.T) {
	mos := newMockOS(1000)
	m := newTestManager(t, mos, nil)
	p, err := m.Spawn(TypeWorker, "", 0, true, false)
	require.NoError(t, err)
	mos.killErr[p.Pid] = unix.ESRCH

	m.SignalAll(unix.SIGTERM)
	require.True(t, p.Exited())
	require.True(t, take(&m.state.reap))
	select {
	case <-m.state.Wake():
	default:
		t.Fatal("expected a wake-up")
	}
}

func TestManagerTerminate(t *testing.T) {
	mos := newMockOS(1000)
	m := newTestManager(t, mos, nil)
	w, err := m.Spawn(TypeWorker, "", 0, true, false)
	require.NoError(t, err)
	nb, err := m.Spawn(TypeNewBinary, "", 0, false, false)
	require.NoError(t, err)

	m.TerminateAll()
	sigs := sigsTo(mos.takeKills())
	require.Equal(t, []unix.Signal{unix.SIGTERM}, sigs[w.Pid])
	require.NotContains(t, sigs, nb.Pid, "the new binary is left alone")
	require.True(t, w.Exiting())

	m.Terminate(0)
	m.Terminate(5)
	require.Empty(t, mos.takeKills())

	m.Stop(1)
	require.Equal(t, []*Process{nb}, m.Children())
	m.StopAll()
	require.Zero(t, m.Len())
}

func TestManagerStartFailureTerminatesChildren(t *testing.T) {
	mos := newMockOS(1000)
	m := newTestManager(t, mos, nil)
	w, err := m.Spawn(TypeWorker, "", 0, true, false)
	require.NoError(t, err)
	nb, err := m.Spawn(TypeNewBinary, "", 0, false, false)
	require.NoError(t, err)

	require.Error(t, m.Start(newProcess(TypeMaster, ""), Role{Run: func() error { panic("boom") }}))
	require.Equal(t, []int{ExitInternal}, mos.exitCodes())

	sigs := sigsTo(mos.takeKills())
	require.Equal(t, []unix.Signal{unix.SIGTERM}, sigs[w.Pid])
	require.NotContains(t, sigs, nb.Pid)
	require.Zero(t, m.Len())
}

func TestManagerReap(t *testing.T) {
	mos := newMockOS(1000)
	events := NewEvents()
	var mu sync.Mutex
	var respawned []RespawnedEvent
	var exited []ExitedEvent
	defer events.OnRespawned(func(ev RespawnedEvent) {
		mu.Lock()
		defer mu.Unlock()
		respawned = append(respawned, ev)
	})()
	defer events.OnExited(func(ev ExitedEvent) {
		mu.Lock()
		defer mu.Unlock()
		exited = append(exited, ev)
	})()

	m := newTestManager(t, mos, events)
	var removed []*Process
	m.onExit = func(p *Process) { removed = append(removed, p) }

	crashed, err := m.Spawn(TypeWorker, "", 0, true, false)
	require.NoError(t, err)
	stopped, err := m.Spawn(TypeWorker, "", 0, true, false)
	require.NoError(t, err)
	fatal, err := m.Spawn(TypeWorker, "", 0, true, false)
	require.NoError(t, err)
	healthy, err := m.Spawn(TypeHelper, "", 0, true, false)
	require.NoError(t, err)

	m.signal(stopped, unix.SIGQUIT)
	mos.takeKills()
	mos.signaled(crashed.Pid, unix.SIGSEGV)
	mos.exit(stopped.Pid, 0)
	mos.exit(fatal.Pid, ExitFatal)

	require.True(t, m.Reap(false))
	require.Equal(t, 2, m.Len())
	replacement := m.Children()[0]
	require.NotEqual(t, crashed.Pid, replacement.Pid)
	require.Equal(t, TypeWorker, replacement.Type)
	require.True(t, replacement.JustSpawned)
	require.Same(t, healthy, m.Children()[1])
	require.ElementsMatch(t, []*Process{stopped, fatal}, removed)
	require.False(t, fatal.Respawn)
	require.Equal(t, unix.SIGSEGV, crashed.Status.Signal())

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(respawned) == 1 && len(exited) == 3
	}, time.Second, time.Millisecond)
	mu.Lock()
	require.Equal(t, crashed.Pid, respawned[0].OldPid)
	require.Equal(t, replacement.Pid, respawned[0].Pid)
	reasons := map[int]string{}
	for _, ev := range exited {
		reasons[ev.Pid] = ev.Reason
	}
	mu.Unlock()
	require.Equal(t, exitReasonSignaled, reasons[crashed.Pid])
	require.Equal(t, exitReasonExited, reasons[stopped.Pid])
	require.Equal(t, exitReasonFatal, reasons[fatal.Pid])
}

func TestManagerReapStopping(t *testing.T) {
	mos := newMockOS(1000)
	m := newTestManager(t, mos, nil)
	p, err := m.Spawn(TypeWorker, "", 0, true, false)
	require.NoError(t, err)

	mos.signaled(p.Pid, unix.SIGKILL)
	require.False(t, m.Reap(true))
	require.Zero(t, m.Len())
	require.Equal(t, 1, mos.forkCount())
}

func TestManagerReapDetached(t *testing.T) {
	mos := newMockOS(1000)
	m := newTestManager(t, mos, nil)
	_, err := m.Spawn(TypeNewBinary, "", 0, false, false)
	require.NoError(t, err)

	require.False(t, m.Reap(false), "a running new binary does not keep the master alive")
	require.Equal(t, 1, m.Len())
}

func TestManagerNoRespawnPredicate(t *testing.T) {
	mos := newMockOS(1000)
	m := newTestManager(t, mos, nil)
	m.noRespawn = func(code int) bool { return code == 42 }
	p, err := m.Spawn(TypeWorker, "", 0, true, false)
	require.NoError(t, err)

	mos.exit(p.Pid, 42)
	require.False(t, m.Reap(false))
	require.Zero(t, m.Len())
}
