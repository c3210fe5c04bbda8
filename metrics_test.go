package prefork

import (
	"io"
	"net"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

func TestMetricsFollowEvents(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)
	events := NewEvents()
	defer m.Subscribe(events)()

	mos := newMockOS(1000)
	mgr := newTestManager(t, mos, events)
	a, err := mgr.Spawn(TypeWorker, "", 0, true, false)
	require.NoError(t, err)
	_, err = mgr.Spawn(TypeWorker, "", 0, true, false)
	require.NoError(t, err)
	_, err = mgr.Spawn(TypeHelper, "", 0, true, false)
	require.NoError(t, err)

	mos.signaled(a.Pid, unix.SIGSEGV)
	require.True(t, mgr.Reap(false))

	require.Eventually(t, func() bool {
		return testutil.ToFloat64(m.spawns.WithLabelValues("worker")) == 3 &&
			testutil.ToFloat64(m.respawns.WithLabelValues("worker")) == 1 &&
			testutil.ToFloat64(m.exits.WithLabelValues("worker", exitReasonSignaled)) == 1
	}, 5*time.Second, time.Millisecond)
	require.Eventually(t, func() bool {
		return testutil.ToFloat64(m.live.WithLabelValues("worker")) == 2 &&
			testutil.ToFloat64(m.live.WithLabelValues("helper")) == 1
	}, 5*time.Second, time.Millisecond)
}

func TestMetricsSignals(t *testing.T) {
	m := NewMetrics(prometheus.NewRegistry())
	m.observeSignal(unix.SIGHUP)
	m.observeSignal(unix.SIGHUP)
	require.Equal(t, float64(2), testutil.ToFloat64(m.signals.WithLabelValues("SIGHUP")))

	var none *Metrics
	none.observeSignal(unix.SIGHUP)
}

func TestMetricsServe(t *testing.T) {
	m := NewMetrics(prometheus.NewRegistry())
	m.observeSignal(unix.SIGUSR1)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	srv := m.Serve(ln)
	defer srv.Close()

	resp, err := http.Get("http://" + ln.Addr().String() + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	require.True(t, strings.Contains(string(body), `prefork_signals_total{signal="SIGUSR1"} 1`), string(body))
}
