package echo

import (
	"context"
	"sync"
	"time"

	"github.com/inconshreveable/log15"
	"github.com/ngrok/prefork"
	"k8s.io/utils/clock"
)

// DefaultHeartbeatInterval is how often a Heartbeat logs.
const DefaultHeartbeatInterval = 30 * time.Second

// Heartbeat is a Server without sockets. It logs periodically until it is
// shut down, standing in for background work such as cache maintenance.
type Heartbeat struct {
	l        log15.Logger
	clk      clock.WithTicker
	interval time.Duration

	mu      sync.Mutex
	started bool
	stopped bool
	ticks   int
	stop    chan struct{}
	done    chan struct{}
}

var _ prefork.Server = (*Heartbeat)(nil)

// NewHeartbeat is a prefork.ServerFactory.
func NewHeartbeat(l log15.Logger, cfg *prefork.Config) (prefork.Server, error) {
	return newHeartbeat(l, clock.RealClock{}, DefaultHeartbeatInterval), nil
}

func newHeartbeat(l log15.Logger, clk clock.WithTicker, interval time.Duration) *Heartbeat {
	return &Heartbeat{
		l:        l.New("server", "heartbeat"),
		clk:      clk,
		interval: interval,
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
}

func (h *Heartbeat) Listen(*prefork.Fds) error    { return nil }
func (h *Heartbeat) Reload(*prefork.Config) error { return nil }
func (h *Heartbeat) Bindings() []prefork.Listener { return nil }
func (h *Heartbeat) ShutDown() error              { return h.Stop() }

func (h *Heartbeat) Start() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.started || h.stopped {
		return nil
	}
	h.started = true
	go h.loop()
	return nil
}

func (h *Heartbeat) loop() {
	defer close(h.done)
	t := h.clk.NewTicker(h.interval)
	defer t.Stop()
	for {
		select {
		case <-t.C():
			h.mu.Lock()
			h.ticks++
			n := h.ticks
			h.mu.Unlock()
			h.l.Info("heartbeat", "n", n)
		case <-h.stop:
			return
		}
	}
}

// Ticks is the number of heartbeats so far.
func (h *Heartbeat) Ticks() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.ticks
}

func (h *Heartbeat) Stop() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.stopped {
		return nil
	}
	h.stopped = true
	close(h.stop)
	if !h.started {
		close(h.done)
	}
	return nil
}

func (h *Heartbeat) Wait(ctx context.Context) error {
	select {
	case <-h.done:
		return prefork.ErrServerStopped
	case <-ctx.Done():
		return nil
	}
}
