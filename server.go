package prefork

import (
	"context"
	"net/http"
	"sync"

	"github.com/inconshreveable/log15"
	"github.com/pkg/errors"
)

// ErrServerStopped is returned by Server.Wait once the server has nothing
// left to do: it was stopped, or it finished draining after ShutDown.
var ErrServerStopped = errors.New("server stopped")

// Server is the application layer a process serves connections with. It
// moves through three levels of activity: bound but inactive after Listen,
// active after Start, and draining after ShutDown. A master only ever binds
// it, to own the listening sockets handed to workers.
type Server interface {
	// Listen binds every configured address through fds, reusing inherited
	// sockets.
	Listen(fds *Fds) error
	Start() error
	// ShutDown stops accepting and lets in-flight work finish. It does not
	// block.
	ShutDown() error
	// Stop closes everything immediately.
	Stop() error
	// Wait blocks until something happened that the caller may want to look
	// at, or ctx is done. It returns ErrServerStopped when the server is
	// finished.
	Wait(ctx context.Context) error
	// Bindings are the listening sockets, in a stable order.
	Bindings() []Listener
	// Reload applies cfg; new addresses take effect on the next Listen.
	Reload(cfg *Config) error
}

// ServerFactory builds the Server for one process.
type ServerFactory func(l log15.Logger, cfg *Config) (Server, error)

// waitServer runs srv.Wait until it returns or a signal handler ran.
func waitServer(srv Server, state *SignalState) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var wg sync.WaitGroup
	stop := make(chan struct{})
	wg.Add(1)
	go func() {
		defer wg.Done()
		select {
		case <-state.Wake():
			cancel()
		case <-stop:
		}
	}()

	err := srv.Wait(ctx)
	close(stop)
	wg.Wait()
	return err
}

// serveMetrics exposes a.metrics on the configured address, taking the
// socket from fds so a replacement binary inherits it. It returns a nil
// listener if metrics are disabled.
func serveMetrics(a *App, fds *Fds) (Listener, *http.Server, error) {
	if a.metrics == nil || a.cfg.Metrics.Listen == "" {
		return nil, nil, nil
	}
	network, addr, err := ParseListenAddr(a.cfg.Metrics.Listen)
	if err != nil {
		return nil, nil, err
	}
	ln, err := fds.Listen(context.Background(), network, addr)
	if err != nil {
		return nil, nil, errors.Wrap(err, "can't listen for metrics")
	}
	return ln, a.metrics.Serve(ln), nil
}
