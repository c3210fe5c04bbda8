package echo

import (
	"context"
	"io"
	"net"
	"sync"
	"time"

	"github.com/inconshreveable/log15"
	"github.com/ngrok/prefork"
	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"
)

// DefaultDrainTimeout bounds how long open connections may keep going
// after a graceful shutdown started.
const DefaultDrainTimeout = 5 * time.Second

// Server writes back whatever its clients send, on every configured address.
type Server struct {
	l            log15.Logger
	drainTimeout time.Duration

	mu       sync.Mutex
	addrs    []string
	lns      []prefork.Listener
	conns    map[net.Conn]struct{}
	started  bool
	closing  bool
	err      error
	handlers sync.WaitGroup

	done     chan struct{}
	doneOnce sync.Once
}

var _ prefork.Server = (*Server)(nil)

// New is a prefork.ServerFactory.
func New(l log15.Logger, cfg *prefork.Config) (prefork.Server, error) {
	s := &Server{
		l:            l.New("server", "echo"),
		drainTimeout: DefaultDrainTimeout,
		conns:        map[net.Conn]struct{}{},
		done:         make(chan struct{}),
	}
	if err := s.Reload(cfg); err != nil {
		return nil, err
	}
	return s, nil
}

// Reload takes the listen addresses of cfg. They are bound on the next call
// to Listen.
func (s *Server) Reload(cfg *prefork.Config) error {
	if len(cfg.Listen) == 0 {
		return errors.New("echo: no listen address configured")
	}
	for _, addr := range cfg.Listen {
		if _, _, err := prefork.ParseListenAddr(addr); err != nil {
			return err
		}
	}
	s.mu.Lock()
	s.addrs = append([]string(nil), cfg.Listen...)
	s.mu.Unlock()
	return nil
}

// Listen binds every address, replacing the listeners of a previous call.
func (s *Server) Listen(fds *prefork.Fds) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return errors.New("echo: can't listen while serving")
	}

	lns := make([]prefork.Listener, 0, len(s.addrs))
	for _, a := range s.addrs {
		network, addr, _ := prefork.ParseListenAddr(a)
		ln, err := fds.Listen(context.Background(), network, addr)
		if err != nil {
			for _, ln := range lns {
				ln.Close()
			}
			return errors.Wrapf(err, "echo: can't listen on %s", a)
		}
		lns = append(lns, ln)
	}
	for _, ln := range s.lns {
		ln.Close()
	}
	s.lns = lns
	return nil
}

func (s *Server) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return errors.New("echo: already started")
	}
	if s.closing {
		return prefork.ErrServerStopped
	}
	s.started = true

	var g errgroup.Group
	for _, ln := range s.lns {
		ln := ln
		g.Go(func() error {
			return s.accept(ln)
		})
	}
	go func() {
		err := g.Wait()
		s.handlers.Wait()
		s.finish(err)
	}()
	return nil
}

func (s *Server) accept(ln net.Listener) error {
	s.l.Debug("accepting", "addr", ln.Addr())
	for {
		c, err := ln.Accept()
		if err != nil {
			if s.isClosing() {
				return nil
			}
			return errors.Wrapf(err, "echo: accept on %s", ln.Addr())
		}
		if !s.track(c) {
			c.Close()
			return nil
		}
		go s.serve(c)
	}
}

func (s *Server) track(c net.Conn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closing {
		return false
	}
	s.conns[c] = struct{}{}
	s.handlers.Add(1)
	return true
}

func (s *Server) serve(c net.Conn) {
	defer s.handlers.Done()
	defer func() {
		s.mu.Lock()
		delete(s.conns, c)
		s.mu.Unlock()
		c.Close()
	}()
	if _, err := io.Copy(c, c); err != nil && !s.isClosing() {
		s.l.Debug("connection error", "remote", c.RemoteAddr(), "err", err)
	}
}

func (s *Server) isClosing() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closing
}

// closeLocked stops accepting. Open connections get deadline, or are
// closed at once if deadline is zero.
func (s *Server) closeLocked(deadline time.Time) {
	s.closing = true
	for _, ln := range s.lns {
		ln.Close()
	}
	for c := range s.conns {
		if deadline.IsZero() {
			c.Close()
		} else {
			c.SetDeadline(deadline)
		}
	}
	if !s.started {
		s.finishLocked(nil)
	}
}

// ShutDown stops accepting and gives open connections the drain timeout to
// finish.
func (s *Server) ShutDown() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closing {
		return nil
	}
	s.l.Info("draining", "connections", len(s.conns), "timeout", s.drainTimeout)
	s.closeLocked(time.Now().Add(s.drainTimeout))
	return nil
}

func (s *Server) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closeLocked(time.Time{})
	return nil
}

func (s *Server) finish(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.finishLocked(err)
}

func (s *Server) finishLocked(err error) {
	s.doneOnce.Do(func() {
		s.err = err
		close(s.done)
	})
}

// Wait returns nil when ctx is done first, the accept error if serving
// failed, and prefork.ErrServerStopped otherwise.
func (s *Server) Wait(ctx context.Context) error {
	select {
	case <-s.done:
		s.mu.Lock()
		defer s.mu.Unlock()
		if s.err != nil {
			return s.err
		}
		return prefork.ErrServerStopped
	case <-ctx.Done():
		return nil
	}
}

func (s *Server) Bindings() []prefork.Listener {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]prefork.Listener(nil), s.lns...)
}
