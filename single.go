package prefork

import (
	"net/http"

	"github.com/coreos/go-systemd/v22/daemon"
	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

// single serves in the calling process without any children.
type single struct {
	app *App
	p   *proc

	pid        *PidFile
	fds        *Fds
	server     Server
	metricsLn  Listener
	metricsSrv *http.Server
	quitting   bool
}

func newSingle(a *App, p *proc) *single {
	return &single{
		app: a,
		p:   p,
		pid: NewPidFile(p.l, a.cfg.PidFile),
	}
}

func (s *single) role() Role {
	return Role{
		PreRun:  s.preRun,
		Run:     s.run,
		PostRun: s.exit,
	}
}

func (s *single) preRun() error {
	if err := s.pid.Write(s.p.self.Pid); err != nil {
		return err
	}
	files, err := s.app.env.inheritedFiles(s.app.cfg.InheritEnv)
	if err != nil {
		return errors.Wrap(err, "can't read inherited sockets")
	}
	s.fds = newFds(s.p.l, files)

	if err := s.startServer(s.app.cfg); err != nil {
		return err
	}
	s.metricsLn, s.metricsSrv, err = serveMetrics(s.app, s.fds)
	if err != nil {
		return err
	}
	s.fds.CloseInherited()
	s.app.notify.Notify(daemon.SdNotifyReady)
	s.p.l.Info("started", "listeners", s.fds.Addrs())
	return nil
}

func (s *single) startServer(cfg *Config) error {
	srv, err := s.app.server(s.p.l, cfg)
	if err != nil {
		return Fatal(err)
	}
	if err := srv.Listen(s.fds); err != nil {
		srv.Stop()
		return err
	}
	if err := srv.Start(); err != nil {
		srv.Stop()
		return err
	}
	s.server = srv
	return nil
}

func (s *single) run() error {
	st := s.p.state
	l := s.p.l
	for {
		err := waitServer(s.server, st)
		stopped := errors.Is(err, ErrServerStopped)
		if err != nil && !stopped {
			return err
		}

		if take(&st.terminate) {
			l.Info("exiting")
			return nil
		}
		if take(&st.quit) && !s.quitting {
			l.Info("gracefully shutting down")
			s.quitting = true
			if err := s.server.ShutDown(); err != nil {
				l.Warn("error shutting down server", "err", err)
			}
		}
		if stopped {
			if s.quitting {
				return nil
			}
			return errors.New("server stopped unexpectedly")
		}

		if take(&st.reconfigure) && !s.quitting {
			if err := s.reconfigure(); err != nil {
				return err
			}
		}
		if take(&st.reopen) {
			l.Info("reopening logs")
			s.reopenLogs()
		}
		if take(&st.changeBinary) || take(&st.noAccept) {
			l.Warn("signal needs a master process, ignoring")
		}
		take(&st.changeBinaryIgnored)
		take(&st.reap)
		take(&st.sigio)
		take(&st.sigalrm)
	}
}

// reconfigure replaces the server with one built from the reloaded
// configuration. Listening sockets are kept in the descriptor store, so no
// binding is dropped in between.
func (s *single) reconfigure() error {
	l := s.p.l
	l.Info("reconfiguring")
	s.app.notify.Notify(daemon.SdNotifyReloading)
	defer s.app.notify.Notify(daemon.SdNotifyReady)

	cfg, err := s.app.loadConfig()
	if err != nil {
		l.Error("can't reload config, keeping the running one", "err", err)
		return nil
	}
	cfg.PidFile, cfg.InheritEnv = s.app.cfg.PidFile, s.app.cfg.InheritEnv

	old := s.server
	if err := old.Stop(); err != nil {
		l.Warn("error stopping server", "err", err)
	}
	if err := s.startServer(cfg); err != nil {
		l.Error("can't start server with new config, restoring", "err", err)
		if err := s.startServer(s.app.cfg); err != nil {
			return errors.Wrap(err, "can't restore server")
		}
		return nil
	}
	bindings := s.server.Bindings()
	if s.metricsLn != nil {
		bindings = append(bindings, s.metricsLn)
	}
	s.fds.Retain(bindings)
	return s.app.setConfig(cfg)
}

// reopenLogs reopens the log file and points stderr at it, so output of
// code that writes to stderr directly lands in the same place.
func (s *single) reopenLogs() {
	if s.app.logs == nil {
		return
	}
	l := s.p.l
	if err := s.app.logs.Reopen(); err != nil {
		l.Error("can't reopen log file", "err", err)
		return
	}
	if err := unix.Dup3(int(s.app.logs.Fd()), unix.Stderr, 0); err != nil {
		l.Error("can't redirect stderr", "err", err)
	}
}

func (s *single) exit() error {
	s.app.notify.Notify(daemon.SdNotifyStopping)
	if s.server != nil {
		if err := s.server.Stop(); err != nil {
			s.p.l.Warn("error stopping server", "err", err)
		}
	}
	if s.metricsSrv != nil {
		s.metricsSrv.Close()
	}
	if s.fds != nil {
		s.fds.UnlinkUnix()
		s.fds.Close()
	}
	if err := s.pid.Remove(); err != nil {
		s.p.l.Warn("can't remove pid file", "err", err)
	}
	s.p.l.Info("exit")
	return nil
}
