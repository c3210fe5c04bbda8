package prefork

import (
	"github.com/pkg/errors"
)

// worker runs a Server under a master: workers, the helper and custom roles.
// It never supervises anything.
type worker struct {
	app     *App
	p       *proc
	factory ServerFactory

	server   Server
	fds      *Fds
	quitting bool
}

func newWorker(a *App, p *proc) (*worker, error) {
	f, err := a.factoryFor(p.self.Type, p.self.Name)
	if err != nil {
		return nil, err
	}
	return &worker{app: a, p: p, factory: f}, nil
}

func (w *worker) role() Role {
	return Role{
		PreRun:  w.preRun,
		Run:     w.run,
		PostRun: w.exit,
	}
}

func (w *worker) preRun() error {
	files, err := w.app.env.inheritedFiles(w.app.cfg.InheritEnv)
	if err != nil {
		return errors.Wrap(err, "can't read inherited sockets")
	}
	w.fds = newFds(w.p.l, files)

	w.server, err = w.factory(w.p.l, w.app.cfg)
	if err != nil {
		return Fatal(err)
	}
	if err := w.server.Listen(w.fds); err != nil {
		return err
	}
	w.fds.CloseInherited()
	if err := w.server.Start(); err != nil {
		return err
	}
	w.p.l.Info("started", "generation", w.p.self.Generation, "listeners", w.fds.Addrs())
	return nil
}

func (w *worker) run() error {
	st := w.p.state
	l := w.p.l
	for {
		err := waitServer(w.server, st)
		stopped := errors.Is(err, ErrServerStopped)
		if err != nil && !stopped {
			return err
		}

		if take(&st.terminate) {
			l.Info("exiting")
			return nil
		}

		if take(&st.debugQuit) {
			l.Info("debug quit requested")
		}
		if take(&st.quit) && !w.quitting {
			l.Info("gracefully shutting down")
			w.quitting = true
			if err := w.server.ShutDown(); err != nil {
				l.Warn("error shutting down server", "err", err)
			}
		}

		if stopped {
			if w.quitting {
				return nil
			}
			return errors.New("server stopped unexpectedly")
		}

		if take(&st.reopen) {
			l.Info("reopening logs")
			if w.app.logs != nil {
				if err := w.app.logs.Reopen(); err != nil {
					l.Error("can't reopen log file", "err", err)
				}
			}
		}
		take(&st.sigalrm)

		if !w.quitting && w.app.os.Getppid() != w.p.self.ParentPid {
			l.Warn("master is gone, shutting down")
			st.quit.Store(true)
			st.poke()
		}
	}
}

func (w *worker) exit() error {
	if w.server != nil {
		if err := w.server.Stop(); err != nil {
			w.p.l.Warn("error stopping server", "err", err)
		}
	}
	if w.fds != nil {
		w.fds.Close()
	}
	w.p.l.Info("exit")
	return nil
}
