// Package prefork runs a server as a tree of processes: a master that owns
// the listening sockets and supervises pre-forked workers, an optional helper
// and custom processes, all re-executions of the same binary.
//
// The master reacts to operator signals. SIGHUP reloads the configuration and
// replaces the workers by a new generation, SIGUSR1 reopens log files,
// SIGQUIT drains gracefully and SIGTERM stops at once, escalating to SIGKILL
// for children that do not exit in time. SIGUSR2 starts the binary on disk as
// a replacement master which inherits every listening socket through the
// environment, so connections are never refused while the binary changes.
// SIGWINCH then stops the old workers, and SIGQUIT retires the old master.
//
// Without a master process the server runs in the calling process alone.
//
// A process learns its role from the environment it was started with, so
// every process calls the same entry point:
//
//	app, err := prefork.New(cfg, newServer, prefork.WithLogger(l))
//	if err != nil {
//		return err
//	}
//	return app.Run()
package prefork
