package prefork

import (
	"github.com/inconshreveable/log15"
)

// Option is an option function for App.
// See Rob Pike's post on the topic for more information on this pattern:
// https://commandcenter.blogspot.com/2014/01/self-referential-functions-and-design.html
type Option func(a *App)

// WithLogger configures the logger to use for prefork operations.
// By default, nothing will be logged.
func WithLogger(l log15.Logger) Option {
	return func(a *App) {
		a.l = l
	}
}

// WithLogFile lets the reopen signal reopen f. In single-process mode stderr
// is redirected to it as well.
func WithLogFile(f *ReopenableFile) Option {
	return func(a *App) {
		a.logs = f
	}
}

// WithConfigPath sets the file the configuration is reloaded from. It must
// be absolute when daemonizing.
func WithConfigPath(path string) Option {
	return func(a *App) {
		a.configPath = path
	}
}

// WithConfigLoader replaces how the configuration is reloaded on the
// reconfigure signal. By default LoadConfig is called on the config path.
func WithConfigLoader(load func() (*Config, error)) Option {
	return func(a *App) {
		a.loadConfig = load
	}
}

// WithHelper sets the server run by the helper process, which is started
// when the configuration enables it.
func WithHelper(f ServerFactory) Option {
	return func(a *App) {
		a.helper = f
	}
}

// WithCustomRole registers a process type the configuration can ask for by
// name.
func WithCustomRole(name string, f ServerFactory) Option {
	return func(a *App) {
		if a.custom == nil {
			a.custom = map[string]ServerFactory{}
		}
		a.custom[name] = f
	}
}

// WithNoRespawn replaces the predicate deciding which child exit codes
// disable respawning. The default matches ExitFatal only.
func WithNoRespawn(fn func(code int) bool) Option {
	return func(a *App) {
		if fn != nil {
			a.noRespawn = fn
		}
	}
}

// WithMetrics records supervision metrics. A master or single process also
// serves them when the configuration has a metrics address.
func WithMetrics(m *Metrics) Option {
	return func(a *App) {
		a.metrics = m
	}
}
