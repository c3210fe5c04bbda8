package prefork

import "github.com/pkg/errors"

// Exit codes used by prefork processes. A supervising master interprets them
// when reaping: ExitFatal disables respawn of the slot by default.
const (
	ExitOK      = 0
	ExitFailure = 1
	// ExitFatal is the default "do not respawn" code. A worker exits with it
	// when it knows restarting cannot help, e.g. an unusable configuration.
	ExitFatal = 2
	// ExitSignalHandler is used when translating a signal into flag state
	// failed. The dispatcher context is not a safe place to continue.
	ExitSignalHandler = 3
	// ExitInternal is used when a role's pre-run, run or post-run phase
	// panicked or returned an error.
	ExitInternal = 4
	// ExitCrash is used after a fatal hardware signal was logged.
	ExitCrash = 5
)

var (
	// ErrInvalidPid is returned when a pid file exists but does not contain a
	// positive decimal process id.
	ErrInvalidPid = errors.New("invalid pid")
	// ErrUnknownSignal is returned when an operator signal name cannot be
	// mapped through the signal table.
	ErrUnknownSignal = errors.New("unknown signal")
	// ErrUnknownProcessType is returned for a role name that is not one of the
	// known process types.
	ErrUnknownProcessType = errors.New("unknown process type")
	// ErrAlreadyRunning indicates the pid file is locked by another master.
	ErrAlreadyRunning = errors.New("another instance holds the pid file")
	// ErrNoServer indicates a role that serves connections was started
	// without a Server collaborator.
	ErrNoServer = errors.New("no server configured for role")
)

// defaultNoRespawn is the stock respawn-suppression predicate.
func defaultNoRespawn(code int) bool {
	return code == ExitFatal
}
