package prefork

import (
	"sync/atomic"

	"github.com/inconshreveable/log15"
)

// SignalState is the flag set written by signal handlers and drained by a
// role's run-loop. Handlers only ever store true; the run-loop only ever
// takes (reads and clears) a flag. Repeated deliveries of one signal before
// it is taken collapse into a single assertion.
type SignalState struct {
	terminate           atomic.Bool
	quit                atomic.Bool
	debugQuit           atomic.Bool
	reconfigure         atomic.Bool
	reopen              atomic.Bool
	noAccept            atomic.Bool
	changeBinary        atomic.Bool
	changeBinaryIgnored atomic.Bool
	reap                atomic.Bool
	sigio               atomic.Bool
	sigalrm             atomic.Bool

	// newBinary is the pid of an in-flight replacement binary, 0 if none.
	// The master owns it; the change-binary handler only reads it.
	newBinary atomic.Int64

	daemonized bool
	parentPid  int

	os   osIface
	l    log15.Logger
	wake chan struct{}
}

func newSignalState(l log15.Logger, os osIface, daemonized bool, parentPid int) *SignalState {
	return &SignalState{
		daemonized: daemonized,
		parentPid:  parentPid,
		os:         os,
		l:          l,
		wake:       make(chan struct{}, 1),
	}
}

// Wake is signalled at least once after any handler ran. Several deliveries
// may share one wake-up.
func (s *SignalState) Wake() <-chan struct{} {
	return s.wake
}

func (s *SignalState) poke() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func take(b *atomic.Bool) bool {
	return b.Swap(false)
}

// deliver runs the handler of an entry as if the OS had delivered it. The
// dispatcher and in-process sources like the alarm timer and the config
// watcher go through here.
func (s *SignalState) deliver(e *signalEntry) {
	if e == nil || e.handle == nil {
		return
	}
	e.handle(s, e)
	s.poke()
}
