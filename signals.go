package prefork

import (
	"os"
	"strings"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

type signalKind int

const (
	kindShutdown signalKind = iota
	kindTerminate
	kindInterrupt
	kindNoAccept
	kindReconfigure
	kindReopen
	kindChangeBinary
	kindAlarm
	kindChild
	kindIO
	kindCrash
)

// signalHandler translates one delivered signal into flag state. It runs on
// the dispatcher goroutine and must only touch SignalState.
type signalHandler func(s *SignalState, e *signalEntry)

type signalEntry struct {
	Signo unix.Signal
	// Action is the operator-facing name accepted by the signaller, or empty
	// if the signal is not meant to be sent by hand.
	Action string
	kind   signalKind
	handle signalHandler
}

// Name is the symbolic name, e.g. "SIGHUP".
func (e *signalEntry) Name() string {
	return unix.SignalName(e.Signo)
}

var baseSignals = []signalEntry{
	{Signo: unix.SIGHUP, Action: "reload", kind: kindReconfigure},
	{Signo: unix.SIGUSR1, Action: "reopen", kind: kindReopen},
	{Signo: unix.SIGWINCH, kind: kindNoAccept},
	{Signo: unix.SIGTERM, Action: "stop", kind: kindTerminate},
	{Signo: unix.SIGQUIT, Action: "quit", kind: kindShutdown},
	{Signo: unix.SIGUSR2, kind: kindChangeBinary},
	{Signo: unix.SIGALRM, kind: kindAlarm},
	{Signo: unix.SIGINT, kind: kindInterrupt},
	{Signo: unix.SIGIO, kind: kindIO},
	{Signo: unix.SIGCHLD, kind: kindChild},
}

// Fatal hardware signals. Go turns synchronous faults into runtime panics, so
// these only fire when the signal is sent by another process.
var crashSignals = []unix.Signal{unix.SIGILL, unix.SIGSEGV, unix.SIGBUS, unix.SIGFPE}

// SignalTable maps signal numbers to names, operator actions and handlers.
// Its contents depend on the role of the process.
type SignalTable struct {
	entries []signalEntry
}

// NewSignalTable builds the table for a process of type t. The signaller only
// sends signals, so its entries carry no handler.
func NewSignalTable(t ProcessType) *SignalTable {
	var handle signalHandler
	switch {
	case t == TypeSignaller:
	case t.supervisor():
		handle = supervisorSignal
	default:
		handle = childSignal
	}

	tbl := &SignalTable{}
	for _, e := range baseSignals {
		if e.kind == kindChild && !t.supervisor() {
			continue
		}
		e.handle = handle
		tbl.entries = append(tbl.entries, e)
	}
	if t != TypeSignaller {
		for _, sig := range crashSignals {
			tbl.entries = append(tbl.entries, signalEntry{Signo: sig, kind: kindCrash, handle: crashSignal})
		}
	}
	return tbl
}

// Signals returns every signal with a handler, for signal.Notify.
func (t *SignalTable) Signals() []os.Signal {
	var sigs []os.Signal
	for _, e := range t.entries {
		if e.handle != nil {
			sigs = append(sigs, e.Signo)
		}
	}
	return sigs
}

func (t *SignalTable) lookup(sig unix.Signal) *signalEntry {
	for i := range t.entries {
		if t.entries[i].Signo == sig {
			return &t.entries[i]
		}
	}
	return nil
}

// Resolve maps an operator action ("reload", "stop", ...) or a symbolic name
// ("SIGHUP", "hup") to a signal number.
func (t *SignalTable) Resolve(name string) (unix.Signal, error) {
	want := strings.TrimSpace(name)
	upper := strings.ToUpper(want)
	if !strings.HasPrefix(upper, "SIG") {
		upper = "SIG" + upper
	}
	for _, e := range t.entries {
		if (e.Action != "" && strings.EqualFold(e.Action, want)) || e.Name() == upper {
			return e.Signo, nil
		}
	}
	return 0, errors.Wrapf(ErrUnknownSignal, "%q", name)
}

// Action returns the operator-facing name of sig, or its symbolic name if it
// has none.
func (t *SignalTable) Action(sig unix.Signal) string {
	if e := t.lookup(sig); e != nil && e.Action != "" {
		return e.Action
	}
	return unix.SignalName(sig)
}

func supervisorSignal(s *SignalState, e *signalEntry) {
	switch e.kind {
	case kindShutdown:
		s.quit.Store(true)
	case kindTerminate, kindInterrupt:
		s.terminate.Store(true)
	case kindNoAccept:
		if s.daemonized {
			s.noAccept.Store(true)
		}
	case kindReconfigure:
		s.reconfigure.Store(true)
	case kindReopen:
		s.reopen.Store(true)
	case kindChangeBinary:
		// Our parent is still the process that started us, or a replacement
		// is already running: a second exec would race the first.
		if s.os.Getppid() == s.parentPid || s.newBinary.Load() != 0 {
			s.changeBinaryIgnored.Store(true)
			return
		}
		s.changeBinary.Store(true)
	case kindAlarm:
		s.sigalrm.Store(true)
	case kindChild:
		s.reap.Store(true)
	case kindIO:
		s.sigio.Store(true)
	}
}

func childSignal(s *SignalState, e *signalEntry) {
	switch e.kind {
	case kindNoAccept:
		if s.daemonized {
			s.debugQuit.Store(true)
		}
		s.quit.Store(true)
	case kindShutdown:
		s.quit.Store(true)
	case kindTerminate, kindInterrupt:
		s.terminate.Store(true)
	case kindReconfigure:
		if debugBuild {
			s.terminate.Store(true)
		}
	case kindReopen:
		s.reopen.Store(true)
	case kindAlarm:
		s.sigalrm.Store(true)
	}
}
