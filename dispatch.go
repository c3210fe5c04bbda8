package prefork

import (
	"fmt"
	"os"
	"os/signal"
	"runtime"
	"sync"

	"golang.org/x/sys/unix"
)

// dispatcher stands in for OS signal handlers: it receives every signal the
// table registers and runs the matching handler.
type dispatcher struct {
	table *SignalTable
	state *SignalState
	// observe is called for every delivered signal, before its handler.
	observe func(sig unix.Signal)

	ch   chan os.Signal
	done chan struct{}
	wg   sync.WaitGroup
}

func startDispatcher(table *SignalTable, state *SignalState, observe func(unix.Signal)) *dispatcher {
	d := &dispatcher{
		table:   table,
		state:   state,
		observe: observe,
		ch:      make(chan os.Signal, 16),
		done:    make(chan struct{}),
	}
	if sigs := table.Signals(); len(sigs) > 0 {
		signal.Notify(d.ch, sigs...)
	}
	d.wg.Add(1)
	go d.loop()
	return d
}

func (d *dispatcher) loop() {
	defer d.wg.Done()
	for {
		select {
		case <-d.done:
			return
		case sig := <-d.ch:
			if s, ok := sig.(unix.Signal); ok {
				d.handle(s)
			}
		}
	}
}

// handle must not let a panic escape: there is no caller to return to, and
// the flag state may be half written.
func (d *dispatcher) handle(sig unix.Signal) {
	defer func() {
		if r := recover(); r != nil {
			fmt.Fprintf(os.Stderr, "prefork: handling %s failed: %v\n", unix.SignalName(sig), r)
			d.state.l.Crit("signal handler failed", "signal", unix.SignalName(sig), "err", r)
			d.state.os.Exit(ExitSignalHandler)
		}
	}()
	if d.observe != nil {
		d.observe(sig)
	}
	d.state.deliver(d.table.lookup(sig))
}

// Stop unregisters the signals and waits for the dispatcher to return.
func (d *dispatcher) Stop() {
	signal.Stop(d.ch)
	close(d.done)
	d.wg.Wait()
}

func crashSignal(s *SignalState, e *signalEntry) {
	buf := make([]byte, 64<<10)
	buf = buf[:runtime.Stack(buf, true)]
	s.l.Crit("fatal signal received", "signal", e.Name(), "stack", string(buf))
	s.os.Exit(ExitCrash)
}
