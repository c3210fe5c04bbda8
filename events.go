package prefork

import (
	"github.com/kelindar/event"
	"golang.org/x/sys/unix"
)

// Event type constants for the lifecycle dispatcher.
const (
	TypeSpawned uint32 = iota + 1
	TypeExited
	TypeRespawned
)

const (
	exitReasonExited   = "exited"
	exitReasonSignaled = "signaled"
	exitReasonFatal    = "fatal"
)

// SpawnedEvent is published whenever a child process is started, including
// respawns.
type SpawnedEvent struct {
	Pid        int
	Role       ProcessType
	Name       string
	Generation int
}

func (e SpawnedEvent) Type() uint32 { return TypeSpawned }

// ExitedEvent is published when a child has been reaped.
type ExitedEvent struct {
	Pid      int
	Role     ProcessType
	Name     string
	ExitCode int
	Signal   unix.Signal
	// Reason is one of "exited", "signaled" or "fatal".
	Reason string
}

func (e ExitedEvent) Type() uint32 { return TypeExited }

// RespawnedEvent is published when a crashed child was replaced.
type RespawnedEvent struct {
	OldPid int
	Pid    int
	Role   ProcessType
	Name   string
}

func (e RespawnedEvent) Type() uint32 { return TypeRespawned }

// Events fans process lifecycle changes out to subscribers. Delivery is
// asynchronous; subscribers must not touch the registry.
type Events struct {
	dispatcher *event.Dispatcher
}

func NewEvents() *Events {
	return &Events{dispatcher: event.NewDispatcher()}
}

// OnSpawned subscribes fn to SpawnedEvent. The returned function unsubscribes.
func (e *Events) OnSpawned(fn func(SpawnedEvent)) func() {
	return event.Subscribe(e.dispatcher, fn)
}

// OnExited subscribes fn to ExitedEvent.
func (e *Events) OnExited(fn func(ExitedEvent)) func() {
	return event.Subscribe(e.dispatcher, fn)
}

// OnRespawned subscribes fn to RespawnedEvent.
func (e *Events) OnRespawned(fn func(RespawnedEvent)) func() {
	return event.Subscribe(e.dispatcher, fn)
}

func (e *Events) publishSpawned(p *Process) {
	if e == nil {
		return
	}
	event.Publish(e.dispatcher, SpawnedEvent{
		Pid:        p.Pid,
		Role:       p.Type,
		Name:       p.Name,
		Generation: p.Generation,
	})
}

func (e *Events) publishExited(p *Process, reason string) {
	if e == nil {
		return
	}
	ev := ExitedEvent{
		Pid:      p.Pid,
		Role:     p.Type,
		Name:     p.Name,
		ExitCode: p.ExitCode,
		Reason:   reason,
	}
	if p.Status.Signaled() {
		ev.Signal = p.Status.Signal()
	}
	event.Publish(e.dispatcher, ev)
}

func (e *Events) publishRespawned(old, p *Process) {
	if e == nil {
		return
	}
	event.Publish(e.dispatcher, RespawnedEvent{
		OldPid: old.Pid,
		Pid:    p.Pid,
		Role:   p.Type,
		Name:   p.Name,
	})
}
