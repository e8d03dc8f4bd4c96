package sim

import (
	"log"
	"reflect"
	"sync"
)

// A SerialEngine handles one event at a time, in time order.
type SerialEngine struct {
	HookableBase

	timeLock sync.RWMutex
	now      VTimeInSec

	primary   *eventQueue
	secondary *eventQueue

	// eventLock is held while an event is handled and while paused.
	eventLock  sync.Mutex
	pauseLock  sync.Mutex
	paused     bool
	runLock    sync.Mutex
	endHandler []SimulationEndHandler
}

// NewSerialEngine creates an engine with no events.
func NewSerialEngine() *SerialEngine {
	return &SerialEngine{
		primary:   newEventQueue(),
		secondary: newEventQueue(),
	}
}

// Schedule queues an event. It panics if the event is in the past.
func (e *SerialEngine) Schedule(evt Event) {
	if evt.Time() < e.CurrentTime() {
		log.Panicf("scheduling %s at %.10f, before now (%.10f)",
			reflect.TypeOf(evt), evt.Time(), e.CurrentTime())
	}

	if evt.IsSecondary() {
		e.secondary.Push(evt)
		return
	}

	e.primary.Push(evt)
}

// CurrentTime returns the time of the event being handled.
func (e *SerialEngine) CurrentTime() VTimeInSec {
	e.timeLock.RLock()
	defer e.timeLock.RUnlock()

	return e.now
}

func (e *SerialEngine) setTime(t VTimeInSec) {
	e.timeLock.Lock()
	e.now = t
	e.timeLock.Unlock()
}

// Run handles events until both queues are empty.
func (e *SerialEngine) Run() error {
	e.runLock.Lock()
	defer e.runLock.Unlock()

	for e.step() {
	}

	return nil
}

// step handles the next event and reports false once there is none.
func (e *SerialEngine) step() bool {
	e.eventLock.Lock()
	defer e.eventLock.Unlock()

	evt := e.nextEvent()
	if evt == nil {
		return false
	}

	e.handle(evt)

	return true
}

func (e *SerialEngine) handle(evt Event) {
	if evt.Time() < e.CurrentTime() {
		log.Panicf("cannot run event in the past, evt %s @ %.10f, now %.10f",
			reflect.TypeOf(evt), evt.Time(), e.CurrentTime())
	}

	e.setTime(evt.Time())

	ctx := HookCtx{Domain: e, Pos: HookPosBeforeEvent, Item: evt}
	e.InvokeHook(ctx)

	_ = evt.Handler().Handle(evt)

	ctx.Pos = HookPosAfterEvent
	e.InvokeHook(ctx)
}

// nextEvent pops the earliest event. A primary event wins a tie with a
// secondary one.
func (e *SerialEngine) nextEvent() Event {
	p, s := e.primary.Peek(), e.secondary.Peek()

	switch {
	case p == nil && s == nil:
		return nil
	case s == nil, p != nil && p.Time() <= s.Time():
		return e.primary.Pop()
	default:
		return e.secondary.Pop()
	}
}

// Pause waits for the event being handled to finish and holds the engine
// until Continue is called.
func (e *SerialEngine) Pause() {
	e.pauseLock.Lock()
	defer e.pauseLock.Unlock()

	if e.paused {
		return
	}

	e.eventLock.Lock()
	e.paused = true
}

// Continue lets a paused engine run again.
func (e *SerialEngine) Continue() {
	e.pauseLock.Lock()
	defer e.pauseLock.Unlock()

	if !e.paused {
		return
	}

	e.paused = false
	e.eventLock.Unlock()
}

// RegisterSimulationEndHandler adds a handler to be called by Finished.
func (e *SerialEngine) RegisterSimulationEndHandler(
	handler SimulationEndHandler,
) {
	e.endHandler = append(e.endHandler, handler)
}

// Finished calls every simulation end handler with the current time.
func (e *SerialEngine) Finished() {
	now := e.CurrentTime()
	for _, h := range e.endHandler {
		h.Handle(now)
	}
}
