package sim

import "sync"

// TickEvent wakes a ticking component up.
type TickEvent struct {
	EventBase
}

func newTickEvent(handler Handler, t VTimeInSec, secondary bool) TickEvent {
	evt := TickEvent{EventBase: *NewEventBase(t, handler)}
	evt.secondary = secondary

	return evt
}

// A Ticker advances its state by one cycle and reports whether anything
// changed.
type Ticker interface {
	Tick() bool
}

// TickScheduler keeps at most one pending tick event for a handler.
type TickScheduler struct {
	Freq   Freq
	Engine Engine

	lock      sync.Mutex
	handler   Handler
	secondary bool
	scheduled VTimeInSec
}

// NewTickScheduler creates a scheduler whose ticks run with the other
// primary events.
func NewTickScheduler(handler Handler, engine Engine, freq Freq) *TickScheduler {
	return &TickScheduler{
		Freq:      freq,
		Engine:    engine,
		handler:   handler,
		scheduled: -1,
	}
}

// NewSecondaryTickScheduler creates a scheduler whose ticks run after the
// primary events of the same time.
func NewSecondaryTickScheduler(
	handler Handler,
	engine Engine,
	freq Freq,
) *TickScheduler {
	s := NewTickScheduler(handler, engine, freq)
	s.secondary = true

	return s
}

// CurrentTime returns the time of the engine.
func (s *TickScheduler) CurrentTime() VTimeInSec {
	return s.Engine.CurrentTime()
}

// TickNow schedules a tick on the current cycle boundary.
func (s *TickScheduler) TickNow() {
	s.scheduleAt(s.Freq.ThisTick(s.CurrentTime()))
}

// TickLater schedules a tick on the next cycle boundary.
func (s *TickScheduler) TickLater() {
	s.scheduleAt(s.Freq.NextTick(s.CurrentTime()))
}

func (s *TickScheduler) scheduleAt(t VTimeInSec) {
	s.lock.Lock()
	defer s.lock.Unlock()

	if s.scheduled >= t {
		return
	}

	s.scheduled = t
	s.Engine.Schedule(newTickEvent(s.handler, t, s.secondary))
}

// TickingComponent is a component that keeps ticking as long as its ticker
// makes progress and sleeps otherwise. Port activity wakes it up.
type TickingComponent struct {
	*ComponentBase
	*TickScheduler

	ticker Ticker
}

// NewTickingComponent creates a ticking component.
func NewTickingComponent(
	name string,
	engine Engine,
	freq Freq,
	ticker Ticker,
) *TickingComponent {
	tc := &TickingComponent{
		ComponentBase: NewComponentBase(name),
		ticker:        ticker,
	}
	tc.TickScheduler = NewTickScheduler(tc, engine, freq)

	return tc
}

// NewSecondaryTickingComponent creates a ticking component that ticks after
// the primary events of each cycle.
func NewSecondaryTickingComponent(
	name string,
	engine Engine,
	freq Freq,
	ticker Ticker,
) *TickingComponent {
	tc := &TickingComponent{
		ComponentBase: NewComponentBase(name),
		ticker:        ticker,
	}
	tc.TickScheduler = NewSecondaryTickScheduler(tc, engine, freq)

	return tc
}

// NotifyRecv wakes the component up.
func (c *TickingComponent) NotifyRecv(_ Port) {
	c.TickLater()
}

// NotifyPortFree wakes the component up.
func (c *TickingComponent) NotifyPortFree(_ Port) {
	c.TickLater()
}

// Handle ticks once.
func (c *TickingComponent) Handle(_ Event) error {
	if c.ticker.Tick() {
		c.TickLater()
	}

	return nil
}
