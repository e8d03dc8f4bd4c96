package sim

// VTimeInSec is a point in simulated time, in seconds.
type VTimeInSec float64

// An Event is something that happens to a Handler at a given time.
type Event interface {
	Time() VTimeInSec
	Handler() Handler

	// Secondary events run after every primary event of the same time.
	IsSecondary() bool
}

// A Handler owns the events scheduled for it. An event may only change the
// state of its own handler.
type Handler interface {
	Handle(e Event) error
}

// EventBase carries the time and handler of an event.
type EventBase struct {
	ID string

	time      VTimeInSec
	handler   Handler
	secondary bool
}

// NewEventBase creates a primary event base.
func NewEventBase(t VTimeInSec, handler Handler) *EventBase {
	return &EventBase{
		ID:      GetIDGenerator().Generate(),
		time:    t,
		handler: handler,
	}
}

// Time returns when the event happens.
func (e EventBase) Time() VTimeInSec {
	return e.time
}

// Handler returns the handler of the event.
func (e EventBase) Handler() Handler {
	return e.handler
}

// IsSecondary tells if the event runs after the primary events of its time.
func (e EventBase) IsSecondary() bool {
	return e.secondary
}
